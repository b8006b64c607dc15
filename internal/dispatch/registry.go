package dispatch

import (
	"regexp"
	"strings"
	"sync"

	"golang.org/x/text/unicode/norm"
)

var wordPattern = regexp.MustCompile(`\S+`)

// Registry holds the commands a node can execute.
type Registry struct {
	mu       sync.RWMutex
	commands map[string]*Command
	aliases  map[string]*Command
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		commands: make(map[string]*Command),
		aliases:  make(map[string]*Command),
	}
}

// Command registers a command from a declaration such as
// "connect <target> [port]". A later registration with the same name
// replaces the earlier one.
func (r *Registry) Command(spec, description string) *Command {
	name, args := parseSpec(norm.NFC.String(spec))
	cmd := &Command{
		name:        name,
		description: description,
		args:        args,
		registry:    r,
	}

	r.mu.Lock()
	r.removeLocked(name)
	r.commands[name] = cmd
	r.mu.Unlock()
	return cmd
}

func (r *Registry) addAliases(cmd *Command, names []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range names {
		n = strings.Join(strings.Fields(norm.NFC.String(n)), " ")
		if n == "" {
			continue
		}
		cmd.aliases = append(cmd.aliases, n)
		r.aliases[n] = cmd
	}
}

// removeLocked unregisters a command and its aliases.
func (r *Registry) removeLocked(name string) {
	cmd, ok := r.commands[name]
	if !ok {
		return
	}
	for _, a := range cmd.aliases {
		delete(r.aliases, a)
	}
	delete(r.commands, name)
}

// Lookup finds a command by exact name or alias.
func (r *Registry) Lookup(name string) *Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lookupLocked(name)
}

func (r *Registry) lookupLocked(name string) *Command {
	if cmd, ok := r.commands[name]; ok {
		return cmd
	}
	return r.aliases[name]
}

// Match finds the command with the longest name matching the leading words
// of line, and returns it along with the raw text after the name.
// It returns nil when no prefix of line names a command.
func (r *Registry) Match(line string) (*Command, string) {
	line = norm.NFC.String(line)
	spans := wordPattern.FindAllStringIndex(line, -1)
	if len(spans) == 0 {
		return nil, ""
	}

	words := make([]string, len(spans))
	for i, s := range spans {
		words[i] = line[s[0]:s[1]]
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for n := len(words); n > 0; n-- {
		if cmd := r.lookupLocked(strings.Join(words[:n], " ")); cmd != nil {
			return cmd, strings.TrimSpace(line[spans[n-1][1]:])
		}
	}
	return nil, ""
}

// Commands returns the visible commands ordered by name.
func (r *Registry) Commands() []*Command {
	r.mu.RLock()
	cmds := make([]*Command, 0, len(r.commands))
	for _, c := range r.commands {
		if !c.hidden {
			cmds = append(cmds, c)
		}
	}
	r.mu.RUnlock()
	return sortedCommands(cmds)
}

// Names returns the names of visible commands, for completion.
func (r *Registry) Names() []string {
	cmds := r.Commands()
	names := make([]string, len(cmds))
	for i, c := range cmds {
		names[i] = c.name
	}
	return names
}

// Help renders the command listing shown by "help" and for unknown commands.
func (r *Registry) Help() string {
	cmds := r.Commands()
	width := 0
	labels := make([]string, len(cmds))
	for i, c := range cmds {
		label := c.name
		for _, a := range c.args {
			label += " " + a.String()
		}
		if len(c.options) > 0 {
			label += " [options]"
		}
		labels[i] = label
		if len(label) > width {
			width = len(label)
		}
	}

	var b strings.Builder
	b.WriteString("\n  Commands:\n\n")
	for i, c := range cmds {
		line := "    " + labels[i] + strings.Repeat(" ", width-len(labels[i])) + "  " + c.description
		b.WriteString(strings.TrimRight(line, " ") + "\n")
	}
	b.WriteString("\n")
	return b.String()
}
