// Package dispatch registers shell commands and executes submitted lines one at a time.
package dispatch

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// HandlerFunc runs a command. Its return is the command's single completion.
type HandlerFunc func(ctx context.Context, inv *Invocation) (any, error)

// ArgSpec describes one positional argument.
type ArgSpec struct {
	Name     string
	Required bool
	Variadic bool
}

// String renders the argument the way it is declared.
func (a ArgSpec) String() string {
	name := a.Name
	if a.Variadic {
		name += "..."
	}
	if a.Required {
		return "<" + name + ">"
	}
	return "[" + name + "]"
}

// OptionSpec describes one option flag.
type OptionSpec struct {
	Short       string
	Long        string
	Description string
	Required    bool
	TakesValue  bool
	// OptionalValue marks "[value]" options that may be given without a value.
	OptionalValue bool
	Default       string
	valueName     string
}

// Name is the key the option is bound under in Args.Options.
func (o OptionSpec) Name() string {
	if o.Long != "" {
		return o.Long
	}
	return o.Short
}

// Flags renders the option the way it is declared.
func (o OptionSpec) Flags() string {
	var parts []string
	if o.Short != "" {
		parts = append(parts, "-"+o.Short)
	}
	if o.Long != "" {
		parts = append(parts, "--"+o.Long)
	}
	s := strings.Join(parts, ", ")
	switch {
	case o.OptionalValue:
		s += " [" + o.valueName + "]"
	case o.TakesValue:
		s += " <" + o.valueName + ">"
	}
	return s
}

// Command is a registered shell command.
type Command struct {
	name        string
	aliases     []string
	description string
	args        []ArgSpec
	options     []OptionSpec
	action      HandlerFunc
	init        HandlerFunc
	mode        bool
	delimiter   string
	hidden      bool
	completions []string
	registry    *Registry
}

// Name returns the (possibly multi-word) command name.
func (c *Command) Name() string { return c.name }

// Aliases returns the alternative names.
func (c *Command) Aliases() []string { return append([]string(nil), c.aliases...) }

// Description returns the one-line description.
func (c *Command) Description() string { return c.description }

// Args returns the positional argument specs.
func (c *Command) Args() []ArgSpec { return append([]ArgSpec(nil), c.args...) }

// Options returns the option specs.
func (c *Command) Options() []OptionSpec { return append([]OptionSpec(nil), c.options...) }

// IsMode reports whether the command opens a sub-shell.
func (c *Command) IsMode() bool { return c.mode }

// Hidden reports whether the command is left out of help listings.
func (c *Command) Hidden() bool { return c.hidden }

// Completions returns the argument completion candidates.
func (c *Command) Completions() []string { return append([]string(nil), c.completions...) }

// ModeDelimiter returns the text appended to the prompt while in the mode.
func (c *Command) ModeDelimiter() string {
	if c.delimiter != "" {
		return c.delimiter
	}
	return c.name + ":"
}

// Action sets the handler.
func (c *Command) Action(fn HandlerFunc) *Command {
	c.action = fn
	return c
}

// Mode turns the command into a sub-shell. init runs on entry; later lines are
// passed verbatim to the Action handler until "exit".
func (c *Command) Mode(init HandlerFunc) *Command {
	c.mode = true
	c.init = init
	return c
}

// Delimiter overrides the prompt suffix shown while in the mode.
func (c *Command) Delimiter(d string) *Command {
	c.delimiter = d
	return c
}

// Option declares an option from a flag string such as "-f, --force",
// "-u, --user <name>" or "--level [n]".
func (c *Command) Option(flags, description string) *Command {
	c.options = append(c.options, parseOption(flags, description))
	return c
}

// OptionDefault declares an option with a default value.
func (c *Command) OptionDefault(flags, description, def string) *Command {
	o := parseOption(flags, description)
	o.Default = def
	c.options = append(c.options, o)
	return c
}

// RequiredOption declares an option that must be present.
func (c *Command) RequiredOption(flags, description string) *Command {
	o := parseOption(flags, description)
	o.Required = true
	c.options = append(c.options, o)
	return c
}

// Alias adds alternative names.
func (c *Command) Alias(names ...string) *Command {
	if c.registry != nil {
		c.registry.addAliases(c, names)
		return c
	}
	c.aliases = append(c.aliases, names...)
	return c
}

// Hide removes the command from help listings.
func (c *Command) Hide() *Command {
	c.hidden = true
	return c
}

// Autocomplete sets the completion candidates for the command's arguments.
func (c *Command) Autocomplete(candidates ...string) *Command {
	c.completions = append([]string(nil), candidates...)
	return c
}

// Usage renders the help text for the command.
func (c *Command) Usage() string {
	var b strings.Builder

	b.WriteString("\n  Usage: ")
	b.WriteString(c.name)
	if len(c.options) > 0 {
		b.WriteString(" [options]")
	}
	for _, a := range c.args {
		b.WriteString(" ")
		b.WriteString(a.String())
	}
	b.WriteString("\n")

	if len(c.aliases) > 0 {
		b.WriteString("  Alias: " + strings.Join(c.aliases, " | ") + "\n")
	}
	if c.description != "" {
		b.WriteString("\n  " + c.description + "\n")
	}

	opts := append([]OptionSpec{{Long: "help", Description: "output usage information"}}, c.options...)
	width := 0
	for _, o := range opts {
		if l := len(o.Flags()); l > width {
			width = l
		}
	}
	b.WriteString("\n  Options:\n\n")
	for _, o := range opts {
		line := fmt.Sprintf("    %-*s  %s", width, o.Flags(), o.Description)
		if o.Default != "" {
			line += fmt.Sprintf(" (default: %s)", o.Default)
		}
		if o.Required {
			line += " (required)"
		}
		b.WriteString(strings.TrimRight(line, " ") + "\n")
	}
	b.WriteString("\n")
	return b.String()
}

// parseSpec splits "name words <req> [opt] [rest...]" into name and args.
func parseSpec(spec string) (string, []ArgSpec) {
	var words []string
	var args []ArgSpec
	for _, tok := range strings.Fields(spec) {
		switch {
		case strings.HasPrefix(tok, "<") && strings.HasSuffix(tok, ">"):
			args = append(args, argSpec(tok[1:len(tok)-1], true))
		case strings.HasPrefix(tok, "[") && strings.HasSuffix(tok, "]"):
			args = append(args, argSpec(tok[1:len(tok)-1], false))
		case len(args) == 0:
			words = append(words, tok)
		}
	}
	return strings.Join(words, " "), args
}

func argSpec(name string, required bool) ArgSpec {
	a := ArgSpec{Name: name, Required: required}
	if strings.HasSuffix(name, "...") {
		a.Name = strings.TrimSuffix(name, "...")
		a.Variadic = true
	}
	return a
}

func parseOption(flags, description string) OptionSpec {
	o := OptionSpec{Description: description}
	for _, tok := range strings.FieldsFunc(flags, func(r rune) bool { return r == ',' || r == ' ' || r == '|' }) {
		switch {
		case strings.HasPrefix(tok, "--"):
			o.Long = tok[2:]
		case strings.HasPrefix(tok, "-"):
			o.Short = tok[1:]
		case strings.HasPrefix(tok, "<"):
			o.TakesValue = true
			o.valueName = strings.Trim(tok, "<>")
		case strings.HasPrefix(tok, "["):
			o.TakesValue = true
			o.OptionalValue = true
			o.valueName = strings.Trim(tok, "[]")
		}
	}
	return o
}

// sortedCommands orders commands by name.
func sortedCommands(cmds []*Command) []*Command {
	out := append([]*Command(nil), cmds...)
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}
