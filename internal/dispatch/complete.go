package dispatch

import (
	"strings"

	"github.com/postalsys/muti-shell/internal/lineedit"
)

// Complete resolves a tab keypress for line in c. Inside a mode the last word
// completes against the mode's candidates. Otherwise the line completes
// against command names until it names a command, and then its last word
// completes against that command's candidates. It reports false when the line
// should stay as it is.
func (r *Registry) Complete(c *Context, line string) (string, bool) {
	if c != nil {
		if mode := c.Mode(); mode != nil {
			return completeLast(line, mode.completions)
		}
	}

	cmd, raw := r.Match(line)
	if cmd == nil || (raw == "" && !strings.HasSuffix(line, " ")) {
		return lineedit.Autocomplete(strings.TrimLeft(line, " "), r.Names())
	}
	return completeLast(line, cmd.completions)
}

// completeLast completes the word after the last space of line.
func completeLast(line string, candidates []string) (string, bool) {
	if len(candidates) == 0 {
		return "", false
	}
	i := strings.LastIndex(line, " ")
	head, partial := line[:i+1], line[i+1:]
	done, ok := lineedit.Autocomplete(partial, candidates)
	if !ok {
		return "", false
	}
	return head + done, true
}
