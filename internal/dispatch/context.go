package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/postalsys/muti-shell/internal/lineedit"
	"github.com/postalsys/muti-shell/internal/protocol"
)

// Output is where a session's handler output and questions go.
type Output interface {
	Print(ctx context.Context, text string) error
	Ask(ctx context.Context, q protocol.Question) (string, error)
}

// DiscardOutput drops output and answers questions with their defaults.
type DiscardOutput struct{}

// Print implements Output.
func (DiscardOutput) Print(context.Context, string) error { return nil }

// Ask implements Output.
func (DiscardOutput) Ask(_ context.Context, q protocol.Question) (string, error) {
	return q.Default, nil
}

// Context is the shell state of one session: its output, its mode and its
// command history. Entering a mode gives it an isolated history.
type Context struct {
	id  string
	out Output

	mu      sync.Mutex
	mode    *Command
	history *lineedit.Stack
	onMode  func(*Context)
}

// NewContext creates session shell state.
func NewContext(id string, out Output, historySize int) *Context {
	if out == nil {
		out = DiscardOutput{}
	}
	return &Context{
		id:      id,
		out:     out,
		history: lineedit.NewStack(historySize),
	}
}

// ID returns the session key.
func (c *Context) ID() string { return c.id }

// Output returns the session's output.
func (c *Context) Output() Output { return c.out }

// Print writes text to the session's output.
func (c *Context) Print(ctx context.Context, text string) error {
	return c.out.Print(ctx, text)
}

// Printf formats and writes to the session's output.
func (c *Context) Printf(ctx context.Context, format string, args ...any) error {
	return c.out.Print(ctx, fmt.Sprintf(format, args...))
}

// Mode returns the active sub-shell command, or nil.
func (c *Context) Mode() *Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// History returns the active history.
func (c *Context) History() *lineedit.History {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.history.Active()
}

// Delimiter returns base with the active mode's suffix.
func (c *Context) Delimiter(base string) string {
	if m := c.Mode(); m != nil {
		return base + m.ModeDelimiter()
	}
	return base
}

// OnModeChange registers fn to run after the mode is entered or left.
func (c *Context) OnModeChange(fn func(*Context)) {
	c.mu.Lock()
	c.onMode = fn
	c.mu.Unlock()
}

func (c *Context) enterMode(cmd *Command) {
	c.mu.Lock()
	c.mode = cmd
	c.history.Push()
	fn := c.onMode
	c.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

// ExitMode leaves the active mode and restores the previous history.
// It reports false when no mode was active.
func (c *Context) ExitMode() bool {
	c.mu.Lock()
	if c.mode == nil {
		c.mu.Unlock()
		return false
	}
	c.mode = nil
	c.history.Pop()
	fn := c.onMode
	c.mu.Unlock()
	if fn != nil {
		fn(c)
	}
	return true
}

// Invocation is what a handler receives.
type Invocation struct {
	Command *Command
	Args    *Args
	// Line is the raw argument text, or the whole line inside a mode.
	Line    string
	Context *Context
}

// Print writes to the invoking session.
func (inv *Invocation) Print(ctx context.Context, text string) error {
	return inv.Context.Print(ctx, text)
}

// Printf formats and writes to the invoking session.
func (inv *Invocation) Printf(ctx context.Context, format string, args ...any) error {
	return inv.Context.Printf(ctx, format, args...)
}

// Ask puts a question to the invoking session.
func (inv *Invocation) Ask(ctx context.Context, q protocol.Question) (string, error) {
	return inv.Context.out.Ask(ctx, q)
}
