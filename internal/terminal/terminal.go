// Package terminal is the interactive front end of a node: a raw-mode line
// editor that submits lines, resolves history and completion keys through the
// node, and renders output and questions.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/term"

	"github.com/postalsys/muti-shell/internal/dispatch"
	"github.com/postalsys/muti-shell/internal/logging"
	"github.com/postalsys/muti-shell/internal/protocol"
	"github.com/postalsys/muti-shell/internal/recovery"
)

// ErrInterrupted is returned by Run when the user pressed ctrl-c twice.
var ErrInterrupted = errors.New("interrupted")

// Shell is what the terminal drives. *node.Node satisfies it.
type Shell interface {
	Submit(line string) *dispatch.Pending
	Keypress(ctx context.Context, key, value string) (string, bool)
	Delimiter() string
}

// Terminal owns the process's standard input and output. It implements
// dispatch.Output so a node can print to it and ask it questions.
type Terminal struct {
	in     io.Reader
	out    io.Writer
	fd     int
	tty    bool
	logger *slog.Logger

	// form answers questions asked before Run takes over the input.
	form func(protocol.Question) (string, error)

	running atomic.Bool

	mu        sync.Mutex
	raw       bool
	prompt    string
	line      editor
	drawn     bool
	inflight  int
	navigated bool
	interrupt bool
	question  *inlineQuestion
}

// Options configures a Terminal.
type Options struct {
	In     io.Reader
	Out    io.Writer
	Logger *slog.Logger
}

// New creates a terminal. Missing streams default to stdin and stdout.
func New(opts Options) *Terminal {
	if opts.In == nil {
		opts.In = os.Stdin
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	t := &Terminal{
		in:     opts.In,
		out:    opts.Out,
		fd:     -1,
		logger: logging.Component(opts.Logger, "terminal"),
	}
	if f, ok := opts.In.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		t.fd = int(f.Fd())
		t.tty = true
	}
	t.form = t.askForm
	return t
}

// IsTTY reports whether input is an interactive terminal.
func (t *Terminal) IsTTY() bool { return t.tty }

// Width returns the terminal width, or 80 when unknown.
func (t *Terminal) Width() int {
	if t.tty {
		if w, _, err := term.GetSize(t.fd); err == nil && w > 0 {
			return w
		}
	}
	return 80
}

// Run reads keys until input ends, ctx is done or the user interrupts.
// Lines are submitted to sh.
func (t *Terminal) Run(ctx context.Context, sh Shell) error {
	if t.tty {
		oldState, err := term.MakeRaw(t.fd)
		if err != nil {
			return fmt.Errorf("failed to set raw mode: %w", err)
		}
		defer term.Restore(t.fd, oldState)
		t.mu.Lock()
		t.raw = true
		t.mu.Unlock()
		defer func() {
			t.mu.Lock()
			t.raw = false
			t.mu.Unlock()
		}()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	t.running.Store(true)
	defer t.running.Store(false)

	t.SetPrompt(sh.Delimiter())
	t.Resume()

	keys := make(chan []Key, 16)
	readErr := make(chan error, 1)
	// The reader is not waited for: a blocking Read on stdin ignores ctx.
	go func() {
		defer recovery.RecoverWithLog(t.logger, "terminal.read")
		var d decoder
		buf := make([]byte, 256)
		for {
			n, err := t.in.Read(buf)
			if n > 0 {
				select {
				case keys <- d.feed(buf[:n]):
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				readErr <- err
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			// Drain keys read before the error.
			for drained := false; !drained; {
				select {
				case batch := <-keys:
					if done, herr := t.handleKeys(ctx, sh, batch); done {
						return herr
					}
				default:
					drained = true
				}
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		case batch := <-keys:
			if done, err := t.handleKeys(ctx, sh, batch); done {
				return err
			}
		}
	}
}

func (t *Terminal) handleKeys(ctx context.Context, sh Shell, batch []Key) (bool, error) {
	for _, k := range batch {
		if done, err := t.handleKey(ctx, sh, k); done {
			return true, err
		}
	}
	return false, nil
}

// handleKey applies one key. It never holds the lock while calling sh: the
// node may print or change the prompt while resolving a key.
func (t *Terminal) handleKey(ctx context.Context, sh Shell, k Key) (bool, error) {
	t.mu.Lock()
	if q := t.question; q != nil {
		t.answerKeyLocked(q, k)
		t.mu.Unlock()
		return false, nil
	}
	if k.Name != KeyCtrlC {
		t.interrupt = false
	}

	switch k.Name {
	case KeyEnter:
		line := t.line.take()
		t.navigated = false
		t.writeLocked("\r\n")
		t.drawn = false
		t.inflight++
		t.mu.Unlock()
		t.submit(sh, line)
		return false, nil

	case KeyUp, KeyDown, KeyTab:
		value := t.line.String()
		t.navigated = k.Name != KeyTab
		t.mu.Unlock()

		v, ok := sh.Keypress(ctx, k.Name, value)

		t.mu.Lock()
		if ok {
			t.line.set(v)
		}
		t.redrawLocked()
		t.mu.Unlock()
		return false, nil

	case KeyCtrlC:
		if !t.line.empty() {
			t.line.take()
			t.interrupt = false
			t.redrawLocked()
			t.mu.Unlock()
			return false, nil
		}
		if t.interrupt {
			t.writeLocked("\r\n")
			t.mu.Unlock()
			return true, ErrInterrupted
		}
		t.interrupt = true
		t.clearLocked()
		t.writeLocked("(^C again to quit)\r\n")
		t.redrawLocked()
		t.mu.Unlock()
		return false, nil

	case KeyCtrlD:
		if t.line.empty() {
			t.writeLocked("\r\n")
			t.mu.Unlock()
			return true, nil
		}
		t.line.del()

	case KeyCtrlL:
		t.writeLocked("\x1b[H\x1b[2J")
		t.drawn = false

	default:
		if !t.line.apply(k) {
			t.mu.Unlock()
			return false, nil
		}
	}

	// The first edit after walking the history resets the cursor where
	// the history lives.
	reset := t.navigated
	t.navigated = false
	t.redrawLocked()
	t.mu.Unlock()

	if reset {
		sh.Keypress(ctx, k.Name, "")
	}
	return false, nil
}

// submit queues line and redraws the prompt once it completes.
func (t *Terminal) submit(sh Shell, line string) {
	pending := sh.Submit(line)
	recovery.Go(t.logger, "terminal.submit", func() {
		<-pending.Done()
		if res, ok := pending.Result(); ok && res.Err != nil {
			t.logger.Debug("command failed", logging.KeyCommand, res.Command, logging.KeyError, res.Err)
		}
		t.mu.Lock()
		t.inflight--
		t.redrawLocked()
		t.mu.Unlock()
	})
}

// SetPrompt changes the prompt text and redraws it when visible.
func (t *Terminal) SetPrompt(delimiter string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prompt = delimiter
	if t.drawn {
		t.redrawLocked()
	}
}

// Resume redraws the prompt.
func (t *Terminal) Resume() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.redrawLocked()
}

// Print implements dispatch.Output.
func (t *Terminal) Print(_ context.Context, text string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clearLocked()
	t.writeLocked(text)
	if text != "" && !strings.HasSuffix(text, "\n") {
		t.writeLocked("\n")
	}
	t.redrawLocked()
	return nil
}

// Ask implements dispatch.Output. While Run owns the input the question is
// answered on the prompt line; before that a form is shown.
func (t *Terminal) Ask(ctx context.Context, q protocol.Question) (string, error) {
	if !t.running.Load() {
		return t.form(q)
	}
	return t.askInline(ctx, q)
}

// redrawLocked draws the prompt line unless a command is running.
func (t *Terminal) redrawLocked() {
	if q := t.question; q != nil {
		t.drawQuestionLocked(q)
		return
	}
	if t.inflight > 0 || !t.running.Load() {
		return
	}
	t.writeLocked("\r\x1b[K" + t.prompt + " " + t.line.String())
	if n := t.line.tail(); n > 0 {
		t.writeLocked(fmt.Sprintf("\x1b[%dD", n))
	}
	t.drawn = true
}

func (t *Terminal) clearLocked() {
	if t.drawn {
		t.writeLocked("\r\x1b[K")
		t.drawn = false
	}
}

// writeLocked writes s, turning newlines into CRLF in raw mode.
func (t *Terminal) writeLocked(s string) {
	if t.raw {
		s = strings.ReplaceAll(strings.ReplaceAll(s, "\r\n", "\n"), "\n", "\r\n")
	}
	if _, err := io.WriteString(t.out, s); err != nil {
		t.logger.Debug("write failed", logging.KeyError, err)
	}
}
