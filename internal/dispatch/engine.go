package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/postalsys/muti-shell/internal/logging"
	"github.com/postalsys/muti-shell/internal/recovery"
)

// DefaultTimeout bounds a single command when Options.Timeout is zero.
const DefaultTimeout = 5 * time.Minute

var (
	// ErrTimeout fails a command that did not complete in time.
	ErrTimeout = errors.New("command timed out")

	// ErrStopped fails commands still queued when the engine stops.
	ErrStopped = errors.New("dispatch engine stopped")
)

// Result is the single completion of a submitted line.
type Result struct {
	Command string
	Data    any
	Err     error
	// Usage is set when help or a usage message was shown instead of running
	// the handler.
	Usage bool
}

// Status names the outcome for logs and metrics.
func (r Result) Status() string {
	switch {
	case errors.Is(r.Err, ErrTimeout):
		return "timeout"
	case r.Usage:
		return "usage"
	case r.Err != nil:
		return "error"
	default:
		return "ok"
	}
}

// Pending resolves exactly once with the result of a submitted line.
type Pending struct {
	once sync.Once
	done chan struct{}
	res  Result
}

func newPending() *Pending {
	return &Pending{done: make(chan struct{})}
}

func (p *Pending) resolve(r Result) bool {
	resolved := false
	p.once.Do(func() {
		p.res = r
		close(p.done)
		resolved = true
	})
	return resolved
}

// Done is closed once the result is available.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Result returns the result and whether it is available yet.
func (p *Pending) Result() (Result, bool) {
	select {
	case <-p.done:
		return p.res, true
	default:
		return Result{}, false
	}
}

// Wait blocks until the result is available or ctx is done.
func (p *Pending) Wait(ctx context.Context) (Result, error) {
	select {
	case <-p.done:
		return p.res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Item is one queued line.
type Item struct {
	Line     string
	Args     *Args
	Context  *Context
	Enqueued time.Time
	pending  *Pending
}

// Forwarder executes items somewhere else, typically on an upstream node.
// It reports false when it does not claim the item, which then runs locally.
type Forwarder interface {
	Forward(ctx context.Context, it *Item) (Result, bool)
}

// ForwarderFunc adapts a function to Forwarder.
type ForwarderFunc func(ctx context.Context, it *Item) (Result, bool)

// Forward implements Forwarder.
func (f ForwarderFunc) Forward(ctx context.Context, it *Item) (Result, bool) { return f(ctx, it) }

// Options configures an Engine.
type Options struct {
	Timeout    time.Duration
	Logger     *slog.Logger
	Forwarder  Forwarder
	OnExecuted func(it *Item, res Result, elapsed time.Duration)
	OnDepth    func(depth int)
}

// Engine executes submitted lines strictly one at a time, in submission order.
type Engine struct {
	reg        *Registry
	timeout    time.Duration
	logger     *slog.Logger
	onExecuted func(*Item, Result, time.Duration)
	onDepth    func(int)

	mu            sync.Mutex
	queue         []*Item
	current       *Item
	cancelCurrent context.CancelCauseFunc
	forwarder     Forwarder
	stopped       bool
	cancel        context.CancelFunc

	wake   chan struct{}
	doneCh chan struct{}
}

// NewEngine creates an engine over a registry. Call Start to begin executing.
func NewEngine(reg *Registry, opts Options) *Engine {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Engine{
		reg:        reg,
		timeout:    opts.Timeout,
		logger:     logging.Component(opts.Logger, "dispatch"),
		onExecuted: opts.OnExecuted,
		onDepth:    opts.OnDepth,
		forwarder:  opts.Forwarder,
		wake:       make(chan struct{}, 1),
		doneCh:     make(chan struct{}),
	}
}

// Registry returns the engine's command registry.
func (e *Engine) Registry() *Registry { return e.reg }

// SetForwarder replaces the forwarder. A nil forwarder executes everything locally.
func (e *Engine) SetForwarder(f Forwarder) {
	e.mu.Lock()
	e.forwarder = f
	e.mu.Unlock()
}

// Start runs the worker until ctx is done or Stop is called.
func (e *Engine) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()
	go e.run(ctx)
}

// Stop halts the worker and fails every queued item with ErrStopped.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	cancel := e.cancel
	e.mu.Unlock()

	if cancel != nil {
		cancel()
		<-e.doneCh
	}
	e.failQueued(func(*Item) bool { return true }, ErrStopped)
}

// Submit queues a line for execution in c. args, when non-nil, replaces
// parsing of the argument text.
func (e *Engine) Submit(c *Context, line string, args *Args) *Pending {
	it := &Item{
		Line:     line,
		Args:     args,
		Context:  c,
		Enqueued: time.Now(),
		pending:  newPending(),
	}

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		it.pending.resolve(Result{Command: line, Err: ErrStopped})
		return it.pending
	}
	e.queue = append(e.queue, it)
	depth := e.depthLocked()
	e.mu.Unlock()

	e.notifyDepth(depth)
	select {
	case e.wake <- struct{}{}:
	default:
	}
	return it.pending
}

// Exec submits a line and waits for its result.
func (e *Engine) Exec(ctx context.Context, c *Context, line string, args *Args) (Result, error) {
	return e.Submit(c, line, args).Wait(ctx)
}

// Len returns the number of items queued or executing.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.depthLocked()
}

// Cancel fails every queued item of c with cause, and cancels its executing
// item if there is one. It returns the number of items affected.
func (e *Engine) Cancel(c *Context, cause error) int {
	n := e.failQueued(func(it *Item) bool { return it.Context == c }, cause)

	e.mu.Lock()
	if e.current != nil && e.current.Context == c && e.cancelCurrent != nil {
		e.cancelCurrent(cause)
		n++
	}
	e.mu.Unlock()
	return n
}

func (e *Engine) failQueued(match func(*Item) bool, cause error) int {
	e.mu.Lock()
	var failed []*Item
	kept := e.queue[:0]
	for _, it := range e.queue {
		if match(it) {
			failed = append(failed, it)
			continue
		}
		kept = append(kept, it)
	}
	e.queue = kept
	depth := e.depthLocked()
	e.mu.Unlock()

	for _, it := range failed {
		it.pending.resolve(Result{Command: it.Line, Err: cause})
	}
	if len(failed) > 0 {
		e.notifyDepth(depth)
	}
	return len(failed)
}

func (e *Engine) depthLocked() int {
	n := len(e.queue)
	if e.current != nil {
		n++
	}
	return n
}

func (e *Engine) notifyDepth(depth int) {
	if e.onDepth != nil {
		e.onDepth(depth)
	}
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.doneCh)
	for {
		it := e.next()
		if it == nil {
			select {
			case <-e.wake:
				continue
			case <-ctx.Done():
				return
			}
		}
		e.process(ctx, it)
		if ctx.Err() != nil {
			return
		}
	}
}

func (e *Engine) next() *Item {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.queue) == 0 {
		return nil
	}
	it := e.queue[0]
	e.queue[0] = nil
	e.queue = e.queue[1:]
	e.current = it
	return it
}

func (e *Engine) process(ctx context.Context, it *Item) {
	start := time.Now()

	base, cancelCause := context.WithCancelCause(ctx)
	runCtx, cancel := context.WithTimeout(base, e.timeout)
	e.mu.Lock()
	e.cancelCurrent = cancelCause
	e.mu.Unlock()

	res := e.execute(runCtx, it)
	cancel()
	cancelCause(nil)

	e.mu.Lock()
	e.current = nil
	e.cancelCurrent = nil
	depth := e.depthLocked()
	e.mu.Unlock()

	it.pending.resolve(res)
	elapsed := time.Since(start)

	attrs := []any{
		logging.KeyCommand, res.Command,
		logging.KeySessionID, it.Context.ID(),
		"status", res.Status(),
		logging.KeyDuration, elapsed,
	}
	if res.Err != nil {
		attrs = append(attrs, logging.KeyError, res.Err)
	}
	e.logger.Debug("command executed", attrs...)

	if e.onExecuted != nil {
		e.onExecuted(it, res, elapsed)
	}
	e.notifyDepth(depth)
}

// execute runs the item in its own goroutine so a handler that ignores ctx
// cannot hold the queue past its timeout.
func (e *Engine) execute(ctx context.Context, it *Item) Result {
	done := make(chan Result, 1)
	go func() {
		defer recovery.RecoverWithCallback(e.logger, "command", func(r any) {
			done <- Result{Command: it.Line, Err: recovery.AsError(r)}
		})
		done <- e.evaluate(ctx, it)
	}()

	select {
	case res := <-done:
		if res.Err != nil && ctx.Err() != nil && errors.Is(res.Err, ctx.Err()) {
			res.Err = e.cause(ctx)
		}
		return res
	case <-ctx.Done():
		return Result{Command: it.Line, Err: e.cause(ctx)}
	}
}

// cause maps why ctx ended to the error reported for the item.
func (e *Engine) cause(ctx context.Context) error {
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, context.DeadlineExceeded):
		return ErrTimeout
	case errors.Is(cause, context.Canceled) && e.isStopped():
		return ErrStopped
	}
	return cause
}

func (e *Engine) isStopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopped
}

func (e *Engine) evaluate(ctx context.Context, it *Item) Result {
	c := it.Context
	line := strings.TrimSpace(norm.NFC.String(it.Line))
	res := Result{Command: line}

	if mode := c.Mode(); mode != nil {
		if line == "exit" {
			c.ExitMode()
			return res
		}
		// Mode actions get the line as typed.
		if mode.action != nil {
			res.Data, res.Err = mode.action(ctx, &Invocation{Command: mode, Args: &Args{}, Line: it.Line, Context: c})
		}
		return res
	}

	e.mu.Lock()
	fwd := e.forwarder
	e.mu.Unlock()
	if fwd != nil {
		if r, ok := fwd.Forward(ctx, it); ok {
			return r
		}
	}

	if line == "" {
		return res
	}

	cmd, raw := e.reg.Match(line)
	if cmd == nil {
		_ = c.Print(ctx, "Invalid command.\n"+e.reg.Help())
		res.Usage = true
		return res
	}

	if it.Args == nil && cmd.isHelpRequest(raw) {
		_ = c.Print(ctx, cmd.Usage())
		res.Usage = true
		return res
	}

	var (
		args *Args
		err  error
	)
	if it.Args != nil {
		args = cmd.withDefaults(it.Args)
		err = cmd.validate(args)
	} else {
		args, err = cmd.bind(raw)
	}
	if err != nil {
		_ = c.Print(ctx, "\n  error: "+err.Error()+"\n"+cmd.Usage())
		res.Usage = true
		if errors.Is(err, ErrMissingOption) {
			res.Err = err
		}
		return res
	}

	inv := &Invocation{Command: cmd, Args: args, Line: raw, Context: c}
	if cmd.mode {
		if cmd.init != nil {
			if res.Data, res.Err = cmd.init(ctx, inv); res.Err != nil {
				return res
			}
		}
		c.enterMode(cmd)
		return res
	}
	if cmd.action != nil {
		res.Data, res.Err = cmd.action(ctx, inv)
	}
	return res
}
