package dispatch

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/postalsys/muti-shell/internal/protocol"
	"github.com/postalsys/muti-shell/internal/recovery"
)

// bufferOutput records everything printed to a session.
type bufferOutput struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (o *bufferOutput) Print(_ context.Context, text string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.buf.WriteString(text)
	return nil
}

func (o *bufferOutput) Ask(_ context.Context, q protocol.Question) (string, error) {
	return q.Default, nil
}

func (o *bufferOutput) String() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.buf.String()
}

func newTestEngine(t *testing.T, opts Options) (*Engine, *Registry) {
	t.Helper()
	reg := NewRegistry()
	e := NewEngine(reg, opts)
	e.Start(context.Background())
	t.Cleanup(e.Stop)
	return e, reg
}

func wait(t *testing.T, p *Pending) Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := p.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	return res
}

func TestEngine_ExecutesInSubmissionOrder(t *testing.T) {
	e, reg := newTestEngine(t, Options{})

	var (
		mu      sync.Mutex
		order   []string
		running int32
		overlap int32
	)
	reg.Command("step <n>", "").Action(func(ctx context.Context, inv *Invocation) (any, error) {
		if atomic.AddInt32(&running, 1) > 1 {
			atomic.StoreInt32(&overlap, 1)
		}
		defer atomic.AddInt32(&running, -1)
		time.Sleep(time.Millisecond)
		mu.Lock()
		order = append(order, inv.Args.Get("n"))
		mu.Unlock()
		return inv.Args.Get("n"), nil
	})

	c := NewContext("s1", nil, 10)
	var pending []*Pending
	var want []string
	for i := 0; i < 20; i++ {
		n := string(rune('a' + i))
		want = append(want, n)
		pending = append(pending, e.Submit(c, "step "+n, nil))
	}

	for i, p := range pending {
		res := wait(t, p)
		if res.Err != nil || res.Data != want[i] {
			t.Errorf("item %d result = %+v", i, res)
		}
	}
	if !reflect.DeepEqual(order, want) {
		t.Errorf("execution order = %v, want %v", order, want)
	}
	if atomic.LoadInt32(&overlap) != 0 {
		t.Error("handlers ran concurrently")
	}
	if e.Len() != 0 {
		t.Errorf("Len() = %d after drain, want 0", e.Len())
	}
}

func TestEngine_TimeoutAdvancesQueue(t *testing.T) {
	e, reg := newTestEngine(t, Options{Timeout: 50 * time.Millisecond})

	release := make(chan struct{})
	defer close(release)
	reg.Command("stuck", "").Action(func(ctx context.Context, inv *Invocation) (any, error) {
		<-release
		return nil, nil
	})
	reg.Command("ok", "").Action(func(ctx context.Context, inv *Invocation) (any, error) {
		return "done", nil
	})

	c := NewContext("s1", nil, 10)
	first := e.Submit(c, "stuck", nil)
	second := e.Submit(c, "ok", nil)

	if res := wait(t, first); !errors.Is(res.Err, ErrTimeout) {
		t.Errorf("stuck result = %+v, want ErrTimeout", res)
	} else if res.Status() != "timeout" {
		t.Errorf("Status() = %q", res.Status())
	}
	if res := wait(t, second); res.Err != nil || res.Data != "done" {
		t.Errorf("ok result = %+v", res)
	}
}

func TestEngine_TimeoutCancelsHandlerContext(t *testing.T) {
	e, reg := newTestEngine(t, Options{Timeout: 20 * time.Millisecond})

	cancelled := make(chan struct{})
	reg.Command("wait", "").Action(func(ctx context.Context, inv *Invocation) (any, error) {
		<-ctx.Done()
		close(cancelled)
		return nil, ctx.Err()
	})

	wait(t, e.Submit(NewContext("s1", nil, 10), "wait", nil))
	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("handler context was not cancelled on timeout")
	}
}

func TestEngine_PanicBecomesError(t *testing.T) {
	e, reg := newTestEngine(t, Options{})
	reg.Command("boom", "").Action(func(ctx context.Context, inv *Invocation) (any, error) {
		panic("kaboom")
	})
	reg.Command("ok", "").Action(func(ctx context.Context, inv *Invocation) (any, error) {
		return 1, nil
	})

	c := NewContext("s1", nil, 10)
	res := wait(t, e.Submit(c, "boom", nil))
	if !errors.Is(res.Err, recovery.ErrPanic) {
		t.Errorf("boom result = %+v, want ErrPanic", res)
	}
	if res := wait(t, e.Submit(c, "ok", nil)); res.Err != nil {
		t.Errorf("queue did not recover after panic: %+v", res)
	}
}

func TestEngine_HandlerError(t *testing.T) {
	e, reg := newTestEngine(t, Options{})
	fail := errors.New("disk full")
	reg.Command("save", "").Action(func(ctx context.Context, inv *Invocation) (any, error) {
		return nil, fail
	})

	res := wait(t, e.Submit(NewContext("s1", nil, 10), "save", nil))
	if !errors.Is(res.Err, fail) || res.Status() != "error" {
		t.Errorf("result = %+v, want %v", res, fail)
	}
}

func TestEngine_ModeEnterAndExit(t *testing.T) {
	e, reg := newTestEngine(t, Options{})

	var inits int
	reg.Command("repl", "").
		Mode(func(ctx context.Context, inv *Invocation) (any, error) {
			inits++
			return "entered", nil
		}).
		Action(func(ctx context.Context, inv *Invocation) (any, error) {
			return "echo:" + inv.Line, nil
		})
	reg.Command("status", "").Action(func(ctx context.Context, inv *Invocation) (any, error) {
		return "status ran", nil
	})

	c := NewContext("s1", nil, 10)
	var changes int
	c.OnModeChange(func(*Context) { changes++ })
	c.History().Push("outer command")

	if res := wait(t, e.Submit(c, "repl", nil)); res.Data != "entered" {
		t.Fatalf("enter result = %+v", res)
	}
	if c.Mode() == nil || c.Mode().Name() != "repl" {
		t.Fatal("mode not entered")
	}
	if got := c.Delimiter("local~$ "); got != "local~$ repl:" {
		t.Errorf("Delimiter() = %q", got)
	}
	if c.History().Len() != 0 {
		t.Error("mode should start with an empty history")
	}
	c.History().Push("inner")

	if res := wait(t, e.Submit(c, "status", nil)); res.Data != "echo:status" {
		t.Errorf("line in mode = %+v, want mode handler", res)
	}

	wait(t, e.Submit(c, "exit", nil))
	if c.Mode() != nil {
		t.Fatal("exit did not leave the mode")
	}
	if got := c.History().Entries(); !reflect.DeepEqual(got, []string{"outer command"}) {
		t.Errorf("history after exit = %v", got)
	}
	if inits != 1 || changes != 2 {
		t.Errorf("inits = %d, mode changes = %d", inits, changes)
	}
}

func TestEngine_ModeLineIsVerbatim(t *testing.T) {
	e, reg := newTestEngine(t, Options{})

	var got []string
	reg.Command("sql", "").
		Mode(nil).
		Action(func(ctx context.Context, inv *Invocation) (any, error) {
			got = append(got, inv.Line)
			return nil, nil
		})

	c := NewContext("s1", nil, 10)
	wait(t, e.Submit(c, "sql", nil))

	lines := []string{"  SELECT 'caf\u0065\u0301'  \t", "\tdelete  from  t ", ""}
	for _, line := range lines {
		wait(t, e.Submit(c, line, nil))
	}
	if !reflect.DeepEqual(got, lines) {
		t.Errorf("mode lines = %q, want %q", got, lines)
	}

	// exit is still recognized with surrounding whitespace.
	wait(t, e.Submit(c, "  exit \t", nil))
	if c.Mode() != nil {
		t.Error("padded exit did not leave the mode")
	}
}

func TestEngine_UsageErrors(t *testing.T) {
	e, reg := newTestEngine(t, Options{})

	var ran int32
	handler := func(ctx context.Context, inv *Invocation) (any, error) {
		atomic.AddInt32(&ran, 1)
		return nil, nil
	}
	reg.Command("connect <target>", "Connect upstream").Action(handler)
	reg.Command("login", "").RequiredOption("-t, --token <token>", "").Action(handler)

	out := &bufferOutput{}
	c := NewContext("s1", out, 10)

	res := wait(t, e.Submit(c, "connect", nil))
	if !res.Usage || res.Err != nil {
		t.Errorf("missing argument result = %+v, want usage without error", res)
	}
	if !strings.Contains(out.String(), "missing required argument") || !strings.Contains(out.String(), "Usage: connect") {
		t.Errorf("output = %q", out.String())
	}

	res = wait(t, e.Submit(c, "login", nil))
	if !res.Usage || !errors.Is(res.Err, ErrMissingOption) {
		t.Errorf("missing option result = %+v, want ErrMissingOption", res)
	}

	if atomic.LoadInt32(&ran) != 0 {
		t.Error("handler ran despite usage error")
	}
}

func TestEngine_HelpFlag(t *testing.T) {
	e, reg := newTestEngine(t, Options{})
	var ran bool
	reg.Command("connect <target>", "Connect upstream").Action(func(ctx context.Context, inv *Invocation) (any, error) {
		ran = true
		return nil, nil
	})

	for _, line := range []string{"connect -h", "connect --help", "connect /?"} {
		out := &bufferOutput{}
		res := wait(t, e.Submit(NewContext("s1", out, 10), line, nil))
		if !res.Usage || res.Err != nil {
			t.Errorf("%q result = %+v", line, res)
		}
		if !strings.Contains(out.String(), "Usage: connect") {
			t.Errorf("%q output = %q", line, out.String())
		}
	}
	if ran {
		t.Error("help request ran the handler")
	}
}

func TestEngine_HelpLookingOptionValue(t *testing.T) {
	e, reg := newTestEngine(t, Options{})
	var got *Args
	reg.Command("connect <target>", "Connect upstream").
		Option("-u, --user <user>", "").
		Option("-p, --password <password>", "").
		Action(func(ctx context.Context, inv *Invocation) (any, error) {
			got = inv.Args
			return nil, nil
		})

	for line, want := range map[string]string{
		`connect h -p "-h"`:       "-h",
		`connect h --password -h`: "-h",
		`connect h -p=--help`:     "--help",
		`connect h -p /?`:         "/?",
	} {
		got = nil
		out := &bufferOutput{}
		res := wait(t, e.Submit(NewContext("s1", out, 10), line, nil))
		if res.Usage || res.Err != nil {
			t.Errorf("%q result = %+v, output = %q", line, res, out.String())
			continue
		}
		if got == nil || got.Option("password") != want {
			t.Errorf("%q bound password = %q, want %q", line, got.Option("password"), want)
		}
	}
}

func TestEngine_UnknownCommand(t *testing.T) {
	e, reg := newTestEngine(t, Options{})
	reg.Command("status", "Show status")

	out := &bufferOutput{}
	res := wait(t, e.Submit(NewContext("s1", out, 10), "frobnicate now", nil))
	if !res.Usage || res.Err != nil {
		t.Errorf("result = %+v", res)
	}
	if !strings.Contains(out.String(), "Invalid command") || !strings.Contains(out.String(), "status") {
		t.Errorf("output = %q", out.String())
	}
}

func TestEngine_StructuredArgs(t *testing.T) {
	e, reg := newTestEngine(t, Options{})
	reg.Command("connect <target>", "").
		OptionDefault("--port <port>", "", "80").
		Action(func(ctx context.Context, inv *Invocation) (any, error) {
			return inv.Args.Get("target") + ":" + inv.Args.Option("port"), nil
		})

	c := NewContext("s1", nil, 10)
	res := wait(t, e.Submit(c, "connect", &Args{Positional: map[string]string{"target": "db"}}))
	if res.Err != nil || res.Data != "db:80" {
		t.Errorf("result = %+v", res)
	}

	res = wait(t, e.Submit(c, "connect", &Args{}))
	if !res.Usage {
		t.Errorf("structured args without target = %+v, want usage", res)
	}
}

func TestEngine_Forwarder(t *testing.T) {
	var forwarded []string
	fwd := ForwarderFunc(func(ctx context.Context, it *Item) (Result, bool) {
		forwarded = append(forwarded, it.Line)
		return Result{Command: it.Line, Data: "remote"}, true
	})
	e, reg := newTestEngine(t, Options{Forwarder: fwd})

	var ran bool
	reg.Command("status", "").Action(func(ctx context.Context, inv *Invocation) (any, error) {
		ran = true
		return "local", nil
	})

	c := NewContext("s1", nil, 10)
	if res := wait(t, e.Submit(c, "status", nil)); res.Data != "remote" {
		t.Errorf("forwarded result = %+v", res)
	}
	if ran || !reflect.DeepEqual(forwarded, []string{"status"}) {
		t.Errorf("ran locally = %v, forwarded = %v", ran, forwarded)
	}

	e.SetForwarder(nil)
	if res := wait(t, e.Submit(c, "status", nil)); res.Data != "local" {
		t.Errorf("local result = %+v", res)
	}
}

func TestEngine_CancelSession(t *testing.T) {
	e, reg := newTestEngine(t, Options{})

	started := make(chan struct{})
	reg.Command("hold", "").Action(func(ctx context.Context, inv *Invocation) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	reg.Command("ok", "").Action(func(ctx context.Context, inv *Invocation) (any, error) {
		return "ok", nil
	})

	gone := NewContext("gone", nil, 10)
	other := NewContext("other", nil, 10)
	held := e.Submit(gone, "hold", nil)
	<-started
	queued := e.Submit(gone, "ok", nil)
	survivor := e.Submit(other, "ok", nil)

	cause := errors.New("session closed")
	if n := e.Cancel(gone, cause); n != 2 {
		t.Errorf("Cancel() = %d, want 2", n)
	}
	if res := wait(t, held); !errors.Is(res.Err, cause) {
		t.Errorf("held result = %+v", res)
	}
	if res := wait(t, queued); !errors.Is(res.Err, cause) {
		t.Errorf("queued result = %+v", res)
	}
	if res := wait(t, survivor); res.Err != nil {
		t.Errorf("other session result = %+v", res)
	}
}

func TestEngine_StopFailsQueued(t *testing.T) {
	reg := NewRegistry()
	e := NewEngine(reg, Options{})
	c := NewContext("s1", nil, 10)

	queued := e.Submit(c, "anything", nil)
	e.Stop()

	if res := wait(t, queued); !errors.Is(res.Err, ErrStopped) {
		t.Errorf("queued result = %+v, want ErrStopped", res)
	}
	if res := wait(t, e.Submit(c, "anything", nil)); !errors.Is(res.Err, ErrStopped) {
		t.Errorf("submit after stop = %+v, want ErrStopped", res)
	}
}

func TestPending_ResolvesOnce(t *testing.T) {
	p := newPending()
	if _, ok := p.Result(); ok {
		t.Error("unresolved pending reported a result")
	}
	if !p.resolve(Result{Data: 1}) {
		t.Error("first resolve should succeed")
	}
	if p.resolve(Result{Data: 2}) {
		t.Error("second resolve should be ignored")
	}
	if res, ok := p.Result(); !ok || res.Data != 1 {
		t.Errorf("Result() = %+v, %v", res, ok)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := newPending().Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Wait() on cancelled ctx = %v", err)
	}
}
