package terminal

import (
	"context"
	"errors"
	"io"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/postalsys/muti-shell/internal/dispatch"
	"github.com/postalsys/muti-shell/internal/protocol"
)

func TestDecoder(t *testing.T) {
	tests := []struct {
		name string
		in   []string
		want []Key
	}{
		{
			name: "printable and enter",
			in:   []string{"ab\r"},
			want: []Key{{Name: KeyRune, Rune: 'a'}, {Name: KeyRune, Rune: 'b'}, {Name: KeyEnter}},
		},
		{
			name: "crlf is one enter",
			in:   []string{"\r\n"},
			want: []Key{{Name: KeyEnter}},
		},
		{
			name: "arrows",
			in:   []string{"\x1b[A\x1b[B\x1b[C\x1b[D"},
			want: []Key{{Name: KeyUp}, {Name: KeyDown}, {Name: KeyRight}, {Name: KeyLeft}},
		},
		{
			name: "application mode and tilde keys",
			in:   []string{"\x1bOH\x1b[4~\x1b[3~"},
			want: []Key{{Name: KeyHome}, {Name: KeyEnd}, {Name: KeyDelete}},
		},
		{
			name: "split escape sequence",
			in:   []string{"\x1b", "[", "A"},
			want: []Key{{Name: KeyUp}},
		},
		{
			name: "split utf-8 rune",
			in:   []string{"\xc3", "\xa9"},
			want: []Key{{Name: KeyRune, Rune: 'é'}},
		},
		{
			name: "control keys",
			in:   []string{"\t\x7f\x03\x04\x15\x01\x05"},
			want: []Key{{Name: KeyTab}, {Name: KeyBackspace}, {Name: KeyCtrlC}, {Name: KeyCtrlD}, {Name: KeyCtrlU}, {Name: KeyHome}, {Name: KeyEnd}},
		},
		{
			name: "unknown sequence is dropped",
			in:   []string{"\x1b[15~x"},
			want: []Key{{Name: KeyRune, Rune: 'x'}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var d decoder
			var got []Key
			for _, chunk := range tt.in {
				got = append(got, d.feed([]byte(chunk))...)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("keys = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestEditor(t *testing.T) {
	var e editor
	for _, r := range "helo" {
		e.insert(r)
	}
	e.left()
	e.insert('l')
	if e.String() != "hello" || e.pos != 4 {
		t.Fatalf("buffer = %q pos %d", e.String(), e.pos)
	}

	e.home()
	e.del()
	e.end()
	e.backspace()
	if got := e.String(); got != "ell" {
		t.Errorf("buffer = %q, want ell", got)
	}
	if e.tail() != 0 {
		t.Errorf("tail = %d", e.tail())
	}

	e.set("status")
	e.left()
	if e.tail() != 1 {
		t.Errorf("tail = %d, want 1", e.tail())
	}
	if got := e.take(); got != "status" || !e.empty() {
		t.Errorf("take() = %q, empty = %v", got, e.empty())
	}

	if e.apply(Key{Name: KeyTab}) {
		t.Error("tab is not an editing key")
	}
}

func TestResolveAnswer(t *testing.T) {
	list := protocol.Question{Type: protocol.QuestionList, Choices: []string{"red", "green"}, Default: "red"}
	tests := []struct {
		name string
		q    protocol.Question
		raw  string
		want string
	}{
		{"input", protocol.Question{Type: protocol.QuestionInput}, " bob ", "bob"},
		{"input default", protocol.Question{Type: protocol.QuestionInput, Default: "x"}, "", "x"},
		{"password keeps empty", protocol.Question{Type: protocol.QuestionPassword, Default: "x"}, "", ""},
		{"confirm yes", protocol.Question{Type: protocol.QuestionConfirm}, "Y", "true"},
		{"confirm no", protocol.Question{Type: protocol.QuestionConfirm, Default: "true"}, "n", "false"},
		{"confirm default", protocol.Question{Type: protocol.QuestionConfirm, Default: "true"}, "", "true"},
		{"list by number", list, "2", "green"},
		{"list by name", list, "GREEN", "green"},
		{"list default", list, "", "red"},
		{"list out of range", list, "7", "7"},
	}
	for _, tt := range tests {
		if got := resolveAnswer(tt.q, tt.raw); got != tt.want {
			t.Errorf("%s: resolveAnswer(%q) = %q, want %q", tt.name, tt.raw, got, tt.want)
		}
	}
}

func TestQuestionLabel(t *testing.T) {
	tests := []struct {
		q    protocol.Question
		want string
	}{
		{protocol.Question{Type: protocol.QuestionInput, Name: "user", Message: "user: "}, "user: "},
		{protocol.Question{Type: protocol.QuestionInput, Name: "color"}, "color "},
		{protocol.Question{Type: protocol.QuestionInput, Message: "Color?", Default: "red"}, "Color? [red] "},
		{protocol.Question{Type: protocol.QuestionPassword, Message: "password:", Default: "x"}, "password: "},
		{protocol.Question{Type: protocol.QuestionConfirm, Message: "Continue?"}, "Continue? (y/N) "},
		{protocol.Question{Type: protocol.QuestionConfirm, Message: "Continue?", Default: "true"}, "Continue? (Y/n) "},
	}
	for _, tt := range tests {
		if got := questionLabel(tt.q); got != tt.want {
			t.Errorf("questionLabel(%+v) = %q, want %q", tt.q, got, tt.want)
		}
	}
}

// syncBuffer is a goroutine-safe output sink.
type syncBuffer struct {
	mu sync.Mutex
	sb strings.Builder
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sb.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sb.String()
}

// fakeShell runs lines on a real engine and answers keys from a script.
type fakeShell struct {
	engine *dispatch.Engine
	reg    *dispatch.Registry
	ctx    *dispatch.Context

	mu   sync.Mutex
	keys []string
	ran  chan string
}

func newFakeShell(t *testing.T, out dispatch.Output) *fakeShell {
	t.Helper()
	s := &fakeShell{
		reg: dispatch.NewRegistry(),
		ran: make(chan string, 8),
	}
	s.engine = dispatch.NewEngine(s.reg, dispatch.Options{})
	s.engine.Start(context.Background())
	t.Cleanup(s.engine.Stop)
	s.ctx = dispatch.NewContext("local", out, 10)

	record := func(ctx context.Context, inv *dispatch.Invocation) (any, error) {
		s.ran <- strings.TrimSpace(inv.Command.Name() + " " + inv.Line)
		return nil, nil
	}
	s.reg.Command("previous [x]", "").Action(record)
	s.reg.Command("complete", "").Action(record)
	s.reg.Command("greet <name>", "").
		Action(func(ctx context.Context, inv *dispatch.Invocation) (any, error) {
			s.ran <- "greet"
			return nil, inv.Printf(ctx, "hi %s\n", inv.Args.Get("name"))
		})
	return s
}

func (s *fakeShell) Submit(line string) *dispatch.Pending {
	return s.engine.Submit(s.ctx, line, nil)
}

func (s *fakeShell) Keypress(_ context.Context, key, value string) (string, bool) {
	s.mu.Lock()
	s.keys = append(s.keys, key)
	s.mu.Unlock()
	switch key {
	case KeyUp:
		return "previous", true
	case KeyTab:
		return value + "lete", true
	}
	return "", false
}

func (s *fakeShell) Delimiter() string { return "test~$" }

func (s *fakeShell) pressed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.keys...)
}

func (s *fakeShell) expectRan(t *testing.T, want string) {
	t.Helper()
	select {
	case got := <-s.ran:
		if got != want {
			t.Errorf("ran %q, want %q", got, want)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("command %q did not run", want)
	}
}

func runTerminal(t *testing.T, input string) (*Terminal, *fakeShell, *syncBuffer, error) {
	t.Helper()
	out := &syncBuffer{}
	term := New(Options{In: strings.NewReader(input), Out: out})
	sh := newFakeShell(t, term)
	err := term.Run(context.Background(), sh)
	return term, sh, out, err
}

func TestTerminal_SubmitsLine(t *testing.T) {
	_, sh, out, err := runTerminal(t, "greet bob\r")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	sh.expectRan(t, "greet")

	deadline := time.Now().Add(3 * time.Second)
	for !strings.Contains(out.String(), "hi bob") && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !strings.Contains(out.String(), "hi bob") {
		t.Errorf("output = %q", out.String())
	}
	if !strings.Contains(out.String(), "test~$ ") {
		t.Errorf("prompt not drawn: %q", out.String())
	}
}

func TestTerminal_HistoryAndCompletion(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantRun string
		keys    []string
	}{
		{"up recalls", "\x1b[A\r", "previous", []string{KeyUp}},
		{"tab completes", "comp\t\r", "complete", []string{KeyTab}},
		{"edit after up resets the cursor", "\x1b[A y\r", "previous y", []string{KeyUp, KeyRune}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, sh, _, err := runTerminal(t, tt.input)
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			sh.expectRan(t, tt.wantRun)
			if got := sh.pressed(); !reflect.DeepEqual(got, tt.keys) {
				t.Errorf("keypresses = %v, want %v", got, tt.keys)
			}
		})
	}
}

func TestTerminal_ControlKeys(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{"double ctrl-c interrupts", "\x03\x03", ErrInterrupted},
		{"ctrl-c clears the line first", "abc\x03\x04", nil},
		{"ctrl-d on empty line ends", "\x04", nil},
		{"end of input", "", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, _, err := runTerminal(t, tt.input)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Run() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestTerminal_InlineQuestion(t *testing.T) {
	pr, pw := io.Pipe()
	out := &syncBuffer{}
	term := New(Options{In: pr, Out: out})
	sh := newFakeShell(t, term)

	answers := make(chan string, 1)
	sh.reg.Command("ask", "").
		Action(func(ctx context.Context, inv *dispatch.Invocation) (any, error) {
			v, err := inv.Ask(ctx, protocol.Question{Type: protocol.QuestionPassword, Name: "pin", Message: "PIN:"})
			answers <- v
			return nil, err
		})

	done := make(chan error, 1)
	go func() { done <- term.Run(context.Background(), sh) }()

	if _, err := io.WriteString(pw, "ask\r"); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for {
		term.mu.Lock()
		open := term.question != nil
		term.mu.Unlock()
		if open {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("question was not shown")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, err := io.WriteString(pw, "1234\r"); err != nil {
		t.Fatal(err)
	}

	select {
	case v := <-answers:
		if v != "1234" {
			t.Errorf("answer = %q, want 1234", v)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no answer")
	}
	if strings.Contains(out.String(), "1234") {
		t.Error("password was echoed")
	}
	if !strings.Contains(out.String(), "PIN: ****") {
		t.Errorf("output = %q", out.String())
	}

	pw.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after input closed")
	}
}

func TestTerminal_AskBeforeRunUsesForm(t *testing.T) {
	term := New(Options{In: strings.NewReader(""), Out: io.Discard})
	var asked protocol.Question
	term.form = func(q protocol.Question) (string, error) {
		asked = q
		return "admin", nil
	}

	q := protocol.Question{Type: protocol.QuestionInput, Name: "user"}
	got, err := term.Ask(context.Background(), q)
	if err != nil || got != "admin" {
		t.Fatalf("Ask() = %q, %v", got, err)
	}
	if asked.Name != "user" {
		t.Errorf("form question = %+v", asked)
	}
}

func TestTerminal_PrintBeforeRun(t *testing.T) {
	out := &syncBuffer{}
	term := New(Options{In: strings.NewReader(""), Out: out})

	if err := term.Print(context.Background(), "connected"); err != nil {
		t.Fatal(err)
	}
	if got := out.String(); got != "connected\n" {
		t.Errorf("output = %q, want %q", got, "connected\n")
	}
}
