package lineedit

import (
	"reflect"
	"testing"
)

func TestAutocomplete(t *testing.T) {
	tests := []struct {
		name       string
		partial    string
		candidates []string
		want       string
		wantOK     bool
	}{
		{"shared extension", "h", []string{"help", "hello"}, "hel", true},
		{"single match", "he", []string{"help", "history"}, "help ", true},
		{"no extension beyond input", "h", []string{"help", "history"}, "", false},
		{"no match", "x", []string{"help", "history"}, "", false},
		{"case insensitive", "HE", []string{"help"}, "help ", true},
		{"empty input many candidates", "", []string{"connect", "exit"}, "", false},
		{"empty input shared prefix", "", []string{"status", "stop"}, "st", true},
		{"no candidates", "he", nil, "", false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := Autocomplete(tc.partial, tc.candidates)
			if ok != tc.wantOK || got != tc.want {
				t.Errorf("Autocomplete(%q, %v) = (%q, %v), want (%q, %v)",
					tc.partial, tc.candidates, got, ok, tc.want, tc.wantOK)
			}
		})
	}
}

func TestAutocomplete_DoesNotReorderInput(t *testing.T) {
	candidates := []string{"zeta", "alpha"}
	Autocomplete("a", candidates)
	if candidates[0] != "zeta" {
		t.Error("Autocomplete must not sort the caller's slice")
	}
}

func TestPrefixMatches(t *testing.T) {
	got := prefixMatches("H", []string{"history", "exit", "help"})
	want := []string{"help", "history"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("prefixMatches() = %v, want %v", got, want)
	}
}

func TestHistory_Navigation(t *testing.T) {
	h := NewHistory(10)
	for _, l := range []string{"a", "b", "c"} {
		h.Push(l)
	}

	steps := []struct {
		key  string
		want string
	}{
		{KeyUp, "c"},
		{KeyUp, "b"},
		{KeyUp, "a"},
		{KeyUp, "a"}, // clamped at the oldest
		{KeyDown, "b"},
		{KeyDown, "c"},
		{KeyDown, "c"}, // clamped at the newest
		{"x", ""},      // any other key resets
		{KeyUp, "c"},
	}

	for i, s := range steps {
		if got := h.Get(s.key); got != s.want {
			t.Errorf("step %d: Get(%q) = %q, want %q", i, s.key, got, s.want)
		}
	}
}

func TestHistory_DownFromBottomStaysClamped(t *testing.T) {
	h := NewHistory(10)
	for _, l := range []string{"a", "b", "c"} {
		h.Push(l)
	}
	for i := 0; i < 4; i++ {
		h.Get(KeyUp)
	}
	if got := h.Get(KeyUp); got != "a" {
		t.Fatalf("Get(up) at top = %q, want a", got)
	}

	for i := 0; i < 5; i++ {
		h.Get(KeyDown)
	}
	if got := h.Get(KeyDown); got != "c" {
		t.Errorf("Get(down) at bottom = %q, want c", got)
	}
}

func TestHistory_Empty(t *testing.T) {
	h := NewHistory(0)
	if got := h.Get(KeyUp); got != "" {
		t.Errorf("Get(up) on empty = %q", got)
	}
	if got := h.Get(KeyDown); got != "" {
		t.Errorf("Get(down) on empty = %q", got)
	}
}

func TestHistory_PushRules(t *testing.T) {
	h := NewHistory(3)
	h.Push("")
	h.Push("a")
	h.Push("a")
	h.Push("b")
	h.Push("c")
	h.Push("d")

	want := []string{"b", "c", "d"}
	if got := h.Entries(); !reflect.DeepEqual(got, want) {
		t.Errorf("Entries() = %v, want %v", got, want)
	}
	if h.Len() != 3 {
		t.Errorf("Len() = %d, want 3", h.Len())
	}

	h.Get(KeyUp)
	h.Push("e")
	if got := h.Get(KeyUp); got != "e" {
		t.Errorf("Push should reset the cursor, got %q", got)
	}
}

func TestStack_IsolatesModeHistory(t *testing.T) {
	s := NewStack(10)
	s.Active().Push("connect 1.2.3.4")

	s.Push()
	if s.Depth() != 1 {
		t.Fatalf("Depth() = %d, want 1", s.Depth())
	}
	if s.Active().Len() != 0 {
		t.Fatal("mode history should start empty")
	}
	s.Active().Push("select 1")
	if got := s.Active().Get(KeyUp); got != "select 1" {
		t.Errorf("mode history Get(up) = %q", got)
	}

	if !s.Pop() {
		t.Fatal("Pop() = false")
	}
	if got := s.Active().Get(KeyUp); got != "connect 1.2.3.4" {
		t.Errorf("restored history Get(up) = %q", got)
	}
	if s.Pop() {
		t.Error("Pop() on base history should report false")
	}
}
