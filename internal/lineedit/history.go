// Package lineedit resolves history navigation and tab completion for a shell line.
package lineedit

import "sync"

// Key names carried by keypress events.
const (
	KeyUp   = "up"
	KeyDown = "down"
	KeyTab  = "tab"
)

// DefaultHistorySize is the number of lines kept when no size is configured.
const DefaultHistorySize = 100

// History is a bounded list of submitted lines with a navigation cursor.
// The cursor counts back from the newest entry; 0 means "not navigating".
type History struct {
	mu      sync.Mutex
	entries []string
	cursor  int
	max     int
}

// NewHistory creates a history holding at most size lines.
func NewHistory(size int) *History {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &History{max: size}
}

// Push records a submitted line and resets navigation.
// Blank lines and immediate repeats are not recorded.
func (h *History) Push(line string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.cursor = 0
	if line == "" {
		return
	}
	if n := len(h.entries); n > 0 && h.entries[n-1] == line {
		return
	}
	if len(h.entries) >= h.max {
		h.entries = h.entries[1:]
	}
	h.entries = append(h.entries, line)
}

// Get moves the cursor for key and returns the entry under it.
// up moves toward older entries (clamped at the oldest), down toward newer
// ones (clamped at the newest); any other key resets navigation.
func (h *History) Get(key string) string {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := len(h.entries)
	switch key {
	case KeyUp:
		h.cursor++
		if h.cursor > n {
			h.cursor = n
		}
	case KeyDown:
		h.cursor--
		if h.cursor < 1 {
			h.cursor = 1
		}
	default:
		h.cursor = 0
	}

	idx := n - h.cursor
	if h.cursor == 0 || idx < 0 || idx >= n {
		return ""
	}
	return h.entries[idx]
}

// Len returns the number of stored lines.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

// Entries returns a copy of the stored lines, oldest first.
func (h *History) Entries() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.entries))
	copy(out, h.entries)
	return out
}

// Stack holds the active history plus the ones suspended by entering modes.
type Stack struct {
	mu     sync.Mutex
	size   int
	active *History
	saved  []*History
}

// NewStack creates a stack whose histories hold at most size lines.
func NewStack(size int) *Stack {
	return &Stack{size: size, active: NewHistory(size)}
}

// Active returns the history currently receiving lines.
func (s *Stack) Active() *History {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Push suspends the active history and installs an empty, isolated one.
func (s *Stack) Push() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, s.active)
	s.active = NewHistory(s.size)
}

// Pop discards the active history and restores the previously suspended one.
// It reports false when nothing was suspended.
func (s *Stack) Pop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.saved)
	if n == 0 {
		return false
	}
	s.active = s.saved[n-1]
	s.saved = s.saved[:n-1]
	return true
}

// Depth returns the number of suspended histories.
func (s *Stack) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saved)
}
