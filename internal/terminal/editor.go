package terminal

// editor is the line buffer with a cursor.
type editor struct {
	buf []rune
	pos int
}

func (e *editor) String() string { return string(e.buf) }

func (e *editor) empty() bool { return len(e.buf) == 0 }

// tail is the number of runes after the cursor.
func (e *editor) tail() int { return len(e.buf) - e.pos }

func (e *editor) insert(r rune) {
	e.buf = append(e.buf, 0)
	copy(e.buf[e.pos+1:], e.buf[e.pos:])
	e.buf[e.pos] = r
	e.pos++
}

func (e *editor) backspace() {
	if e.pos == 0 {
		return
	}
	e.buf = append(e.buf[:e.pos-1], e.buf[e.pos:]...)
	e.pos--
}

func (e *editor) del() {
	if e.pos >= len(e.buf) {
		return
	}
	e.buf = append(e.buf[:e.pos], e.buf[e.pos+1:]...)
}

func (e *editor) left() {
	if e.pos > 0 {
		e.pos--
	}
}

func (e *editor) right() {
	if e.pos < len(e.buf) {
		e.pos++
	}
}

func (e *editor) home() { e.pos = 0 }

func (e *editor) end() { e.pos = len(e.buf) }

// set replaces the buffer and moves the cursor to the end.
func (e *editor) set(s string) {
	e.buf = []rune(s)
	e.pos = len(e.buf)
}

// take returns the buffer and clears it.
func (e *editor) take() string {
	s := string(e.buf)
	e.buf = nil
	e.pos = 0
	return s
}

// apply performs an editing key. It reports false for keys it does not edit.
func (e *editor) apply(k Key) bool {
	switch k.Name {
	case KeyRune:
		e.insert(k.Rune)
	case KeyBackspace:
		e.backspace()
	case KeyDelete:
		e.del()
	case KeyLeft:
		e.left()
	case KeyRight:
		e.right()
	case KeyHome:
		e.home()
	case KeyEnd:
		e.end()
	case KeyCtrlU:
		e.take()
	default:
		return false
	}
	return true
}
