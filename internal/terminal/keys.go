package terminal

import "unicode/utf8"

// Key names produced by the decoder. Printable input is reported as KeyRune.
const (
	KeyRune      = "rune"
	KeyEnter     = "enter"
	KeyBackspace = "backspace"
	KeyDelete    = "delete"
	KeyTab       = "tab"
	KeyUp        = "up"
	KeyDown      = "down"
	KeyLeft      = "left"
	KeyRight     = "right"
	KeyHome      = "home"
	KeyEnd       = "end"
	KeyCtrlC     = "ctrl-c"
	KeyCtrlD     = "ctrl-d"
	KeyCtrlL     = "ctrl-l"
	KeyCtrlU     = "ctrl-u"
)

// Key is one decoded keystroke.
type Key struct {
	Name string
	Rune rune
}

// decoder turns raw terminal bytes into keys. Escape sequences and UTF-8
// runes split across reads are carried over to the next feed.
type decoder struct {
	pending []byte
}

func (d *decoder) feed(b []byte) []Key {
	buf := append(d.pending, b...)
	d.pending = nil

	var keys []Key
	for len(buf) > 0 {
		c := buf[0]
		switch {
		case c == 0x1b:
			k, n, ok := decodeEscape(buf)
			if !ok {
				d.pending = append([]byte(nil), buf...)
				return keys
			}
			if k.Name != "" {
				keys = append(keys, k)
			}
			buf = buf[n:]
			continue
		case c == '\r' || c == '\n':
			keys = append(keys, Key{Name: KeyEnter})
			// Treat CRLF as one enter.
			if c == '\r' && len(buf) > 1 && buf[1] == '\n' {
				buf = buf[1:]
			}
		case c == 0x7f || c == 0x08:
			keys = append(keys, Key{Name: KeyBackspace})
		case c == '\t':
			keys = append(keys, Key{Name: KeyTab})
		case c == 0x01:
			keys = append(keys, Key{Name: KeyHome})
		case c == 0x05:
			keys = append(keys, Key{Name: KeyEnd})
		case c == 0x03:
			keys = append(keys, Key{Name: KeyCtrlC})
		case c == 0x04:
			keys = append(keys, Key{Name: KeyCtrlD})
		case c == 0x0c:
			keys = append(keys, Key{Name: KeyCtrlL})
		case c == 0x15:
			keys = append(keys, Key{Name: KeyCtrlU})
		case c < 0x20:
			// other control bytes are ignored
		default:
			if !utf8.FullRune(buf) {
				d.pending = append([]byte(nil), buf...)
				return keys
			}
			r, n := utf8.DecodeRune(buf)
			keys = append(keys, Key{Name: KeyRune, Rune: r})
			buf = buf[n:]
			continue
		}
		buf = buf[1:]
	}
	return keys
}

// decodeEscape decodes an ESC-prefixed sequence. ok is false when more bytes
// are needed. Unknown sequences are consumed and yield an empty Key.
func decodeEscape(buf []byte) (k Key, n int, ok bool) {
	if len(buf) < 2 {
		return Key{}, 0, false
	}
	if buf[1] != '[' && buf[1] != 'O' {
		// Alt-prefixed key; drop the ESC.
		return Key{}, 1, true
	}
	// Find the final byte of the CSI sequence.
	for i := 2; i < len(buf); i++ {
		c := buf[i]
		if c < 0x40 || c > 0x7e {
			continue
		}
		return Key{Name: csiName(string(buf[2:i]), c)}, i + 1, true
	}
	return Key{}, 0, false
}

func csiName(params string, final byte) string {
	switch final {
	case 'A':
		return KeyUp
	case 'B':
		return KeyDown
	case 'C':
		return KeyRight
	case 'D':
		return KeyLeft
	case 'H':
		return KeyHome
	case 'F':
		return KeyEnd
	case '~':
		switch params {
		case "1", "7":
			return KeyHome
		case "4", "8":
			return KeyEnd
		case "3":
			return KeyDelete
		}
	}
	return ""
}
