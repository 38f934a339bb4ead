package display

const (
	keyCtrlC = 0x03
	keyCtrlD = 0x04
	keyEsc   = 0x1b
	keyDEL   = 0x7f
)

// DecodeKeys maps one read from a raw-mode terminal to guest keys. Enter
// becomes '\n', Backspace and DEL become '\b', Tab and printable ASCII pass
// through. A lone Esc or Ctrl-C asks to quit. Escape sequences such as arrow
// keys are dropped.
func DecodeKeys(buf []byte) (keys []rune, quit bool) {
	if len(buf) == 1 && buf[0] == keyEsc {
		return nil, true
	}
	for i := 0; i < len(buf); i++ {
		b := buf[i]
		switch {
		case b == keyCtrlC:
			return keys, true
		case b == keyEsc:
			i = skipEscape(buf, i)
		case b == '\r' || b == '\n':
			keys = append(keys, '\n')
		case b == keyDEL || b == '\b':
			keys = append(keys, '\b')
		case b == '\t' || b == keyCtrlD:
			keys = append(keys, rune(b))
		case b >= 0x20 && b < keyDEL:
			keys = append(keys, rune(b))
		}
	}
	return keys, false
}

// skipEscape returns the index of the last byte of the escape sequence
// starting at buf[i].
func skipEscape(buf []byte, i int) int {
	if i+1 >= len(buf) {
		return i
	}
	switch buf[i+1] {
	case '[':
		// CSI: parameters then a final byte in 0x40..0x7e.
		for j := i + 2; j < len(buf); j++ {
			if buf[j] >= 0x40 && buf[j] <= 0x7e {
				return j
			}
		}
		return len(buf) - 1
	case 'O':
		// SS3, used for F1-F4 and application cursor keys.
		return min(i+2, len(buf)-1)
	default:
		// Alt+key.
		return i + 1
	}
}
