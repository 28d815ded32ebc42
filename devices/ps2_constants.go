package devices

// Key identifies a host key. Printable keys use their unshifted ASCII
// value; keys with no ASCII form get values above 0x7F.
type Key byte

const (
	KeyEnter     Key = '\n'
	KeyTab       Key = '\t'
	KeyBackspace Key = 0x08
	KeyEscape    Key = 0x1B
	KeySpace     Key = ' '

	KeyLeftShift Key = 0x80 + iota
	KeyRightShift
	KeyLeftCtrl
	KeyLeftAlt
	KeyCapsLock
	KeyF1
	KeyF2
	KeyF3
	KeyF4
	KeyF5
	KeyF6
	KeyF7
	KeyF8
	KeyF9
	KeyF10
	KeyF11
	KeyF12
)

// ps2BreakPrefix precedes the make code in a key-release sequence.
const ps2BreakPrefix byte = 0xF0

// scanCodes maps keys to their PS/2 Set-2 make codes.
var scanCodes = map[Key]byte{
	'a': 0x1C, 'b': 0x32, 'c': 0x21, 'd': 0x23, 'e': 0x24, 'f': 0x2B,
	'g': 0x34, 'h': 0x33, 'i': 0x43, 'j': 0x3B, 'k': 0x42, 'l': 0x4B,
	'm': 0x3A, 'n': 0x31, 'o': 0x44, 'p': 0x4D, 'q': 0x15, 'r': 0x2D,
	's': 0x1B, 't': 0x2C, 'u': 0x3C, 'v': 0x2A, 'w': 0x1D, 'x': 0x22,
	'y': 0x35, 'z': 0x1A,

	'0': 0x45, '1': 0x16, '2': 0x1E, '3': 0x26, '4': 0x25, '5': 0x2E,
	'6': 0x36, '7': 0x3D, '8': 0x3E, '9': 0x46,

	'`': 0x0E, '-': 0x4E, '=': 0x55, '[': 0x54, ']': 0x5B, '\\': 0x5D,
	';': 0x4C, '\'': 0x52, ',': 0x41, '.': 0x49, '/': 0x4A,

	KeySpace:     0x29,
	KeyEnter:     0x5A,
	KeyBackspace: 0x66,
	KeyTab:       0x0D,
	KeyEscape:    0x76,

	KeyLeftShift:  0x12,
	KeyRightShift: 0x59,
	KeyLeftCtrl:   0x14,
	KeyLeftAlt:    0x11,
	KeyCapsLock:   0x58,

	KeyF1: 0x05, KeyF2: 0x06, KeyF3: 0x04, KeyF4: 0x0C,
	KeyF5: 0x03, KeyF6: 0x0B, KeyF7: 0x83, KeyF8: 0x0A,
	KeyF9: 0x01, KeyF10: 0x09, KeyF11: 0x78, KeyF12: 0x07,
}

// shiftedASCII maps a shifted printable character to the unshifted key
// that produces it.
var shiftedASCII = map[byte]Key{
	'!': '1', '@': '2', '#': '3', '$': '4', '%': '5', '^': '6',
	'&': '7', '*': '8', '(': '9', ')': '0', '_': '-', '+': '=',
	'{': '[', '}': ']', '|': '\\', ':': ';', '"': '\'', '~': '`',
	'<': ',', '>': '.', '?': '/',
}
