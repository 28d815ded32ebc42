package devices

// Video controller register offsets.
const (
	VideoRegMode        = 0x0
	VideoRegInstruction = 0x1
	VideoRegArg0        = 0x2 // args 0..9 occupy offsets 2..11
	VideoRegResult0     = 0xC // results 0..2 occupy offsets 12..14
	VideoRegStatus      = 0xF
)

// Mode register fields.
const (
	videoModeMask    byte = 0x07 // bits 0..2: mode 0..4
	videoActivePage  byte = 0x08 // bit 3: page scanned out
	videoWorkingPage byte = 0x10 // bit 4: page the CPU mutates
)

// Status register bits. READY is sticky after init.
const (
	VideoStatusBusy  byte = 0x01
	VideoStatusError byte = 0x02
	VideoStatusReady byte = 0x80
)

// Instructions, fired by the write of their trigger argument.
const (
	VideoOpTextWrite     byte = 0x00
	VideoOpTextPosition  byte = 0x01
	VideoOpTextClear     byte = 0x02
	VideoOpGetTextAt     byte = 0x03
	VideoOpTextCommand   byte = 0x04
	VideoOpWritePixel    byte = 0x10
	VideoOpPixelPos      byte = 0x11
	VideoOpWritePixelPos byte = 0x12
	VideoOpClearScreen   byte = 0x13
	VideoOpGetPixelAt    byte = 0x14
	VideoOpSetPalette    byte = 0x20
	VideoOpGetPalette    byte = 0x21
)

// videoTriggerArg maps an instruction to the argument register whose
// write fires it.
var videoTriggerArg = map[byte]int{
	VideoOpTextWrite:     1,
	VideoOpTextPosition:  1,
	VideoOpTextClear:     0,
	VideoOpGetTextAt:     1,
	VideoOpTextCommand:   0,
	VideoOpWritePixel:    0,
	VideoOpPixelPos:      3,
	VideoOpWritePixelPos: 4,
	VideoOpClearScreen:   0,
	VideoOpGetPixelAt:    3,
	VideoOpSetPalette:    2,
	VideoOpGetPalette:    0,
}

// Text geometry: 80x30 visible cells; the buffers carry a spare row.
const (
	textColumns     = 80
	textRows        = 30
	textBufferRows  = 31
	textDefaultAttr = 0x01 // white on black
	textTabStop     = 8
)

// Control codes handled by TEXT_COMMAND.
const (
	textCmdBackspace byte = 0x08
	textCmdTab       byte = 0x09
	textCmdLineFeed  byte = 0x0A
	textCmdCarriage  byte = 0x0D
	textCmdDelete    byte = 0x7F
)

// videoModeInfo describes one of the four pixel modes.
type videoModeInfo struct {
	width     int
	height    int
	colorMask byte
	pages     int
}

// Graphics modes 1..4. Mode 0 is the text mode.
var videoModes = [5]videoModeInfo{
	{}, // mode 0: text 80x30
	{width: 640, height: 480, colorMask: 0x01, pages: 2},
	{width: 640, height: 480, colorMask: 0x03, pages: 1},
	{width: 320, height: 240, colorMask: 0x0F, pages: 2},
	{width: 320, height: 240, colorMask: 0xFF, pages: 1},
}

// defaultPalette builds the standard 256-color VGA palette, reduced to
// the controller's 12-bit entries (4 bits per channel, packed R<<8|G<<4|B).
// Layout: 16 EGA colors, a 16-step gray ramp, nine 24-hue color wheels
// (three saturations at three intensities), and eight black entries.
func defaultPalette() [256]uint16 {
	var pal [256]uint16
	set := func(i int, r6, g6, b6 int) {
		// 6-bit DAC values widen to 8 bits then drop to 4 per channel.
		r := byte(r6<<2) >> 4
		g := byte(g6<<2) >> 4
		b := byte(b6<<2) >> 4
		pal[i] = uint16(r)<<8 | uint16(g)<<4 | uint16(b)
	}

	ega := [16][3]int{
		{0, 0, 0}, {0, 0, 42}, {0, 42, 0}, {0, 42, 42},
		{42, 0, 0}, {42, 0, 42}, {42, 21, 0}, {42, 42, 42},
		{21, 21, 21}, {21, 21, 63}, {21, 63, 21}, {21, 63, 63},
		{63, 21, 21}, {63, 21, 63}, {63, 63, 21}, {63, 63, 63},
	}
	for i, c := range ega {
		set(i, c[0], c[1], c[2])
	}

	grays := [16]int{0, 5, 8, 11, 14, 17, 20, 24, 28, 32, 36, 40, 45, 50, 56, 63}
	for i, g := range grays {
		set(16+i, g, g, g)
	}

	// Hue ramp: blue at 0, sweeping through magenta, red, yellow, green,
	// cyan and back. Red follows the ramp directly; green and blue are
	// the same ramp rotated.
	ramp := [24]int{0, 16, 31, 47, 63, 63, 63, 63, 63, 63, 63, 63, 63, 47, 31, 16, 0, 0, 0, 0, 0, 0, 0, 0}
	scale := func(v, num int) int { return (v*num + 31) / 63 }
	intensities := [3]int{63, 45, 26}
	floors := [3]int{0, 31, 45} // full, half and low saturation baselines

	i := 32
	for _, top := range intensities {
		for _, floor := range floors {
			for h := 0; h < 24; h++ {
				r := floor + scale(ramp[h], 63-floor)
				g := floor + scale(ramp[(h+16)%24], 63-floor)
				b := floor + scale(ramp[(h+8)%24], 63-floor)
				set(i, scale(r, top), scale(g, top), scale(b, top))
				i++
			}
		}
	}
	// 248..255 stay black.
	return pal
}
