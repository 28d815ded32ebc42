package devices

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// VideoListener observes controller state changes. Implementations must
// not call back into the controller during notification.
type VideoListener interface {
	ModeChanged(mode byte)
	TextUpdated()
	PaletteChanged(index byte, rgb uint16)
}

// Video emulates the video controller: a 16-register command interface
// over one text mode and four graphics modes. An instruction executes
// when its trigger argument register is written; the BUSY and ERROR
// status bits frame each execution.
type Video struct {
	lock sync.Mutex
	base uint16
	log  *logrus.Entry

	mode        byte
	instruction byte
	args        [10]byte
	results     [3]byte
	status      byte

	text    [textBufferRows][textColumns]byte
	attr    [textBufferRows][textColumns]byte
	cursorX int
	cursorY int

	// One flat framebuffer per page per graphics mode, one byte per
	// pixel regardless of depth.
	pixels [5][][]byte
	pixelX int
	pixelY int

	palette [256]uint16

	listeners []VideoListener
}

// NewVideo creates the controller mapped at base, in text mode with a
// cleared screen and the default palette.
func NewVideo(base uint16) *Video {
	v := &Video{
		base: base,
		log:  logrus.WithField("device", "video"),
	}
	v.powerOn()
	return v
}

func (v *Video) powerOn() {
	v.mode = 0
	v.instruction = 0
	v.args = [10]byte{}
	v.results = [3]byte{}
	v.status = VideoStatusReady
	v.clearText(' ', textDefaultAttr)
	v.cursorX, v.cursorY = 0, 0
	v.pixelX, v.pixelY = 0, 0
	for m := 1; m <= 4; m++ {
		info := videoModes[m]
		v.pixels[m] = make([][]byte, info.pages)
		for p := range v.pixels[m] {
			v.pixels[m][p] = make([]byte, info.width*info.height)
		}
	}
	v.palette = defaultPalette()
}

// Name implements Device.
func (v *Video) Name() string { return "video" }

// Range implements Device.
func (v *Video) Range() AddressRange { return AddressRange{v.base, v.base + 15} }

// Reset implements Device. READY comes straight back up: it is sticky
// once the controller has initialized.
func (v *Video) Reset() {
	v.lock.Lock()
	defer v.lock.Unlock()
	v.powerOn()
	v.notifyMode()
	v.notifyText()
}

// AddListener subscribes a listener. Subscribing the same listener twice
// is a no-op.
func (v *Video) AddListener(l VideoListener) {
	v.lock.Lock()
	defer v.lock.Unlock()
	for _, existing := range v.listeners {
		if existing == l {
			return
		}
	}
	v.listeners = append(v.listeners, l)
}

func (v *Video) notifyMode() {
	for _, l := range v.listeners {
		l.ModeChanged(v.mode)
	}
}

func (v *Video) notifyText() {
	for _, l := range v.listeners {
		l.TextUpdated()
	}
}

func (v *Video) notifyPalette(index byte, rgb uint16) {
	for _, l := range v.listeners {
		l.PaletteChanged(index, rgb)
	}
}

// ReadRegister implements Device.
func (v *Video) ReadRegister(offset uint16) byte {
	v.lock.Lock()
	defer v.lock.Unlock()

	switch {
	case offset == VideoRegMode:
		return v.mode
	case offset == VideoRegInstruction:
		return v.instruction
	case offset >= VideoRegArg0 && offset < VideoRegArg0+10:
		return v.args[offset-VideoRegArg0]
	case offset >= VideoRegResult0 && offset < VideoRegResult0+3:
		return v.results[offset-VideoRegResult0]
	case offset == VideoRegStatus:
		return v.status
	}
	v.log.WithField("offset", offset).Warn("read from unhandled register")
	return 0xFF
}

// WriteRegister implements Device. Writing the trigger argument of the
// current instruction executes it.
func (v *Video) WriteRegister(offset uint16, value byte) {
	v.lock.Lock()
	defer v.lock.Unlock()

	switch {
	case offset == VideoRegMode:
		v.mode = value
		v.notifyMode()
	case offset == VideoRegInstruction:
		v.instruction = value
	case offset >= VideoRegArg0 && offset < VideoRegArg0+10:
		arg := int(offset - VideoRegArg0)
		v.args[arg] = value
		trigger, known := videoTriggerArg[v.instruction]
		if !known {
			v.log.WithField("instruction", v.instruction).Warn("unknown instruction")
			v.status |= VideoStatusError
			return
		}
		if trigger == arg {
			v.execute()
		}
	default:
		// Results and status are read-only.
		v.log.WithFields(logrus.Fields{"offset": offset, "value": value}).Warn("write to read-only register dropped")
	}
}

// execute runs the current instruction. BUSY frames the execution and
// ERROR is cleared up front, set again by any failing handler.
func (v *Video) execute() {
	v.status |= VideoStatusBusy
	v.status &^= VideoStatusError
	defer func() { v.status &^= VideoStatusBusy }()

	switch v.instruction {
	case VideoOpTextWrite:
		v.textWrite(v.args[1], v.args[0])
	case VideoOpTextPosition:
		v.cursorX = clampInt(int(v.args[0]), 0, textColumns-1)
		v.cursorY = clampInt(int(v.args[1]), 0, textRows-1)
	case VideoOpTextClear:
		v.clearText(v.args[0], v.args[1])
		v.cursorX, v.cursorY = 0, 0
		v.notifyText()
	case VideoOpGetTextAt:
		x, y := int(v.args[0]), int(v.args[1])
		if x >= textColumns || y >= textRows {
			v.fail("GET_TEXT_AT out of range")
			return
		}
		v.results[0] = v.text[y][x]
		v.results[1] = v.attr[y][x]
	case VideoOpTextCommand:
		v.textCommand(v.args[0])
	case VideoOpWritePixel:
		v.writePixel(v.args[0])
	case VideoOpPixelPos:
		v.setPixelPos()
	case VideoOpWritePixelPos:
		v.setPixelPos()
		if v.status&VideoStatusError == 0 {
			v.writePixel(v.args[4])
		}
	case VideoOpClearScreen:
		v.clearScreen(v.args[0])
	case VideoOpGetPixelAt:
		v.getPixelAt()
	case VideoOpSetPalette:
		entry := uint16(v.args[2]&0x0F)<<8 | uint16(v.args[1])
		v.palette[v.args[0]] = entry
		v.notifyPalette(v.args[0], entry)
	case VideoOpGetPalette:
		entry := v.palette[v.args[0]]
		v.results[0] = byte(entry)      // green and blue nibbles
		v.results[1] = byte(entry >> 8) // red nibble
	default:
		v.log.WithField("instruction", v.instruction).Warn("unknown instruction")
		v.status |= VideoStatusError
	}
}

func (v *Video) fail(msg string) {
	v.log.Warn(msg)
	v.status |= VideoStatusError
}

// --- text mode ---

func (v *Video) clearText(ch, attr byte) {
	for y := 0; y < textBufferRows; y++ {
		for x := 0; x < textColumns; x++ {
			v.text[y][x] = ch
			v.attr[y][x] = attr
		}
	}
}

func (v *Video) textWrite(ch, attr byte) {
	v.text[v.cursorY][v.cursorX] = ch
	v.attr[v.cursorY][v.cursorX] = attr
	v.cursorX++
	if v.cursorX >= textColumns {
		v.cursorX = 0
		v.advanceLine()
	}
	v.notifyText()
}

// advanceLine moves the cursor down one row, scrolling at the bottom.
func (v *Video) advanceLine() {
	v.cursorY++
	if v.cursorY >= textRows {
		v.scroll()
		v.cursorY = textRows - 1
	}
}

// scroll shifts the visible rows up by one and blanks the bottom row.
func (v *Video) scroll() {
	for y := 1; y < textRows; y++ {
		v.text[y-1] = v.text[y]
		v.attr[y-1] = v.attr[y]
	}
	for x := 0; x < textColumns; x++ {
		v.text[textRows-1][x] = ' '
		v.attr[textRows-1][x] = textDefaultAttr
	}
}

func (v *Video) textCommand(code byte) {
	switch code {
	case textCmdBackspace:
		if v.cursorX > 0 {
			v.cursorX--
			v.text[v.cursorY][v.cursorX] = ' '
			v.attr[v.cursorY][v.cursorX] = textDefaultAttr
		}
	case textCmdTab:
		v.cursorX = (v.cursorX/textTabStop + 1) * textTabStop
		if v.cursorX >= textColumns {
			v.cursorX = 0
			v.advanceLine()
		}
	case textCmdLineFeed:
		v.cursorX = 0
		v.advanceLine()
	case textCmdCarriage:
		v.cursorX = 0
	case textCmdDelete:
		v.text[v.cursorY][v.cursorX] = ' '
		v.attr[v.cursorY][v.cursorX] = textDefaultAttr
	default:
		v.fail("unknown text control code")
		return
	}
	v.notifyText()
}

// --- graphics modes ---

// modeInfo returns the geometry of the current graphics mode, or false
// in text mode or with an out-of-range mode index.
func (v *Video) modeInfo() (videoModeInfo, bool) {
	m := int(v.mode & videoModeMask)
	if m < 1 || m > 4 {
		return videoModeInfo{}, false
	}
	return videoModes[m], true
}

// workingBuffer is the page the CPU mutates in the current mode.
func (v *Video) workingBuffer() ([]byte, videoModeInfo, bool) {
	info, ok := v.modeInfo()
	if !ok {
		return nil, info, false
	}
	page := 0
	if v.mode&videoWorkingPage != 0 && info.pages > 1 {
		page = 1
	}
	return v.pixels[v.mode&videoModeMask][page], info, true
}

func (v *Video) writePixel(color byte) {
	buf, info, ok := v.workingBuffer()
	if !ok {
		v.fail("pixel write outside a graphics mode")
		return
	}
	buf[v.pixelY*info.width+v.pixelX] = color & info.colorMask
	v.pixelX++
	if v.pixelX >= info.width {
		v.pixelX = 0
		v.pixelY++
		if v.pixelY >= info.height {
			v.pixelY = 0
		}
	}
}

func (v *Video) setPixelPos() {
	info, ok := v.modeInfo()
	if !ok {
		v.fail("pixel position outside a graphics mode")
		return
	}
	x := int(v.args[0])<<8 | int(v.args[1])
	y := int(v.args[2])<<8 | int(v.args[3])
	v.pixelX = clampInt(x, 0, info.width-1)
	v.pixelY = clampInt(y, 0, info.height-1)
}

func (v *Video) clearScreen(color byte) {
	buf, info, ok := v.workingBuffer()
	if !ok {
		v.fail("clear outside a graphics mode")
		return
	}
	c := color & info.colorMask
	for i := range buf {
		buf[i] = c
	}
}

func (v *Video) getPixelAt() {
	buf, info, ok := v.workingBuffer()
	if !ok {
		v.fail("pixel read outside a graphics mode")
		return
	}
	x := int(v.args[0])<<8 | int(v.args[1])
	y := int(v.args[2])<<8 | int(v.args[3])
	if x >= info.width || y >= info.height {
		v.fail("GET_PIXEL_AT out of range")
		return
	}
	v.results[0] = buf[y*info.width+x]
	v.results[1] = 0
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
