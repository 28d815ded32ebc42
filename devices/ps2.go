package devices

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Delivery pacing: when the queue still holds data after a byte is
// consumed, the next interrupt is re-asserted after this delay so the
// firmware's service loop is not flooded.
const ps2DeliveryDelay = time.Millisecond

// Spacing between scan codes generated by console-driven injection,
// approximating real keystroke timing.
const ps2InjectDelay = 2 * time.Millisecond

// PS2Keyboard is the host side of the PS/2 shift-register interface. Host
// key events (arriving on the host input thread) are translated to Set-2
// scan-code sequences and queued; the CPU drains the queue by reading
// port A, each read consuming one byte and clearing the interrupt.
//
// The device exposes a VIA-shaped 16-byte register file. Apart from the
// port A read side effect the registers are plain state; the IFR CA1 bit
// mirrors "data pending".
type PS2Keyboard struct {
	lock sync.Mutex
	base uint16
	irq  *InterruptLine
	log  *logrus.Entry

	queue   []byte
	pending bool // interrupt currently asserted
	timer   *time.Timer

	// Register file.
	portA byte
	portB byte
	ddrA  byte
	ddrB  byte
	t1cl  byte
	t1ch  byte
	t1ll  byte
	t1lh  byte
	t2cl  byte
	t2ch  byte
	sr    byte
	acr   byte
	pcr   byte
	ifr   byte
	ier   byte
}

// NewPS2Keyboard creates the keyboard interface mapped at base, asserting
// interrupts on irq.
func NewPS2Keyboard(base uint16, irq *InterruptLine) *PS2Keyboard {
	k := &PS2Keyboard{
		base: base,
		irq:  irq,
		log:  logrus.WithField("device", "ps2"),
	}
	k.powerOn()
	return k
}

func (k *PS2Keyboard) powerOn() {
	k.portA, k.portB, k.ddrA, k.ddrB = 0, 0, 0, 0
	k.t1cl, k.t1ch, k.t1ll, k.t1lh = 0xFF, 0xFF, 0xFF, 0xFF
	k.t2cl, k.t2ch = 0xFF, 0xFF
	k.sr, k.acr, k.pcr, k.ifr, k.ier = 0, 0, 0, 0, 0
}

// Name implements Device.
func (k *PS2Keyboard) Name() string { return "ps2" }

// Range implements Device.
func (k *PS2Keyboard) Range() AddressRange { return AddressRange{k.base, k.base + 15} }

// Reset implements Device: registers to power-on defaults, queue drained,
// interrupt released.
func (k *PS2Keyboard) Reset() {
	k.lock.Lock()
	defer k.lock.Unlock()
	k.stopTimerLocked()
	k.queue = nil
	k.clearInterruptLocked()
	k.powerOn()
}

// Shutdown cancels the pending delivery timer and releases the interrupt.
// Called before the device is torn down.
func (k *PS2Keyboard) Shutdown() {
	k.lock.Lock()
	defer k.lock.Unlock()
	k.stopTimerLocked()
	k.queue = nil
	k.clearInterruptLocked()
}

func (k *PS2Keyboard) stopTimerLocked() {
	if k.timer != nil {
		k.timer.Stop()
		k.timer = nil
	}
}

func (k *PS2Keyboard) assertInterruptLocked() {
	k.pending = true
	k.ifr |= ViaIFRCA1
	k.irq.Assert(k.Name())
}

func (k *PS2Keyboard) clearInterruptLocked() {
	k.pending = false
	k.ifr &^= ViaIFRCA1
	k.irq.Clear(k.Name())
}

// push queues one scan-code byte, asserting the interrupt on the
// empty-to-non-empty transition.
func (k *PS2Keyboard) push(b byte) {
	k.lock.Lock()
	defer k.lock.Unlock()
	wasEmpty := len(k.queue) == 0
	k.queue = append(k.queue, b)
	if wasEmpty {
		k.assertInterruptLocked()
	}
}

// KeyDown queues the make code for key. Unknown keys are ignored.
func (k *PS2Keyboard) KeyDown(key Key) {
	code, ok := scanCodes[key]
	if !ok {
		k.log.WithField("key", key).Warn("unknown key code ignored")
		return
	}
	k.push(code)
}

// KeyUp queues the break sequence (0xF0 then the make code) for key.
func (k *PS2Keyboard) KeyUp(key Key) {
	code, ok := scanCodes[key]
	if !ok {
		k.log.WithField("key", key).Warn("unknown key code ignored")
		return
	}
	k.push(ps2BreakPrefix)
	k.push(code)
}

// CapsLockToggle queues only the caps-lock make code. Hosts that report
// caps lock as a toggle rather than press/release are fed through here.
func (k *PS2Keyboard) CapsLockToggle() {
	k.push(scanCodes[KeyCapsLock])
}

// InjectConsoleChar translates one ASCII character into a full PS/2
// make/break sequence, wrapping shifted characters in shift make/break
// codes. The codes are spaced with short delays to approximate real
// timing; the call blocks for the duration of the sequence.
func (k *PS2Keyboard) InjectConsoleChar(ch byte) {
	key, shifted := consoleKey(ch)
	code, ok := scanCodes[key]
	if !ok {
		k.log.WithField("char", ch).Warn("unmappable console character ignored")
		return
	}
	shift := scanCodes[KeyLeftShift]

	emit := func(bytes ...byte) {
		for _, b := range bytes {
			k.push(b)
		}
		time.Sleep(ps2InjectDelay)
	}
	if shifted {
		emit(shift)
		emit(code)
		emit(ps2BreakPrefix, code)
		emit(ps2BreakPrefix, shift)
	} else {
		emit(code)
		emit(ps2BreakPrefix, code)
	}
}

// consoleKey resolves an ASCII character to the key that produces it and
// whether shift is held.
func consoleKey(ch byte) (Key, bool) {
	switch {
	case ch >= 'A' && ch <= 'Z':
		return Key(ch - 'A' + 'a'), true
	case ch >= 'a' && ch <= 'z', ch >= '0' && ch <= '9':
		return Key(ch), false
	}
	if key, ok := shiftedASCII[ch]; ok {
		return key, true
	}
	return Key(ch), false
}

// QueueLen reports the number of undelivered bytes.
func (k *PS2Keyboard) QueueLen() int {
	k.lock.Lock()
	defer k.lock.Unlock()
	return len(k.queue)
}

// ReadRegister implements Device. Reading port A consumes one queued byte
// and clears the interrupt; if more data remains, a delayed re-assertion
// paces the next delivery.
func (k *PS2Keyboard) ReadRegister(offset uint16) byte {
	k.lock.Lock()
	defer k.lock.Unlock()

	switch offset {
	case ViaORB:
		return k.portB
	case ViaORA, ViaORANH:
		k.consumeLocked()
		return k.portA
	case ViaDDRB:
		return k.ddrB
	case ViaDDRA:
		return k.ddrA
	case ViaT1CL:
		return k.t1cl
	case ViaT1CH:
		return k.t1ch
	case ViaT1LL:
		return k.t1ll
	case ViaT1LH:
		return k.t1lh
	case ViaT2CL:
		return k.t2cl
	case ViaT2CH:
		return k.t2ch
	case ViaSR:
		return k.sr
	case ViaACR:
		return k.acr
	case ViaPCR:
		return k.pcr
	case ViaIFR:
		value := k.ifr & 0x7F
		if k.ifr&k.ier&0x7F != 0 {
			value |= ViaIFRIRQ
		}
		return value
	case ViaIER:
		return k.ier | 0x80
	}
	k.log.WithField("offset", offset).Warn("read from unhandled register")
	return 0xFF
}

// consumeLocked pops the next queued byte into port A.
func (k *PS2Keyboard) consumeLocked() {
	if len(k.queue) == 0 {
		return
	}
	k.portA = k.queue[0]
	k.queue = k.queue[1:]
	k.clearInterruptLocked()
	if len(k.queue) == 0 {
		return
	}
	// More data: pace the next delivery with a one-shot timer. The timer
	// re-checks the queue under the lock; shutdown may have drained it.
	k.stopTimerLocked()
	k.timer = time.AfterFunc(ps2DeliveryDelay, func() {
		k.lock.Lock()
		defer k.lock.Unlock()
		if len(k.queue) > 0 && !k.pending {
			k.assertInterruptLocked()
		}
	})
}

// WriteRegister implements Device. Writes are plain register state.
func (k *PS2Keyboard) WriteRegister(offset uint16, value byte) {
	k.lock.Lock()
	defer k.lock.Unlock()

	switch offset {
	case ViaORB:
		k.portB = (k.portB &^ k.ddrB) | (value & k.ddrB)
	case ViaORA, ViaORANH:
		k.portA = (k.portA &^ k.ddrA) | (value & k.ddrA)
	case ViaDDRB:
		k.ddrB = value
	case ViaDDRA:
		k.ddrA = value
	case ViaT1CL:
		k.t1cl = value
	case ViaT1CH:
		k.t1ch = value
	case ViaT1LL:
		k.t1ll = value
	case ViaT1LH:
		k.t1lh = value
	case ViaT2CL:
		k.t2cl = value
	case ViaT2CH:
		k.t2ch = value
	case ViaSR:
		k.sr = value
	case ViaACR:
		k.acr = value
	case ViaPCR:
		k.pcr = value
	case ViaIFR:
		k.ifr &^= value & 0x7F
	case ViaIER:
		if value&0x80 != 0 {
			k.ier |= value & 0x7F
		} else {
			k.ier &^= value & 0x7F
		}
	default:
		k.log.WithFields(logrus.Fields{"offset": offset, "value": value}).Warn("write to unhandled register")
	}
}
