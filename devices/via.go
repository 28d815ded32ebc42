package devices

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// VIA emulates a 65C22-class versatile interface adapter used as the
// machine's SPI and I2C master. The emulated firmware bit-bangs both
// protocols through the port A/B data and direction registers, so the VIA
// reconstructs protocol framing (chip-select edges, SCK edges, I2C
// START/STOP and byte boundaries) from individual register writes.
//
// Port B carries the SPI signals (PB0 MOSI, PB1 MISO, PB2 SCK); port A
// carries six active-low SPI chip selects on PA0..PA5 and the open-drain
// I2C pair on PA6 (SCL) / PA7 (SDA). An I2C line reads high whenever its
// direction bit is 0: the firmware drives a line low by flipping the pin
// to output, not by writing the data bit.
type VIA struct {
	lock sync.Mutex
	base uint16
	log  *logrus.Entry

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

	// SPI master scratch.
	spiTargets  [spiTargetCount]SPITarget
	spiSelected int // index into spiTargets, -1 for none
	lastSCK     bool

	// I2C master scratch.
	i2cTargets  map[byte]I2CTarget
	i2cState    i2cState
	i2cBitCount int // 0..9; 9 marks "ACK clock has risen"
	i2cShift    byte
	i2cTarget   I2CTarget
	i2cIsRead   bool
	i2cReadByte byte // staged byte the master shifts out of us
	i2cSlaveAck bool
}

// NewVIA creates the peripheral controller mapped at base with power-on
// register defaults.
func NewVIA(base uint16) *VIA {
	v := &VIA{
		base:        base,
		log:         logrus.WithField("device", "via"),
		spiSelected: -1,
		i2cTargets:  make(map[byte]I2CTarget),
	}
	v.powerOn()
	return v
}

func (v *VIA) powerOn() {
	v.portA, v.portB = 0x00, 0x00
	v.ddrA, v.ddrB = 0x00, 0x00
	v.t1cl, v.t1ch, v.t1ll, v.t1lh = 0xFF, 0xFF, 0xFF, 0xFF
	v.t2cl, v.t2ch = 0xFF, 0xFF
	v.sr, v.acr, v.pcr, v.ifr, v.ier = 0x00, 0x00, 0x00, 0x00, 0x00
	v.lastSCK = false
	v.i2cState = i2cIdle
	v.i2cBitCount = 0
	v.i2cShift = 0
	v.i2cTarget = nil
	v.i2cIsRead = false
	v.i2cReadByte = 0
	v.i2cSlaveAck = false
}

// Name implements Device.
func (v *VIA) Name() string { return "via" }

// Range implements Device. The 4-bit register select exposes 16 bytes.
func (v *VIA) Range() AddressRange { return AddressRange{v.base, v.base + 15} }

// Reset implements Device: registers return to power-on defaults and all
// attached targets are reset and deselected.
func (v *VIA) Reset() {
	v.lock.Lock()
	defer v.lock.Unlock()
	for _, t := range v.spiTargets {
		if t != nil {
			t.Deselect()
			t.Reset()
		}
	}
	for _, t := range v.i2cTargets {
		t.Reset()
	}
	v.spiSelected = -1
	v.powerOn()
}

// RegisterSPITarget attaches a target to chip-select line index (0..5).
// Re-registering the same target on the same line is a no-op.
func (v *VIA) RegisterSPITarget(index int, t SPITarget) error {
	v.lock.Lock()
	defer v.lock.Unlock()
	if index < 0 || index >= spiTargetCount {
		return fmt.Errorf("via: SPI chip select index %d out of range", index)
	}
	if v.spiTargets[index] == t {
		return nil
	}
	if v.spiTargets[index] != nil {
		return fmt.Errorf("via: SPI chip select %d already bound to %q", index, v.spiTargets[index].Name())
	}
	v.spiTargets[index] = t
	return nil
}

// UnregisterSPITarget detaches the target on chip-select line index,
// deselecting and resetting it on the way out.
func (v *VIA) UnregisterSPITarget(index int) {
	v.lock.Lock()
	defer v.lock.Unlock()
	if index < 0 || index >= spiTargetCount || v.spiTargets[index] == nil {
		return
	}
	if v.spiSelected == index {
		v.spiSelected = -1
	}
	t := v.spiTargets[index]
	v.spiTargets[index] = nil
	t.Deselect()
	t.Reset()
}

// RegisterI2CTarget attaches a slave under its 7-bit address.
// Re-registering the same target is a no-op.
func (v *VIA) RegisterI2CTarget(t I2CTarget) error {
	v.lock.Lock()
	defer v.lock.Unlock()
	addr := t.Address() & 0x7F
	if existing, ok := v.i2cTargets[addr]; ok {
		if existing == t {
			return nil
		}
		return fmt.Errorf("via: I2C address 0x%02X already bound to %q", addr, existing.Name())
	}
	v.i2cTargets[addr] = t
	return nil
}

// UnregisterI2CTarget detaches the slave at addr, resetting it on the way
// out.
func (v *VIA) UnregisterI2CTarget(addr byte) {
	v.lock.Lock()
	defer v.lock.Unlock()
	t, ok := v.i2cTargets[addr&0x7F]
	if !ok {
		return
	}
	delete(v.i2cTargets, addr&0x7F)
	if v.i2cTarget == t {
		v.i2cTarget = nil
		v.i2cState = i2cIdle
		v.i2cBitCount = 0
	}
	t.Reset()
}

// ReadRegister implements Device.
func (v *VIA) ReadRegister(offset uint16) byte {
	v.lock.Lock()
	defer v.lock.Unlock()

	switch offset {
	case ViaORB:
		// Port B already holds the MISO bit the selected target produced
		// on the last rising SCK edge. With nothing selected the line
		// floats high.
		if v.spiSelected < 0 {
			return v.portB | spiMISOBit
		}
		return v.portB
	case ViaORA, ViaORANH:
		value := v.portA
		if v.ddrA&i2cSDABit == 0 {
			// SDA released: the master is sampling the bus.
			if v.i2cSDAValue() != 0 {
				value |= i2cSDABit
			} else {
				value &^= i2cSDABit
			}
		}
		return value
	case ViaDDRB:
		return v.ddrB
	case ViaDDRA:
		return v.ddrA
	case ViaT1CL:
		return v.t1cl
	case ViaT1CH:
		return v.t1ch
	case ViaT1LL:
		return v.t1ll
	case ViaT1LH:
		return v.t1lh
	case ViaT2CL:
		return v.t2cl
	case ViaT2CH:
		return v.t2ch
	case ViaSR:
		return v.sr
	case ViaACR:
		return v.acr
	case ViaPCR:
		return v.pcr
	case ViaIFR:
		value := v.ifr & 0x7F
		if v.ifr&v.ier&0x7F != 0 {
			value |= ViaIFRIRQ
		}
		return value
	case ViaIER:
		return v.ier | 0x80
	}
	v.log.WithField("offset", offset).Warn("read from unhandled register")
	return 0xFF
}

// WriteRegister implements Device.
func (v *VIA) WriteRegister(offset uint16, value byte) {
	v.lock.Lock()
	defer v.lock.Unlock()

	switch offset {
	case ViaORB:
		v.writePortB(value)
	case ViaORA, ViaORANH:
		v.writePortA(value)
	case ViaDDRB:
		v.ddrB = value
	case ViaDDRA:
		oldSCL, oldSDA := v.sclLevel(), v.sdaLevel()
		v.ddrA = value
		v.i2cEvaluate(oldSCL, oldSDA, v.sclLevel(), v.sdaLevel())
	case ViaT1CL:
		v.t1cl = value
	case ViaT1CH:
		v.t1ch = value
	case ViaT1LL:
		v.t1ll = value
	case ViaT1LH:
		v.t1lh = value
	case ViaT2CL:
		v.t2cl = value
	case ViaT2CH:
		v.t2ch = value
	case ViaSR:
		v.sr = value
	case ViaACR:
		v.acr = value
	case ViaPCR:
		v.pcr = value
	case ViaIFR:
		// Writing 1s clears the corresponding flags.
		v.ifr &^= value & 0x7F
	case ViaIER:
		if value&0x80 != 0 {
			v.ier |= value & 0x7F
		} else {
			v.ier &^= value & 0x7F
		}
	default:
		v.log.WithFields(logrus.Fields{"offset": offset, "value": value}).Warn("write to unhandled register")
	}
}

// writePortB merges the written bits through DDRB and runs the SPI clock
// edge detector.
func (v *VIA) writePortB(value byte) {
	v.portB = (v.portB &^ v.ddrB) | (value & v.ddrB)
	sck := v.portB&spiSCKBit != 0
	if sck == v.lastSCK {
		return
	}
	v.lastSCK = sck

	var target SPITarget
	if v.spiSelected >= 0 {
		target = v.spiTargets[v.spiSelected]
	}
	if target == nil {
		return
	}
	if sck {
		// Rising edge: target samples MOSI and presents MISO.
		var mosi byte
		if v.portB&spiMOSIBit != 0 {
			mosi = 1
		}
		if target.Transfer(mosi) != 0 {
			v.portB |= spiMISOBit
		} else {
			v.portB &^= spiMISOBit
		}
	} else {
		target.OnSCKFalling()
	}
}

// writePortA stores the full written value, then re-evaluates the SPI chip
// selects and the I2C line levels.
func (v *VIA) writePortA(value byte) {
	oldSCL, oldSDA := v.sclLevel(), v.sdaLevel()
	v.portA = value
	v.evaluateChipSelect()
	v.i2cEvaluate(oldSCL, oldSDA, v.sclLevel(), v.sdaLevel())
}

// evaluateChipSelect decodes the active-low one-hot selection on PA0..PA5.
// Exactly one clear bit selects that target; all bits set selects nothing;
// more than one clear bit is a wiring conflict and selects nothing.
func (v *VIA) evaluateChipSelect() {
	cs := v.portA & spiCSMask
	selected := -1
	for i := 0; i < spiTargetCount; i++ {
		if cs&(1<<i) != 0 {
			continue
		}
		if selected >= 0 {
			v.log.WithField("porta", fmt.Sprintf("0x%02X", v.portA)).Error("multiple SPI chip selects active, deselecting all")
			selected = -1
			break
		}
		selected = i
	}
	if selected == v.spiSelected {
		return
	}
	if v.spiSelected >= 0 && v.spiTargets[v.spiSelected] != nil {
		v.spiTargets[v.spiSelected].Deselect()
	}
	v.spiSelected = selected
	if selected >= 0 && v.spiTargets[selected] != nil {
		v.spiTargets[selected].Select()
	}
}

// sclLevel returns the electrical SCL level. The line is open-drain: it
// reads high unless the pin is an output driving low.
func (v *VIA) sclLevel() bool {
	if v.ddrA&i2cSCLBit == 0 {
		return true
	}
	return v.portA&i2cSCLBit != 0
}

func (v *VIA) sdaLevel() bool {
	if v.ddrA&i2cSDABit == 0 {
		return true
	}
	return v.portA&i2cSDABit != 0
}

// i2cSDAValue is the bit the master sees when it samples a released SDA.
func (v *VIA) i2cSDAValue() byte {
	switch {
	case v.i2cState == i2cDataRead && v.i2cBitCount >= 1 && v.i2cBitCount <= 8:
		// The slave shifts the staged byte out MSB first; count 8 is the
		// byte's last bit, not the ACK phase.
		return (v.i2cReadByte >> (8 - v.i2cBitCount)) & 1
	case v.i2cState != i2cIdle && (v.i2cBitCount == 8 || v.i2cBitCount == 9):
		// ACK phase: the addressed slave drives the line.
		if v.i2cSlaveAck {
			return 0
		}
		return 1
	default:
		return 1
	}
}

// i2cEvaluate runs the START/STOP and clock-edge rules over an observed
// line-level change.
func (v *VIA) i2cEvaluate(oldSCL, oldSDA, newSCL, newSDA bool) {
	if oldSCL == newSCL && oldSDA == newSDA {
		return
	}

	if oldSCL && newSCL {
		switch {
		case oldSDA && !newSDA:
			v.i2cStart()
		case !oldSDA && newSDA && v.i2cBitCount != 8:
			// SDA rising during the ACK clock is the slave releasing the
			// line, not a STOP.
			v.i2cStop()
		}
		return
	}

	if !oldSCL && newSCL {
		v.i2cClockRose(newSDA)
	} else if oldSCL && !newSCL {
		if v.i2cBitCount == 9 {
			v.i2cBitCount = 0
		}
	}
}

func (v *VIA) i2cStart() {
	if v.i2cState != i2cIdle {
		// Repeated START: a fresh address byte follows. The current target
		// is not stopped.
		v.log.Debug("i2c repeated start")
	}
	v.i2cState = i2cAddress
	v.i2cBitCount = 0
	v.i2cShift = 0
}

func (v *VIA) i2cStop() {
	if v.i2cState == i2cIdle {
		return
	}
	if v.i2cTarget != nil {
		v.i2cTarget.Stop()
	}
	v.i2cState = i2cIdle
	v.i2cTarget = nil
	v.i2cBitCount = 0
	v.i2cShift = 0
	v.i2cSlaveAck = false
}

// i2cClockRose is the sampling edge.
func (v *VIA) i2cClockRose(sda bool) {
	if v.i2cState == i2cIdle {
		return
	}
	if v.i2cBitCount < 8 {
		if v.i2cState != i2cDataRead {
			v.i2cShift <<= 1
			if sda {
				v.i2cShift |= 1
			}
		}
		v.i2cBitCount++
		if v.i2cBitCount == 8 && v.i2cState != i2cDataRead {
			v.i2cByteComplete()
		}
		return
	}
	if v.i2cBitCount == 8 {
		// Ninth clock: the ACK bit is on the wire.
		if v.i2cState == i2cDataRead {
			masterAck := !sda
			if masterAck && v.i2cTarget != nil {
				v.i2cReadByte = v.i2cTarget.ReadByte(true)
			}
		}
		v.i2cBitCount = 9
	}
}

// i2cByteComplete dispatches a fully shifted-in byte.
func (v *VIA) i2cByteComplete() {
	switch v.i2cState {
	case i2cAddress:
		addr := v.i2cShift >> 1
		isRead := v.i2cShift&1 != 0
		target, ok := v.i2cTargets[addr]
		if !ok {
			v.log.WithField("addr", fmt.Sprintf("0x%02X", addr)).Warn("i2c address not acknowledged")
			v.i2cSlaveAck = false
			return
		}
		v.i2cTarget = target
		v.i2cIsRead = isRead
		v.i2cSlaveAck = target.Start(isRead)
		if !v.i2cSlaveAck {
			return
		}
		if isRead {
			v.i2cState = i2cDataRead
			v.i2cReadByte = target.ReadByte(true)
		} else {
			v.i2cState = i2cDataWrite
			if rp, ok := target.(registerPointered); ok {
				rp.ResetRegisterPointer()
			}
		}
	case i2cDataWrite:
		v.i2cSlaveAck = v.i2cTarget.WriteByte(v.i2cShift)
	}
}
