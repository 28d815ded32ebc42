package devices_test

import (
	"sync"
	"testing"

	"github.com/thuddwhirr/symon/devices"
)

// MockSPITarget records the bit traffic the VIA drives into it and plays
// back a configurable bit stream.
type MockSPITarget struct {
	mu        sync.Mutex
	name      string
	selected  bool
	Selects   int
	Deselects int
	Resets    int
	Fallings  int
	MOSIBits  []byte
	MISOBits  []byte // bits to play back, 1 when exhausted
	misoPos   int
}

func NewMockSPITarget(name string) *MockSPITarget {
	return &MockSPITarget{name: name}
}

func (m *MockSPITarget) Name() string { return m.name }

func (m *MockSPITarget) Select() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.selected = true
	m.Selects++
}

func (m *MockSPITarget) Deselect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.selected = false
	m.Deselects++
}

func (m *MockSPITarget) IsSelected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selected
}

func (m *MockSPITarget) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Resets++
}

func (m *MockSPITarget) OnSCKFalling() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Fallings++
}

func (m *MockSPITarget) Transfer(mosi byte) byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.MOSIBits = append(m.MOSIBits, mosi)
	if m.misoPos < len(m.MISOBits) {
		bit := m.MISOBits[m.misoPos]
		m.misoPos++
		return bit
	}
	return 1
}

// MockI2CTarget is a scripted slave: it acknowledges its address, records
// written bytes and serves reads from a canned buffer.
type MockI2CTarget struct {
	mu       sync.Mutex
	addr     byte
	AckStart bool
	Started  []bool // isRead per Start call
	Stops    int
	Resets   int
	PtrRsts  int
	Written  []byte
	ReadData []byte
	readPos  int
}

func NewMockI2CTarget(addr byte) *MockI2CTarget {
	return &MockI2CTarget{addr: addr, AckStart: true}
}

func (m *MockI2CTarget) Name() string  { return "mock-i2c" }
func (m *MockI2CTarget) Address() byte { return m.addr }

func (m *MockI2CTarget) Start(isRead bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Started = append(m.Started, isRead)
	return m.AckStart
}

func (m *MockI2CTarget) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Stops++
}

func (m *MockI2CTarget) WriteByte(value byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Written = append(m.Written, value)
	return true
}

func (m *MockI2CTarget) ReadByte(masterWillAck bool) byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readPos < len(m.ReadData) {
		b := m.ReadData[m.readPos]
		m.readPos++
		return b
	}
	return 0xFF
}

func (m *MockI2CTarget) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Resets++
}

func (m *MockI2CTarget) ResetRegisterPointer() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PtrRsts++
}

// --- SPI master bit-bang helpers, written the way the emulated firmware
// drives the VIA ---

// spiSetup configures the VIA for SPI: MOSI and SCK as outputs on port B,
// chip selects as outputs on port A, nothing selected.
func spiSetup(via *devices.VIA) {
	via.WriteRegister(devices.ViaDDRB, 0x05)
	via.WriteRegister(devices.ViaDDRA, 0x3F)
	via.WriteRegister(devices.ViaORA, 0x3F)
}

// spiSelect pulls one chip-select line low (active).
func spiSelect(via *devices.VIA, index int) {
	via.WriteRegister(devices.ViaORA, byte(0x3F&^(1<<index)))
}

func spiDeselect(via *devices.VIA) {
	via.WriteRegister(devices.ViaORA, 0x3F)
}

// spiXfer clocks one byte out MSB first and returns the byte clocked in.
func spiXfer(via *devices.VIA, out byte) byte {
	var in byte
	for i := 7; i >= 0; i-- {
		mosi := (out >> i) & 1
		via.WriteRegister(devices.ViaORB, mosi)      // SCK low, MOSI set
		via.WriteRegister(devices.ViaORB, mosi|0x04) // SCK rising: transfer
		miso := (via.ReadRegister(devices.ViaORB) >> 1) & 1
		in = in<<1 | miso
		via.WriteRegister(devices.ViaORB, mosi) // SCK falling
	}
	return in
}

// spiClockUntil clocks dummy bytes until a non-0xFF byte arrives,
// returning it and the number of dummies consumed first.
func spiClockUntil(t *testing.T, via *devices.VIA, maxBytes int) (byte, int) {
	t.Helper()
	for i := 0; i < maxBytes; i++ {
		if b := spiXfer(via, 0xFF); b != 0xFF {
			return b, i
		}
	}
	t.Fatalf("no response within %d bytes", maxBytes)
	return 0, 0
}

// --- I2C master bit-bang helpers: open-drain lines driven through DDRA ---

// i2cPins bit-bangs SCL and SDA by flipping their direction bits; a line
// is low while its pin is an output.
type i2cPins struct {
	via *devices.VIA
	ddr byte
}

// newI2CPins leaves both lines released (high) and the chip selects
// inactive.
func newI2CPins(via *devices.VIA) *i2cPins {
	via.WriteRegister(devices.ViaORA, 0x3F) // CS inactive, SCL/SDA data bits 0
	via.WriteRegister(devices.ViaDDRA, 0x3F)
	return &i2cPins{via: via, ddr: 0x3F}
}

func (p *i2cPins) setSCL(high bool) {
	if high {
		p.ddr &^= 0x40
	} else {
		p.ddr |= 0x40
	}
	p.via.WriteRegister(devices.ViaDDRA, p.ddr)
}

func (p *i2cPins) setSDA(high bool) {
	if high {
		p.ddr &^= 0x80
	} else {
		p.ddr |= 0x80
	}
	p.via.WriteRegister(devices.ViaDDRA, p.ddr)
}

// readSDA samples the released data line.
func (p *i2cPins) readSDA() byte {
	return p.via.ReadRegister(devices.ViaORA) >> 7
}

// start issues a START (or repeated START) condition.
func (p *i2cPins) start() {
	p.setSDA(true)
	p.setSCL(true)
	p.setSDA(false)
}

// stop issues a STOP condition.
func (p *i2cPins) stop() {
	p.setSCL(false)
	p.setSDA(false)
	p.setSCL(true)
	p.setSDA(true)
}

// writeByte clocks out a byte MSB first and returns the slave's ACK.
func (p *i2cPins) writeByte(value byte) bool {
	for i := 7; i >= 0; i-- {
		p.setSCL(false)
		p.setSDA((value>>i)&1 != 0)
		p.setSCL(true)
	}
	p.setSCL(false)
	p.setSDA(true) // release for the ACK clock
	p.setSCL(true)
	ack := p.readSDA() == 0
	p.setSCL(false)
	return ack
}

// readByte clocks in a byte MSB first, then sends the master's ACK/NACK.
func (p *i2cPins) readByte(ack bool) byte {
	var value byte
	p.setSDA(true)
	for i := 0; i < 8; i++ {
		p.setSCL(true)
		value = value<<1 | p.readSDA()
		p.setSCL(false)
	}
	p.setSDA(!ack)
	p.setSCL(true)
	p.setSCL(false)
	p.setSDA(true)
	return value
}
