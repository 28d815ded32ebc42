package devices

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// AddressRange is the inclusive [Start,End] span of bus addresses a device
// responds to.
type AddressRange struct {
	Start uint16
	End   uint16
}

// Contains reports whether addr falls inside the range.
func (r AddressRange) Contains(addr uint16) bool {
	return addr >= r.Start && addr <= r.End
}

// Overlaps reports whether two ranges share any address.
func (r AddressRange) Overlaps(o AddressRange) bool {
	return r.Start <= o.End && o.Start <= r.End
}

func (r AddressRange) String() string {
	return fmt.Sprintf("0x%04X-0x%04X", r.Start, r.End)
}

// Device is a memory-mapped peripheral on the system bus. ReadRegister and
// WriteRegister receive the offset of the accessed address from the start
// of the device's range.
type Device interface {
	Name() string
	Range() AddressRange
	ReadRegister(offset uint16) byte
	WriteRegister(offset uint16, value byte)
	Reset()
}

// Listener is invoked after a device reports a state change through the
// bus. Listeners must not call back into the bus or the device.
type Listener func(d Device)

// Bus dispatches CPU read/write cycles to the device whose range contains
// the address, and owns the shared interrupt line.
type Bus struct {
	devices []Device
	irq     *InterruptLine

	mu        sync.Mutex
	listeners []Listener
}

// NewBus creates an empty bus with a released interrupt line.
func NewBus() *Bus {
	return &Bus{irq: NewInterruptLine()}
}

// AddDevice registers a device. A range overlapping any already-registered
// device is a setup error; the system must refuse to start on it.
func (b *Bus) AddDevice(d Device) error {
	for _, existing := range b.devices {
		if existing.Range().Overlaps(d.Range()) {
			return fmt.Errorf("bus: device %q range %s overlaps %q range %s",
				d.Name(), d.Range(), existing.Name(), existing.Range())
		}
	}
	b.devices = append(b.devices, d)
	return nil
}

// deviceAt finds the device owning addr, or nil.
func (b *Bus) deviceAt(addr uint16) Device {
	for _, d := range b.devices {
		if d.Range().Contains(addr) {
			return d
		}
	}
	return nil
}

// Read performs a CPU read cycle. Addresses no device claims read as 0xFF.
func (b *Bus) Read(addr uint16) byte {
	d := b.deviceAt(addr)
	if d == nil {
		logrus.WithField("addr", fmt.Sprintf("0x%04X", addr)).Warn("bus: read from unmapped address")
		return 0xFF
	}
	return d.ReadRegister(addr - d.Range().Start)
}

// Write performs a CPU write cycle. Writes to unmapped addresses are
// dropped.
func (b *Bus) Write(addr uint16, value byte) {
	d := b.deviceAt(addr)
	if d == nil {
		logrus.WithField("addr", fmt.Sprintf("0x%04X", addr)).Warn("bus: write to unmapped address")
		return
	}
	d.WriteRegister(addr-d.Range().Start, value)
}

// IRQ exposes the shared interrupt line.
func (b *Bus) IRQ() *InterruptLine {
	return b.irq
}

// Devices returns the registered devices in registration order.
func (b *Bus) Devices() []Device {
	return b.devices
}

// Reset resets every registered device and releases the interrupt line.
func (b *Bus) Reset() {
	for _, d := range b.devices {
		d.Reset()
	}
	b.irq.reset()
}

// AddListener subscribes a state-change callback.
func (b *Bus) AddListener(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
}

// DrainListeners removes all subscribed listeners. Called on shutdown.
func (b *Bus) DrainListeners() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = nil
}

// NotifyListeners reports a state change in d to all subscribers.
func (b *Bus) NotifyListeners(d Device) {
	b.mu.Lock()
	ls := make([]Listener, len(b.listeners))
	copy(ls, b.listeners)
	b.mu.Unlock()
	for _, l := range ls {
		l(d)
	}
}
