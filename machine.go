// Package symon assembles the peripheral core of a 65C02-class machine:
// the system bus, the video controller, the PS/2 keyboard interface and
// the VIA with its SD-card and real-time-clock targets. The CPU, memory
// regions and front ends are external collaborators driving the bus.
package symon

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/thuddwhirr/symon/devices"
)

// Machine owns the bus and the core peripheral devices.
type Machine struct {
	cfg Config

	bus      *devices.Bus
	via      *devices.VIA
	video    *devices.Video
	keyboard *devices.PS2Keyboard
	sdcard   *devices.SDCard
	rtc      *devices.RTC
}

// NewMachine builds and wires the peripheral core. Overlapping device
// ranges in the config are a fatal setup error.
func NewMachine(cfg Config) (*Machine, error) {
	m := &Machine{
		cfg:    cfg,
		bus:    devices.NewBus(),
		via:    devices.NewVIA(cfg.VIABase),
		video:  devices.NewVideo(cfg.VideoBase),
		sdcard: devices.NewSDCard(),
		rtc:    devices.NewRTC(),
	}
	m.keyboard = devices.NewPS2Keyboard(cfg.PS2Base, m.bus.IRQ())

	for _, d := range []devices.Device{m.video, m.keyboard, m.via} {
		if err := m.bus.AddDevice(d); err != nil {
			return nil, fmt.Errorf("machine: %w", err)
		}
	}
	if err := m.via.RegisterSPITarget(0, m.sdcard); err != nil {
		return nil, fmt.Errorf("machine: %w", err)
	}
	if err := m.via.RegisterI2CTarget(m.rtc); err != nil {
		return nil, fmt.Errorf("machine: %w", err)
	}

	if cfg.DiskImage != "" {
		if err := m.MountImage(cfg.DiskImage); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Bus exposes the system bus for the CPU to drive.
func (m *Machine) Bus() *devices.Bus { return m.bus }

// VIA exposes the peripheral controller.
func (m *Machine) VIA() *devices.VIA { return m.via }

// Video exposes the video controller.
func (m *Machine) Video() *devices.Video { return m.video }

// Keyboard exposes the PS/2 interface for host input delivery.
func (m *Machine) Keyboard() *devices.PS2Keyboard { return m.keyboard }

// SDCard exposes the SD-card target.
func (m *Machine) SDCard() *devices.SDCard { return m.sdcard }

// RTC exposes the real-time clock.
func (m *Machine) RTC() *devices.RTC { return m.rtc }

// MountImage mounts a disk image behind the SD card, replacing any image
// already mounted.
func (m *Machine) MountImage(path string) error {
	img, err := devices.OpenDiskImage(path)
	if err != nil {
		return fmt.Errorf("machine: %w", err)
	}
	if err := m.sdcard.Unmount(); err != nil {
		logrus.WithError(err).Warn("machine: unmount of previous image failed")
	}
	m.sdcard.Mount(img)
	return nil
}

// UnmountImage flushes and closes the mounted disk image, if any.
func (m *Machine) UnmountImage() error {
	return m.sdcard.Unmount()
}

// Reset returns every device to power-on state.
func (m *Machine) Reset() {
	m.bus.Reset()
}

// Shutdown cancels pending timers, unmounts the disk image and drains
// the bus listener list. Listeners subscribed directly to the video
// controller are not removed. The machine is not usable afterwards.
func (m *Machine) Shutdown() error {
	m.keyboard.Shutdown()
	err := m.sdcard.Unmount()
	m.bus.DrainListeners()
	return err
}
