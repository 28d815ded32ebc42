package devices

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// RTC register indexes (DS3231-style layout, 19 registers).
const (
	rtcRegSeconds    = 0x00
	rtcRegMinutes    = 0x01
	rtcRegHours      = 0x02
	rtcRegDayOfWeek  = 0x03
	rtcRegDayOfMonth = 0x04
	rtcRegMonth      = 0x05 // bit 7 = century
	rtcRegYear       = 0x06
	rtcRegAlarmFirst = 0x07
	rtcRegAlarmLast  = 0x0D
	rtcRegControl    = 0x0E
	rtcRegStatus     = 0x0F
	rtcRegAging      = 0x10
	rtcRegTempMSB    = 0x11
	rtcRegTempLSB    = 0x12

	rtcRegCount = 19
)

// RTCAddress is the fixed 7-bit I2C address of the clock.
const RTCAddress byte = 0x68

// RTC emulates a DS3231-class real-time clock as an I2C target. The seven
// time registers are computed from the host wall clock on each read and
// converted to BCD; the remaining registers are plain backed storage. The
// register pointer auto-increments modulo 19 on both reads and writes,
// and the first byte of every write transaction sets it.
type RTC struct {
	lock sync.Mutex
	log  *logrus.Entry

	registers     [rtcRegCount]byte
	pointer       int
	pointerArmed  bool // next written byte sets the pointer
	inTransaction bool
	readMode      bool

	// Offset from the host clock, reserved for set-time support. Writing
	// the time registers stores their raw BCD but leaves the offset
	// unchanged, so reads keep tracking the host clock.
	offset time.Duration
}

// NewRTC creates the clock with power-on register defaults.
func NewRTC() *RTC {
	r := &RTC{log: logrus.WithField("device", "rtc")}
	r.registers[rtcRegControl] = 0x1C
	return r
}

// Name implements I2CTarget.
func (r *RTC) Name() string { return "rtc" }

// Address implements I2CTarget.
func (r *RTC) Address() byte { return RTCAddress }

// Start implements I2CTarget. The clock always acknowledges its address.
func (r *RTC) Start(isRead bool) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.inTransaction = true
	r.readMode = isRead
	return true
}

// Stop implements I2CTarget.
func (r *RTC) Stop() {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.inTransaction = false
	r.pointerArmed = false
}

// ResetRegisterPointer arms the pointer: the master calls this at the
// start of a write transaction so the first data byte selects a register.
func (r *RTC) ResetRegisterPointer() {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.pointerArmed = true
}

// WriteByte implements I2CTarget.
func (r *RTC) WriteByte(value byte) bool {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.pointerArmed {
		r.pointerArmed = false
		r.pointer = int(value) % rtcRegCount
		if int(value) >= rtcRegCount {
			r.log.WithField("value", value).Warn("register pointer out of range, wrapped")
		}
		return true
	}

	switch r.pointer {
	case rtcRegStatus:
		// Only the alarm flags are writable.
		r.registers[rtcRegStatus] = r.registers[rtcRegStatus]&^0x03 | value&0x03
	default:
		// Time registers accept the raw BCD; the host-clock offset is not
		// recomputed, so subsequent reads keep returning wall-clock time.
		r.registers[r.pointer] = value
	}
	r.pointer = (r.pointer + 1) % rtcRegCount
	return true
}

// ReadByte implements I2CTarget.
func (r *RTC) ReadByte(masterWillAck bool) byte {
	r.lock.Lock()
	defer r.lock.Unlock()

	value := r.readRegister(r.pointer)
	r.pointer = (r.pointer + 1) % rtcRegCount
	return value
}

// readRegister computes time registers from the host clock and returns
// stored values for everything else.
func (r *RTC) readRegister(reg int) byte {
	now := time.Now().Add(r.offset)
	switch reg {
	case rtcRegSeconds:
		return toBCD(now.Second())
	case rtcRegMinutes:
		return toBCD(now.Minute())
	case rtcRegHours:
		return toBCD(now.Hour())
	case rtcRegDayOfWeek:
		// Go's Weekday starts Sunday=0; the register encodes Sunday=1.
		return toBCD(int(now.Weekday()) + 1)
	case rtcRegDayOfMonth:
		return toBCD(now.Day())
	case rtcRegMonth:
		return toBCD(int(now.Month())) | r.registers[rtcRegMonth]&0x80
	case rtcRegYear:
		return toBCD(now.Year() % 100)
	default:
		return r.registers[reg]
	}
}

// Reset implements I2CTarget: back to power-on defaults.
func (r *RTC) Reset() {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.registers = [rtcRegCount]byte{}
	r.registers[rtcRegControl] = 0x1C
	r.pointer = 0
	r.pointerArmed = false
	r.inTransaction = false
	r.readMode = false
	r.offset = 0
}

// toBCD converts a 0..99 value to packed BCD.
func toBCD(val int) byte {
	return byte(val/10<<4 | val%10)
}
