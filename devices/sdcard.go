package devices

import (
	"encoding/binary"
	"sync"

	"github.com/qmuntal/stateless"
	"github.com/sirupsen/logrus"
)

// SDCard emulates an SD card in SPI mode behind one of the VIA's chip
// selects. Commands arrive as 6-byte frames bit by bit; responses are
// emitted bit by bit, MSB first. The card-state machine (IDLE, READY,
// READING, WRITING, ERROR) only advances on the commands that are legal
// in the current state; anything else falls out as an illegal-command
// response with no state change.
//
// Response lifecycle: a response staged while a command byte is still
// clocking must not appear before that byte's final bit, so processCommand
// only stages it as pending. The next falling SCK edge installs it as the
// active response, which guarantees the master sees 0xFF through the end
// of command byte 6 and a valid response no earlier than the clock after.
type SDCard struct {
	lock sync.Mutex
	log  *logrus.Entry

	image *DiskImage
	state *stateless.StateMachine

	selected bool
	appCmd   bool // CMD55 seen; consumed by the immediately following command

	// Incoming bit accumulator and command frame.
	shiftIn    byte
	shiftCount int
	cmdBuf     [6]byte
	cmdLen     int
	inCommand  bool

	// Outgoing response machinery.
	respBits    byte
	respBitIdx  int
	respActive  bool
	respPending int    // staged response byte, -1 when empty
	respQueue   []byte // R7 trailing bytes

	// Read data phase: token + sector + CRC, streamed after the R1.
	dataOut    []byte
	dataOutPos int

	// Write data phase.
	awaitingToken  bool
	inDataTransfer bool
	sector         uint32
	dataIn         [SectorSize + 2]byte // sector plus two CRC bytes
	dataInLen      int
}

// NewSDCard creates a card with no image mounted.
func NewSDCard() *SDCard {
	c := &SDCard{
		log:         logrus.WithField("device", "sdcard"),
		respPending: -1,
	}
	c.state = newCardStateMachine()
	return c
}

func newCardStateMachine() *stateless.StateMachine {
	sm := stateless.NewStateMachine(cardStateIdle)
	sm.Configure(cardStateIdle).
		PermitReentry(cardTrigGoIdle).
		Permit(cardTrigOpCond, cardStateReady)
	sm.Configure(cardStateReady).
		Permit(cardTrigGoIdle, cardStateIdle).
		PermitReentry(cardTrigOpCond).
		Permit(cardTrigRead, cardStateReading).
		Permit(cardTrigWrite, cardStateWriting)
	sm.Configure(cardStateReading).
		Permit(cardTrigGoIdle, cardStateIdle).
		Permit(cardTrigComplete, cardStateReady).
		Permit(cardTrigFault, cardStateError)
	sm.Configure(cardStateWriting).
		Permit(cardTrigGoIdle, cardStateIdle).
		Permit(cardTrigComplete, cardStateReady).
		Permit(cardTrigFault, cardStateError)
	sm.Configure(cardStateError).
		Permit(cardTrigGoIdle, cardStateIdle)
	return sm
}

// Mount attaches a backing image. Commands arriving with no image mounted
// behave as if the addressed sector were out of range.
func (c *SDCard) Mount(img *DiskImage) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.image = img
}

// Unmount detaches and closes the backing image.
func (c *SDCard) Unmount() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.image == nil {
		return nil
	}
	err := c.image.Close()
	c.image = nil
	return err
}

// CardSize reports the mounted image's length in bytes, 0 when no image
// is mounted.
func (c *SDCard) CardSize() int64 {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.image == nil {
		return 0
	}
	return c.image.Size()
}

// State exposes the card-state enum for tests and diagnostics.
func (c *SDCard) State() string {
	return c.state.MustState().(string)
}

// Name implements SPITarget.
func (c *SDCard) Name() string { return "sdcard" }

// IsSelected implements SPITarget.
func (c *SDCard) IsSelected() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.selected
}

// Select implements SPITarget.
func (c *SDCard) Select() {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.selected = true
}

// Deselect implements SPITarget. Transient transfer state is dropped so a
// reselection starts clean; the card-state enum survives.
func (c *SDCard) Deselect() {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.selected = false
	c.clearTransient()
}

func (c *SDCard) clearTransient() {
	c.appCmd = false
	c.shiftIn, c.shiftCount = 0, 0
	c.cmdLen, c.inCommand = 0, false
	c.respBits, c.respBitIdx, c.respActive = 0, 0, false
	c.respPending = -1
	c.respQueue = nil
	c.dataOut, c.dataOutPos = nil, 0
	c.awaitingToken, c.inDataTransfer = false, false
	c.dataInLen = 0
}

// Reset implements SPITarget: back to power-on, image still mounted.
func (c *SDCard) Reset() {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.selected = false
	c.clearTransient()
	c.state = newCardStateMachine()
}

// Transfer implements SPITarget: one rising SCK edge. The card shifts the
// MOSI bit in and presents one MISO bit, 1 while it has nothing to say.
func (c *SDCard) Transfer(mosi byte) byte {
	c.lock.Lock()
	defer c.lock.Unlock()

	miso := byte(1)
	if c.respActive {
		miso = (c.respBits >> (7 - c.respBitIdx)) & 1
		c.respBitIdx++
		if c.respBitIdx == 8 {
			if !c.loadNextOutput() {
				c.respActive = false
			}
		}
	}

	c.shiftIn = c.shiftIn<<1 | (mosi & 1)
	c.shiftCount++
	if c.shiftCount == 8 {
		b := c.shiftIn
		c.shiftIn, c.shiftCount = 0, 0
		c.processByte(b)
	}
	return miso
}

// OnSCKFalling implements SPITarget. A response staged during processByte
// becomes active here, never mid-command.
func (c *SDCard) OnSCKFalling() {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.respPending < 0 {
		return
	}
	c.respBits = byte(c.respPending)
	c.respBitIdx = 0
	c.respActive = true
	c.respPending = -1
}

// loadNextOutput moves the next queued response byte, or the next byte of
// an active read data phase, into the bit buffer. Returns false when the
// card has nothing further to emit.
func (c *SDCard) loadNextOutput() bool {
	if len(c.respQueue) > 0 {
		c.respBits = c.respQueue[0]
		c.respQueue = c.respQueue[1:]
		c.respBitIdx = 0
		return true
	}
	if c.dataOut != nil {
		if c.dataOutPos < len(c.dataOut) {
			c.respBits = c.dataOut[c.dataOutPos]
			c.dataOutPos++
			c.respBitIdx = 0
			return true
		}
		// Data phase fully emitted; the read is done.
		c.dataOut, c.dataOutPos = nil, 0
		c.mustFire(cardTrigComplete)
	}
	return false
}

// stage records the response byte to be installed on the next falling SCK
// edge.
func (c *SDCard) stage(response byte) {
	c.respPending = int(response)
}

// processByte handles one completed incoming byte.
func (c *SDCard) processByte(b byte) {
	if c.inDataTransfer {
		c.processDataByte(b)
		return
	}
	if c.awaitingToken {
		if b == sdTokenStartData {
			c.awaitingToken = false
			c.inDataTransfer = true
			c.dataInLen = 0
		}
		return
	}
	if !c.inCommand {
		// A command's first byte has the two top bits 01; everything else
		// between frames is dummy traffic.
		if b&0xC0 == 0x40 {
			c.inCommand = true
			c.cmdBuf[0] = b
			c.cmdLen = 1
		}
		return
	}
	c.cmdBuf[c.cmdLen] = b
	c.cmdLen++
	if c.cmdLen == len(c.cmdBuf) {
		c.inCommand = false
		c.processCommand()
	}
}

// processCommand runs a complete 6-byte frame.
func (c *SDCard) processCommand() {
	cmd := c.cmdBuf[0] & 0x3F
	arg := binary.BigEndian.Uint32(c.cmdBuf[1:5])
	wasAppCmd := c.appCmd
	c.appCmd = false

	switch cmd {
	case sdCmdGoIdleState:
		c.mustFire(cardTrigGoIdle)
		c.stage(sdR1Idle)
	case sdCmdSendIfCond:
		// R7: R1 plus four bytes echoing the voltage range and check
		// pattern.
		c.stage(sdR1Idle)
		c.respQueue = []byte{0x00, 0x00, 0x01, 0xAA}
	case sdCmdReadSingleBlock:
		if err := c.state.Fire(cardTrigRead); err != nil {
			c.log.WithField("state", c.State()).Warn("CMD17 in wrong state")
			c.stage(sdR1IllegalCmd)
			return
		}
		c.stage(sdR1Ready)
		c.prepareRead(arg)
	case sdCmdWriteBlock:
		if err := c.state.Fire(cardTrigWrite); err != nil {
			c.log.WithField("state", c.State()).Warn("CMD24 in wrong state")
			c.stage(sdR1IllegalCmd)
			return
		}
		c.stage(sdR1Ready)
		c.sector = arg
		c.awaitingToken = true
	case sdCmdAppCmd:
		c.appCmd = true
		if c.State() == cardStateIdle {
			c.stage(sdR1Idle)
		} else {
			c.stage(sdR1Ready)
		}
	case sdCmdSendOpCond:
		// Only meaningful as ACMD41; a bare CMD41 is illegal.
		if !wasAppCmd {
			c.log.Warn("CMD41 without preceding CMD55")
			c.stage(sdR1IllegalCmd)
			return
		}
		if err := c.state.Fire(cardTrigOpCond); err != nil {
			c.log.WithField("state", c.State()).Warn("ACMD41 in wrong state")
			c.stage(sdR1IllegalCmd)
			return
		}
		c.stage(sdR1Ready)
	default:
		c.log.WithField("cmd", cmd).Warn("unknown command")
		c.stage(sdR1IllegalCmd)
	}
}

// prepareRead builds the read data phase: start token, 512 sector bytes,
// CRC-16 high then low. It streams out once the R1 finishes.
func (c *SDCard) prepareRead(sector uint32) {
	off := int64(sector) * SectorSize
	if c.image == nil || off >= c.image.Size() {
		c.log.WithField("sector", sector).Error("read of out-of-range sector, no I/O performed")
		c.mustFire(cardTrigComplete)
		return
	}
	var buf [SectorSize]byte
	if err := c.image.ReadAt(buf[:], off); err != nil {
		c.log.WithError(err).Error("sector read failed")
		c.mustFire(cardTrigFault)
		return
	}
	crc := crc16(buf[:])
	out := make([]byte, 0, 1+SectorSize+2)
	out = append(out, sdTokenStartData)
	out = append(out, buf[:]...)
	out = append(out, byte(crc>>8), byte(crc))
	c.dataOut = out
	c.dataOutPos = 0
}

// processDataByte collects the write data phase: 512 data bytes then two
// CRC bytes (not validated). The sector commits on the final CRC byte.
func (c *SDCard) processDataByte(b byte) {
	c.dataIn[c.dataInLen] = b
	c.dataInLen++
	if c.dataInLen < len(c.dataIn) {
		return
	}
	c.inDataTransfer = false
	c.dataInLen = 0

	off := int64(c.sector) * SectorSize
	if c.image == nil || off >= c.image.Size() {
		c.log.WithField("sector", c.sector).Error("write of out-of-range sector, no I/O performed")
		c.mustFire(cardTrigComplete)
		return
	}
	if err := c.image.WriteAt(c.dataIn[:SectorSize], off); err != nil {
		c.log.WithError(err).Error("sector write failed")
		c.mustFire(cardTrigFault)
		return
	}
	c.mustFire(cardTrigComplete)
	c.stage(sdDataAccepted)
}

// mustFire fires a trigger the configuration guarantees is permitted.
func (c *SDCard) mustFire(trigger string) {
	if err := c.state.Fire(trigger); err != nil {
		c.log.WithError(err).WithField("trigger", trigger).Error("state machine rejected trigger")
	}
}
