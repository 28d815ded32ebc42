package devices

// SPI-mode SD command indexes (the frame's first byte is 0x40|index).
const (
	sdCmdGoIdleState     byte = 0  // CMD0
	sdCmdSendIfCond      byte = 8  // CMD8
	sdCmdReadSingleBlock byte = 17 // CMD17
	sdCmdWriteBlock      byte = 24 // CMD24
	sdCmdSendOpCond      byte = 41 // ACMD41, valid only after CMD55
	sdCmdAppCmd          byte = 55 // CMD55
)

// R1 response bytes and tokens.
const (
	sdR1Ready        byte = 0x00
	sdR1Idle         byte = 0x01
	sdR1IllegalCmd   byte = 0x04
	sdTokenStartData byte = 0xFE // single-block read/write data token
	sdDataAccepted   byte = 0x05
)

// Card states, driven by the command stream.
const (
	cardStateIdle    = "IDLE"
	cardStateReady   = "READY"
	cardStateReading = "READING"
	cardStateWriting = "WRITING"
	cardStateError   = "ERROR"
)

// Card state-machine triggers.
const (
	cardTrigGoIdle   = "GO_IDLE"
	cardTrigOpCond   = "OP_COND"
	cardTrigRead     = "READ_BLOCK"
	cardTrigWrite    = "WRITE_BLOCK"
	cardTrigComplete = "TRANSFER_DONE"
	cardTrigFault    = "IO_FAULT"
)
