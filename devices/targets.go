package devices

// SPITarget is a device hanging off the bit-banged SPI master. Transfer is
// called on each rising SCK edge with the MOSI bit (0 or 1) and returns the
// MISO bit the target presents for that clock. OnSCKFalling is an
// idempotent advance hook called on each falling edge.
type SPITarget interface {
	Select()
	Deselect()
	Transfer(mosi byte) byte
	OnSCKFalling()
	Reset()
	IsSelected() bool
	Name() string
}

// I2CTarget is a slave on the bit-banged I2C bus. Start/WriteByte return
// the slave's ACK (true = ACK). ReadByte returns the next byte the slave
// would place on the wire; masterWillAck tells the slave whether the
// master intends to continue the read.
type I2CTarget interface {
	Address() byte
	Start(isRead bool) bool
	Stop()
	WriteByte(value byte) bool
	ReadByte(masterWillAck bool) byte
	Reset()
	Name() string
}

// registerPointered is implemented by I2C targets that keep an
// auto-incrementing register pointer. The master calls it at the start of
// a write transaction so the first written byte lands in the pointer.
type registerPointered interface {
	ResetRegisterPointer()
}
