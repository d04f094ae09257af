package crorc

// Register offsets in BAR 0.  Only the registers the driver touches are
// listed; the full map belongs to the firmware documentation.
const (
	regControl     int64 = 0x00 // channel control
	regStatus      int64 = 0x04 // channel status
	regReset       int64 = 0x08 // reset command; write the block code to reset it
	regDdlCommand  int64 = 0x0c // DIU/SIU command interface
	regFreeFifoLo  int64 = 0x20 // free FIFO push: page bus address, low word
	regFreeFifoHi  int64 = 0x24 // free FIFO push: page bus address, high word
	regFreeFifoCtl int64 = 0x28 // free FIFO push: word count and slot; writing commits
	regReadyFifoLo int64 = 0x30 // ready FIFO base bus address, low word
	regReadyFifoHi int64 = 0x34 // ready FIFO base bus address, high word
	regGenConfig   int64 = 0x40 // generator pattern, seed, and initial word index
	regGenEventLen int64 = 0x44 // generator event length, words
	regGenControl  int64 = 0x48 // generator start/stop and event limit
	regGenInitVal  int64 = 0x4c // generator initial data word value
	regSerial      int64 = 0x70 // serial number
	regFirmwareID  int64 = 0x74 // firmware ID and version
)

// control register bits
const (
	ctlReceiverOn uint32 = 1 << 0 // data receiver enabled
	ctlLoopbackOn uint32 = 1 << 1 // internal loopback
	ctlContinuous uint32 = 1 << 2 // continuous readout mode
	ctlTriggerOn  uint32 = 1 << 3 // RDYRX sent, triggers accepted
)

// status register bits
const (
	staLinkUp        uint32 = 1 << 0 // DIU/SIU link established
	staFreeFifoEmpty uint32 = 1 << 1 // free FIFO drained
	staResetDone     uint32 = 1 << 2 // last reset command completed
)

// reset command codes, written to regReset
const (
	rstFreeFifo uint32 = 0x1 // firmware free FIFO
	rstRorc     uint32 = 0x2 // the card channel itself
	rstDiu      uint32 = 0x4 // Detector Interface Unit
	rstSiu      uint32 = 0x8 // Source Interface Unit
)

// DDL command codes, written to regDdlCommand.  Bit 16 selects the SIU as
// the target instead of the DIU.
const (
	cmdCIFST  uint32 = 0x01    // read and clear interface status
	cmdRdyRx  uint32 = 0x14    // ready to receive, starts the trigger path
	cmdEOBTR  uint32 = 0x15    // end of block transfer
	cmdSiuSel uint32 = 1 << 16 // target the SIU
)

// generator control bits
const (
	genStart uint32 = 1 << 0
	genStop  uint32 = 1 << 1
)
