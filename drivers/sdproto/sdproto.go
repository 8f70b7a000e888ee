// Package sdproto holds the SD/MMC command set shared by the SPI and
// native-mode links: command indexes, response kinds, OCR and R1 bits,
// CRC7/CRC16 and CSD/CID register codecs.
package sdproto

// BlockSize is the only transfer size used; CMD16 pins SDSC cards to it.
const BlockSize = 512

// Command indexes (basic commands).
const (
	CmdGoIdleState      uint8 = 0
	CmdSendOpCond       uint8 = 1 // MMC
	CmdAllSendCID       uint8 = 2
	CmdSendRelativeAddr uint8 = 3
	CmdSelectCard       uint8 = 7
	CmdSendIfCond       uint8 = 8
	CmdSendCSD          uint8 = 9
	CmdSendCID          uint8 = 10
	CmdStopTransmission uint8 = 12
	CmdSendStatus       uint8 = 13
	CmdSetBlockLen      uint8 = 16
	CmdReadSingleBlock  uint8 = 17
	CmdWriteBlock       uint8 = 24
	CmdAppCmd           uint8 = 55
	CmdReadOCR          uint8 = 58 // SPI only
	CmdCRCOnOff         uint8 = 59 // SPI only
)

// Application commands; always preceded by CmdAppCmd.
const (
	ACmdSetBusWidth  uint8 = 6
	ACmdSDSendOpCond uint8 = 41
)

// App marks an application command index in a Command value.
const App uint8 = 0x80

// IsApp reports whether a command index carries the App flag.
func IsApp(cmd uint8) bool { return cmd&App != 0 }

// Index strips the App flag.
func Index(cmd uint8) uint8 { return cmd &^ App }

// CMD8 argument: 2.7-3.6 V range and check pattern.
const (
	IfCondVHS     uint32 = 0x100
	IfCondPattern uint32 = 0xAA
	IfCondArg            = IfCondVHS | IfCondPattern
)

// OCR bits.
const (
	OCRBusy       uint32 = 1 << 31 // set when power-up is done (native R3)
	OCRCCS        uint32 = 1 << 30 // card capacity status: block addressed
	OCRVoltage    uint32 = 0x00FF8000
	OCRSectorMode uint32 = 2 << 29 // MMC sector access mode
)

// ACMD41 argument bit asking for high-capacity support.
const HCS uint32 = 1 << 30

// R1 status bits (SPI form).
const (
	R1Idle         byte = 1 << 0
	R1EraseReset   byte = 1 << 1
	R1IllegalCmd   byte = 1 << 2
	R1CRCError     byte = 1 << 3
	R1EraseSeq     byte = 1 << 4
	R1AddressError byte = 1 << 5
	R1ParamError   byte = 1 << 6
	R1Invalid      byte = 1 << 7 // never set in a valid response
)

// Native card status bits that matter here.
const (
	StatusAppCmd     uint32 = 1 << 5
	StatusIllegalCmd uint32 = 1 << 22
	StatusErrors     uint32 = 0xFDF80008 // out-of-range .. generic error, AKE_SEQ
	StatusStateShift        = 9
	StatusStateMask  uint32 = 0xF << StatusStateShift
)

// Card states reported in native status.
const (
	StateIdle  uint32 = 0
	StateReady uint32 = 1
	StateIdent uint32 = 2
	StateStby  uint32 = 3
	StateTran  uint32 = 4
)

// SPI data tokens.
const (
	TokenStartBlock byte = 0xFE
	DataAccepted    byte = 0x05
	DataRespMask    byte = 0x1F
)

// RespKind is the response format a command expects.
type RespKind uint8

const (
	RespNone RespKind = iota
	RespR1
	RespR1b
	RespR2 // 136-bit CID/CSD
	RespR3 // OCR
	RespR6 // published RCA
	RespR7 // interface condition
)

// ResponseKind returns the native-mode response format for cmd.
func ResponseKind(cmd uint8) RespKind {
	if IsApp(cmd) {
		switch Index(cmd) {
		case ACmdSDSendOpCond:
			return RespR3
		default:
			return RespR1
		}
	}
	switch cmd {
	case CmdGoIdleState:
		return RespNone
	case CmdSendOpCond, CmdReadOCR:
		return RespR3
	case CmdAllSendCID, CmdSendCSD, CmdSendCID:
		return RespR2
	case CmdSendRelativeAddr:
		return RespR6
	case CmdSendIfCond:
		return RespR7
	case CmdSelectCard, CmdStopTransmission:
		return RespR1b
	default:
		return RespR1
	}
}

// Response is the decoded response of one command.
// Status holds the R1 byte in SPI mode and card status in native mode.
// Arg holds the 32-bit payload of R3/R6/R7. Reg holds R2 registers.
type Response struct {
	Status uint32
	Arg    uint32
	Reg    [16]byte
}

// IllegalCommand reports whether the card rejected the command.
func (r Response) IllegalCommand(spi bool) bool {
	if spi {
		return byte(r.Status)&R1IllegalCmd != 0
	}
	return r.Status&StatusIllegalCmd != 0
}
