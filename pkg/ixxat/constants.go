package ixxat

import "time"

const (
	VendorID = 0x08D8

	USB2CANCompactProductID        = 0x0008
	USB2CANEmbeddedProductID       = 0x0009
	USB2CANProfessionalProductID   = 0x000A
	USB2CANAutomotiveProductID     = 0x000B
	USB2CANFDCompactProductID      = 0x0014
	USB2CANFDProfessionalProductID = 0x0016
	USB2CANFDAutomotiveProductID   = 0x0017
	USB2CANFDPCIeMiniProductID     = 0x001B
	USB2CARProductID               = 0x001C
	CANIDM101ProductID             = 0xFF12
	CANIDM200ProductID             = 0xFF13
)

// Device and pool limits
const (
	MaxChannels = 5
	MaxBusTypes = 32
	MaxRXURBs   = 4
	MaxTXURBs   = 10
	MaxComReq   = 10
)

const (
	msgTimeout       = 50 * time.Millisecond
	msgCycle         = 20 * time.Millisecond
	powerWakeupDelay = 500 * time.Millisecond
)

// Control transfer layout
const (
	ctrlRequest   = 0xFF
	broadcastPort = 0xFFFF
	broadcastSock = 0xFFFF
	noResponse    = 0xFFFFFFFF
)

// Command opcodes
const (
	cmdCANInitCL1  = 0x325
	cmdCANStart    = 0x326
	cmdCANStop     = 0x327
	cmdCANReset    = 0x328
	cmdCANInitCL2  = 0x337
	cmdBrdDevCaps  = 0x401
	cmdBrdDevInfo  = 0x402
	cmdBrdSetPower = 0x421
)

const (
	stopActionClearAll = 3
	powerWakeup        = 0
	busTypeCAN         = 1
)

// Operating modes of the init commands
const (
	opModeStandard = 1 << 0
	opModeExtended = 1 << 1
	opModeErrFrame = 1 << 2
	opModeListOnly = 1 << 3

	exModeExtData  = 1 << 0
	exModeFastData = 1 << 1
	exModeISOFD    = 1 << 2

	btModeNative = 1 << 0
	btModeTSM    = 1 << 1

	btModeTSMCL1 = 0x80
)

// Message types
const (
	MsgData    = 0x00
	MsgInfo    = 0x01
	MsgError   = 0x02
	MsgStatus  = 0x03
	MsgWakeup  = 0x04
	MsgTimeOvr = 0x05
	MsgTimeRst = 0x06
)

// Message flags
const (
	flagType = 0x000000FF
	flagEDL  = 0x00000400
	flagFDR  = 0x00000800
	flagESI  = 0x00001000
	flagDLC  = 0x000F0000
	flagOVR  = 0x00100000
	flagRTR  = 0x00400000
	flagEXT  = 0x00800000
)

// Controller status word
const (
	statusOK      = 0x00000000
	statusOverrun = 1 << 1
	statusErrLim  = 1 << 2
	statusBusOff  = 1 << 3
	statusErrPas  = 1 << 13
)

// Error record layout and codes
const (
	errorLen       = 5
	errorCode      = 0
	errorCounterRX = 3
	errorCounterTX = 4

	errorStuff = 1
	errorForm  = 2
	errorAck   = 3
	errorBit   = 4
	errorCRC   = 6
)

func encodeDLC(dlc uint8) uint32 {
	return (uint32(dlc) << 16) & flagDLC
}

func decodeDLC(flags uint32) uint8 {
	return uint8((flags & flagDLC) >> 16)
}
