package ixxat

import (
	"fmt"
	"strings"
)

// CtrlMode is a set of controller mode flags.
type CtrlMode uint32

const (
	CtrlModeTripleSampling CtrlMode = 1 << iota
	CtrlModeListenOnly
	CtrlModeBerrReporting
	CtrlModeFD
	CtrlModeFDNonISO
)

func (m CtrlMode) String() string {
	var out []string
	if m&CtrlModeTripleSampling != 0 {
		out = append(out, "triple-sampling")
	}
	if m&CtrlModeListenOnly != 0 {
		out = append(out, "listen-only")
	}
	if m&CtrlModeBerrReporting != 0 {
		out = append(out, "berr-reporting")
	}
	if m&CtrlModeFD != 0 {
		out = append(out, "fd")
	}
	if m&CtrlModeFDNonISO != 0 {
		out = append(out, "fd-non-iso")
	}
	if len(out) == 0 {
		return "none"
	}
	return strings.Join(out, ",")
}

// IsFD reports whether either FD flavour is requested.
func (m CtrlMode) IsFD() bool {
	return m&(CtrlModeFD|CtrlModeFDNonISO) != 0
}

// BitTimingConst holds the bit timing limits of a controller.
type BitTimingConst struct {
	TSeg1Min, TSeg1Max uint32
	TSeg2Min, TSeg2Max uint32
	SJWMax             uint32
	BRPMin, BRPMax     uint32
	BRPInc             uint32
}

// Family selects the message layout and init command of a profile.
type Family int

const (
	FamilyCL1 Family = iota
	FamilyCL2
	FamilyIDM
)

func (f Family) String() string {
	switch f {
	case FamilyCL1:
		return "CL1"
	case FamilyCL2:
		return "CL2"
	case FamilyIDM:
		return "IDM"
	default:
		return "unknown"
	}
}

// Profile is the immutable description of one product family.
type Profile struct {
	Name          string
	Family        Family
	Clock         uint32
	BitTiming     BitTimingConst
	DataBitTiming *BitTimingConst
	Modes         CtrlMode
	RXBufferSize  int
	TXBufferSize  int
	EPMsgIn       [MaxChannels]uint8
	EPMsgOut      [MaxChannels]uint8
	EPOffset      int
}

// Stride is the number of family specific bytes between the message header and the payload.
func (p *Profile) Stride() int {
	if p.Family == FamilyCL1 {
		return 0
	}
	return 4
}

// MaxDataLen is the largest payload a frame may carry on this profile.
func (p *Profile) MaxDataLen() int {
	if p.Modes.IsFD() {
		return CANFDMaxDataLen
	}
	return CANMaxDataLen
}

// Endpoints returns the bulk endpoint pair used by a controller index.
func (p *Profile) Endpoints(index int) (in, out uint8, err error) {
	i := index + p.EPOffset
	if index < 0 || i >= MaxChannels {
		return 0, 0, fmt.Errorf("%w: controller %d out of range", ErrEndpointMismatch, index)
	}
	return p.EPMsgIn[i], p.EPMsgOut[i], nil
}

// knownEndpoint reports whether addr is one of the bulk endpoints of the profile.
func (p *Profile) knownEndpoint(addr uint8) bool {
	for i := 0; i < MaxChannels; i++ {
		if addr == p.EPMsgIn[i] || addr == p.EPMsgOut[i] {
			return true
		}
	}
	return false
}

const (
	epIn  = 0x80
	epOut = 0x00
)

var (
	ProfileCL1 = &Profile{
		Name:   "USB-to-CAN",
		Family: FamilyCL1,
		Clock:  8000000,
		BitTiming: BitTimingConst{
			TSeg1Min: 1, TSeg1Max: 16,
			TSeg2Min: 1, TSeg2Max: 8,
			SJWMax: 4,
			BRPMin: 1, BRPMax: 64, BRPInc: 1,
		},
		Modes:        CtrlModeTripleSampling | CtrlModeListenOnly | CtrlModeBerrReporting,
		RXBufferSize: 512,
		TXBufferSize: 256,
		EPMsgIn:      [MaxChannels]uint8{1 | epIn, 2 | epIn, 3 | epIn, 4 | epIn, 5 | epIn},
		EPMsgOut:     [MaxChannels]uint8{1 | epOut, 2 | epOut, 3 | epOut, 4 | epOut, 5 | epOut},
		EPOffset:     0,
	}

	ProfileCL2 = &Profile{
		Name:   "USB-to-CAN FD",
		Family: FamilyCL2,
		Clock:  80000000,
		BitTiming: BitTimingConst{
			TSeg1Min: 1, TSeg1Max: 256,
			TSeg2Min: 1, TSeg2Max: 256,
			SJWMax: 128,
			BRPMin: 2, BRPMax: 513, BRPInc: 1,
		},
		DataBitTiming: &BitTimingConst{
			TSeg1Min: 1, TSeg1Max: 256,
			TSeg2Min: 1, TSeg2Max: 256,
			SJWMax: 128,
			BRPMin: 2, BRPMax: 513, BRPInc: 1,
		},
		Modes:        CtrlModeTripleSampling | CtrlModeListenOnly | CtrlModeBerrReporting | CtrlModeFD | CtrlModeFDNonISO,
		RXBufferSize: 512,
		TXBufferSize: 512,
		EPMsgIn:      [MaxChannels]uint8{1 | epIn, 2 | epIn, 3 | epIn, 4 | epIn, 5 | epIn},
		EPMsgOut:     [MaxChannels]uint8{1 | epOut, 2 | epOut, 3 | epOut, 4 | epOut, 5 | epOut},
		EPOffset:     1,
	}

	ProfileIDM = &Profile{
		Name:   "CAN-IDM",
		Family: FamilyIDM,
		Clock:  80000000,
		BitTiming: BitTimingConst{
			TSeg1Min: 1, TSeg1Max: 256,
			TSeg2Min: 1, TSeg2Max: 128,
			SJWMax: 128,
			BRPMin: 1, BRPMax: 512, BRPInc: 1,
		},
		DataBitTiming: &BitTimingConst{
			TSeg1Min: 1, TSeg1Max: 32,
			TSeg2Min: 1, TSeg2Max: 16,
			SJWMax: 8,
			BRPMin: 1, BRPMax: 32, BRPInc: 1,
		},
		Modes:        CtrlModeTripleSampling | CtrlModeListenOnly | CtrlModeBerrReporting | CtrlModeFD | CtrlModeFDNonISO,
		RXBufferSize: 512,
		TXBufferSize: 512,
		EPMsgIn:      [MaxChannels]uint8{2 | epIn, 4 | epIn, 6 | epIn, 8 | epIn, 10 | epIn},
		EPMsgOut:     [MaxChannels]uint8{1 | epOut, 3 | epOut, 5 | epOut, 7 | epOut, 9 | epOut},
		EPOffset:     0,
	}
)

// Product describes one supported USB product id.
type Product struct {
	ID      uint16
	Name    string
	Profile *Profile
}

var products = []Product{
	{USB2CANCompactProductID, "USB-to-CAN compact", ProfileCL1},
	{USB2CANEmbeddedProductID, "USB-to-CAN embedded", ProfileCL1},
	{USB2CANProfessionalProductID, "USB-to-CAN professional", ProfileCL1},
	{USB2CANAutomotiveProductID, "USB-to-CAN automotive", ProfileCL1},
	{USB2CANFDCompactProductID, "USB-to-CAN FD compact", ProfileCL2},
	{USB2CANFDProfessionalProductID, "USB-to-CAN FD professional", ProfileCL2},
	{USB2CANFDAutomotiveProductID, "USB-to-CAN FD automotive", ProfileCL2},
	{USB2CANFDPCIeMiniProductID, "USB-to-CAN FD PCIe mini", ProfileCL2},
	{USB2CARProductID, "USB-to-CAR", ProfileCL2},
	{CANIDM101ProductID, "CAN-IDM101", ProfileIDM},
	{CANIDM200ProductID, "CAN-IDM200", ProfileIDM},
}

// Products lists every supported product.
func Products() []Product {
	out := make([]Product, len(products))
	copy(out, products)
	return out
}

// LookupProduct returns the product entry for a USB product id.
func LookupProduct(productID uint16) (Product, error) {
	for _, p := range products {
		if p.ID == productID {
			return p, nil
		}
	}
	return Product{}, fmt.Errorf("%w: 0x%04X", ErrUnknownProduct, productID)
}

// LookupProfile maps a USB product id to its adapter profile.
func LookupProfile(productID uint16) (*Profile, error) {
	p, err := LookupProduct(productID)
	if err != nil {
		return nil, err
	}
	return p.Profile, nil
}
