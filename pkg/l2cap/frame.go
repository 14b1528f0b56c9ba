package l2cap

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/pkg/errors"
)

// BasicHeaderSize is the length and channel ID prefix shared by every L2CAP frame.
const BasicHeaderSize = 4

var (
	ErrPayloadTooLarge    = errors.New("payload too large")
	ErrIncorrectChannelID = errors.New("incorrect channel id")
)

// BasicHeader is defined in Vol 3, Part A, Section 3.1 of the Bluetooth Core Specification.
type BasicHeader struct {
	Length uint16 // bytes following the header
	ChannelID
}

func parseBasicHeader(buf []byte) BasicHeader {
	return BasicHeader{
		Length:    binary.LittleEndian.Uint16(buf[0:]),
		ChannelID: ChannelID(binary.LittleEndian.Uint16(buf[2:])),
	}
}

func (h BasicHeader) put(buf []byte) {
	binary.LittleEndian.PutUint16(buf[0:], h.Length)
	binary.LittleEndian.PutUint16(buf[2:], uint16(h.ChannelID))
}

type Frame interface {
	Marshal() ([]byte, error)
	Unmarshal([]byte) error
}

// BFrame is defined in Vol 3, Part A, Section 3.1 of the Bluetooth Core Specification.
type BFrame struct {
	ChannelID
	Payload []byte
}

func (f *BFrame) Marshal() ([]byte, error) {
	if len(f.Payload) > math.MaxUint16 {
		return nil, ErrPayloadTooLarge
	}
	buf := make([]byte, BasicHeaderSize+len(f.Payload))
	BasicHeader{Length: uint16(len(f.Payload)), ChannelID: f.ChannelID}.put(buf)
	copy(buf[BasicHeaderSize:], f.Payload)
	return buf, nil
}

func (f *BFrame) Unmarshal(buf []byte) error {
	if len(buf) < BasicHeaderSize {
		return io.ErrShortBuffer
	}
	h := parseBasicHeader(buf)
	if int(h.Length) != len(buf)-BasicHeaderSize {
		return io.ErrShortBuffer
	}
	f.ChannelID = h.ChannelID
	f.Payload = buf[BasicHeaderSize:]
	return nil
}

// GFrame is defined in Vol 3, Part A, Section 3.2 of the Bluetooth Core Specification.
type GFrame struct {
	PSM     PSM
	Payload []byte
}

func (f *GFrame) Marshal() ([]byte, error) {
	if len(f.Payload) > math.MaxUint16-2 {
		return nil, ErrPayloadTooLarge
	}
	buf := make([]byte, BasicHeaderSize+2+len(f.Payload))
	BasicHeader{Length: uint16(len(f.Payload) + 2), ChannelID: ChannelIDConnectionless}.put(buf)
	binary.LittleEndian.PutUint16(buf[4:], uint16(f.PSM))
	copy(buf[6:], f.Payload)
	return buf, nil
}

func (f *GFrame) Unmarshal(buf []byte) error {
	if len(buf) < BasicHeaderSize+2 {
		return io.ErrShortBuffer
	}
	h := parseBasicHeader(buf)
	if int(h.Length) != len(buf)-BasicHeaderSize {
		return io.ErrShortBuffer
	}
	if h.ChannelID != ChannelIDConnectionless {
		return errors.Wrapf(ErrIncorrectChannelID, "%v", h.ChannelID)
	}
	f.PSM = PSM(binary.LittleEndian.Uint16(buf[4:]))
	f.Payload = buf[6:]
	return nil
}

// EnhancedControlFieldSize is the size of the control field that follows the
// basic header in Enhanced Retransmission Mode frames.
const EnhancedControlFieldSize = 2

// MaxSeqNum is the largest TxSeq/ReqSeq value; sequence numbers are 6 bits.
const MaxSeqNum uint8 = 63

// SegmentationStatus is the SAR field of an I-frame.
type SegmentationStatus uint8

const (
	SegmentationStatusUnsegmented  SegmentationStatus = 0b00
	SegmentationStatusStart        SegmentationStatus = 0b01
	SegmentationStatusEnd          SegmentationStatus = 0b10
	SegmentationStatusContinuation SegmentationStatus = 0b11
)

// EnhancedControlField is defined in Vol 3, Part A, Section 3.3.2.
//
//	I-frame: bit 0 = 0, TxSeq bits 1-6, F bit 7, ReqSeq bits 8-13, SAR bits 14-15
//	S-frame: bit 0 = 1, S bits 2-3, P bit 4, F bit 7, ReqSeq bits 8-13
type EnhancedControlField uint16

func NewInformationFrameControlField(txSeq uint8, sar SegmentationStatus) EnhancedControlField {
	return EnhancedControlField(uint16(txSeq&MaxSeqNum)<<1 | uint16(sar)<<14)
}

func (f EnhancedControlField) IsInformationFrame() bool { return f&0x0001 == 0 }
func (f EnhancedControlField) IsSupervisoryFrame() bool { return f&0x0001 == 1 }
func (f EnhancedControlField) TxSeq() uint8             { return uint8(f>>1) & MaxSeqNum }
func (f EnhancedControlField) ReqSeq() uint8            { return uint8(f>>8) & MaxSeqNum }
func (f EnhancedControlField) SAR() SegmentationStatus  { return SegmentationStatus(f >> 14) }

func (f EnhancedControlField) put(buf []byte) {
	binary.LittleEndian.PutUint16(buf, uint16(f))
}

func parseEnhancedControlField(buf []byte) EnhancedControlField {
	return EnhancedControlField(binary.LittleEndian.Uint16(buf))
}
