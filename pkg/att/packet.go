package att

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

var ErrIncorrectOpcode = errors.New("incorrect opcode")

type Packet interface {
	Marshal() ([]byte, error)
	Unmarshal([]byte) error
}

// ErrorCode is defined in Vol 3, Part F, Section 3.4.1.1.
type ErrorCode uint8

const (
	ErrorCodeInvalidHandle             ErrorCode = 0x01
	ErrorCodeReadNotPermitted          ErrorCode = 0x02
	ErrorCodeWriteNotPermitted         ErrorCode = 0x03
	ErrorCodeInvalidPDU                ErrorCode = 0x04
	ErrorCodeInsufficientAuth          ErrorCode = 0x05
	ErrorCodeRequestNotSupported       ErrorCode = 0x06
	ErrorCodeInvalidOffset             ErrorCode = 0x07
	ErrorCodeInsufficientAuthorization ErrorCode = 0x08
	ErrorCodeAttributeNotFound         ErrorCode = 0x0A
	ErrorCodeAttributeNotLong          ErrorCode = 0x0B
	ErrorCodeInsufficientKeySize       ErrorCode = 0x0C
	ErrorCodeInsufficientEncryption    ErrorCode = 0x0F
	ErrorCodeUnsupportedGroupType      ErrorCode = 0x10
	ErrorCodeInsufficientResources     ErrorCode = 0x11
	ErrorCodeValueNotAllowed           ErrorCode = 0x13
)

type ErrorResponsePacket struct {
	RequestOpcode Opcode
	Handle        uint16
	ErrorCode     ErrorCode
}

func (p *ErrorResponsePacket) Marshal() ([]byte, error) {
	buf := make([]byte, 5)
	buf[0] = byte(OpcodeErrorResponse)
	buf[1] = byte(p.RequestOpcode)
	binary.LittleEndian.PutUint16(buf[2:], p.Handle)
	buf[4] = byte(p.ErrorCode)
	return buf, nil
}

func (p *ErrorResponsePacket) Unmarshal(buf []byte) error {
	if len(buf) != 5 {
		return io.ErrShortBuffer
	}
	if Opcode(buf[0]) != OpcodeErrorResponse {
		return ErrIncorrectOpcode
	}
	p.RequestOpcode = Opcode(buf[1])
	p.Handle = binary.LittleEndian.Uint16(buf[2:])
	p.ErrorCode = ErrorCode(buf[4])
	return nil
}

// ExchangeMTUPacket is both the request and the response; they differ only
// in opcode.
type ExchangeMTUPacket struct {
	Opcode
	MTU uint16
}

func (p *ExchangeMTUPacket) Marshal() ([]byte, error) {
	buf := make([]byte, 3)
	buf[0] = byte(p.Opcode)
	binary.LittleEndian.PutUint16(buf[1:], p.MTU)
	return buf, nil
}

func (p *ExchangeMTUPacket) Unmarshal(buf []byte) error {
	if len(buf) != 3 {
		return io.ErrShortBuffer
	}
	switch Opcode(buf[0]) {
	case OpcodeExchangeMTURequest, OpcodeExchangeMTUResponse:
	default:
		return ErrIncorrectOpcode
	}
	p.Opcode = Opcode(buf[0])
	p.MTU = binary.LittleEndian.Uint16(buf[1:])
	return nil
}

// FirstHandle returns the starting handle of requests that carry a handle
// range or a single handle, and 0x0000 otherwise.
func FirstHandle(buf []byte) uint16 {
	if len(buf) < 3 {
		return 0
	}
	switch Opcode(buf[0]) {
	case OpcodeFindInformationRequest, OpcodeFindByTypeValueRequest,
		OpcodeReadByTypeRequest, OpcodeReadRequest, OpcodeReadBlobRequest,
		OpcodeReadByGroupTypeRequest, OpcodeWriteRequest, OpcodePrepareWriteRequest:
		return binary.LittleEndian.Uint16(buf[1:])
	}
	return 0
}
