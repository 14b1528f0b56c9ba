package l2cap

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/pkg/errors"
)

var (
	ErrInvalidOpcode = errors.New("invalid opcode")
	ErrInvalidLength = errors.New("invalid length")
)

// Every signaling command starts with code, identifier and data length.
// Vol 3, Part A, Section 4.
const commandHeaderSize = 4

type commandHeader struct {
	Code       CommandCode
	Identifier uint8
	Length     uint16
}

func parseCommandHeader(buf []byte) (commandHeader, error) {
	if len(buf) < commandHeaderSize {
		return commandHeader{}, io.ErrShortBuffer
	}
	return commandHeader{
		Code:       CommandCode(buf[0]),
		Identifier: buf[1],
		Length:     binary.LittleEndian.Uint16(buf[2:]),
	}, nil
}

func marshalCommand(code CommandCode, id uint8, data []byte) ([]byte, error) {
	if len(data) > math.MaxUint16 {
		return nil, ErrPayloadTooLarge
	}
	b := make([]byte, commandHeaderSize+len(data))
	b[0] = byte(code)
	b[1] = id
	binary.LittleEndian.PutUint16(b[2:], uint16(len(data)))
	copy(b[commandHeaderSize:], data)
	return b, nil
}

// commandData validates the header of buf against code and returns the
// identifier and data. Data shorter than min is rejected; if exact is set the
// data must be exactly min bytes.
func commandData(buf []byte, code CommandCode, min int, exact bool) (uint8, []byte, error) {
	h, err := parseCommandHeader(buf)
	if err != nil {
		return 0, nil, err
	}
	if h.Code != code {
		return 0, nil, ErrInvalidOpcode
	}
	data := buf[commandHeaderSize:]
	if int(h.Length) != len(data) {
		return 0, nil, ErrInvalidLength
	}
	if len(data) < min || (exact && len(data) != min) {
		return 0, nil, ErrInvalidLength
	}
	return h.Identifier, data, nil
}

type SignallingPacket interface {
	Marshal() ([]byte, error)
	Unmarshal([]byte) error
}

// UnmarshalSignallingPacket decodes a single command.
func UnmarshalSignallingPacket(buf []byte) (SignallingPacket, error) {
	h, err := parseCommandHeader(buf)
	if err != nil {
		return nil, err
	}
	var p SignallingPacket
	switch h.Code {
	case CommandCodeCommandRejectResponse:
		p = &CommandRejectResponsePacket{}
	case CommandCodeConnectionRequest:
		p = &ConnectionRequestPacket{}
	case CommandCodeConnectionResponse:
		p = &ConnectionResponsePacket{}
	case CommandCodeConfigurationRequest:
		p = &ConfigurationRequestPacket{}
	case CommandCodeConfigurationResponse:
		p = &ConfigurationResponsePacket{}
	case CommandCodeDisconnectionRequest:
		p = &DisconnectionRequestPacket{}
	case CommandCodeDisconnectionResponse:
		p = &DisconnectionResponsePacket{}
	case CommandCodeEchoRequest:
		p = &EchoRequestPacket{}
	case CommandCodeEchoResponse:
		p = &EchoResponsePacket{}
	case CommandCodeInformationRequest:
		p = &InformationRequestPacket{}
	case CommandCodeInformationResponse:
		p = &InformationResponsePacket{}
	case CommandCodeConnectionParameterUpdateRequest:
		p = &ConnectionParameterUpdateRequestPacket{}
	case CommandCodeConnectionParameterUpdateResponse:
		p = &ConnectionParameterUpdateResponsePacket{}
	default:
		return nil, errors.Wrapf(ErrInvalidOpcode, "%#.2x", uint8(h.Code))
	}
	return p, p.Unmarshal(buf)
}

type CommandRejectReason uint16

const (
	CommandRejectReasonCommandNotUnderstood CommandRejectReason = 0x0000
	CommandRejectReasonSignalingMTUExceeded CommandRejectReason = 0x0001
	CommandRejectReasonInvalidCIDInRequest  CommandRejectReason = 0x0002
)

type CommandRejectResponsePacket struct {
	CommandRejectReason
	Identifier uint8
	ReasonData []byte
}

func (p *CommandRejectResponsePacket) Marshal() ([]byte, error) {
	b := make([]byte, 2+len(p.ReasonData))
	binary.LittleEndian.PutUint16(b, uint16(p.CommandRejectReason))
	copy(b[2:], p.ReasonData)
	return marshalCommand(CommandCodeCommandRejectResponse, p.Identifier, b)
}

func (p *CommandRejectResponsePacket) Unmarshal(buf []byte) error {
	id, data, err := commandData(buf, CommandCodeCommandRejectResponse, 2, false)
	if err != nil {
		return err
	}
	p.Identifier = id
	p.CommandRejectReason = CommandRejectReason(binary.LittleEndian.Uint16(data))
	p.ReasonData = data[2:]
	return nil
}

type ConnectionRequestPacket struct {
	Identifier uint8
	PSM        PSM
	SourceCID  ChannelID
}

func (p *ConnectionRequestPacket) Marshal() ([]byte, error) {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint16(b[0:], uint16(p.PSM))
	binary.LittleEndian.PutUint16(b[2:], uint16(p.SourceCID))
	return marshalCommand(CommandCodeConnectionRequest, p.Identifier, b)
}

func (p *ConnectionRequestPacket) Unmarshal(buf []byte) error {
	id, data, err := commandData(buf, CommandCodeConnectionRequest, 4, true)
	if err != nil {
		return err
	}
	p.Identifier = id
	p.PSM = PSM(binary.LittleEndian.Uint16(data[0:]))
	p.SourceCID = ChannelID(binary.LittleEndian.Uint16(data[2:]))
	return nil
}

type ConnectionResponseResult uint16

const (
	ConnectionResponseResultSuccessfulConnection             ConnectionResponseResult = 0x0000
	ConnectionResponseResultPending                          ConnectionResponseResult = 0x0001
	ConnectionResponseResultRefusedPSMNotSupported           ConnectionResponseResult = 0x0002
	ConnectionResponseResultRefusedSecurityBlock             ConnectionResponseResult = 0x0003
	ConnectionResponseResultRefusedNoResourcesAvailable      ConnectionResponseResult = 0x0004
	ConnectionResponseResultRefusedInvalidSourceCID          ConnectionResponseResult = 0x0006
	ConnectionResponseResultRefusedSourceCIDAlreadyAllocated ConnectionResponseResult = 0x0007
)

type ConnectionResponseStatus uint16

const (
	ConnectionResponseStatusNoFurtherInformationAvailable ConnectionResponseStatus = 0x0000
	ConnectionResponseStatusAuthenticationPending         ConnectionResponseStatus = 0x0001
	ConnectionResponseStatusAuthorizationPending          ConnectionResponseStatus = 0x0002
)

type ConnectionResponsePacket struct {
	Identifier     uint8
	DestinationCID ChannelID
	SourceCID      ChannelID
	Result         ConnectionResponseResult
	Status         ConnectionResponseStatus
}

func (p *ConnectionResponsePacket) Marshal() ([]byte, error) {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint16(b[0:], uint16(p.DestinationCID))
	binary.LittleEndian.PutUint16(b[2:], uint16(p.SourceCID))
	binary.LittleEndian.PutUint16(b[4:], uint16(p.Result))
	binary.LittleEndian.PutUint16(b[6:], uint16(p.Status))
	return marshalCommand(CommandCodeConnectionResponse, p.Identifier, b)
}

func (p *ConnectionResponsePacket) Unmarshal(buf []byte) error {
	id, data, err := commandData(buf, CommandCodeConnectionResponse, 8, true)
	if err != nil {
		return err
	}
	p.Identifier = id
	p.DestinationCID = ChannelID(binary.LittleEndian.Uint16(data[0:]))
	p.SourceCID = ChannelID(binary.LittleEndian.Uint16(data[2:]))
	p.Result = ConnectionResponseResult(binary.LittleEndian.Uint16(data[4:]))
	p.Status = ConnectionResponseStatus(binary.LittleEndian.Uint16(data[6:]))
	return nil
}

// ChannelMode is carried in the Retransmission and Flow Control option.
type ChannelMode uint8

const (
	ChannelModeBasic                  ChannelMode = 0x00
	ChannelModeRetransmission         ChannelMode = 0x01
	ChannelModeFlowControl            ChannelMode = 0x02
	ChannelModeEnhancedRetransmission ChannelMode = 0x03
	ChannelModeStreaming              ChannelMode = 0x04
)

func (m ChannelMode) String() string {
	switch m {
	case ChannelModeBasic:
		return "basic"
	case ChannelModeRetransmission:
		return "retransmission"
	case ChannelModeFlowControl:
		return "flow-control"
	case ChannelModeEnhancedRetransmission:
		return "enhanced-retransmission"
	case ChannelModeStreaming:
		return "streaming"
	}
	return fmt.Sprintf("ChannelMode(%d)", uint8(m))
}

// Configuration option types, Vol 3, Part A, Section 5.
const (
	optionTypeMTU                          uint8 = 0x01
	optionTypeFlushTimeout                 uint8 = 0x02
	optionTypeQualityOfService             uint8 = 0x03
	optionTypeRetransmissionAndFlowControl uint8 = 0x04
	optionTypeFrameCheckSequence           uint8 = 0x05
	optionTypeExtendedFlowSpecification    uint8 = 0x06
	optionTypeExtendedWindowSize           uint8 = 0x07

	optionHintBit uint8 = 0x80
)

type RetransmissionAndFlowControlOption struct {
	Mode                  ChannelMode
	TxWindowSize          uint8
	MaxTransmit           uint8
	RetransmissionTimeout uint16
	MonitorTimeout        uint16
	MaxPDUPayloadSize     uint16
}

type UnknownOption struct {
	Type    uint8
	Payload []byte
}

// ConfigurationOptions holds the options of a configuration request or
// response. Nil fields were absent.
type ConfigurationOptions struct {
	MTU                          *uint16
	FlushTimeout                 *uint16
	RetransmissionAndFlowControl *RetransmissionAndFlowControlOption
	// Unknown holds non-hint options this implementation does not understand.
	Unknown []UnknownOption
}

func (o *ConfigurationOptions) marshal() []byte {
	var b []byte
	if o.MTU != nil {
		b = append(b, optionTypeMTU, 2, 0, 0)
		binary.LittleEndian.PutUint16(b[len(b)-2:], *o.MTU)
	}
	if o.FlushTimeout != nil {
		b = append(b, optionTypeFlushTimeout, 2, 0, 0)
		binary.LittleEndian.PutUint16(b[len(b)-2:], *o.FlushTimeout)
	}
	if rfc := o.RetransmissionAndFlowControl; rfc != nil {
		opt := make([]byte, 11)
		opt[0] = optionTypeRetransmissionAndFlowControl
		opt[1] = 9
		opt[2] = byte(rfc.Mode)
		opt[3] = rfc.TxWindowSize
		opt[4] = rfc.MaxTransmit
		binary.LittleEndian.PutUint16(opt[5:], rfc.RetransmissionTimeout)
		binary.LittleEndian.PutUint16(opt[7:], rfc.MonitorTimeout)
		binary.LittleEndian.PutUint16(opt[9:], rfc.MaxPDUPayloadSize)
		b = append(b, opt...)
	}
	for _, u := range o.Unknown {
		b = append(b, u.Type, byte(len(u.Payload)))
		b = append(b, u.Payload...)
	}
	return b
}

func (o *ConfigurationOptions) unmarshal(buf []byte) error {
	*o = ConfigurationOptions{}
	for len(buf) > 0 {
		if len(buf) < 2 || len(buf) < 2+int(buf[1]) {
			return io.ErrShortBuffer
		}
		typ, payload := buf[0], buf[2:2+int(buf[1])]
		buf = buf[2+int(buf[1]):]

		switch typ &^ optionHintBit {
		case optionTypeMTU:
			if len(payload) != 2 {
				return ErrInvalidLength
			}
			mtu := binary.LittleEndian.Uint16(payload)
			o.MTU = &mtu
		case optionTypeFlushTimeout:
			if len(payload) != 2 {
				return ErrInvalidLength
			}
			ft := binary.LittleEndian.Uint16(payload)
			o.FlushTimeout = &ft
		case optionTypeRetransmissionAndFlowControl:
			if len(payload) != 9 {
				return ErrInvalidLength
			}
			o.RetransmissionAndFlowControl = &RetransmissionAndFlowControlOption{
				Mode:                  ChannelMode(payload[0]),
				TxWindowSize:          payload[1],
				MaxTransmit:           payload[2],
				RetransmissionTimeout: binary.LittleEndian.Uint16(payload[3:]),
				MonitorTimeout:        binary.LittleEndian.Uint16(payload[5:]),
				MaxPDUPayloadSize:     binary.LittleEndian.Uint16(payload[7:]),
			}
		case optionTypeQualityOfService, optionTypeFrameCheckSequence,
			optionTypeExtendedFlowSpecification, optionTypeExtendedWindowSize:
			// Understood but not acted on.
		default:
			if typ&optionHintBit == 0 {
				o.Unknown = append(o.Unknown, UnknownOption{Type: typ, Payload: payload})
			}
		}
	}
	return nil
}

const configurationContinuationFlag uint16 = 0x0001

type ConfigurationRequestPacket struct {
	Identifier     uint8
	DestinationCID ChannelID
	Continuation   bool
	Options        ConfigurationOptions
}

func (p *ConfigurationRequestPacket) Marshal() ([]byte, error) {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint16(b[0:], uint16(p.DestinationCID))
	if p.Continuation {
		binary.LittleEndian.PutUint16(b[2:], configurationContinuationFlag)
	}
	return marshalCommand(CommandCodeConfigurationRequest, p.Identifier, append(b, p.Options.marshal()...))
}

func (p *ConfigurationRequestPacket) Unmarshal(buf []byte) error {
	id, data, err := commandData(buf, CommandCodeConfigurationRequest, 4, false)
	if err != nil {
		return err
	}
	p.Identifier = id
	p.DestinationCID = ChannelID(binary.LittleEndian.Uint16(data[0:]))
	p.Continuation = binary.LittleEndian.Uint16(data[2:])&configurationContinuationFlag != 0
	return p.Options.unmarshal(data[4:])
}

type ConfigurationResult uint16

const (
	ConfigurationResultSuccess                ConfigurationResult = 0x0000
	ConfigurationResultUnacceptableParameters ConfigurationResult = 0x0001
	ConfigurationResultRejected               ConfigurationResult = 0x0002
	ConfigurationResultUnknownOptions         ConfigurationResult = 0x0003
	ConfigurationResultPending                ConfigurationResult = 0x0004
	ConfigurationResultFlowSpecRejected       ConfigurationResult = 0x0005
)

type ConfigurationResponsePacket struct {
	Identifier   uint8
	SourceCID    ChannelID
	Continuation bool
	Result       ConfigurationResult
	Options      ConfigurationOptions
}

func (p *ConfigurationResponsePacket) Marshal() ([]byte, error) {
	b := make([]byte, 6)
	binary.LittleEndian.PutUint16(b[0:], uint16(p.SourceCID))
	if p.Continuation {
		binary.LittleEndian.PutUint16(b[2:], configurationContinuationFlag)
	}
	binary.LittleEndian.PutUint16(b[4:], uint16(p.Result))
	return marshalCommand(CommandCodeConfigurationResponse, p.Identifier, append(b, p.Options.marshal()...))
}

func (p *ConfigurationResponsePacket) Unmarshal(buf []byte) error {
	id, data, err := commandData(buf, CommandCodeConfigurationResponse, 6, false)
	if err != nil {
		return err
	}
	p.Identifier = id
	p.SourceCID = ChannelID(binary.LittleEndian.Uint16(data[0:]))
	p.Continuation = binary.LittleEndian.Uint16(data[2:])&configurationContinuationFlag != 0
	p.Result = ConfigurationResult(binary.LittleEndian.Uint16(data[4:]))
	return p.Options.unmarshal(data[6:])
}

type DisconnectionRequestPacket struct {
	Identifier     uint8
	DestinationCID ChannelID
	SourceCID      ChannelID
}

func (p *DisconnectionRequestPacket) Marshal() ([]byte, error) {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint16(b[0:], uint16(p.DestinationCID))
	binary.LittleEndian.PutUint16(b[2:], uint16(p.SourceCID))
	return marshalCommand(CommandCodeDisconnectionRequest, p.Identifier, b)
}

func (p *DisconnectionRequestPacket) Unmarshal(buf []byte) error {
	id, data, err := commandData(buf, CommandCodeDisconnectionRequest, 4, true)
	if err != nil {
		return err
	}
	p.Identifier = id
	p.DestinationCID = ChannelID(binary.LittleEndian.Uint16(data[0:]))
	p.SourceCID = ChannelID(binary.LittleEndian.Uint16(data[2:]))
	return nil
}

type DisconnectionResponsePacket struct {
	Identifier     uint8
	DestinationCID ChannelID
	SourceCID      ChannelID
}

func (p *DisconnectionResponsePacket) Marshal() ([]byte, error) {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint16(b[0:], uint16(p.DestinationCID))
	binary.LittleEndian.PutUint16(b[2:], uint16(p.SourceCID))
	return marshalCommand(CommandCodeDisconnectionResponse, p.Identifier, b)
}

func (p *DisconnectionResponsePacket) Unmarshal(buf []byte) error {
	id, data, err := commandData(buf, CommandCodeDisconnectionResponse, 4, true)
	if err != nil {
		return err
	}
	p.Identifier = id
	p.DestinationCID = ChannelID(binary.LittleEndian.Uint16(data[0:]))
	p.SourceCID = ChannelID(binary.LittleEndian.Uint16(data[2:]))
	return nil
}

type EchoRequestPacket struct {
	Identifier uint8
	EchoData   []byte
}

func (p *EchoRequestPacket) Marshal() ([]byte, error) {
	return marshalCommand(CommandCodeEchoRequest, p.Identifier, p.EchoData)
}

func (p *EchoRequestPacket) Unmarshal(buf []byte) error {
	id, data, err := commandData(buf, CommandCodeEchoRequest, 0, false)
	if err != nil {
		return err
	}
	p.Identifier = id
	p.EchoData = data
	return nil
}

type EchoResponsePacket struct {
	Identifier uint8
	EchoData   []byte
}

func (p *EchoResponsePacket) Marshal() ([]byte, error) {
	return marshalCommand(CommandCodeEchoResponse, p.Identifier, p.EchoData)
}

func (p *EchoResponsePacket) Unmarshal(buf []byte) error {
	id, data, err := commandData(buf, CommandCodeEchoResponse, 0, false)
	if err != nil {
		return err
	}
	p.Identifier = id
	p.EchoData = data
	return nil
}

type InfoType uint16

const (
	InfoTypeConnectionlessMTU         InfoType = 0x0001
	InfoTypeExtendedFeaturesSupported InfoType = 0x0002
	InfoTypeFixedChannelsSupported    InfoType = 0x0003
)

// Extended feature mask bits, Vol 3, Part A, Section 4.12.
const (
	ExtendedFeatureEnhancedRetransmission uint32 = 1 << 3
	ExtendedFeatureFCSOption              uint32 = 1 << 5
	ExtendedFeatureFixedChannels          uint32 = 1 << 7
)

type InformationRequestPacket struct {
	Identifier uint8
	InfoType
}

func (p *InformationRequestPacket) Marshal() ([]byte, error) {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, uint16(p.InfoType))
	return marshalCommand(CommandCodeInformationRequest, p.Identifier, b)
}

func (p *InformationRequestPacket) Unmarshal(buf []byte) error {
	id, data, err := commandData(buf, CommandCodeInformationRequest, 2, true)
	if err != nil {
		return err
	}
	p.Identifier = id
	p.InfoType = InfoType(binary.LittleEndian.Uint16(data))
	return nil
}

type InfoTypeResult uint16

const (
	InfoTypeResultSuccess      InfoTypeResult = 0x0000
	InfoTypeResultNotSupported InfoTypeResult = 0x0001
)

type InformationResponsePacket struct {
	Identifier uint8
	InfoType
	Result InfoTypeResult
	Info   []byte
}

func (p *InformationResponsePacket) Marshal() ([]byte, error) {
	b := make([]byte, 4+len(p.Info))
	binary.LittleEndian.PutUint16(b[0:], uint16(p.InfoType))
	binary.LittleEndian.PutUint16(b[2:], uint16(p.Result))
	copy(b[4:], p.Info)
	return marshalCommand(CommandCodeInformationResponse, p.Identifier, b)
}

func (p *InformationResponsePacket) Unmarshal(buf []byte) error {
	id, data, err := commandData(buf, CommandCodeInformationResponse, 4, false)
	if err != nil {
		return err
	}
	p.Identifier = id
	p.InfoType = InfoType(binary.LittleEndian.Uint16(data[0:]))
	p.Result = InfoTypeResult(binary.LittleEndian.Uint16(data[2:]))
	p.Info = data[4:]
	return nil
}

type ConnectionParameterUpdateRequestPacket struct {
	Identifier  uint8
	IntervalMin uint16
	IntervalMax uint16
	Latency     uint16
	Timeout     uint16
}

func (p *ConnectionParameterUpdateRequestPacket) Marshal() ([]byte, error) {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint16(b[0:], p.IntervalMin)
	binary.LittleEndian.PutUint16(b[2:], p.IntervalMax)
	binary.LittleEndian.PutUint16(b[4:], p.Latency)
	binary.LittleEndian.PutUint16(b[6:], p.Timeout)
	return marshalCommand(CommandCodeConnectionParameterUpdateRequest, p.Identifier, b)
}

func (p *ConnectionParameterUpdateRequestPacket) Unmarshal(buf []byte) error {
	id, data, err := commandData(buf, CommandCodeConnectionParameterUpdateRequest, 8, true)
	if err != nil {
		return err
	}
	p.Identifier = id
	p.IntervalMin = binary.LittleEndian.Uint16(data[0:])
	p.IntervalMax = binary.LittleEndian.Uint16(data[2:])
	p.Latency = binary.LittleEndian.Uint16(data[4:])
	p.Timeout = binary.LittleEndian.Uint16(data[6:])
	return nil
}

type ConnectionParameterUpdateResult uint16

const (
	ConnectionParameterUpdateResultAccepted ConnectionParameterUpdateResult = 0x0000
	ConnectionParameterUpdateResultRejected ConnectionParameterUpdateResult = 0x0001
)

type ConnectionParameterUpdateResponsePacket struct {
	Identifier uint8
	Result     ConnectionParameterUpdateResult
}

func (p *ConnectionParameterUpdateResponsePacket) Marshal() ([]byte, error) {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, uint16(p.Result))
	return marshalCommand(CommandCodeConnectionParameterUpdateResponse, p.Identifier, b)
}

func (p *ConnectionParameterUpdateResponsePacket) Unmarshal(buf []byte) error {
	id, data, err := commandData(buf, CommandCodeConnectionParameterUpdateResponse, 2, true)
	if err != nil {
		return err
	}
	p.Identifier = id
	p.Result = ConnectionParameterUpdateResult(binary.LittleEndian.Uint16(data))
	return nil
}
