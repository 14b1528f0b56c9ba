package hci

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/pkg/errors"
)

var (
	ErrIncorrectPacket   = errors.New("incorrect packet")
	ErrUnsupportedPacket = errors.New("unsupported packet type")
)

type Packet interface {
	Marshal() ([]byte, error)
	Unmarshal([]byte) error
}

type CommandPacket interface {
	Packet
	Opcode() Opcode
}

func Unmarshal(buf []byte) (Packet, error) {
	if len(buf) == 0 {
		return nil, io.ErrShortBuffer
	}
	switch PacketType(buf[0]) {
	case PacketTypeCommand:
		p := &GenericCommandPacket{}
		if err := p.Unmarshal(buf); err != nil {
			return nil, err
		}
		return p, nil
	case PacketTypeEvent:
		if len(buf) < 3 || len(buf) != int(buf[2])+3 {
			return nil, io.ErrShortBuffer
		}
		var p Packet
		switch EventCode(buf[1]) {
		case EventCodeCommandComplete:
			p = &CommandCompleteEventPacket{}
		case EventCodeConnectionComplete:
			p = &ConnectionCompleteEventPacket{}
		case EventCodeDisconnectionComplete:
			p = &DisconnectionCompleteEventPacket{}
		case EventCodeNumberOfCompletedPackets:
			p = &NumberOfCompletedPacketsEventPacket{}
		case EventCodeLEMeta:
			if len(buf) > 3 && LEMetaSubeventCode(buf[3]) == LEMetaSubeventCodeConnectionComplete {
				p = &LEConnectionCompleteEventPacket{}
			}
		}
		if p == nil {
			return nil, errors.Wrapf(ErrUnsupportedPacket, "event %#.2x", buf[1])
		}
		return p, p.Unmarshal(buf)
	case PacketTypeACLData:
		p := &ACLDataPacket{}
		if err := p.Unmarshal(buf); err != nil {
			return nil, err
		}
		return p, nil
	}
	return nil, ErrUnsupportedPacket
}

// PacketBoundaryFlag is defined in Vol 4, Part E, Section 5.4.2.
type PacketBoundaryFlag uint8

const (
	PacketBoundaryFirstNonFlushable  PacketBoundaryFlag = 0b00
	PacketBoundaryContinuingFragment PacketBoundaryFlag = 0b01
	PacketBoundaryFirstFlushable     PacketBoundaryFlag = 0b10
	PacketBoundaryCompletePDU        PacketBoundaryFlag = 0b11
)

// ACLDataPacket is a single HCI ACL data fragment.
type ACLDataPacket struct {
	PacketBoundaryFlag PacketBoundaryFlag
	BroadcastFlag      uint8
	ConnectionHandle   ConnectionHandle
	Payload            []byte
}

func (p *ACLDataPacket) Unmarshal(buf []byte) error {
	if len(buf) < 5 {
		return io.ErrShortBuffer
	}
	if buf[0] != byte(PacketTypeACLData) {
		return ErrIncorrectPacket
	}
	b := binary.LittleEndian.Uint16(buf[1:])
	p.PacketBoundaryFlag = PacketBoundaryFlag((b >> 12) & 0x03)
	p.BroadcastFlag = byte((b >> 14) & 0x03)
	p.ConnectionHandle = ConnectionHandle(b & 0x0FFF)
	s := binary.LittleEndian.Uint16(buf[3:])
	if len(buf) != int(s)+5 {
		return io.ErrShortBuffer
	}
	p.Payload = buf[5:]
	return nil
}

func (p *ACLDataPacket) Marshal() ([]byte, error) {
	if len(p.Payload) > math.MaxUint16 {
		return nil, errors.New("payload too large")
	}
	buf := make([]byte, 5, 5+len(p.Payload))
	buf[0] = byte(PacketTypeACLData)
	binary.LittleEndian.PutUint16(buf[1:], uint16(p.ConnectionHandle&0x0FFF)|(uint16(p.PacketBoundaryFlag)<<12)|(uint16(p.BroadcastFlag)<<14))
	binary.LittleEndian.PutUint16(buf[3:], uint16(len(p.Payload)))
	return append(buf, p.Payload...), nil
}

// GenericCommandPacket encompasses many argument-less packets.
type GenericCommandPacket struct {
	opcode Opcode
}

func NewGenericCommandPacket(opcode Opcode) *GenericCommandPacket {
	return &GenericCommandPacket{opcode}
}

func (p *GenericCommandPacket) Marshal() ([]byte, error) {
	buf := make([]byte, 4)
	buf[0] = uint8(PacketTypeCommand)
	binary.LittleEndian.PutUint16(buf[1:], uint16(p.opcode))
	return buf, nil
}

func (p *GenericCommandPacket) Unmarshal(buf []byte) error {
	if len(buf) != 4 {
		return io.ErrShortBuffer
	}
	if buf[0] != byte(PacketTypeCommand) || buf[3] != 0 {
		return ErrIncorrectPacket
	}
	p.opcode = Opcode(binary.LittleEndian.Uint16(buf[1:3]))
	return nil
}

func (p *GenericCommandPacket) Opcode() Opcode {
	return p.opcode
}

// ParameterCommandPacket carries a command with fixed parameter bytes.
type ParameterCommandPacket struct {
	opcode     Opcode
	Parameters []byte
}

func NewParameterCommandPacket(opcode Opcode, params []byte) *ParameterCommandPacket {
	return &ParameterCommandPacket{opcode: opcode, Parameters: params}
}

func (p *ParameterCommandPacket) Marshal() ([]byte, error) {
	if len(p.Parameters) > math.MaxUint8 {
		return nil, io.ErrShortWrite
	}
	buf := make([]byte, 4+len(p.Parameters))
	buf[0] = byte(PacketTypeCommand)
	binary.LittleEndian.PutUint16(buf[1:], uint16(p.opcode))
	buf[3] = byte(len(p.Parameters))
	copy(buf[4:], p.Parameters)
	return buf, nil
}

func (p *ParameterCommandPacket) Unmarshal(buf []byte) error {
	if len(buf) < 4 || len(buf) != int(buf[3])+4 {
		return io.ErrShortBuffer
	}
	if buf[0] != byte(PacketTypeCommand) {
		return ErrIncorrectPacket
	}
	p.opcode = Opcode(binary.LittleEndian.Uint16(buf[1:3]))
	p.Parameters = buf[4:]
	return nil
}

func (p *ParameterCommandPacket) Opcode() Opcode {
	return p.opcode
}

type CommandCompleteEventPacket struct {
	NumCommandPackets uint8
	CommandOpcode     Opcode
	ReturnParameters  []byte
}

func (p *CommandCompleteEventPacket) Unmarshal(buf []byte) error {
	if len(buf) < 6 {
		return io.ErrShortBuffer
	}
	if buf[0] != byte(PacketTypeEvent) || buf[1] != byte(EventCodeCommandComplete) {
		return ErrIncorrectPacket
	}
	if len(buf) != int(buf[2])+3 {
		return io.ErrShortBuffer
	}
	p.NumCommandPackets = buf[3]
	p.CommandOpcode = Opcode(binary.LittleEndian.Uint16(buf[4:]))
	p.ReturnParameters = buf[6:]
	return nil
}

func (p *CommandCompleteEventPacket) Marshal() ([]byte, error) {
	if len(p.ReturnParameters)+3 > math.MaxUint8 {
		return nil, io.ErrShortWrite
	}
	buf := make([]byte, 6+len(p.ReturnParameters))
	buf[0] = byte(PacketTypeEvent)
	buf[1] = byte(EventCodeCommandComplete)
	buf[2] = byte(len(p.ReturnParameters) + 3)
	buf[3] = p.NumCommandPackets
	binary.LittleEndian.PutUint16(buf[4:], uint16(p.CommandOpcode))
	copy(buf[6:], p.ReturnParameters)
	return buf, nil
}

type NumberOfCompletedPacketsEventPacket struct {
	ConnectionHandles   []ConnectionHandle
	NumCompletedPackets []uint16
}

func (p *NumberOfCompletedPacketsEventPacket) Unmarshal(buf []byte) error {
	if len(buf) < 4 {
		return io.ErrShortBuffer
	}
	if buf[0] != byte(PacketTypeEvent) || buf[1] != byte(EventCodeNumberOfCompletedPackets) {
		return ErrIncorrectPacket
	}
	n := int(buf[3])
	if len(buf) != int(buf[2])+3 || len(buf) != 4+n*4 {
		return io.ErrShortBuffer
	}
	p.ConnectionHandles = make([]ConnectionHandle, n)
	p.NumCompletedPackets = make([]uint16, n)
	for i := 0; i < n; i++ {
		entry := buf[4+i*4:]
		p.ConnectionHandles[i] = ConnectionHandle(binary.LittleEndian.Uint16(entry) & 0x0FFF)
		p.NumCompletedPackets[i] = binary.LittleEndian.Uint16(entry[2:])
	}
	return nil
}

func (p *NumberOfCompletedPacketsEventPacket) Marshal() ([]byte, error) {
	n := len(p.ConnectionHandles)
	if n != len(p.NumCompletedPackets) || 1+n*4 > math.MaxUint8 {
		return nil, io.ErrShortWrite
	}
	buf := make([]byte, 4+n*4)
	buf[0] = byte(PacketTypeEvent)
	buf[1] = byte(EventCodeNumberOfCompletedPackets)
	buf[2] = byte(1 + n*4)
	buf[3] = byte(n)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(buf[4+i*4:], uint16(p.ConnectionHandles[i]))
		binary.LittleEndian.PutUint16(buf[6+i*4:], p.NumCompletedPackets[i])
	}
	return buf, nil
}

type Role uint8

const (
	RoleCentral    Role = 0
	RolePeripheral Role = 1
)

func (r Role) String() string {
	if r == RoleCentral {
		return "central"
	}
	return "peripheral"
}

// ConnectionCompleteEventPacket reports a new BR/EDR ACL link.
type ConnectionCompleteEventPacket struct {
	Status            uint8
	ConnectionHandle  ConnectionHandle
	PeerAddress       BDAddr
	LinkType          uint8
	EncryptionEnabled bool
}

func (p *ConnectionCompleteEventPacket) Marshal() ([]byte, error) {
	buf := make([]byte, 14)
	buf[0] = byte(PacketTypeEvent)
	buf[1] = byte(EventCodeConnectionComplete)
	buf[2] = 11
	buf[3] = p.Status
	binary.LittleEndian.PutUint16(buf[4:], uint16(p.ConnectionHandle))
	copy(buf[6:12], p.PeerAddress[:])
	buf[12] = p.LinkType
	if p.EncryptionEnabled {
		buf[13] = 1
	}
	return buf, nil
}

func (p *ConnectionCompleteEventPacket) Unmarshal(buf []byte) error {
	if len(buf) != 14 || buf[2] != 11 {
		return io.ErrShortBuffer
	}
	if buf[0] != byte(PacketTypeEvent) || buf[1] != byte(EventCodeConnectionComplete) {
		return ErrIncorrectPacket
	}
	p.Status = buf[3]
	p.ConnectionHandle = ConnectionHandle(binary.LittleEndian.Uint16(buf[4:]) & 0x0FFF)
	copy(p.PeerAddress[:], buf[6:12])
	p.LinkType = buf[12]
	p.EncryptionEnabled = buf[13] == 1
	return nil
}

type DisconnectionCompleteEventPacket struct {
	Status           uint8
	ConnectionHandle ConnectionHandle
	Reason           uint8
}

func (p *DisconnectionCompleteEventPacket) Marshal() ([]byte, error) {
	buf := make([]byte, 7)
	buf[0] = byte(PacketTypeEvent)
	buf[1] = byte(EventCodeDisconnectionComplete)
	buf[2] = 4
	buf[3] = p.Status
	binary.LittleEndian.PutUint16(buf[4:], uint16(p.ConnectionHandle))
	buf[6] = p.Reason
	return buf, nil
}

func (p *DisconnectionCompleteEventPacket) Unmarshal(buf []byte) error {
	if len(buf) != 7 || buf[2] != 4 {
		return io.ErrShortBuffer
	}
	if buf[0] != byte(PacketTypeEvent) || buf[1] != byte(EventCodeDisconnectionComplete) {
		return ErrIncorrectPacket
	}
	p.Status = buf[3]
	p.ConnectionHandle = ConnectionHandle(binary.LittleEndian.Uint16(buf[4:]) & 0x0FFF)
	p.Reason = buf[6]
	return nil
}

type CentralClockAccuracy uint8

const (
	CentralClockAccuracy500PPM CentralClockAccuracy = 0
	CentralClockAccuracy250PPM CentralClockAccuracy = 1
	CentralClockAccuracy150PPM CentralClockAccuracy = 2
	CentralClockAccuracy100PPM CentralClockAccuracy = 3
	CentralClockAccuracy75PPM  CentralClockAccuracy = 4
	CentralClockAccuracy50PPM  CentralClockAccuracy = 5
	CentralClockAccuracy30PPM  CentralClockAccuracy = 6
	CentralClockAccuracy20PPM  CentralClockAccuracy = 7
)

type LEConnectionCompleteEventPacket struct {
	Status               uint8
	ConnectionHandle     ConnectionHandle
	Role                 Role
	PeerAddressType      PeerAddressType
	PeerAddress          BDAddr
	ConnectionInterval   uint16
	PeripheralLatency    uint16
	SupervisionTimeout   uint16
	CentralClockAccuracy CentralClockAccuracy
}

func (p *LEConnectionCompleteEventPacket) Marshal() ([]byte, error) {
	buf := make([]byte, 22)
	buf[0] = byte(PacketTypeEvent)
	buf[1] = byte(EventCodeLEMeta)
	buf[2] = 19
	buf[3] = byte(LEMetaSubeventCodeConnectionComplete)
	buf[4] = p.Status
	binary.LittleEndian.PutUint16(buf[5:], uint16(p.ConnectionHandle))
	buf[7] = byte(p.Role)
	buf[8] = byte(p.PeerAddressType)
	copy(buf[9:15], p.PeerAddress[:])
	binary.LittleEndian.PutUint16(buf[15:], p.ConnectionInterval)
	binary.LittleEndian.PutUint16(buf[17:], p.PeripheralLatency)
	binary.LittleEndian.PutUint16(buf[19:], p.SupervisionTimeout)
	buf[21] = byte(p.CentralClockAccuracy)
	return buf, nil
}

func (p *LEConnectionCompleteEventPacket) Unmarshal(buf []byte) error {
	if len(buf) != 22 || buf[2] != 19 {
		return io.ErrShortBuffer
	}
	if buf[0] != byte(PacketTypeEvent) || buf[1] != byte(EventCodeLEMeta) {
		return ErrIncorrectPacket
	}
	if buf[3] != byte(LEMetaSubeventCodeConnectionComplete) {
		return errors.New("incorrect subevent")
	}
	p.Status = buf[4]
	p.ConnectionHandle = ConnectionHandle(binary.LittleEndian.Uint16(buf[5:7]) & 0x0FFF)
	p.Role = Role(buf[7])
	p.PeerAddressType = PeerAddressType(buf[8])
	copy(p.PeerAddress[:], buf[9:15])
	p.ConnectionInterval = binary.LittleEndian.Uint16(buf[15:17])
	p.PeripheralLatency = binary.LittleEndian.Uint16(buf[17:19])
	p.SupervisionTimeout = binary.LittleEndian.Uint16(buf[19:21])
	p.CentralClockAccuracy = CentralClockAccuracy(buf[21])
	return nil
}
