package hci

import (
	"encoding/binary"
	"io"
)

type HCISetEventMaskCommandPacket struct {
	EventMask
}

func (p *HCISetEventMaskCommandPacket) Marshal() ([]byte, error) {
	buf := make([]byte, 12)
	buf[0] = byte(PacketTypeCommand)
	binary.LittleEndian.PutUint16(buf[1:], uint16(OpcodeSetEventMask))
	buf[3] = 8
	binary.LittleEndian.PutUint64(buf[4:], uint64(p.EventMask))
	return buf, nil
}

func (p *HCISetEventMaskCommandPacket) Unmarshal(buf []byte) error {
	if len(buf) != 12 || buf[3] != 8 {
		return io.ErrShortBuffer
	}
	if buf[0] != byte(PacketTypeCommand) || binary.LittleEndian.Uint16(buf[1:]) != uint16(OpcodeSetEventMask) {
		return ErrIncorrectPacket
	}
	p.EventMask = EventMask(binary.LittleEndian.Uint64(buf[4:]))
	return nil
}

func (p *HCISetEventMaskCommandPacket) Opcode() Opcode {
	return OpcodeSetEventMask
}

type HCILESetEventMaskCommandPacket struct {
	LEEventMask
}

func (p *HCILESetEventMaskCommandPacket) Marshal() ([]byte, error) {
	buf := make([]byte, 12)
	buf[0] = byte(PacketTypeCommand)
	binary.LittleEndian.PutUint16(buf[1:], uint16(OpcodeLESetEventMask))
	buf[3] = 8
	binary.LittleEndian.PutUint64(buf[4:], uint64(p.LEEventMask))
	return buf, nil
}

func (p *HCILESetEventMaskCommandPacket) Unmarshal(buf []byte) error {
	if len(buf) != 12 || buf[3] != 8 {
		return io.ErrShortBuffer
	}
	if buf[0] != byte(PacketTypeCommand) || binary.LittleEndian.Uint16(buf[1:]) != uint16(OpcodeLESetEventMask) {
		return ErrIncorrectPacket
	}
	p.LEEventMask = LEEventMask(binary.LittleEndian.Uint64(buf[4:]))
	return nil
}

func (p *HCILESetEventMaskCommandPacket) Opcode() Opcode {
	return OpcodeLESetEventMask
}

func (a *Adapter) SetEventMask(mask EventMask) error {
	return a.simpleOp(&HCISetEventMaskCommandPacket{EventMask: mask})
}

func (a *Adapter) LESetEventMask(mask LEEventMask) error {
	return a.simpleOp(&HCILESetEventMaskCommandPacket{LEEventMask: mask})
}
