package hci

import (
	"bytes"
	"io"
	"testing"

	"github.com/pkg/errors"
)

func TestACLDataPacketHeader(t *testing.T) {
	p := &ACLDataPacket{
		PacketBoundaryFlag: PacketBoundaryFirstFlushable,
		BroadcastFlag:      0,
		ConnectionHandle:   0x0ABC,
		Payload:            []byte{0xDE, 0xAD},
	}
	buf, err := p.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{0x02, 0xBC, 0x2A, 0x02, 0x00, 0xDE, 0xAD}
	if !bytes.Equal(buf, want) {
		t.Fatalf("got %x, want %x", buf, want)
	}

	got, err := Unmarshal(buf)
	if err != nil {
		t.Fatal(err)
	}
	acl := got.(*ACLDataPacket)
	if acl.ConnectionHandle != 0x0ABC || acl.PacketBoundaryFlag != PacketBoundaryFirstFlushable || !bytes.Equal(acl.Payload, p.Payload) {
		t.Errorf("got %+v", acl)
	}
}

func TestACLDataPacketLengthMismatch(t *testing.T) {
	tests := [][]byte{
		{0x02, 0x01, 0x00, 0x03, 0x00, 0xAA},
		{0x02, 0x01, 0x00},
	}
	for _, buf := range tests {
		if _, err := Unmarshal(buf); err != io.ErrShortBuffer {
			t.Errorf("%x: got %v", buf, err)
		}
	}
}

func TestNumberOfCompletedPackets(t *testing.T) {
	buf := []byte{0x04, 0x13, 0x09, 0x02, 0x01, 0x00, 0x03, 0x00, 0x40, 0x20, 0x01, 0x00}
	p, err := Unmarshal(buf)
	if err != nil {
		t.Fatal(err)
	}
	n := p.(*NumberOfCompletedPacketsEventPacket)
	if len(n.ConnectionHandles) != 2 || n.ConnectionHandles[0] != 1 || n.NumCompletedPackets[0] != 3 {
		t.Errorf("got %+v", n)
	}
	// Flag bits above the handle are masked off.
	if n.ConnectionHandles[1] != 0x0040 || n.NumCompletedPackets[1] != 1 {
		t.Errorf("got %+v", n)
	}

	out, err := (&NumberOfCompletedPacketsEventPacket{
		ConnectionHandles:   []ConnectionHandle{1, 0x40},
		NumCompletedPackets: []uint16{3, 1},
	}).Marshal()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out[:8], buf[:8]) || len(out) != len(buf) {
		t.Errorf("got %x", out)
	}
}

func TestUnmarshalUnsupportedEvent(t *testing.T) {
	_, err := Unmarshal([]byte{0x04, 0xFF, 0x01, 0x00})
	if !errors.Is(err, ErrUnsupportedPacket) {
		t.Errorf("got %v", err)
	}
	// LE meta events other than connection complete are not decoded.
	_, err = Unmarshal([]byte{0x04, 0x3E, 0x01, 0x02})
	if !errors.Is(err, ErrUnsupportedPacket) {
		t.Errorf("got %v", err)
	}
	if _, err := Unmarshal([]byte{0x05}); err != ErrUnsupportedPacket {
		t.Errorf("got %v", err)
	}
	if _, err := Unmarshal(nil); err != io.ErrShortBuffer {
		t.Errorf("got %v", err)
	}
}

func TestLEConnectionComplete(t *testing.T) {
	buf := []byte{
		0x04, 0x3E, 0x13, 0x01,
		0x00,       // status
		0x40, 0x00, // handle
		0x01,                               // role
		0x01,                               // peer address type
		0x11, 0x22, 0x33, 0x44, 0x55, 0x66, // peer address
		0x18, 0x00, // interval
		0x00, 0x00, // latency
		0x48, 0x00, // supervision timeout
		0x01, // clock accuracy
	}
	p, err := Unmarshal(buf)
	if err != nil {
		t.Fatal(err)
	}
	c := p.(*LEConnectionCompleteEventPacket)
	if c.ConnectionHandle != 0x0040 || c.Role != RolePeripheral || c.PeerAddressType != PeerAddressTypeRandomDeviceAddress {
		t.Errorf("got %+v", c)
	}
	if c.PeerAddress.String() != "66:55:44:33:22:11" || c.ConnectionInterval != 0x18 || c.SupervisionTimeout != 0x48 {
		t.Errorf("got %+v", c)
	}
	out, _ := c.Marshal()
	if !bytes.Equal(out, buf) {
		t.Errorf("got %x", out)
	}
}

func TestCommandComplete(t *testing.T) {
	p, err := Unmarshal([]byte{0x04, 0x0E, 0x04, 0x01, 0x03, 0x0C, 0x00})
	if err != nil {
		t.Fatal(err)
	}
	c := p.(*CommandCompleteEventPacket)
	if c.CommandOpcode != OpcodeReset || c.NumCommandPackets != 1 || !bytes.Equal(c.ReturnParameters, []byte{0x00}) {
		t.Errorf("got %+v", c)
	}
}

func TestSetEventMaskCommand(t *testing.T) {
	p := &HCISetEventMaskCommandPacket{EventMask: EventMaskDisconnectionCompleteEvent | EventMaskLEMetaEvent}
	buf, err := p.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{0x01, 0x01, 0x0C, 0x08, 0x10, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x20}
	if !bytes.Equal(buf, want) {
		t.Errorf("got %x, want %x", buf, want)
	}
}
