package l2cap

import (
	"fmt"

	"github.com/muxable/bthost/pkg/hci"
)

// Fragmenter splits outbound frames into ACL packets no larger than the
// controller's buffer.
type Fragmenter struct {
	handle         hci.ConnectionHandle
	maxPayloadSize int
}

// NewFragmenter panics if maxPayloadSize cannot hold a basic header, since a
// receiver drops first fragments shorter than that.
func NewFragmenter(handle hci.ConnectionHandle, maxPayloadSize int) *Fragmenter {
	if maxPayloadSize < BasicHeaderSize {
		panic(fmt.Sprintf("l2cap: invalid max ACL payload size %d", maxPayloadSize))
	}
	return &Fragmenter{handle: handle, maxPayloadSize: maxPayloadSize}
}

// BuildBasicFrame prepends a basic header to payload and fragments the
// result. LE links must pass flushable = false.
func (f *Fragmenter) BuildBasicFrame(id ChannelID, payload []byte, flushable bool) (*PDU, error) {
	frame, err := (&BFrame{ChannelID: id, Payload: payload}).Marshal()
	if err != nil {
		return nil, err
	}

	first := hci.PacketBoundaryFirstNonFlushable
	if flushable {
		first = hci.PacketBoundaryFirstFlushable
	}

	pdu := &PDU{}
	for i := 0; i < len(frame); i += f.maxPayloadSize {
		j := i + f.maxPayloadSize
		if j > len(frame) {
			j = len(frame)
		}
		pb := hci.PacketBoundaryContinuingFragment
		if i == 0 {
			pb = first
		}
		pdu.AppendFragment(&hci.ACLDataPacket{
			ConnectionHandle:   f.handle,
			PacketBoundaryFlag: pb,
			Payload:            frame[i:j],
		})
	}
	return pdu, nil
}
