package l2cap

import (
	"fmt"

	"github.com/muxable/bthost/pkg/hci"
)

// PDU is a complete basic L2CAP frame made up of one or more ACL fragments.
// A PDU owns its fragments; ReleaseFragments and Move hand them off and leave
// the PDU invalid. Querying an invalid PDU is a programming error.
type PDU struct {
	fragments []*hci.ACLDataPacket
}

// IsValid reports whether the PDU holds any fragments.
func (p *PDU) IsValid() bool {
	return p != nil && len(p.fragments) > 0
}

func (p *PDU) FragmentCount() int {
	return len(p.fragments)
}

// AppendFragment takes ownership of f. All fragments of a PDU must share one
// connection handle.
func (p *PDU) AppendFragment(f *hci.ACLDataPacket) {
	if f == nil {
		panic("l2cap: nil fragment")
	}
	if len(p.fragments) > 0 && p.fragments[0].ConnectionHandle != f.ConnectionHandle {
		panic(fmt.Sprintf("l2cap: fragment handle %v does not match pdu handle %v", f.ConnectionHandle, p.fragments[0].ConnectionHandle))
	}
	p.fragments = append(p.fragments, f)
}

func (p *PDU) mustBeValid() {
	if !p.IsValid() {
		panic("l2cap: use of invalid pdu")
	}
}

func (p *PDU) ConnectionHandle() hci.ConnectionHandle {
	p.mustBeValid()
	return p.fragments[0].ConnectionHandle
}

// BasicHeader returns the header carried by the first fragment.
func (p *PDU) BasicHeader() BasicHeader {
	p.mustBeValid()
	return parseBasicHeader(p.fragments[0].Payload)
}

func (p *PDU) ChannelID() ChannelID {
	return p.BasicHeader().ChannelID
}

// Length is the declared length of the payload following the basic header.
func (p *PDU) Length() int {
	return int(p.BasicHeader().Length)
}

// Copy copies up to size bytes of the frame payload starting at pos into dst
// and returns the number of bytes copied. pos is measured from the end of the
// basic header.
func (p *PDU) Copy(dst []byte, pos, size int) int {
	length := p.Length()
	if pos < 0 || pos > length {
		panic(fmt.Sprintf("l2cap: copy offset %d out of range [0, %d]", pos, length))
	}
	if size > length-pos {
		size = length - pos
	}
	if size > len(dst) {
		size = len(dst)
	}

	// Skip to the fragment holding the byte at pos.
	offset := pos + BasicHeaderSize
	copied := 0
	for _, f := range p.fragments {
		if copied == size {
			break
		}
		if offset >= len(f.Payload) {
			offset -= len(f.Payload)
			continue
		}
		copied += copy(dst[copied:size], f.Payload[offset:])
		offset = 0
	}
	return copied
}

// Bytes returns a copy of the whole payload.
func (p *PDU) Bytes() []byte {
	buf := make([]byte, p.Length())
	p.Copy(buf, 0, len(buf))
	return buf
}

// ReleaseFragments hands the fragments to the caller and invalidates the PDU.
func (p *PDU) ReleaseFragments() []*hci.ACLDataPacket {
	p.mustBeValid()
	fragments := p.fragments
	p.fragments = nil
	return fragments
}

// Move transfers ownership of the fragments to a new PDU.
func (p *PDU) Move() *PDU {
	return &PDU{fragments: p.ReleaseFragments()}
}
