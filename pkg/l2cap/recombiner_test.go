package l2cap

import (
	"bytes"
	"testing"

	"github.com/muxable/bthost/pkg/hci"
)

const testHandle hci.ConnectionHandle = 0x0001

func fragment(pb hci.PacketBoundaryFlag, payload ...byte) *hci.ACLDataPacket {
	return &hci.ACLDataPacket{ConnectionHandle: testHandle, PacketBoundaryFlag: pb, Payload: payload}
}

func first(payload ...byte) *hci.ACLDataPacket {
	return fragment(hci.PacketBoundaryFirstNonFlushable, payload...)
}

func continuing(payload ...byte) *hci.ACLDataPacket {
	return fragment(hci.PacketBoundaryContinuingFragment, payload...)
}

func TestRecombinerCompleteFirstFragment(t *testing.T) {
	useTestLogger(t)
	r := NewRecombiner(testHandle)

	result := r.ConsumeFragment(first(0x03, 0x00, 0x40, 0x00, 'a', 'b', 'c'))
	if result.FramesDropped {
		t.Fatal("unexpected drop")
	}
	if !result.PDU.IsValid() {
		t.Fatal("expected a complete pdu")
	}
	if result.PDU.ChannelID() != 0x0040 || result.PDU.Length() != 3 {
		t.Errorf("got header %+v", result.PDU.BasicHeader())
	}
	if got := result.PDU.Bytes(); !bytes.Equal(got, []byte("abc")) {
		t.Errorf("got payload %q", got)
	}
}

func TestRecombinerMultipleFragments(t *testing.T) {
	useTestLogger(t)
	r := NewRecombiner(testHandle)

	steps := []*hci.ACLDataPacket{
		first(0x0A, 0x00, 0x02, 0x00, 1, 2, 3, 4),
		continuing(5, 6, 7, 8),
	}
	for _, f := range steps {
		if result := r.ConsumeFragment(f); result.PDU != nil || result.FramesDropped {
			t.Fatalf("unexpected result %+v", result)
		}
	}
	result := r.ConsumeFragment(continuing(9, 10))
	if result.FramesDropped {
		t.Fatal("unexpected drop")
	}
	if result.PDU.FragmentCount() != 3 {
		t.Errorf("got %d fragments, want 3", result.PDU.FragmentCount())
	}
	if got := result.PDU.Bytes(); !bytes.Equal(got, []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}) {
		t.Errorf("got payload %v", got)
	}

	// The recombiner is idle again.
	result = r.ConsumeFragment(first(0x00, 0x00, 0x40, 0x00))
	if result.PDU == nil || result.PDU.Length() != 0 {
		t.Errorf("expected empty frame, got %+v", result)
	}
}

func TestRecombinerDropsMalformedFirstFragments(t *testing.T) {
	useTestLogger(t)
	tests := []struct {
		name string
		f    *hci.ACLDataPacket
	}{
		{"continuing while idle", continuing(0x01, 0x00, 0x40, 0x00, 1)},
		{"shorter than basic header", first(0x01, 0x00, 0x40)},
		{"empty", first()},
		{"longer than declared", first(0x01, 0x00, 0x40, 0x00, 1, 2)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRecombiner(testHandle)
			result := r.ConsumeFragment(tt.f)
			if !result.FramesDropped || result.PDU != nil {
				t.Errorf("got %+v, want drop", result)
			}
			// State must be unaffected.
			result = r.ConsumeFragment(first(0x01, 0x00, 0x40, 0x00, 7))
			if result.FramesDropped || result.PDU == nil {
				t.Errorf("recombiner did not recover: %+v", result)
			}
		})
	}
}

func TestRecombinerNewFrameWhileAccumulating(t *testing.T) {
	useTestLogger(t)
	r := NewRecombiner(testHandle)

	if result := r.ConsumeFragment(first(0x08, 0x00, 0x40, 0x00, 1, 2)); result.PDU != nil || result.FramesDropped {
		t.Fatalf("unexpected result %+v", result)
	}
	result := r.ConsumeFragment(first(0x02, 0x00, 0x41, 0x00, 3, 4))
	if !result.FramesDropped {
		t.Error("expected the incomplete frame to be dropped")
	}
	if result.PDU == nil || result.PDU.ChannelID() != 0x0041 {
		t.Fatalf("expected the new frame to complete, got %+v", result)
	}
	if got := result.PDU.Bytes(); !bytes.Equal(got, []byte{3, 4}) {
		t.Errorf("got payload %v", got)
	}
}

func TestRecombinerNewPartialFrameWhileAccumulating(t *testing.T) {
	useTestLogger(t)
	r := NewRecombiner(testHandle)

	r.ConsumeFragment(first(0x08, 0x00, 0x40, 0x00, 1, 2))
	result := r.ConsumeFragment(first(0x04, 0x00, 0x41, 0x00, 3, 4))
	if !result.FramesDropped || result.PDU != nil {
		t.Fatalf("got %+v, want drop and pending", result)
	}
	result = r.ConsumeFragment(continuing(5, 6))
	if result.FramesDropped || result.PDU == nil {
		t.Fatalf("got %+v, want completion", result)
	}
	if got := result.PDU.Bytes(); !bytes.Equal(got, []byte{3, 4, 5, 6}) {
		t.Errorf("got payload %v", got)
	}
}

func TestRecombinerOverlongContinuation(t *testing.T) {
	useTestLogger(t)
	r := NewRecombiner(testHandle)

	r.ConsumeFragment(first(0x04, 0x00, 0x40, 0x00, 1, 2))
	result := r.ConsumeFragment(continuing(3, 4, 5))
	if !result.FramesDropped || result.PDU != nil {
		t.Fatalf("got %+v, want drop", result)
	}
	// A continuing fragment now has nothing to continue.
	if result := r.ConsumeFragment(continuing(6)); !result.FramesDropped {
		t.Errorf("got %+v, want drop", result)
	}
}

func TestRecombinerIncompleteFrameStaysPending(t *testing.T) {
	useTestLogger(t)
	r := NewRecombiner(testHandle)

	r.ConsumeFragment(first(0x10, 0x00, 0x40, 0x00))
	for i := 0; i < 3; i++ {
		if result := r.ConsumeFragment(continuing(byte(i))); result.PDU != nil || result.FramesDropped {
			t.Fatalf("step %d: unexpected result %+v", i, result)
		}
	}
}

func TestRecombinerRejectsForeignHandle(t *testing.T) {
	r := NewRecombiner(testHandle)
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	r.ConsumeFragment(&hci.ACLDataPacket{ConnectionHandle: 0x0002, Payload: []byte{0, 0, 0x40, 0}})
}
