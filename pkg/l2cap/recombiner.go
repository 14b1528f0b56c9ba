package l2cap

import (
	"fmt"

	"github.com/muxable/bthost/pkg/hci"
	"go.uber.org/zap"
)

// RecombinerResult is the outcome of consuming one fragment. PDU is non-nil
// once a frame is complete. FramesDropped reports that one or more frames
// were discarded as malformed while processing the fragment.
type RecombinerResult struct {
	PDU           *PDU
	FramesDropped bool
}

type recombination struct {
	pdu                 *PDU
	expectedFrameLength int // header included
	accumulatedLength   int
}

// Recombiner reassembles the ACL fragments of one connection into complete
// basic L2CAP frames. It is not safe for concurrent use.
type Recombiner struct {
	handle        hci.ConnectionHandle
	recombination *recombination
}

func NewRecombiner(handle hci.ConnectionHandle) *Recombiner {
	return &Recombiner{handle: handle}
}

// ConsumeFragment takes ownership of f. A fragment that belongs to another
// connection is a programming error.
func (r *Recombiner) ConsumeFragment(f *hci.ACLDataPacket) RecombinerResult {
	if f.ConnectionHandle != r.handle {
		panic(fmt.Sprintf("l2cap: recombiner for %v received fragment for %v", r.handle, f.ConnectionHandle))
	}

	if r.recombination == nil {
		return r.processFirstFragment(f)
	}

	if f.PacketBoundaryFlag != hci.PacketBoundaryContinuingFragment {
		// A new frame started before the previous one completed.
		zap.L().Debug("dropping incomplete frame", zap.Stringer("handle", r.handle),
			zap.Int("expected", r.recombination.expectedFrameLength),
			zap.Int("accumulated", r.recombination.accumulatedLength))
		r.clearRecombination()
		result := r.processFirstFragment(f)
		result.FramesDropped = true
		return result
	}

	r.recombination.accumulatedLength += len(f.Payload)
	if r.recombination.accumulatedLength > r.recombination.expectedFrameLength {
		zap.L().Debug("dropping oversized frame", zap.Stringer("handle", r.handle),
			zap.Int("expected", r.recombination.expectedFrameLength),
			zap.Int("accumulated", r.recombination.accumulatedLength))
		r.clearRecombination()
		return RecombinerResult{FramesDropped: true}
	}
	r.recombination.pdu.AppendFragment(f)

	if r.recombination.accumulatedLength == r.recombination.expectedFrameLength {
		pdu := r.recombination.pdu.Move()
		r.clearRecombination()
		return RecombinerResult{PDU: pdu}
	}
	return RecombinerResult{}
}

func (r *Recombiner) processFirstFragment(f *hci.ACLDataPacket) RecombinerResult {
	if f.PacketBoundaryFlag == hci.PacketBoundaryContinuingFragment {
		zap.L().Debug("dropping continuing fragment without a frame in progress", zap.Stringer("handle", r.handle))
		return RecombinerResult{FramesDropped: true}
	}
	if len(f.Payload) < BasicHeaderSize {
		zap.L().Debug("dropping fragment shorter than basic header", zap.Stringer("handle", r.handle), zap.Int("size", len(f.Payload)))
		return RecombinerResult{FramesDropped: true}
	}

	expected := int(parseBasicHeader(f.Payload).Length) + BasicHeaderSize
	switch {
	case len(f.Payload) > expected:
		zap.L().Debug("dropping fragment longer than its frame", zap.Stringer("handle", r.handle),
			zap.Int("expected", expected), zap.Int("size", len(f.Payload)))
		return RecombinerResult{FramesDropped: true}
	case len(f.Payload) == expected:
		pdu := &PDU{}
		pdu.AppendFragment(f)
		return RecombinerResult{PDU: pdu}
	}

	pdu := &PDU{}
	pdu.AppendFragment(f)
	r.recombination = &recombination{
		pdu:                 pdu,
		expectedFrameLength: expected,
		accumulatedLength:   len(f.Payload),
	}
	return RecombinerResult{}
}

func (r *Recombiner) clearRecombination() {
	r.recombination = nil
}
