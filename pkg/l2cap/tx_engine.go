package l2cap

import (
	"go.uber.org/zap"
)

// SendFrameFunc hands a framed SDU to the link, which adds the basic header
// and fragments it.
type SendFrameFunc func(frame []byte)

// TxEngine applies a channel mode's outbound framing to SDUs.
type TxEngine interface {
	// QueueSDU frames and sends sdu. It returns false, and sends nothing, if
	// the SDU cannot be carried by the channel.
	QueueSDU(sdu []byte) bool
}

type txEngine struct {
	channelID      ChannelID
	txMTU          uint16
	sendBasicFrame SendFrameFunc
}

func (e *txEngine) fitsMTU(sdu []byte) bool {
	if len(sdu) > int(e.txMTU) {
		zap.L().Debug("sdu exceeds tx mtu",
			zap.Stringer("channel", e.channelID),
			zap.Int("size", len(sdu)),
			zap.Uint16("mtu", e.txMTU))
		return false
	}
	return true
}

// BasicModeTxEngine sends SDUs unmodified.
type BasicModeTxEngine struct {
	txEngine
}

func NewBasicModeTxEngine(id ChannelID, txMTU uint16, send SendFrameFunc) *BasicModeTxEngine {
	return &BasicModeTxEngine{txEngine{channelID: id, txMTU: txMTU, sendBasicFrame: send}}
}

func (e *BasicModeTxEngine) QueueSDU(sdu []byte) bool {
	if !e.fitsMTU(sdu) {
		return false
	}
	e.sendBasicFrame(sdu)
	return true
}

// EnhancedRetransmissionModeTxEngine numbers each SDU with an I-frame
// control field. Segmentation is not supported: an SDU larger than the MTU is
// refused.
type EnhancedRetransmissionModeTxEngine struct {
	txEngine
	nextTxSeq uint8
}

func NewEnhancedRetransmissionModeTxEngine(id ChannelID, txMTU uint16, send SendFrameFunc) *EnhancedRetransmissionModeTxEngine {
	return &EnhancedRetransmissionModeTxEngine{txEngine: txEngine{channelID: id, txMTU: txMTU, sendBasicFrame: send}}
}

func (e *EnhancedRetransmissionModeTxEngine) QueueSDU(sdu []byte) bool {
	if !e.fitsMTU(sdu) {
		return false
	}
	frame := make([]byte, EnhancedControlFieldSize+len(sdu))
	NewInformationFrameControlField(e.nextSeqNum(), SegmentationStatusUnsegmented).put(frame)
	copy(frame[EnhancedControlFieldSize:], sdu)
	e.sendBasicFrame(frame)
	return true
}

func (e *EnhancedRetransmissionModeTxEngine) nextSeqNum() uint8 {
	seq := e.nextTxSeq
	e.nextTxSeq = (e.nextTxSeq + 1) % (MaxSeqNum + 1)
	return seq
}
