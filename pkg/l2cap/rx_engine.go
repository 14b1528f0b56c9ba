package l2cap

import (
	"go.uber.org/zap"
)

// RxEngine turns a received frame into the SDU it carries.
type RxEngine interface {
	// ProcessPDU consumes pdu and returns the SDU, or nil if the frame
	// carries no application data.
	ProcessPDU(pdu *PDU) []byte
}

type BasicModeRxEngine struct{}

func (BasicModeRxEngine) ProcessPDU(pdu *PDU) []byte {
	sdu := pdu.Bytes()
	pdu.ReleaseFragments()
	return sdu
}

// EnhancedRetransmissionModeRxEngine strips the control field from
// unsegmented I-frames. Supervisory frames are consumed without producing
// an SDU.
type EnhancedRetransmissionModeRxEngine struct{}

func (EnhancedRetransmissionModeRxEngine) ProcessPDU(pdu *PDU) []byte {
	frame := pdu.Bytes()
	id := pdu.ChannelID()
	pdu.ReleaseFragments()
	if len(frame) < EnhancedControlFieldSize {
		zap.L().Debug("dropping frame shorter than control field", zap.Stringer("channel", id))
		return nil
	}
	ctrl := parseEnhancedControlField(frame)
	if !ctrl.IsInformationFrame() {
		return nil
	}
	if ctrl.SAR() != SegmentationStatusUnsegmented {
		zap.L().Debug("dropping segmented i-frame", zap.Stringer("channel", id), zap.Uint8("tx_seq", ctrl.TxSeq()))
		return nil
	}
	return frame[EnhancedControlFieldSize:]
}
