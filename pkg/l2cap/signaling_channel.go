package l2cap

import (
	"encoding/binary"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/muxable/bthost/pkg/hci"
)

var ErrSignalingChannelClosed = errors.New("signaling channel closed")

type responseStatus uint8

const (
	responseStatusSuccess responseStatus = iota
	responseStatusReject
	responseStatusTimeout
)

// responseHandler receives the reply to an outbound request. rsp is nil on
// timeout and a *CommandRejectResponsePacket on reject. Returning true keeps
// the request outstanding for a further response.
type responseHandler func(status responseStatus, rsp SignallingPacket) (expectMore bool)

// requestHandler serves one inbound request.
type requestHandler func(req SignallingPacket, r *responder)

type pendingRequest struct {
	code    CommandCode
	handler responseHandler
	timer   *time.Timer
}

// signalingChannel runs the command protocol over CID 0x0001 (BR/EDR) or
// 0x0005 (LE). All methods run on the L2CAP dispatcher.
type signalingChannel struct {
	handle     hci.ConnectionHandle
	linkType   hci.LinkType
	cid        ChannelID
	send       func(frame []byte) error
	dispatcher Dispatcher
	timeout    time.Duration

	nextID   uint8
	pending  map[uint8]*pendingRequest
	handlers map[CommandCode]requestHandler
	closed   bool
}

func newSignalingChannel(handle hci.ConnectionHandle, linkType hci.LinkType, send func([]byte) error, d Dispatcher, timeout time.Duration) *signalingChannel {
	cid := ChannelIDSignallingACLU
	if linkType == hci.LinkTypeLE {
		cid = ChannelIDSignallingLEU
	}
	return &signalingChannel{
		handle:     handle,
		linkType:   linkType,
		cid:        cid,
		send:       send,
		dispatcher: d,
		timeout:    timeout,
		nextID:     1,
		pending:    make(map[uint8]*pendingRequest),
		handlers:   make(map[CommandCode]requestHandler),
	}
}

// serveRequest installs the handler for inbound requests with code. Requests
// without a handler are rejected as not understood.
func (s *signalingChannel) serveRequest(code CommandCode, h requestHandler) {
	s.handlers[code] = h
}

func (s *signalingChannel) nextIdentifier() uint8 {
	// Identifier 0 is never valid; skip identifiers still awaiting a response.
	for i := 0; i < 255; i++ {
		id := s.nextID
		s.nextID++
		if s.nextID == 0 {
			s.nextID = 1
		}
		if _, ok := s.pending[id]; !ok {
			return id
		}
	}
	return 0
}

// sendRequest assigns an identifier to req via setID, sends it and routes the
// response (or timeout) to h.
func (s *signalingChannel) sendRequest(code CommandCode, setID func(uint8) SignallingPacket, h responseHandler) error {
	if s.closed {
		return ErrSignalingChannelClosed
	}
	id := s.nextIdentifier()
	if id == 0 {
		return errors.New("no signaling identifiers available")
	}
	buf, err := setID(id).Marshal()
	if err != nil {
		return errors.Wrapf(err, "marshal %#.2x", uint8(code))
	}
	if err := s.send(buf); err != nil {
		return err
	}
	p := &pendingRequest{code: code, handler: h}
	s.pending[id] = p
	s.armTimer(id, p)
	return nil
}

func (s *signalingChannel) armTimer(id uint8, p *pendingRequest) {
	p.timer = time.AfterFunc(s.timeout, func() {
		s.dispatcher.Post(func() {
			if s.pending[id] != p {
				return
			}
			delete(s.pending, id)
			zap.L().Debug("signaling request timed out", zap.Stringer("handle", s.handle), zap.Uint8("id", id))
			p.handler(responseStatusTimeout, nil)
		})
	})
}

func (s *signalingChannel) sendPacket(p SignallingPacket) {
	buf, err := p.Marshal()
	if err == nil {
		err = s.send(buf)
	}
	if err != nil {
		zap.L().Warn("failed to send signaling packet", zap.Stringer("handle", s.handle), zap.Error(err))
	}
}

// handleFrame processes one C-frame payload.
func (s *signalingChannel) handleFrame(buf []byte) {
	if s.closed {
		return
	}
	if len(buf) > int(SignalingMTU) {
		h, err := parseCommandHeader(buf)
		if err != nil {
			return
		}
		data := make([]byte, 2)
		binary.LittleEndian.PutUint16(data, SignalingMTU)
		s.reject(h.Identifier, CommandRejectReasonSignalingMTUExceeded, data)
		return
	}
	for len(buf) > 0 {
		h, err := parseCommandHeader(buf)
		if err != nil {
			zap.L().Debug("dropping truncated signaling command", zap.Stringer("handle", s.handle))
			return
		}
		end := commandHeaderSize + int(h.Length)
		if end > len(buf) {
			zap.L().Debug("signaling command overruns frame", zap.Stringer("handle", s.handle), zap.Uint8("id", h.Identifier))
			s.reject(h.Identifier, CommandRejectReasonCommandNotUnderstood, nil)
			return
		}
		s.handleCommand(h, buf[:end])
		buf = buf[end:]
		// An LE C-frame carries exactly one command.
		if s.linkType == hci.LinkTypeLE {
			return
		}
	}
}

func (s *signalingChannel) handleCommand(h commandHeader, cmd []byte) {
	if h.Identifier == 0 {
		zap.L().Debug("dropping signaling command with identifier 0", zap.Stringer("handle", s.handle))
		return
	}
	if h.Code.isResponse() {
		s.handleResponse(h, cmd)
		return
	}
	handler, ok := s.handlers[h.Code]
	if !ok {
		zap.L().Debug("rejecting unsupported signaling command", zap.Stringer("handle", s.handle), zap.Uint8("code", uint8(h.Code)))
		s.reject(h.Identifier, CommandRejectReasonCommandNotUnderstood, nil)
		return
	}
	req, err := UnmarshalSignallingPacket(cmd)
	if err != nil {
		zap.L().Debug("rejecting malformed signaling command", zap.Stringer("handle", s.handle), zap.Uint8("code", uint8(h.Code)), zap.Error(err))
		s.reject(h.Identifier, CommandRejectReasonCommandNotUnderstood, nil)
		return
	}
	handler(req, &responder{sig: s, id: h.Identifier})
}

func (s *signalingChannel) handleResponse(h commandHeader, cmd []byte) {
	p, ok := s.pending[h.Identifier]
	if !ok {
		zap.L().Debug("dropping unexpected signaling response", zap.Stringer("handle", s.handle), zap.Uint8("id", h.Identifier))
		return
	}
	status := responseStatusSuccess
	if h.Code == CommandCodeCommandRejectResponse {
		status = responseStatusReject
	} else if h.Code != p.code+1 {
		zap.L().Debug("dropping mismatched signaling response", zap.Stringer("handle", s.handle),
			zap.Uint8("id", h.Identifier), zap.Uint8("code", uint8(h.Code)))
		return
	}
	rsp, err := UnmarshalSignallingPacket(cmd)
	if err != nil {
		zap.L().Debug("dropping malformed signaling response", zap.Stringer("handle", s.handle), zap.Error(err))
		return
	}
	p.timer.Stop()
	delete(s.pending, h.Identifier)
	if p.handler(status, rsp) {
		s.pending[h.Identifier] = p
		s.armTimer(h.Identifier, p)
	}
}

func (s *signalingChannel) reject(id uint8, reason CommandRejectReason, data []byte) {
	s.sendPacket(&CommandRejectResponsePacket{Identifier: id, CommandRejectReason: reason, ReasonData: data})
}

// close drops all outstanding requests without invoking their handlers.
func (s *signalingChannel) close() {
	s.closed = true
	for id, p := range s.pending {
		p.timer.Stop()
		delete(s.pending, id)
	}
}

// responder answers one inbound request.
type responder struct {
	sig *signalingChannel
	id  uint8
}

func (r *responder) ID() uint8 { return r.id }

func (r *responder) Send(p SignallingPacket) {
	r.sig.sendPacket(p)
}

func (r *responder) RejectNotUnderstood() {
	r.sig.reject(r.id, CommandRejectReasonCommandNotUnderstood, nil)
}

func (r *responder) RejectInvalidChannelID(local, remote ChannelID) {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint16(data[0:], uint16(local))
	binary.LittleEndian.PutUint16(data[2:], uint16(remote))
	r.sig.reject(r.id, CommandRejectReasonInvalidCIDInRequest, data)
}

// serveEcho answers Echo Requests with the same data.
func (s *signalingChannel) serveEcho() {
	s.serveRequest(CommandCodeEchoRequest, func(req SignallingPacket, r *responder) {
		echo := req.(*EchoRequestPacket)
		r.Send(&EchoResponsePacket{Identifier: r.ID(), EchoData: echo.EchoData})
	})
}

// serveInformation answers Information Requests for the extended feature
// mask and fixed channel map.
func (s *signalingChannel) serveInformation(features uint32, fixedChannels uint64) {
	s.serveRequest(CommandCodeInformationRequest, func(req SignallingPacket, r *responder) {
		info := req.(*InformationRequestPacket)
		rsp := &InformationResponsePacket{Identifier: r.ID(), InfoType: info.InfoType}
		switch info.InfoType {
		case InfoTypeExtendedFeaturesSupported:
			rsp.Info = make([]byte, 4)
			binary.LittleEndian.PutUint32(rsp.Info, features)
		case InfoTypeFixedChannelsSupported:
			rsp.Info = make([]byte, 8)
			binary.LittleEndian.PutUint64(rsp.Info, fixedChannels)
		default:
			rsp.Result = InfoTypeResultNotSupported
		}
		r.Send(rsp)
	})
}

// serveConnectionParameterUpdate handles LE parameter requests. Only the
// central may accept them.
func (s *signalingChannel) serveConnectionParameterUpdate(role hci.Role, accept func(LEConnectionParameters)) {
	s.serveRequest(CommandCodeConnectionParameterUpdateRequest, func(req SignallingPacket, r *responder) {
		if role != hci.RoleCentral {
			r.RejectNotUnderstood()
			return
		}
		u := req.(*ConnectionParameterUpdateRequestPacket)
		params := LEConnectionParameters{
			IntervalMin:        u.IntervalMin,
			IntervalMax:        u.IntervalMax,
			PeripheralLatency:  u.Latency,
			SupervisionTimeout: u.Timeout,
		}
		result := ConnectionParameterUpdateResultRejected
		if validConnectionParameters(params) {
			result = ConnectionParameterUpdateResultAccepted
		}
		r.Send(&ConnectionParameterUpdateResponsePacket{Identifier: r.ID(), Result: result})
		if result == ConnectionParameterUpdateResultAccepted {
			accept(params)
		}
	})
}

// validConnectionParameters applies the ranges of Vol 4, Part E, Section 7.8.18.
func validConnectionParameters(p LEConnectionParameters) bool {
	if p.IntervalMin < 0x0006 || p.IntervalMax > 0x0C80 || p.IntervalMin > p.IntervalMax {
		return false
	}
	if p.PeripheralLatency > 0x01F3 {
		return false
	}
	if p.SupervisionTimeout < 0x000A || p.SupervisionTimeout > 0x0C80 {
		return false
	}
	// The supervision timeout (10ms units) must exceed
	// (1 + latency) * interval_max * 2 (1.25ms units).
	return uint32(p.SupervisionTimeout)*4 > (1+uint32(p.PeripheralLatency))*uint32(p.IntervalMax)
}
