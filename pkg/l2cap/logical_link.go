package l2cap

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/muxable/bthost/pkg/hci"
)

var (
	ErrLinkClosed   = errors.New("logical link closed")
	ErrACLQueueFull = errors.New("acl data not accepted by controller queue")
)

// ChannelCallback receives an opened channel, or nil on failure.
type ChannelCallback func(*Channel)

// LogicalLink is the L2CAP state of one ACL or LE connection. All methods run
// on the L2CAP dispatcher.
type LogicalLink struct {
	handle   hci.ConnectionHandle
	linkType hci.LinkType
	role     hci.Role
	cfg      Config

	dispatcher Dispatcher
	sendACL    func([]*hci.ACLDataPacket) bool

	recombiner *Recombiner
	fragmenter *Fragmenter

	channels map[ChannelID]*Channel
	// pendingPDUs holds frames for fixed channels that have not been opened.
	pendingPDUs map[ChannelID][]*PDU

	sig      *signalingChannel
	registry *bredrDynamicChannelRegistry // nil on LE links

	security SecurityProperties

	queryService func(PSM) ChannelCallback

	// Registrant callbacks, run on registrantDispatcher.
	registrantDispatcher Dispatcher
	linkErrorCb          LinkErrorCallback
	securityCb           SecurityUpgradeCallback
	connParamCb          LEConnectionParameterUpdateCallback

	errorSignaled bool
	closed        bool
}

type linkParams struct {
	handle       hci.ConnectionHandle
	linkType     hci.LinkType
	role         hci.Role
	cfg          Config
	dispatcher   Dispatcher
	sendACL      func([]*hci.ACLDataPacket) bool
	queryService func(PSM) ChannelCallback

	registrantDispatcher Dispatcher
	linkErrorCb          LinkErrorCallback
	securityCb           SecurityUpgradeCallback
	connParamCb          LEConnectionParameterUpdateCallback
}

func newLogicalLink(p linkParams) *LogicalLink {
	l := &LogicalLink{
		handle:               p.handle,
		linkType:             p.linkType,
		role:                 p.role,
		cfg:                  p.cfg,
		dispatcher:           p.dispatcher,
		sendACL:              p.sendACL,
		recombiner:           NewRecombiner(p.handle),
		fragmenter:           NewFragmenter(p.handle, p.cfg.maxPayloadSize(p.linkType == hci.LinkTypeLE)),
		channels:             make(map[ChannelID]*Channel),
		pendingPDUs:          make(map[ChannelID][]*PDU),
		queryService:         p.queryService,
		registrantDispatcher: p.registrantDispatcher,
		linkErrorCb:          p.linkErrorCb,
		securityCb:           p.securityCb,
		connParamCb:          p.connParamCb,
	}

	l.sig = newSignalingChannel(l.handle, l.linkType, l.sendSignalingFrame, l.dispatcher, l.cfg.SignalingResponseTimeout)
	if l.linkType == hci.LinkTypeLE {
		l.sig.serveConnectionParameterUpdate(l.role, l.onConnectionParameterUpdate)
	} else {
		l.registry = newBREDRDynamicChannelRegistry(l.sig, l.cfg, l.onDynamicChannelClosed, l.onServiceRequest)
	}
	return l
}

func (l *LogicalLink) logger() *zap.Logger {
	return zap.L().With(zap.Stringer("handle", l.handle), zap.Stringer("link_type", l.linkType))
}

func (l *LogicalLink) isAllowedFixedChannel(id ChannelID) bool {
	if l.linkType == hci.LinkTypeLE {
		switch id {
		case ChannelIDAttributeProtocol, ChannelIDSignallingLEU, ChannelIDSecurityManagerProtocol:
			return true
		}
		return false
	}
	switch id {
	case ChannelIDSignallingACLU, ChannelIDConnectionless, ChannelIDBREDRSecurityManager:
		return true
	}
	return false
}

// HandleRxPacket consumes one inbound ACL fragment and routes any completed
// frame to its channel.
func (l *LogicalLink) HandleRxPacket(p *hci.ACLDataPacket) {
	if l.closed {
		return
	}
	result := l.recombiner.ConsumeFragment(p)
	if result.FramesDropped {
		l.logger().Warn("frame(s) dropped due to recombination error")
	}
	if result.PDU == nil {
		return
	}
	pdu := result.PDU
	id := pdu.ChannelID()

	if id == l.sig.cid {
		buf := pdu.Bytes()
		pdu.ReleaseFragments()
		l.sig.handleFrame(buf)
		return
	}
	if ch, ok := l.channels[id]; ok {
		ch.HandleRxPDU(pdu)
		return
	}
	if l.isAllowedFixedChannel(id) {
		l.pendingPDUs[id] = append(l.pendingPDUs[id], pdu)
		return
	}
	l.logger().Debug("dropping frame for unknown channel", zap.Stringer("channel", id), zap.Int("size", pdu.Length()))
	pdu.ReleaseFragments()
}

// OpenFixedChannel returns the channel for a fixed CID, or nil if the link
// type does not carry it or it is already open. Frames that arrived before
// the channel was opened are delivered on activation.
func (l *LogicalLink) OpenFixedChannel(id ChannelID) *Channel {
	if l.closed || !l.isAllowedFixedChannel(id) || id == l.sig.cid {
		return nil
	}
	if _, ok := l.channels[id]; ok {
		l.logger().Debug("fixed channel already open", zap.Stringer("channel", id))
		return nil
	}
	ch := newChannel(l, id, id, ChannelInfo{Mode: ChannelModeBasic, RxMTU: MaxMTU, TxMTU: MaxMTU})
	l.channels[id] = ch
	for _, pdu := range l.pendingPDUs[id] {
		ch.HandleRxPDU(pdu)
	}
	delete(l.pendingPDUs, id)
	return ch
}

// OpenChannel negotiates a dynamic channel to psm. cb receives nil if the
// link does not support dynamic channels or negotiation fails.
func (l *LogicalLink) OpenChannel(psm PSM, cb ChannelCallback) {
	if l.closed || l.registry == nil {
		l.logger().Debug("dynamic channels unavailable", zap.Stringer("psm", psm))
		l.dispatcher.Post(func() { cb(nil) })
		return
	}
	l.registry.OpenOutbound(psm, func(dc DynamicChannel) {
		if dc == nil {
			cb(nil)
			return
		}
		cb(l.addDynamicChannel(dc))
	})
}

func (l *LogicalLink) addDynamicChannel(dc DynamicChannel) *Channel {
	ch := newChannel(l, dc.LocalCID(), dc.RemoteCID(), dc.Info())
	l.channels[ch.ID()] = ch
	return ch
}

func (l *LogicalLink) onServiceRequest(psm PSM) DynamicChannelCallback {
	cb := l.queryService(psm)
	if cb == nil {
		return nil
	}
	return func(dc DynamicChannel) {
		if dc == nil {
			return
		}
		cb(l.addDynamicChannel(dc))
	}
}

func (l *LogicalLink) onDynamicChannelClosed(dc DynamicChannel) {
	ch, ok := l.channels[dc.LocalCID()]
	if !ok {
		return
	}
	delete(l.channels, dc.LocalCID())
	ch.onClosed()
}

func (l *LogicalLink) onConnectionParameterUpdate(params LEConnectionParameters) {
	if l.connParamCb == nil {
		return
	}
	cb := l.connParamCb
	l.registrantDispatcher.Post(func() { cb(params) })
}

// SendBasicFrame frames payload for the peer's remoteID and queues it to the
// controller.
func (l *LogicalLink) SendBasicFrame(remoteID ChannelID, payload []byte) {
	if err := l.sendFrame(remoteID, payload); err != nil {
		l.logger().Debug("failed to send frame", zap.Stringer("channel", remoteID), zap.Error(err))
	}
}

func (l *LogicalLink) sendFrame(remoteID ChannelID, payload []byte) error {
	if l.closed {
		return ErrLinkClosed
	}
	// LE-U does not support automatically flushable packets.
	pdu, err := l.fragmenter.BuildBasicFrame(remoteID, payload, l.linkType == hci.LinkTypeACL)
	if err != nil {
		return err
	}
	if !l.sendACL(pdu.ReleaseFragments()) {
		return ErrACLQueueFull
	}
	return nil
}

func (l *LogicalLink) sendSignalingFrame(frame []byte) error {
	return l.sendFrame(l.sig.cid, frame)
}

// RemoveChannel forgets ch and disconnects it if it is dynamic.
func (l *LogicalLink) RemoveChannel(ch *Channel) {
	if cur, ok := l.channels[ch.ID()]; !ok || cur != ch {
		return
	}
	delete(l.channels, ch.ID())
	if ch.ID().isDynamic() && l.registry != nil {
		l.registry.CloseChannel(ch.ID())
	}
}

// SignalError notifies the registrant once that the link should be torn down.
func (l *LogicalLink) SignalError() {
	if l.closed || l.errorSignaled {
		return
	}
	l.errorSignaled = true
	l.logger().Warn("link error signaled")
	if cb := l.linkErrorCb; cb != nil {
		l.registrantDispatcher.Post(func() { cb() })
	}
}

func (l *LogicalLink) AssignSecurityProperties(p SecurityProperties) {
	l.security = p
	for _, ch := range l.channels {
		ch.setSecurity(p)
	}
}

// UpgradeSecurity asks the registrant to raise the link to level. cb runs on
// the L2CAP dispatcher.
func (l *LogicalLink) UpgradeSecurity(level SecurityLevel, cb func(error)) {
	if l.closed {
		cb(ErrLinkClosed)
		return
	}
	if l.security.Level >= level {
		cb(nil)
		return
	}
	if l.securityCb == nil {
		cb(ErrInsufficientSecurity)
		return
	}
	securityCb, handle := l.securityCb, l.handle
	l.registrantDispatcher.Post(func() {
		securityCb(handle, level, func(err error) {
			l.dispatcher.Post(func() {
				if err != nil {
					err = errors.Wrapf(err, "upgrade to %s", level)
				}
				cb(err)
			})
		})
	})
}

// Close disconnects dynamic channels, notifies every open channel and
// releases buffered frames. Errors from telling the peer are returned for
// logging only.
func (l *LogicalLink) Close() error {
	if l.closed {
		return nil
	}
	var err error
	if l.registry != nil {
		err = l.registry.Close()
	}
	l.closed = true
	l.sig.close()

	for id, ch := range l.channels {
		delete(l.channels, id)
		ch.onClosed()
	}
	for id, pdus := range l.pendingPDUs {
		for _, pdu := range pdus {
			pdu.ReleaseFragments()
		}
		delete(l.pendingPDUs, id)
	}
	return err
}
