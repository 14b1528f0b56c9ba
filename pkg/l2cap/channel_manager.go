package l2cap

import (
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/muxable/bthost/pkg/hci"
)

// SendACLFunc hands outbound fragments to the controller. It returns false if
// they were not queued.
type SendACLFunc func(packets []*hci.ACLDataPacket, linkType hci.LinkType) bool

// ChannelManager is the L2CAP layer of one adapter. It owns the logical
// links, keyed by connection handle, and the adapter-wide service registry.
//
// Every method except MakeInboundDataHandler must be called on the
// dispatcher passed to NewChannelManager.
type ChannelManager struct {
	cfg        Config
	sendACL    SendACLFunc
	dispatcher Dispatcher

	links map[hci.ConnectionHandle]*LogicalLink
	// pendingPackets holds data for handles whose connection has not been
	// registered yet, in arrival order.
	pendingPackets map[hci.ConnectionHandle][]*hci.ACLDataPacket
	services       map[PSM]ChannelCallback

	closed bool
}

func NewChannelManager(cfg Config, sendACL SendACLFunc, d Dispatcher) *ChannelManager {
	return &ChannelManager{
		cfg:            cfg,
		sendACL:        sendACL,
		dispatcher:     d,
		links:          make(map[hci.ConnectionHandle]*LogicalLink),
		pendingPackets: make(map[hci.ConnectionHandle][]*hci.ACLDataPacket),
		services:       make(map[PSM]ChannelCallback),
	}
}

// MakeInboundDataHandler returns the receiver of inbound ACL data for the
// HCI layer. It may be called from any goroutine.
func (m *ChannelManager) MakeInboundDataHandler() func(*hci.ACLDataPacket) {
	return func(p *hci.ACLDataPacket) {
		m.dispatcher.Post(func() { m.OnACLDataReceived(p) })
	}
}

// OnACLDataReceived routes p to its link, or queues it until the link is
// registered.
func (m *ChannelManager) OnACLDataReceived(p *hci.ACLDataPacket) {
	if m.closed {
		return
	}
	l, ok := m.links[p.ConnectionHandle]
	if !ok {
		zap.L().Debug("queueing data for unregistered link", zap.Stringer("handle", p.ConnectionHandle))
		m.pendingPackets[p.ConnectionHandle] = append(m.pendingPackets[p.ConnectionHandle], p)
		return
	}
	l.HandleRxPacket(p)
}

// RegisterACL creates the logical link for a BR/EDR connection. linkErrorCb
// and securityCb run on d. Registering a handle twice is a programming error.
func (m *ChannelManager) RegisterACL(handle hci.ConnectionHandle, role hci.Role, linkErrorCb LinkErrorCallback, securityCb SecurityUpgradeCallback, d Dispatcher) {
	m.registerLink(linkParams{
		handle:               handle,
		linkType:             hci.LinkTypeACL,
		role:                 role,
		registrantDispatcher: d,
		linkErrorCb:          linkErrorCb,
		securityCb:           securityCb,
	})
}

// RegisterLE creates the logical link for an LE connection. connParamCb
// receives connection parameters accepted from a peripheral.
func (m *ChannelManager) RegisterLE(handle hci.ConnectionHandle, role hci.Role, connParamCb LEConnectionParameterUpdateCallback, linkErrorCb LinkErrorCallback, securityCb SecurityUpgradeCallback, d Dispatcher) {
	m.registerLink(linkParams{
		handle:               handle,
		linkType:             hci.LinkTypeLE,
		role:                 role,
		registrantDispatcher: d,
		linkErrorCb:          linkErrorCb,
		securityCb:           securityCb,
		connParamCb:          connParamCb,
	})
}

func (m *ChannelManager) registerLink(p linkParams) {
	if m.closed {
		zap.L().Warn("ignoring link registered after close", zap.Stringer("handle", p.handle))
		return
	}
	if _, ok := m.links[p.handle]; ok {
		panic(fmt.Sprintf("l2cap: connection handle %v registered twice", p.handle))
	}
	linkType := p.linkType
	p.cfg = m.cfg
	p.dispatcher = m.dispatcher
	p.sendACL = func(packets []*hci.ACLDataPacket) bool { return m.sendACL(packets, linkType) }
	handle := p.handle
	p.queryService = func(psm PSM) ChannelCallback { return m.QueryService(handle, psm) }

	l := newLogicalLink(p)
	m.links[p.handle] = l
	l.logger().Info("registered link", zap.Stringer("role", p.role))

	pending := m.pendingPackets[p.handle]
	delete(m.pendingPackets, p.handle)
	for _, packet := range pending {
		l.HandleRxPacket(packet)
	}
}

// Unregister closes the link for handle and drops any data still queued for
// it.
func (m *ChannelManager) Unregister(handle hci.ConnectionHandle) {
	delete(m.pendingPackets, handle)
	l, ok := m.links[handle]
	if !ok {
		return
	}
	if err := l.Close(); err != nil {
		l.logger().Debug("errors closing link", zap.Error(err))
	}
	delete(m.links, handle)
	l.logger().Info("unregistered link")
}

// AssignLinkSecurityProperties records the link's new security state. Unknown
// handles are ignored.
func (m *ChannelManager) AssignLinkSecurityProperties(handle hci.ConnectionHandle, p SecurityProperties) {
	if l, ok := m.links[handle]; ok {
		l.AssignSecurityProperties(p)
	}
}

// OpenFixedChannel returns the fixed channel id on handle, or nil if the link
// is unknown or does not carry it.
func (m *ChannelManager) OpenFixedChannel(handle hci.ConnectionHandle, id ChannelID) *Channel {
	l, ok := m.links[handle]
	if !ok {
		zap.L().Debug("cannot open fixed channel on unknown link", zap.Stringer("handle", handle), zap.Stringer("channel", id))
		return nil
	}
	return l.OpenFixedChannel(id)
}

// OpenChannel negotiates a dynamic channel to psm on handle. cb runs on d with
// the channel, or nil on failure.
func (m *ChannelManager) OpenChannel(handle hci.ConnectionHandle, psm PSM, cb ChannelCallback, d Dispatcher) {
	wrapped := func(ch *Channel) { d.Post(func() { cb(ch) }) }
	l, ok := m.links[handle]
	if !ok {
		zap.L().Debug("cannot open channel on unknown link", zap.Stringer("handle", handle), zap.Stringer("psm", psm))
		wrapped(nil)
		return
	}
	l.OpenChannel(psm, wrapped)
}

// RegisterService delivers inbound channels for psm to cb on d. It returns
// false if psm is malformed or already registered.
func (m *ChannelManager) RegisterService(psm PSM, cb ChannelCallback, d Dispatcher) bool {
	if !IsValidPSM(psm) {
		zap.L().Debug("refusing invalid psm", zap.Stringer("psm", psm))
		return false
	}
	if _, ok := m.services[psm]; ok {
		zap.L().Debug("psm already registered", zap.Stringer("psm", psm))
		return false
	}
	m.services[psm] = func(ch *Channel) { d.Post(func() { cb(ch) }) }
	return true
}

func (m *ChannelManager) UnregisterService(psm PSM) {
	delete(m.services, psm)
}

// QueryService returns the delivery callback for an inbound channel to psm
// on handle, or nil if the peer must be refused.
func (m *ChannelManager) QueryService(handle hci.ConnectionHandle, psm PSM) ChannelCallback {
	if _, ok := m.links[handle]; !ok {
		return nil
	}
	return m.services[psm]
}

// Close closes every link. The manager drops all further data.
func (m *ChannelManager) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	var err error
	for handle, l := range m.links {
		err = multierr.Append(err, l.Close())
		delete(m.links, handle)
	}
	m.pendingPackets = make(map[hci.ConnectionHandle][]*hci.ACLDataPacket)
	return err
}
