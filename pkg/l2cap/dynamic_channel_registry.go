package l2cap

import (
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ChannelInfo is the outcome of a dynamic channel's configuration.
type ChannelInfo struct {
	Mode  ChannelMode
	RxMTU uint16
	TxMTU uint16
}

// DynamicChannel is a PSM-addressed channel negotiated over the signaling
// channel. Implementations run on the L2CAP dispatcher.
type DynamicChannel interface {
	LocalCID() ChannelID
	// RemoteCID is ChannelIDInvalid until the peer has assigned one.
	RemoteCID() ChannelID
	PSM() PSM

	// Open starts negotiation and calls done exactly once when it finishes,
	// successfully or not. IsOpen reports which.
	Open(done func())

	// Disconnect tears the channel down and calls done exactly once, after
	// the peer acknowledged, refused or timed out. A non-nil error reports
	// that the peer could not be told; done has still been called.
	Disconnect(done func()) error

	// IsConnected reports whether both endpoints have a CID and the channel
	// has not been disconnected.
	IsConnected() bool
	// IsOpen reports whether the channel is connected and configured.
	IsOpen() bool

	Info() ChannelInfo
}

// DynamicChannelCallback receives an opened channel, or nil on failure.
type DynamicChannelCallback func(DynamicChannel)

// ServiceRequestCallback returns the handler for inbound channels on psm, or
// nil if no service is registered.
type ServiceRequestCallback func(psm PSM) DynamicChannelCallback

type dynamicChannelFactory interface {
	makeOutbound(psm PSM, localCID ChannelID) DynamicChannel
	makeInbound(psm PSM, localCID, remoteCID ChannelID) DynamicChannel
}

// DynamicChannelRegistry tracks the dynamic channels of one logical link and
// guarantees their local CIDs are unique. It is not safe for concurrent use.
type DynamicChannelRegistry struct {
	largestChannelID       ChannelID
	factory                dynamicChannelFactory
	closeCallback          DynamicChannelCallback
	serviceRequestCallback ServiceRequestCallback

	channels map[ChannelID]DynamicChannel
	// opened holds channels that were handed to a service or requester.
	opened map[ChannelID]bool
	closed bool
}

func newDynamicChannelRegistry(largest ChannelID, f dynamicChannelFactory, closeCb DynamicChannelCallback, serviceCb ServiceRequestCallback) *DynamicChannelRegistry {
	if largest < ChannelIDFirstDynamic {
		panic("l2cap: dynamic channel range is empty")
	}
	return &DynamicChannelRegistry{
		largestChannelID:       largest,
		factory:                f,
		closeCallback:          closeCb,
		serviceRequestCallback: serviceCb,
		channels:               make(map[ChannelID]DynamicChannel),
		opened:                 make(map[ChannelID]bool),
	}
}

// OpenOutbound allocates a CID and negotiates a channel to psm. openCb is
// called with nil, synchronously, if no CID is available.
func (r *DynamicChannelRegistry) OpenOutbound(psm PSM, openCb DynamicChannelCallback) {
	id := r.FindAvailableChannelID()
	if r.closed || id == ChannelIDInvalid {
		zap.L().Debug("no dynamic channel id available", zap.Stringer("psm", psm))
		openCb(nil)
		return
	}
	ch := r.factory.makeOutbound(psm, id)
	r.channels[id] = ch
	r.ActivateChannel(ch, openCb, true)
}

// CloseChannel disconnects the channel with localCID. The channel stays
// registered until the peer acknowledges.
func (r *DynamicChannelRegistry) CloseChannel(localCID ChannelID) {
	ch, ok := r.channels[localCID]
	if !ok {
		return
	}
	if err := ch.Disconnect(func() { r.RemoveChannel(ch) }); err != nil {
		zap.L().Debug("disconnect request not delivered", zap.Stringer("channel", localCID), zap.Error(err))
	}
}

// RequestService creates an inbound channel for psm if a service accepts it.
// It returns nil when no service is registered; the caller must refuse the
// peer's request.
func (r *DynamicChannelRegistry) RequestService(psm PSM, localCID, remoteCID ChannelID) DynamicChannel {
	if r.closed {
		return nil
	}
	if _, ok := r.channels[localCID]; ok || localCID == ChannelIDInvalid {
		panic("l2cap: inbound channel id already in use")
	}
	cb := r.serviceRequestCallback(psm)
	if cb == nil {
		zap.L().Debug("no service registered", zap.Stringer("psm", psm), zap.Stringer("remote", remoteCID))
		return nil
	}
	ch := r.factory.makeInbound(psm, localCID, remoteCID)
	r.channels[localCID] = ch
	r.ActivateChannel(ch, cb, false)
	return ch
}

// ActivateChannel opens ch and reports it through openCb. A channel that
// fails to open is disconnected; openCb then receives nil only if passFailed
// is set. Inbound requests pass false so a half-open failure never reaches
// the service.
func (r *DynamicChannelRegistry) ActivateChannel(ch DynamicChannel, openCb DynamicChannelCallback, passFailed bool) {
	ch.Open(func() {
		if ch.IsOpen() {
			r.opened[ch.LocalCID()] = true
			openCb(ch)
			return
		}
		zap.L().Debug("failed to open dynamic channel",
			zap.Stringer("local", ch.LocalCID()),
			zap.Stringer("remote", ch.RemoteCID()),
			zap.Stringer("psm", ch.PSM()))
		if err := ch.Disconnect(func() { r.RemoveChannel(ch) }); err != nil {
			zap.L().Debug("disconnect after failed open not delivered", zap.Stringer("channel", ch.LocalCID()), zap.Error(err))
		}
		if passFailed {
			openCb(nil)
		}
	})
}

// OnChannelDisconnected handles a peer-initiated disconnection.
func (r *DynamicChannelRegistry) OnChannelDisconnected(ch DynamicChannel) {
	if r.opened[ch.LocalCID()] && r.channels[ch.LocalCID()] == ch {
		r.closeCallback(ch)
	}
	r.RemoveChannel(ch)
}

// RemoveChannel forgets ch, releasing its CID.
func (r *DynamicChannelRegistry) RemoveChannel(ch DynamicChannel) {
	if cur, ok := r.channels[ch.LocalCID()]; ok && cur == ch {
		delete(r.channels, ch.LocalCID())
		delete(r.opened, ch.LocalCID())
	}
}

// FindAvailableChannelID returns the lowest unused dynamic CID, or
// ChannelIDInvalid if the range is exhausted.
func (r *DynamicChannelRegistry) FindAvailableChannelID() ChannelID {
	for id := ChannelIDFirstDynamic; ; id++ {
		if _, ok := r.channels[id]; !ok {
			return id
		}
		if id == r.largestChannelID {
			return ChannelIDInvalid
		}
	}
}

// Channel returns the channel with localCID, or nil.
func (r *DynamicChannelRegistry) Channel(localCID ChannelID) DynamicChannel {
	return r.channels[localCID]
}

// ChannelWithRemoteCID returns the channel the peer addresses as remoteCID.
func (r *DynamicChannelRegistry) ChannelWithRemoteCID(remoteCID ChannelID) DynamicChannel {
	for _, ch := range r.channels {
		if ch.RemoteCID() == remoteCID {
			return ch
		}
	}
	return nil
}

func (r *DynamicChannelRegistry) ForEach(f func(DynamicChannel)) {
	for _, ch := range r.channels {
		f(ch)
	}
}

// Close disconnects every channel without waiting for the peer and forgets
// them all. Channels still opening complete their open with a failure; only
// connected ones notify the peer. Delivery failures are returned for
// logging; the registry is closed regardless.
func (r *DynamicChannelRegistry) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	channels := r.channels
	r.channels = make(map[ChannelID]DynamicChannel)
	r.opened = make(map[ChannelID]bool)

	var err error
	for _, ch := range channels {
		err = multierr.Append(err, ch.Disconnect(func() {}))
	}
	return err
}
