package l2cap

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ERTM parameters we request. Retransmission is not implemented, so the
// window is a single frame.
const (
	ertmTxWindowSize          uint8  = 1
	ertmMaxTransmit           uint8  = 1
	ertmRetransmissionTimeout uint16 = 2000
	ertmMonitorTimeout        uint16 = 12000
)

// Fixed channels reported in the BR/EDR Information Response.
const bredrFixedChannels uint64 = 1<<ChannelIDSignallingACLU | 1<<ChannelIDConnectionless | 1<<ChannelIDBREDRSecurityManager

// bredrDynamicChannelRegistry negotiates dynamic channels over the BR/EDR
// signaling channel.
type bredrDynamicChannelRegistry struct {
	*DynamicChannelRegistry
	sig *signalingChannel
	cfg Config
}

func newBREDRDynamicChannelRegistry(sig *signalingChannel, cfg Config, closeCb DynamicChannelCallback, serviceCb ServiceRequestCallback) *bredrDynamicChannelRegistry {
	r := &bredrDynamicChannelRegistry{sig: sig, cfg: cfg}
	r.DynamicChannelRegistry = newDynamicChannelRegistry(ChannelIDLastACLDynamic, r, closeCb, serviceCb)

	features := ExtendedFeatureFixedChannels
	if cfg.EnableERTM {
		features |= ExtendedFeatureEnhancedRetransmission
	}
	sig.serveEcho()
	sig.serveInformation(features, bredrFixedChannels)
	sig.serveRequest(CommandCodeConnectionRequest, r.onConnectionRequest)
	sig.serveRequest(CommandCodeConfigurationRequest, r.onConfigurationRequest)
	sig.serveRequest(CommandCodeDisconnectionRequest, r.onDisconnectionRequest)
	return r
}

func (r *bredrDynamicChannelRegistry) makeOutbound(psm PSM, localCID ChannelID) DynamicChannel {
	return newBREDRDynamicChannel(r, psm, localCID, ChannelIDInvalid, true)
}

func (r *bredrDynamicChannelRegistry) makeInbound(psm PSM, localCID, remoteCID ChannelID) DynamicChannel {
	return newBREDRDynamicChannel(r, psm, localCID, remoteCID, false)
}

func (r *bredrDynamicChannelRegistry) onConnectionRequest(req SignallingPacket, resp *responder) {
	c := req.(*ConnectionRequestPacket)
	rsp := &ConnectionResponsePacket{Identifier: resp.ID(), SourceCID: c.SourceCID}

	refuse := func(result ConnectionResponseResult) {
		zap.L().Debug("refusing inbound channel",
			zap.Stringer("psm", c.PSM),
			zap.Stringer("remote", c.SourceCID),
			zap.Uint16("result", uint16(result)))
		rsp.Result = result
		resp.Send(rsp)
	}

	if !c.SourceCID.isDynamic() {
		refuse(ConnectionResponseResultRefusedInvalidSourceCID)
		return
	}
	if r.ChannelWithRemoteCID(c.SourceCID) != nil {
		refuse(ConnectionResponseResultRefusedSourceCIDAlreadyAllocated)
		return
	}
	localCID := r.FindAvailableChannelID()
	if localCID == ChannelIDInvalid {
		refuse(ConnectionResponseResultRefusedNoResourcesAvailable)
		return
	}
	ch := r.RequestService(c.PSM, localCID, c.SourceCID)
	if ch == nil {
		refuse(ConnectionResponseResultRefusedPSMNotSupported)
		return
	}

	rsp.DestinationCID = localCID
	rsp.Result = ConnectionResponseResultSuccessfulConnection
	resp.Send(rsp)
	ch.(*bredrDynamicChannel).completeInboundConnection()
}

func (r *bredrDynamicChannelRegistry) onConfigurationRequest(req SignallingPacket, resp *responder) {
	c := req.(*ConfigurationRequestPacket)
	ch, ok := r.Channel(c.DestinationCID).(*bredrDynamicChannel)
	if !ok {
		resp.RejectInvalidChannelID(c.DestinationCID, ChannelIDInvalid)
		return
	}
	ch.onConfigurationRequest(c, resp)
}

func (r *bredrDynamicChannelRegistry) onDisconnectionRequest(req SignallingPacket, resp *responder) {
	c := req.(*DisconnectionRequestPacket)
	ch, ok := r.Channel(c.DestinationCID).(*bredrDynamicChannel)
	if !ok || ch.remoteCID != c.SourceCID {
		resp.RejectInvalidChannelID(c.DestinationCID, c.SourceCID)
		return
	}
	resp.Send(&DisconnectionResponsePacket{
		Identifier:     resp.ID(),
		DestinationCID: c.DestinationCID,
		SourceCID:      c.SourceCID,
	})

	// A crossed disconnection: we are already waiting for the peer's
	// response, so the local side needs no notification.
	if ch.disconnected {
		r.RemoveChannel(ch)
		return
	}
	ch.onRemoteDisconnect()
	r.OnChannelDisconnected(ch)
}

// bredrDynamicChannel is the state machine of Vol 3, Part A, Section 6 in
// the subset we need: connect, configure both directions, disconnect.
type bredrDynamicChannel struct {
	registry *bredrDynamicChannelRegistry
	sig      *signalingChannel
	cfg      Config

	psm       PSM
	localCID  ChannelID
	remoteCID ChannelID
	outbound  bool
	mode      ChannelMode
	txMTU     uint16

	openResultCb func()

	connResponded        bool
	localConfigSent      bool
	localConfigAccepted  bool
	remoteConfigAccepted bool
	disconnected         bool

	// remoteOptions accumulates a configuration request split with the
	// continuation flag. remoteUnknownSize bounds what the peer may pile up.
	remoteOptions     ConfigurationOptions
	remoteUnknownSize int
}

func newBREDRDynamicChannel(r *bredrDynamicChannelRegistry, psm PSM, localCID, remoteCID ChannelID, outbound bool) *bredrDynamicChannel {
	return &bredrDynamicChannel{
		registry:  r,
		sig:       r.sig,
		cfg:       r.cfg,
		psm:       psm,
		localCID:  localCID,
		remoteCID: remoteCID,
		outbound:  outbound,
		mode:      r.cfg.localMode(),
		txMTU:     DefaultMTU,
	}
}

func (c *bredrDynamicChannel) LocalCID() ChannelID  { return c.localCID }
func (c *bredrDynamicChannel) RemoteCID() ChannelID { return c.remoteCID }
func (c *bredrDynamicChannel) PSM() PSM             { return c.psm }

func (c *bredrDynamicChannel) IsConnected() bool {
	return c.connResponded && !c.disconnected
}

func (c *bredrDynamicChannel) IsOpen() bool {
	return c.IsConnected() && c.localConfigAccepted && c.remoteConfigAccepted
}

func (c *bredrDynamicChannel) Info() ChannelInfo {
	return ChannelInfo{Mode: c.mode, RxMTU: c.cfg.RxMTU, TxMTU: c.txMTU}
}

func (c *bredrDynamicChannel) logger() *zap.Logger {
	return zap.L().With(
		zap.Stringer("psm", c.psm),
		zap.Stringer("local", c.localCID),
		zap.Stringer("remote", c.remoteCID))
}

func (c *bredrDynamicChannel) Open(done func()) {
	if c.openResultCb != nil {
		panic("l2cap: dynamic channel opened twice")
	}
	c.openResultCb = done
	if !c.outbound {
		// Driven by completeInboundConnection once the response is sent.
		return
	}
	err := c.sig.sendRequest(CommandCodeConnectionRequest, func(id uint8) SignallingPacket {
		return &ConnectionRequestPacket{Identifier: id, PSM: c.psm, SourceCID: c.localCID}
	}, c.onConnectionResponse)
	if err != nil {
		c.logger().Debug("failed to send connection request", zap.Error(err))
		c.passOpenError()
	}
}

func (c *bredrDynamicChannel) completeInboundConnection() {
	c.connResponded = true
	c.trySendLocalConfig()
}

func (c *bredrDynamicChannel) triggerOpenCallback() {
	if cb := c.openResultCb; cb != nil {
		c.openResultCb = func() {}
		cb()
	}
}

func (c *bredrDynamicChannel) passOpenError() {
	c.triggerOpenCallback()
}

func (c *bredrDynamicChannel) maybeCompleteOpen() {
	if c.IsOpen() {
		c.logger().Info("dynamic channel open",
			zap.Stringer("mode", c.mode),
			zap.Uint16("tx_mtu", c.txMTU))
		c.triggerOpenCallback()
	}
}

func (c *bredrDynamicChannel) onConnectionResponse(status responseStatus, rsp SignallingPacket) bool {
	if c.disconnected {
		return false
	}
	if status != responseStatusSuccess {
		c.logger().Debug("connection request failed", zap.Uint8("status", uint8(status)))
		c.passOpenError()
		return false
	}
	r := rsp.(*ConnectionResponsePacket)
	if r.Result == ConnectionResponseResultPending {
		return true
	}
	if r.Result != ConnectionResponseResultSuccessfulConnection {
		c.logger().Debug("connection refused", zap.Uint16("result", uint16(r.Result)))
		c.passOpenError()
		return false
	}
	if r.SourceCID != c.localCID || !r.DestinationCID.isDynamic() || c.registry.ChannelWithRemoteCID(r.DestinationCID) != nil {
		c.logger().Debug("connection response with unusable channel ids",
			zap.Stringer("source", r.SourceCID),
			zap.Stringer("destination", r.DestinationCID))
		c.passOpenError()
		return false
	}
	c.remoteCID = r.DestinationCID
	c.connResponded = true
	c.trySendLocalConfig()
	return false
}

func (c *bredrDynamicChannel) trySendLocalConfig() {
	if c.localConfigSent || !c.connResponded || c.disconnected {
		return
	}
	c.localConfigSent = true

	mtu := c.cfg.RxMTU
	opts := ConfigurationOptions{MTU: &mtu}
	if c.mode == ChannelModeEnhancedRetransmission {
		opts.RetransmissionAndFlowControl = &RetransmissionAndFlowControlOption{
			Mode:                  ChannelModeEnhancedRetransmission,
			TxWindowSize:          ertmTxWindowSize,
			MaxTransmit:           ertmMaxTransmit,
			RetransmissionTimeout: ertmRetransmissionTimeout,
			MonitorTimeout:        ertmMonitorTimeout,
			MaxPDUPayloadSize:     mtu,
		}
	}
	err := c.sig.sendRequest(CommandCodeConfigurationRequest, func(id uint8) SignallingPacket {
		return &ConfigurationRequestPacket{Identifier: id, DestinationCID: c.remoteCID, Options: opts}
	}, c.onConfigurationResponse)
	if err != nil {
		c.logger().Debug("failed to send configuration request", zap.Error(err))
		c.passOpenError()
	}
}

func (c *bredrDynamicChannel) onConfigurationResponse(status responseStatus, rsp SignallingPacket) bool {
	if c.disconnected {
		return false
	}
	if status != responseStatusSuccess {
		c.logger().Debug("configuration request failed", zap.Uint8("status", uint8(status)))
		c.passOpenError()
		return false
	}
	r := rsp.(*ConfigurationResponsePacket)
	if r.SourceCID != c.localCID {
		c.logger().Debug("configuration response for wrong channel", zap.Stringer("source", r.SourceCID))
		c.passOpenError()
		return false
	}
	switch r.Result {
	case ConfigurationResultPending:
		return true
	case ConfigurationResultSuccess:
		c.localConfigAccepted = true
		c.maybeCompleteOpen()
		return false
	case ConfigurationResultUnacceptableParameters:
		// The peer may not support ERTM; fall back to Basic Mode once.
		if rfc := r.Options.RetransmissionAndFlowControl; rfc != nil && rfc.Mode == ChannelModeBasic && c.mode == ChannelModeEnhancedRetransmission && !c.remoteConfigAccepted {
			c.logger().Debug("peer refused enhanced retransmission mode")
			c.mode = ChannelModeBasic
			c.localConfigSent = false
			c.trySendLocalConfig()
			return false
		}
	}
	c.logger().Debug("configuration refused", zap.Uint16("result", uint16(r.Result)))
	c.passOpenError()
	return false
}

func mergeConfigurationOptions(dst *ConfigurationOptions, src ConfigurationOptions) {
	if src.MTU != nil {
		dst.MTU = src.MTU
	}
	if src.FlushTimeout != nil {
		dst.FlushTimeout = src.FlushTimeout
	}
	if src.RetransmissionAndFlowControl != nil {
		dst.RetransmissionAndFlowControl = src.RetransmissionAndFlowControl
	}
	dst.Unknown = append(dst.Unknown, src.Unknown...)
}

func (c *bredrDynamicChannel) onConfigurationRequest(req *ConfigurationRequestPacket, resp *responder) {
	mergeConfigurationOptions(&c.remoteOptions, req.Options)
	for _, o := range req.Options.Unknown {
		c.remoteUnknownSize += 2 + len(o.Payload)
	}
	rsp := &ConfigurationResponsePacket{Identifier: resp.ID(), SourceCID: c.remoteCID}
	if c.remoteUnknownSize > int(SignalingMTU) {
		c.logger().Debug("configuration request too large", zap.Int("unknown_bytes", c.remoteUnknownSize))
		c.remoteOptions = ConfigurationOptions{}
		c.remoteUnknownSize = 0
		rsp.Result = ConfigurationResultRejected
		resp.Send(rsp)
		return
	}
	if req.Continuation {
		rsp.Continuation = true
		rsp.Result = ConfigurationResultSuccess
		resp.Send(rsp)
		return
	}
	opts := c.remoteOptions
	c.remoteOptions = ConfigurationOptions{}
	c.remoteUnknownSize = 0

	if len(opts.Unknown) > 0 {
		rsp.Result = ConfigurationResultUnknownOptions
		rsp.Options.Unknown = opts.Unknown
		resp.Send(rsp)
		return
	}
	if opts.MTU != nil && *opts.MTU < MinACLMTU {
		floor := MinACLMTU
		rsp.Result = ConfigurationResultUnacceptableParameters
		rsp.Options.MTU = &floor
		resp.Send(rsp)
		return
	}
	remoteMode := ChannelModeBasic
	if opts.RetransmissionAndFlowControl != nil {
		remoteMode = opts.RetransmissionAndFlowControl.Mode
	}
	if remoteMode != c.mode {
		c.logger().Debug("refusing channel mode", zap.Stringer("requested", remoteMode), zap.Stringer("local", c.mode))
		rsp.Result = ConfigurationResultUnacceptableParameters
		rsp.Options.RetransmissionAndFlowControl = &RetransmissionAndFlowControlOption{Mode: c.mode}
		resp.Send(rsp)
		return
	}

	if opts.MTU != nil {
		c.txMTU = *opts.MTU
	}
	rsp.Result = ConfigurationResultSuccess
	resp.Send(rsp)

	c.remoteConfigAccepted = true
	c.trySendLocalConfig()
	c.maybeCompleteOpen()
}

func (c *bredrDynamicChannel) onRemoteDisconnect() {
	c.logger().Info("dynamic channel disconnected by peer")
	c.disconnected = true
	c.passOpenError()
}

func (c *bredrDynamicChannel) Disconnect(done func()) error {
	if !c.IsConnected() {
		// Fails an open still waiting on its Connection Response.
		c.disconnected = true
		c.passOpenError()
		done()
		return nil
	}
	c.disconnected = true
	err := c.sig.sendRequest(CommandCodeDisconnectionRequest, func(id uint8) SignallingPacket {
		return &DisconnectionRequestPacket{Identifier: id, DestinationCID: c.remoteCID, SourceCID: c.localCID}
	}, func(status responseStatus, _ SignallingPacket) bool {
		if status == responseStatusTimeout {
			c.logger().Warn("disconnection request timed out")
		}
		done()
		return false
	})
	c.passOpenError()
	if err != nil {
		done()
		return errors.Wrapf(err, "disconnect channel %s", c.localCID)
	}
	return nil
}
