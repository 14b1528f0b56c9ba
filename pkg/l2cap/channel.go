package l2cap

import (
	"io"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/muxable/bthost/pkg/hci"
)

var (
	ErrChannelClosed = errors.New("channel closed")
	ErrSDUTooLarge   = errors.New("sdu exceeds channel mtu")
)

// Channel is the application's end of an open L2CAP channel. It may be used
// from any goroutine: work on the link is posted to the L2CAP dispatcher and
// callbacks run on the dispatcher passed to Activate.
type Channel struct {
	id         ChannelID
	remoteID   ChannelID
	linkType   hci.LinkType
	linkHandle hci.ConnectionHandle
	info       ChannelInfo

	// link is only touched from tasks posted to l2cap.
	link  *LogicalLink
	l2cap Dispatcher

	rxEngine RxEngine

	mu         sync.Mutex
	txEngine   TxEngine
	active     bool
	rxCb       func(sdu []byte)
	closedCb   func()
	dispatcher Dispatcher
	pendingRx  [][]byte
	security   SecurityProperties

	closed atomic.Bool
}

func newChannel(link *LogicalLink, id, remoteID ChannelID, info ChannelInfo) *Channel {
	c := &Channel{
		id:         id,
		remoteID:   remoteID,
		linkType:   link.linkType,
		linkHandle: link.handle,
		info:       info,
		link:       link,
		l2cap:      link.dispatcher,
		security:   link.security,
	}
	send := func(frame []byte) {
		c.l2cap.Post(func() { link.SendBasicFrame(remoteID, frame) })
	}
	if info.Mode == ChannelModeEnhancedRetransmission {
		c.txEngine = NewEnhancedRetransmissionModeTxEngine(id, info.TxMTU, send)
		c.rxEngine = EnhancedRetransmissionModeRxEngine{}
	} else {
		c.txEngine = NewBasicModeTxEngine(id, info.TxMTU, send)
		c.rxEngine = BasicModeRxEngine{}
	}
	return c
}

func (c *Channel) ID() ChannelID                    { return c.id }
func (c *Channel) RemoteID() ChannelID              { return c.remoteID }
func (c *Channel) LinkType() hci.LinkType           { return c.linkType }
func (c *Channel) LinkHandle() hci.ConnectionHandle { return c.linkHandle }
func (c *Channel) Mode() ChannelMode                { return c.info.Mode }
func (c *Channel) TxMTU() uint16                    { return c.info.TxMTU }
func (c *Channel) RxMTU() uint16                    { return c.info.RxMTU }

// Security returns the link's security properties as last assigned.
func (c *Channel) Security() SecurityProperties {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.security
}

// Activate starts delivery of inbound SDUs to rx and of the close
// notification to closed, both on d. SDUs received before activation are
// delivered first. It returns false if the channel is already active or
// closed.
func (c *Channel) Activate(rx func(sdu []byte), closed func(), d Dispatcher) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active || c.closed.Load() {
		return false
	}
	c.active = true
	c.rxCb = rx
	c.closedCb = closed
	c.dispatcher = d
	for _, sdu := range c.pendingRx {
		sdu := sdu
		d.Post(func() { rx(sdu) })
	}
	c.pendingRx = nil
	return true
}

// Deactivate stops callbacks and releases the channel. Dynamic channels are
// disconnected.
func (c *Channel) Deactivate() {
	if !c.closed.CAS(false, true) {
		return
	}
	c.mu.Lock()
	c.active = false
	c.rxCb = nil
	c.closedCb = nil
	c.pendingRx = nil
	c.mu.Unlock()
	c.l2cap.Post(func() { c.link.RemoveChannel(c) })
}

// Send queues sdu for transmission. It returns false if the channel is not
// active or sdu does not fit the channel.
func (c *Channel) Send(sdu []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active || c.closed.Load() {
		return false
	}
	// Framing happens later on the L2CAP dispatcher; the caller may reuse sdu.
	return c.txEngine.QueueSDU(append([]byte(nil), sdu...))
}

// SignalLinkError reports an unrecoverable protocol error. The link's
// registrant is expected to disconnect.
func (c *Channel) SignalLinkError() {
	if c.closed.Load() {
		return
	}
	c.l2cap.Post(func() { c.link.SignalError() })
}

// UpgradeSecurity raises the link to at least level and calls cb on d with
// the outcome.
func (c *Channel) UpgradeSecurity(level SecurityLevel, cb func(error), d Dispatcher) {
	if c.closed.Load() {
		d.Post(func() { cb(ErrChannelClosed) })
		return
	}
	c.l2cap.Post(func() {
		c.link.UpgradeSecurity(level, func(err error) {
			d.Post(func() { cb(err) })
		})
	})
}

// HandleRxPDU consumes a frame addressed to this channel. Called by the link.
func (c *Channel) HandleRxPDU(pdu *PDU) {
	sdu := c.rxEngine.ProcessPDU(pdu)
	if sdu == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return
	}
	if !c.active {
		c.pendingRx = append(c.pendingRx, sdu)
		return
	}
	rx := c.rxCb
	c.dispatcher.Post(func() { rx(sdu) })
}

func (c *Channel) setSecurity(p SecurityProperties) {
	c.mu.Lock()
	c.security = p
	c.mu.Unlock()
}

// onClosed is called by the link when the channel goes away underneath the
// application.
func (c *Channel) onClosed() {
	if !c.closed.CAS(false, true) {
		return
	}
	c.mu.Lock()
	cb, d, active := c.closedCb, c.dispatcher, c.active
	c.active = false
	c.rxCb = nil
	c.closedCb = nil
	c.pendingRx = nil
	c.mu.Unlock()
	if active && cb != nil {
		d.Post(cb)
	}
}

// ChannelConn adapts a Channel to io.ReadWriteCloser. Each Read returns one
// SDU; Write sends p as one SDU.
type ChannelConn struct {
	ch     *Channel
	rx     chan []byte
	closed chan struct{}
	once   sync.Once
	local  atomic.Bool
}

// NewChannelConn activates ch. Inbound SDUs are buffered on d until read.
func NewChannelConn(ch *Channel, d Dispatcher) (*ChannelConn, error) {
	c := &ChannelConn{ch: ch, rx: make(chan []byte, 16), closed: make(chan struct{})}
	rx := func(sdu []byte) {
		select {
		case c.rx <- sdu:
		case <-c.closed:
		}
	}
	if !ch.Activate(rx, c.shutdown, d) {
		return nil, ErrChannelClosed
	}
	return c, nil
}

func (c *ChannelConn) shutdown() {
	c.once.Do(func() { close(c.closed) })
}

// Read returns SDUs received before the remote closed the channel ahead of
// io.EOF. After a local Close it returns io.EOF at once.
func (c *ChannelConn) Read(buf []byte) (int, error) {
	if c.local.Load() {
		return 0, io.EOF
	}
	select {
	case sdu := <-c.rx:
		return c.copySDU(buf, sdu)
	default:
	}
	select {
	case sdu := <-c.rx:
		return c.copySDU(buf, sdu)
	case <-c.closed:
		select {
		case sdu := <-c.rx:
			return c.copySDU(buf, sdu)
		default:
			return 0, io.EOF
		}
	}
}

func (c *ChannelConn) copySDU(buf, sdu []byte) (int, error) {
	if len(buf) < len(sdu) {
		return 0, io.ErrShortBuffer
	}
	return copy(buf, sdu), nil
}

func (c *ChannelConn) Write(p []byte) (int, error) {
	if len(p) > int(c.ch.TxMTU()) {
		return 0, ErrSDUTooLarge
	}
	if !c.ch.Send(p) {
		return 0, ErrChannelClosed
	}
	return len(p), nil
}

func (c *ChannelConn) Close() error {
	c.local.Store(true)
	c.shutdown()
	c.ch.Deactivate()
	zap.L().Debug("channel conn closed", zap.Stringer("channel", c.ch.ID()))
	return nil
}
