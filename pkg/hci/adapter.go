package hci

import (
	"encoding/binary"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var (
	ErrCommandFailed = errors.New("command failed")
	ErrAdapterClosed = errors.New("adapter closed")
)

// Transport carries raw HCI packets to and from a controller. *Socket is the
// production implementation.
type Transport interface {
	ReadPacket() (Packet, error)
	WritePacket(Packet) error
	Close() error
}

type queuedPacket struct {
	packet   *ACLDataPacket
	linkType LinkType
}

// Adapter owns the controller: it runs the read loop, issues commands and
// meters outbound ACL data against the controller's buffer credits.
type Adapter struct {
	transport Transport

	onPacketLock sync.Mutex
	onPacket     map[string]func(Packet, error)
	aclHandler   func(*ACLDataPacket)

	// ACLMTU and LEACLMTU are the largest ACL payloads the controller accepts
	// for BR/EDR and LE links. LEACLMTU is zero when the controller shares one
	// buffer pool between both transports.
	ACLMTU   uint16
	LEACLMTU uint16

	txCond    *sync.Cond
	txQueue   []queuedPacket
	credits   map[LinkType]int
	pending   map[ConnectionHandle]int
	linkTypes map[ConnectionHandle]LinkType
	closed    bool
	writeErr  error
	done      chan struct{}
}

func isDecodeError(err error) bool {
	return errors.Is(err, ErrUnsupportedPacket) || errors.Is(err, ErrIncorrectPacket) || errors.Is(err, io.ErrShortBuffer)
}

func NewAdapter(t Transport) *Adapter {
	a := &Adapter{
		transport: t,
		onPacket:  make(map[string]func(Packet, error)),
		ACLMTU:    1021,
		txCond:    sync.NewCond(&sync.Mutex{}),
		credits:   make(map[LinkType]int),
		pending:   make(map[ConnectionHandle]int),
		linkTypes: make(map[ConnectionHandle]LinkType),
		done:      make(chan struct{}),
	}
	go a.readLoop()
	go a.writeLoop()
	return a
}

func (a *Adapter) readLoop() {
	for {
		p, err := a.transport.ReadPacket()
		if err != nil {
			if isDecodeError(err) {
				zap.L().Debug("dropping undecodable hci packet", zap.Error(err))
				continue
			}
			zap.L().Warn("hci read failed", zap.Error(err))
			for _, cb := range a.subscribers() {
				cb(nil, err)
			}
			return
		}
		switch p := p.(type) {
		case *ACLDataPacket:
			a.onPacketLock.Lock()
			h := a.aclHandler
			a.onPacketLock.Unlock()
			if h != nil {
				h(p)
			}
			continue
		case *NumberOfCompletedPacketsEventPacket:
			a.txCond.L.Lock()
			for i, handle := range p.ConnectionHandles {
				n := int(p.NumCompletedPackets[i])
				if n > a.pending[handle] {
					zap.L().Warn("controller completed more packets than sent", zap.Stringer("handle", handle))
					n = a.pending[handle]
				}
				a.pending[handle] -= n
				a.credits[a.pool(a.linkTypes[handle])] += n
			}
			a.txCond.Broadcast()
			a.txCond.L.Unlock()
		case *DisconnectionCompleteEventPacket:
			a.txCond.L.Lock()
			a.credits[a.pool(a.linkTypes[p.ConnectionHandle])] += a.pending[p.ConnectionHandle]
			delete(a.pending, p.ConnectionHandle)
			delete(a.linkTypes, p.ConnectionHandle)
			q := a.txQueue[:0]
			for _, qp := range a.txQueue {
				if qp.packet.ConnectionHandle != p.ConnectionHandle {
					q = append(q, qp)
				}
			}
			a.txQueue = q
			a.txCond.Broadcast()
			a.txCond.L.Unlock()
		}
		for _, cb := range a.subscribers() {
			cb(p, nil)
		}
	}
}

func (a *Adapter) subscribers() []func(Packet, error) {
	a.onPacketLock.Lock()
	defer a.onPacketLock.Unlock()
	cbs := make([]func(Packet, error), 0, len(a.onPacket))
	for _, cb := range a.onPacket {
		cbs = append(cbs, cb)
	}
	return cbs
}

// pool returns the buffer pool a link type draws credits from.
func (a *Adapter) pool(t LinkType) LinkType {
	if t == LinkTypeLE && a.LEACLMTU != 0 {
		return LinkTypeLE
	}
	return LinkTypeACL
}

func (a *Adapter) writeLoop() {
	a.txCond.L.Lock()
	defer a.txCond.L.Unlock()
	for {
		for !a.closed && (len(a.txQueue) == 0 || a.credits[a.pool(a.txQueue[0].linkType)] == 0) {
			a.txCond.Wait()
		}
		if a.closed {
			close(a.done)
			return
		}
		qp := a.txQueue[0]
		a.txQueue = a.txQueue[1:]
		a.credits[a.pool(qp.linkType)]--
		a.pending[qp.packet.ConnectionHandle]++
		a.linkTypes[qp.packet.ConnectionHandle] = qp.linkType

		a.txCond.L.Unlock()
		err := a.transport.WritePacket(qp.packet)
		a.txCond.L.Lock()
		if err != nil {
			zap.L().Warn("failed to write acl packet", zap.Stringer("handle", qp.packet.ConnectionHandle), zap.Error(err))
			a.writeErr = multierr.Append(a.writeErr, err)
		}
	}
}

// Subscribe registers cb for every event the controller delivers. The
// callback runs on the read loop and must not block.
func (a *Adapter) Subscribe(cb func(Packet, error)) string {
	id := uuid.NewString()
	a.onPacketLock.Lock()
	a.onPacket[id] = cb
	a.onPacketLock.Unlock()
	return id
}

func (a *Adapter) Unsubscribe(id string) {
	a.onPacketLock.Lock()
	delete(a.onPacket, id)
	a.onPacketLock.Unlock()
}

// SetACLDataHandler installs the receiver of inbound ACL data. Packets are
// delivered in controller order on the read loop.
func (a *Adapter) SetACLDataHandler(h func(*ACLDataPacket)) {
	a.onPacketLock.Lock()
	a.aclHandler = h
	a.onPacketLock.Unlock()
}

// SendACLPackets queues packets for transmission. It never blocks; packets
// are written as controller buffer credits become available.
func (a *Adapter) SendACLPackets(packets []*ACLDataPacket, linkType LinkType) bool {
	a.txCond.L.Lock()
	defer a.txCond.L.Unlock()
	if a.closed {
		return false
	}
	for _, p := range packets {
		a.txQueue = append(a.txQueue, queuedPacket{packet: p, linkType: linkType})
	}
	a.txCond.Broadcast()
	return true
}

func (a *Adapter) op(p CommandPacket) ([]byte, error) {
	a.txCond.L.Lock()
	closed := a.closed
	a.txCond.L.Unlock()
	if closed {
		return nil, ErrAdapterClosed
	}
	done := make(chan []byte, 1)
	errch := make(chan error, 1)
	id := a.Subscribe(func(q Packet, err error) {
		if err != nil {
			select {
			case errch <- err:
			default:
			}
			return
		}
		if q, ok := q.(*CommandCompleteEventPacket); ok && q.CommandOpcode == p.Opcode() {
			select {
			case done <- q.ReturnParameters:
			default:
			}
		}
	})
	defer a.Unsubscribe(id)
	if err := a.transport.WritePacket(p); err != nil {
		return nil, err
	}
	select {
	case buf := <-done:
		if len(buf) == 0 {
			return nil, errors.Wrapf(ErrCommandFailed, "opcode %#.4x: empty response", uint16(p.Opcode()))
		}
		if buf[0] != 0 {
			return nil, errors.Wrapf(ErrCommandFailed, "opcode %#.4x: status %#.2x", uint16(p.Opcode()), buf[0])
		}
		return buf, nil
	case err := <-errch:
		return nil, err
	}
}

func (a *Adapter) simpleOp(p CommandPacket) error {
	_, err := a.op(p)
	return err
}

func (a *Adapter) Reset() error {
	return a.simpleOp(NewGenericCommandPacket(OpcodeReset))
}

func (a *Adapter) ReadBDAddr() (BDAddr, error) {
	var addr BDAddr
	buf, err := a.op(NewGenericCommandPacket(OpcodeReadBDAddr))
	if err != nil {
		return addr, err
	}
	if copy(addr[:], buf[1:]) != 6 {
		return addr, errors.New("short bdaddr")
	}
	return addr, nil
}

type ReadBufferSizeResponse struct {
	ACLDataPacketLength        uint16
	SynchronousPacketLength    uint8
	TotalNumACLDataPackets     uint16
	TotalNumSynchronousPackets uint16
}

// ReadBufferSize reads the BR/EDR data buffer size and seeds the ACL credits.
func (a *Adapter) ReadBufferSize() (*ReadBufferSizeResponse, error) {
	buf, err := a.op(NewGenericCommandPacket(OpcodeReadBufferSize))
	if err != nil {
		return nil, err
	}
	if len(buf) < 8 {
		return nil, errors.New("short read buffer size response")
	}
	r := &ReadBufferSizeResponse{
		ACLDataPacketLength:        binary.LittleEndian.Uint16(buf[1:3]),
		SynchronousPacketLength:    buf[3],
		TotalNumACLDataPackets:     binary.LittleEndian.Uint16(buf[4:6]),
		TotalNumSynchronousPackets: binary.LittleEndian.Uint16(buf[6:8]),
	}
	a.txCond.L.Lock()
	a.ACLMTU = r.ACLDataPacketLength
	a.credits[LinkTypeACL] = int(r.TotalNumACLDataPackets)
	a.txCond.Broadcast()
	a.txCond.L.Unlock()
	return r, nil
}

type LEReadBufferSizeResponse struct {
	LEACLDataPacketLength    uint16
	TotalNumLEACLDataPackets uint8
}

// LEReadBufferSize reads the LE data buffer size. A zero length means LE
// traffic shares the BR/EDR buffers.
func (a *Adapter) LEReadBufferSize() (*LEReadBufferSizeResponse, error) {
	buf, err := a.op(NewGenericCommandPacket(OpcodeLEReadBufferSize))
	if err != nil {
		return nil, err
	}
	if len(buf) < 4 {
		return nil, errors.New("short le read buffer size response")
	}
	r := &LEReadBufferSizeResponse{
		LEACLDataPacketLength:    binary.LittleEndian.Uint16(buf[1:3]),
		TotalNumLEACLDataPackets: buf[3],
	}
	a.txCond.L.Lock()
	a.LEACLMTU = r.LEACLDataPacketLength
	a.credits[LinkTypeLE] = int(r.TotalNumLEACLDataPackets)
	a.txCond.Broadcast()
	a.txCond.L.Unlock()
	return r, nil
}

func (a *Adapter) LESetAdvertisingEnable(enable bool) error {
	var v byte
	if enable {
		v = 1
	}
	return a.simpleOp(NewParameterCommandPacket(OpcodeLESetAdvertisingEnable, []byte{v}))
}

// Disconnect asks the controller to tear down the link.
func (a *Adapter) Disconnect(handle ConnectionHandle, reason uint8) error {
	params := make([]byte, 3)
	binary.LittleEndian.PutUint16(params, uint16(handle))
	params[2] = reason
	// Disconnect is answered with Command Status, not Command Complete.
	return a.transport.WritePacket(NewParameterCommandPacket(OpcodeDisconnect, params))
}

func (a *Adapter) Close() error {
	a.txCond.L.Lock()
	wasClosed := a.closed
	a.closed = true
	a.txQueue = nil
	a.txCond.Broadcast()
	a.txCond.L.Unlock()
	if wasClosed {
		return nil
	}
	<-a.done
	return multierr.Combine(a.writeErr, a.transport.Close())
}
