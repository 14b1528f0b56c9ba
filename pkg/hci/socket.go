package hci

import (
	"fmt"
	"io"
	"math"
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Linux ioctl request encoding, see include/uapi/asm-generic/ioctl.h.
func ioctlRequest(dir, nr uintptr) uintptr {
	const (
		size = 4
		typ  = 'H'
	)
	return dir<<30 | size<<16 | typ<<8 | nr
}

var (
	ioctlDevUp      = ioctlRequest(1, 201)
	ioctlDevDown    = ioctlRequest(1, 202)
	ioctlGetDevList = ioctlRequest(2, 210)
)

func ioctl(fd int, req, arg uintptr) error {
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, arg); errno != 0 {
		return errno
	}
	return nil
}

const maxDevices = 16

type deviceList struct {
	count   uint16
	devices [maxDevices]struct {
		id  uint16
		opt uint32
	}
}

// Socket is a Linux HCI User Channel. It gives exclusive access to one
// controller, bypassing the kernel's own host stack.
type Socket struct {
	fd     int
	closed atomic.Bool

	rmu  sync.Mutex
	rbuf []byte
	wmu  sync.Mutex
}

var _ Transport = (*Socket)(nil)

// NewSocket binds the user channel of hciN. Passing -1 picks the first
// controller that can be bound.
func NewSocket(id int) (*Socket, error) {
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.BTPROTO_HCI)
	if err != nil {
		return nil, errors.Wrap(err, "can't create hci socket")
	}
	if id >= 0 {
		s, err := bindUserChannel(fd, id)
		if err != nil {
			unix.Close(fd)
		}
		return s, err
	}

	var list deviceList
	list.count = maxDevices
	if err := ioctl(fd, ioctlGetDevList, uintptr(unsafe.Pointer(&list))); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "can't list hci devices")
	}
	if list.count == 0 {
		unix.Close(fd)
		return nil, errors.New("no hci devices")
	}
	var errs error
	for _, dev := range list.devices[:list.count] {
		s, err := bindUserChannel(fd, int(dev.id))
		if err == nil {
			return s, nil
		}
		errs = multierr.Append(errs, err)
	}
	unix.Close(fd)
	return nil, errors.Wrap(errs, "no hci device available")
}

func bindUserChannel(fd, id int) (*Socket, error) {
	// The kernel only hands out the user channel of a device that is down.
	// Cycling it first clears state left by a previous owner.
	for _, step := range []struct {
		req  uintptr
		name string
	}{
		{ioctlDevDown, "down"},
		{ioctlDevUp, "up"},
		{ioctlDevDown, "down"},
	} {
		if err := ioctl(fd, step.req, uintptr(id)); err != nil {
			return nil, errors.Wrapf(err, "hci%d %s", id, step.name)
		}
	}
	if err := unix.Bind(fd, &unix.SockaddrHCI{Dev: uint16(id), Channel: unix.HCI_CHANNEL_USER}); err != nil {
		return nil, errors.Wrapf(err, "hci%d bind", id)
	}

	// Discard anything the controller queued before we took over.
	pfds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	if n, _ := unix.Poll(pfds, 20); n > 0 && pfds[0].Revents&unix.POLLIN != 0 {
		unix.Read(fd, make([]byte, 256))
	}
	zap.L().Info("hci user channel bound", zap.Int("device", id))
	return &Socket{fd: fd, rbuf: make([]byte, math.MaxUint16)}, nil
}

// ReadPacket blocks for the next packet from the controller. The socket
// delivers exactly one H4 packet per read.
func (s *Socket) ReadPacket() (Packet, error) {
	s.rmu.Lock()
	defer s.rmu.Unlock()
	if s.closed.Load() {
		return nil, io.EOF
	}
	n, err := unix.Read(s.fd, s.rbuf)
	if err != nil {
		if s.closed.Load() {
			return nil, io.EOF
		}
		return nil, errors.Wrap(err, "hci read")
	}
	zap.L().Debug("hci rx", zap.String("packet", fmt.Sprintf("%x", s.rbuf[:n])))
	// Unmarshal keeps slices of its input, so hand it a copy.
	return Unmarshal(append([]byte(nil), s.rbuf[:n]...))
}

func (s *Socket) WritePacket(p Packet) error {
	buf, err := p.Marshal()
	if err != nil {
		return err
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.closed.Load() {
		return io.ErrClosedPipe
	}
	zap.L().Debug("hci tx", zap.String("packet", fmt.Sprintf("%x", buf)))
	_, err = unix.Write(s.fd, buf)
	return errors.Wrap(err, "hci write")
}

// Close resets the controller so it drops links this host no longer tracks,
// then releases the device.
func (s *Socket) Close() error {
	if !s.closed.CAS(false, true) {
		return nil
	}
	s.wmu.Lock()
	reset, _ := NewGenericCommandPacket(OpcodeReset).Marshal()
	_, err := unix.Write(s.fd, reset)
	s.wmu.Unlock()
	return multierr.Append(err, unix.Close(s.fd))
}
