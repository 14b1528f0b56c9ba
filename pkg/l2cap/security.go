package l2cap

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/muxable/bthost/pkg/hci"
)

// SecurityLevel orders the protection a link provides.
type SecurityLevel uint8

const (
	SecurityLevelNone SecurityLevel = iota
	SecurityLevelEncrypted
	SecurityLevelAuthenticated
	SecurityLevelSecureAuthenticated
)

func (l SecurityLevel) String() string {
	switch l {
	case SecurityLevelNone:
		return "none"
	case SecurityLevelEncrypted:
		return "encrypted"
	case SecurityLevelAuthenticated:
		return "authenticated"
	case SecurityLevelSecureAuthenticated:
		return "secure-authenticated"
	}
	return fmt.Sprintf("SecurityLevel(%d)", uint8(l))
}

// SecurityProperties describe the current state of a link's encryption.
type SecurityProperties struct {
	Level             SecurityLevel
	EncryptionKeySize int
	SecureConnections bool
}

var ErrInsufficientSecurity = errors.New("insufficient security")

// SecurityUpgradeCallback asks the pairing layer to raise the link to level.
// The implementation must call done exactly once; a nil error means the link
// now satisfies level.
type SecurityUpgradeCallback func(handle hci.ConnectionHandle, level SecurityLevel, done func(error))

// LEConnectionParameters are requested by a peripheral through the LE
// signaling channel. Values are in controller units.
type LEConnectionParameters struct {
	IntervalMin        uint16
	IntervalMax        uint16
	PeripheralLatency  uint16
	SupervisionTimeout uint16
}

// LEConnectionParameterUpdateCallback receives parameters accepted from the
// peer.
type LEConnectionParameterUpdateCallback func(params LEConnectionParameters)

// LinkErrorCallback is invoked when a channel on the link reports an
// unrecoverable error. The registrant is expected to disconnect the link.
type LinkErrorCallback func()
