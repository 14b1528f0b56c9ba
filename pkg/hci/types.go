package hci

import "fmt"

// ConnectionHandle identifies a logical link to a peer. Only the low 12 bits
// are carried on the wire.
type ConnectionHandle uint16

func (h ConnectionHandle) String() string {
	return fmt.Sprintf("%#.4x", uint16(h))
}

// LinkType is the logical transport an ACL data packet belongs to.
type LinkType uint8

const (
	LinkTypeACL LinkType = iota // BR/EDR ACL-U
	LinkTypeLE                  // LE-U
)

func (t LinkType) String() string {
	switch t {
	case LinkTypeACL:
		return "ACL"
	case LinkTypeLE:
		return "LE"
	}
	return fmt.Sprintf("LinkType(%d)", uint8(t))
}

type OwnAddressType uint8

const (
	OwnAddressTypePublicDeviceAddress         OwnAddressType = 0x00
	OwnAddressTypeRandomDeviceAddress         OwnAddressType = 0x01
	OwnAddressTypeControllerGeneratedOrPublic OwnAddressType = 0x02
	OwnAddressTypeControllerGeneratedOrRandom OwnAddressType = 0x03
)

type PeerAddressType uint8

const (
	PeerAddressTypePublicDeviceAddress PeerAddressType = 0x00
	PeerAddressTypeRandomDeviceAddress PeerAddressType = 0x01
)

type BDAddr [6]byte

func (a BDAddr) String() string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", a[5], a[4], a[3], a[2], a[1], a[0])
}
