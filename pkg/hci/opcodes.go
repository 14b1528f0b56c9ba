package hci

// Vol 4, Part A, Section 2 of the Bluetooth Core Specification.
type PacketType uint8

const (
	PacketTypeCommand         PacketType = 0x01
	PacketTypeACLData         PacketType = 0x02
	PacketTypeSynchronousData PacketType = 0x03
	PacketTypeEvent           PacketType = 0x04
	PacketTypeExtendedCommand PacketType = 0x09
)

type Opcode uint16

const (
	OpcodeDisconnect             Opcode = 0x0406
	OpcodeSetEventMask           Opcode = 0x0C01
	OpcodeReset                  Opcode = 0x0C03
	OpcodeReadBufferSize         Opcode = 0x1005
	OpcodeReadBDAddr             Opcode = 0x1009
	OpcodeLESetEventMask         Opcode = 0x2001
	OpcodeLEReadBufferSize       Opcode = 0x2002
	OpcodeLESetAdvertisingEnable Opcode = 0x200A
)

type EventCode uint8

const (
	EventCodeConnectionComplete           EventCode = 0x03
	EventCodeDisconnectionComplete        EventCode = 0x05
	EventCodeEncryptionChange             EventCode = 0x08
	EventCodeCommandComplete              EventCode = 0x0E
	EventCodeCommandStatus                EventCode = 0x0F
	EventCodeHardwareError                EventCode = 0x10
	EventCodeNumberOfCompletedPackets     EventCode = 0x13
	EventCodeDataBufferOverflow           EventCode = 0x1A
	EventCodeEncryptionKeyRefreshComplete EventCode = 0x30
	EventCodeLEMeta                       EventCode = 0x3E
)

type LEMetaSubeventCode uint8

const (
	LEMetaSubeventCodeConnectionComplete         LEMetaSubeventCode = 0x01
	LEMetaSubeventCodeAdvertisingReport          LEMetaSubeventCode = 0x02
	LEMetaSubeventCodeConnectionUpdate           LEMetaSubeventCode = 0x03
	LEMetaSubeventCodeLongTermKeyRequest         LEMetaSubeventCode = 0x05
	LEMetaSubeventCodeEnhancedConnectionComplete LEMetaSubeventCode = 0x0A
)

// Section 7.3.1
type EventMask uint64

const (
	EventMaskConnectionCompleteEvent           EventMask = (1 << 2)
	EventMaskDisconnectionCompleteEvent        EventMask = (1 << 4)
	EventMaskEncryptionChangeEvent             EventMask = (1 << 7)
	EventMaskHardwareErrorEvent                EventMask = (1 << 15)
	EventMaskDataBufferOverflowEvent           EventMask = (1 << 25)
	EventMaskEncryptionKeyRefreshCompleteEvent EventMask = (1 << 47)
	EventMaskLEMetaEvent                       EventMask = (1 << 61)
)

// Section 7.8.1
type LEEventMask uint64

const (
	LEEventMaskConnectionCompleteEvent       LEEventMask = (1 << 0)
	LEEventMaskConnectionUpdateCompleteEvent LEEventMask = (1 << 2)
	LEEventMaskLongTermKeyRequestEvent       LEEventMask = (1 << 4)
)
