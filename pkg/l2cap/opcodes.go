package l2cap

import "fmt"

// CommandCode identifies a signaling command. Vol 3, Part A, Section 4.
type CommandCode uint8

const (
	CommandCodeCommandRejectResponse             CommandCode = 0x01
	CommandCodeConnectionRequest                 CommandCode = 0x02
	CommandCodeConnectionResponse                CommandCode = 0x03
	CommandCodeConfigurationRequest              CommandCode = 0x04
	CommandCodeConfigurationResponse             CommandCode = 0x05
	CommandCodeDisconnectionRequest              CommandCode = 0x06
	CommandCodeDisconnectionResponse             CommandCode = 0x07
	CommandCodeEchoRequest                       CommandCode = 0x08
	CommandCodeEchoResponse                      CommandCode = 0x09
	CommandCodeInformationRequest                CommandCode = 0x0A
	CommandCodeInformationResponse               CommandCode = 0x0B
	CommandCodeConnectionParameterUpdateRequest  CommandCode = 0x12
	CommandCodeConnectionParameterUpdateResponse CommandCode = 0x13
)

// isResponse reports whether the code is answered to a request we sent.
func (c CommandCode) isResponse() bool {
	switch c {
	case CommandCodeCommandRejectResponse,
		CommandCodeConnectionResponse,
		CommandCodeConfigurationResponse,
		CommandCodeDisconnectionResponse,
		CommandCodeEchoResponse,
		CommandCodeInformationResponse,
		CommandCodeConnectionParameterUpdateResponse:
		return true
	}
	return false
}

// Section 2.1
type ChannelID uint16

const (
	ChannelIDInvalid                 ChannelID = 0x0000
	ChannelIDSignallingACLU          ChannelID = 0x0001
	ChannelIDConnectionless          ChannelID = 0x0002
	ChannelIDAttributeProtocol       ChannelID = 0x0004
	ChannelIDSignallingLEU           ChannelID = 0x0005
	ChannelIDSecurityManagerProtocol ChannelID = 0x0006
	ChannelIDBREDRSecurityManager    ChannelID = 0x0007

	// ChannelIDFirstDynamic is the lowest CID handed out for PSM-addressed
	// channels. Everything below it is a fixed channel.
	ChannelIDFirstDynamic   ChannelID = 0x0040
	ChannelIDLastACLDynamic ChannelID = 0xFFFF
	ChannelIDLastLEDynamic  ChannelID = 0x007F
)

func (id ChannelID) String() string {
	return fmt.Sprintf("%#.4x", uint16(id))
}

func (id ChannelID) isDynamic() bool {
	return id >= ChannelIDFirstDynamic
}

// PSM is a Protocol/Service Multiplexer, the adapter-wide address of a service.
type PSM uint16

const (
	PSMSDP    PSM = 0x0001
	PSMRFCOMM PSM = 0x0003
	PSMBNEP   PSM = 0x000F
	PSMHIDP   PSM = 0x0011
	PSMAVCTP  PSM = 0x0017
	PSMAVDTP  PSM = 0x0019
	PSMATT    PSM = 0x001F
)

func (psm PSM) String() string {
	return fmt.Sprintf("%#.4x", uint16(psm))
}

// IsValidPSM reports whether psm is well formed: the least significant bit of
// the least significant octet is 1 and the least significant bit of the most
// significant octet is 0.
func IsValidPSM(psm PSM) bool {
	return psm&0x0001 != 0 && psm&0x0100 == 0
}

const (
	// DefaultMTU is the MTU assumed for a dynamic channel until configuration
	// says otherwise.
	DefaultMTU uint16 = 672

	// MinACLMTU is the smallest MTU a BR/EDR channel may be configured with.
	MinACLMTU uint16 = 48

	// MaxMTU is used for fixed channels, which have no negotiated MTU.
	MaxMTU uint16 = 0xFFFF

	// MinLEMTU is the ATT default MTU on LE-U.
	MinLEMTU uint16 = 23

	// SignalingMTU is the largest C-frame we accept.
	SignalingMTU uint16 = 672
)
