package l2cap

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"
)

func TestConfigurationRequestOptions(t *testing.T) {
	buf := []byte{
		0x04, 0x07, 0x12, 0x00, // code, id, length
		0x41, 0x00, 0x00, 0x00, // destination cid, flags
		0x01, 0x02, 0xA0, 0x02, // mtu 672
		0x83, 0x02, 0xAA, 0xBB, // qos, hint
		0x85, 0x01, 0x00, // fcs, hint
		0x0C, 0x01, 0x05, // unknown
	}
	buf[2] = byte(len(buf) - commandHeaderSize)

	p, err := UnmarshalSignallingPacket(buf)
	if err != nil {
		t.Fatal(err)
	}
	req := p.(*ConfigurationRequestPacket)
	if req.Identifier != 7 || req.DestinationCID != 0x0041 || req.Continuation {
		t.Errorf("got %+v", req)
	}
	if req.Options.MTU == nil || *req.Options.MTU != 672 {
		t.Errorf("got mtu %v", req.Options.MTU)
	}
	if len(req.Options.Unknown) != 1 || req.Options.Unknown[0].Type != 0x0C || !bytes.Equal(req.Options.Unknown[0].Payload, []byte{0x05}) {
		t.Errorf("got unknown options %+v", req.Options.Unknown)
	}
}

func TestConfigurationOptionsRejectTruncation(t *testing.T) {
	tests := [][]byte{
		{0x01},
		{0x01, 0x02, 0xA0},
		{0x01, 0x01, 0xA0},
		{0x04, 0x02, 0x03, 0x00},
	}
	for _, opts := range tests {
		var o ConfigurationOptions
		if err := o.unmarshal(opts); err == nil {
			t.Errorf("options %x accepted", opts)
		}
	}
}

func TestRetransmissionAndFlowControlOption(t *testing.T) {
	mtu := uint16(1000)
	req := &ConfigurationRequestPacket{
		Identifier:     3,
		DestinationCID: 0x0040,
		Options: ConfigurationOptions{
			MTU: &mtu,
			RetransmissionAndFlowControl: &RetransmissionAndFlowControlOption{
				Mode:                  ChannelModeEnhancedRetransmission,
				TxWindowSize:          1,
				MaxTransmit:           3,
				RetransmissionTimeout: 2000,
				MonitorTimeout:        12000,
				MaxPDUPayloadSize:     1000,
			},
		},
	}
	buf, err := req.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	// header + dcid/flags + mtu option + rfc option
	if len(buf) != 4+4+4+11 {
		t.Fatalf("got %d bytes: %x", len(buf), buf)
	}
	got := &ConfigurationRequestPacket{}
	if err := got.Unmarshal(buf); err != nil {
		t.Fatal(err)
	}
	if *got.Options.RetransmissionAndFlowControl != *req.Options.RetransmissionAndFlowControl {
		t.Errorf("got %+v", got.Options.RetransmissionAndFlowControl)
	}
}

func TestUnmarshalSignallingPacketErrors(t *testing.T) {
	if _, err := UnmarshalSignallingPacket([]byte{0x02, 0x01}); err == nil {
		t.Error("short header accepted")
	}
	if _, err := UnmarshalSignallingPacket([]byte{0x7F, 0x01, 0x00, 0x00}); !errors.Is(err, ErrInvalidOpcode) {
		t.Errorf("got %v, want ErrInvalidOpcode", err)
	}
	// Connection Request with a length that disagrees with the data.
	if _, err := UnmarshalSignallingPacket([]byte{0x02, 0x01, 0x04, 0x00, 0x01, 0x00}); !errors.Is(err, ErrInvalidLength) {
		t.Errorf("got %v, want ErrInvalidLength", err)
	}
	// Connection Request with trailing data.
	if _, err := UnmarshalSignallingPacket([]byte{0x02, 0x01, 0x05, 0x00, 0x01, 0x00, 0x40, 0x00, 0xFF}); !errors.Is(err, ErrInvalidLength) {
		t.Errorf("got %v, want ErrInvalidLength", err)
	}
}

func TestInformationResponseMarshal(t *testing.T) {
	p := &InformationResponsePacket{Identifier: 9, InfoType: InfoTypeExtendedFeaturesSupported, Info: []byte{0x88, 0, 0, 0}}
	buf, err := p.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{0x0B, 0x09, 0x08, 0x00, 0x02, 0x00, 0x00, 0x00, 0x88, 0x00, 0x00, 0x00}
	if !bytes.Equal(buf, want) {
		t.Errorf("got %x, want %x", buf, want)
	}
}

func TestIsValidPSM(t *testing.T) {
	tests := []struct {
		psm  PSM
		want bool
	}{
		{0x0001, true},
		{0x0003, true},
		{0x1001, true},
		{0x0002, false},
		{0x0101, false},
		{0x0000, false},
	}
	for _, tt := range tests {
		if got := IsValidPSM(tt.psm); got != tt.want {
			t.Errorf("IsValidPSM(%v) = %v, want %v", tt.psm, got, tt.want)
		}
	}
}

func TestGFrameChannelID(t *testing.T) {
	var f GFrame
	if err := f.Unmarshal([]byte{0x03, 0x00, 0x02, 0x00, 0x01, 0x10, 0xAA}); err != nil {
		t.Fatal(err)
	}
	if f.PSM != 0x1001 || !bytes.Equal(f.Payload, []byte{0xAA}) {
		t.Errorf("got %+v", f)
	}
	err := f.Unmarshal([]byte{0x03, 0x00, 0x40, 0x00, 0x01, 0x10, 0xAA})
	if !errors.Is(err, ErrIncorrectChannelID) {
		t.Errorf("got %v, want ErrIncorrectChannelID", err)
	}
}
