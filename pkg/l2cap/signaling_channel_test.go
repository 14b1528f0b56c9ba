package l2cap

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/muxable/bthost/pkg/hci"
)

type signalingFixture struct {
	t    *testing.T
	d    *testDispatcher
	sig  *signalingChannel
	sent [][]byte
	fail error
}

func newSignalingFixture(t *testing.T, linkType hci.LinkType, timeout time.Duration) *signalingFixture {
	useTestLogger(t)
	f := &signalingFixture{t: t, d: &testDispatcher{}}
	f.sig = newSignalingChannel(testHandle, linkType, func(b []byte) error {
		if f.fail != nil {
			return f.fail
		}
		f.sent = append(f.sent, b)
		return nil
	}, f.d, timeout)
	t.Cleanup(f.sig.close)
	return f
}

func (f *signalingFixture) marshal(p SignallingPacket) []byte {
	buf, err := p.Marshal()
	if err != nil {
		f.t.Fatal(err)
	}
	return buf
}

func (f *signalingFixture) take() []SignallingPacket {
	f.t.Helper()
	var out []SignallingPacket
	for _, b := range f.sent {
		p, err := UnmarshalSignallingPacket(b)
		if err != nil {
			f.t.Fatalf("undecodable command %x: %v", b, err)
		}
		out = append(out, p)
	}
	f.sent = nil
	return out
}

func (f *signalingFixture) takeReject() *CommandRejectResponsePacket {
	f.t.Helper()
	out := f.take()
	if len(out) != 1 {
		f.t.Fatalf("expected one command, got %#v", out)
	}
	rej, ok := out[0].(*CommandRejectResponsePacket)
	if !ok {
		f.t.Fatalf("expected command reject, got %#v", out[0])
	}
	return rej
}

func TestSignalingRejectsUnknownCommand(t *testing.T) {
	f := newSignalingFixture(t, hci.LinkTypeACL, time.Hour)

	f.sig.handleFrame([]byte{0x7E, 0x05, 0x01, 0x00, 0xFF})
	rej := f.takeReject()
	if rej.Identifier != 5 || rej.CommandRejectReason != CommandRejectReasonCommandNotUnderstood {
		t.Errorf("got %+v", rej)
	}
}

func TestSignalingRejectsRequestWithoutHandler(t *testing.T) {
	f := newSignalingFixture(t, hci.LinkTypeACL, time.Hour)

	f.sig.handleFrame(f.marshal(&ConnectionRequestPacket{Identifier: 3, PSM: 0x0001, SourceCID: 0x0040}))
	if rej := f.takeReject(); rej.Identifier != 3 {
		t.Errorf("got %+v", rej)
	}
}

func TestSignalingRejectsMalformedRequest(t *testing.T) {
	f := newSignalingFixture(t, hci.LinkTypeACL, time.Hour)
	f.sig.serveEcho()
	f.sig.serveInformation(0, 0)

	// Information Request with one byte of data instead of two.
	f.sig.handleFrame([]byte{0x0A, 0x04, 0x01, 0x00, 0x02})
	if rej := f.takeReject(); rej.Identifier != 4 || rej.CommandRejectReason != CommandRejectReasonCommandNotUnderstood {
		t.Errorf("got %+v", rej)
	}
}

func TestSignalingDropsIdentifierZero(t *testing.T) {
	f := newSignalingFixture(t, hci.LinkTypeACL, time.Hour)
	f.sig.serveEcho()

	f.sig.handleFrame(f.marshal(&EchoRequestPacket{Identifier: 0, EchoData: []byte{1}}))
	if out := f.take(); len(out) != 0 {
		t.Errorf("got %#v", out)
	}
}

func TestSignalingMultipleCommandsPerFrame(t *testing.T) {
	f := newSignalingFixture(t, hci.LinkTypeACL, time.Hour)
	f.sig.serveEcho()

	frame := append(f.marshal(&EchoRequestPacket{Identifier: 1, EchoData: []byte("a")}),
		f.marshal(&EchoRequestPacket{Identifier: 2, EchoData: []byte("bc")})...)
	f.sig.handleFrame(frame)

	out := f.take()
	if len(out) != 2 {
		t.Fatalf("got %#v", out)
	}
	for i, want := range []string{"a", "bc"} {
		rsp := out[i].(*EchoResponsePacket)
		if rsp.Identifier != uint8(i+1) || string(rsp.EchoData) != want {
			t.Errorf("response %d: %+v", i, rsp)
		}
	}
}

func TestSignalingLEOneCommandPerFrame(t *testing.T) {
	f := newSignalingFixture(t, hci.LinkTypeLE, time.Hour)
	f.sig.serveEcho()

	frame := append(f.marshal(&EchoRequestPacket{Identifier: 1}), f.marshal(&EchoRequestPacket{Identifier: 2})...)
	f.sig.handleFrame(frame)
	if out := f.take(); len(out) != 1 {
		t.Errorf("got %#v", out)
	}
}

func TestSignalingMTUExceeded(t *testing.T) {
	f := newSignalingFixture(t, hci.LinkTypeACL, time.Hour)
	f.sig.serveEcho()

	frame := f.marshal(&EchoRequestPacket{Identifier: 8, EchoData: make([]byte, SignalingMTU)})
	f.sig.handleFrame(frame)
	rej := f.takeReject()
	if rej.Identifier != 8 || rej.CommandRejectReason != CommandRejectReasonSignalingMTUExceeded {
		t.Errorf("got %+v", rej)
	}
	if binary.LittleEndian.Uint16(rej.ReasonData) != SignalingMTU {
		t.Errorf("got reason data %x", rej.ReasonData)
	}
}

func TestSignalingInformation(t *testing.T) {
	f := newSignalingFixture(t, hci.LinkTypeACL, time.Hour)
	f.sig.serveInformation(ExtendedFeatureFixedChannels, bredrFixedChannels)

	f.sig.handleFrame(f.marshal(&InformationRequestPacket{Identifier: 1, InfoType: InfoTypeFixedChannelsSupported}))
	f.sig.handleFrame(f.marshal(&InformationRequestPacket{Identifier: 2, InfoType: InfoTypeConnectionlessMTU}))
	out := f.take()
	if len(out) != 2 {
		t.Fatalf("got %#v", out)
	}
	fixed := out[0].(*InformationResponsePacket)
	if fixed.Result != InfoTypeResultSuccess || binary.LittleEndian.Uint64(fixed.Info) != 0x86 {
		t.Errorf("got %+v", fixed)
	}
	if unsupported := out[1].(*InformationResponsePacket); unsupported.Result != InfoTypeResultNotSupported {
		t.Errorf("got %+v", unsupported)
	}
}

func TestSignalingResponseRouting(t *testing.T) {
	f := newSignalingFixture(t, hci.LinkTypeACL, time.Hour)

	var got []SignallingPacket
	err := f.sig.sendRequest(CommandCodeEchoRequest, func(id uint8) SignallingPacket {
		return &EchoRequestPacket{Identifier: id, EchoData: []byte("x")}
	}, func(status responseStatus, rsp SignallingPacket) bool {
		if status != responseStatusSuccess {
			t.Errorf("got status %v", status)
		}
		got = append(got, rsp)
		return false
	})
	if err != nil {
		t.Fatal(err)
	}
	req := f.take()[0].(*EchoRequestPacket)
	if req.Identifier != 1 {
		t.Errorf("first identifier is %d", req.Identifier)
	}

	// Unknown identifier and mismatched code are dropped.
	f.sig.handleFrame(f.marshal(&EchoResponsePacket{Identifier: 2}))
	f.sig.handleFrame(f.marshal(&InformationResponsePacket{Identifier: 1}))
	if len(got) != 0 {
		t.Fatalf("handler ran for a stray response: %#v", got)
	}

	f.sig.handleFrame(f.marshal(&EchoResponsePacket{Identifier: 1, EchoData: []byte("y")}))
	if len(got) != 1 || !bytes.Equal(got[0].(*EchoResponsePacket).EchoData, []byte("y")) {
		t.Fatalf("got %#v", got)
	}
	// A duplicate response finds nothing outstanding.
	f.sig.handleFrame(f.marshal(&EchoResponsePacket{Identifier: 1}))
	if len(got) != 1 {
		t.Errorf("handler ran twice")
	}
	if out := f.take(); len(out) != 0 {
		t.Errorf("responses must never be rejected: %#v", out)
	}
}

func TestSignalingCommandRejectCompletesRequest(t *testing.T) {
	f := newSignalingFixture(t, hci.LinkTypeACL, time.Hour)

	var status responseStatus = 0xFF
	f.sig.sendRequest(CommandCodeInformationRequest, func(id uint8) SignallingPacket {
		return &InformationRequestPacket{Identifier: id, InfoType: InfoTypeExtendedFeaturesSupported}
	}, func(s responseStatus, _ SignallingPacket) bool {
		status = s
		return false
	})
	f.take()
	f.sig.handleFrame(f.marshal(&CommandRejectResponsePacket{Identifier: 1}))
	if status != responseStatusReject {
		t.Errorf("got status %v", status)
	}
}

func TestSignalingRequestTimeout(t *testing.T) {
	f := newSignalingFixture(t, hci.LinkTypeACL, 10*time.Millisecond)

	timedOut := false
	f.sig.sendRequest(CommandCodeEchoRequest, func(id uint8) SignallingPacket {
		return &EchoRequestPacket{Identifier: id}
	}, func(s responseStatus, rsp SignallingPacket) bool {
		timedOut = s == responseStatusTimeout && rsp == nil
		return false
	})

	deadline := time.Now().Add(5 * time.Second)
	for !timedOut && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
		f.d.RunUntilIdle()
	}
	if !timedOut {
		t.Fatal("request never timed out")
	}
	// The identifier is free again and late responses are ignored.
	f.sig.handleFrame(f.marshal(&EchoResponsePacket{Identifier: 1}))
}

func TestSignalingIdentifiersSkipZeroAndOutstanding(t *testing.T) {
	f := newSignalingFixture(t, hci.LinkTypeACL, time.Hour)

	send := func() {
		if err := f.sig.sendRequest(CommandCodeEchoRequest, func(id uint8) SignallingPacket {
			return &EchoRequestPacket{Identifier: id}
		}, func(responseStatus, SignallingPacket) bool { return false }); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 255; i++ {
		send()
	}
	seen := make(map[uint8]bool)
	for _, p := range f.take() {
		id := p.(*EchoRequestPacket).Identifier
		if id == 0 || seen[id] {
			t.Fatalf("identifier %d reused or zero", id)
		}
		seen[id] = true
	}
	if err := f.sig.sendRequest(CommandCodeEchoRequest, func(id uint8) SignallingPacket {
		return &EchoRequestPacket{Identifier: id}
	}, nil); err == nil {
		t.Error("expected identifier exhaustion")
	}

	// Answer one; its identifier is handed out next.
	f.sig.handleFrame(f.marshal(&EchoResponsePacket{Identifier: 42}))
	send()
	if id := f.take()[0].(*EchoRequestPacket).Identifier; id != 42 {
		t.Errorf("got identifier %d, want 42", id)
	}
}

func TestSignalingSendFailure(t *testing.T) {
	f := newSignalingFixture(t, hci.LinkTypeACL, time.Hour)
	f.fail = errors.New("boom")

	err := f.sig.sendRequest(CommandCodeEchoRequest, func(id uint8) SignallingPacket {
		return &EchoRequestPacket{Identifier: id}
	}, func(responseStatus, SignallingPacket) bool {
		t.Error("handler ran for an unsent request")
		return false
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if len(f.sig.pending) != 0 {
		t.Error("failed request left pending")
	}

	f.sig.close()
	if err := f.sig.sendRequest(CommandCodeEchoRequest, nil, nil); err != ErrSignalingChannelClosed {
		t.Errorf("got %v", err)
	}
}

func TestConnectionParameterUpdate(t *testing.T) {
	valid := ConnectionParameterUpdateRequestPacket{IntervalMin: 0x0006, IntervalMax: 0x0010, Latency: 0, Timeout: 0x0064}

	tests := []struct {
		name   string
		role   hci.Role
		req    ConnectionParameterUpdateRequestPacket
		result ConnectionParameterUpdateResult
		reject bool
	}{
		{name: "accepted", role: hci.RoleCentral, req: valid, result: ConnectionParameterUpdateResultAccepted},
		{name: "interval too small", role: hci.RoleCentral, req: ConnectionParameterUpdateRequestPacket{IntervalMin: 5, IntervalMax: 0x10, Timeout: 0x64}, result: ConnectionParameterUpdateResultRejected},
		{name: "min above max", role: hci.RoleCentral, req: ConnectionParameterUpdateRequestPacket{IntervalMin: 0x20, IntervalMax: 0x10, Timeout: 0x64}, result: ConnectionParameterUpdateResultRejected},
		{name: "timeout too short for latency", role: hci.RoleCentral, req: ConnectionParameterUpdateRequestPacket{IntervalMin: 0x10, IntervalMax: 0x100, Latency: 10, Timeout: 0x0A}, result: ConnectionParameterUpdateResultRejected},
		{name: "peripheral", role: hci.RolePeripheral, req: valid, reject: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newSignalingFixture(t, hci.LinkTypeLE, time.Hour)
			var accepted []LEConnectionParameters
			f.sig.serveConnectionParameterUpdate(tt.role, func(p LEConnectionParameters) { accepted = append(accepted, p) })

			req := tt.req
			req.Identifier = 6
			f.sig.handleFrame(f.marshal(&req))

			if tt.reject {
				f.takeReject()
				if len(accepted) != 0 {
					t.Error("parameters accepted by peripheral")
				}
				return
			}
			out := f.take()
			rsp, ok := out[0].(*ConnectionParameterUpdateResponsePacket)
			if len(out) != 1 || !ok || rsp.Identifier != 6 || rsp.Result != tt.result {
				t.Fatalf("got %#v", out)
			}
			wantAccepted := 0
			if tt.result == ConnectionParameterUpdateResultAccepted {
				wantAccepted = 1
			}
			if len(accepted) != wantAccepted {
				t.Errorf("callback ran %d times, want %d", len(accepted), wantAccepted)
			}
		})
	}
}
