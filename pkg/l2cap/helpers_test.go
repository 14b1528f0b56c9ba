package l2cap

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/muxable/bthost/pkg/hci"
)

func useTestLogger(t *testing.T) {
	undo := zap.ReplaceGlobals(zaptest.NewLogger(t))
	t.Cleanup(undo)
}

// testDispatcher queues tasks until the test runs them.
type testDispatcher struct {
	mu    sync.Mutex
	tasks []func()
}

func (d *testDispatcher) Post(task func()) {
	d.mu.Lock()
	d.tasks = append(d.tasks, task)
	d.mu.Unlock()
}

// RunUntilIdle runs queued tasks, including ones they post, until none remain.
func (d *testDispatcher) RunUntilIdle() {
	for {
		d.mu.Lock()
		if len(d.tasks) == 0 {
			d.mu.Unlock()
			return
		}
		task := d.tasks[0]
		d.tasks = d.tasks[1:]
		d.mu.Unlock()
		task()
	}
}

// testConfig never lets a signaling request time out on its own.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.SignalingResponseTimeout = time.Hour
	return cfg
}

type sentFrame struct {
	handle hci.ConnectionHandle
	cid    ChannelID
	data   []byte
}

// harness runs a ChannelManager against a scripted peer. Frames sent by the
// manager are reassembled and kept until taken.
type harness struct {
	t   *testing.T
	d   *testDispatcher
	app *testDispatcher
	mgr *ChannelManager

	recombiners map[hci.ConnectionHandle]*Recombiner
	frames      []sentFrame
	linkTypes   []hci.LinkType
	// fragmentSize is used for frames injected from the peer.
	fragmentSize int
}

func newHarness(t *testing.T, cfg Config) *harness {
	useTestLogger(t)
	h := &harness{
		t:            t,
		d:            &testDispatcher{},
		app:          &testDispatcher{},
		recombiners:  make(map[hci.ConnectionHandle]*Recombiner),
		fragmentSize: 27,
	}
	h.mgr = NewChannelManager(cfg, h.sendACL, h.d)
	return h
}

func (h *harness) sendACL(packets []*hci.ACLDataPacket, linkType hci.LinkType) bool {
	h.linkTypes = append(h.linkTypes, linkType)
	for _, p := range packets {
		r, ok := h.recombiners[p.ConnectionHandle]
		if !ok {
			r = NewRecombiner(p.ConnectionHandle)
			h.recombiners[p.ConnectionHandle] = r
		}
		result := r.ConsumeFragment(p)
		if result.FramesDropped {
			h.t.Fatalf("manager sent a malformed frame on %v", p.ConnectionHandle)
		}
		if result.PDU != nil {
			h.frames = append(h.frames, sentFrame{
				handle: p.ConnectionHandle,
				cid:    result.PDU.ChannelID(),
				data:   result.PDU.Bytes(),
			})
		}
	}
	return true
}

// run drains both dispatchers until neither has work.
func (h *harness) run() {
	for {
		h.d.RunUntilIdle()
		h.app.RunUntilIdle()
		h.d.mu.Lock()
		idle := len(h.d.tasks) == 0
		h.d.mu.Unlock()
		if idle {
			return
		}
	}
}

func (h *harness) takeFrames() []sentFrame {
	h.run()
	frames := h.frames
	h.frames = nil
	return frames
}

// takeCommands returns the signaling commands sent since the last call.
func (h *harness) takeCommands() []SignallingPacket {
	h.t.Helper()
	var cmds []SignallingPacket
	for _, f := range h.takeFrames() {
		if f.cid != ChannelIDSignallingACLU && f.cid != ChannelIDSignallingLEU {
			h.t.Fatalf("unexpected frame on %v: %x", f.cid, f.data)
		}
		p, err := UnmarshalSignallingPacket(f.data)
		if err != nil {
			h.t.Fatalf("manager sent undecodable command %x: %v", f.data, err)
		}
		cmds = append(cmds, p)
	}
	return cmds
}

// takeCommand expects exactly one signaling command.
func (h *harness) takeCommand() SignallingPacket {
	h.t.Helper()
	cmds := h.takeCommands()
	if len(cmds) != 1 {
		h.t.Fatalf("expected one command, got %d: %#v", len(cmds), cmds)
	}
	return cmds[0]
}

// inject delivers a frame from the peer, fragmented.
func (h *harness) inject(handle hci.ConnectionHandle, cid ChannelID, payload []byte) {
	h.t.Helper()
	pdu, err := NewFragmenter(handle, h.fragmentSize).BuildBasicFrame(cid, payload, false)
	if err != nil {
		h.t.Fatal(err)
	}
	for _, p := range pdu.ReleaseFragments() {
		h.mgr.OnACLDataReceived(p)
	}
	h.run()
}

func (h *harness) injectCommand(handle hci.ConnectionHandle, p SignallingPacket) {
	h.t.Helper()
	buf, err := p.Marshal()
	if err != nil {
		h.t.Fatal(err)
	}
	h.inject(handle, ChannelIDSignallingACLU, buf)
}

func uint16Ptr(v uint16) *uint16 { return &v }

// openInbound drives the peer side of an inbound channel to psm and returns
// the local CID.
func (h *harness) openInbound(handle hci.ConnectionHandle, psm PSM, remoteCID ChannelID, remoteMTU uint16) ChannelID {
	h.t.Helper()
	h.injectCommand(handle, &ConnectionRequestPacket{Identifier: 1, PSM: psm, SourceCID: remoteCID})
	cmds := h.takeCommands()
	if len(cmds) != 2 {
		h.t.Fatalf("expected connection response and configuration request, got %#v", cmds)
	}
	rsp, ok := cmds[0].(*ConnectionResponsePacket)
	if !ok || rsp.Result != ConnectionResponseResultSuccessfulConnection || rsp.SourceCID != remoteCID {
		h.t.Fatalf("unexpected connection response %#v", cmds[0])
	}
	local := rsp.DestinationCID
	req, ok := cmds[1].(*ConfigurationRequestPacket)
	if !ok || req.DestinationCID != remoteCID {
		h.t.Fatalf("unexpected configuration request %#v", cmds[1])
	}

	h.injectCommand(handle, &ConfigurationRequestPacket{Identifier: 2, DestinationCID: local, Options: ConfigurationOptions{MTU: uint16Ptr(remoteMTU)}})
	cfgRsp, ok := h.takeCommand().(*ConfigurationResponsePacket)
	if !ok || cfgRsp.Result != ConfigurationResultSuccess || cfgRsp.SourceCID != remoteCID {
		h.t.Fatalf("unexpected configuration response %#v", cfgRsp)
	}

	h.injectCommand(handle, &ConfigurationResponsePacket{Identifier: req.Identifier, SourceCID: local, Result: ConfigurationResultSuccess})
	if cmds := h.takeCommands(); len(cmds) != 0 {
		h.t.Fatalf("unexpected commands after configuration %#v", cmds)
	}
	return local
}
