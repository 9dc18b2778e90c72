package broadcast

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/muxtun/muxtun/internal/auth"
	"github.com/muxtun/muxtun/internal/config"
	"github.com/muxtun/muxtun/internal/metrics"
	"github.com/muxtun/muxtun/pkg/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeStream struct {
	in        chan []byte
	out       chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (s *fakeStream) ReadMessage() ([]byte, error) {
	select {
	case msg := <-s.in:
		return msg, nil
	case <-s.closed:
		return nil, io.ErrClosedPipe
	}
}

func (s *fakeStream) WriteMessage(p []byte) error {
	select {
	case s.out <- p:
		return nil
	case <-s.closed:
		return io.ErrClosedPipe
	}
}

func (s *fakeStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeStream) send(t *testing.T, msg protocol.BroadcastMessage) {
	t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	s.in <- data
}

func (s *fakeStream) recv(t *testing.T) []byte {
	t.Helper()
	select {
	case msg := <-s.out:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a broadcast message")
		return nil
	}
}

func (s *fakeStream) recvAck(t *testing.T) protocol.BroadcastAck {
	t.Helper()
	var ack protocol.BroadcastAck
	if err := json.Unmarshal(s.recv(t), &ack); err != nil {
		t.Fatalf("invalid ack: %v", err)
	}
	return ack
}

func (s *fakeStream) assertSilent(t *testing.T) {
	t.Helper()
	select {
	case msg := <-s.out:
		t.Fatalf("unexpected message: %q", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

type hubRig struct {
	hub   *Hub
	authn *auth.Service
}

func newHubRig(t *testing.T, opts Options) *hubRig {
	t.Helper()
	authn := auth.NewService(config.AuthConfig{ChannelSecret: "chan-key"})
	return &hubRig{
		hub:   NewHub(authn, metrics.New(), testLogger(), opts),
		authn: authn,
	}
}

// join connects a participant and joins it to a channel.
func (rig *hubRig) join(t *testing.T, channel, msgType string) *fakeStream {
	t.Helper()
	stream := newFakeStream()
	go rig.hub.HandleConnection(stream, "test:0")

	stream.send(t, protocol.BroadcastMessage{
		Type:    msgType,
		Channel: channel,
		Token:   rig.authn.ChannelToken(channel),
	})
	ack := stream.recvAck(t)
	if !ack.OK {
		t.Fatalf("join rejected: %s", ack.Error)
	}
	return stream
}

func TestHub_ForwardsToOthersOnly(t *testing.T) {
	rig := newHubRig(t, Options{})

	a := rig.join(t, "alpha", protocol.TypeJoin)
	b := rig.join(t, "alpha", protocol.TypeJoin)
	c := rig.join(t, "alpha", protocol.TypeJoin)

	a.send(t, protocol.BroadcastMessage{
		Type:    protocol.TypePublish,
		Channel: "alpha",
		Data:    json.RawMessage(`{"n":1}`),
	})

	for _, peer := range []*fakeStream{b, c} {
		var got protocol.BroadcastMessage
		if err := json.Unmarshal(peer.recv(t), &got); err != nil {
			t.Fatal(err)
		}
		if got.Type != protocol.TypePublish || string(got.Data) != `{"n":1}` {
			t.Fatalf("forwarded message = %+v", got)
		}
	}
	// Never back to the sender.
	a.assertSilent(t)
}

func TestHub_ChannelsAreIsolated(t *testing.T) {
	rig := newHubRig(t, Options{})

	a := rig.join(t, "alpha", protocol.TypeJoin)
	b := rig.join(t, "beta", protocol.TypeJoin)

	a.send(t, protocol.BroadcastMessage{
		Type:    protocol.TypePublish,
		Channel: "alpha",
		Data:    json.RawMessage(`"x"`),
	})
	b.assertSilent(t)
}

func TestHub_RejectsBadToken(t *testing.T) {
	rig := newHubRig(t, Options{})

	stream := newFakeStream()
	go rig.hub.HandleConnection(stream, "test:0")

	// Token for another channel does not transfer.
	stream.send(t, protocol.BroadcastMessage{
		Type:    protocol.TypeJoin,
		Channel: "alpha",
		Token:   rig.authn.ChannelToken("beta"),
	})
	if ack := stream.recvAck(t); ack.OK {
		t.Fatal("join with a foreign channel token must be rejected")
	}
}

func TestHub_PublishGatedOnValidation(t *testing.T) {
	rig := newHubRig(t, Options{})
	member := rig.join(t, "alpha", protocol.TypeJoin)

	// A connection that never validated cannot publish.
	intruder := newFakeStream()
	go rig.hub.HandleConnection(intruder, "test:0")
	intruder.send(t, protocol.BroadcastMessage{
		Type:    protocol.TypePublish,
		Channel: "alpha",
		Data:    json.RawMessage(`"stolen"`),
	})
	member.assertSilent(t)

	// A publish carrying a valid credential both validates and forwards;
	// the publisher becomes a participant going forward.
	intruder.send(t, protocol.BroadcastMessage{
		Type:    protocol.TypePublish,
		Channel: "alpha",
		Token:   rig.authn.ChannelToken("alpha"),
		Data:    json.RawMessage(`"hello"`),
	})
	// The credentialed publisher is validated but not yet a member, so the
	// existing member still receives nothing from it until it joins.
	member.assertSilent(t)
}

func TestHub_LastRegisteredOwnsChannel(t *testing.T) {
	rig := newHubRig(t, Options{})

	first := rig.join(t, "alpha", protocol.TypeRegister)
	if !rig.hub.Owner("alpha") {
		t.Fatal("channel should have an owner after register")
	}

	rig.hub.mu.Lock()
	firstOwner := rig.hub.channels["alpha"].owner
	rig.hub.mu.Unlock()

	// A second register silently replaces the claim; the evicted owner is
	// not notified.
	second := rig.join(t, "alpha", protocol.TypeRegister)

	rig.hub.mu.Lock()
	secondOwner := rig.hub.channels["alpha"].owner
	rig.hub.mu.Unlock()

	if firstOwner == secondOwner {
		t.Fatal("ownership should have moved to the later registration")
	}
	first.assertSilent(t)

	// Both remain participants.
	second.send(t, protocol.BroadcastMessage{
		Type:    protocol.TypePublish,
		Channel: "alpha",
		Data:    json.RawMessage(`"ping"`),
	})
	first.recv(t)
}

func TestHub_OwnerDisconnectClearsClaim(t *testing.T) {
	rig := newHubRig(t, Options{})

	owner := rig.join(t, "alpha", protocol.TypeRegister)
	other := rig.join(t, "alpha", protocol.TypeJoin)
	_ = other

	owner.Close()
	deadline := time.Now().Add(2 * time.Second)
	for rig.hub.Owner("alpha") && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if rig.hub.Owner("alpha") {
		t.Fatal("owner claim should clear when the owner disconnects")
	}
}

func TestHub_ChannelFull(t *testing.T) {
	rig := newHubRig(t, Options{MaxChannelConns: 1})

	rig.join(t, "alpha", protocol.TypeJoin)

	stream := newFakeStream()
	go rig.hub.HandleConnection(stream, "test:0")
	stream.send(t, protocol.BroadcastMessage{
		Type:    protocol.TypeJoin,
		Channel: "alpha",
		Token:   rig.authn.ChannelToken("alpha"),
	})
	if ack := stream.recvAck(t); ack.OK {
		t.Fatal("join beyond the channel connection limit must be rejected")
	}
}

func TestHub_EmptyChannelIsDropped(t *testing.T) {
	rig := newHubRig(t, Options{})

	member := rig.join(t, "alpha", protocol.TypeJoin)
	if rig.hub.ChannelCount() != 1 {
		t.Fatal("channel should exist while populated")
	}

	member.Close()
	deadline := time.Now().Add(2 * time.Second)
	for rig.hub.ChannelCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if rig.hub.ChannelCount() != 0 {
		t.Fatal("empty channel should be removed")
	}
}
