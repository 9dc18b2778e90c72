// Package broadcast implements the named-channel relay: authenticated
// participants on a channel receive each other's messages, and each channel
// holds at most one owner connection at a time.
package broadcast

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/muxtun/muxtun/internal/metrics"
	"github.com/muxtun/muxtun/pkg/protocol"
)

// Stream is one participant's byte channel, supplied by the transport
// collaborator. WriteMessage must be safe for concurrent use.
type Stream interface {
	ReadMessage() ([]byte, error)
	WriteMessage(payload []byte) error
	Close() error
}

// Authenticator validates per-channel credentials.
type Authenticator interface {
	VerifyChannelToken(channel, token string) bool
}

// Options configures the Hub.
type Options struct {
	MaxChannelConns int // per channel, 0 = unlimited
}

type conn struct {
	id     string
	stream Stream
	// validated is only touched by this connection's read loop.
	validated map[string]bool
}

type channel struct {
	owner   *conn // last registered wins
	members map[string]*conn
}

// Hub tracks channels and their participants.
type Hub struct {
	authn   Authenticator
	metrics *metrics.Metrics
	logger  *slog.Logger
	opts    Options

	mu       sync.Mutex
	channels map[string]*channel
}

// NewHub creates an empty broadcast hub.
func NewHub(authn Authenticator, m *metrics.Metrics, logger *slog.Logger, opts Options) *Hub {
	return &Hub{
		authn:    authn,
		metrics:  m,
		logger:   logger.With("component", "broadcast"),
		opts:     opts,
		channels: make(map[string]*channel),
	}
}

// HandleConnection runs one broadcast connection to completion. Credentialed
// messages are re-validated every time; publishes are gated on a previously
// successful validation for that connection and channel.
func (h *Hub) HandleConnection(stream Stream, remoteAddr string) {
	c := &conn{
		id:        uuid.New().String(),
		stream:    stream,
		validated: make(map[string]bool),
	}
	defer h.dropConn(c)
	defer stream.Close()

	for {
		raw, err := stream.ReadMessage()
		if err != nil {
			return
		}

		var msg protocol.BroadcastMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			h.logger.Warn("invalid broadcast message", "remote_addr", remoteAddr, "error", err)
			continue
		}
		if msg.Channel == "" {
			h.sendAck(c, msg.Channel, false, "channel required")
			continue
		}

		switch msg.Type {
		case protocol.TypeRegister, protocol.TypeJoin:
			if !h.authn.VerifyChannelToken(msg.Channel, msg.Token) {
				h.metrics.AuthFailures.Inc()
				h.sendAck(c, msg.Channel, false, "invalid channel token")
				continue
			}
			c.validated[msg.Channel] = true
			if ok, reason := h.addMember(c, msg.Channel, msg.Type == protocol.TypeRegister); !ok {
				h.sendAck(c, msg.Channel, false, reason)
				continue
			}
			h.sendAck(c, msg.Channel, true, "")

		case protocol.TypePublish:
			// A publish may carry a credential; re-validate when it does.
			if msg.Token != "" {
				if !h.authn.VerifyChannelToken(msg.Channel, msg.Token) {
					h.metrics.AuthFailures.Inc()
					continue
				}
				c.validated[msg.Channel] = true
			}
			if !c.validated[msg.Channel] {
				h.logger.Debug("publish before validation dropped", "channel", msg.Channel)
				continue
			}
			h.forward(c, msg)

		default:
			h.logger.Warn("unknown broadcast message type", "type", msg.Type)
		}
	}
}

// addMember adds a connection to a channel, claiming ownership when asked.
// A register on an already-owned channel silently replaces the prior claim:
// last registered wins and the evicted party is not notified.
func (h *Hub) addMember(c *conn, name string, claimOwner bool) (bool, string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch, ok := h.channels[name]
	if !ok {
		ch = &channel{members: make(map[string]*conn)}
		h.channels[name] = ch
	}

	if _, member := ch.members[c.id]; !member {
		if h.opts.MaxChannelConns > 0 && len(ch.members) >= h.opts.MaxChannelConns {
			return false, "channel full"
		}
		ch.members[c.id] = c
	}

	if claimOwner {
		if ch.owner != nil && ch.owner != c {
			h.logger.Info("channel owner replaced", "channel", name)
		}
		ch.owner = c
	}
	return true, ""
}

// forward delivers a publish to every other participant on the channel,
// never back to the sender.
func (h *Hub) forward(sender *conn, msg protocol.BroadcastMessage) {
	out, err := json.Marshal(protocol.BroadcastMessage{
		Type:    protocol.TypePublish,
		Channel: msg.Channel,
		Data:    msg.Data,
	})
	if err != nil {
		return
	}

	h.mu.Lock()
	ch := h.channels[msg.Channel]
	var targets []*conn
	if ch != nil {
		for id, member := range ch.members {
			if id != sender.id {
				targets = append(targets, member)
			}
		}
	}
	h.mu.Unlock()

	for _, member := range targets {
		if err := member.stream.WriteMessage(out); err != nil {
			h.logger.Debug("broadcast write failed", "channel", msg.Channel, "error", err)
			continue
		}
		h.metrics.BroadcastForwarded.Inc()
	}
}

func (h *Hub) dropConn(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for name, ch := range h.channels {
		delete(ch.members, c.id)
		if ch.owner == c {
			ch.owner = nil
		}
		if len(ch.members) == 0 {
			delete(h.channels, name)
		}
	}
}

func (h *Hub) sendAck(c *conn, channel string, ok bool, errMsg string) {
	data, err := json.Marshal(protocol.BroadcastAck{
		Type:    protocol.TypeAck,
		Channel: channel,
		OK:      ok,
		Error:   errMsg,
	})
	if err != nil {
		return
	}
	_ = c.stream.WriteMessage(data)
}

// Owner reports whether a channel currently has an owner connection.
func (h *Hub) Owner(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := h.channels[name]
	return ch != nil && ch.owner != nil
}

// ChannelCount returns the number of live channels.
func (h *Hub) ChannelCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.channels)
}
