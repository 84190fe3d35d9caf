// Package tabs coordinates multiple open tabs of the same session: each
// tab announces itself on a shared broadcast bus, tracks its peers via
// heartbeats, and participates in a best-effort primary election so only
// one tab drives background sync. The election is self-healing rather
// than consensus-backed; a dual-primary window of one heartbeat interval
// is an accepted trade-off.
package tabs

import (
	"log/slog"
	"time"

	"github.com/mkoskela/tether/internal/pubsub"
	"github.com/mkoskela/tether/internal/session"
)

// MessageType enumerates the broadcast protocol.
type MessageType string

const (
	MsgRegistered MessageType = "REGISTERED"
	MsgHeartbeat  MessageType = "HEARTBEAT"
	MsgClosing    MessageType = "CLOSING"
	MsgElection   MessageType = "MASTER_ELECTION"
	MsgStateSync  MessageType = "STATE_SYNC"
)

// Message is the envelope carried on the bus. Primary is set on
// MASTER_ELECTION, Session on STATE_SYNC; both are empty otherwise.
type Message struct {
	Type      MessageType      `json:"type"`
	TabID     string           `json:"tab_id"`
	SessionID string           `json:"session_id,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
	Primary   string           `json:"primary,omitempty"`
	Session   *session.Session `json:"session,omitempty"`
}

// Bus is the same-origin broadcast primitive. Delivery is best-effort
// and includes the publisher's own subscribers; receivers filter by
// TabID. Implementations: MemoryBus for tabs sharing a process,
// RelayBus for tabs connected through a relay server.
type Bus interface {
	Publish(msg Message) error
	Subscribe(fn func(Message)) pubsub.Subscription
	Close() error
}

// MemoryBus fans messages out to every subscriber in-process.
type MemoryBus struct {
	emitter *pubsub.Emitter[Message]
}

func NewMemoryBus(logger *slog.Logger) *MemoryBus {
	return &MemoryBus{emitter: pubsub.New[Message](logger)}
}

func (b *MemoryBus) Publish(msg Message) error {
	b.emitter.Publish(msg)

	return nil
}

func (b *MemoryBus) Subscribe(fn func(Message)) pubsub.Subscription {
	return b.emitter.Subscribe(fn)
}

func (b *MemoryBus) Close() error { return nil }
