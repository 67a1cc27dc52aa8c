// Package natsbridge republishes bus notifications on NATS subjects so
// processes outside the agent can follow the state machine.
package natsbridge

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/snehjoshi/queuegate/internal/bus"
)

// Publisher is the subset of *nats.Conn the bridge needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Bridge forwards every notification to "<prefix>.<kind>" as JSON.
type Bridge struct {
	pub    Publisher
	prefix string
	unsub  func()
	conn   *nats.Conn // set only when the bridge dialled the connection itself
}

// Connect dials url and attaches a bridge to b.
func Connect(url, prefix string, b *bus.Bus) (*Bridge, error) {
	nc, err := nats.Connect(url, nats.Name("queuegate-agent"))
	if err != nil {
		return nil, fmt.Errorf("natsbridge: connect %s: %w", url, err)
	}
	br := Attach(nc, prefix, b)
	br.conn = nc
	slog.Info("nats bridge connected", "url", url, "prefix", prefix)
	return br, nil
}

// Attach subscribes a bridge over an existing publisher.
func Attach(pub Publisher, prefix string, b *bus.Bus) *Bridge {
	br := &Bridge{pub: pub, prefix: prefix}
	br.unsub = b.Subscribe(br.forward)
	return br
}

// Subject returns the subject a notification of kind k is published on.
func (br *Bridge) Subject(k bus.Kind) string {
	if br.prefix == "" {
		return string(k)
	}
	return br.prefix + "." + string(k)
}

func (br *Bridge) forward(n bus.Notification) {
	data, err := json.Marshal(n)
	if err != nil {
		slog.Warn("natsbridge: marshal failed", "kind", n.Kind, "err", err)
		return
	}
	if err := br.pub.Publish(br.Subject(n.Kind), data); err != nil {
		slog.Warn("natsbridge: publish failed", "subject", br.Subject(n.Kind), "err", err)
	}
}

// Close detaches from the bus and drains the connection if the bridge owns it.
func (br *Bridge) Close() error {
	br.unsub()
	if br.conn != nil {
		return br.conn.Drain()
	}
	return nil
}
