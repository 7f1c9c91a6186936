package events

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSPublisher publishes events as JSON on "<prefix>.<kind>" subjects.
// nats.Conn buffers publishes internally, so Publish does not block on the
// network.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
}

// NewNATSPublisher wraps an established connection.
func NewNATSPublisher(nc *nats.Conn, prefix string) *NATSPublisher {
	if prefix == "" {
		prefix = "perpsim"
	}
	return &NATSPublisher{nc: nc, prefix: prefix}
}

// Connect dials url with unlimited reconnects.
func Connect(url string) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name("perpsim"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.Timeout(5*time.Second),
	)
}

// Subject returns the subject an event of the given kind is published on.
func (p *NATSPublisher) Subject(k Kind) string {
	return p.prefix + "." + string(k)
}

func (p *NATSPublisher) Publish(e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		slog.Error("encode event", "kind", e.Kind, "err", err)
		return
	}
	if err := p.nc.Publish(p.Subject(e.Kind), data); err != nil {
		slog.Warn("nats publish failed", "subject", p.Subject(e.Kind), "err", err)
	}
}
