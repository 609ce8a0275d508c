package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSConn is the subset of *nats.Conn used for publishing.
type NATSConn interface {
	Publish(subject string, data []byte) error
	Close()
}

// NATSPublisher publishes on subject ecoscan.<channel>.<event>.
type NATSPublisher struct {
	conn NATSConn
}

// NewNATSPublisher connects to url with reconnects enabled.
func NewNATSPublisher(url string) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("ecoscan"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return NewNATSPublisherWithConn(conn), nil
}

// NewNATSPublisherWithConn uses an existing connection.
func NewNATSPublisherWithConn(conn NATSConn) *NATSPublisher {
	return &NATSPublisher{conn: conn}
}

// Subject returns the NATS subject for channel and event.
func Subject(channel, event string) string {
	return "ecoscan." + channel + "." + event
}

func (p *NATSPublisher) Backend() string { return "nats" }

func (p *NATSPublisher) Publish(ctx context.Context, channel, event string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := encode(event, payload)
	if err != nil {
		return err
	}
	if err := p.conn.Publish(Subject(channel, event), body); err != nil {
		return fmt.Errorf("nats publish %s: %w", channel, err)
	}
	return nil
}

// Close closes the connection.
func (p *NATSPublisher) Close() error {
	p.conn.Close()
	return nil
}
