package events

import (
	"context"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// subjectPublisher is the part of *nats.Conn the forwarder needs.
type subjectPublisher interface {
	Publish(subject string, data []byte) error
}

// NATSForwarder republishes every bus event as JSON on <prefix>.<kind>.
type NATSForwarder struct {
	pub    subjectPublisher
	conn   *nats.Conn
	prefix string
	log    *zap.Logger
}

// DialNATS connects to url and returns a forwarder.
func DialNATS(url, prefix string, log *zap.Logger) (*NATSForwarder, error) {
	conn, err := nats.Connect(url,
		nats.Name("dispatcher"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	f := newNATSForwarder(conn, prefix, log)
	f.conn = conn
	return f, nil
}

func newNATSForwarder(pub subjectPublisher, prefix string, log *zap.Logger) *NATSForwarder {
	if log == nil {
		log = zap.NewNop()
	}
	return &NATSForwarder{pub: pub, prefix: prefix, log: log}
}

// Subject returns the subject an event kind is published on.
func (f *NATSForwarder) Subject(k Kind) string {
	return f.prefix + "." + string(k)
}

// Handle is a bus Handler.
func (f *NATSForwarder) Handle(_ context.Context, ev Event) error {
	data, err := sonic.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := f.pub.Publish(f.Subject(ev.Kind), data); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Kind, err)
	}
	return nil
}

// Close drains the connection.
func (f *NATSForwarder) Close() {
	if f.conn != nil {
		if err := f.conn.Drain(); err != nil {
			f.log.Warn("drain NATS connection", zap.Error(err))
		}
	}
}
