package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix is the NATS subject root; the severity is appended.
const DefaultSubjectPrefix = "kerne.alerts"

type publisher interface {
	Publish(subj string, data []byte) error
}

// NATSNotifier publishes alerts as JSON on <prefix>.<severity>.
type NATSNotifier struct {
	conn   publisher
	close  func()
	prefix string
}

// NewNATSNotifier connects to url.
func NewNATSNotifier(url, prefix string) (*NATSNotifier, error) {
	conn, err := nats.Connect(url, nats.Name("kerne-operator"))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	n := newNATSNotifier(conn, prefix)
	n.close = conn.Close
	return n, nil
}

func newNATSNotifier(conn publisher, prefix string) *NATSNotifier {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSNotifier{conn: conn, prefix: strings.TrimSuffix(prefix, "."), close: func() {}}
}

func (n *NATSNotifier) Name() string { return "nats" }

// Subject returns the subject an alert of severity s is published on.
func (n *NATSNotifier) Subject(s Severity) string {
	return n.prefix + "." + string(s)
}

func (n *NATSNotifier) Notify(_ context.Context, a Alert) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	if err := n.conn.Publish(n.Subject(a.Severity), data); err != nil {
		return fmt.Errorf("publish alert: %w", err)
	}
	return nil
}

// Close drops the connection.
func (n *NATSNotifier) Close() { n.close() }

var _ Notifier = (*NATSNotifier)(nil)
