package bus

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
)

// NatsMirror republishes events on <prefix>.<topic>.<scope> so processes
// outside this one can observe them. Delivery is best effort.
type NatsMirror struct {
	nc     *nats.Conn
	prefix string
}

func NewNatsMirror(nc *nats.Conn, prefix string) *NatsMirror {
	if prefix == "" {
		prefix = "events"
	}
	return &NatsMirror{nc: nc, prefix: prefix}
}

// Subject is the NATS subject an event with topic and scope is mirrored on.
func (m *NatsMirror) Subject(topic, scope string) string {
	return m.prefix + "." + subjectToken(topic) + "." + subjectToken(scope)
}

func (m *NatsMirror) Mirror(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := m.nc.Publish(m.Subject(ev.Topic, ev.Scope), data); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

var tokenReplacer = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_", "\t", "_", "\r", "_", "\n", "_")

func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return tokenReplacer.Replace(s)
}
