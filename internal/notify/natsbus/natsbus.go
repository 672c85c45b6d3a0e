// Package natsbus publishes incident events to a NATS subject.
package natsbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/nats-io/nats.go"

	"github.com/linnemanlabs/sentinel/internal/incident"
)

// DefaultSubject is used when no subject is configured.
const DefaultSubject = "sentinel.incidents"

// ErrNotConnected is returned when the connection is closed or reconnecting.
var ErrNotConnected = errors.New("nats connection not available")

// conn is the subset of *nats.Conn the publisher needs.
type conn interface {
	PublishMsg(m *nats.Msg) error
	IsConnected() bool
	Close()
}

// Publisher sends incidents as JSON messages with identifying headers.
type Publisher struct {
	conn    conn
	subject string
	logger  log.Logger
}

// Connect dials url with reconnect enabled. The connection is retried in the
// background if the server is not yet reachable.
func Connect(url, subject string, logger log.Logger) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("sentinel"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(10),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return newPublisher(nc, subject, logger), nil
}

func newPublisher(c conn, subject string, logger log.Logger) *Publisher {
	if logger == nil {
		logger = log.Nop()
	}
	if subject == "" {
		subject = DefaultSubject
	}
	return &Publisher{conn: c, subject: subject, logger: logger}
}

// Name identifies the notifier in logs.
func (p *Publisher) Name() string { return "nats" }

// Subject returns the subject incidents are published on.
func (p *Publisher) Subject() string { return p.subject }

// Notify publishes inc. ctx is only used for logging; nats publishes are
// buffered and do not block on the server.
func (p *Publisher) Notify(ctx context.Context, inc incident.Incident) error {
	if p.conn == nil || !p.conn.IsConnected() {
		return ErrNotConnected
	}

	data, err := json.Marshal(inc)
	if err != nil {
		return fmt.Errorf("marshal incident: %w", err)
	}

	h := nats.Header{}
	h.Set("x-incident-id", inc.ID)
	h.Set("x-source", inc.Source)
	h.Set("x-severity", strconv.FormatFloat(inc.Severity, 'f', 3, 64))
	h.Set("x-timestamp", inc.Timestamp.UTC().Format(time.RFC3339))

	msg := &nats.Msg{Subject: p.subject, Data: data, Header: h}
	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish incident %s: %w", inc.ID, err)
	}

	p.logger.Info(ctx, "incident published", "incident_id", inc.ID, "subject", p.subject)
	return nil
}

// IsConnected reports whether the underlying connection is up.
func (p *Publisher) IsConnected() bool {
	return p.conn != nil && p.conn.IsConnected()
}

// Close closes the connection.
func (p *Publisher) Close() {
	if p.conn != nil {
		p.conn.Close()
	}
}
