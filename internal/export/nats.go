package export

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/vitaminmoo/pmlog/internal/config"
	"github.com/vitaminmoo/pmlog/internal/protocol"
)

type natsConn interface {
	Publish(subject string, data []byte) error
	Close()
}

// NATSSink publishes records as JSON on a subject.
type NATSSink struct {
	conn    natsConn
	subject string
}

// DialNATS connects to the configured server.
func DialNATS(cfg config.NATSConfig) (*NATSSink, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name("pmlog"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	config.Debugf("Connected to NATS at %s", nc.ConnectedUrl())
	return newNATSSink(nc, cfg.Subject), nil
}

func newNATSSink(conn natsConn, subject string) *NATSSink {
	return &NATSSink{conn: conn, subject: subject}
}

func (s *NATSSink) Name() string { return "nats" }

func (s *NATSSink) Publish(_ context.Context, r protocol.Record) error {
	data, err := Encode(r)
	if err != nil {
		return err
	}
	return s.conn.Publish(s.subject, data)
}

func (s *NATSSink) Close() error {
	s.conn.Close()
	return nil
}
