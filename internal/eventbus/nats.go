/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package eventbus

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/friendsincode/seqworker/internal/events"
)

// NATSConfig contains NATS connection configuration.
type NATSConfig struct {
	URL   string
	Token string
	// SubjectPrefix is joined with the event type, e.g. seqworker.events.worker.assignment.
	SubjectPrefix string

	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// DefaultNATSConfig returns default NATS configuration.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		SubjectPrefix: "seqworker.events",
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
	}
}

// Subject returns the subject an event type is published on.
func (c NATSConfig) Subject(eventType events.EventType) string {
	return c.SubjectPrefix + "." + string(eventType)
}

// NATSMirror publishes bus events on per-type NATS subjects.
type NATSMirror struct {
	conn   *nats.Conn
	mirror *mirror
	logger zerolog.Logger
}

// NewNATSMirror connects to NATS and starts mirroring bus events.
func NewNATSMirror(cfg NATSConfig, bus *events.Bus, nodeID string, logger zerolog.Logger) (*NATSMirror, error) {
	def := DefaultNATSConfig()
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = def.SubjectPrefix
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = def.ReconnectWait
	}
	logger = logger.With().Str("component", "nats_mirror").Logger()

	opts := []nats.Option{
		nats.Name("seqworker-" + nodeID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("disconnected from NATS")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("reconnected to NATS")
		}),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS %s: %w", cfg.URL, err)
	}

	nm := &NATSMirror{conn: nc, logger: logger}
	nm.mirror = newMirror("nats", bus, nodeID, cfg.Timeout, func(_ context.Context, eventType events.EventType, data []byte) error {
		return nc.Publish(cfg.Subject(eventType), data)
	}, logger)
	nm.mirror.start()

	logger.Info().Str("url", nc.ConnectedUrl()).Str("subject_prefix", cfg.SubjectPrefix).Msg("mirroring events to NATS")
	return nm, nil
}

// Close stops mirroring, flushes buffered publishes and closes the connection.
func (nm *NATSMirror) Close() error {
	nm.mirror.stop()
	if err := nm.conn.FlushTimeout(2 * time.Second); err != nil {
		nm.logger.Debug().Err(err).Msg("flush before close failed")
	}
	nm.conn.Close()
	return nil
}
