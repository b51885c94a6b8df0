/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package eventbus mirrors in-process lifecycle events to external brokers
// so fleets of workers can be observed from one place.
package eventbus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/friendsincode/seqworker/internal/events"
	"github.com/friendsincode/seqworker/internal/telemetry"
)

// Message is the JSON envelope written to the broker.
type Message struct {
	ID        string           `json:"id"`
	EventType events.EventType `json:"event_type"`
	Payload   events.Payload   `json:"payload"`
	Timestamp time.Time        `json:"timestamp"`
	NodeID    string           `json:"node_id"`
}

func marshalMessage(eventType events.EventType, payload events.Payload, nodeID string) ([]byte, error) {
	return json.Marshal(Message{
		ID:        uuid.NewString(),
		EventType: eventType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
		NodeID:    nodeID,
	})
}

func unmarshalMessage(data []byte) (Message, error) {
	var msg Message
	err := json.Unmarshal(data, &msg)
	return msg, err
}

// sink delivers one encoded message for eventType.
type sink func(ctx context.Context, eventType events.EventType, data []byte) error

// mirror subscribes to every event type on a bus and forwards each payload
// to a sink. Forwarding happens off the publisher's goroutine.
type mirror struct {
	name    string
	bus     *events.Bus
	nodeID  string
	send    sink
	timeout time.Duration
	logger  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	subs   map[events.EventType]events.Subscriber

	closeOnce sync.Once
}

func newMirror(name string, bus *events.Bus, nodeID string, timeout time.Duration, send sink, logger zerolog.Logger) *mirror {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &mirror{
		name:    name,
		bus:     bus,
		nodeID:  nodeID,
		send:    send,
		timeout: timeout,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		subs:    make(map[events.EventType]events.Subscriber),
	}
}

func (m *mirror) start() {
	for _, et := range events.All() {
		sub := m.bus.Subscribe(et)
		m.subs[et] = sub
		m.wg.Add(1)
		go m.forward(et, sub)
	}
}

func (m *mirror) forward(eventType events.EventType, sub events.Subscriber) {
	defer m.wg.Done()
	for payload := range sub {
		data, err := marshalMessage(eventType, payload, m.nodeID)
		if err != nil {
			m.logger.Error().Err(err).Str("event_type", string(eventType)).Msg("failed to marshal event")
			continue
		}

		ctx, cancel := context.WithTimeout(m.ctx, m.timeout)
		err = m.send(ctx, eventType, data)
		cancel()
		if err != nil {
			telemetry.EventsMirroredTotal.WithLabelValues(m.name, "error").Inc()
			m.logger.Warn().Err(err).Str("event_type", string(eventType)).Msg("failed to mirror event")
			continue
		}
		telemetry.EventsMirroredTotal.WithLabelValues(m.name, "ok").Inc()
	}
}

// stop unsubscribes and waits for in-flight forwards.
func (m *mirror) stop() {
	m.closeOnce.Do(func() {
		for et, sub := range m.subs {
			m.bus.Unsubscribe(et, sub)
		}
		m.wg.Wait()
		m.cancel()
	})
}
