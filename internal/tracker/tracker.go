/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package tracker keeps dashboard clients in sync with the player. It
// broadcasts ACTIVE_SEQUENCE whenever the playing sequence changes, catches
// up newly connected clients, and turns PLAY_SEQUENCE / STOP_REPLAY requests
// into player calls on the main loop.
package tracker

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/friendsincode/seqworker/internal/dashboard"
	"github.com/friendsincode/seqworker/internal/events"
	"github.com/friendsincode/seqworker/internal/protocol"
	"github.com/friendsincode/seqworker/internal/sequence"
	"github.com/friendsincode/seqworker/internal/telemetry"
)

const requestQueueSize = 16

// Sender delivers messages to dashboard connections.
type Sender interface {
	Send(id dashboard.ConnID, msg protocol.Message) error
	Broadcast(msg protocol.Message) error
}

// Catalog provides the sequence listing and loads sequences.
type Catalog interface {
	Snapshot() []sequence.Info
	Load(resourcePath string) (*sequence.Sequence, error)
}

// RequestKind is a dashboard playback request.
type RequestKind int

const (
	RequestPlay RequestKind = iota
	RequestStop
)

// Request is a playback request received from a dashboard connection.
type Request struct {
	Kind         RequestKind
	ResourcePath string
	From         dashboard.ConnID
}

// Tracker implements dashboard.Handler.
type Tracker struct {
	sender  Sender
	player  sequence.Player
	catalog Catalog
	bus     events.Publisher
	logger  zerolog.Logger

	requests chan Request

	mu   sync.Mutex
	last *sequence.Active
}

// New creates a tracker. bus may be nil.
func New(sender Sender, player sequence.Player, catalog Catalog, bus events.Publisher, logger zerolog.Logger) *Tracker {
	return &Tracker{
		sender:   sender,
		player:   player,
		catalog:  catalog,
		bus:      bus,
		logger:   logger.With().Str("component", "tracker").Logger(),
		requests: make(chan Request, requestQueueSize),
	}
}

// Tick applies pending dashboard requests and broadcasts the active
// sequence if it changed since the last broadcast. Main loop only.
func (t *Tracker) Tick() {
	t.applyRequests()

	active := sequence.CurrentActive(t.player)

	// The broadcast happens under mu so it cannot interleave with a
	// catch-up in OnConnect. Sender calls only enqueue.
	t.mu.Lock()
	if sequence.Same(active, t.last) {
		t.mu.Unlock()
		return
	}
	t.last = active
	err := t.sender.Broadcast(activeMessage(active))
	t.mu.Unlock()
	if err != nil {
		t.logger.Debug().Err(err).Msg("active sequence broadcast failed")
		return
	}
	telemetry.ActiveSequenceChangesTotal.Inc()

	payload := events.Payload{"resource_path": ""}
	if active != nil {
		payload["resource_path"] = active.ResourcePath
		payload["name"] = active.Name
		t.logger.Info().Str("resource_path", active.ResourcePath).Msg("active sequence changed")
	} else {
		t.logger.Info().Msg("no active sequence")
	}
	if t.bus != nil {
		t.bus.Publish(events.EventActiveSequence, payload)
	}
}

// Active returns the last broadcast active sequence.
func (t *Tracker) Active() *sequence.Active {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

// Reset forgets the last broadcast value so the next Tick announces the
// current state again.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.last = nil
	t.mu.Unlock()
	for {
		select {
		case <-t.requests:
		default:
			return
		}
	}
}

// BroadcastCatalog sends the current catalog to every connection.
func (t *Tracker) BroadcastCatalog() {
	list := t.catalog.Snapshot()
	if err := t.sender.Broadcast(protocol.AvailableSequences{Sequences: list}); err != nil {
		t.logger.Debug().Err(err).Msg("catalog broadcast failed")
		return
	}
	if t.bus != nil {
		t.bus.Publish(events.EventCatalogChanged, events.Payload{"count": len(list)})
	}
}

// OnConnect pushes the active sequence and the catalog to a new client.
func (t *Tracker) OnConnect(id dashboard.ConnID) {
	t.mu.Lock()
	err := t.sender.Send(id, activeMessage(t.last))
	t.mu.Unlock()
	if err != nil {
		t.logger.Debug().Err(err).Str("conn_id", string(id)).Msg("catch-up failed")
		return
	}
	if err := t.sender.Send(id, protocol.AvailableSequences{Sequences: t.catalog.Snapshot()}); err != nil {
		t.logger.Debug().Err(err).Str("conn_id", string(id)).Msg("catch-up failed")
		return
	}
	if t.bus != nil {
		t.bus.Publish(events.EventDashboardConnect, events.Payload{"conn_id": string(id)})
	}
}

func (t *Tracker) OnDisconnect(id dashboard.ConnID) {
	if t.bus != nil {
		t.bus.Publish(events.EventDashboardLeave, events.Payload{"conn_id": string(id)})
	}
}

// HandleMessage answers PING directly and queues playback requests for
// the main loop.
func (t *Tracker) HandleMessage(id dashboard.ConnID, msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.Ping:
		if err := t.sender.Send(id, protocol.Pong{}); err != nil {
			t.logger.Debug().Err(err).Str("conn_id", string(id)).Msg("pong failed")
		}
	case protocol.PlaySequence:
		t.queue(Request{Kind: RequestPlay, ResourcePath: m.ResourcePath, From: id})
	case protocol.StopReplay:
		t.queue(Request{Kind: RequestStop, From: id})
	default:
		t.logger.Warn().Str("conn_id", string(id)).Str("type", string(msg.Type())).Msg("ignoring server-to-client message from client")
	}
}

func (t *Tracker) queue(r Request) {
	select {
	case t.requests <- r:
	default:
		t.logger.Warn().Str("conn_id", string(r.From)).Msg("request queue full, dropping playback request")
	}
}

func (t *Tracker) applyRequests() {
	for {
		select {
		case r := <-t.requests:
			t.apply(r)
		default:
			return
		}
	}
}

func (t *Tracker) apply(r Request) {
	log := t.logger.With().Str("conn_id", string(r.From)).Logger()
	switch r.Kind {
	case RequestStop:
		log.Info().Msg("dashboard requested stop")
		t.player.Stop()
	case RequestPlay:
		seq, err := t.catalog.Load(r.ResourcePath)
		if err != nil {
			log.Warn().Err(err).Str("resource_path", r.ResourcePath).Msg("cannot play requested sequence")
			return
		}
		if err := t.player.Play(seq); err != nil {
			log.Error().Err(err).Str("resource_path", r.ResourcePath).Msg("failed to start requested sequence")
			return
		}
		log.Info().Str("resource_path", r.ResourcePath).Msg("dashboard started sequence")
	}
}

func activeMessage(a *sequence.Active) protocol.ActiveSequence {
	if a == nil {
		return protocol.ActiveSequence{}
	}
	info := a.Info
	return protocol.ActiveSequence{Sequence: &info}
}
