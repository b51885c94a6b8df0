/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package orchestrator registers this process as a remote worker with an
// external orchestrator, sends periodic heartbeats and runs the work
// assignments the orchestrator hands out.
//
// Network calls run on their own goroutines. Their results are posted to a
// channel that only Worker.Update drains, so registration state and the
// active assignment are mutated from the main loop alone.
package orchestrator

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/friendsincode/seqworker/internal/events"
	"github.com/friendsincode/seqworker/internal/sequence"
	"github.com/friendsincode/seqworker/internal/telemetry"
)

// RegistrationState is the outer state of the worker.
type RegistrationState int

const (
	NotRegistered RegistrationState = iota
	RegistrationInProgress
	Registered
)

func (s RegistrationState) String() string {
	switch s {
	case NotRegistered:
		return "NOT_REGISTERED"
	case RegistrationInProgress:
		return "REGISTRATION_IN_PROGRESS"
	case Registered:
		return "REGISTERED"
	default:
		return "UNKNOWN"
	}
}

// Config configures a Worker.
type Config struct {
	// Interval is the heartbeat period and the registration retry period.
	Interval time.Duration
	// Jitter adds up to Jitter*Interval of random delay to each period.
	Jitter float64
	// RequestTimeout bounds each orchestrator call.
	RequestTimeout time.Duration
	ClientGUID     uuid.UUID
	Metadata       Metadata
}

// Catalog lists the sequences announced at registration.
type Catalog interface {
	Snapshot() []sequence.Info
}

// Outcome describes a finished assignment.
type Outcome struct {
	ClientID     int64
	AssignmentID int64
	ResourcePath string
	Status       Status
	Details      Details
	StartedAt    time.Time
	EndedAt      time.Time
	SaveLocation string
}

// Recorder is told about every assignment that reaches a finished status.
// Record must not block.
type Recorder interface {
	Record(o Outcome)
}

// WorkerStatus is a read-only snapshot of the worker.
type WorkerStatus struct {
	Registration   string         `json:"registration"`
	ClientID       int64          `json:"clientId,omitempty"`
	ClientGUID     string         `json:"clientGuid"`
	ActiveSequence *sequence.Info `json:"activeSequence"`
	Assignment     *Report        `json:"assignment"`
	ResourcePath   string         `json:"resourcePath,omitempty"`
	LastHeartbeat  time.Time      `json:"lastHeartbeat,omitzero"`
	LastError      string         `json:"lastError,omitempty"`
}

type resultKind int

const (
	registrationResult resultKind = iota
	heartbeatResult
)

type result struct {
	kind      resultKind
	register  RegistrationResponse
	heartbeat HeartbeatResponse
	err       error
	sentAt    time.Time
	took      time.Duration
}

// Worker drives registration, heartbeats and the active assignment.
type Worker struct {
	cfg      Config
	client   Client
	player   sequence.Player
	loader   Loader
	catalog  Catalog
	recorder Recorder
	bus      events.Publisher
	logger   zerolog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	results chan result

	// main loop state
	state            RegistrationState
	clientID         int64
	nextRegistration time.Time
	nextHeartbeat    time.Time
	lastHeartbeat    time.Time
	lastErr          string
	active           *Assignment

	status atomic.Pointer[WorkerStatus]
}

// NewWorker creates a worker. recorder and bus may be nil.
func NewWorker(cfg Config, client Client, player sequence.Player, loader Loader, catalog Catalog, recorder Recorder, bus events.Publisher, logger zerolog.Logger) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = cfg.Interval
	}
	if cfg.ClientGUID == uuid.Nil {
		cfg.ClientGUID = uuid.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		cfg:      cfg,
		client:   client,
		player:   player,
		loader:   loader,
		catalog:  catalog,
		recorder: recorder,
		bus:      bus,
		logger:   logger.With().Str("component", "remote_worker").Str("client_guid", cfg.ClientGUID.String()).Logger(),
		ctx:      ctx,
		cancel:   cancel,
		results:  make(chan result, 16),
	}
	w.publishStatus()
	return w
}

// State returns the registration state. Main loop only.
func (w *Worker) State() RegistrationState { return w.state }

// ClientID returns the orchestrator-assigned id. Main loop only.
func (w *Worker) ClientID() int64 { return w.clientID }

// Active returns the local assignment or nil. Main loop only.
func (w *Worker) Active() *Assignment { return w.active }

// Status returns the latest published snapshot. Safe from any goroutine.
func (w *Worker) Status() WorkerStatus {
	return *w.status.Load()
}

// Update runs one tick of the worker on the main loop.
func (w *Worker) Update(now time.Time) {
	w.drainResults(now)

	switch w.state {
	case NotRegistered:
		if !now.Before(w.nextRegistration) {
			w.register(now)
		}
	case Registered:
		if w.active != nil {
			w.updateAssignment(now)
		}
		if !now.Before(w.nextHeartbeat) {
			w.sendHeartbeat(now, nil, true)
		}
	}

	w.publishStatus()
}

// Reset makes the next Update heartbeat (or register) immediately.
func (w *Worker) Reset() {
	w.nextHeartbeat = time.Time{}
	w.nextRegistration = time.Time{}
}

// Close cancels in-flight requests and stops the active assignment.
func (w *Worker) Close() {
	w.cancel()
	w.wg.Wait()
	if w.active != nil {
		w.active.Stop(w.player)
	}
}

func (w *Worker) drainResults(now time.Time) {
	for {
		select {
		case r := <-w.results:
			w.apply(now, r)
		default:
			return
		}
	}
}

func (w *Worker) apply(now time.Time, r result) {
	switch r.kind {
	case registrationResult:
		if r.err != nil {
			w.state = NotRegistered
			w.lastErr = r.err.Error()
			telemetry.RegistrationAttemptsTotal.WithLabelValues("error").Inc()
			w.logger.Warn().Err(r.err).Dur("retry_in", w.cfg.Interval).Msg("registration failed")
			w.publish(events.EventRegistration, events.Payload{"state": NotRegistered.String(), "error": r.err.Error()})
			return
		}
		w.state = Registered
		w.clientID = r.register.ID
		w.lastErr = ""
		w.nextHeartbeat = time.Time{}
		telemetry.RegistrationAttemptsTotal.WithLabelValues("ok").Inc()
		telemetry.WorkerRegistered.Set(1)
		w.logger.Info().Int64("client_id", w.clientID).Msg("registered with orchestrator")
		w.publish(events.EventRegistration, events.Payload{"state": Registered.String(), "client_id": w.clientID})

	case heartbeatResult:
		telemetry.HeartbeatDuration.Observe(r.took.Seconds())
		if r.err != nil {
			w.lastErr = r.err.Error()
			telemetry.HeartbeatsTotal.WithLabelValues("error").Inc()
			w.logger.Warn().Err(r.err).Msg("heartbeat failed")
			w.publish(events.EventHeartbeatFailed, events.Payload{"error": r.err.Error()})
			return
		}
		w.lastErr = ""
		w.lastHeartbeat = r.sentAt
		telemetry.HeartbeatsTotal.WithLabelValues("ok").Inc()
		w.handleResponse(now, r.heartbeat)
	}
}

// handleResponse negotiates the local assignment against the one named by
// the orchestrator.
func (w *Worker) handleResponse(now time.Time, resp HeartbeatResponse) {
	incoming := resp.WorkAssignment

	switch {
	case incoming == nil && w.active == nil:
		return

	case incoming == nil:
		// completion acknowledged, or a cancellation we missed
		current := w.active
		w.active = nil
		current.Stop(w.player)
		w.logger.Info().Int64("assignment_id", current.ID).Str("status", string(current.Status)).Msg("assignment cleared by orchestrator")
		w.sendHeartbeat(now, nil, true)

	case w.active != nil && incoming.ID != w.active.ID:
		existing := w.active.ID
		incoming.Status = StatusConflict
		incoming.Details = conflictDetails(&existing, incoming.ID)
		telemetry.AssignmentTransitionsTotal.WithLabelValues(string(StatusConflict)).Inc()
		w.logger.Warn().Int64("assignment_id", incoming.ID).Int64("active_assignment_id", existing).Msg("conflicting assignment received")
		w.sendHeartbeat(now, incoming, false)
		w.sendHeartbeat(now, w.active, true)

	case w.active != nil:
		switch {
		case incoming.Status == StatusCancelled:
			current := w.active
			w.active = nil
			w.transition(now, current, func() {
				current.Status = StatusCancelled
				current.Details = nil
				current.endedAt = now
				current.Stop(w.player)
			})
			w.sendHeartbeat(now, current, false)
		case incoming.Status.Complete():
			current := w.active
			w.active = nil
			current.Stop(w.player)
			w.logger.Info().Int64("assignment_id", current.ID).Str("status", string(current.Status)).Msg("completion acknowledged")
			w.sendHeartbeat(now, nil, true)
		}

	default:
		if active := sequence.CurrentActive(w.player); active != nil {
			incoming.Status = StatusConflict
			incoming.Details = conflictDetails(nil, incoming.ID)
			telemetry.AssignmentTransitionsTotal.WithLabelValues(string(StatusConflict)).Inc()
			w.logger.Warn().Int64("assignment_id", incoming.ID).Str("playing", active.ResourcePath).Msg("declining assignment while another sequence plays")
			w.sendHeartbeat(now, incoming, false)
			return
		}
		incoming.Status = StatusWaitingToStart
		incoming.Details = nil
		w.active = incoming
		telemetry.AssignmentTransitionsTotal.WithLabelValues(string(StatusWaitingToStart)).Inc()
		w.logger.Info().
			Int64("assignment_id", incoming.ID).
			Str("resource_path", incoming.ResourcePath).
			Time("start_time", incoming.StartTime).
			Dur("timeout", incoming.Timeout).
			Msg("assignment accepted")
		w.publish(events.EventAssignment, events.Payload{"assignment_id": incoming.ID, "status": string(incoming.Status)})
	}
}

func (w *Worker) updateAssignment(now time.Time) {
	a := w.active
	w.transition(now, a, func() { a.Update(now, w.player, w.loader) })
}

// transition runs fn and reports any status change it caused.
func (w *Worker) transition(now time.Time, a *Assignment, fn func()) {
	before := a.Status
	fn()
	if a.Status == before {
		return
	}

	telemetry.AssignmentTransitionsTotal.WithLabelValues(string(a.Status)).Inc()
	log := w.logger.Info()
	if a.Status == StatusCompleteError || a.Status == StatusCompleteTimeout {
		log = w.logger.Warn()
	}
	log.Int64("assignment_id", a.ID).
		Str("resource_path", a.ResourcePath).
		Str("from", string(before)).
		Str("to", string(a.Status)).
		Interface("details", a.Details).
		Msg("assignment status changed")
	w.publish(events.EventAssignment, events.Payload{"assignment_id": a.ID, "status": string(a.Status)})

	if a.Status.Finished() && !before.Finished() && w.recorder != nil {
		w.recorder.Record(Outcome{
			ClientID:     w.clientID,
			AssignmentID: a.ID,
			ResourcePath: a.ResourcePath,
			Status:       a.Status,
			Details:      a.Details,
			StartedAt:    a.startedAt,
			EndedAt:      a.endedAt,
			SaveLocation: w.player.SaveLocation(),
		})
	}
}

func (w *Worker) register(now time.Time) {
	w.state = RegistrationInProgress
	w.nextRegistration = now.Add(w.period())

	req := RegistrationRequest{
		APIVersion:         APIVersion,
		ClientGUID:         w.cfg.ClientGUID,
		UTCTime:            now.UTC().Format(time.RFC3339Nano),
		AvailableSequences: w.catalog.Snapshot(),
		Metadata:           w.cfg.Metadata,
	}
	if req.AvailableSequences == nil {
		req.AvailableSequences = []sequence.Info{}
	}
	w.logger.Info().Int("sequences", len(req.AvailableSequences)).Msg("registering with orchestrator")

	w.goRequest(func(ctx context.Context) result {
		resp, err := w.client.Register(ctx, req)
		return result{kind: registrationResult, register: resp, err: err, sentAt: now}
	})
}

// sendHeartbeat reports a (or the active assignment when a is nil).
// Regular heartbeats reschedule the next one; out-of-band reports do not.
func (w *Worker) sendHeartbeat(now time.Time, a *Assignment, regular bool) {
	if a == nil {
		a = w.active
	}
	if regular {
		w.nextHeartbeat = now.Add(w.period())
	}

	req := HeartbeatRequest{
		ClientID:             w.clientID,
		ClientGUID:           w.cfg.ClientGUID,
		UTCTime:              now.UTC().Format(time.RFC3339Nano),
		ActiveWorkAssignment: a.Report(),
	}
	if active := sequence.CurrentActive(w.player); active != nil {
		info := active.Info
		req.ActiveSequence = &info
	}

	w.goRequest(func(ctx context.Context) result {
		resp, err := w.client.Heartbeat(ctx, req)
		return result{kind: heartbeatResult, heartbeat: resp, err: err, sentAt: now}
	})
}

func (w *Worker) goRequest(call func(ctx context.Context) result) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ctx, cancel := context.WithTimeout(w.ctx, w.cfg.RequestTimeout)
		defer cancel()

		start := time.Now()
		r := call(ctx)
		r.took = time.Since(start)
		select {
		case w.results <- r:
		case <-w.ctx.Done():
		}
	}()
}

func (w *Worker) period() time.Duration {
	if w.cfg.Jitter <= 0 {
		return w.cfg.Interval
	}
	return w.cfg.Interval + time.Duration(rand.Float64()*w.cfg.Jitter*float64(w.cfg.Interval))
}

func (w *Worker) publish(t events.EventType, p events.Payload) {
	if w.bus != nil {
		w.bus.Publish(t, p)
	}
}

func (w *Worker) publishStatus() {
	s := &WorkerStatus{
		Registration:  w.state.String(),
		ClientID:      w.clientID,
		ClientGUID:    w.cfg.ClientGUID.String(),
		Assignment:    w.active.Report(),
		LastHeartbeat: w.lastHeartbeat,
		LastError:     w.lastErr,
	}
	if w.active != nil {
		s.ResourcePath = w.active.ResourcePath
	}
	if w.player != nil {
		if active := sequence.CurrentActive(w.player); active != nil {
			info := active.Info
			s.ActiveSequence = &info
		}
	}
	w.status.Store(s)
}
