/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/friendsincode/seqworker/internal/events"
	"github.com/friendsincode/seqworker/internal/sequence"
)

type fakeClient struct {
	mu            sync.Mutex
	registerErr   error
	registrations []RegistrationRequest
	heartbeats    []HeartbeatRequest
	respond       func(req HeartbeatRequest) HeartbeatResponse
}

func (c *fakeClient) Register(ctx context.Context, req RegistrationRequest) (RegistrationResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.registrations = append(c.registrations, req)
	if c.registerErr != nil {
		return RegistrationResponse{}, c.registerErr
	}
	return RegistrationResponse{ID: 99}, nil
}

func (c *fakeClient) Heartbeat(ctx context.Context, req HeartbeatRequest) (HeartbeatResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.heartbeats = append(c.heartbeats, req)
	if c.respond == nil {
		return HeartbeatResponse{}, nil
	}
	return c.respond(req), nil
}

func (c *fakeClient) setRespond(fn func(req HeartbeatRequest) HeartbeatResponse) {
	c.mu.Lock()
	c.respond = fn
	c.mu.Unlock()
}

func (c *fakeClient) setRegisterErr(err error) {
	c.mu.Lock()
	c.registerErr = err
	c.mu.Unlock()
}

func (c *fakeClient) registrationCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.registrations)
}

// heartbeatsSince returns the heartbeats sent after the first n.
func (c *fakeClient) heartbeatsSince(n int) []HeartbeatRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]HeartbeatRequest(nil), c.heartbeats[n:]...)
}

func (c *fakeClient) heartbeatCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.heartbeats)
}

type fakeRecorder struct {
	outcomes []Outcome
}

func (r *fakeRecorder) Record(o Outcome) { r.outcomes = append(r.outcomes, o) }

type staticCatalog []sequence.Info

func (c staticCatalog) Snapshot() []sequence.Info { return c }

func assign(a Assignment) func(HeartbeatRequest) HeartbeatResponse {
	return func(HeartbeatRequest) HeartbeatResponse {
		cp := a
		return HeartbeatResponse{WorkAssignment: &cp}
	}
}

func ack(HeartbeatRequest) HeartbeatResponse { return HeartbeatResponse{} }

type harness struct {
	t        *testing.T
	w        *Worker
	client   *fakeClient
	player   *fakePlayer
	recorder *fakeRecorder
	now      time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		client:   &fakeClient{},
		player:   &fakePlayer{},
		recorder: &fakeRecorder{},
		now:      t0,
	}
	h.w = NewWorker(Config{Interval: 10 * time.Second, ClientGUID: uuid.New()},
		h.client, h.player, fakeLoader{}, staticCatalog{{Name: "Login", ResourcePath: "login"}},
		h.recorder, events.NewBus(), zerolog.Nop())
	t.Cleanup(h.w.Close)
	return h
}

// step advances the clock, runs one Update and waits for the requests it
// started to post their results.
func (h *harness) step(d time.Duration) {
	h.now = h.now.Add(d)
	h.w.Update(h.now)
	h.w.wg.Wait()
}

// registered drives the worker to REGISTERED.
func (h *harness) registered() {
	h.t.Helper()
	h.step(0)
	h.step(time.Millisecond)
	if h.w.State() != Registered {
		h.t.Fatalf("State() = %s, want REGISTERED", h.w.State())
	}
}

// running drives the worker to an IN_PROGRESS assignment with id 1.
func (h *harness) running() {
	h.t.Helper()
	h.client.setRespond(assign(Assignment{ID: 1, ResourcePath: "login"}))
	h.registered()
	h.client.setRespond(assign(Assignment{ID: 1, ResourcePath: "login", Status: StatusInProgress}))
	h.step(time.Millisecond)
	a := h.w.Active()
	if a == nil || a.ID != 1 || a.Status != StatusInProgress {
		h.t.Fatalf("Active() = %+v, want assignment 1 IN_PROGRESS", a)
	}
}

func TestRegistrationRetryIsRateLimited(t *testing.T) {
	h := newHarness(t)
	h.client.setRegisterErr(errors.New("connection refused"))

	h.step(0)
	if h.w.State() != RegistrationInProgress {
		t.Errorf("State() = %s, want REGISTRATION_IN_PROGRESS", h.w.State())
	}
	h.step(time.Second)
	if h.w.State() != NotRegistered {
		t.Errorf("State() = %s, want NOT_REGISTERED after failure", h.w.State())
	}
	for i := 0; i < 8; i++ {
		h.step(time.Second)
	}
	if got := h.client.registrationCount(); got != 1 {
		t.Fatalf("registrations within one interval = %d, want 1", got)
	}

	h.client.setRegisterErr(nil)
	h.step(time.Second)
	if got := h.client.registrationCount(); got != 2 {
		t.Fatalf("registrations after interval = %d, want 2", got)
	}
	h.step(time.Millisecond)
	if h.w.State() != Registered || h.w.ClientID() != 99 {
		t.Errorf("State() = %s ClientID() = %d, want REGISTERED 99", h.w.State(), h.w.ClientID())
	}
	if h.w.Status().Registration != "REGISTERED" {
		t.Errorf("Status().Registration = %q", h.w.Status().Registration)
	}
}

func TestRegistrationCarriesCatalogAndMetadata(t *testing.T) {
	h := newHarness(t)
	h.step(0)

	h.client.mu.Lock()
	defer h.client.mu.Unlock()
	req := h.client.registrations[0]
	if req.APIVersion != APIVersion || req.ClientGUID == uuid.Nil {
		t.Errorf("request = %+v", req)
	}
	if len(req.AvailableSequences) != 1 || req.AvailableSequences[0].ResourcePath != "login" {
		t.Errorf("AvailableSequences = %+v", req.AvailableSequences)
	}
}

func TestHeartbeatsFollowInterval(t *testing.T) {
	h := newHarness(t)
	h.registered()
	h.step(time.Millisecond)
	first := h.client.heartbeatCount()
	if first != 1 {
		t.Fatalf("heartbeats after registration = %d, want 1", first)
	}

	h.step(5 * time.Second)
	if got := h.client.heartbeatCount(); got != 1 {
		t.Errorf("heartbeats before interval = %d, want 1", got)
	}
	h.step(5 * time.Second)
	if got := h.client.heartbeatCount(); got != 2 {
		t.Errorf("heartbeats after interval = %d, want 2", got)
	}

	hb := h.client.heartbeatsSince(0)[0]
	if hb.ClientID != 99 || hb.ActiveWorkAssignment != nil || hb.ActiveSequence != nil {
		t.Errorf("idle heartbeat = %+v", hb)
	}
}

func TestAcceptAndStartAssignment(t *testing.T) {
	h := newHarness(t)
	h.running()

	if h.player.plays != 1 {
		t.Errorf("Play() calls = %d, want 1", h.player.plays)
	}

	h.step(10 * time.Second)
	last := h.client.heartbeatsSince(h.client.heartbeatCount() - 1)[0]
	if last.ActiveWorkAssignment == nil || last.ActiveWorkAssignment.Status != StatusInProgress {
		t.Errorf("heartbeat assignment = %+v, want IN_PROGRESS", last.ActiveWorkAssignment)
	}
	if last.ActiveSequence == nil || last.ActiveSequence.ResourcePath != "login" {
		t.Errorf("heartbeat active sequence = %+v, want login", last.ActiveSequence)
	}
}

func TestConflictLeavesLocalAssignmentUntouched(t *testing.T) {
	h := newHarness(t)
	h.running()

	h.client.setRespond(assign(Assignment{ID: 2, ResourcePath: "shop"}))
	h.step(10 * time.Second)
	before := h.client.heartbeatCount()

	h.client.setRespond(assign(Assignment{ID: 1, ResourcePath: "login", Status: StatusInProgress}))
	h.step(time.Millisecond)

	sent := h.client.heartbeatsSince(before)
	if len(sent) != 2 {
		t.Fatalf("heartbeats after conflicting response = %d, want 2", len(sent))
	}
	var conflict, local *Report
	for _, hb := range sent {
		switch hb.ActiveWorkAssignment.ID {
		case 2:
			conflict = hb.ActiveWorkAssignment
		case 1:
			local = hb.ActiveWorkAssignment
		}
	}
	if conflict == nil || conflict.Status != StatusConflict {
		t.Fatalf("conflict report = %+v, want assignment 2 CONFLICT", conflict)
	}
	text := conflict.Details["conflict"]
	if !strings.Contains(text, "id: 2") || !strings.Contains(text, "id: 1") {
		t.Errorf("conflict details = %q, want both ids", text)
	}
	if local == nil || local.Status != StatusInProgress {
		t.Errorf("local report = %+v, want assignment 1 IN_PROGRESS", local)
	}

	h.step(time.Millisecond)
	a := h.w.Active()
	if a == nil || a.ID != 1 || a.Status != StatusInProgress {
		t.Errorf("Active() = %+v, want assignment 1 still IN_PROGRESS", a)
	}
	if h.player.stops != 0 {
		t.Errorf("Stop() calls = %d, want 0", h.player.stops)
	}
}

func TestCompletionAckThenAcceptNext(t *testing.T) {
	h := newHarness(t)
	h.running()

	h.player.finish("")
	h.client.setRespond(ack)
	h.step(10 * time.Second)
	if h.w.Active() == nil || h.w.Active().Status != StatusCompleteSuccess {
		t.Fatalf("Active() = %+v, want COMPLETE_SUCCESS", h.w.Active())
	}
	if len(h.recorder.outcomes) != 1 || h.recorder.outcomes[0].Status != StatusCompleteSuccess {
		t.Errorf("recorded outcomes = %+v", h.recorder.outcomes)
	}

	h.client.setRespond(assign(Assignment{ID: 2, ResourcePath: "shop", StartTime: t0.Add(time.Hour)}))
	h.step(time.Millisecond)
	if h.w.Active() != nil {
		t.Fatalf("Active() = %+v, want cleared after ack", h.w.Active())
	}

	h.step(time.Millisecond)
	a := h.w.Active()
	if a == nil || a.ID != 2 || a.Status != StatusWaitingToStart {
		t.Errorf("Active() = %+v, want assignment 2 WAITING_TO_START", a)
	}
	if len(h.recorder.outcomes) != 1 {
		t.Errorf("outcomes recorded = %d, want 1", len(h.recorder.outcomes))
	}
}

func TestCancelStopsOnceAndAcknowledges(t *testing.T) {
	h := newHarness(t)
	h.running()

	h.client.setRespond(assign(Assignment{ID: 1, ResourcePath: "login", Status: StatusCancelled}))
	h.step(10 * time.Second)
	before := h.client.heartbeatCount()

	h.client.setRespond(ack)
	h.step(time.Millisecond)

	if h.w.Active() != nil {
		t.Errorf("Active() = %+v, want nil after cancel", h.w.Active())
	}
	if h.player.stops != 1 {
		t.Errorf("Stop() calls = %d, want 1", h.player.stops)
	}
	sent := h.client.heartbeatsSince(before)
	if len(sent) != 1 || sent[0].ActiveWorkAssignment == nil || sent[0].ActiveWorkAssignment.Status != StatusCancelled {
		t.Fatalf("ack heartbeats = %+v, want one carrying CANCELLED", sent)
	}
	if len(h.recorder.outcomes) != 1 || h.recorder.outcomes[0].Status != StatusCancelled {
		t.Errorf("recorded outcomes = %+v, want one CANCELLED", h.recorder.outcomes)
	}

	h.step(time.Millisecond)
	if h.player.stops != 1 {
		t.Errorf("Stop() calls after ack = %d, want 1", h.player.stops)
	}
}

func TestDeclineWhileOtherSequencePlays(t *testing.T) {
	h := newHarness(t)
	h.player.state = sequence.StatePlaying
	h.player.seq = &sequence.Sequence{Name: "Manual", ResourcePath: "manual"}

	h.client.setRespond(assign(Assignment{ID: 5, ResourcePath: "login"}))
	h.registered()
	before := h.client.heartbeatCount()
	h.client.setRespond(ack)
	h.step(time.Millisecond)

	if h.w.Active() != nil {
		t.Errorf("Active() = %+v, want assignment declined", h.w.Active())
	}
	sent := h.client.heartbeatsSince(before)
	if len(sent) != 1 {
		t.Fatalf("heartbeats = %d, want 1 conflict report", len(sent))
	}
	report := sent[0].ActiveWorkAssignment
	if report == nil || report.ID != 5 || report.Status != StatusConflict {
		t.Fatalf("report = %+v, want assignment 5 CONFLICT", report)
	}
	if !strings.Contains(report.Details["conflict"], "outside of a WorkAssignment") {
		t.Errorf("conflict details = %q", report.Details["conflict"])
	}
	if h.player.plays != 0 {
		t.Errorf("Play() calls = %d, want 0", h.player.plays)
	}
}

func TestAckWithoutLocalAssignmentIsNoop(t *testing.T) {
	h := newHarness(t)
	h.registered()
	h.step(time.Millisecond)
	before := h.client.heartbeatCount()
	h.step(time.Millisecond)
	if got := h.client.heartbeatCount(); got != before {
		t.Errorf("heartbeats = %d, want %d (no extra heartbeat)", got, before)
	}
}

func TestResetSendsHeartbeatImmediately(t *testing.T) {
	h := newHarness(t)
	h.registered()
	h.step(time.Millisecond)
	before := h.client.heartbeatCount()

	h.w.Reset()
	h.step(time.Millisecond)
	if got := h.client.heartbeatCount(); got != before+1 {
		t.Errorf("heartbeats after Reset = %d, want %d", got, before+1)
	}
}

func TestHeartbeatFailureKeepsAssignment(t *testing.T) {
	h := newHarness(t)
	h.running()

	h.w.client = failingClient{h.client}
	h.step(10 * time.Second)
	h.step(time.Millisecond)

	if a := h.w.Active(); a == nil || a.ID != 1 {
		t.Errorf("Active() = %+v, want assignment kept after failed heartbeat", a)
	}
	if h.w.Status().LastError == "" {
		t.Error("Status().LastError should describe the failure")
	}
}

type failingClient struct{ *fakeClient }

func (failingClient) Heartbeat(context.Context, HeartbeatRequest) (HeartbeatResponse, error) {
	return HeartbeatResponse{}, errors.New("503")
}
