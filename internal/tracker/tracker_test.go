/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package tracker

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/seqworker/internal/dashboard"
	"github.com/friendsincode/seqworker/internal/events"
	"github.com/friendsincode/seqworker/internal/protocol"
	"github.com/friendsincode/seqworker/internal/sequence"
)

type sent struct {
	to  dashboard.ConnID // empty for broadcasts
	msg protocol.Message
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sent
}

func (f *fakeSender) Send(id dashboard.ConnID, msg protocol.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sent{to: id, msg: msg})
	return nil
}

func (f *fakeSender) Broadcast(msg protocol.Message) error {
	return f.Send("", msg)
}

func (f *fakeSender) broadcasts() []protocol.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []protocol.Message
	for _, s := range f.sent {
		if s.to == "" {
			out = append(out, s.msg)
		}
	}
	return out
}

type fakePlayer struct {
	state sequence.PlayState
	seq   *sequence.Sequence
	plays int
	stops int
}

func (p *fakePlayer) Play(seq *sequence.Sequence) error {
	p.plays++
	p.seq = seq
	p.state = sequence.StatePlaying
	return nil
}
func (p *fakePlayer) Stop()                        { p.stops++; p.state = sequence.StateStopped }
func (p *fakePlayer) State() sequence.PlayState    { return p.state }
func (p *fakePlayer) Current() *sequence.Sequence  { return p.seq }
func (p *fakePlayer) LastWarning() string          { return "" }
func (p *fakePlayer) SaveLocation() string         { return "" }

type fakeCatalog struct {
	seqs map[string]*sequence.Sequence
}

func (c *fakeCatalog) Snapshot() []sequence.Info {
	var out []sequence.Info
	for _, s := range c.seqs {
		out = append(out, s.Info())
	}
	return out
}

func (c *fakeCatalog) Load(rp string) (*sequence.Sequence, error) {
	if s, ok := c.seqs[rp]; ok {
		return s, nil
	}
	return nil, sequence.ErrNotFound
}

func newFixture() (*Tracker, *fakeSender, *fakePlayer, *fakeCatalog) {
	sender := &fakeSender{}
	player := &fakePlayer{}
	catalog := &fakeCatalog{seqs: map[string]*sequence.Sequence{
		"login": {Name: "Login", ResourcePath: "login"},
		"shop":  {Name: "Shop", ResourcePath: "shop"},
	}}
	return New(sender, player, catalog, events.NewBus(), zerolog.Nop()), sender, player, catalog
}

func TestTickBroadcastsOncePerTransition(t *testing.T) {
	tr, sender, player, catalog := newFixture()

	tr.Tick()
	if got := len(sender.broadcasts()); got != 0 {
		t.Fatalf("idle tick broadcast %d messages, want 0", got)
	}

	player.seq = catalog.seqs["login"]
	player.state = sequence.StatePlaying
	for i := 0; i < 5; i++ {
		tr.Tick()
	}

	player.seq = catalog.seqs["shop"]
	for i := 0; i < 5; i++ {
		tr.Tick()
	}

	player.state = sequence.StateStopped
	for i := 0; i < 5; i++ {
		tr.Tick()
	}

	got := sender.broadcasts()
	want := []string{"login", "shop", ""}
	if len(got) != len(want) {
		t.Fatalf("broadcast %d messages, want %d: %+v", len(got), len(want), got)
	}
	for i, msg := range got {
		active, ok := msg.(protocol.ActiveSequence)
		if !ok {
			t.Fatalf("broadcast[%d] = %T, want ActiveSequence", i, msg)
		}
		path := ""
		if active.Sequence != nil {
			path = active.Sequence.ResourcePath
		}
		if path != want[i] {
			t.Errorf("broadcast[%d] resourcePath = %q, want %q", i, path, want[i])
		}
	}
}

func TestOnConnectCatchesUpNewClient(t *testing.T) {
	tr, sender, player, catalog := newFixture()
	player.seq = catalog.seqs["login"]
	player.state = sequence.StatePlaying
	tr.Tick()

	tr.OnConnect("c1")

	var direct []protocol.Message
	for _, s := range sender.sent {
		if s.to == "c1" {
			direct = append(direct, s.msg)
		}
	}
	if len(direct) != 2 {
		t.Fatalf("sent %d catch-up messages, want 2", len(direct))
	}
	active, ok := direct[0].(protocol.ActiveSequence)
	if !ok || active.Sequence == nil || active.Sequence.ResourcePath != "login" {
		t.Errorf("first catch-up message = %#v, want ACTIVE_SEQUENCE login", direct[0])
	}
	avail, ok := direct[1].(protocol.AvailableSequences)
	if !ok || len(avail.Sequences) != 2 {
		t.Errorf("second catch-up message = %#v, want AVAILABLE_SEQUENCES with 2 entries", direct[1])
	}
}

// gatedSender records what one connection receives and parks the first
// direct ACTIVE_SEQUENCE until release is closed.
type gatedSender struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once

	mu     sync.Mutex
	active []protocol.ActiveSequence
}

func (g *gatedSender) Send(_ dashboard.ConnID, msg protocol.Message) error {
	if _, ok := msg.(protocol.ActiveSequence); ok {
		first := false
		g.once.Do(func() { first = true })
		if first {
			close(g.entered)
			<-g.release
		}
	}
	return g.Broadcast(msg)
}

func (g *gatedSender) Broadcast(msg protocol.Message) error {
	if a, ok := msg.(protocol.ActiveSequence); ok {
		g.mu.Lock()
		g.active = append(g.active, a)
		g.mu.Unlock()
	}
	return nil
}

func TestCatchUpNeverOverwritesNewerBroadcast(t *testing.T) {
	sender := &gatedSender{entered: make(chan struct{}), release: make(chan struct{})}
	player := &fakePlayer{}
	catalog := &fakeCatalog{seqs: map[string]*sequence.Sequence{
		"login": {Name: "Login", ResourcePath: "login"},
	}}
	tr := New(sender, player, catalog, nil, zerolog.Nop())

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		tr.OnConnect("c1")
	}()
	<-sender.entered

	player.seq = catalog.seqs["login"]
	player.state = sequence.StatePlaying
	go func() {
		defer wg.Done()
		tr.Tick()
	}()
	time.Sleep(20 * time.Millisecond)
	close(sender.release)
	wg.Wait()

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.active) == 0 {
		t.Fatal("c1 received no ACTIVE_SEQUENCE")
	}
	last := sender.active[len(sender.active)-1]
	if last.Sequence == nil || last.Sequence.ResourcePath != "login" {
		t.Errorf("last ACTIVE_SEQUENCE for c1 = %#v, want login", last.Sequence)
	}
}

func TestHandleMessagePingAnswersPong(t *testing.T) {
	tr, sender, _, _ := newFixture()
	tr.HandleMessage("c1", protocol.Ping{})

	if len(sender.sent) != 1 || sender.sent[0].to != "c1" || sender.sent[0].msg != (protocol.Pong{}) {
		t.Errorf("sent = %+v, want one PONG to c1", sender.sent)
	}
}

func TestPlayAndStopRequestsRunOnTick(t *testing.T) {
	tr, _, player, _ := newFixture()

	tr.HandleMessage("c1", protocol.PlaySequence{ResourcePath: "shop"})
	if player.plays != 0 {
		t.Fatal("play must not run on the connection goroutine")
	}
	tr.Tick()
	if player.plays != 1 || player.seq.ResourcePath != "shop" {
		t.Errorf("plays = %d seq = %v, want shop started once", player.plays, player.seq)
	}
	if a := tr.Active(); a == nil || a.ResourcePath != "shop" {
		t.Errorf("Active() = %v, want shop", a)
	}

	tr.HandleMessage("c1", protocol.StopReplay{})
	tr.Tick()
	if player.stops != 1 {
		t.Errorf("stops = %d, want 1", player.stops)
	}
	if tr.Active() != nil {
		t.Errorf("Active() = %v, want nil after stop", tr.Active())
	}
}

func TestPlayUnknownSequenceIsIgnored(t *testing.T) {
	tr, _, player, _ := newFixture()
	tr.HandleMessage("c1", protocol.PlaySequence{ResourcePath: "missing"})
	tr.Tick()
	if player.plays != 0 {
		t.Errorf("plays = %d, want 0", player.plays)
	}
}

func TestResetRebroadcasts(t *testing.T) {
	tr, sender, player, catalog := newFixture()
	player.seq = catalog.seqs["login"]
	player.state = sequence.StatePlaying

	tr.Tick()
	tr.Reset()
	tr.Tick()

	if got := len(sender.broadcasts()); got != 2 {
		t.Errorf("broadcasts = %d, want 2 (before and after Reset)", got)
	}
}

func TestBroadcastCatalog(t *testing.T) {
	tr, sender, _, _ := newFixture()
	tr.BroadcastCatalog()

	got := sender.broadcasts()
	if len(got) != 1 {
		t.Fatalf("broadcasts = %d, want 1", len(got))
	}
	if _, ok := got[0].(protocol.AvailableSequences); !ok {
		t.Errorf("broadcast = %T, want AvailableSequences", got[0])
	}
}
