/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package events

import "testing"

func TestBusPublishSubscribe(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(EventActiveSequence)
	other := bus.Subscribe(EventRegistration)

	bus.Publish(EventActiveSequence, Payload{"resource_path": "smoke/login"})

	select {
	case got := <-sub:
		if got["resource_path"] != "smoke/login" {
			t.Errorf("payload = %v", got)
		}
	default:
		t.Fatal("subscriber did not receive event")
	}

	select {
	case got := <-other:
		t.Errorf("unrelated subscriber received %v", got)
	default:
	}
}

func TestBusPublishDoesNotBlock(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(EventAssignment)
	for i := 0; i < cap(sub)+10; i++ {
		bus.Publish(EventAssignment, Payload{"i": i})
	}
	if len(sub) != cap(sub) {
		t.Errorf("len(sub) = %d, want %d", len(sub), cap(sub))
	}
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(EventCatalogChanged)
	bus.Unsubscribe(EventCatalogChanged, sub)

	if _, ok := <-sub; ok {
		t.Error("subscriber should be closed after Unsubscribe")
	}
	bus.Publish(EventCatalogChanged, Payload{})
}

func TestNilBusPublish(t *testing.T) {
	var bus *Bus
	bus.Publish(EventApplicationQuit, nil)
}
