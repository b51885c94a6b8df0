/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package protocol defines the JSON messages exchanged with dashboard
// clients. Every message travels as {"type": ..., "payload": ...} and the
// payload shape is fixed by the type.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/friendsincode/seqworker/internal/sequence"
)

// Type tags a message kind.
type Type string

const (
	// client to server
	TypePing         Type = "PING"
	TypePlaySequence Type = "PLAY_SEQUENCE"
	TypeStopReplay   Type = "STOP_REPLAY"

	// both directions
	TypeClose Type = "CLOSE"

	// server to client
	TypePong               Type = "PONG"
	TypeActiveSequence     Type = "ACTIVE_SEQUENCE"
	TypeAvailableSequences Type = "AVAILABLE_SEQUENCES"
	TypeApplicationQuit    Type = "APPLICATION_QUIT"
)

var (
	// ErrUnknownType means the peer speaks a different protocol version.
	ErrUnknownType = errors.New("protocol: unknown message type")
	// ErrInvalidPayload means the payload does not match the type.
	ErrInvalidPayload = errors.New("protocol: invalid payload")
)

// Message is implemented only by the message types of this package.
type Message interface {
	Type() Type
	message()
}

type (
	Ping       struct{}
	StopReplay struct{}
	Close      struct{}
	Pong       struct{}
	// ApplicationQuit tells clients the worker is shutting down.
	ApplicationQuit struct{}
)

// PlaySequence asks the worker to start the sequence at ResourcePath.
type PlaySequence struct {
	ResourcePath string `json:"resourcePath"`
}

// ActiveSequence reports what is playing. Sequence is nil when nothing is.
type ActiveSequence struct {
	Sequence *sequence.Info
}

// AvailableSequences carries the sequence catalog.
type AvailableSequences struct {
	Sequences []sequence.Info
}

func (Ping) Type() Type               { return TypePing }
func (PlaySequence) Type() Type       { return TypePlaySequence }
func (StopReplay) Type() Type         { return TypeStopReplay }
func (Close) Type() Type              { return TypeClose }
func (Pong) Type() Type               { return TypePong }
func (ActiveSequence) Type() Type     { return TypeActiveSequence }
func (AvailableSequences) Type() Type { return TypeAvailableSequences }
func (ApplicationQuit) Type() Type    { return TypeApplicationQuit }

func (Ping) message()               {}
func (PlaySequence) message()       {}
func (StopReplay) message()         {}
func (Close) message()              {}
func (Pong) message()               {}
func (ActiveSequence) message()     {}
func (AvailableSequences) message() {}
func (ApplicationQuit) message()    {}

type envelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Marshal encodes msg into its JSON envelope.
func Marshal(msg Message) ([]byte, error) {
	var payload any
	switch m := msg.(type) {
	case Ping, StopReplay, Close, Pong, ApplicationQuit:
	case PlaySequence:
		payload = m
	case ActiveSequence:
		payload = m.Sequence
		if m.Sequence == nil {
			payload = json.RawMessage("null")
		}
	case AvailableSequences:
		list := m.Sequences
		if list == nil {
			list = []sequence.Info{}
		}
		payload = list
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, msg)
	}

	env := envelope{Type: msg.Type()}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", msg.Type(), err)
		}
		env.Payload = raw
	}
	return json.Marshal(env)
}

// Unmarshal decodes an envelope, reading the payload according to the type.
func Unmarshal(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	switch env.Type {
	case TypePing:
		return Ping{}, nil
	case TypeStopReplay:
		return StopReplay{}, nil
	case TypeClose:
		return Close{}, nil
	case TypePong:
		return Pong{}, nil
	case TypeApplicationQuit:
		return ApplicationQuit{}, nil
	case TypePlaySequence:
		var m PlaySequence
		if err := decodePayload(env, &m); err != nil {
			return nil, err
		}
		if m.ResourcePath == "" {
			return nil, fmt.Errorf("%w: %s requires resourcePath", ErrInvalidPayload, env.Type)
		}
		return m, nil
	case TypeActiveSequence:
		var info *sequence.Info
		if err := decodePayload(env, &info); err != nil {
			return nil, err
		}
		return ActiveSequence{Sequence: info}, nil
	case TypeAvailableSequences:
		var list []sequence.Info
		if err := decodePayload(env, &list); err != nil {
			return nil, err
		}
		if list == nil {
			list = []sequence.Info{}
		}
		return AvailableSequences{Sequences: list}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

func decodePayload(env envelope, v any) error {
	if len(env.Payload) == 0 {
		if env.Type == TypePlaySequence {
			return fmt.Errorf("%w: %s without payload", ErrInvalidPayload, env.Type)
		}
		return nil
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, env.Type, err)
	}
	return nil
}
