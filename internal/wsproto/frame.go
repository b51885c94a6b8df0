/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package wsproto implements the small subset of RFC 6455 the dashboard
// server speaks: the HTTP upgrade handshake and single text frames.
// Fragmentation, ping/pong and close-code negotiation are not supported.
package wsproto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"
)

// Opcode identifies the frame type.
type Opcode byte

const (
	OpContinuation Opcode = 0x0
	OpText         Opcode = 0x1
	OpBinary       Opcode = 0x2
	OpClose        Opcode = 0x8
	OpPing         Opcode = 0x9
	OpPong         Opcode = 0xA
)

const (
	finBit  = 0x80
	maskBit = 0x80

	// lengths above these use the 16-bit and 64-bit extended encodings
	maxInlineLength = 125
	max16BitLength  = 65535

	length16Marker = 126
	length64Marker = 127

	// MaxPayloadSize bounds a single inbound frame.
	MaxPayloadSize = 16 << 20
)

var (
	// ErrNeedMore means the buffer does not yet hold a complete frame.
	ErrNeedMore = errors.New("wsproto: need more bytes")

	// ErrUnmasked is returned for client frames without the MASK bit.
	ErrUnmasked = errors.New("wsproto: client frame is not masked")

	// ErrUnsupportedOpcode is returned for anything but a text frame.
	ErrUnsupportedOpcode = errors.New("wsproto: unsupported opcode")

	// ErrEmptyPayload is returned for frames without payload bytes.
	ErrEmptyPayload = errors.New("wsproto: empty payload")

	// ErrCloseFrame is returned when the peer sent a close frame.
	ErrCloseFrame = errors.New("wsproto: close frame received")

	// ErrFrameTooLarge is returned when the declared payload exceeds MaxPayloadSize.
	ErrFrameTooLarge = errors.New("wsproto: frame too large")

	// ErrInvalidUTF8 is returned when a text payload is not valid UTF-8.
	ErrInvalidUTF8 = errors.New("wsproto: payload is not valid UTF-8")
)

// Frame is one parsed websocket frame with its payload already unmasked.
type Frame struct {
	Fin     bool
	Opcode  Opcode
	Masked  bool
	Payload []byte
}

// ReadFrame parses the frame at the start of buf. It returns the number of
// bytes the frame occupies; with ErrNeedMore nothing is consumed.
func ReadFrame(buf []byte) (Frame, int, error) {
	if len(buf) < 2 {
		return Frame{}, 0, ErrNeedMore
	}

	f := Frame{
		Fin:    buf[0]&finBit != 0,
		Opcode: Opcode(buf[0] & 0x0F),
		Masked: buf[1]&maskBit != 0,
	}

	offset := 2
	length := uint64(buf[1] &^ maskBit)
	switch length {
	case length16Marker:
		if len(buf) < offset+2 {
			return Frame{}, 0, ErrNeedMore
		}
		length = uint64(binary.BigEndian.Uint16(buf[offset:]))
		offset += 2
	case length64Marker:
		if len(buf) < offset+8 {
			return Frame{}, 0, ErrNeedMore
		}
		length = binary.BigEndian.Uint64(buf[offset:])
		offset += 8
	}
	if length > MaxPayloadSize {
		return Frame{}, 0, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}

	var key [4]byte
	if f.Masked {
		if len(buf) < offset+4 {
			return Frame{}, 0, ErrNeedMore
		}
		copy(key[:], buf[offset:offset+4])
		offset += 4
	}

	end := offset + int(length)
	if len(buf) < end {
		return Frame{}, 0, ErrNeedMore
	}

	f.Payload = make([]byte, length)
	copy(f.Payload, buf[offset:end])
	if f.Masked {
		unmask(f.Payload, key)
	}
	return f, end, nil
}

// Decode reads one client->server text frame from buf and returns its text.
// The consumed count is valid for every error except ErrNeedMore and
// ErrFrameTooLarge, so callers can drop a rejected frame and keep going.
func Decode(buf []byte) (string, int, error) {
	f, n, err := ReadFrame(buf)
	if err != nil {
		return "", 0, err
	}

	switch f.Opcode {
	case OpText:
	case OpClose:
		return "", n, ErrCloseFrame
	default:
		return "", n, fmt.Errorf("%w: 0x%x", ErrUnsupportedOpcode, byte(f.Opcode))
	}
	if !f.Masked {
		return "", n, ErrUnmasked
	}
	if len(f.Payload) == 0 {
		return "", n, ErrEmptyPayload
	}
	if !utf8.Valid(f.Payload) {
		return "", n, ErrInvalidUTF8
	}
	return string(f.Payload), n, nil
}

// Encode builds an unmasked server->client text frame with FIN set.
func Encode(text string) []byte {
	header := appendHeader(make([]byte, 0, 10+len(text)), OpText, len(text), false)
	return append(header, text...)
}

// EncodeMasked builds a masked text frame the way a client would send it.
func EncodeMasked(text string, key [4]byte) []byte {
	payload := []byte(text)
	frame := appendHeader(make([]byte, 0, 14+len(payload)), OpText, len(payload), true)
	frame = append(frame, key[:]...)
	start := len(frame)
	frame = append(frame, payload...)
	unmask(frame[start:], key)
	return frame
}

func appendHeader(dst []byte, op Opcode, length int, masked bool) []byte {
	var mask byte
	if masked {
		mask = maskBit
	}
	dst = append(dst, finBit|byte(op))
	switch {
	case length <= maxInlineLength:
		dst = append(dst, mask|byte(length))
	case length <= max16BitLength:
		dst = append(dst, mask|length16Marker)
		dst = binary.BigEndian.AppendUint16(dst, uint16(length))
	default:
		dst = append(dst, mask|length64Marker)
		dst = binary.BigEndian.AppendUint64(dst, uint64(length))
	}
	return dst
}

// unmask is its own inverse.
func unmask(payload []byte, key [4]byte) {
	for i := range payload {
		payload[i] ^= key[i%4]
	}
}

// Decoder accumulates bytes read from a socket and yields complete frames,
// so a frame split across several reads is reassembled.
type Decoder struct {
	buf []byte
}

// Feed appends newly read bytes.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Next decodes the next text message. ErrNeedMore means wait for more input;
// other errors describe a frame that has already been discarded, except
// ErrFrameTooLarge, after which the stream cannot be resynchronised.
func (d *Decoder) Next() (string, error) {
	text, n, err := Decode(d.buf)
	if n > 0 {
		d.buf = d.buf[n:]
		if len(d.buf) == 0 {
			d.buf = nil
		}
	}
	return text, err
}
