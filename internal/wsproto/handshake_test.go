/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package wsproto

import (
	"errors"
	"strings"
	"testing"
)

const sampleRequest = "GET /chat HTTP/1.1\r\n" +
	"Host: 127.0.0.1:8085\r\n" +
	"Upgrade: websocket\r\n" +
	"Connection: Upgrade\r\n" +
	"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
	"Sec-WebSocket-Version: 13\r\n\r\n"

func TestAcceptKeyRFCVector(t *testing.T) {
	got := AcceptKey("dGhlIHNhbXBsZSBub25jZQ==")
	if got != "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=" {
		t.Errorf("AcceptKey() = %q, want %q", got, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=")
	}
}

func TestTryHandshake(t *testing.T) {
	resp, n, err := TryHandshake([]byte(sampleRequest))
	if err != nil {
		t.Fatalf("TryHandshake() error = %v", err)
	}
	if n != len(sampleRequest) {
		t.Errorf("TryHandshake() consumed %d, want %d", n, len(sampleRequest))
	}

	text := string(resp)
	for _, want := range []string{
		"HTTP/1.1 101 Switching Protocols\r\n",
		"Connection: Upgrade\r\n",
		"Upgrade: websocket\r\n",
		"Sec-WebSocket-Accept: s3pPLMBiTxaQ9kYGzzhZRbK+xOo=\r\n",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("response missing %q:\n%s", want, text)
		}
	}
	if !strings.HasSuffix(text, "\r\n\r\n") {
		t.Error("response must end with a blank line")
	}
}

func TestTryHandshakeKeepsTrailingBytes(t *testing.T) {
	buf := append([]byte(sampleRequest), EncodeMasked("hi", [4]byte{1, 2, 3, 4})...)
	_, n, err := TryHandshake(buf)
	if err != nil {
		t.Fatalf("TryHandshake() error = %v", err)
	}
	if n != len(sampleRequest) {
		t.Errorf("TryHandshake() consumed %d, want only the request (%d)", n, len(sampleRequest))
	}
}

func TestTryHandshakeIncompleteOrInvalid(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{"too short", "GE", ErrNeedMore},
		{"headers incomplete", "GET / HTTP/1.1\r\nHost: x\r\n", ErrNeedMore},
		{"post request", "POST / HTTP/1.1\r\n\r\n", ErrNotUpgrade},
		{"missing key", "GET / HTTP/1.1\r\nHost: x\r\n\r\n", ErrNotUpgrade},
		{"garbage", "\x81\x85abcdefg", ErrNotUpgrade},
		{"malformed header", "GET / HTTP/1.1\r\nno colon here\r\n\r\n", ErrNotUpgrade},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := TryHandshake([]byte(tt.input))
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("TryHandshake() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestTryHandshakeLowercaseMethod(t *testing.T) {
	req := strings.Replace(sampleRequest, "GET", "get", 1)
	if _, _, err := TryHandshake([]byte(req)); err != nil {
		t.Errorf("TryHandshake() error = %v, want nil for lowercase method", err)
	}
}

func TestTryHandshakeRequestLineWithoutVersion(t *testing.T) {
	req := strings.Replace(sampleRequest, "GET /chat HTTP/1.1", "GET /chat", 1)
	resp, n, err := TryHandshake([]byte(req))
	if err != nil {
		t.Fatalf("TryHandshake() error = %v", err)
	}
	if n != len(req) {
		t.Errorf("TryHandshake() consumed %d, want %d", n, len(req))
	}
	if !strings.Contains(string(resp), "Sec-WebSocket-Accept: s3pPLMBiTxaQ9kYGzzhZRbK+xOo=\r\n") {
		t.Errorf("unexpected response:\n%s", resp)
	}
}
