/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package wsproto

import (
	"bufio"
	"bytes"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"net/textproto"
	"strings"
)

// acceptGUID is the fixed suffix from RFC 6455 section 1.3.
const acceptGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// ErrNotUpgrade is returned for buffered input that is not a websocket
// upgrade request. The input should be discarded.
var ErrNotUpgrade = errors.New("wsproto: not a websocket upgrade request")

var (
	headerEnd = []byte("\r\n\r\n")
	crlf      = []byte("\r\n")
)

// AcceptKey computes the Sec-WebSocket-Accept value for a client key.
func AcceptKey(key string) string {
	sum := sha1.Sum([]byte(strings.TrimSpace(key) + acceptGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// TryHandshake inspects the bytes received so far on a fresh connection.
// On success it returns the 101 response to write and how many request
// bytes were consumed. ErrNeedMore means the request is still incomplete;
// ErrNotUpgrade means the buffered bytes are not a usable upgrade request.
func TryHandshake(buf []byte) ([]byte, int, error) {
	if len(buf) < 3 {
		return nil, 0, ErrNeedMore
	}
	if !bytes.EqualFold(buf[:3], []byte("GET")) {
		return nil, len(buf), ErrNotUpgrade
	}

	end := bytes.Index(buf, headerEnd)
	if end < 0 {
		return nil, 0, ErrNeedMore
	}
	end += len(headerEnd)

	// Only the method is checked on the request line, so "GET /chat" without
	// a protocol version is accepted.
	lineEnd := bytes.Index(buf, crlf)
	header, err := textproto.NewReader(bufio.NewReader(bytes.NewReader(buf[lineEnd+len(crlf) : end]))).ReadMIMEHeader()
	if err != nil {
		return nil, end, fmt.Errorf("%w: %v", ErrNotUpgrade, err)
	}
	key := strings.TrimSpace(header.Get("Sec-WebSocket-Key"))
	if key == "" {
		return nil, end, fmt.Errorf("%w: missing Sec-WebSocket-Key", ErrNotUpgrade)
	}

	return UpgradeResponse(key), end, nil
}

// UpgradeResponse renders the HTTP/1.1 101 reply for a client key.
func UpgradeResponse(key string) []byte {
	var b strings.Builder
	b.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	b.WriteString("Connection: Upgrade\r\n")
	b.WriteString("Upgrade: websocket\r\n")
	b.WriteString("Sec-WebSocket-Accept: ")
	b.WriteString(AcceptKey(key))
	b.WriteString("\r\n\r\n")
	return []byte(b.String())
}
