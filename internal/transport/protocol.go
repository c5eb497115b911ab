// Package transport carries scrubbed capture events over an authenticated
// local socket from the capturing process to the companion analysis process.
//
// Wire format: newline-delimited JSON. Each connection starts with one
// authentication line {"auth": "<token>"} answered by an explicit
// {"status": "ok"|"rejected"} acknowledgment; after that every line is
// either a capture event or a gap marker, in sequence order.
package transport

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"kmflowd/internal/event"
)

// Errors
var (
	ErrNotSocket      = errors.New("transport: endpoint is not a socket")
	ErrSymlinkRefused = errors.New("transport: endpoint is a symlink")
	ErrAuthRejected   = errors.New("transport: authentication rejected")
	ErrClosed         = errors.New("transport: closed")
	ErrChannelDown    = errors.New("transport: channel failed after retry limit")
	ErrQueueFull      = errors.New("transport: send queue full")
)

// State is the connection state of the transport client.
type State int

// Client states.
const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticated
	StateStreaming
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// authLine is the first line of every connection.
type authLine struct {
	Auth string `json:"auth"`
}

// authAck is the server's answer to the authentication line.
type authAck struct {
	Status string `json:"status"`
}

// Acknowledgment statuses.
const (
	statusOK       = "ok"
	statusRejected = "rejected"
)

// wireRecord is one post-authentication line. Exactly one of Event or Gap
// is set.
type wireRecord struct {
	Event *event.CaptureEvent `json:"event,omitempty"`
	Gap   *GapMarker          `json:"gap,omitempty"`
}

// GapMarker tells the companion that events in [FromSeq, ToSeq] were
// dropped rather than delivered. The stream never silently reorders or
// skips: a hole in sequence numbers is always announced.
type GapMarker struct {
	FromSeq uint64 `json:"from_seq"`
	ToSeq   uint64 `json:"to_seq"`
}

// encodeToken renders a shared secret as the wire token.
func encodeToken(secret []byte) string {
	return hex.EncodeToString(secret)
}

// unmarshalStrict decodes one wire line, rejecting trailing garbage and
// unknown fields. The channel is reachable by any same-user process, so
// every inbound byte is adversarial input.
func unmarshalStrict(line []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("transport: decode record: %w", err)
	}
	return nil
}

// marshalLine encodes v as one newline-terminated JSON record.
func marshalLine(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("transport: encode record: %w", err)
	}
	return append(data, '\n'), nil
}

// ValidateEndpoint rejects a channel endpoint that is not a genuine socket.
// The socket path lives in a directory reachable by every process of the
// same user, so a symlink or regular file planted there must never be
// followed or written to.
func ValidateEndpoint(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		return err
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("%w: %s", ErrSymlinkRefused, path)
	}
	if info.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("%w: %s has mode %s", ErrNotSocket, path, info.Mode())
	}
	return nil
}
