// Package protocol turns queued position reports and core events into wire
// traffic. Two interchangeable senders exist: a Wialon-IPS-style
// socket protocol and an OsmAnd-style HTTP query protocol. The package also
// owns the error taxonomy the upload worker branches on: a blocked login is
// neither transient nor permanent, a connect/timeout/DNS failure is
// transient, everything else is permanent.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/trackwire/trackwire/internal/track"
)

// Sender delivers one queued item per call. Implementations open their own
// connection per send; the worker owns retry policy and markSent bookkeeping.
type Sender interface {
	// SendPosition transmits one position report with its side-channel params.
	SendPosition(ctx context.Context, pos track.Position, params []track.Param) error

	// SendCoreEvent transmits an externally submitted event, optionally
	// anchored to the nearest-in-time position report for navigation data.
	SendCoreEvent(ctx context.Context, event track.CoreEvent, nearest *track.Position, params []track.Param) error
}

// Config selects and parameterizes a sender.
type Config struct {
	Protocol   string // "wialon" or "osmand"
	Host       string
	Port       int
	DeviceID   string
	Credential string
}

// New builds the sender named by cfg.Protocol.
func New(cfg Config) (Sender, error) {
	switch strings.ToLower(cfg.Protocol) {
	case "wialon":
		return NewWialonSender(cfg), nil
	case "osmand":
		return NewOsmAndSender(cfg), nil
	default:
		return nil, fmt.Errorf("unknown protocol %q", cfg.Protocol)
	}
}

// BlockedError reports a login rejected by the remote server. The pending
// item must stay queued: the failure is a gate, not an I/O hiccup, and
// retrying the data frame without a successful login would lose it.
type BlockedError struct {
	Response string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("login rejected: resp=%q", e.Response)
}

// IsBlocked reports whether err carries a BlockedError anywhere in its chain.
func IsBlocked(err error) bool {
	var be *BlockedError
	return errors.As(err, &be)
}

// IsTransient classifies err as a retryable network failure: connection
// refused, timeout, DNS resolution, no route. The worker keeps the item
// queued and backs off; anything else (a blocked login aside) is permanent
// and the item is dropped.
func IsTransient(err error) bool {
	if err == nil || IsBlocked(err) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && (opErr.Op == "dial" || opErr.Op == "read" || opErr.Op == "write") {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, frag := range []string{
		"failed to connect",
		"connection refused",
		"timeout",
		"unable to resolve",
		"no route to host",
	} {
		if strings.Contains(msg, frag) {
			return true
		}
	}
	return false
}
