// Package probe tests whether a muti-shell node is reachable and what it
// answers with, without opening an interactive session.
package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/postalsys/muti-shell/internal/protocol"
	"github.com/postalsys/muti-shell/internal/transport"
)

// DefaultTimeout bounds a probe when Options.Timeout is unset.
const DefaultTimeout = 10 * time.Second

// Options contains configuration for a connectivity probe.
type Options struct {
	// Target is the node to probe.
	Target transport.Target

	// Path overrides the shell endpoint path.
	Path string

	// Timeout for the entire probe operation
	Timeout time.Duration

	// StrictVerify enables TLS certificate verification.
	StrictVerify bool
}

// Result contains the outcome of a connectivity probe.
type Result struct {
	// Success is set when the node answered with a heartbeat or a
	// credential challenge.
	Success bool

	// Address that was probed
	Address string

	// Delimiter is the prompt text the node announced.
	Delimiter string

	// AuthRequired is set when the node challenged for credentials before
	// announcing its prompt.
	AuthRequired bool

	// RTT is the time from dial to the first answer.
	RTT time.Duration

	Error error

	// ErrorDetail is a human-readable description of the error
	ErrorDetail string
}

// Probe dials the target and waits for the node's first heartbeat or
// credential prompt, then hangs up.
func Probe(ctx context.Context, opts Options) *Result {
	result := &Result{Address: opts.Target.Addr()}

	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	dial := transport.DefaultDialOptions()
	dial.Timeout = opts.Timeout
	dial.InsecureSkipVerify = !opts.StrictVerify
	if opts.Path != "" {
		dial.Path = opts.Path
	}

	start := time.Now()
	conn, err := transport.Dial(ctx, opts.Target, dial)
	if err != nil {
		return result.fail(err)
	}
	defer conn.Close()

	for {
		env, err := conn.Receive(ctx)
		if err != nil {
			if transport.IsClosed(err) {
				return result.fail(err)
			}
			continue
		}

		switch env.Event {
		case protocol.EventHeartbeat:
			var hb protocol.Heartbeat
			if err := env.Decode(&hb); err != nil {
				return result.fail(fmt.Errorf("invalid heartbeat: %w", err))
			}
			result.Delimiter = hb.Delimiter
			result.Success = true
			result.RTT = time.Since(start)
			return result

		case protocol.EventPrompt:
			result.AuthRequired = true
			result.Success = true
			result.RTT = time.Since(start)
			return result

		case protocol.EventClose:
			return result.fail(errors.New("connection closed by node"))
		}
	}
}

func (r *Result) fail(err error) *Result {
	r.Error = err
	r.ErrorDetail = classifyError(err)
	return r
}

// classifyError returns a human-readable description for common errors.
func classifyError(err error) string {
	if err == nil {
		return ""
	}

	errStr := err.Error()

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsNotFound {
			return "Could not resolve hostname - DNS lookup failed"
		}
		return "DNS error: " + dnsErr.Error()
	}

	if strings.Contains(errStr, "connection refused") {
		return "Connection refused - node not listening or port blocked"
	}
	if strings.Contains(errStr, "no route to host") {
		return "No route to host - network unreachable"
	}
	if strings.Contains(errStr, "network is unreachable") {
		return "Network unreachable"
	}

	if strings.Contains(errStr, "403") {
		return "Rejected by the node's firewall"
	}

	if errors.Is(err, context.DeadlineExceeded) || strings.Contains(errStr, "timeout") || strings.Contains(errStr, "timed out") {
		return "Connection timed out - firewall may be blocking"
	}

	if strings.Contains(errStr, "certificate") || strings.Contains(errStr, "tls") || strings.Contains(errStr, "x509") {
		if strings.Contains(errStr, "unknown authority") {
			return "TLS error - certificate signed by unknown authority (drop --strict)"
		}
		if strings.Contains(errStr, "expired") {
			return "TLS error - certificate has expired"
		}
		return "TLS handshake failed - " + err.Error()
	}

	if strings.Contains(errStr, "closed by node") {
		return "Connected but the node hung up - not a muti-shell listener?"
	}
	if strings.Contains(errStr, "WebSocket") || strings.Contains(errStr, "status code") {
		return "Connected but the upgrade failed - not a muti-shell listener?"
	}

	return errStr
}
