package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/postalsys/muti-shell/internal/auth"
	"github.com/postalsys/muti-shell/internal/firewall"
	"github.com/postalsys/muti-shell/internal/logging"
	"github.com/postalsys/muti-shell/internal/metrics"
	"github.com/postalsys/muti-shell/internal/node"
	"github.com/postalsys/muti-shell/internal/transport"
)

func serveNode(t *testing.T, configure func(*node.Options)) transport.Target {
	t.Helper()
	opts := node.DefaultOptions()
	opts.Delimiter = "probe~$"
	opts.Logger = logging.NopLogger()
	opts.Metrics = metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	if configure != nil {
		configure(&opts)
	}
	n := node.New(opts)
	n.Start(context.Background())
	t.Cleanup(n.Stop)

	srv := httptest.NewServer(n.Handler())
	t.Cleanup(srv.Close)

	target, err := transport.ParseTarget(strings.TrimPrefix(srv.URL, "http://"), false)
	if err != nil {
		t.Fatalf("ParseTarget(%s) error = %v", srv.URL, err)
	}
	return target
}

func TestProbe_Heartbeat(t *testing.T) {
	target := serveNode(t, nil)

	res := Probe(context.Background(), Options{Target: target, Timeout: 5 * time.Second})
	if !res.Success {
		t.Fatalf("Probe() failed: %v (%s)", res.Error, res.ErrorDetail)
	}
	if res.Delimiter != "probe~$" {
		t.Errorf("Delimiter = %q, want %q", res.Delimiter, "probe~$")
	}
	if res.AuthRequired {
		t.Error("AuthRequired should be false without auth")
	}
	if res.RTT <= 0 {
		t.Error("RTT should be positive")
	}
	if res.Address != target.Addr() {
		t.Errorf("Address = %q, want %q", res.Address, target.Addr())
	}
}

func TestProbe_AuthRequired(t *testing.T) {
	strategy, err := auth.New(auth.Config{Users: []auth.User{{User: "admin", Pass: "secret"}}})
	if err != nil {
		t.Fatalf("auth.New() error = %v", err)
	}
	target := serveNode(t, func(o *node.Options) { o.Auth = strategy })

	res := Probe(context.Background(), Options{Target: target, Timeout: 5 * time.Second})
	if !res.Success || !res.AuthRequired {
		t.Fatalf("Probe() = %+v, want success with auth required", res)
	}
	if res.Delimiter != "" {
		t.Errorf("Delimiter = %q, want none before authentication", res.Delimiter)
	}
}

func TestProbe_FirewallRejected(t *testing.T) {
	fw := firewall.New()
	if err := fw.SetPolicy("reject"); err != nil {
		t.Fatalf("SetPolicy() error = %v", err)
	}
	target := serveNode(t, func(o *node.Options) { o.Firewall = fw })

	res := Probe(context.Background(), Options{Target: target, Timeout: 5 * time.Second})
	if res.Success {
		t.Fatal("Probe() should fail when the firewall rejects")
	}
	if res.ErrorDetail != "Rejected by the node's firewall" {
		t.Errorf("ErrorDetail = %q (error %v)", res.ErrorDetail, res.Error)
	}
}

func TestProbe_ConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	target, err := transport.ParseTarget(addr, false)
	if err != nil {
		t.Fatalf("ParseTarget() error = %v", err)
	}

	res := Probe(context.Background(), Options{Target: target, Timeout: 2 * time.Second})
	if res.Success || res.Error == nil {
		t.Fatal("Probe() should fail against a closed port")
	}
	if !strings.HasPrefix(res.ErrorDetail, "Connection refused") {
		t.Errorf("ErrorDetail = %q", res.ErrorDetail)
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"refused", errors.New("dial tcp 127.0.0.1:1: connect: connection refused"), "Connection refused - node not listening or port blocked"},
		{"forbidden", errors.New("expected handshake response status code 101 but got 403"), "Rejected by the node's firewall"},
		{"deadline", fmt.Errorf("dial: %w", context.DeadlineExceeded), "Connection timed out - firewall may be blocking"},
		{"unknown authority", errors.New("x509: certificate signed by unknown authority"), "TLS error - certificate signed by unknown authority (drop --strict)"},
		{"hung up", errors.New("connection closed by node"), "Connected but the node hung up - not a muti-shell listener?"},
		{"not found", &net.DNSError{Err: "no such host", Name: "nowhere.invalid", IsNotFound: true}, "Could not resolve hostname - DNS lookup failed"},
		{"other", errors.New("something else"), "something else"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyError(tt.err); got != tt.want {
				t.Errorf("classifyError() = %q, want %q", got, tt.want)
			}
		})
	}
}
