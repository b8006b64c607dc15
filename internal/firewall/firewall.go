// Package firewall gates inbound connections with ordered IPv4 CIDR rules.
package firewall

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
)

// Action is the decision a rule or policy applies.
type Action string

const (
	ActionAccept Action = "ACCEPT"
	ActionReject Action = "REJECT"
)

var (
	// ErrInvalidAddress is returned for anything that is not a dotted-quad IPv4 address.
	ErrInvalidAddress = errors.New("invalid IPv4 address")

	// ErrInvalidSubnet is returned for prefix lengths outside 0-32.
	ErrInvalidSubnet = errors.New("invalid subnet")

	// ErrInvalidPolicy is returned for unknown policy names.
	ErrInvalidPolicy = errors.New("invalid firewall policy")
)

// Rule is one ordered firewall entry.
type Rule struct {
	IP     net.IP
	Bits   int
	Action Action
	net    *net.IPNet
}

// String renders the rule as "ACTION a.b.c.d/bits".
func (r Rule) String() string {
	return fmt.Sprintf("%s %s/%d", r.Action, r.IP, r.Bits)
}

// Firewall evaluates addresses against rules in insertion order.
// The first matching rule decides; unmatched addresses fall back to the policy.
type Firewall struct {
	mu     sync.RWMutex
	rules  []Rule
	policy Action
}

// New creates a firewall with an ACCEPT policy and no rules.
func New() *Firewall {
	return &Firewall{policy: ActionAccept}
}

// Accept appends an ACCEPT rule for "a.b.c.d[/bits]".
func (f *Firewall) Accept(addr string) error {
	return f.add(addr, ActionAccept)
}

// Reject appends a REJECT rule for "a.b.c.d[/bits]".
func (f *Firewall) Reject(addr string) error {
	return f.add(addr, ActionReject)
}

// Add appends a rule with an explicit action name (any policy synonym).
func (f *Firewall) Add(action, addr string) error {
	a, err := ParseAction(action)
	if err != nil {
		return err
	}
	return f.add(addr, a)
}

func (f *Firewall) add(addr string, action Action) error {
	rule, err := parseRule(addr, action)
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.rules = append(f.rules, rule)
	f.mu.Unlock()
	return nil
}

// SetPolicy sets the fallback action by name (allow/accept, block/deny/reject).
func (f *Firewall) SetPolicy(name string) error {
	a, err := ParseAction(name)
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.policy = a
	f.mu.Unlock()
	return nil
}

// Policy returns the fallback action.
func (f *Firewall) Policy() Action {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.policy
}

// Rules returns a copy of the rule list in evaluation order.
func (f *Firewall) Rules() []Rule {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]Rule, len(f.rules))
	copy(out, f.rules)
	return out
}

// Reset drops all rules and restores the ACCEPT policy.
func (f *Firewall) Reset() {
	f.mu.Lock()
	f.rules = nil
	f.policy = ActionAccept
	f.mu.Unlock()
}

// Valid reports whether a connection from ip is allowed.
// ip may be a plain address, "host:port", an IPv6-mapped IPv4 address or a net.Addr.
func (f *Firewall) Valid(ip any) (bool, error) {
	parsed, err := normalize(ip)
	if err != nil {
		return false, err
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	for _, r := range f.rules {
		if r.net.Contains(parsed) {
			return r.Action == ActionAccept, nil
		}
	}
	return f.policy == ActionAccept, nil
}

// ParseAction maps a policy name to an Action, case-insensitively.
func ParseAction(name string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "allow", "accept":
		return ActionAccept, nil
	case "block", "deny", "reject":
		return ActionReject, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPolicy, name)
	}
}

func parseRule(addr string, action Action) (Rule, error) {
	host, bitsStr, hasBits := strings.Cut(strings.TrimSpace(addr), "/")

	bits := 32
	if hasBits {
		n, err := strconv.Atoi(bitsStr)
		if err != nil || n < 0 || n > 32 {
			return Rule{}, fmt.Errorf("%w: %q", ErrInvalidSubnet, addr)
		}
		bits = n
	}

	ip, err := parseIPv4(host)
	if err != nil {
		return Rule{}, err
	}

	mask := net.CIDRMask(bits, 32)
	return Rule{
		IP:     ip,
		Bits:   bits,
		Action: action,
		net:    &net.IPNet{IP: ip.Mask(mask), Mask: mask},
	}, nil
}

func parseIPv4(s string) (net.IP, error) {
	if strings.Contains(s, ":") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	ip := net.ParseIP(s)
	if ip == nil || ip.To4() == nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	return ip.To4(), nil
}

// normalize turns the accepted address forms into a 4-byte IP.
func normalize(v any) (net.IP, error) {
	var s string
	switch a := v.(type) {
	case string:
		s = a
	case net.IP:
		if ip4 := a.To4(); ip4 != nil {
			return ip4, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrInvalidAddress, a)
	case *net.TCPAddr:
		return normalize(a.IP)
	case net.Addr:
		s = a.String()
	default:
		return nil, fmt.Errorf("%w: unsupported type %T", ErrInvalidAddress, v)
	}

	s = strings.TrimSpace(s)
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	if strings.Contains(s, ":") {
		// ::ffff:a.b.c.d
		s = s[strings.LastIndex(s, ":")+1:]
	}
	return parseIPv4(s)
}
