package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"time"
)

// ErrAddressUnavailable means no usable IPv4 address could be discovered.
var ErrAddressUnavailable = errors.New("no usable IPv4 address found")

// AddressResolver discovers the host's primary IPv4 address.
type AddressResolver interface {
	DiscoverIPv4(ctx context.Context) (string, error)
}

// StaticResolver always returns the same address.
type StaticResolver string

func (s StaticResolver) DiscoverIPv4(context.Context) (string, error) {
	ip := net.ParseIP(string(s)).To4()
	if ip == nil {
		return "", fmt.Errorf("%w: %q is not an IPv4 address", ErrAddressUnavailable, string(s))
	}
	return ip.String(), nil
}

// DefaultAddressCommands are tried in order by CommandResolver.
var DefaultAddressCommands = [][]string{
	{"ifconfig"},
	{"ip", "-4", "addr", "show"},
}

// CommandResolver runs network-configuration tools and scrapes their
// output. It is a best-effort heuristic, not an interface query.
type CommandResolver struct {
	Commands [][]string
	Timeout  time.Duration
}

// NewCommandResolver returns a resolver using DefaultAddressCommands.
func NewCommandResolver() *CommandResolver {
	return &CommandResolver{Commands: DefaultAddressCommands, Timeout: 5 * time.Second}
}

func (r *CommandResolver) DiscoverIPv4(ctx context.Context) (string, error) {
	commands := r.Commands
	if len(commands) == 0 {
		commands = DefaultAddressCommands
	}

	var lastErr error
	for _, argv := range commands {
		if len(argv) == 0 {
			continue
		}
		out, err := r.run(ctx, argv)
		if err != nil {
			lastErr = fmt.Errorf("%s: %w", argv[0], err)
			continue
		}
		ip, err := ParseIPv4Output(out)
		if err == nil {
			return ip, nil
		}
		lastErr = fmt.Errorf("%s: %w", argv[0], err)
	}
	if lastErr == nil {
		return "", ErrAddressUnavailable
	}
	if errors.Is(lastErr, ErrAddressUnavailable) {
		return "", lastErr
	}
	return "", fmt.Errorf("%w: %v", ErrAddressUnavailable, lastErr)
}

func (r *CommandResolver) run(ctx context.Context, argv []string) (string, error) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout bytes.Buffer
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		// Some tools exit non-zero after printing usable output.
		if stdout.Len() == 0 {
			return "", err
		}
	}
	return stdout.String(), nil
}

// ParseIPv4Output scans ifconfig or ip(8) style text for the first
// IPv4 token after an "inet" marker that is not loopback, link-local
// or unspecified. Handles "inet 10.0.0.5", "inet addr:10.0.0.5" and
// "inet 10.0.0.5/24".
func ParseIPv4Output(out string) (string, error) {
	if strings.TrimSpace(out) == "" {
		return "", fmt.Errorf("%w: empty output", ErrAddressUnavailable)
	}

	fields := strings.Fields(out)
	sawMarker := false
	for i := 0; i < len(fields)-1; i++ {
		if fields[i] != "inet" {
			continue
		}
		sawMarker = true
		ip := parseIPv4Token(fields[i+1])
		if ip == nil || ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
			continue
		}
		return ip.String(), nil
	}
	if !sawMarker {
		return "", fmt.Errorf("%w: no inet marker in output", ErrAddressUnavailable)
	}
	return "", fmt.Errorf("%w: only loopback or link-local addresses", ErrAddressUnavailable)
}

func parseIPv4Token(tok string) net.IP {
	tok = strings.TrimPrefix(tok, "addr:")
	if i := strings.IndexByte(tok, '/'); i >= 0 {
		tok = tok[:i]
	}
	tok = strings.Trim(tok, " \t,;()[]")
	return net.ParseIP(tok).To4()
}

// BindIPv4 turns a configured bind host into an address. An empty
// host or "INADDR_ANY" means the wildcard address.
func BindIPv4(host string) (net.IP, error) {
	host = strings.TrimSpace(host)
	if host == "" || strings.EqualFold(host, "INADDR_ANY") {
		return net.IPv4zero.To4(), nil
	}
	ip := net.ParseIP(host).To4()
	if ip == nil {
		return nil, &SocketError{Op: "bind", Kind: BindInvalidAddress, Err: fmt.Errorf("%q is not an IPv4 address", host)}
	}
	return ip, nil
}
