package wire

import (
	"fmt"
	"strings"
)

// Address is a control socket endpoint.
type Address struct {
	Network string // "unix" or "tcp"
	Addr    string
}

func (a Address) String() string {
	return a.Network + ":" + a.Addr
}

// ParseAddress accepts "unix:/path", "tcp:host:port" or a bare socket path.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Address{}, fmt.Errorf("empty address")
	}

	network, rest, found := strings.Cut(s, ":")
	if !found {
		return Address{Network: "unix", Addr: s}, nil
	}

	switch network {
	case "unix":
		if rest == "" {
			return Address{}, fmt.Errorf("invalid address %q: missing socket path", s)
		}
		return Address{Network: "unix", Addr: rest}, nil
	case "tcp":
		if !strings.Contains(rest, ":") {
			return Address{}, fmt.Errorf("invalid address %q: expected tcp:host:port", s)
		}
		return Address{Network: "tcp", Addr: rest}, nil
	default:
		if strings.HasPrefix(s, "/") || strings.HasPrefix(s, ".") {
			return Address{Network: "unix", Addr: s}, nil
		}
		return Address{}, fmt.Errorf("invalid address %q: unsupported network %q", s, network)
	}
}
