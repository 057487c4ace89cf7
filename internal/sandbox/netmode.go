package sandbox

import (
	"fmt"
	"strconv"
	"strings"
)

// NetKind enumerates the network confinement modes.
type NetKind string

const (
	NetNone NetKind = "none"
	NetTCP  NetKind = "tcp"
	NetBind NetKind = "bind"
)

// NetMode is a parsed --net value.
type NetMode struct {
	Kind  NetKind
	Ports []uint16
}

// ParseNetMode parses "none", "tcp:443", "tcp:443,8080" or
// "bind:3000". An empty value defaults to none.
func ParseNetMode(value string) (NetMode, error) {
	if value == "" || value == string(NetNone) {
		return NetMode{Kind: NetNone}, nil
	}

	kind, portsPart, ok := strings.Cut(value, ":")
	if !ok {
		return NetMode{}, fmt.Errorf("%w: %q", ErrInvalidNetMode, value)
	}
	var mode NetMode
	switch NetKind(kind) {
	case NetTCP:
		mode.Kind = NetTCP
	case NetBind:
		mode.Kind = NetBind
	default:
		return NetMode{}, fmt.Errorf("%w: %q", ErrInvalidNetMode, value)
	}

	for _, portStr := range strings.Split(portsPart, ",") {
		portStr = strings.TrimSpace(portStr)
		port, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil || port == 0 {
			return NetMode{}, fmt.Errorf("%w: bad port %q", ErrInvalidNetMode, portStr)
		}
		mode.Ports = append(mode.Ports, uint16(port))
	}
	if len(mode.Ports) == 0 {
		return NetMode{}, fmt.Errorf("%w: %q lists no ports", ErrInvalidNetMode, value)
	}
	return mode, nil
}

// String renders the mode back to its flag form.
func (m NetMode) String() string {
	if m.Kind == NetNone {
		return string(NetNone)
	}
	ports := make([]string, len(m.Ports))
	for i, port := range m.Ports {
		ports[i] = strconv.Itoa(int(port))
	}
	return string(m.Kind) + ":" + strings.Join(ports, ",")
}
