package control

import (
	"net"
	"strconv"
	"strings"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
)

// Address is a parsed local endpoint: a unix socket path or a loopback TCP address
type Address struct {
	Network string // "unix" or "tcp"
	Address string
}

func (a Address) String() string {
	if a.Network == "unix" {
		return "unix://" + a.Address
	}
	return a.Address
}

// DialTarget is the gRPC target for this address
func (a Address) DialTarget() string {
	if a.Network == "unix" {
		return "unix://" + a.Address
	}
	return a.Address
}

// ParseAddress accepts "unix:///path", "tcp://host:port" and "host:port".
// TCP hosts must be loopback since the control plane is single-host.
func ParseAddress(raw string) (Address, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Address{}, errors.NewValidationError("address cannot be empty", nil)
	}

	if strings.HasPrefix(raw, "unix://") {
		path := strings.TrimPrefix(raw, "unix://")
		if path == "" || !strings.HasPrefix(path, "/") {
			return Address{}, errors.NewValidationError("unix socket path must be absolute: "+raw, nil)
		}
		return Address{Network: "unix", Address: path}, nil
	}

	hostPort := strings.TrimPrefix(raw, "tcp://")
	host, portStr, err := net.SplitHostPort(hostPort)
	if err != nil {
		return Address{}, errors.NewValidationError("invalid network address format: "+raw, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return Address{}, errors.NewValidationError("invalid port in address: "+raw, err)
	}
	if !isLoopback(host) {
		return Address{}, errors.NewValidationError("control address must be loopback: "+raw, nil)
	}
	return Address{Network: "tcp", Address: net.JoinHostPort(host, portStr)}, nil
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
