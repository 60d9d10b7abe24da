package tcc

import (
	"net"
	"strconv"

	"github.com/pkg/errors"
)

// Address identifies a single cluster node endpoint by IP and port.
// It is comparable and usable directly as a map key.
type Address struct {
	IP   string
	Port int
}

// NewAddress parses a "host:port" string into an Address.
func NewAddress(s string) (Address, error) {

	host, portString, err := net.SplitHostPort(s)
	if err != nil {
		return Address{}, errors.Wrapf(err, "invalid address %q", s)
	}

	port, err := strconv.Atoi(portString)
	if err != nil {
		return Address{}, errors.Wrapf(err, "invalid port in address %q", s)
	}

	return Address{IP: host, Port: port}, nil
}

// String renders the address as host:port.
func (a Address) String() string {
	return net.JoinHostPort(a.IP, strconv.Itoa(a.Port))
}

// IsValid reports whether the address carries both an IP and a port.
func (a Address) IsValid() bool {
	return a.IP != "" && a.Port > 0
}
