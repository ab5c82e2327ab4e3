package emcache

import (
	"fmt"
	"net"
	"strconv"
)

// NodeAddress identifies one memcached server in the cluster
// configuration. Weight scales the node's share of the hash ring;
// zero or negative weights are treated as 1.
type NodeAddress struct {
	Host   string
	Port   int
	Weight int
}

// Addr returns the host:port form of the address.
func (a NodeAddress) Addr() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

func (a NodeAddress) normalized() NodeAddress {
	if a.Weight <= 0 {
		a.Weight = 1
	}
	return a
}

// ParseNodeAddress parses a "host:port" string into a NodeAddress with
// weight 1.
func ParseNodeAddress(s string) (NodeAddress, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return NodeAddress{}, fmt.Errorf("invalid node address %q: %w", s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return NodeAddress{}, fmt.Errorf("invalid port in node address %q", s)
	}
	return NodeAddress{Host: host, Port: port, Weight: 1}, nil
}
