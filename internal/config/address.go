package config

import (
	"fmt"
	"strconv"
	"strings"
)

// Address is a parsed FidoNet/WWIVnet-style peer address:
// zone:net/node[.point]@domain.
type Address struct {
	Zone   int
	Net    int
	Node   int
	Point  int
	Domain string
}

// String renders the address in the same form it was parsed from.
func (a Address) String() string {
	s := fmt.Sprintf("%d:%d/%d", a.Zone, a.Net, a.Node)
	if a.Point != 0 {
		s += fmt.Sprintf(".%d", a.Point)
	}
	if a.Domain != "" {
		s += "@" + a.Domain
	}
	return s
}

// ParseAddress parses a single address such as "20000:20000/1234@wwivnet"
// or "1:369/23@fidonet". The point suffix and domain are both optional.
func ParseAddress(s string) (Address, error) {
	var a Address

	rest := s
	if at := strings.LastIndex(rest, "@"); at != -1 {
		a.Domain = rest[at+1:]
		rest = rest[:at]
	}

	zonePart, rem, ok := cut(rest, ":")
	if !ok {
		return Address{}, fmt.Errorf("config: address %q missing zone separator ':'", s)
	}
	netPart, nodePointPart, ok := cut(rem, "/")
	if !ok {
		return Address{}, fmt.Errorf("config: address %q missing net/node separator '/'", s)
	}
	nodePart, pointPart, hasPoint := cut(nodePointPart, ".")

	var err error
	if a.Zone, err = atoi(zonePart); err != nil {
		return Address{}, fmt.Errorf("config: address %q has invalid zone: %w", s, err)
	}
	if a.Net, err = atoi(netPart); err != nil {
		return Address{}, fmt.Errorf("config: address %q has invalid net: %w", s, err)
	}
	if a.Node, err = atoi(nodePart); err != nil {
		return Address{}, fmt.Errorf("config: address %q has invalid node: %w", s, err)
	}
	if hasPoint {
		if a.Point, err = atoi(pointPart); err != nil {
			return Address{}, fmt.Errorf("config: address %q has invalid point: %w", s, err)
		}
	}
	return a, nil
}

func cut(s, sep string) (before, after string, found bool) {
	idx := strings.Index(s, sep)
	if idx == -1 {
		return s, "", false
	}
	return s[:idx], s[idx+1:], true
}

func atoi(s string) (int, error) {
	return strconv.Atoi(strings.TrimSpace(s))
}

// NodeFromAddressList tokenizes a space-separated address list (as carried
// by M_ADR) and returns the node number of the token whose domain matches
// networkName. Tokens may be full zone:net/node[.point]@domain addresses or
// the short <node>@<domain> form that PeerDirectory.LocalAddressLine
// advertises. Returns ok=false if no token matches.
func NodeFromAddressList(list string, networkName string) (node int, ok bool) {
	for _, tok := range strings.Fields(list) {
		addr, err := ParseAddress(tok)
		if err != nil {
			nodePart, domain, found := strings.Cut(tok, "@")
			n, nerr := atoi(nodePart)
			if !found || nerr != nil {
				continue
			}
			addr = Address{Node: n, Domain: domain}
		}
		if strings.EqualFold(addr.Domain, networkName) {
			return addr.Node, true
		}
	}
	return 0, false
}

// NetworkNameFromSingleAddress returns the substring after '@' in addr.
func NetworkNameFromSingleAddress(addr string) string {
	if at := strings.LastIndex(addr, "@"); at != -1 {
		return addr[at+1:]
	}
	return ""
}
