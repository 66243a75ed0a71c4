package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// LocalConfig is the immutable local-identity portion of the peer
// directory (§3 "Local configuration").
type LocalConfig struct {
	LocalNode     int
	SystemName    string
	SysopName     string
	NetworkName   string
	VersionString string
	InboundDir    string
	OutboundDir   string
}

// PeerConfig is one immutable peer directory entry (§3 "Peer configuration
// entry"). Absence of an entry for a node means no outbound call is
// permitted to it.
type PeerConfig struct {
	Node     int
	Host     string
	Port     int
	Password string // "-" means no password
}

// PeerDirectory is the loaded local identity plus per-node peer table.
type PeerDirectory struct {
	Local LocalConfig
	peers map[int]PeerConfig
}

// NodeConfigFor looks up the peer entry for node, if any.
func (d *PeerDirectory) NodeConfigFor(node int) (PeerConfig, bool) {
	p, ok := d.peers[node]
	return p, ok
}

// ExpectedPasswordFor returns the configured password for node, or "-" if
// the node is unknown or configured with no password.
func (d *PeerDirectory) ExpectedPasswordFor(node int) string {
	if p, ok := d.peers[node]; ok && p.Password != "" {
		return p.Password
	}
	return "-"
}

// LocalAddressLine renders the M_ADR advertisement for this system: its
// own node number in the configured network.
func (d *PeerDirectory) LocalAddressLine() string {
	return fmt.Sprintf("%d@%s", d.Local.LocalNode, d.Local.NetworkName)
}

// LoadPeers parses the addresses.binkp flat-file format (§4.E / §6):
//
//	node                 = ...
//	system_name          = ...
//	...
//	@<node> <host>:<port> <password-or-hyphen>
//
// Lines starting with '#' are comments; blank lines are ignored.
func LoadPeers(path string) (*PeerDirectory, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &ConfigError{Path: path, Message: fmt.Sprintf("cannot open: %v", err)}
	}
	defer f.Close()

	dir := &PeerDirectory{peers: make(map[int]PeerConfig)}

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if strings.HasPrefix(line, "@") {
			peer, err := parsePeerLine(line)
			if err != nil {
				return nil, &ConfigError{Path: path, Line: lineNo, Message: err.Error()}
			}
			dir.peers[peer.Node] = peer
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, &ConfigError{Path: path, Line: lineNo, Message: fmt.Sprintf("unrecognized line: %q", line)}
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		switch key {
		case "node":
			n, err := strconv.Atoi(value)
			if err != nil {
				return nil, &ConfigError{Path: path, Line: lineNo, Message: fmt.Sprintf("invalid node: %v", err)}
			}
			dir.Local.LocalNode = n
		case "system_name":
			dir.Local.SystemName = value
		case "sysop_name":
			dir.Local.SysopName = value
		case "network_name":
			dir.Local.NetworkName = value
		case "version_string":
			dir.Local.VersionString = value
		case "inbound_dir":
			dir.Local.InboundDir = value
		case "outbound_dir":
			dir.Local.OutboundDir = value
		default:
			return nil, &ConfigError{Path: path, Line: lineNo, Message: fmt.Sprintf("unknown local config key: %q", key)}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, &ConfigError{Path: path, Message: fmt.Sprintf("read error: %v", err)}
	}

	var verrs ValidationErrors
	if dir.Local.NetworkName == "" {
		verrs.Add(fmt.Errorf("local config missing network_name"))
	}
	if dir.Local.InboundDir == "" {
		verrs.Add(fmt.Errorf("local config missing inbound_dir"))
	}
	if dir.Local.OutboundDir == "" {
		verrs.Add(fmt.Errorf("local config missing outbound_dir"))
	}
	if verrs.HasErrors() {
		return nil, &ConfigError{Path: path, Message: verrs.Error()}
	}

	return dir, nil
}

// parsePeerLine parses "@<node> <host>:<port> <password-or-hyphen>".
func parsePeerLine(line string) (PeerConfig, error) {
	fields := strings.Fields(line)
	if len(fields) != 3 {
		return PeerConfig{}, fmt.Errorf("expected 3 fields in peer line, got %d: %q", len(fields), line)
	}

	nodeStr := strings.TrimPrefix(fields[0], "@")
	node, err := strconv.Atoi(nodeStr)
	if err != nil {
		return PeerConfig{}, fmt.Errorf("invalid peer node %q: %w", nodeStr, err)
	}

	hostPort := fields[1]
	host, portStr, found := strings.Cut(hostPort, ":")
	if !found {
		return PeerConfig{}, fmt.Errorf("peer %q missing host:port", nodeStr)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return PeerConfig{}, fmt.Errorf("peer %q has invalid port %q: %w", nodeStr, portStr, err)
	}

	password := fields[2]

	return PeerConfig{Node: node, Host: host, Port: port, Password: password}, nil
}
