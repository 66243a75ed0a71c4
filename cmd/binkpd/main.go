// Command binkpd dials out to or answers calls from a single BinkP peer
// per invocation, transferring whatever is queued in the configured
// outbound/inbound spool directories (§6).
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/wwiv/binkp/internal/binkp"
	"github.com/wwiv/binkp/internal/config"
	"github.com/wwiv/binkp/internal/filecache"
	"github.com/wwiv/binkp/internal/history"
	"github.com/wwiv/binkp/internal/logging"
	"github.com/wwiv/binkp/internal/version"
)

// Exit codes (§6): 0 success, 1 configuration error, 2 peer lookup
// failure, 3 protocol failure. IO failures (listen/accept/dial) are not
// their own category — §7 groups IO errors with Protocol errors under
// session/Failed termination, so they share exitSession with a session
// that failed after connecting.
const (
	exitOK         = 0
	exitConfig     = 1
	exitPeerLookup = 2
	exitSession    = 3
	defaultPort    = 24554
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath  = flag.String("config", "", "path to the YAML settings file (required)")
		addresses   = flag.String("addresses", "", "path to addresses.binkp (default: addresses.binkp alongside --config)")
		receive     = flag.Bool("receive", false, "listen for and answer a single inbound call")
		send        = flag.Bool("send", false, "dial out and originate a call")
		node        = flag.Int("node", 0, "peer node number to dial (required with --send)")
		showVersion = flag.Bool("version", false, "print version information and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("binkpd %s\n", version.Full())
		return exitOK
	}

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "binkpd: --config is required")
		return exitConfig
	}
	if *receive == *send {
		fmt.Fprintln(os.Stderr, "binkpd: exactly one of --receive or --send is required")
		return exitConfig
	}
	if *send && *node == 0 {
		fmt.Fprintln(os.Stderr, "binkpd: --send requires --node")
		return exitConfig
	}

	addrPath := *addresses
	if addrPath == "" {
		addrPath = filepath.Join(filepath.Dir(*configPath), "addresses.binkp")
	}

	settings, err := config.LoadSettings(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "binkpd: %v\n", err)
		return exitConfig
	}
	if err := settings.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "binkpd: %v\n", err)
		return exitConfig
	}

	if err := logging.Initialize(&logging.Config{
		Level: settings.Logging.Level, File: settings.Logging.File,
		MaxSize: settings.Logging.MaxSize, MaxBackups: settings.Logging.MaxBackups,
		MaxAge: settings.Logging.MaxAge, Console: settings.Logging.Console,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "binkpd: failed to initialize logging: %v\n", err)
		return exitConfig
	}

	peers, err := config.LoadPeers(addrPath)
	if err != nil {
		logging.Errorf("binkpd: %v", err)
		return exitConfig
	}

	fm := binkp.NewFileManager(peers.Local.OutboundDir, peers.Local.InboundDir)

	if settings.DedupCachePath != "" {
		cache, err := filecache.Open(settings.DedupCachePath)
		if err != nil {
			logging.Warnf("binkpd: dedup cache disabled: %v", err)
		} else {
			defer cache.Close()
			fm.Dedup = cache
		}
	}

	recorder, closeHistory := openHistory(settings)
	if closeHistory != nil {
		defer closeHistory()
	}

	logging.Infof("binkpd %s starting, local node %d@%s", version.String(), peers.Local.LocalNode, peers.Local.NetworkName)

	if *receive {
		return runReceive(peers, fm, settings, recorder)
	}
	return runSend(peers, fm, settings, recorder, *node)
}

func openHistory(settings config.Settings) (binkp.HistoryRecorder, func()) {
	switch settings.History.Backend {
	case config.HistoryBackendClickHouse:
		store, err := history.OpenClickHouse(settings.History.ClickHouse)
		if err != nil {
			logging.Warnf("binkpd: transfer history disabled: %v", err)
			return nil, nil
		}
		return store, func() { store.Close() }
	default:
		store, err := history.OpenDuckDB(settings.History.DuckDBPath)
		if err != nil {
			logging.Warnf("binkpd: transfer history disabled: %v", err)
			return nil, nil
		}
		return store, func() { store.Close() }
	}
}

func sessionConfig(peers *config.PeerDirectory, fm *binkp.FileManager, settings config.Settings, recorder binkp.HistoryRecorder) binkp.SessionConfig {
	return binkp.SessionConfig{
		Peers:           peers,
		FileManager:     fm,
		ChunkSize:       settings.ChunkSize,
		FrameDeadline:   settings.FrameDeadline,
		SessionDeadline: settings.SessionDeadline,
		History:         recorder,
	}
}

func runReceive(peers *config.PeerDirectory, fm *binkp.FileManager, settings config.Settings, recorder binkp.HistoryRecorder) int {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", defaultPort))
	if err != nil {
		logging.Errorf("binkpd: listen on port %d: %v", defaultPort, err)
		return exitSession
	}
	defer ln.Close()
	logging.Infof("binkpd: listening for one inbound call on port %d", defaultPort)

	conn, err := ln.Accept()
	if err != nil {
		logging.Errorf("binkpd: accept: %v", err)
		return exitSession
	}
	defer conn.Close()
	logging.Infof("binkpd: accepted connection from %s", conn.RemoteAddr())

	cfg := sessionConfig(peers, fm, settings, recorder)
	cfg.Role = binkp.RoleAnswerer
	session := binkp.NewSession(binkp.NewConnection(conn), cfg)

	if err := session.Run(); err != nil {
		logging.Errorf("binkpd: session failed: %v", err)
		return exitSession
	}
	return exitOK
}

func runSend(peers *config.PeerDirectory, fm *binkp.FileManager, settings config.Settings, recorder binkp.HistoryRecorder, node int) int {
	peer, ok := peers.NodeConfigFor(node)
	if !ok {
		logging.Errorf("binkpd: no peer configuration for node %d", node)
		return exitPeerLookup
	}

	addr := fmt.Sprintf("%s:%d", peer.Host, peer.Port)
	conn, err := net.DialTimeout("tcp", addr, 30*time.Second)
	if err != nil {
		logging.Errorf("binkpd: dial %s: %v", addr, err)
		return exitSession
	}
	defer conn.Close()
	logging.Infof("binkpd: connected to node %d at %s", node, addr)

	cfg := sessionConfig(peers, fm, settings, recorder)
	cfg.Role = binkp.RoleOriginator
	cfg.TargetNode = node
	cfg.PeerHost = peer.Host
	session := binkp.NewSession(binkp.NewConnection(conn), cfg)

	if err := session.Run(); err != nil {
		logging.Errorf("binkpd: session failed: %v", err)
		return exitSession
	}
	return exitOK
}
