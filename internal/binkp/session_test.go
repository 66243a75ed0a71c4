package binkp

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/wwiv/binkp/internal/config"
)

func writePeerDirectory(t *testing.T, localNode int, networkName string, peerNode int, password string) *config.PeerDirectory {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "addresses.binkp")
	contents := fmt.Sprintf(`
node = %d
system_name = Test System %d
sysop_name = Test Sysop
network_name = %s
version_string = binkpd-test/1.0
inbound_dir = %s
outbound_dir = %s

@%d 127.0.0.1:0 %s
`, localNode, localNode, networkName, filepath.Join(dir, "in"), filepath.Join(dir, "out"), peerNode, password)

	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	for _, sub := range []string{"in", "out"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			t.Fatalf("MkdirAll: %v", err)
		}
	}

	pd, err := config.LoadPeers(path)
	if err != nil {
		t.Fatalf("LoadPeers: %v", err)
	}
	return pd
}

func loopbackPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	type acceptResult struct {
		conn net.Conn
		err  error
	}
	accepted := make(chan acceptResult, 1)
	go func() {
		c, err := ln.Accept()
		accepted <- acceptResult{c, err}
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	res := <-accepted
	if res.err != nil {
		t.Fatalf("Accept: %v", res.err)
	}
	return client, res.conn
}

func TestSessionHandshakeNoFiles(t *testing.T) {
	clientConn, serverConn := loopbackPair(t)
	defer clientConn.Close()
	defer serverConn.Close()

	originPeers := writePeerDirectory(t, 100, "test", 200, "secret")
	answerPeers := writePeerDirectory(t, 200, "test", 100, "secret")

	originFM := NewFileManager(t.TempDir(), t.TempDir())
	answerFM := NewFileManager(t.TempDir(), t.TempDir())

	originSession := NewSession(NewConnection(clientConn), SessionConfig{
		Role: RoleOriginator, Peers: originPeers, FileManager: originFM,
		TargetNode: 200, FrameDeadline: 2 * time.Second, SessionDeadline: 5 * time.Second,
	})
	answerSession := NewSession(NewConnection(serverConn), SessionConfig{
		Role: RoleAnswerer, Peers: answerPeers, FileManager: answerFM,
		FrameDeadline: 2 * time.Second, SessionDeadline: 5 * time.Second,
	})

	originErr := make(chan error, 1)
	answerErr := make(chan error, 1)
	go func() { originErr <- originSession.Run() }()
	go func() { answerErr <- answerSession.Run() }()

	if err := <-originErr; err != nil {
		t.Errorf("originator session failed: %v", err)
	}
	if err := <-answerErr; err != nil {
		t.Errorf("answerer session failed: %v", err)
	}
}

func TestSessionTransfersOneFile(t *testing.T) {
	clientConn, serverConn := loopbackPair(t)
	defer clientConn.Close()
	defer serverConn.Close()

	originPeers := writePeerDirectory(t, 100, "test", 200, "secret")
	answerPeers := writePeerDirectory(t, 200, "test", 100, "secret")

	originOut := t.TempDir()
	answerIn := t.TempDir()
	originFM := NewFileManager(originOut, t.TempDir())
	answerFM := NewFileManager(t.TempDir(), answerIn)

	content := []byte("hello from the originating node")
	if err := os.WriteFile(filepath.Join(originOut, "greeting.txt"), content, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	originSession := NewSession(NewConnection(clientConn), SessionConfig{
		Role: RoleOriginator, Peers: originPeers, FileManager: originFM,
		TargetNode: 200, FrameDeadline: 2 * time.Second, SessionDeadline: 5 * time.Second,
	})
	answerSession := NewSession(NewConnection(serverConn), SessionConfig{
		Role: RoleAnswerer, Peers: answerPeers, FileManager: answerFM,
		FrameDeadline: 2 * time.Second, SessionDeadline: 5 * time.Second,
	})

	originErr := make(chan error, 1)
	answerErr := make(chan error, 1)
	go func() { originErr <- originSession.Run() }()
	go func() { answerErr <- answerSession.Run() }()

	if err := <-originErr; err != nil {
		t.Fatalf("originator session failed: %v", err)
	}
	if err := <-answerErr; err != nil {
		t.Fatalf("answerer session failed: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(answerIn, "greeting.txt"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("received content = %q, want %q", got, content)
	}

	if _, err := os.Stat(filepath.Join(originOut, "greeting.txt")); !os.IsNotExist(err) {
		t.Error("sent file was not removed from the outbound spool after M_GOT")
	}

	if originSession.filesSent != 1 || answerSession.filesRecv != 1 {
		t.Errorf("filesSent=%d filesRecv=%d, want 1/1", originSession.filesSent, answerSession.filesRecv)
	}
}

func TestSessionPasswordMismatchFails(t *testing.T) {
	clientConn, serverConn := loopbackPair(t)
	defer clientConn.Close()
	defer serverConn.Close()

	originPeers := writePeerDirectory(t, 100, "test", 200, "wrong-secret")
	answerPeers := writePeerDirectory(t, 200, "test", 100, "expected-secret")

	originFM := NewFileManager(t.TempDir(), t.TempDir())
	answerFM := NewFileManager(t.TempDir(), t.TempDir())

	originSession := NewSession(NewConnection(clientConn), SessionConfig{
		Role: RoleOriginator, Peers: originPeers, FileManager: originFM,
		TargetNode: 200, FrameDeadline: 2 * time.Second, SessionDeadline: 5 * time.Second,
	})
	answerSession := NewSession(NewConnection(serverConn), SessionConfig{
		Role: RoleAnswerer, Peers: answerPeers, FileManager: answerFM,
		FrameDeadline: 2 * time.Second, SessionDeadline: 5 * time.Second,
	})

	originErr := make(chan error, 1)
	answerErr := make(chan error, 1)
	go func() { originErr <- originSession.Run() }()
	go func() { answerErr <- answerSession.Run() }()

	if err := <-answerErr; err == nil {
		t.Fatal("expected answerer session to fail on password mismatch")
	} else if _, ok := err.(*AuthError); !ok {
		t.Errorf("answerer error = %v (%T), want *AuthError", err, err)
	}

	if err := <-originErr; err == nil {
		t.Fatal("expected originator session to fail after receiving M_ERR")
	} else if _, ok := err.(*RemoteError); !ok {
		t.Errorf("originator error = %v (%T), want *RemoteError", err, err)
	}
}

// TestSessionRejectsMalformedFileAnnouncement drives the wire protocol by
// hand (plays scenario 6 from §8), in lockstep with a real
// answerer Session, to exercise a malformed inbound frame without needing
// a second full Session.
func TestSessionRejectsMalformedFileAnnouncement(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	answerPeers := writePeerDirectory(t, 200, "test", 100, "secret")
	answerFM := NewFileManager(t.TempDir(), t.TempDir())
	answerSession := NewSession(NewConnection(serverConn), SessionConfig{
		Role: RoleAnswerer, Peers: answerPeers, FileManager: answerFM,
		FrameDeadline: 2 * time.Second, SessionDeadline: 5 * time.Second,
	})

	answerErr := make(chan error, 1)
	go func() { answerErr <- answerSession.Run() }()

	peer := NewConnection(clientConn)
	deadline := func() time.Time { return time.Now().Add(2 * time.Second) }

	for i := 0; i < 5; i++ {
		if _, err := ReadFrame(peer, deadline()); err != nil {
			t.Fatalf("reading handshake frame %d: %v", i, err)
		}
	}

	if err := WriteCommandString(peer, deadline(), MAdr, "100@test"); err != nil {
		t.Fatalf("send M_ADR: %v", err)
	}
	if err := WriteCommandString(peer, deadline(), MPwd, "secret"); err != nil {
		t.Fatalf("send M_PWD: %v", err)
	}
	if _, err := ReadFrame(peer, deadline()); err != nil { // M_OK
		t.Fatalf("reading M_OK: %v", err)
	}
	if _, err := ReadFrame(peer, deadline()); err != nil { // M_EOB (answerer has no outbound files)
		t.Fatalf("reading M_EOB: %v", err)
	}

	if err := WriteCommandString(peer, deadline(), MFile, "onlyonefield"); err != nil {
		t.Fatalf("send malformed M_FILE: %v", err)
	}

	err := <-answerErr
	if err == nil {
		t.Fatal("expected session to fail on malformed M_FILE")
	}
	if _, ok := err.(*ProtocolError); !ok {
		t.Errorf("error = %v (%T), want *ProtocolError", err, err)
	}
}

// TestSessionSkipThenRetry plays scenario 3 from §8: the originator
// announces a file and streams it, the answerer replies M_SKIP instead of
// M_GOT, and the originator must leave that file out of its outbound spool
// bookkeeping as unsent (only a matching M_GOT marks it sent and removes
// it).
func TestSessionSkipThenRetry(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()

	originPeers := writePeerDirectory(t, 100, "test", 200, "secret")
	originOut := t.TempDir()
	originFM := NewFileManager(originOut, t.TempDir())

	content := []byte("0123456789ABCDEFG") // 17 bytes, not a multiple of chunkSize
	if err := os.WriteFile(filepath.Join(originOut, "big.bin"), content, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	originSession := NewSession(NewConnection(clientConn), SessionConfig{
		Role: RoleOriginator, Peers: originPeers, FileManager: originFM,
		TargetNode: 200, ChunkSize: 5, FrameDeadline: 2 * time.Second, SessionDeadline: 5 * time.Second,
	})

	originErr := make(chan error, 1)
	go func() { originErr <- originSession.Run() }()

	peer := NewConnection(serverConn)
	deadline := func() time.Time { return time.Now().Add(2 * time.Second) }

	for i := 0; i < 6; i++ { // M_NUL x4, M_ADR, M_PWD
		if _, err := ReadFrame(peer, deadline()); err != nil {
			t.Fatalf("reading handshake frame %d: %v", i, err)
		}
	}
	if err := WriteCommandString(peer, deadline(), MAdr, "200@test"); err != nil {
		t.Fatalf("send M_ADR: %v", err)
	}
	if err := WriteCommand(peer, deadline(), MOk, nil); err != nil {
		t.Fatalf("send M_OK: %v", err)
	}

	fileFrame, err := ReadFrame(peer, deadline())
	if err != nil {
		t.Fatalf("reading M_FILE: %v", err)
	}
	ann, err := ParseAnnouncement(string(fileFrame.Args))
	if err != nil {
		t.Fatalf("ParseAnnouncement: %v", err)
	}

	// Drain every data frame the originator streams for this file until it
	// gives up the floor with its own M_EOB; chunking means this may take
	// several frames, and draining to that deterministic signal (rather
	// than assuming an exact chunk count) keeps the test independent of
	// exactly how the session interleaves outbound streaming with its
	// control-frame poll.
	for {
		frame, err := ReadFrame(peer, deadline())
		if err != nil {
			t.Fatalf("reading frame before M_EOB: %v", err)
		}
		if frame.IsCommand {
			if frame.CommandID != MEob {
				t.Fatalf("expected M_EOB, got command 0x%02X", frame.CommandID)
			}
			break
		}
	}

	skip := FormatFileAnnouncement(ann.Name, ann.Size, ann.Mtime, 0, 0)
	if err := WriteCommandString(peer, deadline(), MSkip, skip); err != nil {
		t.Fatalf("send M_SKIP: %v", err)
	}
	if err := WriteCommand(peer, deadline(), MEob, nil); err != nil {
		t.Fatalf("send M_EOB: %v", err)
	}

	if err := <-originErr; err != nil {
		t.Fatalf("originator session failed: %v", err)
	}

	if originSession.filesSent != 0 {
		t.Errorf("filesSent = %d, want 0 (file was skipped, never acked)", originSession.filesSent)
	}
	if _, err := os.Stat(filepath.Join(originOut, "big.bin")); err != nil {
		t.Errorf("big.bin missing from outbound spool after skip: %v", err)
	}
}

// TestSessionResumeViaGet plays scenario 4 from §8: after a file has
// already been fully streamed once, the answerer sends M_GET at an earlier
// offset (as if resuming a partial copy kept from an earlier, interrupted
// session), and the originator must rewind and restream from that offset
// rather than treating the file as done.
func TestSessionResumeViaGet(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()

	originPeers := writePeerDirectory(t, 100, "test", 200, "secret")
	originOut := t.TempDir()
	originFM := NewFileManager(originOut, t.TempDir())

	content := []byte("ABCD")
	if err := os.WriteFile(filepath.Join(originOut, "c.dat"), content, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	originSession := NewSession(NewConnection(clientConn), SessionConfig{
		Role: RoleOriginator, Peers: originPeers, FileManager: originFM,
		TargetNode: 200, ChunkSize: 2, FrameDeadline: 2 * time.Second, SessionDeadline: 5 * time.Second,
	})

	originErr := make(chan error, 1)
	go func() { originErr <- originSession.Run() }()

	peer := NewConnection(serverConn)
	deadline := func() time.Time { return time.Now().Add(2 * time.Second) }

	for i := 0; i < 6; i++ { // M_NUL x4, M_ADR, M_PWD
		if _, err := ReadFrame(peer, deadline()); err != nil {
			t.Fatalf("reading handshake frame %d: %v", i, err)
		}
	}
	if err := WriteCommandString(peer, deadline(), MAdr, "200@test"); err != nil {
		t.Fatalf("send M_ADR: %v", err)
	}
	if err := WriteCommand(peer, deadline(), MOk, nil); err != nil {
		t.Fatalf("send M_OK: %v", err)
	}

	fileFrame, err := ReadFrame(peer, deadline())
	if err != nil {
		t.Fatalf("reading M_FILE: %v", err)
	}
	ann, err := ParseAnnouncement(string(fileFrame.Args))
	if err != nil {
		t.Fatalf("ParseAnnouncement: %v", err)
	}

	readChunk := func() []byte {
		frame, err := ReadFrame(peer, deadline())
		if err != nil {
			t.Fatalf("reading data frame: %v", err)
		}
		if frame.IsCommand {
			t.Fatalf("expected data frame, got command 0x%02X", frame.CommandID)
		}
		return frame.Payload
	}

	received := make([]byte, ann.Size)

	// Drain the originator's natural, un-resumed transfer all the way to
	// its own M_EOB before asking it to rewind; waiting for that
	// deterministic signal (rather than reading a fixed chunk count) keeps
	// this test independent of how many frames the chunked send produces.
	writeAt := int64(0)
	for writeAt < ann.Size {
		chunk := readChunk()
		copy(received[writeAt:], chunk)
		writeAt += int64(len(chunk))
	}
	if _, err := ReadFrame(peer, deadline()); err != nil { // origin's own M_EOB
		t.Fatalf("reading M_EOB: %v", err)
	}

	// The answerer already holds the first byte of c.dat from an earlier,
	// interrupted session and asks the originator to resume from there,
	// even though (from the originator's point of view) the transfer had
	// already finished naturally and it had already sent its own M_EOB.
	get := FormatFileAnnouncement(ann.Name, ann.Size, ann.Mtime, 1, 0)
	if err := WriteCommandString(peer, deadline(), MGet, get); err != nil {
		t.Fatalf("send M_GET: %v", err)
	}

	writeAt = 1
	for writeAt < ann.Size {
		chunk := readChunk()
		copy(received[writeAt:], chunk)
		writeAt += int64(len(chunk))
	}

	got := FormatGotAnnouncement(ann.Name, ann.Size, ann.Mtime)
	if err := WriteCommandString(peer, deadline(), MGot, got); err != nil {
		t.Fatalf("send M_GOT: %v", err)
	}
	if err := WriteCommand(peer, deadline(), MEob, nil); err != nil {
		t.Fatalf("send M_EOB: %v", err)
	}

	if err := <-originErr; err != nil {
		t.Fatalf("originator session failed: %v", err)
	}

	if string(received) != string(content) {
		t.Errorf("reassembled content (post-resume bytes) = %q, want %q", received, content)
	}
	if originSession.filesSent != 1 {
		t.Errorf("filesSent = %d, want 1", originSession.filesSent)
	}
	if _, err := os.Stat(filepath.Join(originOut, "c.dat")); !os.IsNotExist(err) {
		t.Error("c.dat was not removed from the outbound spool after M_GOT")
	}
}
