package binkp

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/wwiv/binkp/internal/config"
	"github.com/wwiv/binkp/internal/domain"
	"github.com/wwiv/binkp/internal/logging"
)

// Role distinguishes the side that dialed the TCP connection from the
// side that accepted it; they differ only during the password/M_OK
// exchange (§4.F).
type Role int

const (
	RoleOriginator Role = iota
	RoleAnswerer
)

// Outcome is the terminal state a session finished in.
type Outcome int

const (
	OutcomePending Outcome = iota
	OutcomeDone
	OutcomeFailed
)

// HistoryRecorder receives completed-session and per-file records for the
// optional transfer history store (§11.2). Implementations must not
// block the session or propagate errors back into it.
type HistoryRecorder interface {
	RecordSession(peerNode int, role string, start, end time.Time, filesSent, filesRecv int, bytesSent, bytesRecv int64, outcome string)
	RecordFile(peerNode int, direction, name string, size int64, crc uint32, duration time.Duration)
}

// outboundEntry tracks one outbound file through announcement, in-flight
// streaming, and acknowledgement. The outbound queue plus this single
// pending map is the sole source of truth for "what is owned by this
// session" (§9: no duplicate bookkeeping maps).
type outboundEntry struct {
	file   TransferFile
	size   int64
	mtime  int64
	offset int64
	crc    uint32
	announcedAt time.Time
}

// SessionConfig bundles everything a Session needs beyond the raw connection.
type SessionConfig struct {
	Role          Role
	Peers         *config.PeerDirectory
	FileManager   *FileManager
	ChunkSize     int           // defaults to ChunkSize if zero
	FrameDeadline time.Duration // per-frame read/write deadline
	SessionDeadline time.Duration // overall wall-clock budget
	TargetNode    int           // originator only: the node we dialed
	PeerHost      string        // originator only: host we dialed, for logging (§11.3)
	History       HistoryRecorder // optional
}

// Session drives one BinkP exchange to completion over conn.
type Session struct {
	conn Connection
	cfg  SessionConfig

	chunkSize     int
	frameDeadline time.Duration

	remoteNode        int
	remoteAddressList string
	inFlightRecvStart time.Time

	outboundQueue []*outboundEntry
	resendQueue   []*outboundEntry // entries an M_GET targeted while another file was in flight (§9)
	pending       map[string]*outboundEntry // name -> announced, awaiting M_GOT
	inFlightSend  *outboundEntry
	inFlightRecv  *InboundSink

	eobSent     bool
	eobReceived bool

	filesSent, filesRecv int
	bytesSent, bytesRecv int64

	outcome Outcome
	err     error
}

// NewSession constructs a Session ready to Run.
func NewSession(conn Connection, cfg SessionConfig) *Session {
	chunkSize := cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = ChunkSize
	}
	frameDeadline := cfg.FrameDeadline
	if frameDeadline <= 0 {
		frameDeadline = 5 * time.Second
	}
	return &Session{
		conn:          conn,
		cfg:           cfg,
		chunkSize:     chunkSize,
		frameDeadline: frameDeadline,
		pending:       make(map[string]*outboundEntry),
	}
}

// Outcome reports how the session finished. Only meaningful after Run
// returns.
func (s *Session) Outcome() Outcome { return s.outcome }

// Run drives the full handshake, exchange, and teardown sequence. The
// returned error, if any, classifies the failure per §7; a nil error
// means Done.
func (s *Session) Run() error {
	start := time.Now()
	sessionDeadline := start.Add(s.cfg.SessionDeadline)
	if s.cfg.SessionDeadline <= 0 {
		sessionDeadline = start.Add(10 * time.Minute)
	}

	err := s.run(sessionDeadline)
	if err != nil {
		s.outcome = OutcomeFailed
		s.err = err
		s.sendErrIfPossible(err)
		s.conn.Close()
		s.recordHistory(start, time.Now(), "failed")
		logging.WithError(err).Warn().Msg("binkp: session failed")
		return err
	}

	s.outcome = OutcomeDone
	s.gracefulClose()
	s.recordHistory(start, time.Now(), "done")
	s.logSummary()
	return nil
}

func (s *Session) run(sessionDeadline time.Time) error {
	s.connInit()

	if err := s.waitConn(); err != nil {
		return err
	}

	if s.cfg.Role == RoleOriginator {
		if err := s.sendPasswd(); err != nil {
			return err
		}
	}

	if err := s.waitAddr(); err != nil {
		return err
	}

	if err := s.authRemote(); err != nil {
		return err
	}

	if s.cfg.Role == RoleOriginator {
		if _, err := s.waitForCommand(s.deadline(), MOk); err != nil {
			return classifyHandshakeErr(err, "originator never received M_OK")
		}
	}

	files, err := s.cfg.FileManager.ListOutbound(s.remoteNode)
	if err != nil {
		return err
	}
	for _, f := range files {
		s.outboundQueue = append(s.outboundQueue, &outboundEntry{file: f})
	}

	return s.transferFiles(sessionDeadline)
}

func (s *Session) deadline() time.Time { return time.Now().Add(s.frameDeadline) }

// connInit drains any already-buffered frames on the connection with a
// short timeout; a timeout here is expected and ignored (§4.F state 1).
func (s *Session) connInit() {
	deadline := time.Now().Add(200 * time.Millisecond)
	for {
		if _, err := ReadFrame(s.conn, deadline); err != nil {
			return
		}
	}
}

// waitConn sends identifying M_NUL frames and our address advertisement
// (§4.F state 2).
func (s *Session) waitConn() error {
	local := s.cfg.Peers.Local
	nuls := []struct{ key, value string }{
		{"SYS", local.SystemName},
		{"ZYZ", local.SysopName},
		{"VER", local.VersionString},
		{"LOC", "unknown"},
	}
	for _, n := range nuls {
		if err := WriteCommandString(s.conn, s.deadline(), MNul, n.key+" "+n.value); err != nil {
			return err
		}
	}
	if err := WriteCommandString(s.conn, s.deadline(), MAdr, s.cfg.Peers.LocalAddressLine()); err != nil {
		return err
	}
	return nil
}

// sendPasswd sends M_PWD with the configured password for the intended
// peer, or "-" if none (§4.F state 3, originator only).
func (s *Session) sendPasswd() error {
	password := s.cfg.Peers.ExpectedPasswordFor(s.cfg.TargetNode)
	return WriteCommandString(s.conn, s.deadline(), MPwd, password)
}

// waitAddr reads frames until M_ADR arrives (§4.F state 4).
func (s *Session) waitAddr() error {
	args, err := s.waitForCommand(s.deadline(), MAdr)
	if err != nil {
		return err
	}
	s.remoteAddressList = string(args)
	return nil
}

// authRemote resolves the peer's declared node and, on the answerer side,
// verifies the session password (§4.F state 5).
func (s *Session) authRemote() error {
	declaredNode, ok := config.NodeFromAddressList(s.remoteAddressList, s.cfg.Peers.Local.NetworkName)
	if !ok {
		return s.protocolFail("peer did not advertise an address in network %q", s.cfg.Peers.Local.NetworkName)
	}

	if s.cfg.Role == RoleOriginator {
		if declaredNode != s.cfg.TargetNode {
			return s.protocolFail("peer declared node %d, expected %d", declaredNode, s.cfg.TargetNode)
		}
		s.remoteNode = declaredNode
		return nil
	}

	// Answerer: node must have a configured peer entry (used to verify
	// the password even though inbound calls don't require an outbound
	// entry to exist for any other purpose).
	if _, ok := s.cfg.Peers.NodeConfigFor(declaredNode); !ok {
		return s.protocolFail("no peer configuration for declared node %d", declaredNode)
	}

	pwdArgs, err := s.waitForCommand(s.deadline(), MPwd)
	if err != nil {
		return err
	}
	expected := s.cfg.Peers.ExpectedPasswordFor(declaredNode)
	if string(pwdArgs) != expected {
		_ = WriteCommandString(s.conn, s.deadline(), MErr, "password mismatch")
		return &AuthError{Reason: fmt.Sprintf("password mismatch for node %d", declaredNode)}
	}

	if err := WriteCommand(s.conn, s.deadline(), MOk, nil); err != nil {
		return err
	}
	s.remoteNode = declaredNode
	return nil
}

func (s *Session) protocolFail(format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	_ = WriteCommandString(s.conn, s.deadline(), MErr, msg)
	return newProtocolError(msg, "")
}

// waitForCommand reads frames, tolerating and logging unrelated command
// ids (§3: "other ids must be tolerated and logged, never fatal"), until
// `want` arrives, or M_ERR/M_BSY terminates the session, or the deadline
// elapses.
func (s *Session) waitForCommand(deadline time.Time, want byte) ([]byte, error) {
	for {
		frame, err := ReadFrame(s.conn, deadline)
		if err != nil {
			return nil, err
		}
		if !frame.IsCommand {
			return nil, newProtocolError("unexpected data frame before M_ADR/handshake completed", "")
		}
		switch frame.CommandID {
		case want:
			return frame.Args, nil
		case MErr:
			return nil, &RemoteError{Message: string(frame.Args)}
		case MBsy:
			return nil, &RemoteError{Busy: true, Message: string(frame.Args)}
		case MNul:
			key, value, _ := strings.Cut(string(frame.Args), " ")
			logging.Debugf("binkp: peer info %s=%s", key, value)
		default:
			logging.Debugf("binkp: ignoring %s while waiting for %s", commandName(frame.CommandID), commandName(want))
		}
	}
}

func classifyHandshakeErr(err error, authMsg string) error {
	if IsTimeout(err) || IsClosed(err) {
		return &AuthError{Reason: authMsg}
	}
	return err
}

// transferFiles is the duplex exchange loop (§4.F "TransferFiles loop").
func (s *Session) transferFiles(sessionDeadline time.Time) error {
	for {
		if time.Now().After(sessionDeadline) {
			return newConnError("session", "timeout", fmt.Errorf("session deadline of %v exceeded", s.cfg.SessionDeadline))
		}

		if s.sessionComplete() {
			return nil
		}

		if err := s.maybeResumeOrAnnounceNext(); err != nil {
			return err
		}
		if err := s.maybeStreamChunk(); err != nil {
			return err
		}
		if err := s.maybeSendEOB(); err != nil {
			return err
		}

		// While a file is actively streaming, don't let the control-frame
		// poll throttle outbound throughput to one chunk per 200ms: poll
		// with a short header deadline instead. ReadFrameDeadlines still
		// waits out a full frame deadline to read the body once a frame
		// has actually started arriving, so this can't truncate an
		// in-progress inbound frame, only how long we wait for one to start.
		headerWait := 200 * time.Millisecond
		if s.inFlightSend != nil {
			headerWait = 20 * time.Millisecond
		}
		frame, err := ReadFrameDeadlines(s.conn, time.Now().Add(headerWait), s.deadline())
		if err != nil {
			if IsTimeout(err) {
				continue
			}
			return err
		}
		if err := s.dispatch(frame); err != nil {
			return err
		}
	}
}

func (s *Session) sessionComplete() bool {
	return s.eobSent && s.eobReceived && len(s.outboundQueue) == 0 && len(s.pending) == 0 && s.inFlightRecv == nil
}

// maybeResumeOrAnnounceNext promotes a queued M_GET resume ahead of
// announcing a brand new file: the peer already knows about a resend
// candidate, so it takes priority over starting something it hasn't
// asked for yet.
func (s *Session) maybeResumeOrAnnounceNext() error {
	if s.inFlightSend != nil {
		return nil
	}
	if len(s.resendQueue) > 0 {
		s.inFlightSend = s.resendQueue[0]
		s.resendQueue = s.resendQueue[1:]
		return nil
	}
	return s.maybeAnnounceNext()
}

func (s *Session) maybeAnnounceNext() error {
	if s.inFlightSend != nil || len(s.outboundQueue) == 0 || s.eobSent {
		return nil
	}
	entry := s.outboundQueue[0]
	s.outboundQueue = s.outboundQueue[1:]

	size, err := entry.file.Size()
	if err != nil {
		return err
	}
	mtime, err := entry.file.Mtime()
	if err != nil {
		return err
	}
	entry.size = size
	entry.mtime = mtime
	entry.offset = 0
	entry.crc = entry.file.CRC32()
	entry.announcedAt = time.Now()

	ann := FormatFileAnnouncement(entry.file.Name(), size, mtime, 0, entry.crc)
	if err := WriteCommandString(s.conn, s.deadline(), MFile, ann); err != nil {
		return err
	}

	s.pending[entry.file.Name()] = entry
	s.inFlightSend = entry
	return nil
}

func (s *Session) maybeStreamChunk() error {
	entry := s.inFlightSend
	if entry == nil {
		return nil
	}
	remaining := entry.size - entry.offset
	if remaining > 0 {
		n := int64(s.chunkSize)
		if n > remaining {
			n = remaining
		}
		chunk, err := entry.file.GetChunk(entry.offset, n)
		if err != nil {
			return err
		}
		if err := WriteData(s.conn, s.deadline(), chunk); err != nil {
			return err
		}
		entry.offset += n
		s.bytesSent += n
	}
	if entry.offset >= entry.size {
		// Stop streaming but keep the bookkeeping entry pending until
		// M_GOT/M_SKIP/M_GET arrives; it stays in s.pending.
		s.inFlightSend = nil
	}
	return nil
}

func (s *Session) maybeSendEOB() error {
	if s.inFlightSend != nil || len(s.outboundQueue) != 0 || s.eobSent {
		return nil
	}
	if err := WriteCommand(s.conn, s.deadline(), MEob, nil); err != nil {
		return err
	}
	s.eobSent = true
	return nil
}

func (s *Session) dispatch(frame Frame) error {
	if !frame.IsCommand {
		return s.dispatchData(frame.Payload)
	}

	switch frame.CommandID {
	case MFile:
		return s.dispatchFile(frame.Args)
	case MGot:
		return s.dispatchGot(frame.Args)
	case MGet:
		return s.dispatchGet(frame.Args)
	case MSkip:
		return s.dispatchSkip(frame.Args)
	case MEob:
		s.eobReceived = true
		return nil
	case MErr:
		return &RemoteError{Message: string(frame.Args)}
	case MBsy:
		return &RemoteError{Busy: true, Message: string(frame.Args)}
	case MNul, MAdr:
		// informational during exchange; logged only at debug level
		logging.Debugf("binkp: ignoring %s %q during exchange", commandName(frame.CommandID), frame.Args)
		return nil
	default:
		logging.Debugf("binkp: ignoring unknown command id 0x%02X during exchange", frame.CommandID)
		return nil
	}
}

func (s *Session) dispatchFile(args []byte) error {
	if s.inFlightRecv != nil {
		return newProtocolError("M_FILE received while another inbound file is still open", string(args))
	}
	ann, err := ParseAnnouncement(string(args))
	if err != nil {
		return err
	}
	sink, err := s.cfg.FileManager.OpenInbound(s.remoteNode, ann.Name, ann.Size, ann.Mtime)
	if err != nil {
		return err
	}
	s.inFlightRecv = sink
	s.inFlightRecvStart = time.Now()
	return nil
}

func (s *Session) dispatchData(payload []byte) error {
	sink := s.inFlightRecv
	if sink == nil {
		return newProtocolError("data frame received with no announced inbound file", "")
	}
	if sink.BytesWritten()+int64(len(payload)) > sink.AnnouncedSize() {
		return newProtocolError("inbound file exceeded announced size", sink.file.name)
	}
	if err := sink.Append(payload); err != nil {
		return err
	}
	if sink.BytesWritten() == sink.AnnouncedSize() {
		path, err := s.cfg.FileManager.CommitInbound(sink, true)
		if err != nil {
			return err
		}
		s.inFlightRecv = nil
		s.filesRecv++
		s.bytesRecv += sink.BytesWritten()
		if s.cfg.History != nil {
			s.cfg.History.RecordFile(s.remoteNode, "recv", sink.announcedName, sink.announcedSize, 0, time.Since(s.inFlightRecvStart))
		}
		logging.Debugf("binkp: committed inbound file %s -> %s", sink.announcedName, path)
		got := FormatGotAnnouncement(sink.announcedName, sink.announcedSize, sink.announcedMtime)
		return WriteCommandString(s.conn, s.deadline(), MGot, got)
	}
	return nil
}

func (s *Session) dispatchGot(args []byte) error {
	ann, err := ParseGotAnnouncement(string(args))
	if err != nil {
		logging.Warnf("binkp: ignoring malformed M_GOT: %v", err)
		return nil
	}
	entry, ok := s.pending[ann.Name]
	if !ok {
		logging.Warnf("binkp: M_GOT for unknown/already-acked file %q, ignoring", ann.Name)
		return nil
	}
	if err := s.cfg.FileManager.MarkOutboundSent(entry.file.Name()); err != nil {
		return err
	}
	s.removeFromResendQueue(ann.Name)
	delete(s.pending, ann.Name)
	s.filesSent++
	if s.cfg.History != nil {
		s.cfg.History.RecordFile(s.remoteNode, "send", entry.file.Name(), entry.size, entry.crc, time.Since(entry.announcedAt))
	}
	return nil
}

func (s *Session) dispatchGet(args []byte) error {
	ann, err := ParseAnnouncement(string(args))
	if err != nil {
		return err
	}
	entry, ok := s.pending[ann.Name]
	if !ok || ann.Offset > entry.size {
		skip := FormatFileAnnouncement(ann.Name, ann.Size, ann.Mtime, ann.Offset, 0)
		return WriteCommandString(s.conn, s.deadline(), MSkip, skip)
	}
	entry.offset = ann.Offset
	if s.inFlightSend == nil || s.inFlightSend == entry {
		s.inFlightSend = entry
		return nil
	}
	// Another file is already streaming; queue the resume rather than
	// stealing inFlightSend out from under it and stranding its progress.
	for _, queued := range s.resendQueue {
		if queued == entry {
			return nil // offset already updated above
		}
	}
	s.resendQueue = append(s.resendQueue, entry)
	return nil
}

func (s *Session) dispatchSkip(args []byte) error {
	ann, err := ParseAnnouncement(string(args))
	if err != nil {
		logging.Warnf("binkp: ignoring malformed M_SKIP: %v", err)
		return nil
	}
	if s.inFlightSend != nil && s.inFlightSend.file.Name() == ann.Name {
		s.inFlightSend = nil
	}
	s.removeFromResendQueue(ann.Name)
	delete(s.pending, ann.Name)
	return nil
}

// removeFromResendQueue drops any queued resume for name. Needed because
// M_SKIP/M_GOT can remove a pending entry from s.pending while it is still
// sitting in the resend queue awaiting its turn.
func (s *Session) removeFromResendQueue(name string) {
	for i, e := range s.resendQueue {
		if e.file.Name() == name {
			s.resendQueue = append(s.resendQueue[:i], s.resendQueue[i+1:]...)
			return
		}
	}
}

func (s *Session) sendErrIfPossible(err error) {
	if !s.conn.IsOpen() {
		return
	}
	if _, remote := err.(*RemoteError); remote {
		return // peer already sent M_ERR/M_BSY; nothing to echo back
	}
	_ = WriteCommandString(s.conn, time.Now().Add(2*time.Second), MErr, err.Error())
}

// gracefulClose performs the shutdown sequence from the original
// implementation's closetcp(): half-close the write side so the peer
// sees a clean FIN instead of an RST, drain trailing bytes briefly, then
// close fully (§12).
func (s *Session) gracefulClose() {
	if tcp, ok := s.conn.Underlying().(*net.TCPConn); ok {
		if err := tcp.CloseWrite(); err == nil {
			buf := make([]byte, 1024)
			deadline := time.Now().Add(500 * time.Millisecond)
			for {
				tcp.SetReadDeadline(deadline)
				if _, err := tcp.Read(buf); err != nil {
					break
				}
			}
		}
	}
	s.conn.Close()
}

func (s *Session) recordHistory(start, end time.Time, outcome string) {
	if s.cfg.History == nil {
		return
	}
	role := "originator"
	if s.cfg.Role == RoleAnswerer {
		role = "answerer"
	}
	s.cfg.History.RecordSession(s.remoteNode, role, start, end, s.filesSent, s.filesRecv, s.bytesSent, s.bytesRecv, outcome)
}

func (s *Session) logSummary() {
	logging.Infof("binkp: session with node %d (%s) done: sent %d file(s)/%d bytes, received %d file(s)/%d bytes",
		s.remoteNode, summaryHost(s.cfg.PeerHost), s.filesSent, s.bytesSent, s.filesRecv, s.bytesRecv)
}

// summaryHost reduces the dialed host (originator only; empty for
// inbound sessions) to its registrable domain for the summary log line,
// falling back to the raw host when it isn't a real domain.
func summaryHost(host string) string {
	if host == "" {
		return "inbound"
	}
	if d := domain.ExtractRegistrableDomain(host); d != "" {
		return d
	}
	return host
}
