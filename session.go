package thinclient

import (
	"bytes"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const maxFrameSize = 64 * 1024 * 1024

// sessionState is the per-session lifecycle of Connecting ->
// Handshaking -> Ready -> Closed.
type sessionState int32

const (
	sessionConnecting sessionState = iota
	sessionHandshaking
	sessionReady
	sessionClosed
)

// sessionEvents is the typed callback interface a session uses to reach
// back into the router without holding a direct pointer to the Client
// type, avoiding a cyclic dependency between the two.
type sessionEvents interface {
	onTopologyChanged(v AffinityTopologyVersion)
	onSessionLost(s *nodeSession)
}

// pendingRequest is the continuation for one outstanding request, keyed by
// request id.
type pendingRequest struct {
	reader func([]byte) error
	result chan error
}

// nodeSession is one TCP (or TLS) connection to a cluster node.
// Reads run on a dedicated pump goroutine; writes are serialized by
// writeMu. Multiple outstanding requests are correlated by request id with
// no ordering guarantee between them.
type nodeSession struct {
	endpoint Endpoint
	conn     net.Conn
	cfg      *Config
	events   sessionEvents
	metrics  *metrics

	state int32 // sessionState, accessed atomically

	nodeID   *uuid.UUID
	reqSeq   int64
	writeMu  sync.Mutex

	mu      sync.Mutex
	pending map[int64]*pendingRequest

	closeOnce sync.Once
	closedCh  chan struct{}
}

func newNodeSession(endpoint Endpoint, cfg *Config, events sessionEvents, m *metrics) *nodeSession {
	return &nodeSession{
		endpoint: endpoint,
		cfg:      cfg,
		events:   events,
		metrics:  m,
		pending:  make(map[int64]*pendingRequest),
		closedCh: make(chan struct{}),
		state:    int32(sessionConnecting),
	}
}

// connect opens the socket and performs the handshake. On success
// the session is Ready and its read pump is running; the caller is expected
// to register it with the connection pool.
func (s *nodeSession) connect() error {
	dialer := net.Dialer{Timeout: s.cfg.handshakeTimeout()}
	conn, err := dialer.Dial("tcp", string(s.endpoint))
	if err != nil {
		return wrapErr(KindConnectionFailed, err, "dial %s", s.endpoint)
	}
	if s.cfg.UseTLS {
		tlsCfg := s.cfg.TLSConfig
		if tlsCfg == nil {
			tlsCfg = &tls.Config{}
		}
		conn = tls.Client(conn, tlsCfg)
	}
	s.conn = conn
	atomic.StoreInt32(&s.state, int32(sessionHandshaking))

	if err := s.handshake(); err != nil {
		conn.Close()
		return err
	}

	atomic.StoreInt32(&s.state, int32(sessionReady))
	go s.readLoop()
	return nil
}

func (s *nodeSession) handshake() error {
	_ = s.conn.SetDeadline(time.Now().Add(s.cfg.handshakeTimeout()))
	defer s.conn.SetDeadline(time.Time{})

	ver := protocolVersion{major: 1, minor: 0, patch: 0}
	body := buildHandshakeRequest(ver, s.cfg)
	frame := buildHandshakeFrame(body)
	if _, err := s.conn.Write(frame); err != nil {
		return wrapErr(KindConnectionFailed, err, "write handshake")
	}

	length, err := readFrameLength(s.conn)
	if err != nil {
		return wrapErr(KindConnectionFailed, err, "read handshake length")
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(s.conn, payload); err != nil {
		return wrapErr(KindConnectionFailed, err, "read handshake body")
	}

	result, err := parseHandshakeReply(payload)
	if err != nil {
		var perr *Error
		if ok := asError(err, &perr); ok {
			return perr
		}
		return wrapErr(KindHandshakeFailed, err, "parse handshake reply")
	}
	s.nodeID = result.nodeID
	return nil
}

func asError(err error, target **Error) bool {
	if e, ok := err.(*Error); ok {
		*target = e
		return true
	}
	return false
}

// sendRequest assigns a fresh id, writes the frame, registers a pending
// slot, blocks until the response arrives (or the session dies), and runs
// reader over the response body.
func (s *nodeSession) sendRequest(opCode int16, writer func(*bytes.Buffer) error, reader func([]byte) error) error {
	if sessionState(atomic.LoadInt32(&s.state)) != sessionReady {
		return wrapErr(KindLostConnection, nil, "session to %s is not ready", s.endpoint)
	}

	buf := new(bytes.Buffer)
	if writer != nil {
		if err := writer(buf); err != nil {
			return wrapErr(KindSerialization, err, "encode request body")
		}
	}

	id := atomic.AddInt64(&s.reqSeq, 1)
	pr := &pendingRequest{reader: reader, result: make(chan error, 1)}

	s.mu.Lock()
	s.pending[id] = pr
	s.mu.Unlock()

	frame := buildRequestFrame(opCode, id, buf.Bytes())

	s.writeMu.Lock()
	_, err := s.conn.Write(frame)
	s.writeMu.Unlock()
	if err != nil {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		s.fail(err)
		return wrapErr(KindLostConnection, err, "write request to %s", s.endpoint)
	}

	select {
	case err := <-pr.result:
		return err
	case <-s.closedCh:
		return wrapErr(KindLostConnection, nil, "session to %s closed while request %d outstanding", s.endpoint, id)
	}
}

// readLoop is the dedicated read pump. It parses frames, forwards
// topology-change notifications to the router before delivering the
// paired response body, and resolves pending requests by id.
func (s *nodeSession) readLoop() {
	for {
		length, err := readFrameLength(s.conn)
		if err != nil {
			s.fail(err)
			return
		}
		if length < 0 || length > maxFrameSize {
			s.fail(errFrameTooLarge)
			return
		}
		payload := make([]byte, length)
		if _, err := io.ReadFull(s.conn, payload); err != nil {
			s.fail(err)
			return
		}

		header, rest, err := parseResponseHeader(payload)
		if err != nil {
			s.fail(err)
			return
		}

		if header.topologyChanged {
			s.events.onTopologyChanged(header.topologyVersion)
		}

		s.mu.Lock()
		pr, ok := s.pending[header.requestID]
		delete(s.pending, header.requestID)
		s.mu.Unlock()
		if !ok {
			continue
		}

		if header.status != 0 {
			msg := string(rest)
			pr.result <- OperationError(header.status, msg)
			continue
		}
		if pr.reader != nil {
			if err := pr.reader(rest); err != nil {
				pr.result <- wrapErr(KindSerialization, err, "decode response body")
				continue
			}
		}
		pr.result <- nil
	}
}

// fail tears the session down and resolves every pending slot with
// LostConnection. It is triggered by an unrecoverable I/O error rather
// than an explicit disconnect() call.
func (s *nodeSession) fail(cause error) {
	s.closeOnce.Do(func() {
		atomic.StoreInt32(&s.state, int32(sessionClosed))
		if s.conn != nil {
			s.conn.Close()
		}
		close(s.closedCh)

		s.mu.Lock()
		pending := s.pending
		s.pending = make(map[int64]*pendingRequest)
		s.mu.Unlock()
		for _, pr := range pending {
			pr.result <- wrapErr(KindLostConnection, cause, "session to %s lost", s.endpoint)
		}

		if s.metrics != nil {
			s.metrics.sessionsLive.Dec()
		}
		s.events.onSessionLost(s)
	})
}

// disconnect is the explicit cancellation primitive: it causes every
// pending sendRequest to resolve with LostConnection without notifying
// events (the caller already knows).
func (s *nodeSession) disconnect() {
	s.closeOnce.Do(func() {
		atomic.StoreInt32(&s.state, int32(sessionClosed))
		if s.conn != nil {
			s.conn.Close()
		}
		close(s.closedCh)

		s.mu.Lock()
		pending := s.pending
		s.pending = make(map[int64]*pendingRequest)
		s.mu.Unlock()
		for _, pr := range pending {
			pr.result <- wrapErr(KindLostConnection, nil, "session to %s disconnected", s.endpoint)
		}
		if s.metrics != nil {
			s.metrics.sessionsLive.Dec()
		}
	})
}

func readFrameLength(r io.Reader) (int32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(b[:])), nil
}

func (s *nodeSession) String() string {
	id := "legacy"
	if s.nodeID != nil {
		id = s.nodeID.String()
	}
	return fmt.Sprintf("session(%s, node=%s)", s.endpoint, id)
}
