package thinclient

import (
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeSession(endpoint Endpoint, nodeID *uuid.UUID) *nodeSession {
	return &nodeSession{
		endpoint: endpoint,
		nodeID:   nodeID,
		pending:  make(map[int64]*pendingRequest),
		closedCh: make(chan struct{}),
		state:    int32(sessionReady),
	}
}

func TestConnectionPoolAddSessionTracksByNodeID(t *testing.T) {
	p := newConnectionPool([]Endpoint{"a:1", "b:2"}, true, nil)
	id := uuid.New()
	s := fakeSession("a:1", &id)

	p.addSession(s)

	got, ok := p.sessionForNode(id)
	assert.True(t, ok)
	assert.Same(t, s, got)
	assert.Len(t, p.allSessions(), 1)
}

func TestConnectionPoolLegacySessionAtMostOne(t *testing.T) {
	p := newConnectionPool([]Endpoint{"a:1", "b:2"}, true, nil)
	first := fakeSession("a:1", nil)
	second := fakeSession("b:2", nil)

	p.addSession(first)
	p.addSession(second)

	assert.Len(t, p.allSessions(), 1, "only one legacy session may exist at a time")
	assert.Same(t, second, p.allSessions()[0])
}

// TestConnectionPoolAddSessionIdempotentByNodeID verifies that adding a
// session with a NodeID already present closes the older session and leaves
// the map size unchanged.
func TestConnectionPoolAddSessionIdempotentByNodeID(t *testing.T) {
	p := newConnectionPool([]Endpoint{"a:1"}, true, nil)
	id := uuid.New()
	first := fakeSession("a:1", &id)
	second := fakeSession("a:1", &id)

	p.addSession(first)
	p.addSession(second)

	assert.Len(t, p.allSessions(), 1, "a NodeID appears at most once in the pool")
	assert.Same(t, second, p.allSessions()[0])
	assert.Equal(t, int32(sessionClosed), atomic.LoadInt32(&first.state), "the older session must be closed")
}

// TestConnectionPoolPartitionAwarenessActiveInvariant checks that after any
// addSession/removeSession, the flag equals allowed && live sessions >= 2.
func TestConnectionPoolPartitionAwarenessActiveInvariant(t *testing.T) {
	p := newConnectionPool([]Endpoint{"a:1", "b:2", "c:3"}, true, nil)
	assert.False(t, p.isPartitionAwarenessActive())

	s1 := fakeSession("a:1", uuidPtr())
	p.addSession(s1)
	assert.False(t, p.isPartitionAwarenessActive(), "one session is not enough")

	s2 := fakeSession("b:2", uuidPtr())
	p.addSession(s2)
	assert.True(t, p.isPartitionAwarenessActive())

	p.removeSession(s1)
	assert.False(t, p.isPartitionAwarenessActive())
}

func TestConnectionPoolPartitionAwarenessDisallowedNeverActive(t *testing.T) {
	p := newConnectionPool([]Endpoint{"a:1", "b:2"}, false, nil)
	p.addSession(fakeSession("a:1", uuidPtr()))
	p.addSession(fakeSession("b:2", uuidPtr()))
	assert.False(t, p.isPartitionAwarenessActive(), "partition awareness was not requested in configuration")
}

func TestConnectionPoolRemoveSessionRestoresInactive(t *testing.T) {
	p := newConnectionPool([]Endpoint{"a:1"}, true, nil)
	s := fakeSession("a:1", uuidPtr())
	p.addSession(s)
	assert.NotContains(t, p.snapshotInactive(), Endpoint("a:1"))

	p.removeSession(s)
	assert.Contains(t, p.snapshotInactive(), Endpoint("a:1"), "the endpoint returns to inactive")
}

func TestConnectionPoolRandomSessionErrorsWhenEmpty(t *testing.T) {
	p := newConnectionPool(nil, true, nil)
	_, err := p.randomSession()
	require.Error(t, err)
	assertKind(t, err, KindLostConnection)
}

func TestConnectionPoolBackgroundConnectSkipsBackedOffEndpoint(t *testing.T) {
	p := newConnectionPool([]Endpoint{"a:1"}, true, nil)
	p.recordFailure("a:1")

	var attempts int32
	p.runBackgroundConnect(func(e Endpoint) (*nodeSession, error) {
		atomic.AddInt32(&attempts, 1)
		return nil, assertErr
	}, func() bool { return true })

	assert.Equal(t, int32(0), atomic.LoadInt32(&attempts), "a freshly-failed endpoint must respect its backoff window")
}

func TestConnectionPoolBackgroundConnectStopsWhenDisconnected(t *testing.T) {
	p := newConnectionPool([]Endpoint{"a:1", "b:2"}, true, nil)

	var attempts int32
	p.runBackgroundConnect(func(e Endpoint) (*nodeSession, error) {
		atomic.AddInt32(&attempts, 1)
		return nil, assertErr
	}, func() bool { return false })

	assert.Equal(t, int32(0), atomic.LoadInt32(&attempts), "must check stillConnected before every attempt")
}

func uuidPtr() *uuid.UUID {
	id := uuid.New()
	return &id
}

var assertErr = newErr(KindConnectionFailed, "dial failed")

func assertKind(t *testing.T, err error, kind ErrKind) {
	t.Helper()
	e, ok := err.(*Error)
	require.True(t, ok, "expected *thinclient.Error, got %T", err)
	assert.Equal(t, kind, e.Kind)
}
