package thinclient

import (
	"log"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	backgroundConnectKey = "connect"

	backoffBase = 250 * time.Millisecond
	backoffMax  = 30 * time.Second
)

// connectionPool tracks the set of live sessions keyed by NodeID, plus at
// most one legacy session, and the endpoints currently believed inactive.
// All mutation happens under mu; besides Client.Send's callers, the
// background connector, the reconnect sweep and the session read pumps
// (through Client.onSessionLost) touch it.
type connectionPool struct {
	mu sync.Mutex

	byNode map[NodeID]*nodeSession
	legacy *nodeSession

	inactive map[Endpoint]struct{}

	partitionAwarenessAllowed bool
	partitionAwarenessActive  bool

	failStreak  map[Endpoint]int
	nextAttempt map[Endpoint]time.Time

	connectGroup singleflight.Group
	metrics      *metrics
}

func newConnectionPool(endpoints []Endpoint, partitionAwarenessAllowed bool, m *metrics) *connectionPool {
	inactive := make(map[Endpoint]struct{}, len(endpoints))
	for _, e := range endpoints {
		inactive[e] = struct{}{}
	}
	return &connectionPool{
		byNode:                    make(map[NodeID]*nodeSession),
		inactive:                  inactive,
		partitionAwarenessAllowed: partitionAwarenessAllowed,
		failStreak:                make(map[Endpoint]int),
		nextAttempt:               make(map[Endpoint]time.Time),
		metrics:                   m,
	}
}

// addSession stores s under its NodeID when one is present and
// partition-awareness is permitted, disconnecting any prior session
// already registered for that NodeID, else stores it as the single legacy
// session. The endpoint is removed from inactive and the partition
// awareness flag is recomputed.
func (p *connectionPool) addSession(s *nodeSession) {
	p.mu.Lock()
	var replaced *nodeSession

	if s.nodeID != nil && p.partitionAwarenessAllowed {
		replaced = p.byNode[*s.nodeID]
		p.byNode[*s.nodeID] = s
	} else {
		replaced = p.legacy
		p.legacy = s
	}
	delete(p.inactive, s.endpoint)
	delete(p.failStreak, s.endpoint)
	p.recomputePartitionAwareness()
	count := p.sessionCountLocked()
	p.mu.Unlock()

	if replaced != nil && replaced != s {
		log.Printf("thinclient: replacing session %s with newer session to the same node", replaced)
		replaced.disconnect()
	}
	if p.metrics != nil {
		p.metrics.sessionsLive.Inc()
	}
	log.Printf("thinclient: added %s (%d live sessions)", s, count)
}

// removeSession is the inverse of addSession.
func (p *connectionPool) removeSession(s *nodeSession) {
	p.mu.Lock()
	if s.nodeID != nil {
		if cur, ok := p.byNode[*s.nodeID]; ok && cur == s {
			delete(p.byNode, *s.nodeID)
		}
	} else if p.legacy == s {
		p.legacy = nil
	}
	p.inactive[s.endpoint] = struct{}{}
	p.recomputePartitionAwareness()
	p.mu.Unlock()
	log.Printf("thinclient: removed %s", s)
}

// recomputePartitionAwareness must be called with mu held.
func (p *connectionPool) recomputePartitionAwareness() {
	p.partitionAwarenessActive = p.partitionAwarenessAllowed && p.sessionCountLocked() >= 2
}

func (p *connectionPool) sessionCountLocked() int {
	n := len(p.byNode)
	if p.legacy != nil {
		n++
	}
	return n
}

// allSessions returns a stable snapshot.
func (p *connectionPool) allSessions() []*nodeSession {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*nodeSession, 0, p.sessionCountLocked())
	for _, s := range p.byNode {
		out = append(out, s)
	}
	if p.legacy != nil {
		out = append(out, p.legacy)
	}
	return out
}

// randomSession picks uniformly among the live sessions.
func (p *connectionPool) randomSession() (*nodeSession, error) {
	all := p.allSessions()
	if len(all) == 0 {
		return nil, wrapErr(KindLostConnection, nil, "Cluster is unavailable")
	}
	return all[rand.Intn(len(all))], nil
}

// sessionForNode looks up the session currently holding NodeID id, if any.
// Callers must tolerate a miss and fall back to a random session.
func (p *connectionPool) sessionForNode(id NodeID) (*nodeSession, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.byNode[id]
	return s, ok
}

func (p *connectionPool) isPartitionAwarenessActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.partitionAwarenessActive
}

func (p *connectionPool) snapshotInactive() []Endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Endpoint, 0, len(p.inactive))
	for e := range p.inactive {
		out = append(out, e)
	}
	return out
}

// runBackgroundConnect implements the background connector. At most one
// instance runs at a time, enforced by connectGroup instead of a hand-rolled
// boolean flag. It snapshots the inactive endpoints, attempts each one (in
// the snapshot's map iteration order, not the configured endpoint order),
// calls addSession on success and silently drops failures;
// between attempts it checks stillConnected and bails out (closing any
// socket it just opened) the moment the router is no longer Connected.
//
// Per the backoff note, an endpoint that has failed recently is skipped
// until its exponential backoff window elapses, instead of being retried on
// every invocation.
func (p *connectionPool) runBackgroundConnect(dial func(Endpoint) (*nodeSession, error), stillConnected func() bool) {
	p.connectGroup.Do(backgroundConnectKey, func() (interface{}, error) {
		for _, endpoint := range p.snapshotInactive() {
			if !stillConnected() {
				return nil, nil
			}
			if !p.backoffElapsed(endpoint) {
				continue
			}

			session, err := dial(endpoint)
			if err != nil {
				p.recordFailure(endpoint)
				continue
			}
			if !stillConnected() {
				session.disconnect()
				return nil, nil
			}
			p.addSession(session)
		}
		return nil, nil
	})
}

// recordFailure bumps endpoint e's failure streak and schedules its next
// eligible retry with exponential backoff, capped at backoffMax.
func (p *connectionPool) recordFailure(e Endpoint) {
	p.mu.Lock()
	p.failStreak[e]++
	streak := p.failStreak[e]
	delay := backoffBase * time.Duration(uint64(1)<<uint(minInt(streak, 7)))
	if delay > backoffMax {
		delay = backoffMax
	}
	p.nextAttempt[e] = time.Now().Add(delay)
	p.mu.Unlock()
}

// backoffElapsed reports whether endpoint e may be retried now.
func (p *connectionPool) backoffElapsed(e Endpoint) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	next, ok := p.nextAttempt[e]
	return !ok || !time.Now().Before(next)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// disconnectAll tears down every session in the pool (used by Client's
// Connected --disconnect()--> Disconnected transition).
func (p *connectionPool) disconnectAll() {
	for _, s := range p.allSessions() {
		s.disconnect()
	}
}
