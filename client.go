package thinclient

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"math/rand"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
)

// ConnState is the router's top-level state machine.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	default:
		return "Unknown"
	}
}

// Client is the public dispatch surface: Connect/Disconnect drive the
// state machine, Send routes one cache operation to the node that owns
// its key, failing over on lost connections.
type Client struct {
	cfg       *Config
	endpoints []Endpoint
	metrics   *metrics

	mu    sync.Mutex
	state ConnState
	pool  *connectionPool
	dist  *distributionMap

	onStateChanged atomic.Value // func(ConnState, error)

	reconnectWG sync.WaitGroup
}

// NewClient constructs a Client in state Disconnected. reg may be nil to
// disable Prometheus metrics collection.
func NewClient(cfg *Config, reg prometheus.Registerer) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	c := &Client{
		cfg:       cfg,
		endpoints: toEndpoints(cfg.Endpoints),
		metrics:   newMetrics(reg),
		state:     StateDisconnected,
	}
	c.pool = newConnectionPool(c.endpoints, cfg.PartitionAwareness, c.metrics)
	c.dist = newDistributionMap()
	return c, nil
}

// OnStateChanged registers the callback fired on every state transition.
// fn may be nil to unregister.
func (c *Client) OnStateChanged(fn func(ConnState, error)) {
	c.onStateChanged.Store(fn)
}

func (c *Client) fireStateChanged(s ConnState, reason error) {
	if v := c.onStateChanged.Load(); v != nil {
		if fn, ok := v.(func(ConnState, error)); ok && fn != nil {
			fn(s, reason)
		}
	}
}

// State returns the router's current state.
func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s ConnState, reason error) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.fireStateChanged(s, reason)
}

// Connect performs the initial endpoint sweep: start at a random index and
// iterate modulo length, the first successful handshake wins. Must be
// called from Disconnected.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		s := c.state
		c.mu.Unlock()
		return wrapErr(KindIllegalState, nil, "connect called in state %s", s)
	}
	c.state = StateConnecting
	c.mu.Unlock()
	c.fireStateChanged(StateConnecting, nil)

	if err := c.sweepEndpoints(); err != nil {
		c.setState(StateDisconnected, err)
		return err
	}

	c.setState(StateConnected, nil)
	c.triggerBackgroundConnect()
	return nil
}

// sweepEndpoints implements the shared endpoint-sweep logic used by both
// the initial Connect and reconnect: shuffle by random start index, dial
// each endpoint until one handshake succeeds.
func (c *Client) sweepEndpoints() error {
	n := len(c.endpoints)
	start := rand.Intn(n)

	var aggregate error
	for i := 0; i < n; i++ {
		endpoint := c.endpoints[(start+i)%n]
		session, err := c.dialEndpoint(endpoint)
		if err != nil {
			aggregate = multierr.Append(aggregate, err)
			continue
		}
		c.pool.addSession(session)
		return nil
	}
	return wrapErr(KindConnectionFailed, aggregate, "Connection failed: all %d endpoints unreachable", n)
}

// dialEndpoint opens and hands back one node session wired to this client's
// event callbacks.
func (c *Client) dialEndpoint(endpoint Endpoint) (*nodeSession, error) {
	session := newNodeSession(endpoint, c.cfg, c, c.metrics)
	if err := session.connect(); err != nil {
		return nil, err
	}
	return session, nil
}

// onTopologyChanged handles an inline topology-change notification
// piggybacked on a response frame: clear-and-advance the distribution map
// if the version is strictly newer, then kick the background connector
// since partition awareness may now be satisfiable with the updated view.
func (c *Client) onTopologyChanged(v AffinityTopologyVersion) {
	if c.dist.observeTopologyVersion(v) {
		if c.metrics != nil {
			c.metrics.topologyRefreshes.Inc()
		}
		log.Printf("thinclient: topology version advanced to %s", v)
		c.triggerBackgroundConnect()
	}
}

// onSessionLost removes the dead session and, if that drops the pool to
// empty while the router was Connected, transitions to Connecting and
// starts a reconnect sweep in the background instead of waiting for the
// next Send to discover it.
func (c *Client) onSessionLost(s *nodeSession) {
	c.pool.removeSession(s)
	if len(c.pool.allSessions()) > 0 {
		return
	}
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	c.state = StateConnecting
	c.mu.Unlock()
	c.fireStateChanged(StateConnecting, wrapErr(KindLostConnection, nil, "all sessions lost"))

	c.reconnectWG.Add(1)
	go func() {
		defer c.reconnectWG.Done()
		c.reconnect()
	}()
}

// reconnect awaits the background-connect task's quiescence, then runs the
// same sweep as the initial Connect.
func (c *Client) reconnect() {
	c.triggerBackgroundConnectSync()

	if err := c.sweepEndpoints(); err != nil {
		c.setState(StateDisconnected, err)
		return
	}
	c.setState(StateConnected, nil)
	c.triggerBackgroundConnect()
}

func (c *Client) stillConnected() bool {
	return c.State() == StateConnected
}

// triggerBackgroundConnect runs one background-connect sweep in its own
// goroutine (non-blocking).
func (c *Client) triggerBackgroundConnect() {
	go c.triggerBackgroundConnectSync()
}

func (c *Client) triggerBackgroundConnectSync() {
	if c.metrics != nil {
		c.metrics.backgroundConnect.Inc()
	}
	c.pool.runBackgroundConnect(c.dialEndpoint, c.stillConnected)
}

// Disconnect closes every session and resets router state unconditionally,
// regardless of the current state.
func (c *Client) Disconnect() {
	c.pool.disconnectAll()
	c.setState(StateDisconnected, nil)
}

// Send routes one cache operation to a node, retrying on another session
// if the chosen one reports a lost connection.
func (c *Client) Send(ctx context.Context, opCode int16, writer func(*bytes.Buffer) error, reader func([]byte) error, hint *AffinityHint) error {
	if c.State() != StateConnected {
		return wrapErr(KindIllegalState, nil, "send called in state %s", c.State())
	}

	session, err := c.chooseSession(hint)
	if err != nil {
		return err
	}

	for {
		if c.metrics != nil {
			c.metrics.requestsSent.Inc()
		}
		err := session.sendRequest(opCode, writer, reader)
		if err == nil {
			return nil
		}

		var thinErr *Error
		if e, ok := err.(*Error); ok {
			thinErr = e
		}
		if thinErr == nil || thinErr.Kind != KindLostConnection {
			return err
		}

		if c.metrics != nil {
			c.metrics.failovers.Inc()
		}
		c.pool.removeSession(session)
		session, err = c.pool.randomSession()
		if err != nil {
			return err
		}
	}
}

// chooseSession picks the session to route a request through, delegating
// the affinity-aware branch to affinitySession when partition awareness is
// active and a hint is given; if no owning session is found there, a random
// session is used. Otherwise the request goes to allSessions()[0]. With
// partition awareness off the pool holds a single session, so hint-less
// operations like cursor continuation keep landing on one node; with it on,
// allSessions() follows map iteration order and [0] is not fixed.
func (c *Client) chooseSession(hint *AffinityHint) (*nodeSession, error) {
	if c.pool.isPartitionAwarenessActive() && hint != nil {
		if session, ok := c.affinitySession(*hint); ok {
			return session, nil
		}
		return c.pool.randomSession()
	}

	all := c.pool.allSessions()
	if len(all) == 0 {
		return nil, wrapErr(KindLostConnection, nil, "Cluster is unavailable")
	}
	return all[0], nil
}

// affinitySession implements the refresh-on-miss plus node selection. A
// false return means the caller should fall back to random routing this
// time; a refresh for the cache has been kicked off in the background if
// needed.
func (c *Client) affinitySession(hint AffinityHint) (*nodeSession, bool) {
	m, ok := c.dist.lookup(hint.CacheID)
	if !ok {
		c.refreshCachePartitions(hint.CacheID)
		return nil, false
	}
	if c.cfg.Codec == nil {
		return nil, false
	}

	target, found, err := chooseTargetNode(c.cfg.Codec, hint, m)
	if err != nil || !found {
		return nil, false
	}
	session, ok := c.pool.sessionForNode(target)
	if !ok {
		// The mapped node isn't in the pool; fall back to random, which
		// the caller (chooseSession) already does for us.
		return nil, false
	}
	return session, true
}

// refreshCachePartitions fires a non-blocking CACHE_PARTITIONS request.
// Concurrent misses for the same cacheId collapse into one request via the
// distribution map's singleflight group.
func (c *Client) refreshCachePartitions(cacheID int32) {
	go func() {
		_, _, _ = c.dist.refreshGroup.Do(strconv.FormatInt(int64(cacheID), 10), func() (interface{}, error) {
			var version AffinityTopologyVersion
			var groups []partitionAwarenessCacheGroup

			err := c.Send(context.Background(), opCachePartitions, func(buf *bytes.Buffer) error {
				buf.Write(buildCachePartitionsRequest())
				return nil
			}, func(body []byte) error {
				v, g, err := parseCachePartitionsResponse(body)
				if err != nil {
					return err
				}
				version, groups = v, g
				return nil
			}, nil)
			if err != nil {
				log.Printf("thinclient: CACHE_PARTITIONS refresh for cache %d failed: %v", cacheID, err)
				return nil, err
			}
			c.dist.applyRefresh(version, groups)
			if c.metrics != nil {
				c.metrics.topologyRefreshes.Inc()
			}
			return nil, nil
		})
	}()
}

var _ fmt.Stringer = ConnState(0)
