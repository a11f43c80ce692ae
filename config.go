package thinclient

import (
	"crypto/tls"
	"strings"
	"time"
)

const defaultHandshakeTimeout = 30 * time.Second

// Config holds the client's external configuration. The cache-layer
// configuration builder and CLI that populate it are out of scope for this
// package; Config is the contract between them and this core.
type Config struct {
	// Endpoints is the static list of "host:port" cluster members. Must be
	// non-empty.
	Endpoints []string

	Username string
	Password string

	UseTLS    bool
	TLSConfig *tls.Config

	// PartitionAwareness requests affinity-aware routing. With it off,
	// the pool never activates partition awareness and every Send uses
	// the single active session.
	PartitionAwareness bool

	// HandshakeTimeout bounds nodeSession.connect; zero means the
	// recommended default of 30 seconds.
	HandshakeTimeout time.Duration

	// Codec is the external object-serialization collaborator. It
	// must be supplied whenever a Send call carries an AffinityHint.
	Codec Codec
}

func (c *Config) handshakeTimeout() time.Duration {
	if c.HandshakeTimeout > 0 {
		return c.HandshakeTimeout
	}
	return defaultHandshakeTimeout
}

// validate raises IllegalArgument for synchronous configuration errors
// that can be caught before any network activity.
func (c *Config) validate() error {
	if len(c.Endpoints) == 0 {
		return newErr(KindIllegalArgument, "endpoints must not be empty")
	}
	for _, e := range c.Endpoints {
		if err := validateEndpoint(e); err != nil {
			return err
		}
	}
	return nil
}

func validateEndpoint(e string) error {
	if e == "" {
		return newErr(KindIllegalArgument, "endpoint must not be empty")
	}
	idx := strings.LastIndex(e, ":")
	if idx <= 0 || idx == len(e)-1 {
		return newErr(KindIllegalArgument, "endpoint %q must be host:port", e)
	}
	return nil
}

func toEndpoints(raw []string) []Endpoint {
	out := make([]Endpoint, len(raw))
	for i, r := range raw {
		out[i] = Endpoint(r)
	}
	return out
}
