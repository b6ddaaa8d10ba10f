// Package clientid builds the wire-level peer ID this client advertises
// in handshakes and tracker announces, plus a config struct bundling the
// tunables every download needs.
package clientid

import (
	"crypto/rand"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// prefix identifies this client per the Azureus-style peer ID convention:
// a hyphen, a two-letter client id, four digits of version, then a hyphen.
const prefix = "-GL0100-"

// New returns a 20-byte peer ID: prefix followed by random bytes.
func New() ([20]byte, error) {
	var id [20]byte
	copy(id[:], prefix)
	if _, err := rand.Read(id[len(prefix):]); err != nil {
		return id, errors.Wrap(err, "clientid: generate random suffix")
	}
	return id, nil
}

// Config bundles the tunables a download run needs, replacing the global
// client-id variable the reference client used with an explicit value
// threaded through the call chain.
type Config struct {
	PeerID [20]byte

	// SessionID correlates every log line emitted by one download attempt;
	// it never appears on the wire.
	SessionID uuid.UUID

	ListenPort     int
	DialTimeout    time.Duration
	RequestTimeout time.Duration
	OutputDir      string
}

// NewConfig builds a Config with a fresh peer ID and session id and the
// reference client's timeouts as defaults.
func NewConfig() (*Config, error) {
	peerID, err := New()
	if err != nil {
		return nil, err
	}
	return &Config{
		PeerID:         peerID,
		SessionID:      uuid.New(),
		ListenPort:     6881,
		DialTimeout:    5 * time.Second,
		RequestTimeout: 20 * time.Second,
	}, nil
}
