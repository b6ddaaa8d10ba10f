package metainfo

import (
	"encoding/hex"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

// Magnet is a parsed magnet URI (BEP 9).
type Magnet struct {
	Hash        [HashSize]byte
	DisplayName string
	Trackers    []string
}

// ParseMagnet parses a magnet link. It is deliberately permissive: real
// magnet links in the wild often carry several "tr" params and no "dn",
// unlike the strict single-tracker/single-name regex spec §9 flags as a
// source bug.
func ParseMagnet(raw string) (*Magnet, error) {
	if !strings.HasPrefix(raw, "magnet:?") {
		return nil, errors.New("metainfo: not a magnet link")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errors.Wrap(err, "metainfo: malformed magnet URI")
	}
	query := u.Query()

	hash, err := parseExactTopic(query)
	if err != nil {
		return nil, err
	}

	m := &Magnet{Hash: hash}
	if dn := query.Get("dn"); dn != "" {
		m.DisplayName = dn
	}
	if trs, ok := query["tr"]; ok {
		m.Trackers = trs
	}
	return m, nil
}

func parseExactTopic(query url.Values) ([HashSize]byte, error) {
	var hash [HashSize]byte
	xt := query.Get("xt")
	if xt == "" {
		return hash, errors.New("metainfo: magnet link missing \"xt\" parameter")
	}
	const prefix = "urn:btih:"
	if !strings.HasPrefix(xt, prefix) {
		return hash, errors.Errorf("metainfo: unsupported magnet topic %q", xt)
	}
	encoded := strings.TrimPrefix(xt, prefix)
	if len(encoded) != 2*HashSize {
		return hash, errors.Errorf("metainfo: expected a %d-hex-char info hash, got %d chars", 2*HashSize, len(encoded))
	}
	decoded, err := hex.DecodeString(strings.ToLower(encoded))
	if err != nil {
		return hash, errors.Wrap(err, "metainfo: malformed info hash in magnet link")
	}
	copy(hash[:], decoded)
	return hash, nil
}

// HasTrackers reports whether the magnet carries at least one tracker URL.
func (m *Magnet) HasTrackers() bool {
	return len(m.Trackers) > 0
}
