// Package tracker announces to an HTTP tracker and parses the compact peer
// list from its response (BEP 3, BEP 23).
package tracker

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/matei-oltean/go-torrent-leech/internal/bencode"
	"github.com/matei-oltean/go-torrent-leech/internal/metainfo"
)

// httpTimeout bounds a single announce request.
const httpTimeout = 30 * time.Second

// Response is a decoded tracker announce response.
type Response struct {
	Interval int64
	Peers    []string
}

// AnnounceRequest carries the parameters of a single announce call.
type AnnounceRequest struct {
	TrackerURL string
	InfoHash   [metainfo.HashSize]byte
	PeerID     [20]byte
	Port       int
	Uploaded   int64
	Downloaded int64
	Left       int64
}

// Announce performs a single GET announce call against an HTTP/HTTPS
// tracker and returns the decoded peer list. UDP trackers (BEP 15) are out
// of scope: this client only speaks HTTP, per the leecher's single-use,
// non-participating nature (see DESIGN.md).
func Announce(ctx context.Context, req AnnounceRequest) (*Response, error) {
	u, err := url.Parse(req.TrackerURL)
	if err != nil {
		return nil, errors.Wrap(err, "tracker: malformed tracker URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.Errorf("tracker: unsupported scheme %q (only http/https are supported)", u.Scheme)
	}

	announceURL := buildAnnounceURL(u, req)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, announceURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "tracker: build announce request")
	}

	client := &http.Client{Timeout: httpTimeout}
	res, err := client.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(err, "tracker: announce request failed")
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, errors.Errorf("tracker: announce returned status %s", res.Status)
	}

	buf := make([]byte, 0, 2048)
	chunk := make([]byte, 2048)
	for {
		n, readErr := res.Body.Read(chunk)
		buf = append(buf, chunk[:n]...)
		if readErr != nil {
			break
		}
	}

	val, _, err := bencode.Decode(buf)
	if err != nil {
		return nil, errors.Wrap(err, "tracker: decode announce response")
	}
	return parseResponse(val)
}

func buildAnnounceURL(u *url.URL, req AnnounceRequest) string {
	params := url.Values{
		"info_hash":  []string{string(req.InfoHash[:])},
		"peer_id":    []string{string(req.PeerID[:])},
		"port":       []string{strconv.Itoa(req.Port)},
		"uploaded":   []string{strconv.FormatInt(req.Uploaded, 10)},
		"downloaded": []string{strconv.FormatInt(req.Downloaded, 10)},
		"left":       []string{strconv.FormatInt(req.Left, 10)},
		"compact":    []string{"1"},
	}
	result := *u
	result.RawQuery = params.Encode()
	return result.String()
}

func parseResponse(val bencode.Value) (*Response, error) {
	if val.Kind != bencode.KindDict {
		return nil, errors.New("tracker: response is not a dictionary")
	}

	if failure, ok := val.Get("failure reason"); ok {
		return nil, errors.Errorf("tracker: %s", failure.Str)
	}

	interval, ok := val.Get("interval")
	if !ok || interval.Kind != bencode.KindInt {
		return nil, errors.New("tracker: response missing \"interval\"")
	}

	peersVal, ok := val.Get("peers")
	if !ok || peersVal.Kind != bencode.KindString {
		return nil, errors.New("tracker: response missing \"peers\"")
	}

	peers, err := parseCompactPeers(peersVal.Str, false)
	if err != nil {
		return nil, err
	}

	if peers6, ok := val.Get("peers6"); ok && peers6.Kind == bencode.KindString && peers6.Str != "" {
		more, err := parseCompactPeers(peers6.Str, true)
		if err == nil {
			peers = append(peers, more...)
		}
	}

	return &Response{
		Interval: interval.Int,
		Peers:    peers,
	}, nil
}

// parseCompactPeers decodes a compact peer list (BEP 23): a flat byte
// string of fixed-size ip:port records, 6 bytes per IPv4 peer or 18 bytes
// per IPv6 peer.
func parseCompactPeers(peers string, ipv6 bool) ([]string, error) {
	data := []byte(peers)
	ipSize := net.IPv4len
	if ipv6 {
		ipSize = net.IPv6len
	}
	recordSize := ipSize + 2

	if len(data)%recordSize != 0 {
		return nil, errors.Errorf("tracker: compact peer list length %d is not divisible by %d", len(data), recordSize)
	}

	out := make([]string, 0, len(data)/recordSize)
	for i := 0; i < len(data); i += recordSize {
		ip := net.IP(data[i : i+ipSize])
		port := int(data[i+ipSize])<<8 | int(data[i+ipSize+1])
		out = append(out, net.JoinHostPort(ip.String(), strconv.Itoa(port)))
	}
	return out, nil
}
