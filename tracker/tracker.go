// Package tracker implements the HTTP tracker announce request and
// compact peer-list response used to discover peers for a torrent.
// UDP trackers are out of scope (spec Non-goal).
package tracker

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hallvar-eide/goleech/bencode"
	"github.com/sirupsen/logrus"
)

const (
	peerAddrLen   = 6
	defaultPort   = 6881
	announceTimeout = 30 * time.Second
)

// TrackerUnreachableError wraps a transport-level failure reaching the
// tracker (DNS, connect, timeout, non-2xx).
type TrackerUnreachableError struct {
	Err error
}

func (e *TrackerUnreachableError) Error() string {
	return fmt.Sprintf("tracker unreachable: %v", e.Err)
}
func (e *TrackerUnreachableError) Unwrap() error { return e.Err }

// TrackerMalformedError reports a tracker response that isn't valid
// bencode or doesn't have the expected shape.
type TrackerMalformedError struct {
	Reason string
}

func (e *TrackerMalformedError) Error() string {
	return fmt.Sprintf("malformed tracker response: %s", e.Reason)
}

// PeerEndpoint is a compact-encoded IPv4 peer address.
type PeerEndpoint struct {
	IP   net.IP
	Port uint16
}

func (p PeerEndpoint) String() string {
	return net.JoinHostPort(p.IP.String(), strconv.Itoa(int(p.Port)))
}

// Response is the decoded body of a tracker announce.
type Response struct {
	Interval int
	Peers    []PeerEndpoint
}

// Client issues HTTP announce requests against a single tracker.
type Client struct {
	HTTP   *http.Client
	PeerID [20]byte
	Port   uint16
	Log    logrus.FieldLogger
}

// NewClient returns a Client with sane defaults: a 30s HTTP timeout
// and port 6881, matching spec.md §4.3.
func NewClient(peerID [20]byte, log logrus.FieldLogger) *Client {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Client{
		HTTP:   &http.Client{Timeout: announceTimeout},
		PeerID: peerID,
		Port:   defaultPort,
		Log:    log,
	}
}

// Announce performs a single compact HTTP announce against
// announceURL for the given info hash and content length.
func (c *Client) Announce(announceURL *url.URL, infoHash [20]byte, length int64) (*Response, error) {
	u := buildAnnounceURL(announceURL, infoHash, c.PeerID, c.Port, length)
	c.Log.WithField("component", "tracker").WithField("url", u.String()).Debug("announcing")

	resp, err := c.HTTP.Get(u.String())
	if err != nil {
		return nil, &TrackerUnreachableError{Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &TrackerUnreachableError{Err: fmt.Errorf("http status %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TrackerUnreachableError{Err: err}
	}
	return parseResponse(body)
}

func buildAnnounceURL(announce *url.URL, infoHash [20]byte, peerID [20]byte, port uint16, left int64) *url.URL {
	u := *announce
	q := u.Query()
	q.Set("info_hash", string(infoHash[:]))
	q.Set("peer_id", string(peerID[:]))
	q.Set("port", strconv.Itoa(int(port)))
	q.Set("uploaded", "0")
	q.Set("downloaded", "0")
	q.Set("left", strconv.FormatInt(left, 10))
	q.Set("compact", "1")
	u.RawQuery = q.Encode()
	return &u
}

func parseResponse(body []byte) (*Response, error) {
	v, _, err := bencode.Decode(body)
	if err != nil {
		return nil, &TrackerMalformedError{Reason: err.Error()}
	}
	if v.Kind != bencode.KindDict {
		return nil, &TrackerMalformedError{Reason: "response is not a dictionary"}
	}
	if failure, ok := v.Dict["failure reason"]; ok && failure.Kind == bencode.KindString {
		return nil, &TrackerMalformedError{Reason: string(failure.Bytes)}
	}

	intervalVal, ok := v.Dict["interval"]
	if !ok || intervalVal.Kind != bencode.KindInt {
		return nil, &TrackerMalformedError{Reason: "missing or invalid \"interval\""}
	}

	peersVal, ok := v.Dict["peers"]
	if !ok || peersVal.Kind != bencode.KindString {
		return nil, &TrackerMalformedError{Reason: "missing or invalid compact \"peers\""}
	}
	peers, err := DecodePeers(peersVal.Bytes)
	if err != nil {
		return nil, err
	}

	return &Response{Interval: int(intervalVal.Int), Peers: dedupe(peers)}, nil
}

// DecodePeers splits a compact peers blob (N*6 bytes) into endpoints.
func DecodePeers(blob []byte) ([]PeerEndpoint, error) {
	if len(blob)%peerAddrLen != 0 {
		return nil, &TrackerMalformedError{Reason: "compact peers length is not a multiple of 6"}
	}
	peers := make([]PeerEndpoint, 0, len(blob)/peerAddrLen)
	for i := 0; i < len(blob); i += peerAddrLen {
		ip := net.IPv4(blob[i], blob[i+1], blob[i+2], blob[i+3])
		port := uint16(blob[i+4])<<8 | uint16(blob[i+5])
		peers = append(peers, PeerEndpoint{IP: ip, Port: port})
	}
	return peers, nil
}

// EncodePeer re-encodes a single endpoint into its compact 6-byte
// form, the inverse of DecodePeers — used by tests to verify the
// decode/encode bijection spec.md invariant 4 requires.
func EncodePeer(p PeerEndpoint) []byte {
	v4 := p.IP.To4()
	return []byte{v4[0], v4[1], v4[2], v4[3], byte(p.Port >> 8), byte(p.Port)}
}

func dedupe(peers []PeerEndpoint) []PeerEndpoint {
	seen := make(map[string]struct{}, len(peers))
	out := make([]PeerEndpoint, 0, len(peers))
	for _, p := range peers {
		key := p.String()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, p)
	}
	return out
}
