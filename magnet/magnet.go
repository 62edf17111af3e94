// Package magnet parses "magnet:?..." URIs into the fields the
// extension package needs to bootstrap a download without a
// ".torrent" file.
package magnet

import (
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
)

const infoHashLen = 20

// MagnetMalformedError reports why a magnet URI could not be parsed.
type MagnetMalformedError struct {
	Reason string
}

func (e *MagnetMalformedError) Error() string {
	return fmt.Sprintf("malformed magnet uri: %s", e.Reason)
}

func malformed(reason string) error { return &MagnetMalformedError{Reason: reason} }

// Link is a parsed magnet URI. Info is unknown at parse time; it is
// acquired from peers via package extension.
type Link struct {
	InfoHash    [infoHashLen]byte
	TrackerURL  string
	DisplayName string
}

// InfoHashHex returns the lowercase 40-character hex info hash.
func (l Link) InfoHashHex() string {
	return hex.EncodeToString(l.InfoHash[:])
}

// Parse parses a "magnet:?xt=urn:btih:<hash>[&tr=...][&dn=...]" URI.
// Unknown query keys are ignored. The btih hash may be 40 hex
// characters or 32 base32 characters, per BEP 9.
func Parse(raw string) (*Link, error) {
	const prefix = "magnet:?"
	if !strings.HasPrefix(raw, prefix) {
		return nil, malformed("missing \"magnet:?\" prefix")
	}
	values, err := url.ParseQuery(raw[len(prefix):])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", malformed("invalid query string"), err)
	}

	var hash [infoHashLen]byte
	found := false
	for _, xt := range values["xt"] {
		const btihPrefix = "urn:btih:"
		if !strings.HasPrefix(xt, btihPrefix) {
			continue
		}
		h, err := parseInfoHash(strings.TrimPrefix(xt, btihPrefix))
		if err != nil {
			return nil, err
		}
		hash = h
		found = true
		break
	}
	if !found {
		return nil, malformed("missing xt=urn:btih: parameter")
	}

	link := &Link{InfoHash: hash}
	if tr := values.Get("tr"); tr != "" {
		link.TrackerURL = tr
	}
	if dn := values.Get("dn"); dn != "" {
		link.DisplayName = dn
	}
	return link, nil
}

func parseInfoHash(s string) ([infoHashLen]byte, error) {
	var hash [infoHashLen]byte
	switch len(s) {
	case 40:
		b, err := hex.DecodeString(s)
		if err != nil {
			return hash, fmt.Errorf("%w: invalid hex info hash", malformed("invalid xt hash"))
		}
		copy(hash[:], b)
	case 32:
		b, err := base32.StdEncoding.DecodeString(strings.ToUpper(s))
		if err != nil {
			return hash, fmt.Errorf("%w: invalid base32 info hash", malformed("invalid xt hash"))
		}
		copy(hash[:], b)
	default:
		return hash, malformed("xt hash must be 40 hex or 32 base32 characters")
	}
	return hash, nil
}
