// Package metainfo parses single-file ".torrent" metainfo and computes
// the 20-byte info hash that identifies a torrent.
package metainfo

import (
	"crypto/sha1"
	"fmt"
	"net/url"

	"github.com/hallvar-eide/goleech/bencode"
)

const hashLen = 20

// Info describes the single file a torrent publishes. Multi-file
// torrents are out of scope (spec Non-goal); Length is the size of
// the one file named by Name.
type Info struct {
	Name        string
	Length      int64
	PieceLength int64
	Pieces      []byte // concatenation of 20-byte SHA-1 digests

	// raw holds the bencoded form of the info dictionary exactly as
	// re-encoded, so InfoHash never has to re-derive it.
	raw []byte
}

// Metainfo is the parsed content of a ".torrent" file.
type Metainfo struct {
	Announce *url.URL
	Info     *Info
}

// MalformedMetainfoError reports why a ".torrent" file could not be
// interpreted as a valid single-file metainfo.
type MalformedMetainfoError struct {
	Reason string
}

func (e *MalformedMetainfoError) Error() string {
	return fmt.Sprintf("malformed metainfo: %s", e.Reason)
}

func malformed(reason string) error { return &MalformedMetainfoError{Reason: reason} }

// Parse decodes the bencoded bytes of a ".torrent" file.
func Parse(data []byte) (*Metainfo, error) {
	v, _, err := bencode.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decoding metainfo: %w", err)
	}
	if v.Kind != bencode.KindDict {
		return nil, malformed("top level is not a dictionary")
	}

	announceVal, ok := v.Dict["announce"]
	if !ok || announceVal.Kind != bencode.KindString {
		return nil, malformed("missing or invalid \"announce\"")
	}
	announceURL, err := url.Parse(string(announceVal.Bytes))
	if err != nil {
		return nil, fmt.Errorf("%w: parsing announce url", malformed("invalid announce url"))
	}

	infoVal, ok := v.Dict["info"]
	if !ok || infoVal.Kind != bencode.KindDict {
		return nil, malformed("missing or invalid \"info\"")
	}
	info, err := parseInfo(infoVal)
	if err != nil {
		return nil, err
	}

	return &Metainfo{Announce: announceURL, Info: info}, nil
}

func parseInfo(v *bencode.Value) (*Info, error) {
	nameVal, ok := v.Dict["name"]
	if !ok || nameVal.Kind != bencode.KindString {
		return nil, malformed("info.name missing or invalid")
	}
	lengthVal, ok := v.Dict["length"]
	if !ok || lengthVal.Kind != bencode.KindInt || lengthVal.Int < 0 {
		return nil, malformed("info.length missing or invalid (multi-file torrents are unsupported)")
	}
	pieceLengthVal, ok := v.Dict["piece length"]
	if !ok || pieceLengthVal.Kind != bencode.KindInt || pieceLengthVal.Int <= 0 {
		return nil, malformed("info.\"piece length\" missing or invalid")
	}
	piecesVal, ok := v.Dict["pieces"]
	if !ok || piecesVal.Kind != bencode.KindString {
		return nil, malformed("info.pieces missing or invalid")
	}
	if len(piecesVal.Bytes)%hashLen != 0 {
		return nil, malformed("info.pieces length is not a multiple of 20")
	}

	info := &Info{
		Name:        string(nameVal.Bytes),
		Length:      lengthVal.Int,
		PieceLength: pieceLengthVal.Int,
		Pieces:      piecesVal.Bytes,
		raw:         bencode.Encode(v),
	}
	pieceCount := info.PieceCount()
	if pieceCount == 0 {
		return nil, malformed("info.pieces is empty")
	}
	if info.Length > pieceCount*info.PieceLength {
		return nil, malformed("info.length exceeds piece_count * piece_length")
	}
	return info, nil
}

// InfoHash returns the SHA-1 of the re-encoded info dictionary, the
// torrent's 20-byte identity.
func (i *Info) InfoHash() [hashLen]byte {
	return sha1.Sum(i.raw)
}

// RawInfo returns the exact bencoded bytes InfoHash is computed over.
func (i *Info) RawInfo() []byte {
	return i.raw
}

// PieceCount returns the number of pieces described by Pieces.
func (i *Info) PieceCount() int64 {
	return int64(len(i.Pieces)) / hashLen
}

// PieceHash returns the 20-byte SHA-1 digest advertised for piece index.
func (i *Info) PieceHash(index int64) ([hashLen]byte, error) {
	var h [hashLen]byte
	if index < 0 || index >= i.PieceCount() {
		return h, fmt.Errorf("piece index %d out of range [0,%d)", index, i.PieceCount())
	}
	copy(h[:], i.Pieces[index*hashLen:(index+1)*hashLen])
	return h, nil
}

// PieceLen returns the byte length of piece index: PieceLength for
// every piece but the last, whose length is the remainder of Length.
func (i *Info) PieceLen(index int64) (int64, error) {
	count := i.PieceCount()
	if index < 0 || index >= count {
		return 0, fmt.Errorf("piece index %d out of range [0,%d)", index, count)
	}
	if index < count-1 {
		return i.PieceLength, nil
	}
	return i.Length - (count-1)*i.PieceLength, nil
}

// FromRawInfo builds an Info from a bencoded info dictionary fetched
// directly over the wire (the extension package's ut_metadata flow),
// bypassing the full ".torrent" parse.
func FromRawInfo(raw []byte) (*Info, error) {
	v, n, err := bencode.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("decoding info dictionary: %w", err)
	}
	if n != len(raw) {
		return nil, malformed("trailing bytes after info dictionary")
	}
	if v.Kind != bencode.KindDict {
		return nil, malformed("info is not a dictionary")
	}
	return parseInfo(v)
}
