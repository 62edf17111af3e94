// Package extension implements the BEP 10 extension handshake and the
// BEP 9 ut_metadata exchange used to fetch an Info from peers when
// bootstrapping a download from a magnet URI instead of a
// ".torrent" file.
package extension

import (
	"bytes"
	"crypto/sha1"
	"fmt"

	"github.com/hallvar-eide/goleech/bencode"
	"github.com/hallvar-eide/goleech/metainfo"
	"github.com/hallvar-eide/goleech/peer"
	"github.com/hallvar-eide/goleech/wire"
	"github.com/sirupsen/logrus"
)

// OurExtensionID is the id we advertise for ut_metadata in our own
// extension handshake's "m" table, echoed back to us by peer.ut_metadata
// requests (spec.md §4.7 example uses 21; any value not already
// reserved for the base protocol works).
const OurExtensionID = 21

const (
	metadataRequest = 0
	metadataData    = 1
	metadataReject  = 2
)

// MetadataCorruptError reports that fetched metadata failed the
// SHA-1 check against the magnet link's announced info hash.
type MetadataCorruptError struct {
	Reason string
}

func (e *MetadataCorruptError) Error() string {
	return fmt.Sprintf("metadata corrupt: %s", e.Reason)
}

// Handshake performs the BEP 10 extension handshake on sess: we send
// our "m" table advertising ut_metadata under OurExtensionID, and read
// the peer's reply to learn its ut_metadata extension id. Returns an
// error if the peer's handshake doesn't advertise ut_metadata support.
func Handshake(sess *peer.Session) (peerUtMetadataID byte, err error) {
	body := bencode.Encode(bencode.Dict(map[string]*bencode.Value{
		"m": bencode.Dict(map[string]*bencode.Value{
			"ut_metadata": bencode.Int64(OurExtensionID),
		}),
	}))
	if err := wire.WriteMessage(sess.Conn(), wire.ExtensionMsg(0, body)); err != nil {
		return 0, fmt.Errorf("sending extension handshake to %s: %w", sess.Addr, err)
	}

	for {
		msg, err := wire.ReadMessage(sess.Conn())
		if err != nil {
			return 0, fmt.Errorf("reading extension handshake reply from %s: %w", sess.Addr, err)
		}
		if msg.IsKeepAlive || msg.ID != wire.Extension {
			continue
		}
		extID, payload, err := wire.ParseExtensionMsg(msg.Payload)
		if err != nil {
			return 0, err
		}
		if extID != 0 {
			continue // not the handshake reply
		}
		v, _, err := bencode.Decode(payload)
		if err != nil {
			return 0, fmt.Errorf("decoding extension handshake from %s: %w", sess.Addr, err)
		}
		m, ok := v.Dict["m"]
		if !ok || m.Kind != bencode.KindDict {
			return 0, &wire.PeerMisbehavedError{Reason: "extension handshake missing \"m\" table"}
		}
		ut, ok := m.Dict["ut_metadata"]
		if !ok || ut.Kind != bencode.KindInt {
			return 0, fmt.Errorf("peer %s does not support ut_metadata", sess.Addr)
		}
		return byte(ut.Int), nil
	}
}

// FetchInfo drives the full BEP 10 + BEP 9 flow to obtain an Info from
// a peer, given the peer's ut_metadata extension id from Handshake.
// It verifies the assembled info dictionary against magnetInfoHash
// before returning.
func FetchInfo(sess *peer.Session, peerUtMetadataID byte, magnetInfoHash [20]byte, log logrus.FieldLogger) (*metainfo.Info, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	var assembled bytes.Buffer
	totalSize := -1

	for piece := 0; totalSize < 0 || assembled.Len() < totalSize; piece++ {
		reqBody := bencode.Encode(bencode.Dict(map[string]*bencode.Value{
			"msg_type": bencode.Int64(metadataRequest),
			"piece":    bencode.Int64(int64(piece)),
		}))
		if err := wire.WriteMessage(sess.Conn(), wire.ExtensionMsg(peerUtMetadataID, reqBody)); err != nil {
			return nil, fmt.Errorf("requesting metadata piece %d from %s: %w", piece, sess.Addr, err)
		}

		data, err := readMetadataReply(sess, piece)
		if err != nil {
			return nil, err
		}
		if totalSize < 0 {
			totalSize = data.totalSize
		}
		assembled.Write(data.chunk)
		log.WithField("component", "extension").
			WithField("piece", piece).
			Debugf("fetched metadata chunk, %d/%d bytes", assembled.Len(), totalSize)
	}

	raw := assembled.Bytes()
	if totalSize >= 0 && len(raw) != totalSize {
		raw = raw[:totalSize]
	}

	got := sha1.Sum(raw)
	if !bytes.Equal(got[:], magnetInfoHash[:]) {
		return nil, &MetadataCorruptError{Reason: "assembled info dictionary does not match magnet info hash"}
	}

	return metainfo.FromRawInfo(raw)
}

type metadataChunk struct {
	totalSize int
	chunk     []byte
}

// readMetadataReply reads extension messages until it finds the data
// (or reject) reply for piece, folding in any unrelated extension
// traffic that arrives interleaved.
func readMetadataReply(sess *peer.Session, piece int) (metadataChunk, error) {
	for {
		msg, err := wire.ReadMessage(sess.Conn())
		if err != nil {
			return metadataChunk{}, fmt.Errorf("reading metadata piece %d from %s: %w", piece, sess.Addr, err)
		}
		if msg.IsKeepAlive || msg.ID != wire.Extension {
			continue
		}
		extID, payload, err := wire.ParseExtensionMsg(msg.Payload)
		if err != nil {
			return metadataChunk{}, err
		}
		if extID != OurExtensionID {
			continue // addressed to a different local extension, ignore
		}

		header, n, err := bencode.Decode(payload)
		if err != nil {
			return metadataChunk{}, fmt.Errorf("decoding metadata reply header from %s: %w", sess.Addr, err)
		}
		msgTypeVal, ok := header.Dict["msg_type"]
		if !ok || msgTypeVal.Kind != bencode.KindInt {
			return metadataChunk{}, &wire.PeerMisbehavedError{Reason: "metadata reply missing msg_type"}
		}
		switch msgTypeVal.Int {
		case metadataReject:
			return metadataChunk{}, fmt.Errorf("peer %s rejected metadata piece %d", sess.Addr, piece)
		case metadataData:
			pieceVal, ok := header.Dict["piece"]
			if !ok || pieceVal.Kind != bencode.KindInt || int(pieceVal.Int) != piece {
				continue // stale reply for a different piece request
			}
			totalSize := -1
			if tv, ok := header.Dict["total_size"]; ok && tv.Kind == bencode.KindInt {
				totalSize = int(tv.Int)
			}
			return metadataChunk{totalSize: totalSize, chunk: payload[n:]}, nil
		default:
			continue
		}
	}
}
