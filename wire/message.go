// Package wire implements the BitTorrent peer wire protocol's binary
// framing: the fixed 68-byte handshake and the length-prefixed
// message stream that follows it.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MessageID identifies the kind of a length-prefixed peer message.
type MessageID byte

const (
	Choke         MessageID = 0
	Unchoke       MessageID = 1
	Interested    MessageID = 2
	NotInterested MessageID = 3
	Have          MessageID = 4
	BitfieldMsg   MessageID = 5
	Request       MessageID = 6
	Piece         MessageID = 7
	Cancel        MessageID = 8
	Extension     MessageID = 20
)

// MaxBlockLength is the largest block a Request may ask for, 16 KiB.
// spec.md §9 notes the source uses both 1<<14 and 2<<13 for this
// constant; both equal 16384 and we unify on one spelling.
const MaxBlockLength = 1 << 14

func (id MessageID) String() string {
	switch id {
	case Choke:
		return "choke"
	case Unchoke:
		return "unchoke"
	case Interested:
		return "interested"
	case NotInterested:
		return "not_interested"
	case Have:
		return "have"
	case BitfieldMsg:
		return "bitfield"
	case Request:
		return "request"
	case Piece:
		return "piece"
	case Cancel:
		return "cancel"
	case Extension:
		return "extension"
	default:
		return fmt.Sprintf("unknown(%d)", byte(id))
	}
}

// Message is a decoded length-prefixed peer message. A keep-alive
// (wire length 0) is represented as IsKeepAlive == true with a zero ID.
type Message struct {
	IsKeepAlive bool
	ID          MessageID
	Payload     []byte
}

// ShortReadError reports an I/O failure reading a frame.
type ShortReadError struct {
	Err error
}

func (e *ShortReadError) Error() string { return fmt.Sprintf("short read: %v", e.Err) }
func (e *ShortReadError) Unwrap() error { return e.Err }

// UnknownMessageIdError reports a message id outside the known set.
type UnknownMessageIdError struct {
	ID byte
}

func (e *UnknownMessageIdError) Error() string {
	return fmt.Sprintf("unknown message id %d", e.ID)
}

// PeerMisbehavedError reports a protocol violation: bad framing, an
// out-of-range payload, or a block outside the bounds it was requested
// for.
type PeerMisbehavedError struct {
	Reason string
}

func (e *PeerMisbehavedError) Error() string { return fmt.Sprintf("peer misbehaved: %s", e.Reason) }

// ReadMessage reads one frame from r: a 4-byte big-endian length N,
// then N bytes. N=0 is a keep-alive. Unlike the handshake, this never
// validates the id is in the known set (Extension (20) is itself a
// "large" id with gaps below it). Callers dispatch on ID; the peer
// session and extension readers skip ids they do not handle,
// including ids outside the known set, rather than failing.
func ReadMessage(r io.Reader) (Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Message{}, &ShortReadError{Err: err}
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return Message{IsKeepAlive: true}, nil
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Message{}, &ShortReadError{Err: err}
	}
	return Message{ID: MessageID(body[0]), Payload: body[1:]}, nil
}

// Marshal serializes a message to its wire frame.
func (m Message) Marshal() []byte {
	if m.IsKeepAlive {
		return []byte{0, 0, 0, 0}
	}
	buf := make([]byte, 4+1+len(m.Payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(1+len(m.Payload)))
	buf[4] = byte(m.ID)
	copy(buf[5:], m.Payload)
	return buf
}

// WriteMessage writes m's wire frame to w.
func WriteMessage(w io.Writer, m Message) error {
	_, err := w.Write(m.Marshal())
	return err
}

// KeepAlive builds a zero-length keep-alive message.
func KeepAlive() Message { return Message{IsKeepAlive: true} }

// InterestedMsg builds an empty-payload Interested message.
func InterestedMsg() Message { return Message{ID: Interested} }

// UnchokeMsg builds an empty-payload Unchoke message.
func UnchokeMsg() Message { return Message{ID: Unchoke} }

// HaveMsg builds a Have message announcing index.
func HaveMsg(index uint32) Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, index)
	return Message{ID: Have, Payload: payload}
}

// BlockRequest is the {index, begin, length} triple shared by Request
// and Cancel payloads.
type BlockRequest struct {
	Index  uint32
	Begin  uint32
	Length uint32
}

// RequestMsg builds a Request message. length must not exceed
// MaxBlockLength.
func RequestMsg(r BlockRequest) Message {
	return Message{ID: Request, Payload: marshalBlockRequest(r)}
}

// CancelMsg builds a Cancel message for an outstanding request.
func CancelMsg(r BlockRequest) Message {
	return Message{ID: Cancel, Payload: marshalBlockRequest(r)}
}

func marshalBlockRequest(r BlockRequest) []byte {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint32(buf[0:4], r.Index)
	binary.BigEndian.PutUint32(buf[4:8], r.Begin)
	binary.BigEndian.PutUint32(buf[8:12], r.Length)
	return buf
}

// ParseBlockRequest decodes a Request/Cancel payload.
func ParseBlockRequest(payload []byte) (BlockRequest, error) {
	if len(payload) != 12 {
		return BlockRequest{}, &PeerMisbehavedError{Reason: "request payload is not 12 bytes"}
	}
	return BlockRequest{
		Index:  binary.BigEndian.Uint32(payload[0:4]),
		Begin:  binary.BigEndian.Uint32(payload[4:8]),
		Length: binary.BigEndian.Uint32(payload[8:12]),
	}, nil
}

// PieceBlock is the {index, begin, block} payload of a Piece message.
type PieceBlock struct {
	Index uint32
	Begin uint32
	Block []byte
}

// PieceMsg builds a Piece message carrying block at (index, begin).
func PieceMsg(p PieceBlock) Message {
	buf := make([]byte, 8+len(p.Block))
	binary.BigEndian.PutUint32(buf[0:4], p.Index)
	binary.BigEndian.PutUint32(buf[4:8], p.Begin)
	copy(buf[8:], p.Block)
	return Message{ID: Piece, Payload: buf}
}

// ParsePieceBlock decodes a Piece message payload.
func ParsePieceBlock(payload []byte) (PieceBlock, error) {
	if len(payload) < 8 {
		return PieceBlock{}, &PeerMisbehavedError{Reason: "piece payload shorter than 8 bytes"}
	}
	return PieceBlock{
		Index: binary.BigEndian.Uint32(payload[0:4]),
		Begin: binary.BigEndian.Uint32(payload[4:8]),
		Block: payload[8:],
	}, nil
}

// ExtensionMsg builds an Extension (id 20) message: one leading byte
// giving the extension message id, followed by a bencoded body.
func ExtensionMsg(extMsgID byte, body []byte) Message {
	payload := make([]byte, 1+len(body))
	payload[0] = extMsgID
	copy(payload[1:], body)
	return Message{ID: Extension, Payload: payload}
}

// ParseExtensionMsg splits an Extension payload into its leading
// extension-message id and bencoded/raw body.
func ParseExtensionMsg(payload []byte) (extMsgID byte, body []byte, err error) {
	if len(payload) < 1 {
		return 0, nil, &PeerMisbehavedError{Reason: "extension payload is empty"}
	}
	return payload[0], payload[1:], nil
}
