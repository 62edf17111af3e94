package wire

import (
	"fmt"
	"io"
)

// Protocol is the literal string every BitTorrent handshake carries.
const Protocol = "BitTorrent protocol"

// HandshakeSize is the fixed length of a handshake frame: 1 + 19 + 8 + 20 + 20.
const HandshakeSize = 1 + len(Protocol) + 8 + 20 + 20

// ExtensionBit is reserved byte index 5, bit 0x10: BEP 10 extension
// protocol support.
const ExtensionBit = 0x10

// Handshake is the 68-byte frame exchanged once per connection before
// any length-prefixed PeerMessage.
type Handshake struct {
	Reserved [8]byte
	InfoHash [20]byte
	PeerID   [20]byte
}

// NewHandshake builds a handshake advertising extension-protocol
// support (reserved byte 5, bit 0x10), per spec.md §4.6 step 1.
func NewHandshake(infoHash, peerID [20]byte) Handshake {
	h := Handshake{InfoHash: infoHash, PeerID: peerID}
	h.Reserved[5] |= ExtensionBit
	return h
}

// SupportsExtensions reports whether the extension-protocol reserved
// bit is set.
func (h Handshake) SupportsExtensions() bool {
	return h.Reserved[5]&ExtensionBit != 0
}

// Marshal serializes the handshake to its wire form.
func (h Handshake) Marshal() []byte {
	buf := make([]byte, 0, HandshakeSize)
	buf = append(buf, byte(len(Protocol)))
	buf = append(buf, Protocol...)
	buf = append(buf, h.Reserved[:]...)
	buf = append(buf, h.InfoHash[:]...)
	buf = append(buf, h.PeerID[:]...)
	return buf
}

// ReadHandshake reads and validates exactly HandshakeSize bytes from r.
func ReadHandshake(r io.Reader) (Handshake, error) {
	buf := make([]byte, HandshakeSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Handshake{}, &ShortReadError{Err: err}
	}
	return ParseHandshake(buf)
}

// ParseHandshake decodes an already-read 68-byte buffer.
func ParseHandshake(buf []byte) (Handshake, error) {
	if len(buf) != HandshakeSize {
		return Handshake{}, fmt.Errorf("handshake must be %d bytes, got %d", HandshakeSize, len(buf))
	}
	if buf[0] != byte(len(Protocol)) {
		return Handshake{}, &PeerMisbehavedError{Reason: "unexpected protocol name length"}
	}
	if string(buf[1:1+len(Protocol)]) != Protocol {
		return Handshake{}, &PeerMisbehavedError{Reason: "unexpected protocol name"}
	}
	var h Handshake
	off := 1 + len(Protocol)
	copy(h.Reserved[:], buf[off:off+8])
	off += 8
	copy(h.InfoHash[:], buf[off:off+20])
	off += 20
	copy(h.PeerID[:], buf[off:off+20])
	return h, nil
}
