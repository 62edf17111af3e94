// Package peer implements the per-connection peer-session state
// machine: handshake, bitfield, the choke/interested dance, and
// request/piece block pipelining.
package peer

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/hallvar-eide/goleech/bitfield"
	"github.com/hallvar-eide/goleech/wire"
	"github.com/sirupsen/logrus"
)

// State is a peer session's position in the state machine of
// spec.md §4.6.
type State int

const (
	Connecting State = iota
	HandshakeSent
	HandshakeAcked
	BitfieldReceived
	InterestedSent
	Unchoked
	Ready
	AwaitingBlock
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case HandshakeSent:
		return "handshake_sent"
	case HandshakeAcked:
		return "handshake_acked"
	case BitfieldReceived:
		return "bitfield_received"
	case InterestedSent:
		return "interested_sent"
	case Unchoked:
		return "unchoked"
	case Ready:
		return "ready"
	case AwaitingBlock:
		return "awaiting_block"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	connectTimeout = 30 * time.Second
	readTimeout    = 60 * time.Second
)

// PeerMisbehavedError reports a protocol violation by the peer at
// Addr, detected by the session itself: a handshake info-hash
// mismatch or a block outside the requested piece's bounds. It is a
// separate type from wire.PeerMisbehavedError and does not wrap it.
type PeerMisbehavedError struct {
	Addr   string
	Reason string
}

func (e *PeerMisbehavedError) Error() string {
	return fmt.Sprintf("peer %s misbehaved: %s", e.Addr, e.Reason)
}

// PieceSpec is the subset of an Info piece a session needs to
// download and verify one piece: its index, expected hash and length.
type PieceSpec struct {
	Index  int
	Hash   [20]byte
	Length int
}

// Session owns a single TCP connection to a peer from successful
// handshake through close. It is never used concurrently from more
// than one goroutine (spec.md §5: "no concurrent use of a single TCP
// stream").
type Session struct {
	conn     net.Conn
	Addr     string
	PeerID   [20]byte
	Bitfield bitfield.Bitfield

	state              State
	peerChoking        bool
	supportsExtensions bool
	log                logrus.FieldLogger
}

// Dial opens a TCP connection to addr, performs the handshake, and
// waits up to 5 seconds for one opening message, folding it into
// session state (normally the Bitfield, which is optional per
// spec.md §4.6 step 2). Any later message is left unread. The
// returned Session is in state BitfieldReceived.
func Dial(addr string, infoHash, ourPeerID [20]byte, numPieces int, log logrus.FieldLogger) (*Session, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	conn, err := net.DialTimeout("tcp", addr, connectTimeout)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}

	s := &Session{
		conn:     conn,
		Addr:     addr,
		Bitfield: bitfield.New(numPieces),
		state:    Connecting,
		log:      log.WithField("peer", addr),
	}

	if err := s.handshake(infoHash, ourPeerID); err != nil {
		conn.Close()
		return nil, err
	}

	// The peer may lead with a Bitfield, but isn't required to; drain
	// whatever comes first and fold it into session state, then move
	// on. A peer that never sends one simply advertises no pieces yet.
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	msg, err := wire.ReadMessage(conn)
	conn.SetReadDeadline(time.Time{})
	if err == nil {
		s.handleMessage(msg)
	}
	s.state = BitfieldReceived
	return s, nil
}

func (s *Session) handshake(infoHash, ourPeerID [20]byte) error {
	out := wire.NewHandshake(infoHash, ourPeerID)
	s.conn.SetDeadline(time.Now().Add(connectTimeout))
	defer s.conn.SetDeadline(time.Time{})

	if _, err := s.conn.Write(out.Marshal()); err != nil {
		return fmt.Errorf("sending handshake to %s: %w", s.Addr, err)
	}
	s.state = HandshakeSent

	in, err := wire.ReadHandshake(s.conn)
	if err != nil {
		return fmt.Errorf("reading handshake from %s: %w", s.Addr, err)
	}
	if !bytes.Equal(in.InfoHash[:], infoHash[:]) {
		return &PeerMisbehavedError{Addr: s.Addr, Reason: "handshake info hash mismatch"}
	}
	s.PeerID = in.PeerID
	s.supportsExtensions = in.SupportsExtensions()
	s.state = HandshakeAcked
	return nil
}

// SupportsExtensions reports whether the peer advertised BEP 10
// extension-protocol support in its handshake.
func (s *Session) SupportsExtensions() bool { return s.supportsExtensions }

// State returns the session's current state.
func (s *Session) State() State { return s.state }

// Conn exposes the underlying connection for the extension package's
// BEP 10 handshake and ut_metadata exchange, which ride the same
// length-prefixed message stream but aren't part of the core download
// state machine.
func (s *Session) Conn() net.Conn { return s.conn }

// HasPiece reports whether the peer's advertised bitfield includes index.
func (s *Session) HasPiece(index int) bool { return s.Bitfield.Has(index) }

// Close marks the session Closed and closes the connection. It sends
// nothing to the peer first: no Cancel goes out for requests that are
// still outstanding.
func (s *Session) Close() error {
	s.state = Closed
	return s.conn.Close()
}

// SendInterested announces interest and transitions to InterestedSent.
func (s *Session) SendInterested() error {
	if err := wire.WriteMessage(s.conn, wire.InterestedMsg()); err != nil {
		return fmt.Errorf("sending interested to %s: %w", s.Addr, err)
	}
	s.state = InterestedSent
	return nil
}

// AwaitUnchoke drains incoming messages, per spec.md §4.6 step 3,
// until the peer unchokes us or readTimeout elapses. Choke, Have, and
// NotInterested are folded into session state; any Piece received
// while waiting is discarded as unsolicited.
func (s *Session) AwaitUnchoke() error {
	deadline := time.Now().Add(readTimeout)
	for s.state != Unchoked {
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for unchoke from %s", s.Addr)
		}
		s.conn.SetReadDeadline(deadline)
		msg, err := wire.ReadMessage(s.conn)
		s.conn.SetReadDeadline(time.Time{})
		if err != nil {
			return fmt.Errorf("reading from %s while awaiting unchoke: %w", s.Addr, err)
		}
		s.handleMessage(msg)
		if s.state == Unchoked {
			break
		}
	}
	s.state = Ready
	return nil
}

// handleMessage folds a generic incoming message into session state.
// It is used both during bootstrap and while idle between piece
// downloads; it never issues new requests.
func (s *Session) handleMessage(msg wire.Message) {
	if msg.IsKeepAlive {
		return
	}
	switch msg.ID {
	case wire.Choke:
		s.peerChoking = true
		if s.state == Unchoked || s.state == Ready {
			s.state = InterestedSent
		}
	case wire.Unchoke:
		s.peerChoking = false
		s.state = Unchoked
	case wire.Have:
		if len(msg.Payload) == 4 {
			s.Bitfield.Set(int(binary.BigEndian.Uint32(msg.Payload)))
		}
	case wire.BitfieldMsg:
		s.Bitfield = bitfield.Bitfield(append([]byte(nil), msg.Payload...))
	case wire.NotInterested:
		s.log.Debug("peer sent not_interested")
	default:
		s.log.WithField("id", msg.ID.String()).Debug("ignoring unsolicited message while idle")
	}
}

// DownloadPiece requests and assembles one piece, pipelining up to
// pipelineDepth outstanding requests (spec.md §4.8 block level; a
// pipelineDepth of 1 degenerates to the strictly-sequential model the
// spec also permits). It verifies the assembled bytes against
// piece.Hash before returning.
func (s *Session) DownloadPiece(piece PieceSpec, pipelineDepth int) ([]byte, error) {
	if s.peerChoking {
		return nil, fmt.Errorf("cannot request from %s: peer is choking", s.Addr)
	}
	if pipelineDepth < 1 {
		pipelineDepth = 1
	}

	s.state = AwaitingBlock
	buf := make([]byte, piece.Length)
	downloaded := 0
	nextOffset := 0
	inFlight := 0

	s.conn.SetDeadline(time.Now().Add(readTimeout))
	defer s.conn.SetDeadline(time.Time{})

	requestNext := func() error {
		for inFlight < pipelineDepth && nextOffset < piece.Length {
			length := wire.MaxBlockLength
			if nextOffset+length > piece.Length {
				length = piece.Length - nextOffset
			}
			req := wire.BlockRequest{Index: uint32(piece.Index), Begin: uint32(nextOffset), Length: uint32(length)}
			if err := wire.WriteMessage(s.conn, wire.RequestMsg(req)); err != nil {
				return fmt.Errorf("requesting block from %s: %w", s.Addr, err)
			}
			nextOffset += length
			inFlight++
		}
		return nil
	}

	if err := requestNext(); err != nil {
		return nil, err
	}

	for downloaded < piece.Length {
		msg, err := wire.ReadMessage(s.conn)
		if err != nil {
			return nil, fmt.Errorf("reading from %s during piece %d: %w", s.Addr, piece.Index, err)
		}
		if msg.IsKeepAlive {
			continue
		}
		switch msg.ID {
		case wire.Choke:
			s.peerChoking = true
			return nil, fmt.Errorf("peer %s choked mid-piece %d", s.Addr, piece.Index)
		case wire.Piece:
			block, err := wire.ParsePieceBlock(msg.Payload)
			if err != nil {
				return nil, err
			}
			if int(block.Index) != piece.Index {
				continue // stale block for a previously requeued piece
			}
			if int(block.Begin)+len(block.Block) > piece.Length {
				return nil, &PeerMisbehavedError{Addr: s.Addr, Reason: "piece block runs past piece bounds"}
			}
			downloaded += copy(buf[block.Begin:], block.Block)
			inFlight--
			if err := requestNext(); err != nil {
				return nil, err
			}
		case wire.Have:
			s.handleMessage(msg)
		default:
			s.log.WithField("id", msg.ID.String()).Debug("ignoring message during piece download")
		}
	}

	hash := sha1.Sum(buf)
	if !bytes.Equal(hash[:], piece.Hash[:]) {
		return nil, fmt.Errorf("piece %d hash mismatch", piece.Index)
	}
	s.state = Ready
	return buf, nil
}

// SendHave announces a completed piece to the peer.
func (s *Session) SendHave(index int) error {
	return wire.WriteMessage(s.conn, wire.HaveMsg(uint32(index)))
}

// SendCancel sends a Cancel for req. Nothing in this module calls it:
// neither Close nor a failed DownloadPiece cancels the requests it
// leaves outstanding.
func (s *Session) SendCancel(req wire.BlockRequest) error {
	return wire.WriteMessage(s.conn, wire.CancelMsg(req))
}
