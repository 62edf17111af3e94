package engine_test

import (
	"context"
	"crypto/sha1"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/hallvar-eide/goleech/bencode"
	"github.com/hallvar-eide/goleech/engine"
	"github.com/hallvar-eide/goleech/metainfo"
	"github.com/hallvar-eide/goleech/tracker"
	"github.com/hallvar-eide/goleech/wire"
	"github.com/stretchr/testify/require"
)

// fakePeer serves every piece of content over one accepted connection,
// honoring the handshake, an all-ones bitfield, Unchoke, and Request.
func fakePeer(t *testing.T, infoHash [20]byte, content []byte, pieceLength int) net.Listener {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		hs, err := wire.ReadHandshake(conn)
		if err != nil || hs.InfoHash != infoHash {
			return
		}
		var peerID [20]byte
		copy(peerID[:], "33333333333333333333")
		out := wire.NewHandshake(infoHash, peerID)
		conn.Write(out.Marshal())

		numPieces := (len(content) + pieceLength - 1) / pieceLength
		bf := make([]byte, (numPieces+7)/8)
		for i := 0; i < numPieces; i++ {
			bf[i/8] |= 1 << uint(7-i%8)
		}
		wire.WriteMessage(conn, wire.Message{ID: wire.BitfieldMsg, Payload: bf})

		// drain the Interested message before unchoking.
		wire.ReadMessage(conn)
		wire.WriteMessage(conn, wire.UnchokeMsg())

		for {
			msg, err := wire.ReadMessage(conn)
			if err != nil {
				return
			}
			if msg.ID != wire.Request {
				continue
			}
			req, err := wire.ParseBlockRequest(msg.Payload)
			if err != nil {
				return
			}
			pieceStart := int(req.Index) * pieceLength
			begin := pieceStart + int(req.Begin)
			end := begin + int(req.Length)
			if end > len(content) {
				end = len(content)
			}
			wire.WriteMessage(conn, wire.PieceMsg(wire.PieceBlock{
				Index: req.Index,
				Begin: req.Begin,
				Block: content[begin:end],
			}))
		}
	}()
	return l
}

func buildInfo(t *testing.T, content []byte, pieceLength int) (*metainfo.Info, [20]byte) {
	t.Helper()
	var pieces []byte
	for i := 0; i < len(content); i += pieceLength {
		end := i + pieceLength
		if end > len(content) {
			end = len(content)
		}
		h := sha1.Sum(content[i:end])
		pieces = append(pieces, h[:]...)
	}
	infoVal := bencode.Dict(map[string]*bencode.Value{
		"name":         bencode.String([]byte("sample.txt")),
		"length":       bencode.Int64(int64(len(content))),
		"piece length": bencode.Int64(int64(pieceLength)),
		"pieces":       bencode.String(pieces),
	})
	top := bencode.Dict(map[string]*bencode.Value{
		"announce": bencode.String([]byte("http://tracker/announce")),
		"info":     infoVal,
	})
	mi, err := metainfo.Parse(bencode.Encode(top))
	require.NoError(t, err)
	return mi.Info, mi.Info.InfoHash()
}

func listenerEndpoint(t *testing.T, l net.Listener) tracker.PeerEndpoint {
	t.Helper()
	_, portStr, err := net.SplitHostPort(l.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return tracker.PeerEndpoint{IP: net.ParseIP("127.0.0.1"), Port: uint16(port)}
}

func TestEngineDownloadAssemblesAndVerifies(t *testing.T) {
	content := []byte("the quick brown fox jumps over the lazy dog, twice over for good measure")
	pieceLength := 16
	info, infoHash := buildInfo(t, content, pieceLength)

	l := fakePeer(t, infoHash, content, pieceLength)
	endpoint := listenerEndpoint(t, l)

	var ourID [20]byte
	copy(ourID[:], "44444444444444444444")
	e := engine.New(info, infoHash, ourID, engine.Options{Workers: 2})

	ctx := context.Background()
	peers, err := e.Bootstrap(ctx, []tracker.PeerEndpoint{endpoint})
	require.NoError(t, err)

	results, err := e.Download(ctx, peers)
	require.NoError(t, err)

	got, err := engine.Assemble(results, int(info.PieceCount()))
	require.NoError(t, err)
	require.Equal(t, content, got)
}

func TestEngineDownloadPieceReturnsOnlyThatPiece(t *testing.T) {
	content := []byte("the quick brown fox jumps over the lazy dog, twice over for good measure")
	pieceLength := 16
	info, infoHash := buildInfo(t, content, pieceLength)

	l := fakePeer(t, infoHash, content, pieceLength)
	endpoint := listenerEndpoint(t, l)

	var ourID [20]byte
	copy(ourID[:], "44444444444444444444")
	e := engine.New(info, infoHash, ourID, engine.Options{Workers: 1})

	ctx := context.Background()
	peers, err := e.Bootstrap(ctx, []tracker.PeerEndpoint{endpoint})
	require.NoError(t, err)

	data, err := e.DownloadPiece(ctx, peers, 1)
	require.NoError(t, err)
	require.Equal(t, content[pieceLength:2*pieceLength], data)
}

// flakyPeer serves piece 0 normally, then closes the connection the
// moment a Request for any other piece arrives, simulating an I/O
// failure partway through a download.
func flakyPeer(t *testing.T, infoHash [20]byte, content []byte, pieceLength int) net.Listener {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		hs, err := wire.ReadHandshake(conn)
		if err != nil || hs.InfoHash != infoHash {
			return
		}
		var peerID [20]byte
		copy(peerID[:], "55555555555555555555")
		out := wire.NewHandshake(infoHash, peerID)
		conn.Write(out.Marshal())

		numPieces := (len(content) + pieceLength - 1) / pieceLength
		bf := make([]byte, (numPieces+7)/8)
		for i := 0; i < numPieces; i++ {
			bf[i/8] |= 1 << uint(7-i%8)
		}
		wire.WriteMessage(conn, wire.Message{ID: wire.BitfieldMsg, Payload: bf})

		wire.ReadMessage(conn)
		wire.WriteMessage(conn, wire.UnchokeMsg())

		for {
			msg, err := wire.ReadMessage(conn)
			if err != nil {
				return
			}
			if msg.ID != wire.Request {
				continue
			}
			req, err := wire.ParseBlockRequest(msg.Payload)
			if err != nil {
				return
			}
			if req.Index != 0 {
				return // simulate the peer dropping mid-download
			}
			pieceStart := int(req.Index) * pieceLength
			begin := pieceStart + int(req.Begin)
			end := begin + int(req.Length)
			if end > len(content) {
				end = len(content)
			}
			wire.WriteMessage(conn, wire.PieceMsg(wire.PieceBlock{
				Index: req.Index,
				Begin: req.Begin,
				Block: content[begin:end],
			}))
		}
	}()
	return l
}

// TestEngineDownloadTerminatesWhenRemainingPiecesAreUnreachable covers
// the case where the only peer advertising the remaining pieces is
// dropped after an I/O error but hasn't yet exhausted its retry
// budget: the engine must report a fatal error instead of spinning
// forever waiting for a peer that will never reappear.
func TestEngineDownloadTerminatesWhenRemainingPiecesAreUnreachable(t *testing.T) {
	content := []byte("the quick brown fox jumps over the lazy dog, twice over for measure")
	pieceLength := 16
	info, infoHash := buildInfo(t, content, pieceLength)

	l := flakyPeer(t, infoHash, content, pieceLength)
	endpoint := listenerEndpoint(t, l)

	var ourID [20]byte
	copy(ourID[:], "44444444444444444444")
	e := engine.New(info, infoHash, ourID, engine.Options{Workers: 2})

	ctx := context.Background()
	peers, err := e.Bootstrap(ctx, []tracker.PeerEndpoint{endpoint})
	require.NoError(t, err)

	done := make(chan struct{})
	var downloadErr error
	go func() {
		_, downloadErr = e.Download(ctx, peers)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Download did not terminate: liveness guard regressed")
	}

	require.Error(t, downloadErr)
	var unreachable *engine.PiecesUnreachableError
	require.ErrorAs(t, downloadErr, &unreachable)
}

func TestBootstrapFailsWithNoReachablePeers(t *testing.T) {
	content := []byte("x")
	info, infoHash := buildInfo(t, content, 16)
	var ourID [20]byte
	copy(ourID[:], "44444444444444444444")
	e := engine.New(info, infoHash, ourID, engine.Options{})

	_, err := e.Bootstrap(context.Background(), []tracker.PeerEndpoint{
		{IP: net.ParseIP("127.0.0.1"), Port: 1}, // nothing listening
	})
	require.Error(t, err)
	var npe engine.NoPeersError
	require.ErrorAs(t, err, &npe)
}
