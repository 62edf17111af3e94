package wire_test

import (
	"bytes"
	"testing"

	"github.com/hallvar-eide/goleech/wire"
	"github.com/stretchr/testify/require"
)

func TestHandshakeRoundTrip(t *testing.T) {
	var infoHash, peerID [20]byte
	copy(infoHash[:], "aaaaaaaaaaaaaaaaaaaa")
	copy(peerID[:], "-GL0100-bbbbbbbbbbbb")

	h := wire.NewHandshake(infoHash, peerID)
	require.True(t, h.SupportsExtensions())

	buf := h.Marshal()
	require.Len(t, buf, wire.HandshakeSize)
	require.Equal(t, byte(19), buf[0])
	require.Equal(t, wire.Protocol, string(buf[1:20]))

	parsed, err := wire.ParseHandshake(buf)
	require.NoError(t, err)
	require.Equal(t, h, parsed)
}

func TestReadHandshakeRejectsBadProtocolLength(t *testing.T) {
	buf := make([]byte, wire.HandshakeSize)
	buf[0] = 5
	_, err := wire.ReadHandshake(bytes.NewReader(buf))
	require.Error(t, err)
}

func TestReadHandshakeShortRead(t *testing.T) {
	_, err := wire.ReadHandshake(bytes.NewReader([]byte{1, 2, 3}))
	require.Error(t, err)
	var sre *wire.ShortReadError
	require.ErrorAs(t, err, &sre)
}

func TestKeepAliveRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, wire.WriteMessage(&buf, wire.KeepAlive()))
	require.Equal(t, []byte{0, 0, 0, 0}, buf.Bytes())

	m, err := wire.ReadMessage(&buf)
	require.NoError(t, err)
	require.True(t, m.IsKeepAlive)
}

func TestInterestedMessageRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, wire.WriteMessage(&buf, wire.InterestedMsg()))

	m, err := wire.ReadMessage(&buf)
	require.NoError(t, err)
	require.False(t, m.IsKeepAlive)
	require.Equal(t, wire.Interested, m.ID)
	require.Empty(t, m.Payload)
}

func TestRequestPayloadRoundTrip(t *testing.T) {
	req := wire.BlockRequest{Index: 3, Begin: 16384, Length: wire.MaxBlockLength}
	m := wire.RequestMsg(req)
	require.Equal(t, wire.Request, m.ID)

	parsed, err := wire.ParseBlockRequest(m.Payload)
	require.NoError(t, err)
	require.Equal(t, req, parsed)
}

func TestPiecePayloadRoundTrip(t *testing.T) {
	block := wire.PieceBlock{Index: 1, Begin: 0, Block: []byte("hello")}
	m := wire.PieceMsg(block)

	parsed, err := wire.ParsePieceBlock(m.Payload)
	require.NoError(t, err)
	require.Equal(t, block.Index, parsed.Index)
	require.Equal(t, block.Begin, parsed.Begin)
	require.Equal(t, block.Block, parsed.Block)
}

func TestExtensionPayloadRoundTrip(t *testing.T) {
	m := wire.ExtensionMsg(0, []byte("d1:mi11ee"))
	id, body, err := wire.ParseExtensionMsg(m.Payload)
	require.NoError(t, err)
	require.Equal(t, byte(0), id)
	require.Equal(t, "d1:mi11ee", string(body))
}

func TestReadMessageOverWire(t *testing.T) {
	var buf bytes.Buffer
	have := wire.HaveMsg(7)
	require.NoError(t, wire.WriteMessage(&buf, have))

	m, err := wire.ReadMessage(&buf)
	require.NoError(t, err)
	require.Equal(t, wire.Have, m.ID)
	require.Len(t, m.Payload, 4)
}
