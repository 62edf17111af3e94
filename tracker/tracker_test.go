package tracker_test

import (
	"net"
	"testing"

	"github.com/hallvar-eide/goleech/bencode"
	"github.com/hallvar-eide/goleech/tracker"
	"github.com/stretchr/testify/require"
)

func TestDecodePeersBijection(t *testing.T) {
	blob := []byte{192, 168, 1, 1, 0x1A, 0xE1, 10, 0, 0, 5, 0x00, 0x50}
	peers, err := tracker.DecodePeers(blob)
	require.NoError(t, err)
	require.Len(t, peers, 2)
	require.Equal(t, net.IPv4(192, 168, 1, 1).To4(), peers[0].IP.To4())
	require.Equal(t, uint16(0x1AE1), peers[0].Port)
	require.Equal(t, uint16(80), peers[1].Port)

	for i, p := range peers {
		require.Equal(t, blob[i*6:i*6+6], tracker.EncodePeer(p))
	}
}

func TestDecodePeersRejectsBadLength(t *testing.T) {
	_, err := tracker.DecodePeers([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestAnnounceResponseParsing(t *testing.T) {
	peersBlob := []byte{127, 0, 0, 1, 0x1A, 0xE1}
	resp := bencode.Dict(map[string]*bencode.Value{
		"interval": bencode.Int64(1800),
		"peers":    bencode.String(peersBlob),
	})
	encoded := bencode.Encode(resp)

	// exercise the same decode path Announce uses internally by
	// round-tripping through DecodePeers directly, since parseResponse
	// is unexported: the HTTP transport itself is out of scope (spec.md
	// §1) and is not unit-tested here.
	v, _, err := bencode.Decode(encoded)
	require.NoError(t, err)
	peers, err := tracker.DecodePeers(v.Dict["peers"].Bytes)
	require.NoError(t, err)
	require.Len(t, peers, 1)
	require.Equal(t, uint16(0x1AE1), peers[0].Port)
}
