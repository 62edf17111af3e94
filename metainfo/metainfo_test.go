package metainfo_test

import (
	"crypto/sha1"
	"testing"

	"github.com/hallvar-eide/goleech/bencode"
	"github.com/hallvar-eide/goleech/metainfo"
	"github.com/stretchr/testify/require"
)

func buildTorrent(t *testing.T, name string, length, pieceLength int64, pieceCount int) []byte {
	t.Helper()
	pieces := make([]byte, 0, pieceCount*20)
	for i := 0; i < pieceCount; i++ {
		digest := sha1.Sum([]byte{byte(i)})
		pieces = append(pieces, digest[:]...)
	}
	info := bencode.Dict(map[string]*bencode.Value{
		"name":         bencode.String([]byte(name)),
		"length":       bencode.Int64(length),
		"piece length": bencode.Int64(pieceLength),
		"pieces":       bencode.String(pieces),
	})
	top := bencode.Dict(map[string]*bencode.Value{
		"announce": bencode.String([]byte("http://bittorrent-test-tracker.codecrafters.io/announce")),
		"info":     info,
	})
	return bencode.Encode(top)
}

func TestParseSingleFile(t *testing.T) {
	raw := buildTorrent(t, "sample.txt", 92063, 32768, 3)
	mi, err := metainfo.Parse(raw)
	require.NoError(t, err)
	require.Equal(t, "bittorrent-test-tracker.codecrafters.io", mi.Announce.Host)
	require.Equal(t, int64(92063), mi.Info.Length)
	require.Equal(t, int64(32768), mi.Info.PieceLength)
	require.Equal(t, int64(3), mi.Info.PieceCount())
}

func TestPieceLenLastPieceIsShort(t *testing.T) {
	raw := buildTorrent(t, "sample.txt", 92063, 32768, 3)
	mi, err := metainfo.Parse(raw)
	require.NoError(t, err)

	l0, err := mi.Info.PieceLen(0)
	require.NoError(t, err)
	require.Equal(t, int64(32768), l0)

	l2, err := mi.Info.PieceLen(2)
	require.NoError(t, err)
	require.Equal(t, int64(92063-2*32768), l2)

	var sum int64
	for i := int64(0); i < mi.Info.PieceCount(); i++ {
		l, err := mi.Info.PieceLen(i)
		require.NoError(t, err)
		sum += l
	}
	require.Equal(t, mi.Info.Length, sum)
}

func TestPieceLenExactMultipleUsesSubtractionNotModulo(t *testing.T) {
	// length is an exact multiple of piece_length: the last piece must
	// still be a full piece_length, not zero (spec.md §9 open question).
	raw := buildTorrent(t, "exact.txt", 65536, 32768, 2)
	mi, err := metainfo.Parse(raw)
	require.NoError(t, err)

	last, err := mi.Info.PieceLen(1)
	require.NoError(t, err)
	require.Equal(t, int64(32768), last)
}

func TestInfoHashIsDeterministic(t *testing.T) {
	raw := buildTorrent(t, "sample.txt", 92063, 32768, 3)
	mi1, err := metainfo.Parse(raw)
	require.NoError(t, err)
	mi2, err := metainfo.Parse(raw)
	require.NoError(t, err)
	require.Equal(t, mi1.Info.InfoHash(), mi2.Info.InfoHash())
}

func TestPieceHashOutOfRange(t *testing.T) {
	raw := buildTorrent(t, "sample.txt", 92063, 32768, 3)
	mi, err := metainfo.Parse(raw)
	require.NoError(t, err)
	_, err = mi.Info.PieceHash(3)
	require.Error(t, err)
}

func TestRejectsPiecesNotMultipleOf20(t *testing.T) {
	info := bencode.Dict(map[string]*bencode.Value{
		"name":         bencode.String([]byte("bad.txt")),
		"length":       bencode.Int64(10),
		"piece length": bencode.Int64(10),
		"pieces":       bencode.String([]byte("short")),
	})
	top := bencode.Dict(map[string]*bencode.Value{
		"announce": bencode.String([]byte("http://tracker/announce")),
		"info":     info,
	})
	_, err := metainfo.Parse(bencode.Encode(top))
	require.Error(t, err)
}

func TestFromRawInfoMatchesParse(t *testing.T) {
	raw := buildTorrent(t, "sample.txt", 92063, 32768, 3)
	mi, err := metainfo.Parse(raw)
	require.NoError(t, err)

	info2, err := metainfo.FromRawInfo(mi.Info.RawInfo())
	require.NoError(t, err)
	require.Equal(t, mi.Info.InfoHash(), info2.InfoHash())
}
