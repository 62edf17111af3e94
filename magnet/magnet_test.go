package magnet_test

import (
	"encoding/base32"
	"testing"

	"github.com/hallvar-eide/goleech/magnet"
	"github.com/stretchr/testify/require"
)

func TestParseHexInfoHash(t *testing.T) {
	raw := "magnet:?xt=urn:btih:ad42ce8109f54c99613ce38f9b4d87e70f24a165&dn=x&tr=http%3A%2F%2Ftracker%2Fannounce"
	link, err := magnet.Parse(raw)
	require.NoError(t, err)
	require.Equal(t, "ad42ce8109f54c99613ce38f9b4d87e70f24a165", link.InfoHashHex())
	require.Equal(t, "http://tracker/announce", link.TrackerURL)
	require.Equal(t, "x", link.DisplayName)
}

func TestParseMissingPrefixIsMalformed(t *testing.T) {
	_, err := magnet.Parse("xt=urn:btih:ad42ce8109f54c99613ce38f9b4d87e70f24a165")
	require.Error(t, err)
	var mme *magnet.MagnetMalformedError
	require.ErrorAs(t, err, &mme)
}

func TestParseMissingXtIsMalformed(t *testing.T) {
	_, err := magnet.Parse("magnet:?dn=x")
	require.Error(t, err)
}

func TestParseIgnoresUnknownKeys(t *testing.T) {
	link, err := magnet.Parse("magnet:?xt=urn:btih:ad42ce8109f54c99613ce38f9b4d87e70f24a165&x.pe=1.2.3.4:6881")
	require.NoError(t, err)
	require.Equal(t, "ad42ce8109f54c99613ce38f9b4d87e70f24a165", link.InfoHashHex())
}

func TestParseBase32InfoHash(t *testing.T) {
	hexLink, err := magnet.Parse("magnet:?xt=urn:btih:ad42ce8109f54c99613ce38f9b4d87e70f24a165")
	require.NoError(t, err)

	b32 := base32.StdEncoding.EncodeToString(hexLink.InfoHash[:])
	b32Link, err := magnet.Parse("magnet:?xt=urn:btih:" + b32)
	require.NoError(t, err)
	require.Equal(t, hexLink.InfoHash, b32Link.InfoHash)
}

func TestParseRejectsWrongLengthHash(t *testing.T) {
	_, err := magnet.Parse("magnet:?xt=urn:btih:deadbeef")
	require.Error(t, err)
}
