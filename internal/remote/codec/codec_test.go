package codec

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	data := []byte(strings.Repeat("2024-01-01 00:00:00,12.35,100\n", 200))
	for _, name := range []string{"", "none", Identity, Zstd, LZ4, "ZSTD"} {
		t.Run(name, func(t *testing.T) {
			enc, err := Encode(name, data)
			require.NoError(t, err)
			norm, _ := Normalize(name)
			if norm != Identity {
				assert.Less(t, len(enc), len(data))
			}
			dec, err := Decode(name, bytes.NewReader(enc), 1<<20)
			require.NoError(t, err)
			assert.Equal(t, data, dec)
		})
	}
}

func TestUnsupported(t *testing.T) {
	_, err := Encode("brotli", nil)
	assert.Error(t, err)
	_, err = Decode("brotli", bytes.NewReader(nil), 10)
	assert.Error(t, err)
}

func TestDecodeLimit(t *testing.T) {
	data := bytes.Repeat([]byte("x"), 100)
	for _, name := range []string{Identity, Zstd, LZ4} {
		enc, err := Encode(name, data)
		require.NoError(t, err)
		_, err = Decode(name, bytes.NewReader(enc), 10)
		assert.Error(t, err, name)
	}
}
