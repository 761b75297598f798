// Package codec compresses push bodies for the HTTP transport. The encoding
// name doubles as the Content-Encoding header value.
package codec

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

const (
	Identity = "identity"
	Zstd     = "zstd"
	LZ4      = "lz4"
)

var (
	zOnce sync.Once
	zEnc  *zstd.Encoder
	zDec  *zstd.Decoder
	zErr  error
)

func zstdCodec() (*zstd.Encoder, *zstd.Decoder, error) {
	zOnce.Do(func() {
		zEnc, zErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if zErr != nil {
			return
		}
		zDec, zErr = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(64<<20))
	})
	return zEnc, zDec, zErr
}

// Normalize maps user spellings ("", "none", "ZSTD") to a canonical name.
func Normalize(name string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none", Identity:
		return Identity, nil
	case Zstd:
		return Zstd, nil
	case LZ4:
		return LZ4, nil
	default:
		return "", fmt.Errorf("unsupported compression %q", name)
	}
}

// Encode compresses data with the named encoding.
func Encode(name string, data []byte) ([]byte, error) {
	name, err := Normalize(name)
	if err != nil {
		return nil, err
	}
	switch name {
	case Zstd:
		enc, _, err := zstdCodec()
		if err != nil {
			return nil, err
		}
		return enc.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
	case LZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return data, nil
	}
}

// Decode reads r fully and decompresses it with the named encoding, reading
// at most limit decompressed bytes.
func Decode(name string, r io.Reader, limit int64) ([]byte, error) {
	name, err := Normalize(name)
	if err != nil {
		return nil, err
	}
	switch name {
	case Zstd:
		_, dec, err := zstdCodec()
		if err != nil {
			return nil, err
		}
		raw, err := io.ReadAll(io.LimitReader(r, limit))
		if err != nil {
			return nil, err
		}
		out, err := dec.DecodeAll(raw, nil)
		if err != nil {
			return nil, err
		}
		if int64(len(out)) > limit {
			return nil, fmt.Errorf("decoded body exceeds %d bytes", limit)
		}
		return out, nil
	case LZ4:
		return readLimited(lz4.NewReader(r), limit)
	default:
		return readLimited(r, limit)
	}
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	out, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(out)) > limit {
		return nil, fmt.Errorf("body exceeds %d bytes", limit)
	}
	return out, nil
}
