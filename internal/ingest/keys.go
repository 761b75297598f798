package ingest

import (
	"encoding/binary"
	"errors"
)

// Keyspace (byte-wise, lexicographically sortable). Names are length
// prefixed so a '/' inside a node or log name cannot collide with another
// pair.
//
//	i/{node}{log}            -> highest row stored (be8)
//	h/{node}{log}            -> header line
//	r/{node}{log}{row_be8}   -> row line
var (
	indexPrefix  = []byte("i/")
	headerPrefix = []byte("h/")
	rowPrefix    = []byte("r/")
)

func appendName(dst []byte, s string) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(s)))
	return append(dst, s...)
}

func appendBE8(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

func logKey(prefix []byte, node, log string) []byte {
	k := make([]byte, 0, len(prefix)+len(node)+len(log)+20)
	k = append(k, prefix...)
	k = appendName(k, node)
	return appendName(k, log)
}

func keyIndex(node, log string) []byte  { return logKey(indexPrefix, node, log) }
func keyHeader(node, log string) []byte { return logKey(headerPrefix, node, log) }

func keyRow(node, log string, row int64) []byte {
	return appendBE8(logKey(rowPrefix, node, log), uint64(row))
}

func rowsPrefix(node, log string) []byte { return logKey(rowPrefix, node, log) }

var errBadKey = errors.New("malformed key")

// decodeLogKey splits a key built by logKey back into its names.
func decodeLogKey(prefix, k []byte) (node, log string, rest []byte, err error) {
	if len(k) < len(prefix) {
		return "", "", nil, errBadKey
	}
	k = k[len(prefix):]
	read := func() (string, error) {
		n, w := binary.Uvarint(k)
		if w <= 0 || uint64(len(k)-w) < n {
			return "", errBadKey
		}
		s := string(k[w : w+int(n)])
		k = k[w+int(n):]
		return s, nil
	}
	if node, err = read(); err != nil {
		return "", "", nil, err
	}
	if log, err = read(); err != nil {
		return "", "", nil, err
	}
	return node, log, k, nil
}

func decodeBE8(b []byte) int64 {
	if len(b) < 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b[:8]))
}
