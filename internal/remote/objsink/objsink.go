// Package objsink stores pushed batches as CSV objects in a bucket.
//
// Each batch becomes one object named
// <prefix>/<node>/<log>/<first>-<last>.csv holding the header line and the
// batch rows. A re-sent batch overwrites the same object.
package objsink

import (
	"bytes"
	"fmt"
	"path"
	"strings"

	"github.com/rzbill/csvsync/internal/remote"
)

// ObjectKey returns the object name for b under prefix.
func ObjectKey(prefix string, b remote.Batch) string {
	node := b.Node
	if node == "" {
		node = "_"
	}
	return path.Join(prefix, node, b.Log, fmt.Sprintf("%012d-%012d.csv", b.First, b.Last()))
}

// Body renders the object content for b.
func Body(b remote.Batch) []byte {
	var buf bytes.Buffer
	buf.WriteString(b.Header)
	buf.WriteByte('\n')
	for _, r := range b.Rows {
		buf.WriteString(r)
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

func checkBucket(bucket string) error {
	if strings.TrimSpace(bucket) == "" {
		return fmt.Errorf("objsink: bucket is required")
	}
	return nil
}
