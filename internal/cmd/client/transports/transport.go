// Package transports provides the read side of the ingest server for the
// CLI.
package transports

import (
	"context"

	"github.com/rzbill/csvsync/internal/ingest"
)

// RowsRequest selects rows of one received log.
type RowsRequest struct {
	Node  string
	Log   string
	From  int64
	Limit int
}

// RowsPage is the answer to a RowsRequest.
type RowsPage struct {
	Header string
	Rows   []ingest.Row
}

// IngestReader abstracts how the CLI reads back what an ingest server holds.
type IngestReader interface {
	Logs(ctx context.Context) ([]ingest.LogInfo, error)
	Rows(ctx context.Context, req RowsRequest) (RowsPage, error)
}
