// Package httppush pushes batches to an ingest server over HTTP.
//
// Wire format: POST {base}/api/ingest/rows with a JSON remote.PushRequest,
// optionally compressed (Content-Encoding: zstd|lz4). The server answers
// 200 {"acked": N}; any other status is a rejection.
package httppush

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rzbill/csvsync/internal/remote"
	"github.com/rzbill/csvsync/internal/remote/codec"
)

// IngestPath is the ingest route relative to the base URL.
const IngestPath = "/api/ingest/rows"

// Header names shared with the ingest server.
const (
	HeaderInstanceID     = "X-Instance-ID"
	HeaderIdempotencyKey = "Idempotency-Key"
)

// Options configures a Pusher.
type Options struct {
	BaseURL     string
	Token       string
	Compression string
	Timeout     time.Duration
	// Client overrides the HTTP client; Timeout is ignored when set.
	Client *http.Client
}

// Pusher implements remote.Pusher over HTTP.
type Pusher struct {
	endpoint    string
	token       string
	compression string
	client      *http.Client
}

var _ remote.Pusher = (*Pusher)(nil)

// New validates opts and returns a Pusher.
func New(opts Options) (*Pusher, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("httppush: base URL is required")
	}
	comp, err := codec.Normalize(opts.Compression)
	if err != nil {
		return nil, fmt.Errorf("httppush: %w", err)
	}
	client := opts.Client
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Pusher{
		endpoint:    strings.TrimRight(opts.BaseURL, "/") + IngestPath,
		token:       opts.Token,
		compression: comp,
		client:      client,
	}, nil
}

// Push sends b and waits for the acknowledgment.
func (p *Pusher) Push(ctx context.Context, b remote.Batch) (int64, error) {
	if err := b.Validate(); err != nil {
		return 0, err
	}
	body, err := json.Marshal(b.Request())
	if err != nil {
		return 0, err
	}
	payload, err := codec.Encode(p.compression, body)
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.compression != codec.Identity {
		req.Header.Set("Content-Encoding", p.compression)
	}
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}
	req.Header.Set(HeaderInstanceID, b.Node)
	req.Header.Set(HeaderIdempotencyKey, b.IdempotencyKey())

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("push %s: %w", b.IdempotencyKey(), err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, fmt.Errorf("push %s: read response: %w", b.IdempotencyKey(), err)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("%w: HTTP %d: %s", remote.ErrRejected, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	var pr remote.PushResponse
	if err := json.Unmarshal(data, &pr); err != nil {
		return 0, fmt.Errorf("%w: malformed ack: %v", remote.ErrRejected, err)
	}
	if err := remote.CheckAck(b, pr.Acked); err != nil {
		return pr.Acked, err
	}
	return pr.Acked, nil
}
