package transports

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rzbill/csvsync/internal/ingest"
)

// HTTPTransport implements IngestReader over the ingest HTTP API.
type HTTPTransport struct {
	base   string
	token  string
	client *http.Client
}

// NewHTTPTransport reads from the server at baseURL.
func NewHTTPTransport(baseURL, token string) *HTTPTransport {
	return &HTTPTransport{
		base:   strings.TrimRight(baseURL, "/"),
		token:  token,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *HTTPTransport) get(ctx context.Context, path string, q url.Values, out any) error {
	u := t.base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("GET %s: HTTP %d: %s", path, resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Logs lists the logs held by the server.
func (t *HTTPTransport) Logs(ctx context.Context) ([]ingest.LogInfo, error) {
	var out struct {
		Logs []ingest.LogInfo `json:"logs"`
	}
	if err := t.get(ctx, "/api/logs", nil, &out); err != nil {
		return nil, err
	}
	return out.Logs, nil
}

// Rows reads one page of rows.
func (t *HTTPTransport) Rows(ctx context.Context, req RowsRequest) (RowsPage, error) {
	q := url.Values{"log": {req.Log}}
	if req.From > 0 {
		q.Set("from", strconv.FormatInt(req.From, 10))
	}
	if req.Limit > 0 {
		q.Set("limit", strconv.Itoa(req.Limit))
	}
	var out struct {
		Header string       `json:"header"`
		Rows   []ingest.Row `json:"rows"`
	}
	if err := t.get(ctx, "/api/logs/"+url.PathEscape(req.Node)+"/rows", q, &out); err != nil {
		return RowsPage{}, err
	}
	return RowsPage{Header: out.Header, Rows: out.Rows}, nil
}
