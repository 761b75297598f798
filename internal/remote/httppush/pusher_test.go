package httppush

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rzbill/csvsync/internal/remote"
	"github.com/rzbill/csvsync/internal/remote/codec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBatch() remote.Batch {
	return remote.Batch{Node: "node-1", Log: "speed.csv", Header: "timestamp,speed", First: 3, Rows: []string{"t1,1", "t2,2"}}
}

func TestPushSendsBatch(t *testing.T) {
	for _, comp := range []string{"none", codec.Zstd, codec.LZ4} {
		t.Run(comp, func(t *testing.T) {
			var got remote.PushRequest
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, IngestPath, r.URL.Path)
				assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
				assert.Equal(t, "node-1", r.Header.Get(HeaderInstanceID))
				assert.Equal(t, "node-1/speed.csv/3-4", r.Header.Get(HeaderIdempotencyKey))
				enc := r.Header.Get("Content-Encoding")
				body, err := codec.Decode(enc, r.Body, 1<<20)
				require.NoError(t, err)
				require.NoError(t, json.Unmarshal(body, &got))
				_ = json.NewEncoder(w).Encode(remote.PushResponse{Acked: got.First + int64(len(got.Rows)) - 1})
			}))
			defer srv.Close()

			p, err := New(Options{BaseURL: srv.URL + "/", Token: "secret", Compression: comp})
			require.NoError(t, err)
			acked, err := p.Push(context.Background(), testBatch())
			require.NoError(t, err)
			assert.Equal(t, int64(4), acked)
			assert.Equal(t, testBatch().Request(), got)
		})
	}
}

func TestPushRejections(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"status", func(w http.ResponseWriter, r *http.Request) { http.Error(w, "nope", http.StatusUnauthorized) }},
		{"short ack", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte(`{"acked":3}`)) }},
		{"garbage", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte(`not json`)) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()
			p, err := New(Options{BaseURL: srv.URL})
			require.NoError(t, err)
			_, err = p.Push(context.Background(), testBatch())
			assert.ErrorIs(t, err, remote.ErrRejected)
		})
	}
}

func TestPushTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	p, err := New(Options{BaseURL: srv.URL})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = p.Push(ctx, testBatch())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPushInvalidBatch(t *testing.T) {
	p, err := New(Options{BaseURL: "http://127.0.0.1:1"})
	require.NoError(t, err)
	_, err = p.Push(context.Background(), remote.Batch{Log: "x", First: 1})
	assert.ErrorIs(t, err, remote.ErrInvalidBatch)
}

func TestNewValidates(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
	_, err = New(Options{BaseURL: "http://x", Compression: "brotli"})
	assert.Error(t, err)
}
