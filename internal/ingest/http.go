package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rzbill/csvsync/internal/remote"
	"github.com/rzbill/csvsync/internal/remote/codec"
	"github.com/rzbill/csvsync/internal/remote/httppush"
	logpkg "github.com/rzbill/csvsync/pkg/log"
	"github.com/valyala/fastjson"
)

// DefaultMaxBody bounds a decoded push body.
const DefaultMaxBody = 8 << 20

const defaultReadLimit = 1000

// HTTPOptions configures the HTTP ingest server.
type HTTPOptions struct {
	Store   *Store
	Auth    *Authenticator
	Logger  logpkg.Logger
	MaxBody int64
}

// HTTPServer receives batches pushed by httppush and serves them back.
type HTTPServer struct {
	store   *Store
	auth    *Authenticator
	logger  logpkg.Logger
	maxBody int64
	parser  fastjson.ParserPool

	router *chi.Mux
	srv    *http.Server
	lis    net.Listener
}

// NewHTTPServer builds the router.
func NewHTTPServer(opts HTTPOptions) *HTTPServer {
	logger := opts.Logger
	if logger == nil {
		logger = logpkg.NewNopLogger()
	}
	maxBody := opts.MaxBody
	if maxBody <= 0 {
		maxBody = DefaultMaxBody
	}
	s := &HTTPServer{
		store:   opts.Store,
		auth:    opts.Auth,
		logger:  logger.WithComponent("ingest-http"),
		maxBody: maxBody,
		router:  chi.NewRouter(),
	}
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.requestLogger)
	s.router.Use(middleware.Recoverer)

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Group(func(r chi.Router) {
			r.Use(s.requireToken)
			r.Post("/ingest/rows", s.handleIngest)
			r.Get("/logs", s.handleListLogs)
			r.Get("/logs/{node}/rows", s.handleReadRows)
		})
	})
	s.srv = &http.Server{Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	return s
}

// Handler returns the routed handler, for tests and embedding.
func (s *HTTPServer) Handler() http.Handler { return s.router }

// ListenAndServe binds addr and serves until ctx is done.
func (s *HTTPServer) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, l)
}

// Serve serves on l until ctx is done.
func (s *HTTPServer) Serve(ctx context.Context, l net.Listener) error {
	s.lis = l
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(l) }()
	select {
	case <-ctx.Done():
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(cctx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Close closes the listener.
func (s *HTTPServer) Close() {
	if s.lis != nil {
		_ = s.lis.Close()
	}
}

func (s *HTTPServer) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			logpkg.Str("request_id", middleware.GetReqID(r.Context())),
			logpkg.Str("method", r.Method),
			logpkg.Str("path", r.URL.Path),
			logpkg.Int("status", ww.Status()),
			logpkg.Dur("duration", time.Since(start)),
			logpkg.Str("ip", r.RemoteAddr))
	})
}

func (s *HTTPServer) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, _ := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if err := s.auth.Check(token); err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="csvsync"`)
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.Logs(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_serving"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) handleIngest(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	body, err := codec.Decode(r.Header.Get("Content-Encoding"), r.Body, s.maxBody)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("read body: %v", err))
		return
	}
	b, err := s.parseBatch(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if b.Node == "" {
		b.Node = r.Header.Get(httppush.HeaderInstanceID)
	}
	if err := b.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if key := r.Header.Get(httppush.HeaderIdempotencyKey); key != "" && key != b.IdempotencyKey() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("idempotency key %q does not match rows %s", key, b.IdempotencyKey()))
		return
	}
	acked, err := s.store.Append(r.Context(), b)
	if err != nil {
		s.logger.Error("store batch failed", logpkg.Str("key", b.IdempotencyKey()), logpkg.Err(err))
		writeError(w, http.StatusInternalServerError, "store failed")
		return
	}
	writeJSON(w, http.StatusOK, remote.PushResponse{Acked: acked})
}

// parseBatch reads a remote.PushRequest with a pooled fastjson parser.
func (s *HTTPServer) parseBatch(body []byte) (remote.Batch, error) {
	p := s.parser.Get()
	defer s.parser.Put(p)
	v, err := p.ParseBytes(body)
	if err != nil {
		return remote.Batch{}, fmt.Errorf("invalid JSON: %w", err)
	}
	if v.Type() != fastjson.TypeObject {
		return remote.Batch{}, errors.New("invalid JSON: expected an object")
	}
	b := remote.Batch{
		Node:   string(v.GetStringBytes("node")),
		Log:    string(v.GetStringBytes("log")),
		Header: string(v.GetStringBytes("header")),
	}
	if fv := v.Get("first"); fv != nil {
		if b.First, err = fv.Int64(); err != nil {
			return remote.Batch{}, fmt.Errorf("first: %w", err)
		}
	}
	for i, rv := range v.GetArray("rows") {
		line, err := rv.StringBytes()
		if err != nil {
			return remote.Batch{}, fmt.Errorf("rows[%d]: %w", i, err)
		}
		b.Rows = append(b.Rows, string(line))
	}
	return b, nil
}

func (s *HTTPServer) handleListLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := s.store.Logs()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if logs == nil {
		logs = []LogInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

type rowsResponse struct {
	Node   string `json:"node"`
	Log    string `json:"log"`
	Header string `json:"header"`
	Rows   []Row  `json:"rows"`
}

func (s *HTTPServer) handleReadRows(w http.ResponseWriter, r *http.Request) {
	node := chi.URLParam(r, "node")
	q := r.URL.Query()
	log := q.Get("log")
	if log == "" {
		writeError(w, http.StatusBadRequest, "log is required")
		return
	}
	from := int64(1)
	if v := q.Get("from"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "from must be a positive row number")
			return
		}
		from = n
	}
	limit := defaultReadLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be positive")
			return
		}
		limit = n
	}
	header, _, err := s.store.Header(node, log)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	rows, err := s.store.Rows(node, log, from, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rows == nil {
		rows = []Row{}
	}
	writeJSON(w, http.StatusOK, rowsResponse{Node: node, Log: log, Header: header, Rows: rows})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
