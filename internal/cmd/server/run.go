package serverrun

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	cfgpkg "github.com/rzbill/csvsync/internal/config"
	"github.com/rzbill/csvsync/internal/ingest"
	pebblestore "github.com/rzbill/csvsync/internal/storage/pebble"
	logpkg "github.com/rzbill/csvsync/pkg/log"
)

// Options configures the ingest server process.
type Options struct {
	// DataDir holds the row store. Empty means Config.Ingest.DataDir, then
	// "ingest" under the configured data dir.
	DataDir       string
	HTTPAddr      string
	GRPCAddr      string
	Fsync         pebblestore.FsyncMode
	FsyncInterval time.Duration
	Config        cfgpkg.Config
	Logger        logpkg.Logger
	// Ready, when set, is called with the bound addresses once both
	// listeners are open.
	Ready func(httpAddr, grpcAddr net.Addr)
}

func (o *Options) storeDir() string {
	switch {
	case o.DataDir != "":
		return o.DataDir
	case o.Config.Ingest.DataDir != "":
		return o.Config.Ingest.DataDir
	}
	base := o.Config.DataDir
	if base == "" {
		base = cfgpkg.DefaultDataDir()
	}
	return filepath.Join(base, "ingest")
}

// Run opens the row store, starts the HTTP and gRPC ingest servers and
// blocks until ctx is cancelled or a server fails.
func Run(ctx context.Context, opts Options) error {
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := opts.Logger
	if logger == nil {
		l, err := logpkg.ApplyConfig(&opts.Config.Log)
		if err != nil {
			return err
		}
		logger = l
	}
	if opts.HTTPAddr == "" {
		opts.HTTPAddr = opts.Config.Ingest.HTTPAddr
	}
	if opts.GRPCAddr == "" {
		opts.GRPCAddr = opts.Config.Ingest.GRPCAddr
	}

	dir := opts.storeDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}
	db, err := pebblestore.Open(pebblestore.Options{DataDir: dir, Fsync: opts.Fsync, FsyncInterval: opts.FsyncInterval})
	if err != nil {
		return fmt.Errorf("open row store: %w", err)
	}
	defer db.Close()

	auth, err := ingest.NewAuthenticator(opts.Config.Ingest.TokenHash)
	if err != nil {
		return fmt.Errorf("ingest.tokenHash: %w", err)
	}
	if !auth.Enabled() {
		logger.Warn("ingest authentication disabled; set ingest.tokenHash to require a token")
	}
	store := ingest.NewStore(db, logger)
	hsrv := ingest.NewHTTPServer(ingest.HTTPOptions{
		Store:   store,
		Auth:    auth,
		Logger:  logger,
		MaxBody: opts.Config.Ingest.MaxBodyBytes,
	})
	gsrv := ingest.NewGRPCServer(store, auth, logger)

	hl, err := net.Listen("tcp", opts.HTTPAddr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	gl, err := net.Listen("tcp", opts.GRPCAddr)
	if err != nil {
		_ = hl.Close()
		return fmt.Errorf("grpc listen: %w", err)
	}
	logger.Info("starting csvsync ingest server",
		logpkg.Str("http", hl.Addr().String()),
		logpkg.Str("grpc", gl.Addr().String()),
		logpkg.Str("store", dir))
	if opts.Ready != nil {
		opts.Ready(hl.Addr(), gl.Addr())
	}

	sctx, cancel := context.WithCancel(sctx)
	defer cancel()
	errCh := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := hsrv.Serve(sctx, hl); err != nil && sctx.Err() == nil {
			errCh <- fmt.Errorf("http: %w", err)
			cancel()
		}
	}()
	go func() {
		defer wg.Done()
		if err := gsrv.Serve(sctx, gl); err != nil && sctx.Err() == nil {
			errCh <- fmt.Errorf("grpc: %w", err)
			cancel()
		}
	}()

	<-sctx.Done()
	// both servers drain on sctx; wait before the store closes
	wg.Wait()
	close(errCh)
	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	logger.Info("ingest server stopped")
	return errors.Join(errs...)
}
