// Package dial builds the configured remote.Pusher.
package dial

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rzbill/csvsync/internal/config"
	"github.com/rzbill/csvsync/internal/remote"
	"github.com/rzbill/csvsync/internal/remote/dbsink"
	"github.com/rzbill/csvsync/internal/remote/grpcpush"
	"github.com/rzbill/csvsync/internal/remote/httppush"
	"github.com/rzbill/csvsync/internal/remote/objsink"
	logpkg "github.com/rzbill/csvsync/pkg/log"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Open returns the pusher selected by r.Kind and a closer releasing its
// connections. Kind "none" (or empty) yields remote.Nop.
func Open(ctx context.Context, r config.Remote, logger logpkg.Logger) (remote.Pusher, io.Closer, error) {
	if logger == nil {
		logger = logpkg.NewNopLogger()
	}
	timeout := time.Duration(r.TimeoutMs) * time.Millisecond

	var (
		p      remote.Pusher
		closer io.Closer = nopCloser{}
		err    error
	)
	switch r.Kind {
	case "", "none":
		p = remote.Nop{}
	case "http":
		p, err = httppush.New(httppush.Options{
			BaseURL:     r.URL,
			Token:       r.Token,
			Compression: r.Compression,
			Timeout:     timeout,
		})
	case "grpc":
		var gp *grpcpush.Pusher
		gp, err = grpcpush.Dial(r.URL, r.Token)
		p, closer = gp, gp
	case "postgres":
		var pg *dbsink.Postgres
		pg, err = dbsink.OpenPostgres(ctx, r.URL, r.Table)
		p, closer = pg, pg
	case "sqlite":
		var sq *dbsink.SQLite
		sq, err = dbsink.OpenSQLite(ctx, r.URL, r.Table)
		p, closer = sq, sq
	case "minio":
		p, err = objsink.DialMinIO(r.URL, r.AccessKey, r.SecretKey, r.Secure, r.Bucket, r.Prefix)
	case "s3":
		p, err = objsink.DialS3(ctx, objsink.S3Options{
			Region:    r.Region,
			Endpoint:  r.URL,
			AccessKey: r.AccessKey,
			SecretKey: r.SecretKey,
			Bucket:    r.Bucket,
			Prefix:    r.Prefix,
		})
	default:
		return nil, nil, fmt.Errorf("unknown remote kind %q", r.Kind)
	}
	if err != nil {
		return nil, nil, err
	}
	logger.Info("remote configured", logpkg.Str("kind", kindOrNone(r.Kind)), logpkg.Str("url", r.URL))
	return p, closer, nil
}

func kindOrNone(k string) string {
	if k == "" {
		return "none"
	}
	return k
}
