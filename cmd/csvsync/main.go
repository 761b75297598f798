package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	clientcmd "github.com/rzbill/csvsync/internal/cmd/client"
	serverrun "github.com/rzbill/csvsync/internal/cmd/server"
	pebblestore "github.com/rzbill/csvsync/internal/storage/pebble"
	logpkg "github.com/rzbill/csvsync/pkg/log"
	"github.com/spf13/cobra"
)

func main() {
	settings := &clientcmd.Settings{}
	rootCmd := clientcmd.NewRoot(settings)
	rootCmd.AddCommand(newServeCommand(settings))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	cancel()
	if err != nil {
		if settings.Logger != nil {
			settings.Logger.Error("command failed", logpkg.Err(err))
		} else {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		os.Exit(1)
	}
}

func newServeCommand(s *clientcmd.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Run the ingest server (HTTP and gRPC)",
		Aliases: []string{"server"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			f := cmd.Flags()
			storeDir, _ := f.GetString("store-dir")
			httpAddr, _ := f.GetString("http")
			grpcAddr, _ := f.GetString("grpc")
			fsyncIntervalMs, _ := f.GetInt("fsync-interval-ms")

			fsync := s.Config.Ingest.Fsync
			if f.Changed("fsync") {
				fsync, _ = f.GetString("fsync")
			}
			mode, err := pebblestore.ParseFsyncMode(fsync)
			if err != nil {
				return fmt.Errorf("--fsync: %w", err)
			}
			if err := serverrun.Run(cmd.Context(), serverrun.Options{
				DataDir:       storeDir,
				HTTPAddr:      httpAddr,
				GRPCAddr:      grpcAddr,
				Fsync:         mode,
				FsyncInterval: time.Duration(fsyncIntervalMs) * time.Millisecond,
				Config:        s.Config,
				Logger:        s.Logger,
			}); err != nil {
				return fmt.Errorf("server error: %w", err)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.String("store-dir", "", "Row store directory (default: ingest.dataDir, then <data-dir>/ingest)")
	f.String("http", "", "HTTP listen address (default: ingest.httpAddr)")
	f.String("grpc", "", "gRPC listen address (default: ingest.grpcAddr)")
	f.String("fsync", "always", "Fsync mode: always|interval|never")
	f.Int("fsync-interval-ms", 5, "When --fsync=interval, group-commit window in ms")
	return cmd
}
