// Package serverrun exposes the Run entrypoint used by `csvsync serve` to
// start the ingest server with its HTTP and gRPC listeners, handling
// lifecycle and shutdown.
//
// Example:
//
//	opts := serverrun.Options{HTTPAddr: ":8080", GRPCAddr: ":50051", Fsync: pebblestore.FsyncModeAlways, Config: config.Default()}
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = serverrun.Run(ctx, opts)
package serverrun
