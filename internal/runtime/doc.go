// Package runtime wires the sync ledger, the local log store and the remote
// syncer for one data directory. It owns the per-log critical sections that
// give every log a single writer, reconciles the ledger with the files on
// disk at open, and persists the node identity sent with every push.
//
// Example:
//
//	rt, _ := runtime.Open(runtime.Options{DataDir: "./data", Config: config.Default()})
//	defer rt.Close()
//	_ = rt.WithLog("speed.csv", func() error {
//		_, err := rt.Append("speed.csv", "timestamp,speed", "2024-01-01 00:00:00,12.35")
//		return err
//	})
//	rt.Sync(context.Background(), "speed.csv")
package runtime
