// Package config provides loading and environment overlay for csvsync
// configuration, plus the data directory and log path resolution rules.
//
// Example:
//
//	_ = config.LoadDotEnv()
//	cfg, err := config.Load("/etc/csvsync.json")
//	if err != nil { /* handle */ }
//	config.FromEnv(&cfg)
//	path, _ := config.ResolveLogPath(cfg.DataDir, cfg.Filename)
package config
