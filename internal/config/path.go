package config

import (
	"os"
	"path/filepath"
)

// DefaultDataDir returns the default data directory based on the host OS.
// It prefers standard locations when available and falls back to a dotdir
// in the user's home directory.
func DefaultDataDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil || homeDir == "" {
		return "./data"
	}

	// XDG (Linux) override
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "csvsync")
	}

	// macOS: ~/Library/Application Support/csvsync
	if isDir(filepath.Join(homeDir, "Library")) {
		return filepath.Join(homeDir, "Library", "Application Support", "csvsync")
	}

	// Windows: %USERPROFILE%/AppData/Local/csvsync
	if isDir(filepath.Join(homeDir, "AppData")) {
		return filepath.Join(homeDir, "AppData", "Local", "csvsync")
	}

	// Linux default: ~/.local/share/csvsync
	return filepath.Join(homeDir, ".local", "share", "csvsync")
}

// ResolveLogPath maps a log filename to an absolute path. Absolute names are
// only cleaned; bare or relative names are placed under dataDir.
func ResolveLogPath(dataDir, name string) (string, error) {
	if filepath.IsAbs(name) {
		return filepath.Clean(name), nil
	}
	if dataDir == "" {
		dataDir = DefaultDataDir()
	}
	return filepath.Abs(filepath.Join(dataDir, name))
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.IsDir()
}
