package client

import (
	"encoding/json"
	"io"
	"strings"

	"github.com/rzbill/csvsync/internal/rowfmt"
	"github.com/rzbill/csvsync/internal/runtime"
)

// openRuntime opens the runtime for the resolved settings.
func openRuntime(s *Settings) (*runtime.Runtime, error) {
	return runtime.Open(runtime.Options{Config: s.Config, Logger: s.Logger})
}

// parseValues turns command-line words into typed row values.
func parseValues(args []string) []rowfmt.Value {
	out := make([]rowfmt.Value, len(args))
	for i, a := range args {
		out[i] = rowfmt.Parse(a)
	}
	return out
}

// splitList parses a comma separated flag value, dropping empty items.
func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	return enc.Encode(v)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
