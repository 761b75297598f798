// Package rowfilter selects log rows with CEL expressions.
//
// Variables available to an expression:
//
//	row     int                  1-based row number
//	line    string               raw CSV line
//	header  list(string)         header fields, timestamp included
//	fields  map(string, string)  raw field text keyed by header name
//	values  map(string, dyn)     fields parsed as int, double, bool or string
//	ts_ms   int                  row timestamp in Unix ms, 0 without one
//	now_ms  int                  current time in Unix ms
//
// Example: `values.speed > 10.0 && row > 100`.
package rowfilter

import (
	"strings"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/rzbill/csvsync/internal/rowfmt"
)

// Row is one data row to evaluate.
type Row struct {
	Index  int64
	Line   string
	Header []string
}

// Filter wraps a compiled CEL program. The zero Filter matches everything.
type Filter struct {
	prog    cel.Program
	enabled bool
}

// Compile parses and type-checks expr. An empty expression yields a Filter
// matching every row.
func Compile(expr string) (Filter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return Filter{}, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("row", cel.IntType),
		cel.Variable("line", cel.StringType),
		cel.Variable("header", cel.ListType(cel.StringType)),
		cel.Variable("fields", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("values", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("ts_ms", cel.IntType),
		cel.Variable("now_ms", cel.IntType),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return Filter{}, err
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return Filter{}, iss.Err()
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return Filter{}, &outputTypeError{got: out.String()}
	}
	prog, err := env.Program(ast)
	if err != nil {
		return Filter{}, err
	}
	return Filter{prog: prog, enabled: true}, nil
}

type outputTypeError struct{ got string }

func (e *outputTypeError) Error() string {
	return "filter must evaluate to bool, got " + e.got
}

// Match reports whether r satisfies the filter. Evaluation errors, such as a
// missing field, count as no match.
func (f Filter) Match(r Row) bool {
	if !f.enabled {
		return true
	}
	parts := Split(r.Line)
	fields := make(map[string]string, len(r.Header))
	values := make(map[string]any, len(r.Header))
	for i, name := range r.Header {
		if i >= len(parts) {
			break
		}
		fields[name] = parts[i]
		values[name] = native(rowfmt.Parse(parts[i]))
	}
	var ts int64
	if raw, ok := fields[rowfmt.TimestampColumn]; ok {
		ts = parseTimestamp(raw)
	}
	header := r.Header
	if header == nil {
		header = []string{}
	}
	out, _, err := f.prog.Eval(map[string]any{
		"row":    r.Index,
		"line":   r.Line,
		"header": header,
		"fields": fields,
		"values": values,
		"ts_ms":  ts,
		"now_ms": time.Now().UnixMilli(),
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}

// Split breaks a line on commas. Log lines are never quoted.
func Split(line string) []string {
	if line == "" {
		return nil
	}
	return strings.Split(line, ",")
}

// native converts a parsed field to the value CEL sees.
func native(v rowfmt.Value) any {
	if i, ok := v.AsInt(); ok {
		return i
	}
	if f, ok := v.AsFloat(); ok {
		return f
	}
	if b, ok := v.AsBool(); ok {
		return b
	}
	t, _ := v.AsText()
	return t
}

func parseTimestamp(s string) int64 {
	t, err := rowfmt.ParseTimestamp(s)
	if err != nil {
		return 0
	}
	return t.UnixMilli()
}
