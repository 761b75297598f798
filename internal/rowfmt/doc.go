// Package rowfmt turns rows of typed values into CSV text lines.
//
// Fields are comma-joined without quoting: content containing commas produces
// a line with more columns than the header. Callers that need such content
// must sanitize it first. Line breaks inside text are replaced with a space,
// so every row renders as exactly one line.
package rowfmt
