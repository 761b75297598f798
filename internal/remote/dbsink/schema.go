// Package dbsink stores pushed rows in a SQL database.
//
// Two tables are used: <table> holds one record per row keyed by
// (node, log, row_no) and <table>_logs holds the header of each log.
// Inserts ignore rows that already exist, so a re-sent batch is harmless.
package dbsink

import (
	"fmt"
	"regexp"
)

// DefaultTable is used when no table name is configured.
const DefaultTable = "csv_rows"

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// checkTable rejects names that cannot be interpolated into SQL safely.
func checkTable(name string) (string, error) {
	if name == "" {
		return DefaultTable, nil
	}
	if !identRe.MatchString(name) {
		return "", fmt.Errorf("dbsink: invalid table name %q", name)
	}
	return name, nil
}

// dialect holds the statements for one database flavor.
type dialect struct {
	table        string
	schema       []string
	insertRow    string
	upsertHeader string
	countRows    string
	selectRows   string
}

func postgresDialect(table string) dialect {
	return dialect{
		table: table,
		schema: []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	node TEXT NOT NULL,
	log TEXT NOT NULL,
	row_no BIGINT NOT NULL,
	line TEXT NOT NULL,
	received_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (node, log, row_no)
)`, table),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s_logs (
	node TEXT NOT NULL,
	log TEXT NOT NULL,
	header TEXT NOT NULL,
	PRIMARY KEY (node, log)
)`, table),
		},
		insertRow:    fmt.Sprintf(`INSERT INTO %s (node, log, row_no, line) VALUES ($1, $2, $3, $4) ON CONFLICT (node, log, row_no) DO NOTHING`, table),
		upsertHeader: fmt.Sprintf(`INSERT INTO %s_logs (node, log, header) VALUES ($1, $2, $3) ON CONFLICT (node, log) DO UPDATE SET header = EXCLUDED.header`, table),
		countRows:    fmt.Sprintf(`SELECT count(*) FROM %s WHERE node = $1 AND log = $2`, table),
		selectRows:   fmt.Sprintf(`SELECT line FROM %s WHERE node = $1 AND log = $2 ORDER BY row_no`, table),
	}
}

func sqliteDialect(table string) dialect {
	return dialect{
		table: table,
		schema: []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	node TEXT NOT NULL,
	log TEXT NOT NULL,
	row_no INTEGER NOT NULL,
	line TEXT NOT NULL,
	received_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (node, log, row_no)
)`, table),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s_logs (
	node TEXT NOT NULL,
	log TEXT NOT NULL,
	header TEXT NOT NULL,
	PRIMARY KEY (node, log)
)`, table),
		},
		insertRow:    fmt.Sprintf(`INSERT OR IGNORE INTO %s (node, log, row_no, line) VALUES (?, ?, ?, ?)`, table),
		upsertHeader: fmt.Sprintf(`INSERT INTO %s_logs (node, log, header) VALUES (?, ?, ?) ON CONFLICT (node, log) DO UPDATE SET header = excluded.header`, table),
		countRows:    fmt.Sprintf(`SELECT count(*) FROM %s WHERE node = ? AND log = ?`, table),
		selectRows:   fmt.Sprintf(`SELECT line FROM %s WHERE node = ? AND log = ? ORDER BY row_no`, table),
	}
}
