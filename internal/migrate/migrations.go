// Package migrate owns the embedded schema. Revisions are plain SQL files
// under sql/, named NNNN_label.sql and applied in ascending numeric order.
// A single-row schema_version table records the current revision.
package migrate

import (
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

//go:embed sql/*.sql
var schemaFS embed.FS

type revision struct {
	number int
	file   string
	ddl    string
}

func revisions() ([]revision, error) {
	entries, err := schemaFS.ReadDir("sql")
	if err != nil {
		return nil, err
	}
	seen := make(map[int]string, len(entries))
	revs := make([]revision, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		prefix, _, found := strings.Cut(name, "_")
		if !found {
			return nil, fmt.Errorf("schema file %s: name must be NNNN_label.sql", name)
		}
		n, err := strconv.Atoi(prefix)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("schema file %s: name must be NNNN_label.sql", name)
		}
		if other, dup := seen[n]; dup {
			return nil, fmt.Errorf("schema revision %d defined by both %s and %s", n, other, name)
		}
		seen[n] = name
		ddl, err := schemaFS.ReadFile("sql/" + name)
		if err != nil {
			return nil, err
		}
		revs = append(revs, revision{number: n, file: name, ddl: string(ddl)})
	}
	sort.Slice(revs, func(i, j int) bool { return revs[i].number < revs[j].number })
	return revs, nil
}

// Migrate brings the database up to the newest embedded revision. The whole
// upgrade runs in one transaction; running against a current database is a
// no-op.
func Migrate(db *sql.DB) error {
	revs, err := revisions()
	if err != nil {
		return err
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	current, err := currentVersion(tx)
	if err != nil {
		return err
	}
	for _, rev := range revs {
		if rev.number <= current {
			continue
		}
		if _, err := tx.Exec(rev.ddl); err != nil {
			return fmt.Errorf("apply %s: %w", rev.file, err)
		}
		if _, err := tx.Exec(`UPDATE schema_version SET version=?`, rev.number); err != nil {
			return fmt.Errorf("record revision %d: %w", rev.number, err)
		}
		current = rev.number
	}
	return tx.Commit()
}

func currentVersion(tx *sql.Tx) (int, error) {
	if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS schema_version(version INTEGER NOT NULL)`); err != nil {
		return 0, fmt.Errorf("ensure schema_version: %w", err)
	}
	var v int
	err := tx.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&v)
	if err == sql.ErrNoRows {
		if _, err := tx.Exec(`INSERT INTO schema_version(version) VALUES (0)`); err != nil {
			return 0, fmt.Errorf("seed schema_version: %w", err)
		}
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema_version: %w", err)
	}
	return v, nil
}

// Version reports the schema revision of a migrated database.
func Version(db *sql.DB) (int, error) {
	var v int
	err := db.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return v, err
}
