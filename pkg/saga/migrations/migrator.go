// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

// Package migrations manages the SQL schema of the saga store.
package migrations

import (
	"database/sql"
	"embed"
	"fmt"
	"time"

	migrate "github.com/rubenv/sql-migrate"
)

//go:embed sql/*.sql
var migrationFS embed.FS

// TableName is the table sql-migrate records applied migrations in.
const TableName = "sagaflow_migrations"

// Supported dialects.
const (
	DialectPostgres = "postgres"
	DialectSQLite3  = "sqlite3"
)

// Source returns the embedded migration source.
func Source() migrate.MigrationSource {
	return &migrate.EmbedFileSystemMigrationSource{
		FileSystem: migrationFS,
		Root:       "sql",
	}
}

// Migrator applies the embedded migrations to a database.
type Migrator struct {
	db      *sql.DB
	dialect string
	set     migrate.MigrationSet
}

// MigrationStatus describes one known migration.
type MigrationStatus struct {
	ID        string     `json:"id"`
	Applied   bool       `json:"applied"`
	AppliedAt *time.Time `json:"applied_at,omitempty"`
}

// NewMigrator creates a new database migrator for dialect (postgres or
// sqlite3).
func NewMigrator(db *sql.DB, dialect string) (*Migrator, error) {
	switch dialect {
	case DialectPostgres, DialectSQLite3:
	default:
		return nil, fmt.Errorf("unsupported migration dialect %q", dialect)
	}
	return &Migrator{
		db:      db,
		dialect: dialect,
		set:     migrate.MigrationSet{TableName: TableName},
	}, nil
}

// Up applies every pending migration and returns how many were applied.
func (m *Migrator) Up() (int, error) {
	n, err := m.set.ExecMax(m.db, m.dialect, Source(), migrate.Up, 0)
	if err != nil {
		return n, fmt.Errorf("apply migrations: %w", err)
	}
	return n, nil
}

// Down rolls back at most steps migrations. Zero rolls back everything.
func (m *Migrator) Down(steps int) (int, error) {
	n, err := m.set.ExecMax(m.db, m.dialect, Source(), migrate.Down, steps)
	if err != nil {
		return n, fmt.Errorf("roll back migrations: %w", err)
	}
	return n, nil
}

// Status lists every embedded migration and whether it was applied.
func (m *Migrator) Status() ([]MigrationStatus, error) {
	known, err := Source().FindMigrations()
	if err != nil {
		return nil, fmt.Errorf("find migrations: %w", err)
	}
	records, err := m.set.GetMigrationRecords(m.db, m.dialect)
	if err != nil {
		return nil, fmt.Errorf("read migration records: %w", err)
	}

	applied := make(map[string]time.Time, len(records))
	for _, r := range records {
		applied[r.Id] = r.AppliedAt
	}

	out := make([]MigrationStatus, 0, len(known))
	for _, mig := range known {
		st := MigrationStatus{ID: mig.Id}
		if at, ok := applied[mig.Id]; ok {
			at := at
			st.Applied = true
			st.AppliedAt = &at
		}
		out = append(out, st)
	}
	return out, nil
}
