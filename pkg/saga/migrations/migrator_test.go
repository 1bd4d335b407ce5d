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

package migrations

import (
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openSQLite(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", "file:"+t.Name()+"?mode=memory&cache=shared")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigratorUpDownStatus(t *testing.T) {
	db := openSQLite(t)

	m, err := NewMigrator(db, DialectSQLite3)
	require.NoError(t, err)

	n, err := m.Up()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = m.Up()
	require.NoError(t, err)
	assert.Equal(t, 0, n, "second run is a no-op")

	status, err := m.Status()
	require.NoError(t, err)
	require.Len(t, status, 1)
	assert.Equal(t, "0001_create_saga_tables.sql", status[0].ID)
	assert.True(t, status[0].Applied)
	assert.NotNil(t, status[0].AppliedAt)

	_, err = db.Exec(`INSERT INTO saga_leases (instance_id, owner, expires_at) VALUES ('a', 'w', 1)`)
	require.NoError(t, err)

	n, err = m.Down(0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = db.Exec(`SELECT 1 FROM saga_leases`)
	assert.Error(t, err, "tables are dropped")
}

func TestNewMigratorRejectsDialect(t *testing.T) {
	_, err := NewMigrator(nil, "mysql")
	assert.Error(t, err)
}
