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


// Package migrate manages the schema of the SQL state store.
package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"

	"github.com/innovationmech/sagaflow/internal/sagaserve/config"
	"github.com/innovationmech/sagaflow/pkg/saga/migrations"
)

const defaultTimeout = 30 * time.Second

type options struct {
	configDir string
	driver    string
	dsn       string
	timeout   time.Duration
}

// NewMigrateCmd creates the migrate command with its up, down and status
// subcommands.
func NewMigrateCmd() *cobra.Command {
	o := &options{}
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the SQL store schema",
		Long: `Apply, roll back or inspect the embedded SQL store migrations.

The driver and DSN default to store.sql in the sagaflow configuration.`,
	}
	cmd.PersistentFlags().StringVarP(&o.configDir, "config-dir", "c", ".", "directory holding the sagaflow configuration files")
	cmd.PersistentFlags().StringVar(&o.driver, "driver", "", "database driver (postgres or sqlite3)")
	cmd.PersistentFlags().StringVar(&o.dsn, "dsn", "", "data source name")
	cmd.PersistentFlags().DurationVar(&o.timeout, "timeout", defaultTimeout, "connection timeout")

	cmd.AddCommand(newUpCmd(o), newDownCmd(o), newStatusCmd(o))
	return cmd
}

func newUpCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply every pending migration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(cmd, func(m *migrations.Migrator, out io.Writer) error {
				n, err := m.Up()
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Applied %d migration(s)\n", n)
				return nil
			})
		},
	}
}

func newDownCmd(o *options) *cobra.Command {
	var steps int
	cmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back applied migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if steps < 0 {
				return fmt.Errorf("--steps must not be negative")
			}
			return o.run(cmd, func(m *migrations.Migrator, out io.Writer) error {
				n, err := m.Down(steps)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Rolled back %d migration(s)\n", n)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back, 0 for all")
	return cmd
}

func newStatusCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "List migrations and whether they are applied",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(cmd, printStatus)
		},
	}
}

func printStatus(m *migrations.Migrator, out io.Writer) error {
	list, err := m.Status()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%-40s %-10s %s\n", "Migration", "Status", "Applied At")
	fmt.Fprintln(out, strings.Repeat("-", 80))
	for _, st := range list {
		status, at := "pending", "-"
		if st.Applied {
			status = "applied"
			at = st.AppliedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(out, "%-40s %-10s %s\n", truncate(st.ID, 40), status, at)
	}
	return nil
}

// resolve fills the driver and DSN from the configuration when the flags
// leave them empty.
func (o *options) resolve() (driver, dsn string, err error) {
	driver, dsn = o.driver, o.dsn
	if driver != "" && dsn != "" {
		return driver, dsn, nil
	}
	cfg, _, err := config.LoadDir(o.configDir)
	if err != nil {
		return "", "", err
	}
	if driver == "" {
		driver = cfg.Store.SQL.Driver
	}
	if dsn == "" {
		dsn = cfg.Store.SQL.DSN
	}
	if dsn == "" {
		return "", "", fmt.Errorf("no DSN: use --dsn or set store.sql.dsn")
	}
	return driver, dsn, nil
}

func (o *options) run(cmd *cobra.Command, fn func(*migrations.Migrator, io.Writer) error) error {
	driver, dsn, err := o.resolve()
	if err != nil {
		return err
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return fmt.Errorf("failed to open database connection: %w", err)
	}
	defer db.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Connected to %s database: %s\n", driver, sanitizeDSN(dsn))

	m, err := migrations.NewMigrator(db, driver)
	if err != nil {
		return err
	}
	return fn(m, out)
}

// sanitizeDSN hides the password of a URL style DSN.
func sanitizeDSN(dsn string) string {
	parts := strings.SplitN(dsn, "@", 2)
	if len(parts) != 2 {
		return dsn
	}
	userParts := strings.SplitN(parts[0], "://", 2)
	if len(userParts) != 2 {
		return dsn
	}
	user, _, hasPassword := strings.Cut(userParts[1], ":")
	if !hasPassword {
		return dsn
	}
	return fmt.Sprintf("%s://%s:***@%s", userParts[0], user, parts[1])
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
