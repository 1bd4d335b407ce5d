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


// Package validate lints saga definition files.
package validate

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/innovationmech/sagaflow/pkg/saga/dsl"
	"github.com/innovationmech/sagaflow/pkg/saga/registry"
)

// NewValidateCmd creates the validate command.
func NewValidateCmd() *cobra.Command {
	var (
		expandEnv bool
		failFast  bool
	)

	cmd := &cobra.Command{
		Use:   "validate <file|dir>...",
		Short: "Validate saga definition files",
		Long: `Parse every definition file and run the same checks the engine applies at
startup: schema constraints, unique step names, dependency order and
duplicate definition IDs across the given files. Directories are scanned
recursively for *.yaml and *.yml files.`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			files, err := collectFiles(args)
			if err != nil {
				return err
			}
			if len(files) == 0 {
				return fmt.Errorf("no definition files found")
			}

			parser := dsl.NewParser(dsl.WithEnvVars(expandEnv))
			reg := registry.New()
			out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()

			failed := 0
			for _, file := range files {
				def, err := parser.ParseFile(file)
				if err == nil {
					err = reg.Register(def)
				}
				if err != nil {
					fmt.Fprintf(errOut, "✗ %s: %v\n", file, err)
					failed++
					if failFast {
						break
					}
					continue
				}
				fmt.Fprintf(out, "✓ %s: %s (%d steps)\n", file, def.ID, len(def.Steps))
			}

			if failed > 0 {
				return fmt.Errorf("validation failed: %d of %d files invalid", failed, len(files))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&expandEnv, "expand-env", true, "expand ${VAR} references before parsing")
	cmd.Flags().BoolVar(&failFast, "fail-fast", false, "stop at the first invalid file")
	return cmd
}

// collectFiles expands directories into their definition files, keeping
// explicitly named files whatever their extension.
func collectFiles(paths []string) ([]string, error) {
	seen := make(map[string]bool)
	var files []string
	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			files = append(files, p)
		}
	}

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", path, err)
		}
		if !info.IsDir() {
			add(path)
			continue
		}

		var found []string
		err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			ext := strings.ToLower(filepath.Ext(p))
			if ext == ".yaml" || ext == ".yml" {
				found = append(found, p)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to scan directory %s: %w", path, err)
		}
		sort.Strings(found)
		for _, p := range found {
			add(p)
		}
	}
	return files, nil
}
