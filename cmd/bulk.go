// Copyright 2024 - 2025 The ehrgrab Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"github.com/spf13/cobra"

	"github.com/ehrgrab/ehrgrab/workspace"
)

var bulkCmd = &cobra.Command{
	Use:   "bulk [workspace]",
	Short: "Run a bulk-only export",
	Long: `Exports through the server's Bulk Data Access $export operation only.

An interrupted run resumes from the persisted status URL and skips files that
already landed on disk. Hydration and symlink pooling still run; use export
for automatic mode selection.

Example:

  ehrgrab bulk my/workspace --server http://localhost:8080/fhir -t Patient,Observation`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		run, err := beginRun(ctx, args[0], workspace.ModeBulk)
		if err != nil {
			return err
		}
		defer run.close()

		if err := runBulk(ctx, run); err != nil {
			return err
		}
		if !skipHydration {
			if err := runHydrate(ctx, run, false); err != nil {
				return err
			}
		}
		return run.finish()
	},
}

func init() {
	rootCmd.AddCommand(bulkCmd)

	addExportFlags(bulkCmd)
	bulkCmd.Flags().StringVarP(&group, "group", "g", "", "FHIR Group id to export instead of all patients")
	bulkCmd.Flags().BoolVar(&skipHydration, "skip-hydration", false, "leave out the hydration tasks")
	bulkCmd.Flags().IntVar(&downloadConcurrency, "download-concurrency", 0, "parallel bulk file downloads (default 5)")
	bulkCmd.Flags().IntVar(&hydrateConcurrency, "hydrate-concurrency", 0, "parallel hydration fetches (default 4)")
	bulkCmd.Flags().StringVar(&mimetypes, "mimetypes", "", "attachment content types to inline, comma separated")
}
