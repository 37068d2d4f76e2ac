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

var crawlCmd = &cobra.Command{
	Use:   "crawl [workspace]",
	Short: "Run a crawl-only export",
	Long: `Exports patient by patient through FHIR search, for servers without a
usable bulk export.

The patient cohort comes from --group, --id-list, --id-file, or --source-dir.
Failed queries are logged and counted; the run is recorded as partial instead
of failing.

Example:

  ehrgrab crawl my/workspace --server http://localhost:8080/fhir --group G1
  ehrgrab crawl my/workspace --id-file mrns.csv --id-system urn:oid:1.2.3.4`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		run, err := beginRun(ctx, args[0], workspace.ModeCrawl)
		if err != nil {
			return err
		}
		defer run.close()

		if err := runCrawl(ctx, run); err != nil {
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
	rootCmd.AddCommand(crawlCmd)

	addExportFlags(crawlCmd)
	addCohortFlags(crawlCmd)
	crawlCmd.Flags().BoolVar(&skipHydration, "skip-hydration", false, "leave out the hydration tasks")
	crawlCmd.Flags().IntVar(&patientConcurrency, "patient-concurrency", 0, "patients crawled in parallel (default 8)")
	crawlCmd.Flags().IntVar(&typeConcurrency, "type-concurrency", 0, "resource types queried in parallel per patient (default 4)")
	crawlCmd.Flags().IntVar(&hydrateConcurrency, "hydrate-concurrency", 0, "parallel hydration fetches (default 4)")
	crawlCmd.Flags().StringVar(&mimetypes, "mimetypes", "", "attachment content types to inline, comma separated")
}
