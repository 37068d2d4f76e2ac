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
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ehrgrab/ehrgrab/hydrate"
	"github.com/ehrgrab/ehrgrab/util"
	"github.com/ehrgrab/ehrgrab/workspace"
)

var forceHydration bool

var hydrateCmd = &cobra.Command{
	Use:   "hydrate [workspace]",
	Short: "Run the hydration tasks on the newest export",
	Long: `Runs the post-processing tasks on the newest export in the workspace:
inlining small text attachments, fetching referenced Observations that the
export missed, and fetching referenced Medications.

Each task records a completion marker, so re-running is cheap; --force
re-runs completed tasks anyway.

Example:

  ehrgrab hydrate my/workspace --server http://localhost:8080/fhir`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		if err := createClient(); err != nil {
			return err
		}
		ws, err := workspace.Open(args[0])
		if err != nil {
			return err
		}
		defer ws.Close()
		defer client.CloseIdleConnections()

		subs, err := ws.SubExports()
		if err != nil {
			return err
		}
		if len(subs) == 0 {
			return errors.New("the workspace holds no exports yet")
		}
		sub := subs[len(subs)-1]
		log, err := sub.OpenEventLog()
		if err != nil {
			return err
		}
		defer log.Close()

		var allowed []string
		if mimetypes != "" {
			if allowed, err = util.ExpandArg(mimetypes); err != nil {
				return err
			}
		}
		hydrator := &hydrate.Hydrator{
			Client:      client,
			Sub:         sub,
			Log:         log,
			Concurrency: hydrateConcurrency,
			Force:       forceHydration,
			OnTaskDone: func(task string, count int) {
				fmt.Printf("Hydration task %s done: %d resources touched.\n", task, count)
			},
		}
		if err := hydrator.RunAll(ctx, hydrate.DefaultTasks(allowed)); err != nil {
			return err
		}
		// New Observation and Medication pages need fresh symlinks.
		return ws.Pool(sub)
	},
}

func init() {
	rootCmd.AddCommand(hydrateCmd)

	hydrateCmd.Flags().BoolVar(&forceHydration, "force", false, "re-run tasks whose completion marker is already set")
	hydrateCmd.Flags().IntVar(&hydrateConcurrency, "hydrate-concurrency", 0, "parallel hydration fetches (default 4)")
	hydrateCmd.Flags().StringVar(&mimetypes, "mimetypes", "", "attachment content types to inline, comma separated")
}
