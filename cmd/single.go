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
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ehrgrab/ehrgrab/ndjson"
)

var singleOutputFile string

var singleCmd = &cobra.Command{
	Use:   "single [Type/id]",
	Short: "Fetch one resource by its reference",
	Long: `Fetches a single resource like Patient/123 and prints it, or appends it
to an NDJSON file with -o.

Example:

  ehrgrab single Patient/123 --server http://localhost:8080/fhir
  ehrgrab single Observation/456 -o extra.ndjson`,
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) != 1 || !strings.Contains(args[0], "/") {
			return fmt.Errorf("requires one reference argument like Patient/123")
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		if err := createClient(); err != nil {
			return err
		}
		defer client.CloseIdleConnections()

		resource, err := client.GetResource(ctx, args[0])
		if err != nil {
			return err
		}
		if resource == nil {
			return fmt.Errorf("resource %s not found", args[0])
		}

		if singleOutputFile == "" {
			pretty, err := json.MarshalIndent(resource, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(pretty))
			return nil
		}

		// Append behind any resources already in the file.
		var resources []map[string]any
		_ = ndjson.ReadFile(singleOutputFile, func(line ndjson.Line) error {
			resources = append(resources, line.Resource)
			return nil
		})
		resources = append(resources, resource)
		writer := ndjson.NewWriter(singleOutputFile)
		for _, r := range resources {
			if err := writer.Write(r); err != nil {
				writer.Abort()
				return err
			}
		}
		if err := writer.Close(); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Appended %s to %s.\n", args[0], singleOutputFile)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(singleCmd)

	singleCmd.Flags().StringVarP(&singleOutputFile, "output-file", "o", "", "NDJSON file the resource gets appended to")
	_ = singleCmd.MarkFlagFilename("output-file", "ndjson")
}
