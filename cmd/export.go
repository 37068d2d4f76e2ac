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
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/ehrgrab/ehrgrab/bulk"
	"github.com/ehrgrab/ehrgrab/crawl"
	"github.com/ehrgrab/ehrgrab/fhir"
	"github.com/ehrgrab/ehrgrab/hydrate"
	"github.com/ehrgrab/ehrgrab/util"
	"github.com/ehrgrab/ehrgrab/workspace"
)

var exportTypes string
var exportTypeFilters []string
var since string
var sinceMode string
var nickname string
var gzipOutput bool
var exportMode string
var skipHydration bool

var downloadConcurrency int
var patientConcurrency int
var typeConcurrency int
var hydrateConcurrency int

var group string
var idList string
var idFile string
var idSystem string
var sourceDir string
var mimetypes string
var noDefaultFilters bool

// addExportFlags registers the flags shared by the export, bulk, and crawl
// commands.
func addExportFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&exportTypes, "type", "t", "", "resource types to export, comma separated or @file (default: all patient-linked types)")
	cmd.Flags().StringArrayVarP(&exportTypeFilters, "type-filter", "q", nil, "search filter like \"Observation?code=1234-5\", repeatable or @file")
	cmd.Flags().StringVar(&since, "since", "", "only resources changed after this instant; \"auto\" continues from the last complete export")
	cmd.Flags().StringVar(&sinceMode, "since-mode", "auto", "date field the since bound applies to: updated, created, or auto")
	cmd.Flags().StringVar(&nickname, "nickname", "", "name for this export run instead of the current date")
	cmd.Flags().BoolVar(&gzipOutput, "gzip", true, "gzip-compress the NDJSON output files (--gzip=false for plain NDJSON)")
	cmd.Flags().BoolVar(&noDefaultFilters, "no-default-filters", false, "disable the default Observation category filter")
}

func addCohortFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&group, "group", "g", "", "FHIR Group id defining the patient cohort")
	cmd.Flags().StringVar(&idList, "id-list", "", "patient IDs or identifiers, comma separated or @file")
	cmd.Flags().StringVar(&idFile, "id-file", "", "newline list or CSV file with an ID/MRN column")
	cmd.Flags().StringVar(&idSystem, "id-system", "", "identifier system that turns --id-list/--id-file values into identifier lookups")
	cmd.Flags().StringVar(&sourceDir, "source-dir", "", "directory with Patient NDJSON files defining the cohort")
}

// exportRun bundles the open workspace state of one acquisition run.
type exportRun struct {
	ws    *workspace.Workspace
	sub   *workspace.SubExport
	log   *workspace.EventLog
	prior *workspace.SubExport

	types   []string
	filters []string
	// since maps each type to its lower bound instant; nil means full export.
	since map[string]string
	mode  string
}

// beginRun opens the workspace and starts (or resumes) a SubExport with the
// resolved parameters. The caller must call run.close.
func beginRun(ctx context.Context, dir, mode string) (*exportRun, error) {
	if err := createClient(); err != nil {
		return nil, err
	}

	types := fhir.PatientTypes
	if exportTypes != "" {
		expanded, err := util.ExpandArg(exportTypes)
		if err != nil {
			return nil, err
		}
		types = expanded
	}
	types = limitToServer(ctx, types)

	var filters []string
	for _, value := range exportTypeFilters {
		expanded, err := util.ExpandArg(value)
		if err != nil {
			return nil, err
		}
		filters = append(filters, expanded...)
	}
	for _, filter := range filters {
		if err := util.ValidateFilter(filter); err != nil {
			return nil, err
		}
	}

	resolvedSinceMode := sinceMode
	if resolvedSinceMode == "auto" {
		resolvedSinceMode = crawl.AutoSinceMode(ctx, client)
	}
	if resolvedSinceMode != workspace.SinceUpdated && resolvedSinceMode != workspace.SinceCreated {
		return nil, fmt.Errorf("unknown since mode %q: use updated, created, or auto", resolvedSinceMode)
	}

	ws, err := workspace.Open(dir)
	if err != nil {
		return nil, err
	}
	run := &exportRun{ws: ws, types: types, filters: filters, mode: mode}

	run.prior, err = ws.LatestComplete()
	if err != nil {
		ws.Close()
		return nil, err
	}
	run.since, err = resolveSince(ws, types)
	if err != nil {
		ws.Close()
		return nil, err
	}

	run.sub, err = ws.Begin(workspace.Params{
		FHIRURL:     client.Base().String(),
		Types:       types,
		TypeFilters: filters,
		Since:       since,
		SinceMode:   resolvedSinceMode,
		Mode:        mode,
		Nickname:    nickname,
		Compression: gzipOutput,
	})
	if err != nil {
		ws.Close()
		return nil, err
	}
	run.log, err = run.sub.OpenEventLog()
	if err != nil {
		ws.Close()
		return nil, err
	}
	return run, nil
}

func (r *exportRun) close() {
	if r.log != nil {
		r.log.Close()
	}
	r.ws.Close()
	client.CloseIdleConnections()
}

// finish finalizes the SubExport and refreshes the workspace-level symlinks.
func (r *exportRun) finish() error {
	if err := r.sub.Finalize(); err != nil {
		return err
	}
	if err := r.ws.Pool(r.sub); err != nil {
		return err
	}
	if failed := r.sub.Meta.FailedQueries; failed > 0 {
		fmt.Printf("Done with %d failed queries; the export is recorded as partial.\n", failed)
	} else {
		fmt.Printf("Done. Export %s is complete.\n", r.sub.Label)
	}
	return nil
}

// limitToServer drops requested types the server does not serve at all.
func limitToServer(ctx context.Context, types []string) []string {
	served := client.ServerResourceTypes(ctx)
	if len(served) == 0 {
		return types
	}
	kept := types[:0:0]
	for _, resourceType := range types {
		if served[resourceType] {
			kept = append(kept, resourceType)
		} else {
			fmt.Printf("Skipping resource type %s: not served by this server.\n", resourceType)
		}
	}
	return kept
}

// resolveSince expands the --since flag into per-type lower bounds. "auto"
// takes the transaction times of the newest complete SubExport; a nil result
// means a full export.
func resolveSince(ws *workspace.Workspace, types []string) (map[string]string, error) {
	switch since {
	case "":
		return nil, nil
	case "auto":
		return ws.SinceAuto()
	}
	if _, ok := fhir.ParseDateTime(since); !ok {
		return nil, fmt.Errorf("could not parse --since value %q", since)
	}
	bounds := map[string]string{}
	for _, resourceType := range types {
		bounds[resourceType] = since
	}
	return bounds, nil
}

// earliestInstant picks the oldest per-type bound as the single _since value
// a bulk kickoff accepts. Understating the bound only costs duplicates.
func earliestInstant(bounds map[string]string) string {
	var earliest time.Time
	var result string
	for _, instant := range bounds {
		at, ok := fhir.ParseDateTime(instant)
		if !ok {
			continue
		}
		if result == "" || at.Before(earliest) {
			earliest, result = at, instant
		}
	}
	return result
}

func cohortSource() crawl.CohortSource {
	source := crawl.CohortSource{
		IDFile:    idFile,
		SourceDir: sourceDir,
		Group:     group,
		IDSystem:  idSystem,
	}
	if idList != "" {
		// The id list itself never points at a file of filters, so the
		// expansion cannot fail after ExpandArg accepted the flag shape.
		source.IDList, _ = util.ExpandArg(idList)
	}
	return source
}

// runBulk acquires data through the server's bulk export.
func runBulk(ctx context.Context, run *exportRun) error {
	kickoffPath := "Patient/$export"
	if group != "" {
		kickoffPath = "Group/" + group + "/$export"
	}

	exporter := &bulk.Exporter{
		Client:      client,
		Sub:         run.sub,
		Log:         run.log,
		KickoffPath: kickoffPath,
		Types:       run.types,
		TypeFilters: run.filters,
		Since:       earliestInstant(run.since),
		Concurrency: downloadConcurrency,
	}

	var progress *mpb.Progress
	var bar *mpb.Bar
	if !noProgress {
		progress = mpb.New()
		exporter.OnManifest = func(manifest *bulk.Manifest) {
			bar = progress.AddBar(int64(len(manifest.Output)),
				mpb.BarRemoveOnComplete(),
				mpb.PrependDecorators(
					decor.Name("download ", decor.WC{W: 9}),
					decor.CountersNoUnit("%d / %d"),
				),
				mpb.AppendDecorators(decor.Percentage()),
			)
		}
		exporter.OnFileDone = func(bulk.ManifestFile) { bar.Increment() }
	}

	start := time.Now()
	err := exporter.Run(ctx)
	if progress != nil {
		if bar != nil {
			bar.Abort(true)
		}
		progress.Wait()
	}
	if err != nil {
		if errors.Is(err, fhir.ErrExpired) {
			run.sub.Meta.BulkState = nil
			_ = run.sub.SaveMetadata()
			return fmt.Errorf("the bulk export expired on the server; re-run to start a fresh one: %w", err)
		}
		return err
	}

	var totalBytes int64
	if state := run.sub.Meta.BulkState; state != nil {
		for _, record := range state.Downloaded {
			for _, file := range record.Files {
				totalBytes += file.Size
			}
		}
	}
	fmt.Printf("Bulk export finished in %s, %s downloaded.\n",
		util.FmtDurationHumanReadable(time.Since(start)),
		util.FmtBytesHumanReadable(float32(totalBytes)))
	return nil
}

// runCrawl acquires data patient by patient through FHIR search.
func runCrawl(ctx context.Context, run *exportRun) error {
	resolver := &crawl.Resolver{Client: client, Sub: run.sub, Log: run.log}
	source := cohortSource()
	cohort, err := resolver.Resolve(ctx, source, run.prior)
	if err != nil {
		return err
	}
	fmt.Printf("Crawling %d patients (%d new, %d removed) ...\n",
		len(cohort.IDs), len(cohort.New), len(cohort.Removed))

	filters := &crawl.Filters{
		SinceMode:  run.sub.Meta.Params.SinceMode,
		Since:      run.since,
		Extra:      crawl.ParseTypeFilters(run.filters),
		NoDefaults: noDefaultFilters,
		SupportsParam: func(resourceType, param string) bool {
			return client.SupportsSearchParam(ctx, resourceType, param)
		},
	}

	crawler := &crawl.Crawler{
		Client:             client,
		Sub:                run.sub,
		Log:                run.log,
		Filters:            filters,
		Types:              run.types,
		Cohort:             cohort,
		PatientConcurrency: patientConcurrency,
		TypeConcurrency:    typeConcurrency,
		SkipPatientFetch:   source.Group != "",
	}

	durations := &util.Durations{}
	crawler.OnQueryDone = durations.Add

	var progress *mpb.Progress
	var bar *mpb.Bar
	if !noProgress {
		progress = mpb.New()
		bar = progress.AddBar(int64(len(cohort.IDs)),
			mpb.BarRemoveOnComplete(),
			mpb.PrependDecorators(
				decor.Name("crawl ", decor.WC{W: 9}),
				decor.CountersNoUnit("%d / %d"),
			),
			mpb.AppendDecorators(decor.Percentage()),
		)
		crawler.OnPatientDone = func(string) { bar.Increment() }
	}

	start := time.Now()
	err = crawler.Run(ctx)
	if progress != nil {
		bar.Abort(true)
		progress.Wait()
	}
	if err != nil {
		return err
	}

	fmt.Printf("Crawl finished in %s, %d queries.\n",
		util.FmtDurationHumanReadable(time.Since(start)), durations.Len())
	if durations.Len() > 0 {
		fmt.Printf("Query latencies: %s.\n", durations.Statistics())
	}
	return nil
}

// runHydrate runs the post-processing tasks on the SubExport.
func runHydrate(ctx context.Context, run *exportRun, force bool) error {
	var allowed []string
	if mimetypes != "" {
		expanded, err := util.ExpandArg(mimetypes)
		if err != nil {
			return err
		}
		allowed = expanded
	}

	hydrator := &hydrate.Hydrator{
		Client:      client,
		Sub:         run.sub,
		Log:         run.log,
		Concurrency: hydrateConcurrency,
		Force:       force,
		OnTaskDone: func(task string, count int) {
			fmt.Printf("Hydration task %s done: %d resources touched.\n", task, count)
		},
	}
	return hydrator.RunAll(ctx, hydrate.DefaultTasks(allowed))
}

var exportCmd = &cobra.Command{
	Use:   "export [workspace]",
	Short: "Run a full export: acquisition, hydration, pooling",
	Long: `Exports patient-linked resources into a workspace directory.

Uses the server's Bulk Data Access export when it declares one and falls back
to a per-patient crawl otherwise; --export-mode forces one of the two. After
acquisition the hydration tasks run and the workspace-level symlinks are
refreshed.

Example:

  ehrgrab export my/workspace --server http://localhost:8080/fhir
  ehrgrab export my/workspace --since auto --nickname weekly`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		mode := exportMode
		if mode == "" {
			if err := createClient(); err != nil {
				return err
			}
			if client.SupportsBulkExport(ctx) {
				mode = workspace.ModeBulk
			} else {
				mode = workspace.ModeCrawl
			}
			fmt.Printf("Using %s mode.\n", mode)
		}
		if mode != workspace.ModeBulk && mode != workspace.ModeCrawl {
			return fmt.Errorf("unknown export mode %q: use bulk or crawl", mode)
		}

		run, err := beginRun(ctx, args[0], mode)
		if err != nil {
			return err
		}
		defer run.close()

		if mode == workspace.ModeBulk {
			err = runBulk(ctx, run)
		} else {
			err = runCrawl(ctx, run)
		}
		if err != nil {
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
	rootCmd.AddCommand(exportCmd)

	addExportFlags(exportCmd)
	addCohortFlags(exportCmd)
	exportCmd.Flags().StringVar(&exportMode, "export-mode", "", "force bulk or crawl instead of probing the server")
	exportCmd.Flags().BoolVar(&skipHydration, "skip-hydration", false, "leave out the hydration tasks")
	exportCmd.Flags().IntVar(&downloadConcurrency, "download-concurrency", 0, "parallel bulk file downloads (default 5)")
	exportCmd.Flags().IntVar(&patientConcurrency, "patient-concurrency", 0, "patients crawled in parallel (default 8)")
	exportCmd.Flags().IntVar(&typeConcurrency, "type-concurrency", 0, "resource types queried in parallel per patient (default 4)")
	exportCmd.Flags().IntVar(&hydrateConcurrency, "hydrate-concurrency", 0, "parallel hydration fetches (default 4)")
	exportCmd.Flags().StringVar(&mimetypes, "mimetypes", "", "attachment content types to inline, comma separated")
}
