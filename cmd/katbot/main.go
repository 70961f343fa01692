package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	temporalclient "go.temporal.io/sdk/client"

	"github.com/efebarandurmaz/katbot/internal/app"
	"github.com/efebarandurmaz/katbot/internal/cache"
	"github.com/efebarandurmaz/katbot/internal/config"
	"github.com/efebarandurmaz/katbot/internal/graph"
	"github.com/efebarandurmaz/katbot/internal/graph/neo4j"
	"github.com/efebarandurmaz/katbot/internal/observability"
	"github.com/efebarandurmaz/katbot/internal/pipeline"
	temporalmod "github.com/efebarandurmaz/katbot/internal/temporal"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:          "katbot",
		Short:        "Keeps category-quality report pages on a wiki up to date",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "configs/katbot.yaml", "Config file path")

	var (
		dryRun     bool
		refresh    bool
		jsonReport bool
		reports    []string
	)
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Build the closure, classify pages and publish every report",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReports(cmd.Context(), configPath, runFlags{
				dryRun:  dryRun,
				refresh: refresh,
				json:    jsonReport,
				reports: reports,
			}, cmd.OutOrStdout())
		},
	}
	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Render reports without saving")
	runCmd.Flags().BoolVar(&refresh, "refresh", false, "Ignore cached datasets")
	runCmd.Flags().BoolVar(&jsonReport, "json", false, "Output metrics as JSON")
	runCmd.Flags().StringSliceVar(&reports, "report", nil, "Only publish the named reports")

	closureCmd := &cobra.Command{
		Use:   "closure",
		Short: "Print the maintenance closure",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printClosure(cmd.Context(), configPath, refresh, cmd.OutOrStdout())
		},
	}
	closureCmd.Flags().BoolVar(&refresh, "refresh", false, "Ignore cached datasets")

	classifyCmd := &cobra.Command{
		Use:   "classify <report>",
		Short: "Print the pages a report would list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return printClassification(cmd.Context(), configPath, args[0], refresh, cmd.OutOrStdout())
		},
	}
	classifyCmd.Flags().BoolVar(&refresh, "refresh", false, "Ignore cached datasets")

	var (
		once       bool
		workflowID string
	)
	scheduleCmd := &cobra.Command{
		Use:   "schedule",
		Short: "Start the report workflow on Temporal",
		RunE: func(cmd *cobra.Command, args []string) error {
			return schedule(cmd.Context(), configPath, scheduleFlags{
				once:       once,
				workflowID: workflowID,
				dryRun:     dryRun,
				reports:    reports,
			}, cmd.OutOrStdout())
		},
	}
	scheduleCmd.Flags().BoolVar(&once, "once", false, "Run once instead of on the configured cron")
	scheduleCmd.Flags().StringVar(&workflowID, "id", "", "Workflow ID (default: random)")
	scheduleCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Render reports without saving")
	scheduleCmd.Flags().StringSliceVar(&reports, "report", nil, "Only publish the named reports")

	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Dataset cache operations",
	}
	cacheClearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every cached dataset",
		RunE: func(cmd *cobra.Command, args []string) error {
			return clearCache(cmd.Context(), configPath, cmd.OutOrStdout())
		},
	}
	cacheCmd.AddCommand(cacheClearCmd)

	storeCmd := &cobra.Command{
		Use:   "store",
		Short: "Category store operations",
	}
	var snapshotPath string
	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Write the configured store to a JSON snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return exportSnapshot(cmd.Context(), configPath, snapshotPath, cmd.OutOrStdout())
		},
	}
	exportCmd.Flags().StringVar(&snapshotPath, "output", "snapshot.json", "Snapshot file")
	importCmd := &cobra.Command{
		Use:   "import-neo4j",
		Short: "Load a JSON snapshot into Neo4j",
		RunE: func(cmd *cobra.Command, args []string) error {
			return importNeo4j(cmd.Context(), configPath, snapshotPath, cmd.OutOrStdout())
		},
	}
	importCmd.Flags().StringVar(&snapshotPath, "input", "snapshot.json", "Snapshot file")
	storeCmd.AddCommand(exportCmd, importCmd)

	rootCmd.AddCommand(runCmd, closureCmd, classifyCmd, scheduleCmd, cacheCmd, storeCmd)
	return rootCmd
}

func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Warning: config %s not found, using defaults and environment\n", path)
		path = ""
	}
	return config.Load(path)
}

func setup(ctx context.Context, configPath string) (*app.App, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	logger, err := observability.NewLogger(observability.LogConfig{Level: cfg.Log.Level, Format: cfg.Log.Format}, os.Stderr)
	if err != nil {
		return nil, err
	}
	return app.Setup(ctx, cfg, logger)
}

func signalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

// selectReports keeps the configured reports named in names, in
// configuration order. An empty names keeps all of them.
func selectReports(all []config.ReportConfig, names []string) ([]config.ReportConfig, error) {
	if len(names) == 0 {
		return all, nil
	}
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	var out []config.ReportConfig
	for _, r := range all {
		name := r.Resolved().Name
		if want[name] {
			out = append(out, r)
			delete(want, name)
		}
	}
	if len(want) > 0 {
		var missing []string
		for n := range want {
			missing = append(missing, n)
		}
		return nil, fmt.Errorf("unknown reports: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

type runFlags struct {
	dryRun  bool
	refresh bool
	json    bool
	reports []string
}

func newRunner(a *app.App, refresh, dryRun bool, names []string) (*pipeline.Runner, error) {
	opts := pipeline.OptionsFromConfig(a.Config)
	opts.Refresh = refresh
	opts.DryRun = dryRun
	reports, err := selectReports(opts.Reports, names)
	if err != nil {
		return nil, err
	}
	opts.Reports = reports
	return pipeline.New(a.PipelineDeps(), opts)
}

func runReports(ctx context.Context, configPath string, flags runFlags, out io.Writer) error {
	ctx, cancel := signalContext(ctx)
	defer cancel()

	a, err := setup(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	if a.Wiki == nil && !flags.dryRun {
		fmt.Fprintln(os.Stderr, "Warning: no wiki api_url configured, reports will not be saved")
	}

	runner, err := newRunner(a, flags.refresh, flags.dryRun, flags.reports)
	if err != nil {
		return err
	}
	_, runErr := runner.Run(ctx)

	m := runner.Metrics()
	a.PushMetrics(ctx, m)
	if flags.json {
		data, err := m.JSON()
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(data))
	} else {
		m.PrintSummary(out)
	}
	return runErr
}

func printClosure(ctx context.Context, configPath string, refresh bool, out io.Writer) error {
	ctx, cancel := signalContext(ctx)
	defer cancel()

	a, err := setup(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	if a.Config.Closure.Root == "" {
		return errors.New("closure root is not configured")
	}
	runner, err := newRunner(a, refresh, true, nil)
	if err != nil {
		return err
	}
	hidden, err := runner.LoadHidden(ctx)
	if err != nil {
		return err
	}
	res, err := runner.BuildClosure(ctx, hidden)
	if err != nil {
		return err
	}
	for _, name := range res.Categories.Sorted() {
		fmt.Fprintln(out, name)
	}
	for _, w := range res.Truncated {
		fmt.Fprintf(os.Stderr, "Warning: not expanded beyond max depth: %s\n", w)
	}
	return nil
}

func printClassification(ctx context.Context, configPath, name string, refresh bool, out io.Writer) error {
	ctx, cancel := signalContext(ctx)
	defer cancel()

	a, err := setup(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	runner, err := newRunner(a, refresh, true, []string{name})
	if err != nil {
		return err
	}
	ds, err := runner.Prepare(ctx)
	if err != nil {
		return err
	}
	matches, err := runner.Classify(ctx, ds, name)
	if err != nil {
		return err
	}
	for _, title := range matches.Titles() {
		fmt.Fprintln(out, title)
	}
	return nil
}

type scheduleFlags struct {
	once       bool
	workflowID string
	dryRun     bool
	reports    []string
}

func schedule(ctx context.Context, configPath string, flags scheduleFlags, out io.Writer) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if _, err := selectReports(cfg.Reports, flags.reports); err != nil {
		return err
	}

	c, err := temporalclient.Dial(temporalclient.Options{
		HostPort:  cfg.Temporal.Host,
		Namespace: cfg.Temporal.Namespace,
	})
	if err != nil {
		return fmt.Errorf("temporal client: %w", err)
	}
	defer c.Close()

	id := flags.workflowID
	if id == "" {
		id = "katbot-" + uuid.NewString()
	}
	cron := cfg.Temporal.Cron
	if flags.once {
		cron = ""
	}

	run, err := c.ExecuteWorkflow(ctx,
		temporalmod.StartOptions(id, cfg.Temporal.TaskQueue, cron),
		temporalmod.ReportWorkflow,
		temporalmod.ReportInput{Reports: flags.reports, DryRun: flags.dryRun},
	)
	if err != nil {
		return fmt.Errorf("start workflow: %w", err)
	}
	fmt.Fprintf(out, "Started workflow %s (run %s)\n", run.GetID(), run.GetRunID())
	if cron != "" {
		fmt.Fprintf(out, "Schedule: %s\n", cron)
		return nil
	}

	var result temporalmod.ReportOutput
	if err := run.Get(ctx, &result); err != nil {
		return fmt.Errorf("workflow: %w", err)
	}
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(out, string(data))
	if result.Failed() > 0 {
		return fmt.Errorf("%d report(s) failed", result.Failed())
	}
	return nil
}

func clearCache(ctx context.Context, configPath string, out io.Writer) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := app.ResolveSecrets(ctx, cfg, nil); err != nil {
		return err
	}
	c, err := app.OpenCache(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Clear(ctx); err != nil {
		return err
	}
	fmt.Fprintf(out, "Cleared %s cache (%s, %s, %s)\n", cfg.Cache.Backend, cache.KeyHidden, cache.KeyClosure, cache.KeyPageCategories)
	return nil
}

func exportSnapshot(ctx context.Context, configPath, path string, out io.Writer) error {
	ctx, cancel := signalContext(ctx)
	defer cancel()

	a, err := setup(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	snap, err := graph.Export(ctx, a.Store)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	if err := enc.Encode(snap); err != nil {
		f.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Fprintf(out, "Wrote %d hidden categories, %d edges and %d pages to %s\n", snap.Hidden.Len(), len(snap.Edges), len(snap.Pages), path)
	return nil
}

func importNeo4j(ctx context.Context, configPath, path string, out io.Writer) error {
	ctx, cancel := signalContext(ctx)
	defer cancel()

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger, err := observability.NewLogger(observability.LogConfig{Level: cfg.Log.Level, Format: cfg.Log.Format}, os.Stderr)
	if err != nil {
		return err
	}
	if err := app.ResolveSecrets(ctx, cfg, logger); err != nil {
		return err
	}
	if cfg.Neo4j.URI == "" {
		return errors.New("neo4j uri is not configured")
	}

	snap, err := graph.LoadSnapshot(path)
	if err != nil {
		return err
	}
	store, err := neo4j.Open(ctx, cfg.Neo4j.URI, cfg.Neo4j.Username, cfg.Neo4j.Password, cfg.Neo4j.Database, logger)
	if err != nil {
		return err
	}
	defer store.Close(context.Background())

	if err := store.Import(ctx, snap); err != nil {
		return err
	}
	fmt.Fprintf(out, "Imported %d edges and %d pages into %s\n", len(snap.Edges), len(snap.Pages), cfg.Neo4j.URI)
	return nil
}
