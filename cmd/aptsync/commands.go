package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/git-pkgs/aptsync/client"
	"github.com/git-pkgs/aptsync/internal/packages"
	"github.com/git-pkgs/aptsync/internal/probe"
	"github.com/git-pkgs/aptsync/internal/server"
	reposync "github.com/git-pkgs/aptsync/internal/sync"
)

var (
	jsonOutput   bool
	discoverFlag bool
	namespace    string
	packageLimit int
)

var probeCmd = &cobra.Command{
	Use:   "probe <url> [names...]",
	Short: "Check which distributions a repository serves",
	Long: `Probe requests the Release (or InRelease) manifest of each named
distribution and reports whether it exists, is absent, or could not be
determined. Without names the configured candidate list is used.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runProbe,
}

var discoverCmd = &cobra.Command{
	Use:   "discover <url>",
	Short: "List the distributions in a repository's dists/ index",
	Args:  cobra.ExactArgs(1),
	RunE:  runDiscover,
}

var syncCmd = &cobra.Command{
	Use:   "sync <url> [names...]",
	Short: "Synchronize a repository's distributions into the store",
	Long: `Sync probes the candidate distributions, downloads the manifests of
those that exist, and reconciles the store so it holds exactly the
distributions found. Candidates that fail keep their previous record.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSync,
}

var packagesCmd = &cobra.Command{
	Use:   "packages <url> <dist> <component> <arch>",
	Short: "List the binary packages of one distribution",
	Args:  cobra.ExactArgs(4),
	RunE:  runPackages,
}

var listCmd = &cobra.Command{
	Use:   "list <url>",
	Short: "Show the stored distributions of a repository",
	Args:  cobra.ExactArgs(1),
	RunE:  runList,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long: `Serve exposes repositories, distributions and syncs over HTTP. Sync
requests stream progress events as newline-delimited JSON.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	for _, c := range []*cobra.Command{probeCmd, discoverCmd, syncCmd, packagesCmd, listCmd} {
		c.Flags().BoolVar(&jsonOutput, "json", false, "write JSON instead of a table")
	}
	syncCmd.Flags().BoolVar(&discoverFlag, "discover", false, "read candidates from the dists/ listing when none are named")
	packagesCmd.Flags().StringVar(&namespace, "namespace", "debian", "purl namespace (debian, ubuntu, ...)")
	packagesCmd.Flags().IntVar(&packageLimit, "limit", 0, "stop after this many packages (0 for all)")
}

// setup loads configuration and builds the fetch and cache layers shared by
// every command.
func setup(ctx context.Context, cmd *cobra.Command, withStore bool) (*runtime, error) {
	logger := setupLogger()
	cfg, err := loadConfig(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cmd.Flags().Changed("discover") {
		cfg.Sync.Discover = discoverFlag
	}

	rt, err := newRuntime(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if withStore {
		if err := rt.openStore(ctx); err != nil {
			_ = rt.Close()
			return nil, fmt.Errorf("failed to open store: %w", err)
		}
	}
	return rt, nil
}

func repositoryArg(arg string) (string, error) {
	if err := client.ValidateBase(arg); err != nil {
		return "", err
	}
	return client.NormalizeBase(arg), nil
}

func runProbe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	base, err := repositoryArg(args[0])
	if err != nil {
		return err
	}
	rt, err := setup(ctx, cmd, false)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	names := args[1:]
	if len(names) == 0 {
		names = rt.cfg.Sync.Candidates
	}
	results := rt.prober.Probe(ctx, base, names)
	if err := ctx.Err(); err != nil {
		return err
	}
	return writeProbeResults(cmd.OutOrStdout(), names, results, jsonOutput)
}

type probeLine struct {
	Name  string `json:"name"`
	State string `json:"state"`
	URL   string `json:"url,omitempty"`
	Error string `json:"error,omitempty"`
}

func writeProbeResults(w io.Writer, names []string, results map[string]probe.Result, asJSON bool) error {
	lines := make([]probeLine, 0, len(names))
	for _, name := range names {
		r := results[name]
		line := probeLine{Name: name, State: r.State.String(), URL: r.URL}
		if r.Err != nil {
			line.Error = r.Err.Error()
		}
		lines = append(lines, line)
	}
	if asJSON {
		return writeJSON(w, lines)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "NAME\tSTATE\tDETAIL")
	for _, l := range lines {
		detail := l.URL
		if l.Error != "" {
			detail = l.Error
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", l.Name, l.State, detail)
	}
	return tw.Flush()
}

func runDiscover(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	base, err := repositoryArg(args[0])
	if err != nil {
		return err
	}
	rt, err := setup(ctx, cmd, false)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	names, err := rt.prober.Discover(ctx, base)
	if err != nil {
		return err
	}
	if jsonOutput {
		return writeJSON(cmd.OutOrStdout(), names)
	}
	for _, name := range names {
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), name)
	}
	return nil
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	base, err := repositoryArg(args[0])
	if err != nil {
		return err
	}
	rt, err := setup(ctx, cmd, true)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	repo, err := rt.repository(ctx, base)
	if err != nil {
		return err
	}

	rt.logger.Info("starting sync", "repository", repo.ID)
	summary, err := rt.coordinator.Run(ctx, repo, args[1:], reposync.LogSink{Logger: rt.logger})
	if summary != nil {
		if werr := writeSummary(cmd.OutOrStdout(), summary, jsonOutput); werr != nil {
			return werr
		}
	}
	if err != nil {
		rt.logger.Error("sync failed", "repository", repo.ID, "error", err)
		return err
	}
	return nil
}

func writeSummary(w io.Writer, s *reposync.Summary, asJSON bool) error {
	if asJSON {
		return writeJSON(w, s)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "NAME\tSTATUS\tDETAIL")
	for _, c := range s.Candidates {
		detail := c.URL
		if c.Error != "" {
			detail = c.Kind + ": " + c.Error
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", c.Name, c.Status, detail)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "\n%d synced, %d absent, %d failed; %d upserted, %d deleted in %s\n",
		s.Count(reposync.CandidateSynced), s.Count(reposync.CandidateAbsent), s.Count(reposync.CandidateFailed),
		s.Upserted, s.Deleted, time.Duration(s.DurationMS)*time.Millisecond)
	return err
}

func runPackages(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	base, err := repositoryArg(args[0])
	if err != nil {
		return err
	}
	rt, err := setup(ctx, cmd, false)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	target := packages.Target{Dist: args[1], Component: args[2], Arch: args[3]}
	seq, err := rt.packages.Read(ctx, base, target)
	if err != nil {
		return err
	}
	return writePackages(cmd.OutOrStdout(), rt.logger, seq, target, namespace, packageLimit, jsonOutput)
}

type packageLine struct {
	packages.Package
	PURL string `json:"purl"`
}

func writePackages(w io.Writer, logger *slog.Logger, seq iter.Seq2[packages.Package, error], t packages.Target, ns string, limit int, asJSON bool) error {
	enc := json.NewEncoder(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	if !asJSON {
		_, _ = fmt.Fprintln(tw, "NAME\tVERSION\tPURL")
	}

	n, skipped := 0, 0
	for pkg, err := range seq {
		if err != nil {
			skipped++
			logger.Warn("skipping package entry", "target", t.String(), "error", err)
			continue
		}
		line := packageLine{Package: pkg, PURL: pkg.PURL(ns, t.Dist)}
		if asJSON {
			if err := enc.Encode(line); err != nil {
				return err
			}
		} else {
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", pkg.Name, pkg.Version, line.PURL)
		}
		if n++; limit > 0 && n >= limit {
			break
		}
	}
	if skipped > 0 {
		logger.Warn("package entries skipped", "target", t.String(), "skipped", skipped)
	}
	if asJSON {
		return nil
	}
	return tw.Flush()
}

func runList(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	base, err := repositoryArg(args[0])
	if err != nil {
		return err
	}
	rt, err := setup(ctx, cmd, true)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	dists, err := rt.store.ListDistributions(ctx, base)
	if err != nil {
		return err
	}
	if jsonOutput {
		return writeJSON(cmd.OutOrStdout(), dists)
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "NAME\tSUITE\tVERSION\tDATE\tFETCHED")
	for _, d := range dists {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", d.Name, d.Suite, d.Version, d.Date, d.FetchedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	rt, err := setup(ctx, cmd, true)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	app := server.NewApp(server.Dependencies{
		Store:    rt.store,
		Syncer:   rt.coordinator,
		Packages: rt.packages,
		Breakers: rt.fetcher.GetBreakerState,
		Logger:   rt.logger,
	}, server.AppConfig{
		Address:           rt.cfg.Serve.ListenAddr,
		ReadHeaderTimeout: rt.cfg.Serve.ReadHeaderTimeout,
		Logger:            rt.logger,
	})
	if err := app.Start(); err != nil {
		return fmt.Errorf("failed to start api: %w", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- app.Wait() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	rt.logger.Info("shutting down")
	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := app.Stop(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
