package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/mariner-sh/mariner/pkg/engine"
	"github.com/mariner-sh/mariner/pkg/facts"
	"github.com/mariner-sh/mariner/pkg/manifest"
	"github.com/mariner-sh/mariner/pkg/policy"
	"github.com/mariner-sh/mariner/pkg/recipe"
	"github.com/mariner-sh/mariner/pkg/stores"
	"github.com/mariner-sh/mariner/pkg/telemetry"
)

func newApplyCommand() *cobra.Command {
	var (
		varFlags  []string
		policyDir string
		noPolicy  bool
		noHistory bool
		dbPath    string
		dryRun    bool
		watch     bool
	)

	cmd := &cobra.Command{
		Use:   "apply <recipe>",
		Short: "Converge the host toward a recipe",
		Long: `Load a recipe (Starlark .star or CUE .cue manifest), resolve it into a
resource list, and converge the host.

Validation runs before any apply: duplicate resource identities, unknown
notification targets, and immediate notifications pointing upstream abort
the run untouched. Individual resource failures are recorded and the run
continues past them.`,
		Example: `  # Converge from a Starlark recipe
  mariner apply site.star

  # Converge from a CUE manifest with variables
  mariner apply site.cue --var domain=example.com

  # Show the resolved resource list without touching the host
  mariner apply site.star --dry-run

  # Re-converge whenever the recipe changes
  mariner apply site.star --watch`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadSettings()
			if err != nil {
				return err
			}
			log, err := newLogger(cfg)
			if err != nil {
				return err
			}

			vars, err := parseVars(varFlags)
			if err != nil {
				return err
			}

			app := &applyRun{
				cfg:       cfg,
				log:       log,
				path:      args[0],
				vars:      vars,
				policyDir: policyDir,
				noPolicy:  noPolicy,
				noHistory: noHistory,
				dbPath:    dbPath,
				dryRun:    dryRun,
			}

			if watch {
				return app.watch(cmd.Context())
			}
			return app.once(cmd.Context())
		},
	}

	cmd.Flags().StringArrayVar(&varFlags, "var", nil, "recipe variable as key=value (repeatable)")
	cmd.Flags().StringVar(&policyDir, "policy-dir", "", "directory of additional .rego policies")
	cmd.Flags().BoolVar(&noPolicy, "no-policy", false, "skip the policy gate")
	cmd.Flags().BoolVar(&noHistory, "no-history", false, "do not record this run in history")
	cmd.Flags().StringVar(&dbPath, "db", "", "run history database path")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "resolve and validate, but do not touch the host")
	cmd.Flags().BoolVar(&watch, "watch", false, "re-converge whenever the recipe file changes")

	return cmd
}

type applyRun struct {
	cfg       *telemetry.Config
	log       *telemetry.Logger
	path      string
	vars      map[string]any
	policyDir string
	noPolicy  bool
	noHistory bool
	dbPath    string
	dryRun    bool
}

// once performs a single resolve-validate-converge cycle.
func (a *applyRun) once(ctx context.Context) error {
	node := facts.NewCollector(a.log).Collect().Map()

	list, err := loadResources(a.log, a.path, node, a.vars)
	if err != nil {
		return err
	}

	if a.dryRun {
		// Converge performs this itself; the dry run has to ask explicitly.
		if err := engine.Validate(list); err != nil {
			for _, res := range list {
				res.Release()
			}
			exitCode = 1
			return err
		}
	}

	if !a.noPolicy {
		gate := policy.NewGate(a.log)
		if a.policyDir != "" {
			if err := gate.LoadDir(a.policyDir); err != nil {
				return err
			}
		}
		result, err := gate.Evaluate(ctx, policy.InputsFromResources(list))
		if err != nil {
			return err
		}
		for _, v := range result.Violations {
			a.log.WithField("policy", v.Policy).
				WithField("resource", v.Resource).
				Warnf("policy violation: %s", v.Message)
		}
		if !result.Allowed {
			for _, res := range list {
				res.Release()
			}
			exitCode = 1
			return fmt.Errorf("policy gate rejected the resource list (%d violations)", len(result.Violations))
		}
	}

	if a.dryRun {
		fmt.Printf("Recipe %s resolves to %d resources:\n", a.path, len(list))
		for _, res := range list {
			props := res.Common()
			fmt.Printf("  %-40s action=%s", res.Identity(), props.Action)
			if len(props.Guards) > 0 {
				fmt.Printf(" guards=%d", len(props.Guards))
			}
			for _, note := range props.Notifies {
				fmt.Printf(" notifies=%s:%s(%s)", note.Target, note.Action, note.Timing)
			}
			fmt.Println()
		}
		for _, res := range list {
			res.Release()
		}
		return nil
	}

	eng, cleanup, err := a.buildEngine(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	summary, err := eng.Converge(ctx, list)
	if err != nil {
		exitCode = 1
		return err
	}
	summary.Render(os.Stdout)
	exitCode = summary.ExitCode()
	return nil
}

// watch re-runs the convergence cycle whenever the recipe file changes.
func (a *applyRun) watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: editors replace files on save, which drops
	// watches registered on the file itself.
	if err := watcher.Add(filepath.Dir(a.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", a.path, err)
	}

	if err := a.once(ctx); err != nil {
		a.log.WithError(err).Error("convergence failed")
	}

	var debounce *time.Timer
	runs := make(chan struct{}, 1)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(a.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			// Coalesce bursts of write events into one run.
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(300*time.Millisecond, func() {
				select {
				case runs <- struct{}{}:
				default:
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			a.log.WithError(err).Warn("watch error")
		case <-runs:
			a.log.WithField("recipe", a.path).Info("recipe changed, re-converging")
			if err := a.once(ctx); err != nil {
				a.log.WithError(err).Error("convergence failed")
			}
		}
	}
}

// buildEngine wires the optional collaborators behind the engine.
func (a *applyRun) buildEngine(ctx context.Context) (*engine.Engine, func(), error) {
	var opts []engine.Option
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	if a.cfg.Events.Enabled {
		events := telemetry.NewEventPublisher(a.cfg.Events)
		opts = append(opts, engine.WithEvents(events))
		cleanups = append(cleanups, events.Close)
	}

	if a.cfg.Metrics.Enabled {
		metrics := telemetry.NewMetrics(a.cfg.Metrics)
		if err := metrics.Serve(); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("failed to start metrics endpoint: %w", err)
		}
		opts = append(opts, engine.WithMetrics(metrics))
		cleanups = append(cleanups, func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metrics.Shutdown(shutdownCtx)
		})
	}

	if a.cfg.Tracing.Enabled {
		tracer, err := telemetry.NewTracer(a.cfg.Tracing, a.cfg.ServiceName, a.cfg.ServiceVersion, a.cfg.Environment)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("failed to initialize tracing: %w", err)
		}
		opts = append(opts, engine.WithTracer(tracer))
		cleanups = append(cleanups, func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tracer.Shutdown(shutdownCtx)
		})
	}

	if !a.noHistory {
		store, err := openStore(ctx, a.dbPath)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		opts = append(opts, engine.WithRecorder(store))
		cleanups = append(cleanups, func() { _ = store.Close() })
	}

	return engine.New(a.log, opts...), cleanup, nil
}

// loadResources resolves a recipe or manifest file into the resource list.
// The front end is picked by extension: .cue loads as a static manifest,
// everything else as a Starlark recipe.
func loadResources(log *telemetry.Logger, path string, node, vars map[string]any) ([]engine.Resource, error) {
	if filepath.Ext(path) == ".cue" {
		loader, err := manifest.NewLoader(log, node)
		if err != nil {
			return nil, err
		}
		return loader.Load(path)
	}
	return recipe.NewLoader(log, recipe.WithNode(node), recipe.WithVars(vars)).Load(path)
}

// openStore opens (and migrates) the run history database.
func openStore(ctx context.Context, path string) (*stores.SQLiteStore, error) {
	if path == "" {
		path = defaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}
	store, err := stores.NewSQLiteStore(stores.Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func defaultDBPath() string {
	if state := os.Getenv("XDG_STATE_HOME"); state != "" {
		return filepath.Join(state, "mariner", "history.db")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "mariner-history.db"
	}
	return filepath.Join(home, ".local", "state", "mariner", "history.db")
}

// parseVars parses repeated --var key=value flags.
func parseVars(flags []string) (map[string]any, error) {
	if len(flags) == 0 {
		return nil, nil
	}
	vars := make(map[string]any, len(flags))
	for _, flag := range flags {
		key, value, ok := strings.Cut(flag, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --var %q, want key=value", flag)
		}
		vars[key] = value
	}
	return vars, nil
}
