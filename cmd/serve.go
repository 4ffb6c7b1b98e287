package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"fleetkeeper/internal/agent"
	"fleetkeeper/internal/artifact"
	"fleetkeeper/internal/bootstrap"
	"fleetkeeper/internal/clock"
	"fleetkeeper/internal/configstore"
	"fleetkeeper/internal/dependency"
	"fleetkeeper/internal/deployment"
	"fleetkeeper/internal/ingress"
	"fleetkeeper/internal/platform"
	"fleetkeeper/internal/recipe"
	"fleetkeeper/internal/safeupdate"
	"fleetkeeper/internal/status"
	"fleetkeeper/pkg/logging"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the fleetkeeperd daemon",
	Long: `serve starts the long-running supervisor: it watches for deployment
documents (locally, under <root>/jobs, in place of the out-of-scope cloud
transport), drives each one through the deployment state machine, and
keeps every resolved component's supervisor alive.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// daemon bundles every collaborator constructed at startup so runServe and
// the bootstrap-resume path share one wiring.
type daemon struct {
	cfg        DaemonConfig
	log        *logging.Logger
	config     *configstore.Store
	artifacts  *artifact.Store
	recipes    *recipe.Store
	components *agent.Manager
	resolver   *dependency.Resolver
	safeUpd    *safeupdate.Scheduler
	reporter   *status.Reporter
	bootstrap  *bootstrap.Store
	manager    *deployment.Manager
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadDaemonConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fleetkeeperd: invalid configuration: %v\n", err)
		os.Exit(ExitCodeConfigError)
	}

	d, err := buildDaemon(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fleetkeeperd: startup failed: %v\n", err)
		os.Exit(ExitCodeConfigError)
	}
	defer d.close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	d.log.Info("fleetkeeperd starting, root=%s device=%s", cfg.Root, cfg.DeviceID)

	go d.serveMetrics(cfg.MetricsAddr)

	if err := d.resumeBootstrap(ctx); err != nil {
		d.log.Error(err, "resume bootstrap continuation failed")
	}

	if contWatcher, err := bootstrap.NewWatcher(d.log, cfg.Root); err != nil {
		d.log.Warn("continuation watcher unavailable: %v", err)
	} else {
		go d.watchContinuations(ctx, contWatcher)
	}

	watchErr := make(chan error, 1)
	go func() { watchErr <- d.watchJobs(ctx) }()

	select {
	case <-ctx.Done():
		d.log.Info("shutdown signal received, draining in-flight work")
	case result := <-d.manager.RestartRequested():
		d.log.Info("deployment %s requested a bootstrap restart, exiting", result.DeploymentID)
		d.drain(cfg.ShutdownGrace)
		os.Exit(ExitCodeBootstrapRestart)
	case err := <-watchErr:
		if err != nil {
			d.log.Error(err, "jobs watcher failed")
		}
	}

	d.drain(cfg.ShutdownGrace)
	return nil
}

func (d *daemon) drain(grace time.Duration) {
	done := make(chan struct{})
	go func() {
		d.manager.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		d.log.Warn("shutdown grace period elapsed before all deployments drained")
	}
}

func buildDaemon(cfg DaemonConfig) (*daemon, error) {
	var logOutput = os.Stderr
	log := logging.New(logging.Options{
		Level:        logging.ParseLevel(cfg.LogLevel),
		Output:       logOutput,
		RotatingFile: filepath.Join(cfg.Root, "fleetkeeperd.log"),
		JSON:         cfg.LogJSON,
	})

	for _, dir := range []string{cfg.Root, cfg.JobsDir, cfg.RecipeSourceDir, cfg.ArtifactSourceDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}

	configStore := configstore.New(log.With("configstore"))

	reg := prometheus.NewRegistry()
	metrics := status.NewMetrics(reg)
	statusPath := filepath.Join(cfg.Root, statusFileName)
	reporter := status.New(log.With("status"), status.Options{
		Device:       cfg.DeviceID,
		Metrics:      metrics,
		TickInterval: cfg.StatusTick,
		Sink:         ingress.FuncSink(func(_ context.Context, payload []byte) error { return writeStatusFile(statusPath, payload) }),
	})

	artifactStore, err := artifact.New(log.With("artifact"), artifact.Options{
		Root: cfg.Root,
		Sources: []artifact.Source{
			artifact.NewLocalSource(),
			artifact.NewHTTPSource("cloud", nil),
		},
		Pool:    clock.NewExecutorPool(int64(runtime.NumCPU())),
		OnRetry: reporter.RecordArtifactRetry,
	})
	if err != nil {
		return nil, fmt.Errorf("artifact store: %w", err)
	}

	recipeStore := recipe.New(log.With("recipe"), cfg.Root, recipe.LocalFetcher{Dir: cfg.RecipeSourceDir})

	components := agent.New(log.With("agent"), agent.Options{
		Platform: platform.NewDefaultAdapter(log.With("platform")),
		Artifact: artifactStore,
		Config:   configStore,
		WorkRoot: cfg.Root,
		Tags:     platformTags(),
	})

	resolver := dependency.NewResolver(recipeStore, "nucleus")

	scheduler := safeupdate.New(log.With("safeupdate"), nil, func(component string) safeupdate.Voter {
		return autoApproveVoter{}
	})

	bootstrapStore := bootstrap.New(log.With("bootstrap"), cfg.Root)

	deps := deployment.Deps{
		Config:     configStore,
		Resolver:   resolver,
		Catalog:    recipeCatalog{recipeStore},
		Components: components,
		SafeUpdate: scheduler,
		Status:     reporter,
		Bootstrap:  bootstrapStore,
		Log:        log.With("deployment"),
	}
	manager := deployment.NewManager(deps)

	return &daemon{
		cfg: cfg, log: log, config: configStore, artifacts: artifactStore,
		recipes: recipeStore, components: components, resolver: resolver,
		safeUpd: scheduler, reporter: reporter, bootstrap: bootstrapStore, manager: manager,
	}, nil
}

func (d *daemon) close() {
	d.manager.Close()
	d.reporter.Close()
	d.config.Close()
}

// recipeCatalog adapts *recipe.Store to deployment.RecipeCatalog; both
// already exist on recipe.Store, this just satisfies the interface
// assertion without an import cycle (internal/deployment cannot import
// internal/recipe's concrete Store without also knowing about Fetcher).
type recipeCatalog struct{ *recipe.Store }

// autoApproveVoter stands in for the on-device IPC vote channel, which is
// out of core scope here: every vote is an immediate READY, equivalent to
// every component accepting every disruptive update.
type autoApproveVoter struct{}

func (autoApproveVoter) NotifyPreUpdate(string) {}
func (autoApproveVoter) RequestVote(ctx context.Context) safeupdate.VoteResponse {
	return safeupdate.Ready
}
func (autoApproveVoter) NotifyPostUpdate(string, bool) {}

func (d *daemon) serveMetrics(addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		d.log.Warn("metrics server stopped: %v", err)
	}
}

func (d *daemon) resumeBootstrap(ctx context.Context) error {
	cont, ok, err := d.bootstrap.Read()
	if err != nil || !ok {
		return err
	}
	if len(cont.Document) == 0 {
		d.log.Warn("continuation for deployment %s carries no document, clearing", cont.DeploymentID)
		return d.bootstrap.Clear()
	}
	doc, err := ingress.Parse(cont.Document)
	if err != nil {
		if clearErr := d.bootstrap.Clear(); clearErr != nil {
			d.log.Warn("clear unparseable continuation: %v", clearErr)
		}
		return fmt.Errorf("continuation document for %s invalid: %w", cont.DeploymentID, err)
	}
	d.log.Info("resuming continuation for deployment %s at state %s", cont.DeploymentID, cont.State)
	d.manager.Submit(doc)
	return nil
}

// watchContinuations reacts to continuation records written by another
// process (e.g. a platform install helper dropping ongoing.json while the
// daemon runs). Records written by this process's own controllers are
// recognized via Manager.Knows and left for the restart path.
func (d *daemon) watchContinuations(ctx context.Context, w *bootstrap.Watcher) {
	defer w.Close()
	events := w.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-events:
			if !ok {
				return
			}
			cont, found, err := d.bootstrap.Read()
			if err != nil {
				d.log.Warn("read continuation after watch event: %v", err)
				continue
			}
			if !found || d.manager.Knows(cont.DeploymentID) {
				continue
			}
			if err := d.resumeBootstrap(ctx); err != nil {
				d.log.Warn("resume externally written continuation: %v", err)
			}
		}
	}
}

// watchJobs treats cfg.JobsDir as a stand-in cloud channel: any JSON/YAML
// file dropped there is parsed as a deployment document and submitted,
// exercising the same ingress.Parse/Document path a real MQTT/HTTPS
// transport would.
func (d *daemon) watchJobs(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("jobs watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(d.cfg.JobsDir); err != nil {
		return fmt.Errorf("jobs watcher: watch %s: %w", d.cfg.JobsDir, err)
	}

	for _, name := range listExistingJobs(d.cfg.JobsDir) {
		d.submitJobFile(name)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			d.submitJobFile(ev.Name)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			d.log.Warn("jobs watcher error: %v", err)
		}
	}
}

func (d *daemon) submitJobFile(path string) {
	doc, err := ingress.LoadFile(path)
	if err != nil {
		d.log.Error(err, "invalid deployment document %s", path)
		return
	}
	d.manager.Submit(doc)
}

func listExistingJobs(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	return out
}

// platformTags reports this device's platform predicate tags for
// recipe.Model.SelectManifest, most-generic first.
func platformTags() []string {
	return []string{"all", currentOSTag()}
}

// currentOSTag maps runtime.GOOS to this repo's platform predicate
// vocabulary (internal/recipe's "linux"/"windows"/"darwin").
func currentOSTag() string {
	return runtime.GOOS
}

// statusFileName is where the daemon's reporter publishes its latest
// status document, for "fleetkeeperd status" to read back out of process;
// there is no live IPC query channel to a running daemon.
const statusFileName = "status.json"

func writeStatusFile(path string, payload []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
