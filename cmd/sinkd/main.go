// Command sinkd is one resource instance's worker process (spec §2): it
// opens the instance's entitystore and synchronizationstore, wires the
// pipeline, query engine, and listener together, and serves the local
// socket until told to stop.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/sink/pkg/config"
	"github.com/cuemby/sink/pkg/entity"
	"github.com/cuemby/sink/pkg/listener"
	"github.com/cuemby/sink/pkg/log"
	"github.com/cuemby/sink/pkg/metrics"
	"github.com/cuemby/sink/pkg/notify"
	"github.com/cuemby/sink/pkg/pipeline"
	"github.com/cuemby/sink/pkg/query"
	"github.com/cuemby/sink/pkg/secretstore"
	"github.com/cuemby/sink/pkg/store"
	"github.com/cuemby/sink/pkg/value"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "sinkd",
	Short:   "sinkd runs one Sink resource instance's worker process",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("sinkd version %s\ncommit: %s\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the worker process for one resource instance",
	RunE:  runWorker,
}

func init() {
	runCmd.Flags().String("resource-id", "", "Unique id for this resource instance (required)")
	runCmd.Flags().String("data-dir", "./sink-data", "Parent directory for this resource's instance directory")
	runCmd.Flags().String("socket-path", "", "Override the local socket path (default: <instance-dir>/sink.sock)")
	runCmd.Flags().Duration("idle-timeout", 0, "Shut down after this long with zero connected clients (0 uses the listener default of 5m)")
	runCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Bind address for /metrics, /health, /ready, /live (empty disables)")
}

func runWorker(cmd *cobra.Command, args []string) error {
	resourceID, _ := cmd.Flags().GetString("resource-id")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	socketPath, _ := cmd.Flags().GetString("socket-path")
	idleTimeout, _ := cmd.Flags().GetDuration("idle-timeout")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	cfg := config.Config{
		ResourceID:  resourceID,
		DataDir:     dataDir,
		SocketPath:  socketPath,
		IdleTimeout: idleTimeout,
		MetricsAddr: metricsAddr,
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	resLog := log.WithResourceID(cfg.ResourceID)

	if err := os.MkdirAll(cfg.InstanceDir(), 0o750); err != nil {
		return fmt.Errorf("sinkd: create instance directory: %w", err)
	}

	lockfile, err := listener.AcquireLockfile(cfg.LockfilePath())
	if err != nil {
		return fmt.Errorf("sinkd: %w", err)
	}
	defer lockfile.Release()

	entityDB, err := store.Open(cfg.EntityStorePath(), 0)
	if err != nil {
		return fmt.Errorf("sinkd: open entitystore: %w", err)
	}
	defer entityDB.Close()

	syncDB, err := store.Open(cfg.SynchronizationStorePath(), 0)
	if err != nil {
		return fmt.Errorf("sinkd: open synchronizationstore: %w", err)
	}
	defer syncDB.Close()

	schema, caps := defaultCapabilities()

	es := entity.NewStore(entityDB, schema, caps)
	if err := es.Bootstrap(); err != nil {
		return fmt.Errorf("sinkd: bootstrap entitystore: %w", err)
	}
	if err := entityDB.WriteLayout(cfg.LayoutPath()); err != nil {
		return fmt.Errorf("sinkd: write layout manifest: %w", err)
	}

	bus := notify.NewBus()
	bus.Start()
	defer bus.Stop()

	pipe := pipeline.New(entityDB, es, bus)
	pipe.OnFatal = func(err error) {
		resLog.Error().Err(err).Msg("pipeline reported a fatal storage error, shutting down")
		os.Exit(1)
	}
	pipe.Start()
	defer pipe.Stop()

	engine := query.NewEngine(es)
	secrets := secretstore.New()

	srv, err := listener.New(listener.Config{
		SocketPath:  cfg.ListenerSocketPath(),
		IdleTimeout: cfg.IdleTimeout,
		EntityDB:    entityDB,
		Pipeline:    pipe,
		Caps:        caps,
		Bus:         bus,
		Query:       engine,
		Secrets:     secrets,
		OnIdle: func() {
			resLog.Info().Msg("idle timeout reached, shutting down")
			os.Exit(0)
		},
	})
	if err != nil {
		return fmt.Errorf("sinkd: start listener: %w", err)
	}

	metrics.RegisterComponent("entitystore", true, "bootstrapped")
	metrics.RegisterComponent("pipeline", true, "running")
	metrics.RegisterComponent("listener", false, "starting")

	collector := metrics.NewCollector(entityDB, es, caps)
	collector.Start()
	defer collector.Stop()

	if cfg.MetricsAddr != "" {
		startMetricsServer(cfg.MetricsAddr)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(); err != nil {
			errCh <- err
		}
	}()
	time.Sleep(50 * time.Millisecond)
	metrics.RegisterComponent("listener", true, "ready")

	resLog.Info().Str("socket", cfg.ListenerSocketPath()).Msg("resource worker started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		resLog.Info().Str("signal", sig.String()).Msg("shutting down")
		srv.Stop()
	case err := <-errCh:
		return fmt.Errorf("sinkd: listener error: %w", err)
	}

	return nil
}

// defaultCapabilities registers the entity types this worker understands.
// Source-adaptor plugins (IMAP, CalDAV, Maildir, ...) are spec §1's explicit
// out-of-scope collaborators and are what would normally contribute these
// registrations at startup; lacking one, a generic "note.item" type is
// registered so the worker is immediately usable for local-only entities
// created directly through the listener, alongside "mail.item"/"mail.folder"
// so MailPreprocessor's property extraction and folder auto-create are
// actually reachable from a running worker.
func defaultCapabilities() (*value.Registry, *entity.CapabilityRegistry) {
	schema := value.NewRegistry()
	schema.Register(&value.TypeSchema{
		Type: "note.item",
		Properties: map[string]value.PropertySchema{
			"title": {Kind: value.KindString},
			"body":  {Kind: value.KindString},
		},
	})
	schema.Register(&value.TypeSchema{
		Type: entity.MailItemType,
		Properties: map[string]value.PropertySchema{
			"mime":             {Kind: value.KindBytes},
			"specialPurpose":   {Kind: value.KindString, Indexed: true},
			"subject":          {Kind: value.KindString},
			"sender":           {Kind: value.KindString},
			"date":             {Kind: value.KindTimestamp, Indexed: true},
			"messageId":        {Kind: value.KindString, Indexed: true},
			"parentMessageIds": {Kind: value.KindList, Indexed: true},
			"plainBody":        {Kind: value.KindString},
		},
	})
	schema.Register(&value.TypeSchema{
		Type: entity.MailFolderType,
		Properties: map[string]value.PropertySchema{
			"name":           {Kind: value.KindString},
			"specialPurpose": {Kind: value.KindString, Indexed: true},
		},
	})

	caps := entity.NewCapabilityRegistry()
	caps.Register("note.item", entity.Capabilities{Adaptor: entity.JSONAdaptor{Type: "note.item", Schema: schema}})
	caps.Register(entity.MailItemType, entity.Capabilities{
		Adaptor:      entity.JSONAdaptor{Type: entity.MailItemType, Schema: schema},
		Preprocessor: entity.MailPreprocessor{},
	})
	caps.Register(entity.MailFolderType, entity.Capabilities{
		Adaptor: entity.JSONAdaptor{Type: entity.MailFolderType, Schema: schema},
	})
	return schema, caps
}

func startMetricsServer(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			fmt.Fprintf(os.Stderr, "metrics server error: %v\n", err)
		}
	}()
}
