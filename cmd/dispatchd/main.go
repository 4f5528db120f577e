package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/urbanfleet/dispatch/pkg/broker"
	"github.com/urbanfleet/dispatch/pkg/config"
	"github.com/urbanfleet/dispatch/pkg/discovery"
	"github.com/urbanfleet/dispatch/pkg/executor"
	"github.com/urbanfleet/dispatch/pkg/log"
	"github.com/urbanfleet/dispatch/pkg/metrics"
	"github.com/urbanfleet/dispatch/pkg/recovery"
	"github.com/urbanfleet/dispatch/pkg/sandbox"
	store "github.com/urbanfleet/dispatch/pkg/store"
	"github.com/urbanfleet/dispatch/pkg/transport"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "dispatchd",
	Short: "dispatchd - causal job-dispatch fabric for a fleet of executors",
	Long: `dispatchd runs a single node of the dispatch fabric: either a
broker, which accepts jobs and picks the executor to run them, or an
executor, which runs jobs in a sandbox and reports results back under
first-come-first-served acceptance.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"dispatchd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(brokerCmd)
	rootCmd.AddCommand(executorCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var brokerCmd = &cobra.Command{
	Use:   "broker",
	Short: "Run a broker node",
	RunE:  runBroker,
}

var executorCmd = &cobra.Command{
	Use:   "executor",
	Short: "Run an executor node",
	RunE:  runExecutor,
}

// brokerViper and executorViper are kept separate: both commands bind
// overlapping flag names (queue-capacity, conflict-strategy, ...) to their
// own FlagSet, and a shared viper instance would bind the second
// registration over the first.
var (
	brokerViper   = viper.New()
	executorViper = viper.New()
)

func init() {
	brokerCmd.Flags().String("id", "", "broker id (required)")
	brokerCmd.Flags().String("listen", ":8080", "HTTP listen address")
	brokerCmd.Flags().String("metrics-listen", ":9090", "metrics/health listen address")
	brokerCmd.Flags().StringSlice("peers", nil, "static peer list as id=host:port (repeatable); omit to rely on mDNS")
	brokerCmd.Flags().Bool("mdns", true, "discover peers via mDNS in addition to --peers")
	brokerCmd.Flags().Int("mdns-port", 7070, "mDNS service port advertised for this broker")
	config.BindFlags(brokerCmd.Flags(), brokerViper)
	_ = brokerCmd.MarkFlagRequired("id")

	executorCmd.Flags().String("id", "", "executor id (required)")
	executorCmd.Flags().String("listen", ":8081", "HTTP listen address")
	executorCmd.Flags().String("metrics-listen", ":9091", "metrics/health listen address")
	executorCmd.Flags().String("broker", "", "owning broker's HTTP address, for completion/failure callbacks")
	executorCmd.Flags().String("sandbox", "command", "sandbox backend: command|wasm")
	executorCmd.Flags().StringSlice("sandbox-command", []string{"/bin/sh", "-c", "cat"}, "argv for the command sandbox")
	config.BindFlags(executorCmd.Flags(), executorViper)
	_ = executorCmd.MarkFlagRequired("id")
}

func parseStaticPeers(raw []string) ([]discovery.Peer, error) {
	peers := make([]discovery.Peer, 0, len(raw))
	for _, entry := range raw {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid --peers entry %q, want id=host:port", entry)
		}
		peers = append(peers, discovery.Peer{ID: parts[0], Endpoint: parts[1]})
	}
	return peers, nil
}

func runBroker(cmd *cobra.Command, args []string) error {
	id, _ := cmd.Flags().GetString("id")
	listen, _ := cmd.Flags().GetString("listen")
	metricsListen, _ := cmd.Flags().GetString("metrics-listen")
	peerFlags, _ := cmd.Flags().GetStringSlice("peers")
	useMDNS, _ := cmd.Flags().GetBool("mdns")
	mdnsPort, _ := cmd.Flags().GetInt("mdns-port")

	cfg, err := config.Load(brokerViper)
	if err != nil {
		return err
	}

	staticPeers, err := parseStaticPeers(peerFlags)
	if err != nil {
		return err
	}

	var disco discovery.Discoverer = discovery.NewStatic(staticPeers)
	if useMDNS {
		mdnsDisco, err := discovery.NewMDNS(id, mdnsPort, "dispatch")
		if err != nil {
			log.Errorf("mdns discovery disabled", err)
		} else {
			defer mdnsDisco.Close()
			disco = mdnsDisco
		}
	}

	logger := log.WithBrokerID(id)
	peerClient := transport.NewHTTPPeerClient(5 * time.Second)
	execClient := transport.NewHTTPExecutorClient(5 * time.Second)

	coordinator := broker.New(id, *cfg, disco, peerClient, execClient, logger)
	metrics.RegisterComponent("broker", true, "")

	if cfg.DataDir != "" {
		bolt, err := store.NewBoltStore(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("open bolt store: %w", err)
		}
		defer bolt.Close()
		coordinator.Store = bolt
		if err := coordinator.LoadFromStore(); err != nil {
			return fmt.Errorf("reload broker state: %w", err)
		}
	}

	recoveryMgr := recovery.New(coordinator, cfg.HeartbeatPeriod, cfg.HeartbeatFailureMultiplier, logger)
	collector := metrics.NewCollector(coordinator)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	coordinator.Events.Start()
	defer coordinator.Events.Stop()
	go coordinator.Run(ctx)
	go recoveryMgr.Run(ctx)
	collector.Start()
	defer collector.Stop()

	server := transport.NewBrokerServer(coordinator, logger)
	server.Recovery = recoveryMgr
	httpServer := &http.Server{Addr: listen, Handler: server.Handler()}
	metrics.RegisterComponent("transport", true, "")
	go runMetricsServer(ctx, metricsListen, logger)

	logger.Info().Str("listen", listen).Msg("broker listening")
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func runExecutor(cmd *cobra.Command, args []string) error {
	id, _ := cmd.Flags().GetString("id")
	listen, _ := cmd.Flags().GetString("listen")
	metricsListen, _ := cmd.Flags().GetString("metrics-listen")
	brokerAddr, _ := cmd.Flags().GetString("broker")
	sandboxKind, _ := cmd.Flags().GetString("sandbox")
	sandboxCommand, _ := cmd.Flags().GetStringSlice("sandbox-command")

	cfg, err := config.Load(executorViper)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var sb sandbox.Sandbox
	switch sandboxKind {
	case "wasm":
		wasmSandbox, err := sandbox.NewWazeroSandbox(ctx)
		if err != nil {
			return fmt.Errorf("init wasm sandbox: %w", err)
		}
		defer wasmSandbox.Close(ctx)
		sb = wasmSandbox
	case "command":
		sb = sandbox.NewCommandSandbox(sandboxCommand)
	default:
		return fmt.Errorf("unknown --sandbox %q, want command|wasm", sandboxKind)
	}

	logger := log.WithExecutorID(id)

	var notifier executor.BrokerNotifier = noopBrokerNotifier{}
	if brokerAddr != "" {
		notifier = transport.NewHTTPBrokerNotifier(brokerAddr, 5*time.Second)
	}

	exec := executor.New(id, *cfg, sb, notifier, logger)
	exec.SetStrategy(cfg.ConflictStrategy)
	exec.Events.Start()
	defer exec.Events.Stop()

	if cfg.DataDir != "" {
		bolt, err := store.NewBoltStore(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("open bolt store: %w", err)
		}
		defer bolt.Close()
		exec.Store = bolt
	}

	server := transport.NewExecutorServer(exec, logger)
	httpServer := &http.Server{Addr: listen, Handler: server.Handler()}
	go runMetricsServer(ctx, metricsListen, logger)

	if brokerAddr != "" {
		if err := registerWithBroker(ctx, brokerAddr, id, listen); err != nil {
			logger.Warn().Err(err).Msg("initial registration with broker failed, will rely on operator retry")
		}
	}

	logger.Info().Str("listen", listen).Msg("executor listening")
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// noopBrokerNotifier is used when an executor runs without an owning
// broker, e.g. local manual testing via dispatchctl-style direct submits.
type noopBrokerNotifier struct{}

func (noopBrokerNotifier) NotifyJobCompleted(ctx context.Context, jobID string)            {}
func (noopBrokerNotifier) NotifyJobFailed(ctx context.Context, jobID string, reason string) {}

func registerWithBroker(ctx context.Context, brokerAddr, id, listenAddr string) error {
	client := transport.NewHTTPClient(5 * time.Second)
	return client.RegisterExecutor(ctx, brokerAddr, id, listenAddr)
}

func runMetricsServer(ctx context.Context, addr string, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Warn().Err(err).Msg("metrics server stopped")
	}
}
