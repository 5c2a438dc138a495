package cmd

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/inference-sim/inference-serve/engine"
	"github.com/inference-sim/inference-serve/engine/executor"
	"github.com/inference-sim/inference-serve/server"
)

var (
	// Shared flags
	configPath string // YAML config file
	logLevel   string // Log verbosity level

	// HTTP listener
	host string // Address to bind
	port int    // Port to bind

	// Scheduler and cache
	maxRunningReqs     int // Maximum number of requests in one batch
	maxWaitingReqs     int // Admission queue bound
	maxScheduledTokens int // Maximum new tokens across one batch
	totalBlocks        int // Context buffer blocks available to the executor
	blockSizeTokens    int // Tokens per block

	// Executor backend
	backend      string        // mp or cluster
	numWorkers   int           // Local pool size
	maxBatchSize int           // Executor capacity, requests per step
	actorAddrs   []string      // Remote actor endpoints
	numActors    int           // Local actors to start when no endpoints are given
	stepTimeout  time.Duration // Deadline for one cluster step
	dropTimeout  time.Duration // Deadline for one cluster drop
	maxRetries   int           // Retries on an unavailable actor
	retryBackoff time.Duration // Base backoff between retries

	// Model
	modelName   string        // Model to run
	vocabSize   int           // Vocabulary size
	stepLatency time.Duration // Simulated forward pass duration

	// Actor
	listenAddr string // Address the actor serves on
	actorName  string // Actor name used in logs
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "inference-serve",
	Short: "Inference server with continuous batching and request cancellation",
}

// serveCmd runs the engine behind the HTTP API
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the inference server",
	Run: func(cmd *cobra.Command, args []string) {
		setLogLevel()

		cfg, err := LoadConfig(configPath)
		if err != nil {
			logrus.Fatalf("Unable to load config: %v", err)
		}
		applyServeFlags(cmd, &cfg)
		if err := cfg.Validate(); err != nil {
			logrus.Fatalf("Invalid configuration: %v", err)
		}

		exec, err := engine.NewExecutor(cfg.Executor, cfg.Model)
		if err != nil {
			logrus.Fatalf("Unable to start %s executor: %v", cfg.Executor.Backend, err)
		}
		eng, err := engine.New(cfg.Config, exec, executor.NewTokenizer(cfg.Model))
		if err != nil {
			logrus.Fatalf("Unable to create engine: %v", err)
		}
		srv, err := server.New(cfg.Server, eng)
		if err != nil {
			logrus.Fatalf("Unable to create server: %v", err)
		}

		logrus.Infof("Starting server on %s: backend=%s max_running=%d max_waiting=%d blocks=%dx%d",
			cfg.Server.Addr(), cfg.Executor.Backend, cfg.Scheduler.MaxRunningReqs,
			cfg.Scheduler.MaxWaitingReqs, cfg.Cache.TotalBlocks, cfg.Cache.BlockSizeTokens)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return eng.Run(gctx) })
		g.Go(func() error { return srv.Run(gctx) })
		runErr := g.Wait()

		if err := eng.Close(); err != nil {
			logrus.Warnf("Closing executor: %v", err)
		}
		if runErr != nil {
			logrus.Fatalf("Server exited: %v", runErr)
		}
		logrus.Infof("Server stopped: %s", eng.Stats())
	},
}

// actorCmd serves decode steps for a cluster backend
var actorCmd = &cobra.Command{
	Use:   "actor",
	Short: "Run a cluster actor that executes decode steps over gRPC",
	Run: func(cmd *cobra.Command, args []string) {
		setLogLevel()

		cfg, err := LoadConfig(configPath)
		if err != nil {
			logrus.Fatalf("Unable to load config: %v", err)
		}
		applyModelFlags(cmd, &cfg)
		model, err := executor.NewModel(cfg.Model)
		if err != nil {
			logrus.Fatalf("Unable to create model: %v", err)
		}

		lis, err := net.Listen("tcp", listenAddr)
		if err != nil {
			logrus.Fatalf("Unable to listen on %s: %v", listenAddr, err)
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if err := executor.Serve(ctx, lis, executor.NewActor(actorName, model)); err != nil {
			logrus.Fatalf("Actor exited: %v", err)
		}
		logrus.Info("Actor stopped.")
	},
}

func setLogLevel() {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		logrus.Fatalf("Invalid log level: %s", logLevel)
	}
	logrus.SetLevel(level)
}

// applyServeFlags copies explicitly set flags over file values. Flags left at
// their default never override the file.
func applyServeFlags(cmd *cobra.Command, cfg *FileConfig) {
	f := cmd.Flags()
	if f.Changed("host") {
		cfg.Server.Host = host
	}
	if f.Changed("port") {
		cfg.Server.Port = port
	}
	if f.Changed("max-num-running-reqs") {
		cfg.Scheduler.MaxRunningReqs = maxRunningReqs
	}
	if f.Changed("max-num-waiting-reqs") {
		cfg.Scheduler.MaxWaitingReqs = maxWaitingReqs
	}
	if f.Changed("max-num-scheduled-tokens") {
		cfg.Scheduler.MaxScheduledTokens = maxScheduledTokens
	}
	if f.Changed("total-blocks") {
		cfg.Cache.TotalBlocks = totalBlocks
	}
	if f.Changed("block-size-in-tokens") {
		cfg.Cache.BlockSizeTokens = blockSizeTokens
	}
	if f.Changed("distributed-executor-backend") {
		cfg.Executor.Backend = backend
	}
	if f.Changed("num-workers") {
		cfg.Executor.NumWorkers = numWorkers
	}
	if f.Changed("max-batch-size") {
		cfg.Executor.MaxBatchSize = maxBatchSize
	}
	if f.Changed("actor-addrs") {
		cfg.Executor.ActorAddrs = actorAddrs
	}
	if f.Changed("num-actors") {
		cfg.Executor.NumActors = numActors
	}
	if f.Changed("step-timeout") {
		cfg.Executor.StepTimeout = stepTimeout
	}
	if f.Changed("drop-timeout") {
		cfg.Executor.DropTimeout = dropTimeout
	}
	if f.Changed("max-retries") {
		cfg.Executor.MaxRetries = maxRetries
	}
	if f.Changed("retry-backoff") {
		cfg.Executor.RetryBackoff = retryBackoff
	}
	applyModelFlags(cmd, cfg)
}

func applyModelFlags(cmd *cobra.Command, cfg *FileConfig) {
	f := cmd.Flags()
	if f.Changed("model") {
		cfg.Model.Name = modelName
	}
	if f.Changed("vocab-size") {
		cfg.Model.VocabSize = vocabSize
	}
	if f.Changed("step-latency") {
		cfg.Model.StepLatency = stepLatency
	}
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func registerServeFlags(cmd *cobra.Command) {
	d := DefaultFileConfig()
	cmd.Flags().StringVar(&configPath, "config", "", "YAML config file; flags override its values")
	cmd.Flags().StringVar(&logLevel, "log", "info", "Log level (trace, debug, info, warn, error, fatal, panic)")

	cmd.Flags().StringVar(&host, "host", d.Server.Host, "Address to bind")
	cmd.Flags().IntVar(&port, "port", d.Server.Port, "Port to bind")

	cmd.Flags().IntVar(&maxRunningReqs, "max-num-running-reqs", d.Scheduler.MaxRunningReqs, "Maximum number of requests running together")
	cmd.Flags().IntVar(&maxWaitingReqs, "max-num-waiting-reqs", d.Scheduler.MaxWaitingReqs, "Maximum number of waiting requests (0 = unbounded)")
	cmd.Flags().IntVar(&maxScheduledTokens, "max-num-scheduled-tokens", d.Scheduler.MaxScheduledTokens, "Maximum total number of new tokens across running requests")
	cmd.Flags().IntVar(&totalBlocks, "total-blocks", d.Cache.TotalBlocks, "Total number of context buffer blocks")
	cmd.Flags().IntVar(&blockSizeTokens, "block-size-in-tokens", d.Cache.BlockSizeTokens, "Number of tokens contained in a block")

	cmd.Flags().StringVar(&backend, "distributed-executor-backend", d.Executor.Backend, "Executor backend (mp, cluster)")
	cmd.Flags().IntVar(&numWorkers, "num-workers", d.Executor.NumWorkers, "Workers in the local process pool")
	cmd.Flags().IntVar(&maxBatchSize, "max-batch-size", d.Executor.MaxBatchSize, "Requests the executor accepts per step")
	cmd.Flags().StringSliceVar(&actorAddrs, "actor-addrs", nil, "Comma-separated cluster actor addresses")
	cmd.Flags().IntVar(&numActors, "num-actors", d.Executor.NumActors, "In-process actors to start when --actor-addrs is empty")
	cmd.Flags().DurationVar(&stepTimeout, "step-timeout", d.Executor.StepTimeout, "Deadline for one cluster step")
	cmd.Flags().DurationVar(&dropTimeout, "drop-timeout", d.Executor.DropTimeout, "Deadline for one cluster drop")
	cmd.Flags().IntVar(&maxRetries, "max-retries", d.Executor.MaxRetries, "Retries on an unavailable actor")
	cmd.Flags().DurationVar(&retryBackoff, "retry-backoff", d.Executor.RetryBackoff, "Base backoff between actor retries")

	registerModelFlags(cmd, d)
}

func registerModelFlags(cmd *cobra.Command, d FileConfig) {
	cmd.Flags().StringVar(&modelName, "model", d.Model.Name, "Model name")
	cmd.Flags().IntVar(&vocabSize, "vocab-size", d.Model.VocabSize, "Vocabulary size")
	cmd.Flags().DurationVar(&stepLatency, "step-latency", d.Model.StepLatency, "Forward pass duration")
}

// init sets up CLI flags and subcommands
func init() {
	registerServeFlags(serveCmd)

	actorCmd.Flags().StringVar(&configPath, "config", "", "YAML config file; only the model section is used")
	actorCmd.Flags().StringVar(&logLevel, "log", "info", "Log level (trace, debug, info, warn, error, fatal, panic)")
	actorCmd.Flags().StringVar(&listenAddr, "listen", "127.0.0.1:7070", "Address to serve the actor on")
	actorCmd.Flags().StringVar(&actorName, "name", "actor", "Actor name used in logs")
	registerModelFlags(actorCmd, DefaultFileConfig())

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(actorCmd)
}
