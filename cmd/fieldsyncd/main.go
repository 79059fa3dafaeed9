package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/perimetra/fieldsync/internal/auth"
	"github.com/perimetra/fieldsync/internal/config"
	"github.com/perimetra/fieldsync/internal/connectivity"
	"github.com/perimetra/fieldsync/internal/coordinator"
	"github.com/perimetra/fieldsync/internal/database"
	"github.com/perimetra/fieldsync/internal/engine"
	"github.com/perimetra/fieldsync/internal/logging"
	"github.com/perimetra/fieldsync/internal/queue"
	"github.com/perimetra/fieldsync/internal/record"
	"github.com/perimetra/fieldsync/internal/remote"
	"github.com/perimetra/fieldsync/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fieldsyncd",
		Short: "Offline-first sync daemon for field capture data",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newServeCommand(), newSyncCommand(), newStatusCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("remote-base-url", defaults.GetString("remote.base_url"), "Remote API base URL")
	cmd.PersistentFlags().String("auth-token", "", "Bearer token for the remote API (overrides env)")
	cmd.PersistentFlags().Duration("sync-interval", defaults.GetDuration("sync.interval"), "Background sync interval")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-file", defaults.GetString("log.file"), "Rotating log file path (empty logs to stderr)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "remote.base_url", "remote-base-url")
	bindFlag(cmd, "auth.token", "auth-token")
	bindFlag(cmd, "sync.interval", "sync-interval")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.file", "log-file")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync daemon with its HTTP control surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return runServe(cmd.Context())
		},
	}
}

func newSyncCommand() *cobra.Command {
	var jsonOutput bool
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync pass and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return runSync(cmd.Context(), jsonOutput, timeout)
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the pass result as JSON")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "Abort the pass after this long")
	return cmd
}

func newStatusCommand() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue totals and failed items",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return runStatus(cmd.Context(), jsonOutput)
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print status as JSON")
	return cmd
}

// daemonStack bundles the wired components shared by serve and sync.
type daemonStack struct {
	db          *gorm.DB
	store       *record.Store
	queue       *queue.Queue
	prober      connectivity.Prober
	monitor     *connectivity.Monitor
	engine      *engine.Engine
	coordinator *coordinator.Coordinator
}

func (s *daemonStack) close() {
	s.coordinator.Close()
	closeDB(s.db)
}

func closeDB(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

func buildStack(appConfig config.AppConfig, logger *zap.Logger) (*daemonStack, error) {
	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return nil, err
	}

	store, err := record.NewStore(record.StoreConfig{
		Database:   db,
		IDProvider: record.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	q, err := queue.NewQueue(queue.QueueConfig{
		Database:      db,
		Logger:        logger,
		BackoffBase:   appConfig.BackoffBase,
		BackoffMax:    appConfig.BackoffMax,
		MaxRetryCount: appConfig.MaxRetries,
	})
	if err != nil {
		return nil, err
	}

	tokens, err := buildTokenSource(appConfig, logger)
	if err != nil {
		return nil, err
	}

	remoteClient, err := remote.NewHTTPClient(remote.HTTPClientConfig{
		BaseURL:    appConfig.RemoteBaseURL,
		Tokens:     tokens,
		HTTPClient: &http.Client{Timeout: appConfig.RemoteTimeout},
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	prober, err := connectivity.NewHTTPProber(connectivity.HTTPProberConfig{
		URL:    appConfig.RemoteBaseURL,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	monitor, err := connectivity.NewMonitor(connectivity.MonitorConfig{
		Prober:   prober,
		Interval: appConfig.ConnectivityInterval,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	eng, err := engine.New(engine.Config{
		Queue:          q,
		Store:          store,
		Remote:         remoteClient,
		Monitor:        monitor,
		Logger:         logger,
		Interval:       appConfig.SyncInterval,
		BatchSize:      appConfig.SyncBatchSize,
		Concurrency:    appConfig.SyncConcurrency,
		StaleInFlight:  appConfig.StaleInFlight,
		PurgeRetention: appConfig.PurgeAfter,
		PurgeInterval:  appConfig.PurgeInterval,
	})
	if err != nil {
		return nil, err
	}

	coord, err := coordinator.New(coordinator.Config{
		Store:  store,
		Queue:  q,
		Engine: eng,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}

	return &daemonStack{
		db:          db,
		store:       store,
		queue:       q,
		prober:      prober,
		monitor:     monitor,
		engine:      eng,
		coordinator: coord,
	}, nil
}

func buildTokenSource(appConfig config.AppConfig, logger *zap.Logger) (auth.TokenSource, error) {
	if appConfig.AuthRefreshURL != "" && appConfig.AuthRefreshToken != "" {
		refresher, err := auth.NewHTTPRefresher(auth.HTTPRefresherConfig{
			Endpoint:     appConfig.AuthRefreshURL,
			RefreshToken: appConfig.AuthRefreshToken,
			Logger:       logger,
		})
		if err != nil {
			return nil, err
		}
		return auth.NewRefreshingTokenSource(auth.RefreshingTokenSourceConfig{
			Refresher: refresher,
			Logger:    logger,
		})
	}
	if appConfig.AuthToken != "" {
		return auth.NewStaticTokenSource(appConfig.AuthToken)
	}
	return nil, fmt.Errorf("auth.token or auth.refresh_url with auth.refresh_token is required")
}

func newLogger(appConfig config.AppConfig) (*zap.Logger, error) {
	if appConfig.LogFile != "" {
		return logging.NewRotatingLogger(appConfig.LogLevel, logging.FileSink{
			Path:       appConfig.LogFile,
			MaxSizeMB:  appConfig.LogFileMaxMB,
			MaxBackups: appConfig.LogFileMaxBackups,
		})
	}
	return logging.NewLogger(appConfig.LogLevel)
}

func runServe(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := newLogger(appConfig)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	stack, err := buildStack(appConfig, logger)
	if err != nil {
		return err
	}
	defer stack.close()

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go stack.monitor.Start(signalCtx)
	stack.engine.Start()

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Coordinator:    stack.coordinator,
		Monitor:        stack.monitor,
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("daemon starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func runSync(ctx context.Context, jsonOutput bool, timeout time.Duration) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := newLogger(appConfig)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	stack, err := buildStack(appConfig, logger)
	if err != nil {
		return err
	}
	defer stack.close()

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	passCtx, cancel := context.WithTimeout(signalCtx, timeout)
	defer cancel()

	// One synchronous probe decides the offline refusal before the pass.
	stack.monitor.SetOnline(stack.prober.Probe(passCtx))
	stack.engine.Start()

	updates, cancelSub := stack.engine.SubscribeStatus(passCtx)
	defer cancelSub()

	var bar *pb.ProgressBar
	if !jsonOutput {
		bar = pb.New(0).SetWriter(os.Stdout)
		bar.Start()
	}

	type syncOutcome struct {
		result engine.Result
		err    error
	}
	outcomeCh := make(chan syncOutcome, 1)
	go func() {
		result, err := stack.engine.SyncNow(passCtx)
		outcomeCh <- syncOutcome{result: result, err: err}
	}()

	for {
		select {
		case status := <-updates:
			if bar == nil {
				continue
			}
			if status.Total > 0 {
				bar.SetTotal(int64(status.Total))
			}
			bar.SetCurrent(int64(status.Processed))
		case outcome := <-outcomeCh:
			if bar != nil {
				bar.Finish()
			}
			if outcome.err != nil {
				if errors.Is(outcome.err, engine.ErrOffline) {
					return fmt.Errorf("remote unreachable; nothing synced")
				}
				return outcome.err
			}
			return printSyncResult(outcome.result, jsonOutput)
		}
	}
}

func printSyncResult(result engine.Result, jsonOutput bool) error {
	if jsonOutput {
		if err := json.NewEncoder(os.Stdout).Encode(result); err != nil {
			return err
		}
	} else {
		fmt.Printf("%s: %d processed, %d failed\n", result.State, result.Processed, result.Failed)
	}
	if result.State == engine.StateFailed {
		return fmt.Errorf("sync pass failed: %s", result.Reason)
	}
	return nil
}

type statusOutput struct {
	Queue  queueCounts       `json:"queue"`
	Failed []failedItemBrief `json:"failed"`
}

type queueCounts struct {
	Pending  int64 `json:"pending"`
	InFlight int64 `json:"in_flight"`
	Failed   int64 `json:"failed"`
	Done     int64 `json:"done"`
}

type failedItemBrief struct {
	ID         int64  `json:"id"`
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	Operation  string `json:"op"`
	RetryCount int    `json:"retry_count"`
	LastError  string `json:"last_error"`
}

func runStatus(ctx context.Context, jsonOutput bool) error {
	// Status only reads the queue; the remote stack stays unbuilt and the
	// remote keys need not be configured.
	databasePath := strings.TrimSpace(viper.GetString("database.path"))
	if databasePath == "" {
		return fmt.Errorf("database.path is required")
	}

	db, err := database.OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		return err
	}
	defer closeDB(db)

	q, err := queue.NewQueue(queue.QueueConfig{Database: db})
	if err != nil {
		return err
	}
	stats, err := q.Stats(ctx)
	if err != nil {
		return err
	}
	failedItems, err := q.FailedItems(ctx)
	if err != nil {
		return err
	}

	if jsonOutput {
		output := statusOutput{
			Queue: queueCounts{
				Pending:  stats.Pending,
				InFlight: stats.InFlight,
				Failed:   stats.Failed,
				Done:     stats.Done,
			},
			Failed: make([]failedItemBrief, 0, len(failedItems)),
		}
		for _, item := range failedItems {
			output.Failed = append(output.Failed, failedItemBrief{
				ID:         item.ID,
				EntityType: item.EntityType,
				EntityID:   item.EntityID,
				Operation:  item.Operation,
				RetryCount: item.RetryCount,
				LastError:  item.LastError,
			})
		}
		return json.NewEncoder(os.Stdout).Encode(output)
	}

	fmt.Printf("pending %d, in flight %d, failed %d, done %d\n", stats.Pending, stats.InFlight, stats.Failed, stats.Done)
	for _, item := range failedItems {
		fmt.Printf("  #%d %s %s %s: %s\n", item.ID, item.Operation, item.EntityType, item.EntityID, item.LastError)
	}
	return nil
}
