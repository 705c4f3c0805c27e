package cmd

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub005/config"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub005/oracle"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub005/oracle/aggregator"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub005/oracle/history"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub005/oracle/provider"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub005/oracle/types"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub005/oracle/validator"
	v1 "github.com/NiftyLeague/ftso-feed-value-provider-sub005/router/v1"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub005/telemetry"
)

const (
	logLevelJSON = "json"
	logLevelText = "text"

	flagLogLevel  = "log-level"
	flagLogFormat = "log-format"
)

var rootCmd = &cobra.Command{
	Use:   "feed-provider [config-file]",
	Args:  cobra.ExactArgs(1),
	Short: "feed-provider serves consensus exchange prices for FTSO voting rounds",
	Long: `A gateway process that ingests ticker streams from many exchanges,
fuses them into a single canonical price per feed and serves those prices
over a small HTTP API. Feed values are validated across sources, aggregated
with a tier-weighted median and tracked for freshness so voting participants
can submit within tight rounds.`,
	RunE: feedProviderCmdHandler,
}

func init() {
	rootCmd.PersistentFlags().String(flagLogLevel, zerolog.InfoLevel.String(), "logging level")
	rootCmd.PersistentFlags().String(flagLogFormat, logLevelText, "logging format; must be either json or text")

	rootCmd.AddCommand(getVersionCmd())
	rootCmd.AddCommand(getReplayCmd())
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func feedProviderCmdHandler(cmd *cobra.Command, args []string) error {
	logger, err := buildLogger(cmd)
	if err != nil {
		return err
	}

	configPath := args[0]
	cfg, err := config.ParseConfig(configPath)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	g, ctx := errgroup.WithContext(ctx)

	// listen for and trap any OS signal to gracefully shutdown and exit
	trapSignal(cancel, logger)

	if err := telemetry.Init(cfg.Telemetry); err != nil {
		return err
	}

	catalog, err := buildCatalog(cfg.Feeds)
	if err != nil {
		return err
	}

	ticks, err := history.NewTickStore(cfg.HistoryDb, logger)
	if err != nil {
		return fmt.Errorf("failed to init tick store: %v", err)
	}
	defer ticks.Close()

	priceHistory := history.NewWindow(cfg.Validation.HistoricalWindow)
	crossSource := history.NewCrossSourceWindow(
		time.Duration(cfg.Validation.CrossSourceWindowMs) * time.Millisecond,
	)

	validate := validator.New(
		logger,
		validator.Config{
			MaxAgeMs:         cfg.Validation.MaxAgeMs,
			OutlierThreshold: cfg.Validation.OutlierThreshold,
		},
		priceHistory,
		crossSource,
	)

	weights := make(map[string]aggregator.SourceWeight, len(cfg.ProviderWeights))
	for source, weight := range cfg.ProviderWeights {
		weights[source] = aggregator.SourceWeight{
			BaseWeight:       weight.BaseWeight,
			TierMultiplier:   weight.TierMultiplier,
			ReliabilityScore: weight.ReliabilityScore,
		}
	}
	aggregate := aggregator.New(logger, aggregator.Config{
		MinSources:       cfg.Aggregation.MinSources,
		OutlierThreshold: cfg.Validation.OutlierThreshold,
		Lambda:           cfg.Aggregation.Lambda,
		CacheTTL:         time.Duration(cfg.Aggregation.CacheTTLMs) * time.Millisecond,
		Weights:          weights,
	})

	providerTimeout, err := time.ParseDuration(cfg.ProviderTimeout)
	if err != nil {
		return fmt.Errorf("failed to parse provider timeout: %v", err)
	}

	endpoints := make(map[provider.Name]provider.Endpoint, len(cfg.ProviderEndpoints))
	for _, e := range cfg.ProviderEndpoints {
		endpoint, err := e.ToEndpoint()
		if err != nil {
			return err
		}
		endpoints[endpoint.Name] = endpoint
	}

	providers := map[provider.Name]provider.Provider{}
	for _, name := range catalog.Providers() {
		endpoint := endpoints[name]
		if endpoint.RestTimeout == 0 {
			endpoint.RestTimeout = providerTimeout
		}
		p, err := createProvider(ctx, logger, name, endpoint, catalog.PairsFor(name))
		if err != nil {
			return fmt.Errorf("failed to create %s provider: %w", name, err)
		}
		providers[name] = p
	}

	bus := oracle.NewBus()
	orchestrator := oracle.NewOrchestrator(logger, providers, catalog)
	failover := oracle.NewFailover(
		logger,
		oracle.FailoverConfig{
			FailureThreshold:  cfg.Failover.FailureThreshold,
			RecoveryThreshold: cfg.Failover.RecoveryThreshold,
			MaxFailoverTime:   time.Duration(cfg.Failover.MaxFailoverMs) * time.Millisecond,
		},
		orchestrator,
		bus,
		catalog,
	)

	dataManager := oracle.New(
		logger,
		oracle.Config{
			MinSources:  cfg.Aggregation.MinSources,
			FreshWindow: time.Duration(cfg.Validation.MaxAgeMs) * time.Millisecond,
		},
		catalog,
		providers,
		orchestrator,
		failover,
		validate,
		aggregate,
		bus,
		priceHistory,
		crossSource,
		ticks,
	)

	scheduler := oracle.NewScheduler(logger)
	defer scheduler.Stop()

	healthInterval := time.Duration(cfg.Failover.HealthCheckIntervalMs) * time.Millisecond
	scheduler.Every(healthInterval, "health_monitor", failover.CheckSources)
	scheduler.Every(5*time.Minute, "cross_source_sweep", func(context.Context) {
		crossSource.Sweep(time.Now())
	})
	scheduler.Every(45*time.Second, "weight_optimization", func(context.Context) {
		aggregate.OptimizeWeights()
	})
	scheduler.Every(30*time.Second, "volume_snapshot", func(context.Context) {
		dataManager.SnapshotVolumes()
	})
	scheduler.Every(10*time.Minute, "tick_cleanup", func(context.Context) {
		dataManager.CleanupTicks()
	})

	// SIGHUP reloads only the feed catalog
	trapReload(ctx, logger, configPath, dataManager)

	g.Go(func() error {
		return startServer(ctx, logger, cfg, dataManager)
	})
	g.Go(func() error {
		return startOracle(ctx, logger, dataManager)
	})

	// Block main process until all spawned goroutines have gracefully exited and
	// signal has been captured in the main process or if an error occurs.
	return g.Wait()
}

func buildLogger(cmd *cobra.Command) (zerolog.Logger, error) {
	logLvlStr, err := cmd.Flags().GetString(flagLogLevel)
	if err != nil {
		return zerolog.Logger{}, err
	}

	logLvl, err := zerolog.ParseLevel(logLvlStr)
	if err != nil {
		return zerolog.Logger{}, err
	}

	logFormatStr, err := cmd.Flags().GetString(flagLogFormat)
	if err != nil {
		return zerolog.Logger{}, err
	}

	var logWriter io.Writer
	switch strings.ToLower(logFormatStr) {
	case logLevelJSON:
		logWriter = os.Stderr

	case logLevelText:
		logWriter = zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.StampMilli,
		}

	default:
		return zerolog.Logger{}, fmt.Errorf("invalid logging format: %s", logFormatStr)
	}

	zerolog.TimeFieldFormat = time.StampMilli
	return zerolog.New(logWriter).Level(logLvl).With().Timestamp().Logger(), nil
}

// buildCatalog resolves the configured feeds into the typed catalog the
// oracle components consume.
func buildCatalog(feeds []config.Feed) (oracle.Catalog, error) {
	catalog := oracle.Catalog{}
	for _, feed := range feeds {
		id, err := types.NewFeedId(types.FeedCategory(feed.Category), feed.Name)
		if err != nil {
			return nil, err
		}

		sources := make([]oracle.FeedSource, 0, len(feed.Sources))
		for _, source := range feed.Sources {
			pair, err := feed.SourcePair(source)
			if err != nil {
				return nil, err
			}
			sources = append(sources, oracle.FeedSource{
				Provider: provider.Name(source.Provider),
				Pair:     pair,
				Backup:   source.Backup,
			})
		}
		catalog[id] = sources
	}
	return catalog, nil
}

// createProvider instantiates the adapter for one exchange. Names prefixed
// with "ccxt." share the ccxt bridge adapter.
func createProvider(
	ctx context.Context,
	logger zerolog.Logger,
	name provider.Name,
	endpoint provider.Endpoint,
	pairs []types.CurrencyPair,
) (provider.Provider, error) {
	switch name {
	case provider.ProviderBinance:
		return provider.NewBinanceProvider(ctx, logger, endpoint, pairs...)
	case provider.ProviderCoinbase:
		return provider.NewCoinbaseProvider(ctx, logger, endpoint, pairs...)
	case provider.ProviderKraken:
		return provider.NewKrakenProvider(ctx, logger, endpoint, pairs...)
	case provider.ProviderOkx:
		return provider.NewOkxProvider(ctx, logger, endpoint, pairs...)
	case provider.ProviderBybit:
		return provider.NewBybitProvider(ctx, logger, endpoint, pairs...)
	case provider.ProviderMexc:
		return provider.NewMexcProvider(ctx, logger, endpoint, pairs...)
	case provider.ProviderCrypto:
		return provider.NewCryptoProvider(ctx, logger, endpoint, pairs...)
	case provider.ProviderGate:
		return provider.NewGateProvider(ctx, logger, endpoint, pairs...)
	case provider.ProviderBitfinex:
		return provider.NewBitfinexProvider(ctx, logger, endpoint, pairs...)
	case provider.ProviderMock:
		return provider.NewMockProvider(ctx, logger, endpoint, pairs...)
	default:
		if strings.HasPrefix(string(name), "ccxt.") {
			if endpoint.Name == "" {
				endpoint.Name = name
			}
			return provider.NewCcxtProvider(ctx, logger, endpoint, pairs...)
		}
		return nil, fmt.Errorf("unsupported provider: %s", name)
	}
}

// trapSignal will listen for any OS signal and cancel the root context
// allowing the main process to gracefully exit.
func trapSignal(cancel context.CancelFunc, logger zerolog.Logger) {
	sigCh := make(chan os.Signal, 1)

	signal.Notify(sigCh, syscall.SIGTERM)
	signal.Notify(sigCh, syscall.SIGINT)

	go func() {
		sig := <-sigCh
		logger.Info().Str("signal", sig.String()).Msg("caught signal; shutting down...")
		cancel()
	}()
}

// trapReload re-reads the feed catalog on SIGHUP and swaps it into the
// running oracle.
func trapReload(ctx context.Context, logger zerolog.Logger, configPath string, dataManager *oracle.Oracle) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)

	go func() {
		for {
			select {
			case <-ctx.Done():
				signal.Stop(sigCh)
				return

			case <-sigCh:
				feeds, err := config.ReloadFeeds(configPath)
				if err != nil {
					logger.Err(err).Msg("feed catalog reload failed")
					continue
				}
				catalog, err := buildCatalog(feeds)
				if err != nil {
					logger.Err(err).Msg("feed catalog reload failed")
					continue
				}
				dataManager.ReloadCatalog(catalog)
			}
		}
	}()
}

func startServer(
	ctx context.Context,
	logger zerolog.Logger,
	cfg config.Config,
	dataManager *oracle.Oracle,
) error {
	rtr := mux.NewRouter()
	v1Router := v1.New(logger, dataManager, cfg.VotingRounds)
	v1Router.RegisterRoutes(rtr, v1.APIPathPrefix)

	writeTimeout, err := time.ParseDuration(cfg.Server.WriteTimeout)
	if err != nil {
		return err
	}
	readTimeout, err := time.ParseDuration(cfg.Server.ReadTimeout)
	if err != nil {
		return err
	}

	handler := cors.New(cors.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type", "X-Request-ID"},
	}).Handler(rtr)

	srvErrCh := make(chan error, 1)
	srv := &http.Server{
		Handler:           handler,
		Addr:              cfg.Server.ListenAddr,
		WriteTimeout:      writeTimeout,
		ReadTimeout:       readTimeout,
		ReadHeaderTimeout: readTimeout,
	}

	go func() {
		logger.Info().Str("listen_addr", cfg.Server.ListenAddr).Msg("starting feed-provider server...")
		srvErrCh <- srv.ListenAndServe()
	}()

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()

			logger.Info().Str("listen_addr", cfg.Server.ListenAddr).Msg("shutting down feed-provider server...")
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error().Err(err).Msg("failed to gracefully shutdown feed-provider server")
				return err
			}

			return nil

		case err := <-srvErrCh:
			logger.Error().Err(err).Msg("failed to start feed-provider server")
			return err
		}
	}
}

func startOracle(ctx context.Context, logger zerolog.Logger, dataManager *oracle.Oracle) error {
	srvErrCh := make(chan error, 1)

	go func() {
		logger.Info().Msg("starting feed-provider oracle...")
		srvErrCh <- dataManager.Start(ctx)
	}()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down feed-provider oracle...")
			dataManager.Stop()
			return nil

		case err := <-srvErrCh:
			if err != nil {
				logger.Err(err).Msg("error starting the feed-provider oracle")
				dataManager.Stop()
			}
			return err
		}
	}
}
