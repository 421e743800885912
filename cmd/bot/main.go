package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/mananvora/nifty_strangler/internal/broker"
	"github.com/mananvora/nifty_strangler/internal/chain"
	"github.com/mananvora/nifty_strangler/internal/config"
	"github.com/mananvora/nifty_strangler/internal/dashboard"
	"github.com/mananvora/nifty_strangler/internal/engine"
	"github.com/mananvora/nifty_strangler/internal/scheduler"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.Parse()

	// .env is optional; deployments can export the variables directly.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := logrus.New()
	logger.SetLevel(cfg.GetLogLevel())

	logger.Infof("Starting NIFTY strangler in %s mode", cfg.Environment.Mode)
	if cfg.IsPaperTrading() {
		logger.Info("PAPER TRADING MODE - orders are simulated")
	} else {
		logger.Warn("LIVE TRADING MODE - real money at risk!")
		logger.Info("Waiting 10 seconds to confirm...")
		time.Sleep(10 * time.Second)
	}

	kite := broker.NewKiteClientWithBaseURL(cfg.Broker.APIKey, cfg.Broker.AccessToken, cfg.Broker.APIEndpoint)
	var b broker.Broker = kite
	if cfg.IsPaperTrading() {
		b = broker.NewPaperBroker(kite, log.New(os.Stdout, "[PAPER] ", log.LstdFlags))
	}
	b = broker.NewCircuitBreakerBroker(b)

	logger.Infof("Loading instrument universe for %s...", cfg.Underlying.Name)
	universe, err := b.GetInstruments(cfg.Underlying.Name)
	if err != nil {
		logger.Fatalf("Failed to load instruments: %v", err)
	}
	expiry, err := chain.NearestExpiry(universe)
	if err != nil {
		logger.Fatalf("Failed to select expiry: %v", err)
	}
	universe = chain.FilterByExpiry(universe, expiry)
	spacing, err := chain.SpacingFromStrikes(universe)
	if err != nil {
		logger.Fatalf("Failed to infer strike spacing: %v", err)
	}
	logger.Infof("Selected expiry %s, strike spacing %.0f, %d instruments",
		expiry.Format("2006-01-02"), spacing, len(universe))

	sched := scheduler.New(logger)
	eng, err := engine.New(b, sched, engine.NewLogSink(logger), logger, engine.Config{
		Underlying:          cfg.Underlying.QuoteSymbol,
		UnderlyingExchange:  cfg.Underlying.Exchange,
		MatchTolerance:      cfg.Strategy.MatchTolerance,
		SimilarityTolerance: cfg.Strategy.SimilarityTolerance,
		StopLossRatio:       cfg.Strategy.StopLossRatio,
		Lots:                cfg.Strategy.Lots,
	}, universe, spacing)
	if err != nil {
		logger.Fatalf("Failed to create engine: %v", err)
	}

	// Initial refresh doubles as a connectivity check.
	snapshot, err := eng.Refresh()
	if err != nil {
		logger.Fatalf("Failed to refresh market data: %v", err)
	}
	logger.Infof("Market snapshot: spot %.2f, atm %.2f, %d call / %d put candidates",
		snapshot.Spot, snapshot.ATM, len(snapshot.Calls), len(snapshot.Puts))

	var dash *dashboard.Server
	if cfg.Dashboard.Enabled {
		dash = dashboard.NewServer(dashboard.Config{Port: cfg.Dashboard.Port}, eng, logger)
		go func() {
			if err := dash.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.WithError(err).Error("Dashboard server stopped")
			}
		}()
	}

	runPromptLoop(os.Stdin, os.Stdout, eng, logger)

	if n := eng.Pending(); n > 0 {
		logger.Warnf("%d queued jobs pending - do not kill this process or they will never fire", n)
	}
	eng.Wait()

	if dash != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := dash.Shutdown(ctx); err != nil {
			logger.WithError(err).Warn("Dashboard shutdown failed")
		}
	}
	logger.Info("All queued jobs finished, exiting")
}
