package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"github.com/eddiefleurent/mifflin_roller/internal/broker"
	"github.com/eddiefleurent/mifflin_roller/internal/config"
	"github.com/eddiefleurent/mifflin_roller/internal/dashboard"
	"github.com/eddiefleurent/mifflin_roller/internal/exec"
	"github.com/eddiefleurent/mifflin_roller/internal/market"
	"github.com/eddiefleurent/mifflin_roller/internal/models"
	"github.com/eddiefleurent/mifflin_roller/internal/retry"
	"github.com/eddiefleurent/mifflin_roller/internal/storage"
	"github.com/eddiefleurent/mifflin_roller/internal/strategy"
	"github.com/eddiefleurent/mifflin_roller/internal/summary"
)

// Bot wires the covered call roller together: one long futures position, one
// short call against it, rolled per the configured thresholds.
type Bot struct {
	config   *config.Config
	logger   *log.Logger
	broker   broker.Broker
	storage  storage.Interface
	clock    *market.Clock
	board    *summary.Board
	roller   *strategy.Roller
	executor *exec.Engine
	machine  *models.StateMachine
	recon    *Reconciler

	// Runtime position snapshot, refreshed each cycle.
	future   *models.Position
	call     *models.Position
	baseline float64

	// flattenedSession marks the ET date the Friday flatten already ran,
	// so the window does not re-trigger after the buyback.
	flattenedSession string

	// cooldownUntil holds evaluation off for one check interval after a
	// fill, so a fresh baseline settles before the next comparison.
	cooldownUntil time.Time
}

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.Parse()

	// .env is optional; real deployments export variables directly.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("Skipping .env: %v", err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := log.New(os.Stdout, "[ROLLER] ", log.LstdFlags)

	logger.Printf("Starting %s covered call roller in %s mode",
		cfg.Strategy.Underlying, cfg.Environment.Mode)
	if !cfg.IsPaperTrading() {
		logger.Println("LIVE TRADING MODE - real money at risk!")
		logger.Println("Waiting 10 seconds to confirm...")
		time.Sleep(10 * time.Second)
	}

	store := storage.NewStorage(cfg.Storage.BaselinePath, cfg.Storage.RollCountsPath)

	gateway := broker.NewGatewayClient(
		cfg.Gateway.BaseURL,
		cfg.Gateway.AccountID,
		cfg.GetGatewayTimeout(),
		cfg.Gateway.InsecureSkipVerify,
	)

	clock := market.NewClock()
	board := summary.NewBoard(cfg.Strategy.Underlying)

	bot := &Bot{
		config:  cfg,
		logger:  logger,
		broker:  broker.NewCircuitBreakerBroker(gateway),
		storage: store,
		clock:   clock,
		board:   board,
		roller:  strategy.NewRoller(&cfg.Strategy),
		machine: models.NewStateMachine(),
	}
	bot.executor = exec.NewEngine(bot.broker, board, logger, exec.Options{
		CancellationDelay: cfg.GetCancellationDelay(),
		SlippageCapTicks:  cfg.Execution.SlippageCapTicks,
	})
	bot.recon = NewReconciler(bot.broker, logger, cfg.Strategy.Underlying, cfg.Strategy.Quantity)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Println("Shutdown signal received, stopping bot...")
		cancel()
	}()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return bot.Run(gctx)
	})

	printer := summary.NewPrinter(board, logger)
	g.Go(func() error {
		return printer.Run(gctx)
	})

	if cfg.Dashboard.Enabled {
		dashLogger := logrus.New()
		dash := dashboard.NewServer(dashboard.Config{
			Port:      cfg.Dashboard.Port,
			AuthToken: cfg.Dashboard.AuthToken,
		}, board, store, clock, dashLogger)

		g.Go(func() error {
			errCh := make(chan error, 1)
			go func() { errCh <- dash.Start() }()
			select {
			case <-gctx.Done():
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				return dash.Shutdown(shutdownCtx)
			case err := <-errCh:
				return fmt.Errorf("dashboard: %w", err)
			}
		})
	}

	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.Fatalf("Bot error: %v", err)
	}
	logger.Println("Bot stopped")
}

// Run connects to the gateway, runs the startup hygiene pass, then drives
// the decision loop at the configured cadence. Cycle errors are logged and
// retried next tick; only context cancellation exits.
func (b *Bot) Run(ctx context.Context) error {
	reconnector := retry.NewReconnector(b.logger)
	if err := reconnector.Run(ctx, b.broker.ConnectCtx); err != nil {
		return err
	}
	b.logger.Println("Gateway session verified")

	if cash, err := b.broker.GetCashBalanceCtx(ctx, "USD"); err != nil {
		b.logger.Printf("Could not fetch cash balance: %v", err)
	} else {
		b.logger.Printf("Account cash: $%.2f", cash)
		b.board.Update(func(s *summary.Snapshot) { s.CashBalance = cash })
	}

	if err := b.startupHygiene(ctx); err != nil {
		return fmt.Errorf("startup hygiene: %w", err)
	}

	ticker := time.NewTicker(b.config.GetCheckInterval())
	defer ticker.Stop()

	if err := b.cycleAndReconnect(ctx, reconnector); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := b.cycleAndReconnect(ctx, reconnector); err != nil {
				return err
			}
		}
	}
}

// cycleAndReconnect runs one decision pass and, when the cycle error means
// the gateway session is gone rather than a single request failing, blocks
// in the reconnect loop until the session is verified again.
func (b *Bot) cycleAndReconnect(ctx context.Context, reconnector *retry.Reconnector) error {
	err := b.runCycle(ctx)
	if err == nil || !isConnectivityError(err) {
		return nil
	}
	b.logger.Println("Gateway connectivity lost, re-entering reconnect loop")
	if rerr := reconnector.Run(ctx, b.broker.ConnectCtx); rerr != nil {
		return rerr
	}
	b.logger.Println("Gateway session re-verified")
	return nil
}

// isConnectivityError separates session loss from ordinary request failures.
// Transport errors, open circuit and 401s all mean the Client Portal session
// needs re-verifying before any further cycle can work.
func isConnectivityError(err error) bool {
	if errors.Is(err, gobreaker.ErrOpenState) {
		return true
	}
	var apiErr *broker.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == http.StatusUnauthorized
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

// startupHygiene cancels every working order on the strategy's contracts and
// reconciles position drift before the first decision cycle. Orders left
// behind by a crash must never race freshly placed ones.
func (b *Bot) startupHygiene(ctx context.Context) error {
	open, err := b.broker.GetOpenOrdersCtx(ctx)
	if err != nil {
		return fmt.Errorf("listing open orders: %w", err)
	}
	for _, o := range open {
		b.logger.Printf("Startup: cancelling leftover order %s (%s conid=%d %s %.0f @ %.2f)",
			o.OrderID, o.Status, o.ConID, o.Side, o.Quantity, o.LimitPrice)
		if err := b.broker.CancelOrderCtx(ctx, o.OrderID); err != nil {
			b.logger.Printf("Startup: cancel of %s failed: %v", o.OrderID, err)
		}
	}

	b.recon.Reconcile(ctx)

	if baseline, ok := b.storage.LoadBaseline(); ok {
		b.baseline = baseline
		b.logger.Printf("Restored baseline %.2f from disk", baseline)
	}
	return nil
}

// runCycle executes one decision pass, reporting errors to the log and the
// board rather than crashing the loop. The error is returned so the caller
// can spot connectivity loss; everything else is retry-next-tick.
func (b *Bot) runCycle(ctx context.Context) error {
	err := b.decide(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		b.logger.Printf("Cycle error: %v", err)
		b.board.Update(func(s *summary.Snapshot) { s.LastError = err.Error() })
		return err
	}
	b.board.Update(func(s *summary.Snapshot) { s.LastError = "" })
	return nil
}
