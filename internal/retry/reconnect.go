package retry

import (
	"context"
	"crypto/rand"
	"fmt"
	"log"
	"math/big"
	"time"
)

// Config controls reconnect pacing.
type Config struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// EscalateEvery controls how often the escalation callback fires while
	// the gateway stays unreachable.
	EscalateEvery int
}

var DefaultConfig = Config{
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     30 * time.Second,
	EscalateEvery:  10,
}

// Reconnector retries a connect function with capped exponential backoff
// until it succeeds or the context is cancelled.
type Reconnector struct {
	logger *log.Logger
	config Config
	// OnEscalate is invoked every EscalateEvery failed attempts so callers
	// can surface a louder warning than the per-attempt log line.
	OnEscalate func(attempts int, lastErr error)
}

func NewReconnector(logger *log.Logger, config ...Config) *Reconnector {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultConfig.InitialBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = DefaultConfig.MaxBackoff
	}
	if cfg.EscalateEvery <= 0 {
		cfg.EscalateEvery = DefaultConfig.EscalateEvery
	}
	return &Reconnector{logger: logger, config: cfg}
}

// Run calls connect until it returns nil. Backoff grows by 1.5x per failure
// up to MaxBackoff, with random jitter so restarts across processes do not
// synchronize.
func (r *Reconnector) Run(ctx context.Context, connect func(context.Context) error) error {
	backoff := r.config.InitialBackoff

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("reconnect canceled: %w", err)
		}

		err := connect(ctx)
		if err == nil {
			if attempt > 1 {
				r.logger.Printf("Gateway connection restored after %d attempts", attempt)
			}
			return nil
		}

		r.logger.Printf("Connect attempt %d failed: %v (retrying in %v)", attempt, err, backoff)
		if attempt%r.config.EscalateEvery == 0 {
			if r.OnEscalate != nil {
				r.OnEscalate(attempt, err)
			} else {
				r.logger.Printf("WARNING: gateway still unreachable after %d attempts", attempt)
			}
		}

		select {
		case <-time.After(backoff):
			backoff = r.nextBackoff(backoff)
		case <-ctx.Done():
			return fmt.Errorf("reconnect canceled during backoff: %w", ctx.Err())
		}
	}
}

func (r *Reconnector) nextBackoff(current time.Duration) time.Duration {
	backoff := time.Duration(float64(current) * 1.5)
	if backoff > r.config.MaxBackoff {
		backoff = r.config.MaxBackoff
	}

	maxJitter := int64(backoff / 4)
	if maxJitter > 0 {
		jitterVal, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
		if err != nil {
			r.logger.Printf("Failed to generate jitter: %v", err)
		} else {
			backoff += time.Duration(jitterVal.Int64())
		}
	}
	return backoff
}
