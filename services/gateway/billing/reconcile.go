package billing

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Reconciler drives Engine.FailCharge for pending rows that outlived
// their reservation window.
type Reconciler struct {
	engine    *Engine
	ledger    *Ledger
	batchSize int
	cronSpec  string
	log       zerolog.Logger

	c *cron.Cron
}

func NewReconciler(engine *Engine, ledger *Ledger, interval time.Duration, batchSize int, log zerolog.Logger) *Reconciler {
	if batchSize <= 0 {
		batchSize = 200
	}
	return &Reconciler{
		engine:    engine,
		ledger:    ledger,
		batchSize: batchSize,
		cronSpec:  "@every " + interval.String(),
		log:       log.With().Str("component", "billing.Reconciler").Logger(),
	}
}

// Start launches the cron-scheduled sweep. Call Stop to drain in-flight
// runs during shutdown.
func (r *Reconciler) Start(ctx context.Context) error {
	r.c = cron.New()
	_, err := r.c.AddFunc(r.cronSpec, func() {
		r.sweep(ctx)
	})
	if err != nil {
		return err
	}
	r.c.Start()
	return nil
}

// Stop blocks until any in-progress sweep finishes.
func (r *Reconciler) Stop() {
	if r.c == nil {
		return
	}
	stopCtx := r.c.Stop()
	<-stopCtx.Done()
}

func (r *Reconciler) sweep(ctx context.Context) {
	expired, err := r.ledger.PendingExpired(ctx, r.batchSize)
	if err != nil {
		r.log.Error().Err(err).Msg("list pending-expired usage records")
		return
	}
	if len(expired) == 0 {
		return
	}
	r.log.Info().Int("count", len(expired)).Msg("reaping expired pending charges")

	for _, rec := range expired {
		if err := r.engine.FailCharge(ctx, rec.UserID, rec.RequestID, "reservation_timeout"); err != nil {
			r.log.Error().
				Err(err).
				Str("request_id", rec.RequestID).
				Str("user_id", rec.UserID).
				Msg("reconciliation fail_api_charge failed")
		}
	}
}
