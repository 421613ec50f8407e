package rpc

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"time"

	"nusd/native/cdp"
	"nusd/native/stability"
)

// Sweeper drives the periodic interest sweeps across every registered
// collateral type. It shares the server mutex so sweeps never interleave with
// HTTP-triggered state transitions.
type Sweeper struct {
	server   *Server
	interval time.Duration
	batch    int
	logger   *slog.Logger
}

// NewSweeper constructs a sweeper bound to the server's engines.
func (s *Server) NewSweeper(interval time.Duration, batch int) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if batch <= 0 {
		batch = 200
	}
	return &Sweeper{server: s, interval: interval, batch: batch, logger: s.logger}
}

// Run blocks until the context is cancelled, sweeping on every tick.
func (w *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweepAll(ctx)
		}
	}
}

func (w *Sweeper) sweepAll(ctx context.Context) {
	w.server.mu.Lock()
	symbols, err := w.server.registry.List()
	w.server.mu.Unlock()
	if err != nil {
		w.logger.Error("interest sweep: list collateral", slog.Any("error", err))
		return
	}
	for _, symbol := range symbols {
		if ctx.Err() != nil {
			return
		}
		w.sweep(symbol)
	}
}

func (w *Sweeper) sweep(symbol string) {
	charged := new(big.Int)
	afterID := uint64(0)
	for {
		var result *cdp.SweepResult
		w.server.mu.Lock()
		err := w.server.runLedgerTxn(func() error {
			var txnErr error
			result, txnErr = w.server.pool.TriggerInterest(symbol, afterID, w.batch)
			return txnErr
		})
		w.server.mu.Unlock()
		if err != nil {
			w.logger.Error("interest sweep failed",
				slog.String("collateral", symbol),
				slog.Any("error", err),
			)
			return
		}
		if result.Charged != nil {
			charged.Add(charged, result.Charged)
		}
		if result.Done {
			break
		}
		afterID = result.NextID
	}
	if charged.Sign() > 0 {
		w.server.mu.Lock()
		distErr := w.server.pool.DistributeRewards(symbol, charged, "interest")
		w.server.mu.Unlock()
		if distErr != nil && !errors.Is(distErr, stability.ErrUnknownPool) {
			w.logger.Warn("interest reward distribution failed",
				slog.String("collateral", symbol),
				slog.Any("error", distErr),
			)
		}
		w.server.metrics.ObserveInterestCharged(symbol, bigFloat(charged))
		w.server.refreshTotals(symbol)
		w.logger.Info("interest sweep complete",
			slog.String("collateral", symbol),
			slog.String("charged", charged.String()),
		)
	}
}
