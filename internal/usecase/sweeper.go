package usecase

import (
	"context"
	"log"
	"time"
)

// Sweeper runs the expiry pass on a fixed interval. The pass is idempotent
// and safe to run concurrently with verification; the transition table
// settles any race.
type Sweeper struct {
	engine   *Engine
	interval time.Duration
}

func NewSweeper(engine *Engine, interval time.Duration) *Sweeper {
	return &Sweeper{engine: engine, interval: interval}
}

func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.engine.ExpireStale(ctx)
			if err != nil {
				log.Printf("expiry sweep: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("expiry sweep: expired %d attempt(s)", n)
			}
		}
	}
}
