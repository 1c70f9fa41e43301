// Package housekeeping corre en background la limpieza de tokens vencidos y
// la reconciliación de grants cuyo status guardado quedó atrás del reloj.
package housekeeping

import (
	"context"
	"sync"
	"time"

	"patient-access/internal/domain/tokens"
	"patient-access/internal/platform/logger"
)

const DefaultInterval = 5 * time.Minute

type TokenCleaner interface {
	CleanupExpired(ctx context.Context) (int, error)
	Stats(ctx context.Context) (tokens.Stats, error)
}

type GrantReconciler interface {
	ReconcileExpired(ctx context.Context) (int, error)
}

type Observer interface {
	SweepCompleted(ok bool, tokensRemoved, grantsExpired int, at time.Time)
	TokenGauge(active, revoked, expired int)
}

type Result struct {
	TokensRemoved int
	GrantsExpired int
	Err           error
}

type Sweeper struct {
	tokens   TokenCleaner
	grants   GrantReconciler
	log      logger.Logger
	obs      Observer
	interval time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func NewSweeper(t TokenCleaner, g GrantReconciler, interval time.Duration, log logger.Logger, obs Observer) *Sweeper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Sweeper{
		tokens:   t,
		grants:   g,
		log:      log,
		obs:      obs,
		interval: interval,
	}
}

// Start arranca el loop; la primera pasada es inmediata. Llamarlo dos veces
// no hace nada.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})

	go s.loop(s.stopCh, s.doneCh)
}

// Stop espera a que termine la pasada en curso o a que ctx venza.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopCh)
	done := s.doneCh
	s.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sweeper) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.RunOnce(ctx)
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce hace una pasada completa. Lo usa también el CLI.
func (s *Sweeper) RunOnce(ctx context.Context) Result {
	var res Result

	if s.tokens != nil {
		n, err := s.tokens.CleanupExpired(ctx)
		res.TokensRemoved = n
		if err != nil {
			res.Err = err
			s.log.Error("token cleanup failed", map[string]any{"error": err})
		}
	}

	if s.grants != nil {
		n, err := s.grants.ReconcileExpired(ctx)
		res.GrantsExpired = n
		if err != nil && res.Err == nil {
			res.Err = err
		}
		if err != nil {
			s.log.Error("grant reconcile failed", map[string]any{"error": err})
		}
	}

	if res.TokensRemoved > 0 || res.GrantsExpired > 0 {
		s.log.Info("housekeeping sweep", map[string]any{
			"tokens_removed": res.TokensRemoved,
			"grants_expired": res.GrantsExpired,
		})
	}

	if s.obs != nil {
		s.obs.SweepCompleted(res.Err == nil, res.TokensRemoved, res.GrantsExpired, time.Now())
		if s.tokens != nil {
			if st, err := s.tokens.Stats(ctx); err == nil {
				s.obs.TokenGauge(st.Active, st.Revoked, st.Expired)
			}
		}
	}
	return res
}
