package housekeeping

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"patient-access/internal/domain/tokens"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTokens struct {
	calls   atomic.Int32
	removed int
	err     error
}

func (f *fakeTokens) CleanupExpired(context.Context) (int, error) {
	f.calls.Add(1)
	return f.removed, f.err
}

func (f *fakeTokens) Stats(context.Context) (tokens.Stats, error) {
	st := tokens.NewStats()
	st.Active = 4
	return st, nil
}

type fakeGrants struct {
	calls   atomic.Int32
	expired int
	err     error
}

func (f *fakeGrants) ReconcileExpired(context.Context) (int, error) {
	f.calls.Add(1)
	return f.expired, f.err
}

type fakeObserver struct {
	ok     bool
	active int
	runs   int
}

func (o *fakeObserver) SweepCompleted(ok bool, _, _ int, _ time.Time) {
	o.ok = ok
	o.runs++
}

func (o *fakeObserver) TokenGauge(active, _, _ int) { o.active = active }

func TestRunOnce_AggregatesResults(t *testing.T) {
	tk := &fakeTokens{removed: 3}
	gr := &fakeGrants{expired: 2}
	obs := &fakeObserver{}

	res := NewSweeper(tk, gr, time.Hour, nil, obs).RunOnce(context.Background())

	assert.NoError(t, res.Err)
	assert.Equal(t, 3, res.TokensRemoved)
	assert.Equal(t, 2, res.GrantsExpired)
	assert.True(t, obs.ok)
	assert.Equal(t, 4, obs.active)
}

func TestRunOnce_TokenErrorStillReconcilesGrants(t *testing.T) {
	boom := errors.New("db down")
	tk := &fakeTokens{err: boom}
	gr := &fakeGrants{expired: 1}
	obs := &fakeObserver{}

	res := NewSweeper(tk, gr, time.Hour, nil, obs).RunOnce(context.Background())

	assert.ErrorIs(t, res.Err, boom)
	assert.Equal(t, 1, res.GrantsExpired)
	assert.Equal(t, int32(1), gr.calls.Load())
	assert.False(t, obs.ok)
}

func TestStartStop_RunsImmediately(t *testing.T) {
	tk := &fakeTokens{}
	gr := &fakeGrants{}
	s := NewSweeper(tk, gr, time.Hour, nil, nil)

	s.Start()
	s.Start()

	require.Eventually(t, func() bool { return tk.calls.Load() >= 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	require.NoError(t, s.Stop(ctx))

	assert.Equal(t, int32(1), tk.calls.Load())
}

func TestStartStop_TicksAgain(t *testing.T) {
	tk := &fakeTokens{}
	s := NewSweeper(tk, nil, 10*time.Millisecond, nil, nil)

	s.Start()
	require.Eventually(t, func() bool { return tk.calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, s.Stop(context.Background()))
}
