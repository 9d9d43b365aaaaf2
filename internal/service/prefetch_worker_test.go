package service

import (
	"context"
	"listening_game_backend/internal/config"
	"listening_game_backend/internal/model"
	"testing"
)

func newTestWorker(env *testEnv, retries int) *PrefetchWorker {
	return NewPrefetchWorker(env.repos.session, env.rounds, nil, config.PrefetchConfig{MaxRetries: retries})
}

func TestPrefetchPreparesUpcomingRounds(t *testing.T) {
	env := newTestEnv(t)
	session := env.startedSession(t, "u1", focusConfig(3))
	w := newTestWorker(env, 1)
	defer w.Stop()

	if err := w.Run(context.Background(), session.ID, []int{2, 3, 4}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	// 第 1 轮尚未交付，按顺序先准备
	for n := 1; n <= 3; n++ {
		r := env.round(t, session.ID, n)
		if r.Status != model.RoundPending || r.ChallengeID == nil || r.PreparedAt == nil {
			t.Fatalf("round %d not prepared: %+v", n, r)
		}
	}
	if n := env.countRows(t, &model.GameRound{}); n != 3 {
		t.Fatalf("round beyond total_rounds must not be created, got %d rounds", n)
	}
	if env.gen.Calls() != 3 {
		t.Fatalf("expected 3 generations, got %d", env.gen.Calls())
	}

	// 已准备的回合不会重复生成
	if err := w.Run(context.Background(), session.ID, []int{2, 3}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if env.gen.Calls() != 3 {
		t.Fatalf("expected no further generations, got %d", env.gen.Calls())
	}
}

func TestPrefetchRetriesThenGivesUp(t *testing.T) {
	env := newTestEnv(t)
	session := env.startedSession(t, "u1", focusConfig(3))
	env.gen.err = errBoom
	w := newTestWorker(env, 3)
	defer w.Stop()

	if err := w.Run(context.Background(), session.ID, []int{2}); err == nil {
		t.Fatal("expected Run to fail")
	}
	if env.gen.Calls() != 3 {
		t.Fatalf("expected 3 attempts, got %d", env.gen.Calls())
	}
	for n := 1; n <= 2; n++ {
		if r := env.round(t, session.ID, n); r.Status != model.RoundQueued {
			t.Fatalf("round %d must stay queued, got %s", n, r.Status)
		}
	}
}

func TestPrefetchSkipsInactiveSessions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	session := env.startedSession(t, "u1", focusConfig(3))
	paused := model.SessionPaused
	if _, err := env.sessions.Update(ctx, "u1", session.ID, UpdateSessionRequest{Status: &paused}); err != nil {
		t.Fatalf("pause failed: %v", err)
	}
	w := newTestWorker(env, 1)
	defer w.Stop()

	if err := w.Run(ctx, session.ID, []int{2, 3}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if err := w.Run(ctx, "missing", []int{2}); err != nil {
		t.Fatalf("Run for a deleted session failed: %v", err)
	}
	if env.gen.Calls() != 0 {
		t.Fatalf("paused session must not be prefetched, got %d generations", env.gen.Calls())
	}
}

func TestPrefetchScheduleRunsInBackground(t *testing.T) {
	env := newTestEnv(t)
	session := env.startedSession(t, "u1", focusConfig(2))
	w := newTestWorker(env, 1)

	w.Schedule(session.ID, []int{2})
	w.wg.Wait()
	w.Stop()

	if r := env.round(t, session.ID, 2); r.Status != model.RoundPending {
		t.Fatalf("expected round 2 to be prepared, got %s", r.Status)
	}
}

func TestPrefetchTune(t *testing.T) {
	env := newTestEnv(t)
	w := newTestWorker(env, 0)
	defer w.Stop()

	retries, _, ttl := w.settings()
	if retries != 1 || ttl <= 0 {
		t.Fatalf("expected sane defaults, got retries=%d ttl=%v", retries, ttl)
	}
	w.Tune(config.PrefetchConfig{MaxRetries: 4, LockTTL: 1})
	if retries, _, ttl = w.settings(); retries != 4 || ttl != 1 {
		t.Fatalf("Tune not applied, got retries=%d ttl=%v", retries, ttl)
	}
}
