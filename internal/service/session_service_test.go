package service

import (
	"context"
	"listening_game_backend/internal/model"
	"listening_game_backend/internal/util"
	"reflect"
	"testing"
	"time"
)

func TestCreateSessionValidatesConfig(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.sessions.Create(context.Background(), "u1", CreateSessionRequest{
		Name: "mala",
		Config: SessionConfigInput{
			TotalRounds:        11,
			MaxReplaysPerRound: -1,
			Difficulty:         "expert",
			SelectedModes:      []model.PlayMode{model.PlayModeFocus, "karaoke", model.PlayModeFocus},
		},
	})
	requireKind(t, err, util.KindBadRequest)

	appErr := err.(*util.AppError)
	for _, field := range []string{"total_rounds", "max_replays_per_round", "difficulty", "selected_modes[1]", "selected_modes[2]", "allowed_types"} {
		if _, ok := appErr.Fields[field]; !ok {
			t.Errorf("expected a diagnostic for %s, got %v", field, appErr.Fields)
		}
	}
	if n := env.countRows(t, &model.GameSession{}); n != 0 {
		t.Fatalf("invalid config must not create a session, got %d rows", n)
	}
}

func TestCreateSessionRejectsConfigWithoutCombinations(t *testing.T) {
	cfg := focusConfig(3)
	cfg.SelectedModes = []model.PlayMode{model.PlayModeCloze, model.PlayModeParaphrase}
	cfg.AllowedTypes = []model.PromptType{model.PromptTypeDialogue}

	err := ValidateConfig(cfg)
	requireKind(t, err, util.KindBadRequest)
	if _, ok := err.(*util.AppError).Fields["allowed_types"]; !ok {
		t.Fatalf("expected allowed_types diagnostic, got %v", err)
	}
}

func TestCreateSession(t *testing.T) {
	env := newTestEnv(t)

	session, err := env.sessions.Create(context.Background(), "u1", CreateSessionRequest{Name: "práctica", Config: focusConfig(3)})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if session.Status != model.SessionPending || session.CurrentRound != 1 || session.TotalScore != 0 {
		t.Fatalf("unexpected new session: %+v", session)
	}

	got, err := env.sessions.Get(context.Background(), "u1", session.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Config == nil || got.Config.TotalRounds != 3 || got.Config.MaxReplaysPerRound != 2 {
		t.Fatalf("config not persisted: %+v", got.Config)
	}
	if n := env.countRows(t, &model.GameRound{}); n != 0 {
		t.Fatalf("rounds must not exist before start, got %d", n)
	}

	_, err = env.sessions.Get(context.Background(), "u2", session.ID)
	requireKind(t, err, util.KindForbidden)
	_, err = env.sessions.Get(context.Background(), "u1", "missing")
	requireKind(t, err, util.KindMissing)
}

func TestListSessionsFiltersByOwnerAndStatus(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.startedSession(t, "u1", focusConfig(2))
	if _, err := env.sessions.Create(ctx, "u1", CreateSessionRequest{Name: "b", Config: focusConfig(2)}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := env.sessions.Create(ctx, "u2", CreateSessionRequest{Name: "c", Config: focusConfig(2)}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	all, total, err := env.sessions.List(ctx, "u1", "", 1, 20)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if total != 2 || len(all) != 2 {
		t.Fatalf("expected 2 sessions for u1, got %d (%d)", len(all), total)
	}

	pending, total, err := env.sessions.List(ctx, "u1", model.SessionPending, 1, 20)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if total != 1 || pending[0].Name != "b" {
		t.Fatalf("expected only the pending session, got %+v", pending)
	}

	_, _, err = env.sessions.List(ctx, "u1", "archived", 1, 20)
	requireKind(t, err, util.KindBadRequest)
}

func TestStartSessionSchedulesPrefetch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sched := &recordingScheduler{}
	env.sessions.Prefetch = sched

	created, err := env.sessions.Create(ctx, "u1", CreateSessionRequest{Name: "a", Config: focusConfig(3)})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	session, round, err := env.sessions.Start(ctx, "u1", created.ID)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if session.Status != model.SessionInProgress || session.StartedAt == nil {
		t.Fatalf("session not started: %+v", session)
	}
	if round.RoundNumber != 1 || round.Status != model.RoundQueued {
		t.Fatalf("expected queued round 1, got %+v", round)
	}
	if got := sched.last(); !reflect.DeepEqual(got, []int{2, 3}) {
		t.Fatalf("expected prefetch of rounds 2..3, got %v", got)
	}

	// 重复开始不再调度
	if _, _, err := env.sessions.Start(ctx, "u1", created.ID); err != nil {
		t.Fatalf("second Start failed: %v", err)
	}
	if len(sched.calls) != 1 {
		t.Fatalf("expected a single prefetch schedule, got %v", sched.calls)
	}
	if n := env.countRows(t, &model.GameRound{}); n != 1 {
		t.Fatalf("expected one materialised round, got %d", n)
	}
}

func TestStartSessionPrefetchIsCappedByTotalRounds(t *testing.T) {
	env := newTestEnv(t)
	sched := &recordingScheduler{}
	env.sessions.Prefetch = sched

	env.startedSession(t, "u1", focusConfig(1))
	if len(sched.calls) != 0 {
		t.Fatalf("single-round session must not prefetch, got %v", sched.calls)
	}
}

func TestUpdateSessionConfigOnlyWhilePending(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	created, err := env.sessions.Create(ctx, "u1", CreateSessionRequest{Name: "a", Config: focusConfig(3)})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	cfg := focusConfig(5)
	name := "renombrada"
	updated, err := env.sessions.Update(ctx, "u1", created.ID, UpdateSessionRequest{Name: &name, Config: &cfg})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if updated.Name != name || updated.Config.TotalRounds != 5 {
		t.Fatalf("update not applied: %+v", updated)
	}

	bad := focusConfig(0)
	_, err = env.sessions.Update(ctx, "u1", created.ID, UpdateSessionRequest{Config: &bad})
	requireKind(t, err, util.KindBadRequest)

	if _, _, err := env.sessions.Start(ctx, "u1", created.ID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	_, err = env.sessions.Update(ctx, "u1", created.ID, UpdateSessionRequest{Config: &cfg})
	requireKind(t, err, util.KindBadRequest)

	got, err := env.sessions.Get(ctx, "u1", created.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Config.TotalRounds != 5 {
		t.Fatalf("rejected update changed the config: %+v", got.Config)
	}
}

func TestPausedSessionIsLocked(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sched := &recordingScheduler{}
	session := env.startedSession(t, "u1", focusConfig(3))
	env.sessions.Prefetch = sched

	paused := model.SessionPaused
	if _, err := env.sessions.Update(ctx, "u1", session.ID, UpdateSessionRequest{Status: &paused}); err != nil {
		t.Fatalf("pause failed: %v", err)
	}

	_, err := env.sessions.GetCurrentRound(ctx, "u1", session.ID)
	requireKind(t, err, util.KindLocked)
	_, err = env.sessions.SubmitAttempt(ctx, "u1", session.ID, 1, focusAttempt("k1", 1))
	requireKind(t, err, util.KindLocked)
	_, err = env.sessions.RegisterReplay(ctx, "u1", session.ID, 1)
	requireKind(t, err, util.KindLocked)
	_, err = env.sessions.Advance(ctx, "u1", session.ID)
	requireKind(t, err, util.KindLocked)

	// 开始即恢复
	resumed, _, err := env.sessions.Start(ctx, "u1", session.ID)
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if resumed.Status != model.SessionInProgress {
		t.Fatalf("expected in_progress, got %s", resumed.Status)
	}
	if got := sched.last(); !reflect.DeepEqual(got, []int{2, 3}) {
		t.Fatalf("expected prefetch after resume, got %v", got)
	}
}

func TestCancelledSessionRejectsChanges(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	session := env.startedSession(t, "u1", focusConfig(3))

	cancelled, err := env.sessions.Cancel(ctx, "u1", session.ID)
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if cancelled.Status != model.SessionCancelled || cancelled.FinishedAt == nil {
		t.Fatalf("session not cancelled: %+v", cancelled)
	}

	_, _, err = env.sessions.Start(ctx, "u1", session.ID)
	requireKind(t, err, util.KindConflict)
	_, err = env.sessions.Cancel(ctx, "u1", session.ID)
	requireKind(t, err, util.KindConflict)
	name := "x"
	_, err = env.sessions.Update(ctx, "u1", session.ID, UpdateSessionRequest{Name: &name})
	requireKind(t, err, util.KindConflict)
	_, err = env.sessions.GetCurrentRound(ctx, "u1", session.ID)
	requireKind(t, err, util.KindConflict)
	_, err = env.sessions.SubmitAttempt(ctx, "u1", session.ID, 1, focusAttempt("k1", 1))
	requireKind(t, err, util.KindConflict)
}

func TestUpdateRejectsIllegalTransition(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	created, err := env.sessions.Create(ctx, "u1", CreateSessionRequest{Name: "a", Config: focusConfig(2)})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	for _, status := range []model.SessionStatus{model.SessionPaused, model.SessionCompleted, "archived"} {
		s := status
		_, err := env.sessions.Update(ctx, "u1", created.ID, UpdateSessionRequest{Status: &s})
		requireKind(t, err, util.KindBadRequest)
	}
}

func TestAdvanceCompletesSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	session := env.startedSession(t, "u1", focusConfig(3))

	_, err := env.sessions.Advance(ctx, "u1", session.ID)
	requireKind(t, err, util.KindConflict)

	for n := 1; n <= 3; n++ {
		view, err := env.sessions.GetCurrentRound(ctx, "u1", session.ID)
		if err != nil {
			t.Fatalf("GetCurrentRound(%d) failed: %v", n, err)
		}
		if view.Round.RoundNumber != n || view.Round.Status != model.RoundServed || view.Round.StartedAt == nil {
			t.Fatalf("round %d not served: %+v", n, view.Round)
		}
		if view.Challenge == nil || view.Challenge.AudioURL == nil {
			t.Fatalf("round %d has no playable challenge", n)
		}
		if _, leaked := view.Challenge.Display["correct_answer"]; leaked {
			t.Fatalf("display metadata leaked the answer: %v", view.Challenge.Display)
		}
		if view.ReplaysRemaining != 2 {
			t.Fatalf("expected 2 replays remaining, got %d", view.ReplaysRemaining)
		}

		if _, err := env.sessions.SubmitAttempt(ctx, "u1", session.ID, n, focusAttempt("k", 1)); err != nil {
			t.Fatalf("SubmitAttempt(%d) failed: %v", n, err)
		}
		res, err := env.sessions.Advance(ctx, "u1", session.ID)
		if err != nil {
			t.Fatalf("Advance(%d) failed: %v", n, err)
		}
		if n < 3 {
			if res.Completed || res.Session.CurrentRound != n+1 {
				t.Fatalf("unexpected advance result after round %d: %+v", n, res.Session)
			}
			continue
		}
		if !res.Completed || res.Session.Status != model.SessionCompleted || res.Session.FinishedAt == nil {
			t.Fatalf("session not completed: %+v", res.Session)
		}
		if res.Session.TotalScore != 30 {
			t.Fatalf("expected total score 30, got %v", res.Session.TotalScore)
		}
		if res.Session.CurrentRound != 3 {
			t.Fatalf("current round must stay at the last round, got %d", res.Session.CurrentRound)
		}
	}

	_, err = env.sessions.Advance(ctx, "u1", session.ID)
	requireKind(t, err, util.KindConflict)

	summary, err := env.sessions.Summary(ctx, "u1", session.ID)
	if err != nil {
		t.Fatalf("Summary failed: %v", err)
	}
	if len(summary.Rounds) != 3 || summary.MaxTotal != 30 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	for _, r := range summary.Rounds {
		if r.IsCorrect == nil || !*r.IsCorrect || r.FeedbackShort != "Correct!" {
			t.Fatalf("unexpected round summary: %+v", r)
		}
	}
}

func TestAdvanceRequiresCurrentRoundAttempted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	session := env.startedSession(t, "u1", focusConfig(2))

	if _, err := env.sessions.GetCurrentRound(ctx, "u1", session.ID); err != nil {
		t.Fatalf("GetCurrentRound failed: %v", err)
	}
	_, err := env.sessions.Advance(ctx, "u1", session.ID)
	requireKind(t, err, util.KindConflict)

	got, err := env.sessions.Get(ctx, "u1", session.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.CurrentRound != 1 {
		t.Fatalf("rejected advance moved the session to round %d", got.CurrentRound)
	}
}

func TestSubmitAttemptSchedulesPrefetch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	session := env.startedSession(t, "u1", focusConfig(5))
	sched := &recordingScheduler{}
	env.sessions.Prefetch = sched

	if _, err := env.sessions.GetCurrentRound(ctx, "u1", session.ID); err != nil {
		t.Fatalf("GetCurrentRound failed: %v", err)
	}
	if _, err := env.sessions.SubmitAttempt(ctx, "u1", session.ID, 1, focusAttempt("k1", 1)); err != nil {
		t.Fatalf("SubmitAttempt failed: %v", err)
	}
	if got := sched.last(); !reflect.DeepEqual(got, []int{2, 3}) {
		t.Fatalf("expected prefetch of rounds 2..3, got %v", got)
	}
}

func TestGetCurrentRoundUsesSignedURL(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.sessions.SignedURLTTL = time.Minute
	session := env.startedSession(t, "u1", focusConfig(1))

	view, err := env.sessions.GetCurrentRound(ctx, "u1", session.ID)
	if err != nil {
		t.Fatalf("GetCurrentRound failed: %v", err)
	}
	want := "https://blob.test/" + env.blob.AudioKey(view.Challenge.ChallengeID) + "?sig=1"
	if view.Challenge.AudioURL == nil || *view.Challenge.AudioURL != want {
		t.Fatalf("expected signed URL %s, got %v", want, view.Challenge.AudioURL)
	}

	// 再次获取同一回合不会重新准备
	again, err := env.sessions.GetCurrentRound(ctx, "u1", session.ID)
	if err != nil {
		t.Fatalf("GetCurrentRound failed: %v", err)
	}
	if again.Round.ID != view.Round.ID || env.gen.Calls() != 1 {
		t.Fatalf("expected the same served round without regeneration")
	}
}

func TestDeleteSessionRemovesRounds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	session := env.startedSession(t, "u1", focusConfig(2))
	if _, err := env.sessions.GetCurrentRound(ctx, "u1", session.ID); err != nil {
		t.Fatalf("GetCurrentRound failed: %v", err)
	}
	if _, err := env.sessions.SubmitAttempt(ctx, "u1", session.ID, 1, focusAttempt("k1", 1)); err != nil {
		t.Fatalf("SubmitAttempt failed: %v", err)
	}

	err := env.sessions.Delete(ctx, "u2", session.ID)
	requireKind(t, err, util.KindForbidden)

	if err := env.sessions.Delete(ctx, "u1", session.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	for _, m := range []interface{}{&model.GameSession{}, &model.GameSessionConfig{}, &model.GameRound{}, &model.RoundSubmission{}} {
		if n := env.countRows(t, m); n != 0 {
			t.Fatalf("expected %T rows to be deleted, got %d", m, n)
		}
	}
	if n := env.countRows(t, &model.Challenge{}); n != 1 {
		t.Fatalf("challenges must survive session deletion, got %d", n)
	}

	_, err = env.sessions.Get(ctx, "u1", session.ID)
	requireKind(t, err, util.KindMissing)
}
