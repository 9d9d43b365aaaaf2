package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"listening_game_backend/internal/config"
	"listening_game_backend/internal/model"
	"listening_game_backend/internal/repository"
	"listening_game_backend/internal/util"
	"listening_game_backend/pkg/database"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"gorm.io/gorm"
)

// fakeAudio 以 ID3 头开头，能通过音频内容检测
var fakeAudio = []byte("ID3\x03\x00\x00\x00\x00\x00\x00fake-mp3-frames")

var sampleMetadata = map[model.PlayMode]string{
	model.PlayModeFocus:      `{"question":"¿Qué compró Ana?","answer_choices":["pan","leche","queso"],"correct_answer":"leche"}`,
	model.PlayModeCloze:      `{"text_with_blanks":"Ana compra ____ y ____.","answers":["pan","leche"]}`,
	model.PlayModeParaphrase: `{"reference_text":"Ana va al mercado los sábados.","rubric":["mantiene el día","mantiene el lugar"]}`,
	model.PlayModeSummarize:  `{"reference_summary":"Ana hace la compra semanal."}`,
	model.PlayModeClarify:    `{"possible_questions":["¿A qué hora?","¿Con quién?"]}`,
}

type fakeGenerator struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeGenerator) GenerateChallenge(ctx context.Context, req GenerationRequest) (*GeneratedChallenge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &GeneratedChallenge{
		AudioText: fmt.Sprintf("Texto %d sobre %s", f.calls, req.PromptType),
		Metadata:  json.RawMessage(sampleMetadata[req.Mode]),
	}, nil
}

func (f *fakeGenerator) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeSpeech struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeSpeech) Synthesize(ctx context.Context, text string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return fakeAudio, nil
}

func (f *fakeSpeech) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeBlob struct {
	mu      sync.Mutex
	objects map[string][]byte
	uploads int
}

func newFakeBlob() *fakeBlob {
	return &fakeBlob{objects: make(map[string][]byte)}
}

func (f *fakeBlob) AudioKey(challengeID string) string {
	return util.ChallengeAudioPrefix + "/" + challengeID + ".mp3"
}

func (f *fakeBlob) Exists(ctx context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[key]
	return ok, nil
}

func (f *fakeBlob) Upload(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads++
	f.objects[key] = data
	return "https://blob.test/" + key, nil
}

func (f *fakeBlob) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	return nil
}

func (f *fakeBlob) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return "https://blob.test/" + key + "?sig=1", nil
}

type fakeEvaluator struct {
	clarify    []int
	summary    int
	paraphrase int
	err        error
}

func (f *fakeEvaluator) EvaluateClarify(ctx context.Context, audioText string, meta *model.ClarifyMetadata, questions []string) (*ClarifyEvaluation, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := &ClarifyEvaluation{}
	for i, q := range questions {
		score := 0
		if i < len(f.clarify) {
			score = f.clarify[i]
		}
		out.Scores = append(out.Scores, QuestionScore{Question: q, Score: score})
	}
	return out, nil
}

func (f *fakeEvaluator) EvaluateSummarize(ctx context.Context, audioText string, meta *model.SummarizeMetadata, summary string) (*SummaryEvaluation, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &SummaryEvaluation{Score: f.summary, Feedback: "ok"}, nil
}

func (f *fakeEvaluator) EvaluateParaphrase(ctx context.Context, audioText string, meta *model.ParaphraseMetadata, paraphrase string) (*ParaphraseEvaluation, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &ParaphraseEvaluation{
		Score:    f.paraphrase,
		Criteria: ParaphraseCriteria{Meaning: f.paraphrase, Completeness: f.paraphrase, Language: f.paraphrase},
		Feedback: "ok",
	}, nil
}

type recordingScheduler struct {
	mu    sync.Mutex
	calls [][]int
}

func (r *recordingScheduler) Schedule(sessionID string, rounds []int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, append([]int(nil), rounds...))
}

func (r *recordingScheduler) last() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.calls) == 0 {
		return nil
	}
	return r.calls[len(r.calls)-1]
}

type testEnv struct {
	db         *gorm.DB
	gen        *fakeGenerator
	speech     *fakeSpeech
	blob       *fakeBlob
	eval       *fakeEvaluator
	repos      testRepos
	challenges *ChallengeService
	rounds     *RoundService
	sessions   *SessionService
}

type testRepos struct {
	challenge  *repository.ChallengeRepository
	session    *repository.GameSessionRepository
	round      *repository.GameRoundRepository
	submission *repository.RoundSubmissionRepository
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.db")
	db, err := database.Open(&config.DatabaseConfig{URI: "sqlite://" + path})
	if err != nil {
		t.Fatalf("database.Open failed: %v", err)
	}
	if err := database.AutoMigrate(db); err != nil {
		t.Fatalf("AutoMigrate failed: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db := newTestDB(t)
	env := &testEnv{
		db:     db,
		gen:    &fakeGenerator{},
		speech: &fakeSpeech{},
		blob:   newFakeBlob(),
		eval:   &fakeEvaluator{},
		repos: testRepos{
			challenge:  repository.NewChallengeRepository(db),
			session:    repository.NewGameSessionRepository(db),
			round:      repository.NewGameRoundRepository(db),
			submission: repository.NewRoundSubmissionRepository(db),
		},
	}
	env.challenges = NewChallengeService(env.repos.challenge, env.gen, env.speech, env.blob)
	scoring := NewScoringService(env.eval)
	env.rounds = NewRoundService(db, env.repos.session, env.repos.round, env.repos.submission, env.challenges, scoring)
	env.rounds.Intn = func(int) int { return 0 }
	env.sessions = NewSessionService(db, env.repos.session, env.repos.round, env.repos.submission, env.rounds, env.challenges)
	return env
}

func focusConfig(totalRounds int) SessionConfigInput {
	return SessionConfigInput{
		TotalRounds:        totalRounds,
		MaxReplaysPerRound: 2,
		Difficulty:         model.DifficultyEasy,
		SelectedModes:      []model.PlayMode{model.PlayModeFocus},
		AllowedTypes:       []model.PromptType{model.PromptTypeDescriptive},
	}
}

// startedSession 创建并开始一个会话
func (e *testEnv) startedSession(t *testing.T, userID string, cfg SessionConfigInput) *model.GameSession {
	t.Helper()
	ctx := context.Background()

	session, err := e.sessions.Create(ctx, userID, CreateSessionRequest{Name: "práctica", Config: cfg})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	session, _, err = e.sessions.Start(ctx, userID, session.ID)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return session
}

func (e *testEnv) round(t *testing.T, sessionID string, n int) *model.GameRound {
	t.Helper()
	r, err := e.repos.round.FindByNumber(context.Background(), sessionID, n)
	if err != nil {
		t.Fatalf("FindByNumber(%d) failed: %v", n, err)
	}
	return r
}

func (e *testEnv) countRows(t *testing.T, m interface{}) int64 {
	t.Helper()
	var n int64
	if err := e.db.Model(m).Count(&n).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	return n
}

func requireKind(t *testing.T, err error, kind util.ErrorKind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", kind)
	}
	if got := util.KindOf(err); got != kind {
		t.Fatalf("expected %s error, got %s (%v)", kind, got, err)
	}
}

var errBoom = errors.New("boom")
