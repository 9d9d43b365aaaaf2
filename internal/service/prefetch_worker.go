package service

import (
	"context"
	"errors"
	"fmt"
	"listening_game_backend/internal/config"
	"listening_game_backend/internal/model"
	"listening_game_backend/internal/repository"
	"listening_game_backend/internal/util"
	"listening_game_backend/pkg/logger"
	"listening_game_backend/pkg/monitoring"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// PrefetchWorker 后台按顺序准备后续回合。每轮独立事务，失败的回合按线性退避整体重试
type PrefetchWorker struct {
	Sessions *repository.GameSessionRepository
	Rounds   *RoundService
	Redis    *redis.Client // 可选，多实例部署时用 SETNX 避免同一回合被重复准备

	mu         sync.RWMutex
	MaxRetries int
	Backoff    time.Duration
	LockTTL    time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPrefetchWorker(sessions *repository.GameSessionRepository, rounds *RoundService, rdb *redis.Client, cfg config.PrefetchConfig) *PrefetchWorker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &PrefetchWorker{
		Sessions: sessions,
		Rounds:   rounds,
		Redis:    rdb,
		ctx:      ctx,
		cancel:   cancel,
	}
	w.Tune(cfg)
	return w
}

// Tune 配置热更新时调整重试参数，只影响之后开始的预取
func (w *PrefetchWorker) Tune(cfg config.PrefetchConfig) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.MaxRetries = cfg.MaxRetries
	if w.MaxRetries < 1 {
		w.MaxRetries = 1
	}
	w.Backoff = cfg.Backoff
	w.LockTTL = cfg.LockTTL
	if w.LockTTL <= 0 {
		w.LockTTL = 2 * time.Minute
	}
}

func (w *PrefetchWorker) settings() (int, time.Duration, time.Duration) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.MaxRetries, w.Backoff, w.LockTTL
}

// Schedule 异步准备 rounds，立即返回
func (w *PrefetchWorker) Schedule(sessionID string, rounds []int) {
	if len(rounds) == 0 {
		return
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if err := w.Run(w.ctx, sessionID, rounds); err != nil && !errors.Is(err, context.Canceled) {
			logger.Log.Warn("Prefetch gave up",
				zap.String("sessionID", sessionID),
				zap.Ints("rounds", rounds),
				zap.Error(err),
			)
		}
	}()
}

// Run 同步执行预取，最多 MaxRetries 次，第 n 次失败后等待 n*Backoff
func (w *PrefetchWorker) Run(ctx context.Context, sessionID string, rounds []int) error {
	maxRetries, backoff, _ := w.settings()
	pending := rounds
	for attempt := 1; ; attempt++ {
		pending = w.runOnce(ctx, sessionID, pending)
		if len(pending) == 0 {
			return nil
		}
		if attempt >= maxRetries {
			return fmt.Errorf("rounds %v still unprepared after %d attempts", pending, attempt)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * backoff):
		}
	}
}

// runOnce 按顺序准备，某轮失败后其后的回合依赖它，一并留到下次重试
func (w *PrefetchWorker) runOnce(ctx context.Context, sessionID string, rounds []int) []int {
	for i, n := range rounds {
		if ctx.Err() != nil {
			return rounds[i:]
		}
		if err := w.prepareOne(ctx, sessionID, n); err != nil {
			monitoring.PrefetchFailures.Inc()
			logger.Log.Warn("Prefetch round failed",
				zap.String("sessionID", sessionID),
				zap.Int("roundNumber", n),
				zap.Error(err),
			)
			return rounds[i:]
		}
	}
	return nil
}

func (w *PrefetchWorker) prepareOne(ctx context.Context, sessionID string, number int) error {
	release, ok := w.acquire(ctx, sessionID, number)
	if !ok {
		return nil
	}
	defer release()

	session, err := w.Sessions.FindByID(ctx, sessionID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	// 会话已暂停、结束或被取消时丢弃
	if session.Status != model.SessionInProgress || session.Config == nil {
		return nil
	}
	if number < session.CurrentRound || number > session.Config.TotalRounds {
		return nil
	}
	_, err = w.Rounds.Prepare(ctx, session, number)
	if errors.Is(err, util.ErrSessionPaused) || errors.Is(err, util.ErrSessionFinished) || errors.Is(err, util.ErrSessionNotFound) {
		logger.Log.Info("Prefetch discarded", zap.String("sessionID", sessionID), zap.Int("roundNumber", number), zap.Error(err))
		return nil
	}
	return err
}

// acquire 取得 (会话, 回合) 的分布式标记；未配置 Redis 或 Redis 出错时不加锁
func (w *PrefetchWorker) acquire(ctx context.Context, sessionID string, number int) (func(), bool) {
	noop := func() {}
	if w.Redis == nil {
		return noop, true
	}
	_, _, lockTTL := w.settings()
	key := fmt.Sprintf("listening:prefetch:%s:%d", sessionID, number)
	ok, err := w.Redis.SetNX(ctx, key, "1", lockTTL).Result()
	if err != nil {
		logger.Log.Warn("Prefetch lock unavailable, continuing without it", zap.String("key", key), zap.Error(err))
		return noop, true
	}
	if !ok {
		return noop, false
	}
	return func() {
		w.Redis.Del(context.Background(), key)
	}, true
}

// Stop 取消进行中的预取并等待退出
func (w *PrefetchWorker) Stop() {
	w.cancel()
	w.wg.Wait()
}
