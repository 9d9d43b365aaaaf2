// 为 audio_url 为空的挑战补齐音频
//
// 正常流程中音频在回合准备时生成，合成失败时挑战会暂时没有音频。
// 此脚本用于手动补齐，例如 TTS 服务故障恢复后。
//
// 用法: go run scripts/backfill_audio.go [-limit 200] [-dry-run]
//       go run scripts/backfill_audio.go -regenerate <challenge_id>   更换音色后重做单个挑战

package main

import (
	"context"
	"flag"
	"listening_game_backend/internal/config"
	"listening_game_backend/internal/repository"
	"listening_game_backend/internal/service"
	"listening_game_backend/pkg/database"
	"listening_game_backend/pkg/logger"
	"log"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	limit := flag.Int("limit", 200, "本次最多处理的挑战数")
	dryRun := flag.Bool("dry-run", false, "只列出缺少音频的挑战")
	regenerate := flag.String("regenerate", "", "删除并重新合成指定挑战的音频")
	flag.Parse()

	_ = godotenv.Load()
	cfg, err := config.LoadConfig("configs")
	if err != nil {
		log.Fatalf("无法读取配置: %v", err)
	}

	logger.InitLogger(cfg)
	defer logger.Log.Sync()

	db, err := database.Open(&cfg.Database)
	if err != nil {
		log.Fatalf("数据库连接失败: %v", err)
	}

	storage, err := service.NewStorageService(cfg)
	if err != nil {
		log.Fatalf("存储初始化失败: %v", err)
	}
	tts := service.NewTTSService(cfg.TTS, cfg.Storage.AudioFormat)
	challenges := service.NewChallengeService(repository.NewChallengeRepository(db), nil, tts, storage)

	ctx := context.Background()
	if *regenerate != "" {
		c, err := challenges.Get(ctx, *regenerate)
		if err != nil {
			log.Fatalf("挑战不存在: %v", err)
		}
		u, err := challenges.RegenerateAudio(ctx, c)
		if err != nil {
			log.Fatalf("重新合成失败: %v", err)
		}
		log.Printf("已重新合成: %s -> %s", c.ID, u)
		return
	}

	missing, err := challenges.Repo.ListMissingAudio(ctx, *limit)
	if err != nil {
		log.Fatalf("查询失败: %v", err)
	}
	log.Printf("缺少音频的挑战: %d", len(missing))

	var done, failed int
	for i := range missing {
		c := &missing[i]
		if *dryRun {
			log.Printf("%s %s/%s/%s", c.ID, c.PlayMode, c.PromptType, c.Difficulty)
			continue
		}
		u, err := challenges.EnsureAudio(ctx, c)
		if err != nil {
			failed++
			logger.Log.Warn("Backfill audio failed", zap.String("challengeID", c.ID), zap.Error(err))
			continue
		}
		done++
		logger.Log.Info("Backfill audio done", zap.String("challengeID", c.ID), zap.String("audioURL", u))
	}

	log.Printf("完成: 成功 %d, 失败 %d", done, failed)
}
