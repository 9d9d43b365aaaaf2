package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"listening_game_backend/internal/config"
	"listening_game_backend/internal/util"
	"listening_game_backend/pkg/monitoring"
	"listening_game_backend/pkg/tracing"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// SpeechSynthesizer 文本转音频
type SpeechSynthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// AudioJoiner 把多段音频按顺序拼成一段
type AudioJoiner interface {
	Join(parts [][]byte, format string) ([]byte, error)
}

// ByteJoiner 直接拼接字节；MP3 帧可以首尾相连播放
type ByteJoiner struct{}

func (ByteJoiner) Join(parts [][]byte, format string) ([]byte, error) {
	if len(parts) == 0 {
		return nil, fmt.Errorf("no audio parts to join")
	}
	return bytes.Join(parts, nil), nil
}

// FFmpegJoiner 用 ffmpeg concat 重新封装，适用于带容器头的格式
type FFmpegJoiner struct{}

func (FFmpegJoiner) Join(parts [][]byte, format string) ([]byte, error) {
	return util.ConcatAudio(parts, format)
}

func NewAudioJoiner(kind string) AudioJoiner {
	if kind == "ffmpeg" {
		return FFmpegJoiner{}
	}
	return ByteJoiner{}
}

// DialogueTurn 一位说话人的连续台词；Speaker 为 0 表示旁白
type DialogueTurn struct {
	Speaker int
	Text    string
}

var speakerPattern = regexp.MustCompile(`(?i)^\s*speaker\s+(1|2)\s*:\s*`)

// SplitDialogue 按 "Speaker 1:" / "Speaker 2:" 行首标记切分台词。
// 没有任何标记时返回 nil；标记前的文字归为旁白，无标记的续行并入上一段
func SplitDialogue(text string) []DialogueTurn {
	var (
		turns  []DialogueTurn
		marked bool
	)
	for _, line := range strings.Split(text, "\n") {
		if m := speakerPattern.FindStringSubmatch(line); m != nil {
			marked = true
			speaker := 1
			if m[1] == "2" {
				speaker = 2
			}
			turns = append(turns, DialogueTurn{Speaker: speaker, Text: strings.TrimSpace(line[len(m[0]):])})
			continue
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if len(turns) == 0 {
			turns = append(turns, DialogueTurn{Speaker: 0, Text: line})
			continue
		}
		last := &turns[len(turns)-1]
		if last.Text == "" {
			last.Text = line
		} else {
			last.Text += " " + line
		}
	}
	if !marked {
		return nil
	}

	out := turns[:0]
	for _, t := range turns {
		if t.Text != "" {
			out = append(out, t)
		}
	}
	return out
}

// TTSService ElevenLabs 风格的 HTTP 语音合成
type TTSService struct {
	config config.TTSConfig
	client *http.Client
	joiner AudioJoiner
	format string
}

func NewTTSService(cfg config.TTSConfig, audioFormat string) *TTSService {
	return &TTSService{
		config: cfg,
		client: &http.Client{Timeout: cfg.RequestTimeout},
		joiner: NewAudioJoiner(cfg.Joiner),
		format: audioFormat,
	}
}

func (s *TTSService) voiceFor(speaker int) string {
	switch speaker {
	case 1:
		return s.config.VoiceSpeaker1
	case 2:
		return s.config.VoiceSpeaker2
	}
	return s.config.VoiceDefault
}

// Synthesize 单人文本用默认音色；对话文本逐段用说话人音色并行合成后按原顺序拼接
func (s *TTSService) Synthesize(ctx context.Context, text string) (audio []byte, err error) {
	ctx, span := tracing.StartSpan(ctx, "tts.synthesize")
	defer func() { tracing.EndSpan(span, err) }()

	turns := SplitDialogue(text)
	if len(turns) == 0 {
		return s.synthesizeOne(ctx, text, s.config.VoiceDefault)
	}

	parts := make([][]byte, len(turns))
	g, gctx := errgroup.WithContext(ctx)
	if s.config.MaxParallelism > 0 {
		g.SetLimit(s.config.MaxParallelism)
	}
	for i, turn := range turns {
		g.Go(func() error {
			data, err := s.synthesizeOne(gctx, turn.Text, s.voiceFor(turn.Speaker))
			if err != nil {
				return fmt.Errorf("turn %d: %w", i+1, err)
			}
			parts[i] = data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return s.joiner.Join(parts, s.format)
}

type ttsRequest struct {
	Text    string `json:"text"`
	ModelID string `json:"model_id"`
}

func (s *TTSService) synthesizeOne(ctx context.Context, text, voiceID string) (audio []byte, err error) {
	defer monitoring.ObserveExternal("tts", "synthesize", time.Now(), &err)

	if voiceID == "" {
		return nil, fmt.Errorf("no voice configured")
	}
	body, err := json.Marshal(ttsRequest{Text: text, ModelID: s.config.ModelID})
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/v1/text-to-speech/%s", strings.TrimRight(s.config.BaseURL, "/"), url.PathEscape(voiceID))
	if s.config.OutputFormat != "" {
		endpoint += "?output_format=" + url.QueryEscape(s.config.OutputFormat)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/mpeg")
	req.Header.Set("xi-api-key", s.config.APIKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("TTS API error (status %d): %s", resp.StatusCode, truncate(string(data), 300))
	}
	if _, err := util.DetectAudio(data); err != nil {
		return nil, err
	}
	return data, nil
}
