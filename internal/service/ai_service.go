package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"listening_game_backend/internal/config"
	"listening_game_backend/internal/model"
	"listening_game_backend/pkg/logger"
	"listening_game_backend/pkg/monitoring"
	"listening_game_backend/pkg/tracing"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

// ChallengeGenerator 生成音频文本与玩法元数据
type ChallengeGenerator interface {
	GenerateChallenge(ctx context.Context, req GenerationRequest) (*GeneratedChallenge, error)
}

// AnswerEvaluator 开放式作答的模型评估
type AnswerEvaluator interface {
	EvaluateClarify(ctx context.Context, audioText string, meta *model.ClarifyMetadata, questions []string) (*ClarifyEvaluation, error)
	EvaluateSummarize(ctx context.Context, audioText string, meta *model.SummarizeMetadata, summary string) (*SummaryEvaluation, error)
	EvaluateParaphrase(ctx context.Context, audioText string, meta *model.ParaphraseMetadata, paraphrase string) (*ParaphraseEvaluation, error)
}

type GenerationRequest struct {
	Mode        model.PlayMode
	PromptType  model.PromptType
	Difficulty  model.Difficulty
	AudioLength model.AudioLength
	Locale      string
}

type GeneratedChallenge struct {
	AudioText string          `json:"audio_text"`
	Metadata  json.RawMessage `json:"challenge_metadata"`
}

type QuestionScore struct {
	Question string `json:"question"`
	Score    int    `json:"score"`
}

type ClarifyEvaluation struct {
	Scores []QuestionScore `json:"scores"`
}

type SummaryEvaluation struct {
	Score    int    `json:"score"`
	Feedback string `json:"feedback"`
}

type ParaphraseCriteria struct {
	Meaning      int `json:"meaning"`
	Completeness int `json:"completeness"`
	Language     int `json:"language"`
}

type ParaphraseEvaluation struct {
	Score    int                `json:"score"`
	Criteria ParaphraseCriteria `json:"criteria"`
	Feedback string             `json:"feedback"`
}

// AIService OpenAI 兼容的 chat/completions 客户端，使用 json_schema 结构化输出
type AIService struct {
	config  config.LLMConfig
	prompts *PromptLibrary
	client  *http.Client
}

func NewAIService(cfg config.LLMConfig, prompts *PromptLibrary) *AIService {
	return &AIService{
		config:  cfg,
		prompts: prompts,
		client:  &http.Client{Timeout: cfg.RequestTimeout},
	}
}

type AIChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type JSONSchemaFormat struct {
	Name   string                 `json:"name"`
	Strict bool                   `json:"strict"`
	Schema map[string]interface{} `json:"schema"`
}

type ResponseFormat struct {
	Type       string            `json:"type"`
	JSONSchema *JSONSchemaFormat `json:"json_schema,omitempty"`
}

type ChatCompletionRequest struct {
	Model          string          `json:"model"`
	Messages       []AIChatMessage `json:"messages"`
	Temperature    float64         `json:"temperature"`
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`
}

type ChatCompletionResponse struct {
	Choices []struct {
		Message AIChatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// LanguageName 语言标签的英文名，如 es -> Spanish
func LanguageName(locale string) string {
	tag, err := language.Parse(locale)
	if err != nil {
		return locale
	}
	if name := display.English.Tags().Name(tag); name != "" {
		return name
	}
	return locale
}

func (s *AIService) completeJSON(ctx context.Context, operation string, messages []AIChatMessage, schemaName string, schema map[string]interface{}, out interface{}) (err error) {
	ctx, span := tracing.StartSpan(ctx, "llm."+operation, "model", s.config.Model)
	defer func() { tracing.EndSpan(span, err) }()
	defer monitoring.ObserveExternal("llm", operation, time.Now(), &err)

	reqBody := ChatCompletionRequest{
		Model:       s.config.Model,
		Messages:    messages,
		Temperature: s.config.Temperature,
		ResponseFormat: &ResponseFormat{
			Type: "json_schema",
			JSONSchema: &JSONSchemaFormat{
				Name:   schemaName,
				Strict: true,
				Schema: schema,
			},
		},
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(s.config.BaseURL, "/")+"/chat/completions", bytes.NewBuffer(jsonData))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.config.APIKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("LLM API error (status %d): %s", resp.StatusCode, string(body))
	}

	var chatResp ChatCompletionResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return fmt.Errorf("decode LLM response: %w", err)
	}
	if chatResp.Error != nil {
		return fmt.Errorf("LLM API error: %s", chatResp.Error.Message)
	}
	if len(chatResp.Choices) == 0 {
		return fmt.Errorf("LLM returned no choices")
	}

	content := chatResp.Choices[0].Message.Content
	if err := json.Unmarshal([]byte(content), out); err != nil {
		logger.Log.Warn("LLM returned non-conforming output",
			zap.String("operation", operation),
			zap.String("content", truncate(content, 500)),
		)
		return fmt.Errorf("decode LLM structured output: %w", err)
	}
	return nil
}

func (s *AIService) GenerateChallenge(ctx context.Context, req GenerationRequest) (*GeneratedChallenge, error) {
	tpl, err := s.prompts.Generation(req.Mode, req.Difficulty)
	if err != nil {
		return nil, err
	}
	vars := map[string]string{
		"play_mode":    string(req.Mode),
		"prompt_type":  string(req.PromptType),
		"difficulty":   string(req.Difficulty),
		"audio_length": string(req.AudioLength),
		"language":     LanguageName(req.Locale),
		"locale":       req.Locale,
	}
	messages := []AIChatMessage{
		{Role: "system", Content: RenderPrompt(s.prompts.System, vars)},
		{Role: "user", Content: RenderPrompt(tpl, vars)},
	}

	schema := objectSchema(map[string]interface{}{
		"audio_text":         map[string]interface{}{"type": "string"},
		"challenge_metadata": metadataSchema(req.Mode),
	})

	var out GeneratedChallenge
	if err := s.completeJSON(ctx, "generate", messages, "listening_challenge", schema, &out); err != nil {
		return nil, err
	}
	if strings.TrimSpace(out.AudioText) == "" {
		return nil, fmt.Errorf("LLM returned empty audio_text")
	}
	return &out, nil
}

func (s *AIService) evaluationMessages(mode model.PlayMode, vars map[string]string) ([]AIChatMessage, error) {
	p, err := s.prompts.Evaluation(mode)
	if err != nil {
		return nil, err
	}
	return []AIChatMessage{
		{Role: "system", Content: RenderPrompt(p.System, vars)},
		{Role: "user", Content: RenderPrompt(p.User, vars)},
	}, nil
}

func (s *AIService) EvaluateClarify(ctx context.Context, audioText string, meta *model.ClarifyMetadata, questions []string) (*ClarifyEvaluation, error) {
	messages, err := s.evaluationMessages(model.PlayModeClarify, map[string]string{
		"audio_text":         audioText,
		"possible_questions": bulletList(meta.PossibleQuestions),
		"questions":          numberedList(questions),
	})
	if err != nil {
		return nil, err
	}
	schema := objectSchema(map[string]interface{}{
		"scores": map[string]interface{}{
			"type": "array",
			"items": objectSchema(map[string]interface{}{
				"question": map[string]interface{}{"type": "string"},
				"score":    scoreSchema(),
			}),
		},
	})

	var out ClarifyEvaluation
	if err := s.completeJSON(ctx, "evaluate_clarify", messages, "clarify_evaluation", schema, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *AIService) EvaluateSummarize(ctx context.Context, audioText string, meta *model.SummarizeMetadata, summary string) (*SummaryEvaluation, error) {
	messages, err := s.evaluationMessages(model.PlayModeSummarize, map[string]string{
		"audio_text":        audioText,
		"reference_summary": meta.ReferenceSummary,
		"summary":           summary,
	})
	if err != nil {
		return nil, err
	}
	schema := objectSchema(map[string]interface{}{
		"score":    scoreSchema(),
		"feedback": map[string]interface{}{"type": "string"},
	})

	var out SummaryEvaluation
	if err := s.completeJSON(ctx, "evaluate_summarize", messages, "summary_evaluation", schema, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *AIService) EvaluateParaphrase(ctx context.Context, audioText string, meta *model.ParaphraseMetadata, paraphrase string) (*ParaphraseEvaluation, error) {
	messages, err := s.evaluationMessages(model.PlayModeParaphrase, map[string]string{
		"audio_text":     audioText,
		"reference_text": meta.ReferenceText,
		"rubric":         bulletList(meta.Rubric),
		"paraphrase":     paraphrase,
	})
	if err != nil {
		return nil, err
	}
	schema := objectSchema(map[string]interface{}{
		"score": scoreSchema(),
		"criteria": objectSchema(map[string]interface{}{
			"meaning":      scoreSchema(),
			"completeness": scoreSchema(),
			"language":     scoreSchema(),
		}),
		"feedback": map[string]interface{}{"type": "string"},
	})

	var out ParaphraseEvaluation
	if err := s.completeJSON(ctx, "evaluate_paraphrase", messages, "paraphrase_evaluation", schema, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// objectSchema strict 模式要求所有属性必填且禁止额外属性
func objectSchema(props map[string]interface{}) map[string]interface{} {
	required := make([]string, 0, len(props))
	for k := range props {
		required = append(required, k)
	}
	return map[string]interface{}{
		"type":                 "object",
		"properties":           props,
		"required":             required,
		"additionalProperties": false,
	}
}

func scoreSchema() map[string]interface{} {
	return map[string]interface{}{"type": "integer", "enum": []int{0, 1, 2}}
}

func stringArraySchema() map[string]interface{} {
	return map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}}
}

func metadataSchema(mode model.PlayMode) map[string]interface{} {
	str := map[string]interface{}{"type": "string"}
	switch mode {
	case model.PlayModeFocus:
		return objectSchema(map[string]interface{}{
			"question":       str,
			"answer_choices": stringArraySchema(),
			"correct_answer": str,
		})
	case model.PlayModeCloze:
		return objectSchema(map[string]interface{}{
			"text_with_blanks": str,
			"answers":          stringArraySchema(),
		})
	case model.PlayModeParaphrase:
		return objectSchema(map[string]interface{}{
			"reference_text": str,
			"rubric":         stringArraySchema(),
		})
	case model.PlayModeSummarize:
		return objectSchema(map[string]interface{}{
			"reference_summary": str,
		})
	default:
		return objectSchema(map[string]interface{}{
			"possible_questions": stringArraySchema(),
		})
	}
}

func bulletList(items []string) string {
	var b strings.Builder
	for _, it := range items {
		b.WriteString("- ")
		b.WriteString(it)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func numberedList(items []string) string {
	var b strings.Builder
	for i, it := range items {
		b.WriteString(strconv.Itoa(i + 1))
		b.WriteString(". ")
		b.WriteString(it)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// truncate 截到不超过 n 字节，不切断多字节字符
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
