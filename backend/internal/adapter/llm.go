package adapter

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	apperrors "mochigami/backend/pkg/errors"
	"mochigami/backend/pkg/logger"

	"mochigami/backend/internal/constants"
)

const persona = `あなたは「もち神さま」というFF14に精通した「幼き賢神」です。
・一人称は「わし」、語尾は「～なのじゃ」「～のう」「～じゃぞ」。`

// Style is one way of asking the model: a system prompt plus sampling limits
type Style struct {
	Name        string
	System      string
	MaxTokens   int
	Temperature float32
}

var (
	// StyleReply reacts to a transcribed stretch of conversation
	StyleReply = Style{
		Name: "reply",
		System: persona + `
・回答は必ず「1文のみ（40文字以内）」で行うこと。
・相槌のみで完結させること。質問や提案、次のステップの提示は一切行わない。
・会話の中のキーワードを1つ含めること。`,
		MaxTokens:   150,
		Temperature: 0.7,
	}
	// StyleChat answers a short question with channel history as context
	StyleChat = Style{
		Name: "chat",
		System: persona + `
・回答は必ず「1文のみ（40文字以内）」で行うこと。`,
		MaxTokens:   150,
		Temperature: 0.7,
	}
	// StyleSearch gives a longer researched answer; it is posted but never spoken
	StyleSearch = Style{
		Name: "search",
		System: `あなたはFF14専門リサーチャーの「もち神さま」です。
・一人称は「わし」、語尾は「～なのじゃ」「～のう」「～じゃぞ」。
・質問の意図を読み取り、情報は詳細に【300文字前後】で要約して解説すること。`,
		MaxTokens:   600,
		Temperature: 0.7,
	}
	// StyleMonologue is a short unprompted remark
	StyleMonologue = Style{
		Name: "monologue",
		System: persona + `
・回答は必ず「1文のみ（40文字以内）」で行うこと。`,
		MaxTokens:   150,
		Temperature: 0.7,
	}
	// StyleSummary ranks dice results from chat history
	StyleSummary = Style{
		Name: "summary",
		System: `あなたは「もち神さま」です。提供されたログからダイス結果を集計し、ランキングを作る係です。
・口調は「～じゃ」「～のう」を維持すること。
・文字数制限は無視してよい。正確なランキングを作成せよ。`,
		MaxTokens:   800,
		Temperature: 0.5,
	}
)

const (
	monologuePrompt = "FF14の短い独り言（20文字以内）を。"
	greetingPrompt  = "参加時の短い挨拶（一言、20文字以内）を1つだけ生成せよ。"
	mealPrompt      = "FF14の高難易度レイドで『食事バフ』を忘れているプレイヤーに対し、VIT不足による即死やDPS低下を指摘する『強烈な皮肉』を20文字以内で。「ごはん警察」は禁止。"
	replyPrompt     = "以下はボイスチャットの会話内容じゃ。\nこの会話に対して、もち神さまとして自然な相槌を1文・40文字以内で返すのじゃ。\n\n会話内容：\n"
	summaryPrompt   = `以下のチャット履歴（上が最新、下が過去）から、各ユーザーの最新のダイス結果（一番上にある『🔮 ... 【 数字 】』）を1つだけ特定せよ。
それらの数字を集計し、降順（大きい順）でランキングを作成せよ。

【出力形式】
・表組み（| や -）は使用するな。
・次の箇条書き形式のみを使用せよ。
  🥇 1位: [名前] 【 [数字] 】
  🥈 2位: ...

最後に優勝者を称え、最下位には軽い皮肉の言葉を述べよ。

`
)

// LLMAdapter talks to an OpenAI-compatible endpoint for replies and to a
// Whisper-compatible endpoint for transcription.
type LLMAdapter struct {
	client     *openai.Client
	sttClient  *openai.Client
	model      string
	sttModel   string
	maxRetries int
	backoff    time.Duration
	mu         sync.RWMutex // Protects model field for concurrent access
	logger     *zap.Logger
}

// NewLLMAdapter creates a new LLM adapter. Empty STT settings reuse the chat endpoint.
func NewLLMAdapter(baseURL, apiKey, modelID, sttBaseURL, sttAPIKey, sttModel string) *LLMAdapter {
	if sttBaseURL == "" {
		sttBaseURL = baseURL
	}
	if sttAPIKey == "" {
		sttAPIKey = apiKey
	}
	if sttModel == "" {
		sttModel = openai.Whisper1
	}

	return &LLMAdapter{
		client:     newClient(baseURL, apiKey),
		sttClient:  newClient(sttBaseURL, sttAPIKey),
		model:      modelID,
		sttModel:   sttModel,
		maxRetries: 3,
		backoff:    time.Second,
		logger:     logger.Get(),
	}
}

func newClient(baseURL, apiKey string) *openai.Client {
	// proxies such as LiteLLM accept any key
	if apiKey == "" {
		apiKey = "dummy-key"
	}
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = strings.TrimRight(baseURL, "/") + "/v1"
	return openai.NewClientWithConfig(cfg)
}

// SetModel updates the model used by this adapter
func (a *LLMAdapter) SetModel(model string) {
	if model != "" {
		a.mu.Lock()
		a.model = model
		a.mu.Unlock()
		a.logger.Debug("LLM adapter model updated", zap.String("model", model))
	}
}

// GetModel returns the current model
func (a *LLMAdapter) GetModel() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.model
}

// Generate sends one prompt in the given style and returns the trimmed answer
func (a *LLMAdapter) Generate(ctx context.Context, style Style, userMsg string) (string, error) {
	currentModel := a.GetModel()

	req := openai.ChatCompletionRequest{
		Model: currentModel,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: style.System},
			{Role: openai.ChatMessageRoleUser, Content: userMsg},
		},
		MaxTokens:   style.MaxTokens,
		Temperature: style.Temperature,
	}

	var resp openai.ChatCompletionResponse
	var err error
	attempts := 0
	for attempt := 0; attempt < a.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * a.backoff
			a.logger.Warn("Retrying LLM request",
				zap.String("style", style.Name),
				zap.Int("attempt", attempt+1),
				zap.Duration("backoff", backoff),
			)
			select {
			case <-ctx.Done():
				return "", apperrors.NewPipelineFailed("llm "+style.Name, attempts, false, ctx.Err())
			case <-time.After(backoff):
			}
		}

		attempts++
		resp, err = a.client.CreateChatCompletion(ctx, req)
		if err == nil {
			break
		}

		a.logger.Error("LLM request failed",
			zap.Error(err),
			zap.String("style", style.Name),
			zap.Int("attempt", attempt+1),
			zap.String("model", currentModel),
		)
		if ctx.Err() != nil {
			break
		}
	}

	if err != nil {
		return "", apperrors.NewPipelineFailed("llm "+style.Name, attempts, ctx.Err() == nil, err)
	}
	if len(resp.Choices) == 0 {
		return "", apperrors.ErrEmptyResponse
	}

	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", apperrors.ErrEmptyResponse
	}

	a.logger.Debug("LLM response generated",
		zap.String("model", currentModel),
		zap.String("style", style.Name),
		zap.Int("total_tokens", resp.Usage.TotalTokens),
	)
	return text, nil
}

// Reply returns a one-line reaction to a transcript of the conversation
func (a *LLMAdapter) Reply(ctx context.Context, transcript string) (string, error) {
	return a.Generate(ctx, StyleReply, replyPrompt+transcript)
}

// Monologue returns a short context-free remark
func (a *LLMAdapter) Monologue(ctx context.Context) (string, error) {
	return a.Generate(ctx, StyleMonologue, monologuePrompt)
}

// Greeting returns a short line for joining a voice channel
func (a *LLMAdapter) Greeting(ctx context.Context) (string, error) {
	return a.Generate(ctx, StyleMonologue, greetingPrompt)
}

// MealReminder returns a sarcastic line about forgotten food buffs
func (a *LLMAdapter) MealReminder(ctx context.Context) (string, error) {
	return a.Generate(ctx, StyleMonologue, mealPrompt)
}

// WantsSearch reports whether a question asks for researched information
func WantsSearch(question string) bool {
	for _, k := range constants.SearchKeywords {
		if strings.Contains(question, k) {
			return true
		}
	}
	return false
}

// Chat answers a question given recent channel history (oldest first).
// With search set the longer research style is used.
func (a *LLMAdapter) Chat(ctx context.Context, question string, history []string, search bool) (string, error) {
	style := StyleChat
	if search {
		style = StyleSearch
	}
	prompt := fmt.Sprintf("履歴：\n%s\n\n質問：%s", strings.Join(history, "\n"), question)
	return a.Generate(ctx, style, prompt)
}

// DiceSummary ranks the latest dice roll of each user. history is newest first.
func (a *LLMAdapter) DiceSummary(ctx context.Context, history []string) (string, error) {
	return a.Generate(ctx, StyleSummary, summaryPrompt+strings.Join(history, "\n"))
}

// Transcribe converts a WAV recording to text. An empty result is not an
// error; callers decide what counts as understood.
func (a *LLMAdapter) Transcribe(ctx context.Context, wav []byte) (string, error) {
	start := time.Now()
	resp, err := a.sttClient.CreateTranscription(ctx, openai.AudioRequest{
		Model:    a.sttModel,
		FilePath: "speech.wav",
		Reader:   bytes.NewReader(wav),
		Language: "ja",
	})
	if err != nil {
		a.logger.Error("Transcription failed",
			zap.Error(err),
			zap.Int("audio_bytes", len(wav)),
		)
		return "", apperrors.NewPipelineFailed("transcription", 1, ctx.Err() == nil, err)
	}

	text := strings.TrimSpace(resp.Text)
	a.logger.Debug("Transcription complete",
		zap.Int("audio_bytes", len(wav)),
		zap.Int("text_length", len(text)),
		zap.Duration("took", time.Since(start)),
	)
	return text, nil
}
