package fraud

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

const (
	analyzePrompt = `You are a healthcare insurance fraud detection AI.
Analyse the claim and respond ONLY with valid JSON (no markdown fences):
{"fraudScore":<integer 0-100>,"concerns":["string"],"summary":"string"}`

	explainPrompt = `You are a patient advocate. Rewrite insurance rejection reasons
in simple, empathetic language a non-medical person can understand.
Keep it to 2-3 sentences. No medical jargon.`

	structurePrompt = `You are a medical record structuring assistant.
Convert the doctor's notes into structured JSON ONLY (no markdown fences):
{
  "diagnosis": "",
  "icd10Code": "",
  "medications": [{"name":"","dosage":"","frequency":"","duration":""}],
  "procedures":  [{"name":"","code":""}],
  "notes": ""
}`
)

// Config configures the OpenAI-backed assessor.
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxAttempts int
	Backoff     time.Duration
	RPS         float64
	MaxTokens   int
	Timeout     time.Duration
}

// chatAPI is the part of *openai.Client the assessor calls.
type chatAPI interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Client is an Assessor backed by a chat completion endpoint.
type Client struct {
	api     chatAPI
	cfg     Config
	limiter *rate.Limiter
	cache   *gocache.Cache
	sleep   func(ctx context.Context, d time.Duration) error
	logger  zerolog.Logger
}

// New returns the configured Assessor, or Disabled when no API key is set.
func New(cfg Config, logger zerolog.Logger) Assessor {
	if cfg.APIKey == "" {
		logger.Warn().Msg("AI_API_KEY not set: fraud analysis and explanations are disabled")
		return Disabled{}
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	logger.Info().Str("model", cfg.Model).Str("base_url", clientConfig.BaseURL).Msg("fraud assessor enabled")
	return newClient(openai.NewClientWithConfig(clientConfig), cfg, logger)
}

func newClient(api chatAPI, cfg Config, logger zerolog.Logger) *Client {
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 2 * time.Second
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 1024
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	limit := rate.Inf
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
	}
	return &Client{
		api:     api,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, 1),
		cache:   gocache.New(24*time.Hour, time.Hour),
		sleep:   sleepContext,
		logger:  logger,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Call sends one system instruction and one user message, retrying up to
// MaxAttempts times with exponential backoff (Backoff, 2*Backoff, ...). The
// last failure is returned when every attempt fails.
func (c *Client) Call(ctx context.Context, system, user string) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", err
		}

		text, err := c.complete(ctx, system, user)
		if err == nil {
			return text, nil
		}
		lastErr = err

		if attempt == c.cfg.MaxAttempts {
			break
		}
		delay := c.cfg.Backoff << (attempt - 1)
		c.logger.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("chat completion failed")
		if err := c.sleep(ctx, delay); err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("chat completion failed after %d attempts: %w", c.cfg.MaxAttempts, lastErr)
}

func (c *Client) complete(ctx context.Context, system, user string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: 0.2,
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

// Analyze scores a claim for fraud risk.
func (c *Client) Analyze(ctx context.Context, claim ClaimSummary) (Analysis, error) {
	body, err := json.Marshal(claim)
	if err != nil {
		return Analysis{}, err
	}
	raw, err := c.Call(ctx, analyzePrompt, "Analyse this claim:\n"+string(body))
	if err != nil {
		return Analysis{}, err
	}
	return parseAnalysis(raw)
}

// Structure converts free-text doctor notes into a Prescription.
func (c *Client) Structure(ctx context.Context, notes string) (Prescription, error) {
	raw, err := c.Call(ctx, structurePrompt, "Doctor notes: "+notes)
	if err != nil {
		return Prescription{}, err
	}
	return parsePrescription(raw)
}

// Explain rewrites a technical rejection reason for a patient. Results are
// cached by the SHA-256 of the reason.
func (c *Client) Explain(ctx context.Context, reason string) (string, error) {
	sum := sha256.Sum256([]byte(reason))
	key := hex.EncodeToString(sum[:])
	if v, ok := c.cache.Get(key); ok {
		return v.(string), nil
	}

	text, err := c.Call(ctx, explainPrompt, "Rejection reason: "+reason)
	if err != nil {
		return "", err
	}
	c.cache.Set(key, text, gocache.DefaultExpiration)
	return text, nil
}
