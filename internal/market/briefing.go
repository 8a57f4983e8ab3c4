package market

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/marketdeck/marketdeck/internal/ratelimit"
)

// ProviderAI is the rate-limit bucket name for the LLM vendor.
const ProviderAI = "ai"

// BriefingClientConfig configures the LLM client used for daily commentary.
type BriefingClientConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
	Limiter *ratelimit.Limiter
}

// BriefingClient generates the daily market briefing through an
// OpenAI-compatible chat completion endpoint. Each call is billed, so the
// briefing is only ever produced through the daily compute cache: one
// generation per trading day, deployment-wide.
type BriefingClient struct {
	baseURL string
	apiKey  string
	model   string
	limiter *ratelimit.Limiter
	http    *http.Client
}

func NewBriefingClient(cfg BriefingClientConfig) *BriefingClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &BriefingClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		model:   model,
		limiter: cfg.Limiter,
		http:    &http.Client{Timeout: timeout},
	}
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Generate produces the briefing for one trading day from that day's
// screening results.
func (c *BriefingClient) Generate(ctx context.Context, date string, rows []ScreenerRow) (*Briefing, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, ProviderAI); err != nil {
			return nil, fmt.Errorf("ai rate limit: %w", err)
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Write a short market briefing for %s. Notable movers:\n", date)
	for _, row := range rows {
		fmt.Fprintf(&sb, "- %s %.2f (%+.2f%%, %s)\n", row.Symbol, row.Price, row.ChangePct, row.Signal)
	}

	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: "You are a concise financial analyst."},
			{Role: "user", Content: sb.String()},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("encode briefing request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build briefing request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("briefing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("briefing endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode briefing response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("briefing response contained no choices")
	}

	return &Briefing{
		Date:        date,
		Summary:     parsed.Choices[0].Message.Content,
		Model:       c.model,
		GeneratedAt: time.Now(),
	}, nil
}
