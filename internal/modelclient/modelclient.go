// Package modelclient wraps the OpenAI-compatible chat and embedding HTTP
// APIs used by the ingestion pipeline with a shared per-endpoint rate
// limiter, circuit breaker, linear retry back-off, and call/token
// statistics.
package modelclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"sync"
	"time"

	"github.com/airp2/storyforge/internal/domain"
	"github.com/airp2/storyforge/pkg/metrics"
	"github.com/airp2/storyforge/pkg/resilience"
)

// Config configures a Client's target endpoint and retry/rate-limit policy.
type Config struct {
	BaseURL         string
	APIKey          string
	Model           string
	MaxRetries      int
	RetryDelay      time.Duration
	RateLimitPerMin float64
}

// Client calls an OpenAI-compatible chat/embeddings endpoint.
type Client struct {
	cfg       Config
	http      *http.Client
	limiter   *resilience.Limiter
	breaker   *resilience.Breaker
	stats     *statTracker
	callsCtr  *metrics.Counter
	tokensCtr *metrics.Counter
	errorsCtr *metrics.Counter
}

// statTracker aggregates per-model call/token counts, mirroring the
// reference client's class-level call-stats dictionary.
type statTracker struct {
	mu    sync.Mutex
	calls map[string]int64
	toks  map[string]int64
}

func newStatTracker() *statTracker {
	return &statTracker{calls: map[string]int64{}, toks: map[string]int64{}}
}

func (s *statTracker) track(model string, tokens int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[model]++
	s.toks[model] += tokens
}

// Stats returns a snapshot of calls/tokens per model.
func (s *statTracker) Stats() map[string]struct{ Calls, Tokens int64 } {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]struct{ Calls, Tokens int64 }, len(s.calls))
	for model, c := range s.calls {
		out[model] = struct{ Calls, Tokens int64 }{Calls: c, Tokens: s.toks[model]}
	}
	return out
}

// limiterRegistry keys shared rate limiters by (baseURL, apiKey) so that
// multiple Client instances pointed at the same endpoint pace requests
// together, adopting the strictest interval ever requested — mirrors the
// reference implementation's process-wide _shared_rate_limiters map.
type limiterRegistry struct {
	mu       sync.Mutex
	limiters map[string]*resilience.Limiter
}

var sharedLimiters = &limiterRegistry{limiters: map[string]*resilience.Limiter{}}

func (r *limiterRegistry) get(baseURL, apiKey string, ratePerMin float64) *resilience.Limiter {
	key := baseURL + "|" + apiKey
	r.mu.Lock()
	defer r.mu.Unlock()

	rate := ratePerMin / 60.0
	existing, ok := r.limiters[key]
	if !ok {
		l := resilience.NewLimiter(resilience.LimiterOpts{Rate: rate, Burst: 1})
		r.limiters[key] = l
		return l
	}
	existing.TightenRate(rate)
	return existing
}

var globalStats = newStatTracker()

// GlobalStats returns call/token counts aggregated across every Client
// created in this process, for a /metrics-style dump.
func GlobalStats() map[string]struct{ Calls, Tokens int64 } {
	return globalStats.Stats()
}

// New builds a Client, registering it with the shared limiter for its
// (BaseURL, APIKey) pair and wiring a dedicated circuit breaker.
func New(cfg Config, reg *metrics.Registry) *Client {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	limiter := sharedLimiters.get(cfg.BaseURL, cfg.APIKey, cfg.RateLimitPerMin)
	c := &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: 120 * time.Second},
		limiter: limiter,
		breaker: resilience.NewBreaker(resilience.DefaultBreakerOpts),
		stats:   globalStats,
	}
	if reg != nil {
		c.callsCtr = reg.Counter("modelclient_calls_total", "total model calls attempted")
		c.tokensCtr = reg.Counter("modelclient_tokens_total", "total tokens consumed across model calls")
		c.errorsCtr = reg.Counter("modelclient_errors_total", "total model calls that exhausted retries")
	}
	return c
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	Temperature    float64        `json:"temperature"`
	ResponseFormat map[string]any `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int64 `json:"total_tokens"`
	} `json:"usage"`
}

// CallOpts configures a single chat completion request.
type CallOpts struct {
	Model        string
	SystemPrompt string
	Temperature  float64
	JSONMode     bool
}

// Call issues a chat completion request, retrying on transport/HTTP
// failure with a linear back-off (retryDelay * attempt) up to MaxRetries,
// and paced by the shared rate limiter and per-client circuit breaker. If
// JSONMode is set and the model's response is not valid JSON on the final
// attempt, ExtractJSON is used to salvage a JSON object before giving up.
func (c *Client) Call(ctx context.Context, prompt string, opts CallOpts) (string, error) {
	model := opts.Model
	if model == "" {
		model = c.cfg.Model
	}

	messages := make([]chatMessage, 0, 2)
	if opts.SystemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: opts.SystemPrompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: prompt})

	req := chatRequest{Model: model, Messages: messages, Temperature: opts.Temperature}
	if opts.JSONMode {
		req.ResponseFormat = map[string]any{"type": "json_object"}
	}

	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", err
		}

		if c.callsCtr != nil {
			c.callsCtr.Inc()
		}

		var content string
		var tokens int64
		callErr := c.breaker.Call(ctx, func(ctx context.Context) error {
			var err error
			content, tokens, err = c.doChat(ctx, req)
			return err
		})
		if callErr == nil {
			c.stats.track(model, tokens)
			if c.tokensCtr != nil {
				c.tokensCtr.Add(tokens)
			}
			if opts.JSONMode {
				if json.Valid([]byte(content)) {
					return content, nil
				}
				if attempt == c.cfg.MaxRetries-1 {
					salvaged, err := ExtractJSON(content)
					if err != nil {
						return "", err
					}
					return salvaged, nil
				}
				lastErr = domain.ErrModelFormat
				continue
			}
			return content, nil
		}

		lastErr = callErr
		if attempt < c.cfg.MaxRetries-1 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(c.cfg.RetryDelay * time.Duration(attempt+1)):
			}
		}
	}

	if c.errorsCtr != nil {
		c.errorsCtr.Inc()
	}
	return "", fmt.Errorf("model call failed after %d retries: %w", c.cfg.MaxRetries, lastErr)
}

func (c *Client) doChat(ctx context.Context, req chatRequest) (string, int64, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", 0, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", 0, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", 0, fmt.Errorf("chat request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("chat request: status %d", resp.StatusCode)
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", 0, fmt.Errorf("chat decode: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", 0, fmt.Errorf("chat response: no choices")
	}
	return out.Choices[0].Message.Content, out.Usage.TotalTokens, nil
}

var (
	fencedJSON = regexp.MustCompile(`(?s)` + "```json\\s*(\\{.*?\\})\\s*```")
	bareJSON   = regexp.MustCompile(`(?s)\{.*\}`)
)

// ExtractJSON tries to salvage a JSON object from free-form model output:
// first from a ```json fenced block, then from the first balanced-looking
// {...} span. It returns domain.ErrModelFormat if neither yields valid
// JSON.
func ExtractJSON(text string) (string, error) {
	if m := fencedJSON.FindStringSubmatch(text); m != nil {
		if json.Valid([]byte(m[1])) {
			return m[1], nil
		}
	}
	if m := bareJSON.FindString(text); m != "" {
		if json.Valid([]byte(m)) {
			return m, nil
		}
	}
	return "", domain.ErrModelFormat
}
