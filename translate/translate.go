// Package translate sends English C/C++ comments to an OpenAI-compatible
// chat completions endpoint and returns their translations. Comments are
// shipped as a numbered list and come back as a JSON array of strings, one
// element per comment, so the caller can map translations back onto the
// source spans without the model ever rewriting code.
package translate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// Defaults for the zhipu open platform, which serves the OpenAI chat
// completions shape.
const (
	DefaultBaseURL = "https://open.bigmodel.cn/api/paas/v4"
	DefaultModel   = "glm-4-flash"
	DefaultLang    = "Chinese"
)

// ErrAuthentication marks 401/403 responses. It is fatal: retrying or
// moving on to the next file cannot succeed with the same key.
var ErrAuthentication = errors.New("authentication failed")

// ErrRateLimited marks a 429 that survived all retries.
var ErrRateLimited = errors.New("rate limited")

// Client translates a batch of comment texts. Implementations must be safe
// for concurrent use by multiple workers.
type Client interface {
	Translate(ctx context.Context, texts []string) ([]string, error)
}

// ---------------------------------------------------------------------------
// Options
// ---------------------------------------------------------------------------

// Options configures an HTTP client. Zero values fall back to defaults.
type Options struct {
	APIKey  string
	BaseURL string
	Model   string

	// Language is the target language name used in the prompt.
	Language string

	Timeout    time.Duration
	MaxRetries int

	Log zerolog.Logger
}

func (o *Options) effectiveBaseURL() string {
	if o.BaseURL != "" {
		return strings.TrimRight(o.BaseURL, "/")
	}
	return DefaultBaseURL
}

func (o *Options) effectiveModel() string {
	if o.Model != "" {
		return o.Model
	}
	return DefaultModel
}

func (o *Options) effectiveLanguage() string {
	if o.Language != "" {
		return o.Language
	}
	return DefaultLang
}

func (o *Options) effectiveTimeout() time.Duration {
	if o.Timeout > 0 {
		return o.Timeout
	}
	return 120 * time.Second
}

func (o *Options) effectiveMaxRetries() int {
	if o.MaxRetries > 0 {
		return o.MaxRetries
	}
	return 3
}

// ---------------------------------------------------------------------------
// Rate limit state (global pause shared by parallel workers)
// ---------------------------------------------------------------------------

type rateLimitState struct {
	mu       sync.Mutex
	paused   int32 // atomic: 1 = paused
	pauseEnd time.Time
}

func (r *rateLimitState) isPaused() bool {
	return atomic.LoadInt32(&r.paused) == 1
}

func (r *rateLimitState) pause(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pauseEnd = time.Now().Add(d)
	atomic.StoreInt32(&r.paused, 1)
}

func (r *rateLimitState) unpause() {
	atomic.StoreInt32(&r.paused, 0)
}

// waitIfPaused blocks until the rate limit pause is over.
func (r *rateLimitState) waitIfPaused(ctx context.Context) error {
	for r.isPaused() {
		r.mu.Lock()
		remaining := time.Until(r.pauseEnd)
		r.mu.Unlock()
		if remaining <= 0 {
			r.unpause()
			return nil
		}
		wait := remaining
		if wait > 100*time.Millisecond {
			wait = 100 * time.Millisecond
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil
}

// parseRetryDelay extracts a retry delay from a 429 response body, looking
// for a RetryInfo detail. Defaults to 60s plus a buffer.
func parseRetryDelay(body []byte) time.Duration {
	const defaultDelay = 65 * time.Second

	var errResp struct {
		Error struct {
			Details []struct {
				Type       string `json:"@type"`
				RetryDelay string `json:"retryDelay"`
			} `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &errResp); err != nil {
		return defaultDelay
	}
	for _, detail := range errResp.Error.Details {
		if strings.Contains(detail.Type, "RetryInfo") && detail.RetryDelay != "" {
			d := strings.TrimSuffix(detail.RetryDelay, "s")
			if secs, err := strconv.ParseFloat(d, 64); err == nil {
				return time.Duration(secs*1000)*time.Millisecond + 5*time.Second
			}
		}
	}
	return defaultDelay
}

// ---------------------------------------------------------------------------
// Prompt construction and response parsing
// ---------------------------------------------------------------------------

const systemPromptTemplate = "You are a professional translator of C and C++ source code comments. " +
	"Translate each comment from English to {{targetLang}}. " +
	"Keep the comment delimiters (// or /* */) exactly as given, keep leading decoration such as '*' columns, " +
	"and never add or remove line breaks inside a comment. " +
	"Do not translate identifiers, code fragments, URLs, or license names. " +
	"Return only a JSON array of strings, one element per numbered comment, in the same order."

func systemPrompt(language string) string {
	return strings.ReplaceAll(systemPromptTemplate, "{{targetLang}}", language)
}

// buildUserPrompt numbers the comments so the model returns them in order.
func buildUserPrompt(texts []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Translate the following %d comments:\n\n", len(texts))
	for i, t := range texts {
		fmt.Fprintf(&b, "%d. %s\n\n", i+1, t)
	}
	fmt.Fprintf(&b, "Return a JSON array with exactly %d string elements.", len(texts))
	return b.String()
}

var markdownCodeBlock = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")

// parseTranslations extracts a JSON array of strings from the model output.
// Markdown fences and surrounding prose are tolerated; a wrong element
// count is not.
func parseTranslations(content string, expected int) ([]string, error) {
	content = strings.TrimSpace(content)

	if m := markdownCodeBlock.FindStringSubmatch(content); len(m) > 1 {
		content = m[1]
	}

	startIdx := strings.Index(content, "[")
	endIdx := strings.LastIndex(content, "]")
	if startIdx >= 0 && endIdx > startIdx {
		content = content[startIdx : endIdx+1]
	}

	var translations []string
	if err := json.Unmarshal([]byte(content), &translations); err != nil {
		return nil, fmt.Errorf("response is not a JSON string array: %w\nResponse: %s", err, truncate(content, 300))
	}
	if len(translations) != expected {
		return nil, fmt.Errorf("got %d translations, expected %d", len(translations), expected)
	}
	return translations, nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// ---------------------------------------------------------------------------
// Chat completions request/response
// ---------------------------------------------------------------------------

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	Stream      bool          `json:"stream"`
}

func buildChatRequest(model, system, user string) ([]byte, error) {
	return json.Marshal(chatRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: 0.3,
	})
}

// extractResponseText pulls choices[0].message.content, surfacing API-level
// errors carried in an otherwise well-formed body.
func extractResponseText(body []byte) (string, error) {
	var resp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("invalid JSON response: %w", err)
	}
	if resp.Error != nil && resp.Error.Message != "" {
		return "", fmt.Errorf("API error: %s", resp.Error.Message)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("response has no choices: %s", truncate(string(body), 500))
	}
	return resp.Choices[0].Message.Content, nil
}

// ---------------------------------------------------------------------------
// HTTP client
// ---------------------------------------------------------------------------

// HTTPClient is the synchronous Client. One request translates the comments
// of one file (or one chunk of a large file).
type HTTPClient struct {
	opts Options
	hc   *http.Client
	rl   *rateLimitState
}

// NewHTTPClient builds a synchronous client. The rate limit pause is shared
// across all goroutines using this client.
func NewHTTPClient(opts Options) *HTTPClient {
	return &HTTPClient{
		opts: opts,
		hc:   &http.Client{Timeout: opts.effectiveTimeout()},
		rl:   &rateLimitState{},
	}
}

// Translate sends texts and returns one translation per text, in order.
func (c *HTTPClient) Translate(ctx context.Context, texts []string) ([]string, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	body, err := buildChatRequest(c.opts.effectiveModel(),
		systemPrompt(c.opts.effectiveLanguage()), buildUserPrompt(texts))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	respBody, err := c.post(ctx, c.opts.effectiveBaseURL()+"/chat/completions", "application/json", body)
	if err != nil {
		return nil, err
	}

	text, err := extractResponseText(respBody)
	if err != nil {
		return nil, err
	}
	return parseTranslations(text, len(texts))
}

// post performs a request with retries. Transient transport failures and
// 5xx responses back off exponentially; 429 pauses every worker for the
// server-suggested delay; 401/403 fail immediately with ErrAuthentication.
func (c *HTTPClient) post(ctx context.Context, endpoint, contentType string, body []byte) ([]byte, error) {
	maxRetries := c.opts.effectiveMaxRetries()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.Reset()

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := c.rl.waitIfPaused(ctx); err != nil {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("creating request: %w", err)
		}
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("Authorization", "Bearer "+c.opts.APIKey)

		c.opts.Log.Debug().Str("endpoint", endpoint).Int("attempt", attempt+1).Msg("api request")

		resp, err := c.hc.Do(req)
		if err != nil {
			if attempt < maxRetries {
				if werr := sleepCtx(ctx, bo.NextBackOff()); werr != nil {
					return nil, werr
				}
				continue
			}
			return nil, fmt.Errorf("API request failed: %w", err)
		}

		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return nil, fmt.Errorf("%w: status %d: %s", ErrAuthentication, resp.StatusCode, truncate(string(respBody), 200))

		case resp.StatusCode == http.StatusTooManyRequests:
			delay := parseRetryDelay(respBody)
			c.opts.Log.Warn().Dur("delay", delay).Int("attempt", attempt+1).Msg("rate limited, pausing workers")
			c.rl.pause(delay)
			if attempt < maxRetries {
				if werr := sleepCtx(ctx, delay); werr != nil {
					return nil, werr
				}
				c.rl.unpause()
				continue
			}
			return nil, fmt.Errorf("%w after %d retries", ErrRateLimited, maxRetries)

		case resp.StatusCode >= 500:
			if attempt < maxRetries {
				if werr := sleepCtx(ctx, bo.NextBackOff()); werr != nil {
					return nil, werr
				}
				continue
			}
			return nil, fmt.Errorf("API returned status %d: %s", resp.StatusCode, truncate(string(respBody), 500))

		case resp.StatusCode != http.StatusOK:
			return nil, fmt.Errorf("API returned status %d: %s", resp.StatusCode, truncate(string(respBody), 500))
		}

		return respBody, nil
	}

	return nil, fmt.Errorf("exhausted all %d retries", maxRetries)
}

// get performs a GET with the same retry discipline as post.
func (c *HTTPClient) get(ctx context.Context, endpoint string) ([]byte, error) {
	maxRetries := c.opts.effectiveMaxRetries()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.Reset()

	for attempt := 0; attempt <= maxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, fmt.Errorf("creating request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.opts.APIKey)

		resp, err := c.hc.Do(req)
		if err != nil {
			if attempt < maxRetries {
				if werr := sleepCtx(ctx, bo.NextBackOff()); werr != nil {
					return nil, werr
				}
				continue
			}
			return nil, fmt.Errorf("API request failed: %w", err)
		}

		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return nil, fmt.Errorf("%w: status %d", ErrAuthentication, resp.StatusCode)
		}
		if resp.StatusCode >= 500 && attempt < maxRetries {
			if werr := sleepCtx(ctx, bo.NextBackOff()); werr != nil {
				return nil, werr
			}
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("API returned status %d: %s", resp.StatusCode, truncate(string(respBody), 500))
		}
		return respBody, nil
	}

	return nil, fmt.Errorf("exhausted all %d retries", maxRetries)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
