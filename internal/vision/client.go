package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/warrencammack/Scouts-InventoryOrder-sub000/internal/config"
)

// ErrPermanent marks failures that a retry cannot fix: unreadable images,
// rejected requests and undecodable responses.
var ErrPermanent = errors.New("permanent recognizer error")

// StatusError is a non-2xx answer from the recognizer.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("recognizer status %d: %s", e.Code, e.Body)
}

func (e *StatusError) Retryable() bool {
	return isRetryableStatus(e.Code)
}

// Is reports non-retryable statuses as ErrPermanent.
func (e *StatusError) Is(target error) bool {
	return target == ErrPermanent && !e.Retryable()
}

type Request struct {
	ImagePath string
	Prompt    string
}

// Client talks to an Ollama compatible /api/chat endpoint.
type Client struct {
	cfg        config.Config
	httpClient *http.Client
	inFlight   *semaphore.Weighted
	pace       *pacer
}

type chatMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatResponse struct {
	Message *chatMessage `json:"message"`
	Error   string       `json:"error"`
}

func NewClient(cfg config.Config) *Client {
	inFlight := cfg.RecognizerMaxInFlight
	if inFlight < 1 {
		inFlight = 1
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{},
		inFlight:   semaphore.NewWeighted(int64(inFlight)),
		pace:       newPacer(cfg.RecognizerMinInterval),
	}
}

// Detect sends one image and returns the recognizer's raw text. Transient
// failures (timeouts, transport errors, 429 and 5xx) are retried
// RecognizerRetries times with backoff; everything else fails at once.
func (c *Client) Detect(ctx context.Context, req Request) (string, error) {
	img, err := PrepareImage(req.ImagePath, c.cfg.RecognizerMaxImageDim, c.cfg.RecognizerJPEGQuality)
	if err != nil {
		return "", err
	}

	body, err := json.Marshal(chatRequest{
		Model:    c.cfg.OllamaModel,
		Messages: []chatMessage{{Role: "user", Content: req.Prompt, Images: []string{base64.StdEncoding.EncodeToString(img)}}},
		Stream:   false,
	})
	if err != nil {
		return "", err
	}

	if err := c.inFlight.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer c.inFlight.Release(1)

	attempts := c.cfg.RecognizerRetries + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := c.pace.wait(ctx); err != nil {
			return "", err
		}
		start := time.Now()
		content, err := c.chat(ctx, body)
		if err == nil {
			log.Debug().Str("image", req.ImagePath).Int("attempt", attempt).Dur("took", time.Since(start)).Int("chars", len(content)).Msg("recognizer answered")
			return content, nil
		}
		lastErr = err

		if ctx.Err() != nil || !retryable(err) {
			return "", err
		}
		log.Warn().Err(err).Str("image", req.ImagePath).Int("attempt", attempt).Int("of", attempts).Msg("recognizer attempt failed")
		if attempt < attempts {
			if err := sleepCtx(ctx, c.backoff(attempt)); err != nil {
				return "", err
			}
		}
	}
	return "", fmt.Errorf("recognizer failed after %d attempts: %w", attempts, lastErr)
}

func (c *Client) chat(ctx context.Context, body []byte) (string, error) {
	attemptCtx := ctx
	if c.cfg.RecognizerTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, c.cfg.RecognizerTimeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, c.cfg.OllamaHost+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPermanent, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	blob, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &StatusError{Code: resp.StatusCode, Body: truncate(string(blob), 300)}
	}

	var out chatResponse
	if err := json.Unmarshal(blob, &out); err != nil {
		return "", fmt.Errorf("%w: undecodable response: %v", ErrPermanent, err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("%w: %s", ErrPermanent, out.Error)
	}
	if out.Message == nil {
		return "", nil
	}
	return out.Message.Content, nil
}

// Health checks that the recognizer is reachable and has the configured
// model pulled.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.OllamaHost+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &StatusError{Code: resp.StatusCode}
	}

	var tags struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return err
	}
	for _, m := range tags.Models {
		if m.Name == c.cfg.OllamaModel || strings.TrimSuffix(m.Name, ":latest") == c.cfg.OllamaModel {
			return nil
		}
	}
	return fmt.Errorf("model %s is not available on %s", c.cfg.OllamaModel, c.cfg.OllamaHost)
}

func (c *Client) backoff(attempt int) time.Duration {
	base := c.cfg.RecognizerBackoff
	if base <= 0 {
		return 0
	}
	d := base * time.Duration(1<<(attempt-1))
	return d + time.Duration(rand.Int64N(int64(base)/4+1))
}

func retryable(err error) bool {
	if errors.Is(err, ErrPermanent) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Retryable()
	}
	return true
}

func isRetryableStatus(status int) bool {
	switch status {
	case http.StatusRequestTimeout, http.StatusTooManyRequests, http.StatusInternalServerError,
		http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
