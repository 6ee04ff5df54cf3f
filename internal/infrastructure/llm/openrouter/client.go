package openrouter

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/doublej/snail-mail-parser/internal/core/domain"
	"github.com/doublej/snail-mail-parser/internal/core/ports"
)

// Client talks to an OpenAI-compatible chat completions endpoint. A shared
// rate limiter keeps classification and merge-judgment calls inside the
// provider's request quota.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	limiter    *rate.Limiter
}

func New(baseURL, apiKey, model string, requestsPerMinute int) *Client {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 30
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{Timeout: 120 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60.0), 1),
	}
}

type Classifier struct {
	client *Client
}

func NewClassifier(client *Client) *Classifier {
	return &Classifier{client: client}
}

// Classify returns the parsed result plus the raw model output; the raw text
// goes into the audit log even when parsing fails.
func (c *Classifier) Classify(ctx context.Context, bundle ports.EvidenceBundle) (*domain.ClassificationResult, string, error) {
	raw, err := c.client.chatJSON(ctx, buildClassificationPrompt(bundle), "classify")
	if err != nil {
		return nil, raw, wrapTransientIfNeeded("classify session", err)
	}

	var result domain.ClassificationResult
	if err := json.Unmarshal([]byte(extractJSONObject(raw)), &result); err != nil {
		return nil, raw, domain.WrapError(domain.ErrSchemaValidation, "parse classification json", err)
	}
	return &result, raw, nil
}

// SameDocument asks whether two open sessions are pages of one physical item.
func (c *Classifier) SameDocument(ctx context.Context, a, b ports.EvidenceBundle) (bool, error) {
	raw, err := c.client.chatJSON(ctx, buildSameDocumentPrompt(a, b), "same_document")
	if err != nil {
		return false, wrapTransientIfNeeded("judge same document", err)
	}

	var verdict struct {
		SameDocument bool `json:"same_document"`
	}
	if err := json.Unmarshal([]byte(extractJSONObject(raw)), &verdict); err != nil {
		return false, domain.WrapError(domain.ErrSchemaValidation, "parse same-document json", err)
	}
	return verdict.SameDocument, nil
}

func (c *Client) chatJSON(ctx context.Context, prompt, operation string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	reqBody := map[string]any{
		"model": c.model,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
		"response_format": map[string]string{"type": "json_object"},
		"temperature":     0,
	}

	var response struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := c.postJSON(ctx, "/chat/completions", reqBody, &response, operation); err != nil {
		return "", err
	}
	if len(response.Choices) == 0 {
		return "", domain.WrapError(domain.ErrSchemaValidation, operation,
			errEmptyCompletion)
	}
	return strings.TrimSpace(response.Choices[0].Message.Content), nil
}

func extractJSONObject(raw string) string {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start >= 0 && end > start {
		return raw[start : end+1]
	}
	return raw
}
