package summarizer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/helixir/research-tracker/internal/domain"
	"github.com/helixir/research-tracker/internal/papersources"
)

// Default values for the Azure OpenAI summarizer.
const (
	defaultAzureAPIVersion  = "2024-02-15-preview"
	defaultAzureTemperature = 0.7
	defaultAzureMaxTokens   = 1000
	defaultAzureTimeout     = 60 * time.Second

	azureSource = "azure_openai"
)

// AzureConfig holds the parameters needed to create an AzureOpenAI summarizer.
type AzureConfig struct {
	// Endpoint is the resource endpoint, e.g. https://name.openai.azure.com.
	Endpoint string
	// Deployment is the chat model deployment name.
	Deployment string
	// APIVersion is the REST API version.
	APIVersion string
	// APIKey is sent in the api-key header.
	APIKey string
	// Temperature is the sampling temperature.
	Temperature float64
	// MaxTokens caps the completion length.
	MaxTokens int
	// Timeout is the per-request timeout.
	Timeout time.Duration
	// Observer receives request telemetry; may be nil.
	Observer papersources.RequestObserver
	// Transport overrides the HTTP transport.
	Transport http.RoundTripper
	// Sleep replaces the real sleep between retries.
	Sleep papersources.SleepFunc
}

type chatRequest struct {
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
}

type azureErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"error"`
}

// AzureOpenAI implements Summarizer with the Azure OpenAI chat completions API.
type AzureOpenAI struct {
	client      *papersources.HTTPClient
	endpoint    string
	temperature float64
	maxTokens   int
}

// NewAzureOpenAI creates an Azure OpenAI summarizer. Transient failures are
// retried by the shared provider HTTP client.
func NewAzureOpenAI(cfg AzureConfig) (*AzureOpenAI, error) {
	if cfg.Endpoint == "" {
		return nil, domain.NewValidationError("summarizer.endpoint", "endpoint is required")
	}
	if cfg.Deployment == "" {
		return nil, domain.NewValidationError("summarizer.deployment", "deployment is required")
	}
	if cfg.APIKey == "" {
		return nil, domain.NewValidationError("summarizer.api_key", "api key is required")
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = defaultAzureAPIVersion
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = defaultAzureTemperature
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultAzureMaxTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultAzureTimeout
	}

	endpoint := fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
		strings.TrimRight(cfg.Endpoint, "/"),
		url.PathEscape(cfg.Deployment),
		url.QueryEscape(cfg.APIVersion),
	)

	return &AzureOpenAI{
		client: papersources.NewHTTPClient(papersources.HTTPClientConfig{
			Source:       azureSource,
			Timeout:      cfg.Timeout,
			APIKey:       cfg.APIKey,
			APIKeyHeader: "api-key",
			Observer:     cfg.Observer,
			Transport:    cfg.Transport,
			Sleep:        cfg.Sleep,
		}),
		endpoint:    endpoint,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
	}, nil
}

// Summarize implements Summarizer.
func (a *AzureOpenAI) Summarize(ctx context.Context, in Input) (*Summary, error) {
	system, user := BuildPrompt(in)

	body, err := json.Marshal(chatRequest{
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: a.temperature,
		MaxTokens:   a.maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("azure openai: failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("azure openai: failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, domain.NewExternalAPIError(azureSource, 0, "request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("azure openai: failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, parseAzureError(resp.StatusCode, respBody)
	}

	var chatResp chatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return nil, fmt.Errorf("azure openai: failed to unmarshal response: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return nil, fmt.Errorf("azure openai: empty choices in response")
	}

	content := strings.TrimSpace(chatResp.Choices[0].Message.Content)
	if content == "" {
		return nil, fmt.Errorf("azure openai: empty completion")
	}

	summary := SplitResponse(content)
	return &summary, nil
}

func parseAzureError(statusCode int, body []byte) error {
	msg := string(body)
	var errResp azureErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		msg = errResp.Error.Message
		if errResp.Error.Code != "" {
			msg = errResp.Error.Code + ": " + msg
		}
	}
	return domain.NewExternalAPIError(azureSource, statusCode, msg, nil)
}
