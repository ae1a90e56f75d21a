package oracle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/mohammad-safakhou/autoresearch/internal/httpclient"
)

// Completion is one chat completion with its provider call id and usage.
type Completion struct {
	ID           string
	Content      string
	InputTokens  int64
	OutputTokens int64
}

// ChatClient talks to an OpenAI-compatible chat completions endpoint.
type ChatClient struct {
	api         *openai.Client
	http        *httpclient.Client // generation cost lookups
	model       string
	temperature float32
	maxTokens   int
	headers     map[string]string
}

type ChatOptions struct {
	BaseURL     string
	APIKey      string
	Model       string
	Timeout     time.Duration
	Temperature float64
	MaxTokens   int
	Referer     string
	Title       string
}

// headerTransport adds the OpenRouter attribution headers to every request.
type headerTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	return t.base.RoundTrip(req)
}

func NewChatClient(hc *httpclient.Client, opts ChatOptions) *ChatClient {
	extra := map[string]string{}
	if opts.Referer != "" {
		extra["HTTP-Referer"] = opts.Referer
	}
	if opts.Title != "" {
		extra["X-Title"] = opts.Title
	}
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	}
	cfg.HTTPClient = &http.Client{
		Timeout:   opts.Timeout,
		Transport: headerTransport{base: http.DefaultTransport, headers: extra},
	}

	headers := map[string]string{}
	for k, v := range extra {
		headers[k] = v
	}
	if opts.APIKey != "" {
		headers["Authorization"] = "Bearer " + opts.APIKey
	}
	return &ChatClient{
		api:         openai.NewClientWithConfig(cfg),
		http:        hc,
		model:       opts.Model,
		temperature: float32(opts.Temperature),
		maxTokens:   opts.MaxTokens,
		headers:     headers,
	}
}

func (c *ChatClient) Model() string { return c.model }

// Complete sends a system and user message. jsonMode requests a JSON object response.
func (c *ChatClient) Complete(ctx context.Context, system, user string, jsonMode bool) (Completion, error) {
	req := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	}
	if jsonMode {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}
	resp, err := c.api.CreateChatCompletion(ctx, req)
	if err != nil {
		return Completion{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Completion{}, errors.New("chat completion: no choices returned")
	}
	return Completion{
		ID:           resp.ID,
		Content:      resp.Choices[0].Message.Content,
		InputTokens:  int64(resp.Usage.PromptTokens),
		OutputTokens: int64(resp.Usage.CompletionTokens),
	}, nil
}

type generationResp struct {
	Data struct {
		TotalCost float64 `json:"total_cost"`
	} `json:"data"`
}

// lookupCost queries an OpenRouter-style generation endpoint: GET <url>?id=<id>.
func (c *ChatClient) lookupCost(ctx context.Context, endpoint, id string) (float64, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return 0, fmt.Errorf("cost lookup url: %w", err)
	}
	q := u.Query()
	q.Set("id", id)
	u.RawQuery = q.Encode()
	var out generationResp
	if err := c.http.DoJSON(ctx, http.MethodGet, u.String(), c.headers, nil, &out); err != nil {
		return 0, fmt.Errorf("cost lookup %s: %w", id, err)
	}
	return out.Data.TotalCost, nil
}
