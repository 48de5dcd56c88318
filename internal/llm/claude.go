// Package llm composes Anthropic Messages API calls and interprets the replies.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"xllm-go/internal/config"
	"xllm-go/internal/model"
)

// APIVersion is sent as the anthropic-version header.
const APIVersion = "2023-06-01"

var (
	// ErrInvalidModel is returned for an unknown model alias.
	ErrInvalidModel = errors.New("invalid model")
	// ErrAPI wraps non-2xx replies from the provider.
	ErrAPI = errors.New("API request failed")
	// ErrEmptyResponse is returned when the reply carries no text content.
	ErrEmptyResponse = errors.New("no content in response")
)

// models maps CLI aliases to provider model IDs.
var models = map[string]string{
	"opus4":   "claude-opus-4-20250514",
	"sonnet4": "claude-sonnet-4-20250514",
	"sonnet3": "claude-3-7-sonnet-latest",
	"haiku3":  "claude-3-5-haiku-latest",
}

// Aliases returns the accepted model aliases in sorted order.
func Aliases() []string {
	out := make([]string, 0, len(models))
	for k := range models {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ParseModel resolves a model alias. An empty alias returns "" so the
// configured default applies.
func ParseModel(alias string) (string, error) {
	if alias == "" {
		return "", nil
	}
	id, ok := models[strings.ToLower(alias)]
	if !ok {
		return "", fmt.Errorf("%w %q (available: %s)", ErrInvalidModel, alias, strings.Join(Aliases(), ", "))
	}
	return id, nil
}

// APIError is a non-2xx reply from the provider.
type APIError struct {
	Status  int
	Type    string
	Message string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("%s (HTTP %d): %s: %s", ErrAPI, e.Status, e.Type, e.Message)
	}
	return fmt.Sprintf("%s (HTTP %d): %s", ErrAPI, e.Status, e.Message)
}

// Unwrap lets errors.Is match ErrAPI.
func (e *APIError) Unwrap() error { return ErrAPI }

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// MessagesRequest is the Messages API request body.
type MessagesRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	Messages  []Message `json:"messages"`
}

// ContentBlock is one block of a Messages API reply.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// MessagesResponse is the part of the Messages API reply xllm reads.
type MessagesResponse struct {
	Content    []ContentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
}

type errorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Sender delivers a request. relayclient's clients satisfy it.
type Sender interface {
	Do(ctx context.Context, req *model.Request) (*model.Response, error)
}

// Options override the configured defaults for one call. Zero values keep the
// configured value.
type Options struct {
	Model     string
	MaxTokens int
}

// Client composes Messages API calls from a ClaudeConfig.
type Client struct {
	cfg    config.ClaudeConfig
	sender Sender
}

// NewClient creates a Client.
func NewClient(cfg config.ClaudeConfig, sender Sender) *Client {
	return &Client{cfg: cfg, sender: sender}
}

// BuildRequest composes the outbound request for prompt.
func (c *Client) BuildRequest(prompt string, opts Options) (*model.Request, error) {
	body := MessagesRequest{
		Model:     c.cfg.Model,
		MaxTokens: c.cfg.MaxTokens,
		Messages:  []Message{{Role: "user", Content: prompt}},
	}
	if opts.Model != "" {
		body.Model = opts.Model
	}
	if opts.MaxTokens > 0 {
		body.MaxTokens = opts.MaxTokens
	}
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	h := model.Header{}
	h.Set("content-type", "application/json")
	h.Set("x-api-key", c.cfg.AnthropicAPIKey)
	h.Set("anthropic-version", APIVersion)

	return model.NewRequest(string(model.MethodPost), strings.TrimRight(c.cfg.URL, "/")+"/v1/messages", h, b)
}

// Complete sends prompt and returns the concatenated text of the reply.
func (c *Client) Complete(ctx context.Context, prompt string, opts Options) (string, error) {
	req, err := c.BuildRequest(prompt, opts)
	if err != nil {
		return "", err
	}
	resp, err := c.sender.Do(ctx, req)
	if err != nil {
		return "", err
	}
	return ParseResponse(resp)
}

// ParseResponse extracts the text content of a Messages API reply.
func ParseResponse(resp *model.Response) (string, error) {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(resp.Body))}
		var doc errorResponse
		if json.Unmarshal(resp.Body, &doc) == nil && doc.Error.Message != "" {
			apiErr.Type = doc.Error.Type
			apiErr.Message = doc.Error.Message
		}
		return "", apiErr
	}

	var out MessagesResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return "", fmt.Errorf("parse response: %w", err)
	}
	var sb strings.Builder
	for _, blk := range out.Content {
		if blk.Type != "" && blk.Type != "text" {
			continue
		}
		sb.WriteString(blk.Text)
	}
	if sb.Len() == 0 {
		return "", ErrEmptyResponse
	}
	return sb.String(), nil
}

// BuildPrompt appends file content to prompt as a fenced block.
func BuildPrompt(prompt, fileContent string) string {
	if fileContent == "" {
		return prompt
	}
	return prompt + "\n\nFile content:\n```\n" + fileContent + "\n```"
}
