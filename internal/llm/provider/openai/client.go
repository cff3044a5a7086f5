package openai

import (
	"fmt"
	"net/http"
	"os"
)

// Package openai drives the OpenAI chat/completions API as an alternative
// transport for investigation sessions.
//
// Responsibilities:
//   - Stream assistant turns with function calling (tool use)
//   - Reassemble streamed tool_call argument fragments by index
//   - Report per-turn usage (stream_options.include_usage)
//   - Classify connection errors, truncated streams, 429 and 5xx as
//     retryable transport failures
//
// Supported Models:
//   - gpt-4o: default, fast, moderate cost
//   - gpt-4-turbo: 128k context
//   - any compatible endpoint via OPENAI_BASE_URL

const (
	DefaultBaseURL   = "https://api.openai.com/v1"
	DefaultModel     = "gpt-4o"
	DefaultMaxTokens = 4096
)

// Client implements the tool loop against the OpenAI chat completions API.
type Client struct {
	apiKey     string
	model      string
	maxTokens  int
	baseURL    string
	httpClient *http.Client
}

type openAITool struct {
	Type     string                   `json:"type"`
	Function openAIFunctionDefinition `json:"function"`
}

type openAIFunctionDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// NewClient creates a new OpenAI client. An empty apiKey falls back to
// OPENAI_API_KEY.
func NewClient(apiKey, model string) (*Client, error) {
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("OpenAI API key is required")
		}
	}

	if model == "" {
		model = DefaultModel
	}

	baseURL := os.Getenv("OPENAI_BASE_URL")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	return &Client{
		apiKey:     apiKey,
		model:      model,
		maxTokens:  DefaultMaxTokens,
		baseURL:    baseURL,
		httpClient: &http.Client{},
	}, nil
}

func (c *Client) Name() string  { return "openai" }
func (c *Client) Model() string { return c.model }

// SetBaseURL overrides the API base URL.
func (c *Client) SetBaseURL(url string) { c.baseURL = url }
