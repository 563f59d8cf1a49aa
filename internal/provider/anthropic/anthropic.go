package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/aice-dev/orchestrator/internal/domain"
	"github.com/aice-dev/orchestrator/internal/provider"
)

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	defaultModel     = "claude-3-5-haiku-20241022"
	anthropicVersion = "2023-06-01"
	defaultMaxTokens = 4096
)

type Adapter struct {
	apiKey  string
	baseURL string
	model   string
	client  *http.Client
}

func New(apiKey, model string, client *http.Client) *Adapter {
	if model == "" {
		model = defaultModel
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Adapter{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		model:   model,
		client:  client,
	}
}

func (a *Adapter) ID() string {
	return "anthropic"
}

func (a *Adapter) Invoke(ctx context.Context, req domain.Request) (*domain.Result, error) {
	body, err := json.Marshal(a.toMessagesRequest(req, false))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	resp, err := a.post(ctx, body)
	if err != nil {
		return nil, provider.NormalizeErr(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("anthropic status %d: %w", resp.StatusCode, provider.NormalizeStatus(resp.StatusCode))
	}

	var msgResp messagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&msgResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", domain.ErrProviderMalformed)
	}

	var content string
	for _, block := range msgResp.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}

	usage := domain.Usage{
		PromptTokens:     msgResp.Usage.InputTokens,
		CompletionTokens: msgResp.Usage.OutputTokens,
		TotalTokens:      msgResp.Usage.InputTokens + msgResp.Usage.OutputTokens,
	}

	return provider.ParseResult(req.Capability, content, usage), nil
}

func (a *Adapter) Stream(ctx context.Context, req domain.Request) (<-chan domain.Chunk, <-chan error) {
	chunks := make(chan domain.Chunk)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		body, err := json.Marshal(a.toMessagesRequest(req, true))
		if err != nil {
			errs <- fmt.Errorf("marshal request: %w", err)
			return
		}

		resp, err := a.post(ctx, body)
		if err != nil {
			errs <- provider.NormalizeErr(err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			io.Copy(io.Discard, resp.Body)
			errs <- fmt.Errorf("anthropic status %d: %w", resp.StatusCode, provider.NormalizeStatus(resp.StatusCode))
			return
		}

		index := 0
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}

			var event streamEvent
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
				continue
			}

			switch event.Type {
			case "content_block_delta":
				if event.Delta == nil || event.Delta.Text == "" {
					continue
				}
				select {
				case chunks <- domain.Chunk{Index: index, Content: event.Delta.Text}:
					index++
				case <-ctx.Done():
					return
				}
			case "message_stop":
				return
			}
		}

		if err := scanner.Err(); err != nil {
			errs <- provider.NormalizeErr(err)
		}
	}()

	return chunks, errs
}

func (a *Adapter) post(ctx context.Context, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	return a.client.Do(httpReq)
}

type messagesRequest struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	System      string    `json:"system,omitempty"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature *float64  `json:"temperature,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type streamEvent struct {
	Type  string `json:"type"`
	Delta *struct {
		Text string `json:"text"`
	} `json:"delta,omitempty"`
}

func (a *Adapter) toMessagesRequest(req domain.Request, stream bool) messagesRequest {
	system, user := provider.BuildPrompt(req)

	maxTokens := defaultMaxTokens
	if req.Options.MaxTokens != nil {
		maxTokens = *req.Options.MaxTokens
	}

	return messagesRequest{
		Model:       a.model,
		Messages:    []message{{Role: "user", Content: user}},
		System:      system,
		MaxTokens:   maxTokens,
		Temperature: req.Options.Temperature,
		Stream:      stream,
	}
}
