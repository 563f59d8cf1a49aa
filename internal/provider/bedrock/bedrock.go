package bedrock

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/aice-dev/orchestrator/internal/domain"
	"github.com/aice-dev/orchestrator/internal/provider"
)

const (
	defaultModelID   = "anthropic.claude-3-5-haiku-20241022-v1:0"
	anthropicVersion = "bedrock-2023-05-31"
	defaultMaxTokens = 4096
)

type Adapter struct {
	client  *bedrockruntime.Client
	modelID string
}

func New(ctx context.Context, region, modelID string) (*Adapter, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewWithConfig(cfg, modelID), nil
}

func NewWithConfig(cfg aws.Config, modelID string) *Adapter {
	if modelID == "" {
		modelID = defaultModelID
	}
	return &Adapter{
		client:  bedrockruntime.NewFromConfig(cfg),
		modelID: modelID,
	}
}

func (a *Adapter) ID() string {
	return "bedrock"
}

func (a *Adapter) Invoke(ctx context.Context, req domain.Request) (*domain.Result, error) {
	body, err := json.Marshal(a.toModelRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	input := &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(a.modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	}

	output, err := a.client.InvokeModel(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("invoke model: %w", provider.NormalizeErr(err))
	}

	var resp modelResponse
	if err := json.Unmarshal(output.Body, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", domain.ErrProviderMalformed)
	}

	var content string
	for _, block := range resp.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}

	usage := domain.Usage{
		PromptTokens:     resp.Usage.InputTokens,
		CompletionTokens: resp.Usage.OutputTokens,
		TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
	}

	return provider.ParseResult(req.Capability, content, usage), nil
}

func (a *Adapter) Stream(ctx context.Context, req domain.Request) (<-chan domain.Chunk, <-chan error) {
	chunks := make(chan domain.Chunk)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		body, err := json.Marshal(a.toModelRequest(req))
		if err != nil {
			errs <- fmt.Errorf("marshal request: %w", err)
			return
		}

		input := &bedrockruntime.InvokeModelWithResponseStreamInput{
			ModelId:     aws.String(a.modelID),
			ContentType: aws.String("application/json"),
			Accept:      aws.String("application/json"),
			Body:        body,
		}

		output, err := a.client.InvokeModelWithResponseStream(ctx, input)
		if err != nil {
			errs <- fmt.Errorf("invoke model stream: %w", provider.NormalizeErr(err))
			return
		}

		stream := output.GetStream()
		defer stream.Close()

		index := 0
		for event := range stream.Events() {
			chunk, ok := event.(*types.ResponseStreamMemberChunk)
			if !ok {
				continue
			}

			var payload streamChunk
			if err := json.Unmarshal(chunk.Value.Bytes, &payload); err != nil {
				continue
			}

			switch payload.Type {
			case "content_block_delta":
				if payload.Delta == nil || payload.Delta.Text == "" {
					continue
				}
				select {
				case chunks <- domain.Chunk{Index: index, Content: payload.Delta.Text}:
					index++
				case <-ctx.Done():
					return
				}
			case "message_stop":
				return
			}
		}

		if err := stream.Err(); err != nil {
			errs <- fmt.Errorf("stream error: %w", provider.NormalizeErr(err))
		}
	}()

	return chunks, errs
}

type modelRequest struct {
	AnthropicVersion string    `json:"anthropic_version"`
	MaxTokens        int       `json:"max_tokens"`
	Messages         []message `json:"messages"`
	System           string    `json:"system,omitempty"`
	Temperature      *float64  `json:"temperature,omitempty"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type modelResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type streamChunk struct {
	Type  string `json:"type"`
	Delta *struct {
		Text string `json:"text"`
	} `json:"delta,omitempty"`
}

func (a *Adapter) toModelRequest(req domain.Request) modelRequest {
	system, user := provider.BuildPrompt(req)

	maxTokens := defaultMaxTokens
	if req.Options.MaxTokens != nil {
		maxTokens = *req.Options.MaxTokens
	}

	return modelRequest{
		AnthropicVersion: anthropicVersion,
		MaxTokens:        maxTokens,
		Messages:         []message{{Role: "user", Content: user}},
		System:           system,
		Temperature:      req.Options.Temperature,
	}
}
