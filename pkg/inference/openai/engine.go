package openai

import (
	"context"
	"io"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	go_openai "github.com/sashabaranov/go-openai"

	"github.com/go-go-golems/forkline/pkg/inference"
)

// Engine talks to an OpenAI compatible chat completions endpoint.
type Engine struct {
	client *go_openai.Client
}

var (
	_ inference.Engine      = (*Engine)(nil)
	_ inference.ModelLister = (*Engine)(nil)
)

func NewEngine(baseURL string, apiKey string) *Engine {
	config := go_openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &Engine{client: go_openai.NewClientWithConfig(config)}
}

func makeRequest(req inference.ChatRequest, stream bool) go_openai.ChatCompletionRequest {
	msgs := make([]go_openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, go_openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}
	ret := go_openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: msgs,
		Stream:   stream,
	}
	if v, ok := floatOption(req.Options, "temperature"); ok {
		ret.Temperature = float32(v)
	}
	if v, ok := floatOption(req.Options, "top_p"); ok {
		ret.TopP = float32(v)
	}
	if v, ok := floatOption(req.Options, "max_tokens"); ok {
		ret.MaxTokens = int(v)
	} else if v, ok := floatOption(req.Options, "num_predict"); ok {
		ret.MaxTokens = int(v)
	}
	return ret
}

func floatOption(options map[string]interface{}, key string) (float64, bool) {
	switch v := options[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

// convertError maps go-openai errors onto inference.APIError.
func convertError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var apiErr *go_openai.APIError
	if errors.As(err, &apiErr) {
		return &inference.APIError{StatusCode: apiErr.HTTPStatusCode, Message: apiErr.Message}
	}
	var reqErr *go_openai.RequestError
	if errors.As(err, &reqErr) {
		msg := ""
		if reqErr.Err != nil {
			msg = reqErr.Err.Error()
		}
		return &inference.APIError{StatusCode: reqErr.HTTPStatusCode, Message: msg}
	}
	return err
}

func (e *Engine) Stream(ctx context.Context, req inference.ChatRequest) (inference.Stream, error) {
	log.Debug().Str("inference_id", inference.InferenceIDFromContext(ctx)).Str("conversation_id", inference.ConversationIDFromContext(ctx)).Str("model", req.Model).Int("messages", len(req.Messages)).Msg("OpenAI starting stream")
	stream, err := e.client.CreateChatCompletionStream(ctx, makeRequest(req, true))
	if err != nil {
		log.Debug().Err(err).Msg("OpenAI streaming request failed")
		return nil, convertError(ctx, err)
	}
	return &chatStream{ctx: ctx, stream: stream}, nil
}

func (e *Engine) Complete(ctx context.Context, req inference.ChatRequest) (string, error) {
	resp, err := e.client.CreateChatCompletion(ctx, makeRequest(req, false))
	if err != nil {
		return "", convertError(ctx, err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("no choices returned")
	}
	return resp.Choices[0].Message.Content, nil
}

func (e *Engine) ListModels(ctx context.Context) ([]inference.ModelInfo, error) {
	models, err := e.client.ListModels(ctx)
	if err != nil {
		return nil, convertError(ctx, err)
	}
	ret := make([]inference.ModelInfo, 0, len(models.Models))
	for _, m := range models.Models {
		ret = append(ret, inference.ModelInfo{Name: m.ID, Family: m.OwnedBy})
	}
	return ret, nil
}

type chatStream struct {
	ctx    context.Context
	stream *go_openai.ChatCompletionStream
}

func (s *chatStream) Recv() (string, error) {
	for {
		response, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			return "", io.EOF
		}
		if err != nil {
			return "", convertError(s.ctx, err)
		}
		if len(response.Choices) == 0 {
			continue
		}
		if delta := response.Choices[0].Delta.Content; delta != "" {
			return delta, nil
		}
	}
}

func (s *chatStream) Close() error {
	s.stream.Close()
	return nil
}
