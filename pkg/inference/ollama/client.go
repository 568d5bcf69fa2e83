package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/jmorganca/ollama/api"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/forkline/pkg/inference"
)

const DefaultBaseURL = "http://localhost:11434"

// Client speaks the ollama chat protocol. It sets no timeouts; requests are
// bounded by their context only.
//
// Chat requests go over HTTPClient so that malformed stream records and
// proxy error payloads can be handled; the model catalog is read through the
// ollama api client.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client

	api    *api.Client
	apiErr error
}

var (
	_ inference.Engine      = (*Client)(nil)
	_ inference.ModelLister = (*Client)(nil)
)

func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	ret := &Client{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{},
	}
	ret.api, ret.apiErr = newAPIClient(baseURL)
	if ret.apiErr != nil {
		log.Warn().Err(ret.apiErr).Str("base_url", baseURL).Msg("Failed to create ollama api client")
	}
	return ret
}

var hostEnvMu sync.Mutex

// newAPIClient builds an api.Client for baseURL. The api package only takes
// its address from OLLAMA_HOST.
func newAPIClient(baseURL string) (*api.Client, error) {
	hostEnvMu.Lock()
	defer hostEnvMu.Unlock()

	prev, had := os.LookupEnv("OLLAMA_HOST")
	if err := os.Setenv("OLLAMA_HOST", baseURL); err != nil {
		return nil, errors.Wrap(err, "failed to set OLLAMA_HOST")
	}
	defer func() {
		if had {
			_ = os.Setenv("OLLAMA_HOST", prev)
		} else {
			_ = os.Unsetenv("OLLAMA_HOST")
		}
	}()

	return api.ClientFromEnvironment()
}

func (c *Client) do(ctx context.Context, method string, path string, body interface{}) (*http.Response, error) {
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal request")
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, errors.Wrapf(err, "%s %s failed", method, path)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer func() {
			_ = resp.Body.Close()
		}()
		return nil, decodeError(resp)
	}
	return resp, nil
}

func (c *Client) Stream(ctx context.Context, req inference.ChatRequest) (inference.Stream, error) {
	log.Debug().Str("inference_id", inference.InferenceIDFromContext(ctx)).Str("model", req.Model).Int("messages", len(req.Messages)).Msg("Starting chat stream")
	resp, err := c.do(ctx, http.MethodPost, "/api/chat", newChatRequest(req, true))
	if err != nil {
		return nil, err
	}
	return NewStreamReader(ctx, resp.Body), nil
}

func (c *Client) Complete(ctx context.Context, req inference.ChatRequest) (string, error) {
	log.Debug().Str("inference_id", inference.InferenceIDFromContext(ctx)).Str("model", req.Model).Int("messages", len(req.Messages)).Msg("Starting chat completion")
	resp, err := c.do(ctx, http.MethodPost, "/api/chat", newChatRequest(req, false))
	if err != nil {
		return "", err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	var record chatRecord
	if err := json.NewDecoder(resp.Body).Decode(&record); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", errors.Wrap(err, "failed to decode chat response")
	}
	if record.Error != "" {
		return "", &inference.APIError{StatusCode: resp.StatusCode, Message: record.Error}
	}
	return record.content(), nil
}

// ListModels returns the locally available models.
func (c *Client) ListModels(ctx context.Context) ([]inference.ModelInfo, error) {
	if c.apiErr != nil {
		return nil, c.apiErr
	}
	resp, err := c.api.List(ctx)
	if err != nil {
		return nil, convertError(ctx, err)
	}
	ret := make([]inference.ModelInfo, 0, len(resp.Models))
	for _, m := range resp.Models {
		info := inference.ModelInfo{
			Name: m.Name,
			Size: m.Size,
		}
		if !m.ModifiedAt.IsZero() {
			info.ModifiedAt = m.ModifiedAt.Format(time.RFC3339)
		}
		ret = append(ret, info)
	}
	return ret, nil
}

// convertError maps errors of the api client onto inference errors.
func convertError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var statusErr api.StatusError
	if errors.As(err, &statusErr) {
		return &inference.APIError{StatusCode: statusErr.StatusCode, Message: statusErr.ErrorMessage}
	}
	return errors.Wrap(err, "failed to list models")
}
