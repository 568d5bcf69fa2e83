package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Settings controls speech output of finished assistant replies.
type Settings struct {
	AutoPlay bool    `json:"autoPlay" yaml:"auto-play" mapstructure:"auto-play"`
	Voice    string  `json:"voice" yaml:"voice" mapstructure:"voice"`
	Rate     float64 `json:"rate" yaml:"rate" mapstructure:"rate"`
}

func DefaultSettings() Settings {
	return Settings{
		AutoPlay: false,
		Voice:    "default",
		Rate:     1.0,
	}
}

// Synthesizer turns final reply text into speech. Implementations own
// playback; callers only log failures.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, settings Settings) error
}

type NopSynthesizer struct{}

func (NopSynthesizer) Synthesize(context.Context, string, Settings) error { return nil }

var _ Synthesizer = NopSynthesizer{}

// HTTPSynthesizer posts {text, voice, rate} as JSON to URL.
type HTTPSynthesizer struct {
	URL    string
	Client *http.Client
}

var _ Synthesizer = (*HTTPSynthesizer)(nil)

func NewHTTPSynthesizer(url string) *HTTPSynthesizer {
	return &HTTPSynthesizer{
		URL:    url,
		Client: http.DefaultClient,
	}
}

type synthesizeRequest struct {
	Text  string  `json:"text"`
	Voice string  `json:"voice"`
	Rate  float64 `json:"rate"`
}

func (h *HTTPSynthesizer) Synthesize(ctx context.Context, text string, settings Settings) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	b, err := json.Marshal(synthesizeRequest{
		Text:  text,
		Voice: settings.Voice,
		Rate:  settings.Rate,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(b))
	if err != nil {
		return errors.Wrap(err, "failed to create synthesize request")
	}
	req.Header.Set("Content-Type", "application/json")

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrap(err, "synthesize request failed")
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("synthesizer returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	log.Debug().Str("voice", settings.Voice).Int("chars", len(text)).Msg("Submitted reply for synthesis")
	return nil
}
