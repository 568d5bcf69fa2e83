package ollama

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/go-go-golems/forkline/pkg/inference"
)

const maxErrorBody = 64 * 1024

// decodeError turns a non-2xx response into an APIError. It understands
// {"error": "..."} as sent by ollama, and {"detail": "..."} or
// {"detail": [{"loc": [...], "msg": "..."}]} as sent by proxies validating
// the request. Anything else falls back to the status text.
func decodeError(resp *http.Response) *inference.APIError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &inference.APIError{
		StatusCode: resp.StatusCode,
		Message:    errorMessageFromBody(resp.StatusCode, body),
	}
}

func errorMessageFromBody(status int, body []byte) string {
	fallback := http.StatusText(status)
	if fallback == "" {
		fallback = "request failed"
	}

	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return fallback
	}

	var payload struct {
		Error  json.RawMessage `json:"error"`
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return fallback
	}

	if msg := rawString(payload.Error); msg != "" {
		return msg
	}
	if msg := rawString(payload.Detail); msg != "" {
		return msg
	}

	var details []struct {
		Loc []interface{} `json:"loc"`
		Msg string        `json:"msg"`
	}
	if len(payload.Detail) > 0 && json.Unmarshal(payload.Detail, &details) == nil {
		msgs := make([]string, 0, len(details))
		for _, d := range details {
			if d.Msg != "" {
				msgs = append(msgs, d.Msg)
			}
		}
		if len(msgs) > 0 {
			return strings.Join(msgs, "; ")
		}
	}

	return fallback
}

func rawString(raw json.RawMessage) string {
	if len(raw) == 0 || raw[0] != '"' {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}
