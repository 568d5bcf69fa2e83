package ollama

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/jmorganca/ollama/api"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/forkline/pkg/inference"
)

func ndjsonHandler(t *testing.T, lines ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat", r.URL.Path)
		var req api.ChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.NotNil(t, req.Stream)
		require.True(t, *req.Stream)
		require.Len(t, req.Messages, 1)
		require.Equal(t, "user", req.Messages[0].Role)

		w.Header().Set("Content-Type", "application/x-ndjson")
		flusher := w.(http.Flusher)
		for _, l := range lines {
			_, _ = fmt.Fprintln(w, l)
			flusher.Flush()
		}
	}
}

func collect(t *testing.T, s inference.Stream) ([]string, error) {
	t.Helper()
	var ret []string
	for {
		frag, err := s.Recv()
		if err == io.EOF {
			return ret, nil
		}
		if err != nil {
			return ret, err
		}
		ret = append(ret, frag)
	}
}

var testRequest = inference.ChatRequest{
	Model:    "llama3",
	Messages: []inference.ChatMessage{{Role: "user", Content: "hi"}},
}

func TestStreamDecodesFragmentsAndSkipsMalformed(t *testing.T) {
	srv := httptest.NewServer(ndjsonHandler(t,
		`{"model":"llama3","message":{"role":"assistant","content":"Hel"},"done":false}`,
		``,
		`{this is not json`,
		`{"model":"llama3","message":{"role":"assistant","content":"lo"},"done":false}`,
		`{"model":"llama3","message":{"role":"assistant","content":""},"done":true,"done_reason":"stop"}`,
		`{"model":"llama3","message":{"role":"assistant","content":"ignored"},"done":false}`,
	))
	defer srv.Close()

	s, err := NewClient(srv.URL).Stream(context.Background(), testRequest)
	require.NoError(t, err)
	defer func() {
		_ = s.Close()
	}()

	frags, err := collect(t, s)
	require.NoError(t, err)
	assert.Equal(t, []string{"Hel", "lo"}, frags)
	assert.Equal(t, "llama3", s.(*StreamReader).Model())
}

func TestStreamWithoutDoneRecordEndsAtEOF(t *testing.T) {
	srv := httptest.NewServer(ndjsonHandler(t,
		`{"message":{"content":"partial"},"done":false}`,
	))
	defer srv.Close()

	s, err := NewClient(srv.URL).Stream(context.Background(), testRequest)
	require.NoError(t, err)
	defer func() {
		_ = s.Close()
	}()

	frags, err := collect(t, s)
	require.NoError(t, err)
	assert.Equal(t, []string{"partial"}, frags)
}

func TestStreamErrorRecord(t *testing.T) {
	srv := httptest.NewServer(ndjsonHandler(t,
		`{"message":{"content":"a"},"done":false}`,
		`{"error":"model ran out of memory"}`,
	))
	defer srv.Close()

	s, err := NewClient(srv.URL).Stream(context.Background(), testRequest)
	require.NoError(t, err)
	defer func() {
		_ = s.Close()
	}()

	frags, err := collect(t, s)
	assert.Equal(t, []string{"a"}, frags)
	var apiErr *inference.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "model ran out of memory", apiErr.Message)
}

func TestErrorPayloads(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"ollama", http.StatusNotFound, `{"error":"model 'nope' not found"}`, "model 'nope' not found"},
		{"detail string", http.StatusBadRequest, `{"detail":"Invalid model name"}`, "Invalid model name"},
		{"detail list", http.StatusUnprocessableEntity,
			`{"detail":[{"loc":["body","model"],"msg":"field required"},{"loc":["body","messages",0],"msg":"value too long"}]}`,
			"field required; value too long"},
		{"empty detail list", http.StatusUnprocessableEntity, `{"detail":[]}`, "Unprocessable Entity"},
		{"not json", http.StatusInternalServerError, `upstream exploded`, "Internal Server Error"},
		{"empty", http.StatusBadGateway, ``, "Bad Gateway"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = io.WriteString(w, tc.body)
			}))
			defer srv.Close()

			_, err := NewClient(srv.URL).Stream(context.Background(), testRequest)
			var apiErr *inference.APIError
			require.True(t, errors.As(err, &apiErr), "got %v", err)
			assert.Equal(t, tc.status, apiErr.StatusCode)
			assert.Equal(t, tc.want, apiErr.Message)

			_, err = NewClient(srv.URL).Complete(context.Background(), testRequest)
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, tc.want, apiErr.Message)
		})
	}
}

func TestCancelUnblocksPendingRead(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprintln(w, `{"message":{"content":"Hel"},"done":false}`)
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := NewClient(srv.URL).Stream(ctx, testRequest)
	require.NoError(t, err)
	defer func() {
		_ = s.Close()
	}()

	frag, err := s.Recv()
	require.NoError(t, err)
	assert.Equal(t, "Hel", frag)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Recv()
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("Recv did not return after cancel")
	}
}

func TestComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req api.ChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.NotNil(t, req.Stream)
		assert.False(t, *req.Stream)
		assert.Equal(t, 0.2, req.Options["temperature"])
		_, _ = io.WriteString(w, `{"model":"llama3","message":{"role":"assistant","content":"Hello there"},"done":true}`)
	}))
	defer srv.Close()

	req := testRequest
	req.Options = map[string]interface{}{"temperature": 0.2}
	out, err := NewClient(srv.URL).Complete(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "Hello there", out)
}

func TestListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/tags", r.URL.Path)
		require.Equal(t, http.MethodGet, r.Method)
		_, _ = io.WriteString(w, `{"models":[{"name":"llama3:8b","size":4661224676,"modified_at":"2024-05-01T10:00:00Z"},{"name":"mistral"}]}`)
	}))
	defer srv.Close()

	models, err := NewClient(srv.URL + "/").ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 2)
	assert.Equal(t, "llama3:8b", models[0].Name)
	assert.Equal(t, int64(4661224676), models[0].Size)
	assert.Equal(t, "2024-05-01T10:00:00Z", models[0].ModifiedAt)
	assert.Equal(t, "mistral", models[1].Name)
	assert.Empty(t, models[1].ModifiedAt)
}

func TestListModelsStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, `{"error":"registry unavailable"}`)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).ListModels(context.Background())
	var apiErr *inference.APIError
	require.True(t, errors.As(err, &apiErr), "got %v", err)
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
	assert.Equal(t, "registry unavailable", apiErr.Message)
}

func TestNewClientLeavesHostEnvUntouched(t *testing.T) {
	t.Setenv("OLLAMA_HOST", "http://elsewhere:1234")
	_ = NewClient("http://127.0.0.1:9")
	assert.Equal(t, "http://elsewhere:1234", os.Getenv("OLLAMA_HOST"))
}

func TestUnreachableServer(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewClient(url).Stream(context.Background(), testRequest)
	require.Error(t, err)
	var apiErr *inference.APIError
	assert.False(t, errors.As(err, &apiErr))
}
