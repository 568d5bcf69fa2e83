package ollama

import (
	"bufio"
	"context"
	"encoding/json"
	"io"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/forkline/pkg/inference"
)

// StreamReader decodes the NDJSON body of a streamed /api/chat response
// into api.ChatResponse records. Empty and malformed lines are skipped
// (api.Client.Chat aborts the stream on them).
type StreamReader struct {
	ctx    context.Context
	body   io.ReadCloser
	reader *bufio.Reader
	done   bool
	model  string
}

var _ inference.Stream = (*StreamReader)(nil)

func NewStreamReader(ctx context.Context, body io.ReadCloser) *StreamReader {
	return &StreamReader{
		ctx:    ctx,
		body:   body,
		reader: bufio.NewReader(body),
	}
}

// Recv returns the next non-empty content fragment, or io.EOF once the
// final record was read. When ctx is cancelled the context error is
// returned; any other read failure is returned as is.
func (s *StreamReader) Recv() (string, error) {
	for {
		if s.done {
			return "", io.EOF
		}

		line, err := s.reader.ReadBytes('\n')
		if err != nil {
			if ctxErr := s.ctx.Err(); ctxErr != nil {
				return "", ctxErr
			}
			if err == io.EOF {
				s.done = true
				if len(line) == 0 {
					return "", io.EOF
				}
			} else {
				return "", err
			}
		}

		content, ok, err := s.decodeLine(line)
		if err != nil {
			return "", err
		}
		if ok && content != "" {
			return content, nil
		}
	}
}

func (s *StreamReader) decodeLine(line []byte) (string, bool, error) {
	if len(line) == 0 {
		return "", false, nil
	}

	var record chatRecord
	if err := json.Unmarshal(line, &record); err != nil {
		log.Debug().Err(err).Int("bytes", len(line)).Msg("Skipping malformed stream record")
		return "", false, nil
	}
	if record.Error != "" {
		return "", false, &inference.APIError{Message: record.Error}
	}
	if record.Model != "" {
		s.model = record.Model
	}
	if record.Done {
		s.done = true
		log.Trace().Str("model", s.model).Str("done_reason", record.DoneReason).Msg("Stream finished")
	}
	return record.content(), true, nil
}

// Model is the model name reported by the stream, once known.
func (s *StreamReader) Model() string {
	return s.model
}

func (s *StreamReader) Close() error {
	return s.body.Close()
}
