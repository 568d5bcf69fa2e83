package session

import (
	"context"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/forkline/pkg/agent"
	"github.com/go-go-golems/forkline/pkg/conversation"
	"github.com/go-go-golems/forkline/pkg/events"
	"github.com/go-go-golems/forkline/pkg/helpers"
	"github.com/go-go-golems/forkline/pkg/inference"
	"github.com/go-go-golems/forkline/pkg/store"
	"github.com/go-go-golems/forkline/pkg/voice"
)

const (
	// CancelledMarker replaces the content of a generation the user cancelled.
	CancelledMarker = "[Generation cancelled]"
	// InterruptedNote is appended to the partial content of a broken stream.
	InterruptedNote = "[connection interrupted, response may be incomplete]"
)

var (
	ErrAlreadyActive  = errors.New("a generation is already in flight")
	ErrEmptyPrompt    = errors.New("prompt is empty")
	ErrNotRegenerable = errors.New("message cannot be regenerated")
	ErrNoActive       = errors.New("no generation in flight")
)

type State string

const (
	StateIdle       State = "idle"
	StateRequesting State = "requesting"
	StateStreaming  State = "streaming"
	StateCompleted  State = "completed"
	StateCancelled  State = "cancelled"
	StateFailed     State = "failed"
)

// Config holds the generation parameters used when the conversation does not
// override them.
type Config struct {
	Model   string
	Stream  bool
	Options map[string]interface{}
}

// Controller runs generations against the active conversation of a store.
//
// It owns the invariant that at most one generation is in flight across the
// whole process, regardless of the conversation it belongs to.
type Controller struct {
	store    *store.Store
	engine   inference.Engine
	composer agent.Composer
	voice    voice.Synthesizer
	sink     events.EventSink
	config   Config

	mu     sync.Mutex
	active *ExecutionHandle
	state  State
}

type Option func(*Controller)

func WithComposer(composer agent.Composer) Option {
	return func(c *Controller) {
		c.composer = composer
	}
}

func WithSynthesizer(s voice.Synthesizer) Option {
	return func(c *Controller) {
		c.voice = s
	}
}

func WithEventSink(sink events.EventSink) Option {
	return func(c *Controller) {
		c.sink = sink
	}
}

func WithConfig(config Config) Option {
	return func(c *Controller) {
		c.config = config
	}
}

func NewController(st *store.Store, engine inference.Engine, options ...Option) *Controller {
	ret := &Controller{
		store:  st,
		engine: engine,
		voice:  voice.NopSynthesizer{},
		sink:   events.NopSink{},
		config: Config{Stream: true},
		state:  StateIdle,
	}
	for _, o := range options {
		o(ret)
	}
	return ret
}

// IsGenerating reports whether a generation is in flight.
func (c *Controller) IsGenerating() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != nil
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Send appends userText to the active branch, followed by an empty streaming
// assistant placeholder, and starts generating the reply in the background.
// A conversation is created first when none is active. The generation lives
// until ctx is cancelled, Cancel is called, or the reply is complete.
func (c *Controller) Send(ctx context.Context, userText string) (*ExecutionHandle, error) {
	if strings.TrimSpace(userText) == "" {
		log.Debug().Msg("Ignoring empty prompt")
		return nil, ErrEmptyPrompt
	}
	if ctx == nil {
		ctx = context.Background()
	}

	inferenceID := uuid.NewString()
	runCtx, cancel := context.WithCancel(ctx)
	h := newExecutionHandle(inferenceID, cancel)

	c.mu.Lock()
	if c.active != nil {
		c.mu.Unlock()
		cancel()
		log.Debug().Str("active_inference_id", inferenceID).Msg("Rejecting send, generation already in flight")
		return nil, ErrAlreadyActive
	}
	c.active = h
	c.mu.Unlock()

	convID := c.store.ActiveConversationID()
	if convID == "" {
		convID = c.store.CreateConversation(c.config.Model, nil)
	}
	c.store.AddMessage(conversation.RoleUser, userText)

	conv, ok := c.store.ActiveConversation()
	if !ok {
		// the conversation vanished between the calls above
		c.release(h)
		h.setResult(OutcomeFailed, errors.New("no active conversation"))
		return nil, errors.New("no active conversation")
	}
	history := conversation.VisiblePath(conv, conv.ActiveBranchID)
	placeholderID := c.store.AddMessage(conversation.RoleAssistant, "", conversation.WithStreaming(true))

	h.ConversationID = conv.ID
	h.PlaceholderID = placeholderID

	model := conv.Model
	if model == "" {
		model = c.config.Model
	}
	req := inference.ChatRequest{
		Model:    model,
		Messages: c.buildMessages(ctx, conv, history),
		Options:  c.config.Options,
	}
	meta := events.EventMetadata{
		ConversationID: conv.ID,
		BranchID:       conv.ActiveBranchID,
		MessageID:      placeholderID,
		InferenceID:    inferenceID,
		Model:          model,
	}

	log.Info().Object("meta", meta).Int("messages", len(req.Messages)).Bool("stream", c.config.Stream).Msg("Starting generation")
	c.setState(StateRequesting, meta)
	c.publish(events.NewStartEvent(meta))

	go c.run(inference.WithGenerationMeta(runCtx, conv.ID, inferenceID), h, req, meta)

	return h, nil
}

// buildMessages reduces the visible path to {role, content} pairs, led by
// the conversation's system prompt or, failing that, the composed one.
func (c *Controller) buildMessages(ctx context.Context, conv *conversation.Conversation, history conversation.Messages) []inference.ChatMessage {
	ret := make([]inference.ChatMessage, 0, len(history)+1)

	systemPrompt := strings.TrimSpace(helpers.Deref(conv.SystemPrompt, ""))
	if systemPrompt == "" && c.composer != nil {
		if p, ok := c.composer.Compose(ctx); ok {
			systemPrompt = p
		}
	}
	if systemPrompt != "" {
		ret = append(ret, inference.ChatMessage{Role: string(conversation.RoleSystem), Content: systemPrompt})
	}

	for _, m := range history {
		ret = append(ret, inference.ChatMessage{Role: string(m.Role), Content: m.Content})
	}
	return ret
}

func (c *Controller) run(ctx context.Context, h *ExecutionHandle, req inference.ChatRequest, meta events.EventMetadata) {
	var (
		content string
		err     error
	)
	if c.config.Stream {
		content, err = c.stream(ctx, h, req, meta)
	} else {
		content, err = c.complete(ctx, req)
	}

	streaming := false
	switch {
	case err == nil:
		c.store.UpdateMessage(h.PlaceholderID, store.MessagePatch{Content: &content, IsStreaming: &streaming})
		log.Info().Object("meta", meta).Int("chars", len(content)).Msg("Generation completed")
		c.setState(StateCompleted, meta)
		c.publish(events.NewFinalEvent(meta, content))
		c.speak(content)
		c.finish(h, OutcomeCompleted, nil, meta)

	case isCancellation(ctx, err):
		marker := CancelledMarker
		c.store.UpdateMessage(h.PlaceholderID, store.MessagePatch{Content: &marker, IsStreaming: &streaming})
		log.Info().Object("meta", meta).Msg("Generation cancelled")
		c.setState(StateCancelled, meta)
		c.publish(events.NewInterruptEvent(meta, content))
		c.finish(h, OutcomeCancelled, nil, meta)

	default:
		text := "Error: " + inference.ErrorMessage(err)
		if errors.Is(err, inference.ErrInterrupted) {
			text = content + "\n\n" + text
		}
		c.store.UpdateMessage(h.PlaceholderID, store.MessagePatch{Content: &text, IsStreaming: &streaming})
		log.Warn().Err(err).Object("meta", meta).Msg("Generation failed")
		c.setState(StateFailed, meta)
		c.publish(events.NewErrorEvent(meta, err))
		c.finish(h, OutcomeFailed, err, meta)
	}
}

// stream applies every fragment to the placeholder as it arrives. On a read
// failure the returned content is the partial reply followed by
// InterruptedNote. Error records sent by the provider are returned as they
// are.
func (c *Controller) stream(ctx context.Context, h *ExecutionHandle, req inference.ChatRequest, meta events.EventMetadata) (string, error) {
	s, err := c.engine.Stream(ctx, req)
	if err != nil {
		return "", err
	}
	defer func() {
		if err := s.Close(); err != nil {
			log.Debug().Err(err).Msg("Failed to close stream")
		}
	}()

	c.setState(StateStreaming, meta)

	var acc strings.Builder
	for {
		frag, err := s.Recv()
		if err == io.EOF {
			return acc.String(), nil
		}
		if err != nil {
			if isCancellation(ctx, err) {
				return acc.String(), err
			}
			var apiErr *inference.APIError
			if errors.As(err, &apiErr) {
				// the provider rejected the request mid-stream
				return acc.String(), err
			}
			if acc.Len() > 0 {
				acc.WriteString("\n\n")
			}
			acc.WriteString(InterruptedNote)
			return acc.String(), &inference.InterruptedError{Err: err}
		}

		acc.WriteString(frag)
		content := acc.String()
		c.store.UpdateMessage(h.PlaceholderID, store.MessagePatch{Content: &content})
		c.publish(events.NewPartialCompletionEvent(meta, frag, content))
	}
}

func (c *Controller) complete(ctx context.Context, req inference.ChatRequest) (string, error) {
	return c.engine.Complete(ctx, req)
}

func (c *Controller) speak(content string) {
	settings := c.store.VoiceSettings()
	if !settings.AutoPlay || strings.TrimSpace(content) == "" {
		return
	}
	go func() {
		if err := c.voice.Synthesize(context.Background(), content, settings); err != nil {
			log.Warn().Err(err).Msg("Voice playback failed")
		}
	}()
}

// finish frees the slot before resolving the handle, so a Send issued right
// after Wait returns is accepted.
func (c *Controller) finish(h *ExecutionHandle, outcome Outcome, err error, meta events.EventMetadata) {
	c.release(h)
	c.publish(events.NewStateEvent(meta, string(StateIdle)))
	h.setResult(outcome, err)
}

func (c *Controller) release(h *ExecutionHandle) {
	c.mu.Lock()
	if c.active == h {
		c.active = nil
	}
	c.state = StateIdle
	c.mu.Unlock()
}

// Cancel stops the generation in flight, if any.
func (c *Controller) Cancel() error {
	c.mu.Lock()
	h := c.active
	c.mu.Unlock()
	if h == nil {
		return ErrNoActive
	}
	log.Debug().Str("inference_id", h.InferenceID).Msg("Cancelling generation")
	h.Cancel()
	return nil
}

// Regenerate replaces the assistant reply messageID, which must be on the
// active path right after a user message, by a fresh generation for that
// user message. Both messages must belong to the active branch itself and
// neither may be the fork origin of another branch, so parent and child
// branches keep their history.
func (c *Controller) Regenerate(ctx context.Context, messageID string) (*ExecutionHandle, error) {
	if c.IsGenerating() {
		return nil, ErrAlreadyActive
	}

	conv, ok := c.store.ActiveConversation()
	if !ok {
		return nil, ErrNotRegenerable
	}
	path := conversation.VisiblePath(conv, conv.ActiveBranchID)
	idx := -1
	for i, m := range path {
		if m.ID == messageID {
			idx = i
			break
		}
	}
	if idx < 1 || path[idx].Role != conversation.RoleAssistant || path[idx-1].Role != conversation.RoleUser {
		log.Debug().Str("message_id", messageID).Msg("Message cannot be regenerated")
		return nil, ErrNotRegenerable
	}

	reply, prompt := path[idx], path[idx-1]
	for _, m := range []*conversation.Message{prompt, reply} {
		if !m.OnBranch(conv.ActiveBranchID) || m.BranchPoint {
			log.Debug().
				Str("message_id", messageID).
				Str("branch_id", conv.ActiveBranchID).
				Str("owner_branch_id", m.Branch()).
				Bool("branch_point", m.BranchPoint).
				Msg("Exchange is shared with another branch, not regenerating")
			return nil, ErrNotRegenerable
		}
	}

	c.store.DeleteMessage(reply.ID)
	c.store.DeleteMessage(prompt.ID)
	return c.Send(ctx, prompt.Content)
}

func (c *Controller) setState(state State, meta events.EventMetadata) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
	c.publish(events.NewStateEvent(meta, string(state)))
}

func (c *Controller) publish(ev events.Event) {
	if err := c.sink.PublishEvent(ev); err != nil {
		log.Warn().Err(err).Str("event_type", string(ev.Type())).Msg("Failed to publish generation event")
	}
}

func isCancellation(ctx context.Context, err error) bool {
	if err == nil {
		return false
	}
	return ctx.Err() != nil || errors.Is(err, context.Canceled)
}
