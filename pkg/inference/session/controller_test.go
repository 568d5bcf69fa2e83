package session

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/forkline/pkg/agent"
	"github.com/go-go-golems/forkline/pkg/conversation"
	"github.com/go-go-golems/forkline/pkg/events"
	"github.com/go-go-golems/forkline/pkg/helpers"
	"github.com/go-go-golems/forkline/pkg/inference"
	"github.com/go-go-golems/forkline/pkg/store"
	"github.com/go-go-golems/forkline/pkg/voice"
)

type step struct {
	frag string
	err  error
}

// scriptedStream replays steps, then either ends or blocks until the
// context is cancelled.
type scriptedStream struct {
	ctx   context.Context
	steps []step
	hold  bool
}

func (s *scriptedStream) Recv() (string, error) {
	if len(s.steps) > 0 {
		st := s.steps[0]
		s.steps = s.steps[1:]
		return st.frag, st.err
	}
	if s.hold {
		<-s.ctx.Done()
		return "", s.ctx.Err()
	}
	return "", io.EOF
}

func (s *scriptedStream) Close() error { return nil }

type fakeEngine struct {
	mu       sync.Mutex
	requests []inference.ChatRequest
	scripts  []*scriptedStream
	startErr error
	complete string
}

func (f *fakeEngine) Stream(ctx context.Context, req inference.ChatRequest) (inference.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.startErr != nil {
		return nil, f.startErr
	}
	if len(f.scripts) == 0 {
		return &scriptedStream{ctx: ctx}, nil
	}
	s := f.scripts[0]
	f.scripts = f.scripts[1:]
	s.ctx = ctx
	return s, nil
}

func (f *fakeEngine) Complete(_ context.Context, req inference.ChatRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.startErr != nil {
		return "", f.startErr
	}
	return f.complete, nil
}

func (f *fakeEngine) lastRequest() inference.ChatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func frags(parts ...string) []step {
	ret := make([]step, 0, len(parts))
	for _, p := range parts {
		ret = append(ret, step{frag: p})
	}
	return ret
}

type failingSynthesizer struct {
	calls chan string
}

func (f *failingSynthesizer) Synthesize(_ context.Context, text string, _ voice.Settings) error {
	f.calls <- text
	return errors.New("speaker unplugged")
}

func waitFor(t *testing.T, h *ExecutionHandle) (Outcome, error) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("generation did not finish")
	}
	return h.Wait()
}

func TestSendStreamsIntoPlaceholder(t *testing.T) {
	st := store.New()
	engine := &fakeEngine{scripts: []*scriptedStream{{steps: frags("Hel", "lo")}}}
	c := NewController(st, engine, WithConfig(Config{Model: "llama3", Stream: true}))

	h, err := c.Send(context.Background(), "hi there")
	require.NoError(t, err)
	outcome, err := waitFor(t, h)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)

	path := st.ActivePath()
	require.Len(t, path, 2)
	assert.Equal(t, conversation.RoleUser, path[0].Role)
	assert.Equal(t, "hi there", path[0].Content)
	assert.Equal(t, h.PlaceholderID, path[1].ID)
	assert.Equal(t, "Hello", path[1].Content)
	assert.False(t, path[1].IsStreaming)

	conv, ok := st.ActiveConversation()
	require.True(t, ok)
	assert.Equal(t, "hi there", conv.Title)
	assert.Equal(t, "llama3", conv.Model)
	assert.Equal(t, StateIdle, c.State())
	assert.False(t, c.IsGenerating())

	req := engine.lastRequest()
	assert.Equal(t, "llama3", req.Model)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, inference.ChatMessage{Role: "user", Content: "hi there"}, req.Messages[0])
}

func TestSendRejectsEmptyPrompt(t *testing.T) {
	st := store.New()
	c := NewController(st, &fakeEngine{})

	_, err := c.Send(context.Background(), "   \n")
	assert.ErrorIs(t, err, ErrEmptyPrompt)
	assert.Empty(t, st.Conversations())
	assert.False(t, c.IsGenerating())
}

func TestSendRejectsWhileGenerating(t *testing.T) {
	st := store.New()
	engine := &fakeEngine{scripts: []*scriptedStream{{hold: true}}}
	c := NewController(st, engine, WithConfig(Config{Stream: true}))

	h, err := c.Send(context.Background(), "first")
	require.NoError(t, err)
	assert.True(t, c.IsGenerating())

	_, err = c.Send(context.Background(), "second")
	assert.ErrorIs(t, err, ErrAlreadyActive)

	// the rejected prompt was not recorded and the first placeholder still streams
	assert.Len(t, st.ActivePath(), 2)
	m, ok := st.Message(h.PlaceholderID)
	require.True(t, ok)
	assert.True(t, m.IsStreaming)
	assert.True(t, c.IsGenerating())

	require.NoError(t, c.Cancel())
	_, _ = waitFor(t, h)
}

func TestCancelReplacesPartialWithMarker(t *testing.T) {
	st := store.New()
	engine := &fakeEngine{scripts: []*scriptedStream{
		{steps: frags("Hel", "lo"), hold: true},
		{steps: frags("again")},
	}}
	sink := events.NewChannelSink(64)
	c := NewController(st, engine, WithConfig(Config{Stream: true}), WithEventSink(sink))

	h, err := c.Send(context.Background(), "hi")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		m, ok := st.Message(h.PlaceholderID)
		return ok && m.Content == "Hello"
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, c.Cancel())
	outcome, err := waitFor(t, h)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCancelled, outcome)

	m, ok := st.Message(h.PlaceholderID)
	require.True(t, ok)
	assert.Equal(t, CancelledMarker, m.Content)
	assert.False(t, m.IsStreaming)

	// the slot is free as soon as Wait returns
	h2, err := c.Send(context.Background(), "hi again")
	require.NoError(t, err)
	outcome, err = waitFor(t, h2)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)

	var interrupt *events.EventInterrupt
	for len(sink.C) > 0 {
		if ev, ok := (<-sink.C).(*events.EventInterrupt); ok {
			interrupt = ev
		}
	}
	require.NotNil(t, interrupt)
	assert.Equal(t, "Hello", interrupt.Text)
}

func TestCancelWithoutGeneration(t *testing.T) {
	c := NewController(store.New(), &fakeEngine{})
	assert.ErrorIs(t, c.Cancel(), ErrNoActive)
}

func TestAPIErrorBecomesMessage(t *testing.T) {
	st := store.New()
	engine := &fakeEngine{startErr: &inference.APIError{StatusCode: 404, Message: "model 'nope' not found"}}
	c := NewController(st, engine, WithConfig(Config{Stream: true}))

	h, err := c.Send(context.Background(), "hi")
	require.NoError(t, err)
	outcome, err := waitFor(t, h)
	assert.Equal(t, OutcomeFailed, outcome)
	require.Error(t, err)

	m, ok := st.Message(h.PlaceholderID)
	require.True(t, ok)
	assert.Equal(t, "Error: model 'nope' not found", m.Content)
	assert.False(t, m.IsStreaming)
	assert.False(t, c.IsGenerating())
}

func TestInterruptedStreamKeepsPartialContent(t *testing.T) {
	st := store.New()
	engine := &fakeEngine{scripts: []*scriptedStream{{steps: []step{
		{frag: "Once upon"},
		{err: io.ErrUnexpectedEOF},
	}}}}
	c := NewController(st, engine, WithConfig(Config{Stream: true}))

	h, err := c.Send(context.Background(), "tell me a story")
	require.NoError(t, err)
	outcome, err := waitFor(t, h)
	assert.Equal(t, OutcomeFailed, outcome)
	assert.True(t, errors.Is(err, inference.ErrInterrupted))

	m, ok := st.Message(h.PlaceholderID)
	require.True(t, ok)
	assert.Equal(t, "Once upon\n\n"+InterruptedNote+"\n\nError: unexpected EOF", m.Content)
	assert.False(t, m.IsStreaming)
}

func TestInterruptedStreamBeforeFirstFragment(t *testing.T) {
	st := store.New()
	engine := &fakeEngine{scripts: []*scriptedStream{{steps: []step{{err: io.ErrUnexpectedEOF}}}}}
	c := NewController(st, engine, WithConfig(Config{Stream: true}))

	h, err := c.Send(context.Background(), "hi")
	require.NoError(t, err)
	_, _ = waitFor(t, h)

	m, ok := st.Message(h.PlaceholderID)
	require.True(t, ok)
	assert.Equal(t, InterruptedNote+"\n\nError: unexpected EOF", m.Content)
}

func TestStreamErrorRecordIsNotAnInterruption(t *testing.T) {
	st := store.New()
	engine := &fakeEngine{scripts: []*scriptedStream{{steps: []step{
		{frag: "par"},
		{err: &inference.APIError{Message: "model ran out of memory"}},
	}}}}
	c := NewController(st, engine, WithConfig(Config{Stream: true}))

	h, err := c.Send(context.Background(), "hi")
	require.NoError(t, err)
	outcome, err := waitFor(t, h)
	assert.Equal(t, OutcomeFailed, outcome)
	assert.False(t, errors.Is(err, inference.ErrInterrupted))
	var apiErr *inference.APIError
	assert.True(t, errors.As(err, &apiErr))

	m, ok := st.Message(h.PlaceholderID)
	require.True(t, ok)
	assert.Equal(t, "Error: model ran out of memory", m.Content)
	assert.NotContains(t, m.Content, InterruptedNote)
	assert.False(t, m.IsStreaming)
}

func TestNonStreamingUsesComposedSystemPrompt(t *testing.T) {
	st := store.New()
	engine := &fakeEngine{complete: "Hi there"}
	c := NewController(st, engine,
		WithConfig(Config{Model: "m", Stream: false, Options: map[string]interface{}{"temperature": 0.2}}),
		WithComposer(agent.StaticComposer("Be brief.")),
	)

	h, err := c.Send(context.Background(), "hello")
	require.NoError(t, err)
	outcome, err := waitFor(t, h)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)

	m, ok := st.Message(h.PlaceholderID)
	require.True(t, ok)
	assert.Equal(t, "Hi there", m.Content)

	req := engine.lastRequest()
	require.Len(t, req.Messages, 2)
	assert.Equal(t, inference.ChatMessage{Role: "system", Content: "Be brief."}, req.Messages[0])
	assert.Equal(t, 0.2, req.Options["temperature"])
}

func TestConversationSystemPromptWinsOverComposer(t *testing.T) {
	st := store.New()
	st.CreateConversation("custom-model", helpers.Ptr("You are a pirate."))
	engine := &fakeEngine{complete: "Arr"}
	c := NewController(st, engine,
		WithConfig(Config{Model: "default-model"}),
		WithComposer(agent.StaticComposer("Be brief.")),
	)

	h, err := c.Send(context.Background(), "hello")
	require.NoError(t, err)
	_, err = waitFor(t, h)
	require.NoError(t, err)

	req := engine.lastRequest()
	assert.Equal(t, "custom-model", req.Model)
	assert.Equal(t, "You are a pirate.", req.Messages[0].Content)
}

func TestHistoryFollowsActiveBranch(t *testing.T) {
	st := store.New()
	st.CreateConversation("m", nil)
	st.AddMessage(conversation.RoleUser, "q1")
	a1 := st.AddMessage(conversation.RoleAssistant, "a1")
	st.AddMessage(conversation.RoleUser, "q2 on main")
	st.AddMessage(conversation.RoleAssistant, "a2 on main")
	st.BranchFrom(a1, "alt")

	engine := &fakeEngine{complete: "alt answer"}
	c := NewController(st, engine)
	h, err := c.Send(context.Background(), "q2 on alt")
	require.NoError(t, err)
	_, err = waitFor(t, h)
	require.NoError(t, err)

	var contents []string
	for _, m := range engine.lastRequest().Messages {
		contents = append(contents, m.Content)
	}
	assert.Equal(t, []string{"q1", "a1", "q2 on alt"}, contents)
}

func TestRegenerateReplacesLastExchange(t *testing.T) {
	st := store.New()
	engine := &fakeEngine{scripts: []*scriptedStream{
		{steps: frags("first")},
		{steps: frags("second")},
	}}
	c := NewController(st, engine, WithConfig(Config{Stream: true}))

	h, err := c.Send(context.Background(), "question")
	require.NoError(t, err)
	_, err = waitFor(t, h)
	require.NoError(t, err)

	_, err = c.Regenerate(context.Background(), st.ActivePath()[0].ID)
	assert.ErrorIs(t, err, ErrNotRegenerable)

	h2, err := c.Regenerate(context.Background(), h.PlaceholderID)
	require.NoError(t, err)
	_, err = waitFor(t, h2)
	require.NoError(t, err)

	path := st.ActivePath()
	require.Len(t, path, 2)
	assert.Equal(t, "question", path[0].Content)
	assert.Equal(t, "second", path[1].Content)
	_, ok := st.Message(h.PlaceholderID)
	assert.False(t, ok)
}

func TestVoiceFailureDoesNotAffectGeneration(t *testing.T) {
	st := store.New()
	settings := voice.DefaultSettings()
	settings.AutoPlay = true
	st.SetVoiceSettings(settings)

	synth := &failingSynthesizer{calls: make(chan string, 1)}
	engine := &fakeEngine{complete: "spoken answer"}
	c := NewController(st, engine, WithSynthesizer(synth))

	h, err := c.Send(context.Background(), "say something")
	require.NoError(t, err)
	outcome, err := waitFor(t, h)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)

	select {
	case text := <-synth.calls:
		assert.Equal(t, "spoken answer", text)
	case <-time.After(5 * time.Second):
		t.Fatal("synthesizer was not called")
	}
	assert.Equal(t, StateIdle, c.State())

	m, ok := st.Message(h.PlaceholderID)
	require.True(t, ok)
	assert.Equal(t, "spoken answer", m.Content)
}

func TestGenerationEventsAreOrdered(t *testing.T) {
	st := store.New()
	engine := &fakeEngine{scripts: []*scriptedStream{{steps: frags("a", "b")}}}
	sink := events.NewChannelSink(64)
	c := NewController(st, engine, WithConfig(Config{Stream: true}), WithEventSink(sink))

	h, err := c.Send(context.Background(), "go")
	require.NoError(t, err)
	_, err = waitFor(t, h)
	require.NoError(t, err)

	var types []events.EventType
	var partials []string
	for len(sink.C) > 0 {
		ev := <-sink.C
		if ev.Type() == events.EventTypeState {
			continue
		}
		types = append(types, ev.Type())
		if p, ok := ev.(*events.EventPartialCompletion); ok {
			partials = append(partials, p.Completion)
			assert.Equal(t, h.InferenceID, p.Metadata().InferenceID)
		}
	}
	assert.Equal(t, []events.EventType{
		events.EventTypeStart,
		events.EventTypePartialCompletion,
		events.EventTypePartialCompletion,
		events.EventTypeFinal,
	}, types)
	assert.Equal(t, []string{"a", "ab"}, partials)
}

func TestRegenerateLeavesParentBranchAlone(t *testing.T) {
	st := store.New()
	st.CreateConversation("m", nil)
	u1 := st.AddMessage(conversation.RoleUser, "u1")
	a1 := st.AddMessage(conversation.RoleAssistant, "a1")
	st.AddMessage(conversation.RoleUser, "u2")
	st.AddMessage(conversation.RoleAssistant, "a2")
	branch := st.BranchFrom(a1, "alt")
	st.AddMessage(conversation.RoleUser, "u3")
	a3 := st.AddMessage(conversation.RoleAssistant, "a3")

	conv, _ := st.ActiveConversation()
	mainBefore := st.VisiblePath(conv.ID, conversation.MainBranchID).IDs()
	branchBefore := st.VisiblePath(conv.ID, branch).IDs()

	engine := &fakeEngine{complete: "fresh"}
	c := NewController(st, engine)

	// a1 is inherited from main and is the fork origin of the branch
	_, err := c.Regenerate(context.Background(), a1)
	assert.ErrorIs(t, err, ErrNotRegenerable)
	assert.Equal(t, mainBefore, st.VisiblePath(conv.ID, conversation.MainBranchID).IDs())
	assert.Equal(t, branchBefore, st.VisiblePath(conv.ID, branch).IDs())
	assert.Equal(t, []string{u1, a1}, mainBefore[:2])

	// the branch's own exchange can be regenerated
	h, err := c.Regenerate(context.Background(), a3)
	require.NoError(t, err)
	_, err = waitFor(t, h)
	require.NoError(t, err)

	assert.Equal(t, mainBefore, st.VisiblePath(conv.ID, conversation.MainBranchID).IDs())
	var contents []string
	for _, m := range st.VisiblePath(conv.ID, branch) {
		contents = append(contents, m.Content)
	}
	assert.Equal(t, []string{"u1", "a1", "u3", "fresh"}, contents)
}

func TestRegenerateRefusesForkOriginOnActiveBranch(t *testing.T) {
	st := store.New()
	st.CreateConversation("m", nil)
	st.AddMessage(conversation.RoleUser, "u1")
	a1 := st.AddMessage(conversation.RoleAssistant, "a1")
	child := st.BranchFrom(a1, "child")
	st.AddMessage(conversation.RoleUser, "u2")
	st.SwitchBranch(conversation.MainBranchID)

	c := NewController(st, &fakeEngine{complete: "x"})
	_, err := c.Regenerate(context.Background(), a1)
	assert.ErrorIs(t, err, ErrNotRegenerable)

	conv, _ := st.ActiveConversation()
	var contents []string
	for _, m := range st.VisiblePath(conv.ID, child) {
		contents = append(contents, m.Content)
	}
	assert.Equal(t, []string{"u1", "a1", "u2"}, contents)
}
