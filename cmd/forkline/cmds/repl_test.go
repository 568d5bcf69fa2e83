package cmds

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/forkline/pkg/conversation"
	"github.com/go-go-golems/forkline/pkg/events"
	"github.com/go-go-golems/forkline/pkg/inference"
	"github.com/go-go-golems/forkline/pkg/inference/session"
	"github.com/go-go-golems/forkline/pkg/store"
)

type echoEngine struct{}

func (echoEngine) Stream(context.Context, inference.ChatRequest) (inference.Stream, error) {
	return nil, &inference.APIError{StatusCode: 501}
}

func (echoEngine) Complete(_ context.Context, req inference.ChatRequest) (string, error) {
	return "echo: " + req.Messages[len(req.Messages)-1].Content, nil
}

func newTestRepl(t *testing.T) (*repl, *bytes.Buffer) {
	t.Helper()
	st := store.New()
	ctrl := session.NewController(st, echoEngine{}, session.WithConfig(session.Config{Model: "m"}))
	out := &bytes.Buffer{}
	return &repl{store: st, controller: ctrl, model: "m", out: out}, out
}

func run(t *testing.T, r *repl, line string) {
	t.Helper()
	h, err := r.execute(context.Background(), line)
	require.NoError(t, err)
	if h != nil {
		_, err = h.Wait()
		require.NoError(t, err)
	}
}

func send(t *testing.T, r *repl, text string) {
	t.Helper()
	h, err := r.controller.Send(context.Background(), text)
	require.NoError(t, err)
	_, err = h.Wait()
	require.NoError(t, err)
}

func TestReplBranchingCommands(t *testing.T) {
	r, out := newTestRepl(t)
	send(t, r, "first")
	send(t, r, "second")

	path := r.store.ActivePath()
	require.Len(t, path, 4)
	fork := path[1]

	run(t, r, "/branch "+shortID(fork.ID)+" other idea")
	assert.Contains(t, out.String(), `Created branch "other idea"`)
	assert.Len(t, r.store.ActivePath(), 2)

	send(t, r, "alternative")
	assert.Equal(t, "echo: alternative", r.store.ActivePath()[3].Content)

	out.Reset()
	run(t, r, "/branches")
	assert.Contains(t, out.String(), "  main")
	assert.Contains(t, out.String(), "* ")
	assert.Contains(t, out.String(), "other idea")

	run(t, r, "/switch main")
	assert.Len(t, r.store.ActivePath(), 4)

	conv, _ := r.store.ActiveConversation()
	var alt *conversation.Branch
	for _, b := range conv.Branches {
		if !b.IsRoot() {
			alt = b
		}
	}
	require.NotNil(t, alt)

	run(t, r, "/rename "+shortID(alt.ID)+" renamed")
	conv, _ = r.store.ActiveConversation()
	b, _ := conv.Branch(alt.ID)
	assert.Equal(t, "renamed", b.Name)

	_, err := r.execute(context.Background(), "/rename nope x")
	assert.Error(t, err)

	run(t, r, "/delete-branch renamed")
	conv, _ = r.store.ActiveConversation()
	assert.Len(t, conv.Branches, 1)
	assert.Len(t, r.store.ActivePath(), 4)
}

func TestReplRegenerateDefaultsToLastAnswer(t *testing.T) {
	r, _ := newTestRepl(t)
	send(t, r, "question")
	before := r.store.ActivePath()[1].ID

	run(t, r, "/regen")
	path := r.store.ActivePath()
	require.Len(t, path, 2)
	assert.NotEqual(t, before, path[1].ID)
	assert.Equal(t, "echo: question", path[1].Content)
}

func TestReplReactAndTitle(t *testing.T) {
	r, _ := newTestRepl(t)
	send(t, r, "hello")
	answer := r.store.ActivePath()[1]

	run(t, r, "/react "+shortID(answer.ID)+" like")
	m, _ := r.store.Message(answer.ID)
	require.NotNil(t, m.Reaction)
	assert.Equal(t, conversation.ReactionLike, m.Reaction.Kind)

	_, err := r.execute(context.Background(), "/react "+shortID(answer.ID)+" love")
	assert.Error(t, err)

	run(t, r, "/title Greetings and salutations")
	conv, _ := r.store.ActiveConversation()
	assert.Equal(t, "Greetings and salutations", conv.Title)
}

func TestReplErrors(t *testing.T) {
	r, _ := newTestRepl(t)

	_, err := r.execute(context.Background(), "/branches")
	assert.Error(t, err)

	_, err = r.execute(context.Background(), "/frobnicate")
	assert.Error(t, err)

	_, err = r.execute(context.Background(), "/quit")
	assert.ErrorIs(t, err, errQuit)

	run(t, r, "/new")
	_, err = r.execute(context.Background(), "/regen")
	assert.Error(t, err)
	_, err = r.execute(context.Background(), "/delete-branch main")
	assert.ErrorIs(t, err, store.ErrDeleteRootBranch)
}

func TestReplHistory(t *testing.T) {
	r, out := newTestRepl(t)
	send(t, r, "what is up")
	out.Reset()

	run(t, r, "/history")
	assert.Contains(t, out.String(), "# what is up [main]")
	assert.Contains(t, out.String(), "echo: what is up")
}

func TestRunConsole(t *testing.T) {
	r, _ := newTestRepl(t)
	in := strings.NewReader("hello there\n\n/branches\n/quit\nignored\n")
	out := &bytes.Buffer{}

	require.NoError(t, runConsole(context.Background(), r, in, out))

	path := r.store.ActivePath()
	require.Len(t, path, 2)
	assert.Equal(t, "echo: hello there", path[1].Content)
	assert.Contains(t, out.String(), "> ")
}

func TestPrinter(t *testing.T) {
	out := &bytes.Buffer{}
	p := &printer{out: out, stream: true}
	meta := events.EventMetadata{}

	require.NoError(t, p.handle(context.Background(), events.NewPartialCompletionEvent(meta, "Hel", "Hel")))
	require.NoError(t, p.handle(context.Background(), events.NewPartialCompletionEvent(meta, "lo", "Hello")))
	require.NoError(t, p.handle(context.Background(), events.NewFinalEvent(meta, "Hello")))
	assert.Equal(t, "Hello\n", out.String())

	out.Reset()
	p.stream = false
	require.NoError(t, p.handle(context.Background(), events.NewFinalEvent(meta, "All at once")))
	assert.Equal(t, "All at once\n", out.String())

	out.Reset()
	require.NoError(t, p.handle(context.Background(), events.NewInterruptEvent(meta, "Hel")))
	assert.Equal(t, "\n"+session.CancelledMarker+"\n", out.String())
}
