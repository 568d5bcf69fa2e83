package events

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEventFromJsonDecodesEachType(t *testing.T) {
	meta := EventMetadata{ConversationID: "c1", BranchID: "main", MessageID: "m1", InferenceID: "i1", Model: "llama3.2"}
	cases := []Event{
		NewStoreChangedEvent(meta, "add-message"),
		NewStartEvent(meta),
		NewPartialCompletionEvent(meta, "lo", "hello"),
		NewFinalEvent(meta, "hello world"),
		NewErrorEvent(meta, errors.New("boom")),
		NewInterruptEvent(meta, "hel"),
		NewStateEvent(meta, "streaming"),
	}

	for _, in := range cases {
		t.Run(string(in.Type()), func(t *testing.T) {
			b, err := json.Marshal(in)
			require.NoError(t, err)

			out, err := NewEventFromJson(b)
			require.NoError(t, err)
			assert.IsType(t, in, out)
			assert.Equal(t, in.Type(), out.Type())
			assert.Equal(t, meta, out.Metadata())
			assert.Equal(t, b, out.Payload())
		})
	}
}

func TestNewEventFromJsonKeepsFields(t *testing.T) {
	b, err := json.Marshal(NewPartialCompletionEvent(EventMetadata{}, "d", "abcd"))
	require.NoError(t, err)

	ev, err := NewEventFromJson(b)
	require.NoError(t, err)
	p, ok := ev.(*EventPartialCompletion)
	require.True(t, ok)
	assert.Equal(t, "d", p.Delta)
	assert.Equal(t, "abcd", p.Completion)
}

func TestNewEventFromJsonRejectsBadPayloads(t *testing.T) {
	_, err := NewEventFromJson([]byte(`{"type":"nope"}`))
	assert.Error(t, err)

	_, err = NewEventFromJson([]byte(`null`))
	assert.Error(t, err)

	_, err = NewEventFromJson([]byte(`{`))
	assert.Error(t, err)
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs map[string][]*message.Message
}

func (r *recordingPublisher) Publish(topic string, msgs ...*message.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.msgs == nil {
		r.msgs = map[string][]*message.Message{}
	}
	r.msgs[topic] = append(r.msgs[topic], msgs...)
	return nil
}

func (r *recordingPublisher) Close() error { return nil }

func TestPublisherManagerSequencesMessages(t *testing.T) {
	pub := &recordingPublisher{}
	pm := NewPublisherManager()
	pm.SubscribePublisher("generation", pub)

	require.NoError(t, pm.PublishEvent(NewStartEvent(EventMetadata{InferenceID: "i1"})))
	pm.PublishBlind(NewFinalEvent(EventMetadata{InferenceID: "i1"}, "done"))

	msgs := pub.msgs["generation"]
	require.Len(t, msgs, 2)
	assert.Equal(t, "0", msgs[0].Metadata.Get("sequence_number"))
	assert.Equal(t, string(EventTypeStart), msgs[0].Metadata.Get("event_type"))
	assert.Equal(t, "1", msgs[1].Metadata.Get("sequence_number"))
	assert.Equal(t, string(EventTypeFinal), msgs[1].Metadata.Get("event_type"))

	ev, err := NewEventFromJson(msgs[1].Payload)
	require.NoError(t, err)
	assert.Equal(t, "done", ev.(*EventFinal).Text)
}

func TestChannelSinkDropsWhenFull(t *testing.T) {
	sink := NewChannelSink(1)
	require.NoError(t, sink.PublishEvent(NewStartEvent(EventMetadata{})))
	require.NoError(t, sink.PublishEvent(NewFinalEvent(EventMetadata{}, "x")))

	ev := <-sink.C
	assert.Equal(t, EventTypeStart, ev.Type())
	select {
	case ev := <-sink.C:
		t.Fatalf("unexpected buffered event %s", ev.Type())
	default:
	}

	var nop NopSink
	assert.NoError(t, nop.PublishEvent(NewStartEvent(EventMetadata{})))
}

func TestEventRouterDeliversInOrder(t *testing.T) {
	router, err := NewEventRouter(WithLogger(watermill.NopLogger{}))
	require.NoError(t, err)

	var mu sync.Mutex
	var got []EventType
	router.AddEventHandler("collect", TopicGeneration, func(_ context.Context, ev Event) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev.Type())
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- router.Run(ctx) }()
	<-router.Running()

	sink := router.NewSink(TopicGeneration)
	meta := EventMetadata{ConversationID: "c1"}
	require.NoError(t, sink.PublishEvent(NewStartEvent(meta)))
	require.NoError(t, sink.PublishEvent(NewPartialCompletionEvent(meta, "a", "a")))
	require.NoError(t, sink.PublishEvent(NewFinalEvent(meta, "a")))

	// publishing blocks until the handler acks, so delivery is complete here
	mu.Lock()
	assert.Equal(t, []EventType{EventTypeStart, EventTypePartialCompletion, EventTypeFinal}, got)
	mu.Unlock()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("router did not stop")
	}
	assert.NoError(t, router.Close())
}
