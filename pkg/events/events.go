package events

import (
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

type EventType string

const (
	// EventTypeStoreChanged is published after every store mutation.
	EventTypeStoreChanged EventType = "store-changed"

	// EventTypeStart to EventTypeInterrupt describe a single generation.
	EventTypeStart             EventType = "start"
	EventTypePartialCompletion EventType = "partial"
	EventTypeFinal             EventType = "final"
	EventTypeError             EventType = "error"
	EventTypeInterrupt         EventType = "interrupt"

	// EventTypeState reports transitions of the generation state machine.
	EventTypeState EventType = "state"
)

const (
	TopicStore      = "store"
	TopicGeneration = "generation"
)

type Event interface {
	Type() EventType
	Metadata() EventMetadata
	Payload() []byte
}

// EventMetadata identifies what an event is about.
type EventMetadata struct {
	ConversationID string `json:"conversation_id,omitempty" yaml:"conversation_id,omitempty"`
	BranchID       string `json:"branch_id,omitempty" yaml:"branch_id,omitempty"`
	MessageID      string `json:"message_id,omitempty" yaml:"message_id,omitempty"`
	InferenceID    string `json:"inference_id,omitempty" yaml:"inference_id,omitempty"`
	Model          string `json:"model,omitempty" yaml:"model,omitempty"`
}

func (em EventMetadata) MarshalZerologObject(e *zerolog.Event) {
	if em.ConversationID != "" {
		e.Str("conversation_id", em.ConversationID)
	}
	if em.BranchID != "" {
		e.Str("branch_id", em.BranchID)
	}
	if em.MessageID != "" {
		e.Str("message_id", em.MessageID)
	}
	if em.InferenceID != "" {
		e.Str("inference_id", em.InferenceID)
	}
	if em.Model != "" {
		e.Str("model", em.Model)
	}
}

type EventImpl struct {
	Type_     EventType     `json:"type"`
	Metadata_ EventMetadata `json:"meta,omitempty"`

	// store payload if the event was deserialized from JSON (see NewEventFromJson), not further used
	payload []byte
}

func (e *EventImpl) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("type", string(e.Type_))
	ev.Object("meta", e.Metadata_)
}

func (e *EventImpl) Type() EventType {
	return e.Type_
}

func (e *EventImpl) Metadata() EventMetadata {
	return e.Metadata_
}

func (e *EventImpl) Payload() []byte {
	return e.payload
}

var _ Event = &EventImpl{}

// EventStoreChanged names the store operation that was applied.
type EventStoreChanged struct {
	EventImpl
	Op string `json:"op"`
}

func NewStoreChangedEvent(metadata EventMetadata, op string) *EventStoreChanged {
	return &EventStoreChanged{
		EventImpl: EventImpl{Type_: EventTypeStoreChanged, Metadata_: metadata},
		Op:        op,
	}
}

var _ Event = &EventStoreChanged{}

type EventStart struct {
	EventImpl
}

func NewStartEvent(metadata EventMetadata) *EventStart {
	return &EventStart{
		EventImpl: EventImpl{Type_: EventTypeStart, Metadata_: metadata},
	}
}

var _ Event = &EventStart{}

// EventPartialCompletion carries one streamed fragment and the content accumulated so far.
type EventPartialCompletion struct {
	EventImpl
	Delta      string `json:"delta"`
	Completion string `json:"completion"`
}

func NewPartialCompletionEvent(metadata EventMetadata, delta string, completion string) *EventPartialCompletion {
	return &EventPartialCompletion{
		EventImpl:  EventImpl{Type_: EventTypePartialCompletion, Metadata_: metadata},
		Delta:      delta,
		Completion: completion,
	}
}

var _ Event = &EventPartialCompletion{}

type EventFinal struct {
	EventImpl
	Text string `json:"text"`
}

func NewFinalEvent(metadata EventMetadata, text string) *EventFinal {
	return &EventFinal{
		EventImpl: EventImpl{Type_: EventTypeFinal, Metadata_: metadata},
		Text:      text,
	}
}

var _ Event = &EventFinal{}

type EventError struct {
	EventImpl
	ErrorString string `json:"error_string"`
}

func NewErrorEvent(metadata EventMetadata, err error) *EventError {
	return &EventError{
		EventImpl:   EventImpl{Type_: EventTypeError, Metadata_: metadata},
		ErrorString: err.Error(),
	}
}

var _ Event = &EventError{}

// EventInterrupt is published when the user cancels a generation. Text is the
// content that had been received before the cancellation.
type EventInterrupt struct {
	EventImpl
	Text string `json:"text"`
}

func NewInterruptEvent(metadata EventMetadata, text string) *EventInterrupt {
	return &EventInterrupt{
		EventImpl: EventImpl{Type_: EventTypeInterrupt, Metadata_: metadata},
		Text:      text,
	}
}

var _ Event = &EventInterrupt{}

type EventState struct {
	EventImpl
	State string `json:"state"`
}

func NewStateEvent(metadata EventMetadata, state string) *EventState {
	return &EventState{
		EventImpl: EventImpl{Type_: EventTypeState, Metadata_: metadata},
		State:     state,
	}
}

var _ Event = &EventState{}

// NewEventFromJson decodes an event published by PublisherManager.
func NewEventFromJson(b []byte) (Event, error) {
	var e *EventImpl
	err := json.Unmarshal(b, &e)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, errors.New("empty event payload")
	}

	var ret Event
	switch e.Type_ {
	case EventTypeStoreChanged:
		ret, err = unmarshalEvent[EventStoreChanged](b)
	case EventTypeStart:
		ret, err = unmarshalEvent[EventStart](b)
	case EventTypePartialCompletion:
		ret, err = unmarshalEvent[EventPartialCompletion](b)
	case EventTypeFinal:
		ret, err = unmarshalEvent[EventFinal](b)
	case EventTypeError:
		ret, err = unmarshalEvent[EventError](b)
	case EventTypeInterrupt:
		ret, err = unmarshalEvent[EventInterrupt](b)
	case EventTypeState:
		ret, err = unmarshalEvent[EventState](b)
	default:
		return nil, errors.Errorf("unknown event type: %s", e.Type_)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode %s event", e.Type_)
	}
	return ret, nil
}

type payloadSetter interface {
	setPayload(b []byte)
}

func (e *EventImpl) setPayload(b []byte) {
	e.payload = b
}

func unmarshalEvent[T any](b []byte) (Event, error) {
	ret := new(T)
	if err := json.Unmarshal(b, ret); err != nil {
		return nil, err
	}
	ev, ok := any(ret).(Event)
	if !ok {
		return nil, errors.Errorf("%T is not an event", ret)
	}
	if ps, ok := ev.(payloadSetter); ok {
		ps.setPayload(b)
	}
	return ev, nil
}
