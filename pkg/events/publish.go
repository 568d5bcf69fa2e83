package events

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog/log"
)

// EventSink receives events from the store and the generation controller.
type EventSink interface {
	PublishEvent(event Event) error
}

// PublisherManager is used to distribute events to a set of Publishers.
// As such, you "subscribe" a publisher to the given topic.
// When you Publish an event, it will get distributed to all publishers
// on the topic they were subscribed with.
//
// The Manager also keeps a sequence number for each outgoing message,
// in the order they are handled by Publish.
type PublisherManager struct {
	Publishers     map[string][]message.Publisher
	sequenceNumber uint64
	mutex          sync.Mutex
}

var _ EventSink = (*PublisherManager)(nil)

func NewPublisherManager() *PublisherManager {
	return &PublisherManager{
		Publishers: make(map[string][]message.Publisher),
	}
}

func (s *PublisherManager) SubscribePublisher(topic string, sub message.Publisher) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.Publishers[topic] = append(s.Publishers[topic], sub)
}

// Publish serializes the event to JSON and hands it to every subscribed publisher.
// Delivery failures of individual publishers are logged, not returned.
func (s *PublisherManager) Publish(event Event) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	b, err := json.Marshal(event)
	if err != nil {
		return err
	}

	for topic, subs := range s.Publishers {
		for _, sub := range subs {
			msg := message.NewMessage(watermill.NewUUID(), b)
			msg.Metadata.Set("sequence_number", fmt.Sprintf("%d", s.sequenceNumber))
			msg.Metadata.Set("event_type", string(event.Type()))
			if err := sub.Publish(topic, msg); err != nil {
				log.Warn().Err(err).Str("topic", topic).Msg("failed to publish")
			}
		}
	}
	s.sequenceNumber++

	return nil
}

func (s *PublisherManager) PublishEvent(event Event) error {
	return s.Publish(event)
}

func (s *PublisherManager) PublishBlind(event Event) {
	err := s.Publish(event)
	if err != nil {
		log.Warn().Err(err).Msg("failed to publish")
	}
}

// NopSink drops every event.
type NopSink struct{}

func (NopSink) PublishEvent(Event) error { return nil }

// ChannelSink collects events in memory. It is mostly useful in tests and
// for in-process observers that do not need a router.
type ChannelSink struct {
	C chan Event
}

func NewChannelSink(size int) *ChannelSink {
	return &ChannelSink{C: make(chan Event, size)}
}

// PublishEvent never blocks; events are dropped when the buffer is full.
func (c *ChannelSink) PublishEvent(event Event) error {
	select {
	case c.C <- event:
	default:
		log.Trace().Str("event_type", string(event.Type())).Msg("channel sink full, dropping event")
	}
	return nil
}
