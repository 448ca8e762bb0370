package transport

import (
	"chat-engine/contract"
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type Sink struct {
	name string
}

func (s Sink) Consume(ctx context.Context, frame contract.Frame) error {
	return nil
}

func TestRegistry_Subscribe_One_Topic_One_Subscriber(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry()
	subscriberID := uuid.NewString()
	topic := "messages:group:1"
	sink := Sink{name: "a"}

	// Given no topic exists
	req.Empty(registry.sinks)
	req.Empty(registry.topicMembers)

	// When a subscriber joins a topic
	registry.Subscribe(subscriberID, topic, sink)

	// Then
	req.Len(registry.sinks, 1)
	req.Equal(sink, registry.sinks[subscriberID])

	req.Len(registry.topicMembers, 1)
	req.Contains(registry.topicMembers[topic], subscriberID)

	req.Len(registry.GetSinksForTopic(topic), 1)
	req.Contains(registry.GetSinksForTopic(topic), sink)
}

func TestRegistry_Subscribe_One_Topic_Multiple_Subscribers(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry()
	topic := "messages:group:1"
	sink1 := Sink{name: "a"}
	sink2 := Sink{name: "b"}

	registry.Subscribe(uuid.NewString(), topic, sink1)
	registry.Subscribe(uuid.NewString(), topic, sink2)

	req.Len(registry.sinks, 2)
	req.Len(registry.topicMembers[topic], 2)
	req.ElementsMatch([]contract.FrameSink{sink1, sink2}, registry.GetSinksForTopic(topic))
}

func TestRegistry_Unsubscribe_Removes_Empty_Topic(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry()
	subscriberID := uuid.NewString()
	topic := "presence:private:9"

	// Given a subscriber on a topic
	registry.Subscribe(subscriberID, topic, Sink{})

	// When it unsubscribes
	registry.Unsubscribe(subscriberID, topic)

	// Then the topic doesn't exist anymore
	req.Empty(registry.sinks)
	req.Empty(registry.topicMembers)
	req.Nil(registry.GetSinksForTopic(topic))
	req.Zero(registry.Topics())
}

func TestRegistry_Unsubscribe_Keeps_Other_Subscribers(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry()
	first, second := uuid.NewString(), uuid.NewString()
	topic := "messages:group:1"
	sink2 := Sink{name: "b"}

	registry.Subscribe(first, topic, Sink{name: "a"})
	registry.Subscribe(second, topic, sink2)

	registry.Unsubscribe(first, topic)

	req.Len(registry.sinks, 1)
	req.Len(registry.topicMembers[topic], 1)
	req.Equal([]contract.FrameSink{sink2}, registry.GetSinksForTopic(topic))
}
