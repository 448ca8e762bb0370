package transport

import (
	"chat-engine/contract"
	"sync"
)

type Set map[string]struct{}

type Registry struct {
	mu           sync.RWMutex
	sinks        map[string]contract.FrameSink // subscriber -> sink
	topicMembers map[string]Set                // topic -> subscribers
}

func NewRegistry() *Registry {
	return &Registry{
		sinks:        make(map[string]contract.FrameSink),
		topicMembers: make(map[string]Set),
	}
}

// GetSinksForTopic resolves the subscribers of a topic into their sinks.
// Returns nil if nobody listens on the topic.
func (r *Registry) GetSinksForTopic(topic string) []contract.FrameSink {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members, ok := r.topicMembers[topic]
	if !ok {
		return nil
	}
	var activeSinks []contract.FrameSink
	for subscriberID := range members {
		if sink, exists := r.sinks[subscriberID]; exists {
			activeSinks = append(activeSinks, sink)
		}
	}
	return activeSinks
}

// Subscribe registers a subscriber sink on a topic, creating the topic on the fly.
func (r *Registry) Subscribe(subscriberID string, topic string, sink contract.FrameSink) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sinks[subscriberID] = sink

	if _, ok := r.topicMembers[topic]; !ok {
		r.topicMembers[topic] = make(Set)
	}
	r.topicMembers[topic][subscriberID] = struct{}{}
}

// Unsubscribe removes a subscriber and drops the topic once empty.
func (r *Registry) Unsubscribe(subscriberID string, topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.sinks, subscriberID)

	if members, ok := r.topicMembers[topic]; ok {
		delete(members, subscriberID)

		if len(members) == 0 {
			delete(r.topicMembers, topic)
		}
	}
}

// Topics returns how many topics have at least one subscriber.
func (r *Registry) Topics() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.topicMembers)
}
