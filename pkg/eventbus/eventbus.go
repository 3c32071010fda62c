// Package eventbus provides the Bus interface and an in-memory implementation
// that delivers inbound chat messages to whoever is waiting on a channel.
package eventbus

import (
	"sync"

	"github.com/jxucoder/TeleVPS/pkg/model"
)

// Bus provides pub/sub for chat messages, keyed by model.ChannelKey.
type Bus interface {
	Subscribe(channelKey string) chan *model.ChatMessage
	Unsubscribe(channelKey string, ch chan *model.ChatMessage)
	Publish(msg *model.ChatMessage)
}

// InMemoryBus is the default in-memory Bus implementation.
type InMemoryBus struct {
	mu   sync.RWMutex
	subs map[string][]chan *model.ChatMessage
}

// NewInMemoryBus creates a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{
		subs: make(map[string][]chan *model.ChatMessage),
	}
}

// Subscribe creates a channel that receives messages posted in a chat channel.
func (b *InMemoryBus) Subscribe(channelKey string) chan *model.ChatMessage {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *model.ChatMessage, 64)
	b.subs[channelKey] = append(b.subs[channelKey], ch)
	return ch
}

// Unsubscribe removes a channel from the chat channel's subscribers.
func (b *InMemoryBus) Unsubscribe(channelKey string, ch chan *model.ChatMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[channelKey]
	for i, s := range subs {
		if s == ch {
			b.subs[channelKey] = append(subs[:i], subs[i+1:]...)
			if len(b.subs[channelKey]) == 0 {
				delete(b.subs, channelKey)
			}
			close(ch)
			return
		}
	}
}

// Publish sends a message to all subscribers of its chat channel.
func (b *InMemoryBus) Publish(msg *model.ChatMessage) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs[msg.Key()] {
		select {
		case ch <- msg:
		default:
			// Drop message if subscriber is too slow.
		}
	}
}

// Subscribers returns how many subscribers a chat channel has.
func (b *InMemoryBus) Subscribers(channelKey string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[channelKey])
}
