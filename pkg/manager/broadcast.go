package manager

import (
	"sync"

	"github.com/core-tools/hsu-supervisor/pkg/domain"
)

// broadcaster fans unit notifications out to the current subscribers
type broadcaster struct {
	mutex       sync.Mutex
	next        int
	subscribers map[int]domain.Notifier
}

func newBroadcaster() *broadcaster {
	return &broadcaster{
		subscribers: make(map[int]domain.Notifier),
	}
}

func (b *broadcaster) subscribe(notify domain.Notifier) func() {
	if notify == nil {
		return func() {}
	}

	b.mutex.Lock()
	id := b.next
	b.next++
	b.subscribers[id] = notify
	b.mutex.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mutex.Lock()
			delete(b.subscribers, id)
			b.mutex.Unlock()
		})
	}
}

func (b *broadcaster) notify(notification domain.Notification) {
	b.mutex.Lock()
	subscribers := make([]domain.Notifier, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		subscribers = append(subscribers, s)
	}
	b.mutex.Unlock()

	for _, s := range subscribers {
		s(notification)
	}
}
