package pubsub

import (
	"context"
	"sync"
)

type subscriber struct {
	ch  chan interface{}
	ctx context.Context

	// in-flight sends, the channel is only closed once they are done
	sending sync.WaitGroup
}

// InMemory fans out within one process.
type InMemory struct {
	registered map[string][]*subscriber

	rw sync.RWMutex
}

func NewInMemory() *InMemory {
	return &InMemory{
		registered: map[string][]*subscriber{},
	}
}

func (b *InMemory) Subscribe(ctx context.Context, channel string) (<-chan interface{}, error) {
	sub := &subscriber{ch: make(chan interface{}), ctx: ctx}

	b.rw.Lock()
	b.registered[channel] = append(b.registered[channel], sub)
	b.rw.Unlock()

	go func() {
		<-ctx.Done()

		b.rw.Lock()
		oldRegistered := b.registered[channel]
		newRegistered := make([]*subscriber, 0, len(oldRegistered))
		for _, regSub := range oldRegistered {
			if regSub != sub {
				newRegistered = append(newRegistered, regSub)
			}
		}

		if len(newRegistered) == 0 {
			delete(b.registered, channel)
		} else {
			b.registered[channel] = newRegistered
		}
		b.rw.Unlock()

		sub.sending.Wait()
		close(sub.ch)
	}()

	return sub.ch, nil
}

// Publish hands payload to every current subscriber of channel and returns
// once each has taken it or gone away.
func (b *InMemory) Publish(ctx context.Context, channel string, payload interface{}) error {
	b.rw.RLock()
	subs := b.registered[channel]
	for _, sub := range subs {
		sub.sending.Add(1)
	}
	b.rw.RUnlock()

	var wg sync.WaitGroup
	wg.Add(len(subs))

	for _, sub := range subs {
		go func(sub *subscriber) {
			defer wg.Done()
			defer sub.sending.Done()

			select {
			case sub.ch <- payload:
			case <-sub.ctx.Done():
			case <-ctx.Done():
			}
		}(sub)
	}

	wg.Wait()

	return ctx.Err()
}

// Subscribers is the number of live subscriptions to channel.
func (b *InMemory) Subscribers(channel string) int {
	b.rw.RLock()
	defer b.rw.RUnlock()

	return len(b.registered[channel])
}
