// Package pubsub fans published payloads out to every subscriber of a
// channel. Resolvers get an explicitly constructed PubSub, there is no
// process wide instance.
package pubsub

import "context"

// PubSub is safe for concurrent use by many sessions.
type PubSub interface {
	Publish(ctx context.Context, channel string, payload interface{}) error

	// Subscribe returns a channel of the payloads published on channel. It is
	// closed once ctx is done.
	Subscribe(ctx context.Context, channel string) (<-chan interface{}, error)
}
