package graphql

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/graphql-go/graphql"

	"github.com/uswitch/subscriptions/pkg/pubsub"
)

const DefaultChannel = "BASE"

type SchemaConfig struct {
	// Tick is the pause between items of countSeconds and randomInt.
	Tick time.Duration
	// Channel mutationExample publishes to and its subscription listens on.
	Channel string
	// Random picks the randomInt value.
	Random func() int
}

func (c SchemaConfig) withDefaults() SchemaConfig {
	if c.Tick <= 0 {
		c.Tick = time.Second
	}
	if c.Channel == "" {
		c.Channel = DefaultChannel
	}
	if c.Random == nil {
		c.Random = func() int { return rand.Intn(501) }
	}
	return c
}

func resolveSource(p graphql.ResolveParams) (interface{}, error) {
	return p.Source, nil
}

// sleep waits for d, reporting false if ctx finished first.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func send(ctx context.Context, ch chan<- interface{}, value interface{}) bool {
	select {
	case ch <- value:
		return true
	case <-ctx.Done():
		return false
	}
}

// NewSchema builds the example schema: a greeting query, a mutation that
// publishes its input through ps and subscriptions counting, drawing random
// numbers and relaying what the mutation published.
func NewSchema(ps pubsub.PubSub, config SchemaConfig) (graphql.Schema, error) {
	config = config.withDefaults()

	queryType := graphql.NewObject(graphql.ObjectConfig{
		Name: "Query",
		Fields: graphql.Fields{
			"base": &graphql.Field{
				Type: graphql.String,
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					return "Hello World!", nil
				},
			},
		},
	})

	mutationExampleType := graphql.NewObject(graphql.ObjectConfig{
		Name: "MutationExample",
		Fields: graphql.Fields{
			"outputText": &graphql.Field{
				Type: graphql.String,
			},
		},
	})

	mutationType := graphql.NewObject(graphql.ObjectConfig{
		Name: "Mutation",
		Fields: graphql.Fields{
			"mutationExample": &graphql.Field{
				Type: mutationExampleType,
				Args: graphql.FieldConfigArgument{
					"inputText": &graphql.ArgumentConfig{
						Type: graphql.String,
					},
				},
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					inputText, _ := p.Args["inputText"].(string)

					if err := ps.Publish(p.Context, config.Channel, inputText); err != nil {
						return nil, fmt.Errorf("publishing mutation: %w", err)
					}

					return map[string]interface{}{"outputText": inputText}, nil
				},
			},
		},
	})

	randomType := graphql.NewObject(graphql.ObjectConfig{
		Name: "RandomType",
		Fields: graphql.Fields{
			"seconds": &graphql.Field{
				Type: graphql.Int,
			},
			"randomInt": &graphql.Field{
				Type: graphql.Int,
			},
		},
	})

	subscriptionType := graphql.NewObject(graphql.ObjectConfig{
		Name: "Subscription",
		Fields: graphql.Fields{
			"countSeconds": &graphql.Field{
				Type:        graphql.Float,
				Description: "Counts from zero to upTo, one number per tick",
				Args: graphql.FieldConfigArgument{
					"upTo": &graphql.ArgumentConfig{
						Type:         graphql.Int,
						DefaultValue: 5,
					},
				},
				Subscribe: func(p graphql.ResolveParams) (interface{}, error) {
					upTo, _ := p.Args["upTo"].(int)
					ch := make(chan interface{})

					go func() {
						defer close(ch)

						for i := 0; i <= upTo; i++ {
							if i > 0 && !sleep(p.Context, config.Tick) {
								return
							}
							if !send(p.Context, ch, i) {
								return
							}
						}
					}()

					return ch, nil
				},
				Resolve: resolveSource,
			},
			"randomInt": &graphql.Field{
				Type:        randomType,
				Description: "A random number every tick, forever",
				Subscribe: func(p graphql.ResolveParams) (interface{}, error) {
					ch := make(chan interface{})

					go func() {
						defer close(ch)

						for i := 0; ; i++ {
							if i > 0 && !sleep(p.Context, config.Tick) {
								return
							}

							value := map[string]interface{}{
								"seconds":   i,
								"randomInt": config.Random(),
							}
							if !send(p.Context, ch, value) {
								return
							}
						}
					}()

					return ch, nil
				},
				Resolve: resolveSource,
			},
			"mutationExample": &graphql.Field{
				Type:        graphql.String,
				Description: "Every inputText published by the mutationExample mutation",
				Subscribe: func(p graphql.ResolveParams) (interface{}, error) {
					payloads, err := ps.Subscribe(p.Context, config.Channel)
					if err != nil {
						return nil, err
					}

					ch := make(chan interface{})

					go func() {
						defer close(ch)

						// payloads is closed once the context is done
						for payload := range payloads {
							send(p.Context, ch, payload)
						}
					}()

					return ch, nil
				},
				Resolve: resolveSource,
			},
		},
	})

	return graphql.NewSchema(graphql.SchemaConfig{
		Query:        queryType,
		Mutation:     mutationType,
		Subscription: subscriptionType,
	})
}
