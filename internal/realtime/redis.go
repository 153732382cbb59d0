package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const feedChannel = "pressroom:feed"

// RedisFeed routes events through a Redis pub/sub channel so that every
// API instance's hub sees mutations made on any instance. Broadcast
// publishes to Redis only; local delivery happens through the
// subscription loop like everyone else's, keeping delivery order the
// Redis channel order for all instances.
type RedisFeed struct {
	client *redis.Client
	hub    *Hub
	pubsub *redis.PubSub
	cancel context.CancelFunc
}

func NewRedisFeed(redisURL string, hub *Hub) (*RedisFeed, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	loopCtx, loopCancel := context.WithCancel(context.Background())
	feed := &RedisFeed{
		client: client,
		hub:    hub,
		pubsub: client.Subscribe(loopCtx, feedChannel),
		cancel: loopCancel,
	}
	go feed.receiveLoop()
	return feed, nil
}

func (f *RedisFeed) receiveLoop() {
	for msg := range f.pubsub.Channel() {
		var ev Event
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			log.Printf("realtime: dropping malformed feed payload: %v", err)
			continue
		}
		f.hub.Publish(ev)
	}
}

// Broadcast publishes the event to the shared Redis channel.
func (f *RedisFeed) Broadcast(ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Printf("realtime: marshal feed event: %v", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.client.Publish(ctx, feedChannel, payload).Err(); err != nil {
		log.Printf("realtime: publish feed event: %v", err)
	}
}

func (f *RedisFeed) Close() error {
	f.cancel()
	_ = f.pubsub.Close()
	return f.client.Close()
}
