package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"cardspace_rt/server/common/log"
)

const EventsChannel = "realtime:events"

// RedisBridge replicates envelopes between router nodes over Redis pub/sub.
type RedisBridge struct {
	client  *redis.Client
	channel string
	nodeID  string
}

func NewRedisBridge(client *redis.Client, nodeID string) *RedisBridge {
	return &RedisBridge{client: client, channel: EventsChannel, nodeID: nodeID}
}

func (b *RedisBridge) Publish(ctx context.Context, env Envelope) error {
	raw, err := EncodeEnvelope(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, raw).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Run subscribes to the events channel and hands every envelope published by
// another node to apply. It returns when ctx is done.
func (b *RedisBridge) Run(ctx context.Context, apply func(Envelope)) error {
	// TODO: expire remote connections whose origin node stops publishing so a
	// crashed node's users do not linger in rosters.
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe %s: %w", b.channel, err)
	}
	log.Infof("event=realtime_bridge action=subscribe status=ok channel=%s node_id=%s", b.channel, b.nodeID)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("redis subscription closed")
			}
			env, err := DecodeEnvelope([]byte(msg.Payload))
			if err != nil {
				log.Warnf("event=realtime_bridge action=decode status=failed error=%v", err)
				continue
			}
			if env.Origin == b.nodeID {
				continue
			}
			apply(env)
		}
	}
}
