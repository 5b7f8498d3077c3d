package chathub

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"peersupport/backend/internal/models"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// envelope is the payload published on a redis channel.
type envelope struct {
	Audience *Audience    `json:"audience,omitempty"`
	Event    models.Event `json:"event"`
}

// RedisBus carries personal channels across nodes with redis pub/sub.
// Each node holds one subscription and adds user channels as their first
// connection arrives.
type RedisBus struct {
	client *redis.Client
	prefix string
	pubsub *redis.PubSub
	local  *localDelivery
	log    *zap.Logger
}

// NewRedisBus subscribes to the responders channel straight away; user
// channels are added by Subscribe.
func NewRedisBus(ctx context.Context, client *redis.Client, prefix string, presence *Presence, metrics *Metrics, log *zap.Logger) *RedisBus {
	b := &RedisBus{
		client: client,
		prefix: prefix,
		local:  &localDelivery{presence: presence, metrics: metrics, log: log},
		log:    log,
	}
	b.pubsub = client.Subscribe(ctx, b.respondersChannel())
	return b
}

var _ Bus = (*RedisBus)(nil)

func (b *RedisBus) userChannel(userID string) string {
	return b.prefix + "user:" + userID
}

func (b *RedisBus) respondersChannel() string {
	return b.prefix + "responders"
}

func (b *RedisBus) Subscribe(ctx context.Context, userID string) error {
	return b.pubsub.Subscribe(ctx, b.userChannel(userID))
}

func (b *RedisBus) Unsubscribe(ctx context.Context, userID string) error {
	return b.pubsub.Unsubscribe(ctx, b.userChannel(userID))
}

func (b *RedisBus) Publish(ctx context.Context, userID string, ev *models.Event) error {
	return b.publish(ctx, b.userChannel(userID), envelope{Event: *ev})
}

func (b *RedisBus) Advertise(ctx context.Context, ev *models.Event, audience Audience) error {
	return b.publish(ctx, b.respondersChannel(), envelope{Audience: &audience, Event: *ev})
}

func (b *RedisBus) publish(ctx context.Context, channel string, env envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// Run delivers received events to local connections until ctx is cancelled
// or the subscription is closed.
func (b *RedisBus) Run(ctx context.Context) {
	ch := b.pubsub.Channel()
	b.log.Info("redis bus listening", zap.String("prefix", b.prefix))

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.handle(msg)
		}
	}
}

func (b *RedisBus) handle(msg *redis.Message) {
	var env envelope
	if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
		b.log.Error("error unmarshalling bus message", zap.String("channel", msg.Channel), zap.Error(err))
		return
	}

	if msg.Channel == b.respondersChannel() {
		var audience Audience
		if env.Audience != nil {
			audience = *env.Audience
		}
		b.local.toResponders(&env.Event, audience)
		return
	}

	userID, ok := strings.CutPrefix(msg.Channel, b.prefix+"user:")
	if !ok {
		return
	}
	b.local.toUser(userID, &env.Event)
}

// Close ends the subscription, which also stops Run.
func (b *RedisBus) Close() error {
	return b.pubsub.Close()
}
