// Package broadcast fans out tally and proposal-state events to live
// subscribers. The stream is not replayable: reconnecting clients re-fetch
// current state over the HTTP API and then resume streaming.
package broadcast

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	EventProposalStateChanged = "ProposalStateChanged"
	EventTallyUpdated         = "TallyUpdated"
	EventVoteCast             = "VoteCast"
)

type Event struct {
	Type            string    `json:"type"`
	ProposalID      string    `json:"proposalId,omitempty"`
	OrgID           string    `json:"orgId,omitempty"`
	Payload         any       `json:"payload,omitempty"`
	ServerTimestamp time.Time `json:"serverTimestamp"`
}

// Topics lists the subscription topics an event is delivered to.
func (e Event) Topics() []string {
	var topics []string
	if e.ProposalID != "" {
		topics = append(topics, "proposal:"+e.ProposalID)
	}
	if e.OrgID != "" {
		topics = append(topics, "org:"+e.OrgID)
	}
	return topics
}

// subscriberBuffer bounds how far a slow consumer may lag before it is
// dropped. Publishers never block on delivery.
const subscriberBuffer = 16

type Subscriber struct {
	topics map[string]struct{}
	ch     chan Event
	once   sync.Once
}

// Events yields the subscriber's event stream. The channel closes when the
// subscriber is dropped or unsubscribed.
func (s *Subscriber) Events() <-chan Event {
	return s.ch
}

func (s *Subscriber) close() {
	s.once.Do(func() { close(s.ch) })
}

// Hub delivers events to topic subscribers. With a Redis client configured,
// publishes travel through a Redis channel so every API instance delivers to
// its own local subscribers.
type Hub struct {
	mu      sync.Mutex
	subs    map[*Subscriber]struct{}
	redis   *redis.Client
	channel string
}

func NewHub() *Hub {
	return &Hub{subs: make(map[*Subscriber]struct{})}
}

func NewHubWithRedis(client *redis.Client, channel string) *Hub {
	if channel == "" {
		channel = "boardroom.events"
	}
	return &Hub{
		subs:    make(map[*Subscriber]struct{}),
		redis:   client,
		channel: channel,
	}
}

// Run consumes the Redis bridge until ctx is cancelled. No-op without Redis.
func (h *Hub) Run(ctx context.Context) {
	if h.redis == nil {
		return
	}
	sub := h.redis.Subscribe(ctx, h.channel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				log.Printf("broadcast: drop malformed bridge event: %v", err)
				continue
			}
			h.deliver(event)
		}
	}
}

func (h *Hub) Subscribe(topics ...string) *Subscriber {
	sub := &Subscriber{
		topics: make(map[string]struct{}, len(topics)),
		ch:     make(chan Event, subscriberBuffer),
	}
	for _, topic := range topics {
		sub.topics[topic] = struct{}{}
	}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	_, present := h.subs[sub]
	delete(h.subs, sub)
	h.mu.Unlock()
	if present {
		sub.close()
	}
}

// Publish sends an event to every subscriber of its topics. With a Redis
// bridge the event round-trips through Redis so other instances see it too.
func (h *Hub) Publish(ctx context.Context, event Event) {
	if event.ServerTimestamp.IsZero() {
		event.ServerTimestamp = time.Now().UTC()
	}
	if h.redis != nil {
		payload, err := json.Marshal(event)
		if err != nil {
			log.Printf("broadcast: marshal event: %v", err)
			return
		}
		if err := h.redis.Publish(ctx, h.channel, payload).Err(); err != nil {
			// Bridge down: degrade to local-only delivery rather than
			// losing the event for this instance's subscribers.
			log.Printf("broadcast: redis publish failed, delivering locally: %v", err)
			h.deliver(event)
		}
		return
	}
	h.deliver(event)
}

func (h *Hub) deliver(event Event) {
	topics := event.Topics()
	if len(topics) == 0 {
		return
	}

	var dropped []*Subscriber
	h.mu.Lock()
	for sub := range h.subs {
		if !sub.matches(topics) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			// Slow consumer: drop it, the client reconnects and resyncs.
			delete(h.subs, sub)
			dropped = append(dropped, sub)
		}
	}
	h.mu.Unlock()

	for _, sub := range dropped {
		sub.close()
	}
	if len(dropped) > 0 {
		log.Printf("broadcast: dropped %d slow subscriber(s)", len(dropped))
	}
}

func (s *Subscriber) matches(topics []string) bool {
	for _, topic := range topics {
		if _, ok := s.topics[topic]; ok {
			return true
		}
	}
	return false
}

// SubscriberCount reports current local subscribers, for readiness output.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
