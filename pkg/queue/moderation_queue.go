package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"autovision/internal/util"
)

const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

// ModerationEvent describes a listing taken down for a policy violation.
// The messaging core consumes these to notify the listing owner.
type ModerationEvent struct {
	ID           string    `json:"id"`
	ListingID    string    `json:"listingId"`
	OwnerID      string    `json:"ownerId"`
	Reason       string    `json:"reason"`
	Details      string    `json:"details,omitempty"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	Attempts     int       `json:"attempts"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// RedisModerationQueue delivers moderation events over a Redis Stream with a
// consumer group, pending-claim recovery, and bounded retries.
type RedisModerationQueue struct {
	client       *redis.Client
	stream       string
	group        string
	consumerBase string
	eventTTL     time.Duration
	maxRetries   int
	block        time.Duration
	claimIdle    time.Duration
	retryDelay   time.Duration
	maxLen       int64
	readCount    int64
	claimCount   int64
	once         sync.Once
}

type RedisQueueConfig struct {
	Addr       string
	Password   string
	Stream     string
	Group      string
	Consumer   string
	EventTTL   time.Duration
	MaxRetries int
	Block      time.Duration
	ClaimIdle  time.Duration
	RetryDelay time.Duration
	MaxLen     int64
	ReadCount  int64
	ClaimCount int64
}

func NewRedisModerationQueue(cfg RedisQueueConfig) (*RedisModerationQueue, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		return nil, errors.New("queue stream required")
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "messaging"
	}
	consumer := strings.TrimSpace(cfg.Consumer)
	if consumer == "" {
		consumer = util.NewID()
	}
	eventTTL := cfg.EventTTL
	if eventTTL <= 0 {
		eventTTL = 24 * time.Hour
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	block := cfg.Block
	if block <= 0 {
		block = 5 * time.Second
	}
	claimIdle := cfg.ClaimIdle
	if claimIdle <= 0 {
		claimIdle = 30 * time.Second
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 2 * time.Second
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 10000
	}
	readCount := cfg.ReadCount
	if readCount <= 0 {
		readCount = 10
	}
	claimCount := cfg.ClaimCount
	if claimCount <= 0 {
		claimCount = 10
	}

	return &RedisModerationQueue{
		client:       redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password}),
		stream:       stream,
		group:        group,
		consumerBase: consumer,
		eventTTL:     eventTTL,
		maxRetries:   maxRetries,
		block:        block,
		claimIdle:    claimIdle,
		retryDelay:   retryDelay,
		maxLen:       maxLen,
		readCount:    readCount,
		claimCount:   claimCount,
	}, nil
}

// Enqueue publishes a moderation event. Callers outside the messaging core
// (the admin panel backend) use this to hand off listing removals.
func (q *RedisModerationQueue) Enqueue(ctx context.Context, listingID, ownerID, reason, details string) (ModerationEvent, error) {
	listingID = strings.TrimSpace(listingID)
	ownerID = strings.TrimSpace(ownerID)
	if listingID == "" || ownerID == "" {
		return ModerationEvent{}, errors.New("listingId and ownerId required")
	}
	event := ModerationEvent{
		ID:        util.NewID(),
		ListingID: listingID,
		OwnerID:   ownerID,
		Reason:    strings.TrimSpace(reason),
		Details:   strings.TrimSpace(details),
		Status:    StatusQueued,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := q.writeStatus(ctx, event); err != nil {
		return ModerationEvent{}, err
	}
	if err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: eventValues(event),
	}).Err(); err != nil {
		return ModerationEvent{}, err
	}
	return event, nil
}

// GetEvent returns the tracked status of one event.
func (q *RedisModerationQueue) GetEvent(ctx context.Context, eventID string) (ModerationEvent, bool, error) {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return ModerationEvent{}, false, nil
	}
	data, err := q.client.HGetAll(ctx, q.eventKey(eventID)).Result()
	if err != nil {
		return ModerationEvent{}, false, err
	}
	if len(data) == 0 {
		return ModerationEvent{}, false, nil
	}
	return decodeEvent(eventID, data), true, nil
}

// Start launches consumer goroutines that run handler for each event until
// ctx is canceled. Handler failures retry up to MaxRetries.
func (q *RedisModerationQueue) Start(ctx context.Context, concurrency int, handler func(context.Context, ModerationEvent) error) {
	if concurrency <= 0 {
		concurrency = 1
	}
	q.ensureGroup(ctx)
	for i := 0; i < concurrency; i++ {
		consumer := fmt.Sprintf("%s-%d", q.consumerBase, i)
		go q.consumeLoop(ctx, consumer, handler)
	}
}

func (q *RedisModerationQueue) ensureGroup(ctx context.Context) {
	q.once.Do(func() {
		err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "$").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			// best-effort; errors will surface on consume
		}
	})
}

func (q *RedisModerationQueue) consumeLoop(ctx context.Context, consumer string, handler func(context.Context, ModerationEvent) error) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if msgs, err := q.claimPending(ctx, consumer); err == nil {
			for _, msg := range msgs {
				q.handleMessage(ctx, msg, handler)
			}
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: consumer,
			Streams:  []string{q.stream, ">"},
			Count:    q.readCount,
			Block:    q.block,
		}).Result()
		if err != nil {
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				q.handleMessage(ctx, msg, handler)
			}
		}
	}
}

func (q *RedisModerationQueue) claimPending(ctx context.Context, consumer string) ([]redis.XMessage, error) {
	res, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  q.claimIdle,
		Start:    "0-0",
		Count:    q.claimCount,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (q *RedisModerationQueue) handleMessage(ctx context.Context, msg redis.XMessage, handler func(context.Context, ModerationEvent) error) {
	event := eventFromValues(msg.Values)
	if event.ID == "" || event.OwnerID == "" || event.ListingID == "" {
		q.ackAndDel(ctx, msg.ID)
		return
	}
	event, err := q.markProcessing(ctx, event)
	if err != nil {
		q.ackAndDel(ctx, msg.ID)
		return
	}
	handleErr := handler(ctx, event)
	if handleErr == nil {
		_ = q.markDone(ctx, event.ID)
		q.ackAndDel(ctx, msg.ID)
		return
	}
	if event.Attempts >= q.maxRetries {
		_ = q.markFailed(ctx, event.ID, handleErr.Error())
		q.ackAndDel(ctx, msg.ID)
		return
	}
	_ = q.markQueued(ctx, event.ID, handleErr.Error())
	if q.retryDelay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(q.retryDelay):
		}
	}
	_ = q.requeueAndAck(ctx, msg.ID, event)
}

func (q *RedisModerationQueue) ackAndDel(ctx context.Context, msgID string) {
	_, _ = q.client.XAck(ctx, q.stream, q.group, msgID).Result()
	_, _ = q.client.XDel(ctx, q.stream, msgID).Result()
}

func (q *RedisModerationQueue) requeueAndAck(ctx context.Context, msgID string, event ModerationEvent) error {
	pipe := q.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: eventValues(event),
	})
	pipe.XAck(ctx, q.stream, q.group, msgID)
	pipe.XDel(ctx, q.stream, msgID)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisModerationQueue) markProcessing(ctx context.Context, fromStream ModerationEvent) (ModerationEvent, error) {
	event, ok, err := q.GetEvent(ctx, fromStream.ID)
	if err != nil {
		return ModerationEvent{}, err
	}
	if !ok {
		event = fromStream
	}
	event.Attempts++
	event.Status = StatusProcessing
	event.UpdatedAt = time.Now().UTC()
	if event.CreatedAt.IsZero() {
		event.CreatedAt = event.UpdatedAt
	}
	if err := q.writeStatus(ctx, event); err != nil {
		return ModerationEvent{}, err
	}
	return event, nil
}

func (q *RedisModerationQueue) markQueued(ctx context.Context, eventID, errMsg string) error {
	return q.setStatus(ctx, eventID, StatusQueued, errMsg)
}

func (q *RedisModerationQueue) markDone(ctx context.Context, eventID string) error {
	return q.setStatus(ctx, eventID, StatusDone, "")
}

func (q *RedisModerationQueue) markFailed(ctx context.Context, eventID, errMsg string) error {
	return q.setStatus(ctx, eventID, StatusFailed, errMsg)
}

func (q *RedisModerationQueue) setStatus(ctx context.Context, eventID, status, errMsg string) error {
	event, _, err := q.GetEvent(ctx, eventID)
	if err != nil {
		return err
	}
	if event.ID == "" {
		event.ID = eventID
	}
	event.Status = status
	event.ErrorMessage = errMsg
	event.UpdatedAt = time.Now().UTC()
	return q.writeStatus(ctx, event)
}

func (q *RedisModerationQueue) writeStatus(ctx context.Context, event ModerationEvent) error {
	key := q.eventKey(event.ID)
	payload := map[string]any{
		"id":        event.ID,
		"listingId": event.ListingID,
		"ownerId":   event.OwnerID,
		"reason":    event.Reason,
		"details":   event.Details,
		"status":    event.Status,
		"error":     event.ErrorMessage,
		"attempts":  strconv.Itoa(event.Attempts),
		"createdAt": event.CreatedAt.Format(time.RFC3339Nano),
		"updatedAt": event.UpdatedAt.Format(time.RFC3339Nano),
	}
	if err := q.client.HSet(ctx, key, payload).Err(); err != nil {
		return err
	}
	_ = q.client.Expire(ctx, key, q.eventTTL).Err()
	return nil
}

func (q *RedisModerationQueue) eventKey(eventID string) string {
	return fmt.Sprintf("moderation:%s:%s", q.stream, eventID)
}

func eventValues(event ModerationEvent) map[string]any {
	return map[string]any{
		"event_id":   event.ID,
		"listing_id": event.ListingID,
		"owner_id":   event.OwnerID,
		"reason":     event.Reason,
		"details":    event.Details,
	}
}

func eventFromValues(values map[string]any) ModerationEvent {
	event := ModerationEvent{}
	event.ID, _ = values["event_id"].(string)
	event.ListingID, _ = values["listing_id"].(string)
	event.OwnerID, _ = values["owner_id"].(string)
	event.Reason, _ = values["reason"].(string)
	event.Details, _ = values["details"].(string)
	return event
}

func decodeEvent(eventID string, data map[string]string) ModerationEvent {
	event := ModerationEvent{ID: eventID}
	event.ListingID = data["listingId"]
	event.OwnerID = data["ownerId"]
	event.Reason = data["reason"]
	event.Details = data["details"]
	event.Status = data["status"]
	event.ErrorMessage = data["error"]
	if v := data["attempts"]; v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			event.Attempts = n
		}
	}
	if v := data["createdAt"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			event.CreatedAt = t
		}
	}
	if v := data["updatedAt"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			event.UpdatedAt = t
		}
	}
	return event
}
