// Package events fans mission activity out to Redis Streams so external
// consumers can follow missions without polling the API.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/duneforge/workforce/internal/mission"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const streamPrefix = "workforce:mission:"

// StreamEvent is the wire shape of one activity log entry on a mission
// stream.
type StreamEvent struct {
	MissionID string            `json:"mission_id"`
	Status    mission.Status    `json:"status"`
	Seq       uint64            `json:"seq"`
	Kind      mission.EventKind `json:"kind"`
	TaskID    string            `json:"task_id,omitempty"`
	WorkerID  string            `json:"worker_id,omitempty"`
	Payload   map[string]any    `json:"payload,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Publisher mirrors mission activity onto per-mission Redis streams.
type Publisher struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// NewPublisher connects to Redis and verifies the connection.
func NewPublisher(redisURL string, logger *zap.Logger) (*Publisher, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Publisher{rdb: rdb, logger: logger}, nil
}

// Attach subscribes to the mission store and republishes every log
// entry until the mission settles. Publish failures are logged and the
// entry is dropped; the stream is a mirror, not the source of truth.
func (p *Publisher) Attach(ctx context.Context, st *mission.Store) {
	events, cancel := st.Watch(mission.Filter{}, 256)
	stream := streamPrefix + st.ID()

	go func() {
		defer cancel()
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return
				}
				if ev.Entry == nil {
					continue
				}
				p.publish(ctx, stream, st.ID(), ev)
				if ev.Mission == mission.StatusCompleted || ev.Mission == mission.StatusFailed {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (p *Publisher) publish(ctx context.Context, stream, missionID string, ev mission.Event) {
	se := StreamEvent{
		MissionID: missionID,
		Status:    ev.Mission,
		Seq:       ev.Entry.Seq,
		Kind:      ev.Entry.Kind,
		TaskID:    ev.Entry.TaskID,
		WorkerID:  ev.Entry.WorkerID,
		Payload:   ev.Entry.Payload,
		Timestamp: ev.Entry.Timestamp,
	}
	data, err := json.Marshal(se)
	if err != nil {
		p.logger.Warn("marshal stream event failed", zap.Error(err))
		return
	}

	if err := p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: 10000,
		Approx: true,
		Values: map[string]interface{}{
			"data": string(data),
		},
	}).Err(); err != nil {
		p.logger.Warn("publish stream event failed",
			zap.String("stream", stream),
			zap.Uint64("seq", se.Seq),
			zap.Error(err))
	}
}

// Follow reads a mission's stream from the beginning, emitting events
// until ctx is cancelled. Used by external consumers and tests.
func (p *Publisher) Follow(ctx context.Context, missionID string) <-chan StreamEvent {
	ch := make(chan StreamEvent, 16)
	stream := streamPrefix + missionID

	go func() {
		defer close(ch)
		lastID := "0"

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			results, err := p.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{stream, lastID},
				Count:   10,
				Block:   time.Second * 2,
			}).Result()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				continue
			}

			for _, r := range results {
				for _, msg := range r.Messages {
					lastID = msg.ID
					data, ok := msg.Values["data"].(string)
					if !ok {
						continue
					}
					var se StreamEvent
					if json.Unmarshal([]byte(data), &se) == nil {
						select {
						case ch <- se:
						case <-ctx.Done():
							return
						}
					}
				}
			}
		}
	}()
	return ch
}

// Close shuts down the Redis connection.
func (p *Publisher) Close() error {
	return p.rdb.Close()
}
