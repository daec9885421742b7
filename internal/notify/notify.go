// Package notify pushes escalations and mission outcomes to chat
// channels where operators actually look.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/duneforge/workforce/internal/mission"
	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

// Sink delivers one notification message.
type Sink interface {
	Name() string
	Send(ctx context.Context, text string) error
}

// SlackSink posts notifications to a Slack channel.
type SlackSink struct {
	client    *slack.Client
	channelID string
}

// NewSlackSink creates a sink from a Bot User OAuth Token (xoxb-...).
func NewSlackSink(botToken, channelID string) *SlackSink {
	return &SlackSink{
		client:    slack.New(botToken),
		channelID: channelID,
	}
}

func (s *SlackSink) Name() string { return "slack" }

func (s *SlackSink) Send(ctx context.Context, text string) error {
	_, _, err := s.client.PostMessageContext(ctx, s.channelID,
		slack.MsgOptionText(text, false),
	)
	if err != nil {
		return fmt.Errorf("slack post: %w", err)
	}
	return nil
}

// DiscordSink posts notifications to a Discord channel.
type DiscordSink struct {
	session   *discordgo.Session
	channelID string
}

// NewDiscordSink creates a sink from a Discord bot token.
func NewDiscordSink(botToken, channelID string) (*DiscordSink, error) {
	session, err := discordgo.New("Bot " + botToken)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	return &DiscordSink{session: session, channelID: channelID}, nil
}

func (d *DiscordSink) Name() string { return "discord" }

func (d *DiscordSink) Send(ctx context.Context, text string) error {
	_, err := d.session.ChannelMessageSend(d.channelID, text)
	if err != nil {
		return fmt.Errorf("discord send: %w", err)
	}
	return nil
}

// Dispatcher watches missions and forwards escalations and terminal
// outcomes to every configured sink. Delivery failures are logged and
// dropped.
type Dispatcher struct {
	sinks  []Sink
	logger *zap.Logger
}

// NewDispatcher creates a dispatcher over the given sinks.
func NewDispatcher(sinks []Sink, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{sinks: sinks, logger: logger}
}

// Attach subscribes to escalation events and the mission's terminal
// transition.
func (d *Dispatcher) Attach(ctx context.Context, st *mission.Store) {
	events, cancel := st.Watch(mission.Filter{}, 64)

	go func() {
		defer cancel()
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return
				}
				if ev.Entry != nil && ev.Entry.Kind == mission.KindEscalation {
					d.broadcast(ctx, formatEscalation(st.ID(), ev.Entry))
				}
				if ev.Mission == mission.StatusCompleted || ev.Mission == mission.StatusFailed {
					d.broadcast(ctx, formatOutcome(st.Report()))
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (d *Dispatcher) broadcast(ctx context.Context, text string) {
	for _, s := range d.sinks {
		if err := s.Send(ctx, text); err != nil {
			d.logger.Warn("notification delivery failed",
				zap.String("sink", s.Name()), zap.Error(err))
		}
	}
}

const timeUnit = 100 * time.Millisecond

func formatEscalation(missionID string, e *mission.LogEntry) string {
	msg, _ := e.Payload["message"].(string)
	code, _ := e.Payload["code"].(string)
	return fmt.Sprintf(":rotating_light: mission %s: task %s gave up (%s): %s",
		missionID, e.TaskID, code, msg)
}

func formatOutcome(r mission.Report) string {
	switch {
	case r.Status == mission.StatusFailed:
		return fmt.Sprintf(":x: mission %s failed: %d task(s) completed, %d failed (%s)",
			r.MissionID, r.Completed, len(r.Failed), r.Duration.Round(timeUnit))
	case r.PartialFailure:
		return fmt.Sprintf(":warning: mission %s completed with partial failure: %d done, %d failed (%s)",
			r.MissionID, r.Completed, len(r.Failed), r.Duration.Round(timeUnit))
	default:
		return fmt.Sprintf(":white_check_mark: mission %s completed: %d task(s) in %s",
			r.MissionID, r.Completed, r.Duration.Round(timeUnit))
	}
}
