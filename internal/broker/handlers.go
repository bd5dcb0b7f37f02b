package broker

import (
	"context"
	"errors"
	"fmt"
)

var (
	errChannelsRequired   = errors.New("channels are required")
	errChannelRequired    = errors.New("channel is required")
	errTargetUserRequired = errors.New("target_user is required")
)

// channelsOf reads the "channels" list, falling back to a single "channel".
func channelsOf(msg Message) []string {
	if chs := msg.Strings("channels"); len(chs) > 0 {
		return chs
	}
	return msg.Strings("channel")
}

func handlePing(_ context.Context, b *Broker, c *Connection, msg Message) error {
	c.touch(b.clock.Now())
	b.reply(c, msg, Message{
		fieldType:   FramePong,
		"client_id": c.ID,
	})
	return nil
}

func handleSubscribe(_ context.Context, b *Broker, c *Connection, msg Message) error {
	channels := channelsOf(msg)
	if len(channels) == 0 {
		return errChannelsRequired
	}
	for _, ch := range channels {
		if err := b.Subscribe(c.ID, ch); err != nil {
			return err
		}
	}
	b.reply(c, msg, Message{
		fieldType:             FrameSubscribed,
		"channels":            channels,
		"total_subscriptions": len(b.Subscriptions(c.ID)),
	})
	return nil
}

func handleUnsubscribe(_ context.Context, b *Broker, c *Connection, msg Message) error {
	channels := channelsOf(msg)
	if len(channels) == 0 {
		return errChannelsRequired
	}
	for _, ch := range channels {
		if err := b.Unsubscribe(c.ID, ch); err != nil {
			return err
		}
	}
	b.reply(c, msg, Message{
		fieldType:             FrameUnsubscribed,
		"channels":            channels,
		"total_subscriptions": len(b.Subscriptions(c.ID)),
	})
	return nil
}

// handleBroadcast relays data to the other subscribers of a channel. The
// sender does not need to be subscribed itself.
func handleBroadcast(_ context.Context, b *Broker, c *Connection, msg Message) error {
	channel := msg.String("channel")
	if channel == "" {
		return errChannelRequired
	}
	frame := Message{
		fieldType: FrameBroadcast,
		"channel": channel,
		"data":    msg["data"],
		"sender":  c.ID,
	}
	if c.UserID != "" {
		frame["sender_user"] = c.UserID
	}
	recipients := b.BroadcastToChannel(channel, frame, c.ID)
	b.reply(c, msg, Message{
		fieldType:    FrameBroadcastSent,
		"channel":    channel,
		"recipients": recipients,
	})
	return nil
}

func handleUserMessage(_ context.Context, b *Broker, c *Connection, msg Message) error {
	target := msg.String("target_user")
	if target == "" {
		return errTargetUserRequired
	}
	delivered := b.SendToUser(target, Message{
		fieldType:     FrameUserMessage,
		"from_user":   c.UserID,
		"from_client": c.ID,
		"data":        msg["data"],
	})
	b.reply(c, msg, Message{
		fieldType:     FrameMessageSent,
		"target_user": target,
		"delivered":   delivered,
	})
	return nil
}

func handleGetStats(_ context.Context, b *Broker, c *Connection, msg Message) error {
	b.reply(c, msg, Message{
		fieldType: FrameStats,
		"stats":   b.Stats(),
	})
	return nil
}

// forwardHandler routes a domain event to channel subscribers without
// looking at its payload. The event keeps its own type; the broker only adds
// the sender id and the channel it was delivered on.
func forwardHandler(defaultChannels []string) Handler {
	defaults := append([]string(nil), defaultChannels...)
	return func(_ context.Context, b *Broker, c *Connection, msg Message) error {
		channels := channelsOf(msg)
		if len(channels) == 0 {
			channels = defaults
		}
		if len(channels) == 0 {
			return fmt.Errorf("no channel to forward %s to", msg.Kind())
		}

		recipients := 0
		for _, ch := range channels {
			frame := msg.clone()
			delete(frame, "channels")
			delete(frame, fieldRequestID)
			frame["channel"] = ch
			frame["sender"] = c.ID
			recipients += b.BroadcastToChannel(ch, frame, c.ID)
		}
		b.reply(c, msg, Message{
			fieldType:    FrameForwarded,
			"event_type": string(msg.Kind()),
			"channels":   channels,
			"recipients": recipients,
		})
		return nil
	}
}
