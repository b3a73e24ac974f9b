// Package chat keeps the bot's IRC presence in sync with the set of enabled
// channels: when a channel is registered the bot joins its chat, and when the
// lifecycle disables a channel the bot departs on the next sync.
package chat

import (
	"context"
	"log/slog"
	"sort"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"
)

// ChannelLister provides the usernames whose chats the bot should be in.
type ChannelLister interface {
	ListEnabledUsernames(ctx context.Context) ([]string, error)
}

// Presence maintains bot membership in the chats of all enabled channels.
type Presence struct {
	Username string
	// IRCToken is the bot's chat credential, "oauth:" prefixed.
	IRCToken string
	Channels ChannelLister
	// SyncInterval controls how often membership is reconciled. Default 1m.
	SyncInterval time.Duration

	client *twitch.Client
	joined map[string]bool
}

func (p *Presence) interval() time.Duration {
	if p.SyncInterval > 0 {
		return p.SyncInterval
	}
	return time.Minute
}

// diffPresence computes which channels to join and which to depart given the
// current membership and the desired set. Results are sorted for stable logs.
func diffPresence(joined map[string]bool, want []string) (join, depart []string) {
	wanted := make(map[string]bool, len(want))
	for _, c := range want {
		wanted[c] = true
		if !joined[c] {
			join = append(join, c)
		}
	}
	for c := range joined {
		if !wanted[c] {
			depart = append(depart, c)
		}
	}
	sort.Strings(join)
	sort.Strings(depart)
	return join, depart
}

func (p *Presence) sync(ctx context.Context) {
	want, err := p.Channels.ListEnabledUsernames(ctx)
	if err != nil {
		slog.Warn("presence sync: failed to list channels", slog.Any("err", err))
		return
	}
	join, depart := diffPresence(p.joined, want)
	for _, c := range join {
		p.client.Join(c)
		p.joined[c] = true
		slog.Info("joined channel chat", slog.String("channel", c))
	}
	for _, c := range depart {
		p.client.Depart(c)
		delete(p.joined, c)
		slog.Info("departed channel chat", slog.String("channel", c))
	}
}

// Start connects to Twitch IRC and reconciles membership every SyncInterval
// until the context is cancelled. It blocks; run it in a goroutine. Missing
// credentials disable presence rather than failing startup.
func (p *Presence) Start(ctx context.Context) {
	if p.Username == "" || p.IRCToken == "" {
		slog.Info("bot IRC creds not set; chat presence disabled")
		return
	}
	p.client = twitch.NewClient(p.Username, p.IRCToken)
	p.joined = make(map[string]bool)

	p.client.OnConnect(func() {
		slog.Info("connected to twitch chat", slog.String("username", p.Username))
		p.sync(ctx)
	})

	go func() {
		ticker := time.NewTicker(p.interval())
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.sync(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		<-ctx.Done()
		_ = p.client.Disconnect()
	}()

	if err := p.client.Connect(); err != nil && ctx.Err() == nil {
		slog.Error("twitch chat connect error", slog.Any("err", err))
	}
}
