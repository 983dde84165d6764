package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/coopco/kimibridge/internal/bus"
)

func init() {
	Register("slack", newSlackChannel)
}

type slackConfig struct {
	BotToken     string   `json:"botToken"`
	AppToken     string   `json:"appToken"`
	AllowedUsers []string `json:"allowedUsers"`
	DownloadDir  string   `json:"downloadDir"`
}

// SlackChannel implements Channel for Slack via socket mode.
type SlackChannel struct {
	client       *slack.Client
	socketClient *socketmode.Client
	bus          *bus.MessageBus
	allowedUsers map[string]bool
	downloadDir  string
}

func newSlackChannel(cfg json.RawMessage, msgBus *bus.MessageBus) (Channel, error) {
	var c slackConfig
	if err := json.Unmarshal(cfg, &c); err != nil {
		return nil, err
	}
	allowed := make(map[string]bool, len(c.AllowedUsers))
	for _, u := range c.AllowedUsers {
		allowed[u] = true
	}
	downloadDir := c.DownloadDir
	if downloadDir == "" {
		downloadDir = os.TempDir()
	}
	client := slack.New(c.BotToken, slack.OptionAppLevelToken(c.AppToken))
	socketClient := socketmode.New(client)
	return &SlackChannel{
		client:       client,
		socketClient: socketClient,
		bus:          msgBus,
		allowedUsers: allowed,
		downloadDir:  downloadDir,
	}, nil
}

func (c *SlackChannel) Name() string { return "slack" }

func (c *SlackChannel) Start(ctx context.Context) error {
	go func() {
		for evt := range c.socketClient.Events {
			if evt.Type != socketmode.EventTypeEventsAPI {
				if evt.Request != nil {
					c.socketClient.Ack(*evt.Request)
				}
				continue
			}
			eventsAPI, ok := evt.Data.(slackevents.EventsAPIEvent)
			if !ok {
				c.socketClient.Ack(*evt.Request)
				continue
			}
			c.socketClient.Ack(*evt.Request)
			if eventsAPI.Type != slackevents.CallbackEvent {
				continue
			}
			inner, ok := eventsAPI.InnerEvent.Data.(*slackevents.MessageEvent)
			if !ok {
				continue
			}
			// skip bot messages
			if inner.BotID != "" {
				continue
			}
			if !c.IsAllowed(inner.User) {
				slog.Warn("slack: message from disallowed user", "user", inner.User)
				continue
			}
			c.handleMessage(inner)
		}
	}()
	// Start must not block; the socket loop runs until ctx is cancelled.
	go func() {
		if err := c.socketClient.RunContext(ctx); err != nil && ctx.Err() == nil {
			slog.Error("slack: socket loop exited", "err", err)
		}
	}()
	return nil
}

func (c *SlackChannel) handleMessage(ev *slackevents.MessageEvent) {
	msg := bus.InboundMessage{
		Channel:  "slack",
		MsgID:    ev.TimeStamp,
		SenderID: ev.User,
		ChatID:   ev.Channel,
		Kind:     bus.KindText,
		Content:  ev.Text,
	}
	if ev.ChannelType != "im" {
		msg.IsGroup = true
		msg.GroupID = ev.Channel
	}
	if len(ev.Files) > 0 {
		file := ev.Files[0]
		msg.Kind = mimeKind(file.Mimetype)
		msg.Attachment = &bus.Attachment{Name: file.Name, MimeType: file.Mimetype}
		msg.Prepare = c.preparer(file.URLPrivateDownload, msg.Attachment)
	}
	c.bus.PublishInbound(msg)
}

func mimeKind(mimetype string) bus.MessageKind {
	switch {
	case strings.HasPrefix(mimetype, "image/"):
		return bus.KindImage
	case strings.HasPrefix(mimetype, "video/"):
		return bus.KindVideo
	default:
		return bus.KindFile
	}
}

// preparer downloads the file through the authenticated client; plain GETs
// on Slack file URLs return the login page.
func (c *SlackChannel) preparer(url string, att *bus.Attachment) func() error {
	return func() error {
		if att.LocalPath != "" {
			return nil
		}
		path := filepath.Join(c.downloadDir, fmt.Sprintf("%d_%s", time.Now().UnixNano(), att.Name))
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("slack: create local file: %w", err)
		}
		if err := c.client.GetFile(url, f); err != nil {
			f.Close()
			os.Remove(path)
			return fmt.Errorf("slack: download file: %w", err)
		}
		if err := f.Close(); err != nil {
			return err
		}
		att.LocalPath = path
		return nil
	}
}

func (c *SlackChannel) Stop() error { return nil }

func (c *SlackChannel) Send(msg bus.OutboundMessage) error {
	_, _, err := c.client.PostMessage(msg.ChatID, slack.MsgOptionText(msg.Content, false))
	if err != nil {
		return fmt.Errorf("slack: post message: %w", err)
	}
	return nil
}

func (c *SlackChannel) IsAllowed(senderID string) bool {
	if len(c.allowedUsers) == 0 {
		return true
	}
	return c.allowedUsers[senderID]
}
