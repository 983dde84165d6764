package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/coopco/kimibridge/internal/bus"
)

func init() {
	Register("discord", newDiscordChannel)
}

type discordConfig struct {
	Token        string   `json:"token"`
	AllowedUsers []string `json:"allowedUsers"`
	DownloadDir  string   `json:"downloadDir"`
}

type DiscordChannel struct {
	session      *discordgo.Session
	bus          *bus.MessageBus
	allowedUsers map[string]bool
	downloadDir  string
}

func newDiscordChannel(cfg json.RawMessage, msgBus *bus.MessageBus) (Channel, error) {
	var dcfg discordConfig
	if err := json.Unmarshal(cfg, &dcfg); err != nil {
		return nil, fmt.Errorf("failed to parse discord config: %w", err)
	}
	session, err := discordgo.New("Bot " + dcfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	allowed := make(map[string]bool, len(dcfg.AllowedUsers))
	for _, u := range dcfg.AllowedUsers {
		allowed[u] = true
	}
	downloadDir := dcfg.DownloadDir
	if downloadDir == "" {
		downloadDir = os.TempDir()
	}
	return &DiscordChannel{
		session:      session,
		bus:          msgBus,
		allowedUsers: allowed,
		downloadDir:  downloadDir,
	}, nil
}

func (c *DiscordChannel) Name() string { return "discord" }

func (c *DiscordChannel) Start(ctx context.Context) error {
	c.session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil || m.Author.Bot {
			return
		}
		if !c.IsAllowed(m.Author.ID) {
			slog.Warn("discord: message from disallowed user", "userID", m.Author.ID)
			return
		}

		msg := bus.InboundMessage{
			Channel:  "discord",
			MsgID:    m.ID,
			SenderID: m.Author.ID,
			ChatID:   m.ChannelID,
			Kind:     bus.KindText,
			Content:  m.Content,
		}
		// A guild message is a group conversation keyed by its channel.
		if m.GuildID != "" {
			msg.IsGroup = true
			msg.GroupID = m.ChannelID
			if ch, err := s.State.Channel(m.ChannelID); err == nil {
				msg.GroupName = ch.Name
			}
		}
		if len(m.Attachments) > 0 {
			att := m.Attachments[0]
			msg.Kind = attachmentKind(att.ContentType)
			msg.Attachment = &bus.Attachment{Name: att.Filename, MimeType: att.ContentType}
			msg.Prepare = c.preparer(att.URL, msg.Attachment)
		}

		c.bus.PublishInbound(msg)
	})
	if err := c.session.Open(); err != nil {
		return fmt.Errorf("discord: failed to open websocket: %w", err)
	}
	return nil
}

func attachmentKind(contentType string) bus.MessageKind {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return bus.KindImage
	case strings.HasPrefix(contentType, "video/"):
		return bus.KindVideo
	default:
		return bus.KindFile
	}
}

func (c *DiscordChannel) preparer(url string, att *bus.Attachment) func() error {
	return func() error {
		if att.LocalPath != "" {
			return nil
		}
		resp, err := http.Get(url)
		if err != nil {
			return fmt.Errorf("discord: download attachment: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("discord: download attachment: status %d", resp.StatusCode)
		}

		path := filepath.Join(c.downloadDir, fmt.Sprintf("%d_%s", time.Now().UnixNano(), att.Name))
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("discord: create local file: %w", err)
		}
		if _, err := io.Copy(f, resp.Body); err != nil {
			f.Close()
			os.Remove(path)
			return fmt.Errorf("discord: write local file: %w", err)
		}
		if err := f.Close(); err != nil {
			return err
		}
		att.LocalPath = path
		return nil
	}
}

func (c *DiscordChannel) Stop() error {
	return c.session.Close()
}

func (c *DiscordChannel) Send(msg bus.OutboundMessage) error {
	_, err := c.session.ChannelMessageSend(msg.ChatID, msg.Content)
	if err != nil {
		return fmt.Errorf("discord: failed to send message: %w", err)
	}
	return nil
}

func (c *DiscordChannel) IsAllowed(senderID string) bool {
	if len(c.allowedUsers) == 0 {
		return true
	}
	return c.allowedUsers[senderID]
}
