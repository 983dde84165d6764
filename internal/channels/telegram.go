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
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/coopco/kimibridge/internal/bus"
)

func init() {
	Register("telegram", newTelegramChannel)
}

type telegramConfig struct {
	Token        string   `json:"token"`
	AllowedUsers []string `json:"allowedUsers"`
	DownloadDir  string   `json:"downloadDir"`
}

type TelegramChannel struct {
	bot          *tgbotapi.BotAPI
	bus          *bus.MessageBus
	allowedUsers map[string]bool
	downloadDir  string
	stopCh       chan struct{}
}

func newTelegramChannel(cfg json.RawMessage, msgBus *bus.MessageBus) (Channel, error) {
	var tcfg telegramConfig
	if err := json.Unmarshal(cfg, &tcfg); err != nil {
		return nil, fmt.Errorf("failed to parse telegram config: %w", err)
	}
	bot, err := tgbotapi.NewBotAPI(tcfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	allowed := make(map[string]bool, len(tcfg.AllowedUsers))
	for _, u := range tcfg.AllowedUsers {
		allowed[u] = true
	}
	downloadDir := tcfg.DownloadDir
	if downloadDir == "" {
		downloadDir = os.TempDir()
	}
	return &TelegramChannel{
		bot:          bot,
		bus:          msgBus,
		allowedUsers: allowed,
		downloadDir:  downloadDir,
		stopCh:       make(chan struct{}),
	}, nil
}

func (c *TelegramChannel) Name() string { return "telegram" }

func (c *TelegramChannel) Start(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := c.bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message == nil {
					continue
				}
				c.handleMessage(update.Message)
			case <-ctx.Done():
				c.bot.StopReceivingUpdates()
				return
			case <-c.stopCh:
				c.bot.StopReceivingUpdates()
				return
			}
		}
	}()
	return nil
}

func (c *TelegramChannel) handleMessage(m *tgbotapi.Message) {
	senderID := strconv.FormatInt(m.From.ID, 10)
	if !c.IsAllowed(senderID) {
		slog.Warn("telegram: message from disallowed user", "senderID", senderID)
		return
	}

	chatID := strconv.FormatInt(m.Chat.ID, 10)
	msg := bus.InboundMessage{
		Channel:  "telegram",
		MsgID:    strconv.Itoa(m.MessageID),
		SenderID: senderID,
		ChatID:   chatID,
		Kind:     bus.KindText,
		Content:  m.Text,
	}
	if m.Chat.IsGroup() || m.Chat.IsSuperGroup() {
		msg.IsGroup = true
		msg.GroupID = chatID
		msg.GroupName = m.Chat.Title
	}

	switch {
	case len(m.Photo) > 0:
		// Telegram sends several sizes; the last is the original.
		photo := m.Photo[len(m.Photo)-1]
		msg.Kind = bus.KindImage
		msg.Content = m.Caption
		msg.Attachment = &bus.Attachment{Name: "photo.jpg", MimeType: "image/jpeg"}
		msg.Prepare = c.preparer(photo.FileID, msg.Attachment)
	case m.Video != nil:
		msg.Kind = bus.KindVideo
		msg.Content = m.Caption
		name := m.Video.FileName
		if name == "" {
			name = "video.mp4"
		}
		msg.Attachment = &bus.Attachment{Name: name, MimeType: m.Video.MimeType}
		msg.Prepare = c.preparer(m.Video.FileID, msg.Attachment)
	case m.Document != nil:
		msg.Kind = bus.KindFile
		msg.Content = m.Caption
		msg.Attachment = &bus.Attachment{Name: m.Document.FileName, MimeType: m.Document.MimeType}
		msg.Prepare = c.preparer(m.Document.FileID, msg.Attachment)
	}

	c.bus.PublishInbound(msg)
}

// preparer returns a lazy download closure so attachment bytes are only
// fetched for messages the router actually handles.
func (c *TelegramChannel) preparer(fileID string, att *bus.Attachment) func() error {
	return func() error {
		if att.LocalPath != "" {
			return nil
		}
		url, err := c.bot.GetFileDirectURL(fileID)
		if err != nil {
			return fmt.Errorf("telegram: resolve file url: %w", err)
		}
		resp, err := http.Get(url)
		if err != nil {
			return fmt.Errorf("telegram: download file: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("telegram: download file: status %d", resp.StatusCode)
		}

		path := filepath.Join(c.downloadDir, fmt.Sprintf("%d_%s", time.Now().UnixNano(), att.Name))
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("telegram: create local file: %w", err)
		}
		if _, err := io.Copy(f, resp.Body); err != nil {
			f.Close()
			os.Remove(path)
			return fmt.Errorf("telegram: write local file: %w", err)
		}
		if err := f.Close(); err != nil {
			return err
		}
		att.LocalPath = path
		return nil
	}
}

func (c *TelegramChannel) Stop() error {
	close(c.stopCh)
	return nil
}

func (c *TelegramChannel) Send(msg bus.OutboundMessage) error {
	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid chatID %q: %w", msg.ChatID, err)
	}
	m := tgbotapi.NewMessage(chatID, msg.Content)
	_, err = c.bot.Send(m)
	return err
}

func (c *TelegramChannel) IsAllowed(senderID string) bool {
	if len(c.allowedUsers) == 0 {
		return true
	}
	return c.allowedUsers[senderID]
}
