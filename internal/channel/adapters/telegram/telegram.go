// Package telegram adapts Telegram bot chats to the channel interface.
// Inbound traffic arrives as webhook updates; outbound replies go through
// the Bot API.
package telegram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/relaydesk/relaydesk/internal/channel"
	"github.com/relaydesk/relaydesk/internal/ingest"
	"github.com/relaydesk/relaydesk/internal/message"
)

// ChannelType is the channel type identifier for Telegram chats.
const ChannelType = "telegram"

// maxMediaBytes caps downloaded attachment size.
const maxMediaBytes = 20 << 20

type Adapter struct {
	bot    *tgbotapi.BotAPI
	http   *http.Client
	logger *slog.Logger
}

func New(log *slog.Logger, token string) (*Adapter, error) {
	if log == nil {
		log = slog.Default()
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	return &Adapter{
		bot:    bot,
		http:   &http.Client{Timeout: 30 * time.Second},
		logger: log.With(slog.String("service", "telegram")),
	}, nil
}

func (a *Adapter) Type() string { return ChannelType }

func (a *Adapter) Send(_ context.Context, target channel.Target, text string) (string, error) {
	chatID, err := strconv.ParseInt(target.ChannelID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("telegram chat id %q: %w", target.ChannelID, err)
	}
	sent, err := a.bot.Send(tgbotapi.NewMessage(chatID, text))
	if err != nil {
		return "", fmt.Errorf("telegram send: %w", err)
	}
	return strconv.Itoa(sent.MessageID), nil
}

func (a *Adapter) FetchMedia(ctx context.Context, ref string) ([]byte, string, error) {
	url, err := a.bot.GetFileDirectURL(ref)
	if err != nil {
		return nil, "", fmt.Errorf("telegram file url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("telegram media request: %w", err)
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("telegram media download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("telegram media download: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaBytes))
	if err != nil {
		return nil, "", fmt.Errorf("telegram media read: %w", err)
	}
	mime := resp.Header.Get("Content-Type")
	if mime == "" {
		mime = mimeFromPath(url)
	}
	return data, mime, nil
}

// NormalizeUpdate converts a webhook update into an inbound event for the
// given agent. It returns false for updates that carry no user message.
func NormalizeUpdate(update tgbotapi.Update, agentID string) (ingest.Event, bool) {
	msg := update.Message
	if msg == nil {
		msg = update.EditedMessage
	}
	if msg == nil || msg.From == nil {
		return ingest.Event{}, false
	}

	ev := ingest.Event{
		Thread: message.ThreadKey{
			ChannelType:    ChannelType,
			ChannelID:      strconv.FormatInt(msg.Chat.ID, 10),
			ExternalUserID: strconv.FormatInt(msg.From.ID, 10),
			AgentID:        agentID,
		},
		SourceMessageID: strconv.Itoa(msg.MessageID),
		Content:         msg.Text,
		Kind:            message.KindText,
	}

	switch {
	case len(msg.Photo) > 0:
		// Telegram sends multiple resolutions; the last is the largest.
		ev.Kind = message.KindImage
		ev.MediaRef = msg.Photo[len(msg.Photo)-1].FileID
		ev.Content = msg.Caption
	case msg.Sticker != nil:
		ev.Kind = message.KindSticker
		ev.MediaRef = msg.Sticker.FileID
		ev.Content = msg.Sticker.Emoji
	case msg.Document != nil:
		ev.Kind = message.KindOtherMedia
		ev.MediaRef = msg.Document.FileID
		ev.Content = msg.Caption
	case msg.Voice != nil:
		ev.Kind = message.KindOtherMedia
		ev.MediaRef = msg.Voice.FileID
	case strings.TrimSpace(msg.Text) == "":
		return ingest.Event{}, false
	}
	return ev, true
}

func mimeFromPath(url string) string {
	switch {
	case strings.HasSuffix(url, ".png"):
		return "image/png"
	case strings.HasSuffix(url, ".webp"):
		return "image/webp"
	case strings.HasSuffix(url, ".gif"):
		return "image/gif"
	default:
		return "image/jpeg"
	}
}
