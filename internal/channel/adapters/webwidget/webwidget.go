// Package webwidget adapts the embedded web chat widget. The widget has no
// provider-side delivery API: outbound messages reach clients through the
// event stream and the polling endpoint, so Send only acknowledges.
package webwidget

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/relaydesk/relaydesk/internal/channel"
)

// ChannelType is the channel type identifier for the web widget.
const ChannelType = "web_widget"

type Adapter struct {
	logger *slog.Logger
}

func New(log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{logger: log.With(slog.String("service", "webwidget"))}
}

func (a *Adapter) Type() string { return ChannelType }

// Send assigns a delivery id. The stored message itself is the delivery:
// widget clients observe it via their subscription or next poll.
func (a *Adapter) Send(_ context.Context, target channel.Target, _ string) (string, error) {
	a.logger.Debug("widget delivery recorded",
		slog.String("channel_id", target.ChannelID),
		slog.String("user", target.ExternalUserID))
	return uuid.NewString(), nil
}

func (a *Adapter) FetchMedia(context.Context, string) ([]byte, string, error) {
	return nil, "", channel.ErrMediaUnsupported
}
