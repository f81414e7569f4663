// Package builtin registers the adapters that ship with the gateway.
package builtin

import (
	"errors"

	"github.com/cowork-oss/cowork-gateway/internal/channels"
	"github.com/cowork-oss/cowork-gateway/internal/channels/discord"
	"github.com/cowork-oss/cowork-gateway/internal/channels/imessage"
	"github.com/cowork-oss/cowork-gateway/internal/channels/matrix"
	"github.com/cowork-oss/cowork-gateway/internal/channels/mattermost"
	"github.com/cowork-oss/cowork-gateway/internal/channels/signal"
	"github.com/cowork-oss/cowork-gateway/internal/channels/slack"
	"github.com/cowork-oss/cowork-gateway/internal/channels/telegram"
	"github.com/cowork-oss/cowork-gateway/internal/channels/whatsapp"
)

// Descriptors returns the built-in catalog in display order.
func Descriptors() []channels.Descriptor {
	return []channels.Descriptor{
		telegram.Descriptor(),
		discord.Descriptor(),
		slack.Descriptor(),
		whatsapp.Descriptor(),
		signal.Descriptor(),
		imessage.Descriptor(),
		matrix.Descriptor(),
		mattermost.Descriptor(),
	}
}

// Register adds every built-in descriptor to reg. Types that are already
// registered are left alone so callers may override a built-in first.
func Register(reg *channels.Registry) error {
	for _, d := range Descriptors() {
		if err := reg.Register(d); err != nil && !errors.Is(err, channels.ErrAlreadyRegistered) {
			return err
		}
	}
	return nil
}
