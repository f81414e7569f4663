package models

import (
	"strings"
	"time"
)

// PairingPlaceholderPrefix marks user rows that only hold an issued pairing code.
const PairingPlaceholderPrefix = "pairing:"

// ChannelUser is one external identity on one channel.
type ChannelUser struct {
	ID               string    `json:"id"`
	ChannelID        string    `json:"channel_id"`
	ChannelUserID    string    `json:"channel_user_id"`
	DisplayName      string    `json:"display_name,omitempty"`
	Allowed          bool      `json:"allowed"`
	PairingCode      string    `json:"pairing_code,omitempty"`
	PairingExpiresAt time.Time `json:"pairing_expires_at,omitempty"`
	PairingAttempts  int       `json:"pairing_attempts"`
	CreatedAt        time.Time `json:"created_at"`
	LastSeenAt       time.Time `json:"last_seen_at"`
}

// IsPlaceholder reports whether the row was created by pairing code issuance.
func (u *ChannelUser) IsPlaceholder() bool {
	return strings.HasPrefix(u.ChannelUserID, PairingPlaceholderPrefix)
}

// HasPendingCode reports whether the user carries a pairing code.
func (u *ChannelUser) HasPendingCode() bool {
	return u.PairingCode != ""
}

// PairingExpired reports whether the stored code has expired at now.
func (u *ChannelUser) PairingExpired(now time.Time) bool {
	return !u.PairingExpiresAt.IsZero() && !now.Before(u.PairingExpiresAt)
}

// ClearPairing removes the pending code and its expiry.
func (u *ChannelUser) ClearPairing() {
	u.PairingCode = ""
	u.PairingExpiresAt = time.Time{}
}
