package models

import (
	"testing"
	"time"
)

func TestChannelType_Valid(t *testing.T) {
	for _, ct := range ChannelTypes() {
		if !ct.Valid() {
			t.Errorf("%q should be valid", ct)
		}
	}
	if ChannelType("irc").Valid() {
		t.Error("irc should not be valid")
	}
}

func TestSecurityConfig_WithDefaults(t *testing.T) {
	cfg := SecurityConfig{}.WithDefaults()
	if cfg.Mode != SecurityPairing {
		t.Errorf("Mode = %q, want pairing", cfg.Mode)
	}
	if cfg.PairingTTL() != 300*time.Second {
		t.Errorf("PairingTTL = %v, want 5m", cfg.PairingTTL())
	}

	cfg = SecurityConfig{Mode: SecurityOpen, PairingCodeTTL: 60}.WithDefaults()
	if cfg.Mode != SecurityOpen || cfg.PairingTTL() != time.Minute {
		t.Errorf("explicit values overwritten: %+v", cfg)
	}
}

func TestSecurityConfig_IsAllowlisted(t *testing.T) {
	cfg := SecurityConfig{AllowedUsers: []string{"U1", " U2 "}}
	tests := []struct {
		user string
		want bool
	}{
		{"U1", true},
		{"U2", true},
		{"U3", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := cfg.IsAllowlisted(tt.user); got != tt.want {
			t.Errorf("IsAllowlisted(%q) = %v, want %v", tt.user, got, tt.want)
		}
	}
}

func TestChannelUser_Pairing(t *testing.T) {
	now := time.Now()
	u := &ChannelUser{ChannelUserID: PairingPlaceholderPrefix + "ABC234", PairingCode: "ABC234", PairingExpiresAt: now.Add(time.Minute)}
	if !u.IsPlaceholder() {
		t.Error("expected placeholder")
	}
	if u.PairingExpired(now) {
		t.Error("code should not be expired yet")
	}
	if !u.PairingExpired(now.Add(time.Minute)) {
		t.Error("code should be expired at its deadline")
	}
	u.ClearPairing()
	if u.HasPendingCode() || !u.PairingExpiresAt.IsZero() {
		t.Errorf("ClearPairing left state: %+v", u)
	}
}

func TestAttachment_DetectMimeType(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")
	a := Attachment{Data: png}
	a.DetectMimeType()
	if a.MimeType != "image/png" {
		t.Errorf("MimeType = %q, want image/png", a.MimeType)
	}
	if a.Type != AttachmentImage {
		t.Errorf("Type = %q, want image", a.Type)
	}

	doc := Attachment{MimeType: "application/pdf"}
	doc.DetectMimeType()
	if doc.Type != AttachmentDocument {
		t.Errorf("Type = %q, want document", doc.Type)
	}
}

func TestOutgoingMessage_HasButtons(t *testing.T) {
	msg := OutgoingMessage{Buttons: [][]Button{{}}}
	if msg.HasButtons() {
		t.Error("empty rows should not count")
	}
	msg.Buttons = [][]Button{{{Text: "ok", Data: "approve:1"}}}
	if !msg.HasButtons() {
		t.Error("expected buttons")
	}
}
