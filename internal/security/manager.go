// Package security decides which external chat users may talk to the agent
// and runs the pairing code flow that links a chat identity to an allowed user.
package security

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"github.com/cowork-oss/cowork-gateway/internal/pairing"
	"github.com/cowork-oss/cowork-gateway/internal/storage"
	"github.com/cowork-oss/cowork-gateway/pkg/models"
)

// Denial and pairing failure reasons. They are safe to show to chat users.
const (
	ReasonNotInAllowlist  = "not in allowlist"
	ReasonPairingRequired = "pairing required"
	ReasonInvalidCode     = "invalid pairing code"
	ReasonExpiredCode     = "pairing code expired, request a new one"
	ReasonTooManyAttempts = "too many failed pairing attempts, ask an administrator to unlock your account"
	ReasonUnknownMode     = "unknown security mode"
)

// lastSeenUpdateInterval bounds how often CheckAccess writes last_seen_at.
const lastSeenUpdateInterval = time.Minute

// AccessResult is the outcome of CheckAccess. A denial is not an error.
type AccessResult struct {
	Allowed         bool
	User            *models.ChannelUser
	Reason          string
	PairingRequired bool
}

// PairingResult is the outcome of VerifyPairingCode.
type PairingResult struct {
	Success bool
	User    *models.ChannelUser
	// AlreadyPaired is set when the caller was allowed before redeeming.
	AlreadyPaired bool
	Error         string
}

// PairingCode is an issued, not yet redeemed code.
type PairingCode struct {
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Config configures a Manager.
type Config struct {
	Store     storage.Store
	Generator *pairing.Generator
	Logger    *slog.Logger
	// Now is swapped in tests.
	Now func() time.Time
}

// Manager is the per-channel authorization state machine.
type Manager struct {
	store  storage.Store
	codes  *pairing.Generator
	logger *slog.Logger
	now    func() time.Time
}

// NewManager creates a Manager bound to one store.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, errors.New("security: store is required")
	}
	if cfg.Generator == nil {
		cfg.Generator = pairing.NewGenerator()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		store:  cfg.Store,
		codes:  cfg.Generator,
		logger: cfg.Logger.With("component", "security"),
		now:    cfg.Now,
	}, nil
}

// CheckAccess authorizes an inbound message. The user row is created on
// first contact and its display name refreshed when it changes.
func (m *Manager) CheckAccess(ctx context.Context, ch *models.Channel, msg *models.IncomingMessage) (AccessResult, error) {
	if ch == nil || msg == nil {
		return AccessResult{}, errors.New("security: channel and message are required")
	}
	if strings.TrimSpace(msg.UserID) == "" {
		return AccessResult{Reason: "missing user id"}, nil
	}
	sec := ch.Security.WithDefaults()

	user, err := m.lookupOrCreate(ctx, ch.ID, msg.UserID, msg.UserName, sec.Mode == models.SecurityOpen)
	if err != nil {
		return AccessResult{}, err
	}

	switch sec.Mode {
	case models.SecurityOpen:
		return AccessResult{Allowed: true, User: user}, nil

	case models.SecurityAllowlist:
		if user.Allowed {
			return AccessResult{Allowed: true, User: user}, nil
		}
		if sec.IsAllowlisted(msg.UserID) {
			user.Allowed = true
			if err := m.store.Users().Update(ctx, user); err != nil {
				return AccessResult{}, fmt.Errorf("persist allowlisted user: %w", err)
			}
			m.logger.Info("allowlisted user admitted", "channel_id", ch.ID, "user_id", msg.UserID)
			return AccessResult{Allowed: true, User: user}, nil
		}
		return AccessResult{User: user, Reason: ReasonNotInAllowlist}, nil

	case models.SecurityPairing:
		if user.Allowed {
			return AccessResult{Allowed: true, User: user}, nil
		}
		return AccessResult{User: user, Reason: ReasonPairingRequired, PairingRequired: true}, nil
	}
	return AccessResult{User: user, Reason: ReasonUnknownMode}, nil
}

func (m *Manager) lookupOrCreate(ctx context.Context, channelID, channelUserID, displayName string, allowed bool) (*models.ChannelUser, error) {
	name := NormalizeDisplayName(displayName)
	now := m.now()

	user, err := m.store.Users().GetByChannelUserID(ctx, channelID, channelUserID)
	switch {
	case err == nil:
		dirty := false
		if name != "" && name != user.DisplayName {
			user.DisplayName = name
			dirty = true
		}
		if now.Sub(user.LastSeenAt) >= lastSeenUpdateInterval {
			user.LastSeenAt = now
			dirty = true
		}
		if dirty {
			if err := m.store.Users().Update(ctx, user); err != nil {
				return nil, fmt.Errorf("refresh channel user: %w", err)
			}
		}
		return user, nil

	case errors.Is(err, storage.ErrNotFound):
		user = &models.ChannelUser{
			ID:            uuid.NewString(),
			ChannelID:     channelID,
			ChannelUserID: channelUserID,
			DisplayName:   name,
			Allowed:       allowed,
			CreatedAt:     now,
			LastSeenAt:    now,
		}
		if err := m.store.Users().Create(ctx, user); err != nil {
			if errors.Is(err, storage.ErrAlreadyExists) {
				// Lost a first-contact race; the other insert wins.
				return m.store.Users().GetByChannelUserID(ctx, channelID, channelUserID)
			}
			return nil, fmt.Errorf("create channel user: %w", err)
		}
		return user, nil

	default:
		return nil, fmt.Errorf("lookup channel user: %w", err)
	}
}

// GeneratePairingCode issues a new code stored on a placeholder user row.
// Several codes may be outstanding at once.
func (m *Manager) GeneratePairingCode(ctx context.Context, ch *models.Channel) (PairingCode, error) {
	if ch == nil {
		return PairingCode{}, errors.New("security: channel is required")
	}
	sec := ch.Security.WithDefaults()
	now := m.now()
	issued := PairingCode{ExpiresAt: now.Add(sec.PairingTTL())}

	err := m.store.WithTx(ctx, func(tx storage.Store) error {
		var lookupErr error
		code, err := m.codes.Generate(func(candidate string) bool {
			_, err := tx.Users().FindByPairingCode(ctx, ch.ID, candidate)
			if err != nil && !errors.Is(err, storage.ErrNotFound) {
				lookupErr = err
				return true
			}
			return err == nil
		})
		if lookupErr != nil {
			return fmt.Errorf("check pairing code: %w", lookupErr)
		}
		if err != nil {
			return err
		}

		placeholder := &models.ChannelUser{
			ID:               uuid.NewString(),
			ChannelID:        ch.ID,
			ChannelUserID:    models.PairingPlaceholderPrefix + code,
			PairingCode:      code,
			PairingExpiresAt: issued.ExpiresAt,
			CreatedAt:        now,
			LastSeenAt:       now,
		}
		if err := tx.Users().Create(ctx, placeholder); err != nil {
			return fmt.Errorf("store pairing code: %w", err)
		}
		issued.Code = code
		return nil
	})
	if err != nil {
		return PairingCode{}, err
	}
	m.logger.Info("pairing code issued", "channel_id", ch.ID, "expires_at", issued.ExpiresAt)
	return issued, nil
}

// VerifyPairingCode redeems code for the chat user channelUserID. Failed
// attempts are counted and, when MaxPairingAttempts is positive, lock the
// user out until an administrator grants or revokes access.
func (m *Manager) VerifyPairingCode(ctx context.Context, ch *models.Channel, channelUserID, displayName, code string) (PairingResult, error) {
	if ch == nil {
		return PairingResult{}, errors.New("security: channel is required")
	}
	if strings.TrimSpace(channelUserID) == "" {
		return PairingResult{Error: ReasonInvalidCode}, nil
	}
	sec := ch.Security.WithDefaults()
	normalized := pairing.Normalize(code)
	name := NormalizeDisplayName(displayName)

	var result PairingResult
	err := m.store.WithTx(ctx, func(tx storage.Store) error {
		now := m.now()
		users := tx.Users()

		caller, err := users.GetByChannelUserID(ctx, ch.ID, channelUserID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("lookup caller: %w", err)
		}
		if caller != nil && caller.Allowed {
			result = PairingResult{Success: true, User: caller, AlreadyPaired: true}
			return nil
		}
		if caller != nil && sec.MaxPairingAttempts > 0 && caller.PairingAttempts >= sec.MaxPairingAttempts {
			result = PairingResult{User: caller, Error: ReasonTooManyAttempts}
			return nil
		}

		var holder *models.ChannelUser
		if pairing.Valid(normalized) {
			holder, err = users.FindByPairingCode(ctx, ch.ID, normalized)
			if err != nil && !errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("lookup pairing code: %w", err)
			}
		}

		if holder == nil {
			caller, err = m.recordFailure(ctx, users, caller, ch.ID, channelUserID, name, now)
			if err != nil {
				return err
			}
			result = PairingResult{User: caller, Error: ReasonInvalidCode}
			return nil
		}

		if holder.PairingExpired(now) {
			if err := clearCode(ctx, users, holder); err != nil {
				return err
			}
			result = PairingResult{User: caller, Error: ReasonExpiredCode}
			return nil
		}

		if caller == nil {
			caller = &models.ChannelUser{
				ID:            uuid.NewString(),
				ChannelID:     ch.ID,
				ChannelUserID: channelUserID,
				DisplayName:   name,
				Allowed:       true,
				CreatedAt:     now,
				LastSeenAt:    now,
			}
			if err := users.Create(ctx, caller); err != nil {
				return fmt.Errorf("create paired user: %w", err)
			}
		} else {
			caller.Allowed = true
			caller.ClearPairing()
			caller.PairingAttempts = 0
			caller.LastSeenAt = now
			if name != "" {
				caller.DisplayName = name
			}
			if err := users.Update(ctx, caller); err != nil {
				return fmt.Errorf("update paired user: %w", err)
			}
		}
		if holder.ID != caller.ID {
			if err := clearCode(ctx, users, holder); err != nil {
				return err
			}
		}
		result = PairingResult{Success: true, User: caller}
		return nil
	})
	if err != nil {
		return PairingResult{}, err
	}

	switch {
	case result.Success && !result.AlreadyPaired:
		m.logger.Info("user paired", "channel_id", ch.ID, "user_id", channelUserID)
	case !result.Success:
		attempts := 0
		if result.User != nil {
			attempts = result.User.PairingAttempts
		}
		m.logger.Warn("pairing failed", "channel_id", ch.ID, "user_id", channelUserID, "reason", result.Error, "attempts", attempts)
	}
	return result, nil
}

func (m *Manager) recordFailure(ctx context.Context, users storage.UserStore, caller *models.ChannelUser, channelID, channelUserID, name string, now time.Time) (*models.ChannelUser, error) {
	if caller == nil {
		caller = &models.ChannelUser{
			ID:              uuid.NewString(),
			ChannelID:       channelID,
			ChannelUserID:   channelUserID,
			DisplayName:     name,
			PairingAttempts: 1,
			CreatedAt:       now,
			LastSeenAt:      now,
		}
		if err := users.Create(ctx, caller); err != nil {
			return nil, fmt.Errorf("record pairing attempt: %w", err)
		}
		return caller, nil
	}
	caller.PairingAttempts++
	caller.LastSeenAt = now
	if err := users.Update(ctx, caller); err != nil {
		return nil, fmt.Errorf("record pairing attempt: %w", err)
	}
	return caller, nil
}

// clearCode removes a consumed or expired code. Placeholder rows exist only
// to hold the code, so they are deleted.
func clearCode(ctx context.Context, users storage.UserStore, holder *models.ChannelUser) error {
	if holder.IsPlaceholder() {
		if err := users.Delete(ctx, holder.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("delete pairing placeholder: %w", err)
		}
		return nil
	}
	holder.ClearPairing()
	if err := users.Update(ctx, holder); err != nil {
		return fmt.Errorf("clear pairing code: %w", err)
	}
	return nil
}

// Grant allows a chat user directly, creating the record when needed.
func (m *Manager) Grant(ctx context.Context, channelID, channelUserID, displayName string) (*models.ChannelUser, error) {
	if strings.TrimSpace(channelUserID) == "" || strings.HasPrefix(channelUserID, models.PairingPlaceholderPrefix) {
		return nil, fmt.Errorf("security: invalid user id %q", channelUserID)
	}
	now := m.now()
	var user *models.ChannelUser
	err := m.store.WithTx(ctx, func(tx storage.Store) error {
		existing, err := tx.Users().GetByChannelUserID(ctx, channelID, channelUserID)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			user = &models.ChannelUser{
				ID:            uuid.NewString(),
				ChannelID:     channelID,
				ChannelUserID: channelUserID,
				DisplayName:   NormalizeDisplayName(displayName),
				Allowed:       true,
				CreatedAt:     now,
				LastSeenAt:    now,
			}
			return tx.Users().Create(ctx, user)
		case err != nil:
			return err
		}
		existing.Allowed = true
		existing.PairingAttempts = 0
		existing.ClearPairing()
		if name := NormalizeDisplayName(displayName); name != "" {
			existing.DisplayName = name
		}
		user = existing
		return tx.Users().Update(ctx, existing)
	})
	if err != nil {
		return nil, fmt.Errorf("grant access: %w", err)
	}
	m.logger.Info("access granted", "channel_id", channelID, "user_id", channelUserID)
	return user, nil
}

// Revoke removes access and resets the pairing attempt counter.
func (m *Manager) Revoke(ctx context.Context, channelID, channelUserID string) (*models.ChannelUser, error) {
	user, err := m.store.Users().GetByChannelUserID(ctx, channelID, channelUserID)
	if err != nil {
		return nil, fmt.Errorf("revoke access: %w", err)
	}
	user.Allowed = false
	user.PairingAttempts = 0
	user.ClearPairing()
	if err := m.store.Users().Update(ctx, user); err != nil {
		return nil, fmt.Errorf("revoke access: %w", err)
	}
	m.logger.Info("access revoked", "channel_id", channelID, "user_id", channelUserID)
	return user, nil
}

// ListUsers returns every user of a channel, including pending code placeholders.
func (m *Manager) ListUsers(ctx context.Context, channelID string) ([]*models.ChannelUser, error) {
	return m.store.Users().ListByChannel(ctx, channelID)
}

// CleanupExpired deletes expired placeholders and clears expired codes held by real users.
func (m *Manager) CleanupExpired(ctx context.Context) (deleted, cleared int64, err error) {
	now := m.now()
	err = m.store.WithTx(ctx, func(tx storage.Store) error {
		var err error
		if deleted, err = tx.Users().DeleteExpiredPlaceholders(ctx, now); err != nil {
			return err
		}
		cleared, err = tx.Users().ClearExpiredCodes(ctx, now)
		return err
	})
	if err != nil {
		return 0, 0, fmt.Errorf("cleanup pairing codes: %w", err)
	}
	if deleted > 0 || cleared > 0 {
		m.logger.Debug("expired pairing codes removed", "placeholders", deleted, "cleared", cleared)
	}
	return deleted, cleared, nil
}

// NormalizeDisplayName trims, drops control characters and applies NFC so
// that differently composed names compare equal.
func NormalizeDisplayName(name string) string {
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)
	return norm.NFC.String(strings.TrimSpace(name))
}
