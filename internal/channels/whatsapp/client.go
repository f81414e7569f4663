package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for the device store

	"github.com/cowork-oss/cowork-gateway/internal/channels"
)

// Client is the subset of *whatsmeow.Client the adapter uses, plus device
// store helpers.
type Client interface {
	AddEventHandler(handler whatsmeow.EventHandler) uint32
	RemoveEventHandler(id uint32) bool
	Connect() error
	Disconnect()
	GetQRChannel(ctx context.Context) (<-chan whatsmeow.QRChannelItem, error)
	SendMessage(ctx context.Context, to types.JID, message *waE2E.Message, extra ...whatsmeow.SendRequestExtra) (whatsmeow.SendResponse, error)
	BuildEdit(chat types.JID, id types.MessageID, newContent *waE2E.Message) *waE2E.Message
	BuildRevoke(chat, sender types.JID, id types.MessageID) *waE2E.Message
	BuildReaction(chat, sender types.JID, id types.MessageID, reaction string) *waE2E.Message
	SendChatPresence(ctx context.Context, jid types.JID, state types.ChatPresence, media types.ChatPresenceMedia) error
	Upload(ctx context.Context, plaintext []byte, appInfo whatsmeow.MediaType) (whatsmeow.UploadResponse, error)
	Download(ctx context.Context, msg whatsmeow.DownloadableMessage) ([]byte, error)

	// HasSession reports whether a linked device is stored.
	HasSession() bool
	// Identity returns the linked account and its push name.
	Identity() (types.JID, string)
	// Close disconnects and releases the device store.
	Close() error
	// Reset closes the client and deletes the device store so the next
	// connect starts a fresh QR login.
	Reset() error
}

// Dialer opens the device store and builds a client for it.
type Dialer func(ctx context.Context, cfg Config) (Client, error)

type meowClient struct {
	*whatsmeow.Client
	container *sqlstore.Container
	path      string
}

var _ Client = (*meowClient)(nil)

func dialStore(ctx context.Context, cfg Config) (Client, error) {
	path := channels.ExpandPath(cfg.SessionPath)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create session directory: %w", err)
	}
	container, err := sqlstore.New(ctx, "sqlite3", fmt.Sprintf("file:%s?_foreign_keys=on", path), waLog.Noop)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		_ = container.Close()
		return nil, fmt.Errorf("load device: %w", err)
	}
	cli := whatsmeow.NewClient(device, waLog.Noop)
	cli.EnableAutoReconnect = false
	return &meowClient{Client: cli, container: container, path: path}, nil
}

func (c *meowClient) HasSession() bool { return c.Store.ID != nil }

func (c *meowClient) Identity() (types.JID, string) {
	if c.Store.ID == nil {
		return types.EmptyJID, ""
	}
	return c.Store.ID.ToNonAD(), c.Store.PushName
}

func (c *meowClient) Close() error {
	c.Client.Disconnect()
	return c.container.Close()
}

func (c *meowClient) Reset() error {
	err := c.Close()
	for _, suffix := range []string{"", "-wal", "-shm", "-journal"} {
		if rmErr := os.Remove(c.path + suffix); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			err = errors.Join(err, rmErr)
		}
	}
	return err
}
