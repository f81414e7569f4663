package telegram

import (
	"context"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"
)

// Client is the subset of the Bot API the adapter uses. *bot.Bot satisfies it.
type Client interface {
	GetMe(ctx context.Context) (*tgmodels.User, error)
	Start(ctx context.Context)

	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*tgmodels.Message, error)
	EditMessageText(ctx context.Context, params *bot.EditMessageTextParams) (*tgmodels.Message, error)
	DeleteMessage(ctx context.Context, params *bot.DeleteMessageParams) (bool, error)
	SendChatAction(ctx context.Context, params *bot.SendChatActionParams) (bool, error)
	SetMessageReaction(ctx context.Context, params *bot.SetMessageReactionParams) (bool, error)
	AnswerCallbackQuery(ctx context.Context, params *bot.AnswerCallbackQueryParams) (bool, error)

	SendPhoto(ctx context.Context, params *bot.SendPhotoParams) (*tgmodels.Message, error)
	SendDocument(ctx context.Context, params *bot.SendDocumentParams) (*tgmodels.Message, error)
	SendAudio(ctx context.Context, params *bot.SendAudioParams) (*tgmodels.Message, error)
	SendVideo(ctx context.Context, params *bot.SendVideoParams) (*tgmodels.Message, error)

	GetFile(ctx context.Context, params *bot.GetFileParams) (*tgmodels.File, error)
	FileDownloadLink(f *tgmodels.File) string
}

// Dialer builds a client whose long-poll loop delivers updates to onUpdate
// and polling failures to onError.
type Dialer func(ctx context.Context, cfg Config, onUpdate bot.HandlerFunc, onError func(error)) (Client, error)

func dialBot(ctx context.Context, cfg Config, onUpdate bot.HandlerFunc, onError func(error)) (Client, error) {
	opts := []bot.Option{
		bot.WithSkipGetMe(),
		bot.WithDefaultHandler(onUpdate),
		bot.WithErrorsHandler(onError),
	}
	if cfg.APIURL != "" {
		opts = append(opts, bot.WithServerURL(cfg.APIURL))
	}
	b, err := bot.New(cfg.Token, opts...)
	if err != nil {
		return nil, err
	}
	return b, nil
}
