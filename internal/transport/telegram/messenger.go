// Package telegram implements transport.Messenger on top of telebot.
package telegram

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"streambot/internal/transport"
	logx "streambot/pkg/logx"
)

type Config struct {
	Token string
	// APIURL overrides the Bot API endpoint (tests, local bot API servers).
	APIURL  string
	Timeout time.Duration
}

// Messenger sends and edits messages. It never polls for updates.
type Messenger struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot
}

var _ transport.Messenger = (*Messenger)(nil)

func New(cfg Config, log logx.Logger) (*Messenger, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.APIURL,
		Client:  &http.Client{Timeout: cfg.Timeout},
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Messenger{cfg: cfg, log: log.With(logx.String("comp", "telegram")), bot: b}, nil
}

// chat adapts a transport.Recipient to telebot's Recipient.
type chat string

func (c chat) Recipient() string { return string(c) }

func (m *Messenger) SendText(ctx context.Context, to transport.Recipient, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	if err := ctx.Err(); err != nil {
		return transport.MessageRef{}, err
	}
	if opt == nil {
		opt = &transport.SendOptions{}
	}
	msg, err := m.bot.Send(chat(to), text, &tele.SendOptions{
		ParseMode:             tele.ParseMode(opt.ParseMode),
		DisableWebPagePreview: opt.DisablePreview,
	})
	if err != nil {
		return transport.MessageRef{}, m.fail("sendMessage", to, err)
	}
	return transport.MessageRef{Recipient: to, MessageID: msg.ID}, nil
}

func (m *Messenger) SendPhoto(ctx context.Context, to transport.Recipient, photo transport.Photo, caption string) (transport.MessageRef, error) {
	if err := ctx.Err(); err != nil {
		return transport.MessageRef{}, err
	}
	p := &tele.Photo{Caption: caption}
	switch {
	case photo.FileID != "":
		p.File = tele.File{FileID: photo.FileID}
	case len(photo.Data) > 0:
		p.File = tele.FromReader(bytes.NewReader(photo.Data))
	default:
		return transport.MessageRef{}, errors.New("telegram: photo has neither file id nor data")
	}

	msg, err := m.bot.Send(chat(to), p)
	if err != nil {
		return transport.MessageRef{}, m.fail("sendPhoto", to, err)
	}
	ref := transport.MessageRef{Recipient: to, MessageID: msg.ID}
	if msg.Photo != nil {
		ref.PhotoID = msg.Photo.FileID
	}
	if ref.PhotoID == "" {
		ref.PhotoID = photo.FileID
	}
	return ref, nil
}

func (m *Messenger) EditText(ctx context.Context, ref transport.MessageRef, text string, opt *transport.SendOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if opt == nil {
		opt = &transport.SendOptions{}
	}
	if id, ok := numericChat(ref.Recipient); ok {
		_, err := m.bot.Edit(stored(id, ref.MessageID), text, &tele.SendOptions{
			ParseMode:             tele.ParseMode(opt.ParseMode),
			DisableWebPagePreview: opt.DisablePreview,
		})
		return m.fail("editMessageText", ref.Recipient, err)
	}
	// telebot's Editable needs a numeric chat id; public channels go raw.
	_, err := m.bot.Raw("editMessageText", map[string]any{
		"chat_id":                  ref.Recipient.String(),
		"message_id":               ref.MessageID,
		"text":                     text,
		"parse_mode":               opt.ParseMode,
		"disable_web_page_preview": opt.DisablePreview,
	})
	return m.fail("editMessageText", ref.Recipient, err)
}

func (m *Messenger) EditCaption(ctx context.Context, ref transport.MessageRef, caption string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if id, ok := numericChat(ref.Recipient); ok {
		_, err := m.bot.EditCaption(stored(id, ref.MessageID), caption)
		return m.fail("editMessageCaption", ref.Recipient, err)
	}
	_, err := m.bot.Raw("editMessageCaption", map[string]any{
		"chat_id":    ref.Recipient.String(),
		"message_id": ref.MessageID,
		"caption":    caption,
	})
	return m.fail("editMessageCaption", ref.Recipient, err)
}

func numericChat(r transport.Recipient) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(string(r)), 10, 64)
	return id, err == nil
}

func stored(chatID int64, messageID int) tele.StoredMessage {
	return tele.StoredMessage{ChatID: chatID, MessageID: strconv.Itoa(messageID)}
}

func (m *Messenger) fail(method string, to transport.Recipient, err error) error {
	if err == nil {
		return nil
	}
	out := mapError(err)
	var api *transport.APIError
	if errors.As(out, &api) && api.RetryAfter > 0 {
		m.log.Warn("telegram flood control", logx.String("method", method), logx.String("chat", to.String()), logx.Int("retry_after", api.RetryAfter))
	} else {
		m.log.Debug("telegram call failed", logx.String("method", method), logx.String("chat", to.String()), logx.Err(out))
	}
	return out
}

var teleErrRe = regexp.MustCompile(`^telegram: (.+) \((\d+)\)$`)

// mapError turns telebot errors into *transport.APIError. Network and other
// non-API errors pass through unchanged.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	api := &transport.APIError{Err: err}

	var te *tele.Error
	if errors.As(err, &te) {
		api.Code = te.Code
		api.Description = te.Description
	}
	var ge tele.GroupError
	if errors.As(err, &ge) && ge.MigratedTo != 0 {
		api.MigrateTo = strconv.FormatInt(ge.MigratedTo, 10)
	}
	var fe tele.FloodError
	if errors.As(err, &fe) {
		api.Code = http.StatusTooManyRequests
		api.RetryAfter = fe.RetryAfter
	}

	if api.Code == 0 || api.Description == "" {
		m := teleErrRe.FindStringSubmatch(err.Error())
		if m == nil {
			if api.Code == 0 {
				return err
			}
			api.Description = err.Error()
			return api
		}
		if api.Description == "" {
			api.Description = m[1]
		}
		if api.Code == 0 {
			api.Code, _ = strconv.Atoi(m[2])
		}
	}
	return api
}
