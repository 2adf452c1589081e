// Package telegram connects the bot router to the Telegram Bot API using long
// polling.
package telegram

import (
	"context"
	"fmt"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/basco1979/pacientes-bot/internal/platform/bot"
)

const (
	defaultPollTimeout = 60
	refusedText        = "⛔ No estás autorizado para usar este bot."
)

// API is the part of *tgbotapi.BotAPI the transport uses.
type API interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Handler turns one event into the replies to send back.
type Handler interface {
	Handle(ctx context.Context, ev bot.Event) []bot.Reply
}

// NewBotAPI authenticates against Telegram with token.
func NewBotAPI(token string, debug bool) (*tgbotapi.BotAPI, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot API: %w", err)
	}
	api.Debug = debug
	return api, nil
}

// Transport feeds Telegram updates to a Handler. Updates from one user are
// handled in arrival order by a single worker; different users run
// concurrently.
type Transport struct {
	api         API
	handler     Handler
	logger      zerolog.Logger
	allowed     map[int64]bool
	pollTimeout int
	wg          sync.WaitGroup

	mu     sync.Mutex
	queues map[int64]*userQueue
}

// userQueue holds the updates waiting for a user's worker.
type userQueue struct {
	pending []tgbotapi.Update
}

// Option configures a Transport.
type Option func(*Transport)

// WithAllowedUsers restricts the bot to the given Telegram user ids. An empty
// list allows everyone.
func WithAllowedUsers(ids []int64) Option {
	return func(t *Transport) {
		if len(ids) == 0 {
			t.allowed = nil
			return
		}
		t.allowed = make(map[int64]bool, len(ids))
		for _, id := range ids {
			t.allowed[id] = true
		}
	}
}

// WithPollTimeout sets the long-polling timeout in seconds.
func WithPollTimeout(seconds int) Option {
	return func(t *Transport) {
		if seconds >= 0 {
			t.pollTimeout = seconds
		}
	}
}

func New(api API, handler Handler, logger zerolog.Logger, opts ...Option) *Transport {
	t := &Transport{
		api:         api,
		handler:     handler,
		logger:      logger.With().Str("component", "telegram").Logger(),
		pollTimeout: defaultPollTimeout,
		queues:      make(map[int64]*userQueue),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Run polls for updates until ctx is done or the update channel closes, then
// waits for in-flight updates to finish.
func (t *Transport) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = t.pollTimeout
	updates := t.api.GetUpdatesChan(u)

	// Handlers finish their work even after shutdown starts.
	handlerCtx := context.WithoutCancel(ctx)

	for {
		select {
		case <-ctx.Done():
			t.api.StopReceivingUpdates()
			t.wg.Wait()
			return nil
		case update, ok := <-updates:
			if !ok {
				t.wg.Wait()
				return nil
			}
			t.enqueue(handlerCtx, update)
		}
	}
}

// enqueue appends update to its user's queue, starting a worker when the user
// has none running.
func (t *Transport) enqueue(ctx context.Context, update tgbotapi.Update) {
	userID := updateUser(update)

	t.mu.Lock()
	if q, ok := t.queues[userID]; ok {
		q.pending = append(q.pending, update)
		t.mu.Unlock()
		return
	}
	q := &userQueue{pending: []tgbotapi.Update{update}}
	t.queues[userID] = q
	t.mu.Unlock()

	t.wg.Add(1)
	go t.drain(ctx, userID, q)
}

// drain handles queued updates for one user until the queue is empty.
func (t *Transport) drain(ctx context.Context, userID int64, q *userQueue) {
	defer t.wg.Done()
	for {
		t.mu.Lock()
		if len(q.pending) == 0 {
			delete(t.queues, userID)
			t.mu.Unlock()
			return
		}
		update := q.pending[0]
		q.pending = q.pending[1:]
		t.mu.Unlock()

		t.HandleUpdate(ctx, update)
	}
}

// updateUser returns the sender of update, or 0 when it has none.
func updateUser(update tgbotapi.Update) int64 {
	switch {
	case update.Message != nil && update.Message.From != nil:
		return update.Message.From.ID
	case update.CallbackQuery != nil && update.CallbackQuery.From != nil:
		return update.CallbackQuery.From.ID
	}
	return 0
}

// HandleUpdate routes a single update and sends the replies. Panics are
// recovered and logged.
func (t *Transport) HandleUpdate(ctx context.Context, update tgbotapi.Update) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error().
				Int("update_id", update.UpdateID).
				Str("panic", fmt.Sprintf("%v", r)).
				Msg("panic while handling update")
		}
	}()

	if cq := update.CallbackQuery; cq != nil {
		if _, err := t.api.Request(tgbotapi.NewCallback(cq.ID, "")); err != nil {
			t.logger.Warn().Err(err).Msg("failed to answer callback")
		}
	}

	ev, chatID, ok := ToEvent(update)
	if !ok {
		return
	}
	if t.allowed != nil && !t.allowed[ev.UserID] {
		t.logger.Warn().Int64("user_id", ev.UserID).Msg("refused update from unknown user")
		t.send(chatID, bot.Reply{Text: refusedText})
		return
	}

	t.logger.Debug().
		Int64("user_id", ev.UserID).
		Str("kind", string(ev.Kind)).
		Str("command", ev.Command).
		Msg("update received")

	for _, reply := range t.handler.Handle(ctx, ev) {
		t.send(chatID, reply)
	}
}

func (t *Transport) send(chatID int64, reply bot.Reply) {
	if _, err := t.api.Send(Render(chatID, reply)); err != nil {
		t.logger.Error().Err(err).Int64("chat_id", chatID).Msg("failed to send message")
	}
}

// ToEvent converts an update into a router event and the chat to answer in.
// Updates without a user or chat, and non-text messages, are skipped.
func ToEvent(update tgbotapi.Update) (bot.Event, int64, bool) {
	switch {
	case update.Message != nil:
		msg := update.Message
		if msg.From == nil || msg.Chat == nil {
			return bot.Event{}, 0, false
		}
		ev := bot.Event{UserID: msg.From.ID}
		switch {
		case msg.IsCommand():
			ev.Kind = bot.EventCommand
			ev.Command = msg.Command()
			ev.Args = msg.CommandArguments()
		case msg.Text != "":
			ev.Kind = bot.EventText
			ev.Text = msg.Text
		default:
			return bot.Event{}, 0, false
		}
		return ev, msg.Chat.ID, true

	case update.CallbackQuery != nil:
		cq := update.CallbackQuery
		if cq.From == nil || cq.Message == nil || cq.Message.Chat == nil {
			return bot.Event{}, 0, false
		}
		return bot.Event{UserID: cq.From.ID, Kind: bot.EventCallback, Data: cq.Data}, cq.Message.Chat.ID, true
	}
	return bot.Event{}, 0, false
}

// Render builds the outbound message for a reply, with an inline keyboard
// when the reply offers choices.
func Render(chatID int64, reply bot.Reply) tgbotapi.MessageConfig {
	msg := tgbotapi.NewMessage(chatID, reply.Text)
	if len(reply.Choices) == 0 {
		return msg
	}
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(reply.Choices))
	for _, choices := range reply.Choices {
		buttons := make([]tgbotapi.InlineKeyboardButton, 0, len(choices))
		for _, c := range choices {
			buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(c.Label, c.Data))
		}
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(buttons...))
	}
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
	return msg
}
