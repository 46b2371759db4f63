package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/h1v3-io/coworker/internal/connector"
)

// Config holds Telegram connector configuration.
type Config struct {
	Token     string       // Bot token from @BotFather
	AllowFrom []int64      // Allowed Telegram user IDs (empty = allow all)
	Voice     *VoiceConfig // Optional transcription of voice replies
}

// Connector implements the connector.Connector interface for Telegram.
// People link their chat to their work email with /start <email>; questions
// are then delivered to that chat and any text reply answers the latest one.
type Connector struct {
	bot     *tgbotapi.BotAPI
	config  Config
	handler connector.InboundHandler
	logger  *slog.Logger
	cancel  context.CancelFunc
}

// New creates a new Telegram connector.
func New(cfg Config, handler connector.InboundHandler, logger *slog.Logger) (*Connector, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("telegram: init bot: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("telegram bot authorized", "username", bot.Self.UserName)

	return &Connector{
		bot:     bot,
		config:  cfg,
		handler: handler,
		logger:  logger,
	}, nil
}

func (c *Connector) Name() string { return "telegram" }

// Start begins long-polling for updates. Blocks until context is cancelled.
func (c *Connector) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := c.bot.GetUpdatesChan(u)

	c.logger.Info("telegram connector started", "bot", c.bot.Self.UserName)

	for {
		select {
		case update := <-updates:
			if update.Message == nil {
				continue
			}
			c.handleUpdate(ctx, update)

		case <-ctx.Done():
			c.bot.StopReceivingUpdates()
			c.logger.Info("telegram connector stopped")
			return ctx.Err()
		}
	}
}

// Stop gracefully shuts down the connector.
func (c *Connector) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

// Send delivers a question or a plain message to a Telegram chat.
func (c *Connector) Send(_ context.Context, msg connector.OutboundMessage) error {
	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		return connector.Permanent(fmt.Errorf("telegram: invalid chat_id %q: %w", msg.ChatID, err))
	}

	if msg.Question == nil {
		if strings.TrimSpace(msg.Content) == "" {
			c.logger.Warn("skipping empty message", "chat_id", msg.ChatID)
			return nil
		}
		_, err = c.bot.Send(tgbotapi.NewMessage(chatID, msg.Content))
		return sendError(err)
	}

	tgMsg := tgbotapi.NewMessage(chatID, QuestionHTML(*msg.Question))
	tgMsg.ParseMode = tgbotapi.ModeHTML
	tgMsg.DisableWebPagePreview = true

	_, err = c.bot.Send(tgMsg)
	if err != nil {
		// Telegram rejects malformed HTML; the plain card still reaches the person.
		c.logger.Warn("HTML send failed, falling back to plain text",
			"chat_id", msg.ChatID,
			"question_id", msg.Question.QuestionID,
			"error", err,
		)
		tgMsg.Text = msg.Question.PlainText()
		tgMsg.ParseMode = ""
		_, err = c.bot.Send(tgMsg)
	}
	return sendError(err)
}

// sendError marks errors that a retry cannot fix as permanent.
func sendError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) && (apiErr.Code == 400 || apiErr.Code == 403) {
		return connector.Permanent(fmt.Errorf("telegram: send: %w", err))
	}
	return fmt.Errorf("telegram: send: %w", err)
}

func (c *Connector) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	msg := update.Message
	if msg.From == nil {
		return
	}
	userID := msg.From.ID
	chatID := msg.Chat.ID

	// Access control
	if len(c.config.AllowFrom) > 0 && !contains(c.config.AllowFrom, userID) {
		c.logger.Warn("unauthorized user", "user_id", userID, "username", msg.From.UserName)
		return
	}

	// Handle commands
	if msg.IsCommand() {
		c.handleCommand(ctx, msg)
		return
	}

	text := msg.Text
	if text == "" && msg.Caption != "" {
		text = msg.Caption
	}

	// Voice replies are transcribed when configured.
	if text == "" && (msg.Voice != nil || msg.Audio != nil) {
		if c.config.Voice != nil && c.config.Voice.APIKey != "" {
			transcribed, err := c.transcribeVoice(ctx, msg)
			if err != nil {
				c.logger.Error("voice transcription failed",
					"chat_id", chatID,
					"error", err,
				)
				c.reply(chatID, "Sorry, I couldn't transcribe that voice message. Please type your answer.")
				return
			}
			text = transcribed
		}
	}

	if strings.TrimSpace(text) == "" {
		return
	}

	c.dispatch(ctx, connector.InboundMessage{
		Kind:       connector.KindMessage,
		Channel:    "telegram",
		SenderID:   strconv.FormatInt(userID, 10),
		SenderName: senderName(msg.From),
		ChatID:     strconv.FormatInt(chatID, 10),
		Content:    text,
	})
}

func (c *Connector) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID

	switch msg.Command() {
	case "start", "link":
		email, ok := ParseLinkArgs(msg.CommandArguments())
		if !ok {
			c.reply(chatID, "Send /link you@company.com so coworkers' agents can reach you here.")
			return
		}
		c.dispatch(ctx, connector.InboundMessage{
			Kind:        connector.KindRegister,
			Channel:     "telegram",
			SenderID:    strconv.FormatInt(msg.From.ID, 10),
			SenderName:  senderName(msg.From),
			SenderEmail: email,
			ChatID:      strconv.FormatInt(chatID, 10),
		})

	default:
		help := strings.Join([]string{
			"Available commands:",
			"/link <email> - Receive questions for this work email here",
			"/help - Show this help message",
			"",
			"Reply to a question with a normal message to answer it.",
		}, "\n")
		c.reply(chatID, help)
	}
}

func (c *Connector) dispatch(ctx context.Context, inbound connector.InboundMessage) {
	if err := c.handler(ctx, inbound); err != nil {
		c.logger.Error("inbound handler error",
			"kind", inbound.Kind,
			"chat_id", inbound.ChatID,
			"error", err,
		)
	}
}

func (c *Connector) reply(chatID int64, text string) {
	if _, err := c.bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		c.logger.Warn("telegram reply failed", "chat_id", chatID, "error", err)
	}
}

// ParseLinkArgs validates the email given to /start or /link.
func ParseLinkArgs(args string) (string, bool) {
	args = strings.TrimSpace(args)
	if args == "" || strings.ContainsAny(args, " \t") {
		return "", false
	}
	addr, err := mail.ParseAddress(args)
	if err != nil {
		return "", false
	}
	return strings.ToLower(addr.Address), true
}

func senderName(u *tgbotapi.User) string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		name = u.UserName
	}
	return name
}

func contains(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
