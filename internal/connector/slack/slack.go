package slackconn

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/h1v3-io/coworker/internal/connector"
)

// Action and block IDs on the question card.
const (
	ActionSubmitReply = "coworker_submit_reply"
	ActionReplyInput  = "coworker_reply_input"
	blockReplyInput   = "coworker_reply"
)

// Config holds Slack connector configuration.
type Config struct {
	BotToken       string // xoxb-... Bot User OAuth Token
	AppToken       string // xapp-... App-Level Token (for Socket Mode)
	UseResponseBox bool   // Render an input box and a submit button on question cards
}

// Connector implements connector.Connector for Slack via Socket Mode.
// Questions go to the person's app DM; replies come back as DM messages or
// card submissions.
type Connector struct {
	api     *slack.Client
	socket  *socketmode.Client
	config  Config
	handler connector.InboundHandler
	logger  *slog.Logger
	cancel  context.CancelFunc
	botID   string
}

// New creates a new Slack connector.
func New(cfg Config, handler connector.InboundHandler, logger *slog.Logger) (*Connector, error) {
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("slack: bot_token is required")
	}
	if cfg.AppToken == "" {
		return nil, fmt.Errorf("slack: app_token is required (Socket Mode)")
	}

	if logger == nil {
		logger = slog.Default()
	}

	api := slack.New(cfg.BotToken, slack.OptionAppLevelToken(cfg.AppToken))

	// Test auth and get bot user ID
	authResp, err := api.AuthTest()
	if err != nil {
		return nil, fmt.Errorf("slack: auth test: %w", err)
	}

	logger.Info("slack bot authorized", "user", authResp.User, "team", authResp.Team)

	return &Connector{
		api:     api,
		socket:  socketmode.New(api),
		config:  cfg,
		handler: handler,
		logger:  logger,
		botID:   authResp.UserID,
	}, nil
}

func (c *Connector) Name() string { return "slack" }

// API returns the underlying client, shared with the Slack directory.
func (c *Connector) API() *slack.Client { return c.api }

// Start begins listening for events via Socket Mode. Blocks until context is cancelled.
func (c *Connector) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)

	go c.handleEvents(ctx)

	c.logger.Info("slack connector started (socket mode)")
	return c.socket.RunContext(ctx)
}

// Stop gracefully shuts down the connector.
func (c *Connector) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

// Send delivers a question card or a plain message to a Slack conversation.
func (c *Connector) Send(ctx context.Context, msg connector.OutboundMessage) error {
	var opts []slack.MsgOption
	if msg.Question != nil {
		opts = append(opts,
			slack.MsgOptionText(msg.Question.PlainText(), false),
			slack.MsgOptionBlocks(QuestionBlocks(*msg.Question, c.config.UseResponseBox)...),
		)
	} else {
		opts = append(opts, slack.MsgOptionText(MarkdownToMrkdwn(msg.Content), false))
	}

	_, _, err := c.api.PostMessageContext(ctx, msg.ChatID, opts...)
	if err != nil {
		if isPermanent(err) {
			return connector.Permanent(fmt.Errorf("slack: send message: %w", err))
		}
		return fmt.Errorf("slack: send message: %w", err)
	}
	return nil
}

func (c *Connector) handleEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-c.socket.Events:
			switch event.Type {
			case socketmode.EventTypeEventsAPI:
				c.handleEventsAPI(ctx, event)
			case socketmode.EventTypeInteractive:
				c.handleInteraction(ctx, event)
			case socketmode.EventTypeSlashCommand:
				c.handleSlashCommand(ctx, event)
			}
		}
	}
}

func (c *Connector) handleEventsAPI(ctx context.Context, event socketmode.Event) {
	eventsAPIEvent, ok := event.Data.(slackevents.EventsAPIEvent)
	if !ok {
		return
	}

	c.socket.Ack(*event.Request)

	switch ev := eventsAPIEvent.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		c.handleMessage(ctx, ev)
	case *slackevents.AppHomeOpenedEvent:
		c.handleAppHomeOpened(ctx, ev)
	}
}

func (c *Connector) handleMessage(ctx context.Context, ev *slackevents.MessageEvent) {
	// Ignore bot messages (including our own)
	if ev.BotID != "" || ev.User == "" || ev.User == c.botID {
		return
	}
	// Ignore message subtypes (edits, deletes, etc.)
	if ev.SubType != "" {
		return
	}
	// Only direct messages answer questions.
	if ev.ChannelType != "im" {
		return
	}
	if strings.TrimSpace(ev.Text) == "" {
		return
	}

	c.dispatch(ctx, connector.InboundMessage{
		Kind:     connector.KindMessage,
		Channel:  "slack",
		SenderID: ev.User,
		ChatID:   ev.Channel,
		Content:  ev.Text,
	})
}

// handleAppHomeOpened registers the person's app DM the first time they open it.
func (c *Connector) handleAppHomeOpened(ctx context.Context, ev *slackevents.AppHomeOpenedEvent) {
	if ev.User == "" || ev.Channel == "" {
		return
	}
	c.register(ctx, ev.User, ev.Channel)
}

func (c *Connector) handleInteraction(ctx context.Context, event socketmode.Event) {
	cb, ok := event.Data.(slack.InteractionCallback)
	if !ok {
		return
	}

	c.socket.Ack(*event.Request)

	questionID, text, ok := ParseSubmission(cb)
	if !ok {
		return
	}

	c.dispatch(ctx, connector.InboundMessage{
		Kind:       connector.KindSubmit,
		Channel:    "slack",
		SenderID:   cb.User.ID,
		SenderName: firstNonEmpty(cb.User.Name, cb.User.ID),
		ChatID:     firstNonEmpty(cb.Channel.ID, cb.Container.ChannelID),
		QuestionID: questionID,
		Content:    text,
	})
}

// handleSlashCommand treats any slash command routed to the app as a
// registration of the conversation it was typed in.
func (c *Connector) handleSlashCommand(ctx context.Context, event socketmode.Event) {
	cmd, ok := event.Data.(slack.SlashCommand)
	if !ok {
		return
	}

	c.socket.Ack(*event.Request)
	c.register(ctx, cmd.UserID, cmd.ChannelID)
}

func (c *Connector) register(ctx context.Context, userID, channelID string) {
	inbound := connector.InboundMessage{
		Kind:     connector.KindRegister,
		Channel:  "slack",
		SenderID: userID,
		ChatID:   channelID,
	}

	user, err := c.api.GetUserInfoContext(ctx, userID)
	if err != nil {
		c.logger.Warn("slack user lookup failed", "user", userID, "error", err)
	} else {
		inbound.SenderEmail = user.Profile.Email
		inbound.SenderName = firstNonEmpty(user.RealName, user.Name)
	}

	c.dispatch(ctx, inbound)
}

func (c *Connector) dispatch(ctx context.Context, inbound connector.InboundMessage) {
	if err := c.handler(ctx, inbound); err != nil {
		c.logger.Error("slack inbound handler error",
			"kind", inbound.Kind,
			"channel", inbound.ChatID,
			"user", inbound.SenderID,
			"error", err,
		)
	}
}

// QuestionBlocks renders a question as Block Kit. With a response box the
// card carries a multiline input and a submit button whose value is the
// question ID; without one, the person answers by replying in the DM.
func QuestionBlocks(q connector.QuestionCard, useResponseBox bool) []slack.Block {
	asker := q.AskerName
	if asker == "" {
		asker = "A coworker"
	}

	blocks := []slack.Block{
		slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType, "New Question", false, false)),
		slack.NewContextBlock("",
			slack.NewTextBlockObject(slack.MarkdownType, asker+" needs your help with the following question:", false, false)),
		slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, MarkdownToMrkdwn(q.Text), false, false), nil, nil),
	}

	if !useResponseBox {
		return append(blocks, slack.NewContextBlock("",
			slack.NewTextBlockObject(slack.PlainTextType, "Reply in this conversation to answer.", false, false)))
	}

	input := slack.NewPlainTextInputBlockElement(
		slack.NewTextBlockObject(slack.PlainTextType, "Type your answer here...", false, false), ActionReplyInput)
	input.Multiline = true

	return append(blocks,
		slack.NewInputBlock(blockReplyInput,
			slack.NewTextBlockObject(slack.PlainTextType, "Your answer", false, false), nil, input),
		slack.NewActionBlock("coworker_actions",
			slack.NewButtonBlockElement(ActionSubmitReply, q.QuestionID,
				slack.NewTextBlockObject(slack.PlainTextType, "Send Reply", false, false)).
				WithStyle(slack.StylePrimary)),
	)
}

// ParseSubmission extracts the question ID and typed answer from a
// block_actions callback on a question card.
func ParseSubmission(cb slack.InteractionCallback) (questionID, text string, ok bool) {
	if cb.Type != slack.InteractionTypeBlockActions {
		return "", "", false
	}
	for _, action := range cb.ActionCallback.BlockActions {
		if action != nil && action.ActionID == ActionSubmitReply {
			questionID = action.Value
			break
		}
	}
	if questionID == "" {
		return "", "", false
	}
	if cb.BlockActionState != nil {
		if v, found := cb.BlockActionState.Values[blockReplyInput][ActionReplyInput]; found {
			text = v.Value
		}
	}
	return questionID, strings.TrimSpace(text), true
}

// isPermanent reports Slack API errors that retrying will not fix.
func isPermanent(err error) bool {
	switch err.Error() {
	case "channel_not_found", "not_in_channel", "is_archived", "invalid_auth",
		"account_inactive", "user_not_found", "cannot_dm_bot", "messages_tab_disabled":
		return true
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// MarkdownToMrkdwn converts standard Markdown to Slack's mrkdwn format.
func MarkdownToMrkdwn(md string) string {
	result := md

	// Convert emphasis markers in a single pass
	result = convertEmphasis(result)
	// Convert strikethrough: ~~text~~ → ~text~
	result = strings.ReplaceAll(result, "~~", "~")
	// Convert links: [text](url) → <url|text>
	result = convertLinks(result)

	return result
}

// convertEmphasis handles both bold (**text** → *text*) and italic (*text* → _text_)
// in a single pass, correctly distinguishing between the two.
func convertEmphasis(s string) string {
	var b strings.Builder
	inCode := false
	i := 0
	for i < len(s) {
		ch := s[i]
		if ch == '`' {
			inCode = !inCode
			b.WriteByte(ch)
			i++
		} else if ch == '*' && !inCode {
			if i+1 < len(s) && s[i+1] == '*' {
				b.WriteByte('*')
				i += 2
			} else {
				b.WriteByte('_')
				i++
			}
		} else {
			b.WriteByte(ch)
			i++
		}
	}
	return b.String()
}

// convertLinks converts [text](url) to <url|text>.
func convertLinks(s string) string {
	var b strings.Builder
	i := 0
	for i < len(s) {
		if s[i] == '[' {
			closeB := strings.Index(s[i:], "](")
			if closeB == -1 {
				b.WriteByte(s[i])
				i++
				continue
			}
			closeB += i
			closeP := strings.Index(s[closeB:], ")")
			if closeP == -1 {
				b.WriteByte(s[i])
				i++
				continue
			}
			closeP += closeB

			text := s[i+1 : closeB]
			url := s[closeB+2 : closeP]
			fmt.Fprintf(&b, "<%s|%s>", url, text)
			i = closeP + 1
		} else {
			b.WriteByte(s[i])
			i++
		}
	}
	return b.String()
}
