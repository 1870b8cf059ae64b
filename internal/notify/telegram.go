package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/santedb/santedb-dc-core-sub006/internal/domain"
	"github.com/santedb/santedb-dc-core-sub006/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

const outboxSize = 64

// TelegramNotifier posts cycle results to the configured chats. Messages are
// buffered and sent by Run, so notifications never hold up a cycle.
type TelegramNotifier struct {
	sender       domain.TelegramSender
	chatIDs      []int64
	onlyFailures bool
	outbox       chan string
	logger       *zerolog.Logger
}

func NewTelegramNotifier(sender domain.TelegramSender, chatIDs []int64, onlyFailures bool, logger *zerolog.Logger) *TelegramNotifier {
	return &TelegramNotifier{
		sender:       sender,
		chatIDs:      chatIDs,
		onlyFailures: onlyFailures,
		outbox:       make(chan string, outboxSize),
		logger:       logger,
	}
}

// Run delivers buffered messages until ctx is done.
func (n *TelegramNotifier) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case text := <-n.outbox:
			n.deliver(text)
		}
	}
}

func (n *TelegramNotifier) deliver(text string) {
	for _, chatID := range n.chatIDs {
		msg := tgbotapi.NewMessage(chatID, text)
		msg.ParseMode = tgbotapi.ModeMarkdown
		if _, err := n.sender.Send(msg); err != nil {
			n.logger.Warn().Err(err).Int64("chat_id", chatID).Msg("Failed to send telegram notification")
		}
	}
}

func (n *TelegramNotifier) post(text string) {
	select {
	case n.outbox <- text:
	default:
		n.logger.Warn().Msg("Telegram outbox full, notification dropped")
	}
}

func (n *TelegramNotifier) CycleStarted(context.Context, models.TriggerEvent) {}

func (n *TelegramNotifier) CycleCompleted(_ context.Context, summary models.CycleSummary) {
	if n.onlyFailures && summary.Failed == 0 && summary.DeadLettered == 0 {
		return
	}
	n.post(fmt.Sprintf("*Synchronization finished* (%s)\npushed %d, pulled %d, applied %d, failed %d, dead-lettered %d",
		summary.Trigger, summary.Pushed, summary.Pulled, summary.Applied, summary.Failed, summary.DeadLettered))
}

func (n *TelegramNotifier) CycleFailed(_ context.Context, summary models.CycleSummary, err error) {
	n.post(fmt.Sprintf("*Synchronization failed* (%s)\n%s", summary.Trigger, escape(err.Error())))
}

var markdownEscaper = strings.NewReplacer("_", "\\_", "*", "\\*", "`", "\\`", "[", "\\[")

func escape(s string) string {
	return markdownEscaper.Replace(s)
}
