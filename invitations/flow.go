// Package invitations handles the guest's answer to a task invite. The
// first accepted invitation pins the executor in the CRM and the local
// mirror; later answers get a polite notice. A decline withdraws the
// invite, and the last decline escalates to the admin.
package invitations

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/m3rciful/guestbot/core/logger"
	tg "github.com/m3rciful/guestbot/core/telegram"
	tghelpers "github.com/m3rciful/guestbot/core/telegram/helpers"
	"github.com/m3rciful/guestbot/core/telegram/keyboard"
	"github.com/m3rciful/guestbot/store"
	"log/slog"

	tele "gopkg.in/telebot.v4"
)

const component = "dialog"

const (
	cbAccept  = "inv_accept"
	cbDecline = "inv_decline"
)

const statusAssigned = "assigned"

const (
	msgBadPayload   = "Не получилось обработать ответ. Попробуй ещё раз, пожалуйста."
	msgNoMapping    = "Не нашёл твою регистрацию. Напиши /start, чтобы зарегистрироваться."
	msgInternal     = "Упс — временная проблема на нашей стороне. Попробуй ещё раз через несколько секунд."
	msgAssignFailed = "Не получилось закрепить проверку за тобой. Попробуй ещё раз через несколько секунд."
	msgTaken        = "Мы уже нашли Тайного гостя для этой проверки. Спасибо за отклик!"
	msgAccepted     = "Отлично! Проверка закреплена за тобой. После визита пришлём ссылку на анкету."
	msgDeclined     = "Спасибо за ответ! До встречи на следующей проверке."
)

// Mirror is the persistence surface the invite dialog reads and writes.
type Mirror interface {
	GetTask(ctx context.Context, taskID int64) (*store.Task, error)
	AssignGuest(ctx context.Context, taskID, guestPlanfixID int64) error
	SetTaskStatus(ctx context.Context, taskID int64, status string) error
	GuestForTelegram(ctx context.Context, telegramID int64) (int64, error)
	OpenInvitations(ctx context.Context, taskID int64) ([]store.Invitation, error)
	WithdrawInvitation(ctx context.Context, taskID, chatID, messageID int64) error
	WithdrawInvitationsExcept(ctx context.Context, taskID, chatID, messageID int64) error
}

// Registry is the CRM surface for pinning the executor.
type Registry interface {
	AssignTask(ctx context.Context, taskID, contactID int64) error
	AddTaskComment(ctx context.Context, taskID int64, text string) error
}

// Messenger removes invite messages from other guests' chats.
type Messenger interface {
	Delete(chatID, messageID int64) error
}

// Flow wires the accept/decline callback handlers.
type Flow struct {
	Tasks    Mirror
	Registry Registry
	Messages Messenger

	// NotifyAdmin delivers an out-of-dialog message to the admin chat.
	// Nil disables admin notifications.
	NotifyAdmin func(text string) error

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

// InviteKeyboard builds the accept/decline row carried by invite messages.
func InviteKeyboard(taskID int64) *tele.ReplyMarkup {
	data := strconv.FormatInt(taskID, 10)
	return keyboard.InlineButtonsRows([]keyboard.InlineBtn{
		{Text: "Принять", Unique: cbAccept, Data: data},
		{Text: "Отказаться", Unique: cbDecline, Data: data},
	})
}

// Register wires the callbacks into the bot registry.
func (f *Flow) Register(reg *tg.Registry) {
	_ = reg.RegisterCallback(cbAccept, f.Accept)
	_ = reg.RegisterCallback(cbDecline, f.Decline)
}

// lock serializes answers per task, so only one accept wins.
func (f *Flow) lock(taskID int64) *sync.Mutex {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.locks == nil {
		f.locks = make(map[int64]*sync.Mutex)
	}
	l, ok := f.locks[taskID]
	if !ok {
		l = &sync.Mutex{}
		f.locks[taskID] = l
	}
	return l
}

func send(c tele.Context, text string) error {
	return tghelpers.SendText(c, text)
}

// callbackRef extracts the task id and the invite message coordinates from
// the pressed button.
func callbackRef(c tele.Context) (taskID, chatID, messageID int64, err error) {
	cb := c.Callback()
	if cb == nil {
		return 0, 0, 0, errors.New("not a callback")
	}
	taskID, err = strconv.ParseInt(strings.TrimSpace(cb.Data), 10, 64)
	if err != nil || taskID == 0 {
		return 0, 0, 0, fmt.Errorf("bad invite payload %q", cb.Data)
	}
	if cb.Message != nil {
		messageID = int64(cb.Message.ID)
		if cb.Message.Chat != nil {
			chatID = cb.Message.Chat.ID
		}
	}
	return taskID, chatID, messageID, nil
}

// Accept pins the answering guest as the task executor. The first answer
// wins; everyone else gets a taken notice and their invite disappears.
func (f *Flow) Accept(c tele.Context) error {
	taskID, chatID, messageID, err := callbackRef(c)
	if err != nil {
		return send(c, msgBadPayload)
	}
	ctx := tghelpers.BuildContext(c)

	guestID, err := f.Tasks.GuestForTelegram(ctx, c.Sender().ID)
	if errors.Is(err, store.ErrNotFound) {
		return send(c, msgNoMapping)
	}
	if err != nil {
		logger.Error(ctx, component, "invite.guest_lookup_failed",
			slog.Int64("task_id", taskID),
			slog.Int64("user_id", c.Sender().ID),
			slog.String("err", err.Error()),
		)
		return send(c, msgInternal)
	}

	mu := f.lock(taskID)
	mu.Lock()
	defer mu.Unlock()

	t, err := f.Tasks.GetTask(ctx, taskID)
	if err != nil {
		logger.Error(ctx, component, "invite.task_lookup_failed",
			slog.Int64("task_id", taskID),
			slog.String("err", err.Error()),
		)
		return send(c, msgInternal)
	}
	if t.AssignedGuestID.Valid {
		if werr := f.Tasks.WithdrawInvitation(ctx, taskID, chatID, messageID); werr != nil {
			logger.Warn(ctx, component, "invite.withdraw_failed",
				slog.Int64("task_id", taskID),
				slog.String("err", werr.Error()),
			)
		}
		f.deleteOwnMessage(ctx, c, taskID)
		return send(c, msgTaken)
	}

	if err := f.Registry.AssignTask(ctx, taskID, guestID); err != nil {
		logger.Warn(ctx, component, "invite.assign_failed",
			slog.Int64("task_id", taskID),
			slog.Int64("guest_id", guestID),
			slog.String("err", err.Error()),
		)
		return send(c, msgAssignFailed)
	}
	f.comment(ctx, taskID, fmt.Sprintf("Гость %d принял приглашение и назначен исполнителем.", guestID))

	if err := f.Tasks.AssignGuest(ctx, taskID, guestID); err != nil {
		logger.Error(ctx, component, "invite.mirror_assign_failed",
			slog.Int64("task_id", taskID),
			slog.String("err", err.Error()),
		)
	}
	if err := f.Tasks.SetTaskStatus(ctx, taskID, statusAssigned); err != nil {
		logger.Error(ctx, component, "invite.status_failed",
			slog.Int64("task_id", taskID),
			slog.String("err", err.Error()),
		)
	}

	logger.Info(ctx, component, "invite.accepted",
		slog.Int64("task_id", taskID),
		slog.Int64("guest_id", guestID),
	)

	if err := send(c, msgAccepted); err != nil {
		logger.Warn(ctx, component, "invite.reply_failed",
			slog.Int64("task_id", taskID),
			slog.String("err", err.Error()),
		)
	}
	f.withdrawOthers(ctx, taskID, chatID, messageID)
	return nil
}

// Decline withdraws the guest's invite. When no open invitations remain the
// admin is told and the task gets a CRM comment.
func (f *Flow) Decline(c tele.Context) error {
	taskID, chatID, messageID, err := callbackRef(c)
	if err != nil {
		return send(c, msgBadPayload)
	}
	ctx := tghelpers.BuildContext(c)

	if err := f.Tasks.WithdrawInvitation(ctx, taskID, chatID, messageID); err != nil {
		logger.Warn(ctx, component, "invite.withdraw_failed",
			slog.Int64("task_id", taskID),
			slog.String("err", err.Error()),
		)
	}
	logger.Info(ctx, component, "invite.declined",
		slog.Int64("task_id", taskID),
		slog.Int64("user_id", c.Sender().ID),
	)
	if err := send(c, msgDeclined); err != nil {
		logger.Warn(ctx, component, "invite.reply_failed",
			slog.Int64("task_id", taskID),
			slog.String("err", err.Error()),
		)
	}
	f.deleteOwnMessage(ctx, c, taskID)

	open, err := f.Tasks.OpenInvitations(ctx, taskID)
	if err != nil {
		logger.Warn(ctx, component, "invite.list_failed",
			slog.Int64("task_id", taskID),
			slog.String("err", err.Error()),
		)
		return nil
	}
	if len(open) > 0 {
		return nil
	}

	if f.NotifyAdmin != nil {
		if nerr := f.NotifyAdmin(fmt.Sprintf("Все приглашённые гости отказались от проверки задачи #%d.", taskID)); nerr != nil {
			logger.Warn(ctx, component, "admin.notify_failed",
				slog.Int64("task_id", taskID),
				slog.String("err", nerr.Error()),
			)
		}
	}
	f.comment(ctx, taskID, "Все приглашённые гости отказались от проверки.")
	return nil
}

// withdrawOthers closes the remaining invites of the task and removes their
// messages from the other guests' chats.
func (f *Flow) withdrawOthers(ctx context.Context, taskID, keepChatID, keepMessageID int64) {
	open, err := f.Tasks.OpenInvitations(ctx, taskID)
	if err != nil {
		logger.Warn(ctx, component, "invite.list_failed",
			slog.Int64("task_id", taskID),
			slog.String("err", err.Error()),
		)
		return
	}
	if err := f.Tasks.WithdrawInvitationsExcept(ctx, taskID, keepChatID, keepMessageID); err != nil {
		logger.Warn(ctx, component, "invite.withdraw_failed",
			slog.Int64("task_id", taskID),
			slog.String("err", err.Error()),
		)
	}
	if f.Messages == nil {
		return
	}
	for _, inv := range open {
		if inv.ChatID == keepChatID && inv.MessageID == keepMessageID {
			continue
		}
		if derr := f.Messages.Delete(inv.ChatID, inv.MessageID); derr != nil {
			logger.Warn(ctx, component, "invite.message_delete_failed",
				slog.Int64("task_id", taskID),
				slog.Int64("chat_id", inv.ChatID),
				slog.String("err", derr.Error()),
			)
		}
	}
}

// deleteOwnMessage removes the invite message the guest just answered.
func (f *Flow) deleteOwnMessage(ctx context.Context, c tele.Context, taskID int64) {
	if err := c.Delete(); err != nil {
		logger.Warn(ctx, component, "invite.message_delete_failed",
			slog.Int64("task_id", taskID),
			slog.String("err", err.Error()),
		)
	}
}

func (f *Flow) comment(ctx context.Context, taskID int64, text string) {
	if f.Registry == nil {
		return
	}
	if err := f.Registry.AddTaskComment(ctx, taskID, text); err != nil {
		logger.Warn(ctx, component, "crm.comment_failed",
			slog.Int64("task_id", taskID),
			slog.String("err", err.Error()),
		)
	}
}
