// Command guestbot runs the secret-guest registration bot: the Telegram
// dialog, the CRM webhook intake and the deadline sweep share one process
// and one shutdown context.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	tele "gopkg.in/telebot.v4"

	"github.com/m3rciful/guestbot/core/buildinfo"
	"github.com/m3rciful/guestbot/core/config"
	"github.com/m3rciful/guestbot/core/database"
	"github.com/m3rciful/guestbot/core/logger"
	tg "github.com/m3rciful/guestbot/core/telegram"
	"github.com/m3rciful/guestbot/core/telegram/commands"
	tghelpers "github.com/m3rciful/guestbot/core/telegram/helpers"
	"github.com/m3rciful/guestbot/core/telegram/router"
	"github.com/m3rciful/guestbot/core/telegram/state"
	"github.com/m3rciful/guestbot/invitations"
	"github.com/m3rciful/guestbot/planfix"
	"github.com/m3rciful/guestbot/registration"
	"github.com/m3rciful/guestbot/scheduler"
	"github.com/m3rciful/guestbot/store"
	"github.com/m3rciful/guestbot/webhook"
	"log/slog"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("guestbot: %v", err)
	}
}

func run() error {
	// Local development keeps secrets in .env; absence is not an error.
	_ = godotenv.Load()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "./config/config.yml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	if err := logger.InitLogger(logger.Settings{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		KeysOrder:   cfg.Logging.KeysOrder,
		DebugSample: cfg.Logging.DebugSample,
		Dir:         cfg.Logging.Dir,
		File:        cfg.Logging.BotFile,
		Profile:     cfg.Logging.Profile,
	}); err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() {
		if err := logger.Shutdown(); err != nil {
			log.Printf("logger shutdown: %v", err)
		}
	}()

	app := logger.L.With("component", "app")
	app.Info("starting",
		slog.String("event", "boot"),
		slog.String("version", buildinfo.Version),
		slog.String("commit", buildinfo.Commit),
	)

	if err := database.RunMigrations(cfg.Database); err != nil {
		return err
	}
	db, err := database.Connect(cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	mirror := store.New(db)

	crm := planfix.NewClient(planfix.Options{
		BaseURL:           cfg.Planfix.BaseURL,
		Token:             cfg.Planfix.Token,
		ContactTemplateID: cfg.Planfix.ContactTemplateID,
		Fields: planfix.FieldIDs{
			City:       cfg.Planfix.Fields.City,
			Telegram:   cfg.Planfix.Fields.Telegram,
			TelegramID: cfg.Planfix.Fields.TelegramID,
		},
	})
	if err := verifyFieldMapping(crm); err != nil {
		return err
	}

	sessions, err := state.NewCacheManager(cfg.Dialog.SessionTTL)
	if err != nil {
		return fmt.Errorf("session store: %w", err)
	}

	notifier := &telegramNotifier{}
	notifyAdmin := adminNotify(notifier, cfg.Telegram.AdminID)

	flow := &registration.Flow{
		Sessions:        sessions,
		Registry:        crm,
		Guests:          mirror,
		RegistryBaseURL: cfg.Planfix.BaseURL,
		NotifyAdmin:     notifyAdmin,
	}

	invites := &invitations.Flow{
		Tasks:       mirror,
		Registry:    crm,
		Messages:    notifier,
		NotifyAdmin: notifyAdmin,
	}

	reg := tg.NewRegistry()
	flow.Register(reg)
	invites.Register(reg)
	registerStats(reg, mirror)

	routes := router.CommandRoutes(reg, router.CommandRouteOptions{
		AdminID: cfg.Telegram.AdminID,
	})
	routes = append(routes, router.TextRoutes(sessions, reg, router.TextOptions{})...)
	routes = append(routes, router.CallbackRoute(reg, router.CallbackOptions{}))
	routes = append(routes, tg.Route{
		Endpoint: tele.OnContact,
		Handler: func(c tele.Context) error {
			if !sessions.InProgress(c.Sender().ID) {
				return nil
			}
			return sessions.ManagerHandler(c)
		},
	})

	intake := webhook.New(webhook.Options{
		Listen:               cfg.Server.Listen,
		Port:                 cfg.Server.Port,
		BasicLogin:           cfg.Planfix.WebhookLogin,
		BasicPassword:        cfg.Planfix.WebhookPassword,
		FormsSecret:          cfg.Planfix.FormsSecret,
		FormURL:              cfg.Planfix.FormURL,
		ScoreFieldID:         cfg.Planfix.Fields.Score,
		ResultStatusFieldID:  cfg.Planfix.Fields.ResultStatus,
		SessionFieldID:       cfg.Planfix.Fields.SessionID,
		StatusFormReceivedID: cfg.Planfix.StatusFormReceivedID,
		StatusReviewID:       cfg.Planfix.StatusReviewID,
		TaskTemplateIDs:      cfg.Planfix.TaskTemplateIDs,
		Store:                mirror,
		Registry:             crm,
		Notify:               notifier,
		NotifyAdmin:          notifyAdmin,
		Debug:                cfg.Logging.Profile == "debug",
	})

	sweeper := scheduler.New(mirror, notifyAdmin)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	startedAt := time.Now()
	return tg.RunTelegram(ctx, tg.RunOptions{
		Config:      cfg,
		Registry:    reg,
		Middlewares: tg.DefaultMiddlewares(cfg, nil),
		Routes:      routes,
		OnStart: func(ctx context.Context, rt tg.Runtime) error {
			notifier.bind(rt.Bot)
			go func() {
				if err := intake.Run(ctx); err != nil {
					logger.HOOK.Error("intake stopped",
						slog.String("event", "crash"),
						slog.String("err", err.Error()),
					)
				}
			}()
			if err := sweeper.Start(cfg.Dialog.DeadlineSweep); err != nil {
				return err
			}
			app.Info("app ready",
				slog.String("event", "ready"),
				slog.Duration("startup_duration", logger.RoundMS(time.Since(startedAt))),
			)
			return nil
		},
		OnStop: func(ctx context.Context, rt tg.Runtime) error {
			app.Info("shutting down...",
				slog.String("event", "shutdown"),
			)
			sweeper.Stop()
			return nil
		},
	})
}

// verifyFieldMapping checks the configured custom-field ids against the
// contact template. A missing field is a configuration error and fatal;
// an unreachable registry only delays the check until first use.
func verifyFieldMapping(crm *planfix.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	err := crm.VerifyFieldMapping(ctx)
	if err == nil {
		return nil
	}
	if planfix.IsRejected(err) {
		return fmt.Errorf("field mapping: %w", err)
	}
	logger.REG.Warn("field mapping check postponed",
		slog.String("event", "template.verify"),
		slog.String("err", err.Error()),
	)
	return nil
}

func registerStats(reg *tg.Registry, mirror *store.Store) {
	reg.RegisterCommand("/stats", commands.Command{
		Handler: func(c tele.Context) error {
			ctx := tghelpers.BuildContext(c)
			stats, err := mirror.CountStats(ctx)
			if err != nil {
				return tghelpers.SendText(c, "Не удалось получить статистику, попробуй позже.")
			}
			return tghelpers.SendText(c, fmt.Sprintf(
				"Зарегистрировано гостей: %d\nОткрытых задач: %d",
				stats.Guests, stats.OpenTasks,
			))
		},
		Description: "Статистика бота",
		AdminOnly:   true,
	})
}

// telegramNotifier sends direct messages through the live bot. The bot is
// bound on start; sends before that fail instead of blocking.
type telegramNotifier struct {
	mu  sync.RWMutex
	bot *tele.Bot
}

var errBotNotReady = errors.New("telegram bot is not running")

func (n *telegramNotifier) bind(bot *tele.Bot) {
	n.mu.Lock()
	n.bot = bot
	n.mu.Unlock()
}

func (n *telegramNotifier) get() *tele.Bot {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.bot
}

func (n *telegramNotifier) Send(telegramID int64, text string) (int64, error) {
	bot := n.get()
	if bot == nil {
		return 0, errBotNotReady
	}
	msg, err := bot.Send(&tele.User{ID: telegramID}, text)
	if err != nil {
		return 0, err
	}
	return int64(msg.ID), nil
}

func (n *telegramNotifier) SendKeyboard(telegramID int64, text string, markup *tele.ReplyMarkup) (int64, error) {
	bot := n.get()
	if bot == nil {
		return 0, errBotNotReady
	}
	msg, err := bot.Send(&tele.User{ID: telegramID}, text, &tele.SendOptions{ReplyMarkup: markup})
	if err != nil {
		return 0, err
	}
	return int64(msg.ID), nil
}

func (n *telegramNotifier) Delete(chatID, messageID int64) error {
	bot := n.get()
	if bot == nil {
		return errBotNotReady
	}
	return bot.Delete(&tele.StoredMessage{
		ChatID:    chatID,
		MessageID: strconv.FormatInt(messageID, 10),
	})
}

func adminNotify(n *telegramNotifier, adminID int64) func(string) error {
	if adminID == 0 {
		return nil
	}
	return func(text string) error {
		_, err := n.Send(adminID, text)
		return err
	}
}
