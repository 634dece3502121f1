// Package bot routes incoming chat messages to reminder operations.
//
// It understands three commands (/list, /cancel, /help) and two free-text
// shapes: "remind me to <task> <time phrase>" for one-offs and
// "every <weekday> at HH:MM remind me to <task>" for weekly reminders.
package bot

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"remindbot/internal/recurrence"
	"remindbot/internal/store"
	"remindbot/internal/timeparse"
	"remindbot/internal/transport"
	logx "remindbot/pkg/logx"
)

// ReminderPort is the slice of the reminder service the router needs.
type ReminderPort interface {
	CreateOneOff(ctx context.Context, owner int64, text string, at time.Time) (store.Reminder, error)
	CreateRecurring(ctx context.Context, owner int64, text string, weekday, hour, minute int) (store.Reminder, error)
	List(ctx context.Context, owner int64) ([]store.Reminder, error)
	Cancel(ctx context.Context, id int64) error
}

type Config struct {
	InboxSize     int           // default 64
	HandleTimeout time.Duration // per-message budget; default 10s
}

type Router struct {
	cfg   Config
	log   logx.Logger
	gw    transport.Gateway
	rem   ReminderPort
	parse timeparse.Parser

	now func() time.Time

	inbox chan transport.Message

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func New(cfg Config, rem ReminderPort, gw transport.Gateway, parse timeparse.Parser, log logx.Logger) *Router {
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 64
	}
	if cfg.HandleTimeout <= 0 {
		cfg.HandleTimeout = 10 * time.Second
	}
	if parse == nil {
		parse = timeparse.English{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Router{
		cfg:   cfg,
		log:   log,
		gw:    gw,
		rem:   rem,
		parse: parse,
		now:   time.Now,
		inbox: make(chan transport.Message, cfg.InboxSize),
	}
}

// Inbox is the channel the transport adapter feeds.
func (r *Router) Inbox() chan<- transport.Message { return r.inbox }

func (r *Router) Start(ctx context.Context) {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	stopCh, doneCh := r.stopCh, r.doneCh
	r.mu.Unlock()

	go func() {
		defer close(doneCh)
		defer func() {
			if rec := recover(); rec != nil {
				r.log.Error("panic in bot loop", logx.Any("panic", rec), logx.String("stack", string(debug.Stack())))
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case msg := <-r.inbox:
				r.handle(msg)
			}
		}
	}()
}

func (r *Router) Stop(ctx context.Context) {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	close(r.stopCh)
	done := r.doneCh
	r.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (r *Router) handle(msg transport.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.HandleTimeout)
	defer cancel()

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}

	var reply string
	if strings.HasPrefix(text, "/") {
		reply = r.handleCommand(ctx, msg.ChatID, text)
	} else {
		reply = r.handleFreeText(ctx, msg.ChatID, text)
	}
	if reply == "" {
		return
	}
	if err := r.gw.Send(ctx, msg.ChatID, reply); err != nil {
		r.log.Warn("reply failed", logx.Int64("chat", msg.ChatID), logx.Err(err))
	}
}

func (r *Router) handleCommand(ctx context.Context, chat int64, text string) string {
	fields := strings.Fields(text)
	cmd := strings.ToLower(fields[0])
	// Strip the @botname suffix used in group chats.
	if i := strings.IndexByte(cmd, '@'); i > 0 {
		cmd = cmd[:i]
	}
	args := fields[1:]

	switch cmd {
	case "/list":
		return r.cmdList(ctx, chat)
	case "/cancel":
		return r.cmdCancel(ctx, chat, args)
	case "/help", "/start":
		return helpText
	default:
		return "Unknown command. Try /help."
	}
}

const helpText = "💡 Examples:\n" +
	"\"Remind me to water the plants tomorrow at 9:00\"\n" +
	"\"Every Friday at 18:30 remind me to take out the trash\"\n\n" +
	"/list shows your reminders, /cancel <id> removes one."

func (r *Router) cmdList(ctx context.Context, chat int64) string {
	rows, err := r.rem.List(ctx, chat)
	if err != nil {
		r.log.Error("list reminders", logx.Int64("chat", chat), logx.Err(err))
		return "Something went wrong, please try again."
	}
	if len(rows) == 0 {
		return "You have no reminders."
	}
	var b strings.Builder
	b.WriteString("📋 Your reminders:\n")
	for _, rem := range rows {
		if rem.Schedule.Recurring() {
			fmt.Fprintf(&b, "%d. %s — 🔄 %s\n", rem.ID, rem.Text, rem.Schedule.Rule.String())
		} else {
			fmt.Fprintf(&b, "%d. %s — ⏰ %s\n", rem.ID, rem.Text, rem.Schedule.FireAt.Format("Mon, 02 Jan 2006 15:04"))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func (r *Router) cmdCancel(ctx context.Context, chat int64, args []string) string {
	if len(args) == 0 {
		return "Usage: /cancel <id>"
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return "Usage: /cancel <id>"
	}
	// Owner check first so users cannot cancel each other's reminders.
	rows, err := r.rem.List(ctx, chat)
	if err != nil {
		r.log.Error("cancel lookup", logx.Int64("chat", chat), logx.Err(err))
		return "Something went wrong, please try again."
	}
	owned := false
	for _, rem := range rows {
		if rem.ID == id {
			owned = true
			break
		}
	}
	if !owned {
		return fmt.Sprintf("Nothing to cancel: no reminder %d.", id)
	}
	if err := r.rem.Cancel(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Sprintf("Nothing to cancel: no reminder %d.", id)
		}
		r.log.Error("cancel reminder", logx.Int64("id", id), logx.Err(err))
		return "Something went wrong, please try again."
	}
	return fmt.Sprintf("❌ Reminder %d removed.", id)
}

var (
	weekdayRe = regexp.MustCompile(`\bevery (monday|tuesday|wednesday|thursday|friday|saturday|sunday)\b`)
	clockRe   = regexp.MustCompile(`\b([01]?\d|2[0-3]):([0-5]\d)\b`)
)

// API weekday indexes, Monday=0 through Sunday=6.
var weekdayIndex = map[string]int{
	"monday":    0,
	"tuesday":   1,
	"wednesday": 2,
	"thursday":  3,
	"friday":    4,
	"saturday":  5,
	"sunday":    6,
}

func (r *Router) handleFreeText(ctx context.Context, chat int64, text string) string {
	lower := strings.ToLower(text)
	task := extractTask(lower)

	if m := weekdayRe.FindStringSubmatch(lower); m != nil {
		cm := clockRe.FindStringSubmatch(lower)
		if cm == nil {
			return "❌ Could not parse recurring reminder. Try \"every friday at 18:30 remind me to ...\"."
		}
		hour, _ := strconv.Atoi(cm[1])
		minute, _ := strconv.Atoi(cm[2])

		rem, err := r.rem.CreateRecurring(ctx, chat, task, weekdayIndex[m[1]], hour, minute)
		if err != nil {
			if errors.Is(err, recurrence.ErrInvalidSchedule) {
				return "❌ Could not parse recurring reminder."
			}
			r.log.Error("create recurring", logx.Int64("chat", chat), logx.Err(err))
			return "Something went wrong, please try again."
		}
		return fmt.Sprintf("🔄 Recurring reminder set: %q %s. Cancel with /cancel %d.",
			rem.Text, rem.Schedule.Rule.String(), rem.ID)
	}

	at, ok := r.parse.Parse(lower, r.now())
	if !ok {
		return "❌ I couldn't understand the reminder format. Try /help."
	}
	rem, err := r.rem.CreateOneOff(ctx, chat, task, at)
	if err != nil {
		r.log.Error("create one-off", logx.Int64("chat", chat), logx.Err(err))
		return "Something went wrong, please try again."
	}
	return fmt.Sprintf("✅ I'll remind you to %q on %s. Cancel with /cancel %d.",
		rem.Text, at.Format("Mon, 02 Jan 2006 15:04"), rem.ID)
}

// extractTask pulls the task description out of a reminder phrase. The time
// phrase stays attached, matching how people re-read their own reminders.
func extractTask(lower string) string {
	for _, marker := range []string{"remind me to", "remind me about"} {
		if i := strings.Index(lower, marker); i >= 0 {
			if tail := strings.TrimSpace(lower[i+len(marker):]); tail != "" {
				return tail
			}
		}
	}
	return lower
}
