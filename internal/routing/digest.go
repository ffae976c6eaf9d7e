package routing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/notify"
	"go.uber.org/zap"
)

// digestListLimit caps how many conversations a digest names.
const digestListLimit = 10

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ValidateCron reports whether expr is a valid 5-field cron expression.
func ValidateCron(expr string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("routing: invalid cron %q: %w", expr, err)
	}
	return nil
}

// nextCronDuration parses a 5-field cron expression and returns the duration
// from now until the next fire time. Returns 0 on parse error.
func nextCronDuration(expr string, now time.Time) time.Duration {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return 0
	}
	d := sched.Next(now).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// WaitingConversations lists human-owned conversations no operator has
// picked up, oldest first.
func (e *Engine) WaitingConversations(ctx context.Context) ([]models.Conversation, error) {
	var convs []models.Conversation
	err := e.db.WithContext(ctx).
		Where("agent_responding = ? AND current_agent_id IS NULL", true).
		Order("updated_at ASC, id ASC").
		Find(&convs).Error
	if err != nil {
		return nil, fmt.Errorf("routing: waiting conversations: %w", err)
	}
	return convs, nil
}

// BuildDigest summarises the waiting conversations. It returns nil when
// nobody is waiting.
func (e *Engine) BuildDigest(ctx context.Context) (*notify.Alert, error) {
	convs, err := e.WaitingConversations(ctx)
	if err != nil {
		return nil, err
	}
	if len(convs) == 0 {
		return nil, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d conversation(s) waiting for an operator.", len(convs))
	for i, c := range convs {
		if i == digestListLimit {
			fmt.Fprintf(&b, "\n…and %d more", len(convs)-digestListLimit)
			break
		}
		name := c.DisplayName
		if name == "" {
			name = "unknown customer"
		}
		fmt.Fprintf(&b, "\n#%d %s (waiting since %s)", c.ID, name, c.UpdatedAt.UTC().Format(time.RFC3339))
	}
	return &notify.Alert{Kind: notify.AlertDigest, Text: b.String()}, nil
}

// RunDigest sends a digest on every tick of the cron expression until ctx
// is cancelled. It returns immediately when expr is empty or invalid.
func (e *Engine) RunDigest(ctx context.Context, expr string) {
	if expr == "" {
		return
	}
	d := nextCronDuration(expr, time.Now())
	if d == 0 {
		e.logger.Warn("digest disabled, bad cron expression", zap.String("cron", expr))
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			e.fireDigest(ctx)
			if d := nextCronDuration(expr, time.Now()); d > 0 {
				timer.Reset(d)
			}
		}
	}
}

func (e *Engine) fireDigest(ctx context.Context) {
	alert, err := e.BuildDigest(ctx)
	if err != nil {
		e.logger.Error("digest", zap.Error(err))
		return
	}
	if alert == nil {
		// Nobody waiting; suppress.
		return
	}
	e.alert(ctx, *alert)
}
