// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"go.nocturna.dev/bot/internal/client"
	"go.nocturna.dev/bot/internal/format"
	"go.nocturna.dev/bot/internal/profile"
	"go.nocturna.dev/bot/internal/telegram"

	"github.com/google/uuid"
)

const helpText = `🌙 <b>Nocturna</b> — your personal transit bot.

<b>Commands:</b>
/setbirth &lt;date&gt; &lt;time&gt; [lat lon [timezone]] — register your birth data,
e.g. <code>/setbirth 1990-06-15 14:30 55.75 37.61 Europe/Moscow</code>
/transit — transits of the current sky to your natal chart
/planets — current planetary positions
/aspects — current aspects between planets
/help — this message`

// inboundCommand is a normalized incoming command with a correlation ID for
// logs.
type inboundCommand struct {
	id     string
	chatID int64
	userID int64
	name   string
	args   string
}

// dispatch routes a single update. It never panics: handler panics are
// logged and turned into an apologetic reply, so one poisoned update can't
// take the process down or vanish silently.
func (e *engine) dispatch(ctx context.Context, u telegram.Update) {
	msg := u.Message
	if msg == nil || msg.From == nil || !strings.HasPrefix(msg.Text, "/") {
		return
	}

	name, args, _ := strings.Cut(msg.Text, " ")
	name = strings.TrimPrefix(name, "/")
	// Commands can be addressed as /transit@botname in groups.
	name, _, _ = strings.Cut(name, "@")

	cmd := &inboundCommand{
		id:     uuid.NewString(),
		chatID: msg.Chat.ID,
		userID: msg.From.ID,
		name:   strings.ToLower(name),
		args:   strings.TrimSpace(args),
	}

	defer func() {
		if p := recover(); p != nil {
			e.logf("%s: /%s panicked: %v\n%s", cmd.id, cmd.name, p, debug.Stack())
			e.reply(ctx, cmd, "😔 Something went wrong while processing your command. Please try again.")
		}
	}()

	e.logf("%s: user %d: /%s", cmd.id, cmd.userID, cmd.name)
	start := time.Now()
	err := e.handleCommand(ctx, cmd)
	elapsed := time.Since(start).Round(time.Millisecond)
	if err != nil {
		e.logf("%s: /%s failed in %s: %v", cmd.id, cmd.name, elapsed, err)
		e.reply(ctx, cmd, userErrorMessage(err))
		return
	}
	e.logf("%s: /%s completed in %s", cmd.id, cmd.name, elapsed)
}

func (e *engine) handleCommand(ctx context.Context, cmd *inboundCommand) error {
	switch cmd.name {
	case "start", "help":
		return e.tg.SendMessage(ctx, cmd.chatID, helpText)
	case "setbirth":
		return e.handleSetBirth(ctx, cmd)
	case "transit":
		return e.handleTransit(ctx, cmd)
	case "planets":
		positions, err := e.transits.CurrentPositions(ctx)
		if err != nil {
			return err
		}
		return e.tg.SendMessage(ctx, cmd.chatID, format.Positions(positions))
	case "aspects":
		aspects, err := e.transits.CurrentAspects(ctx)
		if err != nil {
			return err
		}
		return e.tg.SendMessage(ctx, cmd.chatID, format.Aspects(aspects))
	default:
		return e.tg.SendMessage(ctx, cmd.chatID, "Unknown command. Try /help.")
	}
}

func (e *engine) handleTransit(ctx context.Context, cmd *inboundCommand) error {
	res, err := e.transits.ComputePersonalTransit(ctx, cmd.userID)
	if err != nil {
		return err
	}

	if err := e.tg.SendMessage(ctx, cmd.chatID, res.Summary); err != nil {
		return err
	}
	// Enrichment delivery is best-effort, same as enrichment itself.
	if res.Image != nil {
		if err := e.tg.SendPhoto(ctx, cmd.chatID, res.Image, "Your transit chart"); err != nil {
			e.logf("%s: sending chart image failed: %v", cmd.id, err)
		}
	}
	if res.Reading != "" {
		if err := e.tg.SendMessage(ctx, cmd.chatID, "🔮 "+res.Reading); err != nil {
			e.logf("%s: sending reading failed: %v", cmd.id, err)
		}
	}
	return nil
}

func (e *engine) handleSetBirth(ctx context.Context, cmd *inboundCommand) error {
	p, err := parseBirthArgs(cmd.args, e.cfg.DefaultLatitude, e.cfg.DefaultLongitude, e.cfg.DefaultTimezone)
	if err != nil {
		return e.tg.SendMessage(ctx, cmd.chatID, err.Error())
	}
	p.UserID = cmd.userID

	if err := e.transits.RegisterProfile(ctx, p); err != nil {
		return err
	}
	return e.tg.SendMessage(ctx, cmd.chatID,
		fmt.Sprintf("✅ Birth data saved: %s %s (%.2f, %.2f, %s).\nNow try /transit.",
			p.BirthDate, p.BirthTime, p.Latitude, p.Longitude, p.Timezone))
}

// usageError is a birth data parse failure with a user-facing message.
type usageError string

func (e usageError) Error() string { return string(e) }

const setBirthUsage = usageError("Usage: /setbirth YYYY-MM-DD HH:MM [latitude longitude [timezone]]\nExample: <code>/setbirth 1990-06-15 14:30 55.75 37.61 Europe/Moscow</code>")

func parseBirthArgs(args string, defaultLat, defaultLon float64, defaultTZ string) (*profile.Profile, error) {
	fields := strings.Fields(args)
	if len(fields) < 2 {
		return nil, setBirthUsage
	}

	date, clock := fields[0], fields[1]
	if _, err := time.Parse("2006-01-02", date); err != nil {
		return nil, usageError("Can't parse the date, expected YYYY-MM-DD, e.g. 1990-06-15.")
	}
	switch len(clock) {
	case len("15:04"):
		if _, err := time.Parse("15:04", clock); err != nil {
			return nil, usageError("Can't parse the time, expected HH:MM, e.g. 14:30.")
		}
		clock += ":00"
	case len("15:04:05"):
		if _, err := time.Parse("15:04:05", clock); err != nil {
			return nil, usageError("Can't parse the time, expected HH:MM, e.g. 14:30.")
		}
	default:
		return nil, usageError("Can't parse the time, expected HH:MM, e.g. 14:30.")
	}

	p := &profile.Profile{
		BirthDate: date,
		BirthTime: clock,
		Latitude:  defaultLat,
		Longitude: defaultLon,
		Timezone:  defaultTZ,
	}

	if len(fields) >= 4 {
		lat, err := strconv.ParseFloat(fields[2], 64)
		if err != nil || math.Abs(lat) > 90 {
			return nil, usageError("Latitude must be a number between -90 and 90.")
		}
		lon, err := strconv.ParseFloat(fields[3], 64)
		if err != nil || math.Abs(lon) > 180 {
			return nil, usageError("Longitude must be a number between -180 and 180.")
		}
		p.Latitude, p.Longitude = lat, lon
	}
	if len(fields) >= 5 {
		if _, err := time.LoadLocation(fields[4]); err != nil {
			return nil, usageError("Unknown timezone, expected an IANA name like Europe/Moscow.")
		}
		p.Timezone = fields[4]
	}

	return p, nil
}

// reply sends text to the chat, logging a failure instead of propagating it;
// there is nobody above dispatch to handle it anyway.
func (e *engine) reply(ctx context.Context, cmd *inboundCommand, text string) {
	if err := e.tg.SendMessage(ctx, cmd.chatID, text); err != nil {
		e.logf("%s: reply failed: %v", cmd.id, err)
	}
}

// userErrorMessage maps an error from the transit flow to a reply. Each
// failure class gets its own wording; none of them leak internals.
func userErrorMessage(err error) string {
	var (
		rle *client.RateLimitError
		ae  *client.AuthError
		ve  *client.ValidationError
		te  *client.TimeoutError
		ue  *client.UnavailableError
	)
	switch {
	case errors.Is(err, profile.ErrNotFound):
		return "You haven't registered your birth data yet. Use /setbirth first, e.g.\n<code>/setbirth 1990-06-15 14:30 55.75 37.61 Europe/Moscow</code>"
	case errors.As(err, &rle):
		wait := int(math.Ceil(rle.RetryAfter.Seconds()))
		if wait <= 0 {
			return "⏳ The service is busy right now. Please try again in a minute."
		}
		return fmt.Sprintf("⏳ The service is busy right now. Please try again in about %d seconds.", wait)
	case errors.As(err, &ae):
		return "⚠️ The bot is misconfigured and the operator has been notified. Please try again later."
	case errors.As(err, &ve):
		return "⚠️ The calculation service rejected your data: " + ve.Detail
	case errors.As(err, &te), errors.As(err, &ue):
		return "😔 The calculation service is temporarily unavailable. Please try again in a few minutes."
	default:
		return "😔 Something went wrong while processing your command. Please try again."
	}
}
