// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package main

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"

	"go.nocturna.dev/bot/internal/telegram"
	"go.nocturna.dev/bot/internal/web"
)

// handleTelegramWebhook receives an update pushed by the Bot API. The update
// is acknowledged immediately and processed in the background; a slow
// downstream must not make Telegram retry the delivery.
func (e *engine) handleTelegramWebhook(w http.ResponseWriter, r *http.Request) {
	got := r.Header.Get("X-Telegram-Bot-Api-Secret-Token")
	if subtle.ConstantTimeCompare([]byte(got), []byte(e.cfg.TelegramSecret)) != 1 {
		web.RespondJSONError(e.logf, w, web.ErrUnauthorized)
		return
	}

	var u telegram.Update
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		web.RespondJSONError(e.logf, w, fmt.Errorf("%w: %v", web.ErrBadRequest, err))
		return
	}

	if !e.limiter.TryAdd() {
		web.RespondJSONError(e.logf, w, web.ErrServiceUnavailable)
		return
	}

	web.RespondJSON(w, map[string]string{"status": "ok"})

	// The request context dies with the ack; processing continues on the
	// engine context.
	go func() {
		defer e.limiter.Done()
		e.dispatch(e.bgCtx, u)
	}()
}
