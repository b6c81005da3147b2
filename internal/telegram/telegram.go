// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package telegram implements the small slice of the Telegram Bot API the
// bot needs: long polling, webhook management and message delivery.
package telegram

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"go.nocturna.dev/bot/internal/logger"
	"go.nocturna.dev/bot/internal/request"

	"golang.org/x/time/rate"
)

// maxMessageLen is the Bot API limit on message text length.
const maxMessageLen = 4096

// User is a Telegram user or bot.
type User struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
}

// Chat is a Telegram chat.
type Chat struct {
	ID int64 `json:"id"`
}

// Message is an incoming Telegram message.
type Message struct {
	ID   int64  `json:"message_id"`
	From *User  `json:"from"`
	Chat Chat   `json:"chat"`
	Text string `json:"text"`
}

// Update is an incoming Telegram update. Only message updates are requested.
type Update struct {
	ID      int64    `json:"update_id"`
	Message *Message `json:"message"`
}

// Config configures a [Client].
type Config struct {
	// Token is the bot token.
	Token string
	// APIURL overrides the Bot API address. Used in tests.
	APIURL string
	// HTTPClient is an optional custom HTTP client. Long polling needs a
	// client whose timeout exceeds the poll timeout.
	HTTPClient *http.Client
	// Scrubber scrubs secrets from error messages.
	Scrubber *strings.Replacer
	// Logf specifies a logger to use. If nil, log.Printf is used.
	Logf logger.Logf
}

// Client talks to the Telegram Bot API. Outgoing sends share a rate limiter
// staying under the Bot API's global throughput ceiling.
type Client struct {
	token    string
	apiURL   string
	httpc    *http.Client
	scrubber *strings.Replacer
	logf     logger.Logf
	limiter  *rate.Limiter
}

// NewClient returns a new Client based on the provided config.
func NewClient(cfg Config) *Client {
	c := &Client{
		token:    cfg.Token,
		apiURL:   cfg.APIURL,
		httpc:    cfg.HTTPClient,
		scrubber: cfg.Scrubber,
		logf:     cfg.Logf,
		// The Bot API allows roughly 30 messages per second overall.
		limiter: rate.NewLimiter(rate.Limit(25), 5),
	}
	if c.apiURL == "" {
		c.apiURL = "https://api.telegram.org"
	}
	if c.logf == nil {
		c.logf = log.Printf
	}
	return c
}

type apiResponse[T any] struct {
	OK          bool   `json:"ok"`
	Result      T      `json:"result"`
	Description string `json:"description"`
}

// call invokes a Bot API method with JSON args.
func call[T any](ctx context.Context, c *Client, method string, args any) (T, error) {
	var zero T
	resp, err := request.Make[apiResponse[T]](ctx, request.Params{
		Method:     http.MethodPost,
		URL:        c.apiURL + "/bot" + c.token + "/" + method,
		Body:       args,
		HTTPClient: c.httpc,
		Scrubber:   c.scrubber,
	})
	if err != nil {
		return zero, fmt.Errorf("telegram: %s: %w", method, err)
	}
	if !resp.OK {
		return zero, fmt.Errorf("telegram: %s: %s", method, resp.Description)
	}
	return resp.Result, nil
}

// GetMe returns the bot's own identity.
func (c *Client) GetMe(ctx context.Context) (*User, error) {
	u, err := call[User](ctx, c, "getMe", nil)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUpdates long-polls for updates past offset. It requests message
// updates only and blocks for up to timeout seconds server-side.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout int) ([]Update, error) {
	return call[[]Update](ctx, c, "getUpdates", map[string]any{
		"offset":          offset,
		"timeout":         timeout,
		"allowed_updates": []string{"message"},
	})
}

// SetWebhook points the bot's webhook at url, protected by the given secret
// token, and drops any backlog accumulated while the bot was down.
func (c *Client) SetWebhook(ctx context.Context, url, secret string) error {
	_, err := call[bool](ctx, c, "setWebhook", map[string]any{
		"url":                  url,
		"secret_token":         secret,
		"allowed_updates":      []string{"message"},
		"drop_pending_updates": true,
	})
	return err
}

// DeleteWebhook removes the webhook so long polling can take over.
func (c *Client) DeleteWebhook(ctx context.Context) error {
	_, err := call[bool](ctx, c, "deleteWebhook", nil)
	return err
}

// SendMessage delivers an HTML-formatted message, splitting texts over the
// Bot API length limit into several messages.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) error {
	for _, chunk := range splitMessage(text) {
		if err := c.sendOne(ctx, "sendMessage", map[string]any{
			"chat_id":    chatID,
			"text":       chunk,
			"parse_mode": "HTML",
			"link_preview_options": map[string]bool{
				"is_disabled": true,
			},
		}); err != nil {
			return err
		}
	}
	return nil
}

// sendOne performs a single rate-limited send, honoring one flood-control
// wait hint from the API.
func (c *Client) sendOne(ctx context.Context, method string, args any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := call[Message](ctx, c, method, args)
	if err == nil {
		return nil
	}

	var se *request.StatusError
	if errors.As(err, &se) && se.StatusCode == http.StatusTooManyRequests && se.RetryAfter > 0 {
		c.logf("telegram: flood control, waiting %s", se.RetryAfter)
		select {
		case <-time.After(se.RetryAfter):
		case <-ctx.Done():
			return ctx.Err()
		}
		_, err = call[Message](ctx, c, method, args)
	}
	return err
}

// SendPhoto delivers a photo with an optional HTML caption.
func (c *Client) SendPhoto(ctx context.Context, chatID int64, photo []byte, caption string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("chat_id", fmt.Sprint(chatID)); err != nil {
		return err
	}
	if caption != "" {
		if err := mw.WriteField("caption", caption); err != nil {
			return err
		}
		if err := mw.WriteField("parse_mode", "HTML"); err != nil {
			return err
		}
	}
	fw, err := mw.CreateFormFile("photo", "chart.png")
	if err != nil {
		return err
	}
	if _, err := fw.Write(photo); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/bot"+c.token+"/sendPhoto", &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	httpc := c.httpc
	if httpc == nil {
		httpc = request.DefaultClient
	}
	res, err := httpc.Do(req)
	if err != nil {
		return c.scrub(fmt.Errorf("telegram: sendPhoto: %w", err))
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
		return c.scrub(fmt.Errorf("telegram: sendPhoto: want 200, got %d: %s", res.StatusCode, body))
	}
	return nil
}

func (c *Client) scrub(err error) error {
	if c.scrubber == nil {
		return err
	}
	return errors.New(c.scrubber.Replace(err.Error()))
}

// splitMessage breaks text into chunks within the Bot API length limit,
// preferring line boundaries.
func splitMessage(text string) []string {
	if len(text) <= maxMessageLen {
		return []string{text}
	}

	var chunks []string
	for len(text) > maxMessageLen {
		cut := strings.LastIndex(text[:maxMessageLen], "\n")
		if cut <= 0 {
			cut = maxMessageLen
			// Never split a multi-byte rune across chunks.
			for cut > 0 && !utf8.RuneStart(text[cut]) {
				cut--
			}
			if cut == 0 {
				cut = maxMessageLen
			}
		}
		chunks = append(chunks, text[:cut])
		text = strings.TrimLeft(text[cut:], "\n")
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}
