package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

const defaultRetryAfter = 30 * time.Second

// TelegramConfig holds the Bot API credentials.
type TelegramConfig struct {
	BotToken   string
	ChannelID  string
	APIBaseURL string
	Timeout    time.Duration
	// DefaultRetryAfter applies when a 429 carries no retry_after hint.
	DefaultRetryAfter time.Duration
}

// TelegramClient talks to the Telegram Bot API.
type TelegramClient struct {
	client            *resty.Client
	channelID         string
	enabled           bool
	defaultRetryAfter time.Duration
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
	Result      json.RawMessage `json:"result"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// BotUser is the result of getMe.
type BotUser struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	FirstName string `json:"first_name"`
	Username  string `json:"username"`
}

func NewTelegramClient(cfg TelegramConfig) *TelegramClient {
	base := cfg.APIBaseURL
	if base == "" {
		base = "https://api.telegram.org"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	retryAfter := cfg.DefaultRetryAfter
	if retryAfter <= 0 {
		retryAfter = defaultRetryAfter
	}

	client := resty.New()
	client.SetBaseURL(strings.TrimRight(base, "/") + "/bot" + cfg.BotToken)
	client.SetTimeout(timeout)
	client.SetHeader("Content-Type", "application/json")

	enabled := cfg.BotToken != "" && cfg.ChannelID != ""
	if enabled {
		log.Info().Str("channel", cfg.ChannelID).Msg("Telegram client initialized")
	} else {
		log.Warn().Msg("Telegram bot token or channel ID not configured, delivery disabled")
	}

	return &TelegramClient{
		client:            client,
		channelID:         cfg.ChannelID,
		enabled:           enabled,
		defaultRetryAfter: retryAfter,
	}
}

// Enabled reports whether credentials are configured.
func (c *TelegramClient) Enabled() bool {
	return c.enabled
}

// SendText sends an HTML message with link preview enabled.
func (c *TelegramClient) SendText(ctx context.Context, message string) error {
	_, err := c.call(ctx, "sendMessage", map[string]any{
		"chat_id":                  c.channelID,
		"text":                     message,
		"parse_mode":               "HTML",
		"disable_web_page_preview": false,
	})
	return err
}

// SendImage sends a photo by URL with an HTML caption.
func (c *TelegramClient) SendImage(ctx context.Context, imageURL, caption string) error {
	_, err := c.call(ctx, "sendPhoto", map[string]any{
		"chat_id":    c.channelID,
		"photo":      imageURL,
		"caption":    caption,
		"parse_mode": "HTML",
	})
	return err
}

// GetMe probes the bot token.
func (c *TelegramClient) GetMe(ctx context.Context) (BotUser, error) {
	raw, err := c.call(ctx, "getMe", nil)
	if err != nil {
		return BotUser{}, err
	}
	var user BotUser
	if err := json.Unmarshal(raw, &user); err != nil {
		return BotUser{}, fmt.Errorf("decode getMe result: %w", err)
	}
	return user, nil
}

// TestConnection checks the token and sends a test message to the channel.
func (c *TelegramClient) TestConnection(ctx context.Context) (BotUser, error) {
	user, err := c.GetMe(ctx)
	if err != nil {
		return BotUser{}, fmt.Errorf("bot probe: %w", err)
	}
	log.Info().Str("bot", user.Username).Msg("Telegram bot reachable")

	if err := c.SendText(ctx, TestMessage); err != nil {
		return user, fmt.Errorf("send test message: %w", err)
	}
	return user, nil
}

func (c *TelegramClient) call(ctx context.Context, method string, body map[string]any) (json.RawMessage, error) {
	if !c.enabled {
		return nil, ErrChannelDisabled
	}

	req := c.client.R().SetContext(ctx)
	var (
		res *resty.Response
		err error
	)
	if body == nil {
		res, err = req.Get("/" + method)
	} else {
		res, err = req.SetBody(body).Post("/" + method)
	}
	if err != nil {
		return nil, fmt.Errorf("telegram %s: %w", method, err)
	}

	var out apiResponse
	if err := json.Unmarshal(res.Body(), &out); err != nil {
		return nil, &APIError{Method: method, StatusCode: res.StatusCode(), Description: "invalid response body"}
	}

	if res.StatusCode() == http.StatusTooManyRequests || out.ErrorCode == http.StatusTooManyRequests {
		retryAfter := c.defaultRetryAfter
		if out.Parameters != nil && out.Parameters.RetryAfter > 0 {
			retryAfter = time.Duration(out.Parameters.RetryAfter) * time.Second
		}
		return nil, &RateLimitError{RetryAfter: retryAfter, Description: out.Description}
	}

	if !out.OK || res.IsError() {
		return nil, &APIError{Method: method, StatusCode: res.StatusCode(), Description: out.Description}
	}
	return out.Result, nil
}
