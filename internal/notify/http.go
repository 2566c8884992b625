package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultHTTPTimeout = 10 * time.Second

func newHTTPClient(c *http.Client) *http.Client {
	if c != nil {
		return c
	}
	return &http.Client{Timeout: defaultHTTPTimeout}
}

func postJSON(ctx context.Context, client *http.Client, endpoint string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return do(client, req)
}

func postForm(ctx context.Context, client *http.Client, endpoint string, form url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return do(client, req)
}

func do(client *http.Client, req *http.Request) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		// url.Error repeats the full URL, which can carry a bot token.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return nil, fmt.Errorf("post %s: %w", req.URL.Host, err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return body, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}
	return body, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// Qmsg pushes a plain-text message through the Qmsg QQ relay.
type Qmsg struct {
	endpoint string
	client   *http.Client
}

// NewQmsg builds a Qmsg channel for key. baseURL defaults to the public relay.
func NewQmsg(baseURL, key string, client *http.Client) (*Qmsg, error) {
	if key == "" {
		return nil, errors.New("qmsg key is required")
	}
	if baseURL == "" {
		baseURL = "https://qmsg.zendee.cn"
	}
	return &Qmsg{
		endpoint: strings.TrimRight(baseURL, "/") + "/send/" + url.PathEscape(key),
		client:   newHTTPClient(client),
	}, nil
}

// Name implements Channel.
func (*Qmsg) Name() string { return "qmsg" }

var qmsgMarkers = strings.NewReplacer("**", "", "##", "", "📌", "[!]", "⏰", "[deadline]")

// Send implements Channel. The relay reports failure in a JSON success flag.
func (q *Qmsg) Send(ctx context.Context, msg Message) error {
	text := fmt.Sprintf("[New notice]\n%s\n\n%s", msg.Title, qmsgMarkers.Replace(msg.Body))
	body, err := postForm(ctx, q.client, q.endpoint, url.Values{"msg": {text}})
	if err != nil {
		return err
	}
	var out struct {
		Success bool   `json:"success"`
		Reason  string `json:"reason"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return fmt.Errorf("decode qmsg response: %w", err)
	}
	if !out.Success {
		return fmt.Errorf("qmsg rejected message: %s", out.Reason)
	}
	return nil
}

// Webhook posts a markdown payload in the DingTalk/WeCom robot format.
type Webhook struct {
	url    string
	client *http.Client
}

// NewWebhook builds a Webhook channel.
func NewWebhook(endpoint string, client *http.Client) (*Webhook, error) {
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return nil, fmt.Errorf("invalid webhook url: %w", err)
	}
	return &Webhook{url: endpoint, client: newHTTPClient(client)}, nil
}

// Name implements Channel.
func (*Webhook) Name() string { return "webhook" }

type markdownPayload struct {
	MsgType  string `json:"msgtype"`
	Markdown struct {
		Title string `json:"title"`
		Text  string `json:"text"`
	} `json:"markdown"`
}

// Send implements Channel. Any non-2xx response is a failure.
func (w *Webhook) Send(ctx context.Context, msg Message) error {
	var p markdownPayload
	p.MsgType = "markdown"
	p.Markdown.Title = msg.Title
	p.Markdown.Text = fmt.Sprintf("### %s\n\n%s", msg.Title, msg.Body)
	_, err := postJSON(ctx, w.client, w.url, p)
	return err
}

// Telegram sends through the Bot API sendMessage method.
type Telegram struct {
	endpoint string
	chatID   string
	client   *http.Client
}

// NewTelegram builds a Telegram channel.
func NewTelegram(baseURL, token, chatID string, client *http.Client) (*Telegram, error) {
	if token == "" || chatID == "" {
		return nil, errors.New("telegram bot token and chat id are required")
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}
	return &Telegram{
		endpoint: strings.TrimRight(baseURL, "/") + "/bot" + token + "/sendMessage",
		chatID:   chatID,
		client:   newHTTPClient(client),
	}, nil
}

// Name implements Channel.
func (*Telegram) Name() string { return "telegram" }

// Send implements Channel.
func (t *Telegram) Send(ctx context.Context, msg Message) error {
	payload := map[string]any{
		"chat_id":                  t.chatID,
		"text":                     truncate(msg.Title+"\n\n"+PlainText(msg.Body), 4096),
		"disable_web_page_preview": true,
	}
	body, err := postJSON(ctx, t.client, t.endpoint, payload)
	if err != nil {
		return err
	}
	var out struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return fmt.Errorf("decode telegram response: %w", err)
	}
	if !out.OK {
		return fmt.Errorf("telegram rejected message: %s", out.Description)
	}
	return nil
}
