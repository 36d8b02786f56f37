// Package notify provides notification services for unlocker events.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/tos-network/block-unlocker/internal/config"
	"github.com/tos-network/block-unlocker/internal/unlocker"
	"github.com/tos-network/block-unlocker/internal/util"
)

// Retry configuration
const (
	MaxRetries     = 3
	RetryBaseDelay = 2 * time.Second
	RateLimitDelay = 5 * time.Second

	defaultTelegramAPI = "https://api.telegram.org"
)

// Notifier handles sending notifications
type Notifier struct {
	cfg    *config.NotifyConfig
	client *http.Client

	telegramAPI string
	retryDelay  time.Duration

	wg sync.WaitGroup
}

// NewNotifier creates a new notifier
func NewNotifier(cfg *config.NotifyConfig) *Notifier {
	return &Notifier{
		cfg: cfg,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		telegramAPI: defaultTelegramAPI,
		retryDelay:  RetryBaseDelay,
	}
}

// Wait blocks until every in-flight notification has been delivered or given up
func (n *Notifier) Wait() {
	n.wg.Wait()
}

func (n *Notifier) discordEnabled() bool {
	return n.cfg.Enabled && n.cfg.DiscordURL != ""
}

func (n *Notifier) telegramEnabled() bool {
	return n.cfg.Enabled && n.cfg.TelegramBot != "" && n.cfg.TelegramChat != ""
}

func (n *Notifier) dispatch(msg DiscordMessage, text string) {
	if n.discordEnabled() {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.sendDiscordMessageWithRetry(msg)
		}()
	}

	if n.telegramEnabled() {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.sendTelegramMessageWithRetry(text)
		}()
	}
}

// ObservePass implements unlocker.Observer
func (n *Notifier) ObservePass(result *unlocker.PassResult, err error, elapsed time.Duration) {
	if !n.cfg.Enabled || result == nil {
		return
	}

	for _, b := range result.Orphaned {
		n.NotifyOrphanBlock(b)
	}

	for _, b := range result.Matured {
		n.NotifyBlockUnlocked(b)
	}

	if err == nil && result.WorkersPaid > 0 {
		var total int64
		for _, amount := range result.Payments {
			total += amount
		}
		n.NotifyBalancesCredited(total, result.WorkersPaid)
	}
}

// NotifyBlockUnlocked sends notifications when a block matures
func (n *Notifier) NotifyBlockUnlocked(b *unlocker.Block) {
	if !n.cfg.Enabled {
		return
	}

	embed := n.embed("Block Unlocked", fmt.Sprintf("**%s** block reward unlocked", n.cfg.PoolName), 0x00FF00)
	embed.Fields = []DiscordField{
		{Name: "Height", Value: fmt.Sprintf("%d", b.Height), Inline: true},
		{Name: "Reward", Value: fmt.Sprintf("%d", b.Reward), Inline: true},
		{Name: "Depth", Value: fmt.Sprintf("%d", b.Depth), Inline: true},
		{Name: "Hash", Value: truncateHash(b.Hash), Inline: false},
	}

	text := fmt.Sprintf(
		"*Block Unlocked*\n\n"+
			"Height: `%d`\n"+
			"Reward: `%d`\n"+
			"Depth: `%d`\n"+
			"Hash: `%s`",
		b.Height, b.Reward, b.Depth, truncateHash(b.Hash),
	)

	n.dispatch(DiscordMessage{Embeds: []DiscordEmbed{embed}}, text)
}

// NotifyOrphanBlock sends notifications when a block is orphaned
func (n *Notifier) NotifyOrphanBlock(b *unlocker.Block) {
	if !n.cfg.Enabled {
		return
	}

	embed := n.embed("Block Orphaned", fmt.Sprintf("**%s** block was orphaned", n.cfg.PoolName), 0xFF0000)
	embed.Fields = []DiscordField{
		{Name: "Height", Value: fmt.Sprintf("%d", b.Height), Inline: true},
		{Name: "Hash", Value: truncateHash(b.Hash), Inline: false},
		{Name: "Chain Hash", Value: truncateHash(b.ActualHash), Inline: false},
	}

	text := fmt.Sprintf(
		"*Block Orphaned*\n\n"+
			"Height: `%d`\n"+
			"Hash: `%s`\n"+
			"Chain Hash: `%s`",
		b.Height, truncateHash(b.Hash), truncateHash(b.ActualHash),
	)

	n.dispatch(DiscordMessage{Embeds: []DiscordEmbed{embed}}, text)
}

// NotifyBalancesCredited sends notifications when a pass credits balances
func (n *Notifier) NotifyBalancesCredited(total int64, payees int) {
	if !n.cfg.Enabled {
		return
	}

	embed := n.embed("Balances Credited", fmt.Sprintf("**%s** credited unlocked rewards", n.cfg.PoolName), 0x0099FF)
	embed.Fields = []DiscordField{
		{Name: "Total", Value: fmt.Sprintf("%d", total), Inline: true},
		{Name: "Payees", Value: fmt.Sprintf("%d", payees), Inline: true},
	}

	text := fmt.Sprintf(
		"*Balances Credited*\n\n"+
			"Total: `%d`\n"+
			"Payees: `%d`",
		total, payees,
	)

	n.dispatch(DiscordMessage{Embeds: []DiscordEmbed{embed}}, text)
}

// DiscordEmbed represents a Discord embed object
type DiscordEmbed struct {
	Title       string         `json:"title,omitempty"`
	Description string         `json:"description,omitempty"`
	URL         string         `json:"url,omitempty"`
	Color       int            `json:"color,omitempty"`
	Fields      []DiscordField `json:"fields,omitempty"`
	Timestamp   string         `json:"timestamp,omitempty"`
	Footer      *DiscordFooter `json:"footer,omitempty"`
}

// DiscordField represents a field in a Discord embed
type DiscordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// DiscordFooter represents the footer of a Discord embed
type DiscordFooter struct {
	Text string `json:"text"`
}

// DiscordMessage represents a Discord webhook message
type DiscordMessage struct {
	Content string         `json:"content,omitempty"`
	Embeds  []DiscordEmbed `json:"embeds,omitempty"`
}

func (n *Notifier) embed(title, description string, color int) DiscordEmbed {
	return DiscordEmbed{
		Title:       title,
		Description: description,
		URL:         n.cfg.PoolURL,
		Color:       color,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		Footer: &DiscordFooter{
			Text: n.cfg.PoolName,
		},
	}
}

// TelegramMessage represents a Telegram bot message
type TelegramMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

// postWithRetry posts body to url with exponential backoff
func (n *Notifier) postWithRetry(url string, body []byte) error {
	var lastErr error
	for attempt := 0; attempt < MaxRetries; attempt++ {
		if attempt > 0 {
			// 2s, 4s, 8s
			delay := n.retryDelay * time.Duration(1<<uint(attempt-1))
			time.Sleep(delay)
		}

		resp, err := n.client.Post(url, "application/json", bytes.NewReader(body))
		if err != nil {
			lastErr = err
			continue
		}

		resp.Body.Close()

		if resp.StatusCode < 400 {
			return nil
		}

		lastErr = fmt.Errorf("status %d", resp.StatusCode)

		if resp.StatusCode == http.StatusTooManyRequests {
			time.Sleep(RateLimitDelay)
		}
	}
	return lastErr
}

func (n *Notifier) sendDiscordMessageWithRetry(msg DiscordMessage) {
	body, err := json.Marshal(msg)
	if err != nil {
		util.Warnf("Failed to marshal Discord message: %v", err)
		return
	}

	if err := n.postWithRetry(n.cfg.DiscordURL, body); err != nil {
		util.Warnf("Failed to send Discord notification after %d retries: %v", MaxRetries, err)
	}
}

func (n *Notifier) sendTelegramMessageWithRetry(text string) {
	url := fmt.Sprintf("%s/bot%s/sendMessage", n.telegramAPI, n.cfg.TelegramBot)

	body, err := json.Marshal(TelegramMessage{
		ChatID:    n.cfg.TelegramChat,
		Text:      text,
		ParseMode: "Markdown",
	})
	if err != nil {
		util.Warnf("Failed to marshal Telegram message: %v", err)
		return
	}

	if err := n.postWithRetry(url, body); err != nil {
		util.Warnf("Failed to send Telegram notification after %d retries: %v", MaxRetries, err)
	}
}

// truncateHash returns a shortened hash for display
func truncateHash(hash string) string {
	if len(hash) <= 20 {
		return hash
	}
	return hash[:10] + "..." + hash[len(hash)-8:]
}
