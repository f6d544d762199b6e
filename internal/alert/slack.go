package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"
)

type SlackChannel struct {
	webhookURL string
	client     *http.Client
}

func NewSlackChannel(webhookURL string) *SlackChannel {
	return &SlackChannel{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 5 * time.Second},
	}
}

func (s *SlackChannel) Name() string {
	return "slack"
}

var slackEmoji = map[AlertLevel]string{
	Info:     ":large_green_circle:",
	Warning:  ":warning:",
	Error:    ":red_circle:",
	Critical: ":rotating_light:",
}

// slackFieldsPerBlock is the Block Kit limit for fields in one section
const slackFieldsPerBlock = 10

type slackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type slackBlock struct {
	Type     string      `json:"type"`
	Text     *slackText  `json:"text,omitempty"`
	Fields   []slackText `json:"fields,omitempty"`
	Elements []slackText `json:"elements,omitempty"`
}

// Send posts a Block Kit message: header, body, field grid and a timestamp footer
func (s *SlackChannel) Send(ctx context.Context, alert AlertPayload) error {
	if s.webhookURL == "" {
		return nil
	}

	header := fmt.Sprintf("%s %s", slackEmoji[alert.Level], alert.Title)
	blocks := []slackBlock{{Type: "header", Text: &slackText{Type: "plain_text", Text: header}}}
	if alert.Message != "" {
		blocks = append(blocks, slackBlock{Type: "section", Text: &slackText{Type: "mrkdwn", Text: alert.Message}})
	}

	var grid []slackText
	for _, k := range sortedKeys(alert.Fields) {
		grid = append(grid, slackText{Type: "mrkdwn", Text: fmt.Sprintf("*%s*\n%s", k, alert.Fields[k])})
		if len(grid) == slackFieldsPerBlock {
			blocks = append(blocks, slackBlock{Type: "section", Fields: grid})
			grid = nil
		}
	}
	if len(grid) > 0 {
		blocks = append(blocks, slackBlock{Type: "section", Fields: grid})
	}

	footer := fmt.Sprintf("funding_arb | %s | <!date^%d^{date_short_pretty} {time_secs}|%s>",
		alert.Level, alert.Timestamp.Unix(), alert.Timestamp.UTC().Format(time.RFC3339))
	blocks = append(blocks, slackBlock{Type: "context", Elements: []slackText{{Type: "mrkdwn", Text: footer}}})

	// text is the notification fallback
	payload := map[string]interface{}{
		"text":   fmt.Sprintf("[%s] %s", alert.Level, alert.Title),
		"blocks": blocks,
	}
	return postJSON(ctx, s.client, s.webhookURL, payload, "slack")
}

func postJSON(ctx context.Context, client *http.Client, url string, payload interface{}, name string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%s: marshal payload: %w", name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: create request: %w", name, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: send request: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s webhook failed with status: %d", name, resp.StatusCode)
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
