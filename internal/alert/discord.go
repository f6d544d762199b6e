package alert

import (
	"context"
	"net/http"
	"time"
)

// Discord caps message content at 2000 characters
const discordMaxContent = 2000

type DiscordChannel struct {
	webhookURL string
	client     *http.Client
}

func NewDiscordChannel(webhookURL string) *DiscordChannel {
	return &DiscordChannel{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *DiscordChannel) Name() string {
	return "discord"
}

func (d *DiscordChannel) Send(ctx context.Context, alert AlertPayload) error {
	if d.webhookURL == "" {
		return nil
	}

	content := []rune(markdown(alert))
	if len(content) > discordMaxContent {
		content = append(content[:discordMaxContent-1], '…')
	}
	return postJSON(ctx, d.client, d.webhookURL, map[string]string{"content": string(content)}, "discord")
}
