package alert

import (
	"context"
	"net/http"
	"time"
)

// Discord sends notifications via Discord webhook.
type Discord struct {
	client     *http.Client
	webhookURL string
}

// NewDiscord creates a new Discord notifier.
func NewDiscord(webhookURL string) *Discord {
	return &Discord{client: newClient(), webhookURL: webhookURL}
}

func (d *Discord) Name() string { return "discord" }

func (d *Discord) Send(ctx context.Context, n *Notification) error {
	fields := make([]map[string]any, 0, len(n.Fields))
	for _, f := range n.Fields {
		fields = append(fields, map[string]any{"name": f.Name, "value": f.Value, "inline": true})
	}

	embed := map[string]any{
		"title":       n.Title,
		"description": n.Body,
		"color":       levelColor(n.Level),
		"fields":      fields,
		"timestamp":   n.Time.UTC().Format(time.RFC3339),
	}
	if n.TaskID != "" {
		embed["footer"] = map[string]any{"text": "task " + n.TaskID}
	}

	payload := map[string]any{"embeds": []map[string]any{embed}}
	return postJSON(ctx, d.client, d.webhookURL, "discord webhook", payload, nil)
}

func levelColor(l Level) int {
	switch l {
	case LevelError:
		return 0xD32F2F
	case LevelWarning:
		return 0xFF6600
	default:
		return 0x1976D2
	}
}
