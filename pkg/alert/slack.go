package alert

import (
	"context"
	"fmt"
	"net/http"
)

// Slack sends notifications via Slack incoming webhook.
type Slack struct {
	client     *http.Client
	webhookURL string
}

// NewSlack creates a new Slack notifier.
func NewSlack(webhookURL string) *Slack {
	return &Slack{client: newClient(), webhookURL: webhookURL}
}

func (s *Slack) Name() string { return "slack" }

func (s *Slack) Send(ctx context.Context, n *Notification) error {
	// Build Slack Block Kit message.
	blocks := []map[string]any{
		{
			"type": "header",
			"text": map[string]any{
				"type": "plain_text",
				"text": fmt.Sprintf("%s %s", levelEmoji(n.Level), n.Title),
			},
		},
		{
			"type": "section",
			"text": map[string]any{
				"type": "mrkdwn",
				"text": n.Body,
			},
		},
	}

	if len(n.Fields) > 0 {
		fields := make([]map[string]any, 0, len(n.Fields))
		for _, f := range n.Fields {
			fields = append(fields, map[string]any{
				"type": "mrkdwn",
				"text": fmt.Sprintf("*%s:* %s", f.Name, f.Value),
			})
		}
		// Slack caps a section at ten fields.
		if len(fields) > 10 {
			fields = fields[:10]
		}
		blocks = append(blocks, map[string]any{
			"type":   "section",
			"fields": fields,
		})
	}

	if n.TaskID != "" {
		blocks = append(blocks, map[string]any{
			"type": "context",
			"elements": []map[string]any{
				{"type": "mrkdwn", "text": "task " + n.TaskID},
			},
		})
	}

	return postJSON(ctx, s.client, s.webhookURL, "slack webhook", map[string]any{"blocks": blocks}, nil)
}

func levelEmoji(l Level) string {
	switch l {
	case LevelError:
		return "🔴"
	case LevelWarning:
		return "🟠"
	default:
		return "🔵"
	}
}
