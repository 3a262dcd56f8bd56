package notifications

import (
	"fmt"
	"os"

	"github.com/Harvey-AU/blue-banded-bus/internal/bus"
	"github.com/Harvey-AU/blue-banded-bus/internal/worker"
	"github.com/rs/zerolog/log"
	"github.com/slack-go/slack"
)

// SlackAlerter posts operational alerts to a Slack channel. It satisfies the
// watchdog's Alerter interface and also announces batch completions.
type SlackAlerter struct {
	client  *slack.Client
	channel string
}

// NewSlackAlerterFromEnv builds an alerter from SLACK_BOT_TOKEN and
// SLACK_ALERT_CHANNEL. Returns nil when either is unset, which disables
// alerting.
func NewSlackAlerterFromEnv() *SlackAlerter {
	token := os.Getenv("SLACK_BOT_TOKEN")
	channel := os.Getenv("SLACK_ALERT_CHANNEL")
	if token == "" || channel == "" {
		log.Debug().Msg("Slack alerting not configured")
		return nil
	}
	return NewSlackAlerter(slack.New(token), channel)
}

// NewSlackAlerter creates an alerter posting to the given channel
func NewSlackAlerter(client *slack.Client, channel string) *SlackAlerter {
	if client == nil {
		panic("slack client is required")
	}
	return &SlackAlerter{client: client, channel: channel}
}

// WorkerCritical announces that a worker crossed its critical thresholds
func (a *SlackAlerter) WorkerCritical(domain string, snapshot worker.HealthSnapshot) {
	title := fmt.Sprintf(":rotating_light: *Worker critical: %s*", domain)
	body := fmt.Sprintf(
		"consecutive failures: %d\nstuck slots: %d\npool exhaustions: %d\nin flight: %d",
		snapshot.ConsecutiveFailures, snapshot.StuckSlots, snapshot.PoolExhaustions, snapshot.InFlight,
	)
	a.post(title, body)
}

// WorkerRestarted announces a successful watchdog restart
func (a *SlackAlerter) WorkerRestarted(domain string) {
	a.post(fmt.Sprintf(":recycle: *Worker restarted: %s*", domain), "")
}

// BatchTerminal announces that a batch reached a terminal status. The batch
// counters are optional; a nil batch still produces an alert.
func (a *SlackAlerter) BatchTerminal(domain, batchID string, batch *bus.BatchMetadata) {
	icon := ":white_check_mark:"
	body := fmt.Sprintf("batch_id: %s", batchID)
	if batch != nil {
		if batch.Status == bus.BatchCompletedWithFailures {
			icon = ":warning:"
		}
		body = fmt.Sprintf(
			"batch_id: %s\nstatus: %s\ntotal: %d\ncompleted: %d\nfailed: %d\ncanceled: %d",
			batchID, batch.Status, batch.TotalCount, batch.CompletedCount, batch.FailedCount, batch.CanceledCount,
		)
	}
	a.post(fmt.Sprintf("%s *Batch finished: %s*", icon, domain), body)
}

func (a *SlackAlerter) post(title, body string) {
	blocks := []slack.Block{
		slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", title, false, false),
			nil,
			nil,
		),
	}
	if body != "" {
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", body, false, false),
			nil,
			nil,
		))
	}

	fallback := title
	if body != "" {
		fallback = fmt.Sprintf("%s: %s", title, body)
	}

	_, _, err := a.client.PostMessage(
		a.channel,
		slack.MsgOptionBlocks(blocks...),
		slack.MsgOptionText(fallback, false),
	)
	if err != nil {
		log.Warn().Err(err).Str("channel", a.channel).Msg("Failed to send Slack alert")
	}
}
