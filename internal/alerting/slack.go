package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"commodity-ratewatch/internal/logging"
)

const (
	slackFooter     = "Commodity Price Scraper"
	slackFooterIcon = "https://platform.slack-edge.com/img/default_application_icon.png"
)

type slackPayload struct {
	Attachments []slackAttachment `json:"attachments"`
}

type slackAttachment struct {
	Color      string       `json:"color"`
	Text       string       `json:"text"`
	Fields     []slackField `json:"fields,omitempty"`
	Footer     string       `json:"footer"`
	FooterIcon string       `json:"footer_icon,omitempty"`
	TS         int64        `json:"ts"`
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// SlackNotifier posts to a Slack incoming webhook.
type SlackNotifier struct {
	webhookURL string
	client     *http.Client
	logger     zerolog.Logger
}

// NewSlackNotifier builds a Slack notifier.
func NewSlackNotifier(webhookURL string, timeout time.Duration, logger zerolog.Logger) *SlackNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SlackNotifier{
		webhookURL: strings.TrimSpace(webhookURL),
		client:     &http.Client{Timeout: timeout},
		logger:     logging.Component(logger, "alert_slack"),
	}
}

// Notify sends one attachment coloured by outcome.
func (n *SlackNotifier) Notify(ctx context.Context, note Notification) error {
	body, err := json.Marshal(slackMessage(note))
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send slack request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack responded with status %d", resp.StatusCode)
	}

	n.logger.Info().Str("run_id", note.RunID).
		Str("commodity", note.Commodity).
		Bool("success", note.Success).
		Msg("notification sent (slack)")
	return nil
}

func slackMessage(note Notification) slackPayload {
	color := "good"
	if !note.Success {
		color = "danger"
	}
	ts := note.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	fields := []slackField{
		{Title: "Stored", Value: strconv.Itoa(note.Stored), Short: true},
		{Title: "Skipped", Value: strconv.Itoa(note.Skipped), Short: true},
	}
	if note.NoData > 0 {
		fields = append(fields, slackField{Title: "No data", Value: strconv.Itoa(note.NoData), Short: true})
	}
	if note.Degraded > 0 {
		fields = append(fields, slackField{Title: "Fallback", Value: strconv.Itoa(note.Degraded), Short: true})
	}
	if note.Failed > 0 {
		fields = append(fields, slackField{Title: "Failed cities", Value: strings.Join(note.FailedCities, ", ")})
	}

	text := note.Subject()
	if note.AdditionalMsg != "" {
		text += "\n" + note.AdditionalMsg
	}

	return slackPayload{Attachments: []slackAttachment{{
		Color:      color,
		Text:       text,
		Fields:     fields,
		Footer:     slackFooter,
		FooterIcon: slackFooterIcon,
		TS:         ts.Unix(),
	}}}
}

var _ Notifier = (*SlackNotifier)(nil)
