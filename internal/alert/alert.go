package alert

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Manager posts integrity events to a Slack incoming webhook. A disabled
// manager, or one without a webhook, silently drops every alert.
type Manager struct {
	enabled      bool
	slackWebhook string
	httpClient   HTTPClient
	now          func() time.Time
}

type slackMessage struct {
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments,omitempty"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Title  string       `json:"title"`
	Fields []slackField `json:"fields"`
	Footer string       `json:"footer"`
	Ts     int64        `json:"ts"`
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

const (
	ledgerFooter = "Insignia Ledger"
	notaryFooter = "Insignia Notary"
	systemFooter = "Insignia System Monitor"
)

func NewManager(enabled bool, slackWebhook string) *Manager {
	return NewManagerWithClient(enabled, slackWebhook, &http.Client{Timeout: 10 * time.Second})
}

func NewManagerWithClient(enabled bool, slackWebhook string, client HTTPClient) *Manager {
	return &Manager{
		enabled:      enabled,
		slackWebhook: slackWebhook,
		httpClient:   client,
		now:          time.Now,
	}
}

func (m *Manager) active() bool {
	return m != nil && m.enabled && m.slackWebhook != ""
}

// SendInvalidChainAlert reports a peer that offered a longer chain which
// failed validation. A rewritten history is the usual cause.
func (m *Manager) SendInvalidChainAlert(peer string, length int, reason string) error {
	if !m.active() {
		return nil
	}

	msg := slackMessage{
		Text: "🚨 *INVALID CHAIN REJECTED*",
		Attachments: []slackAttachment{
			{
				Color: "danger",
				Title: "Peer offered a longer chain that failed validation",
				Fields: []slackField{
					{Title: "Peer", Value: peer, Short: true},
					{Title: "Length", Value: fmt.Sprintf("%d", length), Short: true},
					{Title: "Reason", Value: reason, Short: false},
				},
				Footer: ledgerFooter,
				Ts:     m.now().Unix(),
			},
		},
	}

	return m.sendSlackMessage(msg)
}

func (m *Manager) SendChainReplacedAlert(peer string, oldLength, newLength int) error {
	if !m.active() {
		return nil
	}

	msg := slackMessage{
		Text: "⚠️ *LOCAL CHAIN REPLACED*",
		Attachments: []slackAttachment{
			{
				Color: "warning",
				Title: "Consensus adopted a longer chain",
				Fields: []slackField{
					{Title: "Source", Value: peer, Short: true},
					{Title: "Old Length", Value: fmt.Sprintf("%d", oldLength), Short: true},
					{Title: "New Length", Value: fmt.Sprintf("%d", newLength), Short: true},
				},
				Footer: ledgerFooter,
				Ts:     m.now().Unix(),
			},
		},
	}

	return m.sendSlackMessage(msg)
}

// SendNotarizationFailedAlert reports a document that was signed and stored
// but whose hash never reached the ledger.
func (m *Manager) SendNotarizationFailedAlert(documentID, signedURL, details string) error {
	if !m.active() {
		return nil
	}

	msg := slackMessage{
		Text: "🚨 *NOTARIZATION FAILED*",
		Attachments: []slackAttachment{
			{
				Color: "danger",
				Title: "Signed document not recorded on the ledger",
				Fields: []slackField{
					{Title: "Document", Value: documentID, Short: true},
					{Title: "Signed File", Value: signedURL, Short: false},
					{Title: "Details", Value: details, Short: false},
				},
				Footer: notaryFooter,
				Ts:     m.now().Unix(),
			},
		},
	}

	return m.sendSlackMessage(msg)
}

func (m *Manager) SendSystemAlert(title, message, severity string) error {
	if !m.active() {
		return nil
	}

	color := "danger"
	if severity == "warning" {
		color = "warning"
	} else if severity == "good" {
		color = "good"
	}

	msg := slackMessage{
		Text: fmt.Sprintf("🚨 *SYSTEM ALERT: %s*", title),
		Attachments: []slackAttachment{
			{
				Color: color,
				Title: title,
				Fields: []slackField{
					{Title: "Message", Value: message, Short: false},
				},
				Footer: systemFooter,
				Ts:     m.now().Unix(),
			},
		},
	}

	return m.sendSlackMessage(msg)
}

func (m *Manager) sendSlackMessage(msg slackMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal slack message: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, m.slackWebhook, bytes.NewBuffer(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send slack message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned non-200 status: %d", resp.StatusCode)
	}

	return nil
}
