package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"care-transitions-api/pkg/models"
)

// Notification is one message handed to the delivery provider. The body
// is pre-phrased script text; the orchestrator only decides when to send
// and to whom.
type Notification struct {
	Channel   models.Channel `json:"channel"`
	Recipient string         `json:"recipient"`
	Body      string         `json:"body"`
}

// NotificationGateway is the fire-and-retry sink for outbound messages.
// Implementations must distinguish transient failures (retried by the
// next sweep) from permanent rejections via the error category.
type NotificationGateway interface {
	Send(ctx context.Context, n Notification) error
}

// PharmacyClient checks whether a prescription has been dispensed.
// Failures degrade to "unknown adherence", never to a false "adherent".
type PharmacyClient interface {
	DispenseEvents(ctx context.Context, patientExternalID, medication string, since time.Time) ([]time.Time, error)
}

// ExportNote is a resolved-encounter summary pushed back to the record
// system.
type ExportNote struct {
	EpisodeID   string                   `json:"episode_id"`
	PatientMRN  string                   `json:"patient_mrn"`
	Destination models.ExportDestination `json:"destination"`
	Body        string                   `json:"body"`
}

// EHRExporter delivers export notes to the record system.
type EHRExporter interface {
	Export(ctx context.Context, note ExportNote) error
}

// HTTPNotificationGateway posts notifications to a delivery provider.
type HTTPNotificationGateway struct {
	client  *http.Client
	baseURL string
	token   string
}

// NewHTTPNotificationGateway creates a gateway client with a bounded
// request timeout.
func NewHTTPNotificationGateway(baseURL, token string, timeout time.Duration) *HTTPNotificationGateway {
	return &HTTPNotificationGateway{
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
		token:   token,
	}
}

func (g *HTTPNotificationGateway) Send(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		// Includes deadline exceeded: retryable, distinct from rejection.
		return models.NewTransientError("GATEWAY_UNREACHABLE", "notification send failed: %v", err)
	}
	defer resp.Body.Close()
	return classifyStatus(resp.StatusCode, "GATEWAY")
}

// classifyStatus maps provider status codes onto the error taxonomy:
// 5xx and 429 are transient, other non-2xx are permanent rejections.
func classifyStatus(status int, prefix string) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status >= 500 || status == http.StatusTooManyRequests:
		return models.NewTransientError(prefix+"_UNAVAILABLE", "provider returned %d", status)
	default:
		return models.NewValidationError(prefix+"_REJECTED", "provider rejected the request with %d", status)
	}
}

// HTTPPharmacyClient queries the pharmacy network for dispense events.
type HTTPPharmacyClient struct {
	client  *http.Client
	baseURL string
}

func NewHTTPPharmacyClient(baseURL string, timeout time.Duration) *HTTPPharmacyClient {
	return &HTTPPharmacyClient{
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

func (c *HTTPPharmacyClient) DispenseEvents(ctx context.Context, patientExternalID, medication string, since time.Time) ([]time.Time, error) {
	url := fmt.Sprintf("%s/v1/dispense?patient=%s&medication=%s&since=%s",
		c.baseURL, patientExternalID, medication, since.UTC().Format(time.RFC3339))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, models.NewTransientError("PHARMACY_UNREACHABLE", "pharmacy check failed: %v", err)
	}
	defer resp.Body.Close()
	if err := classifyStatus(resp.StatusCode, "PHARMACY"); err != nil {
		return nil, err
	}
	var payload struct {
		Events []time.Time `json:"events"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, models.NewTransientError("PHARMACY_BAD_RESPONSE", "pharmacy response unreadable: %v", err)
	}
	return payload.Events, nil
}

// HTTPEHRExporter pushes resolved-encounter notes back to the record
// system.
type HTTPEHRExporter struct {
	client  *http.Client
	baseURL string
	token   string
}

func NewHTTPEHRExporter(baseURL, token string, timeout time.Duration) *HTTPEHRExporter {
	return &HTTPEHRExporter{
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
		token:   token,
	}
}

func (e *HTTPEHRExporter) Export(ctx context.Context, note ExportNote) error {
	body, err := json.Marshal(note)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/v1/notes", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return models.NewTransientError("EHR_UNREACHABLE", "note export failed: %v", err)
	}
	defer resp.Body.Close()
	return classifyStatus(resp.StatusCode, "EHR")
}
