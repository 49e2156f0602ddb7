// Package twilio implements the telephony.Gateway contract against a
// Twilio-shaped REST API and wire format: form-encoded webhooks, TwiML answer
// documents, and the Calls endpoint for outbound dialing.
package twilio

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/relaydial/relaydial/pkg/telephony"
)

// Compile-time interface check.
var _ telephony.Gateway = (*Gateway)(nil)

const defaultBaseURL = "https://api.twilio.com"

// Option is a functional option for configuring a Gateway.
type Option func(*Gateway)

// WithBaseURL overrides the provider API endpoint. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(u string) Option {
	return func(g *Gateway) { g.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient replaces the HTTP client used for API calls.
func WithHTTPClient(c *http.Client) Option {
	return func(g *Gateway) { g.http = c }
}

// Gateway talks to the provider REST API. Safe for concurrent use.
type Gateway struct {
	accountSID string
	authToken  string
	fromNumber string
	baseURL    string
	http       *http.Client
}

// New creates a Gateway for the given account credentials. fromNumber is the
// default caller id for outbound calls.
func New(accountSID, authToken, fromNumber string, opts ...Option) *Gateway {
	g := &Gateway{
		accountSID: accountSID,
		authToken:  authToken,
		fromNumber: fromNumber,
		baseURL:    defaultBaseURL,
		http:       &http.Client{Timeout: 15 * time.Second},
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// callResponse is the subset of the provider's call resource we consume.
type callResponse struct {
	SID     string `json:"sid"`
	Status  string `json:"status"`
	Message string `json:"message"` // populated on error responses
	Code    int    `json:"code"`
}

// InitiateCall implements telephony.Gateway. It POSTs to the Calls endpoint
// and returns the assigned call SID.
func (g *Gateway) InitiateCall(ctx context.Context, req telephony.InitiateRequest) (telephony.InitiateResult, error) {
	from := req.From
	if from == "" {
		from = g.fromNumber
	}

	form := url.Values{}
	form.Set("To", req.To)
	form.Set("From", from)
	form.Set("Url", req.AnswerURL)
	if req.StatusCallbackURL != "" {
		form.Set("StatusCallback", req.StatusCallbackURL)
		form.Set("StatusCallbackMethod", "POST")
		for _, ev := range []string{"initiated", "ringing", "answered", "completed"} {
			form.Add("StatusCallbackEvent", ev)
		}
	}
	if req.Record {
		form.Set("Record", "true")
		form.Set("RecordingChannels", "dual")
		if req.RecordingCallbackURL != "" {
			form.Set("RecordingStatusCallback", req.RecordingCallbackURL)
		}
	}
	if req.Timeout > 0 {
		form.Set("Timeout", strconv.Itoa(int(req.Timeout.Seconds())))
	}

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Calls.json", g.baseURL, g.accountSID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return telephony.InitiateResult{}, fmt.Errorf("twilio: build request: %w", err)
	}
	httpReq.SetBasicAuth(g.accountSID, g.authToken)
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := g.http.Do(httpReq)
	if err != nil {
		return telephony.InitiateResult{}, fmt.Errorf("twilio: initiate call: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return telephony.InitiateResult{}, fmt.Errorf("twilio: read response: %w", err)
	}

	var call callResponse
	if err := json.Unmarshal(body, &call); err != nil {
		return telephony.InitiateResult{}, fmt.Errorf("twilio: decode response (HTTP %d): %w", resp.StatusCode, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return telephony.InitiateResult{}, fmt.Errorf("twilio: initiate call: HTTP %d code %d: %s",
			resp.StatusCode, call.Code, call.Message)
	}
	if call.SID == "" {
		return telephony.InitiateResult{}, fmt.Errorf("twilio: initiate call: response missing sid")
	}

	return telephony.InitiateResult{
		CallSID: call.SID,
		Status:  telephony.CallStatus(call.Status),
	}, nil
}

// ── Answer document ────────────────────────────────────────────────────────────

type twimlResponse struct {
	XMLName xml.Name      `xml:"Response"`
	Connect *twimlConnect `xml:"Connect,omitempty"`
}

type twimlConnect struct {
	Stream twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL string `xml:"url,attr"`
}

// RenderAnswer implements telephony.Gateway. The media stream URL carries the
// per-call bridge options as query parameters; output is deterministic for a
// given input.
func (g *Gateway) RenderAnswer(mediaStreamURL string, opts telephony.AnswerOptions) ([]byte, error) {
	u, err := url.Parse(mediaStreamURL)
	if err != nil {
		return nil, fmt.Errorf("twilio: render answer: parse url %q: %w", mediaStreamURL, err)
	}
	q := u.Query()
	q.Set("speakFirst", strconv.FormatBool(opts.SpeakFirst))
	if opts.InitialMessage != "" {
		q.Set("initialMessage", opts.InitialMessage)
	}
	u.RawQuery = q.Encode()

	doc := twimlResponse{Connect: &twimlConnect{Stream: twimlStream{URL: u.String()}}}
	body, err := xml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("twilio: render answer: %w", err)
	}
	return append([]byte(xml.Header), body...), nil
}

// ── Webhook parsing ────────────────────────────────────────────────────────────

// ParseStatusWebhook validates a form-encoded status callback into a
// telephony.StatusEvent.
func ParseStatusWebhook(form url.Values) (telephony.StatusEvent, error) {
	sid := form.Get("CallSid")
	if sid == "" {
		return telephony.StatusEvent{}, fmt.Errorf("twilio: status webhook: missing CallSid")
	}
	status := form.Get("CallStatus")
	if status == "" {
		return telephony.StatusEvent{}, fmt.Errorf("twilio: status webhook: missing CallStatus")
	}

	evt := telephony.StatusEvent{
		CallSID:      sid,
		Status:       telephony.CallStatus(status),
		Direction:    form.Get("Direction"),
		From:         form.Get("From"),
		To:           form.Get("To"),
		RecordingURL: form.Get("RecordingUrl"),
		RecordingSID: form.Get("RecordingSid"),
		Timestamp:    time.Now(),
	}
	evt.Duration, _ = strconv.Atoi(form.Get("Duration"))
	evt.CallDuration, _ = strconv.Atoi(form.Get("CallDuration"))
	if ts := form.Get("Timestamp"); ts != "" {
		if t, err := time.Parse(time.RFC1123Z, ts); err == nil {
			evt.Timestamp = t
		}
	}
	return evt, nil
}

// ParseRecordingWebhook validates a form-encoded recording callback into a
// telephony.RecordingEvent.
func ParseRecordingWebhook(form url.Values) (telephony.RecordingEvent, error) {
	sid := form.Get("CallSid")
	if sid == "" {
		return telephony.RecordingEvent{}, fmt.Errorf("twilio: recording webhook: missing CallSid")
	}
	recSID := form.Get("RecordingSid")
	if recSID == "" {
		return telephony.RecordingEvent{}, fmt.Errorf("twilio: recording webhook: missing RecordingSid")
	}

	evt := telephony.RecordingEvent{
		CallSID:      sid,
		RecordingSID: recSID,
		Status:       form.Get("RecordingStatus"),
		Source:       form.Get("RecordingSource"),
		RecordingURL: form.Get("RecordingUrl"),
	}
	evt.Duration, _ = strconv.Atoi(form.Get("RecordingDuration"))
	evt.Channels, _ = strconv.Atoi(form.Get("RecordingChannels"))
	return evt, nil
}
