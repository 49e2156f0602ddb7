package twilio

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/relaydial/relaydial/pkg/telephony"
)

func TestInitiateCall(t *testing.T) {
	t.Run("posts the form and returns the sid", func(t *testing.T) {
		var gotForm url.Values
		var gotPath string
		var gotUser, gotPass string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotPath = r.URL.Path
			gotUser, gotPass, _ = r.BasicAuth()
			_ = r.ParseForm()
			gotForm = r.PostForm
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"sid":"CA123","status":"queued"}`))
		}))
		defer srv.Close()

		g := New("AC1", "token", "+15550009999", WithBaseURL(srv.URL))
		res, err := g.InitiateCall(context.Background(), telephony.InitiateRequest{
			To:                   "+15550001111",
			AnswerURL:            "https://calls.example.com/voice/answer",
			StatusCallbackURL:    "https://calls.example.com/webhooks/voice/status",
			RecordingCallbackURL: "https://calls.example.com/webhooks/voice/recording",
			Record:               true,
			Timeout:              30 * time.Second,
		})
		if err != nil {
			t.Fatalf("InitiateCall() error = %v", err)
		}
		if res.CallSID != "CA123" || res.Status != telephony.StatusQueued {
			t.Errorf("result = %+v", res)
		}

		if gotPath != "/2010-04-01/Accounts/AC1/Calls.json" {
			t.Errorf("path = %q", gotPath)
		}
		if gotUser != "AC1" || gotPass != "token" {
			t.Errorf("basic auth = %q:%q", gotUser, gotPass)
		}
		if gotForm.Get("To") != "+15550001111" {
			t.Errorf("To = %q", gotForm.Get("To"))
		}
		if gotForm.Get("From") != "+15550009999" {
			t.Errorf("From = %q, want the configured caller id", gotForm.Get("From"))
		}
		if gotForm.Get("Url") != "https://calls.example.com/voice/answer" {
			t.Errorf("Url = %q", gotForm.Get("Url"))
		}
		if gotForm.Get("StatusCallback") != "https://calls.example.com/webhooks/voice/status" {
			t.Errorf("StatusCallback = %q", gotForm.Get("StatusCallback"))
		}
		if got := gotForm["StatusCallbackEvent"]; len(got) != 4 {
			t.Errorf("StatusCallbackEvent = %v, want 4 events", got)
		}
		if gotForm.Get("Record") != "true" || gotForm.Get("RecordingChannels") != "dual" {
			t.Errorf("recording form = Record=%q Channels=%q",
				gotForm.Get("Record"), gotForm.Get("RecordingChannels"))
		}
		if gotForm.Get("RecordingStatusCallback") != "https://calls.example.com/webhooks/voice/recording" {
			t.Errorf("RecordingStatusCallback = %q", gotForm.Get("RecordingStatusCallback"))
		}
		if gotForm.Get("Timeout") != "30" {
			t.Errorf("Timeout = %q", gotForm.Get("Timeout"))
		}
	})

	t.Run("explicit from overrides the default", func(t *testing.T) {
		var gotFrom string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_ = r.ParseForm()
			gotFrom = r.PostForm.Get("From")
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"sid":"CA1","status":"queued"}`))
		}))
		defer srv.Close()

		g := New("AC1", "token", "+15550009999", WithBaseURL(srv.URL))
		_, err := g.InitiateCall(context.Background(), telephony.InitiateRequest{
			To:        "+15550001111",
			From:      "+15550008888",
			AnswerURL: "https://calls.example.com/voice/answer",
		})
		if err != nil {
			t.Fatalf("InitiateCall() error = %v", err)
		}
		if gotFrom != "+15550008888" {
			t.Errorf("From = %q", gotFrom)
		}
	})

	t.Run("api error is surfaced", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"code":21211,"message":"Invalid 'To' Phone Number"}`))
		}))
		defer srv.Close()

		g := New("AC1", "token", "+15550009999", WithBaseURL(srv.URL))
		_, err := g.InitiateCall(context.Background(), telephony.InitiateRequest{
			To:        "bogus",
			AnswerURL: "https://calls.example.com/voice/answer",
		})
		if err == nil || !strings.Contains(err.Error(), "21211") {
			t.Fatalf("err = %v, want the provider error code", err)
		}
	})

	t.Run("missing sid is rejected", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"status":"queued"}`))
		}))
		defer srv.Close()

		g := New("AC1", "token", "+15550009999", WithBaseURL(srv.URL))
		_, err := g.InitiateCall(context.Background(), telephony.InitiateRequest{
			To:        "+15550001111",
			AnswerURL: "https://calls.example.com/voice/answer",
		})
		if err == nil || !strings.Contains(err.Error(), "missing sid") {
			t.Fatalf("err = %v, want missing-sid error", err)
		}
	})
}

func TestRenderAnswer(t *testing.T) {
	g := New("AC1", "token", "+15550009999")

	t.Run("embeds the stream url with options", func(t *testing.T) {
		doc, err := g.RenderAnswer("wss://calls.example.com/media-stream", telephony.AnswerOptions{
			SpeakFirst:     true,
			InitialMessage: "hi there",
		})
		if err != nil {
			t.Fatalf("RenderAnswer() error = %v", err)
		}
		s := string(doc)
		if !strings.HasPrefix(s, "<?xml") {
			t.Errorf("document missing xml header: %s", s)
		}
		if !strings.Contains(s, "<Connect><Stream url=") {
			t.Errorf("document missing Connect/Stream: %s", s)
		}
		if !strings.Contains(s, "speakFirst=true") {
			t.Errorf("document missing speakFirst: %s", s)
		}
		if !strings.Contains(s, "initialMessage=hi+there") {
			t.Errorf("document missing escaped initialMessage: %s", s)
		}
	})

	t.Run("deterministic output", func(t *testing.T) {
		opts := telephony.AnswerOptions{SpeakFirst: true, InitialMessage: "hello"}
		a, err := g.RenderAnswer("wss://calls.example.com/media-stream", opts)
		if err != nil {
			t.Fatalf("RenderAnswer() error = %v", err)
		}
		b, err := g.RenderAnswer("wss://calls.example.com/media-stream", opts)
		if err != nil {
			t.Fatalf("RenderAnswer() error = %v", err)
		}
		if string(a) != string(b) {
			t.Errorf("non-deterministic output:\n%s\n%s", a, b)
		}
	})

	t.Run("speak first defaults to false", func(t *testing.T) {
		doc, err := g.RenderAnswer("wss://calls.example.com/media-stream", telephony.AnswerOptions{})
		if err != nil {
			t.Fatalf("RenderAnswer() error = %v", err)
		}
		if !strings.Contains(string(doc), "speakFirst=false") {
			t.Errorf("document = %s", doc)
		}
	})
}

func TestParseStatusWebhook(t *testing.T) {
	t.Run("full form", func(t *testing.T) {
		form := url.Values{
			"CallSid":      {"CA9"},
			"CallStatus":   {"completed"},
			"Direction":    {"outbound-api"},
			"From":         {"+15550009999"},
			"To":           {"+15550001111"},
			"Duration":     {"62"},
			"CallDuration": {"61"},
			"RecordingUrl": {"https://api.twilio.com/rec/RE1"},
			"RecordingSid": {"RE1"},
			"Timestamp":    {"Tue, 26 Aug 2025 10:00:00 +0000"},
		}
		evt, err := ParseStatusWebhook(form)
		if err != nil {
			t.Fatalf("ParseStatusWebhook() error = %v", err)
		}
		if evt.CallSID != "CA9" || evt.Status != telephony.StatusCompleted {
			t.Errorf("event = %+v", evt)
		}
		if evt.Duration != 62 || evt.CallDuration != 61 {
			t.Errorf("durations = %d/%d", evt.Duration, evt.CallDuration)
		}
		if evt.RecordingURL != "https://api.twilio.com/rec/RE1" || evt.RecordingSID != "RE1" {
			t.Errorf("recording fields = %q/%q", evt.RecordingURL, evt.RecordingSID)
		}
		want := time.Date(2025, 8, 26, 10, 0, 0, 0, time.UTC)
		if !evt.Timestamp.Equal(want) {
			t.Errorf("Timestamp = %v, want %v", evt.Timestamp, want)
		}
	})

	t.Run("missing call sid", func(t *testing.T) {
		if _, err := ParseStatusWebhook(url.Values{"CallStatus": {"ringing"}}); err == nil {
			t.Error("ParseStatusWebhook() accepted a form without CallSid")
		}
	})

	t.Run("missing status", func(t *testing.T) {
		if _, err := ParseStatusWebhook(url.Values{"CallSid": {"CA9"}}); err == nil {
			t.Error("ParseStatusWebhook() accepted a form without CallStatus")
		}
	})
}

func TestParseRecordingWebhook(t *testing.T) {
	t.Run("full form", func(t *testing.T) {
		form := url.Values{
			"CallSid":           {"CA9"},
			"RecordingSid":      {"RE2"},
			"RecordingStatus":   {"completed"},
			"RecordingDuration": {"45"},
			"RecordingChannels": {"2"},
			"RecordingSource":   {"DialVerb"},
			"RecordingUrl":      {"https://api.twilio.com/rec/RE2"},
		}
		evt, err := ParseRecordingWebhook(form)
		if err != nil {
			t.Fatalf("ParseRecordingWebhook() error = %v", err)
		}
		if evt.CallSID != "CA9" || evt.RecordingSID != "RE2" || evt.Status != "completed" {
			t.Errorf("event = %+v", evt)
		}
		if evt.Duration != 45 || evt.Channels != 2 {
			t.Errorf("duration/channels = %d/%d", evt.Duration, evt.Channels)
		}
		if evt.RecordingURL != "https://api.twilio.com/rec/RE2" {
			t.Errorf("RecordingURL = %q", evt.RecordingURL)
		}
	})

	t.Run("missing recording sid", func(t *testing.T) {
		if _, err := ParseRecordingWebhook(url.Values{"CallSid": {"CA9"}}); err == nil {
			t.Error("ParseRecordingWebhook() accepted a form without RecordingSid")
		}
	})
}

func TestCallStatusIsTerminal(t *testing.T) {
	terminal := []telephony.CallStatus{
		telephony.StatusCompleted, telephony.StatusFailed, telephony.StatusCanceled,
		telephony.StatusNoAnswer, telephony.StatusBusy,
	}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s.IsTerminal() = false", s)
		}
	}
	for _, s := range []telephony.CallStatus{
		telephony.StatusQueued, telephony.StatusInitiated,
		telephony.StatusRinging, telephony.StatusInProgress,
	} {
		if s.IsTerminal() {
			t.Errorf("%s.IsTerminal() = true", s)
		}
	}
}
