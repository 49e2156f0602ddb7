// Package mock provides test doubles for the realtime package interfaces.
//
// Use Client to verify Dial calls and feed controlled sessions to the media
// bridge. Use Session to script server events and inspect what the bridge
// sent.
//
// Example:
//
//	sess := mock.NewSession()
//	cli := &mock.Client{Session: sess}
//	sess.Emit(realtime.Event{Type: realtime.EventResponseDone})
//	sess.Finish(nil)
package mock

import (
	"context"
	"sync"

	"github.com/relaydial/relaydial/pkg/realtime"
)

// DialCall records a single invocation of Client.Dial.
type DialCall struct {
	// Ctx is the context passed to Dial.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Dial.
	Cfg realtime.SessionConfig
}

// Client is a mock implementation of realtime.Client.
type Client struct {
	mu sync.Mutex

	// Session is returned by Dial. If nil, Dial returns a new default Session.
	Session realtime.Session

	// DialErrs, when non-empty, are returned by successive Dial calls in
	// order; once exhausted, Dial succeeds. Use this to script connection
	// failures.
	DialErrs []error

	// DialCalls records every call to Dial in order.
	DialCalls []DialCall
}

// Dial records the call and returns the scripted error or session.
func (c *Client) Dial(ctx context.Context, cfg realtime.SessionConfig) (realtime.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.DialCalls = append(c.DialCalls, DialCall{Ctx: ctx, Cfg: cfg})
	if len(c.DialErrs) > 0 {
		err := c.DialErrs[0]
		c.DialErrs = c.DialErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	if c.Session != nil {
		return c.Session, nil
	}
	return NewSession(), nil
}

// Ensure Client implements realtime.Client at compile time.
var _ realtime.Client = (*Client)(nil)

// Session is a scriptable mock implementation of realtime.Session.
type Session struct {
	mu sync.Mutex

	events  chan realtime.Event
	errVal  error
	closed  bool
	finOnce sync.Once

	// Appended records every AppendAudio payload in order.
	Appended []string

	// AssistantMessages records every CreateAssistantMessage text in order.
	AssistantMessages []string

	// ResponseCreates counts CreateResponse calls.
	ResponseCreates int

	// AppendErr, if non-nil, is returned by AppendAudio.
	AppendErr error
}

// NewSession creates a Session with a buffered event channel.
func NewSession() *Session {
	return &Session{events: make(chan realtime.Event, 64)}
}

// Emit delivers one scripted server event to the bridge.
func (s *Session) Emit(evt realtime.Event) {
	s.events <- evt
}

// Finish closes the event stream with the given terminal error (nil for a
// normal closure). Idempotent.
func (s *Session) Finish(err error) {
	s.finOnce.Do(func() {
		s.mu.Lock()
		s.errVal = err
		s.mu.Unlock()
		close(s.events)
	})
}

// Events implements realtime.Session.
func (s *Session) Events() <-chan realtime.Event { return s.events }

// AppendAudio implements realtime.Session.
func (s *Session) AppendAudio(b64 string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.AppendErr != nil {
		return s.AppendErr
	}
	s.Appended = append(s.Appended, b64)
	return nil
}

// CreateAssistantMessage implements realtime.Session.
func (s *Session) CreateAssistantMessage(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.AssistantMessages = append(s.AssistantMessages, text)
	return nil
}

// CreateResponse implements realtime.Session.
func (s *Session) CreateResponse() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ResponseCreates++
	return nil
}

// Err implements realtime.Session.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close implements realtime.Session. It finishes the event stream normally.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.Finish(nil)
	return nil
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Ensure Session implements realtime.Session at compile time.
var _ realtime.Session = (*Session)(nil)
