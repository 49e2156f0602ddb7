// Package mock provides a test double for the telephony package interfaces.
//
// Use Gateway to verify InitiateCall invocations and to feed controlled call
// SIDs back to the worker pool without touching the network.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/relaydial/relaydial/pkg/telephony"
)

// InitiateCall records a single invocation of Gateway.InitiateCall.
type InitiateCall struct {
	// Ctx is the context passed to InitiateCall.
	Ctx context.Context
	// Req is the request passed to InitiateCall.
	Req telephony.InitiateRequest
}

// Gateway is a mock implementation of telephony.Gateway.
type Gateway struct {
	mu sync.Mutex

	// Result is returned by InitiateCall. If Result.CallSID is empty, a
	// sequential SID of the form "CA-mock-N" is generated per call.
	Result telephony.InitiateResult

	// InitiateErr, if non-nil, is returned as the error from InitiateCall.
	InitiateErr error

	// Calls records every call to InitiateCall in order.
	Calls []InitiateCall
}

// InitiateCall records the call and returns Result, InitiateErr.
func (g *Gateway) InitiateCall(ctx context.Context, req telephony.InitiateRequest) (telephony.InitiateResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Calls = append(g.Calls, InitiateCall{Ctx: ctx, Req: req})
	if g.InitiateErr != nil {
		return telephony.InitiateResult{}, g.InitiateErr
	}
	res := g.Result
	if res.CallSID == "" {
		res.CallSID = fmt.Sprintf("CA-mock-%d", len(g.Calls))
	}
	if res.Status == "" {
		res.Status = telephony.StatusQueued
	}
	return res, nil
}

// RenderAnswer returns a minimal deterministic document embedding the stream
// URL and options.
func (g *Gateway) RenderAnswer(mediaStreamURL string, opts telephony.AnswerOptions) ([]byte, error) {
	return []byte(fmt.Sprintf("<Response url=%q speakFirst=%v/>", mediaStreamURL, opts.SpeakFirst)), nil
}

// Reset clears all recorded calls. Thread-safe.
func (g *Gateway) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Calls = nil
}

// Ensure Gateway implements telephony.Gateway at compile time.
var _ telephony.Gateway = (*Gateway)(nil)
