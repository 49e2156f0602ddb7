package bridge

import "time"

// turnClock collects the timestamps of one conversation turn. The session
// goroutine is the only writer, so no locking is needed.
type turnClock struct {
	speechStart     time.Time
	speechStop      time.Time
	committed       time.Time
	responseCreated time.Time
	firstAudio      time.Time
	lastAudio       time.Time
}

// reset clears the clock for the next turn.
func (t *turnClock) reset() {
	*t = turnClock{}
}

// turnSummary is the latency breakdown of one completed turn. Durations for
// which a timestamp never arrived are zero.
type turnSummary struct {
	// TurnTotal is caller speech stop to response done.
	TurnTotal time.Duration

	// SpeechToCommit is caller speech stop to input-buffer commit.
	SpeechToCommit time.Duration

	// ResponseCreation is input-buffer commit to response creation.
	ResponseCreation time.Duration

	// TimeToFirstAudio is caller speech stop to the first synthesised chunk.
	TimeToFirstAudio time.Duration

	// StreamDuration is first to last synthesised chunk.
	StreamDuration time.Duration
}

// summary computes the turn breakdown against the response-done time.
func (t *turnClock) summary(done time.Time) turnSummary {
	var s turnSummary
	if !t.speechStop.IsZero() {
		s.TurnTotal = done.Sub(t.speechStop)
		if !t.committed.IsZero() {
			s.SpeechToCommit = t.committed.Sub(t.speechStop)
		}
		if !t.firstAudio.IsZero() {
			s.TimeToFirstAudio = t.firstAudio.Sub(t.speechStop)
		}
	}
	if !t.committed.IsZero() && !t.responseCreated.IsZero() {
		s.ResponseCreation = t.responseCreated.Sub(t.committed)
	}
	if !t.firstAudio.IsZero() && !t.lastAudio.IsZero() {
		s.StreamDuration = t.lastAudio.Sub(t.firstAudio)
	}
	return s
}
