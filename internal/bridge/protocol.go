package bridge

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/coder/websocket"
)

// Media-socket event names as sent by the telephony provider.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventStop      = "stop"
	EventMark      = "mark"
	EventClear     = "clear"
)

// Track names within a media frame. Only the inbound track (caller audio) is
// relayed; outbound-track echoes are ignored.
const (
	TrackInbound  = "inbound"
	TrackOutbound = "outbound"
)

// Frame is one JSON message on the provider media socket. Only the field
// matching Event is populated.
type Frame struct {
	Event     string      `json:"event"`
	StreamSID string      `json:"streamSid,omitempty"`
	Start     *StartFrame `json:"start,omitempty"`
	Media     *MediaFrame `json:"media,omitempty"`
	Mark      *MarkFrame  `json:"mark,omitempty"`
}

// StartFrame announces a new media stream and binds it to a call.
type StartFrame struct {
	CallSID   string `json:"callSid"`
	StreamSID string `json:"streamSid"`
	AccountID string `json:"accountSid,omitempty"`
}

// MediaFrame carries one base64 mu-law audio payload.
type MediaFrame struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

// MarkFrame is a named marker echoed back by the provider once the audio
// queued before it has been played.
type MarkFrame struct {
	Name string `json:"name"`
}

// MediaConn is the transport under one media stream. Implementations must
// allow one concurrent reader and one concurrent writer.
type MediaConn interface {
	// ReadFrame blocks until the next frame arrives or the stream ends.
	ReadFrame(ctx context.Context) (*Frame, error)

	// WriteFrame sends one frame to the provider.
	WriteFrame(ctx context.Context, f *Frame) error

	// Close tears the transport down. Idempotent.
	Close() error
}

// wsMediaConn adapts a coder/websocket connection to [MediaConn].
type wsMediaConn struct {
	conn *websocket.Conn
}

// NewMediaConn wraps an accepted provider websocket.
func NewMediaConn(conn *websocket.Conn) MediaConn {
	return &wsMediaConn{conn: conn}
}

func (w *wsMediaConn) ReadFrame(ctx context.Context) (*Frame, error) {
	_, data, err := w.conn.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("bridge: read media frame: %w", err)
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("bridge: decode media frame: %w", err)
	}
	return &f, nil
}

func (w *wsMediaConn) WriteFrame(ctx context.Context, f *Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("bridge: encode media frame: %w", err)
	}
	if err := w.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("bridge: write media frame: %w", err)
	}
	return nil
}

func (w *wsMediaConn) Close() error {
	return w.conn.Close(websocket.StatusNormalClosure, "session closed")
}
