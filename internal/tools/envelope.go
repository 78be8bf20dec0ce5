package tools

import (
	"encoding/json"
	"time"
)

// Envelope is the uniform result of every tool execution. Success or
// failure, exactly one envelope comes back from Execute and is appended
// to the transcript as a tool-role message.
type Envelope struct {
	Success   bool      `json:"success"`
	Data      any       `json:"data,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	WindowID  string    `json:"window_id,omitempty"`
}

func successEnvelope(data any, windowID string) Envelope {
	return Envelope{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC(),
		WindowID:  windowID,
	}
}

func errorEnvelope(msg, windowID string) Envelope {
	return Envelope{
		Success:   false,
		Error:     msg,
		Timestamp: time.Now().UTC(),
		WindowID:  windowID,
	}
}

// JSON renders the envelope for the transcript. Marshal failures (Data
// holding something unserializable) degrade to an error envelope rather
// than propagating.
func (e Envelope) JSON() string {
	b, err := json.Marshal(e)
	if err != nil {
		fallback := errorEnvelope("result not serializable: "+err.Error(), e.WindowID)
		b, _ = json.Marshal(fallback)
	}
	return string(b)
}
