package server

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Client → server control frame types.
const (
	frameStart     = "start"
	frameStop      = "stop"
	frameInterrupt = "interrupt"
	frameVAD       = "vad"
	framePing      = "ping"
)

// Server → client control frame types.
const (
	frameConnected       = "connected"
	framePipelineStarted = "pipeline-started"
	frameTranscript      = "transcript"
	frameLLMResponse     = "llm-response"
	frameComplete        = "complete"
	frameInterrupted     = "interrupted"
	framePipelineStopped = "pipeline-stopped"
	frameError           = "error"
	framePong            = "pong"
)

// controlSchema validates every inbound control frame. Unknown fields and
// unknown types are rejected before dispatch.
const controlSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "control-frame",
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": {"enum": ["start", "stop", "interrupt", "vad", "ping"]},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "duration": {"type": "number", "minimum": 0}
  },
  "if": {"properties": {"type": {"const": "vad"}}},
  "then": {"required": ["confidence", "duration"]},
  "additionalProperties": false
}`

var compiledControlSchema = jsonschema.MustCompileString("control-frame.json", controlSchema)

// clientFrame is a decoded inbound control frame.
type clientFrame struct {
	Type string `json:"type"`

	// Confidence and Duration accompany vad frames: speech energy in [0,1]
	// and how long it has been sustained, in milliseconds.
	Confidence float64 `json:"confidence,omitempty"`
	Duration   float64 `json:"duration,omitempty"`
}

// parseClientFrame validates raw against the control schema and decodes it.
func parseClientFrame(raw []byte) (clientFrame, error) {
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return clientFrame{}, fmt.Errorf("server: malformed control frame: %w", err)
	}
	if err := compiledControlSchema.Validate(generic); err != nil {
		return clientFrame{}, fmt.Errorf("server: invalid control frame: %w", err)
	}
	var f clientFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return clientFrame{}, fmt.Errorf("server: malformed control frame: %w", err)
	}
	return f, nil
}

// frameSource is one cited source on a complete frame.
type frameSource struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	URL    string `json:"url,omitempty"`
}

// frameGrounding is the grounding verdict on a complete frame.
type frameGrounding struct {
	IsGrounded      bool     `json:"isGrounded"`
	Confidence      float64  `json:"confidence"`
	Recommendations []string `json:"recommendations,omitempty"`
}

// serverFrame is an outbound control frame. Timestamp is milliseconds,
// strictly increasing per connection.
type serverFrame struct {
	Type       string          `json:"type"`
	Timestamp  int64           `json:"timestamp"`
	SessionID  string          `json:"sessionId,omitempty"`
	UserID     string          `json:"userId,omitempty"`
	PipelineID string          `json:"pipelineId,omitempty"`
	Text       string          `json:"text,omitempty"`
	IsFinal    bool            `json:"isFinal,omitempty"`
	Message    string          `json:"message,omitempty"`
	Sources    []frameSource   `json:"sources,omitempty"`
	Grounding  *frameGrounding `json:"grounding,omitempty"`
}
