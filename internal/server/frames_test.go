package server

import (
	"testing"

	"github.com/attunevoice/attune/internal/knowledge/citations"
	"github.com/attunevoice/attune/internal/orchestrator"
)

func TestParseClientFrame(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{"start", `{"type":"start"}`, false},
		{"stop", `{"type":"stop"}`, false},
		{"interrupt", `{"type":"interrupt"}`, false},
		{"ping", `{"type":"ping"}`, false},
		{"vad", `{"type":"vad","confidence":0.85,"duration":200}`, false},
		{"vad missing fields", `{"type":"vad"}`, true},
		{"unknown type", `{"type":"dance"}`, true},
		{"missing type", `{"confidence":0.5}`, true},
		{"extra field", `{"type":"start","bogus":1}`, true},
		{"confidence out of range", `{"type":"vad","confidence":1.5,"duration":200}`, true},
		{"negative duration", `{"type":"vad","confidence":0.8,"duration":-1}`, true},
		{"not json", `start`, true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := parseClientFrame([]byte(tt.raw))
			if (err != nil) != tt.wantErr {
				t.Errorf("parseClientFrame(%s) error = %v, wantErr %v", tt.raw, err, tt.wantErr)
			}
		})
	}
}

func TestCompleteFrameGrounded(t *testing.T) {
	t.Parallel()

	f := completeFrame("pipe-1", orchestrator.Output{
		Type: orchestrator.OutputComplete,
		Text: "The budget is 500 ms [1].",
		Citations: []citations.Citation{
			{Number: 1, Title: "Latency Budgets", SourceURL: "doc://budgets"},
		},
		Grounding: &citations.GroundingReport{IsGrounded: true, Confidence: 0.82},
	})

	if f.Type != frameComplete || !f.IsFinal || f.PipelineID != "pipe-1" {
		t.Errorf("frame = %+v, want a final complete frame", f)
	}
	if len(f.Sources) != 1 || f.Sources[0].Number != 1 || f.Sources[0].URL != "doc://budgets" {
		t.Errorf("Sources = %+v, want the single citation", f.Sources)
	}
	if f.Grounding == nil || !f.Grounding.IsGrounded || f.Grounding.Confidence != 0.82 {
		t.Errorf("Grounding = %+v, want grounded at 0.82", f.Grounding)
	}
	if len(f.Grounding.Recommendations) != 0 {
		t.Errorf("Recommendations = %v, want none for a clean verdict", f.Grounding.Recommendations)
	}
}

func TestCompleteFrameUngroundedCarriesRecommendation(t *testing.T) {
	t.Parallel()

	f := completeFrame("pipe-2", orchestrator.Output{
		Type: orchestrator.OutputComplete,
		Text: "I believe so.",
		Grounding: &citations.GroundingReport{
			IsGrounded:     false,
			Confidence:     0,
			Recommendation: "no sources retrieved; answer from the knowledge base or say the information is unavailable",
		},
	})

	if f.Grounding == nil {
		t.Fatal("Grounding = nil, want the ungrounded verdict on the frame")
	}
	if f.Grounding.IsGrounded || f.Grounding.Confidence != 0 {
		t.Errorf("Grounding = %+v, want ungrounded with zero confidence", f.Grounding)
	}
	if len(f.Grounding.Recommendations) != 1 || f.Grounding.Recommendations[0] == "" {
		t.Errorf("Recommendations = %v, want the no-sources guidance", f.Grounding.Recommendations)
	}
	if len(f.Sources) != 0 {
		t.Errorf("Sources = %+v, want none", f.Sources)
	}
}

func TestParseClientFrameValues(t *testing.T) {
	t.Parallel()

	f, err := parseClientFrame([]byte(`{"type":"vad","confidence":0.9,"duration":250}`))
	if err != nil {
		t.Fatalf("parseClientFrame() error = %v", err)
	}
	if f.Type != frameVAD || f.Confidence != 0.9 || f.Duration != 250 {
		t.Errorf("frame = %+v, want vad 0.9/250", f)
	}
}
