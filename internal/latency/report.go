package latency

import (
	"fmt"
	"time"
)

// Report is the monitor's human-facing summary.
type Report struct {
	FirstToken      Stats            `json:"first_token"`
	FullCycle       Stats            `json:"full_cycle"`
	Stages          map[Stage]Stats  `json:"stages"`
	SLAMet          bool             `json:"sla_met"`
	Recommendations []string         `json:"recommendations"`
}

// stage order for deterministic recommendation output.
var reportStages = []Stage{
	StageAudioToASR,
	StageASRToLLM,
	StageLLMFirstToken,
	StageLLMToTTS,
	StageTTSToClient,
	StageFirstToken,
	StageFullCycle,
}

// recommendations maps a breached stage to advice.
var recommendations = map[Stage]string{
	StageAudioToASR:    "audio to ASR handoff is slow: check VAD flush interval and adapter acquire latency",
	StageASRToLLM:      "ASR to LLM handoff is slow: check retrieval latency and context assembly",
	StageLLMFirstToken: "LLM first token is slow: consider a faster model or trimming the prompt",
	StageLLMToTTS:      "LLM to TTS handoff is slow: start synthesis on the first sentence boundary",
	StageTTSToClient:   "TTS to client delivery is slow: check egress buffering and client backpressure",
	StageFirstToken:    "end-to-end first token exceeds target: inspect the per-stage breakdown above",
	StageFullCycle:     "full response cycle exceeds target: shorten responses or parallelize synthesis",
}

// Report assembles the current statistics and threshold-driven
// recommendations. A stage contributes a recommendation when its p95 exceeds
// its budget.
func (m *Monitor) Report() Report {
	r := Report{Stages: make(map[Stage]Stats, len(reportStages))}

	for _, stage := range reportStages {
		st := m.Stats(stage)
		r.Stages[stage] = st
		if st.Count == 0 {
			continue
		}
		if budget := m.threshold(stage); budget > 0 && st.P95 > budget {
			r.Recommendations = append(r.Recommendations,
				fmt.Sprintf("%s (p95 %s > budget %s)",
					recommendations[stage], roundMs(st.P95), roundMs(budget)))
		}
	}

	r.FirstToken = r.Stages[StageFirstToken]
	r.FullCycle = r.Stages[StageFullCycle]
	r.SLAMet = m.SLAMet()
	return r
}

func roundMs(d time.Duration) time.Duration {
	return d.Round(time.Millisecond)
}
