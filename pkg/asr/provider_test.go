package asr

import "testing"

func TestStreamConfigValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     StreamConfig
		wantErr bool
	}{
		{name: "default 16k linear16", cfg: StreamConfig{SampleRate: 16000, Encoding: EncodingLinear16}},
		{name: "8k", cfg: StreamConfig{SampleRate: 8000}},
		{name: "24k", cfg: StreamConfig{SampleRate: 24000}},
		{name: "48k with language", cfg: StreamConfig{SampleRate: 48000, LanguageCode: "de-DE"}},
		{name: "empty encoding allowed", cfg: StreamConfig{SampleRate: 16000}},
		{name: "zero sample rate", cfg: StreamConfig{}, wantErr: true},
		{name: "unsupported rate", cfg: StreamConfig{SampleRate: 44100}, wantErr: true},
		{name: "unknown encoding", cfg: StreamConfig{SampleRate: 16000, Encoding: "opus"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
