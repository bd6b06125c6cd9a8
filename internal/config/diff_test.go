package config_test

import (
	"testing"

	"github.com/attunevoice/attune/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogInfo},
		Knowledge: config.KnowledgeConfig{
			Sources: []config.SourceConfig{{Owner: "attunevoice", Repo: "docs", Branch: "main"}},
		},
	}
	d := config.Diff(cfg, cfg)
	if d.LogLevelChanged {
		t.Error("expected LogLevelChanged=false for identical configs")
	}
	if d.SourcesChanged {
		t.Error("expected SourcesChanged=false for identical configs")
	}
	if len(d.SourceChanges) != 0 {
		t.Errorf("expected 0 source changes, got %d", len(d.SourceChanges))
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Server: config.ServerConfig{LogLevel: config.LogInfo}}
	new := &config.Config{Server: config.ServerConfig{LogLevel: config.LogDebug}}

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
}

func TestDiff_SystemPromptChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Pipeline: config.PipelineConfig{SystemPrompt: "You are terse."}}
	new := &config.Config{Pipeline: config.PipelineConfig{SystemPrompt: "You are verbose."}}

	d := config.Diff(old, new)
	if !d.SystemPromptChanged {
		t.Error("expected SystemPromptChanged=true")
	}
	if d.NewSystemPrompt != "You are verbose." {
		t.Errorf("NewSystemPrompt = %q", d.NewSystemPrompt)
	}
}

func TestDiff_SourceModified(t *testing.T) {
	t.Parallel()
	old := &config.Config{Knowledge: config.KnowledgeConfig{
		Sources: []config.SourceConfig{{Owner: "attunevoice", Repo: "docs", Branch: "main", Paths: []string{"docs"}}},
	}}
	new := &config.Config{Knowledge: config.KnowledgeConfig{
		Sources: []config.SourceConfig{{Owner: "attunevoice", Repo: "docs", Branch: "main", Paths: []string{"docs", "guides"}}},
	}}

	d := config.Diff(old, new)
	if !d.SourcesChanged {
		t.Error("expected SourcesChanged=true")
	}
	if len(d.SourceChanges) != 1 || !d.SourceChanges[0].Modified {
		t.Errorf("SourceChanges = %+v, want docs modified", d.SourceChanges)
	}
}

func TestDiff_SourceAddedAndRemoved(t *testing.T) {
	t.Parallel()
	old := &config.Config{Knowledge: config.KnowledgeConfig{
		Sources: []config.SourceConfig{
			{Owner: "attunevoice", Repo: "docs", Branch: "main"},
			{Owner: "attunevoice", Repo: "faq", Branch: "main"},
		},
	}}
	new := &config.Config{Knowledge: config.KnowledgeConfig{
		Sources: []config.SourceConfig{
			{Owner: "attunevoice", Repo: "docs", Branch: "main"},
			{Owner: "attunevoice", Repo: "wiki", Branch: "main"},
		},
	}}

	d := config.Diff(old, new)
	if !d.SourcesChanged {
		t.Error("expected SourcesChanged=true")
	}
	changes := make(map[string]config.SourceDiff)
	for _, sc := range d.SourceChanges {
		changes[sc.Name] = sc
	}
	if !changes["attunevoice/faq@main"].Removed {
		t.Error("expected faq source Removed=true")
	}
	if !changes["attunevoice/wiki@main"].Added {
		t.Error("expected wiki source Added=true")
	}
}
