package bootstrap

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"maia/internal/app/study"
	"maia/internal/db/sqlite"
	"maia/internal/domain/conversation"
	"maia/internal/domain/memory"
	"maia/internal/platform/config"
	"maia/internal/provider"
)

type cannedLLM struct{}

func (cannedLLM) Complete(context.Context, string, ...provider.CallOption) (string, error) {
	return "ok", nil
}

func testConfig(t *testing.T) *config.AppConfig {
	t.Helper()
	cfg := config.Default()
	cfg.Prompter.PromptsDir = filepath.Join("..", "..", "..", "prompts")
	cfg.SQLite.Path = filepath.Join(t.TempDir(), "study.db")
	return cfg
}

func TestBuildWiresLocalStack(t *testing.T) {
	cfg := testConfig(t)
	app, err := Build(context.Background(), cfg, Options{Completer: cannedLLM{}})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer app.Close()

	if _, ok := app.Repository.(*sqlite.Repository); !ok {
		t.Fatalf("repository = %T, want *sqlite.Repository", app.Repository)
	}
	if _, ok := app.Sessions.(*memory.MemoryStore); !ok {
		t.Fatalf("sessions = %T, want in-process store", app.Sessions)
	}
	if app.Transcriber != nil {
		t.Fatal("transcriber should be disabled without credentials")
	}
	if app.Backend() != "" {
		t.Fatalf("injected completer should report no backend, got %q", app.Backend())
	}
	if got := app.Pipeline.Arms(); len(got) != len(conversation.Arms) {
		t.Fatalf("arms = %v", got)
	}

	reply := app.Baseline.Respond(context.Background(), "hello")
	if reply.Failed || reply.Text != "ok" {
		t.Fatalf("baseline reply = %+v", reply)
	}
}

func TestBuildFailsOnMissingTemplates(t *testing.T) {
	cfg := testConfig(t)
	cfg.Prompter.PromptsDir = filepath.Join(t.TempDir(), "missing")
	if _, err := Build(context.Background(), cfg, Options{Completer: cannedLLM{}}); err == nil {
		t.Fatal("expected template load error")
	}
}

func TestOpenRepositoryFallsBackToMemory(t *testing.T) {
	cfg := config.Default()
	cfg.SQLite.Path = ""
	repo, err := OpenRepository(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := repo.(*study.MemoryRepository); !ok {
		t.Fatalf("repository = %T", repo)
	}
}

func TestRegisterLLMProviders(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.LLMConfig
		want    provider.Backend
		wantErr bool
	}{
		{"openai without key still registers", config.LLMConfig{Backend: "openai"}, provider.BackendOpenAI, false},
		{"anthropic", config.LLMConfig{Backend: "anthropic", APIKey: "k"}, provider.BackendAnthropic, false},
		{"deepseek", config.LLMConfig{Backend: "DeepSeek", APIKey: "k"}, provider.BackendDeepSeek, false},
		{"anthropic requires key", config.LLMConfig{Backend: "anthropic"}, "", true},
		{"unknown backend", config.LLMConfig{Backend: "palm", APIKey: "k"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := provider.NewRegistry()
			got, err := RegisterLLMProviders(reg, tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Fatalf("backend = %q, want %q", got, tt.want)
			}
			if !tt.wantErr {
				if _, err := reg.Get(got); err != nil {
					t.Fatalf("backend not registered: %v", err)
				}
			}
		})
	}
}

func TestPrompterOptions(t *testing.T) {
	opts := PrompterOptions(config.PrompterConfig{
		MaxAttempts:         4,
		RetryBackoffMillis:  250,
		GenerateTemperature: 0.9,
		ClarifyTemperature:  0.2,
		NumExamples:         2,
		DeferMemorize:       true,
		Deduplicate:         true,
	})
	if opts.MaxAttempts != 4 || opts.RetryBackoff != 250*time.Millisecond || !opts.DeferMemorize || !opts.Deduplicate {
		t.Fatalf("options = %+v", opts)
	}
	if opts.GenerateTemperature != 0.9 || opts.ClarifyTemperature != 0.2 || opts.NumExamples != 2 {
		t.Fatalf("options = %+v", opts)
	}
}
