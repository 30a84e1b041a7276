package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 4600 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if cfg.Ollama.BaseURL != "http://localhost:11434" {
		t.Errorf("ollama url = %s", cfg.Ollama.BaseURL)
	}
	if cfg.Retrieval.EmbeddingDims != 768 {
		t.Errorf("dims = %d", cfg.Retrieval.EmbeddingDims)
	}
	if cfg.Retrieval.SimilarityThreshold != 0.8 {
		t.Errorf("similarity threshold = %f", cfg.Retrieval.SimilarityThreshold)
	}
	if cfg.Server.DefaultOwner != "local" {
		t.Errorf("default owner = %s", cfg.Server.DefaultOwner)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("MNEMA_PORT", "9000")
	t.Setenv("MNEMA_OLLAMA_URL", "http://other:11434/")
	t.Setenv("MNEMA_EMBEDDING_DIMS", "384")
	t.Setenv("MNEMA_EMBED_COST_PER_MTOK", "0.02")
	t.Setenv("MNEMA_OWNER", "kal")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if cfg.Ollama.BaseURL != "http://other:11434" {
		t.Errorf("trailing slash not trimmed: %s", cfg.Ollama.BaseURL)
	}
	if cfg.Retrieval.EmbeddingDims != 384 {
		t.Errorf("dims = %d", cfg.Retrieval.EmbeddingDims)
	}
	if cfg.Retrieval.CostPerMTokensUSD != 0.02 {
		t.Errorf("cost = %f", cfg.Retrieval.CostPerMTokensUSD)
	}
	if cfg.Server.DefaultOwner != "kal" {
		t.Errorf("owner = %s", cfg.Server.DefaultOwner)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("MNEMA_PORT", "not-a-port")
	if _, err := Load(); err == nil {
		t.Error("bad port should fail")
	}

	t.Setenv("MNEMA_PORT", "")
	t.Setenv("MNEMA_EMBEDDING_DIMS", "-5")
	if _, err := Load(); err == nil {
		t.Error("negative dims should fail")
	}
}

func TestEnsureAPITokenPersists(t *testing.T) {
	dir := t.TempDir()
	cfg := defaults()
	cfg.Storage.DataDir = dir

	first, err := EnsureAPIToken(cfg)
	if err != nil {
		t.Fatalf("EnsureAPIToken: %v", err)
	}
	if len(first) != 64 {
		t.Errorf("token length = %d, want 64 hex chars", len(first))
	}

	second, err := EnsureAPIToken(cfg)
	if err != nil {
		t.Fatalf("second EnsureAPIToken: %v", err)
	}
	if second != first {
		t.Error("token not stable across runs")
	}

	info, err := os.Stat(filepath.Join(dir, "api_token"))
	if err != nil {
		t.Fatalf("stat token file: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("token file mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestEnsureAPITokenExplicitWins(t *testing.T) {
	cfg := defaults()
	cfg.Server.APIToken = "explicit"
	cfg.Storage.DataDir = t.TempDir()

	token, err := EnsureAPIToken(cfg)
	if err != nil {
		t.Fatalf("EnsureAPIToken: %v", err)
	}
	if token != "explicit" {
		t.Errorf("token = %s", token)
	}
	if _, err := os.Stat(filepath.Join(cfg.Storage.DataDir, "api_token")); !os.IsNotExist(err) {
		t.Error("explicit token should not be persisted")
	}
}
