package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadEnvMissingFile(t *testing.T) {
	if err := LoadEnv(filepath.Join(t.TempDir(), "nope.env")); err != nil {
		t.Fatalf("expected missing file to be ignored, got %v", err)
	}
}

func TestLoadEnvParsesAndSkipsExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	body := "# comment\nTEST_ENV_A=one\nTEST_ENV_B=\"quoted\"\nTEST_ENV_EXISTING=file\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write env: %v", err)
	}
	t.Setenv("TEST_ENV_EXISTING", "process")
	defer func() {
		os.Unsetenv("TEST_ENV_A")
		os.Unsetenv("TEST_ENV_B")
	}()

	if err := LoadEnv(path); err != nil {
		t.Fatalf("load env: %v", err)
	}
	if got := os.Getenv("TEST_ENV_A"); got != "one" {
		t.Fatalf("expected one, got %q", got)
	}
	if got := os.Getenv("TEST_ENV_B"); got != "quoted" {
		t.Fatalf("expected quotes stripped, got %q", got)
	}
	if got := os.Getenv("TEST_ENV_EXISTING"); got != "process" {
		t.Fatalf("expected existing env preserved, got %q", got)
	}
}

func TestCredentialsPresent(t *testing.T) {
	if CredentialsPresent("upbit") {
		t.Fatalf("expected no credentials in clean env")
	}
	t.Setenv("UPBIT_API_KEY", "key")
	if CredentialsPresent("upbit") {
		t.Fatalf("expected key alone to be insufficient")
	}
	t.Setenv("UPBIT_API_SECRET", "secret")
	if !CredentialsPresent("upbit") {
		t.Fatalf("expected credentials present with key and secret")
	}
}
