package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"Strata/config"
	"Strata/core/auth"
)

func testConfig(t *testing.T) *config.Config {
	dir := t.TempDir()
	return &config.Config{
		ComposeBaseURL:    "http://127.0.0.1:1",
		SecretsFile:       filepath.Join(dir, "secrets.env"),
		PollInterval:      10 * time.Millisecond,
		GenerationTimeout: time.Second,
		AutoPlayDelay:     -1,
		AssetCacheDir:     filepath.Join(dir, "cache"),
		AudioOutput:       false,
		JWTSecret:         "test-secret",
	}
}

func TestNewLocalOnly(t *testing.T) {
	a, err := New(context.Background(), testConfig(t), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	if a.Store != nil || a.DB != nil || a.Redis != nil {
		t.Error("remote persistence should be disabled without DB_HOST")
	}
	if a.Composer.HasAPIKey() {
		t.Error("no api key was configured")
	}

	token, err := a.Tokens.Issue(auth.Identity{UserID: "u1", Name: "Ada"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.Sessions.Establish(context.Background(), token); err != nil {
		t.Fatalf("Establish: %v", err)
	}
	if id, ok := a.Sessions.Current(); !ok || id.UserID != "u1" {
		t.Errorf("Current = %+v, %v", id, ok)
	}
	if n := len(a.Studio.Layers()); n != 0 {
		t.Errorf("layers = %d", n)
	}
}

func TestCloseIsSafeTwice(t *testing.T) {
	a, err := New(context.Background(), testConfig(t), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
