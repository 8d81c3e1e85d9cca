package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"cartsync/internal/config"
)

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer

	newLogger(&buf, "warn", "development").Info("hidden")
	if buf.Len() != 0 {
		t.Errorf("info logged at warn level: %s", buf.String())
	}

	newLogger(&buf, "", "production").Info("shown", "k", "v")
	if !strings.HasPrefix(buf.String(), "{") || !strings.Contains(buf.String(), `"k":"v"`) {
		t.Errorf("production output = %s, want JSON", buf.String())
	}
}

func TestOpenRepositoryMemory(t *testing.T) {
	repo, closeRepo, err := openRepository(context.Background(), &config.Config{Repository: config.RepoMemory})
	if err != nil {
		t.Fatal(err)
	}
	defer closeRepo()

	rec, err := repo.Get(context.Background(), "alice")
	if err != nil || len(rec.Lines) != 0 {
		t.Errorf("Get = %+v, %v", rec, err)
	}
}

func TestBuildVerifierStaticTokens(t *testing.T) {
	cfg := &config.Config{Secrets: config.Secrets{StaticTokens: map[string]string{"tok": "alice"}}}

	v, err := buildVerifier(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	if user, err := v.Verify(context.Background(), "tok"); err != nil || user != "alice" {
		t.Errorf("Verify = %q, %v", user, err)
	}
}

func TestLoadCatalogDefaultsToDemo(t *testing.T) {
	cat, err := loadCatalog(&config.Config{})
	if err != nil {
		t.Fatal(err)
	}
	if len(cat.Products()) == 0 {
		t.Error("demo catalog is empty")
	}
}
