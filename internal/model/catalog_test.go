package model

import (
	"os"
	"path/filepath"
	"testing"
)

func writeModelFile(t *testing.T, dir, name string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte("model-bytes"), 0o644); err != nil {
		t.Fatalf("write model file: %v", err)
	}
}

func TestCatalogListDerivesInstalledAndActive(t *testing.T) {
	dir := t.TempDir()
	writeModelFile(t, dir, "ggml-base.en.bin")
	writeModelFile(t, dir, "foo.bin")

	c := NewCatalog(dir, "ggml-base.en.bin")
	list := c.List()
	if len(list) != len(knownModels)+1 {
		t.Fatalf("expected %d entries, got %d", len(knownModels)+1, len(list))
	}

	byName := map[string]int{}
	for i, m := range list {
		byName[m.FileName] = i
	}

	base := list[byName["ggml-base.en.bin"]]
	if !base.Installed || !base.Active {
		t.Fatalf("base.en should be installed and active: %+v", base)
	}
	if base.DownloadURL == "" {
		t.Fatalf("catalog models should carry a download URL")
	}

	tiny := list[byName["ggml-tiny.en.bin"]]
	if tiny.Installed || tiny.Active {
		t.Fatalf("tiny.en should be neither installed nor active: %+v", tiny)
	}

	custom := list[byName["foo.bin"]]
	if !custom.Installed || custom.Active {
		t.Fatalf("custom model flags wrong: %+v", custom)
	}
	if custom.Quality != "custom" || custom.Label != "foo" {
		t.Fatalf("custom model metadata wrong: %+v", custom)
	}
}

func TestCatalogActivePrefersCatalogOrder(t *testing.T) {
	dir := t.TempDir()
	writeModelFile(t, dir, "ggml-tiny.en.bin")
	writeModelFile(t, dir, "ggml-small.en.bin")

	c := NewCatalog(dir, "")
	if got := c.Active(); got != "ggml-small.en.bin" {
		t.Fatalf("expected small.en to win by catalog order, got %q", got)
	}
}

func TestCatalogActiveFallsBackWhenNothingInstalled(t *testing.T) {
	c := NewCatalog(t.TempDir(), "")
	if got := c.Active(); got != fallbackModel {
		t.Fatalf("expected %q, got %q", fallbackModel, got)
	}
}

func TestResolveForUseActiveInstalled(t *testing.T) {
	dir := t.TempDir()
	writeModelFile(t, dir, "ggml-base.en.bin")

	c := NewCatalog(dir, "ggml-base.en.bin")
	desc, switchedFrom, err := c.ResolveForUse()
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if desc.FileName != "ggml-base.en.bin" || switchedFrom != "" {
		t.Fatalf("unexpected resolution: %+v switchedFrom=%q", desc, switchedFrom)
	}
}

func TestResolveForUseFallsBackToInstalled(t *testing.T) {
	dir := t.TempDir()
	writeModelFile(t, dir, "ggml-base.en.bin")

	c := NewCatalog(dir, "ggml-medium.en.bin")
	desc, switchedFrom, err := c.ResolveForUse()
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if desc.FileName != "ggml-base.en.bin" {
		t.Fatalf("expected fallback to base.en, got %q", desc.FileName)
	}
	if switchedFrom != "ggml-medium.en.bin" {
		t.Fatalf("expected switchedFrom to name the missing model, got %q", switchedFrom)
	}
}

func TestResolveForUseNothingInstalled(t *testing.T) {
	c := NewCatalog(t.TempDir(), "ggml-base.en.bin")
	if _, _, err := c.ResolveForUse(); err == nil {
		t.Fatal("expected an error with no installed models")
	}
}

func TestLookupCoversCustomModels(t *testing.T) {
	dir := t.TempDir()
	writeModelFile(t, dir, "foo.bin")

	c := NewCatalog(dir, "")
	if _, ok := c.Lookup("ggml-base.en.bin"); !ok {
		t.Fatal("catalog models should always resolve")
	}
	desc, ok := c.Lookup("foo.bin")
	if !ok || desc.Quality != "custom" {
		t.Fatalf("custom lookup failed: %+v ok=%v", desc, ok)
	}
	if _, ok := c.Lookup("missing.bin"); ok {
		t.Fatal("unknown uninstalled file should not resolve")
	}
}
