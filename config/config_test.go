package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadParsesYAMLAndAppliesEnvDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relaycache.yaml")
	yaml := `
origins:
  - origin: https://origin.example.test
    rules:
      - prefix: /wp-
        override: no-cache
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("writing fixture config: %v", err)
	}

	file, engine, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(file.Origins) != 1 || file.Origins[0].Origin != "https://origin.example.test" {
		t.Fatalf("expected one parsed origin, got %+v", file.Origins)
	}
	if len(file.Origins[0].Rules) != 1 || file.Origins[0].Rules[0].Override != "no-cache" {
		t.Fatalf("expected the origin's rule to parse, got %+v", file.Origins[0].Rules)
	}
	if engine.MaxObjectSizeBytes != 8192 {
		t.Fatalf("expected the env default of 8192, got %d", engine.MaxObjectSizeBytes)
	}
	if engine.StoreDriver != "memory" {
		t.Fatalf("expected the env default store driver of memory, got %q", engine.StoreDriver)
	}
}

func TestLoadEnvOverridesDefault(t *testing.T) {
	t.Setenv("RELAYCACHE_STORE_DRIVER", "redis")
	t.Setenv("RELAYCACHE_MAX_OBJECT_SIZE_BYTES", "4096")

	_, engine, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if engine.StoreDriver != "redis" {
		t.Fatalf("expected env override to set store driver to redis, got %q", engine.StoreDriver)
	}
	if engine.MaxObjectSizeBytes != 4096 {
		t.Fatalf("expected env override to set max object size to 4096, got %d", engine.MaxObjectSizeBytes)
	}
}

func TestLoadMissingFileIsNotAnError(t *testing.T) {
	file, _, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("expected a missing config file to be tolerated, got %v", err)
	}
	if len(file.Origins) != 0 {
		t.Fatalf("expected an empty File for a missing config file, got %+v", file.Origins)
	}
}
