package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/efebarandurmaz/katbot/internal/config"
	"github.com/efebarandurmaz/katbot/internal/graph"
	"github.com/efebarandurmaz/katbot/internal/graph/memory"
)

func writeFixture(t *testing.T) string {
	t.Helper()
	s := memory.New()
	s.AddEdge("Opprydning", "Vedlikehold")
	s.SetHidden("Artikler_uten_kilder")
	s.AddPage(1, "Ole_Nordmann", "Fødsler_i_1950")

	data, err := json.Marshal(s.Snapshot())
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "fixture.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func fixtureConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	if err != nil {
		t.Fatal(err)
	}
	cfg.Store.Driver = "fixture"
	cfg.Store.DSN = writeFixture(t)
	cfg.Cache.Dir = t.TempDir()
	return cfg
}

func TestSetup_Fixture(t *testing.T) {
	ctx := context.Background()
	a, err := Setup(ctx, fixtureConfig(t), nil)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	defer a.Close(ctx)

	if a.RunID == "" {
		t.Error("run id should be set")
	}
	if a.Wiki != nil || a.Sink() != nil {
		t.Error("no wiki client expected without api url")
	}
	if a.Pusher != nil {
		t.Error("no pusher expected without a pushgateway url")
	}

	hidden, err := a.Store.HiddenCategories(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !hidden.Has("Artikler_uten_kilder") {
		t.Errorf("hidden = %v", hidden.Sorted())
	}

	deps := a.PipelineDeps()
	if deps.Backend != "fixture" || deps.Store == nil || deps.Cache == nil {
		t.Errorf("unexpected deps: %+v", deps)
	}
}

func TestSetup_WithWiki(t *testing.T) {
	cfg := fixtureConfig(t)
	cfg.Wiki.APIURL = "https://no.wikipedia.org/w/api.php"
	cfg.Metrics.PushgatewayURL = "http://localhost:9091"

	ctx := context.Background()
	a, err := Setup(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	defer a.Close(ctx)

	if a.Sink() == nil {
		t.Error("wiki sink expected")
	}
	if a.Pusher == nil {
		t.Error("pusher expected")
	}
}

func TestSetup_InvalidConfig(t *testing.T) {
	cfg := fixtureConfig(t)
	cfg.Closure.Policy = "prune"
	if _, err := Setup(context.Background(), cfg, nil); err == nil {
		t.Error("expected error for invalid policy")
	}
}

func TestSetup_MissingFixture(t *testing.T) {
	cfg := fixtureConfig(t)
	cfg.Store.DSN = filepath.Join(t.TempDir(), "missing.json")

	_, err := Setup(context.Background(), cfg, nil)
	if !errors.Is(err, graph.ErrDataAccess) {
		t.Errorf("expected ErrDataAccess, got %v", err)
	}
}

func TestResolveSecrets(t *testing.T) {
	cfg := fixtureConfig(t)
	cfg.Store.Password = "explicit"
	t.Setenv("KATBOT_WIKI_PASSWORD", "bot-secret")
	t.Setenv("KATBOT_STORE_PASSWORD", "db-secret")

	if err := ResolveSecrets(context.Background(), cfg, slog.Default()); err != nil {
		t.Fatal(err)
	}
	if cfg.Wiki.Password != "bot-secret" {
		t.Errorf("wiki password = %q", cfg.Wiki.Password)
	}
	if cfg.Store.Password != "explicit" {
		t.Errorf("explicit store password was overwritten: %q", cfg.Store.Password)
	}
}
