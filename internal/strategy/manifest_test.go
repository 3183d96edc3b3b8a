package strategy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/tradingcore/marketcore/internal/risk"
)

func writeManifest(t *testing.T, dir, pluginDir, yamlBody string) {
	t.Helper()
	sub := filepath.Join(dir, pluginDir)
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(sub, "plugin.yaml"), []byte(yamlBody), 0o644); err != nil {
		t.Fatalf("write plugin.yaml: %v", err)
	}
}

func TestLoadManifestsParsesEachSubdirectory(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "foo", "name: foo\nversion: \"1.0.0\"\ndescription: test plugin\nparameters:\n  - name: period\n    type: int\n    min: 1\n    required: true\n")

	manifests, err := LoadManifests(dir)
	if err != nil {
		t.Fatalf("LoadManifests: %v", err)
	}
	m, ok := manifests["foo"]
	if !ok {
		t.Fatalf("expected manifest %q, got %v", "foo", manifests)
	}
	if m.Version != "1.0.0" || len(m.Parameters) != 1 || m.Parameters[0].Name != "period" {
		t.Errorf("unexpected manifest: %+v", m)
	}
}

func TestLoadManifestsSkipsSubdirectoryWithoutManifest(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "empty"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	manifests, err := LoadManifests(dir)
	if err != nil {
		t.Fatalf("LoadManifests: %v", err)
	}
	if len(manifests) != 0 {
		t.Errorf("expected no manifests, got %v", manifests)
	}
}

func TestReloadPluginsThenLoadStrategyValidatesParameters(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "gated", "name: gated\nversion: \"1.0.0\"\ndescription: gated test plugin\nparameters:\n  - name: period\n    type: int\n    min: 1\n    required: true\n")

	plugin := &recordingPlugin{}
	registerTestPlugin(t, "gated", plugin)

	stateStore := newMemStateStore()
	gate := risk.NewGate(newMemRiskStore())
	sched := NewScheduler(stateStore, gate, newTestAssembler())

	if err := sched.ReloadPlugins(dir); err != nil {
		t.Fatalf("ReloadPlugins: %v", err)
	}

	cfg := testConfig("s-missing-param")
	if err := sched.LoadStrategy(context.Background(), cfg, "gated"); err == nil {
		t.Error("expected LoadStrategy to fail on missing required parameter")
	}

	cfg2 := testConfig("s-with-param")
	cfg2.Parameters = map[string]interface{}{"period": float64(5)}
	if err := sched.LoadStrategy(context.Background(), cfg2, "gated"); err != nil {
		t.Errorf("LoadStrategy with valid parameters: %v", err)
	}
}

func TestReloadPluginsRejectsOutOfRangeParameter(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "ranged", "name: ranged\nversion: \"1.0.0\"\ndescription: range test plugin\nparameters:\n  - name: period\n    type: int\n    min: 10\n    required: true\n")

	plugin := &recordingPlugin{}
	registerTestPlugin(t, "ranged", plugin)

	stateStore := newMemStateStore()
	gate := risk.NewGate(newMemRiskStore())
	sched := NewScheduler(stateStore, gate, newTestAssembler())

	if err := sched.ReloadPlugins(dir); err != nil {
		t.Fatalf("ReloadPlugins: %v", err)
	}

	cfg := testConfig("s-below-min")
	cfg.Parameters = map[string]interface{}{"period": float64(2)}
	if err := sched.LoadStrategy(context.Background(), cfg, "ranged"); err == nil {
		t.Error("expected LoadStrategy to fail on below-minimum parameter")
	}
}
