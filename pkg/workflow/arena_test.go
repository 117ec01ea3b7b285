package workflow

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/openfroyo/provisioner/pkg/engine"
	"github.com/openfroyo/provisioner/pkg/tool"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestArenaPrepare(t *testing.T) {
	template := t.TempDir()
	writeFile(t, filepath.Join(template, "main.tf"), "module")
	writeFile(t, filepath.Join(template, "modules", "vpc", "main.tf"), "vpc")
	writeFile(t, filepath.Join(template, ".terraform", "providers", "aws"), "cache")
	writeFile(t, filepath.Join(template, StateFile), "template state")

	a := newArena(t.TempDir(), "demo-1")
	digest, err := a.prepare(template, []byte(`{"cluster_name":"demo-1"}`), []byte(`{"serial":7}`))
	if err != nil {
		t.Fatalf("prepare failed: %v", err)
	}
	if digest == "" {
		t.Error("expected template digest")
	}

	for name, want := range map[string]string{
		"main.tf":             "module",
		"modules/vpc/main.tf": "vpc",
		VarsFile:              `{"cluster_name":"demo-1"}`,
		StateFile:             `{"serial":7}`,
	} {
		got, err := os.ReadFile(a.path(filepath.FromSlash(name)))
		if err != nil {
			t.Errorf("%s: %v", name, err)
			continue
		}
		if string(got) != want {
			t.Errorf("%s: expected %q, got %q", name, want, got)
		}
	}

	if _, err := os.Stat(a.path(".terraform")); !os.IsNotExist(err) {
		t.Error("module cache of the template must not be copied")
	}
}

func TestArenaPrepareResetsPreviousAttempt(t *testing.T) {
	template := t.TempDir()
	writeFile(t, filepath.Join(template, "main.tf"), "module")

	a := newArena(t.TempDir(), "demo-1")
	writeFile(t, a.path(StateFile), "stale state")
	writeFile(t, a.path(tool.PlanFile), "old plan")
	writeFile(t, a.path(".terraform/providers/aws"), "cache")

	if _, err := a.prepare(template, []byte("{}"), nil); err != nil {
		t.Fatalf("prepare failed: %v", err)
	}

	if state, _ := a.readState(); state != nil {
		t.Errorf("expected no state without a stored one, got %q", state)
	}
	if plan, _ := a.readPlan(); plan != nil {
		t.Errorf("expected leftover plan to be removed, got %q", plan)
	}
	if _, err := os.Stat(a.path(".terraform/providers/aws")); err != nil {
		t.Errorf("expected the arena module cache to survive: %v", err)
	}
}

func TestArenaPrepareDropsRemovedTemplateFiles(t *testing.T) {
	template := t.TempDir()
	writeFile(t, filepath.Join(template, "main.tf"), "module")
	writeFile(t, filepath.Join(template, "extra.tf"), "resource")
	writeFile(t, filepath.Join(template, "modules", "old", "main.tf"), "old")

	a := newArena(t.TempDir(), "demo-1")
	if _, err := a.prepare(template, []byte("{}"), nil); err != nil {
		t.Fatalf("first prepare failed: %v", err)
	}
	writeFile(t, a.path(".terraform/providers/aws"), "cache")
	if err := a.markInitialized("hash"); err != nil {
		t.Fatal(err)
	}

	if err := os.Remove(filepath.Join(template, "extra.tf")); err != nil {
		t.Fatal(err)
	}
	if err := os.RemoveAll(filepath.Join(template, "modules", "old")); err != nil {
		t.Fatal(err)
	}
	if _, err := a.prepare(template, []byte("{}"), nil); err != nil {
		t.Fatalf("second prepare failed: %v", err)
	}

	for _, name := range []string{"extra.tf", "modules/old/main.tf"} {
		if _, err := os.Stat(a.path(filepath.FromSlash(name))); !os.IsNotExist(err) {
			t.Errorf("%s removed from the template is still in the arena: %v", name, err)
		}
	}
	if _, err := os.Stat(a.path("main.tf")); err != nil {
		t.Errorf("expected main.tf to be copied: %v", err)
	}
	if _, err := os.Stat(a.path(".terraform/providers/aws")); err != nil {
		t.Errorf("expected the arena module cache to survive: %v", err)
	}
	if !a.initializedFor("hash") {
		t.Error("expected the init marker to survive")
	}
}

func TestArenaDigestFollowsTemplate(t *testing.T) {
	template := t.TempDir()
	writeFile(t, filepath.Join(template, "main.tf"), "v1")

	a := newArena(t.TempDir(), "demo-1")
	first, err := a.prepare(template, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	again, err := a.prepare(template, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if first != again {
		t.Error("digest must be stable for an unchanged template")
	}

	writeFile(t, filepath.Join(template, "main.tf"), "v2")
	changed, err := a.prepare(template, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if changed == first {
		t.Error("digest must change with the template")
	}

	if configHash(first, []byte("a")) == configHash(first, []byte("b")) {
		t.Error("config hash must depend on the rendered variables")
	}
}

func TestArenaInitMarker(t *testing.T) {
	a := newArena(t.TempDir(), "demo-1")
	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		t.Fatal(err)
	}

	if a.initializedFor("abc") {
		t.Error("fresh arena is not initialized")
	}
	if err := a.markInitialized("abc"); err != nil {
		t.Fatal(err)
	}
	if !a.initializedFor("abc") || a.initializedFor("def") {
		t.Error("marker must match only its config hash")
	}
	if err := a.clearInitialized(); err != nil {
		t.Fatal(err)
	}
	if a.initializedFor("abc") {
		t.Error("expected marker to be cleared")
	}

	if err := a.remove(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(a.dir); !os.IsNotExist(err) {
		t.Errorf("expected arena to be gone, got %v", err)
	}
}

func TestResumeCheckpoint(t *testing.T) {
	pending := engine.ChangesPendingOutcome(2)
	saved := &Checkpoint{
		ConfigHash:  "h1",
		Mode:        engine.ModeApply,
		Initialized: true,
		Plan:        []byte("plan"),
		PlanOutcome: &pending,
	}

	tests := []struct {
		name     string
		prev     *Checkpoint
		hash     string
		mode     engine.Mode
		wantInit bool
		wantPlan bool
	}{
		{name: "no checkpoint", prev: nil, hash: "h1", mode: engine.ModeApply},
		{name: "same config and mode", prev: saved, hash: "h1", mode: engine.ModeApply, wantInit: true, wantPlan: true},
		{name: "other mode keeps init only", prev: saved, hash: "h1", mode: engine.ModeDestroy, wantInit: true},
		{name: "changed config", prev: saved, hash: "h2", mode: engine.ModeApply},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cp := resume(tt.prev, tt.hash, tt.mode)
			if cp.ConfigHash != tt.hash || cp.Mode != tt.mode {
				t.Errorf("expected checkpoint for %s/%s, got %+v", tt.hash, tt.mode, cp)
			}
			if cp.Initialized != tt.wantInit {
				t.Errorf("expected initialized=%v, got %v", tt.wantInit, cp.Initialized)
			}
			if cp.hasPlan() != tt.wantPlan {
				t.Errorf("expected plan=%v, got %v", tt.wantPlan, cp.hasPlan())
			}
		})
	}
}

func TestCheckpointEncoding(t *testing.T) {
	cp, err := DecodeCheckpoint(nil)
	if err != nil || cp != nil {
		t.Errorf("expected nil checkpoint for no data, got %+v, %v", cp, err)
	}

	if _, err := DecodeCheckpoint([]byte("{broken")); err == nil {
		t.Error("expected decode error")
	}

	orig := &Checkpoint{ConfigHash: "h1", Mode: engine.ModeDestroy, Initialized: true}
	orig.savePlan([]byte{0x50, 0x4b, 0x03, 0x04}, engine.ChangesPendingOutcome(2))
	data, err := orig.Encode()
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := DecodeCheckpoint(data)
	if err != nil {
		t.Fatal(err)
	}
	if !decoded.hasPlan() || string(decoded.Plan) != string(orig.Plan) {
		t.Errorf("expected binary plan to survive encoding, got %+v", decoded)
	}

	decoded.discardPlan()
	if decoded.hasPlan() {
		t.Error("expected plan to be discarded")
	}
}
