package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"taskctl/internal/trigger"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

func TestParseYAMLCatalog(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "catalog.yaml", `
resource_groups:
  - name: default
    max_concurrent: 2
jobs:
  - id: job-a
    name: Job A
    enabled: true
    priority: 0
    resource_group: default
    trigger:
      kind: interval
      interval: 60s
    command: ["echo", "hi"]
scheduler:
  tick_interval: 1s
  mode: auto
`)

	m := NewManager(path)
	cat, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(cat.Jobs) != 1 || cat.Jobs[0].ID != "job-a" {
		t.Fatalf("unexpected jobs: %+v", cat.Jobs)
	}
	if cat.Jobs[0].Trigger.Kind != trigger.KindInterval {
		t.Fatalf("unexpected trigger kind: %v", cat.Jobs[0].Trigger.Kind)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "catalog.yaml", `
resource_groups: []
jobs: []
bogus_top_level_key: true
`)
	m := NewManager(path)
	if _, err := m.Parse(); err == nil {
		t.Fatalf("expected strict-decode error for unknown field")
	}
}

func TestValidateRejectsUnknownResourceGroup(t *testing.T) {
	cat := &Catalog{
		ResourceGroups: []ResourceGroup{{Name: "default", MaxConcurrent: 1}},
		Jobs: []Job{{
			ID: "j1", ResourceGroup: "missing",
			Trigger: trigger.Spec{Kind: trigger.KindInterval, Interval: 1},
		}},
	}
	if err := Validate(cat); err == nil {
		t.Fatalf("expected error for unknown resource group")
	}
}

func TestValidateRequiresWindowForSuccessRepeat(t *testing.T) {
	cat := &Catalog{
		ResourceGroups: []ResourceGroup{{Name: "default", MaxConcurrent: 1}},
		Jobs: []Job{{
			ID: "j1", ResourceGroup: "default",
			Trigger: trigger.Spec{Kind: trigger.KindInterval, Interval: 1},
			Retry:   RetryPolicy{SuccessRepeatWithinWindow: true},
		}},
	}
	if err := Validate(cat); err == nil {
		t.Fatalf("expected error for success_repeat_within_window without a window")
	}
}

func TestEffectiveStepsSynthesizesCommandExec(t *testing.T) {
	j := Job{Command: []string{"echo", "hi"}, WorkingDirectory: "/tmp"}
	steps := j.EffectiveSteps()
	if len(steps) != 1 || steps[0].CommandExec == nil {
		t.Fatalf("expected one synthesized command_exec step, got %+v", steps)
	}
	if steps[0].CommandExec.WorkingDirectory != "/tmp" {
		t.Fatalf("working directory not carried over: %+v", steps[0].CommandExec)
	}
}
