package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
)

const testConfig = `
log:
  level: error
phases:
  - number: 1
    name: 概念
  - number: 2
    name: EVT
    conditions:
      - kind: gate
        gate_type: evt
`

const testTemplates = `
checklist_templates:
  - id: evt-basic
    name: EVT 基础检查
    gate_type: evt
    items:
      - description: 外观无划痕
        severity: minor
      - description: 上电正常
`

func setupCLI(t *testing.T) (cfgPath, dbPath, dir string) {
	t.Helper()
	color.NoColor = true
	dir = t.TempDir()
	cfgPath = filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(testConfig), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return cfgPath, filepath.Join(dir, "phasegate.db"), dir
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestCLI_EndToEnd(t *testing.T) {
	cfgPath, dbPath, dir := setupCLI(t)
	common := []string{"--config", cfgPath, "--sqlite", dbPath}

	out, err := runCLI(t, append([]string{"migrate"}, common...)...)
	if err != nil {
		t.Fatalf("migrate: %v\n%s", err, out)
	}

	tplPath := filepath.Join(dir, "templates.yaml")
	if err := os.WriteFile(tplPath, []byte(testTemplates), 0o644); err != nil {
		t.Fatalf("write templates: %v", err)
	}
	out, err = runCLI(t, append([]string{"templates", "import", tplPath}, common...)...)
	if err != nil {
		t.Fatalf("templates import: %v\n%s", err, out)
	}
	if !strings.Contains(out, "imported 1 template(s)") {
		t.Errorf("unexpected import output: %s", out)
	}

	out, err = runCLI(t, append([]string{"templates", "list", "evt"}, common...)...)
	if err != nil || !strings.Contains(out, "evt-basic") {
		t.Fatalf("templates list: %v\n%s", err, out)
	}

	out, err = runCLI(t, append([]string{"phase", "list"}, common...)...)
	if err != nil {
		t.Fatalf("phase list: %v\n%s", err, out)
	}
	if !strings.Contains(out, "1  概念") || !strings.Contains(out, "requires gate:evt") {
		t.Errorf("unexpected phase list output:\n%s", out)
	}

	out, err = runCLI(t, append([]string{"phase", "start", "proj-cli", "--by", "ops-1"}, common...)...)
	if err != nil {
		t.Fatalf("phase start: %v\n%s", err, out)
	}

	out, err = runCLI(t, append([]string{"phase", "advance", "proj-cli", "--by", "ops-1"}, common...)...)
	if err != nil || !strings.Contains(out, "advanced to phase 2") {
		t.Fatalf("first advance: %v\n%s", err, out)
	}

	out, err = runCLI(t, append([]string{"phase", "advance", "proj-cli", "--by", "ops-1"}, common...)...)
	if err != nil {
		t.Fatalf("second advance: %v\n%s", err, out)
	}
	if !strings.Contains(out, "stays in phase 2") || !strings.Contains(out, "evt") {
		t.Errorf("expected blocked output naming the evt gate, got:\n%s", out)
	}

	out, err = runCLI(t, append([]string{"phase", "show", "proj-cli"}, common...)...)
	if err != nil {
		t.Fatalf("phase show: %v\n%s", err, out)
	}
	for _, want := range []string{"Project: proj-cli", "Phase:  阶段2(EVT)", "Status: blocked", "Blocking reasons:"} {
		if !strings.Contains(out, want) {
			t.Errorf("phase show output missing %q:\n%s", want, out)
		}
	}

	xlsx := filepath.Join(dir, "audit.xlsx")
	out, err = runCLI(t, append([]string{"transitions", "export", "proj-cli", "-o", xlsx}, common...)...)
	if err != nil {
		t.Fatalf("transitions export: %v\n%s", err, out)
	}
	if info, err := os.Stat(xlsx); err != nil || info.Size() == 0 {
		t.Fatalf("expected non-empty %s: %v", xlsx, err)
	}
}

func TestCLI_Errors(t *testing.T) {
	cfgPath, dbPath, _ := setupCLI(t)
	common := []string{"--config", cfgPath, "--sqlite", dbPath}

	if _, err := runCLI(t, append([]string{"migrate"}, common...)...); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	if _, err := runCLI(t, append([]string{"phase", "advance", "proj-cli"}, common...)...); err == nil {
		t.Error("advance without --by should fail")
	}
	if _, err := runCLI(t, append([]string{"phase", "show", "missing"}, common...)...); err == nil {
		t.Error("show of an unknown project should fail")
	}
	if _, err := runCLI(t, append([]string{"phase", "start", "proj-cli", "--by", "ops-1"}, common...)...); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := runCLI(t, append([]string{"phase", "start", "proj-cli", "--by", "ops-1"}, common...)...); err == nil {
		t.Error("starting a project twice should fail")
	}
	if _, err := runCLI(t, "phase", "show", "proj-cli", "--config", filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("a missing --config file should fail")
	}
}

func TestReadTemplateFile(t *testing.T) {
	dir := t.TempDir()

	listPath := filepath.Join(dir, "list.yaml")
	os.WriteFile(listPath, []byte("- id: dvt\n  name: DVT\n  items:\n    - description: 跌落\n      severity: critical\n"), 0o644)
	got, err := readTemplateFile(listPath)
	if err != nil {
		t.Fatalf("list form: %v", err)
	}
	if len(got) != 1 || got[0].ID != "dvt" || got[0].Items[0].Severity != "critical" {
		t.Errorf("unexpected list parse: %+v", got)
	}

	docPath := filepath.Join(dir, "doc.yaml")
	os.WriteFile(docPath, []byte(testTemplates), 0o644)
	got, err = readTemplateFile(docPath)
	if err != nil || len(got) != 1 || len(got[0].Items) != 2 {
		t.Fatalf("document form: %v %+v", err, got)
	}

	emptyPath := filepath.Join(dir, "empty.yaml")
	os.WriteFile(emptyPath, []byte("checklist_templates: []\n"), 0o644)
	if _, err := readTemplateFile(emptyPath); err == nil {
		t.Error("expected error for a file without templates")
	}

	if _, err := readTemplateFile(filepath.Join(dir, "nope.yaml")); err == nil {
		t.Error("expected error for a missing file")
	}
}
