package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeApp(t *testing.T, script string) string {
	t.Helper()
	appDir := t.TempDir()
	if err := os.Mkdir(filepath.Join(appDir, "conf"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(appDir, "main.js"), []byte(script), 0o644); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(appDir, "conf", "jsgate.yaml")
	if err := os.WriteFile(path, []byte("engine:\n  main: main.js\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestCheckCommand(t *testing.T) {
	cases := []struct {
		name    string
		script  string
		wantErr bool
	}{
		{"valid", `export function handle(req) {}`, false},
		{"missing entry point", `export function other() {}`, true},
		{"syntax error", `export function handle( {`, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cmd := checkCmd()
			var out bytes.Buffer
			cmd.SetOut(&out)
			cmd.SetErr(&out)
			cmd.SetArgs([]string{"--config", writeApp(t, tc.script)})
			err := cmd.Execute()
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, output %q", out.String())
				}
				return
			}
			if err != nil {
				t.Fatalf("check: %v", err)
			}
			if !strings.HasPrefix(out.String(), "ok: ") {
				t.Fatalf("output = %q", out.String())
			}
		})
	}
}

func TestVersionCommand(t *testing.T) {
	cmd := versionCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--short"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("version: %v", err)
	}
	if got := strings.TrimSpace(out.String()); got != version {
		t.Fatalf("version = %q, want %q", got, version)
	}
}
