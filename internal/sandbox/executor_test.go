package sandbox

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"cage/internal/model"
	"cage/pkg/models"
)

// skipIfNoDocker skips container-backed tests when no Docker daemon is
// reachable.
func skipIfNoDocker(t *testing.T) {
	t.Helper()
	if err := exec.Command("docker", "info").Run(); err != nil {
		t.Skip("Docker not available, skipping sandbox integration tests")
	}
}

func TestBuildExecArgsPerLanguage(t *testing.T) {
	cases := []struct {
		lang model.Language
		want []string
	}{
		{model.LanguagePython, []string{"python", "-u", "/mnt/data/exec_1.py"}},
		{model.LanguageJavascript, []string{"node", "/mnt/data/exec_1.js"}},
		{model.LanguageBash, []string{"bash", "/mnt/data/exec_1.sh"}},
		{model.LanguageR, []string{"Rscript", "--vanilla", "/mnt/data/exec_1.R"}},
		{model.LanguageJulia, []string{"julia", "/mnt/data/exec_1.jl"}},
		{model.LanguageRuby, []string{"ruby", "/mnt/data/exec_1.rb"}},
		{model.LanguageWasm, []string{"wasmtime", "run", "--dir=/mnt/data", "/mnt/data/exec_1.wasm"}},
	}

	for _, tc := range cases {
		path := "/mnt/data/exec_1." + tc.lang.FileExtension()
		got := buildExecArgs(tc.lang, path, nil)
		if len(got) != len(tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.lang, tc.want, got)
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Fatalf("%s: expected %v, got %v", tc.lang, tc.want, got)
			}
		}
	}
}

func TestBuildExecArgsTypescriptSandboxesDenoPermissions(t *testing.T) {
	args := buildExecArgs(model.LanguageTypescript, "/mnt/data/exec_1.ts", nil)
	wantPrefix := []string{"deno", "run", "--allow-read=/mnt/data", "--allow-write=/mnt/data"}
	for i, w := range wantPrefix {
		if args[i] != w {
			t.Fatalf("expected %v, got %v", wantPrefix, args)
		}
	}
}

func TestBuildExecArgsGoUsesWorkspaceCache(t *testing.T) {
	args := buildExecArgs(model.LanguageGo, "/mnt/data/exec_1.go", nil)
	if len(args) != 3 || args[0] != "bash" || args[1] != "-c" {
		t.Fatalf("expected bash -c wrapper for go, got %v", args)
	}
	if !contains(args[2], "GOCACHE=/mnt/data/.gocache") {
		t.Errorf("expected go run to set a writable GOCACHE, got %q", args[2])
	}
}

func TestDetectNewFilesExcludesExecutionScripts(t *testing.T) {
	workspace := t.TempDir()
	session := NewSession("erin", model.LanguagePython, workspace, models.DefaultResourceLimits(), models.DefaultNetworkPolicy())

	_ = os.WriteFile(filepath.Join(workspace, "exec_abc.py"), []byte("x"), 0o644)
	_ = os.WriteFile(filepath.Join(workspace, "output.txt"), []byte("y"), 0o644)

	e := &Executor{}
	files := e.detectNewFiles(session)

	if len(files) != 1 || files[0] != "output.txt" {
		t.Fatalf("expected only output.txt, got %v", files)
	}
}

func contains(s, sub string) bool {
	return len(s) >= len(sub) && (func() bool {
		for i := 0; i+len(sub) <= len(s); i++ {
			if s[i:i+len(sub)] == sub {
				return true
			}
		}
		return false
	})()
}
