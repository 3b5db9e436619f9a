package analysis

import (
	"testing"

	"cage/internal/model"
)

func TestPythonAnalysis(t *testing.T) {
	a := New(false)

	safe := a.Analyze("print('hello')", model.LanguagePython)
	if safe.RiskLevel != model.RiskSafe {
		t.Errorf("expected safe risk level, got %v", safe.RiskLevel)
	}
	if len(safe.Warnings) != 0 {
		t.Errorf("expected no warnings for safe code, got %d", len(safe.Warnings))
	}

	medium := a.Analyze("import os\nos.system('rm -rf /')", model.LanguagePython)
	if medium.RiskLevel != model.RiskMedium {
		t.Errorf("expected medium risk, got %v", medium.RiskLevel)
	}
	if len(medium.Warnings) == 0 {
		t.Errorf("expected warnings for os.system usage")
	}

	high := a.Analyze("eval(user_input)", model.LanguagePython)
	if high.RiskLevel != model.RiskHigh {
		t.Errorf("expected high risk for eval, got %v", high.RiskLevel)
	}
}

func TestBashAnalysisBlocksCriticalInStrictMode(t *testing.T) {
	a := New(true)

	result := a.Analyze(":(){ :|:& };:", model.LanguageBash)
	if result.RiskLevel != model.RiskCritical {
		t.Fatalf("expected critical risk for fork bomb, got %v", result.RiskLevel)
	}
	if !result.Blocked {
		t.Errorf("expected strict analyzer to block a critical finding")
	}
}

func TestBashAnalysisWarnsWithoutBlockingWhenNotStrict(t *testing.T) {
	a := New(false)

	result := a.Analyze("sudo rm -rf /", model.LanguageBash)
	if result.RiskLevel != model.RiskCritical {
		t.Fatalf("expected critical risk for sudo usage, got %v", result.RiskLevel)
	}
	if result.Blocked {
		t.Errorf("non-strict analyzer must never block")
	}
}

func TestWasmIsAlwaysSafe(t *testing.T) {
	a := New(true)
	result := a.Analyze("(module (func $main))", model.LanguageWasm)
	if result.RiskLevel != model.RiskSafe || result.Blocked {
		t.Errorf("wasm submissions should never be flagged: %+v", result)
	}
}

func TestTypeScriptInheritsJavaScriptRules(t *testing.T) {
	a := New(false)
	result := a.Analyze("eval('2+2')", model.LanguageTypescript)
	if result.RiskLevel != model.RiskHigh {
		t.Errorf("expected typescript to inherit javascript's eval rule, got %v", result.RiskLevel)
	}
}

func TestGoAnalysisDetectsSubprocess(t *testing.T) {
	a := New(false)
	result := a.Analyze("import \"os/exec\"\nexec.Command(\"ls\")", model.LanguageGo)
	if result.RiskLevel != model.RiskMedium {
		t.Errorf("expected medium risk for os/exec usage, got %v", result.RiskLevel)
	}

	warning := result.Warnings[0]
	if warning.Line == nil || *warning.Line != 2 {
		t.Errorf("expected warning to anchor to line 2, got %+v", warning.Line)
	}
}
