// Package analysis implements the static pre-execution scanner: a set of
// substring/pattern rules per language that flag dangerous constructs
// before a submission ever reaches a container.
package analysis

import (
	"strings"

	"go.uber.org/zap"

	"cage/internal/logging"
	"cage/internal/model"
)

// Analyzer scans submitted source for risky constructs and assigns an
// aggregate risk level. In strict mode a Critical aggregate blocks
// execution outright; otherwise warnings are advisory only.
type Analyzer struct {
	strict bool
}

// New creates an Analyzer. strict controls whether a Critical finding
// blocks execution (true) or is surfaced as a warning only (false).
func New(strict bool) *Analyzer {
	return &Analyzer{strict: strict}
}

// Analyze scans code for the given language and returns the aggregate
// result. Unrecognized languages fall through to the default safe result.
func (a *Analyzer) Analyze(code string, lang model.Language) model.AnalysisResult {
	var result model.AnalysisResult

	switch lang {
	case model.LanguagePython:
		result = a.analyzePython(code)
	case model.LanguageJavascript:
		result = a.analyzeJavaScript(code)
	case model.LanguageTypescript:
		result = a.analyzeTypeScript(code)
	case model.LanguageBash:
		result = a.analyzeBash(code)
	case model.LanguageR:
		result = a.analyzeR(code)
	case model.LanguageJulia:
		result = a.analyzeJulia(code)
	case model.LanguageRuby:
		result = a.analyzeRuby(code)
	case model.LanguageGo:
		result = a.analyzeGo(code)
	case model.LanguageWasm:
		result = model.AnalysisResult{RiskLevel: model.RiskSafe}
	default:
		result = model.AnalysisResult{RiskLevel: model.RiskSafe}
	}

	for _, w := range result.Warnings {
		logging.L().Warn("code analysis warning",
			zap.String("category", w.Category),
			zap.String("severity", w.Severity.String()),
			zap.String("message", w.Message),
		)
	}

	result.Blocked = a.strict && result.RiskLevel == model.RiskCritical
	return result
}

type ruleHit struct {
	category string
	message  string
	severity model.RiskLevel
	anchor   string // substring to locate the line number against; "" for line 1
}

func build(code string, hits []ruleHit) model.AnalysisResult {
	result := model.AnalysisResult{RiskLevel: model.RiskSafe}
	for _, h := range hits {
		line := 1
		if h.anchor != "" {
			if l, ok := findLine(code, h.anchor); ok {
				line = l
			} else {
				line = 0
			}
		}
		w := model.SecurityWarning{
			Category: h.category,
			Message:  h.message,
			Severity: h.severity,
		}
		if line > 0 {
			l := line
			w.Line = &l
		}
		result.Warnings = append(result.Warnings, w)
		result.RiskLevel = model.MaxRisk(result.RiskLevel, h.severity)
	}
	return result
}

func (a *Analyzer) analyzePython(code string) model.AnalysisResult {
	var hits []ruleHit

	if strings.Contains(code, "import os") && strings.Contains(code, "os.system") {
		hits = append(hits, ruleHit{"SHELL_EXECUTION", "Uses os.system() for shell command execution", model.RiskMedium, "os.system"})
	}
	if strings.Contains(code, "import subprocess") || strings.Contains(code, "from subprocess") {
		hits = append(hits, ruleHit{"SUBPROCESS", "Uses subprocess module for process spawning", model.RiskMedium, "subprocess"})
	}
	if strings.Contains(code, "eval(") || strings.Contains(code, "exec(") {
		anchor := "eval("
		if !strings.Contains(code, "eval(") {
			anchor = "exec("
		}
		hits = append(hits, ruleHit{"CODE_INJECTION", "Uses eval() or exec() - potential code injection risk", model.RiskHigh, anchor})
	}
	if strings.Contains(code, "__import__") {
		hits = append(hits, ruleHit{"DYNAMIC_IMPORT", "Uses __import__() for dynamic imports", model.RiskHigh, "__import__"})
	}
	if strings.Contains(code, "open(") && (strings.Contains(code, "/etc/") || strings.Contains(code, "/proc/") || strings.Contains(code, "/sys/")) {
		anchor := "/etc/"
		if !strings.Contains(code, "/etc/") {
			anchor = "/proc/"
		}
		hits = append(hits, ruleHit{"SYSTEM_FILE_ACCESS", "Attempts to access system files (/etc, /proc, /sys)", model.RiskLow, anchor})
	}
	if strings.Contains(code, "while True:") && !strings.Contains(code, "break") {
		hits = append(hits, ruleHit{"INFINITE_LOOP", "Contains while True without obvious break condition", model.RiskMedium, "while True:"})
	}
	if strings.Contains(code, "import socket") || strings.Contains(code, "from socket") {
		hits = append(hits, ruleHit{"NETWORK_ACCESS", "Attempts network socket operations", model.RiskLow, "socket"})
	}
	if strings.Contains(code, "os.remove") || strings.Contains(code, "shutil.rmtree") || strings.Contains(code, "os.unlink") {
		anchor := "remove"
		if !strings.Contains(code, "os.remove") {
			anchor = "rmtree"
		}
		hits = append(hits, ruleHit{"FILE_DELETION", "Deletes files or directories", model.RiskLow, anchor})
	}

	return build(code, hits)
}

func (a *Analyzer) analyzeJavaScript(code string) model.AnalysisResult {
	var hits []ruleHit

	if strings.Contains(code, "child_process") || strings.Contains(code, "exec(") || strings.Contains(code, "spawn(") {
		hits = append(hits, ruleHit{"SUBPROCESS", "Uses child_process module", model.RiskMedium, "child_process"})
	}
	if strings.Contains(code, "eval(") {
		hits = append(hits, ruleHit{"CODE_INJECTION", "Uses eval() - code injection risk", model.RiskHigh, "eval("})
	}
	if strings.Contains(code, "while(true)") || strings.Contains(code, "while (true)") {
		hits = append(hits, ruleHit{"INFINITE_LOOP", "Contains infinite loop", model.RiskMedium, "while"})
	}

	return build(code, hits)
}

func (a *Analyzer) analyzeTypeScript(code string) model.AnalysisResult {
	result := a.analyzeJavaScript(code)

	if strings.Contains(code, "child_process") || strings.Contains(code, "Deno.run") {
		anchor := "Deno.run"
		if !strings.Contains(code, "Deno.run") {
			anchor = "child_process"
		}
		extra := build(code, []ruleHit{{"SUBPROCESS", "Uses process execution", model.RiskMedium, anchor}})
		result.Warnings = append(result.Warnings, extra.Warnings...)
		result.RiskLevel = model.MaxRisk(result.RiskLevel, extra.RiskLevel)
	}

	return result
}

func (a *Analyzer) analyzeBash(code string) model.AnalysisResult {
	var hits []ruleHit

	if strings.Contains(code, "rm -rf") {
		hits = append(hits, ruleHit{"DESTRUCTIVE_COMMAND", "Uses rm -rf (recursive deletion)", model.RiskHigh, "rm -rf"})
	}
	if strings.Contains(code, ":(){ :|:& };:") || strings.Contains(code, "fork bomb") {
		hits = append(hits, ruleHit{"FORK_BOMB", "Potential fork bomb detected", model.RiskCritical, ""})
	}
	if strings.Contains(code, "curl") || strings.Contains(code, "wget") {
		anchor := "curl"
		if !strings.Contains(code, "curl") {
			anchor = "wget"
		}
		hits = append(hits, ruleHit{"NETWORK_ACCESS", "Attempts to download from internet", model.RiskLow, anchor})
	}
	if strings.Contains(code, "sudo") || strings.Contains(code, "su ") {
		hits = append(hits, ruleHit{"PRIVILEGE_ESCALATION", "Attempts privilege escalation", model.RiskCritical, "sudo"})
	}

	return build(code, hits)
}

func (a *Analyzer) analyzeR(code string) model.AnalysisResult {
	var hits []ruleHit

	if strings.Contains(code, "system(") || strings.Contains(code, "system2(") {
		hits = append(hits, ruleHit{"SHELL_EXECUTION", "Uses system() for shell command execution", model.RiskMedium, "system("})
	}
	if strings.Contains(code, "eval(") || strings.Contains(code, "parse(") {
		hits = append(hits, ruleHit{"CODE_INJECTION", "Uses eval() or parse() - potential code injection", model.RiskMedium, "eval("})
	}
	if strings.Contains(code, "file.remove") || strings.Contains(code, "unlink(") {
		hits = append(hits, ruleHit{"FILE_DELETION", "Deletes files", model.RiskLow, "file.remove"})
	}

	return build(code, hits)
}

func (a *Analyzer) analyzeJulia(code string) model.AnalysisResult {
	var hits []ruleHit

	if strings.Contains(code, "run(`") || strings.Contains(code, "@cmd") {
		hits = append(hits, ruleHit{"SHELL_EXECUTION", "Uses shell command execution", model.RiskMedium, "run(`"})
	}
	if strings.Contains(code, "eval(") || strings.Contains(code, "include(") {
		hits = append(hits, ruleHit{"CODE_INJECTION", "Uses eval() or include() - potential code injection", model.RiskMedium, "eval("})
	}
	if strings.Contains(code, "rm(") {
		hits = append(hits, ruleHit{"FILE_DELETION", "Deletes files", model.RiskLow, "rm("})
	}

	return build(code, hits)
}

func (a *Analyzer) analyzeRuby(code string) model.AnalysisResult {
	var hits []ruleHit

	if strings.Contains(code, "system(") || strings.Contains(code, "exec(") || strings.Contains(code, "`") {
		anchor := "system("
		if !strings.Contains(code, "system(") {
			anchor = "exec("
		}
		hits = append(hits, ruleHit{"SHELL_EXECUTION", "Uses system() or backticks for shell execution", model.RiskMedium, anchor})
	}
	if strings.Contains(code, "eval(") || strings.Contains(code, "instance_eval") || strings.Contains(code, "class_eval") {
		hits = append(hits, ruleHit{"CODE_INJECTION", "Uses eval() - potential code injection", model.RiskHigh, "eval("})
	}
	if strings.Contains(code, "File.delete") || strings.Contains(code, "FileUtils.rm") {
		hits = append(hits, ruleHit{"FILE_DELETION", "Deletes files", model.RiskLow, "File.delete"})
	}

	return build(code, hits)
}

func (a *Analyzer) analyzeGo(code string) model.AnalysisResult {
	var hits []ruleHit

	if strings.Contains(code, "os/exec") || strings.Contains(code, "exec.Command") {
		hits = append(hits, ruleHit{"SUBPROCESS", "Uses os/exec for process execution", model.RiskMedium, "exec.Command"})
	}
	if strings.Contains(code, "os.Remove") || strings.Contains(code, "os.RemoveAll") {
		hits = append(hits, ruleHit{"FILE_DELETION", "Deletes files or directories", model.RiskLow, "os.Remove"})
	}
	if strings.Contains(code, "net.Dial") || strings.Contains(code, "http.Get") {
		anchor := "net.Dial"
		if !strings.Contains(code, "net.Dial") {
			anchor = "http.Get"
		}
		hits = append(hits, ruleHit{"NETWORK_ACCESS", "Attempts network operations", model.RiskLow, anchor})
	}

	return build(code, hits)
}

// findLine returns the 1-based line number of the first line containing
// pattern, and whether it was found at all.
func findLine(code, pattern string) (int, bool) {
	for i, line := range strings.Split(code, "\n") {
		if strings.Contains(line, pattern) {
			return i + 1, true
		}
	}
	return 0, false
}
