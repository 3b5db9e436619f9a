package model

import "fmt"

// Language is a supported execution runtime. The zero value is invalid;
// always construct through ParseLanguage or a named constant.
type Language string

const (
	LanguagePython     Language = "python"
	LanguageJavascript Language = "javascript"
	LanguageBash       Language = "bash"
	LanguageR          Language = "r"
	LanguageJulia      Language = "julia"
	LanguageTypescript Language = "typescript"
	LanguageRuby       Language = "ruby"
	LanguageGo         Language = "go"
	LanguageWasm       Language = "wasm"
)

var allLanguages = []Language{
	LanguagePython, LanguageJavascript, LanguageBash, LanguageR, LanguageJulia,
	LanguageTypescript, LanguageRuby, LanguageGo, LanguageWasm,
}

// ParseLanguage normalizes common aliases (py, js, ts, node, golang, ...)
// into a canonical Language, mirroring the alias table sandbox runners use
// for per-language dispatch.
func ParseLanguage(s string) (Language, error) {
	switch s {
	case "python", "py", "python3":
		return LanguagePython, nil
	case "javascript", "js", "node", "nodejs":
		return LanguageJavascript, nil
	case "bash", "sh", "shell":
		return LanguageBash, nil
	case "r":
		return LanguageR, nil
	case "julia", "jl":
		return LanguageJulia, nil
	case "typescript", "ts":
		return LanguageTypescript, nil
	case "ruby", "rb":
		return LanguageRuby, nil
	case "go", "golang":
		return LanguageGo, nil
	case "wasm", "webassembly":
		return LanguageWasm, nil
	default:
		return "", fmt.Errorf("unsupported language %q", s)
	}
}

// AllLanguages returns every canonical language, in the fixed order used for
// deterministic iteration (seed loading, allowlist dumps).
func AllLanguages() []Language {
	out := make([]Language, len(allLanguages))
	copy(out, allLanguages)
	return out
}

// FileExtension is the source-file suffix used when writing code to a
// session's workspace.
func (l Language) FileExtension() string {
	switch l {
	case LanguagePython:
		return "py"
	case LanguageJavascript:
		return "js"
	case LanguageBash:
		return "sh"
	case LanguageR:
		return "R"
	case LanguageJulia:
		return "jl"
	case LanguageTypescript:
		return "ts"
	case LanguageRuby:
		return "rb"
	case LanguageGo:
		return "go"
	case LanguageWasm:
		return "wasm"
	default:
		return "txt"
	}
}

// ContainerImage is the image family used to start a session's container.
// One image per language family; callers needing an override go through
// configuration, not this table.
func (l Language) ContainerImage() string {
	switch l {
	case LanguagePython:
		return "cage/sandbox-python:latest"
	case LanguageJavascript:
		return "cage/sandbox-node:latest"
	case LanguageBash:
		return "cage/sandbox-bash:latest"
	case LanguageR:
		return "cage/sandbox-r:latest"
	case LanguageJulia:
		return "cage/sandbox-julia:latest"
	case LanguageTypescript:
		return "cage/sandbox-deno:latest"
	case LanguageRuby:
		return "cage/sandbox-ruby:latest"
	case LanguageGo:
		return "cage/sandbox-go:latest"
	case LanguageWasm:
		return "cage/sandbox-wasm:latest"
	default:
		return "cage/sandbox-python:latest"
	}
}

// NeedsExecWorkspace reports whether this language's workspace mount must be
// exec-able rather than noexec. Only compiled/JIT languages that write and
// then run an artifact from /mnt/data need this.
func (l Language) NeedsExecWorkspace() bool {
	return l == LanguageGo || l == LanguageWasm
}

func (l Language) String() string { return string(l) }
