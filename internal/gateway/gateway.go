// Package gateway implements the Tool Security Gateway: a declarative
// allow-list that turns a {tool_name, params} or {script_name, args, env}
// request into a validated, sandboxed subprocess, or refuses it. No
// model-originated string reaches a shell without passing through
// validateAndBuild (CLI tools) or ExecuteScript's own checks (scripts).
//
// The gateway is stateless and config-driven: every invocation is
// independent, and every failure is returned as a tagged string rather than
// a Go error, because the Optimizer/Evaluator model is expected to read and
// react to the failure text.
package gateway

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"time"

	"github.com/skillrun/skillrun/internal/llmclient"
)

func durationSeconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// pathSafePattern is the conservative regex a parameter value must fully
// match to be interpolated verbatim rather than quoted. It intentionally
// excludes every shell metacharacter and both path-separator forms remain
// legal so a value need not be quoted purely for carrying a path.
var pathSafePattern = regexp.MustCompile(`^[A-Za-z0-9_./\\:~-]+$`)

// pathLikeParam is a heuristic for step 3 of validate-and-build: a slot
// whose regex admits path separators gets separator normalization before
// quoting.
var pathLikeParam = regexp.MustCompile(`[/\\]`)

// Gateway mediates every subprocess side-effect the Optimizer or Evaluator
// may request. It owns no execution state; only the loaded allow-list.
type Gateway struct {
	cfg  *config
	root string // project root: every subprocess cwd pins here
	log  *slog.Logger
}

// New loads the declarative allow-list from configPath and returns a ready
// Gateway rooted at projectRoot. A malformed allow-list is a fatal
// construction error — the gateway must never start half-configured.
func New(configPath, projectRoot string, log *slog.Logger) (*Gateway, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Gateway{cfg: cfg, root: projectRoot, log: log}, nil
}

// scriptToolName is the one reserved tool name ExecuteCLI dispatches to
// ExecuteScript instead of the CLI allow-list, per §4.1's separate
// execute_script path.
const scriptToolName = "execute_script"

// ToolSpecs returns the allow-list in the shape the model-endpoint adapter
// needs to advertise tool-calling capability.
func (g *Gateway) ToolSpecs() []llmclient.ToolSpec {
	specs := make([]llmclient.ToolSpec, 0, len(g.cfg.CLIWhitelist)+1)
	for name, spec := range g.cfg.CLIWhitelist {
		names := make([]string, 0, len(spec.Params))
		for p := range spec.Params {
			names = append(names, p)
		}
		specs = append(specs, llmclient.ToolSpec{
			Name:        name,
			Description: spec.Description,
			ParamNames:  names,
		})
	}
	if scripts, err := g.DiscoverScripts(); err == nil && len(scripts) > 0 {
		specs = append(specs, llmclient.ToolSpec{
			Name:        scriptToolName,
			Description: "Run an approved script by name. params: script_name, args (space-separated), env (comma-separated k=v pairs)",
			ParamNames:  []string{"script_name", "args", "env"},
		})
	}
	return specs
}

// Describe renders the allow-list as human-readable tool documentation for
// prompt injection into the Optimizer/Evaluator system prompt.
func (g *Gateway) Describe() string {
	var b strings.Builder
	for name, spec := range g.cfg.CLIWhitelist {
		params := make([]string, 0, len(spec.Params))
		for p := range spec.Params {
			params = append(params, p)
		}
		fmt.Fprintf(&b, "- %s(%s): %s\n", name, strings.Join(params, ", "), spec.Description)
	}
	if scripts, err := g.DiscoverScripts(); err == nil {
		for _, s := range scripts {
			fmt.Fprintf(&b, "- %s(script_name=%q): %s\n", scriptToolName, s.Name, s.Description)
		}
	}
	return b.String()
}

// ExecuteCLI validates params against the named allow-list entry, builds the
// command, scans it against blocked_patterns, and runs it. It never returns
// a Go error for a policy violation: every rejection comes back as a tagged
// string the calling model is expected to read.
func (g *Gateway) ExecuteCLI(ctx context.Context, toolName string, params map[string]string) string {
	if toolName == scriptToolName {
		return g.dispatchScript(ctx, params)
	}
	params = g.redirectWriteTargets(toolName, params)
	command, timeout, errTag := g.validateAndBuild(toolName, params)
	if errTag != "" {
		return errTag
	}
	return g.runCommand(ctx, command, timeout)
}

// dispatchScript unpacks the flattened execute_script params (args as a
// space-separated string, env as comma-separated k=v pairs — ToolCall.Params
// carries only string values) before delegating to ExecuteScript.
func (g *Gateway) dispatchScript(ctx context.Context, params map[string]string) string {
	name := params["script_name"]
	if name == "" {
		return "[SECURITY BLOCKED] execute_script requires script_name"
	}
	var args []string
	if raw := strings.TrimSpace(params["args"]); raw != "" {
		args = strings.Fields(raw)
	}
	env := make(map[string]string)
	if raw := strings.TrimSpace(params["env"]); raw != "" {
		for _, pair := range strings.Split(raw, ",") {
			k, v, ok := strings.Cut(pair, "=")
			if !ok {
				return fmt.Sprintf("[SECURITY BLOCKED] malformed env pair: %q", pair)
			}
			env[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
	}
	return g.ExecuteScript(ctx, name, args, env)
}

// redirectWriteTargets applies resolveOutputPath to the "path" parameter of
// any write-shaped tool before validation, so a skill naming a bare output
// filename lands under the project root rather than wherever the process
// happened to be launched.
func (g *Gateway) redirectWriteTargets(toolName string, params map[string]string) map[string]string {
	if !strings.Contains(strings.ToLower(toolName), "write") {
		return params
	}
	path, ok := params["path"]
	if !ok {
		return params
	}
	out := make(map[string]string, len(params))
	for k, v := range params {
		out[k] = v
	}
	out["path"] = g.resolveOutputPath(path)
	return out
}

// validateAndBuild implements the gateway's core algorithm, in order:
//  1. look up the entry
//  2. per-slot full-match regex validation
//  3. path-separator normalization on path-like slots
//  4. per-slot path-safe-or-literal-quote decision
//  5. template interpolation
//  6. blocked-pattern scan of the assembled command
//
// On success it returns the assembled command and its timeout; on failure
// it returns a tagged string as the third value and the first two are zero.
func (g *Gateway) validateAndBuild(toolName string, params map[string]string) (command string, timeout int, errTag string) {
	spec, ok := g.cfg.CLIWhitelist[toolName]
	if !ok {
		return "", 0, fmt.Sprintf("[SECURITY BLOCKED] unknown tool %q", toolName)
	}

	quoted := make(map[string]string, len(spec.Params))
	for slot, pattern := range spec.Params {
		value := params[slot]
		re, err := regexp.Compile(`^(?:` + pattern + `)$`)
		if err != nil {
			return "", 0, fmt.Sprintf("[ERROR] tool %q has an invalid param pattern for %q", toolName, slot)
		}
		if !re.MatchString(value) {
			return "", 0, fmt.Sprintf("[SECURITY BLOCKED] parameter %q value %q does not match the allowed pattern for tool %q", slot, value, toolName)
		}
		if pathLikeParam.MatchString(pattern) {
			value = normalizePathSeparators(value)
		}
		quoted[slot] = quoteArg(value)
	}

	built := spec.Template
	for slot, v := range quoted {
		built = strings.ReplaceAll(built, "{"+slot+"}", v)
	}

	for _, pattern := range g.cfg.BlockedPatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			continue
		}
		if re.MatchString(built) {
			return "", 0, fmt.Sprintf("[SECURITY BLOCKED] command matched blocked pattern %q", pattern)
		}
	}

	return built, spec.Timeout, ""
}

// normalizePathSeparators converts directional separators to the host's
// native form. Applying it twice equals applying it once: the second pass
// sees only the native separator and leaves it untouched.
func normalizePathSeparators(p string) string {
	if runtime.GOOS == "windows" {
		return strings.ReplaceAll(p, "/", `\`)
	}
	return strings.ReplaceAll(p, `\`, "/")
}

// quoteArg implements validate-and-build step 4: a path-safe value passes
// through verbatim; everything else is wrapped in the host shell's literal
// quote form. POSIX single-quoting a value on a CMD host would leave
// literal single quotes in the filename, so the quote style itself is
// chosen per-GOOS, not just applied blindly.
func quoteArg(v string) string {
	if pathSafePattern.MatchString(v) {
		return v
	}
	if runtime.GOOS == "windows" {
		return `"` + strings.ReplaceAll(v, `"`, `""`) + `"`
	}
	return "'" + strings.ReplaceAll(v, "'", `'\''`) + "'"
}

// runCommand executes the assembled command with the declared timeout, the
// project root as working directory, and the inherited environment. On
// non-zero exit the output is concatenated with a [EXIT_CODE] trailer.
func (g *Gateway) runCommand(ctx context.Context, command string, timeoutSeconds int) string {
	return g.runCommandEnv(ctx, command, timeoutSeconds, nil)
}

func (g *Gateway) runCommandEnv(ctx context.Context, command string, timeoutSeconds int, extraEnv []string) string {
	shell, flag := "bash", "-c"
	if runtime.GOOS == "windows" {
		shell, flag = "cmd", "/C"
	}

	ctx, cancel := contextWithTimeout(ctx, timeoutSeconds)
	defer cancel()

	cmd := exec.CommandContext(ctx, shell, flag, command)
	cmd.Dir = g.root
	cmd.Env = append(os.Environ(), extraEnv...)

	var out, errBuf bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errBuf

	err := cmd.Run()
	output := out.String()
	if errBuf.Len() > 0 {
		if err != nil {
			output += "\n[STDERR]\n" + errBuf.String()
		} else {
			output += errBuf.String()
		}
	}

	if ctx.Err() != nil {
		return fmt.Sprintf("[ERROR] command timed out after %ds: %s", timeoutSeconds, command)
	}
	if err != nil {
		exitCode := 1
		var exitErr *exec.ExitError
		if ok := asExitError(err, &exitErr); ok {
			exitCode = exitErr.ExitCode()
		}
		output = strings.TrimSpace(output) + fmt.Sprintf("\n[EXIT_CODE] %d", exitCode)
	}
	if strings.TrimSpace(output) == "" {
		return "(no output)"
	}
	return strings.TrimSpace(output)
}

func contextWithTimeout(ctx context.Context, seconds int) (context.Context, context.CancelFunc) {
	if seconds <= 0 {
		seconds = 30
	}
	return context.WithTimeout(ctx, durationSeconds(seconds))
}

func asExitError(err error, target **exec.ExitError) bool {
	if ee, ok := err.(*exec.ExitError); ok {
		*target = ee
		return true
	}
	return false
}

// ExecuteScript runs a script confined to the configured scripts root. It
// enforces path containment, file-suffix restriction, a restricted argument
// alphabet, and an environment-variable allow pattern before ever touching
// the filesystem.
func (g *Gateway) ExecuteScript(ctx context.Context, scriptName string, args []string, envOverrides map[string]string) string {
	scriptsRoot := g.cfg.ScriptsRoot
	if scriptsRoot == "" {
		scriptsRoot = filepath.Join(g.root, "scripts")
	}

	scriptPath := filepath.Join(scriptsRoot, scriptName)
	rel, err := filepath.Rel(scriptsRoot, scriptPath)
	if err != nil || strings.HasPrefix(rel, "..") || filepath.IsAbs(rel) {
		return "[SECURITY BLOCKED] script path escapes the scripts directory"
	}
	if filepath.Ext(scriptPath) != g.cfg.ScriptSuffix {
		return fmt.Sprintf("[SECURITY BLOCKED] only %s files are allowed", g.cfg.ScriptSuffix)
	}

	argPattern := regexp.MustCompile(`^[a-zA-Z0-9_./:@=-]+$`)
	for _, a := range args {
		if !argPattern.MatchString(a) {
			return fmt.Sprintf("[SECURITY BLOCKED] argument contains forbidden characters: %q", a)
		}
	}

	envKeyPattern := regexp.MustCompile(g.cfg.EnvAllowPattern)
	envValPattern := regexp.MustCompile(`^[a-zA-Z0-9_./:@=-]*$`)
	var extraEnv []string
	for k, v := range envOverrides {
		if !envKeyPattern.MatchString(k) {
			return fmt.Sprintf("[SECURITY BLOCKED] env var key is invalid: %q", k)
		}
		if !envValPattern.MatchString(v) {
			return fmt.Sprintf("[SECURITY BLOCKED] env var value is invalid: %q", v)
		}
		extraEnv = append(extraEnv, k+"="+v)
	}

	if _, err := os.Stat(scriptPath); err != nil {
		return fmt.Sprintf("[ERROR] script not found: %s", scriptName)
	}

	interpreter := "python3"
	if g.cfg.ScriptSuffix != ".py" {
		interpreter = "sh"
	}
	parts := append([]string{interpreter, scriptPath}, args...)
	command := strings.Join(quoteEach(parts), " ")

	return g.runCommandEnv(ctx, command, 120, extraEnv)
}

func quoteEach(parts []string) []string {
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = quoteArg(p)
	}
	return out
}
