package coretools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/harun/loom/pkg/toolregistry"
)

const (
	defaultMaxReadBytes   = 200000
	defaultExecTimeout    = 30 * time.Second
	defaultMaxListEntries = 500
)

// Options configures builtin tool registration.
type Options struct {
	// WorkspaceRoot bounds the filesystem tools. Without it (and without a
	// WorkspaceDir on the execution context) they fail.
	WorkspaceRoot string
	// Now overrides the clock used by current_time.
	Now func() time.Time
}

// Register adds the builtin tools to b.
func Register(b *toolregistry.Builder, opts Options) error {
	if b == nil {
		return errors.New("tool builder is required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	for _, def := range []toolregistry.Definition{
		echoTool(),
		currentTimeTool(opts),
		readFileTool(opts),
		writeFileTool(opts),
		editFileTool(opts),
		listFilesTool(opts),
		execTool(opts),
	} {
		b.Register(def)
	}
	return nil
}

func echoTool() toolregistry.Definition {
	return toolregistry.Definition{
		Name:        "echo",
		Description: "Return the given text unchanged.",
		Parameters: []toolregistry.Parameter{
			{Name: "text", Type: "string", Description: "Text to echo", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			text, _ := params["text"].(string)
			return text, nil
		},
	}
}

func currentTimeTool(opts Options) toolregistry.Definition {
	return toolregistry.Definition{
		Name:        "current_time",
		Description: "Return the current date and time in RFC 3339 format.",
		Parameters: []toolregistry.Parameter{
			{Name: "timezone", Type: "string", Description: "IANA time zone name (default UTC)", Required: false},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			loc := time.UTC
			if tz, _ := params["timezone"].(string); strings.TrimSpace(tz) != "" {
				l, err := time.LoadLocation(strings.TrimSpace(tz))
				if err != nil {
					return nil, fmt.Errorf("unknown timezone %q", tz)
				}
				loc = l
			}
			return opts.Now().In(loc).Format(time.RFC3339), nil
		},
	}
}

func readFileTool(opts Options) toolregistry.Definition {
	return toolregistry.Definition{
		Name:        "read_file",
		Description: "Read a file from the workspace.",
		Parameters: []toolregistry.Parameter{
			{Name: "path", Type: "string", Description: "Relative file path", Required: true},
			{Name: "max_bytes", Type: "number", Description: "Maximum bytes to read (default 200000)", Required: false, Default: defaultMaxReadBytes},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			workspaceRoot, err := resolveWorkspaceRoot(toolregistry.ExecContextFromContext(ctx), opts)
			if err != nil {
				return nil, err
			}
			pathValue, _ := params["path"].(string)
			target, err := resolvePathInWorkspace(workspaceRoot, pathValue)
			if err != nil {
				return nil, err
			}

			maxBytes := int64(defaultMaxReadBytes)
			if raw, ok := positiveNumber(params["max_bytes"]); ok {
				maxBytes = int64(raw)
			}

			data, truncated, err := readFileWithLimit(target, maxBytes)
			if err != nil {
				return nil, err
			}

			return map[string]interface{}{
				"path":      pathValue,
				"content":   string(data),
				"truncated": truncated,
				"bytes":     len(data),
			}, nil
		},
	}
}

func writeFileTool(opts Options) toolregistry.Definition {
	return toolregistry.Definition{
		Name:        "write_file",
		Description: "Write content to a file in the workspace.",
		Parameters: []toolregistry.Parameter{
			{Name: "path", Type: "string", Description: "Relative file path", Required: true},
			{Name: "content", Type: "string", Description: "File content", Required: true},
			{Name: "append", Type: "boolean", Description: "Append to file (default false)", Required: false},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			workspaceRoot, err := resolveWorkspaceRoot(toolregistry.ExecContextFromContext(ctx), opts)
			if err != nil {
				return nil, err
			}
			pathValue, _ := params["path"].(string)
			target, err := resolvePathInWorkspace(workspaceRoot, pathValue)
			if err != nil {
				return nil, err
			}
			content, _ := params["content"].(string)
			appendMode, _ := params["append"].(bool)

			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return nil, err
			}

			flag := os.O_CREATE | os.O_WRONLY
			if appendMode {
				flag |= os.O_APPEND
			} else {
				flag |= os.O_TRUNC
			}
			f, err := os.OpenFile(target, flag, 0644)
			if err != nil {
				return nil, err
			}
			if _, err := f.WriteString(content); err != nil {
				f.Close()
				return nil, err
			}
			if err := f.Close(); err != nil {
				return nil, err
			}

			return map[string]interface{}{
				"path":   pathValue,
				"bytes":  len(content),
				"append": appendMode,
			}, nil
		},
	}
}

func editFileTool(opts Options) toolregistry.Definition {
	return toolregistry.Definition{
		Name:        "edit_file",
		Description: "Replace text in a workspace file.",
		Parameters: []toolregistry.Parameter{
			{Name: "path", Type: "string", Description: "Relative file path", Required: true},
			{Name: "search", Type: "string", Description: "Text to search for", Required: true},
			{Name: "replace", Type: "string", Description: "Replacement text", Required: true},
			{Name: "replace_all", Type: "boolean", Description: "Replace all occurrences (default false)", Required: false},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			workspaceRoot, err := resolveWorkspaceRoot(toolregistry.ExecContextFromContext(ctx), opts)
			if err != nil {
				return nil, err
			}
			pathValue, _ := params["path"].(string)
			target, err := resolvePathInWorkspace(workspaceRoot, pathValue)
			if err != nil {
				return nil, err
			}
			search, _ := params["search"].(string)
			replace, _ := params["replace"].(string)
			replaceAll, _ := params["replace_all"].(bool)
			if search == "" {
				return nil, fmt.Errorf("search is required")
			}

			data, err := os.ReadFile(target)
			if err != nil {
				return nil, err
			}
			content := string(data)

			occurrences := strings.Count(content, search)
			if occurrences == 0 {
				return nil, fmt.Errorf("search text not found")
			}
			var updated string
			if replaceAll {
				updated = strings.ReplaceAll(content, search, replace)
			} else {
				occurrences = 1
				updated = strings.Replace(content, search, replace, 1)
			}

			if err := os.WriteFile(target, []byte(updated), 0644); err != nil {
				return nil, err
			}
			return map[string]interface{}{
				"path":        pathValue,
				"occurrences": occurrences,
			}, nil
		},
	}
}

func listFilesTool(opts Options) toolregistry.Definition {
	return toolregistry.Definition{
		Name:        "list_files",
		Description: "List files and directories in the workspace.",
		Parameters: []toolregistry.Parameter{
			{Name: "path", Type: "string", Description: "Relative directory path (default workspace root)", Required: false},
			{Name: "recursive", Type: "boolean", Description: "Walk subdirectories (default false)", Required: false},
			{Name: "max_entries", Type: "number", Description: "Maximum entries to return (default 500)", Required: false, Default: defaultMaxListEntries},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			workspaceRoot, err := resolveWorkspaceRoot(toolregistry.ExecContextFromContext(ctx), opts)
			if err != nil {
				return nil, err
			}
			pathValue, _ := params["path"].(string)
			if strings.TrimSpace(pathValue) == "" {
				pathValue = "."
			}
			dir, err := resolvePathInWorkspace(workspaceRoot, pathValue)
			if err != nil {
				return nil, err
			}
			recursive, _ := params["recursive"].(bool)
			maxEntries := defaultMaxListEntries
			if raw, ok := positiveNumber(params["max_entries"]); ok {
				maxEntries = int(raw)
			}

			info, err := os.Stat(dir)
			if err != nil {
				return nil, err
			}
			if !info.IsDir() {
				return nil, fmt.Errorf("%s is not a directory", pathValue)
			}

			entries := []map[string]interface{}{}
			truncated := false
			err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, walkErr error) error {
				if walkErr != nil {
					return walkErr
				}
				if err := ctx.Err(); err != nil {
					return err
				}
				if p == dir {
					return nil
				}
				if len(entries) >= maxEntries {
					truncated = true
					return fs.SkipAll
				}
				rel, err := filepath.Rel(dir, p)
				if err != nil {
					return err
				}
				entry := map[string]interface{}{
					"path": filepath.ToSlash(rel),
					"type": "file",
				}
				if d.IsDir() {
					entry["type"] = "dir"
				} else if fi, err := d.Info(); err == nil {
					entry["size"] = fi.Size()
				}
				entries = append(entries, entry)
				if d.IsDir() && !recursive {
					return fs.SkipDir
				}
				return nil
			})
			if err != nil {
				return nil, err
			}

			return map[string]interface{}{
				"path":      pathValue,
				"entries":   entries,
				"truncated": truncated,
			}, nil
		},
	}
}

// execTool runs a shell command on the host with the workspace as its
// working directory. A non-zero exit is a result, not an error.
func execTool(opts Options) toolregistry.Definition {
	return toolregistry.Definition{
		Name:        "exec",
		Description: "Execute a shell command in the workspace.",
		Parameters: []toolregistry.Parameter{
			{Name: "command", Type: "string", Description: "Command line run with sh -c", Required: true},
			{Name: "cwd", Type: "string", Description: "Working directory (relative to workspace)", Required: false},
			{Name: "timeout", Type: "number", Description: "Timeout in seconds (default 30)", Required: false},
			{Name: "stdin", Type: "string", Description: "Standard input", Required: false},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			workspaceRoot, err := resolveWorkspaceRoot(toolregistry.ExecContextFromContext(ctx), opts)
			if err != nil {
				return nil, err
			}
			command, _ := params["command"].(string)
			command = strings.TrimSpace(command)
			if command == "" {
				return nil, fmt.Errorf("command is required")
			}
			cwd := workspaceRoot
			if raw, _ := params["cwd"].(string); strings.TrimSpace(raw) != "" {
				cwd, err = resolvePathInWorkspace(workspaceRoot, raw)
				if err != nil {
					return nil, err
				}
			}
			timeout := defaultExecTimeout
			if raw, ok := positiveNumber(params["timeout"]); ok {
				timeout = time.Duration(raw * float64(time.Second))
			}

			runCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			cmd := exec.CommandContext(runCtx, "sh", "-c", command)
			cmd.Dir = cwd
			// background children may hold the output pipes open after sh is killed
			cmd.WaitDelay = time.Second
			var stdout, stderr bytes.Buffer
			cmd.Stdout = &stdout
			cmd.Stderr = &stderr
			if stdin, _ := params["stdin"].(string); stdin != "" {
				cmd.Stdin = strings.NewReader(stdin)
			}

			start := time.Now()
			runErr := cmd.Run()
			duration := time.Since(start)

			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("command timed out after %s", timeout)
			}
			exitCode := 0
			if runErr != nil {
				var exitErr *exec.ExitError
				if !errors.As(runErr, &exitErr) {
					return nil, fmt.Errorf("failed to run command: %w", runErr)
				}
				exitCode = exitErr.ExitCode()
			}

			return map[string]interface{}{
				"stdout":    stdout.String(),
				"stderr":    stderr.String(),
				"exit_code": exitCode,
				"duration":  duration.Milliseconds(),
			}, nil
		},
	}
}

// positiveNumber reads a numeric argument decoded from JSON or passed as a Go int.
func positiveNumber(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, v > 0
	case int:
		return float64(v), v > 0
	case int64:
		return float64(v), v > 0
	}
	return 0, false
}

func readFileWithLimit(path string, limit int64) ([]byte, bool, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, false, err
	}
	defer file.Close()

	if limit <= 0 {
		limit = defaultMaxReadBytes
	}
	var buf bytes.Buffer
	if _, err := io.CopyN(&buf, file, limit); err != nil && !errors.Is(err, io.EOF) {
		return nil, false, err
	}
	truncated := false
	extra := make([]byte, 1)
	if n, _ := file.Read(extra); n > 0 {
		truncated = true
	}
	return buf.Bytes(), truncated, nil
}

func resolveWorkspaceRoot(execCtx *toolregistry.ExecutionContext, opts Options) (string, error) {
	if execCtx != nil && strings.TrimSpace(execCtx.WorkspaceDir) != "" {
		return filepath.Clean(execCtx.WorkspaceDir), nil
	}
	if strings.TrimSpace(opts.WorkspaceRoot) != "" {
		return filepath.Clean(opts.WorkspaceRoot), nil
	}
	return "", fmt.Errorf("workspace root is not configured")
}

func resolvePathInWorkspace(workspaceRoot string, pathValue string) (string, error) {
	pathValue = strings.TrimSpace(pathValue)
	if pathValue == "" {
		return "", fmt.Errorf("path is required")
	}
	if strings.Contains(pathValue, "://") {
		return "", fmt.Errorf("path must be a local file")
	}
	candidate := pathValue
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(workspaceRoot, candidate)
	}
	candidate = filepath.Clean(candidate)

	rel, err := filepath.Rel(workspaceRoot, candidate)
	if err != nil {
		return "", err
	}
	if rel == "." || (!strings.HasPrefix(rel, ".."+string(filepath.Separator)) && rel != "..") {
		return candidate, nil
	}
	return "", fmt.Errorf("path %q is outside workspace root", pathValue)
}
