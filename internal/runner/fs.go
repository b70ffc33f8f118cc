package runner

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/laminarhq/laminar/internal/isolation"
	"github.com/laminarhq/laminar/pkg/schema"
)

const defaultMaxReadSize = 50 * 1024 * 1024 // 50MB

// FSConfig configures the filesystem tools.
type FSConfig struct {
	Limits      isolation.ResourceLimits
	MaxReadSize int64
}

// FSTools returns the filesystem tools.
func FSTools(cfg FSConfig) []Tool {
	if cfg.MaxReadSize <= 0 {
		cfg.MaxReadSize = defaultMaxReadSize
	}
	return []Tool{
		&fsReadTool{cfg: cfg},
		&fsWriteTool{cfg: cfg},
		&fsListTool{cfg: cfg},
		&fsStatTool{cfg: cfg},
	}
}

// fileInfoMap builds a standard stat result map from a path and fs.FileInfo.
func fileInfoMap(path string, info fs.FileInfo) map[string]any {
	return map[string]any{
		"path":        path,
		"size":        info.Size(),
		"modified_at": info.ModTime().UTC().Format(time.RFC3339),
		"is_dir":      info.IsDir(),
		"permissions": fmt.Sprintf("%04o", info.Mode().Perm()),
	}
}

// marshalOutput marshals a result map into a ToolOutput.
func marshalOutput(result map[string]any) (*ToolOutput, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "failed to marshal output: %v", err)
	}
	return &ToolOutput{Data: json.RawMessage(data)}, nil
}

// absPath resolves a path to absolute.
func absPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "invalid path %q: %v", path, err)
	}
	return abs, nil
}

// pathDenied tags a path denial with the operation that was attempted,
// so the dispatcher can carry it into an escalation request.
func pathDenied(err error, operation string) error {
	if err == nil {
		return nil
	}
	return toEngineError(err).WithDetails(map[string]any{"operation": operation})
}

// isBinary checks if data contains null bytes (binary detection heuristic).
func isBinary(data []byte) bool {
	check := data
	if len(check) > 8192 {
		check = check[:8192]
	}
	for _, b := range check {
		if b == 0 {
			return true
		}
	}
	return false
}

// --- JSON Schemas ---

const fsReadInputSchema = `{
  "type": "object",
  "properties": {
    "path": {"type": "string"},
    "encoding": {"type": "string", "enum": ["text","base64","auto"], "default": "auto"}
  },
  "required": ["path"]
}`

const fsReadOutputSchema = `{
  "type": "object",
  "properties": {
    "path": {"type": "string"},
    "content": {"type": "string"},
    "encoding": {"type": "string"},
    "size": {"type": "integer"}
  }
}`

const fsWriteInputSchema = `{
  "type": "object",
  "properties": {
    "path": {"type": "string"},
    "content": {"type": "string"},
    "create_dirs": {"type": "boolean", "default": false},
    "mode": {"type": "integer", "default": 420}
  },
  "required": ["path", "content"]
}`

const fsWriteOutputSchema = `{
  "type": "object",
  "properties": {
    "path": {"type": "string"},
    "size": {"type": "integer"}
  }
}`

const fsListInputSchema = `{
  "type": "object",
  "properties": {
    "path": {"type": "string"},
    "pattern": {"type": "string"},
    "recursive": {"type": "boolean", "default": false}
  },
  "required": ["path"]
}`

const fsListOutputSchema = `{
  "type": "object",
  "properties": {
    "path": {"type": "string"},
    "entries": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "name": {"type": "string"},
          "path": {"type": "string"},
          "size": {"type": "integer"},
          "modified_at": {"type": "string"},
          "is_dir": {"type": "boolean"}
        }
      }
    }
  }
}`

const fsStatInputSchema = `{
  "type": "object",
  "properties": {
    "path": {"type": "string"}
  },
  "required": ["path"]
}`

const fsStatOutputSchema = `{
  "type": "object",
  "properties": {
    "path": {"type": "string"},
    "size": {"type": "integer"},
    "modified_at": {"type": "string"},
    "is_dir": {"type": "boolean"},
    "permissions": {"type": "string"}
  }
}`

// --- fs.read ---

type fsReadTool struct{ cfg FSConfig }

func (a *fsReadTool) Name() string { return "fs.read" }

func (a *fsReadTool) MinCapability() schema.Capability { return schema.CapabilityReadOnly }

func (a *fsReadTool) Schema() ToolSchema {
	return ToolSchema{
		Description:  "Read the contents of a file",
		InputSchema:  json.RawMessage(fsReadInputSchema),
		OutputSchema: json.RawMessage(fsReadOutputSchema),
	}
}

func (a *fsReadTool) Validate(input map[string]any) error {
	if stringParam(input, "path", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "fs.read: missing required param 'path'")
	}
	enc := stringParam(input, "encoding", "auto")
	if enc != "text" && enc != "base64" && enc != "auto" {
		return schema.NewErrorf(schema.ErrCodeValidation, "fs.read: invalid encoding %q", enc)
	}
	return nil
}

func (a *fsReadTool) Execute(_ context.Context, input ToolInput) (*ToolOutput, error) {
	params := input.Args
	if params == nil {
		params = map[string]any{}
	}

	if err := a.Validate(params); err != nil {
		return nil, err
	}

	path, err := absPath(stringParam(params, "path", ""))
	if err != nil {
		return nil, err
	}

	if err := a.cfg.Limits.ValidatePath(path, isolation.PathAccessRead); err != nil {
		return nil, pathDenied(err, isolation.OpFSRead)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "fs.read: %v", err).WithCause(err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, a.cfg.MaxReadSize))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "fs.read: failed to read file: %v", err).WithCause(err)
	}

	enc := stringParam(params, "encoding", "auto")
	if enc == "auto" {
		if isBinary(data) {
			enc = "base64"
		} else {
			enc = "text"
		}
	}

	var content string
	if enc == "base64" {
		content = base64.StdEncoding.EncodeToString(data)
	} else {
		content = string(data)
	}

	return marshalOutput(map[string]any{
		"path":     path,
		"content":  content,
		"encoding": enc,
		"size":     len(data),
	})
}

// --- fs.write ---

type fsWriteTool struct{ cfg FSConfig }

func (a *fsWriteTool) Name() string { return "fs.write" }

func (a *fsWriteTool) MinCapability() schema.Capability { return schema.CapabilityStandard }

func (a *fsWriteTool) Schema() ToolSchema {
	return ToolSchema{
		Description:  "Write content to a file, creating or overwriting it",
		InputSchema:  json.RawMessage(fsWriteInputSchema),
		OutputSchema: json.RawMessage(fsWriteOutputSchema),
	}
}

func (a *fsWriteTool) Validate(input map[string]any) error {
	if stringParam(input, "path", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "fs.write: missing required param 'path'")
	}
	if _, ok := input["content"]; !ok {
		return schema.NewError(schema.ErrCodeValidation, "fs.write: missing required param 'content'")
	}
	return nil
}

func (a *fsWriteTool) Execute(_ context.Context, input ToolInput) (*ToolOutput, error) {
	params := input.Args
	if params == nil {
		params = map[string]any{}
	}

	if err := a.Validate(params); err != nil {
		return nil, err
	}

	path, err := absPath(stringParam(params, "path", ""))
	if err != nil {
		return nil, err
	}

	if err := a.cfg.Limits.ValidatePath(path, isolation.PathAccessWrite); err != nil {
		return nil, pathDenied(err, isolation.OpFSWrite)
	}

	content := stringParam(params, "content", "")
	createDirs := boolParam(params, "create_dirs", false)
	fileMode := os.FileMode(intParam(params, "mode", 0644))

	if createDirs {
		dir := filepath.Dir(path)
		if err := a.cfg.Limits.ValidatePath(dir, isolation.PathAccessWrite); err != nil {
			return nil, pathDenied(err, isolation.OpFSWrite)
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "fs.write: failed to create directories: %v", err).WithCause(err)
		}
	}

	data := []byte(content)
	if err := os.WriteFile(path, data, fileMode); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "fs.write: %v", err).WithCause(err)
	}

	return marshalOutput(map[string]any{
		"path": path,
		"size": len(data),
	})
}

// --- fs.list ---

type fsListTool struct{ cfg FSConfig }

func (a *fsListTool) Name() string { return "fs.list" }

func (a *fsListTool) MinCapability() schema.Capability { return schema.CapabilityReadOnly }

func (a *fsListTool) Schema() ToolSchema {
	return ToolSchema{
		Description:  "List files and directories in a path, optionally filtered by glob pattern",
		InputSchema:  json.RawMessage(fsListInputSchema),
		OutputSchema: json.RawMessage(fsListOutputSchema),
	}
}

func (a *fsListTool) Validate(input map[string]any) error {
	if stringParam(input, "path", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "fs.list: missing required param 'path'")
	}
	return nil
}

func (a *fsListTool) Execute(_ context.Context, input ToolInput) (*ToolOutput, error) {
	params := input.Args
	if params == nil {
		params = map[string]any{}
	}

	if err := a.Validate(params); err != nil {
		return nil, err
	}

	path, err := absPath(stringParam(params, "path", ""))
	if err != nil {
		return nil, err
	}

	if err := a.cfg.Limits.ValidatePath(path, isolation.PathAccessRead); err != nil {
		return nil, pathDenied(err, isolation.OpFSRead)
	}

	pattern := stringParam(params, "pattern", "")
	recursive := boolParam(params, "recursive", false)

	var entries []map[string]any

	if recursive {
		err = filepath.WalkDir(path, func(p string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			// Skip the root directory itself.
			if p == path {
				return nil
			}
			if pattern != "" {
				matched, matchErr := filepath.Match(pattern, d.Name())
				if matchErr != nil {
					return schema.NewErrorf(schema.ErrCodeValidation, "fs.list: invalid pattern %q: %v", pattern, matchErr)
				}
				if !matched {
					return nil
				}
			}
			info, infoErr := d.Info()
			if infoErr != nil {
				return infoErr
			}
			entries = append(entries, map[string]any{
				"name":        d.Name(),
				"path":        p,
				"size":        info.Size(),
				"modified_at": info.ModTime().UTC().Format(time.RFC3339),
				"is_dir":      d.IsDir(),
			})
			return nil
		})
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "fs.list: %v", err).WithCause(err)
		}
	} else if pattern != "" {
		matches, globErr := filepath.Glob(filepath.Join(path, pattern))
		if globErr != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "fs.list: invalid pattern %q: %v", pattern, globErr)
		}
		for _, m := range matches {
			info, infoErr := os.Stat(m)
			if infoErr != nil {
				continue
			}
			entries = append(entries, map[string]any{
				"name":        filepath.Base(m),
				"path":        m,
				"size":        info.Size(),
				"modified_at": info.ModTime().UTC().Format(time.RFC3339),
				"is_dir":      info.IsDir(),
			})
		}
	} else {
		dirEntries, readErr := os.ReadDir(path)
		if readErr != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "fs.list: %v", readErr).WithCause(readErr)
		}
		for _, d := range dirEntries {
			info, infoErr := d.Info()
			if infoErr != nil {
				continue
			}
			entries = append(entries, map[string]any{
				"name":        d.Name(),
				"path":        filepath.Join(path, d.Name()),
				"size":        info.Size(),
				"modified_at": info.ModTime().UTC().Format(time.RFC3339),
				"is_dir":      d.IsDir(),
			})
		}
	}

	if entries == nil {
		entries = []map[string]any{}
	}

	return marshalOutput(map[string]any{
		"path":    path,
		"entries": entries,
	})
}

// --- fs.stat ---

type fsStatTool struct{ cfg FSConfig }

func (a *fsStatTool) Name() string { return "fs.stat" }

func (a *fsStatTool) MinCapability() schema.Capability { return schema.CapabilityReadOnly }

func (a *fsStatTool) Schema() ToolSchema {
	return ToolSchema{
		Description:  "Get file or directory metadata",
		InputSchema:  json.RawMessage(fsStatInputSchema),
		OutputSchema: json.RawMessage(fsStatOutputSchema),
	}
}

func (a *fsStatTool) Validate(input map[string]any) error {
	if stringParam(input, "path", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "fs.stat: missing required param 'path'")
	}
	return nil
}

func (a *fsStatTool) Execute(_ context.Context, input ToolInput) (*ToolOutput, error) {
	params := input.Args
	if params == nil {
		params = map[string]any{}
	}

	if err := a.Validate(params); err != nil {
		return nil, err
	}

	path, err := absPath(stringParam(params, "path", ""))
	if err != nil {
		return nil, err
	}

	if err := a.cfg.Limits.ValidatePath(path, isolation.PathAccessRead); err != nil {
		return nil, pathDenied(err, isolation.OpFSRead)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "fs.stat: %v", err).WithCause(err)
	}

	return marshalOutput(fileInfoMap(path, info))
}
