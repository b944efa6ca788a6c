package process

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const maxFileReadBytes = 10 << 20

// fileOperationExecutor performs filesystem work confined to the
// execution's output directory, with text extraction and document
// generation delegated to host services for rich formats.
//
// Config:
//
//	operation     read|write|delete|list|exists|extract_text|generate_document
//	path          file path relative to the execution output directory
//	content       content for write; non-strings are written as JSON
//	file          {id, path, name, mime_type} for extract_text
//	format        generate_document output format, default "txt"
//	title         generate_document title
//	instructions  generate_document rendering instructions
//	data          generate_document payload, interpolated
type fileOperationExecutor struct {
	deps *Dependencies
}

func (x *fileOperationExecutor) Validate(node *Node) *ExecutionError {
	op := configString(node.Config, "operation", "")
	switch op {
	case "read", "write", "delete", "list", "exists", "extract_text", "generate_document":
		return nil
	case "":
		return NewValidationError("MISSING_CONFIG", "file node %s needs an operation", node.ID)
	default:
		return NewValidationError("INVALID_CONFIG", "file node %s has unknown operation %q", node.ID, op)
	}
}

func (x *fileOperationExecutor) Execute(ctx context.Context, node *Node, st *State, ec *ExecContext) *NodeResult {
	op := configString(node.Config, "operation", "")

	switch op {
	case "extract_text":
		return x.extractText(ctx, node, st, ec)
	case "generate_document":
		return x.generateDocument(ctx, node, st, ec)
	}

	if ec.OutputDir == "" {
		return Failure(NewConfigurationError("NO_OUTPUT_DIR", "file operations need an output directory"))
	}
	rel, err := st.InterpolateString(configString(node.Config, "path", ""))
	if err != nil {
		return Failure(err)
	}
	path, pathErr := confinePath(ec.OutputDir, rel)
	if pathErr != nil {
		return Failure(pathErr)
	}

	switch op {
	case "read":
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			if os.IsNotExist(readErr) {
				return Failure(NewValidationError("FILE_NOT_FOUND", "file %s does not exist", rel))
			}
			return Failure(wrapError(CategoryInternal, "FILE_READ_FAILED", readErr, "failed to read %s: %v", rel, readErr))
		}
		if len(data) > maxFileReadBytes {
			return Failure(NewResourceError("FILE_TOO_LARGE", "file %s exceeds the read limit", rel))
		}
		return Success(map[string]interface{}{"content": string(data), "size": len(data)})

	case "write":
		resolved, werr := st.InterpolateValue(node.Config["content"])
		if werr != nil {
			return Failure(werr)
		}
		content, ok := resolved.(string)
		if !ok {
			encoded, merr := json.MarshalIndent(resolved, "", "  ")
			if merr != nil {
				return Failure(NewValidationError("INVALID_CONTENT", "content is not serializable: %v", merr))
			}
			content = string(encoded)
		}
		if mkErr := os.MkdirAll(filepath.Dir(path), 0o755); mkErr != nil {
			return Failure(wrapError(CategoryInternal, "FILE_WRITE_FAILED", mkErr, "failed to create directory: %v", mkErr))
		}
		if wrErr := os.WriteFile(path, []byte(content), 0o644); wrErr != nil {
			return Failure(wrapError(CategoryInternal, "FILE_WRITE_FAILED", wrErr, "failed to write %s: %v", rel, wrErr))
		}
		return Success(map[string]interface{}{"path": rel, "size": len(content)})

	case "delete":
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			return Failure(wrapError(CategoryInternal, "FILE_DELETE_FAILED", rmErr, "failed to delete %s: %v", rel, rmErr))
		}
		return Success(map[string]interface{}{"deleted": true})

	case "exists":
		_, statErr := os.Stat(path)
		return Success(map[string]interface{}{"exists": statErr == nil})

	case "list":
		entries, listErr := os.ReadDir(path)
		if listErr != nil {
			if os.IsNotExist(listErr) {
				return Success(map[string]interface{}{"files": []interface{}{}, "count": 0})
			}
			return Failure(wrapError(CategoryInternal, "FILE_LIST_FAILED", listErr, "failed to list %s: %v", rel, listErr))
		}
		var files []interface{}
		for _, entry := range entries {
			info, infoErr := entry.Info()
			size := int64(0)
			if infoErr == nil {
				size = info.Size()
			}
			files = append(files, map[string]interface{}{
				"name": entry.Name(),
				"dir":  entry.IsDir(),
				"size": size,
			})
		}
		return Success(map[string]interface{}{"files": files, "count": len(files)})
	}
	return Failure(NewInternalError("UNREACHABLE", "unhandled file operation"))
}

func (x *fileOperationExecutor) extractText(ctx context.Context, node *Node, st *State, ec *ExecContext) *NodeResult {
	fileCfg := configMap(node.Config, "file")
	if fileCfg == nil {
		return Failure(NewValidationError("MISSING_CONFIG", "extract_text needs a file descriptor"))
	}
	resolved, err := st.InterpolateValue(fileCfg)
	if err != nil {
		return Failure(err)
	}
	fc := resolved.(map[string]interface{})
	ref := FileRef{
		ID:       configString(fc, "id", ""),
		Path:     configString(fc, "path", ""),
		Name:     configString(fc, "name", ""),
		MimeType: configString(fc, "mime_type", ""),
	}

	// Plain text formats are read directly; rich formats go through the
	// host's extractor.
	if isPlainText(ref) && ref.Path != "" {
		data, readErr := os.ReadFile(ref.Path)
		if readErr != nil {
			return Failure(wrapError(CategoryInternal, "FILE_READ_FAILED", readErr, "failed to read %s: %v", ref.Path, readErr))
		}
		text := string(data)
		if strings.TrimSpace(text) == "" {
			return Failure(NewBusinessError("EXTRACTION_FAILED", "file %s contains no text", ref.Name))
		}
		return Success(map[string]interface{}{"text": text, "length": len(text)})
	}

	if x.deps.Extractor == nil {
		return Failure(NewConfigurationError("MISSING_DEPENDENCY",
			"no text extractor is configured for %s files", ref.MimeType))
	}
	text, exErr := x.deps.Extractor.Extract(ctx, ref)
	if exErr != nil {
		return Failure(wrapError(CategoryExternal, "EXTRACTION_FAILED", exErr, "text extraction failed: %v", exErr))
	}
	if strings.TrimSpace(text) == "" {
		return Failure(NewBusinessError("EXTRACTION_FAILED", "no text could be extracted from %s", ref.Name))
	}
	return Success(map[string]interface{}{"text": text, "length": len(text)})
}

func (x *fileOperationExecutor) generateDocument(ctx context.Context, node *Node, st *State, ec *ExecContext) *NodeResult {
	format := configString(node.Config, "format", "txt")
	title, err := st.InterpolateString(configString(node.Config, "title", "document"))
	if err != nil {
		return Failure(err)
	}
	data, err := st.InterpolateValue(node.Config["data"])
	if err != nil {
		return Failure(err)
	}

	if format == "txt" {
		if ec.OutputDir == "" {
			return Failure(NewConfigurationError("NO_OUTPUT_DIR", "document generation needs an output directory"))
		}
		content := fmt.Sprintf("%v", data)
		if s, ok := data.(string); ok {
			content = s
		}
		filename := sanitizeFilename(title) + ".txt"
		path, pathErr := confinePath(ec.OutputDir, filename)
		if pathErr != nil {
			return Failure(pathErr)
		}
		if mkErr := os.MkdirAll(ec.OutputDir, 0o755); mkErr != nil {
			return Failure(wrapError(CategoryInternal, "FILE_WRITE_FAILED", mkErr, "failed to create output directory: %v", mkErr))
		}
		if wrErr := os.WriteFile(path, []byte(content), 0o644); wrErr != nil {
			return Failure(wrapError(CategoryInternal, "FILE_WRITE_FAILED", wrErr, "failed to write document: %v", wrErr))
		}
		return Success(map[string]interface{}{
			"title": title, "format": "txt", "path": path, "filename": filename, "size": len(content),
		})
	}

	if x.deps.Renderer == nil {
		return Failure(NewConfigurationError("MISSING_DEPENDENCY", "no document renderer is configured for %s output", format))
	}
	instructions, err := st.InterpolateString(configString(node.Config, "instructions", ""))
	if err != nil {
		return Failure(err)
	}
	doc, renderErr := x.deps.Renderer.Render(ctx, RenderRequest{
		Format:       format,
		Title:        title,
		Instructions: instructions,
		Data:         data,
		OutputDir:    ec.OutputDir,
	})
	if renderErr != nil {
		return Failure(wrapError(CategoryExternal, "RENDER_FAILED", renderErr, "document generation failed: %v", renderErr))
	}
	return Success(map[string]interface{}{
		"title": doc.Title, "format": doc.Format, "path": doc.Path, "filename": doc.Filename, "size": doc.Size,
	})
}

// confinePath resolves rel under root and rejects escapes.
func confinePath(root, rel string) (string, *ExecutionError) {
	if rel == "" {
		return "", NewValidationError("MISSING_CONFIG", "a file path is required")
	}
	if filepath.IsAbs(rel) {
		return "", NewValidationError("INVALID_PATH", "path %q must be relative", rel)
	}
	joined := filepath.Join(root, rel)
	cleanRoot := filepath.Clean(root)
	if joined != cleanRoot && !strings.HasPrefix(joined, cleanRoot+string(filepath.Separator)) {
		return "", NewValidationError("INVALID_PATH", "path %q escapes the output directory", rel)
	}
	return joined, nil
}

func isPlainText(ref FileRef) bool {
	if strings.HasPrefix(ref.MimeType, "text/") {
		return true
	}
	switch strings.ToLower(filepath.Ext(ref.Name + ref.Path)) {
	case ".txt", ".csv", ".md", ".log", ".json":
		return true
	}
	return false
}

func sanitizeFilename(title string) string {
	out := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		case r == ' ':
			return '_'
		default:
			return -1
		}
	}, title)
	if out == "" {
		out = "document"
	}
	return out
}
