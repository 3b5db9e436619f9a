package sandbox

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cage/internal/model"
)

// resolveWorkspacePath joins rel onto a session's workspace root and
// rejects any result that would escape it, whether via ".." segments or an
// absolute path.
func resolveWorkspacePath(root, rel string) (string, error) {
	rel = strings.TrimPrefix(rel, "/")
	clean := filepath.Clean(filepath.Join(root, rel))
	if clean != root && !strings.HasPrefix(clean, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes workspace", rel)
	}
	return clean, nil
}

// ListFiles lists the contents of a directory under a session's workspace.
func (m *Manager) ListFiles(session *Session, rel string) (model.FileListResponse, error) {
	dir, err := resolveWorkspacePath(session.WorkspacePath, rel)
	if err != nil {
		return model.FileListResponse{}, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return model.FileListResponse{}, fmt.Errorf("read dir: %w", err)
	}

	var total int64
	files := make([]model.FileInfo, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		ft := model.FileTypeFile
		if e.IsDir() {
			ft = model.FileTypeDirectory
		}
		files = append(files, model.FileInfo{
			Name:       e.Name(),
			Path:       filepath.Join(rel, e.Name()),
			Type:       ft,
			SizeBytes:  info.Size(),
			ModifiedAt: info.ModTime(),
		})
		total += info.Size()
	}

	return model.FileListResponse{Path: rel, Files: files, TotalSizeBytes: total}, nil
}

// ReadFile returns the contents of a file under a session's workspace.
func (m *Manager) ReadFile(session *Session, rel string) ([]byte, error) {
	path, err := resolveWorkspacePath(session.WorkspacePath, rel)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

// WriteFile writes content to a file under a session's workspace, creating
// parent directories as needed, and returns its SHA-256 checksum.
func (m *Manager) WriteFile(session *Session, rel string, content []byte) (string, error) {
	path, err := resolveWorkspacePath(session.WorkspacePath, rel)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create parent dirs: %w", err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return checksum(content), nil
}

// DeleteFile removes a file under a session's workspace.
func (m *Manager) DeleteFile(session *Session, rel string) error {
	path, err := resolveWorkspacePath(session.WorkspacePath, rel)
	if err != nil {
		return err
	}
	return os.Remove(path)
}

func checksum(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
