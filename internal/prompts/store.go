package prompts

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

//go:embed defaults
var defaultFiles embed.FS

const (
	systemFile = "system.md"
	userFile   = "user.md"
	// DefaultRef is the shared template directory used when a bot has none of its own.
	DefaultRef = "default"
)

// Store 提示词模板来源。空字符串表示使用内置模板。
type Store interface {
	LoadSystemTemplate(botRef string) (string, error)
	LoadUserTemplate(botRef string) (string, error)
}

// FileStore reads <dir>/<ref>/system.md and user.md, falling back to <dir>/default/.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

func (s *FileStore) LoadSystemTemplate(botRef string) (string, error) {
	return s.load(botRef, systemFile)
}

func (s *FileStore) LoadUserTemplate(botRef string) (string, error) {
	return s.load(botRef, userFile)
}

func (s *FileStore) load(botRef, name string) (string, error) {
	if s == nil || s.dir == "" {
		return "", nil
	}
	refs := []string{DefaultRef}
	if botRef != "" && botRef != DefaultRef {
		refs = []string{botRef, DefaultRef}
	}
	for _, ref := range refs {
		// ref 来自配置, 禁止跳出模板目录
		if strings.Contains(ref, "..") || filepath.IsAbs(ref) {
			return "", fmt.Errorf("invalid prompt ref %q", ref)
		}
		data, err := os.ReadFile(filepath.Join(s.dir, ref, name))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("read template %s/%s: %w", ref, name, err)
		}
		if strings.TrimSpace(string(data)) == "" {
			continue
		}
		return string(data), nil
	}
	return "", nil
}

// DefaultSystem returns the built-in system template.
func DefaultSystem() string {
	return mustDefault(systemFile)
}

// DefaultUser returns the built-in user template.
func DefaultUser() string {
	return mustDefault(userFile)
}

func mustDefault(name string) string {
	data, err := defaultFiles.ReadFile("defaults/" + name)
	if err != nil {
		panic(fmt.Sprintf("embedded template %s missing: %v", name, err))
	}
	return string(data)
}
