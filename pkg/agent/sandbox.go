package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/ksi-project/ksi/pkg/models"
)

// Sandboxes allocates and polices per-agent working directories. Every
// agent owns exactly one uuid-named directory under the root; the uuid is
// stable for the agent's lifetime and persisted on its entity.
type Sandboxes struct {
	root string
}

// NewSandboxes creates the allocator, ensuring the root exists.
func NewSandboxes(root string) (*Sandboxes, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating sandbox root %s: %w", root, err)
	}
	return &Sandboxes{root: root}, nil
}

// Create allocates a fresh sandbox directory and returns its path.
func (s *Sandboxes) Create() (string, error) {
	path := filepath.Join(s.root, uuid.New().String())
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", fmt.Errorf("creating sandbox %s: %w", path, err)
	}
	return path, nil
}

// Remove deletes a sandbox directory. Paths outside the root are refused;
// a sandbox path always comes from Create, so anything else is a bug or an
// escape attempt.
func (s *Sandboxes) Remove(path string) error {
	if _, err := s.resolve(path, "."); err != nil {
		return err
	}
	return os.RemoveAll(path)
}

// Resolve maps an agent-supplied relative path into its sandbox. Any
// traversal out of the sandbox is rejected with permission_denied.
func (s *Sandboxes) Resolve(sandboxPath, rel string) (string, error) {
	return s.resolve(sandboxPath, rel)
}

func (s *Sandboxes) resolve(sandboxPath, rel string) (string, error) {
	base, err := filepath.Abs(sandboxPath)
	if err != nil {
		return "", models.WrapError(models.KindInvalidArgument, err, "bad sandbox path")
	}
	rootAbs, err := filepath.Abs(s.root)
	if err != nil {
		return "", models.WrapError(models.KindInternal, err, "bad sandbox root")
	}
	if base != rootAbs && !strings.HasPrefix(base, rootAbs+string(filepath.Separator)) {
		return "", models.NewError(models.KindPermissionDenied,
			"path %s is outside the sandbox root", sandboxPath)
	}

	joined := filepath.Clean(filepath.Join(base, rel))
	if joined != base && !strings.HasPrefix(joined, base+string(filepath.Separator)) {
		return "", models.NewError(models.KindPermissionDenied,
			"path %q escapes the sandbox", rel)
	}
	return joined, nil
}
