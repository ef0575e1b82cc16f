package session

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// scratchIDPattern restricts path components to filesystem-safe IDs.
var scratchIDPattern = regexp.MustCompile(`^[A-Za-z0-9-]+$`)

// ScratchDir resolves the scratch directory for an agent and rejects IDs that
// could escape the base directory.
func ScratchDir(baseDir, deploymentID, agentID string) (string, error) {
	if !scratchIDPattern.MatchString(deploymentID) {
		return "", fmt.Errorf("invalid deployment id for scratch path: %q", deploymentID)
	}
	if !scratchIDPattern.MatchString(agentID) {
		return "", fmt.Errorf("invalid agent id for scratch path: %q", agentID)
	}
	dir := filepath.Join(baseDir, deploymentID, agentID)
	if err := ensureContained(baseDir, dir); err != nil {
		return "", err
	}
	return dir, nil
}

// EnsureScratchDir creates the agent's scratch directory.
func EnsureScratchDir(baseDir, deploymentID, agentID string) (string, error) {
	dir, err := ScratchDir(baseDir, deploymentID, agentID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create scratch dir: %w", err)
	}
	return dir, nil
}

// CleanupScratch removes one agent's scratch directory.
func CleanupScratch(baseDir, deploymentID, agentID string) error {
	dir, err := ScratchDir(baseDir, deploymentID, agentID)
	if err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

// CleanupDeploymentScratch removes a deployment's whole scratch tree.
func CleanupDeploymentScratch(baseDir, deploymentID string) error {
	if !scratchIDPattern.MatchString(deploymentID) {
		return fmt.Errorf("invalid deployment id for scratch path: %q", deploymentID)
	}
	dir := filepath.Join(baseDir, deploymentID)
	if err := ensureContained(baseDir, dir); err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

// ensureContained guards against deletions outside the scratch base.
func ensureContained(baseDir, dir string) error {
	absBase, err := filepath.Abs(baseDir)
	if err != nil {
		return err
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	if absDir != absBase && !strings.HasPrefix(absDir, absBase+string(filepath.Separator)) {
		return fmt.Errorf("path %q escapes scratch base %q", dir, baseDir)
	}
	return nil
}
