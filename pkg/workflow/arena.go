package workflow

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/openfroyo/provisioner/pkg/tool"
)

// Files the runner owns inside an arena.
const (
	VarsFile  = "terraform.tfvars.json"
	StateFile = "terraform.tfstate"

	initMarker  = ".provisioner-init"
	moduleCache = ".terraform"
	lockFile    = ".terraform.lock.hcl"
)

// Template entries that are never copied into an arena.
var templateSkip = map[string]bool{
	moduleCache:           true,
	StateFile:             true,
	StateFile + ".backup": true,
	tool.PlanFile:         true,
	VarsFile:              true,
	initMarker:            true,
}

// Arena entries that survive a new prepare. Everything else came from an
// earlier copy of the template and is removed first.
var arenaKeep = map[string]bool{
	moduleCache:           true,
	lockFile:              true,
	initMarker:            true,
	StateFile:             true,
	StateFile + ".backup": true,
	tool.PlanFile:         true,
	VarsFile:              true,
}

// arena is the private working directory of one resource.
type arena struct {
	dir string
}

func newArena(root, resourceName string) arena {
	return arena{dir: filepath.Join(root, resourceName)}
}

func (a arena) path(name string) string {
	return filepath.Join(a.dir, name)
}

// prepare copies the template module into the arena, writes the rendered
// variables and restores the working state. A nil state removes any local
// state left by an earlier attempt. It returns a digest of the template.
func (a arena) prepare(templateDir string, vars, state []byte) (string, error) {
	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create arena: %w", err)
	}
	if err := a.clearTemplate(); err != nil {
		return "", err
	}

	digest, err := copyTemplate(templateDir, a.dir)
	if err != nil {
		return "", err
	}

	if err := os.WriteFile(a.path(VarsFile), vars, 0o600); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", VarsFile, err)
	}

	if state == nil {
		if err := removeIfExists(a.path(StateFile)); err != nil {
			return "", err
		}
	} else if err := os.WriteFile(a.path(StateFile), state, 0o600); err != nil {
		return "", fmt.Errorf("failed to restore state: %w", err)
	}

	// A plan file on disk is only trusted when the checkpoint restores it.
	if err := removeIfExists(a.path(tool.PlanFile)); err != nil {
		return "", err
	}

	return digest, nil
}

// clearTemplate removes what an earlier prepare copied, so files deleted
// from the template do not linger in a kept arena.
func (a arena) clearTemplate() error {
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		return fmt.Errorf("failed to read arena: %w", err)
	}
	for _, entry := range entries {
		if arenaKeep[entry.Name()] {
			continue
		}
		if err := os.RemoveAll(a.path(entry.Name())); err != nil {
			return fmt.Errorf("failed to clear arena: %w", err)
		}
	}
	return nil
}

// readState returns the local working state, or nil when the tool has not
// written one.
func (a arena) readState() ([]byte, error) {
	return readIfExists(a.path(StateFile))
}

func (a arena) readPlan() ([]byte, error) {
	return readIfExists(a.path(tool.PlanFile))
}

func (a arena) writePlan(plan []byte) error {
	if err := os.WriteFile(a.path(tool.PlanFile), plan, 0o600); err != nil {
		return fmt.Errorf("failed to restore saved plan: %w", err)
	}
	return nil
}

// initializedFor reports whether init last completed for configHash.
func (a arena) initializedFor(configHash string) bool {
	data, err := os.ReadFile(a.path(initMarker))
	return err == nil && string(bytes.TrimSpace(data)) == configHash
}

func (a arena) markInitialized(configHash string) error {
	if err := os.WriteFile(a.path(initMarker), []byte(configHash+"\n"), 0o644); err != nil {
		return fmt.Errorf("failed to mark arena initialized: %w", err)
	}
	return nil
}

func (a arena) clearInitialized() error {
	return removeIfExists(a.path(initMarker))
}

func (a arena) remove() error {
	if err := os.RemoveAll(a.dir); err != nil {
		return fmt.Errorf("failed to remove arena: %w", err)
	}
	return nil
}

// copyTemplate copies src into dst and hashes every copied path and file.
// Runner-owned files at the top level of src are skipped.
func copyTemplate(src, dst string) (string, error) {
	hash := sha256.New()

	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if filepath.Dir(rel) == "." && templateSkip[d.Name()] {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		_, _ = fmt.Fprintf(hash, "%s\x00%o\x00", filepath.ToSlash(rel), info.Mode().Perm())
		target := filepath.Join(dst, rel)

		switch {
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm()|0o700)
		case info.Mode().IsRegular():
			return copyFile(path, target, info.Mode().Perm(), hash)
		default:
			// Symlinks and special files have no place in a module.
			return nil
		}
	})
	if err != nil {
		return "", fmt.Errorf("failed to copy template %s: %w", src, err)
	}

	return hex.EncodeToString(hash.Sum(nil)), nil
}

func copyFile(src, dst string, mode os.FileMode, hash io.Writer) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}

	if _, err := io.Copy(io.MultiWriter(out, hash), in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func readIfExists(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}
	return data, nil
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", filepath.Base(path), err)
	}
	return nil
}

// configHash identifies a rendered configuration applied to a template.
func configHash(templateDigest string, vars []byte) string {
	hash := sha256.New()
	_, _ = io.WriteString(hash, templateDigest)
	_, _ = hash.Write([]byte{0})
	_, _ = hash.Write(vars)
	return hex.EncodeToString(hash.Sum(nil))
}
