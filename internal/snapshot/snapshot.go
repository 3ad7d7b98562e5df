// Package snapshot archives bot instance directories as tarballs with
// metadata rows, and restores them with a pre-restore safety copy.
package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/wopr/platform/internal/platform"
	"github.com/wopr/platform/internal/store"
)

// DefaultRetain is how many snapshots the retention sweep keeps per
// instance.
const DefaultRetain = 10

var safeID = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Manager owns the snapshot directory and its metadata rows.
type Manager struct {
	repo   store.SnapshotRepo
	dir    string
	retain int
}

func NewManager(repo store.SnapshotRepo, dir string) *Manager {
	return &Manager{repo: repo, dir: dir, retain: DefaultRetain}
}

// SetRetain overrides the per-instance retention count.
func (m *Manager) SetRetain(n int) {
	if n > 0 {
		m.retain = n
	}
}

// Create archives srcDir into <dir>/<instanceId>/<uuid>.tar.gz and
// inserts the metadata row. A failed insert removes the tarball again.
func (m *Manager) Create(ctx context.Context, instanceID, userID, srcDir string, trigger store.SnapshotTrigger, plugins json.RawMessage) (*store.SnapshotRecord, error) {
	if !safeID.MatchString(instanceID) {
		return nil, platform.Ef(platform.KindValidation, "invalid instance id %q", instanceID)
	}
	if _, err := os.Stat(srcDir); err != nil {
		return nil, platform.Ef(platform.KindNotFound, "source directory %s: %s", srcDir, err)
	}

	id := uuid.NewString()
	instDir := filepath.Join(m.dir, instanceID)
	if err := os.MkdirAll(instDir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	tarPath := filepath.Join(instDir, id+".tar.gz")

	// The archive keeps basename(srcDir) as its single top-level entry so
	// restore can strip it back off.
	cmd := exec.CommandContext(ctx, "tar", "-czf", tarPath,
		"-C", filepath.Dir(srcDir), filepath.Base(srcDir))
	if out, err := cmd.CombinedOutput(); err != nil {
		os.Remove(tarPath)
		return nil, fmt.Errorf("tar create: %w: %s", err, out)
	}

	info, err := os.Stat(tarPath)
	if err != nil {
		return nil, fmt.Errorf("stat snapshot: %w", err)
	}
	sizeMB := math.Round(float64(info.Size())/1024/1024*100) / 100

	rec := &store.SnapshotRecord{
		ID:          id,
		InstanceID:  instanceID,
		UserID:      userID,
		CreatedAt:   time.Now().UTC(),
		SizeMB:      sizeMB,
		Trigger:     trigger,
		Plugins:     plugins,
		ConfigHash:  configHash(srcDir),
		StoragePath: tarPath,
	}
	if err := m.repo.Insert(ctx, rec); err != nil {
		os.Remove(tarPath)
		return nil, err
	}
	slog.Info("snapshot created", "instance", instanceID, "snapshot", id, "sizeMB", sizeMB, "trigger", trigger)
	return rec, nil
}

// Restore unpacks the snapshot into dstDir. The existing dstDir is
// parked under a pre-restore name and only removed once the extract
// succeeds; on failure it is moved back.
func (m *Manager) Restore(ctx context.Context, snapshotID, dstDir string) error {
	rec, err := m.repo.Get(ctx, snapshotID)
	if err != nil {
		return err
	}

	backup := fmt.Sprintf("%s.pre-restore-%d", dstDir, time.Now().Unix())
	hadPrev := true
	if err := os.Rename(dstDir, backup); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("park destination: %w", err)
		}
		hadPrev = false
	}

	if err := m.extract(ctx, rec.StoragePath, dstDir); err != nil {
		os.RemoveAll(dstDir)
		if hadPrev {
			if rerr := os.Rename(backup, dstDir); rerr != nil {
				slog.Error("restore rollback failed", "snapshot", snapshotID, "backup", backup, "error", rerr)
			}
		}
		return err
	}

	if hadPrev {
		if err := os.RemoveAll(backup); err != nil {
			slog.Warn("pre-restore backup not removed", "path", backup, "error", err)
		}
	}
	slog.Info("snapshot restored", "snapshot", snapshotID, "dst", dstDir)
	return nil
}

func (m *Manager) extract(ctx context.Context, tarPath, dstDir string) error {
	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return fmt.Errorf("create destination: %w", err)
	}
	cmd := exec.CommandContext(ctx, "tar", "-xzf", tarPath, "-C", dstDir, "--strip-components=1")
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("tar extract: %w: %s", err, out)
	}
	return nil
}

func (m *Manager) Get(ctx context.Context, id string) (*store.SnapshotRecord, error) {
	return m.repo.Get(ctx, id)
}

func (m *Manager) List(ctx context.Context, instanceID string) ([]store.SnapshotRecord, error) {
	return m.repo.ListByInstance(ctx, instanceID)
}

func (m *Manager) Count(ctx context.Context, instanceID string) (int, error) {
	return m.repo.Count(ctx, instanceID)
}

// Delete removes the metadata row and the tarball. A missing tarball is
// not an error; the row is authoritative.
func (m *Manager) Delete(ctx context.Context, id string) error {
	rec, err := m.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := m.repo.Delete(ctx, id); err != nil {
		return err
	}
	if err := os.Remove(rec.StoragePath); err != nil && !os.IsNotExist(err) {
		slog.Warn("snapshot tarball not removed", "snapshot", id, "path", rec.StoragePath, "error", err)
	}
	return nil
}

// Sweep trims each listed instance down to the newest retain snapshots.
func (m *Manager) Sweep(ctx context.Context, instanceIDs ...string) error {
	for _, inst := range instanceIDs {
		n, err := m.repo.Count(ctx, inst)
		if err != nil {
			return err
		}
		if n <= m.retain {
			continue
		}
		old, err := m.repo.GetOldest(ctx, inst, n-m.retain)
		if err != nil {
			return err
		}
		for _, rec := range old {
			if err := m.Delete(ctx, rec.ID); err != nil {
				slog.Warn("retention delete failed", "instance", inst, "snapshot", rec.ID, "error", err)
			}
		}
		slog.Info("snapshot retention swept", "instance", inst, "removed", len(old))
	}
	return nil
}

// configHash hashes src/config.json when present, else "".
func configHash(srcDir string) string {
	data, err := os.ReadFile(filepath.Join(srcDir, "config.json"))
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
