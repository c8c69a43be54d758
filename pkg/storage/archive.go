// Package storage archives raw statement uploads so a committed import can
// be re-examined or replayed later. Files are content-addressed: saving the
// same bytes twice yields the same entry, matching the idempotence of the
// commit they belong to.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ArchivedFile describes one stored upload.
type ArchivedFile struct {
	ID          string    `json:"id"` // sha256 of the file contents
	Name        string    `json:"name"`
	ContentType string    `json:"contentType"`
	Size        int64     `json:"size"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Archive stores and retrieves raw uploads, scoped per account.
type Archive interface {
	Save(ctx context.Context, accountID uuid.UUID, name, contentType string, data []byte) (*ArchivedFile, error)
	Open(ctx context.Context, accountID uuid.UUID, id string) (io.ReadCloser, *ArchivedFile, error)
	List(ctx context.Context, accountID uuid.UUID) ([]*ArchivedFile, error)
}

// LocalArchive keeps uploads on the local filesystem under
// <dir>/<accountID>/<contentID> with a JSON metadata sidecar.
type LocalArchive struct {
	dir string
}

// NewLocalArchive creates the base directory if needed.
func NewLocalArchive(dir string) (*LocalArchive, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create archive directory: %w", err)
	}
	return &LocalArchive{dir: dir}, nil
}

// Save writes the file and its metadata. Re-saving identical bytes for the
// same account is a no-op that returns the existing entry.
func (a *LocalArchive) Save(ctx context.Context, accountID uuid.UUID, name, contentType string, data []byte) (*ArchivedFile, error) {
	sum := sha256.Sum256(data)
	id := hex.EncodeToString(sum[:])

	accountDir := filepath.Join(a.dir, accountID.String())
	if err := os.MkdirAll(accountDir, 0o755); err != nil {
		return nil, fmt.Errorf("create account directory: %w", err)
	}

	metaPath := filepath.Join(accountDir, id+".meta.json")
	if existing, err := readMeta(metaPath); err == nil {
		return existing, nil
	}

	info := &ArchivedFile{
		ID:          id,
		Name:        name,
		ContentType: contentType,
		Size:        int64(len(data)),
		CreatedAt:   time.Now().UTC(),
	}

	if err := os.WriteFile(filepath.Join(accountDir, id), data, 0o644); err != nil {
		return nil, fmt.Errorf("write archived file: %w", err)
	}
	meta, err := json.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("marshal archive metadata: %w", err)
	}
	if err := os.WriteFile(metaPath, meta, 0o644); err != nil {
		return nil, fmt.Errorf("write archive metadata: %w", err)
	}
	return info, nil
}

// Open returns the file contents and metadata for one archived upload.
func (a *LocalArchive) Open(ctx context.Context, accountID uuid.UUID, id string) (io.ReadCloser, *ArchivedFile, error) {
	accountDir := filepath.Join(a.dir, accountID.String())
	info, err := readMeta(filepath.Join(accountDir, id+".meta.json"))
	if err != nil {
		return nil, nil, fmt.Errorf("archived file %s: %w", id, err)
	}
	f, err := os.Open(filepath.Join(accountDir, id))
	if err != nil {
		return nil, nil, fmt.Errorf("open archived file: %w", err)
	}
	return f, info, nil
}

// List returns the account's archived uploads, unordered.
func (a *LocalArchive) List(ctx context.Context, accountID uuid.UUID) ([]*ArchivedFile, error) {
	accountDir := filepath.Join(a.dir, accountID.String())
	entries, err := os.ReadDir(accountDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read archive directory: %w", err)
	}

	var out []*ArchivedFile
	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), ".meta.json") {
			continue
		}
		info, err := readMeta(filepath.Join(accountDir, entry.Name()))
		if err != nil {
			continue
		}
		out = append(out, info)
	}
	return out, nil
}

func readMeta(path string) (*ArchivedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var info ArchivedFile
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("decode archive metadata: %w", err)
	}
	return &info, nil
}
