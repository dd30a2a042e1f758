// Package details manages the content-addressed detail blob registry
// mirrored from data/details/.
package details

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/agreenet/providerd/internal/chain"
	"github.com/agreenet/providerd/internal/models"
	"github.com/agreenet/providerd/internal/pkg/cidutil"
	"github.com/agreenet/providerd/internal/store"
)

// Registry is the CID-addressed detail blob store. The on-disk directory is
// authoritative at boot: Sync makes the table agree exactly with it.
type Registry struct {
	store  store.Store
	dir    string
	logger *slog.Logger
}

// NewRegistry creates a registry rooted at dir (conventionally
// data/details/).
func NewRegistry(st store.Store, dir string, logger *slog.Logger) *Registry {
	return &Registry{
		store:  st,
		dir:    dir,
		logger: logger.With(slog.String("component", "details")),
	}
}

// Sync walks the detail directory recursively, reads every regular file and
// replaces the persisted set with the on-disk one.
func (r *Registry) Sync(ctx context.Context) error {
	var contents [][]byte
	err := filepath.WalkDir(r.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read detail file %s: %w", path, err)
		}
		contents = append(contents, content)
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			r.logger.Warn("detail directory missing, syncing empty set", slog.String("dir", r.dir))
		} else {
			return fmt.Errorf("walk detail directory: %w", err)
		}
	}

	if err := r.store.SyncDetailFiles(ctx, contents); err != nil {
		return fmt.Errorf("sync detail files: %w", err)
	}
	r.logger.Info("detail files synced", slog.Int("count", len(contents)))
	return nil
}

// Get resolves a single CID, or nil when unknown.
func (r *Registry) Get(ctx context.Context, cid string) (*models.DetailFile, error) {
	files, err := r.store.GetDetailFiles(ctx, []string{cid})
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, nil
	}
	return files[0], nil
}

// GetMany resolves a set of CIDs; missing entries are absent from the result.
func (r *Registry) GetMany(ctx context.Context, cids []string) ([]*models.DetailFile, error) {
	return r.store.GetDetailFiles(ctx, cids)
}

// Put stores a detail blob in the table and writes it back to disk under
// the given filename so the next boot's sync preserves it. Returns the CID.
func (r *Registry) Put(ctx context.Context, content []byte, filename string) (string, error) {
	cid := cidutil.Sum(content)
	if err := r.store.SaveDetailFile(ctx, cid, content); err != nil {
		return "", err
	}
	path := filepath.Join(r.dir, filename)
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return "", fmt.Errorf("create detail directory: %w", err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return "", fmt.Errorf("write detail file %s: %w", path, err)
	}
	return cid, nil
}

// ProviderDetailFilename is the write-back name for a virtual provider's
// detail blob.
func ProviderDetailFilename(ownerAddress, cid string) string {
	return fmt.Sprintf("vprov.%s.details.%s.json", chain.NormalizeAddress(ownerAddress), cid)
}

// OfferDetailFilename is the write-back name for a virtual provider offer's
// detail blob.
func OfferDetailFilename(ownerAddress string, offerID uint32, protocolAddress, cid string) string {
	return fmt.Sprintf("vprov.%s.offer.%d.%s.details.%s.json",
		chain.NormalizeAddress(ownerAddress), offerID, chain.NormalizeAddress(protocolAddress), cid)
}
