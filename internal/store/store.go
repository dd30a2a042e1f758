// Package store provides the daemon's transactional persistence layer.
package store

import (
	"context"

	"github.com/agreenet/providerd/internal/models"
)

// ConfigKeyLastProcessedBlock is the reconciler's persisted cursor.
const ConfigKeyLastProcessedBlock = "LAST_PROCESSED_BLOCK"

// Store is the transactional persistence interface. All address matching is
// case-insensitive; read misses return (nil, nil).
type Store interface {
	// Protocols
	EnsureProtocol(ctx context.Context, address string) (*models.Protocol, error)
	GetProtocolByAddress(ctx context.Context, address string) (*models.Protocol, error)

	// Providers
	SaveProvider(ctx context.Context, p *models.Provider) error
	GetProviderByOwner(ctx context.Context, ownerAddress string) (*models.Provider, error)
	ListVirtualProviders(ctx context.Context, gatewayProviderID uint64) ([]*models.Provider, error)

	// Resources
	CreateResource(ctx context.Context, r *models.Resource) error
	// GetResource returns the resource only when it belongs to the given
	// owner; authorization is enforced at the query layer.
	GetResource(ctx context.Context, id uint64, ownerAddress, protocolAddress string) (*models.Resource, error)
	GetResourceByID(ctx context.Context, id uint64, protocolAddress string) (*models.Resource, error)
	ListResourcesByOwner(ctx context.Context, ownerAddress string) ([]*models.Resource, error)
	UpdateResource(ctx context.Context, id uint64, protocolAddress string, upd models.ResourceUpdate) error
	// DeleteResource marks the resource inactive, sets its status to
	// Closed and wipes its details.
	DeleteResource(ctx context.Context, id uint64, protocolAddress string) error

	// Detail blobs
	// SyncDetailFiles replaces the stored CID set with the given contents
	// in a single transaction: rows absent from contents are deleted, the
	// rest upserted.
	SyncDetailFiles(ctx context.Context, contents [][]byte) error
	SaveDetailFile(ctx context.Context, cid string, content []byte) error
	GetDetailFiles(ctx context.Context, cids []string) ([]*models.DetailFile, error)

	// Key/value config
	GetConfigValue(ctx context.Context, key string) (string, error)
	SetConfigValue(ctx context.Context, key, value string) error

	// Virtual-provider offer configuration
	SaveOfferConfiguration(ctx context.Context, offerID uint32, protocolAddress string, configuration []byte) error
	GetOfferConfiguration(ctx context.Context, offerID uint32, protocolAddress string) (*models.OfferConfiguration, error)
}
