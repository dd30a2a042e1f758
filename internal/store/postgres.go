package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agreenet/providerd/internal/chain"
	"github.com/agreenet/providerd/internal/models"
	"github.com/agreenet/providerd/internal/pkg/cidutil"
)

type postgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgres creates a Postgres-backed store.
func NewPostgres(pool *pgxpool.Pool, logger *slog.Logger) Store {
	return &postgresStore{
		pool:   pool,
		logger: logger.With(slog.String("component", "store")),
	}
}

// EnsureProtocol returns the protocol row for an address, creating it on
// first reference.
func (s *postgresStore) EnsureProtocol(ctx context.Context, address string) (*models.Protocol, error) {
	address = chain.NormalizeAddress(address)
	query := `
		INSERT INTO protocols (address)
		VALUES ($1)
		ON CONFLICT (address) DO UPDATE SET address = protocols.address
		RETURNING id, address, details_link, created_at`

	var p models.Protocol
	err := s.pool.QueryRow(ctx, query, address).Scan(&p.ID, &p.Address, &p.DetailsLink, &p.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("ensure protocol %s: %w", address, err)
	}
	return &p, nil
}

// GetProtocolByAddress retrieves a protocol by address.
func (s *postgresStore) GetProtocolByAddress(ctx context.Context, address string) (*models.Protocol, error) {
	query := `SELECT id, address, details_link, created_at FROM protocols WHERE address = $1`

	var p models.Protocol
	err := s.pool.QueryRow(ctx, query, chain.NormalizeAddress(address)).
		Scan(&p.ID, &p.Address, &p.DetailsLink, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// SaveProvider upserts a provider row keyed by its on-chain id.
func (s *postgresStore) SaveProvider(ctx context.Context, p *models.Provider) error {
	query := `
		INSERT INTO providers (id, owner_address, operator_address, details_link, is_virtual, gateway_provider_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			owner_address = EXCLUDED.owner_address,
			operator_address = EXCLUDED.operator_address,
			details_link = EXCLUDED.details_link,
			is_virtual = EXCLUDED.is_virtual,
			gateway_provider_id = EXCLUDED.gateway_provider_id
		RETURNING created_at`

	return s.pool.QueryRow(ctx, query,
		p.ID,
		chain.NormalizeAddress(p.OwnerAddress),
		chain.NormalizeAddress(p.OperatorAddress),
		p.DetailsLink,
		p.IsVirtual,
		p.GatewayProviderID,
	).Scan(&p.CreatedAt)
}

// GetProviderByOwner retrieves a provider by owner address.
func (s *postgresStore) GetProviderByOwner(ctx context.Context, ownerAddress string) (*models.Provider, error) {
	query := `
		SELECT id, owner_address, operator_address, details_link, is_virtual, gateway_provider_id, created_at
		FROM providers WHERE owner_address = $1`

	var p models.Provider
	err := s.pool.QueryRow(ctx, query, chain.NormalizeAddress(ownerAddress)).Scan(
		&p.ID, &p.OwnerAddress, &p.OperatorAddress, &p.DetailsLink,
		&p.IsVirtual, &p.GatewayProviderID, &p.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListVirtualProviders lists the virtual children of a gateway provider.
func (s *postgresStore) ListVirtualProviders(ctx context.Context, gatewayProviderID uint64) ([]*models.Provider, error) {
	query := `
		SELECT id, owner_address, operator_address, details_link, is_virtual, gateway_provider_id, created_at
		FROM providers
		WHERE is_virtual AND gateway_provider_id = $1
		ORDER BY id`

	rows, err := s.pool.Query(ctx, query, gatewayProviderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var providers []*models.Provider
	for rows.Next() {
		var p models.Provider
		if err := rows.Scan(
			&p.ID, &p.OwnerAddress, &p.OperatorAddress, &p.DetailsLink,
			&p.IsVirtual, &p.GatewayProviderID, &p.CreatedAt,
		); err != nil {
			return nil, err
		}
		providers = append(providers, &p)
	}
	return providers, rows.Err()
}

// CreateResource inserts a new resource row.
func (s *postgresStore) CreateResource(ctx context.Context, r *models.Resource) error {
	protocol, err := s.EnsureProtocol(ctx, r.ProtocolAddress)
	if err != nil {
		return err
	}

	details, err := marshalDetails(r.Details)
	if err != nil {
		return err
	}
	groupName := r.GroupName
	if groupName == "" {
		groupName = "default"
	}

	query := `
		INSERT INTO resources (id, pt_address_id, name, owner_address, offer_id, provider_id, deployment_status, details, group_name, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at`

	err = s.pool.QueryRow(ctx, query,
		r.ID,
		protocol.ID,
		r.Name,
		chain.NormalizeAddress(r.OwnerAddress),
		r.OfferID,
		r.ProviderID,
		r.DeploymentStatus,
		details,
		groupName,
		r.IsActive,
	).Scan(&r.CreatedAt)
	if err != nil {
		return err
	}
	r.PtAddressID = protocol.ID
	r.GroupName = groupName
	return nil
}

const resourceColumns = `
	r.id, r.pt_address_id, p.address, r.name, r.owner_address, r.offer_id,
	r.provider_id, r.deployment_status, r.details, r.group_name, r.is_active, r.created_at`

// GetResource retrieves a resource by id, owner and protocol. The owner
// filter enforces authorization at the query layer.
func (s *postgresStore) GetResource(ctx context.Context, id uint64, ownerAddress, protocolAddress string) (*models.Resource, error) {
	query := `
		SELECT ` + resourceColumns + `
		FROM resources r
		JOIN protocols p ON p.id = r.pt_address_id
		WHERE r.id = $1 AND r.owner_address = $2 AND p.address = $3`

	return s.scanResource(s.pool.QueryRow(ctx, query,
		id, chain.NormalizeAddress(ownerAddress), chain.NormalizeAddress(protocolAddress)))
}

// GetResourceByID retrieves a resource by its composite primary key.
func (s *postgresStore) GetResourceByID(ctx context.Context, id uint64, protocolAddress string) (*models.Resource, error) {
	query := `
		SELECT ` + resourceColumns + `
		FROM resources r
		JOIN protocols p ON p.id = r.pt_address_id
		WHERE r.id = $1 AND p.address = $2`

	return s.scanResource(s.pool.QueryRow(ctx, query, id, chain.NormalizeAddress(protocolAddress)))
}

// ListResourcesByOwner lists every resource owned by an address.
func (s *postgresStore) ListResourcesByOwner(ctx context.Context, ownerAddress string) ([]*models.Resource, error) {
	query := `
		SELECT ` + resourceColumns + `
		FROM resources r
		JOIN protocols p ON p.id = r.pt_address_id
		WHERE r.owner_address = $1
		ORDER BY r.created_at DESC`

	rows, err := s.pool.Query(ctx, query, chain.NormalizeAddress(ownerAddress))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var resources []*models.Resource
	for rows.Next() {
		r, err := s.scanResource(rows)
		if err != nil {
			return nil, err
		}
		resources = append(resources, r)
	}
	return resources, rows.Err()
}

// UpdateResource updates the mutable columns of a resource. An unknown
// protocol is logged and the update dropped rather than written blind.
func (s *postgresStore) UpdateResource(ctx context.Context, id uint64, protocolAddress string, upd models.ResourceUpdate) error {
	protocol, err := s.GetProtocolByAddress(ctx, protocolAddress)
	if err != nil {
		return err
	}
	if protocol == nil {
		s.logger.Warn("update against unknown protocol, dropping",
			slog.Uint64("resourceId", id),
			slog.String("protocol", protocolAddress),
		)
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if upd.Name != nil {
		if _, err := tx.Exec(ctx,
			`UPDATE resources SET name = $1 WHERE id = $2 AND pt_address_id = $3`,
			*upd.Name, id, protocol.ID); err != nil {
			return err
		}
	}
	if upd.DeploymentStatus != nil {
		if _, err := tx.Exec(ctx,
			`UPDATE resources SET deployment_status = $1 WHERE id = $2 AND pt_address_id = $3`,
			*upd.DeploymentStatus, id, protocol.ID); err != nil {
			return err
		}
	}
	if upd.Details != nil {
		details, err := marshalDetails(upd.Details)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE resources SET details = $1 WHERE id = $2 AND pt_address_id = $3`,
			details, id, protocol.ID); err != nil {
			return err
		}
	}
	if upd.IsActive != nil {
		if _, err := tx.Exec(ctx,
			`UPDATE resources SET is_active = $1 WHERE id = $2 AND pt_address_id = $3`,
			*upd.IsActive, id, protocol.ID); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// DeleteResource marks a resource inactive, closed, and wipes its details.
func (s *postgresStore) DeleteResource(ctx context.Context, id uint64, protocolAddress string) error {
	protocol, err := s.GetProtocolByAddress(ctx, protocolAddress)
	if err != nil {
		return err
	}
	if protocol == nil {
		s.logger.Warn("delete against unknown protocol, dropping",
			slog.Uint64("resourceId", id),
			slog.String("protocol", protocolAddress),
		)
		return nil
	}

	_, err = s.pool.Exec(ctx, `
		UPDATE resources
		SET is_active = FALSE, deployment_status = $1, details = '{}'::jsonb
		WHERE id = $2 AND pt_address_id = $3`,
		models.DeploymentStatusClosed, id, protocol.ID)
	return err
}

// SyncDetailFiles makes the detail_files table agree exactly with the given
// set of contents, in a single transaction.
func (s *postgresStore) SyncDetailFiles(ctx context.Context, contents [][]byte) error {
	cids := make([]string, 0, len(contents))
	byCID := make(map[string][]byte, len(contents))
	for _, content := range contents {
		cid := cidutil.Sum(content)
		if _, dup := byCID[cid]; dup {
			continue
		}
		byCID[cid] = content
		cids = append(cids, cid)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM detail_files WHERE cid != ALL($1)`, cids); err != nil {
		return err
	}
	for _, cid := range cids {
		if _, err := tx.Exec(ctx, `
			INSERT INTO detail_files (cid, content) VALUES ($1, $2)
			ON CONFLICT (cid) DO NOTHING`,
			cid, string(byCID[cid])); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// SaveDetailFile inserts a detail blob, no-op when the CID already exists.
func (s *postgresStore) SaveDetailFile(ctx context.Context, cid string, content []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO detail_files (cid, content) VALUES ($1, $2)
		ON CONFLICT (cid) DO NOTHING`,
		cid, string(content))
	return err
}

// GetDetailFiles retrieves detail blobs by CID. Missing CIDs are simply
// absent from the result.
func (s *postgresStore) GetDetailFiles(ctx context.Context, cids []string) ([]*models.DetailFile, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, cid, content, created_at FROM detail_files WHERE cid = ANY($1)`, cids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []*models.DetailFile
	for rows.Next() {
		var f models.DetailFile
		var content string
		if err := rows.Scan(&f.ID, &f.CID, &content, &f.CreatedAt); err != nil {
			return nil, err
		}
		f.Content = []byte(content)
		files = append(files, &f)
	}
	return files, rows.Err()
}

// GetConfigValue reads a daemon config value; missing keys return "".
func (s *postgresStore) GetConfigValue(ctx context.Context, key string) (string, error) {
	var value string
	err := s.pool.QueryRow(ctx, `SELECT value FROM config WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// SetConfigValue upserts a daemon config value.
func (s *postgresStore) SetConfigValue(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO config (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		key, value)
	return err
}

// SaveOfferConfiguration upserts the per-offer configuration blob.
func (s *postgresStore) SaveOfferConfiguration(ctx context.Context, offerID uint32, protocolAddress string, configuration []byte) error {
	protocol, err := s.EnsureProtocol(ctx, protocolAddress)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO virtual_provider_offer_configurations (offer_id, pt_address_id, configuration)
		VALUES ($1, $2, $3)
		ON CONFLICT (offer_id, pt_address_id) DO UPDATE SET configuration = EXCLUDED.configuration`,
		offerID, protocol.ID, configuration)
	return err
}

// GetOfferConfiguration reads the per-offer configuration blob.
func (s *postgresStore) GetOfferConfiguration(ctx context.Context, offerID uint32, protocolAddress string) (*models.OfferConfiguration, error) {
	query := `
		SELECT c.id, c.offer_id, c.pt_address_id, p.address, c.configuration, c.created_at
		FROM virtual_provider_offer_configurations c
		JOIN protocols p ON p.id = c.pt_address_id
		WHERE c.offer_id = $1 AND p.address = $2`

	var cfg models.OfferConfiguration
	err := s.pool.QueryRow(ctx, query, offerID, chain.NormalizeAddress(protocolAddress)).Scan(
		&cfg.ID, &cfg.OfferID, &cfg.PtAddressID, &cfg.ProtocolAddress, &cfg.Configuration, &cfg.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (s *postgresStore) scanResource(row pgx.Row) (*models.Resource, error) {
	var r models.Resource
	var details []byte
	err := row.Scan(
		&r.ID, &r.PtAddressID, &r.ProtocolAddress, &r.Name, &r.OwnerAddress, &r.OfferID,
		&r.ProviderID, &r.DeploymentStatus, &details, &r.GroupName, &r.IsActive, &r.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(details, &r.Details); err != nil {
		return nil, fmt.Errorf("resource %d: decode details: %w", r.ID, err)
	}
	return &r, nil
}

func marshalDetails(details map[string]any) ([]byte, error) {
	if details == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("encode details: %w", err)
	}
	return b, nil
}
