package db

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"fedilogin/internal/types"
)

// ServerRepository provides data access for the servers table.
type ServerRepository struct {
	db DBTX
}

// NewServerRepository creates a new ServerRepository backed by the given
// database connection (pool or transaction).
func NewServerRepository(db DBTX) *ServerRepository {
	return &ServerRepository{db: db}
}

const serverColumns = `id, hostname, client_id, client_secret, created_at, updated_at`

func scanServer(row pgx.Row) (*types.ServerRegistration, error) {
	var (
		s      types.ServerRegistration
		secret string
	)
	if err := row.Scan(
		&s.ID,
		&s.Hostname,
		&s.ClientID,
		&secret,
		&s.CreatedAt,
		&s.UpdatedAt,
	); err != nil {
		return nil, err
	}
	s.ClientSecret = types.SecretString(secret)
	return &s, nil
}

// GetByHostname returns the registration for a normalized hostname.
// Returns not_found_server when no row exists.
func (r *ServerRepository) GetByHostname(ctx context.Context, hostname string) (*types.ServerRegistration, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+serverColumns+` FROM servers WHERE hostname = $1`,
		hostname,
	)
	s, err := scanServer(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundServer, "server not registered", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve server", err)
	}
	return s, nil
}

// Create inserts a new registration. ID and timestamps are filled in on the
// passed struct. A concurrent insert for the same hostname surfaces as
// conflict_duplicate_server.
func (r *ServerRepository) Create(ctx context.Context, s *types.ServerRegistration) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	err := r.db.QueryRow(ctx,
		`INSERT INTO servers (id, hostname, client_id, client_secret)
		 VALUES ($1, $2, $3, $4)
		 RETURNING created_at, updated_at`,
		s.ID,
		s.Hostname,
		s.ClientID,
		s.ClientSecret.Unmask(),
	).Scan(&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return types.NewAppError(types.ErrCodeConflictDuplicateServer, "server already registered", err)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create server", err)
	}
	return nil
}
