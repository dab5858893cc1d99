package db

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"fedilogin/internal/types"
)

// IdentityRepository provides data access for the linked_identities table.
// Reads join servers so the returned identity carries its hostname.
type IdentityRepository struct {
	db DBTX
}

// NewIdentityRepository creates a new IdentityRepository.
func NewIdentityRepository(db DBTX) *IdentityRepository {
	return &IdentityRepository{db: db}
}

const identityColumns = `i.id, i.server_id, s.hostname, i.remote_id, i.username,
	i.display_name, i.url, i.note, i.avatar, i.avatar_static, i.oauth_token,
	i.created_at, i.updated_at`

// scanIdentity scans a row whose columns match identityColumns.
func scanIdentity(row pgx.Row) (*types.LinkedIdentity, error) {
	var (
		i     types.LinkedIdentity
		token []byte
	)
	err := row.Scan(
		&i.ID,
		&i.ServerID,
		&i.Hostname,
		&i.RemoteID,
		&i.Username,
		&i.DisplayName,
		&i.URL,
		&i.Note,
		&i.Avatar,
		&i.AvatarStatic,
		&token,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	i.CredentialBlob = token
	return &i, nil
}

// GetByRemoteID looks up the identity for a remote account on a server.
// Returns not_found_identity when none exists.
func (r *IdentityRepository) GetByRemoteID(ctx context.Context, serverID, remoteID string) (*types.LinkedIdentity, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+identityColumns+`
		 FROM linked_identities i
		 JOIN servers s ON s.id = i.server_id
		 WHERE i.server_id = $1 AND i.remote_id = $2`,
		serverID,
		remoteID,
	)
	i, err := scanIdentity(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundIdentity, "identity not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve identity", err)
	}
	return i, nil
}

// GetByID returns the identity with the given local ID.
func (r *IdentityRepository) GetByID(ctx context.Context, id string) (*types.LinkedIdentity, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, types.NewAppError(types.ErrCodeNotFoundIdentity, "identity not found", nil)
	}
	row := r.db.QueryRow(ctx,
		`SELECT `+identityColumns+`
		 FROM linked_identities i
		 JOIN servers s ON s.id = i.server_id
		 WHERE i.id = $1`,
		id,
	)
	i, err := scanIdentity(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundIdentity, "identity not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve identity", err)
	}
	return i, nil
}

// Create inserts a new identity, filling in ID and timestamps. Either unique
// key colliding yields conflict_duplicate_identity; the constraint name is
// kept in the error details.
func (r *IdentityRepository) Create(ctx context.Context, i *types.LinkedIdentity) error {
	if i.ID == "" {
		i.ID = uuid.NewString()
	}
	token := []byte(i.CredentialBlob)
	if len(token) == 0 {
		token = []byte("{}")
	}
	err := r.db.QueryRow(ctx,
		`INSERT INTO linked_identities (id, server_id, remote_id, username, display_name,
		 url, note, avatar, avatar_static, oauth_token)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING created_at, updated_at`,
		i.ID,
		i.ServerID,
		i.RemoteID,
		i.Username,
		i.DisplayName,
		i.URL,
		i.Note,
		i.Avatar,
		i.AvatarStatic,
		token,
	).Scan(&i.CreatedAt, &i.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return types.NewAppErrorWithDetails(
				types.ErrCodeConflictDuplicateIdentity,
				"identity already linked",
				err,
				map[string]any{"constraint": constraintName(err)},
			)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create identity", err)
	}
	return nil
}
