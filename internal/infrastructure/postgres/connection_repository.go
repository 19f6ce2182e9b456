package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"finsync/internal/domain/connection"
	"finsync/internal/infrastructure/crypto"
)

const connectionColumns = `id, user_id, item_id, access_token_enc, institution_id, institution_name, institution_logo,
	connection_status, update_type, last_successful_update, next_hard_refresh, disabled_at, created_at, updated_at`

// ConnectionRepository implements connection.Repository. Access tokens are
// encrypted before they are written and decrypted after they are read.
type ConnectionRepository struct {
	db        *DB
	encryptor *crypto.Encryptor
}

var _ connection.Repository = (*ConnectionRepository)(nil)

func NewConnectionRepository(db *DB, encryptor *crypto.Encryptor) *ConnectionRepository {
	return &ConnectionRepository{db: db, encryptor: encryptor}
}

// upsertConnectionQuery registers a connection. Linking an item that is
// already stored refreshes its credential and institution but keeps its
// status and refresh bookkeeping, so re-linking cannot reset the cooldowns.
const upsertConnectionQuery = `
	INSERT INTO connections (id, user_id, item_id, access_token_enc, institution_id, institution_name,
		institution_logo, connection_status, update_type, last_successful_update, next_hard_refresh)
	VALUES ($1, $2, $3, $4, $5, $6, $7, 'active', 'initial', $8, $9)
	ON CONFLICT (item_id) DO UPDATE SET
		access_token_enc = EXCLUDED.access_token_enc,
		institution_id = COALESCE(EXCLUDED.institution_id, connections.institution_id),
		institution_name = COALESCE(EXCLUDED.institution_name, connections.institution_name),
		institution_logo = COALESCE(EXCLUDED.institution_logo, connections.institution_logo),
		disabled_at = NULL,
		updated_at = NOW()
	RETURNING ` + connectionColumns

func (r *ConnectionRepository) Upsert(ctx context.Context, params connection.CreateParams) (*connection.Connection, error) {
	enc, err := r.encryptor.Encrypt(params.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt access token: %w", err)
	}

	conn, err := r.scan(r.db.QueryRowContext(ctx, upsertConnectionQuery,
		uuid.NewString(), params.UserID, params.ItemID, enc,
		nullString(params.InstitutionID), nullString(params.InstitutionName), nullString(params.InstitutionLogo),
		params.LinkedAt, params.NextHardRefresh,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert connection: %w", err)
	}
	return conn, nil
}

func (r *ConnectionRepository) GetByID(ctx context.Context, id string) (*connection.Connection, error) {
	return r.getOne(ctx, "id", id)
}

func (r *ConnectionRepository) GetByItemID(ctx context.Context, itemID string) (*connection.Connection, error) {
	return r.getOne(ctx, "item_id", itemID)
}

func (r *ConnectionRepository) getOne(ctx context.Context, column, value string) (*connection.Connection, error) {
	query := `SELECT ` + connectionColumns + ` FROM connections WHERE ` + column + ` = $1`

	conn, err := r.scan(r.db.QueryRowContext(ctx, query, value))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, connection.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	return conn, nil
}

func (r *ConnectionRepository) ListByUserID(ctx context.Context, userID string) ([]*connection.Connection, error) {
	query := `
		SELECT ` + connectionColumns + `
		FROM connections
		WHERE user_id = $1 AND disabled_at IS NULL
		ORDER BY created_at
	`
	return r.list(ctx, query, userID)
}

func (r *ConnectionRepository) ListDueForSoftRefresh(ctx context.Context, cutoff time.Time, limit int) ([]*connection.Connection, error) {
	query := `
		SELECT ` + connectionColumns + `
		FROM connections
		WHERE disabled_at IS NULL
		  AND connection_status <> 'login_required'
		  AND last_successful_update <= $1
		ORDER BY last_successful_update
		LIMIT NULLIF($2, 0)
	`
	return r.list(ctx, query, cutoff, limit)
}

func (r *ConnectionRepository) list(ctx context.Context, query string, args ...any) ([]*connection.Connection, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	defer rows.Close()

	var out []*connection.Connection
	for rows.Next() {
		conn, err := r.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan connection: %w", err)
		}
		out = append(out, conn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating connections: %w", err)
	}
	return out, nil
}

func (r *ConnectionRepository) UpdateStatus(ctx context.Context, id string, u connection.StatusUpdate) error {
	var status, updateType sql.NullString
	if u.Status != nil {
		status = nullString(string(*u.Status))
	}
	if u.UpdateType != nil {
		updateType = nullString(string(*u.UpdateType))
	}

	query := `
		UPDATE connections SET
			connection_status = COALESCE($2, connection_status),
			update_type = COALESCE($3, update_type),
			last_successful_update = COALESCE($4, last_successful_update),
			next_hard_refresh = COALESCE($5, next_hard_refresh),
			updated_at = NOW()
		WHERE id = $1
	`
	return r.execOne(ctx, "update connection status", query,
		id, status, updateType, nullTime(u.LastSuccessfulUpdate), nullTime(u.NextHardRefresh))
}

func (r *ConnectionRepository) UpdateCredential(ctx context.Context, id, accessToken, itemID string) error {
	enc, err := r.encryptor.Encrypt(accessToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt access token: %w", err)
	}
	query := `UPDATE connections SET access_token_enc = $2, item_id = $3, updated_at = NOW() WHERE id = $1`
	return r.execOne(ctx, "update credential", query, id, enc, itemID)
}

func (r *ConnectionRepository) Disable(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE connections SET disabled_at = $2, updated_at = NOW() WHERE id = $1 AND disabled_at IS NULL`
	err := r.execOne(ctx, "disable connection", query, id, at)
	if errors.Is(err, connection.ErrNotFound) {
		// Already disabled is not an error; a missing row is.
		if _, getErr := r.GetByID(ctx, id); getErr != nil {
			return getErr
		}
		return nil
	}
	return err
}

func (r *ConnectionRepository) execOne(ctx context.Context, op, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return connection.ErrNotFound
	}
	return nil
}

func (r *ConnectionRepository) scan(row rowScanner) (*connection.Connection, error) {
	var c connection.Connection
	var enc string
	var institutionID, institutionName, institutionLogo sql.NullString
	var status, updateType string
	var disabledAt sql.NullTime

	if err := row.Scan(
		&c.ID, &c.UserID, &c.ItemID, &enc, &institutionID, &institutionName, &institutionLogo,
		&status, &updateType, &c.LastSuccessfulUpdate, &c.NextHardRefresh, &disabledAt,
		&c.CreatedAt, &c.UpdatedAt,
	); err != nil {
		return nil, err
	}

	token, err := r.encryptor.Decrypt(enc)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt access token for connection %s: %w", c.ID, err)
	}
	c.AccessToken = token
	c.InstitutionID = institutionID.String
	c.InstitutionName = institutionName.String
	c.InstitutionLogo = institutionLogo.String
	c.Status = connection.Status(status)
	c.UpdateType = connection.UpdateType(updateType)
	c.DisabledAt = timePtr(disabledAt)
	return &c, nil
}
