package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"stageline/internal/domain"
)

// API keys authenticate non-interactive actors (agents, pipeline runners).
// Only the SHA-256 digest is stored; the plaintext exists once, at mint time.

// HashAPIKey digests a presented key for storage or lookup. Surrounding
// whitespace is stripped so header handling stays forgiving.
func HashAPIKey(raw string) string {
	d := sha256.Sum256([]byte(strings.TrimSpace(raw)))
	return hex.EncodeToString(d[:])
}

const apiKeyColumns = `id, actor_id, name, key_hash, created_at`

func scanAPIKey(s interface{ Scan(...any) error }) (domain.APIKey, error) {
	var k domain.APIKey
	var name sql.NullString
	if err := s.Scan(&k.ID, &k.ActorID, &name, &k.KeyHash, &k.CreatedAt); err != nil {
		return domain.APIKey{}, err
	}
	k.Name = name.String
	return k, nil
}

// InsertAPIKey stores a minted key. KeyHash must already hold the digest; the
// plaintext never reaches the repo. Joins a caller transaction when tx is
// non-nil.
func (r Repo) InsertAPIKey(ctx context.Context, tx *sql.Tx, k domain.APIKey) error {
	switch {
	case k.ID == "":
		return errors.New("api key id required")
	case k.ActorID == "":
		return errors.New("api key actor_id required")
	case k.KeyHash == "":
		return errors.New("api key key_hash required")
	}
	if k.CreatedAt == "" {
		k.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	var run dbtx = r.DB
	if tx != nil {
		run = tx
	}
	_, err := run.ExecContext(ctx, `INSERT INTO api_keys(`+apiKeyColumns+`) VALUES (?,?,?,?,?)`,
		k.ID, k.ActorID, nullable(k.Name), k.KeyHash, k.CreatedAt)
	return err
}

// GetAPIKeyByHash resolves a presented key digest to its owning actor.
func (r Repo) GetAPIKeyByHash(ctx context.Context, hash string) (domain.APIKey, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE key_hash=?`, hash)
	k, err := scanAPIKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.APIKey{}, ErrNotFound
	}
	return k, err
}

// ListAPIKeys returns keys newest first, optionally for one actor.
func (r Repo) ListAPIKeys(ctx context.Context, actorID string) ([]domain.APIKey, error) {
	q := `SELECT ` + apiKeyColumns + ` FROM api_keys`
	var args []any
	if actorID != "" {
		q += ` WHERE actor_id=?`
		args = append(args, actorID)
	}
	q += ` ORDER BY created_at DESC, id`
	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []domain.APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// DeleteAPIKey revokes a key. Revoking an unknown id is ErrNotFound so
// callers can tell a repeat revocation from a successful one.
func (r Repo) DeleteAPIKey(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("api key id required")
	}
	res, err := r.DB.ExecContext(ctx, `DELETE FROM api_keys WHERE id=?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
