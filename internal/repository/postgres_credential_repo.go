package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/kairo/internal/model"
)

// PostgresCredentialRepo はPostgreSQLを使用したOAuth認証情報リポジトリ。
type PostgresCredentialRepo struct {
	db *sql.DB
}

// NewPostgresCredentialRepo はPostgresCredentialRepoを生成する。
func NewPostgresCredentialRepo(db *sql.DB) *PostgresCredentialRepo {
	return &PostgresCredentialRepo{db: db}
}

// Upsert は(user_id, provider)で認証情報を作成または更新する。
// 更新時は既存行のIDとcreated_atを維持する。
func (r *PostgresCredentialRepo) Upsert(ctx context.Context, cred *model.OAuthCredential) (string, error) {
	var expiry sql.NullTime
	if !cred.Expiry.IsZero() {
		expiry = sql.NullTime{Time: cred.Expiry, Valid: true}
	}

	var id string
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO oauth_credentials
		   (id, user_id, provider, access_token, refresh_token, token_type, expiry, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		 ON CONFLICT (user_id, provider) DO UPDATE SET
		   access_token = EXCLUDED.access_token,
		   refresh_token = EXCLUDED.refresh_token,
		   token_type = EXCLUDED.token_type,
		   expiry = EXCLUDED.expiry,
		   scopes = EXCLUDED.scopes,
		   updated_at = EXCLUDED.updated_at
		 RETURNING id`,
		cred.ID, cred.UserID, cred.Provider, cred.AccessToken, cred.RefreshToken, cred.TokenType,
		expiry, pq.Array(cred.Scopes), cred.UpdatedAt,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("failed to upsert oauth credential: %w", err)
	}
	return id, nil
}

const selectCredentialColumns = `SELECT id, user_id, provider, access_token, refresh_token, token_type, expiry, scopes, created_at, updated_at
	 FROM oauth_credentials`

// Find はユーザーとプロバイダーで認証情報を取得する。見つからない場合はnilを返す。
func (r *PostgresCredentialRepo) Find(ctx context.Context, userID, provider string) (*model.OAuthCredential, error) {
	row := r.db.QueryRowContext(ctx,
		selectCredentialColumns+` WHERE user_id = $1 AND provider = $2`,
		userID, provider,
	)
	cred, err := scanCredential(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find oauth credential: %w", err)
	}
	return cred, nil
}

// Delete はユーザーとプロバイダーの認証情報を削除する。
func (r *PostgresCredentialRepo) Delete(ctx context.Context, userID, provider string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM oauth_credentials WHERE user_id = $1 AND provider = $2`,
		userID, provider,
	)
	if err != nil {
		return false, fmt.Errorf("failed to delete oauth credential: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

// ListByUser はユーザーの全認証情報をプロバイダー名順で返す。
func (r *PostgresCredentialRepo) ListByUser(ctx context.Context, userID string) ([]*model.OAuthCredential, error) {
	rows, err := r.db.QueryContext(ctx,
		selectCredentialColumns+` WHERE user_id = $1 ORDER BY provider`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list oauth credentials: %w", err)
	}
	defer rows.Close()

	var creds []*model.OAuthCredential
	for rows.Next() {
		cred, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan oauth credential: %w", err)
		}
		creds = append(creds, cred)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate oauth credentials: %w", err)
	}
	return creds, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCredential(row rowScanner) (*model.OAuthCredential, error) {
	cred := &model.OAuthCredential{}
	var expiry sql.NullTime
	err := row.Scan(
		&cred.ID, &cred.UserID, &cred.Provider, &cred.AccessToken, &cred.RefreshToken, &cred.TokenType,
		&expiry, pq.Array(&cred.Scopes), &cred.CreatedAt, &cred.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if expiry.Valid {
		cred.Expiry = expiry.Time
	}
	return cred, nil
}

// compile-time interface check
var _ CredentialRepository = (*PostgresCredentialRepo)(nil)
