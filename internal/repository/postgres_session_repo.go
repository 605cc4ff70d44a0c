package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/hitoshi/moviemate/internal/model"
)

// PostgresSessionRepo はローカル認証のセッションをsessionsテーブルに保存する。
type PostgresSessionRepo struct {
	db *sql.DB
}

// NewPostgresSessionRepo はPostgresSessionRepoを生成する。
func NewPostgresSessionRepo(db *sql.DB) *PostgresSessionRepo {
	return &PostgresSessionRepo{db: db}
}

func (r *PostgresSessionRepo) exec(ctx context.Context, b sq.Sqlizer, op string) error {
	query, args, err := b.ToSql()
	if err != nil {
		return fmt.Errorf("failed to build %s query: %w", op, err)
	}
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	return nil
}

// Create はセッションを作成する。
func (r *PostgresSessionRepo) Create(ctx context.Context, session *model.Session) error {
	return r.exec(ctx, psq.
		Insert("sessions").
		Columns("id", "user_id", "expires_at", "created_at").
		Values(session.ID, session.UserID, session.ExpiresAt, session.CreatedAt),
		"create session")
}

// FindByID は有効なセッションをユーザー情報付きで返す。存在しないか期限切れならnil。
func (r *PostgresSessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	query, args, err := psq.
		Select("s.id", "s.user_id", "s.expires_at", "s.created_at", "u.email", "u.metadata", "u.created_at").
		From("sessions s").
		Join("users u ON u.id = s.user_id").
		Where(sq.Eq{"s.id": id}).
		Where("s.expires_at > now()").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build session query: %w", err)
	}

	session := &model.Session{}
	identity := &model.Identity{}
	var metadata []byte
	err = r.db.QueryRowContext(ctx, query, args...).Scan(
		&session.ID, &session.UserID, &session.ExpiresAt, &session.CreatedAt,
		&identity.Email, &metadata, &identity.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}

	if identity.Metadata, err = unmarshalMetadata(metadata); err != nil {
		return nil, err
	}
	identity.ID = session.UserID
	session.Identity = identity
	return session, nil
}

// DeleteByID は指定IDのセッションを削除する。存在しなくてもエラーにしない。
func (r *PostgresSessionRepo) DeleteByID(ctx context.Context, id string) error {
	return r.exec(ctx, psq.Delete("sessions").Where(sq.Eq{"id": id}), "delete session")
}

// DeleteByUserID は指定ユーザーの全セッションを削除する。
func (r *PostgresSessionRepo) DeleteByUserID(ctx context.Context, userID string) error {
	return r.exec(ctx, psq.Delete("sessions").Where(sq.Eq{"user_id": userID}), "delete user sessions")
}

// DeleteExpired はnow以前に失効したセッションを削除し、そのIDを返す。
func (r *PostgresSessionRepo) DeleteExpired(ctx context.Context, now time.Time) ([]string, error) {
	query, args, err := psq.
		Delete("sessions").
		Where(sq.LtOrEq{"expires_at": now}).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build expired session query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan expired session: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate expired sessions: %w", err)
	}
	return ids, nil
}

var _ SessionRepository = (*PostgresSessionRepo)(nil)
