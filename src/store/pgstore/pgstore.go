/*
Package pgstore is the PostgreSQL store.Store, built on a pgx connection
pool. The schema is created by the migrations in src/migration.

Each Tx is a serializable Postgres transaction. A message row caches the ID
of its latest version in current_version_id, recomputed on every version
insert with the same ordering models.IsNewerVersion uses, so children and
label references can be found by joining through it.
*/
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"git.handmade.network/hmn/heapkeeper/src/db"
	"git.handmade.network/hmn/heapkeeper/src/models"
	"git.handmade.network/hmn/heapkeeper/src/oops"
	"git.handmade.network/hmn/heapkeeper/src/store"
	"git.handmade.network/hmn/heapkeeper/src/utils"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ store.Store = &Store{}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, now: time.Now}
}

func (s *Store) Tx(ctx context.Context, f func(tx store.Tx) error) error {
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.Serializable}, func(ptx pgx.Tx) (err error) {
		defer utils.RecoverPanicAsError(&err)
		return f(&tx{conn: ptx, now: s.now})
	})
}

type tx struct {
	conn db.ConnOrTx
	now  func() time.Time
}

var _ store.Tx = &tx{}

const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
)

// Maps driver errors onto the store error taxonomy.
func wrap(err error, format string, args ...any) error {
	var pgErr *pgconn.PgError
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return oops.New(oops.ErrNotFound, format, args...)
	case errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation:
		return oops.New(fmt.Errorf("%w: %s", oops.ErrIntegrityConflict, pgErr.Detail), format, args...)
	case errors.As(err, &pgErr) && pgErr.Code == codeForeignKeyViolation:
		return oops.New(fmt.Errorf("%w: %s", oops.ErrNotFound, pgErr.Detail), format, args...)
	}
	return oops.New(err, format, args...)
}

/*
Runs statements that may violate a constraint inside a savepoint. Postgres
aborts the whole transaction on a failed statement; with the savepoint only
the statement is undone, and the caller can carry on after an
ErrIntegrityConflict the way it could with any other store.
*/
func (t *tx) guarded(ctx context.Context, f func(conn db.ConnOrTx) error) error {
	savepoint, err := t.conn.Begin(ctx)
	if err != nil {
		return err
	}
	if err := f(savepoint); err != nil {
		_ = savepoint.Rollback(ctx)
		return err
	}
	return savepoint.Commit(ctx)
}

func pgUUID(id uuid.UUID) pgtype.UUID {
	return pgtype.UUID{Bytes: id, Valid: true}
}

func pgUUIDPtr(id *uuid.UUID) pgtype.UUID {
	if id == nil {
		return pgtype.UUID{}
	}
	return pgUUID(*id)
}

func fromPgUUIDPtr(id pgtype.UUID) *uuid.UUID {
	if !id.Valid {
		return nil
	}
	result := uuid.UUID(id.Bytes)
	return &result
}

// Messages

func (t *tx) CreateMessage(ctx context.Context, mailID *string) (*models.Message, error) {
	msg := &models.Message{
		ID:        uuid.New(),
		MailID:    mailID,
		CreatedAt: t.now(),
	}
	_, err := t.conn.Exec(ctx,
		`
		INSERT INTO message (id, mail_id, created_at)
		VALUES ($1, $2, $3)
		`,
		pgUUID(msg.ID), msg.MailID, msg.CreatedAt,
	)
	if err != nil {
		return nil, wrap(err, "failed to create message")
	}
	return msg, nil
}

const messageColumns = `id, mail_id, created_at, deleted_from_heap_id`

func scanMessage(row pgx.Row) (*models.Message, error) {
	var msg models.Message
	var id pgtype.UUID
	if err := row.Scan(&id, &msg.MailID, &msg.CreatedAt, &msg.DeletedFrom); err != nil {
		return nil, err
	}
	msg.ID = id.Bytes
	return &msg, nil
}

func (t *tx) queryMessages(ctx context.Context, sql string, args ...any) ([]*models.Message, error) {
	rows, err := t.conn.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, msg)
	}
	return result, rows.Err()
}

func (t *tx) GetMessage(ctx context.Context, id models.MessageID) (*models.Message, error) {
	msg, err := scanMessage(t.conn.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM message WHERE id = $1`,
		pgUUID(id),
	))
	if err != nil {
		return nil, wrap(err, "message %s does not exist", id)
	}
	return msg, nil
}

func (t *tx) ListMessages(ctx context.Context) ([]*models.Message, error) {
	msgs, err := t.queryMessages(ctx, `SELECT `+messageColumns+` FROM message ORDER BY seq`)
	if err != nil {
		return nil, wrap(err, "failed to list messages")
	}
	return msgs, nil
}

func (t *tx) FindMessagesByMailID(ctx context.Context, mailID string) ([]*models.Message, error) {
	msgs, err := t.queryMessages(ctx,
		`SELECT `+messageColumns+` FROM message WHERE mail_id = $1 ORDER BY seq`,
		mailID,
	)
	if err != nil {
		return nil, wrap(err, "failed to find messages with mail id %q", mailID)
	}
	return msgs, nil
}

func (t *tx) SetDeletedFrom(ctx context.Context, id models.MessageID, heapID int) error {
	var updated int64
	err := t.guarded(ctx, func(conn db.ConnOrTx) error {
		tag, err := conn.Exec(ctx,
			`UPDATE message SET deleted_from_heap_id = $2 WHERE id = $1`,
			pgUUID(id), heapID,
		)
		updated = tag.RowsAffected()
		return err
	})
	if err != nil {
		return wrap(err, "failed to mark message %s deleted", id)
	}
	if updated == 0 {
		return oops.New(oops.ErrNotFound, "message %s does not exist", id)
	}
	return nil
}

func (t *tx) requireMessage(ctx context.Context, id models.MessageID) error {
	var exists bool
	err := t.conn.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM message WHERE id = $1)`, pgUUID(id)).Scan(&exists)
	if err != nil {
		return wrap(err, "failed to look up message %s", id)
	}
	if !exists {
		return oops.New(oops.ErrNotFound, "message %s does not exist", id)
	}
	return nil
}

func (t *tx) InsertVersion(ctx context.Context, v *models.MessageVersion) error {
	if err := t.requireMessage(ctx, v.MessageID); err != nil {
		return err
	}

	err := t.conn.QueryRow(ctx,
		`
		---- Insert version
		INSERT INTO message_version (message_id, parent_id, author_id, creation_date, version_date, text, deleted)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
		`,
		pgUUID(v.MessageID), pgUUIDPtr(v.ParentID), v.AuthorID, v.CreationDate, v.VersionDate, v.Text, v.Deleted,
	).Scan(&v.ID)
	if err != nil {
		return wrap(err, "failed to insert version of message %s", v.MessageID)
	}

	for i, text := range v.Labels {
		_, err := t.conn.Exec(ctx,
			`INSERT INTO message_version_label (version_id, position, label_text) VALUES ($1, $2, $3)`,
			v.ID, i, text,
		)
		if err != nil {
			return wrap(err, "failed to store label %q of version %d", text, v.ID)
		}
	}

	_, err = t.conn.Exec(ctx,
		`
		---- Update current version
		UPDATE message
		SET current_version_id = (
			SELECT id FROM message_version
			WHERE message_id = $1
			ORDER BY version_date DESC, id DESC
			LIMIT 1
		)
		WHERE id = $1
		`,
		pgUUID(v.MessageID),
	)
	if err != nil {
		return wrap(err, "failed to update current version of message %s", v.MessageID)
	}
	return nil
}

const versionColumns = `v.id, v.message_id, v.parent_id, v.author_id, v.creation_date, v.version_date, v.text, v.deleted`

func (t *tx) queryVersions(ctx context.Context, sql string, args ...any) ([]*models.MessageVersion, error) {
	rows, err := t.conn.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}

	var result []*models.MessageVersion
	byID := make(map[int]*models.MessageVersion)
	for rows.Next() {
		var v models.MessageVersion
		var msgID, parentID pgtype.UUID
		err := rows.Scan(&v.ID, &msgID, &parentID, &v.AuthorID, &v.CreationDate, &v.VersionDate, &v.Text, &v.Deleted)
		if err != nil {
			rows.Close()
			return nil, err
		}
		v.MessageID = msgID.Bytes
		v.ParentID = fromPgUUIDPtr(parentID)
		result = append(result, &v)
		byID[v.ID] = &v
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return result, nil
	}

	ids := make([]int32, 0, len(result))
	for _, v := range result {
		ids = append(ids, int32(v.ID))
	}
	labelRows, err := t.conn.Query(ctx,
		`
		SELECT version_id, label_text
		FROM message_version_label
		WHERE version_id = ANY($1)
		ORDER BY version_id, position
		`,
		ids,
	)
	if err != nil {
		return nil, err
	}
	defer labelRows.Close()
	for labelRows.Next() {
		var versionID int
		var text string
		if err := labelRows.Scan(&versionID, &text); err != nil {
			return nil, err
		}
		v := byID[versionID]
		v.Labels = append(v.Labels, text)
	}
	return result, labelRows.Err()
}

func (t *tx) ListVersions(ctx context.Context, id models.MessageID) ([]*models.MessageVersion, error) {
	if err := t.requireMessage(ctx, id); err != nil {
		return nil, err
	}
	versions, err := t.queryVersions(ctx,
		`SELECT `+versionColumns+` FROM message_version AS v WHERE v.message_id = $1 ORDER BY v.id`,
		pgUUID(id),
	)
	if err != nil {
		return nil, wrap(err, "failed to list versions of message %s", id)
	}
	return versions, nil
}

func (t *tx) LatestVersion(ctx context.Context, id models.MessageID) (*models.MessageVersion, error) {
	if err := t.requireMessage(ctx, id); err != nil {
		return nil, err
	}
	versions, err := t.queryVersions(ctx,
		`
		---- Latest version
		SELECT `+versionColumns+`
		FROM message_version AS v
		WHERE v.message_id = $1
		ORDER BY v.version_date DESC, v.id DESC
		LIMIT 1
		`,
		pgUUID(id),
	)
	if err != nil {
		return nil, wrap(err, "failed to fetch latest version of message %s", id)
	}
	if len(versions) == 0 {
		return nil, nil
	}
	return versions[0], nil
}

func (t *tx) ChildrenOf(ctx context.Context, parent models.MessageID) ([]models.MessageID, error) {
	rows, err := t.conn.Query(ctx,
		`
		---- Children
		SELECT m.id
		FROM message AS m
		JOIN message_version AS v ON v.id = m.current_version_id
		WHERE v.parent_id = $1
		ORDER BY m.created_at, m.id
		`,
		pgUUID(parent),
	)
	if err != nil {
		return nil, wrap(err, "failed to fetch children of message %s", parent)
	}
	defer rows.Close()

	result := []models.MessageID{}
	for rows.Next() {
		var id pgtype.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, wrap(err, "failed to read child of message %s", parent)
		}
		result = append(result, id.Bytes)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(err, "failed to fetch children of message %s", parent)
	}
	return result, nil
}

func (t *tx) MarkRead(ctx context.Context, id models.MessageID, userID int) error {
	err := t.guarded(ctx, func(conn db.ConnOrTx) error {
		_, err := conn.Exec(ctx,
			`
			INSERT INTO message_read (message_id, user_id)
			VALUES ($1, $2)
			ON CONFLICT DO NOTHING
			`,
			pgUUID(id), userID,
		)
		return err
	})
	if err != nil {
		return wrap(err, "failed to mark message %s read for user %d", id, userID)
	}
	return nil
}

func (t *tx) HasRead(ctx context.Context, id models.MessageID, userID int) (bool, error) {
	var read bool
	err := t.conn.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM message_read WHERE message_id = $1 AND user_id = $2)`,
		pgUUID(id), userID,
	).Scan(&read)
	if err != nil {
		return false, wrap(err, "failed to check read state of message %s", id)
	}
	return read, nil
}
