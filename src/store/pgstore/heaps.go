package pgstore

import (
	"context"

	"git.handmade.network/hmn/heapkeeper/src/db"
	"git.handmade.network/hmn/heapkeeper/src/models"
	"git.handmade.network/hmn/heapkeeper/src/oops"
	"github.com/jackc/pgx/v5"
)

// Heaps and rights

func (t *tx) CreateHeap(ctx context.Context, h *models.Heap) error {
	err := t.guarded(ctx, func(conn db.ConnOrTx) error {
		return conn.QueryRow(ctx,
			`
			INSERT INTO heap (short_name, long_name, visibility)
			VALUES ($1, $2, $3)
			RETURNING id
			`,
			h.ShortName, h.LongName, int(h.Visibility),
		).Scan(&h.ID)
	})
	if err != nil {
		return wrap(err, "failed to create heap %q", h.ShortName)
	}
	return nil
}

const heapColumns = `id, short_name, long_name, visibility`

func scanHeap(row pgx.Row) (*models.Heap, error) {
	var h models.Heap
	var visibility int
	if err := row.Scan(&h.ID, &h.ShortName, &h.LongName, &visibility); err != nil {
		return nil, err
	}
	h.Visibility = models.HeapVisibility(visibility)
	return &h, nil
}

func (t *tx) GetHeap(ctx context.Context, id int) (*models.Heap, error) {
	h, err := scanHeap(t.conn.QueryRow(ctx, `SELECT `+heapColumns+` FROM heap WHERE id = $1`, id))
	if err != nil {
		return nil, wrap(err, "heap %d does not exist", id)
	}
	return h, nil
}

func (t *tx) GetHeapByShortName(ctx context.Context, shortName string) (*models.Heap, error) {
	h, err := scanHeap(t.conn.QueryRow(ctx, `SELECT `+heapColumns+` FROM heap WHERE short_name = $1`, shortName))
	if err != nil {
		return nil, wrap(err, "no heap named %q", shortName)
	}
	return h, nil
}

func (t *tx) ListHeaps(ctx context.Context) ([]*models.Heap, error) {
	rows, err := t.conn.Query(ctx, `SELECT `+heapColumns+` FROM heap ORDER BY id`)
	if err != nil {
		return nil, wrap(err, "failed to list heaps")
	}
	defer rows.Close()

	var result []*models.Heap
	for rows.Next() {
		h, err := scanHeap(rows)
		if err != nil {
			return nil, wrap(err, "failed to read heap")
		}
		result = append(result, h)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(err, "failed to list heaps")
	}
	return result, nil
}

func (t *tx) UpsertUserRight(ctx context.Context, r *models.UserRight) error {
	err := t.guarded(ctx, func(conn db.ConnOrTx) error {
		return conn.QueryRow(ctx,
			`
			INSERT INTO user_right (user_id, heap_id, right_level)
			VALUES ($1, $2, $3)
			ON CONFLICT (user_id, heap_id) DO UPDATE SET right_level = EXCLUDED.right_level
			RETURNING id
			`,
			r.UserID, r.HeapID, int(r.Right),
		).Scan(&r.ID)
	})
	if err != nil {
		return wrap(err, "failed to grant %s on heap %d to user %d", r.Right, r.HeapID, r.UserID)
	}
	return nil
}

func (t *tx) queryRights(ctx context.Context, sql string, args ...any) ([]*models.UserRight, error) {
	rows, err := t.conn.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*models.UserRight
	for rows.Next() {
		var r models.UserRight
		var level int
		if err := rows.Scan(&r.ID, &r.UserID, &r.HeapID, &level); err != nil {
			return nil, err
		}
		r.Right = models.Right(level)
		result = append(result, &r)
	}
	return result, rows.Err()
}

func (t *tx) ListUserRights(ctx context.Context, userID, heapID int) ([]*models.UserRight, error) {
	rights, err := t.queryRights(ctx,
		`SELECT id, user_id, heap_id, right_level FROM user_right WHERE user_id = $1 AND heap_id = $2 ORDER BY id`,
		userID, heapID,
	)
	if err != nil {
		return nil, wrap(err, "failed to list rights of user %d on heap %d", userID, heapID)
	}
	return rights, nil
}

func (t *tx) ListHeapRights(ctx context.Context, heapID int) ([]*models.UserRight, error) {
	rights, err := t.queryRights(ctx,
		`SELECT id, user_id, heap_id, right_level FROM user_right WHERE heap_id = $1 ORDER BY id`,
		heapID,
	)
	if err != nil {
		return nil, wrap(err, "failed to list rights on heap %d", heapID)
	}
	return rights, nil
}

func (t *tx) DeleteUserRights(ctx context.Context, userID, heapID int) error {
	_, err := t.conn.Exec(ctx, `DELETE FROM user_right WHERE user_id = $1 AND heap_id = $2`, userID, heapID)
	if err != nil {
		return wrap(err, "failed to revoke rights of user %d on heap %d", userID, heapID)
	}
	return nil
}

// Users

func (t *tx) CreateUser(ctx context.Context, u *models.User) error {
	if u.DateJoined.IsZero() {
		u.DateJoined = t.now()
	}
	err := t.guarded(ctx, func(conn db.ConnOrTx) error {
		return conn.QueryRow(ctx,
			`
			INSERT INTO hk_user (username, password, email, date_joined, is_superuser)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id
			`,
			u.Username, u.Password, u.Email, u.DateJoined, u.IsSuperuser,
		).Scan(&u.ID)
	})
	if err != nil {
		return wrap(err, "failed to create user %q", u.Username)
	}
	return nil
}

const userColumns = `id, username, password, email, date_joined, is_superuser`

func scanUser(row pgx.Row) (*models.User, error) {
	var u models.User
	if err := row.Scan(&u.ID, &u.Username, &u.Password, &u.Email, &u.DateJoined, &u.IsSuperuser); err != nil {
		return nil, err
	}
	return &u, nil
}

func (t *tx) GetUser(ctx context.Context, id int) (*models.User, error) {
	u, err := scanUser(t.conn.QueryRow(ctx, `SELECT `+userColumns+` FROM hk_user WHERE id = $1`, id))
	if err != nil {
		return nil, wrap(err, "user %d does not exist", id)
	}
	return u, nil
}

func (t *tx) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	u, err := scanUser(t.conn.QueryRow(ctx,
		`SELECT `+userColumns+` FROM hk_user WHERE LOWER(username) = LOWER($1)`,
		username,
	))
	if err != nil {
		return nil, wrap(err, "no user named %q", username)
	}
	return u, nil
}

func (t *tx) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	u, err := scanUser(t.conn.QueryRow(ctx,
		`SELECT `+userColumns+` FROM hk_user WHERE LOWER(email) = LOWER($1) ORDER BY id LIMIT 1`,
		email,
	))
	if err != nil {
		return nil, wrap(err, "no user with email %q", email)
	}
	return u, nil
}

func (t *tx) ListUsers(ctx context.Context) ([]*models.User, error) {
	rows, err := t.conn.Query(ctx, `SELECT `+userColumns+` FROM hk_user ORDER BY id`)
	if err != nil {
		return nil, wrap(err, "failed to list users")
	}
	defer rows.Close()

	var result []*models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, wrap(err, "failed to read user")
		}
		result = append(result, u)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(err, "failed to list users")
	}
	return result, nil
}

func (t *tx) UpdatePassword(ctx context.Context, userID int, password string) error {
	tag, err := t.conn.Exec(ctx, `UPDATE hk_user SET password = $2 WHERE id = $1`, userID, password)
	if err != nil {
		return wrap(err, "failed to update password of user %d", userID)
	}
	if tag.RowsAffected() == 0 {
		return oops.New(oops.ErrNotFound, "user %d does not exist", userID)
	}
	return nil
}
