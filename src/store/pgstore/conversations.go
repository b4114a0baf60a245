package pgstore

import (
	"context"

	"git.handmade.network/hmn/heapkeeper/src/db"
	"git.handmade.network/hmn/heapkeeper/src/models"
	"git.handmade.network/hmn/heapkeeper/src/oops"
	"github.com/jackc/pgx/v5/pgtype"
)

func (t *tx) CreateConversation(ctx context.Context, c *models.Conversation) error {
	err := t.guarded(ctx, func(conn db.ConnOrTx) error {
		return conn.QueryRow(ctx,
			`
			INSERT INTO conversation (subject, heap_id, root_message_id)
			VALUES ($1, $2, $3)
			RETURNING id
			`,
			c.Subject, c.HeapID, pgUUID(c.RootID),
		).Scan(&c.ID)
	})
	if err != nil {
		return wrap(err, "failed to create conversation rooted at %s", c.RootID)
	}
	return t.storeConversationLabels(ctx, c)
}

func (t *tx) storeConversationLabels(ctx context.Context, c *models.Conversation) error {
	for i, text := range c.Labels {
		_, err := t.conn.Exec(ctx,
			`INSERT INTO conversation_label (conversation_id, position, label_text) VALUES ($1, $2, $3)`,
			c.ID, i, text,
		)
		if err != nil {
			return wrap(err, "failed to store label %q of conversation %d", text, c.ID)
		}
	}
	return nil
}

func (t *tx) queryConversations(ctx context.Context, sql string, args ...any) ([]*models.Conversation, error) {
	rows, err := t.conn.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}

	var result []*models.Conversation
	byID := make(map[int]*models.Conversation)
	for rows.Next() {
		var c models.Conversation
		var root pgtype.UUID
		if err := rows.Scan(&c.ID, &c.Subject, &c.HeapID, &root); err != nil {
			rows.Close()
			return nil, err
		}
		c.RootID = root.Bytes
		result = append(result, &c)
		byID[c.ID] = &c
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return result, nil
	}

	ids := make([]int32, 0, len(result))
	for _, c := range result {
		ids = append(ids, int32(c.ID))
	}
	labelRows, err := t.conn.Query(ctx,
		`
		SELECT conversation_id, label_text
		FROM conversation_label
		WHERE conversation_id = ANY($1)
		ORDER BY conversation_id, position
		`,
		ids,
	)
	if err != nil {
		return nil, err
	}
	defer labelRows.Close()
	for labelRows.Next() {
		var convID int
		var text string
		if err := labelRows.Scan(&convID, &text); err != nil {
			return nil, err
		}
		c := byID[convID]
		c.Labels = append(c.Labels, text)
	}
	return result, labelRows.Err()
}

const conversationColumns = `id, subject, heap_id, root_message_id`

func (t *tx) GetConversation(ctx context.Context, id int) (*models.Conversation, error) {
	convs, err := t.queryConversations(ctx,
		`SELECT `+conversationColumns+` FROM conversation WHERE id = $1`,
		id,
	)
	if err != nil {
		return nil, wrap(err, "failed to fetch conversation %d", id)
	}
	if len(convs) == 0 {
		return nil, oops.New(oops.ErrNotFound, "conversation %d does not exist", id)
	}
	return convs[0], nil
}

func (t *tx) ConversationsByRoot(ctx context.Context, root models.MessageID) ([]*models.Conversation, error) {
	convs, err := t.queryConversations(ctx,
		`SELECT `+conversationColumns+` FROM conversation WHERE root_message_id = $1 ORDER BY id`,
		pgUUID(root),
	)
	if err != nil {
		return nil, wrap(err, "failed to fetch conversations rooted at %s", root)
	}
	return convs, nil
}

func (t *tx) ListConversations(ctx context.Context, heapID *int) ([]*models.Conversation, error) {
	qb := db.NamedQuery("List conversations")
	qb.Add(`SELECT ` + conversationColumns + ` FROM conversation WHERE TRUE`)
	if heapID != nil {
		qb.Add(`AND heap_id = $?`, *heapID)
	}
	qb.Add(`ORDER BY id`)

	convs, err := t.queryConversations(ctx, qb.String(), qb.Args()...)
	if err != nil {
		return nil, wrap(err, "failed to list conversations")
	}
	return convs, nil
}

func (t *tx) UpdateConversation(ctx context.Context, c *models.Conversation) error {
	tag, err := t.conn.Exec(ctx,
		`UPDATE conversation SET subject = $2 WHERE id = $1`,
		c.ID, c.Subject,
	)
	if err != nil {
		return wrap(err, "failed to update conversation %d", c.ID)
	}
	if tag.RowsAffected() == 0 {
		return oops.New(oops.ErrNotFound, "conversation %d does not exist", c.ID)
	}

	_, err = t.conn.Exec(ctx, `DELETE FROM conversation_label WHERE conversation_id = $1`, c.ID)
	if err != nil {
		return wrap(err, "failed to clear labels of conversation %d", c.ID)
	}
	return t.storeConversationLabels(ctx, c)
}

func (t *tx) DeleteConversation(ctx context.Context, id int) error {
	_, err := t.conn.Exec(ctx, `DELETE FROM conversation_label WHERE conversation_id = $1`, id)
	if err != nil {
		return wrap(err, "failed to clear labels of conversation %d", id)
	}
	tag, err := t.conn.Exec(ctx, `DELETE FROM conversation WHERE id = $1`, id)
	if err != nil {
		return wrap(err, "failed to delete conversation %d", id)
	}
	if tag.RowsAffected() == 0 {
		return oops.New(oops.ErrNotFound, "conversation %d does not exist", id)
	}
	return nil
}

// Labels

func (t *tx) GetLabel(ctx context.Context, text string) (*models.Label, error) {
	var l models.Label
	err := t.conn.QueryRow(ctx, `SELECT text, created_at FROM label WHERE text = $1`, text).Scan(&l.Text, &l.CreatedAt)
	if err != nil {
		return nil, wrap(err, "label %q does not exist", text)
	}
	return &l, nil
}

func (t *tx) CreateLabel(ctx context.Context, l *models.Label) error {
	err := t.guarded(ctx, func(conn db.ConnOrTx) error {
		_, err := conn.Exec(ctx, `INSERT INTO label (text, created_at) VALUES ($1, $2)`, l.Text, l.CreatedAt)
		return err
	})
	if err != nil {
		return wrap(err, "failed to create label %q", l.Text)
	}
	return nil
}

func (t *tx) DeleteLabel(ctx context.Context, text string) error {
	tag, err := t.conn.Exec(ctx, `DELETE FROM label WHERE text = $1`, text)
	if err != nil {
		return wrap(err, "failed to delete label %q", text)
	}
	if tag.RowsAffected() == 0 {
		return oops.New(oops.ErrNotFound, "label %q does not exist", text)
	}
	return nil
}

func (t *tx) ListLabels(ctx context.Context) ([]*models.Label, error) {
	rows, err := t.conn.Query(ctx, `SELECT text, created_at FROM label ORDER BY text`)
	if err != nil {
		return nil, wrap(err, "failed to list labels")
	}
	defer rows.Close()

	var result []*models.Label
	for rows.Next() {
		var l models.Label
		if err := rows.Scan(&l.Text, &l.CreatedAt); err != nil {
			return nil, wrap(err, "failed to read label")
		}
		result = append(result, &l)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(err, "failed to list labels")
	}
	return result, nil
}

func (t *tx) CountLabelReferences(ctx context.Context, text string) (int, error) {
	var count int
	err := t.conn.QueryRow(ctx,
		`
		---- Count label references
		SELECT
			(SELECT COUNT(DISTINCT conversation_id) FROM conversation_label WHERE label_text = $1)
			+ (
				SELECT COUNT(DISTINCT m.id)
				FROM message AS m
				JOIN message_version_label AS l ON l.version_id = m.current_version_id
				WHERE l.label_text = $1
			)
		`,
		text,
	).Scan(&count)
	if err != nil {
		return 0, wrap(err, "failed to count references to label %q", text)
	}
	return count, nil
}
