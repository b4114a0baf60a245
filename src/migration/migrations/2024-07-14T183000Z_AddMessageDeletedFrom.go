package migrations

import (
	"context"
	"time"

	"git.handmade.network/hmn/heapkeeper/src/migration/types"
	"git.handmade.network/hmn/heapkeeper/src/oops"
	"github.com/jackc/pgx/v5"
)

func init() {
	registerMigration(AddMessageDeletedFrom{})
}

type AddMessageDeletedFrom struct{}

func (m AddMessageDeletedFrom) Version() types.MigrationVersion {
	return types.MigrationVersion(time.Date(2024, 7, 14, 18, 30, 0, 0, time.UTC))
}

func (m AddMessageDeletedFrom) Name() string {
	return "AddMessageDeletedFrom"
}

func (m AddMessageDeletedFrom) Description() string {
	return "Remember which heap a deleted message was deleted from"
}

func (m AddMessageDeletedFrom) Up(ctx context.Context, tx pgx.Tx) error {
	_, err := tx.Exec(ctx, `
		ALTER TABLE message
			ADD COLUMN deleted_from_heap_id INT REFERENCES heap (id);
	`)
	if err != nil {
		return oops.New(err, "failed to add deleted_from_heap_id")
	}
	return nil
}

func (m AddMessageDeletedFrom) Down(ctx context.Context, tx pgx.Tx) error {
	_, err := tx.Exec(ctx, `
		ALTER TABLE message DROP COLUMN deleted_from_heap_id;
	`)
	if err != nil {
		return oops.New(err, "failed to drop deleted_from_heap_id")
	}
	return nil
}
