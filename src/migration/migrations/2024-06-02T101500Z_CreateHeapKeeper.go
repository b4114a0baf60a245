package migrations

import (
	"context"
	"time"

	"git.handmade.network/hmn/heapkeeper/src/migration/types"
	"github.com/jackc/pgx/v5"
)

func init() {
	registerMigration(CreateHeapKeeper{})
}

type CreateHeapKeeper struct{}

func (m CreateHeapKeeper) Version() types.MigrationVersion {
	return types.MigrationVersion(time.Date(2024, 6, 2, 10, 15, 0, 0, time.UTC))
}

func (m CreateHeapKeeper) Name() string {
	return "CreateHeapKeeper"
}

func (m CreateHeapKeeper) Description() string {
	return "Create users, heaps, rights, messages, versions, conversations and labels"
}

func (m CreateHeapKeeper) Up(ctx context.Context, tx pgx.Tx) error {
	_, err := tx.Exec(ctx,
		`
		CREATE TABLE hk_user (
			id SERIAL PRIMARY KEY,
			username VARCHAR(255) NOT NULL,
			password VARCHAR(255) NOT NULL DEFAULT '',
			email VARCHAR(255) NOT NULL DEFAULT '',
			date_joined TIMESTAMP WITH TIME ZONE NOT NULL,
			is_superuser BOOLEAN NOT NULL DEFAULT FALSE
		);
		CREATE UNIQUE INDEX hk_user_username ON hk_user (LOWER(username));
		CREATE INDEX hk_user_email ON hk_user (LOWER(email));

		CREATE TABLE heap (
			id SERIAL PRIMARY KEY,
			short_name VARCHAR(255) NOT NULL UNIQUE,
			long_name VARCHAR(255) NOT NULL DEFAULT '',
			visibility INT NOT NULL DEFAULT 0
		);

		CREATE TABLE user_right (
			id SERIAL PRIMARY KEY,
			user_id INT NOT NULL REFERENCES hk_user (id),
			heap_id INT NOT NULL REFERENCES heap (id),
			right_level INT NOT NULL,
			UNIQUE (user_id, heap_id)
		);

		CREATE TABLE message (
			id UUID PRIMARY KEY,
			mail_id VARCHAR(998),
			created_at TIMESTAMP WITH TIME ZONE NOT NULL,
			seq BIGSERIAL NOT NULL,
			current_version_id INT
		);
		CREATE INDEX message_mail_id ON message (mail_id);

		CREATE TABLE message_version (
			id SERIAL PRIMARY KEY,
			message_id UUID NOT NULL REFERENCES message (id),
			parent_id UUID,
			author_id INT REFERENCES hk_user (id),
			creation_date TIMESTAMP WITH TIME ZONE NOT NULL,
			version_date TIMESTAMP WITH TIME ZONE NOT NULL,
			text TEXT NOT NULL,
			deleted BOOLEAN NOT NULL DEFAULT FALSE
		);
		CREATE INDEX message_version_message_id ON message_version (message_id);
		CREATE INDEX message_version_parent_id ON message_version (parent_id);

		ALTER TABLE message
			ADD FOREIGN KEY (current_version_id) REFERENCES message_version (id);

		CREATE TABLE message_version_label (
			version_id INT NOT NULL REFERENCES message_version (id),
			position INT NOT NULL,
			label_text VARCHAR(64) NOT NULL,
			PRIMARY KEY (version_id, position)
		);
		CREATE INDEX message_version_label_text ON message_version_label (label_text);

		CREATE TABLE message_read (
			message_id UUID NOT NULL REFERENCES message (id),
			user_id INT NOT NULL REFERENCES hk_user (id),
			PRIMARY KEY (message_id, user_id)
		);

		CREATE TABLE label (
			text VARCHAR(64) PRIMARY KEY,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL
		);

		CREATE TABLE conversation (
			id SERIAL PRIMARY KEY,
			subject TEXT NOT NULL,
			heap_id INT NOT NULL REFERENCES heap (id),
			root_message_id UUID NOT NULL REFERENCES message (id)
		);
		CREATE INDEX conversation_heap_id ON conversation (heap_id);
		CREATE INDEX conversation_root_message_id ON conversation (root_message_id);

		CREATE TABLE conversation_label (
			conversation_id INT NOT NULL REFERENCES conversation (id),
			position INT NOT NULL,
			label_text VARCHAR(64) NOT NULL,
			PRIMARY KEY (conversation_id, position)
		);
		CREATE INDEX conversation_label_text ON conversation_label (label_text);
		`,
	)
	return err
}

func (m CreateHeapKeeper) Down(ctx context.Context, tx pgx.Tx) error {
	_, err := tx.Exec(ctx,
		`
		DROP TABLE conversation_label;
		DROP TABLE conversation;
		DROP TABLE label;
		DROP TABLE message_read;
		DROP TABLE message_version_label;
		ALTER TABLE message DROP COLUMN current_version_id;
		DROP TABLE message_version;
		DROP TABLE message;
		DROP TABLE user_right;
		DROP TABLE heap;
		DROP TABLE hk_user;
		`,
	)
	return err
}
