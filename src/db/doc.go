/*
Package db holds the low-level plumbing for talking to the heap keeper's
Postgres database: connection and pool construction, query tracing, and a
small builder for queries assembled piece by piece.

Connections log their queries through zerolog at the level configured in
config.Config.Postgres.LogLevel. Queries can carry a name in a leading
comment, which shows up in the slow query warning:

	rows, err := conn.Query(ctx,
		`
		---- Conversations of heap
		SELECT id, subject FROM conversation WHERE heap_id = $1
		`,
		heapID,
	)

Arguments are always passed as pgx placeholders. To build a query with a
variable number of conditions, use QueryBuilder, which numbers `$?`
placeholders for you:

	var qb db.QueryBuilder
	qb.Add(`SELECT id FROM conversation WHERE TRUE`)
	if heapID != nil {
		qb.Add(`AND heap_id = $?`, *heapID)
	}
	rows, err := conn.Query(ctx, qb.String(), qb.Args()...)

Mapping rows to models is left to the store (see store/pgstore), which
scans explicitly.
*/
package db
