package db

import (
	"fmt"
	"strings"
)

// Builds SQL from chunks whose `$?` placeholders are numbered in order.
type QueryBuilder struct {
	sql  strings.Builder
	args []any
}

// Starts a query carrying a "---- name" comment, so the tracer can report
// it by name.
func NamedQuery(name string) *QueryBuilder {
	qb := &QueryBuilder{}
	qb.sql.WriteString("---- " + name + "\n")
	return qb
}

/*
Adds the given SQL and arguments to the query. Any occurrences
of `$?` will be replaced with the correct argument number.

	WHERE heap_id = $? AND subject = $?    ->    WHERE heap_id = $4 AND subject = $5

if three arguments were added before.
*/
func (qb *QueryBuilder) Add(sql string, args ...any) {
	numPlaceholders := strings.Count(sql, "$?")
	if numPlaceholders != len(args) {
		panic(fmt.Errorf("cannot add chunk to query; expected %d arguments but got %d", numPlaceholders, len(args)))
	}

	for _, arg := range args {
		sql = strings.Replace(sql, "$?", fmt.Sprintf("$%d", len(qb.args)+1), 1)
		qb.args = append(qb.args, arg)
	}

	qb.sql.WriteString(sql)
	qb.sql.WriteString("\n")
}

func (qb *QueryBuilder) String() string {
	return qb.sql.String()
}

func (qb *QueryBuilder) Args() []any {
	return qb.args
}
