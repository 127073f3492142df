package database

import (
	"fmt"
	"strings"

	"github.com/Gobusters/ectolinq"
	"github.com/huandu/go-sqlbuilder"
)

// Excluded references the proposed row inside an ON CONFLICT update.
func Excluded(column string) string {
	return fmt.Sprintf("%s = EXCLUDED.%s", column, column)
}

// OnConflictUpdate appends an upsert clause to ib that overwrites columns.
func OnConflictUpdate(ib *sqlbuilder.InsertBuilder, conflict []string, columns ...string) *sqlbuilder.InsertBuilder {
	sets := ectolinq.Map(columns, Excluded)
	ib.SQL(fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET %s", strings.Join(conflict, ", "), strings.Join(sets, ", ")))
	return ib
}

// OnConflictDoNothing appends ON CONFLICT DO NOTHING to ib.
func OnConflictDoNothing(ib *sqlbuilder.InsertBuilder) *sqlbuilder.InsertBuilder {
	ib.SQL("ON CONFLICT DO NOTHING")
	return ib
}
