package database

import (
	"fmt"
	"strconv"
)

// Dialect selects the driver and placeholder syntax of the relational store.
type Dialect string

const (
	Postgres  Dialect = "postgres"
	SQLServer Dialect = "sqlserver"
)

func ParseDialect(s string) (Dialect, error) {
	switch d := Dialect(s); d {
	case Postgres, SQLServer:
		return d, nil
	}
	return "", fmt.Errorf("unsupported database driver %q", s)
}

// DriverName is the database/sql driver registered for the dialect.
func (d Dialect) DriverName() (string, error) {
	switch d {
	case Postgres:
		return "pgx", nil
	case SQLServer:
		return "sqlserver", nil
	}
	return "", fmt.Errorf("unsupported database driver %q", string(d))
}

// Placeholder returns the n-th (1-based) bind parameter.
func (d Dialect) Placeholder(n int) string {
	if d == SQLServer {
		return "@p" + strconv.Itoa(n)
	}
	return "$" + strconv.Itoa(n)
}
