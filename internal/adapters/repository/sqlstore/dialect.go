package sqlstore

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
)

// Supported dialects.
const (
	Postgres = "postgres"
	MySQL    = "mysql"
)

type dialect struct {
	name string
	// numbered placeholders ($1, $2) instead of ?
	numbered bool
	// INSERT ... RETURNING id instead of LastInsertId
	returning bool
}

func dialectFor(driver string) (dialect, error) {
	switch driver {
	case Postgres:
		return dialect{name: Postgres, numbered: true, returning: true}, nil
	case MySQL:
		return dialect{name: MySQL}, nil
	}
	return dialect{}, fmt.Errorf("unsupported driver %q", driver)
}

// rebind rewrites ? placeholders for the dialect. Queries must not contain
// literal question marks.
func (d dialect) rebind(q string) string {
	if !d.numbered {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

// dsn normalizes a connection string. MySQL needs parseTime and UTC so
// DATETIME columns scan into time.Time.
func (d dialect) dsn(url string) (string, error) {
	if d.name != MySQL {
		return url, nil
	}
	cfg, err := mysql.ParseDSN(url)
	if err != nil {
		return "", fmt.Errorf("parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	return cfg.FormatDSN(), nil
}

// toDB converts a timestamp for storage. MySQL DATETIME has no zone and both
// backends keep microseconds.
func (d dialect) toDB(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23503"
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1452
	}
	return false
}
