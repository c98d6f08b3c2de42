package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

func ensureID(id string) string {
	if id != "" {
		return id
	}
	return uuid.NewString()
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", raw, err)
	}
	return t.UTC(), nil
}

func nullString(value string) sql.NullString {
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}
