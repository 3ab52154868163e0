package storage

import (
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
)

// legacyZone is the offset naive timestamps were written in before the
// schema moved to timestamptz.
var legacyZone = time.FixedZone("GMT+8", 8*60*60)

// LegacyToUTC reinterprets the wall clock of a naive timestamp as GMT+8.
func LegacyToUTC(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), legacyZone).UTC()
}

// normalizeTimestamp converts a scanned column value to UTC, applying the
// legacy rule when the column carries no zone.
func normalizeTimestamp(t time.Time, field pgconn.FieldDescription) time.Time {
	if field.DataTypeOID == pgtype.TimestampOID {
		return LegacyToUTC(t)
	}
	return t.UTC()
}
