package storage

import (
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
)

func TestLegacyToUTC(t *testing.T) {
	naive := time.Date(2025, 6, 1, 8, 30, 0, 0, time.UTC)
	got := LegacyToUTC(naive)
	want := time.Date(2025, 6, 1, 0, 30, 0, 0, time.UTC)
	if !got.Equal(want) || got.Location() != time.UTC {
		t.Fatalf("GMT+8 转换错误: %s", got)
	}
	if !LegacyToUTC(time.Time{}).IsZero() {
		t.Fatal("零值时间应保持不变")
	}
}

func TestNormalizeTimestamp(t *testing.T) {
	ts := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

	naive := normalizeTimestamp(ts, pgconn.FieldDescription{DataTypeOID: pgtype.TimestampOID})
	if naive.Hour() != 0 {
		t.Fatalf("无时区列应按 GMT+8 解释, 实际 %s", naive)
	}

	aware := normalizeTimestamp(ts.In(time.FixedZone("X", 3600)), pgconn.FieldDescription{DataTypeOID: pgtype.TimestamptzOID})
	if !aware.Equal(ts) || aware.Location() != time.UTC {
		t.Fatalf("带时区列只应转为 UTC, 实际 %s", aware)
	}
}
