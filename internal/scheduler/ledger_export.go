package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/zstd"

	"github.com/Kre8ivTech/client-portal-sub003/internal/types"
)

// ClosedLogLister returns hour logs closed within a time range.
type ClosedLogLister interface {
	// SQL: SELECT ... FROM plan_hour_logs
	//      WHERE NOT is_current_period AND period_end >= $1 AND period_end < $2
	ListClosedBetween(ctx context.Context, from, to time.Time) ([]*types.PlanHourLog, error)
}

// ObjectPutter is the subset of the S3 client used by the exporter.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// LedgerExporter archives closed hour log periods to S3 as zstd-compressed
// JSON Lines, one object per day.
type LedgerExporter struct {
	logs   ClosedLogLister
	s3     ObjectPutter
	bucket string
	logger *slog.Logger
}

// NewLedgerExporter creates a LedgerExporter writing to bucket.
func NewLedgerExporter(logs ClosedLogLister, s3Client ObjectPutter, bucket string, logger *slog.Logger) *LedgerExporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LedgerExporter{logs: logs, s3: s3Client, bucket: bucket, logger: logger}
}

// LedgerKey returns the object key for day: ledger/YYYY/MM/DD.jsonl.zst.
func LedgerKey(day time.Time) string {
	return "ledger/" + types.TruncateDay(day).Format("2006/01/02") + ".jsonl.zst"
}

// ExportDay writes the periods closed on day. Days without closures write no
// object. Re-exporting a day overwrites the object with the same content.
func (e *LedgerExporter) ExportDay(ctx context.Context, day time.Time) (int, error) {
	from := types.TruncateDay(day)
	to := from.AddDate(0, 0, 1)

	logs, err := e.logs.ListClosedBetween(ctx, from, to)
	if err != nil {
		return 0, fmt.Errorf("listing closed hour logs: %w", err)
	}
	if len(logs) == 0 {
		e.logger.InfoContext(ctx, "no closed hour logs to export", "day", from.Format(time.DateOnly))
		return 0, nil
	}

	body, err := encodeLedger(logs)
	if err != nil {
		return 0, err
	}

	key := LedgerKey(from)
	_, err = e.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(e.bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(body),
		ContentType:     aws.String("application/x-ndjson"),
		ContentEncoding: aws.String("zstd"),
	})
	if err != nil {
		return 0, fmt.Errorf("uploading ledger %s: %w", key, err)
	}

	e.logger.InfoContext(ctx, "exported hour ledger",
		"bucket", e.bucket,
		"key", key,
		"rows", len(logs),
		"bytes", len(body),
	)
	return len(logs), nil
}

// Run exports the day before now, the most recent complete day.
func (e *LedgerExporter) Run(ctx context.Context, now time.Time) (RunReport, error) {
	report := RunReport{Task: TaskExportLedger, ReferenceTime: now}
	n, err := e.ExportDay(ctx, types.TruncateDay(now).AddDate(0, 0, -1))
	report.Exported = n
	return report, err
}

func encodeLedger(logs []*types.PlanHourLog) ([]byte, error) {
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	jsonEnc := json.NewEncoder(enc)
	for _, l := range logs {
		if err := jsonEnc.Encode(l); err != nil {
			enc.Close()
			return nil, fmt.Errorf("encoding hour log %s: %w", l.ID, err)
		}
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("flushing zstd encoder: %w", err)
	}
	return buf.Bytes(), nil
}
