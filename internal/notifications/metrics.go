package notifications

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"github.com/Kre8ivTech/client-portal-sub003/internal/scheduler"
)

// Metric names emitted for each scheduled run.
const (
	MetricProcessed     = "AssignmentsProcessed"
	MetricRenewed       = "AssignmentsRenewed"
	MetricCancelled     = "AssignmentsCancelled"
	MetricExpired       = "AssignmentsExpired"
	MetricGraceEntered  = "GracePeriodsEntered"
	MetricRecovered     = "PaymentsRecovered"
	MetricPaymentErrors = "PaymentErrors"
	MetricFailures      = "AssignmentFailures"
	MetricLedgerRows    = "LedgerRowsExported"

	DimTask = "Task"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CycleMetrics records scheduler.RunReport counters as CloudWatch metrics
// with a Task dimension.
type CycleMetrics struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
}

var _ scheduler.RunRecorder = (*CycleMetrics)(nil)

// NewCycleMetrics creates a CycleMetrics publishing under namespace.
func NewCycleMetrics(client CloudWatchClient, namespace string, logger *slog.Logger) *CycleMetrics {
	if logger == nil {
		logger = slog.Default()
	}
	return &CycleMetrics{
		client:    client,
		namespace: namespace,
		logger:    logger,
	}
}

// RecordRun emits one datum per counter in a single PutMetricData call.
func (m *CycleMetrics) RecordRun(ctx context.Context, report scheduler.RunReport) error {
	dims := []cwtypes.Dimension{{
		Name:  aws.String(DimTask),
		Value: aws.String(string(report.Task)),
	}}

	var ts *time.Time
	if !report.ReferenceTime.IsZero() {
		ts = aws.Time(report.ReferenceTime)
	}

	var data []cwtypes.MetricDatum
	add := func(name string, v int) {
		data = append(data, cwtypes.MetricDatum{
			MetricName: aws.String(name),
			Value:      aws.Float64(float64(v)),
			Unit:       cwtypes.StandardUnitCount,
			Timestamp:  ts,
			Dimensions: dims,
		})
	}

	if report.Task == scheduler.TaskExportLedger {
		add(MetricLedgerRows, report.Exported)
	} else {
		add(MetricProcessed, report.Processed)
		add(MetricRenewed, report.Renewed)
		add(MetricCancelled, report.Cancelled)
		add(MetricExpired, report.Expired)
		add(MetricGraceEntered, report.GraceEntered)
		add(MetricRecovered, report.Recovered)
		add(MetricPaymentErrors, report.PaymentErrors)
	}
	add(MetricFailures, len(report.Failures))

	_, err := m.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(m.namespace),
		MetricData: data,
	})
	if err != nil {
		m.logger.ErrorContext(ctx, "failed to record run metrics",
			"error", err.Error(),
			"task", string(report.Task),
		)
		return fmt.Errorf("cycle metrics: put metric data: %w", err)
	}
	return nil
}
