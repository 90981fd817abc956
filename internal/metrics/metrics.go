// Package metrics emits delivery observability data to CloudWatch. All
// emission is best effort: a metrics failure is logged and never propagated
// into the delivery path.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"mentormail/internal/types"
)

// DefaultNamespace is the CloudWatch namespace when none is configured.
const DefaultNamespace = "MentorMail"

// Result is the outcome dimension on a delivery metric.
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
	ResultSkipped Result = "skipped"
)

// Dimension and metric names are part of the dashboard contract.
const (
	metricDeliveryAttempt = "EmailDeliveryAttempt"
	metricDeliveryLatency = "EmailDeliveryLatency"
	metricQueueLag        = "DeliveryQueueLag"
	metricHTTPRequest     = "HTTPRequestLatency"
	dimJobType            = "JobType"
	dimResult             = "Result"
	dimMethod             = "Method"
	dimEndpoint           = "Endpoint"
	dimStatus             = "Status"
)

// Recorder is the metrics surface delivery code depends on.
type Recorder interface {
	// RecordDelivery counts one delivery outcome for a job type.
	RecordDelivery(ctx context.Context, jobType types.JobType, result Result)
	// RecordLatency records how long one delivery invocation took.
	RecordLatency(ctx context.Context, jobType types.JobType, duration time.Duration)
	// RecordQueueLag records the delay between a message's intended fire
	// time and when the worker began processing it.
	RecordQueueLag(ctx context.Context, lag time.Duration)
	// RecordRequest records one API request. The signature matches the
	// core middleware collector, which carries no context.
	RecordRequest(method, endpoint, status string, duration time.Duration)
}

// CloudWatchClient abstracts PutMetricData for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchRecorder publishes metrics to a CloudWatch namespace.
type CloudWatchRecorder struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
}

var _ Recorder = (*CloudWatchRecorder)(nil)

// NewCloudWatchRecorder creates a Recorder publishing to the given namespace.
// An empty namespace falls back to DefaultNamespace.
func NewCloudWatchRecorder(client CloudWatchClient, namespace string, logger *slog.Logger) *CloudWatchRecorder {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudWatchRecorder{client: client, namespace: namespace, logger: logger}
}

func (m *CloudWatchRecorder) RecordDelivery(ctx context.Context, jobType types.JobType, result Result) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(metricDeliveryAttempt),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: []cwtypes.Dimension{
			{Name: aws.String(dimJobType), Value: aws.String(string(jobType))},
			{Name: aws.String(dimResult), Value: aws.String(string(result))},
		},
	})
}

func (m *CloudWatchRecorder) RecordLatency(ctx context.Context, jobType types.JobType, duration time.Duration) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(metricDeliveryLatency),
		Value:      aws.Float64(float64(duration.Milliseconds())),
		Unit:       cwtypes.StandardUnitMilliseconds,
		Dimensions: []cwtypes.Dimension{
			{Name: aws.String(dimJobType), Value: aws.String(string(jobType))},
		},
	})
}

func (m *CloudWatchRecorder) RecordQueueLag(ctx context.Context, lag time.Duration) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(metricQueueLag),
		Value:      aws.Float64(float64(lag.Milliseconds())),
		Unit:       cwtypes.StandardUnitMilliseconds,
	})
}

func (m *CloudWatchRecorder) RecordRequest(method, endpoint, status string, duration time.Duration) {
	m.put(context.Background(), cwtypes.MetricDatum{
		MetricName: aws.String(metricHTTPRequest),
		Value:      aws.Float64(float64(duration.Milliseconds())),
		Unit:       cwtypes.StandardUnitMilliseconds,
		Dimensions: []cwtypes.Dimension{
			{Name: aws.String(dimMethod), Value: aws.String(method)},
			{Name: aws.String(dimEndpoint), Value: aws.String(endpoint)},
			{Name: aws.String(dimStatus), Value: aws.String(status)},
		},
	})
}

func (m *CloudWatchRecorder) put(ctx context.Context, datum cwtypes.MetricDatum) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{datum},
	}
	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.ErrorContext(ctx, "metric emission failed",
			"metric", aws.ToString(datum.MetricName),
			"error", err,
		)
	}
}

// Noop is a Recorder that discards everything. Used when metrics are not
// configured, so callers never nil-check.
type Noop struct{}

var _ Recorder = Noop{}

func (Noop) RecordDelivery(context.Context, types.JobType, Result)       {}
func (Noop) RecordLatency(context.Context, types.JobType, time.Duration) {}
func (Noop) RecordQueueLag(context.Context, time.Duration)               {}
func (Noop) RecordRequest(string, string, string, time.Duration)         {}
