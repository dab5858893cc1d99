package telemetry

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// maxDatumsPerCall is the PutMetricData per-request limit.
const maxDatumsPerCall = 1000

const defaultFlushInterval = time.Minute

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchMetrics buffers datums in memory and publishes them on Flush.
// Record calls never block on the network.
type CloudWatchMetrics struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	pending []cwtypes.MetricDatum
}

var _ Recorder = (*CloudWatchMetrics)(nil)

// NewCloudWatchMetrics creates a CloudWatchMetrics publishing to namespace.
func NewCloudWatchMetrics(client CloudWatchClient, namespace string, logger *slog.Logger) *CloudWatchMetrics {
	if namespace == "" {
		namespace = "FediLogin"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudWatchMetrics{
		client:    client,
		namespace: namespace,
		logger:    logger,
		now:       time.Now,
	}
}

// RecordRequest buffers a count and a latency datum for one HTTP request.
func (m *CloudWatchMetrics) RecordRequest(method, endpoint, status string, duration time.Duration) {
	dims := []cwtypes.Dimension{
		{Name: aws.String(DimMethod), Value: aws.String(method)},
		{Name: aws.String(DimRoute), Value: aws.String(endpoint)},
		{Name: aws.String(DimStatus), Value: aws.String(status)},
	}
	ts := aws.Time(m.now())
	m.add(
		cwtypes.MetricDatum{
			MetricName: aws.String(MetricRequestCount),
			Value:      aws.Float64(1),
			Unit:       cwtypes.StandardUnitCount,
			Timestamp:  ts,
			Dimensions: dims,
		},
		cwtypes.MetricDatum{
			MetricName: aws.String(MetricRequestLatency),
			Value:      aws.Float64(float64(duration.Milliseconds())),
			Unit:       cwtypes.StandardUnitMilliseconds,
			Timestamp:  ts,
			Dimensions: dims,
		},
	)
}

// RecordLogin buffers a login outcome, e.g. stage "callback", result
// "upstream_token_exchange_failed".
func (m *CloudWatchMetrics) RecordLogin(stage, result string) {
	m.add(cwtypes.MetricDatum{
		MetricName: aws.String(MetricLoginOutcome),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Timestamp:  aws.Time(m.now()),
		Dimensions: []cwtypes.Dimension{
			{Name: aws.String(DimStage), Value: aws.String(stage)},
			{Name: aws.String(DimResult), Value: aws.String(result)},
		},
	})
}

func (m *CloudWatchMetrics) add(datums ...cwtypes.MetricDatum) {
	m.mu.Lock()
	m.pending = append(m.pending, datums...)
	m.mu.Unlock()
}

// Pending returns the number of buffered datums.
func (m *CloudWatchMetrics) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Flush publishes all buffered datums. Datums from a failed call are dropped
// and the failure is logged.
func (m *CloudWatchMetrics) Flush(ctx context.Context) error {
	m.mu.Lock()
	batch := m.pending
	m.pending = nil
	m.mu.Unlock()

	var firstErr error
	for start := 0; start < len(batch); start += maxDatumsPerCall {
		end := min(start+maxDatumsPerCall, len(batch))
		_, err := m.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
			Namespace:  aws.String(m.namespace),
			MetricData: batch[start:end],
		})
		if err != nil {
			m.logger.Error("failed to publish metrics",
				"error", err.Error(),
				"datums", strconv.Itoa(end-start),
			)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Run flushes every interval until ctx is cancelled, then flushes once more.
func (m *CloudWatchMetrics) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultFlushInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = m.Flush(ctx)
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = m.Flush(flushCtx)
			cancel()
			return
		}
	}
}
