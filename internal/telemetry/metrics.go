// Package telemetry provides the request and login metrics backends.
// CloudWatchMetrics batches datums and ships them with PutMetricData;
// LogMetrics writes them to the structured log for local runs.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
)

// Metric names and dimensions.
const (
	MetricRequestCount   = "RequestCount"
	MetricRequestLatency = "RequestLatency"
	MetricLoginOutcome   = "LoginOutcome"

	DimMethod = "Method"
	DimRoute  = "Route"
	DimStatus = "Status"
	DimStage  = "Stage"
	DimResult = "Result"
)

// Recorder is the union of what the HTTP chassis and the login flow record.
type Recorder interface {
	RecordRequest(method, endpoint, status string, duration time.Duration)
	RecordLogin(stage, result string)
}

// Options selects and configures a backend.
type Options struct {
	Backend       string // cloudwatch | log | none
	Namespace     string
	Region        string
	EndpointURL   string
	FlushInterval time.Duration
	Logger        *slog.Logger
}

// New builds the Recorder named by opts.Backend. For cloudwatch the caller
// must start Run and call Flush on shutdown.
func New(ctx context.Context, opts Options) (Recorder, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	switch opts.Backend {
	case "cloudwatch":
		var loadOpts []func(*awsconfig.LoadOptions) error
		if opts.Region != "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			return nil, fmt.Errorf("loading AWS config: %w", err)
		}
		client := cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
			if opts.EndpointURL != "" {
				o.BaseEndpoint = aws.String(opts.EndpointURL)
			}
		})
		return NewCloudWatchMetrics(client, opts.Namespace, logger), nil
	case "log":
		return NewLogMetrics(logger), nil
	case "none", "":
		return NopMetrics{}, nil
	default:
		return nil, fmt.Errorf("unknown metrics backend %q", opts.Backend)
	}
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) RecordRequest(string, string, string, time.Duration) {}
func (NopMetrics) RecordLogin(string, string)                          {}
