package sink

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/metricsbuffer/internal/metric"
	"github.com/ethpandaops/metricsbuffer/internal/version"
)

// CloudWatchConfig configures the CloudWatch sink. Credentials come from
// the default AWS provider chain.
type CloudWatchConfig struct {
	// Region is the AWS region. Falls back to the SDK's environment
	// resolution when empty.
	Region string `yaml:"region"`

	// Endpoint overrides the service endpoint, e.g. for localstack.
	Endpoint string `yaml:"endpoint"`

	// MaxAttempts is the SDK's attempt budget per call.
	// Defaults to 1 so every chunk is sent exactly once.
	MaxAttempts int `yaml:"max_attempts"`
}

// ApplyDefaults fills unset fields.
func (c *CloudWatchConfig) ApplyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
}

// Validate checks the configuration.
func (c *CloudWatchConfig) Validate() error {
	if c.MaxAttempts < 1 {
		return errors.New("max_attempts must be at least 1")
	}

	return nil
}

// PutMetricDataAPI is the subset of the CloudWatch client used by the sink.
type PutMetricDataAPI interface {
	PutMetricData(
		ctx context.Context,
		params *cloudwatch.PutMetricDataInput,
		optFns ...func(*cloudwatch.Options),
	) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchSink publishes each chunk with a single PutMetricData call.
type CloudWatchSink struct {
	log logrus.FieldLogger
	cfg CloudWatchConfig

	mu     sync.RWMutex
	client PutMetricDataAPI
}

var _ Sink = (*CloudWatchSink)(nil)

// NewCloudWatchSink creates a CloudWatch sink. The client is built on Start.
func NewCloudWatchSink(log logrus.FieldLogger, cfg CloudWatchConfig) *CloudWatchSink {
	cfg.ApplyDefaults()

	return &CloudWatchSink{
		log: log.WithField("component", "sink_cloudwatch"),
		cfg: cfg,
	}
}

// Name implements Sink.
func (s *CloudWatchSink) Name() string { return TypeCloudWatch }

// Start resolves AWS configuration and builds the client.
func (s *CloudWatchSink) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		return nil
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRetryMaxAttempts(s.cfg.MaxAttempts),
		awsconfig.WithAppID(version.UserAgent()),
	}

	if s.cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(s.cfg.Region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("loading AWS config: %w", err)
	}

	s.client = cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
		if s.cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(s.cfg.Endpoint)
		}
	})

	s.log.WithFields(logrus.Fields{
		"region":       awsCfg.Region,
		"max_attempts": s.cfg.MaxAttempts,
	}).Info("CloudWatch sink ready")

	return nil
}

// Put implements Sink.
func (s *CloudWatchSink) Put(ctx context.Context, namespace string, data []metric.Datum) error {
	s.mu.RLock()
	client := s.client
	s.mu.RUnlock()

	if client == nil {
		return errors.New("cloudwatch sink not started")
	}

	_, err := client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(namespace),
		MetricData: toMetricData(data),
	})
	if err != nil {
		return fmt.Errorf("put metric data: %w", err)
	}

	return nil
}

// Stop implements Sink.
func (s *CloudWatchSink) Stop() error { return nil }

func toMetricData(data []metric.Datum) []types.MetricDatum {
	out := make([]types.MetricDatum, 0, len(data))

	for _, d := range data {
		md := types.MetricDatum{
			MetricName:        aws.String(d.MetricName),
			Unit:              types.StandardUnit(d.Unit),
			Value:             d.Value,
			Values:            d.Values,
			Counts:            d.Counts,
			StorageResolution: d.StorageResolution,
		}

		if !d.Timestamp.IsZero() {
			md.Timestamp = aws.Time(d.Timestamp)
		}

		if len(d.Dimensions) > 0 {
			md.Dimensions = make([]types.Dimension, 0, len(d.Dimensions))

			for _, dim := range d.Dimensions {
				md.Dimensions = append(md.Dimensions, types.Dimension{
					Name:  aws.String(dim.Name),
					Value: aws.String(dim.Value),
				})
			}
		}

		out = append(out, md)
	}

	return out
}
