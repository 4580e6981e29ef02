package sink

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCloudWatch struct {
	inputs []*cloudwatch.PutMetricDataInput
	err    error
}

func (f *fakeCloudWatch) PutMetricData(
	_ context.Context,
	params *cloudwatch.PutMetricDataInput,
	_ ...func(*cloudwatch.Options),
) (*cloudwatch.PutMetricDataOutput, error) {
	f.inputs = append(f.inputs, params)

	if f.err != nil {
		return nil, f.err
	}

	return &cloudwatch.PutMetricDataOutput{}, nil
}

func TestCloudWatchSink_Put(t *testing.T) {
	client := &fakeCloudWatch{}
	s := NewCloudWatchSink(testLog(), CloudWatchConfig{})
	s.client = client

	ts := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	data := sampleData()
	data[0].Timestamp = ts

	require.NoError(t, s.Put(context.Background(), "App/Api", data))
	require.Len(t, client.inputs, 1)

	in := client.inputs[0]
	assert.Equal(t, "App/Api", aws.ToString(in.Namespace))
	require.Len(t, in.MetricData, 2)

	first := in.MetricData[0]
	assert.Equal(t, "Latency", aws.ToString(first.MetricName))
	assert.Equal(t, types.StandardUnitMilliseconds, first.Unit)
	assert.InDelta(t, 12.5, aws.ToFloat64(first.Value), 0)
	assert.Equal(t, ts, aws.ToTime(first.Timestamp))
	require.Len(t, first.Dimensions, 1)
	assert.Equal(t, "Route", aws.ToString(first.Dimensions[0].Name))
	assert.Equal(t, "/batch", aws.ToString(first.Dimensions[0].Value))

	second := in.MetricData[1]
	assert.Nil(t, second.Value)
	assert.Nil(t, second.Timestamp)
	assert.Empty(t, second.Dimensions)
	assert.Equal(t, []float64{1, 2}, second.Values)
	assert.Equal(t, []float64{3, 4}, second.Counts)
	assert.Equal(t, int32(1), aws.ToInt32(second.StorageResolution))
}

func TestCloudWatchSink_PutError(t *testing.T) {
	s := NewCloudWatchSink(testLog(), CloudWatchConfig{})
	s.client = &fakeCloudWatch{err: errors.New("throttled")}

	err := s.Put(context.Background(), "App", sampleData())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "throttled")
}

func TestCloudWatchSink_NotStarted(t *testing.T) {
	s := NewCloudWatchSink(testLog(), CloudWatchConfig{})

	assert.Error(t, s.Put(context.Background(), "App", sampleData()))
	assert.NoError(t, s.Stop())
}

func TestCloudWatchSink_StartKeepsInjectedClient(t *testing.T) {
	client := &fakeCloudWatch{}
	s := NewCloudWatchSink(testLog(), CloudWatchConfig{Region: "us-east-1"})
	s.client = client

	require.NoError(t, s.Start(context.Background()))
	assert.Same(t, client, s.client)
}

func TestCloudWatchConfig(t *testing.T) {
	cfg := CloudWatchConfig{}
	cfg.ApplyDefaults()

	assert.Equal(t, 1, cfg.MaxAttempts)
	require.NoError(t, cfg.Validate())

	cfg.MaxAttempts = 3
	cfg.ApplyDefaults()
	assert.Equal(t, 3, cfg.MaxAttempts)

	assert.Error(t, (&CloudWatchConfig{}).Validate())
}
