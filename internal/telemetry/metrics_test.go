package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestParseCollectorAddr(t *testing.T) {
	tests := []struct {
		addr     string
		scheme   string
		endpoint string
		wantErr  bool
	}{
		{"localhost:4317", "grpc", "localhost:4317", false},
		{"127.0.0.1:4317", "grpc", "127.0.0.1:4317", false},
		{"grpc://collector:4317", "grpc", "collector:4317", false},
		{"grpcs://collector:4317", "grpcs", "collector:4317", false},
		{"http://collector:4318", "http", "collector:4318", false},
		{"HTTPS://collector:4318", "https", "collector:4318", false},
		{"ftp://collector:21", "", "", true},
		{"", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			scheme, endpoint, err := parseCollectorAddr(tt.addr)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.scheme, scheme)
			assert.Equal(t, tt.endpoint, endpoint)
		})
	}
}

func TestInstrumentsRecord(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(context.Background())

	m, err := NewFromProvider(provider, "client")
	require.NoError(t, err)

	m.ConnectionOpened()
	m.MessageSent(13)
	m.MessageSent(13)
	m.MessageReceived(13)
	m.SendWouldBlock()
	m.RecordRTT(5 * time.Microsecond)
	require.NoError(t, m.Shutdown(context.Background()))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	require.Len(t, rm.ScopeMetrics, 1)

	sums := map[string]int64{}
	var rttCount uint64
	for _, md := range rm.ScopeMetrics[0].Metrics {
		switch data := md.Data.(type) {
		case metricdata.Sum[int64]:
			for _, dp := range data.DataPoints {
				sums[md.Name] += dp.Value
				role, ok := dp.Attributes.Value("role")
				assert.True(t, ok)
				assert.Equal(t, "client", role.AsString())
			}
		case metricdata.Histogram[float64]:
			for _, dp := range data.DataPoints {
				rttCount += dp.Count
			}
		}
	}
	assert.Equal(t, int64(1), sums["rdmamsg.connections.opened"])
	assert.Equal(t, int64(2), sums["rdmamsg.messages.sent"])
	assert.Equal(t, int64(26), sums["rdmamsg.bytes.sent"])
	assert.Equal(t, int64(13), sums["rdmamsg.bytes.received"])
	assert.Equal(t, int64(1), sums["rdmamsg.send.would_block"])
	assert.Equal(t, uint64(1), rttCount)
}

func TestNoop(t *testing.T) {
	m := Noop()
	m.ConnectionOpened()
	m.MessageReceived(1)
	m.RecordRTT(time.Millisecond)
	assert.NoError(t, m.Shutdown(context.Background()))
}
