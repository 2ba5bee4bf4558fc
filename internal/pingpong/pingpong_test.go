package pingpong

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/yuuki/rdmamsg/internal/chunk"
	"github.com/yuuki/rdmamsg/internal/config"
	"github.com/yuuki/rdmamsg/internal/rdma"
	"github.com/yuuki/rdmamsg/internal/telemetry"
	"github.com/yuuki/rdmamsg/internal/transport"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.ServerAddr = "127.0.0.1:20080"
	cfg.SendDepth = 4
	cfg.RecvDepth = 4
	cfg.SRQDepth = 16
	cfg.ChunkSize = 64
	cfg.CQEPerCQ = 64
	cfg.WorkerCount = 2
	cfg.StagingBufferSize = 64
	return cfg
}

func startServer(t *testing.T, cfg *config.Config, fabric rdma.Fabric) *transport.Server {
	t.Helper()
	server := NewServer(cfg, fabric, nil)
	require.NoError(t, server.Start())
	t.Cleanup(func() { _ = server.Close() })
	return server
}

func TestRoundTrips(t *testing.T) {
	rounds := 1_000_000
	if testing.Short() {
		rounds = 10_000
	}
	cfg := testConfig()
	cfg.PingPong.RoundTrips = rounds
	fabric := rdma.NewSimFabric()
	server := startServer(t, cfg, fabric)

	client := NewClient(cfg, fabric, nil)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	stats, err := client.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Connections)
	assert.Equal(t, int64(rounds), stats.RoundTrips)
	assert.LessOrEqual(t, stats.MinRTT, stats.MeanRTT)
	assert.LessOrEqual(t, stats.MeanRTT, stats.MaxRTT)

	assert.Eventually(t, func() bool {
		return server.Stack().Registry().Len() == 0
	}, 5*time.Second, time.Millisecond)
}

func TestRoundTripsManyConnections(t *testing.T) {
	cfg := testConfig()
	cfg.WorkerCount = 2
	cfg.PingPong.Connections = 5
	cfg.PingPong.RoundTrips = 200
	fabric := rdma.NewSimFabric()
	startServer(t, cfg, fabric)

	reader := sdkmetric.NewManualReader()
	m, err := telemetry.NewFromProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)), "client")
	require.NoError(t, err)

	client := NewClient(cfg, fabric, m)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	stats, err := client.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, stats.Connections)
	assert.Equal(t, int64(1000), stats.RoundTrips)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	var rttCount uint64
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			if md.Name != "rdmamsg.pingpong.rtt" {
				continue
			}
			for _, dp := range md.Data.(metricdata.Histogram[float64]).DataPoints {
				rttCount += dp.Count
			}
		}
	}
	assert.Equal(t, uint64(1000), rttCount)
}

func TestZeroRoundTripsFinishesImmediately(t *testing.T) {
	cfg := testConfig()
	cfg.PingPong.RoundTrips = 0
	fabric := rdma.NewSimFabric()
	startServer(t, cfg, fabric)

	client := NewClient(cfg, fabric, nil)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stats, err := client.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.RoundTrips)
}

func TestServerHandlerReplies(t *testing.T) {
	cfg := testConfig()
	fabric := rdma.NewSimFabric()
	startServer(t, cfg, fabric)

	replies := make(chan []byte, 1)
	client := transport.NewClient(cfg, fabric, transport.HandlerFunc(func(ev transport.Event) {
		if r, ok := ev.(transport.Received); ok {
			replies <- append([]byte(nil), r.Chunk.Bytes()...)
		}
	}))
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conns, err := client.Connect(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, conns[0].AsyncSend(Request))

	select {
	case got := <-replies:
		assert.Equal(t, Response, got)
	case <-ctx.Done():
		t.Fatal("no response")
	}
	assert.Eventually(t, func() bool {
		return conns[0].SendStats() == chunk.Stats{Free: 4}
	}, 5*time.Second, time.Millisecond)
}

func TestRunFailsWithoutServer(t *testing.T) {
	client := NewClient(testConfig(), rdma.NewSimFabric(), nil)
	defer client.Close()

	_, err := client.Run(context.Background())
	assert.ErrorIs(t, err, transport.ErrHandshakeFailed)
}
