package eventbus_test

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/randalmurphal/eventbus/pkg/eventbus"
	"github.com/randalmurphal/eventbus/pkg/eventbus/config"
	"github.com/randalmurphal/eventbus/pkg/eventbus/dispatcher"
	buserrors "github.com/randalmurphal/eventbus/pkg/eventbus/errors"
	"github.com/randalmurphal/eventbus/pkg/eventbus/event"
	"github.com/randalmurphal/eventbus/pkg/eventbus/transport"
	"github.com/randalmurphal/eventbus/pkg/eventbus/transport/memory"
)

func testConfig() config.BusConfig {
	cfg := config.Default()
	cfg.Metrics.OpenTelemetry = false
	cfg.Store.Backend = config.BackendMemory
	cfg.Publisher.MaxEventsPerSecond = -1
	cfg.Dispatcher.RetryBackoff = time.Millisecond
	cfg.Dispatcher.MaxRetryBackoff = 2 * time.Millisecond
	cfg.Dispatcher.HealthInterval = time.Hour
	cfg.Maintenance = config.MaintenanceConfig{}
	return cfg
}

func newBus(t *testing.T, cfg config.BusConfig, opts ...eventbus.Option) *eventbus.Bus {
	t.Helper()
	opts = append([]eventbus.Option{eventbus.WithLogger(zap.NewNop())}, opts...)
	b, err := eventbus.New(context.Background(), cfg, nil, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Stop(context.Background()) })
	return b
}

func TestBus_PublishAndDispatch(t *testing.T) {
	b := newBus(t, testConfig())

	var handled atomic.Int32
	require.NoError(t, b.Register(dispatcher.NewHandler("order-projection",
		[]string{event.TypeOrderCreated, event.TypeOrderStatus},
		func(context.Context, *event.DomainEvent) error {
			handled.Add(1)
			return nil
		})))
	require.NoError(t, b.Start(context.Background()))
	assert.Error(t, b.Start(context.Background()))

	f := event.NewFactory()
	created, err := f.OrderCreated("T1", event.OrderCreated{OrderID: "O1", Currency: "EUR", TotalMinor: 500})
	require.NoError(t, err)
	changed, err := f.OrderStatusChanged("T1", event.OrderStatusChanged{OrderID: "O1", From: event.OrderPlaced, To: event.OrderConfirmed})
	require.NoError(t, err)

	ctx := context.Background()
	_, err = b.Publisher().Publish(ctx, created)
	require.NoError(t, err)
	_, err = b.Publisher().Publish(ctx, changed)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return b.Dispatcher().Stats().Handlers["order-projection"].Processed == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(2), handled.Load())

	report := b.Health(ctx)
	assert.True(t, report.Healthy)
	assert.Equal(t, dispatcher.Healthy, report.Handlers["order-projection"])
	assert.Equal(t, int64(2), report.Publisher.Published)

	require.NoError(t, b.Stop(ctx))
}

func TestBus_UnhealthyHandlerReported(t *testing.T) {
	b := newBus(t, testConfig())
	require.NoError(t, b.Register(dispatcher.NewHandler("search", []string{dispatcher.Wildcard},
		func(context.Context, *event.DomainEvent) error { return nil },
		dispatcher.WithHealthCheck(func(context.Context) dispatcher.Health { return dispatcher.Unhealthy }))))
	require.NoError(t, b.Start(context.Background()))

	report := b.Health(context.Background())
	assert.False(t, report.Healthy)
	assert.True(t, report.Dispatcher.Handlers["search"].Paused)
}

func TestBus_SQLiteRestoresSequencesAfterRestart(t *testing.T) {
	cfg := testConfig()
	cfg.Store.Backend = config.BackendSQLite
	cfg.Store.Path = filepath.Join(t.TempDir(), "events.db")
	ctx := context.Background()

	first, err := eventbus.New(ctx, cfg, nil, eventbus.WithLogger(zap.NewNop()))
	require.NoError(t, err)
	f := event.NewFactory()
	for _, to := range []event.OrderStage{event.OrderConfirmed, event.OrderPreparing} {
		evt, err := f.OrderStatusChanged("T1", event.OrderStatusChanged{OrderID: "O1", From: event.OrderPlaced, To: to})
		require.NoError(t, err)
		_, err = first.Publisher().Publish(ctx, evt)
		require.NoError(t, err)
	}
	require.NoError(t, first.Stop(ctx))

	second := newBus(t, cfg)
	stale, err := event.New(event.TypeOrderStatus, "O1", event.AggregateOrder, "T1",
		event.OrderStatusChanged{OrderID: "O1", From: event.OrderPlaced, To: event.OrderCancelled},
		event.WithSequence(2))
	require.NoError(t, err)

	_, err = second.Publisher().Publish(ctx, stale)
	assert.ErrorIs(t, err, buserrors.ErrOutOfOrder)
}

func TestBus_PublisherDeduplicationWindow(t *testing.T) {
	cfg := testConfig()
	cfg.Publisher.DeduplicationWindow = time.Millisecond
	b := newBus(t, cfg)
	ctx := context.Background()

	evt, err := event.New(event.TypeSystemEvent, "S1", "System", "T1", map[string]any{"ok": true})
	require.NoError(t, err)
	ack, err := b.Publisher().Publish(ctx, evt)
	require.NoError(t, err)
	assert.False(t, ack.Duplicate)

	time.Sleep(20 * time.Millisecond)
	ack, err = b.Publisher().Publish(ctx, evt)
	require.NoError(t, err)
	assert.False(t, ack.Duplicate, "the id expired with the publisher window")
}

func TestBus_RunMaintenancePurgesExpiredRecords(t *testing.T) {
	past := time.Now().AddDate(-1, 0, 0)
	b := newBus(t, testConfig(), eventbus.WithClock(func() time.Time { return past }))

	evt, err := event.New(event.TypeSystemEvent, "node-1", "System", "T1", map[string]any{"status": "ok"})
	require.NoError(t, err)
	_, err = b.Publisher().Publish(context.Background(), evt)
	require.NoError(t, err)

	store, ok := b.Store().(interface{ Len() int })
	require.True(t, ok)
	require.Equal(t, 1, store.Len())

	require.NoError(t, b.RunMaintenance(context.Background()))
	assert.Equal(t, 0, store.Len())
}

func TestBus_PrometheusMetrics(t *testing.T) {
	cfg := testConfig()
	cfg.Metrics.Prometheus = true
	cfg.Metrics.Namespace = "bustest"
	reg := prometheus.NewRegistry()
	b := newBus(t, cfg, eventbus.WithPrometheusRegisterer(reg))

	evt, err := event.New(event.TypeSystemEvent, "node-1", "System", "T1", map[string]any{"status": "ok"})
	require.NoError(t, err)
	_, err = b.Publisher().Publish(context.Background(), evt)
	require.NoError(t, err)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, mf := range families {
		names = append(names, mf.GetName())
	}
	assert.Contains(t, names, "bustest_publish_total")
}

func TestBus_CallerTransportStaysOpen(t *testing.T) {
	tr := memory.New()
	b, err := eventbus.New(context.Background(), testConfig(), tr, eventbus.WithLogger(zap.NewNop()))
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))
	require.NoError(t, b.Stop(context.Background()))

	sub, err := tr.Subscribe(context.Background(), event.AllTopics, func(context.Context, transport.Delivery) {})
	require.NoError(t, err)
	require.NoError(t, sub.Unsubscribe())
}

func TestNew_Errors(t *testing.T) {
	cfg := testConfig()
	cfg.Transport.Kind = "carrier-pigeon"
	_, err := eventbus.New(context.Background(), cfg, nil)
	assert.Error(t, err)

	cfg = testConfig()
	cfg.Maintenance.SweepSchedule = "whenever"
	_, err = eventbus.New(context.Background(), cfg, nil, eventbus.WithLogger(zap.NewNop()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ledger sweep")
}
