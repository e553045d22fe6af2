package metrics_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yamigr/pusudb/metrics"
)

func TestCollector(t *testing.T) {
	collector := metrics.NewCollector()

	registry := prometheus.NewPedanticRegistry()
	require.NoError(t, registry.Register(collector))

	collector.ConnectionOpened("a", "websocket")
	collector.ConnectionOpened("b", "websocket")
	collector.ConnectionOpened("c", "sse")
	collector.ConnectionClosed("b", "websocket", 2*time.Second)

	collector.RequestHandled("person", "put", 200, time.Millisecond)
	collector.RequestHandled("person", "put", 200, time.Millisecond)
	collector.RequestHandled("person", "get", 404, time.Millisecond)

	collector.NotificationDelivered("person", "put", 3)
	collector.NotificationDelivered("person", "put", 2)
	collector.DeliveryFailed("a", errors.New("broken pipe"))

	collector.Subscribed("person:1")
	collector.Subscribed("person:2")
	collector.Unsubscribed("person:1")

	collector.Error("relay", errors.New("down"))

	expected := `
# HELP pusudb_connections The number of open sockets and event streams.
# TYPE pusudb_connections gauge
pusudb_connections{transport="sse"} 1
pusudb_connections{transport="websocket"} 1
# HELP pusudb_requests_total The number of requests run through a pipeline.
# TYPE pusudb_requests_total counter
pusudb_requests_total{db="person",operation="get",status="404"} 1
pusudb_requests_total{db="person",operation="put",status="200"} 2
# HELP pusudb_notification_recipients_total The number of notifications written to subscribers.
# TYPE pusudb_notification_recipients_total counter
pusudb_notification_recipients_total{db="person",operation="put"} 5
# HELP pusudb_delivery_failures_total The number of notifications that could not be written.
# TYPE pusudb_delivery_failures_total counter
pusudb_delivery_failures_total 1
# HELP pusudb_subscriptions The number of subscriptions added minus those removed by clients.
# TYPE pusudb_subscriptions gauge
pusudb_subscriptions 1
# HELP pusudb_errors_total The number of errors by component.
# TYPE pusudb_errors_total counter
pusudb_errors_total{component="relay"} 1
`
	err := testutil.GatherAndCompare(registry, strings.NewReader(expected),
		"pusudb_connections",
		"pusudb_requests_total",
		"pusudb_notification_recipients_total",
		"pusudb_delivery_failures_total",
		"pusudb_subscriptions",
		"pusudb_errors_total",
	)
	assert.NoError(t, err)
}
