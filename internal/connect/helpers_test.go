package connect_test

import (
	"context"
	"testing"

	"github.com/MrWong99/aoede/internal/connect"
	"github.com/MrWong99/aoede/internal/connect/mock"
	"github.com/MrWong99/aoede/internal/observe"
	"github.com/MrWong99/aoede/pkg/audio/bridge"
	"go.opentelemetry.io/otel/metric/noop"
)

var testCreds = connect.Credentials{
	Username: "alice",
	AuthType: connect.AuthTypeStored,
	AuthData: []byte("token"),
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func newBridge(t *testing.T) *bridge.Bridge {
	t.Helper()
	b, err := bridge.New(bridge.Config{})
	if err != nil {
		t.Fatalf("bridge.New: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

// newTestSession opens a session against a mock backend with cached
// credentials.
func newTestSession(t *testing.T) (*connect.Session, *mock.Backend) {
	t.Helper()
	backend := &mock.Backend{}
	s, err := connect.NewSession(context.Background(), connect.SessionConfig{
		Backend: backend,
		Bridge:  newBridge(t),
		Cache:   &mock.Cache{Stored: testCreds},
		Pairer:  &mock.Pairer{},
		Metrics: testMetrics(t),
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, backend
}
