package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestSetupInstallsProviders(t *testing.T) {
	tel, err := Setup("exchange-test", "dev")
	require.NoError(t, err)

	require.NotNil(t, otel.GetTracerProvider())
	require.NotNil(t, otel.GetMeterProvider())
	require.NotNil(t, GetTracer("exchange-test"))
	require.NotNil(t, GetMeter("exchange-test"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, tel.Shutdown(ctx))
}
