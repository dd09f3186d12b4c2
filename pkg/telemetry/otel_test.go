package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestSetupProviderWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := SetupProvider(context.Background(), Config{ServiceName: "gateway-test"})
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))
}

func TestRedactAttributesDropsCredentialsAndMasks(t *testing.T) {
	attrs := []attribute.KeyValue{
		attribute.String("http.request.header.authorization", "Bearer secret"),
		attribute.String("http.request.header.cookie", "session=abc"),
		attribute.String("user.email", "person@example.com"),
		attribute.String("tenant.business_unit", "bu1"),
	}

	filtered := RedactAttributes(attrs, "user.email")

	require.Len(t, filtered, 2)
	got := attribute.NewSet(filtered...)
	email, ok := got.Value("user.email")
	require.True(t, ok)
	assert.Equal(t, "pers***.com", email.AsString())
	bu, ok := got.Value("tenant.business_unit")
	require.True(t, ok)
	assert.Equal(t, "bu1", bu.AsString())
}

func TestRedactAttributesShortValues(t *testing.T) {
	filtered := RedactAttributes([]attribute.KeyValue{attribute.String("user.id", "abc")}, "user.id")
	require.Len(t, filtered, 1)
	assert.Equal(t, "***", filtered[0].Value.AsString())
}
