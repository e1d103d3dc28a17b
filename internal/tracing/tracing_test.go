package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitWithNilExporterStillProducesRecordingSpans(t *testing.T) {
	p, err := Init("singletable-test", "test", nil)
	require.NoError(t, err)
	defer p.Shutdown(context.Background())

	_, span := p.StartSpan(context.Background(), "unit-test-span")
	defer span.End()

	assert.True(t, span.SpanContext().IsValid())
}

func TestTracerIsUsableDirectly(t *testing.T) {
	p, err := Init("singletable-test-2", "test", nil)
	require.NoError(t, err)
	defer p.Shutdown(context.Background())

	ctx, span := p.Tracer().Start(context.Background(), "direct-span")
	defer span.End()
	assert.NotNil(t, ctx)
}
