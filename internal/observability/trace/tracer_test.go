// internal/observability/trace/tracer_test.go
package trace

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTracer(t *testing.T) {
	t.Run("DisabledReturnsNoop", func(t *testing.T) {
		tr := NewTracer(false, TracerConfig{ServiceName: "openrle", SampleRatio: 1.0})
		_, ok := tr.(*NoopTracer)
		assert.True(t, ok)
		require.NoError(t, tr.Shutdown(context.Background()))
	})

	t.Run("EnabledReturnsSDKTracer", func(t *testing.T) {
		tr := NewTracer(true, TracerConfig{ServiceName: "openrle", SampleRatio: 1.0})
		_, ok := tr.(*OtelTracer)
		require.True(t, ok)

		ctx, span := tr.Start(context.Background(), "engine.update",
			WithAttributes(StringAttr("stage", "warmup"), Int64Attr("total_steps", 42)))
		assert.NotNil(t, ctx)
		span.End()

		require.NoError(t, tr.Shutdown(context.Background()))
	})

	t.Run("SampledSpanIsRecording", func(t *testing.T) {
		tr := NewOtelTracer(TracerConfig{ServiceName: "openrle", SampleRatio: 1.0})
		_, span := tr.Start(context.Background(), "engine.checkpoint")
		assert.True(t, span.IsRecording())
		span.End()
		require.NoError(t, tr.Shutdown(context.Background()))
	})

	t.Run("ZeroRatioDropsSpans", func(t *testing.T) {
		tr := NewOtelTracer(TracerConfig{ServiceName: "openrle", SampleRatio: 0})
		_, span := tr.Start(context.Background(), "engine.checkpoint")
		assert.False(t, span.IsRecording())
		span.End()
		require.NoError(t, tr.Shutdown(context.Background()))
	})
}

//Personal.AI order the ending
