package connectors

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tandemhq/tandem/pkg/schema"
)

func TestManualTrigger_PassesPayloadThrough(t *testing.T) {
	trig := &ManualTrigger{}

	out, err := trig.Execute(context.Background(), ExecutionInput{
		Run: RunContext{TriggerOutput: map[string]any{"invoice_id": "inv-1"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "inv-1", out["invoice_id"])
	assert.NotEmpty(t, out["triggered_at"])
}

func TestScheduleTrigger_Validate(t *testing.T) {
	trig := &ScheduleTrigger{}

	assert.Error(t, trig.Validate(map[string]any{}))
	assert.NoError(t, trig.Validate(map[string]any{"cron": "*/5 * * * *"}))
}

func TestUtilLog(t *testing.T) {
	u := &UtilLog{log: testLogger()}

	require.Error(t, u.Validate(map[string]any{}))

	out, err := u.Execute(context.Background(), ExecutionInput{
		Params: map[string]any{"message": "hello", "level": "warn"},
	})
	require.NoError(t, err)
	assert.Equal(t, true, out["logged"])
}

func TestUtilDelay(t *testing.T) {
	u := &UtilDelay{}

	t.Run("validates duration", func(t *testing.T) {
		assert.Error(t, u.Validate(map[string]any{}))
		assert.Error(t, u.Validate(map[string]any{"duration": "nope"}))
		assert.Error(t, u.Validate(map[string]any{"duration": "24h"}))
		assert.NoError(t, u.Validate(map[string]any{"duration": "5ms"}))
	})

	t.Run("sleeps", func(t *testing.T) {
		start := time.Now()
		out, err := u.Execute(context.Background(), ExecutionInput{
			Params: map[string]any{"duration": "10ms"},
		})
		require.NoError(t, err)
		assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
		assert.Equal(t, int64(10), out["delayed_ms"])
	})

	t.Run("interrupted by cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := u.Execute(ctx, ExecutionInput{
			Params: map[string]any{"duration": "1m"},
		})
		require.Error(t, err)
		assert.True(t, schema.IsCode(err, schema.ErrCodeCancelled))
	})
}

func TestEmailSend(t *testing.T) {
	e := &EmailSend{log: testLogger()}

	t.Run("accepts valid recipients", func(t *testing.T) {
		out, err := e.Execute(context.Background(), ExecutionInput{
			Params: map[string]any{
				"to":      []any{"ann@example.com", "bob@example.com"},
				"subject": "Contract ready",
			},
		})
		require.NoError(t, err)
		assert.Equal(t, true, out["accepted"])
		assert.Equal(t, 2, out["recipients"])
	})

	t.Run("invalid address routes to review", func(t *testing.T) {
		_, err := e.Execute(context.Background(), ExecutionInput{
			Params: map[string]any{"to": "not-an-address", "subject": "x"},
		})
		require.Error(t, err)
		assert.True(t, schema.IsCode(err, schema.ErrCodeNeedsReview))

		var te *schema.TandemError
		require.ErrorAs(t, err, &te)
		assert.NotEmpty(t, te.HumanMessage)
	})

	t.Run("missing subject is a validation error", func(t *testing.T) {
		err := e.Validate(map[string]any{"to": "ann@example.com"})
		require.Error(t, err)
		assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
	})
}

func TestRecipientList(t *testing.T) {
	got, err := recipientList("Ann <ann@example.com>")
	require.NoError(t, err)
	assert.Equal(t, []string{"ann@example.com"}, got)

	got, err = recipientList(nil)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = recipientList(42)
	assert.Error(t, err)
}
