package connectors

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tandemhq/tandem/pkg/schema"
)

type fakeExecutor struct {
	key        string
	sideEffect bool
	out        map[string]any
	err        error
}

func (f *fakeExecutor) Key() string                          { return f.key }
func (f *fakeExecutor) Description() string                  { return "fake" }
func (f *fakeExecutor) ParameterSchema() json.RawMessage     { return json.RawMessage(`{"type":"object"}`) }
func (f *fakeExecutor) SideEffecting() bool                  { return f.sideEffect }
func (f *fakeExecutor) Validate(params map[string]any) error { return nil }

func (f *fakeExecutor) Execute(ctx context.Context, in ExecutionInput) (map[string]any, error) {
	return f.out, f.err
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register(&fakeExecutor{key: "test.echo"}))
	assert.True(t, r.Has("test.echo"))
	assert.Equal(t, 1, r.Count())

	e, err := r.Get("test.echo")
	require.NoError(t, err)
	assert.Equal(t, "test.echo", e.Key())
}

func TestRegistry_DuplicateRejected(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register(&fakeExecutor{key: "test.echo"}))
	err := r.Register(&fakeExecutor{key: "test.echo"})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))
}

func TestRegistry_GetUnknownCapability(t *testing.T) {
	r := NewRegistry()

	_, err := r.Get("does.not.exist")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeCapabilityUnknown))
}

func TestRegistry_RejectsInvalidExecutors(t *testing.T) {
	r := NewRegistry()

	assert.Error(t, r.Register(nil))
	assert.Error(t, r.Register(&fakeExecutor{key: ""}))
}

func TestRegistry_ListSortedByKey(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&fakeExecutor{key: "z.last"}))
	require.NoError(t, r.Register(&fakeExecutor{key: "a.first", sideEffect: true}))

	infos := r.List()
	require.Len(t, infos, 2)
	assert.Equal(t, "a.first", infos[0].Key)
	assert.True(t, infos[0].SideEffecting)
	assert.Equal(t, "z.last", infos[1].Key)
}

func TestRegisterBuiltins(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, RegisterBuiltins(r, HTTPConfig{}, nil))

	for _, key := range []string{
		"trigger.manual", "trigger.schedule", "http.request",
		"util.log", "util.delay", "email.send",
	} {
		assert.True(t, r.Has(key), "missing builtin %s", key)
	}
}
