package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPolicy(t *testing.T) {
	ctx := context.Background()
	engine, err := NewEngine(ctx, DefaultPolicy)
	require.NoError(t, err)

	d, err := engine.Evaluate(ctx, Input{Service: "directory", Method: "listDomains", Depth: 20})
	require.NoError(t, err)
	assert.True(t, d.Allowed())

	d, err = engine.Evaluate(ctx, Input{Service: "task", Method: "search", Depth: 7})
	require.NoError(t, err)
	assert.True(t, d.Allowed())

	d, err = engine.Evaluate(ctx, Input{Service: "task", Method: "search", Depth: 8})
	require.NoError(t, err)
	assert.False(t, d.Allowed())
	assert.Equal(t, "nested task depth limit reached", d.Reason)
}

func TestLoadEngineFromFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "policy.rego")
	content := `
package dispatch_policy

default decision = "allow"
default reason = ""

decision = "block" {
	input.service == "mail"
	input.args.query == "secret"
}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	engine, err := LoadEngine(ctx, path)
	require.NoError(t, err)

	d, err := engine.Evaluate(ctx, Input{Service: "mail", Method: "search", Args: []byte(`{"query":"secret"}`)})
	require.NoError(t, err)
	assert.Equal(t, DecisionBlock, d.Decision)

	d, err = engine.Evaluate(ctx, Input{Service: "mail", Method: "search", Args: []byte(`{"query":"lunch"}`)})
	require.NoError(t, err)
	assert.True(t, d.Allowed())
}

func TestNewEngineRejectsInvalidPolicy(t *testing.T) {
	_, err := NewEngine(context.Background(), "package broken\n decision = {")
	assert.Error(t, err)
}
