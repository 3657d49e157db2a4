package step

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyOrdering(t *testing.T) {
	cases := []struct {
		a, b string
		less bool
	}{
		{"2", "10", true},
		{"10", "2", false},
		{"10", "alpha", true},
		{"alpha", "10", false},
		{"alpha", "beta", true},
		{"1.5", "2", true},
	}
	for _, c := range cases {
		assert.Equal(t, c.less, keyLess(c.a, c.b), "%s < %s", c.a, c.b)
	}
}

func TestResultOrderOptions(t *testing.T) {
	exec := newExecutor(t, map[string]Capability{
		"ten":   (&counter{}).echo("from 10"),
		"two":   (&counter{}).echo("from 2"),
		"named": (&counter{}).echo("from summary"),
	})
	root := Sequence("root",
		Single("10", "ten", nil),
		Single("summary", "named", nil),
		Single("2", "two", nil),
	)

	out, err := exec.Run(context.Background(), root, nil)
	require.NoError(t, err)
	assert.Equal(t, "2", out.StepID)
	assert.Equal(t, "from 2", out.Value)

	out, err = exec.Run(context.Background(), root, nil, WithResultOrder(KeyOrder))
	require.NoError(t, err)
	assert.Equal(t, "summary", out.StepID)
	assert.Equal(t, "from summary", out.Value)
}

func TestEmptyRunHasNoValue(t *testing.T) {
	exec := newExecutor(t, nil)
	out, err := exec.Run(context.Background(), Sequence("root"), map[string]any{"value": 1})
	require.NoError(t, err)
	assert.Nil(t, out.Value)
	assert.Empty(t, out.StepID)
}
