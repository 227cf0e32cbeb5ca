package id

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate(t *testing.T) {
	a, err := Generate(PrefixEvent)
	require.NoError(t, err)
	b, err := Generate(PrefixEvent)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(a, "evt-"))
	assert.Len(t, a, len("evt-")+21)
	assert.NotEqual(t, a, b)
}

func TestMustGenerate(t *testing.T) {
	assert.True(t, strings.HasPrefix(MustGenerate(PrefixCheck), "chk-"))
}
