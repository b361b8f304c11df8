package uuid

import (
	"testing"

	goUUID "github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestGeneratorNewID(t *testing.T) {
	t.Parallel()

	gen := New()
	id1, err := gen.NewID()
	require.NoError(t, err)
	id2, err := gen.NewID()
	require.NoError(t, err)

	require.NotEqual(t, id1, id2)
	_, err = goUUID.Parse(id1)
	require.NoError(t, err)
	_, err = goUUID.Parse(id2)
	require.NoError(t, err)
}

func TestGeneratorIDsSortByTime(t *testing.T) {
	t.Parallel()

	gen := New()
	first, err := gen.NewRawID()
	require.NoError(t, err)
	second, err := gen.NewRawID()
	require.NoError(t, err)

	// UUID7 embeds a millisecond timestamp in the high bits.
	require.LessOrEqual(t, first.String(), second.String())
}
