package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFleetLake_IndexerCmd_EnvInt(t *testing.T) {
	t.Run("unset keeps flag value", func(t *testing.T) {
		t.Setenv("FLEETLAKE_TEST_INT", "")
		n := 30
		require.NoError(t, envInt("FLEETLAKE_TEST_INT", &n))
		require.Equal(t, 30, n)
	})

	t.Run("valid value overrides", func(t *testing.T) {
		t.Setenv("FLEETLAKE_TEST_INT", " 12 ")
		n := 30
		require.NoError(t, envInt("FLEETLAKE_TEST_INT", &n))
		require.Equal(t, 12, n)
	})

	t.Run("invalid value is an error", func(t *testing.T) {
		t.Setenv("FLEETLAKE_TEST_INT", "thirty")
		n := 30
		err := envInt("FLEETLAKE_TEST_INT", &n)
		require.ErrorContains(t, err, "invalid FLEETLAKE_TEST_INT")
		require.Equal(t, 30, n)
	})
}

func TestFleetLake_IndexerCmd_TrimAll(t *testing.T) {
	t.Parallel()

	require.Equal(t, []string{"a", "b"}, trimAll([]string{" a", "", "b ", "  "}))
	require.Empty(t, trimAll(nil))
}
