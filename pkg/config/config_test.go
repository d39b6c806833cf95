package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_Validates(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestConfig_RejectsNonPositiveTickInterval(t *testing.T) {
	c := DefaultConfig()
	c.AggressionTickInterval = 0
	require.Error(t, c.Validate())
}

func TestConfig_RejectsUnknownLogLevel(t *testing.T) {
	c := DefaultConfig()
	c.LogLevel = "verbose"
	require.Error(t, c.Validate())
}

func TestConfig_RejectsL1AboveL2(t *testing.T) {
	c := DefaultConfig()
	l1, l2 := uint64(500), uint64(100)
	c.Aggression.L1Threshold = &l1
	c.Aggression.L2Threshold = &l2
	require.Error(t, c.Validate())
}
