package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunUnknownCommandReturnsUsageError(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"acteon-gateway", "bogus"}, &stdout, &stderr)
	require.Equal(t, 2, code)
	require.Contains(t, stderr.String(), "unknown command")
}

func TestRunHelpPrintsUsage(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"acteon-gateway", "help"}, &stdout, &stderr)
	require.Equal(t, 0, code)
	require.Contains(t, stdout.String(), "Usage: acteon-gateway")
}

func TestCapitalize(t *testing.T) {
	require.Equal(t, "Exponential", capitalize("exponential"))
	require.Equal(t, "", capitalize(""))
}
