package cmd

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseTools(t *testing.T) {
	got, err := parseTools([]string{"static-analyzer=bandit", "static-analyzer=eslint", "ai-analyzer=review"})
	require.NoError(t, err)
	require.Equal(t, map[string][]string{
		"static-analyzer": {"bandit", "eslint"},
		"ai-analyzer":     {"review"},
	}, got)

	none, err := parseTools(nil)
	require.NoError(t, err)
	require.Nil(t, none)

	_, err = parseTools([]string{"bandit"})
	require.Error(t, err)
}
