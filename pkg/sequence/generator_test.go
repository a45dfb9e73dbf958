package sequence

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRandomAlphaNumericAvoidsAmbiguousCharacters(t *testing.T) {
	for i := 0; i < 50; i++ {
		s, err := randomAlphaNumeric(8)
		require.NoError(t, err)
		require.Len(t, s, 8)
		require.False(t, strings.ContainsAny(s, "01IO"), s)
	}
}
