package jobqueue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEveryMinutes(t *testing.T) {
	n, err := parseEveryMinutes("*/15 * * * *")
	require.NoError(t, err)
	assert.Equal(t, 15, n)

	n, err = parseEveryMinutes("*/5 * * * *")
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	for _, bad := range []string{"", "0 * * * *", "*/x * * * *", "*/5 2 * * *", "*/5 * * *", "*/0 * * * *"} {
		_, err := parseEveryMinutes(bad)
		assert.Error(t, err, "expression %q", bad)
	}
}

func TestCatalogInterval(t *testing.T) {
	assert.Equal(t, 15*time.Minute, catalogInterval("*/15 * * * *"))
	assert.Equal(t, 30*time.Minute, catalogInterval("*/30 * * * *"))
	// Unsupported shapes fall back to the default.
	assert.Equal(t, 15*time.Minute, catalogInterval("0 3 * * *"))
}
