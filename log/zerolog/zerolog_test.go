package zerolog

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/capital"
)

func TestEmit(t *testing.T) {
	var buf bytes.Buffer
	l := New(zerolog.New(&buf).Level(zerolog.InfoLevel))

	l.Debug("hidden", capital.Fields{"k": 1})
	l.Warn("refresh failed", capital.Fields{"instance": "balances", "err": errors.New("down")})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &got))
	require.Equal(t, map[string]any{
		"level":     "warn",
		"component": "capital",
		"instance":  "balances",
		"err":       "down",
		"message":   "refresh failed",
	}, got)
}
