package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func inMemory(t *testing.T) {
	t.Setenv("STORE", "memory")
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("OPENROUTER_API_KEY", "")
	t.Setenv("X_BEARER_TOKEN", "")
	t.Setenv("SENTRY_DSN", "")
	t.Setenv("LOG_LEVEL", "error")
}

func TestScorePostCommand(t *testing.T) {
	out, err := execute(t, "score", "post", "Just shipped our biggest release yet. What would you build with it?")
	require.NoError(t, err)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Contains(t, got, "overall")
	assert.Contains(t, got, "recommendation")
}

func TestScoreFeedCommandNeedsTitle(t *testing.T) {
	_, err := execute(t, "score", "feed")
	assert.Error(t, err)
}

func TestRunCommandSkipsWhenDisabled(t *testing.T) {
	inMemory(t)
	out, err := execute(t, "run")
	require.NoError(t, err)

	var run struct {
		Status  string `json:"status"`
		Trigger string `json:"trigger"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &run))
	assert.Equal(t, "skipped", run.Status)
	assert.Equal(t, "manual", run.Trigger)
}

func TestSlotsCommandText(t *testing.T) {
	inMemory(t)
	out, err := execute(t, "slots", "--count", "2", "--output", "text")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "next slot in "), lines[0])
}

func TestSlotsCommandRejectsBadCount(t *testing.T) {
	_, err := execute(t, "slots", "--count", "0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--count must be within 1-100")
}
