package processes

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLaunchArgsExactFormat(t *testing.T) {
	got := LaunchArgs(8080, "/home/u/data", "/tmp/key123")
	assert.Equal(t, "--port=8080 --data=/home/u/data --authKeyFile=/tmp/key123 --server", got)
}

func TestBuildEnvReplacesInheritedValue(t *testing.T) {
	base := []string{"PATH=/usr/bin", "JUVIZ_ARGS=--stale", "HOME=/home/u"}
	env := BuildEnv(base, "--port=1 --data=/d --authKeyFile=/k --server")

	var found []string
	for _, kv := range env {
		if strings.HasPrefix(kv, "JUVIZ_ARGS=") {
			found = append(found, kv)
		}
	}
	assert.Equal(t, []string{"JUVIZ_ARGS=--port=1 --data=/d --authKeyFile=/k --server"}, found)
	assert.Contains(t, env, "PATH=/usr/bin")
	assert.Contains(t, env, "HOME=/home/u")

	// The input slice is left alone.
	assert.Equal(t, "JUVIZ_ARGS=--stale", base[1])
}
