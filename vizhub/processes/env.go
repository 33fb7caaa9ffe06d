package processes

import (
	"fmt"
	"strings"
)

// LaunchArgsVar is the environment variable that carries the launch
// arguments. App commands append it to their own command line.
const LaunchArgsVar = "JUVIZ_ARGS"

// LaunchArgs renders the argument string passed to a trame app. The flag
// spelling and order are relied on by the apps and must not change.
func LaunchArgs(port int, dataDirectory, authTokenPath string) string {
	return fmt.Sprintf("--port=%d --data=%s --authKeyFile=%s --server", port, dataDirectory, authTokenPath)
}

// BuildEnv returns a copy of base with LaunchArgsVar set to args. Any
// inherited value of the variable is replaced.
func BuildEnv(base []string, args string) []string {
	prefix := LaunchArgsVar + "="
	env := make([]string, 0, len(base)+1)
	for _, kv := range base {
		if strings.HasPrefix(kv, prefix) {
			continue
		}
		env = append(env, kv)
	}
	return append(env, prefix+args)
}
