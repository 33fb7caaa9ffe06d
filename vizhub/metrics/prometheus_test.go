package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_Launches(t *testing.T) {
	c := NewCollector("test")

	c.LaunchCompleted("demo", 10*time.Millisecond, nil)
	c.LaunchCompleted("demo", 5*time.Millisecond, errors.New("spawn failed"))
	c.LaunchCompleted("other", 20*time.Millisecond, nil)

	expected := `
		# HELP test_launches_total Total number of trame app launch attempts
		# TYPE test_launches_total counter
		test_launches_total{app="demo",result="error"} 1
		test_launches_total{app="demo",result="success"} 1
		test_launches_total{app="other",result="success"} 1
	`
	err := testutil.GatherAndCompare(c.registry, strings.NewReader(expected), "test_launches_total")
	assert.NoError(t, err)

	assert.Equal(t, float64(2), testutil.ToFloat64(c.instancesRunning))

	count, err := testutil.GatherAndCount(c.registry, "test_launch_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestCollector_InstanceExited(t *testing.T) {
	c := NewCollector("test")
	c.LaunchCompleted("demo", time.Millisecond, nil)
	c.InstanceExited("demo", "Failed")

	assert.Equal(t, float64(0), testutil.ToFloat64(c.instancesRunning))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.exits.WithLabelValues("demo", "Failed")))
}

func TestCollector_ParaViewLaunch(t *testing.T) {
	c := NewCollector("test")
	c.ParaViewLaunch("slurm", 0)
	c.ParaViewLaunch("slurm", 1)
	c.ParaViewLaunch("slurm", 1)

	assert.Equal(t, float64(1), testutil.ToFloat64(c.paraviewLaunches.WithLabelValues("slurm", "success")))
	assert.Equal(t, float64(2), testutil.ToFloat64(c.paraviewLaunches.WithLabelValues("slurm", "error")))
}

func TestCollector_WatchRoutes(t *testing.T) {
	c := NewCollector("test")
	n := 3
	c.WatchRoutes(func() int { return n })

	expected := `
		# HELP test_routes_registered Number of instance routes in the route table
		# TYPE test_routes_registered gauge
		test_routes_registered 3
	`
	assert.NoError(t, testutil.GatherAndCompare(c.registry, strings.NewReader(expected), "test_routes_registered"))

	n = 1
	assert.NoError(t, testutil.GatherAndCompare(c.registry, strings.NewReader(strings.Replace(expected, "registered 3", "registered 1", 1)), "test_routes_registered"))
}

func TestCollector_Handler(t *testing.T) {
	c := NewCollector("")
	c.LaunchCompleted("demo", time.Millisecond, nil)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `vizhub_launches_total{app="demo",result="success"} 1`)
}

func TestCollector_RegistryExtraCollectors(t *testing.T) {
	c := NewCollector("test")
	c.Registry().MustRegister(collectors.NewGoCollector())

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "go_goroutines")
}
