package skiff

import (
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEnsureDefaultConfigValues(t *testing.T) {
	conf := &Config{}
	EnsureDefaultConfigValues(conf)
	require.Equal(t, 2*runtime.NumCPU(), conf.MaxConcurrentTasks)
	require.Equal(t, 3, conf.MaxTaskRetries)
	require.Equal(t, int64(64*1024*1024), conf.TargetPartitionSize)
	require.Equal(t, 512, conf.MaxTasksPerStage)
	require.Equal(t, 8, conf.RecomputeChainLimit)
	require.Equal(t, 100*time.Millisecond, conf.RetryInitialInterval)
	require.Equal(t, 10*time.Second, conf.RetryMaxInterval)
	require.Equal(t, 5*time.Second, conf.CancelGracePeriod)
	require.Equal(t, runtime.NumCPU(), conf.NumWorkers)
	require.True(t, len(conf.SpillDir) > 0)
}

func TestEnsureDefaultConfigValuesKeepsExplicitSettings(t *testing.T) {
	conf := &Config{
		MaxConcurrentTasks: 7,
		MaxTaskRetries:     1,
		NumWorkers:         3,
		SpillDir:           "/tmp/spill",
	}
	EnsureDefaultConfigValues(conf)
	require.Equal(t, 7, conf.MaxConcurrentTasks)
	require.Equal(t, 1, conf.MaxTaskRetries)
	require.Equal(t, 3, conf.NumWorkers)
	require.Equal(t, "/tmp/spill", conf.SpillDir)
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("SKIFF_MAX_CONCURRENT_TASKS", "9")
	t.Setenv("SKIFF_MAX_TASK_RETRIES", "2")
	t.Setenv("SKIFF_TASK_TIMEOUT", "1m")
	t.Setenv("SKIFF_ORDERED_OUTPUT", "true")
	t.Setenv("SKIFF_ADAPTIVE_REPARTITIONING", "true")
	t.Setenv("SKIFF_NUM_WORKERS", "not-a-number")
	conf := ConfigFromEnv()
	require.Equal(t, 9, conf.MaxConcurrentTasks)
	require.Equal(t, 2, conf.MaxTaskRetries)
	require.Equal(t, time.Minute, conf.TaskTimeout)
	require.True(t, conf.OrderedOutput)
	require.True(t, conf.AdaptiveRepartitioning)
	// malformed values fall back to defaults
	require.Equal(t, runtime.NumCPU(), conf.NumWorkers)
}

func TestConfigFromJSON(t *testing.T) {
	conf := ConfigFromJSON([]byte(`{
		"max_concurrent_tasks": 5,
		"task_timeout_ms": 1500,
		"ordered_output": true,
		"target_partition_size": 1024,
		"max_tasks_per_stage": 16,
		"recompute_chain_limit": 4,
		"spill_dir": "/tmp/skiff-spill"
	}`))
	require.Equal(t, 5, conf.MaxConcurrentTasks)
	require.Equal(t, 1500*time.Millisecond, conf.TaskTimeout)
	require.True(t, conf.OrderedOutput)
	require.Equal(t, int64(1024), conf.TargetPartitionSize)
	require.Equal(t, 16, conf.MaxTasksPerStage)
	require.Equal(t, 4, conf.RecomputeChainLimit)
	require.Equal(t, "/tmp/skiff-spill", conf.SpillDir)
	// unset fields still get defaults
	require.Equal(t, 3, conf.MaxTaskRetries)
}

func TestCloneConfigIsIndependent(t *testing.T) {
	conf := &Config{MaxConcurrentTasks: 4}
	clone := CloneConfig(conf)
	clone.MaxConcurrentTasks = 8
	require.Equal(t, 4, conf.MaxConcurrentTasks)
}
