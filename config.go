package skiff

import (
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
)

// Config holds every tunable for one execution. There is no global state:
// a Config is supplied to the engine at construction time and threaded
// through explicitly.
type Config struct {
	MaxConcurrentTasks     int           // bound on Submitted+Running tasks, independent of backend capacity
	MaxTaskRetries         int           // how many times a transiently-failing task is resubmitted
	TaskTimeout            time.Duration // per-attempt timeout, 0 to disable
	OrderedOutput          bool          // iff true, the ResultStream yields root outputs in plan order
	AdaptiveRepartitioning bool          // iff true, shuffle stages size themselves from predecessor stats
	TargetPartitionSize    int64         // target bytes per partition for adaptive repartitioning
	MaxTasksPerStage       int           // upper bound on adaptive stage fan-out
	RecomputeChainLimit    int           // how deep a Lost-partition recompute chain may grow before failing terminal
	RetryInitialInterval   time.Duration // initial backoff interval for transient retries
	RetryMaxInterval       time.Duration // cap on the backoff interval
	CancelGracePeriod      time.Duration // how long cancellation waits for in-flight tasks to drain
	NumWorkers             int           // worker pool size for the local backend
	SpillDir               string        // directory for spilled partitions (local backend)

	// CacheMemoryHighWatermark is the soft byte limit for the in-memory
	// partition cache in front of spilled data
	CacheMemoryHighWatermark int64
}

// CloneConfig makes a copy of a Config
func CloneConfig(conf *Config) *Config {
	c := *conf
	return &c
}

// EnsureDefaultConfigValues fills in defaults for any unset Config fields
func EnsureDefaultConfigValues(conf *Config) {
	if conf.MaxConcurrentTasks == 0 {
		conf.MaxConcurrentTasks = 2 * runtime.NumCPU()
	}
	if conf.MaxTaskRetries == 0 {
		conf.MaxTaskRetries = 3
	}
	if conf.TargetPartitionSize == 0 {
		conf.TargetPartitionSize = 64 * 1024 * 1024
	}
	if conf.MaxTasksPerStage == 0 {
		conf.MaxTasksPerStage = 512
	}
	if conf.RecomputeChainLimit == 0 {
		conf.RecomputeChainLimit = 8
	}
	if conf.RetryInitialInterval == 0 {
		conf.RetryInitialInterval = 100 * time.Millisecond
	}
	if conf.RetryMaxInterval == 0 {
		conf.RetryMaxInterval = 10 * time.Second
	}
	if conf.CancelGracePeriod == 0 {
		conf.CancelGracePeriod = 5 * time.Second
	}
	if conf.NumWorkers == 0 {
		conf.NumWorkers = runtime.NumCPU()
	}
	if len(conf.SpillDir) == 0 {
		conf.SpillDir = os.TempDir()
	}
	if conf.CacheMemoryHighWatermark == 0 {
		conf.CacheMemoryHighWatermark = 512 * 1024 * 1024
	}
}

// ConfigFromEnv builds a Config from SKIFF_* environment variables,
// falling back to defaults for anything unset
func ConfigFromEnv() *Config {
	conf := &Config{
		MaxConcurrentTasks:     envInt("SKIFF_MAX_CONCURRENT_TASKS"),
		MaxTaskRetries:         envInt("SKIFF_MAX_TASK_RETRIES"),
		TaskTimeout:            envDuration("SKIFF_TASK_TIMEOUT"),
		OrderedOutput:          os.Getenv("SKIFF_ORDERED_OUTPUT") == "true",
		AdaptiveRepartitioning: os.Getenv("SKIFF_ADAPTIVE_REPARTITIONING") == "true",
		NumWorkers:             envInt("SKIFF_NUM_WORKERS"),
		SpillDir:               os.Getenv("SKIFF_SPILL_DIR"),
	}
	EnsureDefaultConfigValues(conf)
	return conf
}

// ConfigFromJSON builds a Config from a JSON document, falling back to
// defaults for anything unset
func ConfigFromJSON(doc []byte) *Config {
	conf := &Config{
		MaxConcurrentTasks:     int(gjson.GetBytes(doc, "max_concurrent_tasks").Int()),
		MaxTaskRetries:         int(gjson.GetBytes(doc, "max_task_retries").Int()),
		TaskTimeout:            time.Duration(gjson.GetBytes(doc, "task_timeout_ms").Int()) * time.Millisecond,
		OrderedOutput:          gjson.GetBytes(doc, "ordered_output").Bool(),
		AdaptiveRepartitioning: gjson.GetBytes(doc, "adaptive_repartitioning").Bool(),
		TargetPartitionSize:    gjson.GetBytes(doc, "target_partition_size").Int(),
		MaxTasksPerStage:       int(gjson.GetBytes(doc, "max_tasks_per_stage").Int()),
		RecomputeChainLimit:    int(gjson.GetBytes(doc, "recompute_chain_limit").Int()),
		NumWorkers:             int(gjson.GetBytes(doc, "num_workers").Int()),
		SpillDir:               gjson.GetBytes(doc, "spill_dir").String(),
	}
	EnsureDefaultConfigValues(conf)
	return conf
}

func envInt(key string) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return 0
	}
	return v
}

func envDuration(key string) time.Duration {
	v, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		return 0
	}
	return v
}
