package model

// Config is the broker configuration loaded from annobroker.yaml in the
// state root. Zero values fall back to defaults at the point of use.
type Config struct {
	Project Project       `yaml:"project"`
	Corpus  CorpusConfig  `yaml:"corpus"`
	Daemon  DaemonConfig  `yaml:"daemon"`
	Limits  LimitsConfig  `yaml:"limits"`
	HTTP    HTTPConfig    `yaml:"http"`
	Logging LoggingConfig `yaml:"logging"`
}

type Project struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// CorpusConfig names the subdirectories of the state root that hold source
// videos, machine annotations, and human annotation outputs.
type CorpusConfig struct {
	VideosDir      string `yaml:"videos_dir"`
	AnnotationsDir string `yaml:"annotations_dir"`
}

type DaemonConfig struct {
	ScanIntervalSec    int     `yaml:"scan_interval_sec"`
	DebounceSec        float64 `yaml:"debounce_sec"`
	ShutdownTimeoutSec int     `yaml:"shutdown_timeout_sec"`
}

type LimitsConfig struct {
	MaxUploadBytes   int   `yaml:"max_upload_bytes"`
	MaxEventLogBytes int64 `yaml:"max_event_log_bytes"`
}

type HTTPConfig struct {
	ReadTimeoutSec  int `yaml:"read_timeout_sec"`
	WriteTimeoutSec int `yaml:"write_timeout_sec"`
	RPCTimeoutSec   int `yaml:"rpc_timeout_sec"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// VideosDir returns the configured videos subdirectory (default "videos").
func (c *Config) VideosDir() string {
	if c.Corpus.VideosDir != "" {
		return c.Corpus.VideosDir
	}
	return "videos"
}

// AnnotationsDir returns the configured annotation output subdirectory
// (default "annotations").
func (c *Config) AnnotationsDir() string {
	if c.Corpus.AnnotationsDir != "" {
		return c.Corpus.AnnotationsDir
	}
	return "annotations"
}
