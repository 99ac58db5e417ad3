package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v2"
)

type DBConfig struct {
	Driver      string `yaml:"driver"`
	Connection  string `yaml:"connection"`
	Database    string `yaml:"database"`
	Path        string `yaml:"path"`
	InMemory    bool   `yaml:"in_memory"`
	Collections struct {
		WorkUnits      string `yaml:"work_units"`
		Investigations string `yaml:"investigations"`
		PageAnalyses   string `yaml:"page_analyses"`
		Submissions    string `yaml:"submissions"`
		SubmissionKeys string `yaml:"submission_keys"`
		Events         string `yaml:"events"`
	} `yaml:"collections"`
}

type LogicConfig struct {
	MaxURLs                 int    `yaml:"max_urls"`
	ConfirmThreshold        int    `yaml:"confirm_threshold"`
	MinDescriptionLen       int    `yaml:"min_description_len"`
	MinSummaryLen           int    `yaml:"min_summary_len"`
	ProbeTimeoutSec         int    `yaml:"probe_timeout_sec"`
	MaxConcurrentCandidates int    `yaml:"max_concurrent_candidates"`
	RetryErrors             bool   `yaml:"retry_errors"`
	UserAgent               string `yaml:"user_agent"`
	RespectRobots           bool   `yaml:"respect_robots"`
}

// QueueConfig bounds one external resource. Zero MaxConcurrent means unbounded,
// zero IntervalMS means no spacing between releases.
type QueueConfig struct {
	MaxConcurrent int `yaml:"max_concurrent"`
	IntervalMS    int `yaml:"interval_ms"`
}

func (q QueueConfig) Interval() time.Duration {
	return time.Duration(q.IntervalMS) * time.Millisecond
}

type QueuesConfig struct {
	LLM    QueueConfig `yaml:"llm"`
	Search QueueConfig `yaml:"search"`
	Fetch  QueueConfig `yaml:"fetch"`
}

type LLMConfig struct {
	BaseURL       string `yaml:"base_url"`
	APIKey        string `yaml:"api_key"`
	Model         string `yaml:"model"`
	MaxQueryChars int    `yaml:"max_query_chars"`
	MaxAttempts   int    `yaml:"max_attempts"`
	BackoffMS     int    `yaml:"backoff_ms"`
	OracleModel   string `yaml:"oracle_model"`
}

type SearchConfig struct {
	Endpoint        string   `yaml:"endpoint"`
	APIKey          string   `yaml:"api_key"`
	CX              string   `yaml:"cx"`
	MaxAttempts     int      `yaml:"max_attempts"`
	BackoffMS       int      `yaml:"backoff_ms"`
	ExcludePatterns []string `yaml:"exclude_patterns"`
}

type FetcherConfig struct {
	Mode             string   `yaml:"mode"`
	Command          string   `yaml:"command"`
	Args             []string `yaml:"args"`
	ReadyLine        string   `yaml:"ready_line"`
	ScratchDir       string   `yaml:"scratch_dir"`
	Extractor        string   `yaml:"extractor"`
	ExtractorCommand string   `yaml:"extractor_command"`
	ExtractorArgs    []string `yaml:"extractor_args"`
	TimeoutSec       int      `yaml:"timeout_sec"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

type SpiderConfig struct {
	DB      DBConfig      `yaml:"db"`
	Logic   LogicConfig   `yaml:"logic"`
	Queues  QueuesConfig  `yaml:"queues"`
	LLM     LLMConfig     `yaml:"llm"`
	Search  SearchConfig  `yaml:"search"`
	Fetcher FetcherConfig `yaml:"fetcher"`
	Metrics MetricsConfig `yaml:"metrics"`
}

func LoadConfig(path string) (*SpiderConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg SpiderConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyEnv()
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *SpiderConfig) applyEnv() {
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv("GOOGLE_SEARCH_KEY"); v != "" {
		c.Search.APIKey = v
	}
	if v := os.Getenv("GOOGLE_SEARCH_CX"); v != "" {
		c.Search.CX = v
	}
}

// ApplyDefaults fills every zero value that has a sensible default.
func (c *SpiderConfig) ApplyDefaults() {
	if c.DB.Driver == "" {
		c.DB.Driver = "badger"
	}
	if c.DB.Database == "" {
		c.DB.Database = "yearly_events"
	}
	cols := &c.DB.Collections
	setDefault(&cols.WorkUnits, "work_units")
	setDefault(&cols.Investigations, "investigations")
	setDefault(&cols.PageAnalyses, "page_analyses")
	setDefault(&cols.Submissions, "submissions")
	setDefault(&cols.SubmissionKeys, "submission_keys")
	setDefault(&cols.Events, "events")

	if c.Logic.MaxURLs == 0 {
		c.Logic.MaxURLs = 7
	}
	if c.Logic.ConfirmThreshold == 0 {
		c.Logic.ConfirmThreshold = 5
	}
	if c.Logic.MinDescriptionLen == 0 {
		c.Logic.MinDescriptionLen = 20
	}
	if c.Logic.MinSummaryLen == 0 {
		c.Logic.MinSummaryLen = 20
	}
	if c.Logic.ProbeTimeoutSec == 0 {
		c.Logic.ProbeTimeoutSec = 30
	}
	setDefault(&c.Logic.UserAgent, "Mozilla/5.0 (compatible; event_spider/1.0)")

	setDefault(&c.LLM.Model, "gpt-4o-mini")
	if c.LLM.MaxQueryChars == 0 {
		c.LLM.MaxQueryChars = 12000
	}
	if c.LLM.MaxAttempts == 0 {
		c.LLM.MaxAttempts = 3
	}
	if c.LLM.BackoffMS == 0 {
		c.LLM.BackoffMS = 1000
	}

	setDefault(&c.Search.Endpoint, "https://www.googleapis.com/customsearch/v1")
	if c.Search.MaxAttempts == 0 {
		c.Search.MaxAttempts = 3
	}
	if c.Search.BackoffMS == 0 {
		c.Search.BackoffMS = 1000
	}
	if c.Search.ExcludePatterns == nil {
		c.Search.ExcludePatterns = []string{`youtube\.com`, `twitter\.com`}
	}

	setDefault(&c.Fetcher.Mode, "direct")
	setDefault(&c.Fetcher.ReadyLine, "Ready")
	setDefault(&c.Fetcher.ScratchDir, os.TempDir())
	setDefault(&c.Fetcher.Extractor, "readability")
	if c.Fetcher.TimeoutSec == 0 {
		c.Fetcher.TimeoutSec = 60
	}
}

func (c *SpiderConfig) Validate() error {
	switch c.DB.Driver {
	case "mongo", "badger":
	default:
		return fmt.Errorf("unknown db driver %q", c.DB.Driver)
	}
	switch c.Fetcher.Mode {
	case "direct":
	case "process":
		if c.Fetcher.Command == "" {
			return fmt.Errorf("fetcher mode process needs a command")
		}
	default:
		return fmt.Errorf("unknown fetcher mode %q", c.Fetcher.Mode)
	}
	switch c.Fetcher.Extractor {
	case "readability":
	case "command":
		if c.Fetcher.ExtractorCommand == "" {
			return fmt.Errorf("extractor command is empty")
		}
	default:
		return fmt.Errorf("unknown extractor %q", c.Fetcher.Extractor)
	}
	for _, pattern := range c.Search.ExcludePatterns {
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("bad exclude pattern %q: %w", pattern, err)
		}
	}
	if c.Logic.MaxURLs < 1 {
		return fmt.Errorf("max_urls must be positive, got %d", c.Logic.MaxURLs)
	}
	return nil
}

func setDefault(field *string, value string) {
	if *field == "" {
		*field = value
	}
}
