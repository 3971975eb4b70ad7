// Package config manages application configuration.
//
// Values are resolved in order: defaults, then the first config file found
// (lecnotes.json in the working directory, then
// ~/.config/lecnotes/lecnotes.json), then LECNOTES_* environment variables.
// A .env file in the working directory is loaded into the environment first.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"lecnotes/inference"
	"lecnotes/media"
	"lecnotes/pipeline"
)

const envPrefix = "LECNOTES_"

// Duration is a time.Duration that reads "30s" style strings or plain
// seconds from JSON.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := parseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(v)
		return nil
	}
	var secs float64
	if err := json.Unmarshal(b, &secs); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\" or seconds: %s", b)
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// parseDuration accepts Go duration syntax or a bare number of seconds.
func parseDuration(s string) (time.Duration, error) {
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(n * float64(time.Second)), nil
	}
	return time.ParseDuration(s)
}

// Config holds all settings for the pipeline.
type Config struct {
	// DataDir is the base for every relative path below.
	DataDir     string `json:"data_dir"`
	DownloadDir string `json:"download_dir"`
	TempDir     string `json:"temp_dir"`
	OutputDir   string `json:"output_dir"`
	// PublishBaseURL, when set, is where OutputDir is served; jobs then end
	// as published with a URL.
	PublishBaseURL string `json:"publish_base_url"`

	// StoreBackend is "json" or "sqlite".
	StoreBackend string `json:"store_backend"`
	// JobsFile defaults to jobs.json or jobs.db by backend.
	JobsFile        string `json:"jobs_file"`
	CredentialsFile string `json:"credentials_file"`

	TranscriptionModel string `json:"transcription_model"`
	NotesModel         string `json:"notes_model"`

	RequestTimeout    Duration `json:"request_timeout"`
	MaxRetries        int      `json:"max_retries"`
	RetryDelay        Duration `json:"retry_delay"`
	UploadWait        Duration `json:"upload_wait"`
	RequestsPerMinute float64  `json:"requests_per_minute"`
	// QuotaWindow is how long per-credential usage counts before reset.
	QuotaWindow Duration `json:"quota_window"`
	// QuotaLimits caps requests per API key and model within one window.
	QuotaLimits map[string]int `json:"quota_limits"`

	ChunkCooldown Duration `json:"chunk_cooldown"`
	JobPause      Duration `json:"job_pause"`

	// SegmentMode is "duration" or "size".
	SegmentMode        string  `json:"segment_mode"`
	SegmentSeconds     float64 `json:"segment_seconds"`
	ChunkSizeLimitMB   float64 `json:"chunk_size_limit_mb"`
	TargetBitrateKbps  int     `json:"target_bitrate_kbps"`
	MinBitrateKbps     int     `json:"min_bitrate_kbps"`
	BitrateStepKbps    int     `json:"bitrate_step_kbps"`
	SilenceThresholdDB int     `json:"silence_threshold_db"`
	FFmpegThreads      int     `json:"ffmpeg_threads"`

	FFmpegPath   string   `json:"ffmpeg_path"`
	FFprobePath  string   `json:"ffprobe_path"`
	YtdlpPath    string   `json:"ytdlp_path"`
	YtdlpTimeout Duration `json:"ytdlp_timeout"`
	CookiesFile  string   `json:"cookies_file"`
	UserAgent    string   `json:"user_agent"`

	APIBaseURL        string `json:"api_base_url"`
	CodeAssistURL     string `json:"code_assist_url"`
	OAuthClientID     string `json:"oauth_client_id"`
	OAuthClientSecret string `json:"oauth_client_secret"`

	LogLevel string `json:"log_level"`
}

// DefaultConfig returns configuration with production defaults.
func DefaultConfig() *Config {
	return &Config{
		DataDir:            ".",
		DownloadDir:        "downloads",
		TempDir:            "temp",
		OutputDir:          "notes",
		StoreBackend:       "json",
		CredentialsFile:    "credentials.json",
		TranscriptionModel: "gemini-2.5-flash",
		NotesModel:         "gemini-3-pro-preview",
		RequestTimeout:     Duration(300 * time.Second),
		MaxRetries:         3,
		RetryDelay:         Duration(10 * time.Second),
		UploadWait:         Duration(2 * time.Minute),
		QuotaWindow:        Duration(24 * time.Hour),
		ChunkCooldown:      Duration(30 * time.Second),
		JobPause:           Duration(3 * time.Second),
		SegmentMode:        string(media.SplitByDuration),
		SegmentSeconds:     1800,
		ChunkSizeLimitMB:   20,
		TargetBitrateKbps:  48,
		MinBitrateKbps:     16,
		BitrateStepKbps:    8,
		SilenceThresholdDB: -50,
		FFmpegPath:         "ffmpeg",
		FFprobePath:        "ffprobe",
		YtdlpPath:          "yt-dlp",
		YtdlpTimeout:       Duration(30 * time.Minute),
		CookiesFile:        filepath.Join("cookies", "default.txt"),
		APIBaseURL:         inference.DefaultAPIBaseURL,
		CodeAssistURL:      inference.DefaultCodeAssistURL,
		LogLevel:           "info",
	}
}

// Load builds the configuration. A non-empty path names the only config file
// to read and must exist.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := DefaultConfig()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	} else if err := cfg.loadFromFile(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load config file: %w", err)
	}

	if err := cfg.loadFromEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.resolve()
	return cfg, nil
}

func (c *Config) loadFromFile() error {
	paths := []string{"lecnotes.json"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "lecnotes", "lecnotes.json"))
	}
	for _, p := range paths {
		err := c.loadFile(p)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		return err
	}
	return os.ErrNotExist
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// loadFromEnv overrides fields from LECNOTES_* variables. Unlike the config
// file, a malformed value is an error.
func (c *Config) loadFromEnv() error {
	var errs []error
	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(envPrefix + name); ok {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v, ok := os.LookupEnv(envPrefix + name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	float := func(name string, dst *float64) {
		if v, ok := os.LookupEnv(envPrefix + name); ok {
			n, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	dur := func(name string, dst *Duration) {
		if v, ok := os.LookupEnv(envPrefix + name); ok {
			d, err := parseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
				return
			}
			*dst = Duration(d)
		}
	}

	str("DATA_DIR", &c.DataDir)
	str("DOWNLOAD_DIR", &c.DownloadDir)
	str("TEMP_DIR", &c.TempDir)
	str("OUTPUT_DIR", &c.OutputDir)
	str("PUBLISH_BASE_URL", &c.PublishBaseURL)
	str("STORE_BACKEND", &c.StoreBackend)
	str("JOBS_FILE", &c.JobsFile)
	str("CREDENTIALS_FILE", &c.CredentialsFile)
	str("TRANSCRIPTION_MODEL", &c.TranscriptionModel)
	str("NOTES_MODEL", &c.NotesModel)
	dur("REQUEST_TIMEOUT", &c.RequestTimeout)
	num("MAX_RETRIES", &c.MaxRetries)
	dur("RETRY_DELAY", &c.RetryDelay)
	dur("UPLOAD_WAIT", &c.UploadWait)
	float("REQUESTS_PER_MINUTE", &c.RequestsPerMinute)
	dur("QUOTA_WINDOW", &c.QuotaWindow)
	dur("CHUNK_COOLDOWN", &c.ChunkCooldown)
	dur("JOB_PAUSE", &c.JobPause)
	str("SEGMENT_MODE", &c.SegmentMode)
	float("SEGMENT_SECONDS", &c.SegmentSeconds)
	float("CHUNK_SIZE_LIMIT_MB", &c.ChunkSizeLimitMB)
	num("TARGET_BITRATE_KBPS", &c.TargetBitrateKbps)
	num("MIN_BITRATE_KBPS", &c.MinBitrateKbps)
	num("BITRATE_STEP_KBPS", &c.BitrateStepKbps)
	num("SILENCE_THRESHOLD_DB", &c.SilenceThresholdDB)
	num("FFMPEG_THREADS", &c.FFmpegThreads)
	str("FFMPEG_PATH", &c.FFmpegPath)
	str("FFPROBE_PATH", &c.FFprobePath)
	str("YTDLP_PATH", &c.YtdlpPath)
	dur("YTDLP_TIMEOUT", &c.YtdlpTimeout)
	str("COOKIES_FILE", &c.CookiesFile)
	str("USER_AGENT", &c.UserAgent)
	str("API_BASE_URL", &c.APIBaseURL)
	str("CODE_ASSIST_URL", &c.CodeAssistURL)
	str("OAUTH_CLIENT_ID", &c.OAuthClientID)
	str("OAUTH_CLIENT_SECRET", &c.OAuthClientSecret)
	str("LOG_LEVEL", &c.LogLevel)

	// LECNOTES_QUOTA_LIMITS="gemini-2.5-flash=250,gemini-3-pro-preview=50"
	if v, ok := os.LookupEnv(envPrefix + "QUOTA_LIMITS"); ok {
		limits, err := parseLimits(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sQUOTA_LIMITS: %w", envPrefix, err))
		} else {
			c.QuotaLimits = limits
		}
	}
	return errors.Join(errs...)
}

func parseLimits(s string) (map[string]int, error) {
	limits := make(map[string]int)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		model, n, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("want model=limit, got %q", pair)
		}
		v, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return nil, fmt.Errorf("limit for %s: %w", model, err)
		}
		limits[strings.TrimSpace(model)] = v
	}
	return limits, nil
}

// resolve fills backend-dependent defaults and makes relative paths
// relative to DataDir.
func (c *Config) resolve() {
	if c.JobsFile == "" {
		c.JobsFile = "jobs.json"
		if c.StoreBackend == "sqlite" {
			c.JobsFile = "jobs.db"
		}
	}
	for _, p := range []*string{&c.DownloadDir, &c.TempDir, &c.OutputDir, &c.JobsFile, &c.CredentialsFile, &c.CookiesFile} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(c.DataDir, *p)
		}
	}
}

// Validate checks that configuration values are valid and consistent.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case "json", "sqlite":
	default:
		return fmt.Errorf("store_backend must be \"json\" or \"sqlite\", got %q", c.StoreBackend)
	}
	switch media.SplitMode(c.SegmentMode) {
	case media.SplitByDuration, media.SplitBySize:
	default:
		return fmt.Errorf("segment_mode must be \"duration\" or \"size\", got %q", c.SegmentMode)
	}
	if c.TranscriptionModel == "" || c.NotesModel == "" {
		return fmt.Errorf("transcription_model and notes_model are required")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be non-negative")
	}
	if c.RetryDelay < 0 || c.ChunkCooldown < 0 || c.JobPause < 0 {
		return fmt.Errorf("retry_delay, chunk_cooldown and job_pause must be non-negative")
	}
	if c.QuotaWindow <= 0 {
		return fmt.Errorf("quota_window must be positive")
	}
	if c.RequestsPerMinute < 0 {
		return fmt.Errorf("requests_per_minute must be non-negative")
	}
	if c.SegmentSeconds < media.MinSegmentSeconds {
		return fmt.Errorf("segment_seconds must be at least %d", media.MinSegmentSeconds)
	}
	if c.ChunkSizeLimitMB <= 0 {
		return fmt.Errorf("chunk_size_limit_mb must be positive")
	}
	if c.MinBitrateKbps <= 0 || c.BitrateStepKbps <= 0 {
		return fmt.Errorf("min_bitrate_kbps and bitrate_step_kbps must be positive")
	}
	if c.TargetBitrateKbps < c.MinBitrateKbps {
		return fmt.Errorf("target_bitrate_kbps must be >= min_bitrate_kbps")
	}
	if c.SilenceThresholdDB >= 0 {
		return fmt.Errorf("silence_threshold_db must be negative")
	}
	for model, n := range c.QuotaLimits {
		if n < 0 {
			return fmt.Errorf("quota_limits[%s] must be non-negative", model)
		}
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// SlogLevel parses LogLevel.
func (c *Config) SlogLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}
	return l, nil
}

// ChunkSizeLimit is the chunk size limit in bytes.
func (c *Config) ChunkSizeLimit() int64 {
	return int64(c.ChunkSizeLimitMB * 1024 * 1024)
}

// Inference returns the request client settings.
func (c *Config) Inference() inference.Config {
	ic := inference.DefaultConfig()
	ic.APIBaseURL = c.APIBaseURL
	ic.CodeAssistURL = c.CodeAssistURL
	ic.RequestTimeout = c.RequestTimeout.D()
	ic.MaxRetries = c.MaxRetries
	ic.RetryDelay = c.RetryDelay.D()
	ic.UploadWait = c.UploadWait.D()
	ic.RequestsPerMinute = c.RequestsPerMinute
	return ic
}

// Media returns the sizer options.
func (c *Config) Media() media.Options {
	return media.Options{
		Mode:               media.SplitMode(c.SegmentMode),
		SegmentSeconds:     c.SegmentSeconds,
		ChunkSizeLimit:     c.ChunkSizeLimit(),
		TargetBitrateKbps:  c.TargetBitrateKbps,
		MinBitrateKbps:     c.MinBitrateKbps,
		BitrateStepKbps:    c.BitrateStepKbps,
		SilenceThresholdDB: c.SilenceThresholdDB,
	}
}

// Pipeline returns the driver options.
func (c *Config) Pipeline() pipeline.Options {
	return pipeline.Options{
		TempDir:            c.TempDir,
		TranscriptionModel: c.TranscriptionModel,
		NotesModel:         c.NotesModel,
		ChunkCooldown:      c.ChunkCooldown.D(),
		JobPause:           c.JobPause.D(),
	}
}
