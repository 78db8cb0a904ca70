package main

import (
	"fmt"
	"os"

	"github.com/kjk/reclog/appendlog"
	"github.com/kjk/reclog/archive"
	"github.com/kjk/reclog/frame"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// Config is read from a yaml file given with --config.
// Command line flags override values from the file.
type Config struct {
	Codec  string `yaml:"codec"`
	Level  int    `yaml:"level"`
	NoSync bool   `yaml:"no_sync"`
	// directory for reclog's own logs and events, none if empty
	LogDir      string `yaml:"log_dir"`
	MetricsAddr string `yaml:"metrics_addr"`

	Archive ArchiveConfig `yaml:"archive"`
	Tail    TailConfig    `yaml:"tail"`
}

type ArchiveConfig struct {
	Endpoint string `yaml:"endpoint"`
	Region   string `yaml:"region"`
	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`
	// if empty, taken from RECLOG_S3_ACCESS and RECLOG_S3_SECRET
	Access   string `yaml:"access"`
	Secret   string `yaml:"secret"`
	Insecure bool   `yaml:"insecure"`
}

type TailConfig struct {
	Publish    string `yaml:"publish"`
	Topic      string `yaml:"topic"`
	ForwardURL string `yaml:"forward_url"`
	APIKey     string `yaml:"api_key"`
	PollMs     int    `yaml:"poll_ms"`
}

func parseConfig(d []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(d, &c); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if c.Codec != "" {
		if _, err := frame.ParseCodec(c.Codec); err != nil {
			return nil, fmt.Errorf("invalid config: %w", err)
		}
	}
	return &c, nil
}

func loadConfig(path string) (*Config, error) {
	if path == "" {
		return &Config{}, nil
	}
	d, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parseConfig(d)
}

// configFromCmd loads the config named by --config and applies flags
// that were set explicitly
func configFromCmd(cmd *cobra.Command) (*Config, error) {
	path, _ := cmd.Flags().GetString("config")
	c, err := loadConfig(path)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("codec") {
		c.Codec, _ = flags.GetString("codec")
	}
	if flags.Changed("level") {
		c.Level, _ = flags.GetInt("level")
	}
	if flags.Changed("no-sync") {
		c.NoSync, _ = flags.GetBool("no-sync")
	}
	if flags.Changed("log-dir") {
		c.LogDir, _ = flags.GetString("log-dir")
	}
	if flags.Changed("metrics-addr") {
		c.MetricsAddr, _ = flags.GetString("metrics-addr")
	}
	if flags.Changed("publish") {
		c.Tail.Publish, _ = flags.GetString("publish")
	}
	if flags.Changed("topic") {
		c.Tail.Topic, _ = flags.GetString("topic")
	}
	if flags.Changed("forward") {
		c.Tail.ForwardURL, _ = flags.GetString("forward")
	}
	if flags.Changed("bucket") {
		c.Archive.Bucket, _ = flags.GetString("bucket")
	}
	if flags.Changed("prefix") {
		c.Archive.Prefix, _ = flags.GetString("prefix")
	}
	return c, nil
}

func (c *Config) logOptions(logf func(string, ...any)) (*appendlog.Options, error) {
	codec, err := frame.ParseCodec(c.Codec)
	if err != nil {
		return nil, err
	}
	return &appendlog.Options{
		Codec:  codec,
		Level:  c.Level,
		NoSync: c.NoSync,
		Logf:   logf,
	}, nil
}

func (c *ArchiveConfig) archiveConfig() *archive.Config {
	res := &archive.Config{
		Access:   c.Access,
		Secret:   c.Secret,
		Bucket:   c.Bucket,
		Endpoint: c.Endpoint,
		Region:   c.Region,
		Prefix:   c.Prefix,
		Insecure: c.Insecure,
	}
	if res.Access == "" {
		res.Access = os.Getenv("RECLOG_S3_ACCESS")
	}
	if res.Secret == "" {
		res.Secret = os.Getenv("RECLOG_S3_SECRET")
	}
	return res
}
