package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/cachefetch/cachefetch"
	"github.com/cachefetch/cachefetch/store"
)

//Config is the structure for the configuration file
type Config struct {
	//StoreConfig determines which persistence backend holds the cache
	StoreConfig StoreConfig `mapstructure:"store"`

	//TransportConfig determines how the http client part behaves
	TransportConfig TransportConfig `mapstructure:"transport"`

	//FetchConfig holds the default fetch behavior
	FetchConfig FetchConfig `mapstructure:"fetch"`

	//LogConfig determines where and how much the client logs
	LogConfig LogConfig `mapstructure:"log"`
}

type StoreConfig struct {
	//Backend selects the persistence backend: sqlite, leveldb or memory
	Backend string `mapstructure:"backend"`

	//Path is the database file (sqlite) or directory (leveldb)
	Path string `mapstructure:"path"`
}

type TransportConfig struct {
	ConnectTimeout string `mapstructure:"connect_timeout"`
	RequestTimeout string `mapstructure:"request_timeout"`
	MaxConnections int    `mapstructure:"max_connections"`
	UserAgent      string `mapstructure:"user_agent"`

	//EnableHTTP2 if true the client will attempt HTTP2 connections to origin servers
	EnableHTTP2 bool `mapstructure:"http2"`
}

type FetchConfig struct {
	//RefreshCooldown is the minimum entry age before a refresh contacts the origin again
	RefreshCooldown string `mapstructure:"refresh_cooldown"`
}

type LogConfig struct {
	//File is the log file path, empty logs to stderr
	File string `mapstructure:"file"`

	Level string `mapstructure:"level"`

	//Rotation settings for the log file
	MaxSizeMB  int `mapstructure:"max_size_mb"`
	MaxBackups int `mapstructure:"max_backups"`
}

func (conf *TransportConfig) toRealTransportConfig() (*cachefetch.TransportConfig, error) {
	transportConfig := cachefetch.NewTransportConfig()

	if conf.ConnectTimeout != "" {
		duration, err := time.ParseDuration(conf.ConnectTimeout)
		if err != nil {
			return nil, fmt.Errorf("unable to parse 'transport.connect_timeout': %w", err)
		}
		transportConfig.ConnectTimeout = duration
	}

	if conf.RequestTimeout != "" {
		duration, err := time.ParseDuration(conf.RequestTimeout)
		if err != nil {
			return nil, fmt.Errorf("unable to parse 'transport.request_timeout': %w", err)
		}
		transportConfig.RequestTimeout = duration
	}

	if conf.MaxConnections > 0 {
		transportConfig.MaxConnections = conf.MaxConnections
	}

	if conf.UserAgent != "" {
		transportConfig.UserAgent = conf.UserAgent
	}

	transportConfig.EnableHTTP2 = conf.EnableHTTP2

	return transportConfig, nil
}

func init() {
	viper.SetDefault("store.backend", "sqlite")
	viper.SetDefault("store.path", "cache.db")

	viper.SetDefault("transport.connect_timeout", "5s")
	viper.SetDefault("transport.request_timeout", "400ms")
	viper.SetDefault("transport.max_connections", 10)
	viper.SetDefault("transport.http2", false)

	viper.SetDefault("fetch.refresh_cooldown", "300s")

	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.max_size_mb", 10)
	viper.SetDefault("log.max_backups", 3)
}

var config Config

var (
	flagConfig  = pflag.String("config", "", "Path to the cachefetch config file")
	flagRefresh = pflag.Bool("refresh", false, "Ask the origin to revalidate cached entries")
	flagNoCache = pflag.Bool("no-cache", false, "Don't store fetched resources in the cache")
	flagNoRedir = pflag.Bool("no-follow", false, "Surface redirects as data instead of following them")
	flagExtract = pflag.String("extract", "", "Archive member to extract from fetched bodies")
	flagDelay   = pflag.Duration("delay", 0, "Pause after each fetch as a courtesy to the origin")
	flagClear   = pflag.Bool("clear", false, "Empty the cache before fetching")
	flagOutput  = pflag.String("output", "-", "Output mode: '-' for stdout or a directory to write one file per URL")
)

func main() {
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] URL [URL...]\n", os.Args[0])
		pflag.PrintDefaults()
	}
	pflag.Parse()

	if err := initConfig(*flagConfig); err != nil {
		fmt.Fprintf(os.Stderr, "Error while reading config: %s\n", err.Error())
		os.Exit(1)
	}

	if err := viper.Unmarshal(&config); err != nil {
		fmt.Fprintf(os.Stderr, "Error while unmarshalling config: %s\n", err.Error())
		os.Exit(1)
	}

	if err := run(pflag.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err.Error())
		os.Exit(1)
	}
}

func initConfig(configPath string) error {
	if configPath == "" {
		return nil
	}

	viper.SetConfigType("yaml")

	configBytes, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	return viper.ReadConfig(bytes.NewReader(configBytes))
}

func newLogger() (*logrus.Logger, error) {
	logger := logrus.New()

	level, err := logrus.ParseLevel(config.LogConfig.Level)
	if err != nil {
		return nil, fmt.Errorf("unable to parse 'log.level': %w", err)
	}
	logger.SetLevel(level)

	if config.LogConfig.File != "" {
		logger.SetOutput(&lumberjack.Logger{
			Filename:   config.LogConfig.File,
			MaxSize:    config.LogConfig.MaxSizeMB,
			MaxBackups: config.LogConfig.MaxBackups,
		})
	}

	return logger, nil
}

func openStore() (store.Store, error) {
	switch strings.ToLower(config.StoreConfig.Backend) {
	case "sqlite":
		return store.OpenSQLite(config.StoreConfig.Path)
	case "leveldb":
		return store.OpenLevelDB(config.StoreConfig.Path)
	case "memory":
		return store.NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("unknown store backend %q", config.StoreConfig.Backend)
}

func run(targets []string) error {
	if len(targets) == 0 && !*flagClear {
		pflag.Usage()
		return fmt.Errorf("no URLs given")
	}

	logger, err := newLogger()
	if err != nil {
		return err
	}

	cache, err := openStore()
	if err != nil {
		return err
	}
	defer cache.Close()

	if *flagClear {
		if err := cache.Clear(); err != nil {
			return fmt.Errorf("clear cache: %w", err)
		}
		logger.Info("Cache cleared")
	}

	transportConfig, err := config.TransportConfig.toRealTransportConfig()
	if err != nil {
		return err
	}

	cooldown, err := time.ParseDuration(config.FetchConfig.RefreshCooldown)
	if err != nil {
		return fmt.Errorf("unable to parse 'fetch.refresh_cooldown': %w", err)
	}

	client := &cachefetch.Client{
		Store:           cache,
		TransportConfig: transportConfig,
		RefreshCooldown: cooldown,
		Logger:          logger,
	}

	opts := &cachefetch.FetchOptions{
		Refresh:         *flagRefresh,
		Cache:           !*flagNoCache,
		FollowRedirects: !*flagNoRedir,
		Extract:         *flagExtract,
		Delay:           *flagDelay,
	}

	failures := 0

	for _, target := range targets {
		result, err := client.Fetch(context.Background(), target, opts)
		if err != nil {
			//The failure reason is already logged by the client
			fmt.Fprintf(os.Stderr, "fetch %s failed: %s\n", target, err.Error())
			failures++
			continue
		}

		if err := writeResult(result); err != nil {
			return err
		}
	}

	if failures > 0 {
		return fmt.Errorf("%d of %d fetches failed", failures, len(targets))
	}
	return nil
}

func writeResult(result *cachefetch.FetchResult) error {
	if *flagOutput == "-" {
		_, err := io.Copy(os.Stdout, bytes.NewReader(result.Body))
		return err
	}

	name := path.Base(result.ResourceKey)
	if name == "/" || name == "." {
		name = "index"
	}

	target := path.Join(*flagOutput, name)
	if err := os.WriteFile(target, result.Body, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", target, err)
	}
	return nil
}
