package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"brainfill/internal/brain"
	"brainfill/internal/storage"
	"brainfill/pkg/brainfill"
)

// fileConfig is the YAML passed with --config. Flags given on the command
// line win over it.
type fileConfig struct {
	Store struct {
		Kind string `yaml:"kind"`
		Path string `yaml:"path"`
	} `yaml:"store"`
	ArtifactsDir      string   `yaml:"artifacts_dir"`
	LogLevel          string   `yaml:"log_level"`
	Width             *float64 `yaml:"width"`
	KurtosisThreshold *float64 `yaml:"kurtosis_threshold"`
	NearestNeighbor   *bool    `yaml:"nearest_neighbor"`
	MatchThreshold    string   `yaml:"match_threshold"`
}

func loadConfig(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return &cfg, nil
}

// commonFlags are registered on every subcommand.
type commonFlags struct {
	config       *string
	store        *string
	dbPath       *string
	artifactsDir *string
	logLevel     *string
}

func registerCommon(fs *flag.FlagSet) *commonFlags {
	return &commonFlags{
		config:       fs.String("config", "", "YAML config file"),
		store:        fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite|pebble"),
		dbPath:       fs.String("db-path", "brainfill.db", "sqlite file or pebble directory"),
		artifactsDir: fs.String("artifacts-dir", "reconstructions", "directory for reconstruction artifacts"),
		logLevel:     fs.String("log-level", "warn", "log level: debug|info|warn|error"),
	}
}

// modelFlags are the model knobs a config file may default.
type modelFlags struct {
	width          *float64
	kurtosis       *float64
	nearest        *bool
	matchThreshold *string
}

func registerModel(fs *flag.FlagSet) *modelFlags {
	return &modelFlags{
		width:          fs.Float64("width", 0, "kernel width; 0 uses the model's"),
		kurtosis:       fs.Float64("kurtosis", brain.DefaultKurtosisThreshold, "kurtosis threshold k"),
		nearest:        fs.Bool("nn", false, "snap electrodes to the nearest model location"),
		matchThreshold: fs.String("match-threshold", "auto", "snapping distance: auto|none|<float>"),
	}
}

// apply fills every flag the user did not set from cfg.
func apply(fs *flag.FlagSet, cfg *fileConfig, common *commonFlags, model *modelFlags) {
	if cfg == nil {
		return
	}
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	setString := func(name string, dst *string, v string) {
		if !set[name] && v != "" {
			*dst = v
		}
	}
	setString("store", common.store, cfg.Store.Kind)
	setString("db-path", common.dbPath, cfg.Store.Path)
	setString("artifacts-dir", common.artifactsDir, cfg.ArtifactsDir)
	setString("log-level", common.logLevel, cfg.LogLevel)
	if model == nil {
		return
	}
	setString("match-threshold", model.matchThreshold, cfg.MatchThreshold)
	if !set["width"] && cfg.Width != nil {
		*model.width = *cfg.Width
	}
	if !set["kurtosis"] && cfg.KurtosisThreshold != nil {
		*model.kurtosis = *cfg.KurtosisThreshold
	}
	if !set["nn"] && cfg.NearestNeighbor != nil {
		*model.nearest = *cfg.NearestNeighbor
	}
}

// parse parses args, then layers the config file under explicit flags.
func parse(fs *flag.FlagSet, args []string, common *commonFlags, model *modelFlags) error {
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *common.config == "" {
		return nil
	}
	cfg, err := loadConfig(*common.config)
	if err != nil {
		return err
	}
	apply(fs, cfg, common, model)
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

func newClient(common *commonFlags) (*brainfill.Client, *zap.Logger, error) {
	logger, err := newLogger(*common.logLevel)
	if err != nil {
		return nil, nil, err
	}
	client, err := brainfill.New(brainfill.Options{
		StoreKind:    *common.store,
		DBPath:       *common.dbPath,
		ArtifactsDir: *common.artifactsDir,
		Logger:       logger,
	})
	if err != nil {
		_ = logger.Sync()
		return nil, nil, err
	}
	return client, logger, nil
}

func splitIDs(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseFloats(raw string) ([]float64, error) {
	var out []float64
	for _, part := range splitIDs(raw) {
		v, err := strconv.ParseFloat(part, 64)
		if err != nil {
			return nil, fmt.Errorf("parse %q: %w", part, err)
		}
		out = append(out, v)
	}
	return out, nil
}
