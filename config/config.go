// Copyright (c) 2024-2026 Callwarden Authors
//
// Licensed under GPL-2.0. See LICENSE.md for details.
package config

import (
	"log"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Application config structure
type AppConfig struct {
	Name     string `mapstructure:"service_name" validate:"required"`
	Version  string `mapstructure:"version" validate:"required"`
	Host     string `mapstructure:"host" validate:"required"`
	Port     int    `mapstructure:"port" validate:"required"`
	LogLevel string `mapstructure:"log_level" validate:"required"`
	LogPath  string `mapstructure:"log_path"`

	// Storage
	SqlitePath    string `mapstructure:"sqlite_path" validate:"required"`
	RecordingsDir string `mapstructure:"recordings_dir" validate:"required"`

	// MinFreeBytes is the free-space floor below which new recordings are
	// refused. Zero disables the check.
	MinFreeBytes int64 `mapstructure:"min_free_bytes"`

	// Decision engine
	DecisionDeadlineMs int `mapstructure:"decision_deadline_ms" validate:"required,gt=0"`
	RuleRefreshMs      int `mapstructure:"rule_refresh_ms" validate:"required,gt=0"`

	// Capture pipeline
	BufferThresholdBytes int `mapstructure:"buffer_threshold_bytes" validate:"required,gt=0"`
	FlushIntervalMs      int `mapstructure:"flush_interval_ms" validate:"required,gt=0"`
	StopGraceMs          int `mapstructure:"stop_grace_ms" validate:"required,gt=0"`
	MaxRecordingMs       int `mapstructure:"max_recording_ms" validate:"required,gt=0"`
}

// reading config and intializing configs for application
func InitConfig() (*viper.Viper, error) {
	vConfig := viper.NewWithOptions(viper.KeyDelimiter("__"))

	vConfig.AddConfigPath(".")
	vConfig.SetConfigName(".env")
	path := os.Getenv("ENV_PATH")
	if path != "" {
		log.Printf("env path %v", path)
		vConfig.SetConfigFile(path)
	}
	vConfig.SetConfigType("env")
	vConfig.AutomaticEnv()

	setDefault(vConfig)
	if err := vConfig.ReadInConfig(); err != nil && !os.IsNotExist(err) {
		log.Printf("Reading from env variables.")
	}

	return vConfig, nil
}

func setDefault(v *viper.Viper) {
	// setting all default values
	v.SetDefault("SERVICE_NAME", "screening-api")
	v.SetDefault("VERSION", "0.0.1")
	v.SetDefault("HOST", "0.0.0.0")
	v.SetDefault("PORT", 9090)
	v.SetDefault("LOG_LEVEL", "debug")
	v.SetDefault("LOG_PATH", "")

	v.SetDefault("SQLITE_PATH", "callwarden.db")
	v.SetDefault("RECORDINGS_DIR", "recordings")
	v.SetDefault("MIN_FREE_BYTES", 0)

	// The platform call-screening window is ~5s; keep engine work well under it.
	v.SetDefault("DECISION_DEADLINE_MS", 2000)
	v.SetDefault("RULE_REFRESH_MS", 5000)

	// 8kHz µ-law decoded to linear16 is 16 bytes/ms → 64KiB ≈ 4s of audio.
	v.SetDefault("BUFFER_THRESHOLD_BYTES", 65536)
	v.SetDefault("FLUSH_INTERVAL_MS", 2000)
	v.SetDefault("STOP_GRACE_MS", 3000)
	v.SetDefault("MAX_RECORDING_MS", 60000)
}

// Getting application config from viper
func GetApplicationConfig(v *viper.Viper) (*AppConfig, error) {
	var config AppConfig
	err := v.Unmarshal(&config)
	if err != nil {
		log.Printf("%+v\n", err)
		return nil, err
	}

	// valdating the app config
	validate := validator.New()
	err = validate.Struct(&config)
	if err != nil {
		log.Printf("%+v\n", err)
		return nil, err
	}
	return &config, nil
}
