package main

import (
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// veactlConfig holds defaults read from ~/.veactl/config.yaml, overridden by
// whatever flags the caller actually passes on the command line. Grounded
// on loadVorteilConfig's "read a config file, fall back to hardcoded
// defaults when there is none" shape, adapted to viper instead of toml.
type veactlConfig struct {
	BlockSize   uint32 `mapstructure:"block-size"`
	HeaderBlks  uint32 `mapstructure:"header-blocks"`
	WALSuffix   string `mapstructure:"wal-suffix"`
}

func defaultConfig() veactlConfig {
	return veactlConfig{
		BlockSize:  0, // 0 means "let Format pick DefaultBlockSz"
		HeaderBlks: 1,
		WALSuffix:  ".wal",
	}
}

// loadConfig reads ~/.veactl/config.yaml if present, overlaying it onto
// defaultConfig; a missing file (or no home directory) is not an error,
// same as loadVorteilConfig's os.IsNotExist handling. Any other read or
// decode error is returned alongside the defaults.
func loadConfig() (veactlConfig, error) {
	cfg := defaultConfig()

	home, err := os.UserHomeDir()
	if err != nil {
		return cfg, nil
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(filepath.Join(home, ".veactl"))

	if err := v.ReadInConfig(); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return cfg, nil
		}
		return cfg, err
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
