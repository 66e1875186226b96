// Package conf defines the application settings and loads them from the
// config file, environment and defaults via viper.
package conf

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/spf13/viper"
)

// Settings is the root of the application configuration.
type Settings struct {
	Debug bool `yaml:"debug"` // true to enable debug level logging

	Main struct {
		Name string `yaml:"name"` // node name, included in logs
		Log  struct {
			Enabled bool   `yaml:"enabled"` // true to enable per-service file logs
			Path    string `yaml:"path"`    // directory for log files
		} `yaml:"log"`
	} `yaml:"main"`

	WebServer struct {
		Address string `yaml:"address"` // listen address, e.g. ":8080"
	} `yaml:"webserver"`

	Output struct {
		SQLite struct {
			Enabled bool   `yaml:"enabled"`
			Path    string `yaml:"path"`
		} `yaml:"sqlite"`
		MySQL struct {
			Enabled  bool   `yaml:"enabled"`
			Username string `yaml:"username"`
			Password string `yaml:"password"`
			Database string `yaml:"database"`
			Host     string `yaml:"host"`
			Port     string `yaml:"port"`
		} `yaml:"mysql"`
	} `yaml:"output"`

	Detection DetectionSettings `yaml:"detection"`

	Vision struct {
		Enabled       bool   `yaml:"enabled"`       // false disables the vision detector globally
		Provider      string `yaml:"provider"`      // only "gemini" is supported
		APIKey        string `yaml:"apikey"`        // vision model API key
		Model         string `yaml:"model"`         // model name, e.g. "gemini-2.0-flash"
		MaxSubmitEdge int    `yaml:"maxsubmitedge"` // longest image edge submitted to the model, px
	} `yaml:"vision"`

	JobQueue struct {
		MaxRetries       int     `yaml:"maxretries"`       // retry budget for transient run failures
		InitialDelay     string  `yaml:"initialdelay"`     // backoff before first retry, duration string
		MaxDelay         string  `yaml:"maxdelay"`         // backoff ceiling, duration string
		Multiplier       float64 `yaml:"multiplier"`       // backoff multiplier
		ExecutionTimeout string  `yaml:"executiontimeout"` // per-attempt timeout, duration string
	} `yaml:"jobqueue"`

	Pages struct {
		Directory string `yaml:"directory"` // root directory holding page raster files
		CacheTTL  string `yaml:"cachettl"`  // decoded raster cache TTL, duration string
	} `yaml:"pages"`
}

// DetectionSettings holds the tunable numeric defaults of the detection
// pipeline. All of them can be overridden per request where the API allows it.
type DetectionSettings struct {
	ConfidenceThreshold  float64 `yaml:"confidencethreshold"`  // final acceptance threshold
	ScaleTolerance       float64 `yaml:"scaletolerance"`       // symmetric scale search range, fraction
	ScaleStep            float64 `yaml:"scalestep"`            // scale search step, fraction
	RotationTolerance    float64 `yaml:"rotationtolerance"`    // symmetric rotation search range, degrees
	RotationStep         float64 `yaml:"rotationstep"`         // rotation search step, degrees
	CorrelationFloor     float64 `yaml:"correlationfloor"`     // provisional peak floor, looser than the threshold
	NMSIoU               float64 `yaml:"nmsiou"`               // overlap above which duplicates are suppressed
	MergeIoU             float64 `yaml:"mergeiou"`             // cross-source overlap above which matches merge
	TemplateExclusionIoU float64 `yaml:"templateexclusioniou"` // overlap with the template box that disqualifies a match
}

var (
	settingsInstance *Settings
	settingsMutex    sync.RWMutex
)

// Load reads the configuration file and environment variables into Settings.
func Load() (*Settings, error) {
	settingsMutex.Lock()
	defer settingsMutex.Unlock()

	settings := &Settings{}

	if err := initViper(); err != nil {
		return nil, fmt.Errorf("error initializing viper: %w", err)
	}

	if err := viper.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("error unmarshaling config into struct: %w", err)
	}

	if err := ValidateSettings(settings); err != nil {
		return nil, fmt.Errorf("error validating settings: %w", err)
	}

	settingsInstance = settings
	return settingsInstance, nil
}

// Setting returns the loaded settings instance, or nil before Load.
func Setting() *Settings {
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()
	return settingsInstance
}

// initViper initializes viper with default values and reads the configuration file.
func initViper() error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.config/autocount")
	viper.AddConfigPath("/etc/autocount")

	viper.SetEnvPrefix("autocount")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaultConfig()

	if err := viper.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if errors.As(err, &configFileNotFoundError) {
			// No config file is fine, defaults plus env carry the run.
			return nil
		}
		return fmt.Errorf("fatal error reading config file: %w", err)
	}

	return nil
}
