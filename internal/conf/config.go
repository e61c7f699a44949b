// config.go: settings struct and loading for the endoscrub pipeline.
package conf

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/viper"
)

// StorageConfig holds the canonical on-disk layout for video assets. All
// paths are derived from Root; the subdirectory names are fixed so that a
// video's assets can always be located from its UUID alone.
type StorageConfig struct {
	Root         string // storage root, all other paths live under it
	RawDir       string // raw (identifying) videos
	ProcessedDir string // anonymized videos
	FrameDir     string // extracted frame directories, one per video UUID
	TempDir      string // temporary anonymization frame directories
}

// RawPath returns the canonical raw-video path for a video UUID.
func (s *StorageConfig) RawPath(uuid, ext string) string {
	return filepath.Join(s.Root, s.RawDir, uuid+ext)
}

// ProcessedPath returns the canonical processed-video path for a video UUID.
func (s *StorageConfig) ProcessedPath(uuid string) string {
	return filepath.Join(s.Root, s.ProcessedDir, uuid+".mp4")
}

// FramePath returns the frame directory for a video UUID.
func (s *StorageConfig) FramePath(uuid string) string {
	return filepath.Join(s.Root, s.FrameDir, uuid)
}

// TempFramePath returns the temporary anonymization frame directory for a
// video UUID. Kept distinct from FramePath so a crashed anonymization run
// never pollutes the raw frame directory.
func (s *StorageConfig) TempFramePath(uuid string) string {
	return filepath.Join(s.Root, s.TempDir, uuid)
}

// TranscodeSettings describes the compliance target for processed videos.
type TranscodeSettings struct {
	Codec       string // target video codec
	PixelFormat string // target pixel format
	ColorRange  string // target color range
	FfmpegPath  string // path to ffmpeg binary
	FfprobePath string // path to ffprobe binary
	Quality     int    // qscale for frame extraction, lower is better
	FrameExt    string // frame image extension including dot
}

// OCRSettings controls sensitive-metadata extraction.
type OCRSettings struct {
	TesseractPath string  // path to tesseract binary
	Language      string  // tesseract language pack
	FrameFraction float64 // fraction of frames sampled for OCR
	FrameCap      int     // hard cap on sampled frames
}

// InferenceSettings controls segment prediction.
type InferenceSettings struct {
	ModelPath         string  // path to tflite model weights
	SmoothWindowSec   float64 // moving-average window in seconds
	BinarizeThreshold float64 // confidence threshold for run detection
	Threads           int     // tflite interpreter threads, 0 = NumCPU
}

// DatabaseSettings selects and configures the persistent store.
type DatabaseSettings struct {
	SQLite struct {
		Enabled bool
		Path    string
	}
	MySQL struct {
		Enabled  bool
		Username string
		Password string
		Database string
		Host     string
		Port     string
	}
}

// LogSettings controls the optional rotating file log.
type LogSettings struct {
	Enabled    bool
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// SentrySettings controls error telemetry.
type SentrySettings struct {
	Enabled bool
	DSN     string
}

// MetricsSettings controls the Prometheus endpoint.
type MetricsSettings struct {
	Enabled bool
	Listen  string
}

// Settings is the root configuration object, constructed once at process
// start and passed explicitly to every component constructor.
type Settings struct {
	Debug bool

	Storage           StorageConfig
	StorageMargin     float64 // free-space margin factor for capacity checks
	LockStaleness     int     // seconds before a sentinel lock is reclaimed
	HashSalt          string  // secret salt for patient/examination hashes
	Transcode         TranscodeSettings
	OCR               OCRSettings
	Inference         InferenceSettings
	Database          DatabaseSettings
	Log               LogSettings
	Sentry            SentrySettings
	Metrics           MetricsSettings
	AnonymizerWorkers int // parallel frame regeneration workers, 0 = NumCPU
}

var (
	settingsInstance *Settings
	once             sync.Once
	settingsMutex    sync.RWMutex
)

// Setting returns the global settings instance, loading it on first use.
func Setting() *Settings {
	once.Do(func() {
		settingsMutex.Lock()
		defer settingsMutex.Unlock()
		settingsInstance = &Settings{}
		if err := Load(settingsInstance); err != nil {
			panic(fmt.Sprintf("error loading settings: %v", err))
		}
	})
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()
	return settingsInstance
}

// Load reads configuration from file and environment into s.
func Load(s *Settings) error {
	if err := initViper(); err != nil {
		return fmt.Errorf("error initializing viper: %w", err)
	}

	if err := viper.Unmarshal(s); err != nil {
		return fmt.Errorf("error unmarshaling config into struct: %w", err)
	}

	if err := Validate(s); err != nil {
		return err
	}

	return nil
}

// initViper sets defaults, locates the config file and reads it. A missing
// config file is not an error; defaults and environment cover everything.
func initViper() error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	configPaths, err := GetDefaultConfigPaths()
	if err != nil {
		return fmt.Errorf("error getting default config paths: %w", err)
	}
	for _, path := range configPaths {
		viper.AddConfigPath(path)
	}

	viper.SetEnvPrefix("ENDOSCRUB")
	viper.AutomaticEnv()

	setDefaultConfig()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !asConfigNotFound(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	return nil
}

// GetDefaultConfigPaths returns the config file search paths in priority
// order: working directory first, then the user config directory.
func GetDefaultConfigPaths() ([]string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("error fetching user home directory: %w", err)
	}
	return []string{".", filepath.Join(homeDir, ".config", "endoscrub")}, nil
}

func asConfigNotFound(err error, target *viper.ConfigFileNotFoundError) bool {
	t, ok := err.(viper.ConfigFileNotFoundError)
	if ok {
		*target = t
	}
	return ok
}
