// Package config loads carvision settings from a YAML file with environment
// overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type DatasetConfig struct {
	Path string `yaml:"path"`
	URL  string `yaml:"url"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type ClassifierConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

type FSPhotoConfig struct {
	Root string `yaml:"root"`
}

type S3PhotoConfig struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UsePathStyle    bool   `yaml:"use_path_style"`
	Prefix          string `yaml:"prefix"`
}

type PhotoConfig struct {
	Driver string        `yaml:"driver"` // "fs" or "s3"
	FS     FSPhotoConfig `yaml:"fs"`
	S3     S3PhotoConfig `yaml:"s3"`
}

type AnnotationConfig struct {
	BackOffset      float64 `yaml:"back_offset"`
	DegreesPerPixel float64 `yaml:"degrees_per_pixel"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Config is the top-level structure of carvision.yaml.
type Config struct {
	Dataset    DatasetConfig    `yaml:"dataset"`
	Database   DatabaseConfig   `yaml:"database"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Photos     PhotoConfig      `yaml:"photos"`
	Annotation AnnotationConfig `yaml:"annotation"`
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
}

// Default returns the settings used when no file or override is given.
func Default() *Config {
	return &Config{
		Dataset:    DatasetConfig{Path: "data/cars.csv"},
		Database:   DatabaseConfig{Path: "carvision.db"},
		Classifier: ClassifierConfig{URL: "http://localhost:5000/predict", Timeout: 10 * time.Second},
		Photos:     PhotoConfig{Driver: "fs", FS: FSPhotoConfig{Root: "data/photos"}},
		Annotation: AnnotationConfig{BackOffset: 370, DegreesPerPixel: 1},
		Server:     ServerConfig{Addr: ":8080"},
		Log:        LogConfig{Level: "info"},
	}
}

// Load reads the YAML file at path over the defaults, then applies
// CARVISION_* environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	str("CARVISION_DATASET_PATH", &c.Dataset.Path)
	str("CARVISION_DATASET_URL", &c.Dataset.URL)
	str("CARVISION_DB_PATH", &c.Database.Path)
	str("CARVISION_CLASSIFIER_URL", &c.Classifier.URL)
	str("CARVISION_PHOTO_DRIVER", &c.Photos.Driver)
	str("CARVISION_PHOTO_ROOT", &c.Photos.FS.Root)
	str("CARVISION_S3_BUCKET", &c.Photos.S3.Bucket)
	str("CARVISION_S3_REGION", &c.Photos.S3.Region)
	str("CARVISION_S3_ENDPOINT", &c.Photos.S3.Endpoint)
	str("CARVISION_S3_ACCESS_KEY_ID", &c.Photos.S3.AccessKeyID)
	str("CARVISION_S3_SECRET_ACCESS_KEY", &c.Photos.S3.SecretAccessKey)
	str("CARVISION_ADDR", &c.Server.Addr)
	str("CARVISION_LOG_LEVEL", &c.Log.Level)
	str("CARVISION_LOG_FILE", &c.Log.File)

	if v := getenv("CARVISION_CLASSIFIER_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("CARVISION_CLASSIFIER_TIMEOUT: %w", err)
		}
		c.Classifier.Timeout = d
	}
	if v := getenv("CARVISION_S3_PATH_STYLE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("CARVISION_S3_PATH_STYLE: %w", err)
		}
		c.Photos.S3.UsePathStyle = b
	}
	for key, dst := range map[string]*float64{
		"CARVISION_BACK_OFFSET":       &c.Annotation.BackOffset,
		"CARVISION_DEGREES_PER_PIXEL": &c.Annotation.DegreesPerPixel,
	} {
		if v := getenv(key); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = f
		}
	}
	return nil
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	switch c.Photos.Driver {
	case "fs":
		if c.Photos.FS.Root == "" {
			return fmt.Errorf("photos.fs.root is required for the fs driver")
		}
	case "s3":
		if c.Photos.S3.Bucket == "" {
			return fmt.Errorf("photos.s3.bucket is required for the s3 driver")
		}
	default:
		return fmt.Errorf("unknown photo driver %q", c.Photos.Driver)
	}
	if c.Annotation.BackOffset <= 0 {
		return fmt.Errorf("annotation.back_offset must be positive")
	}
	if c.Annotation.DegreesPerPixel <= 0 {
		return fmt.Errorf("annotation.degrees_per_pixel must be positive")
	}
	if c.Classifier.Timeout < 0 {
		return fmt.Errorf("classifier.timeout must not be negative")
	}
	return nil
}
