// Package config provides configuration management for ParkWatch
package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/Spatial-NVR/ParkWatch/internal/geofence"
)

// Config represents the main ParkWatch configuration
type Config struct {
	Version    string           `yaml:"version"`
	System     SystemConfig     `yaml:"system"`
	Server     ServerConfig     `yaml:"server"`
	Tracker    TrackerConfig    `yaml:"tracker"`
	Retention  RetentionConfig  `yaml:"retention"`
	Statistics StatisticsConfig `yaml:"statistics"`
	Violations ViolationsConfig `yaml:"violations"`
	EventBus   EventBusConfig   `yaml:"event_bus"`
	Cameras    []CameraConfig   `yaml:"cameras"`

	// Internal fields
	mu       sync.RWMutex    `yaml:"-"`
	path     string          `yaml:"-"`
	watchers []func(*Config) `yaml:"-"`
	encKey   []byte          `yaml:"-"`
}

// SystemConfig holds system-wide settings
type SystemConfig struct {
	Name        string         `yaml:"name"`
	Timezone    string         `yaml:"timezone"`
	StoragePath string         `yaml:"storage_path"`
	Database    DatabaseConfig `yaml:"database"`
	Logging     LoggingConfig  `yaml:"logging"`
}

// DatabaseConfig holds database settings
type DatabaseConfig struct {
	Path string `yaml:"path"`

	// WAL checkpoint and PRAGMA optimize cadence
	MaintainMinutes int `yaml:"maintain_minutes"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	BufferSize int    `yaml:"buffer_size"` // records kept for /api/v1/logs
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Listen      string   `yaml:"listen"`
	CORSOrigins []string `yaml:"cors_origins,omitempty"`
}

// TrackerConfig points at the external detection/tracking service
type TrackerConfig struct {
	Address        string `yaml:"address"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// RetentionConfig holds the recording retention defaults
type RetentionConfig struct {
	DefaultDays  int `yaml:"default_days"`
	IntervalHrs  int `yaml:"interval_hours"`
	RetryMinutes int `yaml:"retry_minutes"`
}

// StatisticsConfig controls the daily rollup schedule
type StatisticsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// ViolationsConfig holds violation engine settings
type ViolationsConfig struct {
	// DedupPruneMinutes drops dedup entries older than this many minutes.
	// 0 keeps them for the life of the process.
	DedupPruneMinutes int `yaml:"dedup_prune_minutes"`
}

// EventBusConfig holds embedded NATS settings
type EventBusConfig struct {
	Port int `yaml:"port"` // 0 disables the TCP listener
}

// CameraConfig holds configuration for a single camera. A running worker
// keeps the copy it was started with.
type CameraConfig struct {
	ID              string       `yaml:"id" json:"id"`
	Name            string       `yaml:"name" json:"name"`
	Autostart       bool         `yaml:"autostart" json:"autostart"`
	Source          string       `yaml:"source" json:"source"`
	Model           string       `yaml:"model" json:"model"`
	TrackerProfile  string       `yaml:"tracker_profile" json:"tracker_profile"`
	OutputDir       string       `yaml:"output_dir" json:"output_dir"`
	RetentionDays   int          `yaml:"retention_days" json:"retention_days"`
	TargetFPS       int          `yaml:"target_fps" json:"target_fps"`
	SegmentExt      string       `yaml:"segment_ext,omitempty" json:"segment_ext,omitempty"`
	Stream          StreamConfig `yaml:"stream" json:"stream"`
	RestrictedAreas []AreaConfig `yaml:"restricted_areas,omitempty" json:"restricted_areas,omitempty"`
}

// StreamConfig holds source credentials and frame limits passed to the tracker
type StreamConfig struct {
	Username    string `yaml:"username,omitempty" json:"username,omitempty"`
	Password    string `yaml:"password,omitempty" json:"-"`
	MaxWidth    int    `yaml:"max_width" json:"max_width"`
	MaxHeight   int    `yaml:"max_height" json:"max_height"`
	JPEGQuality int    `yaml:"jpeg_quality" json:"jpeg_quality"`
}

// AreaConfig is a restricted (no-parking) polygon in pixel coordinates
type AreaConfig struct {
	ID     string      `yaml:"id" json:"id"`
	Name   string      `yaml:"name,omitempty" json:"name,omitempty"`
	Points [][]float64 `yaml:"points" json:"points"` // [[x,y], ...]
}

// Camera defaults and limits
const (
	DefaultRetentionDays = 30
	DefaultTargetFPS     = 25
	MaxTargetFPS         = 30
	DefaultMaxWidth      = 1280
	DefaultMaxHeight     = 720
	DefaultJPEGQuality   = 80
)

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.path = path
	cfg.encKey = getEncryptionKey()

	if err := cfg.decryptSecrets(); err != nil {
		return nil, fmt.Errorf("failed to decrypt secrets: %w", err)
	}

	cfg.setDefaults()

	return &cfg, nil
}

// Save saves the configuration to its YAML file
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saveUnlocked()
}

// saveUnlocked saves without acquiring lock (caller must hold lock)
func (c *Config) saveUnlocked() error {
	cameras := make([]CameraConfig, len(c.Cameras))
	copy(cameras, c.Cameras)

	cfgCopy := &Config{
		Version:    c.Version,
		System:     c.System,
		Server:     c.Server,
		Tracker:    c.Tracker,
		Retention:  c.Retention,
		Statistics: c.Statistics,
		Violations: c.Violations,
		EventBus:   c.EventBus,
		Cameras:    cameras,
		path:       c.path,
		encKey:     c.encKey,
	}
	if err := cfgCopy.encryptSecrets(); err != nil {
		return fmt.Errorf("failed to encrypt secrets: %w", err)
	}

	data, err := yaml.Marshal(cfgCopy)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := "# ParkWatch Configuration\n# Auto-generated - manual edits are preserved\n\n"
	data = append([]byte(header), data...)

	// Atomic write
	tmpPath := c.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return os.Rename(tmpPath, c.path)
}

// Watch reloads the configuration whenever the file is written
func (c *Config) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	go func() {
		defer watcher.Close()

		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Write == fsnotify.Write {
					time.Sleep(100 * time.Millisecond) // Debounce
					c.reload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("Config watch error", "error", err)
			}
		}
	}()

	return watcher.Add(c.GetPath())
}

// OnChange registers a callback for config changes
func (c *Config) OnChange(fn func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watchers = append(c.watchers, fn)
}

// reload reloads the configuration from disk
func (c *Config) reload() {
	newCfg, err := Load(c.GetPath())
	if err != nil {
		slog.Error("Failed to reload config", "error", err)
		return
	}

	c.mu.Lock()
	c.Version = newCfg.Version
	c.System = newCfg.System
	c.Server = newCfg.Server
	c.Tracker = newCfg.Tracker
	c.Retention = newCfg.Retention
	c.Statistics = newCfg.Statistics
	c.Violations = newCfg.Violations
	c.EventBus = newCfg.EventBus
	c.Cameras = newCfg.Cameras
	c.encKey = newCfg.encKey
	watchers := c.watchers
	c.mu.Unlock()

	slog.Info("Configuration reloaded", "cameras", len(newCfg.Cameras))

	for _, fn := range watchers {
		fn(c)
	}
}

// GetCamera returns a copy of the camera config, or nil when unknown
func (c *Config) GetCamera(id string) *CameraConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for i := range c.Cameras {
		if c.Cameras[i].ID == id {
			cam := c.Cameras[i]
			return &cam
		}
	}
	return nil
}

// ListCameras returns a copy of all configured cameras
func (c *Config) ListCameras() []CameraConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cameras := make([]CameraConfig, len(c.Cameras))
	copy(cameras, c.Cameras)
	return cameras
}

// UpsertCamera adds or updates a camera and saves the file
func (c *Config) UpsertCamera(cam CameraConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.applyCameraDefaults(&cam)

	for i := range c.Cameras {
		if c.Cameras[i].ID == cam.ID {
			c.Cameras[i] = cam
			return c.saveUnlocked()
		}
	}

	c.Cameras = append(c.Cameras, cam)
	return c.saveUnlocked()
}

// FillCameraDefaults applies the same defaults Load applies to configured
// cameras, for configs that arrive from elsewhere
func (c *Config) FillCameraDefaults(cam *CameraConfig) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	c.applyCameraDefaults(cam)
}

// Location resolves system.timezone. "Local" and "" mean the host zone.
func (c *Config) Location() (*time.Location, error) {
	c.mu.RLock()
	tz := c.System.Timezone
	c.mu.RUnlock()

	if tz == "" || tz == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Local, fmt.Errorf("failed to load timezone %q: %w", tz, err)
	}
	return loc, nil
}

// SetPath sets the path for the config file (used for saving)
func (c *Config) SetPath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.path = path
}

// GetPath returns the current config file path
func (c *Config) GetPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.path
}

// setDefaults sets default values for unset fields
func (c *Config) setDefaults() {
	if c.Version == "" {
		c.Version = "1.0"
	}
	if c.System.Name == "" {
		c.System.Name = "ParkWatch"
	}
	if c.System.Timezone == "" {
		c.System.Timezone = "Local"
	}
	if c.System.StoragePath == "" {
		c.System.StoragePath = "/data"
	}
	if c.System.Logging.Level == "" {
		c.System.Logging.Level = "info"
	}
	if c.System.Logging.BufferSize <= 0 {
		c.System.Logging.BufferSize = 1000
	}
	if c.System.Database.MaintainMinutes <= 0 {
		c.System.Database.MaintainMinutes = 60
	}
	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}
	if c.Tracker.Address == "" {
		c.Tracker.Address = "localhost:5100"
	}
	if c.Tracker.TimeoutSeconds <= 0 {
		c.Tracker.TimeoutSeconds = 30
	}
	if c.Retention.DefaultDays <= 0 {
		c.Retention.DefaultDays = DefaultRetentionDays
	}
	if c.Retention.IntervalHrs <= 0 {
		c.Retention.IntervalHrs = 24
	}
	if c.Retention.RetryMinutes <= 0 {
		c.Retention.RetryMinutes = 60
	}
	for i := range c.Cameras {
		c.applyCameraDefaults(&c.Cameras[i])
	}
}

// applyCameraDefaults fills unset camera fields and clamps stream limits
func (c *Config) applyCameraDefaults(cam *CameraConfig) {
	if cam.Name == "" {
		cam.Name = cam.ID
	}
	if cam.RetentionDays <= 0 {
		cam.RetentionDays = c.Retention.DefaultDays
	}
	if cam.OutputDir == "" && cam.ID != "" && c.System.StoragePath != "" {
		cam.OutputDir = c.System.StoragePath + "/recordings/" + cam.ID
	}
	cam.ApplyDefaults()
}

// ApplyDefaults fills camera fields that have a fixed default and clamps
// the stream limits into their supported ranges
func (cam *CameraConfig) ApplyDefaults() {
	if cam.RetentionDays <= 0 {
		cam.RetentionDays = DefaultRetentionDays
	}
	if cam.TargetFPS <= 0 {
		cam.TargetFPS = DefaultTargetFPS
	}
	cam.TargetFPS = clamp(cam.TargetFPS, 1, MaxTargetFPS)

	if cam.Stream.MaxWidth == 0 {
		cam.Stream.MaxWidth = DefaultMaxWidth
	}
	cam.Stream.MaxWidth = clamp(cam.Stream.MaxWidth, 640, 1920)

	if cam.Stream.MaxHeight == 0 {
		cam.Stream.MaxHeight = DefaultMaxHeight
	}
	cam.Stream.MaxHeight = clamp(cam.Stream.MaxHeight, 480, 1080)

	if cam.Stream.JPEGQuality == 0 {
		cam.Stream.JPEGQuality = DefaultJPEGQuality
	}
	cam.Stream.JPEGQuality = clamp(cam.Stream.JPEGQuality, 1, 100)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Areas converts the configured polygons into geofence areas
func (cam CameraConfig) Areas() []geofence.Area {
	areas := make([]geofence.Area, 0, len(cam.RestrictedAreas))
	for _, a := range cam.RestrictedAreas {
		points := make([]geofence.Point, 0, len(a.Points))
		for _, p := range a.Points {
			if len(p) < 2 {
				continue
			}
			points = append(points, geofence.Point{X: p[0], Y: p[1]})
		}
		areas = append(areas, geofence.Area{ID: a.ID, Points: points})
	}
	return areas
}

// SourceURL returns the stream source with credentials filled in
func (cam CameraConfig) SourceURL() string {
	if cam.Stream.Username == "" {
		return cam.Source
	}

	u, err := url.Parse(cam.Source)
	if err != nil || u.Host == "" || u.User != nil {
		return cam.Source
	}
	u.User = url.UserPassword(cam.Stream.Username, cam.Stream.Password)
	return u.String()
}

// encryptSecrets encrypts sensitive fields
func (c *Config) encryptSecrets() error {
	for i := range c.Cameras {
		if c.Cameras[i].Stream.Password != "" && !strings.HasPrefix(c.Cameras[i].Stream.Password, "encrypted:") {
			encrypted, err := encrypt(c.encKey, c.Cameras[i].Stream.Password)
			if err != nil {
				return err
			}
			c.Cameras[i].Stream.Password = "encrypted:" + encrypted
		}
	}
	return nil
}

// decryptSecrets decrypts sensitive fields
func (c *Config) decryptSecrets() error {
	for i := range c.Cameras {
		if strings.HasPrefix(c.Cameras[i].Stream.Password, "encrypted:") {
			encrypted := strings.TrimPrefix(c.Cameras[i].Stream.Password, "encrypted:")
			decrypted, err := decrypt(c.encKey, encrypted)
			if err != nil {
				return err
			}
			c.Cameras[i].Stream.Password = decrypted
		}
	}
	return nil
}

// getEncryptionKey returns the key from PARKWATCH_ENCRYPTION_KEY or the built-in default
func getEncryptionKey() []byte {
	keyStr := os.Getenv("PARKWATCH_ENCRYPTION_KEY")
	if keyStr != "" {
		key, err := base64.StdEncoding.DecodeString(keyStr)
		if err == nil && len(key) == 32 {
			return key
		}
	}

	// Must be exactly 32 bytes for AES-256
	return []byte("parkwatch-default-key-change-me!")
}

// encrypt encrypts a string using AES-GCM
func encrypt(key []byte, plaintext string) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// decrypt decrypts a string using AES-GCM
func decrypt(key []byte, ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	if len(data) < gcm.NonceSize() {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertextBytes := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertextBytes, nil)
	if err != nil {
		return "", err
	}

	return string(plaintext), nil
}
