// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/relabs-tech/orientation_bridge/internal/link"
	"github.com/relabs-tech/orientation_bridge/internal/orientation"
)

// Config holds all application configuration values.
type Config struct {
	// Peripheral
	DeviceName                string
	ServiceUUID               string
	NotifyCharacteristicUUID  string
	ControlCharacteristicUUID string

	// Link timing, milliseconds
	MaxReconnectAttempts int
	ReconnectDelayBaseMS int
	ScanTimeoutMS        int
	ConnectTimeoutMS     int
	StatusHeartbeatMS    int
	PollIntervalMS       int
	StaleSamples         int // 0 disables the sample watchdog

	// Filter
	FilterAlpha  float64
	GyroDeadband float64
	AxisMapping  orientation.AxisMapping

	// Hub
	SubscriberQueueSize int

	// Web Server
	WebServerPort int
	WebStaticDir  string

	// MQTT mirror, disabled when MQTTBroker is empty
	MQTTBroker    string
	MQTTClientID  string
	TopicRotation string
	TopicStatus   string
	TopicInterval string

	// Display, disabled when DisplayI2CAddr is 0
	DisplayI2CAddr        uint16
	DisplayUpdateInterval int // milliseconds

	UseSimulator bool
	LogLevel     log.Level
}

// Default returns the configuration used for keys missing from the file.
func Default() *Config {
	return &Config{
		DeviceName:                "ESP32_MPU6050_BLE",
		ServiceUUID:               link.DefaultServiceUUID,
		NotifyCharacteristicUUID:  link.DefaultNotifyUUID,
		ControlCharacteristicUUID: link.DefaultControlUUID,

		MaxReconnectAttempts: 5,
		ReconnectDelayBaseMS: 2000,
		ScanTimeoutMS:        10000,
		ConnectTimeoutMS:     10000,
		StatusHeartbeatMS:    2000,
		PollIntervalMS:       100,
		StaleSamples:         10,

		FilterAlpha:  orientation.DefaultAlpha,
		GyroDeadband: orientation.DefaultGyroDeadband,
		AxisMapping:  orientation.DefaultAxisMapping,

		SubscriberQueueSize: 100,

		WebServerPort: 8080,
		WebStaticDir:  "web",

		MQTTClientID:  "orientation-bridge",
		TopicRotation: "orientation/rotation",
		TopicStatus:   "orientation/status",
		TopicInterval: "orientation/interval",

		DisplayUpdateInterval: 250,

		LogLevel: log.InfoLevel,
	}
}

// Load reads the configuration file on top of Default. An empty path
// returns the defaults.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		cfg := Default()
		return cfg, cfg.validate()
	}

	file, err := os.Open(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	return Parse(file)
}

// Parse reads KEY=VALUE lines. Blank lines and lines starting with # are
// skipped.
func Parse(r io.Reader) (*Config, error) {
	cfg := Default()
	scanner := bufio.NewScanner(r)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid config line %d: %q", lineNum, line)
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		if err := cfg.setValue(key, value); err != nil {
			return nil, fmt.Errorf("config line %d: %w", lineNum, err)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func positiveInt(key, value string) (int, error) {
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %d", key, n)
	}
	return n, nil
}

// setValue sets a config value based on the key.
func (c *Config) setValue(key, value string) error {
	var err error
	switch key {
	// Peripheral
	case "DEVICE_NAME":
		c.DeviceName = value
	case "SERVICE_UUID":
		c.ServiceUUID = value
	case "NOTIFY_CHARACTERISTIC_UUID":
		c.NotifyCharacteristicUUID = value
	case "CONTROL_CHARACTERISTIC_UUID":
		c.ControlCharacteristicUUID = value

	// Link timing
	case "MAX_RECONNECT_ATTEMPTS":
		c.MaxReconnectAttempts, err = positiveInt(key, value)
	case "RECONNECT_DELAY_BASE_MS":
		c.ReconnectDelayBaseMS, err = positiveInt(key, value)
	case "SCAN_TIMEOUT_MS":
		c.ScanTimeoutMS, err = positiveInt(key, value)
	case "CONNECT_TIMEOUT_MS":
		c.ConnectTimeoutMS, err = positiveInt(key, value)
	case "STATUS_HEARTBEAT_MS":
		c.StatusHeartbeatMS, err = positiveInt(key, value)
	case "POLL_INTERVAL_MS":
		c.PollIntervalMS, err = positiveInt(key, value)
	case "STALE_SAMPLES":
		n, perr := strconv.Atoi(value)
		if perr != nil {
			return fmt.Errorf("invalid STALE_SAMPLES %q: %w", value, perr)
		}
		if n < 0 {
			return fmt.Errorf("STALE_SAMPLES must not be negative, got %d", n)
		}
		c.StaleSamples = n

	// Filter
	case "FILTER_ALPHA":
		alpha, perr := strconv.ParseFloat(value, 64)
		if perr != nil {
			return fmt.Errorf("invalid FILTER_ALPHA %q: %w", value, perr)
		}
		if !(alpha >= 0 && alpha <= 1) {
			return fmt.Errorf("FILTER_ALPHA must be within [0, 1], got %v", alpha)
		}
		c.FilterAlpha = alpha
	case "GYRO_DEADBAND":
		deadband, perr := strconv.ParseFloat(value, 64)
		if perr != nil {
			return fmt.Errorf("invalid GYRO_DEADBAND %q: %w", value, perr)
		}
		if !(deadband >= 0) {
			return fmt.Errorf("GYRO_DEADBAND must not be negative, got %v", deadband)
		}
		c.GyroDeadband = deadband
	case "AXIS_MAPPING":
		m, perr := orientation.ParseAxisMapping(value)
		if perr != nil {
			return fmt.Errorf("invalid AXIS_MAPPING %q: %w", value, perr)
		}
		c.AxisMapping = m

	// Hub
	case "SUBSCRIBER_QUEUE_SIZE":
		c.SubscriberQueueSize, err = positiveInt(key, value)

	// Web Server
	case "WEB_SERVER_PORT":
		port, perr := strconv.Atoi(value)
		if perr != nil {
			return fmt.Errorf("invalid WEB_SERVER_PORT %q: %w", value, perr)
		}
		if port < 1 || port > 65535 {
			return fmt.Errorf("WEB_SERVER_PORT must be 1-65535, got %d", port)
		}
		c.WebServerPort = port
	case "WEB_STATIC_DIR":
		c.WebStaticDir = value

	// MQTT
	case "MQTT_BROKER":
		c.MQTTBroker = value
	case "MQTT_CLIENT_ID":
		c.MQTTClientID = value
	case "TOPIC_ROTATION":
		c.TopicRotation = value
	case "TOPIC_STATUS":
		c.TopicStatus = value
	case "TOPIC_INTERVAL":
		c.TopicInterval = value

	// Display
	case "DISPLAY_I2C_ADDR":
		addr, perr := strconv.ParseUint(value, 0, 16)
		if perr != nil {
			return fmt.Errorf("invalid DISPLAY_I2C_ADDR %q: %w", value, perr)
		}
		c.DisplayI2CAddr = uint16(addr)
	case "DISPLAY_UPDATE_INTERVAL":
		c.DisplayUpdateInterval, err = positiveInt(key, value)

	case "USE_SIMULATOR":
		sim, perr := strconv.ParseBool(value)
		if perr != nil {
			return fmt.Errorf("invalid USE_SIMULATOR %q: %w", value, perr)
		}
		c.UseSimulator = sim
	case "LOG_LEVEL":
		level, perr := log.ParseLevel(value)
		if perr != nil {
			return fmt.Errorf("invalid LOG_LEVEL %q: %w", value, perr)
		}
		c.LogLevel = level

	default:
		return fmt.Errorf("unknown config key: %q", key)
	}

	return err
}

// validate checks that all required fields are set.
func (c *Config) validate() error {
	if c.DeviceName == "" {
		return fmt.Errorf("DEVICE_NAME is required")
	}
	if c.MQTTBroker != "" {
		if c.MQTTClientID == "" {
			return fmt.Errorf("MQTT_CLIENT_ID is required when MQTT_BROKER is set")
		}
		if c.TopicRotation == "" || c.TopicStatus == "" || c.TopicInterval == "" {
			return fmt.Errorf("TOPIC_ROTATION, TOPIC_STATUS and TOPIC_INTERVAL are required when MQTT_BROKER is set")
		}
	}
	if c.PollIntervalMS > c.StatusHeartbeatMS {
		return fmt.Errorf("POLL_INTERVAL_MS (%d) must not exceed STATUS_HEARTBEAT_MS (%d)", c.PollIntervalMS, c.StatusHeartbeatMS)
	}
	return nil
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// LinkOptions converts the link settings for link.NewManager.
func (c *Config) LinkOptions() link.Options {
	return link.Options{
		DeviceName:     c.DeviceName,
		MaxAttempts:    c.MaxReconnectAttempts,
		BackoffBase:    ms(c.ReconnectDelayBaseMS),
		ScanTimeout:    ms(c.ScanTimeoutMS),
		ConnectTimeout: ms(c.ConnectTimeoutMS),
		Heartbeat:      ms(c.StatusHeartbeatMS),
		PollInterval:   ms(c.PollIntervalMS),
		StaleSamples:   c.StaleSamples,
		Filter: orientation.FilterOptions{
			Alpha:        c.FilterAlpha,
			GyroDeadband: c.GyroDeadband,
		},
		Mapping: c.AxisMapping,
	}
}

// BLEConfig returns the GATT identifiers for link.NewBLERadio.
func (c *Config) BLEConfig() link.BLEConfig {
	return link.BLEConfig{
		ServiceUUID: c.ServiceUUID,
		NotifyUUID:  c.NotifyCharacteristicUUID,
		ControlUUID: c.ControlCharacteristicUUID,
	}
}

// WriteTo writes the configuration in the format Parse reads.
func (c *Config) WriteTo(w io.Writer) (int64, error) {
	var b strings.Builder
	kv := func(key string, value any) { fmt.Fprintf(&b, "%s=%v\n", key, value) }

	b.WriteString("# Peripheral\n")
	kv("DEVICE_NAME", c.DeviceName)
	kv("SERVICE_UUID", c.ServiceUUID)
	kv("NOTIFY_CHARACTERISTIC_UUID", c.NotifyCharacteristicUUID)
	kv("CONTROL_CHARACTERISTIC_UUID", c.ControlCharacteristicUUID)

	b.WriteString("\n# Link\n")
	kv("MAX_RECONNECT_ATTEMPTS", c.MaxReconnectAttempts)
	kv("RECONNECT_DELAY_BASE_MS", c.ReconnectDelayBaseMS)
	kv("SCAN_TIMEOUT_MS", c.ScanTimeoutMS)
	kv("CONNECT_TIMEOUT_MS", c.ConnectTimeoutMS)
	kv("STATUS_HEARTBEAT_MS", c.StatusHeartbeatMS)
	kv("POLL_INTERVAL_MS", c.PollIntervalMS)
	kv("STALE_SAMPLES", c.StaleSamples)

	b.WriteString("\n# Filter\n")
	kv("FILTER_ALPHA", strconv.FormatFloat(c.FilterAlpha, 'g', -1, 64))
	kv("GYRO_DEADBAND", strconv.FormatFloat(c.GyroDeadband, 'g', -1, 64))
	kv("AXIS_MAPPING", c.AxisMapping.String())

	b.WriteString("\n# Subscribers\n")
	kv("SUBSCRIBER_QUEUE_SIZE", c.SubscriberQueueSize)
	kv("WEB_SERVER_PORT", c.WebServerPort)
	kv("WEB_STATIC_DIR", c.WebStaticDir)

	b.WriteString("\n# MQTT\n")
	kv("MQTT_BROKER", c.MQTTBroker)
	kv("MQTT_CLIENT_ID", c.MQTTClientID)
	kv("TOPIC_ROTATION", c.TopicRotation)
	kv("TOPIC_STATUS", c.TopicStatus)
	kv("TOPIC_INTERVAL", c.TopicInterval)

	b.WriteString("\n# Display\n")
	kv("DISPLAY_I2C_ADDR", fmt.Sprintf("0x%02X", c.DisplayI2CAddr))
	kv("DISPLAY_UPDATE_INTERVAL", c.DisplayUpdateInterval)

	b.WriteString("\n")
	kv("USE_SIMULATOR", c.UseSimulator)
	kv("LOG_LEVEL", c.LogLevel.String())

	n, err := io.WriteString(w, b.String())
	return int64(n), err
}
