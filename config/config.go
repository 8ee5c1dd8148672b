// Package config holds the gateway configuration. A Config is built once at
// startup and is not mutated afterwards; runtime changes go through the
// narrow setters on the gateway.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Transport protocols.
const (
	Serial    = "serial"
	TCP       = "tcp"
	TCPListen = "tcp-listen"
)

type SerialConfig struct {
	Port string
	Baud int
}

type TCPConfig struct {
	Host string
	Port int
}

func (t TCPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", t.Host, t.Port)
}

// Device selects and parameterizes the byte transport for one side of the
// gateway.
type Device struct {
	// Protocol is one of Serial, TCP or TCPListen.
	Protocol string
	Serial   SerialConfig
	TCP      TCPConfig
}

// AngleCorrection is the static calibration of the pan-tilt head.
type AngleCorrection struct {
	MinElevation   float64
	MaxElevation   float64
	AzimuthOffset  float64
	InitialAzimuth float64
}

// SoftLimits bound the unwrapped azimuth.
type SoftLimits struct {
	MinAz float64 `json:"min_az"`
	MaxAz float64 `json:"max_az"`
}

func DefaultSoftLimits() SoftLimits {
	return SoftLimits{MinAz: -360, MaxAz: 360}
}

type Config struct {
	GS232 Device
	Pelco Device
	// PelcoAddress is the Pelco-D receiver address, 1 to 255.
	PelcoAddress int

	Correction AngleCorrection
	Limits     SoftLimits

	// AutoReturnTimeout is the idle time after which the head is parked.
	AutoReturnTimeout time.Duration

	Influx Influx
}

// Influx locates the InfluxDB bucket status is recorded to. Recording is
// off when Server is empty.
type Influx struct {
	Server string
	Token  string
	Org    string
	Bucket string
}

func Default() Config {
	return Config{
		GS232: Device{
			Protocol: Serial,
			Serial:   SerialConfig{Port: "/dev/ttyUSB0", Baud: 9600},
			TCP:      TCPConfig{Host: "0.0.0.0", Port: 4533},
		},
		Pelco: Device{
			Protocol: Serial,
			Serial:   SerialConfig{Port: "/dev/ttyUSB1", Baud: 9600},
			TCP:      TCPConfig{Host: "127.0.0.1", Port: 4001},
		},
		PelcoAddress:      1,
		Correction:        AngleCorrection{MinElevation: 0, MaxElevation: 90},
		Limits:            DefaultSoftLimits(),
		AutoReturnTimeout: 4 * time.Hour,
		Influx:            Influx{Org: "w1xm", Bucket: "ptz.status"},
	}
}

// Error reports an invalid configuration value.
type Error struct {
	Field string
	Msg   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("config %s: %s", e.Field, e.Msg)
}

func (d Device) validate(name string) error {
	switch d.Protocol {
	case Serial:
		if d.Serial.Port == "" {
			return &Error{Field: name + ".serial.port", Msg: "empty port name"}
		}
		if d.Serial.Baud <= 0 {
			return &Error{Field: name + ".serial.baud", Msg: fmt.Sprintf("invalid baud rate %d", d.Serial.Baud)}
		}
	case TCP, TCPListen:
		if d.TCP.Port <= 0 || d.TCP.Port > 65535 {
			return &Error{Field: name + ".tcp.port", Msg: fmt.Sprintf("invalid port %d", d.TCP.Port)}
		}
	default:
		return &Error{Field: name + ".protocol", Msg: fmt.Sprintf("unknown protocol %q", d.Protocol)}
	}
	return nil
}

func (c Config) Validate() error {
	if err := c.GS232.validate("gs232"); err != nil {
		return err
	}
	if err := c.Pelco.validate("pelco"); err != nil {
		return err
	}
	if c.PelcoAddress < 1 || c.PelcoAddress > 255 {
		return &Error{Field: "pelco.address", Msg: fmt.Sprintf("address %d outside 1-255", c.PelcoAddress)}
	}
	if c.Correction.MinElevation > c.Correction.MaxElevation {
		return &Error{Field: "angle_correction", Msg: fmt.Sprintf("min elevation %v above max elevation %v", c.Correction.MinElevation, c.Correction.MaxElevation)}
	}
	if c.Limits.MinAz > c.Limits.MaxAz {
		return &Error{Field: "limits", Msg: fmt.Sprintf("min azimuth %v above max azimuth %v", c.Limits.MinAz, c.Limits.MaxAz)}
	}
	if c.AutoReturnTimeout < 0 {
		return &Error{Field: "auto_return_timeout", Msg: "negative timeout"}
	}
	return nil
}

// FromEnv loads a .env file if present, then overlays PTZ_* environment
// variables on Default.
func FromEnv() (Config, error) {
	c := Default()
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return c, &Error{Field: ".env", Msg: err.Error()}
	}

	loadDevice(&c.GS232, "PTZ_GS232")
	loadDevice(&c.Pelco, "PTZ_PELCO")
	c.PelcoAddress = getEnvAsInt("PTZ_PELCO_ADDRESS", c.PelcoAddress)
	c.Correction = AngleCorrection{
		MinElevation:   getEnvAsFloat("PTZ_MIN_ELEVATION", c.Correction.MinElevation),
		MaxElevation:   getEnvAsFloat("PTZ_MAX_ELEVATION", c.Correction.MaxElevation),
		AzimuthOffset:  getEnvAsFloat("PTZ_AZIMUTH_OFFSET", c.Correction.AzimuthOffset),
		InitialAzimuth: getEnvAsFloat("PTZ_INITIAL_AZIMUTH", c.Correction.InitialAzimuth),
	}
	c.Limits = SoftLimits{
		MinAz: getEnvAsFloat("PTZ_MIN_AZ", c.Limits.MinAz),
		MaxAz: getEnvAsFloat("PTZ_MAX_AZ", c.Limits.MaxAz),
	}
	c.AutoReturnTimeout = time.Duration(getEnvAsInt("PTZ_AUTO_RETURN_SECONDS", int(c.AutoReturnTimeout/time.Second))) * time.Second
	c.Influx = Influx{
		Server: getEnv("INFLUX_SERVER", c.Influx.Server),
		Token:  getEnv("INFLUX_TOKEN", c.Influx.Token),
		Org:    getEnv("INFLUX_ORG", c.Influx.Org),
		Bucket: getEnv("INFLUX_BUCKET", c.Influx.Bucket),
	}
	return c, c.Validate()
}

func loadDevice(d *Device, prefix string) {
	d.Protocol = getEnv(prefix+"_PROTOCOL", d.Protocol)
	d.Serial.Port = getEnv(prefix+"_SERIAL_PORT", d.Serial.Port)
	d.Serial.Baud = getEnvAsInt(prefix+"_SERIAL_BAUD", d.Serial.Baud)
	d.TCP.Host = getEnv(prefix+"_TCP_HOST", d.TCP.Host)
	d.TCP.Port = getEnvAsInt(prefix+"_TCP_PORT", d.TCP.Port)
}

func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if v, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return v
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if v, err := strconv.ParseFloat(getEnv(key, ""), 64); err == nil {
		return v
	}
	return defaultValue
}
