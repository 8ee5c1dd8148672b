package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestValidate(t *testing.T) {
	for _, test := range []struct {
		name   string
		modify func(c *Config)
		field  string
	}{
		{"default", func(c *Config) {}, ""},
		{"unknown protocol", func(c *Config) { c.Pelco.Protocol = "carrier-pigeon" }, "pelco.protocol"},
		{"empty serial port", func(c *Config) { c.GS232.Serial.Port = "" }, "gs232.serial.port"},
		{"bad tcp port", func(c *Config) { c.GS232.Protocol = TCP; c.GS232.TCP.Port = 0 }, "gs232.tcp.port"},
		{"inverted elevation", func(c *Config) { c.Correction.MinElevation = 10; c.Correction.MaxElevation = 5 }, "angle_correction"},
		{"pelco address zero", func(c *Config) { c.PelcoAddress = 0 }, "pelco.address"},
		{"pelco address too large", func(c *Config) { c.PelcoAddress = 256 }, "pelco.address"},
		{"pelco address max", func(c *Config) { c.PelcoAddress = 255 }, ""},
		{"inverted limits", func(c *Config) { c.Limits = SoftLimits{MinAz: 10, MaxAz: -10} }, "limits"},
	} {
		t.Run(test.name, func(t *testing.T) {
			c := Default()
			test.modify(&c)
			err := c.Validate()
			if test.field == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			var cerr *Error
			if !errors.As(err, &cerr) {
				t.Fatalf("Validate() = %v, want *Error", err)
			}
			if cerr.Field != test.field {
				t.Errorf("field = %q, want %q", cerr.Field, test.field)
			}
		})
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv("PTZ_GS232_PROTOCOL", TCPListen)
	t.Setenv("PTZ_GS232_TCP_PORT", "4533")
	t.Setenv("PTZ_MIN_ELEVATION", "-10")
	t.Setenv("PTZ_MIN_AZ", "-180")
	t.Setenv("PTZ_AUTO_RETURN_SECONDS", "60")
	t.Setenv("PTZ_PELCO_SERIAL_BAUD", "not-a-number")
	t.Setenv("INFLUX_SERVER", "http://influx:8086")

	c, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv() = %v", err)
	}
	want := Default()
	want.GS232.Protocol = TCPListen
	want.Correction.MinElevation = -10
	want.Limits.MinAz = -180
	want.AutoReturnTimeout = time.Minute
	want.Influx.Server = "http://influx:8086"
	if diff := cmp.Diff(c, want); diff != "" {
		t.Errorf("unexpected config: got(-)/want(+):\n%s", diff)
	}
}

func TestFromEnvPelcoAddress(t *testing.T) {
	t.Setenv("PTZ_PELCO_ADDRESS", "256")
	_, err := FromEnv()
	var cerr *Error
	if !errors.As(err, &cerr) || cerr.Field != "pelco.address" {
		t.Fatalf("FromEnv() = %v, want pelco.address error", err)
	}

	t.Setenv("PTZ_PELCO_ADDRESS", "12")
	c, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv() = %v", err)
	}
	if c.PelcoAddress != 12 {
		t.Errorf("PelcoAddress = %d, want 12", c.PelcoAddress)
	}
}

// chdir moves the test into dir for its duration.
func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(wd); err != nil {
			t.Fatal(err)
		}
	})
}

func TestFromEnvDotEnv(t *testing.T) {
	t.Run("loaded", func(t *testing.T) {
		dir := t.TempDir()
		if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("PTZ_PELCO_ADDRESS=7\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		chdir(t, dir)
		// godotenv sets the variable for the whole process.
		t.Setenv("PTZ_PELCO_ADDRESS", "")
		os.Unsetenv("PTZ_PELCO_ADDRESS")

		c, err := FromEnv()
		if err != nil {
			t.Fatalf("FromEnv() = %v", err)
		}
		if c.PelcoAddress != 7 {
			t.Errorf("PelcoAddress = %d, want 7", c.PelcoAddress)
		}
	})

	t.Run("missing", func(t *testing.T) {
		chdir(t, t.TempDir())
		if _, err := FromEnv(); err != nil {
			t.Fatalf("FromEnv() without .env = %v", err)
		}
	})

	t.Run("unreadable", func(t *testing.T) {
		dir := t.TempDir()
		if err := os.Mkdir(filepath.Join(dir, ".env"), 0o755); err != nil {
			t.Fatal(err)
		}
		chdir(t, dir)

		_, err := FromEnv()
		var cerr *Error
		if !errors.As(err, &cerr) || cerr.Field != ".env" {
			t.Fatalf("FromEnv() = %v, want .env error", err)
		}
	})
}
