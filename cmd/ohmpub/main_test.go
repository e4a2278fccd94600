package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nugget/ohmpub/examples"
	"github.com/nugget/ohmpub/internal/buildinfo"
	"github.com/nugget/ohmpub/internal/config"
	"github.com/nugget/ohmpub/internal/sensor"
)

// writeConfig writes a config file into a temp dir and returns its path.
func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func oneReading(v float64) sensor.Source {
	return sensor.SourceFunc(func(context.Context) ([]sensor.RawReading, error) {
		return []sensor.RawReading{{
			ID: "/intelcpu/0/temperature/0", Kind: sensor.Temperature, Name: "CPU Package", Value: sensor.Float(v),
		}}, nil
	})
}

func TestRun_Version(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), &out, io.Discard, []string{"version"}); err != nil {
		t.Fatalf("run version: %v", err)
	}
	if !strings.Contains(out.String(), "ohmpub "+buildinfo.Version) {
		t.Errorf("version output = %q", out.String())
	}
}

func TestRun_VersionJSON(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), &out, io.Discard, []string{"-o", "json", "version"}); err != nil {
		t.Fatalf("run version: %v", err)
	}
	var info map[string]string
	if err := json.Unmarshal(out.Bytes(), &info); err != nil {
		t.Fatalf("version JSON: %v\n%s", err, out.String())
	}
	if info["version"] != buildinfo.Version {
		t.Errorf("version = %q, want %q", info["version"], buildinfo.Version)
	}
	if info["go_version"] == "" {
		t.Error("version JSON should include go_version")
	}
}

func TestRun_Usage(t *testing.T) {
	for _, args := range [][]string{nil, {"-h"}, {"--help"}} {
		var out bytes.Buffer
		if err := run(context.Background(), &out, io.Discard, args); err != nil {
			t.Fatalf("run %v: %v", args, err)
		}
		if !strings.Contains(out.String(), "Usage: ohmpub") {
			t.Errorf("run %v output = %q", args, out.String())
		}
	}
}

func TestRun_ExitCodes(t *testing.T) {
	badPattern := writeConfig(t, "sensors:\n  patterns: ['(']\n")
	noBroker := writeConfig(t, "machine: desk\n")
	missingDir := writeConfig(t, fmt.Sprintf("files:\n  directory: %s\n  create: false\n",
		filepath.Join(t.TempDir(), "absent")))

	tests := []struct {
		name string
		args []string
		want int
	}{
		{"unknown flag", []string{"-bogus"}, exitConfig},
		{"unknown command", []string{"frobnicate"}, exitConfig},
		{"bad output format", []string{"-o", "xml", "version"}, exitConfig},
		{"missing config file", []string{"-config", "/nonexistent/ohmpub.yaml", "show"}, exitConfig},
		{"invalid pattern", []string{"-config", badPattern, "show"}, exitConfig},
		{"mqtt without broker", []string{"-config", noBroker, "mqtt"}, exitConfig},
		{"files directory missing", []string{"-config", missingDir, "files"}, exitConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := run(context.Background(), io.Discard, io.Discard, tt.args)
			if err == nil {
				t.Fatal("run should fail")
			}
			if got := exitCode(err); got != tt.want {
				t.Errorf("exitCode = %d, want %d (error: %v)", got, tt.want, err)
			}
		})
	}
}

func TestExitCode(t *testing.T) {
	if got := exitCode(errors.New("boom")); got != exitUnexpected {
		t.Errorf("exitCode(plain) = %d, want %d", got, exitUnexpected)
	}
	wrapped := fmt.Errorf("startup: %w", configError(errors.New("bad")))
	if got := exitCode(wrapped); got != exitConfig {
		t.Errorf("exitCode(wrapped config error) = %d, want %d", got, exitConfig)
	}
}

func TestRunPublish_Show(t *testing.T) {
	cfgPath := writeConfig(t, "machine: desk\nlog_level: error\npolling:\n  continuous: false\n")
	var console, logs bytes.Buffer

	err := runPublish(context.Background(), &logs, "show", options{configPath: cfgPath},
		withConsole(&console), withSource(oneReading(45)))
	if err != nil {
		t.Fatalf("runPublish: %v", err)
	}

	out := console.String()
	for _, want := range []string{"Temperature: CPU Package", "desk/ohmp/intelcpu/0/0/temperature", "Value: 45"} {
		if !strings.Contains(out, want) {
			t.Errorf("console output missing %q:\n%s", want, out)
		}
	}
}

func TestRunPublish_Files(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	cfgPath := writeConfig(t, fmt.Sprintf(
		"machine: desk\nlog_level: error\npolling:\n  continuous: false\nfiles:\n  directory: %s\n  create: true\n", dir))

	err := runPublish(context.Background(), io.Discard, "files", options{configPath: cfgPath},
		withSource(oneReading(45)))
	if err != nil {
		t.Fatalf("runPublish: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "desk-intelcpu-0-temperature-0.txt"))
	if err != nil {
		t.Fatalf("data file: %v", err)
	}
	var got sensor.Reading
	if err := json.Unmarshal(bytes.TrimSpace(data), &got); err != nil {
		t.Fatalf("data file content %q: %v", data, err)
	}
	if got.Value != 45 || got.Machine != "desk" {
		t.Errorf("reading = %+v", got)
	}
}

func TestRunPublish_SourceFailure(t *testing.T) {
	cfgPath := writeConfig(t, "log_level: error\npolling:\n  continuous: false\n")
	failing := sensor.SourceFunc(func(context.Context) ([]sensor.RawReading, error) {
		return nil, errors.New("sensor bus unavailable")
	})

	err := runPublish(context.Background(), io.Discard, "show", options{configPath: cfgPath},
		withConsole(io.Discard), withSource(failing))
	if err == nil {
		t.Fatal("runPublish should fail")
	}
	if got := exitCode(err); got != exitUnexpected {
		t.Errorf("exitCode = %d, want %d", got, exitUnexpected)
	}
}

func TestRunPublish_Cancelled(t *testing.T) {
	cfgPath := writeConfig(t, "log_level: error\npolling:\n  continuous: true\n")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := runPublish(ctx, io.Discard, "show", options{configPath: cfgPath},
		withConsole(io.Discard), withSource(oneReading(45)))
	if err != nil {
		t.Errorf("runPublish after cancellation = %v, want nil", err)
	}
}

func TestExampleConfigLoads(t *testing.T) {
	path := writeConfig(t, string(examples.ConfigYAML))
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("example config does not load: %v", err)
	}
	if !cfg.MQTT.Configured() || !cfg.MQTT.Discovery.Enabled {
		t.Error("example config should enable mqtt discovery")
	}
	if cfg.Filter.Thresholds["Temperature"] != 1.0 {
		t.Errorf("temperature threshold = %v, want 1.0", cfg.Filter.Thresholds["Temperature"])
	}
}
