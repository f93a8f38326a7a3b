// config_utils.go - Getter-Fabriken und Export der Konfiguration
//
// Jede Variable wird bei jedem Aufruf neu gelesen, Tests koennen sie
// mit t.Setenv umstellen. Ungueltige Zahlen fallen mit einer Warnung
// auf den Default zurueck.
package envconfig

import (
	"fmt"
	"log/slog"
	"runtime"
	"strconv"
	"strings"
)

// Bool liest k als Bool. Nicht parsebare Werte gelten als gesetzt.
func Bool(k string) func() bool {
	return func() bool {
		s := Var(k)
		if s == "" {
			return false
		}
		b, err := strconv.ParseBool(s)
		return err != nil || b
	}
}

func String(k string) func() string {
	return func() string {
		return Var(k)
	}
}

// number baut einen Getter fuer Zahlen mit Default
func number[T uint | uint64](key string, defaultValue T, parse func(string) (uint64, error)) func() T {
	return func() T {
		s := Var(key)
		if s == "" {
			return defaultValue
		}
		n, err := parse(s)
		if err != nil {
			slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			return defaultValue
		}
		return T(n)
	}
}

func Uint(key string, defaultValue uint) func() uint {
	return number(key, defaultValue, func(s string) (uint64, error) {
		return strconv.ParseUint(s, 10, 64)
	})
}

// Uint64 erlaubt die binaeren Suffixe KiB, MiB und GiB
func Uint64(key string, defaultValue uint64) func() uint64 {
	return number(key, defaultValue, parseSize)
}

// parseSize parst eine Zahl mit optionalem binaeren Suffix
func parseSize(s string) (uint64, error) {
	mult := uint64(1)
	for suffix, m := range map[string]uint64{"KiB": 1 << 10, "MiB": 1 << 20, "GiB": 1 << 30} {
		if trimmed, ok := strings.CutSuffix(s, suffix); ok {
			s, mult = strings.TrimSpace(trimmed), m
			break
		}
	}

	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return n * mult, nil
}

// EnvVar repraesentiert eine Environment-Variable mit Metadaten
type EnvVar struct {
	Name        string
	Value       any
	Description string
}

// AsMap gibt alle Konfigurationen als Map zurueck
// Enthaelt Namen, aktuelle Werte und Beschreibungen
func AsMap() map[string]EnvVar {
	ret := map[string]EnvVar{
		"GPUGRAPH_DEBUG":                    {"GPUGRAPH_DEBUG", LogLevel(), "Show additional debug information (e.g. GPUGRAPH_DEBUG=1)"},
		"GPUGRAPH_DRIVER":                   {"GPUGRAPH_DRIVER", Driver(), "Device driver to use: cuda or sim (default: cuda)"},
		"GPUGRAPH_INCLUDE_PATHS":            {"GPUGRAPH_INCLUDE_PATHS", IncludePaths(), "Include paths for device source compilation"},
		"GPUGRAPH_JIT_FLAGS":                {"GPUGRAPH_JIT_FLAGS", JITFlags(), "Extra flags passed to the device compiler"},
		"GPUGRAPH_NO_HOST_DEVICE_CONSTEXPR": {"GPUGRAPH_NO_HOST_DEVICE_CONSTEXPR", NoHostDeviceConstexpr(), "Do not treat constexpr functions as host device"},
		"GPUGRAPH_DISABLE_VERSION_CHECK":    {"GPUGRAPH_DISABLE_VERSION_CHECK", DisableVersionCheck(), "Skip the compiler against driver version check"},
		"GPUGRAPH_ALIGN":                    {"GPUGRAPH_ALIGN", Align(), "Alignment of packed weights in bytes (default: 512)"},
		"GPUGRAPH_STAGING_DEPTH":            {"GPUGRAPH_STAGING_DEPTH", StagingDepth(), "Shared staging buffers for repeated tensor sizes (default: 2)"},
		"GPUGRAPH_SIM_DEVICES":              {"GPUGRAPH_SIM_DEVICES", SimDevices(), "Number of simulated devices (default: 1)"},
		"GPUGRAPH_SIM_MEMORY":               {"GPUGRAPH_SIM_MEMORY", SimMemory(), "Memory per simulated device in bytes (default: 4 GiB)"},
		"GPUGRAPH_SIM_GRANULARITY":          {"GPUGRAPH_SIM_GRANULARITY", SimGranularity(), "Virtual memory granularity of simulated devices (default: 64 KiB)"},
	}

	if runtime.GOOS != "darwin" {
		ret["CUDA_VISIBLE_DEVICES"] = EnvVar{"CUDA_VISIBLE_DEVICES", CudaVisibleDevices(), "Set which NVIDIA devices are visible"}
	}

	return ret
}

// Values gibt alle Konfigurationswerte als String-Map zurueck
func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}
