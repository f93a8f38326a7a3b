// config.go - Haupt-Konfigurationsfunktionen fuer den Graph-Kern
//
// Dieses Modul enthaelt:
// - LogLevel: Gibt Log-Level zurueck (GPUGRAPH_DEBUG)
// - Driver: Gibt den Treibernamen zurueck (GPUGRAPH_DRIVER)
// - IncludePaths: Gibt die JIT-Include-Pfade zurueck (GPUGRAPH_INCLUDE_PATHS)
// - JITFlags: Gibt zusaetzliche JIT-Optionen zurueck (GPUGRAPH_JIT_FLAGS)
// - Var: Liest eine bereinigte Environment-Variable
//
// Weitere Konfigurationen sind ausgelagert:
// - config_features.go: Feature-Flags, Planer- und Simulator-Variablen
// - config_utils.go: Utility-Funktionen und AsMap/Values
package envconfig

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// LogLevel gibt das Log-Level zurueck
// Konfigurierbar via GPUGRAPH_DEBUG
// Werte: 0/false = INFO (Default), 1/true = DEBUG, 2 = TRACE
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("GPUGRAPH_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}

	return level
}

// Driver gibt den Namen des Geraetetreibers zurueck
// Konfigurierbar via GPUGRAPH_DRIVER
// Default: cuda
func Driver() string {
	if s := strings.ToLower(Var("GPUGRAPH_DRIVER")); s != "" {
		return s
	}

	return "cuda"
}

// IncludePaths gibt die Include-Pfade fuer die JIT-Kompilierung zurueck
// Konfigurierbar via GPUGRAPH_INCLUDE_PATHS (getrennt durch os.PathListSeparator)
// Leere Eintraege werden verworfen, relative Pfade bleiben relativ
func IncludePaths() (paths []string) {
	for _, p := range filepath.SplitList(Var("GPUGRAPH_INCLUDE_PATHS")) {
		if p = strings.TrimSpace(p); p != "" {
			paths = append(paths, filepath.Clean(p))
		}
	}

	return paths
}

// JITFlags gibt zusaetzliche Compiler-Optionen zurueck
// Konfigurierbar via GPUGRAPH_JIT_FLAGS (durch Leerzeichen getrennt)
func JITFlags() []string {
	return strings.Fields(Var("GPUGRAPH_JIT_FLAGS"))
}

// Var gibt eine Environment-Variable zurueck
// Entfernt fuehrende/trailing Quotes und Leerzeichen
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}
