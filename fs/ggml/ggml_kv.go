// Package ggml - KV (Key-Value) Metadaten
//
// Schluessel ohne "general."/"tokenizer."/"split."-Praefix werden mit dem
// Architekturnamen qualifiziert ("block_count" -> "llama.block_count").
// Zahlen werden unabhaengig von ihrer Breite im Container gelesen: Uint
// akzeptiert jede nicht-negative Ganzzahl, Float auch float64.
package ggml

import (
	"fmt"
	"iter"
	"log/slog"
	"maps"
	"strings"
)

// KV repraesentiert GGUF Key-Value Metadaten
type KV map[string]any

func (kv KV) Architecture() string {
	return kv.String("general.architecture", "unknown")
}

// Alignment der Tensor-Daten im Container, Default 32
func (kv KV) Alignment() uint64 {
	return kv.Uint("general.alignment", 32)
}

func (kv KV) ParameterCount() uint64 {
	return kv.Uint("general.parameter_count")
}

func (kv KV) ContextLength() uint64 {
	return kv.Uint("context_length")
}

func (kv KV) BlockCount() uint64 {
	return kv.Uint("block_count")
}

func (kv KV) EmbeddingLength() uint64 {
	return kv.Uint("embedding_length")
}

func (kv KV) HeadCount() uint64 {
	return kv.Uint("attention.head_count")
}

// HeadCountKV gibt die Anzahl der KV-Heads zurueck, Default ist HeadCount
func (kv KV) HeadCountKV() uint64 {
	return kv.Uint("attention.head_count_kv", kv.HeadCount())
}

func (kv KV) FeedForwardLength() uint64 {
	return kv.Uint("feed_forward_length")
}

// qualify ergaenzt den Architektur-Praefix fuer modellspezifische Schluessel
func (kv KV) qualify(key string) string {
	for _, prefix := range []string{"general.", "tokenizer.", "split."} {
		if strings.HasPrefix(key, prefix) {
			return key
		}
	}
	arch, _ := kv["general.architecture"].(string)
	if arch == "" || strings.HasPrefix(key, arch+".") {
		return key
	}
	return arch + "." + key
}

func (kv KV) lookup(key string) (any, bool) {
	v, ok := kv[kv.qualify(key)]
	return v, ok
}

func missing[T any](key string, v any, def []T) T {
	var zero T
	if v != nil {
		slog.Debug("key has unexpected type", "key", key, "type", fmt.Sprintf("%T", v))
	}
	if len(def) > 0 {
		return def[0]
	}
	return zero
}

func (kv KV) String(key string, def ...string) string {
	v, _ := kv.lookup(key)
	if s, ok := v.(string); ok {
		return s
	}
	return missing(key, v, def)
}

func (kv KV) Bool(key string, def ...bool) bool {
	v, _ := kv.lookup(key)
	if b, ok := v.(bool); ok {
		return b
	}
	return missing(key, v, def)
}

// Uint liest eine Ganzzahl beliebiger Breite; negative Werte gelten als fehlend
func (kv KV) Uint(key string, def ...uint64) uint64 {
	v, _ := kv.lookup(key)
	switch n := v.(type) {
	case uint8:
		return uint64(n)
	case uint16:
		return uint64(n)
	case uint32:
		return uint64(n)
	case uint64:
		return n
	case int8:
		if n >= 0 {
			return uint64(n)
		}
	case int16:
		if n >= 0 {
			return uint64(n)
		}
	case int32:
		if n >= 0 {
			return uint64(n)
		}
	case int64:
		if n >= 0 {
			return uint64(n)
		}
	}
	return missing(key, v, def)
}

func (kv KV) Float(key string, def ...float32) float32 {
	v, _ := kv.lookup(key)
	switch f := v.(type) {
	case float32:
		return f
	case float64:
		return float32(f)
	}
	return missing(key, v, def)
}

// Array gibt die Elemente eines Array-Werts zurueck, nil wenn der Key fehlt
// oder einen anderen Elementtyp hat
func Array[T any](kv KV, key string) []T {
	v, _ := kv.lookup(key)
	if a, ok := values(v).([]T); ok {
		return a
	}
	return missing[[]T](key, v, nil)
}

func (kv KV) Len() int {
	return len(kv)
}

func (kv KV) Keys() iter.Seq[string] {
	return maps.Keys(kv)
}

func (kv KV) Value(key string) any {
	return kv[key]
}
