// MODUL: file_test
// ZWECK: Tests fuer GGUF schreiben, mappen und den Tensor-Katalog
// INPUT: Temporaere GGUF-Dateien
// OUTPUT: Test-Ergebnisse
// NEBENEFFEKTE: Schreibt in t.TempDir()
// ABHAENGIGKEITEN: testing, go-cmp, testify
// HINWEISE: Fixtures werden mit WriteGGUF erzeugt

package ggml

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/Ceng23333/cuda-driver/ml"
)

func f32s(fs ...float32) []byte {
	b := make([]byte, 4*len(fs))
	for i, f := range fs {
		binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(f))
	}
	return b
}

func writeFixture(t *testing.T, name string, kv KV, ts ...*Tensor) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, WriteGGUF(f, kv, ts))
	return path
}

func mustTensor(t *testing.T, name string, dt ml.DType, dims []uint64, data []byte) *Tensor {
	t.Helper()
	tt, err := NewTensor(name, dt, dims, data)
	require.NoError(t, err)
	return tt
}

// ============================================================================
// Open
// ============================================================================

func TestOpen(t *testing.T) {
	embd := f32s(1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12)
	norm := f32s(1, 1, 1, 1)

	path := writeFixture(t, "model.gguf", KV{
		"general.architecture": "llama",
		"llama.block_count":    uint32(1),
		"llama.context_length": uint32(16),
		"tokenizer.ggml.model": "gpt2",
	},
		mustTensor(t, "token_embd.weight", ml.DTypeF32, []uint64{3, 4}, embd),
		mustTensor(t, "blk.0.attn_norm.weight", ml.DTypeF32, []uint64{4}, norm),
	)

	f, err := Open(path)
	require.NoError(t, err)
	defer f.Close()

	if f.Len() != 2 {
		t.Fatalf("Len: erwartet 2, bekommen %d", f.Len())
	}
	if got := f.KV().BlockCount(); got != 1 {
		t.Errorf("BlockCount: erwartet 1, bekommen %d", got)
	}
	if got := f.KV().ContextLength(); got != 16 {
		t.Errorf("ContextLength: erwartet 16, bekommen %d", got)
	}
	if got := f.KV().String("tokenizer.ggml.model"); got != "gpt2" {
		t.Errorf("tokenizer.ggml.model: erwartet gpt2, bekommen %q", got)
	}
	if got := f.KV().ParameterCount(); got != 16 {
		t.Errorf("ParameterCount: erwartet 16, bekommen %d", got)
	}

	// Reihenfolge wie geschrieben
	var names []string
	for tt := range f.Tensors() {
		names = append(names, tt.Name)
	}
	if diff := cmp.Diff([]string{"token_embd.weight", "blk.0.attn_norm.weight"}, names); diff != "" {
		t.Errorf("Tensors (-want +got):\n%s", diff)
	}

	tt, ok := f.Tensor("token_embd.weight")
	require.True(t, ok)

	if diff := cmp.Diff([]uint64{3, 4}, tt.Dims()); diff != "" {
		t.Errorf("Dims (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(embd, tt.Data()); diff != "" {
		t.Errorf("Data (-want +got):\n%s", diff)
	}

	meta, err := tt.Meta()
	require.NoError(t, err)
	if got := meta.String(); got != "f32[3, 4]" {
		t.Errorf("Meta: erwartet f32[3, 4], bekommen %s", got)
	}

	require.NoError(t, f.Prefetch(context.Background()))
}

func TestOpenShards(t *testing.T) {
	kv := KV{"general.architecture": "llama"}
	a := writeFixture(t, "a.gguf", kv, mustTensor(t, "a", ml.DTypeF32, []uint64{2}, f32s(1, 2)))
	b := writeFixture(t, "b.gguf", KV{"general.architecture": "llama", "llama.block_count": uint32(7)},
		mustTensor(t, "b", ml.DTypeF32, []uint64{1}, f32s(3)))

	f, err := Open(a, b)
	require.NoError(t, err)
	defer f.Close()

	if f.Len() != 2 {
		t.Errorf("Len: erwartet 2, bekommen %d", f.Len())
	}
	if got := f.KV().BlockCount(); got != 7 {
		t.Errorf("BlockCount aus zweitem Shard: erwartet 7, bekommen %d", got)
	}

	tb, ok := f.Tensor("b")
	require.True(t, ok)
	if diff := cmp.Diff(f32s(3), tb.Data()); diff != "" {
		t.Errorf("Data (-want +got):\n%s", diff)
	}
}

func TestOpenDuplicateTensor(t *testing.T) {
	kv := KV{"general.architecture": "llama"}
	a := writeFixture(t, "a.gguf", kv, mustTensor(t, "x", ml.DTypeF32, []uint64{1}, f32s(1)))
	b := writeFixture(t, "b.gguf", kv, mustTensor(t, "x", ml.DTypeF32, []uint64{1}, f32s(2)))

	_, err := Open(a, b)
	if !errors.Is(err, ErrTensorExists) {
		t.Errorf("erwartet ErrTensorExists, bekommen %v", err)
	}
}

func TestOpenInvalid(t *testing.T) {
	dir := t.TempDir()

	empty := filepath.Join(dir, "empty.gguf")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))
	if _, err := Open(empty); err == nil {
		t.Error("leere Datei: erwartet Fehler")
	}

	junk := filepath.Join(dir, "junk.gguf")
	require.NoError(t, os.WriteFile(junk, []byte("not a model file"), 0o644))
	if _, err := Open(junk); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("erwartet ErrUnsupportedFormat, bekommen %v", err)
	}

	if _, err := Open(); err == nil {
		t.Error("ohne Pfade: erwartet Fehler")
	}
}

// ============================================================================
// Insert
// ============================================================================

func TestInsert(t *testing.T) {
	path := writeFixture(t, "model.gguf", KV{"general.architecture": "llama"},
		mustTensor(t, "output.weight", ml.DTypeF32, []uint64{1}, f32s(1)))

	f, err := Open(path)
	require.NoError(t, err)
	defer f.Close()

	table := f32s(0, 0.5, 1, 1.5, 2, 2.5)
	require.NoError(t, f.Insert("sin_table", ml.DTypeF32, []uint64{2, 3}, table))

	if err := f.Insert("sin_table", ml.DTypeF32, []uint64{2, 3}, table); !errors.Is(err, ErrTensorExists) {
		t.Errorf("doppelt: erwartet ErrTensorExists, bekommen %v", err)
	}
	if err := f.Insert("cos_table", ml.DTypeF32, []uint64{2, 4}, table); err == nil {
		t.Error("falsche Laenge: erwartet Fehler")
	}
	if err := f.Insert("bool_table", ml.DTypeBool, []uint64{1}, []byte{1}); err == nil {
		t.Error("bool: erwartet Fehler")
	}

	var last *Tensor
	for tt := range f.Tensors() {
		last = tt
	}
	if last.Name != "sin_table" {
		t.Errorf("eingefuegter Tensor: erwartet am Ende, bekommen %s", last.Name)
	}

	dt, err := last.DType()
	require.NoError(t, err)
	if dt != ml.DTypeF32 {
		t.Errorf("DType: erwartet f32, bekommen %s", dt)
	}
	if diff := cmp.Diff([]uint64{2, 3}, last.Dims()); diff != "" {
		t.Errorf("Dims (-want +got):\n%s", diff)
	}
}

func TestInsertU32(t *testing.T) {
	data := make([]byte, 8)
	tt, err := NewTensor("ids", ml.DTypeU32, []uint64{2}, data)
	require.NoError(t, err)

	if TensorType(tt.Kind) != TensorTypeI32 {
		t.Errorf("Kind: erwartet I32, bekommen %s", TensorType(tt.Kind))
	}

	// der eingefuegte Typ ueberschreibt den Container-Typ
	dt, err := tt.DType()
	require.NoError(t, err)
	if dt != ml.DTypeU32 {
		t.Errorf("DType: erwartet u32, bekommen %s", dt)
	}
}

// ============================================================================
// KV und Tensor-Typen
// ============================================================================

func TestKVQualify(t *testing.T) {
	kv := KV{
		"general.architecture":       "llama",
		"llama.attention.head_count": uint32(8),
		"llama.rope.freq_base":       float32(500000),
	}

	if got := kv.HeadCount(); got != 8 {
		t.Errorf("HeadCount: erwartet 8, bekommen %d", got)
	}
	if got := kv.HeadCountKV(); got != 8 {
		t.Errorf("HeadCountKV Default: erwartet 8, bekommen %d", got)
	}
	if got := kv.Float("rope.freq_base"); got != 500000 {
		t.Errorf("rope.freq_base: erwartet 500000, bekommen %v", got)
	}
	if got := kv.Float("llama.rope.freq_base"); got != 500000 {
		t.Errorf("qualifizierter Key: erwartet 500000, bekommen %v", got)
	}
	if got := kv.Uint("missing", 3); got != 3 {
		t.Errorf("Default: erwartet 3, bekommen %d", got)
	}
}

func TestKVRoundTrip(t *testing.T) {
	path := writeFixture(t, "kv.gguf", KV{
		"general.architecture":    "llama",
		"general.alignment":       uint32(64),
		"embedding_length":        uint64(4096),
		"rope.freq_base":          float64(500000),
		"tokenizer.ggml.tokens":   []string{"<s>", "</s>", "hallo"},
		"tokenizer.ggml.scores":   []float32{0, -1, -2.5},
		"llama.rope.scaling.mask": []bool{true, false},
		"llama.vocab_only":        true,
	}, mustTensor(t, "a", ml.DTypeF32, []uint64{1}, f32s(1)))

	f, err := Open(path)
	require.NoError(t, err)
	defer f.Close()

	kv := f.KV()
	if got := kv.Alignment(); got != 64 {
		t.Errorf("Alignment: erwartet 64, bekommen %d", got)
	}
	if got := kv.EmbeddingLength(); got != 4096 {
		t.Errorf("uint64 Key: erwartet 4096, bekommen %d", got)
	}
	if got := kv.Float("rope.freq_base"); got != 500000 {
		t.Errorf("float64 Key: erwartet 500000, bekommen %v", got)
	}
	if !kv.Bool("vocab_only") {
		t.Error("vocab_only: erwartet true")
	}
	if diff := cmp.Diff([]string{"<s>", "</s>", "hallo"}, Array[string](kv, "tokenizer.ggml.tokens")); diff != "" {
		t.Errorf("tokens (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float32{0, -1, -2.5}, Array[float32](kv, "tokenizer.ggml.scores")); diff != "" {
		t.Errorf("scores (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]bool{true, false}, Array[bool](kv, "rope.scaling.mask")); diff != "" {
		t.Errorf("mask (-want +got):\n%s", diff)
	}
	if got := Array[int32](kv, "tokenizer.ggml.scores"); got != nil {
		t.Errorf("falscher Elementtyp: erwartet nil, bekommen %v", got)
	}

	tt, ok := f.Tensor("a")
	require.True(t, ok)
	if diff := cmp.Diff(f32s(1), tt.Data()); diff != "" {
		t.Errorf("Data nach Alignment 64 (-want +got):\n%s", diff)
	}
}

func TestWriteUnsupportedValue(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "bad.gguf"))
	require.NoError(t, err)
	defer f.Close()

	err = WriteGGUF(f, KV{"general.architecture": "llama", "llama.map": map[string]int{}}, nil)
	require.ErrorContains(t, err, "unsupported value type")
}

func TestQuantizedDType(t *testing.T) {
	tt := Tensor{Name: "blk.0.ffn_up.weight", Kind: uint32(TensorTypeQ4_0), Shape: []uint64{32, 2}}

	if got := tt.Size(); got != 2*18 {
		t.Errorf("Size: erwartet 36, bekommen %d", got)
	}
	if _, err := tt.DType(); err == nil || !strings.Contains(err.Error(), "quantized") {
		t.Errorf("Q4_0: erwartet quantized-Fehler, bekommen %v", err)
	}
	if _, err := tt.Meta(); err == nil {
		t.Error("Q4_0 Meta: erwartet Fehler")
	}
}
