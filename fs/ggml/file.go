// Package ggml - Gemappter Tensor-Katalog ueber einen oder mehrere GGUF-Shards
//
// Dieses Modul enthaelt:
// - File: Read-only Sicht auf alle Shards eines Modells
// - Open: Mappt jeden Shard und fuehrt KV und Tensors zusammen
// - Insert: Fuegt synthetische Tensors (z.B. sin/cos Tabellen) hinzu
// - Prefetch: Fordert die Seiten aller Shards parallel beim Kernel an
package ggml

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"runtime"

	orderedmap "github.com/wk8/go-ordered-map/v2"
	"golang.org/x/sync/errgroup"

	"github.com/Ceng23333/cuda-driver/format"
	"github.com/Ceng23333/cuda-driver/ml"
)

// maxArraySize begrenzt die Arrays, die beim Oeffnen vollstaendig gelesen werden
const maxArraySize = 1024

// prefetchChunk ist die Groesse eines madvise-Aufrufs
const prefetchChunk = 64 << 20

// ErrTensorExists wird bei doppelten Tensor-Namen zurueckgegeben
var ErrTensorExists = errors.New("tensor already exists")

// shard ist ein gemappter GGUF-Shard
type shard struct {
	path string
	data []byte
	*GGML
}

// File ist der Tensor-Katalog eines Modells. Die Daten der Tensors liegen im
// Mapping und sind nur bis Close gueltig.
type File struct {
	shards  []*shard
	kv      KV
	tensors *orderedmap.OrderedMap[string, *Tensor]
}

// Open mappt alle Shards und fuehrt sie zu einem Katalog zusammen. KV-Werte
// kommen aus dem ersten Shard, spaetere Shards ergaenzen nur fehlende Schluessel.
func Open(paths ...string) (_ *File, err error) {
	if len(paths) == 0 {
		return nil, errors.New("no model file")
	}

	f := &File{kv: make(KV), tensors: orderedmap.New[string, *Tensor]()}
	defer func() {
		if err != nil {
			f.Close()
		}
	}()

	for _, path := range paths {
		data, err := mapFile(path)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}

		s := &shard{path: path, data: data}
		f.shards = append(f.shards, s)

		s.GGML, err = Decode(bytes.NewReader(data), maxArraySize)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}

		for k, v := range s.KV() {
			if _, ok := f.kv[k]; !ok {
				f.kv[k] = v
			}
		}

		tensors := s.Tensors()
		for _, t := range tensors.Items() {
			start := tensors.Offset + t.Offset
			end := start + t.Size()
			if end > uint64(len(data)) {
				return nil, fmt.Errorf("%s: tensor %s [%d, %d) exceeds file size %d", path, t.Name, start, end, len(data))
			}

			t.data = data[start:end:end]
			if _, present := f.tensors.Set(t.Name, t); present {
				return nil, fmt.Errorf("%s: %w: %s", path, ErrTensorExists, t.Name)
			}
		}

		slog.Debug("mapped shard", "path", path, "size", format.HumanBytes2(uint64(len(data))), "tensors", len(tensors.Items()))
	}

	// Parameter aller Shards statt nur des ersten
	var params uint64
	for t := range f.Tensors() {
		params += t.Elements()
	}
	f.kv["general.parameter_count"] = params

	return f, nil
}

// KV gibt die zusammengefuehrten Metadaten zurueck
func (f *File) KV() KV {
	return f.kv
}

// Len gibt die Anzahl der Tensors zurueck
func (f *File) Len() int {
	return f.tensors.Len()
}

// Tensor sucht einen Tensor nach Namen
func (f *File) Tensor(name string) (*Tensor, bool) {
	return f.tensors.Get(name)
}

// Tensors iteriert in Datei-Reihenfolge, eingefuegte Tensors zuletzt
func (f *File) Tensors() iter.Seq[*Tensor] {
	return func(yield func(*Tensor) bool) {
		for pair := f.tensors.Oldest(); pair != nil; pair = pair.Next() {
			if !yield(pair.Value) {
				return
			}
		}
	}
}

// Insert fuegt einen synthetischen Tensor hinzu. dims ist zeilenweise
// (aeusserste Dimension zuerst), data muss genau die passende Laenge haben.
func (f *File) Insert(name string, dt ml.DType, dims []uint64, data []byte) error {
	if _, ok := f.tensors.Get(name); ok {
		return fmt.Errorf("%w: %s", ErrTensorExists, name)
	}

	t, err := NewTensor(name, dt, dims, data)
	if err != nil {
		return err
	}

	f.tensors.Set(name, t)
	slog.Debug("inserted tensor", "name", name, "dtype", dt, "dims", dims)
	return nil
}

// Prefetch bittet den Kernel, die Seiten aller Shards vorab zu laden
func (f *File) Prefetch(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))

	for _, s := range f.shards {
		for off := 0; off < len(s.data); off += prefetchChunk {
			end := min(off+prefetchChunk, len(s.data))
			g.Go(func() error {
				if err := ctx.Err(); err != nil {
					return err
				}
				return adviseWillNeed(s.data[off:end])
			})
		}
	}

	return g.Wait()
}

// Close gibt alle Mappings frei
func (f *File) Close() error {
	var errs []error
	for _, s := range f.shards {
		if err := unmapFile(s.data); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.path, err))
		}
		s.data = nil
	}
	f.shards = nil
	return errors.Join(errs...)
}
