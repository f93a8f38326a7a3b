package model

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Ceng23333/cuda-driver/format"
	"github.com/Ceng23333/cuda-driver/gpu"
	"github.com/Ceng23333/cuda-driver/loader"
	"github.com/Ceng23333/cuda-driver/memplan"
)

// Plan legt alle Gewichte in einen gepackten Puffer
type Plan struct {
	Table *memplan.Table
	// Dedicated und Shared sind die Groessen des Staging-Pools
	Dedicated []uint64
	Shared    uint64
}

// PlanWeights weist jedem Gewicht einen ausgerichteten Bereich zu. Gewichte
// mit derselben Quelle teilen sich den Bereich; Laengen, die mindestens nblk
// mal vorkommen, teilen sich Staging-Puffer.
func PlanWeights(bindings []Binding, align uint64, nblk int) (*Plan, error) {
	table := memplan.NewTable(align)
	for _, b := range bindings {
		if !b.IsWeight() {
			continue
		}
		if _, err := table.Assign(b.Name, b.Data); err != nil {
			return nil, err
		}
	}

	p := &Plan{Table: table}
	p.Dedicated, p.Shared = table.StagingSizes(nblk)
	slog.Info("weights planned", "tensors", len(table.Entries()), "unique", len(table.Unique()), "size", format.HumanBytes2(table.Size()), "align", align)
	return p, nil
}

// Weights ist der geladene Gewichtspuffer auf dem Device
type Weights struct {
	Plan  *Plan
	Buf   *gpu.DevBuf[byte]
	Stats loader.Stats

	ranges map[string]memplan.Range
}

// Slice gibt den Device-Bereich des Gewichts name zurueck
func (w *Weights) Slice(name string) (gpu.DevSlice, bool) {
	r, ok := w.ranges[name]
	if !ok || w.Buf == nil {
		return gpu.DevSlice{}, false
	}
	return w.Buf.Slice().Sub(r.Start, r.End), true
}

// Verify liest den Puffer zurueck und vergleicht jedes Gewicht mit seiner Quelle
func (w *Weights) Verify(cur *gpu.CurrentContext) error {
	if w.Buf == nil {
		return nil
	}

	host := make([]byte, w.Buf.Len())
	if err := gpu.MemcpyDtoH(cur, host, w.Buf.Slice()); err != nil {
		return err
	}
	for _, e := range w.Plan.Table.Entries() {
		if !bytes.Equal(host[e.Range.Start:e.Range.End], e.Src) {
			return fmt.Errorf("weight %s differs from its source at %v", e.Name, e.Range)
		}
	}
	return nil
}

func (w *Weights) Free() error {
	if w.Buf == nil {
		return nil
	}
	return w.Buf.Free()
}

// LoadWeights legt den Puffer an und laedt alle Gewichte ueber den Staging-Pool
func LoadWeights(ctx context.Context, cur *gpu.CurrentContext, p *Plan, depth int, progress func(float32)) (_ *Weights, err error) {
	w := &Weights{Plan: p, ranges: make(map[string]memplan.Range)}
	for _, e := range p.Table.Entries() {
		w.ranges[e.Name] = e.Range
	}
	if p.Table.Size() == 0 {
		return w, nil
	}

	w.Buf, err = gpu.Malloc[byte](cur, int(p.Table.Size()))
	if err != nil {
		return nil, fmt.Errorf("weight buffer: %w", err)
	}
	defer func() {
		if err != nil {
			w.Buf.Free()
		}
	}()

	l, err := loader.New(cur, p.Dedicated, p.Shared, depth)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := l.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()

	s, err := cur.Stream()
	if err != nil {
		return nil, err
	}
	defer s.Destroy()

	var jobs []loader.Job
	for _, e := range p.Table.Unique() {
		jobs = append(jobs, loader.Job{Name: e.Name, Dst: w.Buf.Slice().Sub(e.Range.Start, e.Range.End), Src: e.Src})
	}
	if err := l.LoadAll(ctx, jobs, s, progress); err != nil {
		return nil, err
	}
	if err := s.Synchronize(); err != nil {
		return nil, err
	}

	w.Stats = l.Stats()
	return w, nil
}
