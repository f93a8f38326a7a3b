// Package loader - Laedt Gewichte ueber einen Pool gepinnter Staging-Puffer
//
// Dieses Modul enthaelt:
// - WeightLoader: Staging-Pool nach Kapazitaet, ein Event pro Puffer
// - Load: Host -> Staging (synchron), Staging -> Device (asynchron auf dem Stream)
// - LoadAll: Alle Jobs mit Fortschritt und Abbruch ueber context.Context
// - Stats: Zaehler fuer gestagete, direkte und wartende Uploads
package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/emirpasic/gods/v2/maps/treemap"

	"github.com/Ceng23333/cuda-driver/format"
	"github.com/Ceng23333/cuda-driver/gpu"
	"github.com/Ceng23333/cuda-driver/logutil"
	"github.com/Ceng23333/cuda-driver/metrics"
)

// errStagingExhausted: kein Staging-Puffer ist gross genug
var errStagingExhausted = errors.New("no staging buffer large enough")

// Job ist ein einzelner Upload
type Job struct {
	Name string
	Dst  gpu.DevSlice
	Src  []byte
}

// Stats zaehlt, wie Uploads abgewickelt wurden
type Stats struct {
	// Staged sind Uploads ueber einen Staging-Puffer
	Staged int
	// Direct sind Uploads ohne passenden Puffer (synchrone Kopie)
	Direct int
	// Waits zaehlt, wie oft auf einen belegten Puffer gewartet wurde
	Waits int
	Bytes uint64
}

// buffer ist ein gepinnter Staging-Puffer. Er ist wieder frei, sobald ev
// die letzte Kopie aus ihm abgeschlossen hat.
type buffer struct {
	host    *gpu.HostBuf
	ev      *gpu.Event
	pending bool
}

// free meldet, ob die letzte Kopie aus b fertig ist
func (b *buffer) free() (bool, error) {
	if !b.pending {
		return true, nil
	}
	done, err := b.ev.Query()
	if err != nil {
		return false, err
	}
	b.pending = !done
	return done, nil
}

func (b *buffer) wait() error {
	if err := b.ev.Synchronize(); err != nil {
		return err
	}
	b.pending = false
	return nil
}

// WeightLoader besitzt die Staging-Puffer. Nicht nebenlaeufig nutzbar.
type WeightLoader struct {
	cur     *gpu.CurrentContext
	classes *treemap.Map[uint64, []*buffer]
	pinned  uint64
	stats   Stats
}

// New legt je Groesse in sizes einen eigenen Puffer an und zusaetzlich depth
// gemeinsame Puffer der Groesse shared fuer haeufige Laengen
func New(cur *gpu.CurrentContext, sizes []uint64, shared uint64, depth int) (*WeightLoader, error) {
	l := &WeightLoader{cur: cur, classes: treemap.New[uint64, []*buffer]()}

	add := func(n uint64) error {
		host, err := cur.MallocHost(n)
		if err != nil {
			return fmt.Errorf("staging buffer of %s: %w", format.HumanBytes2(n), err)
		}
		ev, err := cur.Event()
		if err != nil {
			host.Free()
			return err
		}

		bufs, _ := l.classes.Get(n)
		l.classes.Put(n, append(bufs, &buffer{host: host, ev: ev}))
		l.pinned += n
		return nil
	}

	for _, n := range sizes {
		if n == 0 {
			continue
		}
		if err := add(n); err != nil {
			l.Close()
			return nil, err
		}
	}
	if shared > 0 {
		for range depth {
			if err := add(shared); err != nil {
				l.Close()
				return nil, err
			}
		}
	}

	slog.Debug("staging pool", "classes", l.classes.Size(), "pinned", format.HumanBytes2(l.pinned))
	return l, nil
}

// Pinned gibt die Summe aller Staging-Puffer zurueck
func (l *WeightLoader) Pinned() uint64 {
	return l.pinned
}

// acquire gibt den kleinsten freien Puffer mit Kapazitaet >= n zurueck. Ist
// keiner frei, wird auf den kleinsten passenden gewartet.
func (l *WeightLoader) acquire(n uint64) (*buffer, error) {
	smallest, _, ok := l.classes.Ceiling(n)
	if !ok {
		return nil, errStagingExhausted
	}

	var fallback *buffer
	for _, c := range l.classes.Keys() {
		if c < smallest {
			continue
		}
		bufs, _ := l.classes.Get(c)
		for _, b := range bufs {
			free, err := b.free()
			if err != nil {
				return nil, err
			}
			if free {
				return b, nil
			}
			if fallback == nil {
				fallback = b
			}
		}
	}

	l.stats.Waits++
	metrics.StagingWaits.Inc()
	logutil.Trace("waiting for staging buffer", "size", fallback.host.Len())
	return fallback, fallback.wait()
}

// Load kopiert src nach dst. Die Kopie ins Device laeuft asynchron auf s;
// src darf sofort nach der Rueckkehr wiederverwendet werden.
func (l *WeightLoader) Load(dst gpu.DevSlice, src []byte, s *gpu.Stream) error {
	n := uint64(len(src))
	if dst.Len != n {
		return fmt.Errorf("load into %v: source has %d bytes: %w", dst, n, gpu.ErrInvalidValue)
	}
	if n == 0 {
		return nil
	}

	b, err := l.acquire(n)
	if errors.Is(err, errStagingExhausted) {
		// ohne passenden Puffer synchron; wartet wie der Default-Stream
		l.stats.Direct++
		l.stats.Bytes += n
		metrics.LoadedBytes.WithLabelValues("direct").Add(float64(n))
		slog.Debug("direct upload", "size", format.HumanBytes2(n))
		return gpu.MemcpyHtoD(l.cur, dst, src)
	} else if err != nil {
		return err
	}

	host := b.host.Bytes()[:n]
	copy(host, src)
	if err := s.MemcpyHtoD(dst, host); err != nil {
		return err
	}
	if err := s.Record(b.ev); err != nil {
		return err
	}
	b.pending = true

	l.stats.Staged++
	l.stats.Bytes += n
	metrics.LoadedBytes.WithLabelValues("staged").Add(float64(n))
	return nil
}

// LoadAll laedt alle Jobs in Reihenfolge auf s und meldet den Fortschritt
// nach Bytes. Bricht ab, sobald ctx beendet ist.
func (l *WeightLoader) LoadAll(ctx context.Context, jobs []Job, s *gpu.Stream, progress func(float32)) error {
	var total, done uint64
	for _, j := range jobs {
		total += uint64(len(j.Src))
	}

	for _, j := range jobs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := l.Load(j.Dst, j.Src, s); err != nil {
			return fmt.Errorf("load %s: %w", j.Name, err)
		}

		done += uint64(len(j.Src))
		if progress != nil && total > 0 {
			progress(float32(done) / float32(total))
		}
	}

	slog.Info("weights loaded", "tensors", len(jobs), "size", format.HumanBytes2(total), "staged", l.stats.Staged, "direct", l.stats.Direct, "waits", l.stats.Waits)
	return nil
}

func (l *WeightLoader) Stats() Stats {
	return l.stats
}

// Close wartet auf alle laufenden Kopien und gibt die Puffer frei
func (l *WeightLoader) Close() error {
	var errs []error
	it := l.classes.Iterator()
	for it.Next() {
		for _, b := range it.Value() {
			if b.pending {
				errs = append(errs, b.wait())
			}
			errs = append(errs, b.ev.Destroy(), b.host.Free())
		}
	}
	l.classes.Clear()
	l.pinned = 0
	return errors.Join(errs...)
}
