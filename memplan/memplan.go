// Package memplan - Packt Tensors in einen einzigen ausgerichteten Device-Puffer
//
// Dieses Modul enthaelt:
// - Calculator: Monotoner Bump-Allocator mit Zweierpotenz-Ausrichtung
// - Range: Halboffener Byte-Bereich [Start, End)
// - Table: Deduplizierung nach Host-Zeiger vor dem Push
// - Histogram/StagingSizes: Groessenverteilung fuer den Staging-Pool
package memplan

import (
	"errors"
	"fmt"
	"log/slog"
	"math/bits"
	"unsafe"

	"github.com/emirpasic/gods/v2/maps/treemap"

	"github.com/Ceng23333/cuda-driver/format"
	"github.com/Ceng23333/cuda-driver/logutil"
)

// ErrAliasLenMismatch: gleicher Host-Zeiger mit anderer Laenge
var ErrAliasLenMismatch = errors.New("alias length mismatch")

// Range ist ein halboffener Byte-Bereich im gepackten Puffer
type Range struct {
	Start, End uint64
}

// Len gibt die Laenge des Bereichs zurueck
func (r Range) Len() uint64 {
	return r.End - r.Start
}

func (r Range) String() string {
	return fmt.Sprintf("%d..%d", r.Start, r.End)
}

// Calculator vergibt Bereiche in Aufruf-Reihenfolge.
// Der Start jedes Bereichs ist ein Vielfaches von align.
type Calculator struct {
	align  uint64
	cursor uint64
}

// NewCalculator erzeugt einen Planer; align muss eine Zweierpotenz sein
func NewCalculator(align uint64) *Calculator {
	if align == 0 || bits.OnesCount64(align) != 1 {
		panic(fmt.Sprintf("memplan: alignment %d is not a power of two", align))
	}
	return &Calculator{align: align}
}

// Align gibt die Ausrichtung zurueck
func (c *Calculator) Align() uint64 {
	return c.align
}

// Push reserviert n Bytes hinter dem letzten Bereich
func (c *Calculator) Push(n uint64) Range {
	start := roundUp(c.cursor, c.align)
	c.cursor = start + n
	return Range{Start: start, End: c.cursor}
}

// Size gibt die Gesamtgroesse des gepackten Puffers zurueck
func (c *Calculator) Size() uint64 {
	return roundUp(c.cursor, c.align)
}

func roundUp(n, align uint64) uint64 {
	return (n + align - 1) &^ (align - 1)
}

// AliasError meldet zwei Tensors mit gleichem Host-Zeiger und verschiedener Laenge
type AliasError struct {
	Name      string
	Want, Got uint64
}

func (e *AliasError) Error() string {
	return fmt.Sprintf("tensor %s: %v: planned %d bytes, got %d", e.Name, ErrAliasLenMismatch, e.Want, e.Got)
}

func (e *AliasError) Unwrap() error {
	return ErrAliasLenMismatch
}

// Entry ist ein zugewiesener Quell-Bereich
type Entry struct {
	Name  string
	Range Range
	Src   []byte

	// Alias ist gesetzt, wenn der Bereich von einem frueheren Tensor stammt
	Alias bool
}

type slot struct {
	name  string
	rng   Range
	count int
}

// Table dedupliziert Quellen nach Host-Zeiger und gibt sie an den Calculator weiter
type Table struct {
	calc    *Calculator
	bySrc   map[*byte]*slot
	entries []Entry
	hist    *treemap.Map[uint64, int]
}

// NewTable erzeugt eine leere Tabelle mit Ausrichtung align
func NewTable(align uint64) *Table {
	return &Table{
		calc:  NewCalculator(align),
		bySrc: make(map[*byte]*slot),
		hist:  treemap.New[uint64, int](),
	}
}

// Assign gibt den Bereich fuer src zurueck. Derselbe Zeiger mit derselben
// Laenge bekommt denselben Bereich; leere Quellen werden nicht dedupliziert.
func (t *Table) Assign(name string, src []byte) (Range, error) {
	n := uint64(len(src))
	ptr := unsafe.SliceData(src)

	if s, ok := t.bySrc[ptr]; ok && n > 0 {
		if s.rng.Len() != n {
			return Range{}, &AliasError{Name: name, Want: s.rng.Len(), Got: n}
		}

		s.count++
		t.entries = append(t.entries, Entry{Name: name, Range: s.rng, Src: src, Alias: true})
		slog.Debug("tensor aliases earlier tensor", "name", name, "alias", s.name, "range", s.rng)
		return s.rng, nil
	}

	rng := t.calc.Push(n)
	if n > 0 {
		t.bySrc[ptr] = &slot{name: name, rng: rng, count: 1}
	}

	count, _ := t.hist.Get(n)
	t.hist.Put(n, count+1)

	t.entries = append(t.entries, Entry{Name: name, Range: rng, Src: src})
	logutil.Trace("planned tensor", "name", name, "range", rng)
	return rng, nil
}

// Entries gibt alle Zuweisungen in Aufruf-Reihenfolge zurueck
func (t *Table) Entries() []Entry {
	return t.entries
}

// Unique gibt nur die Eintraege zurueck, die eigenen Speicher belegen
func (t *Table) Unique() []Entry {
	var unique []Entry
	for _, e := range t.entries {
		if !e.Alias {
			unique = append(unique, e)
		}
	}
	return unique
}

// Size gibt die Groesse des gepackten Puffers zurueck
func (t *Table) Size() uint64 {
	return t.calc.Size()
}

// SizeCount ist ein Eintrag im Groessen-Histogramm
type SizeCount struct {
	Len   uint64
	Count int
}

// Histogram gibt die Anzahl eindeutiger Quellen pro Laenge aufsteigend zurueck
func (t *Table) Histogram() []SizeCount {
	hist := make([]SizeCount, 0, t.hist.Size())
	it := t.hist.Iterator()
	for it.Next() {
		hist = append(hist, SizeCount{Len: it.Key(), Count: it.Value()})
	}
	return hist
}

// StagingSizes waehlt die Groessen fuer eigene Staging-Puffer: ein Puffer je
// Laenge, die seltener als nblk mal vorkommt. shared ist die groesste haeufige
// Laenge, fuer die gemeinsam genutzte Puffer angelegt werden.
func (t *Table) StagingSizes(nblk int) (dedicated []uint64, shared uint64) {
	for _, sc := range t.Histogram() {
		if sc.Len == 0 {
			continue
		}
		if sc.Count < nblk {
			dedicated = append(dedicated, sc.Len)
		} else {
			shared = max(shared, sc.Len)
		}
	}

	slog.Debug("staging sizes", "dedicated", len(dedicated), "shared", format.HumanBytes2(shared))
	return dedicated, shared
}
