// module.go - Geladene Device-Module, Kernel-Funktionen und Kernel-Argumente
//
// Dieses Modul enthaelt:
// - Module: Ein in den Context geladenes Image
// - KernelFn: Aufloesbare Einstiegsfunktion eines Moduls
// - LaunchConfig/Dim3: Grid, Block und Shared Memory eines Starts
// - KernelParams: Besitzt die Argumente und liefert stabile Zeiger darauf
package gpu

import (
	"fmt"
	"log/slog"
	"math"
	"unsafe"
)

// Module ist ein geladenes Device-Image
type Module struct {
	ctx    *Context
	handle ModuleHandle
	loaded bool
}

// LoadModule laedt ein Image (z.B. von jit.Compile) in den Context
func (cur *CurrentContext) LoadModule(image []byte) (*Module, error) {
	if len(image) == 0 {
		return nil, &DriverError{Op: "module load data", Code: CodeInvalidImage}
	}

	h, err := cur.drv.ModuleLoadData(cur.handle, image)
	if err != nil {
		return nil, wrap("module load data", err)
	}
	return &Module{ctx: cur.Context, handle: h, loaded: true}, nil
}

// Function loest die Einstiegsfunktion name auf
func (m *Module) Function(name string) (*KernelFn, error) {
	if !m.loaded {
		return nil, &DriverError{Op: "module get function " + name, Code: CodeInvalidHandle}
	}

	h, err := m.ctx.drv.ModuleGetFunction(m.handle, name)
	if err != nil {
		return nil, wrap("module get function "+name, err)
	}
	return &KernelFn{mod: m, handle: h, name: name}, nil
}

// Unload entlaedt das Modul; seine Funktionen werden ungueltig
func (m *Module) Unload() error {
	if !m.loaded {
		return nil
	}
	m.loaded = false
	return wrap("module unload", m.ctx.drv.ModuleUnload(m.ctx.handle, m.handle))
}

// KernelFn ist eine Einstiegsfunktion eines Moduls
type KernelFn struct {
	mod    *Module
	handle FuncHandle
	name   string
}

func (f *KernelFn) Name() string {
	return f.name
}

// valid meldet, ob f zu einem noch geladenen Modul gehoert
func (f *KernelFn) valid() bool {
	return f != nil && f.mod != nil && f.mod.loaded
}

// Launch startet die Funktion auf s
func (f *KernelFn) Launch(s *Stream, cfg LaunchConfig, params *KernelParams) error {
	return s.Launch(f, cfg, params)
}

// Dim3 ist eine dreidimensionale Ausdehnung
type Dim3 struct {
	X, Y, Z uint32
}

// D1 ist eine eindimensionale Ausdehnung
func D1(x uint32) Dim3 {
	return Dim3{x, 1, 1}
}

func (d Dim3) Volume() uint64 {
	return uint64(d.X) * uint64(d.Y) * uint64(d.Z)
}

func (d Dim3) String() string {
	return fmt.Sprintf("(%d, %d, %d)", d.X, d.Y, d.Z)
}

// LaunchConfig beschreibt einen Kernel-Start
type LaunchConfig struct {
	Grid   Dim3
	Block  Dim3
	Shared uint32
}

// Validate prueft, dass alle Dimensionen positiv sind. Treiber-Grenzen
// (z.B. Threads pro Block) meldet der Treiber beim Start.
func (c LaunchConfig) Validate() error {
	if c.Grid.Volume() == 0 || c.Block.Volume() == 0 {
		return fmt.Errorf("grid %v block %v: %w", c.Grid, c.Block, ErrInvalidLaunchConfig)
	}
	return nil
}

// KernelParams besitzt die Kernel-Argumente. Jedes Argument liegt in
// eigenen, 8-Byte ausgerichteten Worten; Ptrs zeigt hinein.
type KernelParams struct {
	words []uint64
	offs  []int
	sizes []int
}

// NewKernelParams erzeugt eine leere Argumentliste
func NewKernelParams() *KernelParams {
	return &KernelParams{}
}

func (p *KernelParams) push(size int) unsafe.Pointer {
	off := len(p.words)
	p.words = append(p.words, make([]uint64, max(size+7, 8)/8)...)
	p.offs = append(p.offs, off)
	p.sizes = append(p.sizes, size)
	return unsafe.Pointer(&p.words[off])
}

// Ptr haengt eine Device-Adresse an
func (p *KernelParams) Ptr(v DevicePtr) *KernelParams {
	*(*uint64)(p.push(8)) = uint64(v)
	return p
}

func (p *KernelParams) U32(v uint32) *KernelParams {
	*(*uint32)(p.push(4)) = v
	return p
}

func (p *KernelParams) I32(v int32) *KernelParams {
	*(*int32)(p.push(4)) = v
	return p
}

func (p *KernelParams) U64(v uint64) *KernelParams {
	*(*uint64)(p.push(8)) = v
	return p
}

func (p *KernelParams) F32(v float32) *KernelParams {
	*(*uint32)(p.push(4)) = math.Float32bits(v)
	return p
}

func (p *KernelParams) F64(v float64) *KernelParams {
	*(*uint64)(p.push(8)) = math.Float64bits(v)
	return p
}

// Bytes haengt ein Argument beliebiger Groesse an (z.B. eine Struktur)
func (p *KernelParams) Bytes(b []byte) *KernelParams {
	dst := p.push(len(b))
	copy(unsafe.Slice((*byte)(dst), len(b)), b)
	return p
}

// Len gibt die Anzahl Argumente zurueck
func (p *KernelParams) Len() int {
	if p == nil {
		return 0
	}
	return len(p.offs)
}

// Ptrs gibt je Argument einen Zeiger auf seinen Wert zurueck. Die Zeiger
// bleiben gueltig, bis weitere Argumente angehaengt werden.
func (p *KernelParams) Ptrs() []unsafe.Pointer {
	if p.Len() == 0 {
		return nil
	}

	ptrs := make([]unsafe.Pointer, len(p.offs))
	for i, off := range p.offs {
		ptrs[i] = unsafe.Pointer(&p.words[off])
	}
	return ptrs
}

// Clone kopiert die Argumente; Graph-Knoten halten so ihre eigene Kopie
func (p *KernelParams) Clone() *KernelParams {
	if p == nil {
		return &KernelParams{}
	}
	return &KernelParams{
		words: append([]uint64(nil), p.words...),
		offs:  append([]int(nil), p.offs...),
		sizes: append([]int(nil), p.sizes...),
	}
}

func (p *KernelParams) LogValue() slog.Value {
	return slog.IntValue(p.Len())
}
