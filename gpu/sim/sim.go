// Package sim - Software-Geraet fuer die gpu-Schicht
//
// Dieses Paket implementiert gpu.Driver vollstaendig im Prozess:
// - sim.go: Optionen, Registrierung, Devices und Contexts
// - memory.go: Adressraum, eager Speicher, virtueller Speicher, Host-Speicher
// - stream.go: Streams als Worker-Goroutinen, Events, asynchrone Kopien
// - kernels.go: Kernel-Registry (Go-Funktionen nach Symbolnamen), Module, Launch
// - compile.go: JIT-Compiler fuer Device-Quelltext
// - graph.go: Native Graphen
// - collectives.go: All-Reduce und Broadcast ueber simulierte Devices
//
// Fehler werden als gpu.Code zurueckgegeben, wie sie der Vendor-Treiber liefert.
// Fehler in asynchroner Arbeit bleiben am Stream haengen und werden beim
// naechsten Synchronize gemeldet.
package sim

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/emirpasic/gods/v2/maps/treemap"

	"github.com/Ceng23333/cuda-driver/envconfig"
	"github.com/Ceng23333/cuda-driver/format"
	"github.com/Ceng23333/cuda-driver/gpu"
)

func init() {
	gpu.RegisterDriver("sim", func() (gpu.Driver, error) {
		return New(OptionsFromEnv()), nil
	})
}

// Options beschreibt die simulierten Devices
type Options struct {
	// Devices ist die Anzahl Devices; 0 simuliert einen Rechner ohne GPU
	Devices int
	// Memory ist der Speicher pro Device
	Memory uint64
	// Granularity ist die Granularitaet fuer virtuellen Speicher
	Granularity uint64
	// Version ist die Treiberversion, z.B. "12.4"
	Version string
	// CompilerVersion ist die Version des JIT-Compilers; leer heisst Version
	CompilerVersion string
}

// OptionsFromEnv liest die Optionen aus GPUGRAPH_SIM_*
func OptionsFromEnv() Options {
	return Options{
		Devices:     int(envconfig.SimDevices()),
		Memory:      envconfig.SimMemory(),
		Granularity: envconfig.SimGranularity(),
	}
}

const (
	defaultMemory      = 1 << 30
	defaultGranularity = 64 << 10
	defaultVersion     = "12.4"

	maxThreadsPerBlock = 1024
	maxSharedPerBlock  = 48 << 10

	// vaStart ist die erste vergebene Device-Adresse
	vaStart = 0x7f00_0000_0000
)

// Driver ist ein simulierter Treiber. Alle Methoden sind nebenlaeufig nutzbar.
type Driver struct {
	opts Options

	mu      sync.Mutex
	next    uint64
	regions *treemap.Map[uint64, *region]
	used    []uint64
	phys    map[gpu.PhysHandle]*physBlock
	host    map[uintptr][]byte
	refs    []int
	stacks  map[int][]gpu.CtxHandle
	handles uintptr

	streams map[gpu.StreamHandle]*stream
	events  map[gpu.EventHandle]*event
	modules map[gpu.ModuleHandle]*module
	funcs   map[gpu.FuncHandle]*function
	execs   map[gpu.GraphExecHandle]*graphExec
	comms   map[gpu.CommHandle]*commRank
}

var _ interface {
	gpu.Driver
	gpu.Compiler
	gpu.GraphDriver
	gpu.Collectives
} = (*Driver)(nil)

// New erzeugt einen Treiber; nicht gesetzte Optionen bekommen Standardwerte
func New(opts Options) *Driver {
	if opts.Memory == 0 {
		opts.Memory = defaultMemory
	}
	if opts.Granularity == 0 {
		opts.Granularity = defaultGranularity
	}
	if opts.Version == "" {
		opts.Version = defaultVersion
	}
	if opts.CompilerVersion == "" {
		opts.CompilerVersion = opts.Version
	}

	return &Driver{
		opts:    opts,
		next:    vaStart,
		regions: treemap.New[uint64, *region](),
		used:    make([]uint64, opts.Devices),
		phys:    make(map[gpu.PhysHandle]*physBlock),
		host:    make(map[uintptr][]byte),
		refs:    make([]int, opts.Devices),
		stacks:  make(map[int][]gpu.CtxHandle),
		streams: make(map[gpu.StreamHandle]*stream),
		events:  make(map[gpu.EventHandle]*event),
		modules: make(map[gpu.ModuleHandle]*module),
		funcs:   make(map[gpu.FuncHandle]*function),
		execs:   make(map[gpu.GraphExecHandle]*graphExec),
		comms:   make(map[gpu.CommHandle]*commRank),
	}
}

func (d *Driver) Name() string {
	return "sim"
}

func (d *Driver) Init() error {
	slog.Debug("sim driver", "devices", d.opts.Devices, "memory", format.HumanBytes2(d.opts.Memory), "granularity", format.HumanBytes2(d.opts.Granularity))
	return nil
}

func (d *Driver) DriverVersion() (string, error) {
	return d.opts.Version, nil
}

func (d *Driver) DeviceCount() (int, error) {
	return d.opts.Devices, nil
}

func (d *Driver) checkOrdinal(ordinal int) error {
	if ordinal < 0 || ordinal >= d.opts.Devices {
		return gpu.CodeInvalidDevice
	}
	return nil
}

func (d *Driver) DeviceName(ordinal int) (string, error) {
	if err := d.checkOrdinal(ordinal); err != nil {
		return "", err
	}
	return fmt.Sprintf("Simulated Device %d", ordinal), nil
}

func (d *Driver) DeviceTotalMem(ordinal int) (uint64, error) {
	if err := d.checkOrdinal(ordinal); err != nil {
		return 0, err
	}
	return d.opts.Memory, nil
}

// Used gibt den belegten Speicher eines Devices zurueck
func (d *Driver) Used(ordinal int) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.used[ordinal]
}

// handle vergibt den naechsten Handle-Wert; Aufrufer haelt d.mu
func (d *Driver) handle() uintptr {
	d.handles++
	return d.handles
}

// Der Context-Handle eines Devices ist ordinal+1, damit 0 ungueltig bleibt
func (d *Driver) PrimaryCtxRetain(ordinal int) (gpu.CtxHandle, error) {
	if err := d.checkOrdinal(ordinal); err != nil {
		return 0, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.refs[ordinal]++
	return gpu.CtxHandle(ordinal + 1), nil
}

func (d *Driver) PrimaryCtxRelease(ordinal int) error {
	if err := d.checkOrdinal(ordinal); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.refs[ordinal] == 0 {
		return gpu.CodeInvalidContext
	}
	d.refs[ordinal]--
	return nil
}

// device gibt das Device eines Contexts zurueck; Aufrufer haelt d.mu
func (d *Driver) device(ctx gpu.CtxHandle) (int, error) {
	ordinal := int(ctx) - 1
	if ordinal < 0 || ordinal >= d.opts.Devices || d.refs[ordinal] == 0 {
		return 0, gpu.CodeInvalidContext
	}
	return ordinal, nil
}

func (d *Driver) CtxPush(ctx gpu.CtxHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := d.device(ctx); err != nil {
		return err
	}
	tid := gettid()
	d.stacks[tid] = append(d.stacks[tid], ctx)
	return nil
}

func (d *Driver) CtxPop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	tid := gettid()
	stack := d.stacks[tid]
	if len(stack) == 0 {
		return gpu.CodeInvalidContext
	}
	if len(stack) == 1 {
		delete(d.stacks, tid)
	} else {
		d.stacks[tid] = stack[:len(stack)-1]
	}
	return nil
}

// Current gibt den aktuellen Context des aufrufenden Threads zurueck
func (d *Driver) Current() (gpu.CtxHandle, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	stack := d.stacks[gettid()]
	if len(stack) == 0 {
		return 0, false
	}
	return stack[len(stack)-1], true
}
