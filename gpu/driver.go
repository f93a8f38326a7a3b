// driver.go - Treiber-Interface und Registrierung
//
// Dieses Modul enthaelt:
// - Driver: Faehigkeiten, die der Kern vom Vendor-Treiber braucht
// - Compiler, GraphDriver, Collectives: optionale Faehigkeiten
// - RegisterDriver/Init: Registry nach Namen, Init genau einmal pro Prozess
//
// Alle Aufrufe, die im Vendor-Treiber vom aktuellen Context abhaengen,
// bekommen den Context hier explizit. Treiber ohne Thread-Bindung
// (z.B. der Software-Treiber in gpu/sim) brauchen so keinen Thread-Zustand.
package gpu

import (
	"fmt"
	"log/slog"
	"sync"
	"unsafe"

	"github.com/Ceng23333/cuda-driver/envconfig"
	"github.com/Ceng23333/cuda-driver/ml"
)

// Handles des Treibers. Die Werte sind nur fuer den Treiber bedeutsam.
type (
	CtxHandle       uintptr
	StreamHandle    uintptr
	EventHandle     uintptr
	ModuleHandle    uintptr
	FuncHandle      uintptr
	PhysHandle      uint64
	GraphExecHandle uintptr
	CommHandle      uintptr
)

// DevicePtr ist eine Adresse im Device-Adressraum
type DevicePtr uint64

// Driver ist die Schnittstelle zum Vendor-Treiber
type Driver interface {
	Name() string
	Init() error
	DriverVersion() (string, error)

	DeviceCount() (int, error)
	DeviceName(ordinal int) (string, error)
	DeviceTotalMem(ordinal int) (uint64, error)

	PrimaryCtxRetain(ordinal int) (CtxHandle, error)
	PrimaryCtxRelease(ordinal int) error
	CtxPush(ctx CtxHandle) error
	CtxPop() error
	CtxSynchronize(ctx CtxHandle) error

	MemAlloc(ctx CtxHandle, size uint64) (DevicePtr, error)
	MemFree(ctx CtxHandle, ptr DevicePtr) error
	MemAllocHost(ctx CtxHandle, size uint64) (unsafe.Pointer, error)
	MemFreeHost(ctx CtxHandle, p unsafe.Pointer) error
	MemGetAddressRange(ctx CtxHandle, ptr DevicePtr) (DevicePtr, uint64, error)

	MemcpyHtoD(ctx CtxHandle, dst DevicePtr, src unsafe.Pointer, n uint64) error
	MemcpyDtoH(ctx CtxHandle, dst unsafe.Pointer, src DevicePtr, n uint64) error
	MemcpyDtoD(ctx CtxHandle, dst, src DevicePtr, n uint64) error
	MemcpyHtoDAsync(dst DevicePtr, src unsafe.Pointer, n uint64, s StreamHandle) error
	MemcpyDtoHAsync(dst unsafe.Pointer, src DevicePtr, n uint64, s StreamHandle) error
	MemcpyDtoDAsync(dst, src DevicePtr, n uint64, s StreamHandle) error
	MemsetD8Async(dst DevicePtr, v byte, n uint64, s StreamHandle) error
	Memcpy3DAsync(p *Memcpy3D, s StreamHandle) error

	MemGetAllocationGranularity(ctx CtxHandle, ordinal int) (uint64, error)
	MemCreate(ctx CtxHandle, ordinal int, size uint64) (PhysHandle, error)
	MemRelease(ctx CtxHandle, h PhysHandle) error
	MemAddressReserve(ctx CtxHandle, size, align uint64) (DevicePtr, error)
	MemAddressFree(ctx CtxHandle, ptr DevicePtr, size uint64) error
	MemMap(ctx CtxHandle, ptr DevicePtr, size uint64, h PhysHandle) error
	MemSetAccess(ctx CtxHandle, ordinal int, ptr DevicePtr, size uint64) error
	MemUnmap(ctx CtxHandle, ptr DevicePtr, size uint64) error

	StreamCreate(ctx CtxHandle) (StreamHandle, error)
	StreamSynchronize(s StreamHandle) error
	StreamWaitEvent(s StreamHandle, e EventHandle) error
	StreamDestroy(s StreamHandle) error

	EventCreate(ctx CtxHandle) (EventHandle, error)
	EventRecord(e EventHandle, s StreamHandle) error
	// EventQuery meldet true, wenn die zuletzt aufgezeichnete Arbeit fertig ist
	EventQuery(e EventHandle) (bool, error)
	EventSynchronize(e EventHandle) error
	EventDestroy(e EventHandle) error

	ModuleLoadData(ctx CtxHandle, image []byte) (ModuleHandle, error)
	ModuleUnload(ctx CtxHandle, m ModuleHandle) error
	ModuleGetFunction(m ModuleHandle, name string) (FuncHandle, error)
	// LaunchKernel kopiert die Argumente, auf die params zeigt, vor der Rueckkehr
	LaunchKernel(f FuncHandle, grid, block Dim3, shared uint32, s StreamHandle, params []unsafe.Pointer) error
}

// Compiler uebersetzt Device-Quelltext in ein ladbares Image
type Compiler interface {
	CompilerVersion() (string, error)
	// Compile gibt das Image und das Compiler-Log zurueck; das Log ist
	// auch im Fehlerfall gesetzt.
	Compile(src, name string, flags []string) ([]byte, string, error)
}

// GraphDriver instanziiert Graphen nativ im Treiber
type GraphDriver interface {
	GraphInstantiate(ctx CtxHandle, nodes []NodeDesc) (GraphExecHandle, error)
	GraphLaunch(exec GraphExecHandle, s StreamHandle) error
	GraphExecDestroy(exec GraphExecHandle) error
}

// NodeDesc ist ein Graph-Knoten in der Form, die ein GraphDriver bekommt.
// Deps sind Indizes in dieselbe Liste, die Liste ist topologisch sortiert.
type NodeDesc struct {
	Kind   NodeKind
	Deps   []int
	Memcpy *Memcpy3D
	Kernel *KernelDesc
}

// KernelDesc beschreibt einen Kernel-Knoten
type KernelDesc struct {
	Func   FuncHandle
	Grid   Dim3
	Block  Dim3
	Shared uint32
	Params []unsafe.Pointer
}

// ReduceOp ist die Reduktion eines All-Reduce
type ReduceOp int

const (
	ReduceSum ReduceOp = iota
	ReduceProd
	ReduceMin
	ReduceMax
)

func (op ReduceOp) String() string {
	switch op {
	case ReduceSum:
		return "sum"
	case ReduceProd:
		return "prod"
	case ReduceMin:
		return "min"
	case ReduceMax:
		return "max"
	default:
		return fmt.Sprintf("ReduceOp(%d)", int(op))
	}
}

// Collectives sind Kollektiv-Operationen ueber mehrere Devices
type Collectives interface {
	CommInitAll(ordinals []int) ([]CommHandle, error)
	CommDestroy(c CommHandle) error
	AllReduce(c CommHandle, send, recv DevicePtr, count uint64, dt ml.DType, op ReduceOp, s StreamHandle) error
	Broadcast(c CommHandle, send, recv DevicePtr, count uint64, dt ml.DType, root int, s StreamHandle) error
}

var drivers = make(map[string]func() (Driver, error))

// RegisterDriver registriert einen Treiber unter name
func RegisterDriver(name string, f func() (Driver, error)) {
	if _, ok := drivers[name]; ok {
		panic("gpu: driver already registered: " + name)
	}

	drivers[name] = f
}

// Drivers gibt die Namen aller registrierten Treiber zurueck
func Drivers() []string {
	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	return names
}

// OpenDriver erzeugt und initialisiert den Treiber name
func OpenDriver(name string) (Driver, error) {
	f, ok := drivers[name]
	if !ok {
		return nil, fmt.Errorf("unsupported driver %q", name)
	}

	drv, err := f()
	if err != nil {
		return nil, err
	}

	if err := drv.Init(); err != nil {
		return nil, wrap("init", err)
	}

	n, err := drv.DeviceCount()
	if err != nil {
		return nil, wrap("device count", err)
	}
	if n == 0 {
		return nil, &DriverError{Op: "init", Code: CodeNoDevice}
	}

	slog.Info("gpu driver initialized", "driver", drv.Name(), "devices", n)
	return drv, nil
}

var defaultDriver = sync.OnceValues(func() (Driver, error) {
	return OpenDriver(envconfig.Driver())
})

// Init initialisiert den Treiber aus GPUGRAPH_DRIVER. Wiederholte Aufrufe
// geben dasselbe Ergebnis zurueck.
func Init() (Driver, error) {
	return defaultDriver()
}
