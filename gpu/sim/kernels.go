// kernels.go - Kernel-Registry, Module und Kernel-Starts
//
// Kernels des Software-Geraets sind Go-Funktionen, registriert unter dem
// Symbolnamen, den der Device-Quelltext exportiert. Ein geladenes Modul
// loest Einstiegsfunktionen ueber seine Symboltabelle auf; fuer Symbole ohne
// registrierte Implementierung laeuft ein leerer Kernel.
package sim

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"unsafe"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/Ceng23333/cuda-driver/gpu"
	"github.com/Ceng23333/cuda-driver/logutil"
	"github.com/Ceng23333/cuda-driver/ml"
)

// Kernel ist die Implementierung eines Device-Kernels
type Kernel struct {
	// Args sind die Groessen der Argumente in Bytes
	Args []int
	Run  func(l *Launch) error
}

var kernels = make(map[string]Kernel)

// RegisterKernel registriert k unter dem Symbolnamen name
func RegisterKernel(name string, k Kernel) {
	if _, ok := kernels[name]; ok {
		panic("sim: kernel already registered: " + name)
	}
	kernels[name] = k
}

// Launch ist ein laufender Kernel-Start
type Launch struct {
	Grid, Block gpu.Dim3
	Shared      uint32

	d    *Driver
	args [][]byte
}

// Threads gibt die Gesamtzahl Threads des Starts zurueck
func (l *Launch) Threads() uint64 {
	return l.Grid.Volume() * l.Block.Volume()
}

// Elems begrenzt n auf die Anzahl Threads, wie ein Kernel mit einem
// Element pro Thread und Bereichspruefung
func (l *Launch) Elems(n uint32) int {
	return int(min(uint64(n), l.Threads()))
}

func (l *Launch) Ptr(i int) gpu.DevicePtr {
	return gpu.DevicePtr(binary.LittleEndian.Uint64(l.args[i]))
}

func (l *Launch) U32(i int) uint32 {
	return binary.LittleEndian.Uint32(l.args[i])
}

func (l *Launch) F32(i int) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(l.args[i]))
}

// Read liest n Bytes Device-Speicher
func (l *Launch) Read(ptr gpu.DevicePtr, n uint64) ([]byte, error) {
	b := make([]byte, n)
	return b, l.d.read(ptr, b)
}

func (l *Launch) Write(ptr gpu.DevicePtr, b []byte) error {
	return l.d.write(ptr, b)
}

// Float32s liest n Elemente vom Typ dt und gibt sie als float32 zurueck
func (l *Launch) Float32s(ptr gpu.DevicePtr, dt ml.DType, n int) ([]float32, error) {
	b, err := l.Read(ptr, uint64(n)*dt.Size())
	if err != nil {
		return nil, err
	}
	return ml.Float32s(dt, b)
}

// PutFloat32s schreibt fs als Elemente vom Typ dt
func (l *Launch) PutFloat32s(ptr gpu.DevicePtr, dt ml.DType, fs []float32) error {
	b := make([]byte, uint64(len(fs))*dt.Size())
	if err := ml.PutFloat32s(dt, b, fs); err != nil {
		return err
	}
	return l.Write(ptr, b)
}

func init() {
	// fill_f32(float *out, float v, unsigned n)
	RegisterKernel("fill_f32", Kernel{Args: []int{8, 4, 4}, Run: func(l *Launch) error {
		fs := make([]float32, l.Elems(l.U32(2)))
		for i := range fs {
			fs[i] = l.F32(1)
		}
		return l.PutFloat32s(l.Ptr(0), ml.DTypeF32, fs)
	}})

	// scale_f32(float *y, const float *x, float a, unsigned n)
	RegisterKernel("scale_f32", Kernel{Args: []int{8, 8, 4, 4}, Run: func(l *Launch) error {
		xs, err := l.Float32s(l.Ptr(1), ml.DTypeF32, l.Elems(l.U32(3)))
		if err != nil {
			return err
		}
		for i := range xs {
			xs[i] *= l.F32(2)
		}
		return l.PutFloat32s(l.Ptr(0), ml.DTypeF32, xs)
	}})

	// add_f32(float *c, const float *a, const float *b, unsigned n)
	RegisterKernel("add_f32", Kernel{Args: []int{8, 8, 8, 4}, Run: func(l *Launch) error {
		n := l.Elems(l.U32(3))
		as, err := l.Float32s(l.Ptr(1), ml.DTypeF32, n)
		if err != nil {
			return err
		}
		bs, err := l.Float32s(l.Ptr(2), ml.DTypeF32, n)
		if err != nil {
			return err
		}
		for i := range as {
			as[i] += bs[i]
		}
		return l.PutFloat32s(l.Ptr(0), ml.DTypeF32, as)
	}})

	// cast_f16_f32(float *y, const half *x, unsigned n)
	RegisterKernel("cast_f16_f32", castKernel(ml.DTypeF16))
	// cast_bf16_f32(float *y, const nv_bfloat16 *x, unsigned n)
	RegisterKernel("cast_bf16_f32", castKernel(ml.DTypeBF16))

	// sgemm(float *c, const float *a, const float *b, unsigned m, unsigned n,
	// unsigned k, float alpha, float beta): C = alpha*A*B + beta*C, zeilenweise
	RegisterKernel("sgemm", Kernel{Args: []int{8, 8, 8, 4, 4, 4, 4, 4}, Run: sgemm})
}

func castKernel(src ml.DType) Kernel {
	return Kernel{Args: []int{8, 8, 4}, Run: func(l *Launch) error {
		xs, err := l.Float32s(l.Ptr(1), src, l.Elems(l.U32(2)))
		if err != nil {
			return err
		}
		return l.PutFloat32s(l.Ptr(0), ml.DTypeF32, xs)
	}}
}

func sgemm(l *Launch) error {
	m, n, k := int(l.U32(3)), int(l.U32(4)), int(l.U32(5))
	if m == 0 || n == 0 || k == 0 {
		return nil
	}

	a, err := l.Float32s(l.Ptr(1), ml.DTypeF32, m*k)
	if err != nil {
		return err
	}
	b, err := l.Float32s(l.Ptr(2), ml.DTypeF32, k*n)
	if err != nil {
		return err
	}
	c, err := l.Float32s(l.Ptr(0), ml.DTypeF32, m*n)
	if err != nil {
		return err
	}

	blas32.Gemm(blas.NoTrans, blas.NoTrans, l.F32(6),
		blas32.General{Rows: m, Cols: k, Stride: k, Data: a},
		blas32.General{Rows: k, Cols: n, Stride: n, Data: b},
		l.F32(7),
		blas32.General{Rows: m, Cols: n, Stride: n, Data: c})
	return l.PutFloat32s(l.Ptr(0), ml.DTypeF32, c)
}

type module struct {
	ctx     gpu.CtxHandle
	entries map[string]bool
	loaded  bool
}

type function struct {
	mod    *module
	name   string
	kernel *Kernel
}

// parseImage liest die Symboltabelle eines Images von Compile
func parseImage(image []byte) (map[string]bool, error) {
	entries := make(map[string]bool)
	var version, target bool

	sc := bufio.NewScanner(bytes.NewReader(image))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case strings.HasPrefix(line, ".version "):
			version = true
		case line == ".target sim":
			target = true
		case strings.HasPrefix(line, ".visible .entry "), strings.HasPrefix(line, ".visible .func "):
			fields := strings.Fields(line)
			name, _, _ := strings.Cut(fields[2], "(")
			entries[name] = fields[1] == ".entry"
		}
	}
	if sc.Err() != nil || !version || !target {
		return nil, gpu.CodeInvalidImage
	}
	return entries, nil
}

func (d *Driver) ModuleLoadData(ctx gpu.CtxHandle, image []byte) (gpu.ModuleHandle, error) {
	entries, err := parseImage(image)
	if err != nil {
		return 0, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := d.device(ctx); err != nil {
		return 0, err
	}
	h := gpu.ModuleHandle(d.handle())
	d.modules[h] = &module{ctx: ctx, entries: entries, loaded: true}
	return h, nil
}

func (d *Driver) ModuleUnload(ctx gpu.CtxHandle, h gpu.ModuleHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	m, ok := d.modules[h]
	if !ok || m.ctx != ctx {
		return gpu.CodeInvalidHandle
	}
	m.loaded = false
	delete(d.modules, h)
	return nil
}

func (d *Driver) ModuleGetFunction(h gpu.ModuleHandle, name string) (gpu.FuncHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	m, ok := d.modules[h]
	if !ok {
		return 0, gpu.CodeInvalidHandle
	}
	if entry, ok := m.entries[name]; !ok || !entry {
		return 0, gpu.CodeNotFound
	}

	f := &function{mod: m, name: name}
	if k, ok := kernels[name]; ok {
		f.kernel = &k
	}
	fh := gpu.FuncHandle(d.handle())
	d.funcs[fh] = f
	return fh, nil
}

// prepare prueft einen Start und kopiert die Argumente
func (d *Driver) prepare(fh gpu.FuncHandle, ctx gpu.CtxHandle, grid, block gpu.Dim3, shared uint32, params []unsafe.Pointer) (*function, [][]byte, error) {
	d.mu.Lock()
	f, ok := d.funcs[fh]
	d.mu.Unlock()

	switch {
	case !ok || !f.mod.loaded:
		return nil, nil, gpu.CodeInvalidHandle
	case f.mod.ctx != ctx:
		return nil, nil, gpu.CodeInvalidContext
	case grid.Volume() == 0 || block.Volume() == 0 || block.Volume() > maxThreadsPerBlock:
		return nil, nil, gpu.CodeInvalidValue
	case shared > maxSharedPerBlock:
		return nil, nil, gpu.CodeLaunchOutOfResources
	}

	if f.kernel == nil {
		return f, nil, nil
	}
	if len(params) != len(f.kernel.Args) {
		return nil, nil, gpu.CodeInvalidValue
	}
	args := make([][]byte, len(params))
	for i, size := range f.kernel.Args {
		args[i] = bytes.Clone(hostBytes(params[i], uint64(size)))
	}
	return f, args, nil
}

func (d *Driver) run(f *function, grid, block gpu.Dim3, shared uint32, args [][]byte) error {
	if f.kernel == nil {
		return nil
	}

	logutil.Trace("sim kernel", "name", f.name, "grid", grid, "block", block)
	if err := f.kernel.Run(&Launch{Grid: grid, Block: block, Shared: shared, d: d, args: args}); err != nil {
		if _, ok := err.(gpu.Code); ok {
			return err
		}
		return fmt.Errorf("kernel %s: %w", f.name, err)
	}
	return nil
}

func (d *Driver) LaunchKernel(fh gpu.FuncHandle, grid, block gpu.Dim3, shared uint32, sh gpu.StreamHandle, params []unsafe.Pointer) error {
	s, err := d.stream(sh)
	if err != nil {
		return err
	}
	f, args, err := d.prepare(fh, s.ctx, grid, block, shared, params)
	if err != nil {
		return err
	}
	return s.enqueue(op{run: func() error {
		return d.run(f, grid, block, shared, args)
	}})
}
