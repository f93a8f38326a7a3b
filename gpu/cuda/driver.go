package cuda

import (
	"bytes"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"unsafe"

	"github.com/pkg/errors"

	"github.com/Ceng23333/cuda-driver/gpu"
)

func init() {
	gpu.RegisterDriver("cuda", func() (gpu.Driver, error) {
		return Open()
	})
}

// Driver bindet libcuda. Alle Aufrufe mit Context erwarten, dass dieser
// Context auf dem aufrufenden Thread aktuell ist (gpu.Context.Apply).
type Driver struct {
	api   *api
	nvrtc *nvrtcAPI

	mu      sync.Mutex
	devices map[int]int32
}

// commDriver ist ein Driver mit NCCL
type commDriver struct {
	*Driver
	nccl *ncclAPI
}

// Open laedt libcuda und optional libnvrtc und libnccl
func Open() (gpu.Driver, error) {
	a, err := loadCUDA()
	if err != nil {
		var de *gpu.DriverError
		if errors.As(err, &de) {
			return nil, err
		}
		return nil, errors.WithMessage(&gpu.DriverError{Op: "load libcuda", Code: gpu.CodeNoDevice}, err.Error())
	}

	d := &Driver{api: a, devices: make(map[int]int32)}
	if d.nvrtc, err = loadNVRTC(); err != nil {
		slog.Warn("jit compiler not available", "error", err)
	}

	nccl, err := loadNCCL()
	if err != nil {
		slog.Debug("collectives not available", "error", err)
		return d, nil
	}
	return &commDriver{Driver: d, nccl: nccl}, nil
}

// check macht aus einem Ergebniscode einen *gpu.DriverError mit Stacktrace
func check(op string, r result) error {
	if r == 0 {
		return nil
	}
	return errors.WithStack(&gpu.DriverError{Op: op, Code: gpu.Code(r)})
}

func (d *Driver) Name() string {
	return "cuda"
}

func (d *Driver) Init() error {
	return check("cuInit", d.api.cuInit(0))
}

func (d *Driver) DriverVersion() (string, error) {
	var v int32
	if err := check("cuDriverGetVersion", d.api.cuDriverGetVersion(&v)); err != nil {
		return "", err
	}
	return fmt.Sprintf("%d.%d.0", v/1000, (v%1000)/10), nil
}

func (d *Driver) DeviceCount() (int, error) {
	var n int32
	if err := check("cuDeviceGetCount", d.api.cuDeviceGetCount(&n)); err != nil {
		return 0, err
	}
	return int(n), nil
}

// device gibt das CUdevice fuer ordinal zurueck
func (d *Driver) device(ordinal int) (int32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if dev, ok := d.devices[ordinal]; ok {
		return dev, nil
	}
	var dev int32
	if err := check("cuDeviceGet", d.api.cuDeviceGet(&dev, int32(ordinal))); err != nil {
		return 0, err
	}
	d.devices[ordinal] = dev
	return dev, nil
}

func (d *Driver) DeviceName(ordinal int) (string, error) {
	dev, err := d.device(ordinal)
	if err != nil {
		return "", err
	}
	buf := make([]byte, 256)
	if err := check("cuDeviceGetName", d.api.cuDeviceGetName(&buf[0], int32(len(buf)), dev)); err != nil {
		return "", err
	}
	if i := bytes.IndexByte(buf, 0); i >= 0 {
		buf = buf[:i]
	}
	return string(buf), nil
}

func (d *Driver) DeviceTotalMem(ordinal int) (uint64, error) {
	dev, err := d.device(ordinal)
	if err != nil {
		return 0, err
	}
	var n uint64
	return n, check("cuDeviceTotalMem", d.api.cuDeviceTotalMem(&n, dev))
}

func (d *Driver) PrimaryCtxRetain(ordinal int) (gpu.CtxHandle, error) {
	dev, err := d.device(ordinal)
	if err != nil {
		return 0, err
	}
	var ctx uintptr
	return gpu.CtxHandle(ctx), check("cuDevicePrimaryCtxRetain", d.api.cuDevicePrimaryCtxRetain(&ctx, dev))
}

func (d *Driver) PrimaryCtxRelease(ordinal int) error {
	dev, err := d.device(ordinal)
	if err != nil {
		return err
	}
	return check("cuDevicePrimaryCtxRelease", d.api.cuDevicePrimaryCtxRelease(dev))
}

func (d *Driver) CtxPush(ctx gpu.CtxHandle) error {
	return check("cuCtxPushCurrent", d.api.cuCtxPushCurrent(uintptr(ctx)))
}

func (d *Driver) CtxPop() error {
	var ctx uintptr
	return check("cuCtxPopCurrent", d.api.cuCtxPopCurrent(&ctx))
}

func (d *Driver) CtxSynchronize(gpu.CtxHandle) error {
	return check("cuCtxSynchronize", d.api.cuCtxSynchronize())
}

func (d *Driver) MemAlloc(_ gpu.CtxHandle, size uint64) (gpu.DevicePtr, error) {
	var ptr uint64
	return gpu.DevicePtr(ptr), check("cuMemAlloc", d.api.cuMemAlloc(&ptr, size))
}

func (d *Driver) MemFree(_ gpu.CtxHandle, ptr gpu.DevicePtr) error {
	return check("cuMemFree", d.api.cuMemFree(uint64(ptr)))
}

func (d *Driver) MemAllocHost(_ gpu.CtxHandle, size uint64) (unsafe.Pointer, error) {
	var p unsafe.Pointer
	return p, check("cuMemAllocHost", d.api.cuMemAllocHost(&p, size))
}

func (d *Driver) MemFreeHost(_ gpu.CtxHandle, p unsafe.Pointer) error {
	return check("cuMemFreeHost", d.api.cuMemFreeHost(p))
}

func (d *Driver) MemGetAddressRange(_ gpu.CtxHandle, ptr gpu.DevicePtr) (gpu.DevicePtr, uint64, error) {
	var base, size uint64
	err := check("cuMemGetAddressRange", d.api.cuMemGetAddressRange(&base, &size, uint64(ptr)))
	return gpu.DevicePtr(base), size, err
}

// Host-Zeiger werden fuer die Dauer des Aufrufs festgehalten
func (d *Driver) MemcpyHtoD(_ gpu.CtxHandle, dst gpu.DevicePtr, src unsafe.Pointer, n uint64) error {
	defer pin(src)()
	return check("cuMemcpyHtoD", d.api.cuMemcpyHtoD(uint64(dst), src, n))
}

func (d *Driver) MemcpyDtoH(_ gpu.CtxHandle, dst unsafe.Pointer, src gpu.DevicePtr, n uint64) error {
	defer pin(dst)()
	return check("cuMemcpyDtoH", d.api.cuMemcpyDtoH(dst, uint64(src), n))
}

func (d *Driver) MemcpyDtoD(_ gpu.CtxHandle, dst, src gpu.DevicePtr, n uint64) error {
	return check("cuMemcpyDtoD", d.api.cuMemcpyDtoD(uint64(dst), uint64(src), n))
}

func (d *Driver) MemcpyHtoDAsync(dst gpu.DevicePtr, src unsafe.Pointer, n uint64, s gpu.StreamHandle) error {
	defer pin(src)()
	return check("cuMemcpyHtoDAsync", d.api.cuMemcpyHtoDAsync(uint64(dst), src, n, uintptr(s)))
}

func (d *Driver) MemcpyDtoHAsync(dst unsafe.Pointer, src gpu.DevicePtr, n uint64, s gpu.StreamHandle) error {
	defer pin(dst)()
	return check("cuMemcpyDtoHAsync", d.api.cuMemcpyDtoHAsync(dst, uint64(src), n, uintptr(s)))
}

func (d *Driver) MemcpyDtoDAsync(dst, src gpu.DevicePtr, n uint64, s gpu.StreamHandle) error {
	return check("cuMemcpyDtoDAsync", d.api.cuMemcpyDtoDAsync(uint64(dst), uint64(src), n, uintptr(s)))
}

func (d *Driver) MemsetD8Async(dst gpu.DevicePtr, v byte, n uint64, s gpu.StreamHandle) error {
	return check("cuMemsetD8Async", d.api.cuMemsetD8Async(uint64(dst), v, n, uintptr(s)))
}

// toMemcpy3D uebersetzt p und haelt Struktur und Host-Zeiger in pinner fest
func toMemcpy3D(p *gpu.Memcpy3D, pinner *runtime.Pinner) *memcpy3D {
	c := &memcpy3D{}
	c.srcXInBytes, c.srcY, c.srcZ, c.srcLOD = p.SrcXInBytes, p.SrcY, p.SrcZ, p.SrcLOD
	c.srcMemoryType, c.srcHost, c.srcDevice, c.srcArray = uint32(p.SrcMemoryType), p.SrcHost, uint64(p.SrcDevice), p.SrcArray
	c.srcPitch, c.srcHeight = p.SrcPitch, p.SrcHeight
	c.dstXInBytes, c.dstY, c.dstZ, c.dstLOD = p.DstXInBytes, p.DstY, p.DstZ, p.DstLOD
	c.dstMemoryType, c.dstHost, c.dstDevice, c.dstArray = uint32(p.DstMemoryType), p.DstHost, uint64(p.DstDevice), p.DstArray
	c.dstPitch, c.dstHeight = p.DstPitch, p.DstHeight
	c.widthInBytes, c.height, c.depth = p.WidthInBytes, p.Height, p.Depth

	for _, h := range []unsafe.Pointer{c.srcHost, c.dstHost} {
		if h != nil {
			pinner.Pin(h)
		}
	}
	pinner.Pin(c)
	return c
}

func (d *Driver) Memcpy3DAsync(p *gpu.Memcpy3D, s gpu.StreamHandle) error {
	var pinner runtime.Pinner
	defer pinner.Unpin()
	return check("cuMemcpy3DAsync", d.api.cuMemcpy3DAsync(toMemcpy3D(p, &pinner), uintptr(s)))
}

func (d *Driver) allocationProp(ordinal int) (*allocationProp, error) {
	dev, err := d.device(ordinal)
	if err != nil {
		return nil, err
	}
	return &allocationProp{
		typ:      memAllocationTypePinned,
		location: memLocation{typ: memLocationTypeDevice, id: dev},
	}, nil
}

func (d *Driver) MemGetAllocationGranularity(_ gpu.CtxHandle, ordinal int) (uint64, error) {
	prop, err := d.allocationProp(ordinal)
	if err != nil {
		return 0, err
	}
	var n uint64
	return n, check("cuMemGetAllocationGranularity", d.api.cuMemGetAllocationGranularity(&n, prop, memAllocGranularityMinimum))
}

func (d *Driver) MemCreate(_ gpu.CtxHandle, ordinal int, size uint64) (gpu.PhysHandle, error) {
	prop, err := d.allocationProp(ordinal)
	if err != nil {
		return 0, err
	}
	var h uint64
	return gpu.PhysHandle(h), check("cuMemCreate", d.api.cuMemCreate(&h, size, prop, 0))
}

func (d *Driver) MemRelease(_ gpu.CtxHandle, h gpu.PhysHandle) error {
	return check("cuMemRelease", d.api.cuMemRelease(uint64(h)))
}

func (d *Driver) MemAddressReserve(_ gpu.CtxHandle, size, align uint64) (gpu.DevicePtr, error) {
	var ptr uint64
	return gpu.DevicePtr(ptr), check("cuMemAddressReserve", d.api.cuMemAddressReserve(&ptr, size, align, 0, 0))
}

func (d *Driver) MemAddressFree(_ gpu.CtxHandle, ptr gpu.DevicePtr, size uint64) error {
	return check("cuMemAddressFree", d.api.cuMemAddressFree(uint64(ptr), size))
}

func (d *Driver) MemMap(_ gpu.CtxHandle, ptr gpu.DevicePtr, size uint64, h gpu.PhysHandle) error {
	return check("cuMemMap", d.api.cuMemMap(uint64(ptr), size, 0, uint64(h), 0))
}

func (d *Driver) MemSetAccess(_ gpu.CtxHandle, ordinal int, ptr gpu.DevicePtr, size uint64) error {
	dev, err := d.device(ordinal)
	if err != nil {
		return err
	}
	desc := &accessDesc{location: memLocation{typ: memLocationTypeDevice, id: dev}, flags: memAccessFlagsReadWrite}
	return check("cuMemSetAccess", d.api.cuMemSetAccess(uint64(ptr), size, desc, 1))
}

func (d *Driver) MemUnmap(_ gpu.CtxHandle, ptr gpu.DevicePtr, size uint64) error {
	return check("cuMemUnmap", d.api.cuMemUnmap(uint64(ptr), size))
}

func (d *Driver) StreamCreate(gpu.CtxHandle) (gpu.StreamHandle, error) {
	var s uintptr
	return gpu.StreamHandle(s), check("cuStreamCreate", d.api.cuStreamCreate(&s, streamNonBlocking))
}

func (d *Driver) StreamSynchronize(s gpu.StreamHandle) error {
	return check("cuStreamSynchronize", d.api.cuStreamSynchronize(uintptr(s)))
}

func (d *Driver) StreamWaitEvent(s gpu.StreamHandle, e gpu.EventHandle) error {
	return check("cuStreamWaitEvent", d.api.cuStreamWaitEvent(uintptr(s), uintptr(e), 0))
}

func (d *Driver) StreamDestroy(s gpu.StreamHandle) error {
	return check("cuStreamDestroy", d.api.cuStreamDestroy(uintptr(s)))
}

func (d *Driver) EventCreate(gpu.CtxHandle) (gpu.EventHandle, error) {
	var e uintptr
	return gpu.EventHandle(e), check("cuEventCreate", d.api.cuEventCreate(&e, eventDisableTiming))
}

func (d *Driver) EventRecord(e gpu.EventHandle, s gpu.StreamHandle) error {
	return check("cuEventRecord", d.api.cuEventRecord(uintptr(e), uintptr(s)))
}

func (d *Driver) EventQuery(e gpu.EventHandle) (bool, error) {
	switch r := d.api.cuEventQuery(uintptr(e)); r {
	case 0:
		return true, nil
	case resultNotReady:
		return false, nil
	default:
		return false, check("cuEventQuery", r)
	}
}

func (d *Driver) EventSynchronize(e gpu.EventHandle) error {
	return check("cuEventSynchronize", d.api.cuEventSynchronize(uintptr(e)))
}

func (d *Driver) EventDestroy(e gpu.EventHandle) error {
	return check("cuEventDestroy", d.api.cuEventDestroy(uintptr(e)))
}

func (d *Driver) ModuleLoadData(_ gpu.CtxHandle, image []byte) (gpu.ModuleHandle, error) {
	if len(image) == 0 || image[len(image)-1] != 0 {
		image = append(image[:len(image):len(image)], 0)
	}

	var pinner runtime.Pinner
	defer pinner.Unpin()
	pinner.Pin(&image[0])

	var m uintptr
	return gpu.ModuleHandle(m), check("cuModuleLoadData", d.api.cuModuleLoadData(&m, unsafe.Pointer(&image[0])))
}

func (d *Driver) ModuleUnload(_ gpu.CtxHandle, m gpu.ModuleHandle) error {
	return check("cuModuleUnload", d.api.cuModuleUnload(uintptr(m)))
}

func (d *Driver) ModuleGetFunction(m gpu.ModuleHandle, name string) (gpu.FuncHandle, error) {
	var f uintptr
	return gpu.FuncHandle(f), check("cuModuleGetFunction", d.api.cuModuleGetFunction(&f, uintptr(m), name))
}

// LaunchKernel uebergibt params als void**; der Treiber kopiert die Werte
// vor der Rueckkehr, danach duerfen sie wieder bewegt werden
func (d *Driver) LaunchKernel(f gpu.FuncHandle, grid, block gpu.Dim3, shared uint32, s gpu.StreamHandle, params []unsafe.Pointer) error {
	var pinner runtime.Pinner
	defer pinner.Unpin()

	var args unsafe.Pointer
	if len(params) > 0 {
		for _, p := range params {
			pinner.Pin(p)
		}
		pinner.Pin(&params[0])
		args = unsafe.Pointer(&params[0])
	}
	return check("cuLaunchKernel", d.api.cuLaunchKernel(uintptr(f),
		grid.X, grid.Y, grid.Z, block.X, block.Y, block.Z, shared,
		uintptr(s), args, nil))
}

// pin haelt p fest und gibt die Freigabe zurueck
func pin(p unsafe.Pointer) func() {
	var pinner runtime.Pinner
	if p != nil {
		pinner.Pin(p)
	}
	return pinner.Unpin
}
