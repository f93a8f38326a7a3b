// Package cuda - Vendor-Treiber ueber purego
//
// Dieses Paket enthaelt:
// - api: Funktionszeiger in libcuda.so.1, zur Laufzeit mit purego gebunden
// - Driver: gpu.Driver, gpu.GraphDriver und gpu.Compiler (NVRTC) fuer echte Devices
// - commDriver: zusaetzlich gpu.Collectives, wenn libnccl.so.2 ladbar ist
//
// Es wird kein cgo gebraucht. Ausserhalb von Linux meldet der Treiber
// gpu.ErrNoDevice.
package cuda

import (
	"unsafe"
)

// result ist CUresult bzw. nvrtcResult bzw. ncclResult_t
type result int32

// api sind die gebundenen Funktionen aus libcuda
type api struct {
	cuInit             func(flags uint32) result
	cuDriverGetVersion func(version *int32) result

	cuDeviceGetCount func(count *int32) result
	cuDeviceGet      func(dev *int32, ordinal int32) result
	cuDeviceGetName  func(name *byte, n int32, dev int32) result
	cuDeviceTotalMem func(bytes *uint64, dev int32) result

	cuDevicePrimaryCtxRetain  func(ctx *uintptr, dev int32) result
	cuDevicePrimaryCtxRelease func(dev int32) result
	cuCtxPushCurrent          func(ctx uintptr) result
	cuCtxPopCurrent           func(ctx *uintptr) result
	cuCtxSynchronize          func() result

	cuMemAlloc           func(ptr *uint64, size uint64) result
	cuMemFree            func(ptr uint64) result
	cuMemAllocHost       func(p *unsafe.Pointer, size uint64) result
	cuMemFreeHost        func(p unsafe.Pointer) result
	cuMemGetAddressRange func(base *uint64, size *uint64, ptr uint64) result

	cuMemcpyHtoD      func(dst uint64, src unsafe.Pointer, n uint64) result
	cuMemcpyDtoH      func(dst unsafe.Pointer, src uint64, n uint64) result
	cuMemcpyDtoD      func(dst, src uint64, n uint64) result
	cuMemcpyHtoDAsync func(dst uint64, src unsafe.Pointer, n uint64, s uintptr) result
	cuMemcpyDtoHAsync func(dst unsafe.Pointer, src uint64, n uint64, s uintptr) result
	cuMemcpyDtoDAsync func(dst, src uint64, n uint64, s uintptr) result
	cuMemsetD8Async   func(dst uint64, v byte, n uint64, s uintptr) result
	cuMemcpy3DAsync   func(p *memcpy3D, s uintptr) result

	cuMemGetAllocationGranularity func(granularity *uint64, prop *allocationProp, option uint32) result
	cuMemCreate                   func(h *uint64, size uint64, prop *allocationProp, flags uint64) result
	cuMemRelease                  func(h uint64) result
	cuMemAddressReserve           func(ptr *uint64, size, align, addr uint64, flags uint64) result
	cuMemAddressFree              func(ptr, size uint64) result
	cuMemMap                      func(ptr, size, offset uint64, h uint64, flags uint64) result
	cuMemSetAccess                func(ptr, size uint64, desc *accessDesc, count uint64) result
	cuMemUnmap                    func(ptr, size uint64) result

	cuStreamCreate      func(s *uintptr, flags uint32) result
	cuStreamSynchronize func(s uintptr) result
	cuStreamWaitEvent   func(s uintptr, e uintptr, flags uint32) result
	cuStreamDestroy     func(s uintptr) result

	cuEventCreate      func(e *uintptr, flags uint32) result
	cuEventRecord      func(e uintptr, s uintptr) result
	cuEventQuery       func(e uintptr) result
	cuEventSynchronize func(e uintptr) result
	cuEventDestroy     func(e uintptr) result

	cuModuleLoadData    func(m *uintptr, image unsafe.Pointer) result
	cuModuleUnload      func(m uintptr) result
	cuModuleGetFunction func(f *uintptr, m uintptr, name string) result
	cuLaunchKernel      func(f uintptr, gx, gy, gz, bx, by, bz, shared uint32, s uintptr, params unsafe.Pointer, extra unsafe.Pointer) result

	cuGraphCreate               func(g *uintptr, flags uint32) result
	cuGraphDestroy              func(g uintptr) result
	cuGraphAddEmptyNode         func(node *uintptr, g uintptr, deps *uintptr, n uint64) result
	cuGraphAddMemcpyNode        func(node *uintptr, g uintptr, deps *uintptr, n uint64, p *memcpy3D, ctx uintptr) result
	cuGraphAddKernelNode        func(node *uintptr, g uintptr, deps *uintptr, n uint64, p *kernelNodeParams) result
	cuGraphMemcpyNodeGetParams  func(node uintptr, p *memcpy3D) result
	cuGraphInstantiateWithFlags func(exec *uintptr, g uintptr, flags uint64) result
	cuGraphLaunch               func(exec uintptr, s uintptr) result
	cuGraphExecDestroy          func(exec uintptr) result
}

// nvrtcAPI sind die gebundenen Funktionen aus libnvrtc
type nvrtcAPI struct {
	nvrtcVersion           func(major, minor *int32) result
	nvrtcCreateProgram     func(prog *uintptr, src, name string, numHeaders int32, headers, includeNames unsafe.Pointer) result
	nvrtcCompileProgram    func(prog uintptr, numOptions int32, options unsafe.Pointer) result
	nvrtcGetPTXSize        func(prog uintptr, size *uint64) result
	nvrtcGetPTX            func(prog uintptr, ptx *byte) result
	nvrtcGetProgramLogSize func(prog uintptr, size *uint64) result
	nvrtcGetProgramLog     func(prog uintptr, log *byte) result
	nvrtcDestroyProgram    func(prog *uintptr) result
	nvrtcGetErrorString    func(r result) string
}

// ncclAPI sind die gebundenen Funktionen aus libnccl
type ncclAPI struct {
	ncclCommInitAll    func(comms *uintptr, ndev int32, devs *int32) result
	ncclCommDestroy    func(comm uintptr) result
	ncclAllReduce      func(send, recv uint64, count uint64, dt int32, op int32, comm uintptr, s uintptr) result
	ncclBroadcast      func(send, recv uint64, count uint64, dt int32, root int32, comm uintptr, s uintptr) result
	ncclGetErrorString func(r result) string
}

// memcpy3D ist CUDA_MEMCPY3D
type memcpy3D struct {
	srcXInBytes, srcY, srcZ, srcLOD uint64
	srcMemoryType                   uint32
	_                               uint32
	srcHost                         unsafe.Pointer
	srcDevice                       uint64
	srcArray                        uintptr
	reserved0                       uintptr
	srcPitch, srcHeight             uint64

	dstXInBytes, dstY, dstZ, dstLOD uint64
	dstMemoryType                   uint32
	_                               uint32
	dstHost                         unsafe.Pointer
	dstDevice                       uint64
	dstArray                        uintptr
	reserved1                       uintptr
	dstPitch, dstHeight             uint64

	widthInBytes, height, depth uint64
}

// kernelNodeParams ist CUDA_KERNEL_NODE_PARAMS (v1)
type kernelNodeParams struct {
	fn                     uintptr
	gridX, gridY, gridZ    uint32
	blockX, blockY, blockZ uint32
	sharedMemBytes         uint32
	kernelParams           unsafe.Pointer
	extra                  unsafe.Pointer
}

// memLocation ist CUmemLocation
type memLocation struct {
	typ uint32
	id  int32
}

// allocationProp ist CUmemAllocationProp
type allocationProp struct {
	typ                  uint32
	requestedHandleTypes uint32
	location             memLocation
	win32HandleMetaData  uintptr
	compressionType      uint8
	gpuDirectRDMA        uint8
	usage                uint16
	_                    [4]uint8
}

// accessDesc ist CUmemAccessDesc
type accessDesc struct {
	location memLocation
	flags    uint32
}

const (
	memAllocationTypePinned    = 1
	memLocationTypeDevice      = 1
	memAccessFlagsReadWrite    = 3
	memAllocGranularityMinimum = 0
	streamNonBlocking          = 1
	eventDisableTiming         = 2
)

const resultNotReady result = 600
