//go:build linux

package cuda

import (
	"log/slog"

	"github.com/ebitengine/purego"
	"github.com/pkg/errors"
)

// dlopen probiert die Namen der Reihe nach
func dlopen(names ...string) (uintptr, error) {
	var err error
	for _, name := range names {
		var lib uintptr
		if lib, err = purego.Dlopen(name, purego.RTLD_NOW|purego.RTLD_GLOBAL); err == nil {
			slog.Debug("loaded library", "name", name)
			return lib, nil
		}
	}
	return 0, errors.Wrapf(err, "cannot load %s", names[0])
}

func loadCUDA() (*api, error) {
	lib, err := dlopen("libcuda.so.1", "libcuda.so")
	if err != nil {
		return nil, err
	}

	a := &api{}
	for _, fn := range []struct {
		ptr  any
		name string
	}{
		{&a.cuInit, "cuInit"},
		{&a.cuDriverGetVersion, "cuDriverGetVersion"},
		{&a.cuDeviceGetCount, "cuDeviceGetCount"},
		{&a.cuDeviceGet, "cuDeviceGet"},
		{&a.cuDeviceGetName, "cuDeviceGetName"},
		{&a.cuDeviceTotalMem, "cuDeviceTotalMem_v2"},
		{&a.cuDevicePrimaryCtxRetain, "cuDevicePrimaryCtxRetain"},
		{&a.cuDevicePrimaryCtxRelease, "cuDevicePrimaryCtxRelease_v2"},
		{&a.cuCtxPushCurrent, "cuCtxPushCurrent_v2"},
		{&a.cuCtxPopCurrent, "cuCtxPopCurrent_v2"},
		{&a.cuCtxSynchronize, "cuCtxSynchronize"},
		{&a.cuMemAlloc, "cuMemAlloc_v2"},
		{&a.cuMemFree, "cuMemFree_v2"},
		{&a.cuMemAllocHost, "cuMemAllocHost_v2"},
		{&a.cuMemFreeHost, "cuMemFreeHost"},
		{&a.cuMemGetAddressRange, "cuMemGetAddressRange_v2"},
		{&a.cuMemcpyHtoD, "cuMemcpyHtoD_v2"},
		{&a.cuMemcpyDtoH, "cuMemcpyDtoH_v2"},
		{&a.cuMemcpyDtoD, "cuMemcpyDtoD_v2"},
		{&a.cuMemcpyHtoDAsync, "cuMemcpyHtoDAsync_v2"},
		{&a.cuMemcpyDtoHAsync, "cuMemcpyDtoHAsync_v2"},
		{&a.cuMemcpyDtoDAsync, "cuMemcpyDtoDAsync_v2"},
		{&a.cuMemsetD8Async, "cuMemsetD8Async"},
		{&a.cuMemcpy3DAsync, "cuMemcpy3DAsync_v2"},
		{&a.cuMemGetAllocationGranularity, "cuMemGetAllocationGranularity"},
		{&a.cuMemCreate, "cuMemCreate"},
		{&a.cuMemRelease, "cuMemRelease"},
		{&a.cuMemAddressReserve, "cuMemAddressReserve"},
		{&a.cuMemAddressFree, "cuMemAddressFree"},
		{&a.cuMemMap, "cuMemMap"},
		{&a.cuMemSetAccess, "cuMemSetAccess"},
		{&a.cuMemUnmap, "cuMemUnmap"},
		{&a.cuStreamCreate, "cuStreamCreate"},
		{&a.cuStreamSynchronize, "cuStreamSynchronize"},
		{&a.cuStreamWaitEvent, "cuStreamWaitEvent"},
		{&a.cuStreamDestroy, "cuStreamDestroy_v2"},
		{&a.cuEventCreate, "cuEventCreate"},
		{&a.cuEventRecord, "cuEventRecord"},
		{&a.cuEventQuery, "cuEventQuery"},
		{&a.cuEventSynchronize, "cuEventSynchronize"},
		{&a.cuEventDestroy, "cuEventDestroy_v2"},
		{&a.cuModuleLoadData, "cuModuleLoadData"},
		{&a.cuModuleUnload, "cuModuleUnload"},
		{&a.cuModuleGetFunction, "cuModuleGetFunction"},
		{&a.cuLaunchKernel, "cuLaunchKernel"},
		{&a.cuGraphCreate, "cuGraphCreate"},
		{&a.cuGraphDestroy, "cuGraphDestroy"},
		{&a.cuGraphAddEmptyNode, "cuGraphAddEmptyNode"},
		{&a.cuGraphAddMemcpyNode, "cuGraphAddMemcpyNode"},
		{&a.cuGraphAddKernelNode, "cuGraphAddKernelNode"},
		{&a.cuGraphMemcpyNodeGetParams, "cuGraphMemcpyNodeGetParams"},
		{&a.cuGraphInstantiateWithFlags, "cuGraphInstantiateWithFlags"},
		{&a.cuGraphLaunch, "cuGraphLaunch"},
		{&a.cuGraphExecDestroy, "cuGraphExecDestroy"},
	} {
		if err := register(fn.ptr, lib, fn.name); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func loadNVRTC() (*nvrtcAPI, error) {
	lib, err := dlopen("libnvrtc.so", "libnvrtc.so.12", "libnvrtc.so.11.2")
	if err != nil {
		return nil, err
	}

	n := &nvrtcAPI{}
	for _, fn := range []struct {
		ptr  any
		name string
	}{
		{&n.nvrtcVersion, "nvrtcVersion"},
		{&n.nvrtcCreateProgram, "nvrtcCreateProgram"},
		{&n.nvrtcCompileProgram, "nvrtcCompileProgram"},
		{&n.nvrtcGetPTXSize, "nvrtcGetPTXSize"},
		{&n.nvrtcGetPTX, "nvrtcGetPTX"},
		{&n.nvrtcGetProgramLogSize, "nvrtcGetProgramLogSize"},
		{&n.nvrtcGetProgramLog, "nvrtcGetProgramLog"},
		{&n.nvrtcDestroyProgram, "nvrtcDestroyProgram"},
		{&n.nvrtcGetErrorString, "nvrtcGetErrorString"},
	} {
		if err := register(fn.ptr, lib, fn.name); err != nil {
			return nil, err
		}
	}
	return n, nil
}

func loadNCCL() (*ncclAPI, error) {
	lib, err := dlopen("libnccl.so.2", "libnccl.so")
	if err != nil {
		return nil, err
	}

	n := &ncclAPI{}
	for _, fn := range []struct {
		ptr  any
		name string
	}{
		{&n.ncclCommInitAll, "ncclCommInitAll"},
		{&n.ncclCommDestroy, "ncclCommDestroy"},
		{&n.ncclAllReduce, "ncclAllReduce"},
		{&n.ncclBroadcast, "ncclBroadcast"},
		{&n.ncclGetErrorString, "ncclGetErrorString"},
	} {
		if err := register(fn.ptr, lib, fn.name); err != nil {
			return nil, err
		}
	}
	return n, nil
}

// register bindet name, fehlende Symbole werden zu Fehlern statt Panics
func register(fptr any, lib uintptr, name string) error {
	sym, err := purego.Dlsym(lib, name)
	if err != nil {
		return errors.Wrapf(err, "symbol %s", name)
	}
	purego.RegisterFunc(fptr, sym)
	return nil
}
