//go:build !linux

package cuda

import (
	"github.com/pkg/errors"

	"github.com/Ceng23333/cuda-driver/gpu"
)

func loadCUDA() (*api, error) {
	return nil, errors.WithStack(&gpu.DriverError{Op: "load libcuda", Code: gpu.CodeNoDevice})
}

func loadNVRTC() (*nvrtcAPI, error) {
	return nil, errors.WithStack(&gpu.DriverError{Op: "load libnvrtc", Code: gpu.CodeNotSupported})
}

func loadNCCL() (*ncclAPI, error) {
	return nil, errors.WithStack(&gpu.DriverError{Op: "load libnccl", Code: gpu.CodeNotSupported})
}
