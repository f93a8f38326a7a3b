package cuda

import (
	"github.com/pkg/errors"

	"github.com/Ceng23333/cuda-driver/gpu"
	"github.com/Ceng23333/cuda-driver/ml"
)

// ncclDataType bildet ml.DType auf ncclDataType_t ab
func ncclDataType(dt ml.DType) (int32, error) {
	switch dt {
	case ml.DTypeI8:
		return 0, nil
	case ml.DTypeU8:
		return 1, nil
	case ml.DTypeI32:
		return 2, nil
	case ml.DTypeU32:
		return 3, nil
	case ml.DTypeI64:
		return 4, nil
	case ml.DTypeU64:
		return 5, nil
	case ml.DTypeF16:
		return 6, nil
	case ml.DTypeF32:
		return 7, nil
	case ml.DTypeF64:
		return 8, nil
	case ml.DTypeBF16:
		return 9, nil
	default:
		return 0, errors.WithMessagef(&gpu.DriverError{Op: "nccl", Code: gpu.CodeNotSupported}, "dtype %s", dt)
	}
}

func ncclRedOp(op gpu.ReduceOp) (int32, error) {
	switch op {
	case gpu.ReduceSum:
		return 0, nil
	case gpu.ReduceProd:
		return 1, nil
	case gpu.ReduceMax:
		return 2, nil
	case gpu.ReduceMin:
		return 3, nil
	default:
		return 0, errors.WithMessagef(&gpu.DriverError{Op: "nccl", Code: gpu.CodeNotSupported}, "reduction %v", op)
	}
}

func (d *commDriver) checkNCCL(op string, r result) error {
	if r == 0 {
		return nil
	}
	return errors.WithMessagef(&gpu.DriverError{Op: op, Code: gpu.CodeUnknown}, "nccl: %s", d.nccl.ncclGetErrorString(r))
}

func (d *commDriver) CommInitAll(ordinals []int) ([]gpu.CommHandle, error) {
	if len(ordinals) == 0 {
		return nil, nil
	}

	devs := make([]int32, len(ordinals))
	for i, o := range ordinals {
		dev, err := d.device(o)
		if err != nil {
			return nil, err
		}
		devs[i] = dev
	}

	comms := make([]uintptr, len(ordinals))
	if err := d.checkNCCL("ncclCommInitAll", d.nccl.ncclCommInitAll(&comms[0], int32(len(devs)), &devs[0])); err != nil {
		return nil, err
	}

	hs := make([]gpu.CommHandle, len(comms))
	for i, c := range comms {
		hs[i] = gpu.CommHandle(c)
	}
	return hs, nil
}

func (d *commDriver) CommDestroy(c gpu.CommHandle) error {
	return d.checkNCCL("ncclCommDestroy", d.nccl.ncclCommDestroy(uintptr(c)))
}

func (d *commDriver) AllReduce(c gpu.CommHandle, send, recv gpu.DevicePtr, count uint64, dt ml.DType, op gpu.ReduceOp, s gpu.StreamHandle) error {
	t, err := ncclDataType(dt)
	if err != nil {
		return err
	}
	o, err := ncclRedOp(op)
	if err != nil {
		return err
	}
	return d.checkNCCL("ncclAllReduce", d.nccl.ncclAllReduce(uint64(send), uint64(recv), count, t, o, uintptr(c), uintptr(s)))
}

func (d *commDriver) Broadcast(c gpu.CommHandle, send, recv gpu.DevicePtr, count uint64, dt ml.DType, root int, s gpu.StreamHandle) error {
	t, err := ncclDataType(dt)
	if err != nil {
		return err
	}
	return d.checkNCCL("ncclBroadcast", d.nccl.ncclBroadcast(uint64(send), uint64(recv), count, t, int32(root), uintptr(c), uintptr(s)))
}
