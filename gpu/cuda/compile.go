package cuda

import (
	"bytes"
	"fmt"
	"runtime"
	"unsafe"

	"github.com/pkg/errors"

	"github.com/Ceng23333/cuda-driver/gpu"
)

func (d *Driver) CompilerVersion() (string, error) {
	if d.nvrtc == nil {
		return "", errors.WithStack(&gpu.DriverError{Op: "nvrtcVersion", Code: gpu.CodeNotSupported})
	}
	var major, minor int32
	if err := d.checkNVRTC("nvrtcVersion", d.nvrtc.nvrtcVersion(&major, &minor)); err != nil {
		return "", err
	}
	return fmt.Sprintf("%d.%d.0", major, minor), nil
}

// Compile uebersetzt src mit NVRTC nach PTX. Das Log wird auch bei
// Fehlern zurueckgegeben.
func (d *Driver) Compile(src, name string, flags []string) ([]byte, string, error) {
	if d.nvrtc == nil {
		return nil, "", errors.WithStack(&gpu.DriverError{Op: "nvrtcCompileProgram", Code: gpu.CodeNotSupported})
	}

	var prog uintptr
	if err := d.checkNVRTC("nvrtcCreateProgram", d.nvrtc.nvrtcCreateProgram(&prog, src, name, 0, nil, nil)); err != nil {
		return nil, "", err
	}
	defer d.nvrtc.nvrtcDestroyProgram(&prog)

	var pinner runtime.Pinner
	defer pinner.Unpin()

	var opts unsafe.Pointer
	if len(flags) > 0 {
		ptrs := make([]*byte, len(flags))
		for i, f := range flags {
			b := append([]byte(f), 0)
			pinner.Pin(&b[0])
			ptrs[i] = &b[0]
		}
		pinner.Pin(&ptrs[0])
		opts = unsafe.Pointer(&ptrs[0])
	}
	compileErr := d.checkNVRTC("nvrtcCompileProgram", d.nvrtc.nvrtcCompileProgram(prog, int32(len(flags)), opts))

	log, err := d.programLog(prog)
	if err != nil {
		return nil, "", err
	}
	if compileErr != nil {
		return nil, log, compileErr
	}

	var n uint64
	if err := d.checkNVRTC("nvrtcGetPTXSize", d.nvrtc.nvrtcGetPTXSize(prog, &n)); err != nil {
		return nil, log, err
	}
	ptx := make([]byte, max(n, 1))
	if err := d.checkNVRTC("nvrtcGetPTX", d.nvrtc.nvrtcGetPTX(prog, &ptx[0])); err != nil {
		return nil, log, err
	}
	return ptx, log, nil
}

func (d *Driver) programLog(prog uintptr) (string, error) {
	var n uint64
	if err := d.checkNVRTC("nvrtcGetProgramLogSize", d.nvrtc.nvrtcGetProgramLogSize(prog, &n)); err != nil {
		return "", err
	}
	if n <= 1 {
		return "", nil
	}
	buf := make([]byte, n)
	if err := d.checkNVRTC("nvrtcGetProgramLog", d.nvrtc.nvrtcGetProgramLog(prog, &buf[0])); err != nil {
		return "", err
	}
	return string(bytes.TrimRight(buf, "\x00")), nil
}

// checkNVRTC bildet nvrtcResult auf Treibercodes ab: Compilerfehler werden
// zu invalid source, der Rest zu invalid value
func (d *Driver) checkNVRTC(op string, r result) error {
	if r == 0 {
		return nil
	}
	code := gpu.CodeInvalidValue
	if r == 6 {
		code = gpu.CodeInvalidSource
	}
	return errors.WithMessagef(&gpu.DriverError{Op: op, Code: code}, "nvrtc: %s", d.nvrtc.nvrtcGetErrorString(r))
}
