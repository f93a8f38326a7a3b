// memory.go - Device- und Host-Speicher
//
// Dieses Modul enthaelt:
// - DevSlice: Byte-Bereich im Device-Adressraum
// - DevBuf: Typisierter zusammenhaengender Device-Puffer (Malloc)
// - HostBuf: Gepinnter Host-Puffer (MallocHost)
// - Synchrone Kopien MemcpyHtoD/MemcpyDtoH/MemcpyDtoD
package gpu

import (
	"fmt"
	"unsafe"

	"github.com/Ceng23333/cuda-driver/format"
	"github.com/Ceng23333/cuda-driver/logutil"
	"github.com/Ceng23333/cuda-driver/metrics"
)

// DevSlice ist ein Byte-Bereich im Device-Adressraum. Er ist nur gueltig,
// solange jedes Byte gemappt ist.
type DevSlice struct {
	Ptr DevicePtr
	Len uint64
}

// Sub gibt den Teilbereich [lo, hi) zurueck
func (s DevSlice) Sub(lo, hi uint64) DevSlice {
	if lo > hi || hi > s.Len {
		panic(fmt.Sprintf("gpu: slice bounds out of range [%d:%d] with length %d", lo, hi, s.Len))
	}
	return DevSlice{Ptr: s.Ptr + DevicePtr(lo), Len: hi - lo}
}

func (s DevSlice) String() string {
	return fmt.Sprintf("%#x+%d", uint64(s.Ptr), s.Len)
}

// DevBuf ist ein zusammenhaengender Device-Puffer mit n Elementen vom Typ T
type DevBuf[T any] struct {
	ctx *Context
	ptr DevicePtr
	n   int
}

// Malloc reserviert n Elemente vom Typ T auf dem Device
func Malloc[T any](cur *CurrentContext, n int) (*DevBuf[T], error) {
	size := uint64(n) * uint64(unsafe.Sizeof(*new(T)))

	ptr, err := cur.drv.MemAlloc(cur.handle, size)
	if err != nil {
		return nil, wrap(fmt.Sprintf("mem alloc %s", format.HumanBytes2(size)), err)
	}

	metrics.DeviceBytes.WithLabelValues(cur.drv.Name()).Add(float64(size))
	logutil.Trace("device alloc", "ptr", fmt.Sprintf("%#x", uint64(ptr)), "size", size)
	return &DevBuf[T]{ctx: cur.Context, ptr: ptr, n: n}, nil
}

func (b *DevBuf[T]) Ptr() DevicePtr {
	return b.ptr
}

// Len gibt die Anzahl Elemente zurueck
func (b *DevBuf[T]) Len() int {
	return b.n
}

// Bytes gibt die Groesse in Bytes zurueck
func (b *DevBuf[T]) Bytes() uint64 {
	return uint64(b.n) * uint64(unsafe.Sizeof(*new(T)))
}

// Slice gibt den ganzen Puffer als Byte-Bereich zurueck
func (b *DevBuf[T]) Slice() DevSlice {
	return DevSlice{Ptr: b.ptr, Len: b.Bytes()}
}

// Elems gibt die Elemente [lo, hi) als Byte-Bereich zurueck
func (b *DevBuf[T]) Elems(lo, hi int) DevSlice {
	size := uint64(unsafe.Sizeof(*new(T)))
	return b.Slice().Sub(uint64(lo)*size, uint64(hi)*size)
}

// Free gibt den Puffer frei
func (b *DevBuf[T]) Free() error {
	if b.ptr == 0 {
		return nil
	}

	err := b.ctx.drv.MemFree(b.ctx.handle, b.ptr)
	if err == nil {
		metrics.DeviceBytes.WithLabelValues(b.ctx.drv.Name()).Sub(float64(b.Bytes()))
	}
	b.ptr = 0
	return wrap("mem free", err)
}

// HostBuf ist gepinnter Host-Speicher, der asynchron kopiert werden kann
type HostBuf struct {
	ctx *Context
	p   unsafe.Pointer
	b   []byte
}

// MallocHost reserviert size Bytes gepinnten Host-Speicher
func (cur *CurrentContext) MallocHost(size uint64) (*HostBuf, error) {
	p, err := cur.drv.MemAllocHost(cur.handle, size)
	if err != nil {
		return nil, wrap(fmt.Sprintf("mem alloc host %s", format.HumanBytes2(size)), err)
	}
	return &HostBuf{ctx: cur.Context, p: p, b: unsafe.Slice((*byte)(p), size)}, nil
}

// Bytes gibt den Puffer als Slice zurueck; ungueltig nach Free
func (h *HostBuf) Bytes() []byte {
	return h.b
}

func (h *HostBuf) Len() uint64 {
	return uint64(len(h.b))
}

func (h *HostBuf) Free() error {
	if h.p == nil {
		return nil
	}
	err := h.ctx.drv.MemFreeHost(h.ctx.handle, h.p)
	h.p, h.b = nil, nil
	return wrap("mem free host", err)
}

// asBytes gibt den Speicher von s als Bytes zurueck
func asBytes[T any](s []T) []byte {
	if len(s) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(s))), len(s)*int(unsafe.Sizeof(s[0])))
}

func checkLen(op string, dst, src uint64) error {
	if dst != src {
		return fmt.Errorf("%s: %w: destination has %d bytes, source %d", op, ErrInvalidValue, dst, src)
	}
	return nil
}

// MemcpyHtoD kopiert src synchron nach dst
func MemcpyHtoD[T any](cur *CurrentContext, dst DevSlice, src []T) error {
	b := asBytes(src)
	if err := checkLen("memcpy htod", dst.Len, uint64(len(b))); err != nil {
		return err
	}
	if len(b) == 0 {
		return nil
	}

	metrics.CopyBytes.WithLabelValues("htod").Add(float64(len(b)))
	return wrap("memcpy htod", cur.drv.MemcpyHtoD(cur.handle, dst.Ptr, unsafe.Pointer(&b[0]), uint64(len(b))))
}

// MemcpyDtoH kopiert src synchron nach dst
func MemcpyDtoH[T any](cur *CurrentContext, dst []T, src DevSlice) error {
	b := asBytes(dst)
	if err := checkLen("memcpy dtoh", uint64(len(b)), src.Len); err != nil {
		return err
	}
	if len(b) == 0 {
		return nil
	}

	metrics.CopyBytes.WithLabelValues("dtoh").Add(float64(len(b)))
	return wrap("memcpy dtoh", cur.drv.MemcpyDtoH(cur.handle, unsafe.Pointer(&b[0]), src.Ptr, uint64(len(b))))
}

// MemcpyDtoD kopiert src synchron nach dst
func (cur *CurrentContext) MemcpyDtoD(dst, src DevSlice) error {
	if err := checkLen("memcpy dtod", dst.Len, src.Len); err != nil {
		return err
	}
	if src.Len == 0 {
		return nil
	}

	metrics.CopyBytes.WithLabelValues("dtod").Add(float64(src.Len))
	return wrap("memcpy dtod", cur.drv.MemcpyDtoD(cur.handle, dst.Ptr, src.Ptr, src.Len))
}
