// memory.go - Adressraum und Speicher des Software-Geraets
//
// Alle Devices teilen einen Adressraum. Eine Region ist entweder eine eager
// Allokation mit eigenem Speicher oder eine Reservierung, in die physische
// Bloecke gemappt werden. Zugriffe ueber Blockgrenzen einer Reservierung
// werden stueckweise aufgeloest.
package sim

import (
	"unsafe"

	"github.com/emirpasic/gods/v2/maps/treemap"

	"github.com/Ceng23333/cuda-driver/gpu"
	"github.com/Ceng23333/cuda-driver/logutil"
)

type region struct {
	base, size uint64
	dev        int

	// eager Allokation
	data []byte

	// Reservierung: Offset -> gemappter Block
	pages *treemap.Map[uint64, *mapping]
}

func (r *region) reserved() bool {
	return r.pages != nil
}

type mapping struct {
	phys   *physBlock
	access bool
}

type physBlock struct {
	dev  int
	data []byte
}

func roundUp(n, align uint64) uint64 {
	return (n + align - 1) / align * align
}

// reserve vergibt Adressraum; Aufrufer haelt d.mu
func (d *Driver) reserve(r *region, align uint64) {
	r.base = roundUp(d.next, max(align, 256))
	d.next = r.base + r.size
	d.regions.Put(r.base, r)
}

// lookup findet die Region, die ptr enthaelt; Aufrufer haelt d.mu
func (d *Driver) lookup(ptr uint64) (*region, bool) {
	_, r, ok := d.regions.Floor(ptr)
	if !ok || ptr >= r.base+r.size {
		return nil, false
	}
	return r, true
}

// access ruft fn fuer jedes zusammenhaengende Stueck von [ptr, ptr+n) auf
func (d *Driver) access(ptr gpu.DevicePtr, n uint64, fn func(b []byte)) error {
	if n == 0 {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	p := uint64(ptr)
	r, ok := d.lookup(p)
	if !ok || p+n > r.base+r.size {
		return gpu.CodeIllegalAddress
	}

	off := p - r.base
	if !r.reserved() {
		fn(r.data[off : off+n])
		return nil
	}

	var done uint64
	for done < n {
		mOff, m, ok := r.pages.Floor(off + done)
		if !ok || !m.access || off+done >= mOff+uint64(len(m.phys.data)) {
			return gpu.CodeIllegalAddress
		}
		lo := off + done - mOff
		chunk := min(n-done, uint64(len(m.phys.data))-lo)
		fn(m.phys.data[lo : lo+chunk])
		done += chunk
	}
	return nil
}

// read kopiert [ptr, ptr+len(dst)) nach dst
func (d *Driver) read(ptr gpu.DevicePtr, dst []byte) error {
	return d.access(ptr, uint64(len(dst)), func(b []byte) {
		dst = dst[copy(dst, b):]
	})
}

// write kopiert src nach [ptr, ptr+len(src))
func (d *Driver) write(ptr gpu.DevicePtr, src []byte) error {
	return d.access(ptr, uint64(len(src)), func(b []byte) {
		src = src[copy(b, src):]
	})
}

func (d *Driver) copyDtoD(dst, src gpu.DevicePtr, n uint64) error {
	buf := make([]byte, n)
	if err := d.read(src, buf); err != nil {
		return err
	}
	return d.write(dst, buf)
}

func hostBytes(p unsafe.Pointer, n uint64) []byte {
	return unsafe.Slice((*byte)(p), n)
}

func (d *Driver) MemAlloc(ctx gpu.CtxHandle, size uint64) (gpu.DevicePtr, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	dev, err := d.device(ctx)
	if err != nil {
		return 0, err
	}
	if size == 0 {
		return 0, gpu.CodeInvalidValue
	}
	if d.used[dev]+size > d.opts.Memory {
		return 0, gpu.CodeOutOfMemory
	}

	r := &region{size: size, dev: dev, data: make([]byte, size)}
	d.reserve(r, 256)
	d.used[dev] += size
	return gpu.DevicePtr(r.base), nil
}

func (d *Driver) MemFree(ctx gpu.CtxHandle, ptr gpu.DevicePtr) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := d.device(ctx); err != nil {
		return err
	}
	r, ok := d.regions.Get(uint64(ptr))
	if !ok || r.reserved() {
		return gpu.CodeInvalidValue
	}

	d.regions.Remove(r.base)
	d.used[r.dev] -= r.size
	return nil
}

func (d *Driver) MemAllocHost(ctx gpu.CtxHandle, size uint64) (unsafe.Pointer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := d.device(ctx); err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, gpu.CodeInvalidValue
	}

	b := make([]byte, size)
	p := unsafe.Pointer(unsafe.SliceData(b))
	d.host[uintptr(p)] = b
	return p, nil
}

func (d *Driver) MemFreeHost(ctx gpu.CtxHandle, p unsafe.Pointer) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.host[uintptr(p)]; !ok {
		return gpu.CodeInvalidValue
	}
	delete(d.host, uintptr(p))
	return nil
}

// MemGetAddressRange gibt die Allokation bzw. den gemappten Block zurueck,
// der ptr enthaelt
func (d *Driver) MemGetAddressRange(ctx gpu.CtxHandle, ptr gpu.DevicePtr) (gpu.DevicePtr, uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := d.device(ctx); err != nil {
		return 0, 0, err
	}
	r, ok := d.lookup(uint64(ptr))
	if !ok {
		return 0, 0, gpu.CodeNotFound
	}
	if !r.reserved() {
		return gpu.DevicePtr(r.base), r.size, nil
	}

	off := uint64(ptr) - r.base
	mOff, m, ok := r.pages.Floor(off)
	if !ok || off >= mOff+uint64(len(m.phys.data)) {
		return 0, 0, gpu.CodeNotMapped
	}
	return gpu.DevicePtr(r.base + mOff), uint64(len(m.phys.data)), nil
}

// Synchrone Kopien warten wie der Default-Stream auf alle Streams des Contexts
func (d *Driver) syncCopy(ctx gpu.CtxHandle, fn func() error) error {
	d.mu.Lock()
	_, err := d.device(ctx)
	streams := d.contextStreams(ctx)
	d.mu.Unlock()
	if err != nil {
		return err
	}

	for _, s := range streams {
		s.drain()
	}
	return fn()
}

func (d *Driver) MemcpyHtoD(ctx gpu.CtxHandle, dst gpu.DevicePtr, src unsafe.Pointer, n uint64) error {
	return d.syncCopy(ctx, func() error {
		return d.write(dst, hostBytes(src, n))
	})
}

func (d *Driver) MemcpyDtoH(ctx gpu.CtxHandle, dst unsafe.Pointer, src gpu.DevicePtr, n uint64) error {
	return d.syncCopy(ctx, func() error {
		return d.read(src, hostBytes(dst, n))
	})
}

func (d *Driver) MemcpyDtoD(ctx gpu.CtxHandle, dst, src gpu.DevicePtr, n uint64) error {
	return d.syncCopy(ctx, func() error {
		return d.copyDtoD(dst, src, n)
	})
}

func (d *Driver) MemGetAllocationGranularity(ctx gpu.CtxHandle, ordinal int) (uint64, error) {
	if err := d.checkOrdinal(ordinal); err != nil {
		return 0, err
	}
	return d.opts.Granularity, nil
}

func (d *Driver) MemCreate(ctx gpu.CtxHandle, ordinal int, size uint64) (gpu.PhysHandle, error) {
	if err := d.checkOrdinal(ordinal); err != nil {
		return 0, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := d.device(ctx); err != nil {
		return 0, err
	}
	if size == 0 || size%d.opts.Granularity != 0 {
		return 0, gpu.CodeInvalidValue
	}
	if d.used[ordinal]+size > d.opts.Memory {
		return 0, gpu.CodeOutOfMemory
	}

	h := gpu.PhysHandle(d.handle())
	d.phys[h] = &physBlock{dev: ordinal, data: make([]byte, size)}
	d.used[ordinal] += size
	return h, nil
}

// MemRelease gibt den Handle frei. Bestehende Mappings behalten den Speicher.
func (d *Driver) MemRelease(ctx gpu.CtxHandle, h gpu.PhysHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.phys[h]
	if !ok {
		return gpu.CodeInvalidValue
	}
	delete(d.phys, h)
	d.used[p.dev] -= uint64(len(p.data))
	return nil
}

func (d *Driver) MemAddressReserve(ctx gpu.CtxHandle, size, align uint64) (gpu.DevicePtr, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	dev, err := d.device(ctx)
	if err != nil {
		return 0, err
	}
	if size == 0 || size%d.opts.Granularity != 0 {
		return 0, gpu.CodeInvalidValue
	}

	r := &region{size: size, dev: dev, pages: treemap.New[uint64, *mapping]()}
	d.reserve(r, max(align, d.opts.Granularity))
	logutil.Trace("sim reserve", "base", r.base, "size", size)
	return gpu.DevicePtr(r.base), nil
}

func (d *Driver) MemAddressFree(ctx gpu.CtxHandle, ptr gpu.DevicePtr, size uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	r, ok := d.regions.Get(uint64(ptr))
	if !ok || !r.reserved() || r.size != size || r.pages.Size() > 0 {
		return gpu.CodeInvalidValue
	}
	d.regions.Remove(r.base)
	return nil
}

// reservation findet die Reservierung fuer [ptr, ptr+size); Aufrufer haelt d.mu
func (d *Driver) reservation(ptr gpu.DevicePtr, size uint64) (*region, uint64, error) {
	r, ok := d.lookup(uint64(ptr))
	if !ok || !r.reserved() || uint64(ptr)+size > r.base+r.size {
		return nil, 0, gpu.CodeInvalidValue
	}

	off := uint64(ptr) - r.base
	if off%d.opts.Granularity != 0 || size%d.opts.Granularity != 0 {
		return nil, 0, gpu.CodeInvalidValue
	}
	return r, off, nil
}

func (d *Driver) MemMap(ctx gpu.CtxHandle, ptr gpu.DevicePtr, size uint64, h gpu.PhysHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	r, off, err := d.reservation(ptr, size)
	if err != nil {
		return err
	}
	p, ok := d.phys[h]
	if !ok || uint64(len(p.data)) != size {
		return gpu.CodeInvalidValue
	}
	if k, m, ok := r.pages.Floor(off + size - 1); ok && k+uint64(len(m.phys.data)) > off {
		return gpu.CodeAlreadyMapped
	}

	r.pages.Put(off, &mapping{phys: p})
	return nil
}

func (d *Driver) MemSetAccess(ctx gpu.CtxHandle, ordinal int, ptr gpu.DevicePtr, size uint64) error {
	if err := d.checkOrdinal(ordinal); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	r, off, err := d.reservation(ptr, size)
	if err != nil {
		return err
	}

	found := false
	it := r.pages.Iterator()
	for it.Next() {
		if it.Key() >= off && it.Key() < off+size {
			it.Value().access = true
			found = true
		}
	}
	if !found {
		return gpu.CodeNotMapped
	}
	return nil
}

func (d *Driver) MemUnmap(ctx gpu.CtxHandle, ptr gpu.DevicePtr, size uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	r, off, err := d.reservation(ptr, size)
	if err != nil {
		return err
	}
	m, ok := r.pages.Get(off)
	if !ok {
		return gpu.CodeNotMapped
	}
	if uint64(len(m.phys.data)) != size {
		return gpu.CodeInvalidValue
	}

	r.pages.Remove(off)
	return nil
}
