// vm.go - Virtueller Device-Speicher
//
// Dieses Modul enthaelt:
// - MemProp: Eigenschaften physischer Bloecke eines Devices (Granularitaet)
// - PhysMem: Physischer Block ohne Adresse
// - VirMem: Reservierter Adressbereich; Bloecke werden hinein gemappt
//
// Groessen und Offsets muessen Vielfache der Granularitaet sein. Jedes
// virtuelle Byte ist hoechstens einem physischen Block zugeordnet.
package gpu

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/emirpasic/gods/v2/maps/treemap"

	"github.com/Ceng23333/cuda-driver/format"
)

// MemProp beschreibt physische Bloecke auf einem Device
type MemProp struct {
	ctx         *Context
	granularity uint64
}

// MemProp gibt die Eigenschaften physischer Bloecke dieses Contexts zurueck
func (c *Context) MemProp() (*MemProp, error) {
	g, err := c.drv.MemGetAllocationGranularity(c.handle, c.dev.ordinal)
	if err != nil {
		return nil, wrap("mem get allocation granularity", err)
	}
	return &MemProp{ctx: c, granularity: g}, nil
}

// MemProp gibt die Eigenschaften physischer Bloecke im primaeren Context zurueck
func (d *Device) MemProp() (*MemProp, error) {
	ctx, err := d.Context()
	if err != nil {
		return nil, err
	}
	return ctx.MemProp()
}

// GranularityMinimum gibt die minimale Granularitaet zurueck
func (p *MemProp) GranularityMinimum() uint64 {
	return p.granularity
}

func (p *MemProp) checkAligned(what string, n uint64) error {
	if n%p.granularity != 0 {
		return fmt.Errorf("%s %d is not a multiple of granularity %d: %w", what, n, p.granularity, ErrInvalidValue)
	}
	return nil
}

// Create reserviert einen physischen Block der Groesse size
func (p *MemProp) Create(size uint64) (*PhysMem, error) {
	if size == 0 {
		return nil, fmt.Errorf("mem create: empty block: %w", ErrInvalidValue)
	}
	if err := p.checkAligned("size", size); err != nil {
		return nil, err
	}

	h, err := p.ctx.drv.MemCreate(p.ctx.handle, p.ctx.dev.ordinal, size)
	if err != nil {
		return nil, wrap(fmt.Sprintf("mem create %s", format.HumanBytes2(size)), err)
	}
	return &PhysMem{prop: p, handle: h, size: size}, nil
}

// PhysMem ist ein physischer Block ohne virtuelle Adresse
type PhysMem struct {
	prop   *MemProp
	handle PhysHandle
	size   uint64
}

func (m *PhysMem) Size() uint64 {
	return m.size
}

// Release gibt den Block frei; er darf nirgends gemappt sein
func (m *PhysMem) Release() error {
	return wrap("mem release", m.prop.ctx.drv.MemRelease(m.prop.ctx.handle, m.handle))
}

// VirMem ist ein reservierter virtueller Adressbereich
type VirMem struct {
	prop *MemProp
	base DevicePtr
	size uint64

	mu     sync.Mutex
	mapped *treemap.Map[uint64, *PhysMem]
}

// NewVirMem reserviert size Bytes Adressraum ohne physische Deckung
func (p *MemProp) NewVirMem(size uint64) (*VirMem, error) {
	if err := p.checkAligned("size", size); err != nil {
		return nil, err
	}

	base, err := p.ctx.drv.MemAddressReserve(p.ctx.handle, size, p.granularity)
	if err != nil {
		return nil, wrap("mem address reserve", err)
	}

	slog.Debug("reserved virtual memory", "base", fmt.Sprintf("%#x", uint64(base)), "size", format.HumanBytes2(size))
	return &VirMem{prop: p, base: base, size: size, mapped: treemap.New[uint64, *PhysMem]()}, nil
}

func (v *VirMem) Base() DevicePtr {
	return v.base
}

func (v *VirMem) Size() uint64 {
	return v.size
}

// Map bindet phys an offset und gibt den gemappten Bereich zurueck
func (v *VirMem) Map(offset uint64, phys *PhysMem) (DevSlice, error) {
	if err := v.prop.checkAligned("offset", offset); err != nil {
		return DevSlice{}, err
	}
	if offset+phys.size > v.size {
		return DevSlice{}, fmt.Errorf("map [%d, %d) exceeds reservation of %d bytes: %w", offset, offset+phys.size, v.size, ErrInvalidValue)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	// Ueberlappung mit dem naechsten Block davor oder einem Block dahinter
	if k, prev, ok := v.mapped.Floor(offset + phys.size - 1); ok && k+prev.size > offset {
		return DevSlice{}, &DriverError{Op: fmt.Sprintf("mem map at offset %d", offset), Code: CodeAlreadyMapped}
	}

	ctx := v.prop.ctx
	ptr := v.base + DevicePtr(offset)
	if err := ctx.drv.MemMap(ctx.handle, ptr, phys.size, phys.handle); err != nil {
		return DevSlice{}, wrap("mem map", err)
	}
	if err := ctx.drv.MemSetAccess(ctx.handle, ctx.dev.ordinal, ptr, phys.size); err != nil {
		ctx.drv.MemUnmap(ctx.handle, ptr, phys.size)
		return DevSlice{}, wrap("mem set access", err)
	}

	v.mapped.Put(offset, phys)
	return DevSlice{Ptr: ptr, Len: phys.size}, nil
}

// Unmap loest den Block bei offset und gibt ihn zurueck. Laufende Arbeit,
// die den Bereich benutzt, muss vorher abgeschlossen sein.
func (v *VirMem) Unmap(offset uint64) (*PhysMem, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	phys, ok := v.mapped.Get(offset)
	if !ok {
		return nil, &DriverError{Op: fmt.Sprintf("mem unmap at offset %d", offset), Code: CodeNotMapped}
	}

	ctx := v.prop.ctx
	if err := ctx.drv.MemUnmap(ctx.handle, v.base+DevicePtr(offset), phys.size); err != nil {
		return nil, wrap("mem unmap", err)
	}

	v.mapped.Remove(offset)
	return phys, nil
}

// Mapped gibt den Bereich bei offset zurueck, falls dort ein Block gemappt ist
func (v *VirMem) Mapped(offset uint64) (DevSlice, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	phys, ok := v.mapped.Get(offset)
	if !ok {
		return DevSlice{}, false
	}
	return DevSlice{Ptr: v.base + DevicePtr(offset), Len: phys.size}, true
}

// Free loest alle Mappings und gibt den Adressbereich frei. Die physischen
// Bloecke werden zurueckgegeben.
func (v *VirMem) Free() ([]*PhysMem, error) {
	v.mu.Lock()
	offsets := v.mapped.Keys()
	v.mu.Unlock()

	var phys []*PhysMem
	for _, off := range offsets {
		p, err := v.Unmap(off)
		if err != nil {
			return phys, err
		}
		phys = append(phys, p)
	}

	ctx := v.prop.ctx
	return phys, wrap("mem address free", ctx.drv.MemAddressFree(ctx.handle, v.base, v.size))
}
