// context.go - Devices und Contexts
//
// Dieses Modul enthaelt:
// - Device: Ein Geraet eines Treibers
// - Context: Primaerer Context eines Devices
// - Apply: Macht den Context fuer die Dauer einer Funktion auf dem Thread aktuell
// - CurrentContext: Zugriff auf Context-gebundene Operationen innerhalb von Apply
package gpu

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"
)

// Device ist ein Geraet eines Treibers
type Device struct {
	drv     Driver
	ordinal int

	mu  sync.Mutex
	ctx *Context
}

// NewDevice oeffnet das Device ordinal des Standard-Treibers (siehe Init)
func NewDevice(ordinal int) (*Device, error) {
	drv, err := Init()
	if err != nil {
		return nil, err
	}
	return OpenDevice(drv, ordinal)
}

// OpenDevice oeffnet das Device ordinal des Treibers drv
func OpenDevice(drv Driver, ordinal int) (*Device, error) {
	n, err := drv.DeviceCount()
	if err != nil {
		return nil, wrap("device count", err)
	}
	if ordinal < 0 || ordinal >= n {
		return nil, &DriverError{Op: fmt.Sprintf("open device %d", ordinal), Code: CodeInvalidDevice}
	}
	return &Device{drv: drv, ordinal: ordinal}, nil
}

// DeviceCount gibt die Anzahl Devices des Standard-Treibers zurueck
func DeviceCount() (int, error) {
	drv, err := Init()
	if err != nil {
		return 0, err
	}
	n, err := drv.DeviceCount()
	return n, wrap("device count", err)
}

func (d *Device) Ordinal() int {
	return d.ordinal
}

func (d *Device) Driver() Driver {
	return d.drv
}

func (d *Device) Name() (string, error) {
	name, err := d.drv.DeviceName(d.ordinal)
	return name, wrap("device name", err)
}

func (d *Device) TotalMemory() (uint64, error) {
	n, err := d.drv.DeviceTotalMem(d.ordinal)
	return n, wrap("device total mem", err)
}

// Context gibt den primaeren Context des Devices zurueck. Er wird beim
// ersten Aufruf angefordert und bis Release gehalten.
func (d *Device) Context() (*Context, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.ctx != nil {
		return d.ctx, nil
	}

	h, err := d.drv.PrimaryCtxRetain(d.ordinal)
	if err != nil {
		return nil, wrap("primary ctx retain", err)
	}

	d.ctx = &Context{dev: d, drv: d.drv, handle: h}
	slog.Debug("retained primary context", "driver", d.drv.Name(), "device", d.ordinal)
	return d.ctx, nil
}

// Release gibt den primaeren Context frei
func (d *Device) Release() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.ctx == nil {
		return nil
	}
	d.ctx = nil
	return wrap("primary ctx release", d.drv.PrimaryCtxRelease(d.ordinal))
}

// Context ist der Ausfuehrungs-Kontext eines Devices
type Context struct {
	dev    *Device
	drv    Driver
	handle CtxHandle
}

func (c *Context) Device() *Device {
	return c.dev
}

func (c *Context) Handle() CtxHandle {
	return c.handle
}

// Apply macht den Context fuer die Dauer von fn auf dem aufrufenden Thread
// aktuell. Er wird auf jedem Weg wieder abgegeben, auch bei panic.
func (c *Context) Apply(fn func(*CurrentContext) error) (err error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := c.drv.CtxPush(c.handle); err != nil {
		return wrap("ctx push", err)
	}
	defer func() {
		if perr := c.drv.CtxPop(); perr != nil && err == nil {
			err = wrap("ctx pop", perr)
		}
	}()

	return fn(&CurrentContext{Context: c})
}

// CurrentContext ist ein Context, der gerade auf dem Thread aktuell ist
type CurrentContext struct {
	*Context
}

// Synchronize wartet auf alle Arbeit im Context
func (cur *CurrentContext) Synchronize() error {
	return wrap("ctx synchronize", cur.drv.CtxSynchronize(cur.handle))
}

// Granularity gibt die minimale Granularitaet fuer virtuellen Speicher zurueck
func (cur *CurrentContext) Granularity() (uint64, error) {
	g, err := cur.drv.MemGetAllocationGranularity(cur.handle, cur.dev.ordinal)
	return g, wrap("mem get allocation granularity", err)
}
