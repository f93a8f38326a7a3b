// MODUL: context_test
// ZWECK: Tests fuer Treiber-Registry, Devices und Context-Bindung
// INPUT: Keine
// OUTPUT: Test-Ergebnisse
// NEBENEFFEKTE: Registriert Test-Treiber
// ABHAENGIGKEITEN: gpu/sim, testify
// HINWEISE: Keine

package gpu_test

import (
	"errors"
	"runtime"
	"slices"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Ceng23333/cuda-driver/gpu"
	"github.com/Ceng23333/cuda-driver/gpu/sim"
)

func TestDrivers(t *testing.T) {
	if !slices.Contains(gpu.Drivers(), "sim") {
		t.Errorf("Drivers: erwartet sim, bekommen %v", gpu.Drivers())
	}

	if _, err := gpu.OpenDriver("does-not-exist"); err == nil {
		t.Error("OpenDriver: erwartet Fehler fuer unbekannten Treiber")
	}
}

func TestOpenDriverNoDevice(t *testing.T) {
	gpu.RegisterDriver("sim-empty", func() (gpu.Driver, error) {
		return sim.New(sim.Options{}), nil
	})

	_, err := gpu.OpenDriver("sim-empty")
	if !errors.Is(err, gpu.ErrNoDevice) {
		t.Errorf("erwartet ErrNoDevice, bekommen %v", err)
	}
}

func TestRegisterDriverTwicePanics(t *testing.T) {
	require.Panics(t, func() {
		gpu.RegisterDriver("sim", func() (gpu.Driver, error) { return nil, nil })
	})
}

func TestOpenDevice(t *testing.T) {
	drv := sim.New(sim.Options{Devices: 2, Memory: 8 << 20})

	dev, err := gpu.OpenDevice(drv, 1)
	require.NoError(t, err)

	if name, err := dev.Name(); err != nil || name == "" {
		t.Errorf("Name: erwartet Namen, bekommen %q (%v)", name, err)
	}
	if n, err := dev.TotalMemory(); err != nil || n != 8<<20 {
		t.Errorf("TotalMemory: erwartet %d, bekommen %d (%v)", 8<<20, n, err)
	}

	_, err = gpu.OpenDevice(drv, 2)
	var de *gpu.DriverError
	if !errors.As(err, &de) || de.Code != gpu.CodeInvalidDevice {
		t.Errorf("OpenDevice(2): erwartet invalid device, bekommen %v", err)
	}
}

func TestContextRetainedOnce(t *testing.T) {
	drv := sim.New(sim.Options{Devices: 1})
	dev, err := gpu.OpenDevice(drv, 0)
	require.NoError(t, err)

	a, err := dev.Context()
	require.NoError(t, err)
	b, err := dev.Context()
	require.NoError(t, err)
	if a != b {
		t.Error("Context: erwartet denselben primaeren Context")
	}

	require.NoError(t, dev.Release())
	require.NoError(t, dev.Release())
}

func TestApply(t *testing.T) {
	drv, ctx := newContext(t)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if _, ok := drv.Current(); ok {
		t.Fatal("vor Apply darf kein Context aktuell sein")
	}

	err := ctx.Apply(func(cur *gpu.CurrentContext) error {
		h, ok := drv.Current()
		if !ok || h != ctx.Handle() {
			t.Errorf("in Apply: erwartet Context %v, bekommen %v (%v)", ctx.Handle(), h, ok)
		}
		return nil
	})
	require.NoError(t, err)

	if _, ok := drv.Current(); ok {
		t.Error("nach Apply darf kein Context aktuell sein")
	}
}

func TestApplyReleasesOnError(t *testing.T) {
	drv, ctx := newContext(t)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	want := errors.New("boom")
	err := ctx.Apply(func(*gpu.CurrentContext) error { return want })
	if !errors.Is(err, want) {
		t.Errorf("erwartet %v, bekommen %v", want, err)
	}
	if _, ok := drv.Current(); ok {
		t.Error("nach Fehler darf kein Context aktuell sein")
	}
}

func TestApplyReleasesOnPanic(t *testing.T) {
	drv, ctx := newContext(t)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	func() {
		defer func() {
			if r := recover(); r != "boom" {
				t.Errorf("panic: erwartet boom, bekommen %v", r)
			}
		}()
		ctx.Apply(func(*gpu.CurrentContext) error { panic("boom") })
	}()

	if _, ok := drv.Current(); ok {
		t.Error("nach panic darf kein Context aktuell sein")
	}
}

func TestNestedApply(t *testing.T) {
	drv, ctxs := newDevices(t, 2, sim.Options{})

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	apply(t, ctxs[0], func(*gpu.CurrentContext) {
		apply(t, ctxs[1], func(*gpu.CurrentContext) {
			if h, _ := drv.Current(); h != ctxs[1].Handle() {
				t.Errorf("innen: erwartet %v, bekommen %v", ctxs[1].Handle(), h)
			}
		})
		if h, _ := drv.Current(); h != ctxs[0].Handle() {
			t.Errorf("aussen: erwartet %v, bekommen %v", ctxs[0].Handle(), h)
		}
	})
}
