// Package jit - Uebersetzung von Device-Quelltext in ladbare Module
//
// Dieses Paket enthaelt:
// - Options: Include-Pfade und Schalter des Compilers
// - Compile: Quelltext -> Ptx (mit Versionspruefung)
// - Load: Compile, Modul laden, alle Kernels aufloesen -> Kernels
// - CompileError/SymbolNotFoundError: Fehlerarten mit Compiler-Log bzw. Name
package jit

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"golang.org/x/mod/semver"

	"github.com/Ceng23333/cuda-driver/envconfig"
	"github.com/Ceng23333/cuda-driver/gpu"
)

// Options konfigurieren den Compiler
type Options struct {
	IncludePaths          []string
	ExtraFlags            []string
	NoHostDeviceConstexpr bool
	DisableVersionCheck   bool
}

// OptionsFromEnv liest die Optionen aus GPUGRAPH_INCLUDE_PATHS,
// GPUGRAPH_JIT_FLAGS, GPUGRAPH_NO_HOST_DEVICE_CONSTEXPR und
// GPUGRAPH_DISABLE_VERSION_CHECK
func OptionsFromEnv() Options {
	return Options{
		IncludePaths:          envconfig.IncludePaths(),
		ExtraFlags:            envconfig.JITFlags(),
		NoHostDeviceConstexpr: envconfig.NoHostDeviceConstexpr(),
		DisableVersionCheck:   envconfig.DisableVersionCheck(),
	}
}

// Flags gibt die Kommandozeile fuer den Compiler zurueck
func (o Options) Flags() []string {
	var flags []string
	for _, p := range o.IncludePaths {
		flags = append(flags, "-I", p)
	}
	if o.NoHostDeviceConstexpr {
		flags = append(flags, "-Xclang", "-fno-cuda-host-device-constexpr")
	}
	if o.DisableVersionCheck {
		flags = append(flags, "--no-cuda-version-check")
	}
	return append(flags, o.ExtraFlags...)
}

// CompileError ist ein fehlgeschlagener Compiler-Lauf mit vollstaendigem Log
type CompileError struct {
	Name string
	Log  string
	Err  error
}

func (e *CompileError) Error() string {
	if e.Log == "" {
		return fmt.Sprintf("compile %s: %v", e.Name, e.Err)
	}
	return fmt.Sprintf("compile %s: %v\n%s", e.Name, e.Err, strings.TrimRight(e.Log, "\n"))
}

func (e *CompileError) Unwrap() error {
	return e.Err
}

// SymbolNotFoundError meldet einen unbekannten Kernel-Namen
type SymbolNotFoundError struct {
	Name string
}

func (e *SymbolNotFoundError) Error() string {
	return fmt.Sprintf("symbol %q not found", e.Name)
}

// ErrVersionMismatch: der Compiler ist neuer als der Treiber
var ErrVersionMismatch = errors.New("compiler is newer than driver")

// canonical macht aus "12.4" die semver-Form "v12.4"
func canonical(v string) string {
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}

// checkVersion prueft, dass der Treiber Images des Compilers laden kann
func checkVersion(drv gpu.Driver, c gpu.Compiler) error {
	cv, err := c.CompilerVersion()
	if err != nil {
		return fmt.Errorf("compiler version: %w", err)
	}
	dv, err := drv.DriverVersion()
	if err != nil {
		return fmt.Errorf("driver version: %w", err)
	}

	if !semver.IsValid(canonical(cv)) || !semver.IsValid(canonical(dv)) {
		slog.Warn("skipping version check", "compiler", cv, "driver", dv)
		return nil
	}
	if semver.Compare(canonical(cv), canonical(dv)) > 0 {
		return fmt.Errorf("compiler %s, driver %s: %w", cv, dv, ErrVersionMismatch)
	}
	return nil
}

// Ptx ist das Ergebnis eines Compiler-Laufs
type Ptx struct {
	name    string
	image   []byte
	log     string
	symbols []Symbol
}

func (p *Ptx) Name() string {
	return p.name
}

// Bytes gibt das ladbare Image zurueck
func (p *Ptx) Bytes() []byte {
	return p.image
}

// Log gibt das Compiler-Log zurueck (Warnungen), leer wenn es keine gab
func (p *Ptx) Log() string {
	return p.log
}

// Symbols gibt die exportierten Symbole des Quelltexts zurueck
func (p *Ptx) Symbols() []Symbol {
	return p.symbols
}

// Compile uebersetzt src mit dem Compiler von drv
func Compile(drv gpu.Driver, src, name string, opts Options) (*Ptx, error) {
	c, ok := drv.(gpu.Compiler)
	if !ok {
		return nil, fmt.Errorf("driver %s has no compiler: %w", drv.Name(), gpu.ErrNotSupported)
	}

	if !opts.DisableVersionCheck {
		if err := checkVersion(drv, c); err != nil {
			return nil, err
		}
	}

	flags := opts.Flags()
	slog.Debug("compiling", "name", name, "flags", flags)
	image, log, err := c.Compile(src, name, flags)
	if err != nil {
		return nil, &CompileError{Name: name, Log: log, Err: err}
	}
	if log != "" {
		slog.Warn("compiler output", "name", name, "log", log)
	}
	return &Ptx{name: name, image: image, log: log, symbols: Search(src)}, nil
}

// Kernels sind die aufgeloesten Einstiegsfunktionen eines geladenen Moduls
type Kernels struct {
	ptx *Ptx
	mod *gpu.Module
	fns map[string]*gpu.KernelFn
}

// Load uebersetzt src, laedt das Modul in den aktuellen Context und loest
// jeden Kernel auf
func Load(cur *gpu.CurrentContext, src, name string, opts Options) (*Kernels, error) {
	ptx, err := Compile(cur.Device().Driver(), src, name, opts)
	if err != nil {
		return nil, err
	}
	return LoadPtx(cur, ptx)
}

// LoadPtx laedt ein bereits uebersetztes Image
func LoadPtx(cur *gpu.CurrentContext, ptx *Ptx) (*Kernels, error) {
	mod, err := cur.LoadModule(ptx.Bytes())
	if err != nil {
		return nil, err
	}

	k := &Kernels{ptx: ptx, mod: mod, fns: make(map[string]*gpu.KernelFn)}
	for _, sym := range ptx.symbols {
		if sym.Kind != SymbolGlobal {
			continue
		}
		fn, err := mod.Function(sym.Name)
		if err != nil {
			mod.Unload()
			return nil, fmt.Errorf("resolve %s: %w", sym.Name, err)
		}
		k.fns[sym.Name] = fn
	}

	slog.Debug("loaded module", "name", ptx.name, "kernels", len(k.fns))
	return k, nil
}

// Get gibt den Kernel name zurueck
func (k *Kernels) Get(name string) (*gpu.KernelFn, error) {
	fn, ok := k.fns[name]
	if !ok {
		return nil, &SymbolNotFoundError{Name: name}
	}
	return fn, nil
}

// Names gibt die Namen aller Kernels sortiert zurueck
func (k *Kernels) Names() []string {
	names := make([]string, 0, len(k.fns))
	for name := range k.fns {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (k *Kernels) Ptx() *Ptx {
	return k.ptx
}

// Unload entlaedt das Modul; alle Kernels werden ungueltig
func (k *Kernels) Unload() error {
	return k.mod.Unload()
}
