// stream.go - Streams, Events und Stream-Capture
//
// Dieses Modul enthaelt:
// - Stream: FIFO-Warteschlange fuer asynchrone Arbeit auf dem Device
// - Event: Zeitpunkt in einem Stream fuer Ordnung zwischen Streams
// - Capture: Zeichnet die Arbeit eines Streams als Graph auf, statt sie auszufuehren
package gpu

import (
	"fmt"
	"log/slog"
	"unsafe"

	"github.com/Ceng23333/cuda-driver/logutil"
	"github.com/Ceng23333/cuda-driver/metrics"
)

// Stream ist eine FIFO-Warteschlange eines Contexts
type Stream struct {
	ctx    *Context
	handle StreamHandle

	capture *Capture
}

// Stream erzeugt einen neuen Stream
func (cur *CurrentContext) Stream() (*Stream, error) {
	h, err := cur.drv.StreamCreate(cur.handle)
	if err != nil {
		return nil, wrap("stream create", err)
	}
	return &Stream{ctx: cur.Context, handle: h}, nil
}

func (s *Stream) Context() *Context {
	return s.ctx
}

func (s *Stream) Handle() StreamHandle {
	return s.handle
}

// Capturing meldet, ob der Stream gerade aufzeichnet
func (s *Stream) Capturing() bool {
	return s.capture != nil
}

// Synchronize wartet, bis alle Arbeit im Stream fertig ist
func (s *Stream) Synchronize() error {
	if s.capture != nil {
		return fmt.Errorf("stream synchronize: %w", ErrCapturing)
	}
	return wrap("stream synchronize", s.ctx.drv.StreamSynchronize(s.handle))
}

// Destroy wartet auf die Arbeit im Stream und gibt ihn frei
func (s *Stream) Destroy() error {
	if s.capture != nil {
		s.capture.abort()
	}
	if err := s.ctx.drv.StreamSynchronize(s.handle); err != nil {
		slog.Warn("stream had failed work on destroy", "error", err)
	}
	return wrap("stream destroy", s.ctx.drv.StreamDestroy(s.handle))
}

// MemcpyHtoD kopiert src asynchron nach dst. src muss bis zum Abschluss
// gueltig bleiben; beim Aufzeichnen haelt der Graph src fest.
func (s *Stream) MemcpyHtoD(dst DevSlice, src []byte) error {
	if err := checkLen("memcpy htod", dst.Len, uint64(len(src))); err != nil {
		return err
	}
	if s.capture != nil {
		return s.capture.record(memcpyHtoD(dst, src), src)
	}
	if len(src) == 0 {
		return nil
	}

	metrics.CopyBytes.WithLabelValues("htod").Add(float64(len(src)))
	return wrap("memcpy htod async", s.ctx.drv.MemcpyHtoDAsync(dst.Ptr, unsafe.Pointer(&src[0]), dst.Len, s.handle))
}

// MemcpyDtoH kopiert src asynchron nach dst
func (s *Stream) MemcpyDtoH(dst []byte, src DevSlice) error {
	if err := checkLen("memcpy dtoh", uint64(len(dst)), src.Len); err != nil {
		return err
	}
	if s.capture != nil {
		return s.capture.record(memcpyDtoH(dst, src), dst)
	}
	if len(dst) == 0 {
		return nil
	}

	metrics.CopyBytes.WithLabelValues("dtoh").Add(float64(len(dst)))
	return wrap("memcpy dtoh async", s.ctx.drv.MemcpyDtoHAsync(unsafe.Pointer(&dst[0]), src.Ptr, src.Len, s.handle))
}

// MemcpyDtoD kopiert src asynchron nach dst
func (s *Stream) MemcpyDtoD(dst, src DevSlice) error {
	if err := checkLen("memcpy dtod", dst.Len, src.Len); err != nil {
		return err
	}
	if s.capture != nil {
		return s.capture.record(memcpyDtoD(dst, src), nil)
	}
	if src.Len == 0 {
		return nil
	}

	metrics.CopyBytes.WithLabelValues("dtod").Add(float64(src.Len))
	return wrap("memcpy dtod async", s.ctx.drv.MemcpyDtoDAsync(dst.Ptr, src.Ptr, src.Len, s.handle))
}

// Memcpy3D fuehrt eine allgemeine Kopie asynchron aus
func (s *Stream) Memcpy3D(p Memcpy3D) error {
	if s.capture != nil {
		return s.capture.record(p, nil)
	}
	if p.empty() {
		return nil
	}

	metrics.CopyBytes.WithLabelValues(p.direction()).Add(float64(p.Bytes()))
	return wrap("memcpy 3d async", s.ctx.drv.Memcpy3DAsync(&p, s.handle))
}

// Memset setzt jedes Byte von dst auf v. Nicht aufzeichenbar.
func (s *Stream) Memset(dst DevSlice, v byte) error {
	if s.capture != nil {
		return fmt.Errorf("memset: %w", ErrCapturing)
	}
	if dst.Len == 0 {
		return nil
	}
	return wrap("memset d8 async", s.ctx.drv.MemsetD8Async(dst.Ptr, v, dst.Len, s.handle))
}

// Launch startet fn mit den Argumenten aus params
func (s *Stream) Launch(fn *KernelFn, cfg LaunchConfig, params *KernelParams) error {
	if !fn.valid() {
		return &DriverError{Op: "launch kernel", Code: CodeInvalidHandle}
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if fn.mod.ctx != s.ctx {
		return fmt.Errorf("launch %s: %w", fn.name, ErrContextMismatch)
	}
	if s.capture != nil {
		return s.capture.recordKernel(fn, cfg, params)
	}

	logutil.Trace("launch kernel", "name", fn.name, "grid", cfg.Grid, "block", cfg.Block)
	metrics.KernelLaunches.WithLabelValues(fn.name).Inc()
	return wrap("launch kernel", s.ctx.drv.LaunchKernel(fn.handle, cfg.Grid, cfg.Block, cfg.Shared, s.handle, params.Ptrs()))
}

// Record zeichnet ev am aktuellen Ende des Streams auf
func (s *Stream) Record(ev *Event) error {
	if s.capture != nil {
		return fmt.Errorf("event record: %w", ErrCapturing)
	}
	return wrap("event record", s.ctx.drv.EventRecord(ev.handle, s.handle))
}

// Wait laesst alle spaetere Arbeit im Stream auf ev warten
func (s *Stream) Wait(ev *Event) error {
	if s.capture != nil {
		return fmt.Errorf("stream wait event: %w", ErrCapturing)
	}
	return wrap("stream wait event", s.ctx.drv.StreamWaitEvent(s.handle, ev.handle))
}

// Event markiert einen Zeitpunkt in einem Stream
type Event struct {
	ctx    *Context
	handle EventHandle
}

// Event erzeugt ein neues Event
func (cur *CurrentContext) Event() (*Event, error) {
	h, err := cur.drv.EventCreate(cur.handle)
	if err != nil {
		return nil, wrap("event create", err)
	}
	return &Event{ctx: cur.Context, handle: h}, nil
}

// Query meldet, ob die aufgezeichnete Arbeit fertig ist, ohne zu blockieren
func (e *Event) Query() (bool, error) {
	done, err := e.ctx.drv.EventQuery(e.handle)
	return done, wrap("event query", err)
}

// Synchronize wartet, bis die aufgezeichnete Arbeit fertig ist
func (e *Event) Synchronize() error {
	return wrap("event synchronize", e.ctx.drv.EventSynchronize(e.handle))
}

func (e *Event) Destroy() error {
	return wrap("event destroy", e.ctx.drv.EventDestroy(e.handle))
}

// Capture zeichnet die Arbeit eines Streams als Graph auf. Jeder neue Knoten
// haengt vom vorherigen ab, wie es die FIFO-Ordnung des Streams verlangt.
type Capture struct {
	stream *Stream
	graph  *Graph
	last   []NodeID
	err    error
}

// BeginCapture startet die Aufzeichnung. Bis End wird keine Arbeit ausgefuehrt.
func (s *Stream) BeginCapture() (*Capture, error) {
	if s.capture != nil {
		return nil, fmt.Errorf("begin capture: %w", ErrCapturing)
	}

	s.capture = &Capture{stream: s, graph: NewGraph()}
	slog.Debug("begin stream capture", "graph", s.capture.graph.ID())
	return s.capture, nil
}

// End beendet die Aufzeichnung und gibt den Graphen zurueck. Schlug eine
// Aufzeichnung fehl, wird der Fehler hier gemeldet.
func (c *Capture) End() (*Graph, error) {
	if c.stream == nil || c.stream.capture != c {
		return nil, fmt.Errorf("end capture: stream is not capturing: %w", ErrInvalidValue)
	}

	c.stream.capture = nil
	c.stream = nil
	if c.err != nil {
		c.graph.Destroy()
		return nil, c.err
	}
	return c.graph, nil
}

func (c *Capture) abort() {
	c.stream.capture = nil
	c.stream = nil
	c.graph.Destroy()
}

func (c *Capture) add(id NodeID, err error) error {
	if err != nil {
		c.err = err
		return err
	}
	c.last = []NodeID{id}
	return nil
}

func (c *Capture) record(p Memcpy3D, host []byte) error {
	if c.err != nil {
		return c.err
	}
	c.graph.anchor(host)
	return c.add(c.graph.AddMemcpyNodeWithParams(p, c.last...))
}

func (c *Capture) recordKernel(fn *KernelFn, cfg LaunchConfig, params *KernelParams) error {
	if c.err != nil {
		return c.err
	}
	return c.add(c.graph.AddKernel(fn, cfg, params, c.last...))
}

func (c *Capture) recordCollective(op CollectiveNode) error {
	if c.err != nil {
		return c.err
	}
	return c.add(c.graph.AddCollective(op, c.last...))
}
