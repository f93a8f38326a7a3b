// stream.go - Streams und Events des Software-Geraets
//
// Jeder Stream ist eine Goroutine, die Operationen in Einreihungs-Reihenfolge
// ausfuehrt. Nach dem ersten Fehler werden weitere Arbeits-Operationen
// uebersprungen; Steuer-Operationen (Events, Warten, Synchronisieren) laufen
// weiter, damit niemand haengen bleibt.
package sim

import (
	"sync"
	"unsafe"

	"golang.org/x/sync/errgroup"

	"github.com/Ceng23333/cuda-driver/gpu"
)

const streamQueue = 256

type op struct {
	run     func() error
	control bool
}

type stream struct {
	ctx gpu.CtxHandle
	ops chan op

	sendMu sync.Mutex
	closed bool

	errMu sync.Mutex
	err   error
}

func newStream(ctx gpu.CtxHandle) *stream {
	s := &stream{ctx: ctx, ops: make(chan op, streamQueue)}
	go s.loop()
	return s
}

func (s *stream) loop() {
	for o := range s.ops {
		if !o.control && s.failed() != nil {
			continue
		}
		if err := o.run(); err != nil && !o.control {
			s.errMu.Lock()
			s.err = err
			s.errMu.Unlock()
		}
	}
}

func (s *stream) failed() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *stream) enqueue(o op) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if s.closed {
		return gpu.CodeInvalidHandle
	}
	s.ops <- o
	return nil
}

// drain wartet, bis alle bisher eingereihte Arbeit gelaufen ist
func (s *stream) drain() {
	done := make(chan struct{})
	if err := s.enqueue(op{run: func() error { close(done); return nil }, control: true}); err != nil {
		return
	}
	<-done
}

func (s *stream) sync() error {
	s.drain()
	return s.failed()
}

func (s *stream) close() {
	s.drain()

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ops)
	}
}

// contextStreams gibt alle Streams eines Contexts zurueck; Aufrufer haelt d.mu
func (d *Driver) contextStreams(ctx gpu.CtxHandle) []*stream {
	var streams []*stream
	for _, s := range d.streams {
		if s.ctx == ctx {
			streams = append(streams, s)
		}
	}
	return streams
}

func (d *Driver) stream(h gpu.StreamHandle) (*stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	s, ok := d.streams[h]
	if !ok {
		return nil, gpu.CodeInvalidHandle
	}
	return s, nil
}

// submit reiht eine Arbeits-Operation in den Stream h ein
func (d *Driver) submit(h gpu.StreamHandle, run func() error) error {
	s, err := d.stream(h)
	if err != nil {
		return err
	}
	return s.enqueue(op{run: run})
}

// CtxSynchronize wartet parallel auf alle Streams des Contexts und meldet
// den ersten Fehler
func (d *Driver) CtxSynchronize(ctx gpu.CtxHandle) error {
	d.mu.Lock()
	_, err := d.device(ctx)
	streams := d.contextStreams(ctx)
	d.mu.Unlock()
	if err != nil {
		return err
	}

	var g errgroup.Group
	for _, s := range streams {
		g.Go(s.sync)
	}
	return g.Wait()
}

func (d *Driver) StreamCreate(ctx gpu.CtxHandle) (gpu.StreamHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := d.device(ctx); err != nil {
		return 0, err
	}
	h := gpu.StreamHandle(d.handle())
	d.streams[h] = newStream(ctx)
	return h, nil
}

func (d *Driver) StreamSynchronize(h gpu.StreamHandle) error {
	s, err := d.stream(h)
	if err != nil {
		return err
	}
	return s.sync()
}

func (d *Driver) StreamDestroy(h gpu.StreamHandle) error {
	d.mu.Lock()
	s, ok := d.streams[h]
	delete(d.streams, h)
	d.mu.Unlock()

	if !ok {
		return gpu.CodeInvalidHandle
	}
	s.close()
	return nil
}

type event struct {
	ctx gpu.CtxHandle

	mu   sync.Mutex
	done chan struct{}
}

func (e *event) current() chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done
}

func (d *Driver) event(h gpu.EventHandle) (*event, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.events[h]
	if !ok {
		return nil, gpu.CodeInvalidHandle
	}
	return e, nil
}

// EventCreate erzeugt ein Event, das ohne Aufzeichnung als fertig gilt
func (d *Driver) EventCreate(ctx gpu.CtxHandle) (gpu.EventHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := d.device(ctx); err != nil {
		return 0, err
	}

	done := make(chan struct{})
	close(done)
	h := gpu.EventHandle(d.handle())
	d.events[h] = &event{ctx: ctx, done: done}
	return h, nil
}

func (d *Driver) EventRecord(h gpu.EventHandle, sh gpu.StreamHandle) error {
	e, err := d.event(h)
	if err != nil {
		return err
	}
	s, err := d.stream(sh)
	if err != nil {
		return err
	}
	if e.ctx != s.ctx {
		return gpu.CodeInvalidContext
	}

	// das neue done gilt erst, wenn die Operation wirklich eingereiht ist
	done := make(chan struct{})
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := s.enqueue(op{run: func() error { close(done); return nil }, control: true}); err != nil {
		return err
	}
	e.done = done
	return nil
}

func (d *Driver) EventQuery(h gpu.EventHandle) (bool, error) {
	e, err := d.event(h)
	if err != nil {
		return false, err
	}

	select {
	case <-e.current():
		return true, nil
	default:
		return false, nil
	}
}

func (d *Driver) EventSynchronize(h gpu.EventHandle) error {
	e, err := d.event(h)
	if err != nil {
		return err
	}
	<-e.current()
	return nil
}

func (d *Driver) EventDestroy(h gpu.EventHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.events[h]; !ok {
		return gpu.CodeInvalidHandle
	}
	delete(d.events, h)
	return nil
}

// StreamWaitEvent laesst spaetere Arbeit in s auf die zuletzt aufgezeichnete
// Arbeit von e warten
func (d *Driver) StreamWaitEvent(sh gpu.StreamHandle, h gpu.EventHandle) error {
	e, err := d.event(h)
	if err != nil {
		return err
	}
	s, err := d.stream(sh)
	if err != nil {
		return err
	}

	done := e.current()
	return s.enqueue(op{run: func() error { <-done; return nil }, control: true})
}

func (d *Driver) MemcpyHtoDAsync(dst gpu.DevicePtr, src unsafe.Pointer, n uint64, s gpu.StreamHandle) error {
	return d.submit(s, func() error {
		return d.write(dst, hostBytes(src, n))
	})
}

func (d *Driver) MemcpyDtoHAsync(dst unsafe.Pointer, src gpu.DevicePtr, n uint64, s gpu.StreamHandle) error {
	return d.submit(s, func() error {
		return d.read(src, hostBytes(dst, n))
	})
}

func (d *Driver) MemcpyDtoDAsync(dst, src gpu.DevicePtr, n uint64, s gpu.StreamHandle) error {
	return d.submit(s, func() error {
		return d.copyDtoD(dst, src, n)
	})
}

func (d *Driver) MemsetD8Async(dst gpu.DevicePtr, v byte, n uint64, s gpu.StreamHandle) error {
	return d.submit(s, func() error {
		return d.access(dst, n, func(b []byte) {
			for i := range b {
				b[i] = v
			}
		})
	})
}

func (d *Driver) Memcpy3DAsync(p *gpu.Memcpy3D, s gpu.StreamHandle) error {
	if p.SrcMemoryType == gpu.MemoryTypeArray || p.DstMemoryType == gpu.MemoryTypeArray {
		return gpu.CodeNotSupported
	}

	cp := *p
	return d.submit(s, func() error {
		return d.memcpy3D(&cp)
	})
}

// memcpy3D fuehrt eine Kopie zeilenweise aus
func (d *Driver) memcpy3D(p *gpu.Memcpy3D) error {
	return p.Rows(func(srcOff, dstOff, n uint64) error {
		var row []byte
		if p.SrcMemoryType == gpu.MemoryTypeHost {
			row = hostBytes(unsafe.Add(p.SrcHost, srcOff), n)
		} else {
			row = make([]byte, n)
			if err := d.read(p.SrcDevice+gpu.DevicePtr(srcOff), row); err != nil {
				return err
			}
		}

		if p.DstMemoryType == gpu.MemoryTypeHost {
			copy(hostBytes(unsafe.Add(p.DstHost, dstOff), n), row)
			return nil
		}
		return d.write(p.DstDevice+gpu.DevicePtr(dstOff), row)
	})
}
