// comm.go - Kollektive Operationen ueber mehrere Devices
//
// Dieses Modul enthaelt:
// - Comm: Ein Rang eines Kommunikators, an einen Context gebunden
// - NewComms: Ein Kommunikator ueber alle uebergebenen Contexts
// - AllReduce/Broadcast: Auf einem Stream; beim Aufzeichnen ein Graph-Knoten
package gpu

import (
	"fmt"

	"github.com/Ceng23333/cuda-driver/ml"
)

// CollectiveOp ist die Art einer Kollektiv-Operation
type CollectiveOp int

const (
	CollectiveAllReduce CollectiveOp = iota
	CollectiveBroadcast
)

func (op CollectiveOp) String() string {
	switch op {
	case CollectiveAllReduce:
		return "all-reduce"
	case CollectiveBroadcast:
		return "broadcast"
	default:
		return fmt.Sprintf("CollectiveOp(%d)", int(op))
	}
}

// CollectiveNode beschreibt eine Kollektiv-Operation eines Rangs
type CollectiveNode struct {
	Op     CollectiveOp
	Comm   *Comm
	Send   DevSlice
	Recv   DevSlice
	DType  ml.DType
	Reduce ReduceOp
	Root   int
}

func (c *CollectiveNode) count() uint64 {
	return c.Send.Len / c.DType.Size()
}

func (c *CollectiveNode) validate() error {
	switch {
	case c.Comm == nil:
		return fmt.Errorf("%v: no communicator: %w", c.Op, ErrInvalidValue)
	case c.DType.Size() == 0 || c.Send.Len%c.DType.Size() != 0:
		return fmt.Errorf("%v: %d bytes is not a multiple of %s: %w", c.Op, c.Send.Len, c.DType, ErrInvalidValue)
	case c.Send.Len != c.Recv.Len:
		return fmt.Errorf("%v: send %d bytes, recv %d bytes: %w", c.Op, c.Send.Len, c.Recv.Len, ErrInvalidValue)
	case c.Op == CollectiveBroadcast && (c.Root < 0 || c.Root >= c.Comm.size):
		return fmt.Errorf("%v: root %d out of range: %w", c.Op, c.Root, ErrInvalidValue)
	}
	return nil
}

// run fuehrt die Operation auf s aus
func (c *CollectiveNode) run(s StreamHandle) error {
	coll := c.Comm.coll
	switch c.Op {
	case CollectiveAllReduce:
		return wrap("all reduce", coll.AllReduce(c.Comm.handle, c.Send.Ptr, c.Recv.Ptr, c.count(), c.DType, c.Reduce, s))
	case CollectiveBroadcast:
		return wrap("broadcast", coll.Broadcast(c.Comm.handle, c.Send.Ptr, c.Recv.Ptr, c.count(), c.DType, c.Root, s))
	default:
		return fmt.Errorf("%v: %w", c.Op, ErrNotSupported)
	}
}

// Comm ist ein Rang eines Kommunikators
type Comm struct {
	ctx    *Context
	coll   Collectives
	handle CommHandle
	rank   int
	size   int
}

// NewComms erzeugt einen Kommunikator ueber alle Contexts; Rang i gehoert zu ctxs[i]
func NewComms(ctxs ...*Context) ([]*Comm, error) {
	if len(ctxs) == 0 {
		return nil, fmt.Errorf("new comms: no contexts: %w", ErrInvalidValue)
	}

	drv := ctxs[0].drv
	coll, ok := drv.(Collectives)
	if !ok {
		return nil, fmt.Errorf("driver %s has no collectives: %w", drv.Name(), ErrNotSupported)
	}

	ordinals := make([]int, len(ctxs))
	for i, c := range ctxs {
		if c.drv != drv {
			return nil, fmt.Errorf("new comms: %w", ErrContextMismatch)
		}
		ordinals[i] = c.dev.ordinal
	}

	handles, err := coll.CommInitAll(ordinals)
	if err != nil {
		return nil, wrap("comm init all", err)
	}

	comms := make([]*Comm, len(ctxs))
	for i, h := range handles {
		comms[i] = &Comm{ctx: ctxs[i], coll: coll, handle: h, rank: i, size: len(ctxs)}
	}
	return comms, nil
}

func (c *Comm) Rank() int {
	return c.rank
}

func (c *Comm) Size() int {
	return c.size
}

func (c *Comm) Destroy() error {
	return wrap("comm destroy", c.coll.CommDestroy(c.handle))
}

// AllReduce reduziert send ueber alle Raenge nach recv. Jeder Rang muss
// seine Operationen in derselben Reihenfolge absetzen.
func (c *Comm) AllReduce(s *Stream, recv, send DevSlice, dt ml.DType, op ReduceOp) error {
	return c.submit(s, CollectiveNode{Op: CollectiveAllReduce, Comm: c, Send: send, Recv: recv, DType: dt, Reduce: op})
}

// Broadcast kopiert send des Rangs root nach recv aller Raenge
func (c *Comm) Broadcast(s *Stream, recv, send DevSlice, dt ml.DType, root int) error {
	return c.submit(s, CollectiveNode{Op: CollectiveBroadcast, Comm: c, Send: send, Recv: recv, DType: dt, Root: root})
}

func (c *Comm) submit(s *Stream, op CollectiveNode) error {
	if s.ctx != c.ctx {
		return fmt.Errorf("%v on rank %d: %w", op.Op, c.rank, ErrContextMismatch)
	}
	if err := op.validate(); err != nil {
		return err
	}
	if s.capture != nil {
		return s.capture.recordCollective(op)
	}
	return op.run(s.handle)
}
