// memcpy.go - Allgemeine 3D-Kopierbeschreibung
//
// Memcpy3D entspricht dem Kopier-Deskriptor des Vendor-Treibers: Quelle und
// Ziel haben je Speicherart, Basisadresse, Pitch und Hoehe; die Ausdehnung
// ist WidthInBytes x Height x Depth. Die Konstruktoren decken die linearen
// Faelle ab, die Struktur selbst ist der massgebliche Weg.
package gpu

import (
	"fmt"
	"unsafe"
)

// MemoryType ist die Speicherart einer Kopier-Seite
type MemoryType uint32

const (
	MemoryTypeHost    MemoryType = 1
	MemoryTypeDevice  MemoryType = 2
	MemoryTypeArray   MemoryType = 3
	MemoryTypeUnified MemoryType = 4
)

func (t MemoryType) String() string {
	switch t {
	case MemoryTypeHost:
		return "host"
	case MemoryTypeDevice:
		return "device"
	case MemoryTypeArray:
		return "array"
	case MemoryTypeUnified:
		return "unified"
	default:
		return fmt.Sprintf("MemoryType(%d)", uint32(t))
	}
}

// Memcpy3D beschreibt eine Kopie. Host-Zeiger sind unsafe.Pointer, damit der
// Garbage Collector den Speicher festhaelt, solange der Deskriptor lebt.
type Memcpy3D struct {
	SrcXInBytes, SrcY, SrcZ, SrcLOD uint64
	SrcMemoryType                   MemoryType
	SrcHost                         unsafe.Pointer
	SrcDevice                       DevicePtr
	SrcArray                        uintptr
	SrcPitch, SrcHeight             uint64

	DstXInBytes, DstY, DstZ, DstLOD uint64
	DstMemoryType                   MemoryType
	DstHost                         unsafe.Pointer
	DstDevice                       DevicePtr
	DstArray                        uintptr
	DstPitch, DstHeight             uint64

	WidthInBytes, Height, Depth uint64
}

// linear ist die Vorlage fuer zusammenhaengende Kopien von n Bytes
func linear(n uint64) Memcpy3D {
	return Memcpy3D{
		SrcMemoryType: MemoryTypeDevice,
		DstMemoryType: MemoryTypeDevice,
		SrcPitch:      n,
		SrcHeight:     1,
		DstPitch:      n,
		DstHeight:     1,
		WidthInBytes:  n,
		Height:        1,
		Depth:         1,
	}
}

func memcpyDtoD(dst, src DevSlice) Memcpy3D {
	p := linear(src.Len)
	p.SrcDevice = src.Ptr
	p.DstDevice = dst.Ptr
	return p
}

func memcpyHtoD(dst DevSlice, src []byte) Memcpy3D {
	p := linear(dst.Len)
	p.SrcMemoryType = MemoryTypeHost
	p.SrcHost = unsafe.Pointer(unsafe.SliceData(src))
	p.DstDevice = dst.Ptr
	return p
}

func memcpyDtoH(dst []byte, src DevSlice) Memcpy3D {
	p := linear(src.Len)
	p.SrcDevice = src.Ptr
	p.DstMemoryType = MemoryTypeHost
	p.DstHost = unsafe.Pointer(unsafe.SliceData(dst))
	return p
}

// Bytes gibt die Anzahl kopierter Bytes zurueck
func (p *Memcpy3D) Bytes() uint64 {
	return p.WidthInBytes * max(p.Height, 1) * max(p.Depth, 1)
}

func (p *Memcpy3D) empty() bool {
	return p.WidthInBytes == 0 || p.Height == 0 || p.Depth == 0
}

func (p *Memcpy3D) direction() string {
	src, dst := "d", "d"
	if p.SrcMemoryType == MemoryTypeHost {
		src = "h"
	}
	if p.DstMemoryType == MemoryTypeHost {
		dst = "h"
	}
	return src + "to" + dst
}

// SrcSpan gibt die erste Adresse und die Anzahl Bytes zurueck, die die Kopie
// auf der Quellseite beruehrt (inklusive Luecken zwischen den Zeilen)
func (p *Memcpy3D) SrcSpan() (uint64, uint64) {
	return span(p.SrcXInBytes, p.SrcY, p.SrcZ, p.SrcPitch, p.SrcHeight, p)
}

// DstSpan ist SrcSpan fuer die Zielseite
func (p *Memcpy3D) DstSpan() (uint64, uint64) {
	return span(p.DstXInBytes, p.DstY, p.DstZ, p.DstPitch, p.DstHeight, p)
}

func span(x, y, z, pitch, height uint64, p *Memcpy3D) (uint64, uint64) {
	pitch = max(pitch, p.WidthInBytes)
	height = max(height, p.Height)

	first := x + y*pitch + z*pitch*height
	last := x + (y+p.Height-1)*pitch + (z+p.Depth-1)*pitch*height + p.WidthInBytes
	return first, last - first
}

// Rows ruft fn fuer jede zusammenhaengende Zeile der Kopie auf, mit den
// Byte-Offsets relativ zur jeweiligen Basis
func (p *Memcpy3D) Rows(fn func(srcOff, dstOff, n uint64) error) error {
	if p.empty() {
		return nil
	}

	srcPitch, srcHeight := max(p.SrcPitch, p.WidthInBytes), max(p.SrcHeight, p.Height)
	dstPitch, dstHeight := max(p.DstPitch, p.WidthInBytes), max(p.DstHeight, p.Height)
	for z := range p.Depth {
		for y := range p.Height {
			src := p.SrcXInBytes + (p.SrcY+y)*srcPitch + (p.SrcZ+z)*srcPitch*srcHeight
			dst := p.DstXInBytes + (p.DstY+y)*dstPitch + (p.DstZ+z)*dstPitch*dstHeight
			if err := fn(src, dst, p.WidthInBytes); err != nil {
				return err
			}
		}
	}
	return nil
}
