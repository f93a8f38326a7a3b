// symbol.go - Suche nach exportierten Symbolen im Device-Quelltext
package jit

import (
	"fmt"
	"strings"
)

// SymbolKind unterscheidet Einstiegs-Kernels und Device-Funktionen
type SymbolKind int

const (
	SymbolGlobal SymbolKind = iota
	SymbolDevice
)

func (k SymbolKind) String() string {
	switch k {
	case SymbolGlobal:
		return "global"
	case SymbolDevice:
		return "device"
	default:
		return fmt.Sprintf("SymbolKind(%d)", int(k))
	}
}

// Symbol ist eine mit extern "C" exportierte Funktion
type Symbol struct {
	Kind SymbolKind
	Name string
}

func Global(name string) Symbol {
	return Symbol{Kind: SymbolGlobal, Name: name}
}

func Device(name string) Symbol {
	return Symbol{Kind: SymbolDevice, Name: name}
}

func (s Symbol) String() string {
	return fmt.Sprintf("%v(%s)", s.Kind, s.Name)
}

// Search findet alle extern "C" Deklarationen in Quelltext-Reihenfolge. Der
// Kopf vor der ersten Klammer bestimmt die Art: __global__ mit void-Rueckgabe
// ist ein Kernel, __device__ eine Device-Funktion. Das letzte Wort des Kopfs
// ist der Name.
func Search(src string) []Symbol {
	var symbols []Symbol
	parts := strings.Split(src, "extern")
	for _, part := range parts[1:] {
		decl, ok := strings.CutPrefix(strings.TrimSpace(part), `"C"`)
		if !ok {
			continue
		}
		head, _, ok := strings.Cut(decl, "(")
		if !ok {
			continue
		}

		fields := strings.Fields(head)
		if len(fields) < 2 {
			continue
		}
		name := fields[len(fields)-1]

		switch {
		case strings.Contains(head, "__global__") && strings.Contains(head, "void"):
			symbols = append(symbols, Global(name))
		case strings.Contains(head, "__device__"):
			symbols = append(symbols, Device(name))
		}
	}
	return symbols
}
