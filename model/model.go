// Package model - Modell-Registry und Pipeline vom Container bis zum Device
//
// Dieses Paket enthaelt:
// - Model: Interface fuer Architekturen (Beschreibung, Eingaben, Blockzahl)
// - Register/New: Konstruktoren je Architektur, ausgewaehlt ueber general.architecture
// - Build: Graph-Build mit den Standard-Operatoren
// - FixN: Variablen einsetzen und Gewichte an den Container binden
// - PlanWeights/LoadWeights: Gepackter Gewichtspuffer auf dem Device
package model

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/agnivade/levenshtein"

	"github.com/Ceng23333/cuda-driver/fs/ggml"
	"github.com/Ceng23333/cuda-driver/ml"
	"github.com/Ceng23333/cuda-driver/ml/nn"
)

var ErrUnsupportedModel = errors.New("model not supported")

// Model beschreibt eine Architektur fuer den Graph-Build
type Model interface {
	// Describe gibt die Modellbeschreibung zurueck
	Describe() nn.Module
	// Inputs sind die Metadaten der Graph-Eingaben
	Inputs() []ml.TensorMeta
	// Blocks ist die Anzahl Transformer-Bloecke
	Blocks() int
}

var models = make(map[string]func(*ggml.File) (Model, error))

// Register registriert einen Konstruktor fuer eine Architektur
func Register(name string, f func(*ggml.File) (Model, error)) {
	if _, ok := models[name]; ok {
		panic("model: model already registered")
	}

	models[name] = f
}

// Architectures gibt die registrierten Architekturen sortiert zurueck
func Architectures() []string {
	names := make([]string, 0, len(models))
	for name := range models {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// New erzeugt das Model fuer die Architektur von f. Der Konstruktor darf
// synthetische Tensors in f einfuegen.
func New(f *ggml.File) (Model, error) {
	arch := f.KV().Architecture()
	fn, ok := models[arch]
	if !ok {
		for name := range models {
			if levenshtein.ComputeDistance(arch, name) <= 2 {
				return nil, fmt.Errorf("%w: %s (did you mean %s?)", ErrUnsupportedModel, arch, name)
			}
		}
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedModel, arch)
	}

	m, err := fn(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", arch, err)
	}
	slog.Info("model", "architecture", arch, "blocks", m.Blocks(), "tensors", f.Len())
	return m, nil
}

// Build baut den Graphen von m mit den Standard-Operatoren
func Build(m Model) (*nn.Graph, error) {
	return nn.DefaultBuilder().Build(m.Describe(), m.Inputs()...)
}
