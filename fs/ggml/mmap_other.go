//go:build !unix

package ggml

import (
	"errors"
	"os"
)

// mapFile liest die Datei komplett ein, wenn kein mmap verfuegbar ist
func mapFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil && len(data) == 0 {
		return nil, errors.New("empty file")
	}
	return data, err
}

func unmapFile([]byte) error { return nil }

func adviseWillNeed([]byte) error { return nil }
