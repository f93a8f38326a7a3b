// Package ggml - GGUF-Container als externe Tensor-Quelle
//
// Decode liest nur den Header eines Shards (KV und Tensor-Infos). Die Daten
// selbst werden nicht gelesen, File greift ueber das Mapping darauf zu.
package ggml

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Magic-Bytes "GGUF" als little/big endian uint32
const (
	magicGGUFLE = 0x46554747
	magicGGUFBE = 0x47475546
)

var ErrUnsupportedFormat = errors.New("unsupported model format")

// GGML ist der dekodierte Header eines Shards
type GGML struct {
	*gguf

	// Length ist die Laenge des Headers inklusive Tensor-Infos
	Length int64
}

// Decode dekodiert einen GGUF-Header. Arrays mit mehr als maxArraySize
// Elementen werden nur gezaehlt, bei negativem Wert vollstaendig gelesen.
func Decode(rs io.ReadSeeker, maxArraySize int) (*GGML, error) {
	var magic uint32
	if err := binary.Read(rs, binary.LittleEndian, &magic); err != nil {
		return nil, err
	}

	c := &containerGGUF{maxArraySize: maxArraySize}
	switch magic {
	case magicGGUFLE:
		c.ByteOrder = binary.LittleEndian
	case magicGGUFBE:
		c.ByteOrder = binary.BigEndian
	default:
		return nil, fmt.Errorf("%w: magic %#x", ErrUnsupportedFormat, magic)
	}

	g, err := c.Decode(rs)
	if err != nil {
		return nil, err
	}

	n, err := rs.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, err
	}
	return &GGML{gguf: g, Length: n}, nil
}
