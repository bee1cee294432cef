package npy

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strings"
)

// Write emits a version 1.0 npy file with little-endian float32 data in C
// order. The data length must match the shape product.
func Write(w io.Writer, shape []int, data []float32) error {
	count := 1
	for _, d := range shape {
		if d < 0 {
			return fmt.Errorf("npy: negative shape entry %d", d)
		}
		count *= d
	}
	if count != len(data) {
		return fmt.Errorf("npy: shape %v wants %d values, have %d", shape, count, len(data))
	}

	var sb strings.Builder
	sb.WriteString("{'descr': '<f4', 'fortran_order': False, 'shape': (")
	for i, d := range shape {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%d", d)
	}
	if len(shape) == 1 {
		sb.WriteString(",")
	}
	sb.WriteString("), }")
	dict := sb.String()

	// magic + version + uint16 length + dict + padding + '\n', padded so the
	// data starts on a 64-byte boundary.
	prefix := len(magic) + 2 + 2
	total := prefix + len(dict) + 1
	pad := 0
	if rem := total % 64; rem != 0 {
		pad = 64 - rem
	}
	headerLen := len(dict) + pad + 1

	if _, err := io.WriteString(w, magic); err != nil {
		return err
	}
	if _, err := w.Write([]byte{1, 0}); err != nil {
		return err
	}
	var l [2]byte
	binary.LittleEndian.PutUint16(l[:], uint16(headerLen))
	if _, err := w.Write(l[:]); err != nil {
		return err
	}
	if _, err := io.WriteString(w, dict); err != nil {
		return err
	}
	if _, err := io.WriteString(w, strings.Repeat(" ", pad)+"\n"); err != nil {
		return err
	}

	buf := make([]byte, 4*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	_, err := w.Write(buf)
	return err
}
