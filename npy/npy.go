// Package npy reads and writes NumPy array files (.npy, .npz) without
// materializing the array, which keeps point cloud analysis memory-bounded.
package npy

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

const (
	magic = "\x93NUMPY"

	// Caps guard against hostile headers: the declared geometry is never
	// trusted before the payload backs it up.
	maxHeaderLen    = 1 << 20
	maxColumns      = 1 << 16
	maxBufferedSize = 1 << 28
)

var (
	ErrBadMagic = errors.New("npy: bad magic")
)

// DType describes a single array element.
type DType struct {
	Order binary.ByteOrder
	Kind  byte
	Size  int
}

// Header is the parsed npy preamble.
type Header struct {
	Major        byte
	Minor        byte
	Descr        string
	DType        DType
	FortranOrder bool
	Shape        []int
}

// ReadHeader consumes and validates the npy preamble, leaving r positioned
// at the first data byte.
func ReadHeader(r io.Reader) (*Header, error) {
	var pre [8]byte
	if _, err := io.ReadFull(r, pre[:]); err != nil {
		return nil, fmt.Errorf("npy: read magic: %w", err)
	}
	if string(pre[:6]) != magic {
		return nil, ErrBadMagic
	}
	major, minor := pre[6], pre[7]

	var headerLen int
	switch major {
	case 1:
		var l [2]byte
		if _, err := io.ReadFull(r, l[:]); err != nil {
			return nil, fmt.Errorf("npy: read header length: %w", err)
		}
		headerLen = int(binary.LittleEndian.Uint16(l[:]))
	case 2, 3:
		var l [4]byte
		if _, err := io.ReadFull(r, l[:]); err != nil {
			return nil, fmt.Errorf("npy: read header length: %w", err)
		}
		headerLen = int(binary.LittleEndian.Uint32(l[:]))
	default:
		return nil, fmt.Errorf("npy: unsupported format version %d.%d", major, minor)
	}
	if headerLen <= 0 || headerLen > maxHeaderLen {
		return nil, fmt.Errorf("npy: implausible header length %d", headerLen)
	}

	buf := make([]byte, headerLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("npy: read header: %w", err)
	}

	descr, fortran, shape, err := parseHeaderDict(string(buf))
	if err != nil {
		return nil, err
	}
	dt, err := ParseDType(descr)
	if err != nil {
		return nil, err
	}

	return &Header{
		Major:        major,
		Minor:        minor,
		Descr:        descr,
		DType:        dt,
		FortranOrder: fortran,
		Shape:        shape,
	}, nil
}

// ParseDType interprets a NumPy descr string such as "<f4" or "|u1".
func ParseDType(descr string) (DType, error) {
	if descr == "" {
		return DType{}, errors.New("npy: empty dtype")
	}
	rest := descr
	orderCh := byte('|')
	switch descr[0] {
	case '<', '>', '|', '=':
		orderCh = descr[0]
		rest = descr[1:]
	case '[', '(':
		return DType{}, errors.New("npy: structured dtypes not supported")
	}
	if len(rest) < 2 {
		return DType{}, fmt.Errorf("npy: unsupported dtype %q", descr)
	}

	kind := rest[0]
	size, err := strconv.Atoi(rest[1:])
	if err != nil {
		return DType{}, fmt.Errorf("npy: unsupported dtype %q", descr)
	}

	ok := false
	switch kind {
	case 'f':
		ok = size == 4 || size == 8
	case 'i', 'u':
		ok = size == 1 || size == 2 || size == 4 || size == 8
	case 'b':
		ok = size == 1
	}
	if !ok {
		return DType{}, fmt.Errorf("npy: unsupported dtype %q", descr)
	}

	var order binary.ByteOrder = binary.LittleEndian
	if orderCh == '>' {
		order = binary.BigEndian
	}
	return DType{Order: order, Kind: kind, Size: size}, nil
}

// decode converts one raw element to float64.
func (d DType) decode(b []byte) float64 {
	switch d.Kind {
	case 'f':
		if d.Size == 4 {
			return float64(math.Float32frombits(d.Order.Uint32(b)))
		}
		return math.Float64frombits(d.Order.Uint64(b))
	case 'i':
		switch d.Size {
		case 1:
			return float64(int8(b[0]))
		case 2:
			return float64(int16(d.Order.Uint16(b)))
		case 4:
			return float64(int32(d.Order.Uint32(b)))
		default:
			return float64(int64(d.Order.Uint64(b)))
		}
	case 'u':
		switch d.Size {
		case 1:
			return float64(b[0])
		case 2:
			return float64(d.Order.Uint16(b))
		case 4:
			return float64(d.Order.Uint32(b))
		default:
			return float64(d.Order.Uint64(b))
		}
	default: // 'b'
		if b[0] != 0 {
			return 1
		}
		return 0
	}
}

func parseHeaderDict(s string) (descr string, fortran bool, shape []int, err error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '{' || s[len(s)-1] != '}' {
		return "", false, nil, errors.New("npy: malformed header dict")
	}
	body := s[1 : len(s)-1]

	sawDescr, sawShape := false, false
	i := 0
	for i < len(body) {
		for i < len(body) && (body[i] == ' ' || body[i] == ',' || body[i] == '\n' || body[i] == '\t') {
			i++
		}
		if i >= len(body) {
			break
		}

		key, n, perr := readPyString(body[i:])
		if perr != nil {
			return "", false, nil, perr
		}
		i += n

		for i < len(body) && body[i] == ' ' {
			i++
		}
		if i >= len(body) || body[i] != ':' {
			return "", false, nil, errors.New("npy: malformed header dict")
		}
		i++
		for i < len(body) && body[i] == ' ' {
			i++
		}
		if i >= len(body) {
			return "", false, nil, errors.New("npy: malformed header dict")
		}

		switch key {
		case "descr":
			if body[i] == '[' {
				return "", false, nil, errors.New("npy: structured dtypes not supported")
			}
			v, n, perr := readPyString(body[i:])
			if perr != nil {
				return "", false, nil, perr
			}
			descr = v
			sawDescr = true
			i += n
		case "fortran_order":
			switch {
			case strings.HasPrefix(body[i:], "True"):
				fortran = true
				i += len("True")
			case strings.HasPrefix(body[i:], "False"):
				fortran = false
				i += len("False")
			default:
				return "", false, nil, errors.New("npy: malformed fortran_order")
			}
		case "shape":
			if body[i] != '(' {
				return "", false, nil, errors.New("npy: malformed shape")
			}
			end := strings.IndexByte(body[i:], ')')
			if end < 0 {
				return "", false, nil, errors.New("npy: malformed shape")
			}
			sh, perr := parseShape(body[i+1 : i+end])
			if perr != nil {
				return "", false, nil, perr
			}
			shape = sh
			sawShape = true
			i += end + 1
		default:
			n, perr := skipPyValue(body[i:])
			if perr != nil {
				return "", false, nil, perr
			}
			i += n
		}
	}

	if !sawDescr || !sawShape {
		return "", false, nil, errors.New("npy: header missing descr or shape")
	}
	return descr, fortran, shape, nil
}

func readPyString(s string) (string, int, error) {
	if len(s) == 0 || (s[0] != '\'' && s[0] != '"') {
		return "", 0, errors.New("npy: malformed header string")
	}
	quote := s[0]
	end := strings.IndexByte(s[1:], quote)
	if end < 0 {
		return "", 0, errors.New("npy: unterminated header string")
	}
	return s[1 : 1+end], end + 2, nil
}

func skipPyValue(s string) (int, error) {
	switch s[0] {
	case '\'', '"':
		_, n, err := readPyString(s)
		return n, err
	case '(', '[':
		close := byte(')')
		if s[0] == '[' {
			close = ']'
		}
		end := strings.IndexByte(s, close)
		if end < 0 {
			return 0, errors.New("npy: malformed header value")
		}
		return end + 1, nil
	default:
		end := strings.IndexByte(s, ',')
		if end < 0 {
			return len(s), nil
		}
		if end == 0 {
			return 0, errors.New("npy: malformed header value")
		}
		return end, nil
	}
}

func parseShape(s string) ([]int, error) {
	parts := strings.Split(s, ",")
	shape := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		v, err := strconv.Atoi(p)
		if err != nil || v < 0 {
			return nil, fmt.Errorf("npy: malformed shape entry %q", p)
		}
		shape = append(shape, v)
	}
	return shape, nil
}

// Reader streams rows of a 2-D array.
type Reader struct {
	header *Header
	src    *bufio.Reader
	closer io.Closer

	rows    int
	cols    int
	rowSize int
	rowBuf  []byte

	next int

	// Fortran-ordered payloads are column-major on disk, so they are
	// buffered up front and re-indexed per row.
	buffered []float64
}

// NewReader parses the header and prepares streaming row access. Only 2-D
// arrays are accepted; point clouds are rows of coordinates.
func NewReader(r io.Reader) (*Reader, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}
	if len(h.Shape) != 2 {
		return nil, fmt.Errorf("npy: expected 2-D array, got %d dimensions", len(h.Shape))
	}
	rows, cols := h.Shape[0], h.Shape[1]
	if cols == 0 || cols > maxColumns {
		return nil, fmt.Errorf("npy: implausible column count %d", cols)
	}

	rd := &Reader{
		header:  h,
		src:     bufio.NewReaderSize(r, 64*1024),
		rows:    rows,
		cols:    cols,
		rowSize: cols * h.DType.Size,
		rowBuf:  make([]byte, cols*h.DType.Size),
	}

	if h.FortranOrder {
		total := int64(rows) * int64(cols) * int64(h.DType.Size)
		if total > maxBufferedSize {
			return nil, fmt.Errorf("npy: fortran payload too large (%d bytes)", total)
		}
		if err := rd.bufferFortran(); err != nil {
			return nil, err
		}
	}
	return rd, nil
}

func (r *Reader) bufferFortran() error {
	count := r.rows * r.cols
	size := r.header.DType.Size
	raw := make([]byte, count*size)
	if _, err := io.ReadFull(r.src, raw); err != nil {
		return fmt.Errorf("npy: truncated data: %w", err)
	}
	r.buffered = make([]float64, count)
	for i := 0; i < count; i++ {
		r.buffered[i] = r.header.DType.decode(raw[i*size : (i+1)*size])
	}
	return nil
}

// Header returns the parsed preamble.
func (r *Reader) Header() *Header { return r.header }

// Rows returns the declared row count.
func (r *Reader) Rows() int { return r.rows }

// Cols returns the declared column count.
func (r *Reader) Cols() int { return r.cols }

// ReadRow decodes the next row into dst, which must hold at least Cols()
// values. It returns io.EOF once all rows are consumed.
func (r *Reader) ReadRow(dst []float64) error {
	if len(dst) < r.cols {
		return fmt.Errorf("npy: row buffer too small: %d < %d", len(dst), r.cols)
	}
	if r.next >= r.rows {
		return io.EOF
	}

	if r.buffered != nil {
		for j := 0; j < r.cols; j++ {
			dst[j] = r.buffered[j*r.rows+r.next]
		}
		r.next++
		return nil
	}

	if _, err := io.ReadFull(r.src, r.rowBuf); err != nil {
		return fmt.Errorf("npy: truncated data at row %d: %w", r.next, err)
	}
	size := r.header.DType.Size
	for j := 0; j < r.cols; j++ {
		dst[j] = r.header.DType.decode(r.rowBuf[j*size : (j+1)*size])
	}
	r.next++
	return nil
}

// Skip discards n rows.
func (r *Reader) Skip(n int) error {
	if n <= 0 {
		return nil
	}
	if r.next+n > r.rows {
		n = r.rows - r.next
	}
	if r.buffered == nil {
		if _, err := io.CopyN(io.Discard, r.src, int64(n)*int64(r.rowSize)); err != nil {
			return fmt.Errorf("npy: truncated data at row %d: %w", r.next, err)
		}
	}
	r.next += n
	return nil
}

// Close releases the underlying source when the reader owns one, as it does
// for npz members.
func (r *Reader) Close() error {
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}
