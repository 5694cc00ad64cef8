// Package coo reads and writes arrays in the COO file format: a 4096 bytes text header describing up to 15
// dimensions, followed by the raw little-endian elements.
//
// The header lists one index per line, "[start\tend\tsize\tstride]". The first index holds the number of
// components of an element (1 for real, 2 for complex), and the following ones the dimensions of the array, the
// fastest varying first, padded with dimensions of size 1.
package coo

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/gomlx/aura/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// HeaderSize is the size in bytes of the header, padded with zeros.
	HeaderSize = 4096

	// NumIndices is the number of indices written in the header: one for the element components, the others for
	// the dimensions of the array.
	NumIndices = 16

	// MaxDims is the maximum number of dimensions of an array.
	MaxDims = NumIndices - 1
)

// Element is the constraint of the types that can be stored in a COO file.
type Element interface {
	float32 | float64 | complex64 | complex128
}

// index describes one dimension in the header.
type index struct {
	start, end, size, stride int
}

// Header is the parsed header of a COO file.
type Header struct {
	// Type is the type of the components of an element: "float" or "double".
	Type string

	// Components is 1 for real elements, 2 for complex elements.
	Components int

	// Dims are the dimensions of the array, the fastest varying first, without trailing dimensions of size 1.
	// It has at least one dimension.
	Dims []int
}

// Size returns the number of elements of the array.
func (h Header) Size() int {
	return product(h.Dims)
}

// DType returns the element type described by the header.
func (h Header) DType() (dtypes.DType, error) {
	switch {
	case h.Type == "float" && h.Components == 1:
		return dtypes.Float32, nil
	case h.Type == "float" && h.Components == 2:
		return dtypes.Complex64, nil
	case h.Type == "double" && h.Components == 1:
		return dtypes.Float64, nil
	case h.Type == "double" && h.Components == 2:
		return dtypes.Complex128, nil
	}
	return dtypes.InvalidDType, errors.Errorf("COO element type %q with %d components not supported", h.Type,
		h.Components)
}

// headerFor returns the header of an array of T with the given dimensions.
func headerFor[T Element](dims []int) (Header, error) {
	h := Header{Type: "float", Components: 1, Dims: dims}
	switch dtypes.FromGenericsType[T]() {
	case dtypes.Float64:
		h.Type = "double"
	case dtypes.Complex64:
		h.Components = 2
	case dtypes.Complex128:
		h.Type, h.Components = "double", 2
	}
	if len(dims) == 0 || len(dims) > MaxDims {
		return h, errors.Errorf("COO arrays have 1 to %d dimensions, got %d", MaxDims, len(dims))
	}
	for _, dim := range dims {
		if dim <= 0 {
			return h, errors.Errorf("invalid COO dimensions %v", dims)
		}
	}
	return h, nil
}

// indices returns the NumIndices indices of the header, with strides and ends filled in.
func (h Header) indices() []index {
	indices := make([]index, NumIndices)
	for i := range indices {
		indices[i].size = 1
	}
	indices[0].size = h.Components
	for i, dim := range h.Dims {
		indices[i+1].size = dim
	}
	indices[0].stride = 1
	indices[0].end = indices[0].size
	for i := 1; i < len(indices); i++ {
		indices[i].stride = indices[i-1].end
		indices[i].end = indices[i].stride * indices[i].size
	}
	return indices
}

// MarshalBinary returns the HeaderSize bytes of the header.
func (h Header) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "Type: %s\nDimensions: %d\n", h.Type, NumIndices)
	for _, idx := range h.indices() {
		fmt.Fprintf(&buf, "[%d\t%d\t%d\t%d]\n", idx.start, idx.end, idx.size, idx.stride)
	}
	if buf.Len() > HeaderSize {
		return nil, errors.Errorf("COO header of %d bytes exceeds %d bytes", buf.Len(), HeaderSize)
	}
	header := make([]byte, HeaderSize)
	copy(header, buf.Bytes())
	return header, nil
}

// ParseHeader parses the HeaderSize bytes of a COO header.
func ParseHeader(header []byte) (Header, error) {
	var h Header
	if len(header) != HeaderSize {
		return h, errors.Errorf("COO header must have %d bytes, got %d", HeaderSize, len(header))
	}
	if end := bytes.IndexByte(header, 0); end >= 0 {
		header = header[:end]
	}
	scanner := bufio.NewScanner(bytes.NewReader(header))
	nextLine := func(what string) (string, error) {
		if !scanner.Scan() {
			return "", errors.Errorf("COO header truncated, missing %s", what)
		}
		return scanner.Text(), nil
	}

	line, err := nextLine("type")
	if err != nil {
		return h, err
	}
	typeName, found := strings.CutPrefix(line, "Type: ")
	if !found {
		return h, errors.Errorf("invalid COO header line %q, expected \"Type: <name>\"", line)
	}
	h.Type = strings.TrimSpace(typeName)

	line, err = nextLine("dimensions")
	if err != nil {
		return h, err
	}
	numText, found := strings.CutPrefix(line, "Dimensions: ")
	if !found {
		return h, errors.Errorf("invalid COO header line %q, expected \"Dimensions: <n>\"", line)
	}
	numIndices, err := strconv.Atoi(strings.TrimSpace(numText))
	if err != nil || numIndices < 1 || numIndices > NumIndices {
		return h, errors.Errorf("invalid number of COO dimensions in %q", line)
	}

	for i := range numIndices {
		line, err = nextLine(fmt.Sprintf("index %d", i))
		if err != nil {
			return h, err
		}
		idx, err := parseIndex(line)
		if err != nil {
			return h, err
		}
		if i == 0 {
			h.Components = idx.size
		} else {
			h.Dims = append(h.Dims, idx.size)
		}
	}
	for len(h.Dims) > 1 && h.Dims[len(h.Dims)-1] == 1 {
		h.Dims = h.Dims[:len(h.Dims)-1]
	}
	if len(h.Dims) == 0 {
		h.Dims = []int{1}
	}
	return h, nil
}

// parseIndex parses a "[start end size stride]" line.
func parseIndex(line string) (index, error) {
	var idx index
	trimmed, ok := strings.CutPrefix(strings.TrimSpace(line), "[")
	if ok {
		trimmed, ok = strings.CutSuffix(trimmed, "]")
	}
	fields := strings.Fields(trimmed)
	if !ok || len(fields) != 4 {
		return idx, errors.Errorf("invalid COO index line %q", line)
	}
	values := make([]int, 4)
	for i, field := range fields {
		v, err := strconv.Atoi(field)
		if err != nil {
			return idx, errors.Wrapf(err, "invalid COO index line %q", line)
		}
		values[i] = v
	}
	idx = index{start: values[0], end: values[1], size: values[2], stride: values[3]}
	if idx.size < 1 {
		return idx, errors.Errorf("invalid size %d in COO index line %q", idx.size, line)
	}
	return idx, nil
}

// Write writes data, an array with the given dimensions (the fastest varying first), in the COO format.
func Write[T Element](w io.Writer, data []T, dims []int) error {
	h, err := headerFor[T](dims)
	if err != nil {
		return err
	}
	if h.Size() != len(data) {
		return errors.Errorf("COO dimensions %v hold %d elements, got %d", dims, h.Size(), len(data))
	}
	header, err := h.MarshalBinary()
	if err != nil {
		return err
	}
	if _, err := w.Write(header); err != nil {
		return errors.Wrap(err, "writing COO header")
	}
	if err := binary.Write(w, binary.LittleEndian, data); err != nil {
		return errors.Wrap(err, "writing COO data")
	}
	return nil
}

// Read reads an array of T in the COO format, and returns its elements and dimensions.
// The element type of the file must be T.
func Read[T Element](r io.Reader) ([]T, []int, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, nil, errors.Wrap(err, "reading COO header")
	}
	h, err := ParseHeader(header)
	if err != nil {
		return nil, nil, err
	}
	dtype, err := h.DType()
	if err != nil {
		return nil, nil, err
	}
	if want := dtypes.FromGenericsType[T](); dtype != want {
		return nil, nil, errors.Errorf("COO file holds %s elements, reading %s", dtype, want)
	}
	data := make([]T, h.Size())
	if err := binary.Read(r, binary.LittleEndian, data); err != nil {
		return nil, nil, errors.Wrapf(err, "reading %d COO elements", len(data))
	}
	return data, h.Dims, nil
}

// WriteFile writes data with the given dimensions to the COO file path, creating or truncating it.
func WriteFile[T Element](path string, data []T, dims []int) (err error) {
	file, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "creating COO file")
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil && err == nil {
			err = errors.Wrapf(closeErr, "closing COO file %q", path)
		}
	}()
	w := bufio.NewWriter(file)
	if err := Write(w, data, dims); err != nil {
		return errors.WithMessagef(err, "writing %q", path)
	}
	if err := w.Flush(); err != nil {
		return errors.Wrapf(err, "writing %q", path)
	}
	klog.V(1).Infof("wrote %d elements %v to %q", len(data), dims, path)
	return nil
}

// ReadFile reads an array of T from the COO file path.
func ReadFile[T Element](path string) ([]T, []int, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, errors.Wrap(err, "opening COO file")
	}
	defer func() { _ = file.Close() }()
	data, dims, err := Read[T](bufio.NewReader(file))
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "reading %q", path)
	}
	klog.V(1).Infof("read %d elements %v from %q", len(data), dims, path)
	return data, dims, nil
}

func product(dims []int) int {
	p := 1
	for _, dim := range dims {
		p *= dim
	}
	return p
}
