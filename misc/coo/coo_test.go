package coo

import (
	"bytes"
	"flag"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gomlx/aura/backend"
	"github.com/gomlx/aura/driver/host"
	"github.com/gomlx/aura/dtypes"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

var flagBackend = flag.String("backend", "host", "platform to run the tests on: host, cuda or opencl")

func init() {
	klog.InitFlags(nil)
}

type errTester[T any] struct {
	value T
	err   error
}

// capture is a shortcut to test that there is no error and return the value.
func capture[T any](value T, err error) errTester[T] {
	return errTester[T]{value, err}
}

func (e errTester[T]) Test(t *testing.T) T {
	require.NoError(t, e.err)
	return e.value
}

func TestHeader(t *testing.T) {
	h := capture(headerFor[complex64]([]int{3, 4})).Test(t)
	header := capture(h.MarshalBinary()).Test(t)
	require.Len(t, header, HeaderSize)
	text := string(bytes.TrimRight(header, "\x00"))
	require.True(t, strings.HasPrefix(text,
		"Type: float\nDimensions: 16\n[0\t2\t2\t1]\n[0\t6\t3\t2]\n[0\t24\t4\t6]\n[0\t24\t1\t24]\n"), text)
	require.Equal(t, NumIndices+2, strings.Count(text, "\n"))

	parsed := capture(ParseHeader(header)).Test(t)
	require.Equal(t, "float", parsed.Type)
	require.Equal(t, 2, parsed.Components)
	require.Equal(t, []int{3, 4}, parsed.Dims)
	require.Equal(t, 12, parsed.Size())
	require.Equal(t, dtypes.Complex64, capture(parsed.DType()).Test(t))

	// Trailing dimensions of size 1 are squeezed, but an array keeps at least one dimension.
	for _, tc := range []struct {
		dims, want []int
	}{
		{[]int{5, 1, 1}, []int{5}},
		{[]int{1, 7}, []int{1, 7}},
		{[]int{1}, []int{1}},
	} {
		h := capture(headerFor[float64](tc.dims)).Test(t)
		require.Equal(t, "double", h.Type)
		parsed := capture(ParseHeader(capture(h.MarshalBinary()).Test(t))).Test(t)
		require.Equal(t, tc.want, parsed.Dims)
	}
}

func TestParseHeaderErrors(t *testing.T) {
	padded := func(text string) []byte {
		header := make([]byte, HeaderSize)
		copy(header, text)
		return header
	}
	for _, text := range []string{
		"",
		"Kind: float\n",
		"Type: float\nDimensions: x\n",
		"Type: float\nDimensions: 17\n",
		"Type: float\nDimensions: 2\n[0\t1\t1\t1]\n",
		"Type: float\nDimensions: 1\n[0 1 1]\n",
		"Type: float\nDimensions: 1\n[0 0 0 1]\n",
	} {
		_, err := ParseHeader(padded(text))
		require.Errorf(t, err, "header %q should fail", text)
	}
	_, err := ParseHeader(make([]byte, 10))
	require.Error(t, err)

	h := Header{Type: "half", Components: 1, Dims: []int{1}}
	_, err = h.DType()
	require.Error(t, err)
}

func TestReadWrite(t *testing.T) {
	var buf bytes.Buffer
	data := []complex64{1 + 2i, 3 - 4i, -5, 6i, 7 + 7i, 0}
	require.NoError(t, Write(&buf, data, []int{2, 3}))
	require.Equal(t, HeaderSize+len(data)*8, buf.Len())

	got, dims := capture2(Read[complex64](bytes.NewReader(buf.Bytes()))).Test(t)
	require.Equal(t, data, got)
	require.Equal(t, []int{2, 3}, dims)

	// Wrong element type.
	_, _, err := Read[float32](bytes.NewReader(buf.Bytes()))
	require.Error(t, err)
	_, _, err = Read[complex128](bytes.NewReader(buf.Bytes()))
	require.Error(t, err)

	// Truncated data.
	_, _, err = Read[complex64](bytes.NewReader(buf.Bytes()[:buf.Len()-1]))
	require.Error(t, err)

	require.Error(t, Write(&buf, data, []int{4}))
	require.Error(t, Write(&buf, data, nil))
	require.Error(t, Write(&buf, data, []int{6, 0}))
	require.Error(t, Write(&buf, data, make([]int, MaxDims+1)))
}

func TestFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.coo")
	data := []float32{1, 2, 3, 4, 5, 6, 7, 8}
	require.NoError(t, WriteFile(path, data, []int{2, 2, 2}))
	got, dims := capture2(ReadFile[float32](path)).Test(t)
	require.Equal(t, data, got)
	require.Equal(t, []int{2, 2, 2}, dims)

	_, _, err := ReadFile[float32](filepath.Join(dir, "missing.coo"))
	require.Error(t, err)
	require.Error(t, WriteFile(filepath.Join(dir, "missing", "data.coo"), data, []int{8}))
}

func TestDeviceArrays(t *testing.T) {
	p, err := backend.GetPlatform(*flagBackend)
	if err != nil && *flagBackend != host.Name {
		t.Skipf("platform %q not available: %v", *flagBackend, err)
	}
	require.NoError(t, err)
	d := capture(p.NewDevice(0)).Test(t)
	f := capture(backend.NewFeed(d)).Test(t)

	data := []complex64{1, 2i, 3 + 3i, -4}
	a := capture(backend.NewDeviceArray[complex64](len(data), d)).Test(t)
	require.NoError(t, backend.CopyToArray(a, data, f))
	path := filepath.Join(t.TempDir(), "array.coo")
	require.ErrorIs(t, WriteArray(path, a, []int{3}, f), backend.ErrInvalidOperation)
	require.NoError(t, WriteArray(path, a, nil, f))

	b, dims := capture2(ReadArray[complex64](path, d, f)).Test(t)
	require.Equal(t, []int{4}, dims)
	require.Equal(t, len(data), b.Len())
	got := make([]complex64, b.Len())
	require.NoError(t, backend.CopyFromArray(got, b, f))
	require.NoError(t, backend.WaitFor(f))
	require.Equal(t, data, got)

	_, _, err = ReadArray[float32](path, d, f)
	require.Error(t, err)

	require.NoError(t, a.Destroy())
	require.NoError(t, b.Destroy())
	require.ErrorIs(t, WriteArray(path, a, nil, f), backend.ErrInvalidOperation)
	require.NoError(t, f.Destroy())
	require.NoError(t, d.Destroy())
}

type errTester2[T1, T2 any] struct {
	value1 T1
	value2 T2
	err    error
}

func capture2[T1, T2 any](value1 T1, value2 T2, err error) errTester2[T1, T2] {
	return errTester2[T1, T2]{value1, value2, err}
}

func (e errTester2[T1, T2]) Test(t *testing.T) (T1, T2) {
	require.NoError(t, e.err)
	return e.value1, e.value2
}
