// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package numpy reads and writes tensors in NumPy's .npy and .npz file formats.
//
// This is the format used to persist tessellation bases: an .npz archive with one .npy entry per field.
// Supported dtypes are f2, f4, f8, i4, i8, u1 and b1. Reading accepts C and Fortran order and either
// byte order; writing always produces C order, little-endian, format version 1.0.
package numpy

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/gomlx/cpab/pkg/core/shapes"
	"github.com/gomlx/cpab/pkg/core/tensors"
	"github.com/gomlx/cpab/pkg/support/xslices"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

const (
	magic          = "\x93NUMPY"
	headerAlign    = 64
	preambleLenV1  = len(magic) + 2 + 2
	npyFileSuffix  = ".npy"
	maxHeaderLenV1 = 0xFFFF
)

var (
	reDescr   = regexp.MustCompile(`'descr'\s*:\s*'([^']*)'`)
	reFortran = regexp.MustCompile(`'fortran_order'\s*:\s*(True|False)`)
	reShape   = regexp.MustCompile(`'shape'\s*:\s*\(([^)]*)\)`)
)

// maxPrealloc limits the buffer allocated upfront for the tensor data when the input size is not known:
// beyond it the buffer only grows as data is actually read.
const maxPrealloc = 1 << 20

// FromNpyFile reads a .npy file and returns a tensors.Tensor.
func FromNpyFile(filePath string) (*tensors.Tensor, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open .npy file %q", filePath)
	}
	defer func() { _ = file.Close() }()
	info, err := file.Stat()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to stat .npy file %q", filePath)
	}
	return fromNpyReader(file, info.Size())
}

// FromNpyReader reads a .npy file from an io.Reader and returns a tensors.Tensor.
//
// A header with a shape larger than the data available is an error: the data is read incrementally, so
// a corrupt header doesn't allocate its claimed size upfront.
func FromNpyReader(r io.Reader) (*tensors.Tensor, error) {
	return fromNpyReader(r, -1)
}

// fromNpyReader implements FromNpyReader. If maxBytes >= 0, it is the total size of the input, and shapes
// that need more than that are rejected before reading.
func fromNpyReader(r io.Reader, maxBytes int64) (*tensors.Tensor, error) {
	preamble := make([]byte, len(magic)+2)
	if _, err := io.ReadFull(r, preamble); err != nil {
		return nil, errors.Wrapf(err, "failed to read .npy magic string and version")
	}
	if string(preamble[:len(magic)]) != magic {
		return nil, errors.Errorf("invalid .npy file format: magic string mismatch")
	}
	major := preamble[len(magic)]
	var headerLen int
	switch {
	case major == 1:
		var lenBytes [2]byte
		if _, err := io.ReadFull(r, lenBytes[:]); err != nil {
			return nil, errors.Wrapf(err, "failed to read header length (v1.0)")
		}
		headerLen = int(binary.LittleEndian.Uint16(lenBytes[:]))
	case major >= 2:
		var lenBytes [4]byte
		if _, err := io.ReadFull(r, lenBytes[:]); err != nil {
			return nil, errors.Wrapf(err, "failed to read header length (v%d.0)", major)
		}
		headerLen = int(binary.LittleEndian.Uint32(lenBytes[:]))
	default:
		return nil, errors.Errorf("unsupported .npy version: %d.%d", major, preamble[len(magic)+1])
	}

	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, errors.Wrapf(err, "failed to read header")
	}
	descr, dims, fortranOrder, err := parseNpyHeader(string(headerBytes))
	if err != nil {
		return nil, errors.WithMessage(err, "failed to parse .npy header")
	}
	dtype, bigEndian, err := npyDTypeToDType(descr)
	if err != nil {
		return nil, err
	}
	var shape shapes.Shape
	if err = exceptions.TryCatch[error](func() { shape = shapes.Make(dtype, dims...) }); err != nil {
		return nil, errors.WithMessagef(err, "invalid .npy shape %v", dims)
	}
	memory, err := checkedMemory(dtype.Size(), dims)
	if err != nil {
		return nil, err
	}
	if maxBytes >= 0 && memory > maxBytes {
		return nil, errors.Errorf("invalid .npy shape %v: it needs %d bytes of data, but the input has only %d bytes",
			dims, memory, maxBytes)
	}

	buf := bytes.NewBuffer(make([]byte, 0, min(memory, maxPrealloc)))
	if _, err = io.CopyN(buf, r, memory); err != nil {
		return nil, errors.Wrapf(err, "failed to read tensor data (expected %d bytes, got %d)", memory, buf.Len())
	}
	raw := buf.Bytes()
	dtypeSize := dtype.Size()
	if bigEndian && dtypeSize > 1 {
		swapBytes(raw, dtypeSize)
	}
	if fortranOrder && shape.Rank() > 1 {
		raw = fortranToCLayout(shape, raw)
	}
	tensor := tensors.FromShape(shape)
	err = tensor.MutableBytes(func(data []byte) { copy(data, raw) })
	if err != nil {
		return nil, err
	}
	return tensor, nil
}

// checkedMemory returns the number of bytes of an array with the given element size and dimensions, or an
// error if it overflows.
func checkedMemory(elementSize int, dims []int) (int64, error) {
	memory := int64(elementSize)
	for _, dim := range dims {
		if dim > 0 && memory > math.MaxInt64/int64(dim) {
			return 0, errors.Errorf("invalid .npy shape %v: size overflows", dims)
		}
		memory *= int64(dim)
	}
	if memory > math.MaxInt {
		return 0, errors.Errorf("invalid .npy shape %v: size overflows", dims)
	}
	return memory, nil
}

// swapBytes reverses the byte order of each element, in place.
func swapBytes(data []byte, elementSize int) {
	for start := 0; start+elementSize <= len(data); start += elementSize {
		elem := data[start : start+elementSize]
		for i, j := 0, elementSize-1; i < j; i, j = i+1, j-1 {
			elem[i], elem[j] = elem[j], elem[i]
		}
	}
}

// fortranToCLayout returns the data transposed from column-major to row-major order.
func fortranToCLayout(shape shapes.Shape, fortranData []byte) []byte {
	dtypeSize := shape.DType.Size()
	fortranStrides := make([]int, shape.Rank())
	stride := 1
	for axis, dim := range shape.Dimensions {
		fortranStrides[axis] = stride
		stride *= dim
	}
	cData := make([]byte, len(fortranData))
	for cIdx, indices := range shape.Iter() {
		fortranIdx := 0
		for axis, axisIdx := range indices {
			fortranIdx += axisIdx * fortranStrides[axis]
		}
		copy(cData[cIdx*dtypeSize:(cIdx+1)*dtypeSize], fortranData[fortranIdx*dtypeSize:(fortranIdx+1)*dtypeSize])
	}
	return cData
}

// parseNpyHeader extracts dtype, shape, and fortran_order from the .npy header dictionary, e.g.:
//
//	{'descr': '<f4', 'fortran_order': False, 'shape': (60, 6), }
func parseNpyHeader(header string) (descr string, dims []int, fortranOrder bool, err error) {
	m := reDescr.FindStringSubmatch(header)
	if len(m) < 2 {
		err = errors.Errorf("could not find 'descr' in header: %q", header)
		return
	}
	descr = m[1]

	m = reFortran.FindStringSubmatch(header)
	if len(m) < 2 {
		err = errors.Errorf("could not find 'fortran_order' in header: %q", header)
		return
	}
	fortranOrder = m[1] == "True"

	m = reShape.FindStringSubmatch(header)
	if len(m) < 2 {
		err = errors.Errorf("could not find 'shape' in header: %q", header)
		return
	}
	dims = []int{}
	for _, part := range strings.Split(m[1], ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			// Trailing comma, as in "(10,)", or a scalar "()".
			continue
		}
		dim, convErr := strconv.Atoi(part)
		if convErr != nil {
			err = errors.Wrapf(convErr, "invalid shape value %q in header", part)
			return
		}
		dims = append(dims, dim)
	}
	return
}

// npyDTypeToDType converts a NumPy dtype descriptor to a dtypes.DType, and reports whether it is big-endian.
func npyDTypeToDType(descr string) (dtype dtypes.DType, bigEndian bool, err error) {
	kind := descr
	if len(kind) > 0 && strings.ContainsRune("<>=|", rune(kind[0])) {
		bigEndian = kind[0] == '>'
		kind = kind[1:]
	}
	switch kind {
	case "b1", "?":
		dtype = dtypes.Bool
	case "u1":
		dtype = dtypes.Uint8
	case "i4":
		dtype = dtypes.Int32
	case "i8":
		dtype = dtypes.Int64
	case "f2":
		dtype = dtypes.Float16
	case "f4":
		dtype = dtypes.Float32
	case "f8":
		dtype = dtypes.Float64
	default:
		return dtypes.InvalidDType, false, errors.Errorf("unsupported NumPy dtype %q", descr)
	}
	return
}

// dtypeToNpy converts a dtypes.DType to a little-endian NumPy dtype descriptor.
func dtypeToNpy(dtype dtypes.DType) (string, error) {
	switch dtype {
	case dtypes.Bool:
		return "|b1", nil
	case dtypes.Uint8:
		return "|u1", nil
	case dtypes.Int32:
		return "<i4", nil
	case dtypes.Int64:
		return "<i8", nil
	case dtypes.Float16:
		return "<f2", nil
	case dtypes.Float32:
		return "<f4", nil
	case dtypes.Float64:
		return "<f8", nil
	default:
		return "", errors.Errorf("unsupported DType for .npy: %s", dtype)
	}
}

// ToNpyWriter serializes a tensors.Tensor to an io.Writer in .npy format.
func ToNpyWriter(tensor *tensors.Tensor, w io.Writer) error {
	if err := tensor.CheckValid(); err != nil {
		return err
	}
	shape := tensor.Shape()
	descr, err := dtypeToNpy(shape.DType)
	if err != nil {
		return err
	}
	var shapeTuple string
	switch shape.Rank() {
	case 0:
		shapeTuple = "()"
	case 1:
		shapeTuple = fmt.Sprintf("(%d,)", shape.Dimensions[0])
	default:
		shapeTuple = "(" + strings.Join(xslices.Map(shape.Dimensions, strconv.Itoa), ", ") + ")"
	}

	var header bytes.Buffer
	fmt.Fprintf(&header, "{'descr': '%s', 'fortran_order': False, 'shape': %s, }", descr, shapeTuple)
	// Preamble plus header (with its terminating newline) is padded to a multiple of 64 bytes.
	for (preambleLenV1+header.Len()+1)%headerAlign != 0 {
		header.WriteByte(' ')
	}
	header.WriteByte('\n')
	if header.Len() > maxHeaderLenV1 {
		return errors.Errorf("npy header too long (%d bytes)", header.Len())
	}

	var preamble [preambleLenV1]byte
	copy(preamble[:], magic)
	preamble[len(magic)] = 1
	binary.LittleEndian.PutUint16(preamble[len(magic)+2:], uint16(header.Len()))
	if _, err = w.Write(preamble[:]); err != nil {
		return errors.Wrapf(err, "failed to write .npy preamble")
	}
	if _, err = w.Write(header.Bytes()); err != nil {
		return errors.Wrapf(err, "failed to write .npy header")
	}
	var writeErr error
	err = tensor.ConstBytes(func(data []byte) {
		if _, writeErr = w.Write(data); writeErr != nil {
			writeErr = errors.Wrapf(writeErr, "failed to write tensor data")
		}
	})
	if err != nil {
		return err
	}
	return writeErr
}

// ToNpyFile serializes a tensors.Tensor to a .npy file.
func ToNpyFile(tensor *tensors.Tensor, filePath string) error {
	file, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create .npy file %q", filePath)
	}
	if err = ToNpyWriter(tensor, file); err != nil {
		_ = file.Close()
		return err
	}
	return errors.Wrapf(file.Close(), "failed to close .npy file %q", filePath)
}

// FromNpzFile reads a .npz file and returns a map of tensor names to tensors.Tensor.
func FromNpzFile(filePath string) (map[string]*tensors.Tensor, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open .npz file %q", filePath)
	}
	defer func() { _ = file.Close() }()
	info, err := file.Stat()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to stat .npz file %q", filePath)
	}
	return FromNpzReader(file, info.Size())
}

// FromNpzReader reads a .npz archive (a zip of .npy files) and returns a map of tensor names to tensors.Tensor.
// Entries not ending in ".npy" are ignored.
func FromNpzReader(r io.ReaderAt, size int64) (map[string]*tensors.Tensor, error) {
	zipReader, err := zip.NewReader(r, size)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create zip reader for .npz")
	}
	results := make(map[string]*tensors.Tensor)
	for _, f := range zipReader.File {
		cleanPath := path.Clean(f.Name)
		if path.IsAbs(cleanPath) || strings.HasPrefix(cleanPath, "..") {
			return nil, errors.Errorf("invalid path in .npz archive: %q (normalized to %q)", f.Name, cleanPath)
		}
		if !strings.HasSuffix(f.Name, npyFileSuffix) {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to open %q within .npz", f.Name)
		}
		tensor, err := fromNpyReader(rc, int64(min(f.UncompressedSize64, math.MaxInt64)))
		_ = rc.Close()
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to read tensor %q from .npz", f.Name)
		}
		results[strings.TrimSuffix(f.Name, npyFileSuffix)] = tensor
	}
	return results, nil
}

// ToNpzWriter serializes a map of tensors to an io.Writer as a .npz archive. Entries are written in
// sorted name order.
func ToNpzWriter(tensorsMap map[string]*tensors.Tensor, w io.Writer) error {
	zipWriter := zip.NewWriter(w)
	for _, name := range xslices.SortedKeys(tensorsMap) {
		npyName := name + npyFileSuffix
		fileWriter, err := zipWriter.Create(npyName)
		if err != nil {
			return errors.Wrapf(err, "failed to create %q in .npz archive", npyName)
		}
		if err := ToNpyWriter(tensorsMap[name], fileWriter); err != nil {
			return errors.WithMessagef(err, "failed to write tensor %q to .npz archive", name)
		}
	}
	return errors.Wrapf(zipWriter.Close(), "failed to close .npz archive")
}

// ToNpzFile serializes a map of tensors to a .npz file.
func ToNpzFile(tensorsMap map[string]*tensors.Tensor, filePath string) error {
	file, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create .npz file %q", filePath)
	}
	if err = ToNpzWriter(tensorsMap, file); err != nil {
		_ = file.Close()
		return err
	}
	return errors.Wrapf(file.Close(), "failed to close .npz file %q", filePath)
}
