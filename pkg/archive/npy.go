package archive

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

const (
	descrFloat64 = "<f8"
	descrInt64   = "<i8"
)

var npyMagic = []byte("\x93NUMPY")

// npyHeader is the subset of the .npy header dictionary this package uses.
type npyHeader struct {
	descr string
	shape []int
}

func (h npyHeader) size() int {
	n := 1
	for _, d := range h.shape {
		n *= d
	}
	return n
}

func shapeString(shape []int) string {
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = strconv.Itoa(d)
	}
	if len(shape) == 1 {
		return "(" + parts[0] + ",)"
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// writeNPY writes a version 1.0 .npy stream. The header is padded so the
// data starts on a 64-byte boundary.
func writeNPY(w io.Writer, h npyHeader, data interface{}) error {
	dict := fmt.Sprintf("{'descr': '%s', 'fortran_order': False, 'shape': %s, }", h.descr, shapeString(h.shape))
	// magic(6) + version(2) + header length(2) + dict + '\n'
	total := len(npyMagic) + 4 + len(dict) + 1
	if pad := (64 - total%64) % 64; pad > 0 {
		dict += strings.Repeat(" ", pad)
	}
	dict += "\n"
	if len(dict) > math.MaxUint16 {
		return fmt.Errorf("npy header too long: %d bytes", len(dict))
	}

	var buf bytes.Buffer
	buf.Write(npyMagic)
	buf.Write([]byte{1, 0})
	if err := binary.Write(&buf, binary.LittleEndian, uint16(len(dict))); err != nil {
		return err
	}
	buf.WriteString(dict)
	if _, err := w.Write(buf.Bytes()); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, data)
}

// readNPYHeader consumes the magic, version and header dictionary.
func readNPYHeader(r io.Reader) (npyHeader, error) {
	var h npyHeader

	pre := make([]byte, len(npyMagic)+2)
	if _, err := io.ReadFull(r, pre); err != nil {
		return h, fmt.Errorf("reading npy preamble: %w", err)
	}
	if !bytes.Equal(pre[:len(npyMagic)], npyMagic) {
		return h, fmt.Errorf("not an npy stream")
	}

	var hlen int
	switch major := pre[len(npyMagic)]; major {
	case 1:
		var n uint16
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return h, err
		}
		hlen = int(n)
	case 2, 3:
		var n uint32
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return h, err
		}
		hlen = int(n)
	default:
		return h, fmt.Errorf("unsupported npy version %d", major)
	}

	raw := make([]byte, hlen)
	if _, err := io.ReadFull(r, raw); err != nil {
		return h, fmt.Errorf("reading npy header: %w", err)
	}
	return parseHeader(string(raw))
}

func parseHeader(s string) (npyHeader, error) {
	var h npyHeader

	descr, err := dictValue(s, "descr")
	if err != nil {
		return h, err
	}
	h.descr = strings.Trim(descr, "'\"")

	order, err := dictValue(s, "fortran_order")
	if err != nil {
		return h, err
	}
	if order != "False" {
		return h, fmt.Errorf("fortran-ordered arrays are not supported")
	}

	shape, err := dictValue(s, "shape")
	if err != nil {
		return h, err
	}
	shape = strings.Trim(shape, "() ")
	for _, p := range strings.Split(shape, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		d, err := strconv.Atoi(p)
		if err != nil || d < 0 {
			return h, fmt.Errorf("bad npy shape %q", shape)
		}
		h.shape = append(h.shape, d)
	}
	return h, nil
}

// dictValue extracts the textual value of key from a python dict literal.
func dictValue(s, key string) (string, error) {
	k := "'" + key + "':"
	i := strings.Index(s, k)
	if i < 0 {
		return "", fmt.Errorf("npy header has no %q", key)
	}
	rest := strings.TrimSpace(s[i+len(k):])
	if strings.HasPrefix(rest, "(") {
		end := strings.Index(rest, ")")
		if end < 0 {
			return "", fmt.Errorf("unterminated tuple for %q", key)
		}
		return rest[:end+1], nil
	}
	end := strings.IndexAny(rest, ",}")
	if end < 0 {
		return "", fmt.Errorf("unterminated value for %q", key)
	}
	return strings.TrimSpace(rest[:end]), nil
}

func binaryRead(r io.Reader, data interface{}) error {
	return binary.Read(r, binary.LittleEndian, data)
}
