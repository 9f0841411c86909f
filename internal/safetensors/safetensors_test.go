package safetensors

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
)

// rawArchive assembles an archive from an arbitrary header value and payload.
func rawArchive(t *testing.T, header any, payload []byte) []byte {
	t.Helper()
	headerBytes, err := json.Marshal(header)
	require.NoError(t, err)

	var buf bytes.Buffer
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(headerBytes)))
	buf.Write(lenBuf[:])
	buf.Write(headerBytes)
	buf.Write(payload)
	return buf.Bytes()
}

func TestWriteParseRoundTrip(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	err := Write(&buf, map[string]Tensor{
		"b.weight": {Shape: []int{2, 3}, Data: []float32{1, 2, 3, 4, 5, 6}},
		"a.bias":   {DType: "F16", Shape: []int{2}, Data: []float32{0.5, -2}},
	}, map[string]string{"format": "pt"})
	require.NoError(t, err)

	f, err := Parse(buf.Bytes())
	require.NoError(t, err)
	require.Equal(t, []string{"a.bias", "b.weight"}, f.Names())
	require.Equal(t, "pt", f.Metadata["format"])

	w, info, err := f.ReadTensorF32("b.weight")
	require.NoError(t, err)
	require.Equal(t, "F32", info.DType)
	require.Equal(t, []int{2, 3}, info.Shape)
	require.Equal(t, []float32{1, 2, 3, 4, 5, 6}, w)

	b, info, err := f.ReadTensorF32("a.bias")
	require.NoError(t, err)
	require.Equal(t, "F16", info.DType)
	require.Equal(t, []float32{0.5, -2}, b)
}

func TestParseTruncated(t *testing.T) {
	t.Parallel()

	_, err := Parse([]byte{0, 0, 0, 0})
	require.Error(t, err)

	// header length larger than the buffer
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], 1<<20)
	_, err = Parse(lenBuf[:])
	require.Error(t, err)
}

func TestParseInvalidJSON(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], 12)
	buf.Write(lenBuf[:])
	buf.WriteString("not valid js")

	_, err := Parse(buf.Bytes())
	require.Error(t, err)
}

func TestParseInvalidOffsets(t *testing.T) {
	t.Parallel()

	cases := map[string][]int64{
		"single offset":  {0},
		"inverted":       {8, 4},
		"beyond payload": {0, 64},
	}
	for name, offsets := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			data := rawArchive(t, map[string]any{
				"x": map[string]any{"dtype": "F32", "shape": []int{1}, "data_offsets": offsets},
			}, make([]byte, 16))
			_, err := Parse(data)
			require.Error(t, err)
		})
	}
}

func TestTensorNotFound(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, map[string]Tensor{"w": {Shape: []int{1}, Data: []float32{1}}}, nil))
	f, err := Parse(buf.Bytes())
	require.NoError(t, err)

	_, _, err = f.ReadTensorF32("missing")
	require.ErrorIs(t, err, ErrTensorNotFound)
}

func TestReadTensorBF16(t *testing.T) {
	t.Parallel()

	vals := []float32{1, -3.5, 0}
	payload := make([]byte, len(vals)*2)
	for i, v := range vals {
		binary.LittleEndian.PutUint16(payload[i*2:], uint16(math.Float32bits(v)>>16))
	}
	data := rawArchive(t, map[string]any{
		"w": map[string]any{"dtype": "BF16", "shape": []int{3}, "data_offsets": []int64{0, 6}},
	}, payload)

	f, err := Parse(data)
	require.NoError(t, err)
	got, _, err := f.ReadTensorF32("w")
	require.NoError(t, err)
	require.Equal(t, vals, got)
}

func TestReadTensorUnsupportedDType(t *testing.T) {
	t.Parallel()

	data := rawArchive(t, map[string]any{
		"w": map[string]any{"dtype": "I8", "shape": []int{4}, "data_offsets": []int64{0, 4}},
	}, make([]byte, 4))
	f, err := Parse(data)
	require.NoError(t, err)
	_, _, err = f.ReadTensorF32("w")
	require.ErrorContains(t, err, "unsupported dtype")
}

func TestReadTensorSizeMismatch(t *testing.T) {
	t.Parallel()

	data := rawArchive(t, map[string]any{
		"w": map[string]any{"dtype": "F32", "shape": []int{4}, "data_offsets": []int64{0, 8}},
	}, make([]byte, 8))
	f, err := Parse(data)
	require.NoError(t, err)
	_, _, err = f.ReadTensorF32("w")
	require.ErrorContains(t, err, "invalid f32 data size")
}

func TestWriteRejectsShapeMismatch(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	err := Write(&buf, map[string]Tensor{"w": {Shape: []int{2, 2}, Data: []float32{1}}}, nil)
	require.Error(t, err)
	err = Write(&buf, map[string]Tensor{"w": {DType: "Q4", Shape: []int{1}, Data: []float32{1}}}, nil)
	require.Error(t, err)
}
