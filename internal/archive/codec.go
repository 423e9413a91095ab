package archive

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/we-ensemble/pkg/model"
)

// On-disk encodings. Every dataset is one value in the backing store,
// assembled fully in memory before the single write; all scalars are
// little-endian.

// segIndexRecSize is the packed size of one seg_index record:
// weight, cputime, walltime (f64), parents_offset, n_parents (u32),
// status, endpoint_type (u8).
const segIndexRecSize = 3*8 + 2*4 + 2

// segIndexRow mirrors one record of the seg_index dataset.
type segIndexRow struct {
	Weight        float64
	CPUTime       float64
	Walltime      float64
	ParentsOffset uint32
	NParents      uint32
	Status        model.SegStatus
	EndpointType  model.EndpointType
}

func encodeSegIndex(rows []segIndexRow) []byte {
	buf := make([]byte, len(rows)*segIndexRecSize)
	for i, row := range rows {
		off := i * segIndexRecSize
		binary.LittleEndian.PutUint64(buf[off:], math.Float64bits(row.Weight))
		binary.LittleEndian.PutUint64(buf[off+8:], math.Float64bits(row.CPUTime))
		binary.LittleEndian.PutUint64(buf[off+16:], math.Float64bits(row.Walltime))
		binary.LittleEndian.PutUint32(buf[off+24:], row.ParentsOffset)
		binary.LittleEndian.PutUint32(buf[off+28:], row.NParents)
		buf[off+32] = byte(row.Status)
		buf[off+33] = byte(row.EndpointType)
	}
	return buf
}

func decodeSegIndex(buf []byte) ([]segIndexRow, error) {
	if len(buf)%segIndexRecSize != 0 {
		return nil, fmt.Errorf("seg_index dataset has %d bytes, not a multiple of %d", len(buf), segIndexRecSize)
	}
	rows := make([]segIndexRow, len(buf)/segIndexRecSize)
	for i := range rows {
		off := i * segIndexRecSize
		rows[i] = segIndexRow{
			Weight:        math.Float64frombits(binary.LittleEndian.Uint64(buf[off:])),
			CPUTime:       math.Float64frombits(binary.LittleEndian.Uint64(buf[off+8:])),
			Walltime:      math.Float64frombits(binary.LittleEndian.Uint64(buf[off+16:])),
			ParentsOffset: binary.LittleEndian.Uint32(buf[off+24:]),
			NParents:      binary.LittleEndian.Uint32(buf[off+28:]),
			Status:        model.SegStatus(buf[off+32]),
			EndpointType:  model.EndpointType(buf[off+33]),
		}
	}
	return rows, nil
}

// Array datasets carry a small header (dtype, rank, dims) ahead of the raw
// element bytes so row offsets can be computed without decoding the data.

func arrayHeaderSize(ndim int) int {
	return 2 + 8*ndim
}

func encodeArray(a *model.Array) []byte {
	buf := make([]byte, arrayHeaderSize(a.NDim())+len(a.Data))
	buf[0] = byte(a.DType)
	buf[1] = byte(a.NDim())
	for i, dim := range a.Shape {
		binary.LittleEndian.PutUint64(buf[2+8*i:], uint64(dim))
	}
	copy(buf[arrayHeaderSize(a.NDim()):], a.Data)
	return buf
}

// decodeArrayHeader reads dtype and shape, returning the offset of the
// element bytes.
func decodeArrayHeader(buf []byte) (model.DType, []int, int, error) {
	if len(buf) < 2 {
		return 0, nil, 0, fmt.Errorf("array dataset too short: %d bytes", len(buf))
	}
	dtype := model.DType(buf[0])
	ndim := int(buf[1])
	hdr := arrayHeaderSize(ndim)
	if len(buf) < hdr {
		return 0, nil, 0, fmt.Errorf("array dataset truncated: %d bytes for rank %d", len(buf), ndim)
	}
	shape := make([]int, ndim)
	n := 1
	for i := range shape {
		shape[i] = int(binary.LittleEndian.Uint64(buf[2+8*i:]))
		n *= shape[i]
	}
	if len(buf) != hdr+n*dtype.Size() {
		return 0, nil, 0, fmt.Errorf("array dataset has %d bytes, want %d", len(buf), hdr+n*dtype.Size())
	}
	return dtype, shape, hdr, nil
}

func decodeArray(buf []byte) (*model.Array, error) {
	dtype, shape, hdr, err := decodeArrayHeader(buf)
	if err != nil {
		return nil, err
	}
	return &model.Array{
		DType: dtype,
		Shape: shape,
		Data:  append([]byte(nil), buf[hdr:]...),
	}, nil
}

func encodeInt64s(vals []int64) []byte {
	buf := make([]byte, 8*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint64(buf[8*i:], uint64(v))
	}
	return buf
}

func decodeInt64s(buf []byte) ([]int64, error) {
	if len(buf)%8 != 0 {
		return nil, fmt.Errorf("int64 dataset has %d bytes, not a multiple of 8", len(buf))
	}
	vals := make([]int64, len(buf)/8)
	for i := range vals {
		vals[i] = int64(binary.LittleEndian.Uint64(buf[8*i:]))
	}
	return vals, nil
}

// summaryRowSize is the packed size of one summary-table row.
const summaryRowSize = 13*8 + 1

func encodeSummaryRow(s *model.IterSummary) []byte {
	buf := make([]byte, summaryRowSize)
	binary.LittleEndian.PutUint64(buf[0:], uint64(s.NIter))
	binary.LittleEndian.PutUint64(buf[8:], uint64(s.NParticles))
	binary.LittleEndian.PutUint64(buf[16:], math.Float64bits(s.Norm))
	binary.LittleEndian.PutUint64(buf[24:], math.Float64bits(s.TargetFlux))
	binary.LittleEndian.PutUint64(buf[32:], uint64(s.TargetHits))
	binary.LittleEndian.PutUint64(buf[40:], math.Float64bits(s.MinBinProb))
	binary.LittleEndian.PutUint64(buf[48:], math.Float64bits(s.MaxBinProb))
	binary.LittleEndian.PutUint64(buf[56:], math.Float64bits(s.BinDynRange))
	binary.LittleEndian.PutUint64(buf[64:], math.Float64bits(s.MinSegProb))
	binary.LittleEndian.PutUint64(buf[72:], math.Float64bits(s.MaxSegProb))
	binary.LittleEndian.PutUint64(buf[80:], math.Float64bits(s.SegDynRange))
	binary.LittleEndian.PutUint64(buf[88:], math.Float64bits(s.CPUTime))
	binary.LittleEndian.PutUint64(buf[96:], math.Float64bits(s.Walltime))
	buf[104] = byte(s.Status)
	return buf
}

func decodeSummaryRow(buf []byte) (*model.IterSummary, error) {
	if len(buf) != summaryRowSize {
		return nil, fmt.Errorf("summary row has %d bytes, want %d", len(buf), summaryRowSize)
	}
	return &model.IterSummary{
		NIter:       int64(binary.LittleEndian.Uint64(buf[0:])),
		NParticles:  int64(binary.LittleEndian.Uint64(buf[8:])),
		Norm:        math.Float64frombits(binary.LittleEndian.Uint64(buf[16:])),
		TargetFlux:  math.Float64frombits(binary.LittleEndian.Uint64(buf[24:])),
		TargetHits:  int64(binary.LittleEndian.Uint64(buf[32:])),
		MinBinProb:  math.Float64frombits(binary.LittleEndian.Uint64(buf[40:])),
		MaxBinProb:  math.Float64frombits(binary.LittleEndian.Uint64(buf[48:])),
		BinDynRange: math.Float64frombits(binary.LittleEndian.Uint64(buf[56:])),
		MinSegProb:  math.Float64frombits(binary.LittleEndian.Uint64(buf[64:])),
		MaxSegProb:  math.Float64frombits(binary.LittleEndian.Uint64(buf[72:])),
		SegDynRange: math.Float64frombits(binary.LittleEndian.Uint64(buf[80:])),
		CPUTime:     math.Float64frombits(binary.LittleEndian.Uint64(buf[88:])),
		Walltime:    math.Float64frombits(binary.LittleEndian.Uint64(buf[96:])),
		Status:      model.IterStatus(buf[104]),
	}, nil
}

// recyclingRecSize is the packed size of one recycling entry.
const recyclingRecSize = 16

func encodeRecycling(entries []model.RecyclingEntry) []byte {
	buf := make([]byte, len(entries)*recyclingRecSize)
	for i, e := range entries {
		off := i * recyclingRecSize
		binary.LittleEndian.PutUint64(buf[off:], uint64(e.Count))
		binary.LittleEndian.PutUint64(buf[off+8:], math.Float64bits(e.Weight))
	}
	return buf
}

func decodeRecycling(buf []byte) ([]model.RecyclingEntry, error) {
	if len(buf)%recyclingRecSize != 0 {
		return nil, fmt.Errorf("recycling dataset has %d bytes, not a multiple of %d", len(buf), recyclingRecSize)
	}
	entries := make([]model.RecyclingEntry, len(buf)/recyclingRecSize)
	for i := range entries {
		off := i * recyclingRecSize
		entries[i] = model.RecyclingEntry{
			Count:  int64(binary.LittleEndian.Uint64(buf[off:])),
			Weight: math.Float64frombits(binary.LittleEndian.Uint64(buf[off+8:])),
		}
	}
	return entries, nil
}

func encodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	return buf
}

func decodeUint64(buf []byte) (uint64, error) {
	if len(buf) != 8 {
		return 0, fmt.Errorf("attribute has %d bytes, want 8", len(buf))
	}
	return binary.LittleEndian.Uint64(buf), nil
}

// summaryKey builds the big-endian row key so rows sort by iteration.
func summaryKey(idx int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(idx))
	return buf
}

func summaryKeyIndex(key []byte) int64 {
	return int64(binary.BigEndian.Uint64(key))
}
