package archive

import (
	"sort"
	"strings"

	bolt "go.etcd.io/bbolt"

	apperrors "github.com/we-ensemble/pkg/errors"
	"github.com/we-ensemble/pkg/model"
)

// prepareOptions carries PrepareIteration overrides; anything left unset
// falls back to the system collaborator.
type prepareOptions struct {
	pcoordNDim  int
	pcoordLen   int
	pcoordDType model.DType
}

// PrepareOption overrides a pcoord shape parameter for one PrepareIteration
// call.
type PrepareOption func(*prepareOptions)

// WithPcoordNDim overrides the progress-coordinate dimensionality.
func WithPcoordNDim(ndim int) PrepareOption {
	return func(o *prepareOptions) { o.pcoordNDim = ndim }
}

// WithPcoordLen overrides the progress-coordinate length.
func WithPcoordLen(length int) PrepareOption {
	return func(o *prepareOptions) { o.pcoordLen = length }
}

// WithPcoordDType overrides the progress-coordinate element type.
func WithPcoordDType(dtype model.DType) PrepareOption {
	return func(o *prepareOptions) { o.pcoordDType = dtype }
}

func (a *Archive) resolvePrepareOptions(opts []PrepareOption) (prepareOptions, error) {
	var o prepareOptions
	for _, opt := range opts {
		opt(&o)
	}
	if a.system != nil {
		if o.pcoordNDim == 0 {
			o.pcoordNDim = a.system.PcoordNDim()
		}
		if o.pcoordLen == 0 {
			o.pcoordLen = a.system.PcoordLen()
		}
		if o.pcoordDType == 0 {
			o.pcoordDType = a.system.PcoordDType()
		}
	}
	if o.pcoordNDim <= 0 || o.pcoordLen <= 0 || o.pcoordDType == 0 {
		return o, apperrors.New(apperrors.CodeConfigError,
			"pcoord shape unspecified and no system collaborator to supply defaults")
	}
	return o, nil
}

// PrepareIteration creates iteration group n: it assigns dense segment ids,
// serializes the lineage into the flat parents vector (primary parent first,
// remaining parents ascending, offsets a prefix sum), writes the initial
// pcoords, creates zeroed bin datasets, and writes a summary row with
// status incomplete and norm equal to the total weight.
//
// Segments arriving with only their starting pcoord row seed row 0; fully
// shaped pcoords are copied whole. A segment with an empty parent set, a
// primary parent outside its parent set, a duplicated parent, or a
// mismatched pcoord shape fails the whole call.
func (a *Archive) PrepareIteration(n int64, segments []*model.Segment, opts ...PrepareOption) error {
	if err := a.require(); err != nil {
		return err
	}
	o, err := a.resolvePrepareOptions(opts)
	if err != nil {
		return err
	}

	nParticles := len(segments)
	if nParticles == 0 {
		return apperrors.Newf(apperrors.CodeSchemaViolation, "iteration %d has no segments", n)
	}

	// Validate lineage and pcoord shapes before touching the store.
	totalParents := 0
	for i, seg := range segments {
		if seg.SegID != model.UnassignedSegID && seg.SegID != int64(i) {
			return apperrors.Newf(apperrors.CodeSchemaViolation,
				"segment at index %d carries seg_id %d", i, seg.SegID)
		}
		if len(seg.ParentIDs) == 0 {
			return apperrors.Newf(apperrors.CodeSchemaViolation,
				"segment %d of iteration %d has no parents", i, n)
		}
		if !seg.HasParent(seg.PParentID) {
			return apperrors.Newf(apperrors.CodeSchemaViolation,
				"segment %d of iteration %d: primary parent %d not among parents", i, n, seg.PParentID)
		}
		seen := make(map[int64]struct{}, len(seg.ParentIDs))
		for _, p := range seg.ParentIDs {
			if _, dup := seen[p]; dup {
				return apperrors.Newf(apperrors.CodeSchemaViolation,
					"segment %d of iteration %d: duplicate parent %d", i, n, p)
			}
			seen[p] = struct{}{}
		}
		totalParents += len(seg.ParentIDs)

		if seg.Pcoord != nil {
			if seg.Pcoord.DType != o.pcoordDType {
				return apperrors.Newf(apperrors.CodeSchemaViolation,
					"segment %d pcoord dtype %s does not match %s", i, seg.Pcoord.DType, o.pcoordDType)
			}
			if !seg.Pcoord.ShapeEquals(1, o.pcoordNDim) && !seg.Pcoord.ShapeEquals(o.pcoordLen, o.pcoordNDim) {
				return apperrors.Newf(apperrors.CodeSchemaViolation,
					"segment %d pcoord shape %v does not match [%d %d]",
					i, seg.Pcoord.Shape, o.pcoordLen, o.pcoordNDim)
			}
		}
	}

	if n > 1 {
		if prev, err := a.GetIterSummary(n - 1); err == nil && prev.NIter == n-1 {
			for i, seg := range segments {
				for _, p := range seg.ParentIDs {
					if p < 0 || p >= prev.NParticles {
						return apperrors.Newf(apperrors.CodeSchemaViolation,
							"segment %d of iteration %d: parent %d outside iteration %d (%d particles)",
							i, n, p, n-1, prev.NParticles)
					}
				}
			}
		}
	}

	// Assemble every dataset in memory; the transaction below only stores.
	indexRows := make([]segIndexRow, nParticles)
	parents := make([]int64, 0, totalParents)
	pcoord := model.NewArray(o.pcoordDType, nParticles, o.pcoordLen, o.pcoordNDim)
	norm := 0.0

	offset := uint32(0)
	for i, seg := range segments {
		seg.SegID = int64(i)
		sorted := seg.SortedParents()
		indexRows[i] = segIndexRow{
			Weight:        seg.Weight,
			CPUTime:       seg.CPUTime,
			Walltime:      seg.Walltime,
			ParentsOffset: offset,
			NParents:      uint32(len(sorted)),
			Status:        seg.Status,
			EndpointType:  seg.EndpointType,
		}
		parents = append(parents, sorted...)
		offset += uint32(len(sorted))
		norm += seg.Weight

		if seg.Pcoord != nil {
			segRows := seg.Pcoord.Shape[0]
			for ti := 0; ti < segRows; ti++ {
				for d := 0; d < o.pcoordNDim; d++ {
					pcoord.SetFloat64(seg.Pcoord.Float64At(ti, d), i, ti, d)
				}
			}
		}
	}

	nBins := 0
	if a.system != nil {
		nBins = a.system.NBins()
	}

	summaryRow := &model.IterSummary{
		NIter:      n,
		NParticles: int64(nParticles),
		Norm:       norm,
		Status:     model.IterIncomplete,
	}

	groupName := a.iterGroupName(n)
	a.logger.Debug("preparing group %s (%d segments, %d parents)", groupName, nParticles, totalParents)

	return a.db.Update(func(tx *bolt.Tx) error {
		group, err := tx.CreateBucket([]byte(groupName))
		if err != nil {
			return apperrors.Wrapf(apperrors.CodeSchemaViolation, err, "create iteration group %s", groupName)
		}
		if err := group.Put([]byte(keyNIter), encodeUint64(uint64(n))); err != nil {
			return err
		}
		if err := group.Put([]byte(keySegIndex), encodeSegIndex(indexRows)); err != nil {
			return err
		}
		if err := group.Put([]byte(keyPcoord), encodeArray(pcoord)); err != nil {
			return err
		}
		if totalParents > 0 {
			if err := group.Put([]byte(keyParents), encodeInt64s(parents)); err != nil {
				return err
			}
		}

		binDatasets := map[string]*model.Array{
			keyBinAssignments: model.NewArray(model.DTypeUint32, nParticles, o.pcoordLen),
			keyBinPopulations: model.NewArray(model.DTypeFloat64, o.pcoordLen, nBins),
			keyBinNtrans:      model.NewArray(model.DTypeUint32, nBins, nBins),
			keyBinFluxes:      model.NewArray(model.DTypeFloat64, nBins, nBins),
			keyBinRates:       model.NewArray(model.DTypeFloat64, nBins, nBins),
		}
		for key, arr := range binDatasets {
			if err := group.Put([]byte(key), encodeArray(arr)); err != nil {
				return err
			}
		}

		summary := tx.Bucket([]byte(bucketSummary))
		if summary == nil {
			return apperrors.New(apperrors.CodeNotFound, "archive is not prepared")
		}
		return summary.Put(summaryKey(n-1), encodeSummaryRow(summaryRow))
	})
}

// UpdateSegments writes the propagation-mutable fields (weight, timings,
// status, endpoint type, full pcoord, auxiliary data) of the given segments
// back into iteration n. Segment ids and lineage are never modified here.
// Auxiliary datasets are created on a field's first appearance, sized for
// the whole iteration; later writes of that field must match its shape and
// element type.
func (a *Archive) UpdateSegments(n int64, segments []*model.Segment) error {
	if err := a.require(); err != nil {
		return err
	}
	if len(segments) == 0 {
		return nil
	}

	groupName := a.iterGroupName(n)
	return a.db.Update(func(tx *bolt.Tx) error {
		group, err := iterGroup(tx, groupName)
		if err != nil {
			return err
		}

		indexRows, err := decodeSegIndex(group.Get([]byte(keySegIndex)))
		if err != nil {
			return err
		}
		pcoord, err := decodeArray(group.Get([]byte(keyPcoord)))
		if err != nil {
			return err
		}
		nParticles := len(indexRows)

		// First pass: settle auxiliary dataset shapes, first write wins.
		auxData := make(map[string]*model.Array)
		for _, seg := range segments {
			for name, field := range seg.Data {
				existing := auxData[name]
				if existing == nil {
					if raw := group.Get([]byte(auxPrefix + name)); raw != nil {
						existing, err = decodeArray(raw)
						if err != nil {
							return err
						}
					} else {
						shape := append([]int{nParticles}, field.Shape...)
						existing = model.NewArray(field.DType, shape...)
					}
					auxData[name] = existing
				}
				if field.DType != existing.DType || !field.ShapeEquals(existing.Shape[1:]...) {
					return apperrors.Newf(apperrors.CodeSchemaViolation,
						"segment %d: auxiliary field %q has shape %v dtype %s, want %v %s",
						seg.SegID, name, field.Shape, field.DType, existing.Shape[1:], existing.DType)
				}
			}
		}

		for _, seg := range segments {
			if seg.SegID < 0 || seg.SegID >= int64(nParticles) {
				return apperrors.Newf(apperrors.CodeSchemaViolation,
					"segment id %d outside iteration %d (%d particles)", seg.SegID, n, nParticles)
			}
			row := &indexRows[seg.SegID]
			row.Weight = seg.Weight
			row.CPUTime = seg.CPUTime
			row.Walltime = seg.Walltime
			row.Status = seg.Status
			row.EndpointType = seg.EndpointType

			if seg.Pcoord != nil {
				if !seg.Pcoord.ShapeEquals(pcoord.Shape[1:]...) || seg.Pcoord.DType != pcoord.DType {
					return apperrors.Newf(apperrors.CodeSchemaViolation,
						"segment %d pcoord shape %v dtype %s, want %v %s",
						seg.SegID, seg.Pcoord.Shape, seg.Pcoord.DType, pcoord.Shape[1:], pcoord.DType)
				}
				if err := pcoord.SetRow(int(seg.SegID), seg.Pcoord.Data); err != nil {
					return err
				}
			}

			for name, field := range seg.Data {
				if err := auxData[name].SetRow(int(seg.SegID), field.Data); err != nil {
					return err
				}
			}
		}

		if err := group.Put([]byte(keySegIndex), encodeSegIndex(indexRows)); err != nil {
			return err
		}
		if err := group.Put([]byte(keyPcoord), encodeArray(pcoord)); err != nil {
			return err
		}
		for name, arr := range auxData {
			if err := group.Put([]byte(auxPrefix+name), encodeArray(arr)); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetSegments returns every segment of iteration n as detached records with
// reconstructed lineage. It is optimized for full-iteration reads: the
// index, pcoord cube, and parents vector are each loaded in one read and
// stitched in memory.
func (a *Archive) GetSegments(n int64) ([]*model.Segment, error) {
	if err := a.require(); err != nil {
		return nil, err
	}

	var segments []*model.Segment
	groupName := a.iterGroupName(n)
	err := a.db.View(func(tx *bolt.Tx) error {
		group, err := iterGroup(tx, groupName)
		if err != nil {
			return err
		}
		indexRows, err := decodeSegIndex(group.Get([]byte(keySegIndex)))
		if err != nil {
			return err
		}
		pcoord, err := decodeArray(group.Get([]byte(keyPcoord)))
		if err != nil {
			return err
		}
		parents, err := decodeInt64s(group.Get([]byte(keyParents)))
		if err != nil {
			return err
		}

		segments = make([]*model.Segment, len(indexRows))
		for i, row := range indexRows {
			seg, err := stitchSegment(int64(i), n, row, parents)
			if err != nil {
				return err
			}
			seg.Pcoord = &model.Array{
				DType: pcoord.DType,
				Shape: append([]int(nil), pcoord.Shape[1:]...),
				Data:  append([]byte(nil), pcoord.Row(i)...),
			}
			segments[i] = seg
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return segments, nil
}

// GetSegmentsByID returns the given segments of iteration n. Pcoords are
// fetched by a pointwise row selection on the stored cube rather than by
// materializing the whole dataset.
func (a *Archive) GetSegmentsByID(n int64, ids []int64) ([]*model.Segment, error) {
	if err := a.require(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	var segments []*model.Segment
	groupName := a.iterGroupName(n)
	err := a.db.View(func(tx *bolt.Tx) error {
		group, err := iterGroup(tx, groupName)
		if err != nil {
			return err
		}
		indexRows, err := decodeSegIndex(group.Get([]byte(keySegIndex)))
		if err != nil {
			return err
		}
		parents, err := decodeInt64s(group.Get([]byte(keyParents)))
		if err != nil {
			return err
		}

		rawPcoord := group.Get([]byte(keyPcoord))
		dtype, shape, hdr, err := decodeArrayHeader(rawPcoord)
		if err != nil {
			return err
		}
		segShape := shape[1:]
		segBytes := dtype.Size()
		for _, dim := range segShape {
			segBytes *= dim
		}

		segments = make([]*model.Segment, 0, len(ids))
		for _, id := range ids {
			if id < 0 || id >= int64(len(indexRows)) {
				return apperrors.Newf(apperrors.CodeNotFound,
					"segment id %d outside iteration %d (%d particles)", id, n, len(indexRows))
			}
			seg, err := stitchSegment(id, n, indexRows[id], parents)
			if err != nil {
				return err
			}
			off := hdr + int(id)*segBytes
			seg.Pcoord = &model.Array{
				DType: dtype,
				Shape: append([]int(nil), segShape...),
				Data:  append([]byte(nil), rawPcoord[off:off+segBytes]...),
			}
			segments = append(segments, seg)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return segments, nil
}

// stitchSegment rebuilds a detached segment record from its index row and
// the flat parents vector.
func stitchSegment(id, n int64, row segIndexRow, parents []int64) (*model.Segment, error) {
	lo, hi := int(row.ParentsOffset), int(row.ParentsOffset+row.NParents)
	if hi > len(parents) || row.NParents == 0 {
		return nil, apperrors.Newf(apperrors.CodeSchemaViolation,
			"segment %d parents slice [%d:%d] outside vector of length %d", id, lo, hi, len(parents))
	}
	parentIDs := append([]int64(nil), parents[lo:hi]...)
	return &model.Segment{
		SegID:        id,
		NIter:        n,
		Weight:       row.Weight,
		CPUTime:      row.CPUTime,
		Walltime:     row.Walltime,
		Status:       row.Status,
		EndpointType: row.EndpointType,
		ParentIDs:    parentIDs,
		PParentID:    parentIDs[0],
	}, nil
}

// GetChildren returns every segment of the following iteration whose primary
// parent is the given segment. The scan touches only the parents offsets and
// the parents vector: the parent at each row's offset is its primary parent.
// Segments of the current iteration have no recorded children yet.
// Non-primary parenthood is not reported.
func (a *Archive) GetChildren(seg *model.Segment) ([]*model.Segment, error) {
	if err := a.require(); err != nil {
		return nil, err
	}

	current, err := a.CurrentIteration()
	if err != nil {
		return nil, err
	}
	if seg.NIter == current {
		return nil, nil
	}

	var childIDs []int64
	groupName := a.iterGroupName(seg.NIter + 1)
	err = a.db.View(func(tx *bolt.Tx) error {
		group, err := iterGroup(tx, groupName)
		if err != nil {
			return err
		}
		indexRows, err := decodeSegIndex(group.Get([]byte(keySegIndex)))
		if err != nil {
			return err
		}
		parents, err := decodeInt64s(group.Get([]byte(keyParents)))
		if err != nil {
			return err
		}
		for i, row := range indexRows {
			if int(row.ParentsOffset) >= len(parents) {
				return apperrors.Newf(apperrors.CodeSchemaViolation,
					"segment %d parents offset %d outside vector of length %d", i, row.ParentsOffset, len(parents))
			}
			if parents[row.ParentsOffset] == seg.SegID {
				childIDs = append(childIDs, int64(i))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return a.GetSegmentsByID(seg.NIter+1, childIDs)
}

// WriteBinData stores the bin datasets of iteration n.
func (a *Archive) WriteBinData(n int64, assignments, populations, ntrans, fluxes, rates *model.Array) error {
	if err := a.require(); err != nil {
		return err
	}

	datasets := map[string]*model.Array{
		keyBinAssignments: assignments,
		keyBinPopulations: populations,
		keyBinNtrans:      ntrans,
		keyBinFluxes:      fluxes,
		keyBinRates:       rates,
	}
	groupName := a.iterGroupName(n)
	return a.db.Update(func(tx *bolt.Tx) error {
		group, err := iterGroup(tx, groupName)
		if err != nil {
			return err
		}
		for key, arr := range datasets {
			if arr == nil {
				return apperrors.Newf(apperrors.CodeSchemaViolation, "bin dataset %s is nil", key)
			}
			if err := group.Put([]byte(key), encodeArray(arr)); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetBinData reads back the bin datasets of iteration n in the order
// assignments, populations, ntrans, fluxes, rates.
func (a *Archive) GetBinData(n int64) (assignments, populations, ntrans, fluxes, rates *model.Array, err error) {
	if err = a.require(); err != nil {
		return
	}
	groupName := a.iterGroupName(n)
	err = a.db.View(func(tx *bolt.Tx) error {
		group, err := iterGroup(tx, groupName)
		if err != nil {
			return err
		}
		for key, dst := range map[string]**model.Array{
			keyBinAssignments: &assignments,
			keyBinPopulations: &populations,
			keyBinNtrans:      &ntrans,
			keyBinFluxes:      &fluxes,
			keyBinRates:       &rates,
		} {
			arr, err := decodeArray(group.Get([]byte(key)))
			if err != nil {
				return err
			}
			*dst = arr
		}
		return nil
	})
	return
}

// WriteRecyclingData stores one (count, weight) entry per recycling target
// for iteration n.
func (a *Archive) WriteRecyclingData(n int64, entries []model.RecyclingEntry) error {
	if err := a.require(); err != nil {
		return err
	}
	groupName := a.iterGroupName(n)
	return a.db.Update(func(tx *bolt.Tx) error {
		group, err := iterGroup(tx, groupName)
		if err != nil {
			return err
		}
		return group.Put([]byte(keyRecycling), encodeRecycling(entries))
	})
}

// GetRecyclingData reads back iteration n's recycling entries. Iterations
// without recycling data return an empty list.
func (a *Archive) GetRecyclingData(n int64) ([]model.RecyclingEntry, error) {
	if err := a.require(); err != nil {
		return nil, err
	}
	var entries []model.RecyclingEntry
	groupName := a.iterGroupName(n)
	err := a.db.View(func(tx *bolt.Tx) error {
		group, err := iterGroup(tx, groupName)
		if err != nil {
			return err
		}
		raw := group.Get([]byte(keyRecycling))
		if raw == nil {
			return nil
		}
		entries, err = decodeRecycling(raw)
		return err
	})
	return entries, err
}

// GetAuxData reads back one auxiliary dataset of iteration n.
func (a *Archive) GetAuxData(n int64, name string) (*model.Array, error) {
	if err := a.require(); err != nil {
		return nil, err
	}
	var arr *model.Array
	groupName := a.iterGroupName(n)
	err := a.db.View(func(tx *bolt.Tx) error {
		group, err := iterGroup(tx, groupName)
		if err != nil {
			return err
		}
		raw := group.Get([]byte(auxPrefix + name))
		if raw == nil {
			return apperrors.Newf(apperrors.CodeNotFound, "iteration %d has no auxiliary dataset %q", n, name)
		}
		arr, err = decodeArray(raw)
		return err
	})
	return arr, err
}

// ListAuxData lists the auxiliary dataset names of iteration n in sorted
// order.
func (a *Archive) ListAuxData(n int64) ([]string, error) {
	if err := a.require(); err != nil {
		return nil, err
	}
	var names []string
	groupName := a.iterGroupName(n)
	err := a.db.View(func(tx *bolt.Tx) error {
		group, err := iterGroup(tx, groupName)
		if err != nil {
			return err
		}
		return group.ForEach(func(k, v []byte) error {
			if strings.HasPrefix(string(k), auxPrefix) {
				names = append(names, strings.TrimPrefix(string(k), auxPrefix))
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}
