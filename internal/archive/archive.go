// Package archive implements the iteration-indexed persistent store for
// weighted-ensemble runs: a single container file holding one group per
// iteration (seg_index, pcoord, parents, bin data, auxiliary datasets) plus
// a resizable per-iteration summary table.
//
// The store sits on bbolt: buckets play the role of groups, bucket keys the
// role of datasets and attributes. Backends of this kind perform poorly
// under many small writes, so every write path assembles the full dataset in
// memory and issues exactly one store write per dataset.
package archive

import (
	"fmt"
	"os"

	bolt "go.etcd.io/bbolt"

	apperrors "github.com/we-ensemble/pkg/errors"
	"github.com/we-ensemble/pkg/model"
	"github.com/we-ensemble/pkg/utils"
)

// FileFormatVersion is written to every new archive.
const FileFormatVersion = 3

// DefaultIterPrec is the field width of the numeric portion of iteration
// group names.
const DefaultIterPrec = 8

// Bucket and key names of the container layout.
const (
	bucketAttrs   = "attrs"
	bucketSummary = "summary"

	attrFormatVersion    = "file_format_version"
	attrCurrentIteration = "wemd_current_iteration"
	attrIterPrec         = "iter_prec"

	keyNIter          = "n_iter"
	keySegIndex       = "seg_index"
	keyPcoord         = "pcoord"
	keyParents        = "parents"
	keyBinAssignments = "bin_assignments"
	keyBinPopulations = "bin_populations"
	keyBinNtrans      = "bin_ntrans"
	keyBinFluxes      = "bin_fluxes"
	keyBinRates       = "bin_rates"
	keyRecycling      = "recycling"

	auxPrefix = "aux:"
)

// System supplies the defaults the archive needs when preparing an
// iteration: the progress-coordinate shape and the bin count.
type System interface {
	PcoordNDim() int
	PcoordLen() int
	PcoordDType() model.DType
	NBins() int
}

// Archive is the persistent store of iterations, lineage, progress
// coordinates, and per-iteration summaries. It is not safe for concurrent
// use: a single writer at a time, opened around each write batch.
type Archive struct {
	path     string
	iterPrec int
	system   System
	logger   utils.Logger
	db       *bolt.DB
	readOnly bool
}

// Option configures an Archive.
type Option func(*Archive)

// WithIterPrec sets the iteration group name width for new archives.
func WithIterPrec(prec int) Option {
	return func(a *Archive) {
		a.iterPrec = prec
	}
}

// WithSystem injects the system collaborator used for pcoord and bin
// defaults.
func WithSystem(sys System) Option {
	return func(a *Archive) {
		a.system = sys
	}
}

// WithLogger sets the archive logger.
func WithLogger(logger utils.Logger) Option {
	return func(a *Archive) {
		a.logger = logger
	}
}

// New creates an Archive handle. The backing file is not touched until Open.
func New(path string, opts ...Option) *Archive {
	a := &Archive{
		path:     path,
		iterPrec: DefaultIterPrec,
		logger:   &utils.NullLogger{},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Open acquires the backing file. Mode "r" opens read-only, "r+" read-write,
// and "w" read-write after truncating any existing file. Opening an already
// open archive is an error.
func (a *Archive) Open(mode string) error {
	if a.db != nil {
		return apperrors.New(apperrors.CodeInternal, "archive already open")
	}

	var readOnly bool
	switch mode {
	case "r":
		readOnly = true
	case "r+", "a":
	case "w":
		if err := os.Remove(a.path); err != nil && !os.IsNotExist(err) {
			return apperrors.Wrapf(apperrors.CodeConfigError, err, "truncate archive %s", a.path)
		}
	default:
		return apperrors.Newf(apperrors.CodeConfigError, "unsupported archive mode %q", mode)
	}

	db, err := bolt.Open(a.path, 0o644, &bolt.Options{ReadOnly: readOnly})
	if err != nil {
		return apperrors.Wrapf(apperrors.CodeConfigError, err, "open archive %s", a.path)
	}
	a.db = db
	a.readOnly = readOnly

	// An existing archive dictates its own group-name width.
	err = db.View(func(tx *bolt.Tx) error {
		attrs := tx.Bucket([]byte(bucketAttrs))
		if attrs == nil {
			return nil
		}
		if raw := attrs.Get([]byte(attrIterPrec)); raw != nil {
			prec, err := decodeUint64(raw)
			if err != nil {
				return err
			}
			a.iterPrec = int(prec)
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		a.db = nil
		return apperrors.Wrapf(apperrors.CodeConfigError, err, "read archive attributes from %s", a.path)
	}

	a.logger.Debug("opened archive %s (mode=%s)", a.path, mode)
	return nil
}

// Close flushes and releases the backing file regardless of prior errors.
// Closing a closed archive is a no-op.
func (a *Archive) Close() error {
	if a.db == nil {
		return nil
	}
	err := a.db.Close()
	a.db = nil
	if err != nil {
		return apperrors.Wrapf(apperrors.CodeInternal, err, "close archive %s", a.path)
	}
	return nil
}

// Path returns the backing file path.
func (a *Archive) Path() string {
	return a.path
}

// IterPrec returns the iteration group name width in effect.
func (a *Archive) IterPrec() int {
	return a.iterPrec
}

func (a *Archive) require() error {
	if a.db == nil {
		return apperrors.New(apperrors.CodeInternal, "archive is not open")
	}
	return nil
}

// Prepare initializes a new archive: format version, current_iteration = 1,
// and a summary table of initial length 1.
func (a *Archive) Prepare() error {
	if err := a.require(); err != nil {
		return err
	}

	return a.db.Update(func(tx *bolt.Tx) error {
		attrs, err := tx.CreateBucketIfNotExists([]byte(bucketAttrs))
		if err != nil {
			return err
		}
		if err := attrs.Put([]byte(attrFormatVersion), encodeUint64(FileFormatVersion)); err != nil {
			return err
		}
		if err := attrs.Put([]byte(attrCurrentIteration), encodeUint64(1)); err != nil {
			return err
		}
		if err := attrs.Put([]byte(attrIterPrec), encodeUint64(uint64(a.iterPrec))); err != nil {
			return err
		}

		summary, err := tx.CreateBucketIfNotExists([]byte(bucketSummary))
		if err != nil {
			return err
		}
		return summary.Put(summaryKey(0), encodeSummaryRow(&model.IterSummary{}))
	})
}

// FormatVersion returns the archive's format version attribute.
func (a *Archive) FormatVersion() (uint64, error) {
	if err := a.require(); err != nil {
		return 0, err
	}
	var version uint64
	err := a.db.View(func(tx *bolt.Tx) error {
		attrs := tx.Bucket([]byte(bucketAttrs))
		if attrs == nil {
			return apperrors.New(apperrors.CodeNotFound, "archive is not prepared")
		}
		raw := attrs.Get([]byte(attrFormatVersion))
		if raw == nil {
			return apperrors.New(apperrors.CodeNotFound, "missing format version attribute")
		}
		var err error
		version, err = decodeUint64(raw)
		return err
	})
	return version, err
}

// CurrentIteration returns the archive's current iteration attribute.
func (a *Archive) CurrentIteration() (int64, error) {
	if err := a.require(); err != nil {
		return 0, err
	}
	var n int64
	err := a.db.View(func(tx *bolt.Tx) error {
		attrs := tx.Bucket([]byte(bucketAttrs))
		if attrs == nil {
			return apperrors.New(apperrors.CodeNotFound, "archive is not prepared")
		}
		raw := attrs.Get([]byte(attrCurrentIteration))
		if raw == nil {
			return apperrors.New(apperrors.CodeNotFound, "missing current iteration attribute")
		}
		v, err := decodeUint64(raw)
		n = int64(v)
		return err
	})
	return n, err
}

// SetCurrentIteration updates the archive's current iteration attribute.
func (a *Archive) SetCurrentIteration(n int64) error {
	if err := a.require(); err != nil {
		return err
	}
	return a.db.Update(func(tx *bolt.Tx) error {
		attrs := tx.Bucket([]byte(bucketAttrs))
		if attrs == nil {
			return apperrors.New(apperrors.CodeNotFound, "archive is not prepared")
		}
		return attrs.Put([]byte(attrCurrentIteration), encodeUint64(uint64(n)))
	})
}

// iterGroupName builds the fixed-width group name for iteration n.
func (a *Archive) iterGroupName(n int64) string {
	return fmt.Sprintf("iter_%0*d", a.iterPrec, n)
}

func iterGroup(tx *bolt.Tx, name string) (*bolt.Bucket, error) {
	group := tx.Bucket([]byte(name))
	if group == nil {
		return nil, apperrors.Newf(apperrors.CodeNotFound, "iteration group %s does not exist", name)
	}
	return group, nil
}

// DelIterGroup removes iteration n's group.
func (a *Archive) DelIterGroup(n int64) error {
	if err := a.require(); err != nil {
		return err
	}
	return a.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket([]byte(a.iterGroupName(n))); err != nil {
			return apperrors.Wrapf(apperrors.CodeNotFound, err, "delete iteration group %d", n)
		}
		return nil
	})
}
