package archive

import (
	bolt "go.etcd.io/bbolt"

	apperrors "github.com/we-ensemble/pkg/errors"
	"github.com/we-ensemble/pkg/model"
)

// GetIterSummary returns iteration n's summary row.
func (a *Archive) GetIterSummary(n int64) (*model.IterSummary, error) {
	if err := a.require(); err != nil {
		return nil, err
	}
	var row *model.IterSummary
	err := a.db.View(func(tx *bolt.Tx) error {
		summary := tx.Bucket([]byte(bucketSummary))
		if summary == nil {
			return apperrors.New(apperrors.CodeNotFound, "archive is not prepared")
		}
		raw := summary.Get(summaryKey(n - 1))
		if raw == nil {
			return apperrors.Newf(apperrors.CodeNotFound, "no summary row for iteration %d", n)
		}
		var err error
		row, err = decodeSummaryRow(raw)
		return err
	})
	return row, err
}

// UpdateIterSummary replaces iteration n's summary row.
func (a *Archive) UpdateIterSummary(n int64, row *model.IterSummary) error {
	if err := a.require(); err != nil {
		return err
	}
	return a.db.Update(func(tx *bolt.Tx) error {
		summary := tx.Bucket([]byte(bucketSummary))
		if summary == nil {
			return apperrors.New(apperrors.CodeNotFound, "archive is not prepared")
		}
		return summary.Put(summaryKey(n-1), encodeSummaryRow(row))
	})
}

// DelIterSummary truncates the summary table to length minIter-1, dropping
// iterations minIter and later. Their groups may linger on disk but are no
// longer reachable through the summary.
func (a *Archive) DelIterSummary(minIter int64) error {
	if err := a.require(); err != nil {
		return err
	}
	return a.db.Update(func(tx *bolt.Tx) error {
		summary := tx.Bucket([]byte(bucketSummary))
		if summary == nil {
			return apperrors.New(apperrors.CodeNotFound, "archive is not prepared")
		}
		cur := summary.Cursor()
		for k, _ := cur.Seek(summaryKey(minIter - 1)); k != nil; k, _ = cur.Next() {
			if err := cur.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
}

// SummaryLength returns the number of rows in the summary table.
func (a *Archive) SummaryLength() (int64, error) {
	if err := a.require(); err != nil {
		return 0, err
	}
	var length int64
	err := a.db.View(func(tx *bolt.Tx) error {
		summary := tx.Bucket([]byte(bucketSummary))
		if summary == nil {
			return apperrors.New(apperrors.CodeNotFound, "archive is not prepared")
		}
		if k, _ := summary.Cursor().Last(); k != nil {
			length = summaryKeyIndex(k) + 1
		}
		return nil
	})
	return length, err
}
