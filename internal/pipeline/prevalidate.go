package pipeline

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/memberworks/membersync/internal/identity"
	"github.com/memberworks/membersync/internal/model"
	"github.com/memberworks/membersync/internal/store"
)

// PreValidated is the output of the pre-validation stage. Every input row
// lands in exactly one of Records, Invalid, or the non-kept entries of
// Duplicates; nothing is silently dropped.
type PreValidated struct {
	Records    []model.MemberRecord
	Invalid    []model.InvalidRecord
	Duplicates []model.DuplicateRecord
	Existing   map[string]model.ExistingMember
	NewCount   int
}

// PreValidate normalizes and checksums identity codes, keeps the first
// occurrence of each within-batch duplicate, and bulk-checks the retained
// set against the store in one query.
func PreValidate(ctx context.Context, st store.Store, raws []model.RawRecord) (*PreValidated, error) {
	pv := &PreValidated{}

	seen := make(map[string]int, len(raws)) // id number -> index into pv.Records
	dupGroups := make(map[string]bool)

	for _, raw := range raws {
		code, ok := identity.Normalize(raw.IDNumber)
		if !ok {
			pv.Invalid = append(pv.Invalid, model.InvalidRecord{
				RowIndex: raw.RowIndex,
				IDNumber: raw.IDNumber,
				Reason:   "identity code failed checksum validation",
			})
			continue
		}

		if at, dup := seen[code]; dup {
			if !dupGroups[code] {
				// First repeat: report the kept occurrence too.
				dupGroups[code] = true
				pv.Duplicates = append(pv.Duplicates, model.DuplicateRecord{
					RowIndex: pv.Records[at].RowIndex,
					IDNumber: code,
					Kept:     true,
				})
			}
			pv.Duplicates = append(pv.Duplicates, model.DuplicateRecord{
				RowIndex: raw.RowIndex,
				IDNumber: code,
				Kept:     false,
			})
			continue
		}

		seen[code] = len(pv.Records)
		pv.Records = append(pv.Records, model.MemberRecord{
			RowIndex:     raw.RowIndex,
			IDNumber:     code,
			FirstName:    identity.CanonicalName(raw.FirstName),
			LastName:     identity.CanonicalName(raw.LastName),
			Phone:        identity.CleanPhone(raw.Phone),
			Email:        identity.CleanText(raw.Email),
			Branch:       identity.CleanText(raw.Branch),
			ExpectedWard: identity.CleanText(raw.ExpectedWard),
			Notes:        identity.CleanText(raw.Notes),
		})
	}

	ids := make([]string, len(pv.Records))
	for i, rec := range pv.Records {
		ids[i] = rec.IDNumber
	}
	existing, err := st.ExistingMembers(ctx, ids)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: existence check")
	}
	pv.Existing = existing
	pv.NewCount = len(pv.Records) - len(existing)

	zap.L().Info("pre-validation complete",
		zap.Int("input", len(raws)),
		zap.Int("valid", len(pv.Records)),
		zap.Int("invalid", len(pv.Invalid)),
		zap.Int("duplicates", len(pv.Duplicates)),
		zap.Int("existing", len(existing)),
		zap.Int("new", pv.NewCount),
	)
	return pv, nil
}

// nonKeptDuplicates counts the duplicate rows that were dropped, which is
// what the summary's duplicates figure reports.
func (pv *PreValidated) nonKeptDuplicates() int {
	n := 0
	for _, d := range pv.Duplicates {
		if !d.Kept {
			n++
		}
	}
	return n
}
