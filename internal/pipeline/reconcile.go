package pipeline

import (
	"go.uber.org/zap"

	"github.com/memberworks/membersync/internal/geo"
	"github.com/memberworks/membersync/internal/model"
)

// Reconcile merges verification outcomes back onto their records and
// produces the persisted shape. Sentinel precedence: an international
// registration always takes the International sentinel, and the
// RegisteredElsewhere, NotRegistered, and Deceased categories always take
// their sentinel ward code, even when the lookup returned a real one.
// RegisteredInWard keeps the real ward and gets the full hierarchy resolved;
// LookupFailed leaves status and every geographic field untouched so a later
// run can fill them in.
func Reconcile(records []model.MemberRecord, outcomes []model.VerificationOutcome, resolver *geo.Resolver) []model.Member {
	byRow := make(map[int]model.VerificationOutcome, len(outcomes))
	for _, out := range outcomes {
		byRow[out.RowIndex] = out
	}

	members := make([]model.Member, 0, len(outcomes))
	for _, rec := range records {
		out, ok := byRow[rec.RowIndex]
		if !ok {
			// Not verified in this window; the record belongs to a
			// resumed invocation.
			continue
		}
		members = append(members, reconcileOne(rec, out, resolver))
	}

	zap.L().Info("reconciliation complete", zap.Int("members", len(members)))
	return members
}

func reconcileOne(rec model.MemberRecord, out model.VerificationOutcome, resolver *geo.Resolver) model.Member {
	m := model.Member{
		IDNumber:      rec.IDNumber,
		FirstName:     model.StrPtr(rec.FirstName),
		LastName:      model.StrPtr(rec.LastName),
		Phone:         model.StrPtr(rec.Phone),
		Email:         model.StrPtr(rec.Email),
		Branch:        model.StrPtr(rec.Branch),
		VotingStation: model.StrPtr(out.Station),
	}
	if out.Category != model.StatusLookupFailed {
		m.RegistrationStatus = model.StrPtr(string(out.Category))
	}

	// A voter on the international segment has no domestic ward, whatever
	// category the lookup resolved to.
	if out.International {
		m.WardCode = model.StrPtr(geo.SentinelInternational)
		return m
	}

	if sentinel := geo.SentinelFor(out.Category); sentinel != "" {
		m.WardCode = &sentinel
		return m
	}

	switch out.Category {
	case model.StatusRegisteredInWard:
		ward := out.WardCode
		if ward == "" {
			ward = rec.ExpectedWard
		}
		m.WardCode = model.StrPtr(ward)
		if ward != "" && !geo.IsSentinel(ward) {
			h := resolver.Resolve(ward)
			m.MunicipalityCode = h.MunicipalityCode
			m.MunicipalityName = h.MunicipalityName
			m.DistrictCode = h.DistrictCode
			m.DistrictName = h.DistrictName
			m.ProvinceCode = h.ProvinceCode
			m.ProvinceName = h.ProvinceName
		}
	case model.StatusLookupFailed:
		// Status and geographic fields stay nil; coalesce keeps whatever
		// the store already has for this member.
	}
	return m
}
