package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memberworks/membersync/internal/geo"
	"github.com/memberworks/membersync/internal/model"
)

func testResolver() *geo.Resolver {
	return geo.NewResolver(geo.Mappings{
		WardToMunicipality:     map[string]geo.Unit{"52305011": {Code: "KZN235", Name: "Okhahlamba"}},
		MunicipalityToDistrict: map[string]geo.Unit{"KZN235": {Code: "DC23", Name: "Uthukela"}},
		DistrictToProvince:     map[string]geo.Unit{"DC23": {Code: "KZN", Name: "KwaZulu-Natal"}},
	})
}

func TestReconcile_RegisteredInWardResolvesHierarchy(t *testing.T) {
	records := []model.MemberRecord{
		{RowIndex: 2, IDNumber: testIDs[0], FirstName: "Thandi", ExpectedWard: "52305011"},
	}
	outcomes := []model.VerificationOutcome{
		{RowIndex: 2, IDNumber: testIDs[0], Registered: true, WardCode: "52305011", Category: model.StatusRegisteredInWard},
	}

	members := Reconcile(records, outcomes, testResolver())
	require.Len(t, members, 1)

	m := members[0]
	require.NotNil(t, m.WardCode)
	assert.Equal(t, "52305011", *m.WardCode)
	require.NotNil(t, m.ProvinceCode)
	assert.Equal(t, "KZN", *m.ProvinceCode)
	require.NotNil(t, m.MunicipalityName)
	assert.Equal(t, "Okhahlamba", *m.MunicipalityName)
	require.NotNil(t, m.RegistrationStatus)
	assert.Equal(t, string(model.StatusRegisteredInWard), *m.RegistrationStatus)
}

func TestReconcile_DeceasedSentinelOverridesRealWard(t *testing.T) {
	records := []model.MemberRecord{
		{RowIndex: 2, IDNumber: testIDs[0], ExpectedWard: "52305011"},
	}
	// The lookup carried a real ward code, but the station-with-no-
	// registration signal takes precedence.
	outcomes := []model.VerificationOutcome{
		{RowIndex: 2, IDNumber: testIDs[0], Registered: false, WardCode: "52305011",
			Station: "Emnambithi Hall", Category: model.StatusDeceased},
	}

	members := Reconcile(records, outcomes, testResolver())
	require.Len(t, members, 1)

	m := members[0]
	require.NotNil(t, m.WardCode)
	assert.Equal(t, geo.SentinelDeceased, *m.WardCode)
	assert.Nil(t, m.MunicipalityCode)
	assert.Nil(t, m.ProvinceCode)
	require.NotNil(t, m.VotingStation)
	assert.Equal(t, "Emnambithi Hall", *m.VotingStation)
}

func TestReconcile_SentinelCategories(t *testing.T) {
	tests := []struct {
		category model.StatusCategory
		want     string
	}{
		{model.StatusNotRegistered, geo.SentinelNotRegistered},
		{model.StatusRegisteredElsewhere, geo.SentinelRegisteredElsewhere},
		{model.StatusDeceased, geo.SentinelDeceased},
	}
	for _, tc := range tests {
		t.Run(string(tc.category), func(t *testing.T) {
			members := Reconcile(
				[]model.MemberRecord{{RowIndex: 2, IDNumber: testIDs[0]}},
				[]model.VerificationOutcome{{RowIndex: 2, IDNumber: testIDs[0], Category: tc.category}},
				testResolver(),
			)
			require.Len(t, members, 1)
			require.NotNil(t, members[0].WardCode)
			assert.Equal(t, tc.want, *members[0].WardCode)
		})
	}
}

func TestReconcile_InternationalOverridesCategory(t *testing.T) {
	// Registered abroad: the lookup still reports registered=true with no
	// expected-ward match, but the flag wins over the category sentinel.
	outcomes := []model.VerificationOutcome{
		{RowIndex: 2, IDNumber: testIDs[0], Registered: true, International: true,
			Category: model.StatusRegisteredElsewhere},
	}

	members := Reconcile(
		[]model.MemberRecord{{RowIndex: 2, IDNumber: testIDs[0], ExpectedWard: "52305011"}},
		outcomes,
		testResolver(),
	)
	require.Len(t, members, 1)

	m := members[0]
	require.NotNil(t, m.WardCode)
	assert.Equal(t, geo.SentinelInternational, *m.WardCode)
	assert.Nil(t, m.MunicipalityCode)
	assert.Nil(t, m.ProvinceCode)
	require.NotNil(t, m.RegistrationStatus)
	assert.Equal(t, string(model.StatusRegisteredElsewhere), *m.RegistrationStatus)
}

func TestReconcile_LookupFailedLeavesStoredFieldsUntouched(t *testing.T) {
	members := Reconcile(
		[]model.MemberRecord{{RowIndex: 2, IDNumber: testIDs[0], ExpectedWard: "52305011"}},
		[]model.VerificationOutcome{{RowIndex: 2, IDNumber: testIDs[0], Category: model.StatusLookupFailed}},
		testResolver(),
	)
	require.Len(t, members, 1)

	// Everything the merge could clobber stays nil so a previously
	// persisted definitive status survives a transient lookup failure.
	m := members[0]
	assert.Nil(t, m.WardCode)
	assert.Nil(t, m.ProvinceCode)
	assert.Nil(t, m.RegistrationStatus)
}

func TestReconcile_SkipsUnverifiedRecords(t *testing.T) {
	records := []model.MemberRecord{
		{RowIndex: 2, IDNumber: testIDs[0]},
		{RowIndex: 3, IDNumber: testIDs[1]},
	}
	// Only row 2 was verified before the window closed.
	outcomes := []model.VerificationOutcome{
		{RowIndex: 2, IDNumber: testIDs[0], Category: model.StatusNotRegistered},
	}

	members := Reconcile(records, outcomes, testResolver())
	require.Len(t, members, 1)
	assert.Equal(t, testIDs[0], members[0].IDNumber)
}
