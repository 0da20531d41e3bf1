// Package geo resolves ward codes up through the municipality → district →
// province hierarchy from preloaded mapping tables.
package geo

// Unit is a single node in the geographic hierarchy: a code plus its
// display name.
type Unit struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

// Mappings holds the preloaded reachability tables. MunicipalityToDistrict
// has no entry for metros; MunicipalityToProvince is the secondary mapping
// covering exactly those.
type Mappings struct {
	WardToMunicipality     map[string]Unit
	MunicipalityToDistrict map[string]Unit
	DistrictToProvince     map[string]Unit
	MunicipalityToProvince map[string]Unit
}

// Hierarchy is the resolved chain for one ward code. Every field is
// independently nullable: an unknown ward yields all nil, a metro ward
// yields nil district links with a non-nil province.
type Hierarchy struct {
	MunicipalityCode *string `json:"municipality_code"`
	MunicipalityName *string `json:"municipality_name"`
	DistrictCode     *string `json:"district_code"`
	DistrictName     *string `json:"district_name"`
	ProvinceCode     *string `json:"province_code"`
	ProvinceName     *string `json:"province_name"`
}

// Resolver walks ward codes up the hierarchy. Construct with NewResolver;
// safe for concurrent use since the tables are never mutated after load.
type Resolver struct {
	m Mappings
}

// NewResolver builds a Resolver over the given mapping tables. Nil maps are
// treated as empty.
func NewResolver(m Mappings) *Resolver {
	if m.WardToMunicipality == nil {
		m.WardToMunicipality = map[string]Unit{}
	}
	if m.MunicipalityToDistrict == nil {
		m.MunicipalityToDistrict = map[string]Unit{}
	}
	if m.DistrictToProvince == nil {
		m.DistrictToProvince = map[string]Unit{}
	}
	if m.MunicipalityToProvince == nil {
		m.MunicipalityToProvince = map[string]Unit{}
	}
	return &Resolver{m: m}
}

// Resolve walks the parent chain for wardCode. Unknown codes are a normal
// outcome and resolve to an all-nil Hierarchy; no error is ever returned.
// When the district link is missing or yields no province, the secondary
// municipality → province mapping covers the metro case.
func (r *Resolver) Resolve(wardCode string) Hierarchy {
	var h Hierarchy

	muni, ok := r.m.WardToMunicipality[wardCode]
	if !ok {
		return h
	}
	h.MunicipalityCode = &muni.Code
	h.MunicipalityName = strPtr(muni.Name)

	if dist, ok := r.m.MunicipalityToDistrict[muni.Code]; ok {
		h.DistrictCode = &dist.Code
		h.DistrictName = strPtr(dist.Name)

		if prov, ok := r.m.DistrictToProvince[dist.Code]; ok {
			h.ProvinceCode = &prov.Code
			h.ProvinceName = strPtr(prov.Name)
		}
	}

	if h.ProvinceCode == nil {
		if prov, ok := r.m.MunicipalityToProvince[muni.Code]; ok {
			h.ProvinceCode = &prov.Code
			h.ProvinceName = strPtr(prov.Name)
		}
	}

	return h
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
