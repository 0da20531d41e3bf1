package model

// RawRecord is a single as-uploaded spreadsheet row before any cleaning.
// Known columns are mapped to named fields; anything unrecognized lands in
// Extras so it can be carried through to the run report.
type RawRecord struct {
	RowIndex     int               `json:"row_index"`
	IDNumber     string            `json:"id_number"`
	FirstName    string            `json:"first_name"`
	LastName     string            `json:"last_name"`
	Phone        string            `json:"phone"`
	Email        string            `json:"email"`
	Branch       string            `json:"branch"`
	ExpectedWard string            `json:"expected_ward"`
	Notes        string            `json:"notes"`
	Extras       map[string]string `json:"extras,omitempty"`
}

// MemberRecord is a RawRecord after identity validation and field cleaning.
// IDNumber is always a checksum-valid 13-digit code.
type MemberRecord struct {
	RowIndex     int    `json:"row_index"`
	IDNumber     string `json:"id_number"`
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name"`
	Phone        string `json:"phone"`
	Email        string `json:"email"`
	Branch       string `json:"branch"`
	ExpectedWard string `json:"expected_ward"`
	Notes        string `json:"notes"`
}

// Member is the persisted shape keyed by IDNumber (the natural key).
// Optional fields are pointers so the store's coalesce merge can tell
// "absent" from "empty": a nil field never clobbers a stored value.
type Member struct {
	IDNumber           string  `json:"id_number"`
	FirstName          *string `json:"first_name,omitempty"`
	LastName           *string `json:"last_name,omitempty"`
	Phone              *string `json:"phone,omitempty"`
	Email              *string `json:"email,omitempty"`
	Branch             *string `json:"branch,omitempty"`
	WardCode           *string `json:"ward_code,omitempty"`
	MunicipalityCode   *string `json:"municipality_code,omitempty"`
	MunicipalityName   *string `json:"municipality_name,omitempty"`
	DistrictCode       *string `json:"district_code,omitempty"`
	DistrictName       *string `json:"district_name,omitempty"`
	ProvinceCode       *string `json:"province_code,omitempty"`
	ProvinceName       *string `json:"province_name,omitempty"`
	RegistrationStatus *string `json:"registration_status,omitempty"`
	VotingStation      *string `json:"voting_station,omitempty"`
}

// InvalidRecord is an input row rejected during pre-validation.
type InvalidRecord struct {
	RowIndex int    `json:"row_index"`
	IDNumber string `json:"id_number"`
	Reason   string `json:"reason"`
}

// DuplicateRecord is one member of a within-batch duplicate group.
// Kept marks the single occurrence that proceeds through the pipeline.
type DuplicateRecord struct {
	RowIndex int    `json:"row_index"`
	IDNumber string `json:"id_number"`
	Kept     bool   `json:"kept"`
}

// ExistingMember carries the persisted metadata for a record whose
// natural key was already in the store before this run.
type ExistingMember struct {
	ID       int64  `json:"id"`
	IDNumber string `json:"id_number"`
}

// StrPtr returns a pointer to s, or nil when s is empty. Used when building
// Members so blank spreadsheet cells become NULLs instead of empty strings.
func StrPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
