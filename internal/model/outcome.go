package model

// StatusCategory classifies a single voter-roll lookup result.
type StatusCategory string

const (
	// StatusRegisteredInWard: registered and the resolved ward matches the
	// ward the upload expected the member to be in.
	StatusRegisteredInWard StatusCategory = "registered_in_ward"

	// StatusRegisteredElsewhere: registered, but in a different ward than
	// expected (or no expected ward was supplied).
	StatusRegisteredElsewhere StatusCategory = "registered_elsewhere"

	// StatusNotRegistered: not on the roll and no station data returned.
	StatusNotRegistered StatusCategory = "not_registered"

	// StatusDeceased: not registered but station data is present, which the
	// authority uses to flag deceased voters.
	StatusDeceased StatusCategory = "deceased"

	// StatusLookupFailed: the lookup errored, timed out, or returned a shape
	// we could not classify.
	StatusLookupFailed StatusCategory = "lookup_failed"
)

// VerificationOutcome is the immutable per-record result of a voter-roll
// lookup, keyed back to the input batch by RowIndex.
type VerificationOutcome struct {
	RowIndex      int            `json:"row_index"`
	IDNumber      string         `json:"id_number"`
	Registered    bool           `json:"registered"`
	WardCode      string         `json:"ward_code,omitempty"`
	Station       string         `json:"station,omitempty"`
	International bool           `json:"international,omitempty"`
	RawStatus     string         `json:"raw_status,omitempty"`
	Category      StatusCategory `json:"category"`
}
