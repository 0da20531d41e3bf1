package geo

import "github.com/memberworks/membersync/internal/model"

// Sentinel ward codes stand in for non-geographic verification statuses.
// They are fixed-width repeated-digit patterns that can never collide with
// a real ward code.
const (
	SentinelNotRegistered       = "99999999"
	SentinelRegisteredElsewhere = "88888888"
	SentinelDeceased            = "77777777"
	SentinelInternational       = "66666666"
)

var sentinels = map[string]struct{}{
	SentinelNotRegistered:       {},
	SentinelRegisteredElsewhere: {},
	SentinelDeceased:            {},
	SentinelInternational:       {},
}

// IsSentinel reports whether code is one of the reserved status codes.
// Sentinels are excluded from real-code validity: Resolve never knows them.
func IsSentinel(code string) bool {
	_, ok := sentinels[code]
	return ok
}

// SentinelFor maps a status category to its sentinel ward code. Categories
// with no sentinel (registered in ward, lookup failed) return "".
func SentinelFor(cat model.StatusCategory) string {
	switch cat {
	case model.StatusNotRegistered:
		return SentinelNotRegistered
	case model.StatusRegisteredElsewhere:
		return SentinelRegisteredElsewhere
	case model.StatusDeceased:
		return SentinelDeceased
	default:
		return ""
	}
}
