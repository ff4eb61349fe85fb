package listing

import "strings"

// PropertyType is the closed vocabulary for property categories.
type PropertyType string

// Property types persisted in listings.property_type.
const (
	PropertySingleFamily PropertyType = "single_family"
	PropertyCondo        PropertyType = "condo"
	PropertyTownhouse    PropertyType = "townhouse"
	PropertyMultiFamily  PropertyType = "multi_family"
	PropertyLand         PropertyType = "land"
	PropertyCommercial   PropertyType = "commercial"
	PropertyOther        PropertyType = "other"
)

// Status is the closed vocabulary for listing lifecycle states.
type Status string

// Listing statuses persisted in listings.status.
const (
	StatusActive    Status = "active"
	StatusPending   Status = "pending"
	StatusSold      Status = "sold"
	StatusOffMarket Status = "off_market"
	StatusWithdrawn Status = "withdrawn"
)

var propertyTypeSynonyms = map[string]PropertyType{
	"single family": PropertySingleFamily,
	"single-family": PropertySingleFamily,
	"single_family": PropertySingleFamily,
	"sfr":           PropertySingleFamily,
	"house":         PropertySingleFamily,
	"condo":         PropertyCondo,
	"condominium":   PropertyCondo,
	"townhouse":     PropertyTownhouse,
	"townhome":      PropertyTownhouse,
	"multi-family":  PropertyMultiFamily,
	"multifamily":   PropertyMultiFamily,
	"multi_family":  PropertyMultiFamily,
	"duplex":        PropertyMultiFamily,
	"land":          PropertyLand,
	"lot":           PropertyLand,
	"commercial":    PropertyCommercial,
}

var statusSynonyms = map[string]Status{
	"active":         StatusActive,
	"for sale":       StatusActive,
	"pending":        StatusPending,
	"under contract": StatusPending,
	"sold":           StatusSold,
	"closed":         StatusSold,
	"off market":     StatusOffMarket,
	"off_market":     StatusOffMarket,
	"withdrawn":      StatusWithdrawn,
	"cancelled":      StatusWithdrawn,
}

// NormalizePropertyType maps a free-text type onto the closed vocabulary.
// Unrecognized non-empty values become PropertyOther; empty stays empty.
func NormalizePropertyType(raw string) PropertyType {
	key := strings.ToLower(strings.TrimSpace(raw))
	if key == "" {
		return ""
	}
	if pt, ok := propertyTypeSynonyms[key]; ok {
		return pt
	}
	return PropertyOther
}

// NormalizeStatus maps a free-text status onto the closed vocabulary.
// Unrecognized non-empty values fall back to StatusActive rather than
// failing the record; empty stays empty.
func NormalizeStatus(raw string) Status {
	key := strings.ToLower(strings.TrimSpace(raw))
	if key == "" {
		return ""
	}
	if st, ok := statusSynonyms[key]; ok {
		return st
	}
	return StatusActive
}
