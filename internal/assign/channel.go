package assign

import (
	"strings"

	"github.com/splitbeam/splitbeam/internal/store"
)

// ChannelStrategy derives the token the external channel uses to identify a
// variant: the shipping-rate suffix written to cart attributes, the URL
// parameter of a landing page, or the template id of an email.
type ChannelStrategy interface {
	VariantToken(test *store.Test, v *store.Variant) string
}

// ForTestType returns the strategy for a test type.
func ForTestType(t store.TestType) ChannelStrategy {
	switch t {
	case store.TypeShipping:
		return ShippingChannel{}
	case store.TypeEmail:
		return EmailChannel{}
	default:
		return LandingPageChannel{}
	}
}

// suffixes are the letters a shipping rate title may carry, e.g.
// "Standard Shipping (A)". The checkout extension hides rates whose suffix
// does not match the visitor's token.
const suffixes = "ABCD"

type ShippingChannel struct{}

func (ShippingChannel) VariantToken(test *store.Test, v *store.Variant) string {
	if v.ShippingSuffix != "" {
		return v.ShippingSuffix
	}
	if v.Ord >= 0 && v.Ord < len(suffixes) {
		return string(suffixes[v.Ord])
	}
	return ""
}

type LandingPageChannel struct{}

func (LandingPageChannel) VariantToken(test *store.Test, v *store.Variant) string {
	return slug(v.Name)
}

type EmailChannel struct{}

func (EmailChannel) VariantToken(test *store.Test, v *store.Variant) string {
	return v.ID
}

// ExtractShippingSuffix pulls the variant suffix from a shipping line title
// like "Standard Shipping (A)". Only a trailing single-letter suffix A-D
// counts; anything else returns "" (rates without a suffix are shown to
// every variant and carry no assignment signal).
func ExtractShippingSuffix(title string) string {
	start := strings.LastIndex(title, "(")
	end := strings.LastIndex(title, ")")
	if start < 0 || end < 0 || start >= end || end != len(title)-1 {
		return ""
	}
	suffix := title[start+1 : end]
	if len(suffix) == 1 && strings.Contains(suffixes, suffix) {
		return suffix
	}
	return ""
}

func slug(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '_':
			b.WriteByte('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
