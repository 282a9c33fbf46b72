package anisette

import (
	"fmt"
	"time"

	apperrors "github.com/alexjbarnes/plumesign/internal/errors"
	"golang.org/x/text/language"
)

// DefaultLocale is the provider-format locale used when none is set.
const DefaultLocale = "en_GB"

// ParseLocale converts a BCP 47 tag such as "en-GB" into the provider's
// underscore form "en_GB". A tag without a confident region keeps only
// the language.
func ParseLocale(tag string) (string, error) {
	if tag == "" {
		return DefaultLocale, nil
	}

	t, err := language.Parse(tag)
	if err != nil {
		return "", &apperrors.ValidationError{Field: "locale", Err: err}
	}

	base, _ := t.Base()

	region, conf := t.Region()
	if conf < language.High {
		return base.String(), nil
	}

	return fmt.Sprintf("%s_%s", base, region), nil
}

// clientTime formats t the way X-Apple-I-Client-Time expects.
func clientTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}

// timeZone returns the zone abbreviation for X-Apple-I-TimeZone.
func timeZone(t time.Time) string {
	name, _ := t.Zone()
	return name
}
