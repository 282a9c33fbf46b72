// Package anisette manages the device-identity ("anisette") headers that
// accompany every privileged request to the provider. A Provider produces
// a base header set; Data snapshots it with a timestamp and derives the
// per-request variants; Manager keeps a current snapshot fresh.
package anisette

import (
	"errors"
	"maps"
	"strings"
	"time"

	apperrors "github.com/alexjbarnes/plumesign/internal/errors"
)

const (
	// refreshAfter is the age past which a snapshot should be replaced.
	refreshAfter = 60 * time.Second

	// validFor is the age at which a snapshot may no longer be used.
	validFor = 90 * time.Second

	clientInfoHeader = "X-Mme-Client-Info"
	xcodeClientInfo  = "com.apple.AuthKit/1 (com.apple.dt.Xcode/3594.4.19)"
	xcodeAppInfo     = "com.apple.gs.xcode.auth"
	xcodeVersion     = "11.2 (11B41)"
)

// Data is an immutable snapshot of base identity headers. Refreshing
// produces a new Data; a snapshot is never mutated in place.
type Data struct {
	base        map[string]string
	generatedAt time.Time
	locale      string
	now         func() time.Time
}

// NewData snapshots headers taken at generatedAt. locale is the value
// injected as "loc" in cpd dictionaries; now is the clock used for age
// checks and defaults to time.Now.
func NewData(headers map[string]string, generatedAt time.Time, locale string, now func() time.Time) *Data {
	if now == nil {
		now = time.Now
	}

	if locale == "" {
		locale = DefaultLocale
	}

	return &Data{
		base:        maps.Clone(headers),
		generatedAt: generatedAt,
		locale:      locale,
		now:         now,
	}
}

// GeneratedAt returns when the base headers were produced.
func (d *Data) GeneratedAt() time.Time {
	return d.generatedAt
}

// Age returns the snapshot age in whole seconds. A generation time in
// the future counts as age zero.
func (d *Data) Age() time.Duration {
	age := d.now().Sub(d.generatedAt)
	if age < 0 {
		return 0
	}

	return age.Truncate(time.Second)
}

// NeedsRefresh reports whether the snapshot is older than 60 seconds.
func (d *Data) NeedsRefresh() bool {
	return d.Age() > refreshAfter
}

// IsValid reports whether the snapshot is younger than 90 seconds.
func (d *Data) IsValid() bool {
	return d.Age() < validFor
}

// Generate derives a request header set. clientInfo rewrites the
// client-version segment of X-Mme-Client-Info to Xcode's; appInfo adds
// the Xcode app identification headers; cpd adds the six provisioning
// fields. If the client-info segment cannot be located the base set is
// returned unchanged. An expired snapshot yields *StaleIdentityError and
// no headers.
func (d *Data) Generate(cpd, clientInfo, appInfo bool) (map[string]string, error) {
	if !d.IsValid() {
		return nil, &apperrors.StaleIdentityError{Age: d.Age()}
	}

	headers := maps.Clone(d.base)
	original, hasClientInfo := headers[clientInfoHeader]
	delete(headers, clientInfoHeader)

	if clientInfo {
		rewritten, ok := rewriteClientInfo(original)
		if !hasClientInfo || !ok {
			return maps.Clone(d.base), nil
		}

		headers[clientInfoHeader] = rewritten
	}

	if appInfo {
		headers["X-Apple-App-Info"] = xcodeAppInfo
		headers["X-Xcode-Version"] = xcodeVersion
	}

	if cpd {
		headers["bootstrap"] = "true"
		headers["icscrec"] = "true"
		headers["loc"] = d.locale
		headers["pbe"] = "false"
		headers["prkgen"] = "true"
		headers["svct"] = "iCloud"
	}

	return headers, nil
}

// Plist returns Generate's result as a dictionary suitable for plist
// encoding.
func (d *Data) Plist(cpd, clientInfo, appInfo bool) (map[string]any, error) {
	headers, err := d.Generate(cpd, clientInfo, appInfo)
	if err != nil {
		return nil, err
	}

	out := make(map[string]any, len(headers))
	for k, v := range headers {
		out[k] = v
	}

	return out, nil
}

// Header looks up one header, case-insensitively, in the fully
// generated set.
func (d *Data) Header(name string) (string, error) {
	headers, err := d.Generate(true, true, true)
	if err != nil {
		return "", err
	}

	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v, nil
		}
	}

	return "", &apperrors.ValidationError{Field: "header", Err: errors.New(name + " not present")}
}

// rewriteClientInfo replaces the fourth '<'-delimited segment, e.g.
//
//	<MacBookPro13,2> <macOS;13.1;22C65> <com.apple.AuthKit/1 (com.apple.akd/1.0)>
//
// becomes
//
//	<MacBookPro13,2> <macOS;13.1;22C65> <com.apple.AuthKit/1 (com.apple.dt.Xcode/3594.4.19)>
func rewriteClientInfo(value string) (string, bool) {
	parts := strings.Split(value, "<")
	if len(parts) < 4 {
		return "", false
	}

	segment, _, _ := strings.Cut(parts[3], ">")
	if segment == "" {
		return "", false
	}

	return strings.ReplaceAll(value, segment, xcodeClientInfo), true
}
