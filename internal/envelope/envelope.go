// Package envelope decodes the provider's plist response wrapper into a
// normalized success payload or a typed error.
//
// Grand Slam responses carry their payload under a "Response" key and an
// error record {ec, em} either directly in that payload or nested one
// level down under "Status". Developer-services responses are a root
// dictionary with resultCode / userString / resultString. On some failure
// classes the provider answers with an HTML page instead of a plist, in
// which case the page title is surfaced as the error message.
package envelope

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	apperrors "github.com/alexjbarnes/plumesign/internal/errors"
	"howett.net/plist"
)

// RiskControlMessage is the fallback message for non-success HTTP
// responses that carry no usable HTML title.
const RiskControlMessage = "Possibly triggered Apple's risk control."

// Decode parses a Grand Slam response. A non-success status yields an
// AuthServerError synthesized from the HTML title heuristic. A success
// status must carry a "Response" dictionary; its error record is checked
// with CheckError. Business errors come back as *AuthServerError, shape
// problems as *ParseError.
func Decode(status int, body []byte) (Dict, error) {
	if !isSuccess(status) {
		return nil, statusError(status, body)
	}

	root, err := Parse(body)
	if err != nil {
		return nil, err
	}

	raw, ok := root["Response"]
	if !ok {
		return nil, &apperrors.ParseError{Op: "response envelope", Err: errors.New(`missing "Response" key`)}
	}

	resp, ok := asDict(raw)
	if !ok {
		return nil, &apperrors.ParseError{Op: "response envelope", Err: fmt.Errorf(`"Response" is %T, want dictionary`, raw)}
	}

	if err := CheckError(resp); err != nil {
		return resp, err
	}

	return resp, nil
}

// DecodeRoot is Decode for endpoints that may answer with a bare error
// record instead of a "Response" wrapper, such as code validation. The
// wrapper is used when present, the root dictionary otherwise.
func DecodeRoot(status int, body []byte) (Dict, error) {
	if !isSuccess(status) {
		return nil, statusError(status, body)
	}

	root, err := Parse(body)
	if err != nil {
		return nil, err
	}

	payload := root
	if resp, ok := root.Dict("Response"); ok {
		payload = resp
	}

	if err := CheckError(payload); err != nil {
		return payload, err
	}

	return payload, nil
}

// DecodeResult parses a developer-services response. The root dictionary
// is the payload; a non-zero resultCode is a business error whose message
// is the userString, falling back to resultString.
func DecodeResult(status int, body []byte) (Dict, error) {
	if !isSuccess(status) {
		return nil, statusError(status, body)
	}

	root, err := Parse(body)
	if err != nil {
		return nil, err
	}

	code, ok := root.Int("resultCode")
	if !ok {
		return nil, &apperrors.ParseError{Op: "result envelope", Err: errors.New("missing or non-integer resultCode")}
	}

	if code != 0 {
		msg := root.String("userString")
		if msg == "" {
			msg = root.String("resultString")
		}

		return root, &apperrors.AuthServerError{Code: code, Message: msg}
	}

	return root, nil
}

// Parse unmarshals a plist document whose root is a dictionary.
func Parse(body []byte) (Dict, error) {
	var root map[string]any
	if _, err := plist.Unmarshal(body, &root); err != nil {
		return nil, &apperrors.ParseError{Op: "plist body", Err: err}
	}

	if root == nil {
		return nil, &apperrors.ParseError{Op: "plist body", Err: errors.New("empty document")}
	}

	return Dict(root), nil
}

// CheckError inspects the error record of a decoded payload. The record
// nested under "Status" is preferred when present; otherwise the payload
// itself is the record. A non-zero "ec" is returned as *AuthServerError.
func CheckError(d Dict) error {
	record := d
	if status, ok := d.Dict("Status"); ok {
		record = status
	}

	code, ok := record.Int("ec")
	if !ok {
		return &apperrors.ParseError{Op: "error record", Err: errors.New(`missing or non-integer "ec"`)}
	}

	if code != 0 {
		return &apperrors.AuthServerError{Code: code, Message: record.String("em")}
	}

	return nil
}

// StatusMessage builds the user-facing message for a non-success HTTP
// response: the HTML page title when one can be found, followed by the
// risk-control hint.
func StatusMessage(body []byte) string {
	if title := HTMLTitle(string(body)); title != "" {
		return title + ". " + RiskControlMessage
	}

	return RiskControlMessage
}

// HTMLTitle extracts the text of the first <title> element. The search is
// case-sensitive and tolerant of attributes on the opening tag. An empty
// string is returned when any step fails.
func HTMLTitle(body string) string {
	start := strings.Index(body, "<title")
	if start < 0 {
		return ""
	}

	gt := strings.IndexByte(body[start:], '>')
	if gt < 0 {
		return ""
	}

	contentStart := start + gt + 1
	if contentStart >= len(body) {
		return ""
	}

	end := strings.Index(body[contentStart:], "</title>")
	if end < 0 {
		return ""
	}

	return strings.TrimSpace(body[contentStart : contentStart+end])
}

func statusError(status int, body []byte) error {
	return &apperrors.AuthServerError{Code: int64(status), Message: StatusMessage(body)}
}

func isSuccess(status int) bool {
	return status >= http.StatusOK && status < http.StatusMultipleChoices
}
