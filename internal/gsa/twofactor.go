package gsa

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"strings"

	"github.com/alexjbarnes/plumesign/internal/envelope"
	apperrors "github.com/alexjbarnes/plumesign/internal/errors"
	"github.com/tidwall/gjson"
)

// SecondFactor names the challenge the provider asked for in the "au"
// field of the complete response.
type SecondFactor string

const (
	SecondFactorTrustedDevice SecondFactor = "trustedDeviceSecondaryAuth"
	SecondFactorSMS           SecondFactor = "secondaryAuth"
)

// CodePrompt asks the user for a one-time code. It is called at most once
// per Login.
type CodePrompt func(ctx context.Context, kind SecondFactor) (string, error)

const (
	trustedDevicePath = "/auth/verify/trusteddevice"
	validatePath      = "/grandslam/GsService2/validate"
	phonePath         = "/auth/verify/phone/"
	phoneCodePath     = "/auth/verify/phone/securitycode"

	// smsPhoneID selects the account's primary trusted phone number.
	smsPhoneID = 1
)

type phoneNumber struct {
	ID int `json:"id"`
}

type smsChallenge struct {
	PhoneNumber phoneNumber `json:"phoneNumber"`
	Mode        string      `json:"mode"`
}

type securityCode struct {
	Code string `json:"code"`
}

type smsSubmission struct {
	SecurityCode securityCode `json:"securityCode"`
	PhoneNumber  phoneNumber  `json:"phoneNumber"`
	Mode         string       `json:"mode"`
}

func (a *Authenticator) verifySecondFactor(ctx context.Context, g *grant, prompt CodePrompt) error {
	headers, err := a.secondFactorHeaders(ctx, g)
	if err != nil {
		return err
	}

	switch g.secondFactor {
	case SecondFactorTrustedDevice:
		return a.verifyTrustedDevice(ctx, headers, prompt)
	case SecondFactorSMS:
		return a.verifySMS(ctx, headers, prompt)
	default:
		return &apperrors.ParseError{Op: "complete response", Err: fmt.Errorf("unsupported second factor %q", g.secondFactor)}
	}
}

func (a *Authenticator) secondFactorHeaders(ctx context.Context, g *grant) (map[string]string, error) {
	base, err := a.identity.Headers(ctx, false, true, true)
	if err != nil {
		return nil, fmt.Errorf("generating identity headers: %w", err)
	}

	headers := maps.Clone(base)
	headers["X-Apple-Identity-Token"] = identityToken(g.dsid, g.idmsToken)
	headers["Accept"] = contentType
	headers["Content-Type"] = contentType
	headers["Accept-Language"] = "en-us"
	headers["User-Agent"] = "Xcode"

	return headers, nil
}

func (a *Authenticator) verifyTrustedDevice(ctx context.Context, headers map[string]string, prompt CodePrompt) error {
	status, body, err := a.client.get(ctx, trustedDevicePath, "trusted device challenge", headers)
	if err != nil {
		return err
	}

	if err := checkStatus("trusted device challenge", status, body); err != nil {
		return err
	}

	code, err := askCode(ctx, prompt, SecondFactorTrustedDevice)
	if err != nil {
		return err
	}

	validate := maps.Clone(headers)
	validate["security-code"] = code

	status, body, err = a.client.get(ctx, validatePath, "trusted device validation", validate)
	if err != nil {
		return err
	}

	if IsTransientStatus(status) {
		return checkStatus("trusted device validation", status, body)
	}

	if _, err := envelope.DecodeRoot(status, body); err != nil {
		var se *apperrors.AuthServerError
		if errors.As(err, &se) {
			return &apperrors.OneTimeCodeError{Code: se.Code, Message: se.Message}
		}

		return err
	}

	return nil
}

func (a *Authenticator) verifySMS(ctx context.Context, headers map[string]string, prompt CodePrompt) error {
	jsonHeaders := maps.Clone(headers)
	delete(jsonHeaders, "Accept")
	delete(jsonHeaders, "Content-Type")

	status, body, err := a.client.sendJSON(ctx, http.MethodPut, phonePath, "sms challenge", jsonHeaders, smsChallenge{
		PhoneNumber: phoneNumber{ID: smsPhoneID},
		Mode:        "sms",
	})
	if err != nil {
		return err
	}

	if err := checkStatus("sms challenge", status, body); err != nil {
		return err
	}

	code, err := askCode(ctx, prompt, SecondFactorSMS)
	if err != nil {
		return err
	}

	status, body, err = a.client.sendJSON(ctx, http.MethodPost, phoneCodePath, "sms validation", jsonHeaders, smsSubmission{
		SecurityCode: securityCode{Code: code},
		PhoneNumber:  phoneNumber{ID: smsPhoneID},
		Mode:         "sms",
	})
	if err != nil {
		return err
	}

	if status >= http.StatusOK && status < http.StatusMultipleChoices {
		return nil
	}

	if IsTransientStatus(status) {
		return checkStatus("sms validation", status, body)
	}

	msg := gjson.GetBytes(body, "serviceErrors.0.message").String()
	if msg == "" {
		msg = sanitizeResponseBody(body)
	}

	return &apperrors.OneTimeCodeError{Code: int64(status), Message: msg}
}

func askCode(ctx context.Context, prompt CodePrompt, kind SecondFactor) (string, error) {
	code, err := prompt(ctx, kind)
	if err != nil {
		return "", fmt.Errorf("reading verification code: %w", err)
	}

	code = strings.TrimSpace(code)
	if code == "" {
		return "", &apperrors.ValidationError{Field: "verification code", Err: errors.New("code is empty")}
	}

	return code, nil
}

// checkStatus maps a non-success HTTP status to an error. Transient
// statuses are wrapped as *TransportError.
func checkStatus(op string, status int, body []byte) error {
	if status >= http.StatusOK && status < http.StatusMultipleChoices {
		return nil
	}

	se := &apperrors.AuthServerError{Code: int64(status), Message: envelope.StatusMessage(body)}
	if IsTransientStatus(status) {
		return &apperrors.TransportError{Op: op, Err: se}
	}

	return se
}
