package issuance

import (
	"net/mail"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/jmcleod/ironca/internal/util"
	"github.com/jmcleod/ironca/profile"
)

// MaxFieldLength bounds every subject attribute. 64 is the X.520 upper bound
// for commonName, organizationName and friends.
const MaxFieldLength = 64

// maxEmailLength is the PKCS#9 emailAddress upper bound.
const maxEmailLength = 255

// normalizeSubject trims and NFC-normalises every field.
func normalizeSubject(s profile.Subject) profile.Subject {
	return profile.Subject{
		CommonName:         util.NormalizeField(s.CommonName),
		Organization:       util.NormalizeField(s.Organization),
		OrganizationalUnit: util.NormalizeField(s.OrganizationalUnit),
		Country:            strings.ToUpper(util.NormalizeField(s.Country)),
		State:              util.NormalizeField(s.State),
		Locality:           util.NormalizeField(s.Locality),
		Email:              util.NormalizeField(s.Email),
	}
}

func validateSubject(s profile.Subject) error {
	required := []struct {
		label string
		value string
	}{
		{"common_name", s.CommonName},
		{"organization", s.Organization},
		{"country", s.Country},
		{"state", s.State},
		{"locality", s.Locality},
		{"email", s.Email},
	}
	for _, f := range required {
		if f.value == "" {
			return validationErrorf("%w: %s", ErrMissingField, f.label)
		}
	}
	for _, f := range []struct {
		label string
		value string
	}{
		{"common_name", s.CommonName},
		{"organization", s.Organization},
		{"org_unit", s.OrganizationalUnit},
		{"state", s.State},
		{"locality", s.Locality},
	} {
		if err := validateText(f.label, f.value, MaxFieldLength); err != nil {
			return err
		}
	}
	if len(s.Country) != 2 || !isUpperAlpha(s.Country) {
		return validationErrorf("%w: country must be a two-letter code, got %q", ErrInvalidField, s.Country)
	}
	if err := validateText("email", s.Email, maxEmailLength); err != nil {
		return err
	}
	addr, err := mail.ParseAddress(s.Email)
	if err != nil || addr.Address != s.Email {
		return validationErrorf("%w: email %q is not a valid address", ErrInvalidField, s.Email)
	}
	return nil
}

func validateText(label, value string, limit int) error {
	if utf8.RuneCountInString(value) > limit {
		return validationErrorf("%w: %s exceeds maximum length of %d", ErrInvalidField, label, limit)
	}
	if !utf8.ValidString(value) {
		return validationErrorf("%w: %s contains invalid UTF-8", ErrInvalidField, label)
	}
	for _, r := range value {
		if unicode.IsControl(r) {
			return validationErrorf("%w: %s contains control character", ErrInvalidField, label)
		}
	}
	return nil
}

func isUpperAlpha(s string) bool {
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

// validateAltNames checks that no alternative name carries characters that
// cannot appear in a DNS name or IP literal.
func validateAltNames(raw string) error {
	for _, tok := range profile.SplitAltNames(raw) {
		if len(tok) > 253 {
			return validationErrorf("%w: alternative name %q is too long", ErrInvalidField, tok)
		}
		for _, r := range tok {
			if r > unicode.MaxASCII || unicode.IsSpace(r) || unicode.IsControl(r) {
				return validationErrorf("%w: alternative name %q contains forbidden character %q", ErrInvalidField, tok, r)
			}
		}
	}
	return nil
}
