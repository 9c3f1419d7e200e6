// Package validation provides input validation for phoneverify.
package validation

import (
	"errors"
	"regexp"
	"strings"

	"golang.org/x/mod/semver"
)

// E.164: leading +, country code without a leading zero, at most 15 digits in total.
var phoneNumberRegex = regexp.MustCompile(`^\+[1-9][0-9]{6,14}$`)

// ValidatePhoneNumber validates an E.164 phone number
func ValidatePhoneNumber(phone string) error {
	if phone == "" {
		return errors.New("phone number cannot be empty")
	}
	if !strings.HasPrefix(phone, "+") {
		return errors.New("invalid phone number: must be in E.164 format with a leading +")
	}
	if !phoneNumberRegex.MatchString(phone) {
		return errors.New("invalid phone number: must be + followed by 7 to 15 digits")
	}
	return nil
}

// MaskPhoneNumber hides the middle digits of a phone number for logs,
// e.g. +14155550000 -> +1415*****00.
func MaskPhoneNumber(phone string) string {
	if len(phone) < 8 {
		return strings.Repeat("*", len(phone))
	}
	return phone[:5] + strings.Repeat("*", len(phone)-7) + phone[len(phone)-2:]
}

// ValidateAddress validates an Ethereum address
func ValidateAddress(addr string) error {
	if len(addr) != 42 {
		return errors.New("invalid address length: must be 42 characters (0x + 40 hex)")
	}
	if !strings.HasPrefix(addr, "0x") {
		return errors.New("invalid address: must start with 0x")
	}
	if !isHex(addr[2:]) {
		return errors.New("invalid address: contains non-hex characters")
	}
	return nil
}

// ValidateHumanityProof checks the shape of a humanity-proof token. The token
// is opaque to us; the relayer decides whether it is genuine.
func ValidateHumanityProof(proof string) error {
	if proof == "" {
		return nil
	}
	if len(proof) > 4096 {
		return errors.New("humanity proof too long (max 4096 chars)")
	}
	if strings.ContainsAny(proof, " \t\r\n") {
		return errors.New("invalid humanity proof: must not contain whitespace")
	}
	return nil
}

// ValidateCodeIndex checks an explicit slot index against the number of slots.
func ValidateCodeIndex(index *int, slots int) error {
	if index == nil {
		return nil
	}
	if *index < 0 || *index >= slots {
		return errors.New("code index out of range")
	}
	return nil
}

// ValidateVersion validates a semantic version string
func ValidateVersion(v string) error {
	normalized := NormalizeVersion(v)
	if normalized == "" {
		return errors.New("version cannot be empty")
	}
	if !semver.IsValid("v" + normalized) {
		return errors.New("invalid semver version: must be in format X.Y.Z or X.Y.Z-prerelease")
	}
	return nil
}

// NormalizeVersion normalizes a version string (strips leading 'v')
func NormalizeVersion(v string) string {
	return strings.TrimPrefix(strings.TrimSpace(v), "v")
}

// CompareVersions compares two versions
// Returns -1 if v1 < v2, 0 if v1 == v2, 1 if v1 > v2
func CompareVersions(v1, v2 string) int {
	return semver.Compare("v"+NormalizeVersion(v1), "v"+NormalizeVersion(v2))
}

// AtLeast reports whether version is a valid semver at or above minimum.
// Unparseable versions never qualify.
func AtLeast(version, minimum string) bool {
	if ValidateVersion(version) != nil {
		return false
	}
	return CompareVersions(version, minimum) >= 0
}

func isHex(s string) bool {
	for _, c := range s {
		isDigit := c >= '0' && c <= '9'
		isLowerHex := c >= 'a' && c <= 'f'
		isUpperHex := c >= 'A' && c <= 'F'
		if !isDigit && !isLowerHex && !isUpperHex {
			return false
		}
	}
	return len(s) > 0
}
