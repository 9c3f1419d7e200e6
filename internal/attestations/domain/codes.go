package domain

import (
	"encoding/base64"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

const (
	deepLinkPrefix  = "celo://wallet/v/"
	signatureLength = 65
	shortCodeLength = 8
)

// ParseCode extracts the full and short code from a raw message. Neither
// being present is reported as ErrEmptyCode.
func ParseCode(raw string, channel Channel, index *int, now time.Time) (Code, error) {
	code := Code{
		RawMessage:    raw,
		Channel:       channel,
		ExplicitIndex: index,
		ReceivedAt:    now,
		ExtractedCode: ExtractCode(raw),
	}
	if code.ExtractedCode == "" {
		code.ShortCode = ExtractShortCode(raw)
	}
	if code.ExtractedCode == "" && code.ShortCode == "" {
		return code, ErrEmptyCode
	}
	return code, nil
}

// ExtractCode finds a 65-byte attestation signature in message, given as hex
// or base64 (standard or URL-safe), optionally inside a deep link. The result
// is 0x-prefixed lower-case hex, or "" when there is none.
func ExtractCode(message string) string {
	for _, field := range codeFields(message) {
		if sig := decodeSignature(field); sig != nil {
			return "0x" + hex.EncodeToString(sig)
		}
	}
	return ""
}

// ExtractShortCode finds an 8-digit security code in message.
func ExtractShortCode(message string) string {
	for _, field := range codeFields(message) {
		if len(field) != shortCodeLength {
			continue
		}
		if _, err := strconv.ParseUint(field, 10, 64); err == nil {
			return field
		}
	}
	return ""
}

// SecurityCodePrefix is the digit an issuer puts in front of its short codes:
// the last byte of its address modulo 10.
func SecurityCodePrefix(issuer common.Address) string {
	return strconv.Itoa(int(issuer[common.AddressLength-1]) % 10)
}

func codeFields(message string) []string {
	fields := strings.Fields(message)
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if i := strings.Index(f, deepLinkPrefix); i >= 0 {
			f = f[i+len(deepLinkPrefix):]
		}
		f = strings.TrimRight(f, ".,;:!?)\"'")
		f = strings.TrimLeft(f, "(\"'")
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

func decodeSignature(field string) []byte {
	if strings.HasPrefix(field, "0x") || strings.HasPrefix(field, "0X") {
		b, err := hex.DecodeString(field[2:])
		if err == nil && len(b) == signatureLength {
			return b
		}
		return nil
	}
	if len(field) < 86 || len(field) > 88 {
		return nil
	}
	std := strings.NewReplacer("-", "+", "_", "/").Replace(field)
	std = strings.TrimRight(std, "=")
	b, err := base64.RawStdEncoding.DecodeString(std)
	if err != nil || len(b) != signatureLength {
		return nil
	}
	return b
}
