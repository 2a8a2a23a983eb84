// Package validator implements bit-level parsing and semantic validation
// of the two PLC trigger wire forms. Both forms decode into the same
// DecodedTrigger shape before validation runs, so the TCP decoder
// converts its epoch-seconds field into a time.Time up front and
// Validate never sees raw binary.
package validator

import (
	"encoding/binary"
	"net"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// maxASCIIFieldLen bounds the error_code and shared_secret fields.
const maxASCIIFieldLen = 48

// DecodedTrigger is the common shape both wire forms reduce to before
// validation and before becoming a bus.NetworkDataReceivedPayload.
type DecodedTrigger struct {
	IP        string
	Datetime  time.Time
	ErrorCode string
	Secret    string
}

// ParseUDP parses the ASCII "ip,date,error,secret" form.
func ParseUDP(raw []byte) (DecodedTrigger, error) {
	text := strings.TrimRight(string(raw), "\r\n")
	fields := strings.Split(text, ",")
	if len(fields) != 4 {
		return DecodedTrigger{}, errors.Errorf("udp trigger: expected 4 comma-separated fields, got %d", len(fields))
	}
	ip, dateDigits, errorCode, secret := fields[0], fields[1], fields[2], fields[3]

	if !isIPv4Literal(ip) {
		return DecodedTrigger{}, errors.Errorf("udp trigger: %q is not an IPv4 literal", ip)
	}
	dt, err := parsePLCDate(dateDigits)
	if err != nil {
		return DecodedTrigger{}, errors.Wrap(err, "udp trigger")
	}
	return DecodedTrigger{IP: ip, Datetime: dt, ErrorCode: errorCode, Secret: secret}, nil
}

// ParseTCP parses the fixed-layout binary form: bytes 0-3 IPv4 network
// order, bytes 4-7 big-endian epoch seconds,
// bytes 8-15 NUL-padded ASCII error code, bytes 16..end NUL-padded ASCII
// secret.
func ParseTCP(raw []byte) (DecodedTrigger, error) {
	const ipLen, epochLen, errLen = 4, 4, 8
	const headerLen = ipLen + epochLen + errLen
	if len(raw) < headerLen {
		return DecodedTrigger{}, errors.Errorf("tcp trigger: need at least %d bytes, got %d", headerLen, len(raw))
	}

	ip := net.IP(raw[0:ipLen]).String()
	epoch := binary.BigEndian.Uint32(raw[ipLen : ipLen+epochLen])
	dt := time.Unix(int64(epoch), 0).UTC()
	errorCode := trimNUL(raw[ipLen+epochLen : headerLen])
	secret := trimNUL(raw[headerLen:])

	return DecodedTrigger{IP: ip, Datetime: dt, ErrorCode: errorCode, Secret: secret}, nil
}

func trimNUL(b []byte) string {
	return strings.TrimRight(string(b), "\x00")
}

// parsePLCDate interprets a 7-or-8-ASCII-digit date as MMDDYYYY. A
// 7-digit payload is month (2 digits) + day (1 digit, left-padded) +
// year (4 digits); an 8-digit payload is the straightforward
// MM+DD+YYYY.
func parsePLCDate(digits string) (time.Time, error) {
	if len(digits) != 7 && len(digits) != 8 {
		return time.Time{}, errors.Errorf("trigger date: want 7 or 8 digits, got %d", len(digits))
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return time.Time{}, errors.New("trigger date: contains a non-digit character")
		}
	}

	month := digits[0:2]
	var day, year string
	if len(digits) == 8 {
		day, year = digits[2:4], digits[4:8]
	} else {
		day, year = "0"+digits[2:3], digits[3:7]
	}

	t, err := time.Parse("01022006", month+day+year)
	if err != nil {
		return time.Time{}, errors.Wrap(err, "trigger date")
	}
	return t, nil
}

func isIPv4Literal(s string) bool {
	ip := net.ParseIP(s)
	return ip != nil && ip.To4() != nil
}

// Validator holds the configured shared secret and any extra characters
// (beyond alphanumeric) the caller allows inside the secret field.
type Validator struct {
	expectedSecret string
	allowedExtra   map[rune]bool
}

// New returns a Validator checking against expectedSecret, with
// allowedExtraChars accepted in the secret field in addition to
// alphanumerics.
func New(expectedSecret, allowedExtraChars string) *Validator {
	allowed := make(map[rune]bool, len(allowedExtraChars))
	for _, r := range allowedExtraChars {
		allowed[r] = true
	}
	return &Validator{expectedSecret: expectedSecret, allowedExtra: allowed}
}

// Validate applies the semantic validation rules to an already
// wire-decoded trigger. Any rule failure returns false; the caller is
// responsible for dropping the message and logging it.
func (v *Validator) Validate(t DecodedTrigger) bool {
	if !isIPv4Literal(t.IP) {
		return false
	}
	if !isValidErrorCode(t.ErrorCode) {
		return false
	}
	return v.isValidSecret(t.Secret)
}

func isValidErrorCode(code string) bool {
	if len(code) == 0 || len(code) > maxASCIIFieldLen {
		return false
	}
	return isAllASCIIAlnum(code)
}

func (v *Validator) isValidSecret(secret string) bool {
	if len(secret) == 0 || len(secret) > maxASCIIFieldLen {
		return false
	}
	if secret != v.expectedSecret {
		return false
	}
	for _, r := range secret {
		if isASCIIAlnum(r) || v.allowedExtra[r] {
			continue
		}
		return false
	}
	return true
}

func isAllASCIIAlnum(s string) bool {
	for _, r := range s {
		if !isASCIIAlnum(r) {
			return false
		}
	}
	return true
}

func isASCIIAlnum(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}
