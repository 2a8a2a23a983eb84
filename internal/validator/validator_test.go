package validator

import (
	"encoding/binary"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func generateUDP(ip, mmddyyyy, errorCode, secret string) []byte {
	return []byte(fmt.Sprintf("%s,%s,%s,%s", ip, mmddyyyy, errorCode, secret))
}

// TestValidatorRoundTrip decodes a well-formed trigger and checks it
// validates, then perturbs each field in turn and checks that decoding
// or validation fails as expected.
func TestValidatorRoundTrip(t *testing.T) {
	const expected = "s3cret"
	v := New(expected, "")

	raw := generateUDP("10.0.0.7", "04022024", "E07", expected)
	decoded, err := ParseUDP(raw)
	require.NoError(t, err)
	assert.True(t, v.Validate(decoded))

	// Flip a byte in the IP -> decode failure or validation failure.
	_, err = ParseUDP(generateUDP("10.0.0.999", "04022024", "E07", expected))
	assert.Error(t, err)

	// Flip the date -> invalid calendar date.
	_, err = ParseUDP(generateUDP("10.0.0.7", "13022024", "E07", expected))
	assert.Error(t, err)

	// Flip the error code to contain punctuation -> fails validation.
	badErr, err := ParseUDP(generateUDP("10.0.0.7", "04022024", "E0-7", expected))
	require.NoError(t, err)
	assert.False(t, v.Validate(badErr))

	// Flip a char of the secret -> fails validation.
	badSecret, err := ParseUDP(generateUDP("10.0.0.7", "04022024", "E07", "WRONG1"))
	require.NoError(t, err)
	assert.False(t, v.Validate(badSecret))
}

func TestParsePLCDateEightDigits(t *testing.T) {
	dt, err := parsePLCDate("04022024")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, time.April, 2, 0, 0, 0, 0, time.UTC), dt)
}

func TestParsePLCDateSevenDigitsPadsDay(t *testing.T) {
	// month=04, day=2 (unpadded), year=2024
	dt, err := parsePLCDate("0422024")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, time.April, 2, 0, 0, 0, 0, time.UTC), dt)
}

func TestParsePLCDateRejectsWrongLength(t *testing.T) {
	_, err := parsePLCDate("123456")
	assert.Error(t, err)
	_, err = parsePLCDate("123456789")
	assert.Error(t, err)
}

func TestParsePLCDateRejectsNonDigits(t *testing.T) {
	_, err := parsePLCDate("0x022024")
	assert.Error(t, err)
}

func buildTCP(ip string, when time.Time, errorCode, secret string) []byte {
	buf := make([]byte, 16+len(secret))
	copy(buf[0:4], []byte{10, 0, 0, 7})
	if ip != "" {
		parts := parseDottedIP(ip)
		copy(buf[0:4], parts)
	}
	binary.BigEndian.PutUint32(buf[4:8], uint32(when.Unix()))
	copy(buf[8:16], []byte(errorCode))
	copy(buf[16:], []byte(secret))
	return buf
}

func parseDottedIP(ip string) []byte {
	var a, b, c, d int
	fmt.Sscanf(ip, "%d.%d.%d.%d", &a, &b, &c, &d)
	return []byte{byte(a), byte(b), byte(c), byte(d)}
}

func TestParseTCPDecodesBinaryForm(t *testing.T) {
	when := time.Date(2024, time.April, 2, 0, 45, 1, 0, time.UTC)
	raw := buildTCP("192.0.2.5", when, "E07", "s3cret")

	decoded, err := ParseTCP(raw)
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.5", decoded.IP)
	assert.Equal(t, when, decoded.Datetime)
	assert.Equal(t, "E07", decoded.ErrorCode)
	assert.Equal(t, "s3cret", decoded.Secret)
}

func TestParseTCPTooShortErrors(t *testing.T) {
	_, err := ParseTCP(make([]byte, 4))
	assert.Error(t, err)
}

func TestValidatorAllowsExtraSecretCharacters(t *testing.T) {
	v := New("s3-cret", "-")
	ok := v.Validate(DecodedTrigger{IP: "10.0.0.1", ErrorCode: "E01", Secret: "s3-cret"})
	assert.True(t, ok)
}

func TestValidatorRejectsSecretTooLong(t *testing.T) {
	v := New("x", "")
	long := make([]byte, 49)
	for i := range long {
		long[i] = 'a'
	}
	ok := v.Validate(DecodedTrigger{IP: "10.0.0.1", ErrorCode: "E01", Secret: string(long)})
	assert.False(t, ok)
}
