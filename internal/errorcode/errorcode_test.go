package errorcode

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDescribeKnownCode(t *testing.T) {
	assert.Equal(t, "uplink network fault", Describe("E07"))
}

func TestDescribeUnknownCodeFallsBack(t *testing.T) {
	assert.Equal(t, "unrecognised error code", Describe("E99"))
}
