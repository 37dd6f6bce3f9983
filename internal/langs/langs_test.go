package langs

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate("en"))
	assert.NoError(t, Validate("fr"))
	assert.Error(t, Validate("de"))
}

func TestSupportedIsCopy(t *testing.T) {
	s := Supported()
	s[0].ID = "mutated"
	assert.Equal(t, "en", Supported()[0].ID)
}
