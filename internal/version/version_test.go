package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParse(t *testing.T) {
	v := Parse("v1.2.3-abcdef")
	assert.Equal(t, 1, v.Major)
	assert.Equal(t, 2, v.Minor)
	assert.Equal(t, 3, v.Patch)
	assert.Equal(t, "abcdef", v.Commit)
	assert.Equal(t, "v1.2.3-abcdef", v.String())

	v = Parse("0.8")
	assert.Equal(t, 0, v.Major)
	assert.Equal(t, 8, v.Minor)
	assert.Equal(t, 0, v.Patch)
	assert.Empty(t, v.Commit)
}

func TestCurrent(t *testing.T) {
	assert.NotEmpty(t, Current().String())
}
