package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetVersion(t *testing.T) {
	assert.NotEmpty(t, GetVersion())

	old := version
	t.Cleanup(func() { version = old })
	version = "v1.4.0"
	assert.Equal(t, "v1.4.0", GetVersion())
}
