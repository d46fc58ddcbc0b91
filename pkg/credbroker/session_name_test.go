package credbroker

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionName(t *testing.T) {
	name := sessionName("hubctl")
	assert.True(t, strings.HasPrefix(name, "hubctl-"))
	assert.LessOrEqual(t, len(name), 64)

	long := sessionName(strings.Repeat("x", 80))
	assert.Len(t, long, 64)

	assert.NotEqual(t, sessionName("hubctl"), sessionName("hubctl"))
}
