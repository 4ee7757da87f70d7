package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBugStatus_Terminal(t *testing.T) {
	assert.False(t, BugStatusOpen.Terminal())
	assert.False(t, BugStatusInProgress.Terminal())
	assert.True(t, BugStatusResolved.Terminal())
	assert.True(t, BugStatusClosed.Terminal())
	assert.False(t, BugStatus("Weird").Terminal())
}
