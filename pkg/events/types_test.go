package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionChannel(t *testing.T) {
	assert.Equal(t, "session:task_123_abc", SessionChannel("task_123_abc"))
}

func TestSessionFromChannel(t *testing.T) {
	assert.Equal(t, "task_123_abc", SessionFromChannel("session:task_123_abc"))
	assert.Equal(t, GlobalSessionsChannel, SessionFromChannel(GlobalSessionsChannel))
}
