package coordinator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToastsDeduplicateByID(t *testing.T) {
	toasts := NewToasts()
	toasts.Notify(Notification{Level: LevelInfo, Message: "first"})
	toasts.Notify(Notification{ID: UpdateNotificationID, Level: LevelUpdate, Message: "v2", Persistent: true})
	toasts.Notify(Notification{ID: UpdateNotificationID, Level: LevelUpdate, Message: "v3", Persistent: true})

	list := toasts.List()
	require.Len(t, list, 2)
	assert.NotEmpty(t, list[0].ID)
	assert.Equal(t, "v3", list[1].Message)

	toasts.Dismiss(UpdateNotificationID)
	toasts.Dismiss("unknown")
	assert.Len(t, toasts.List(), 1)
}

func TestToastsDrainKeepsPersistent(t *testing.T) {
	toasts := NewToasts()
	toasts.Notify(Notification{Level: LevelError, Message: "boom"})
	toasts.Notify(Notification{ID: UpdateNotificationID, Level: LevelUpdate, Persistent: true})

	assert.Len(t, toasts.Drain(), 2)

	rest := toasts.Drain()
	require.Len(t, rest, 1)
	assert.Equal(t, UpdateNotificationID, rest[0].ID)
}
