package email

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRenderMissedCall(t *testing.T) {
	m := MissedCall{
		ToEmail:    "patient@example.com",
		ToName:     "Ada",
		CallerName: "Dr. <Smith>",
		SessionID:  "appt-42",
		At:         time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC),
	}

	body := RenderMissedCall(m, "https://care.example.com")

	assert.Contains(t, body, "Hello Ada")
	assert.Contains(t, body, "Dr. &lt;Smith&gt;")
	assert.NotContains(t, body, "<Smith>")
	assert.Contains(t, body, "2026-03-01 09:30")
	assert.Contains(t, body, `href="https://care.example.com/appointments/appt-42"`)
	assert.True(t, strings.HasPrefix(body, "<!DOCTYPE html>"))

	assert.Equal(t, "Missed call from Dr. <Smith>", MissedCallSubject(m))
}

func TestNoopSender(t *testing.T) {
	assert.NoError(t, NewNoopSender().SendMissedCall(context.Background(), MissedCall{ToEmail: "x@example.com"}))
}
