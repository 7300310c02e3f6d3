package handlers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthHandler_GetHealth_NoDB(t *testing.T) {
	handler := NewHealthHandler("1.0.0", nil, nil)

	output, err := handler.GetHealth(context.Background(), &HealthInput{})
	require.NoError(t, err)
	require.NotNil(t, output)

	assert.Equal(t, "unhealthy", output.Body.Status)
	assert.Equal(t, "unknown", output.Body.Components.Database.Status)
	assert.Equal(t, "1.0.0", output.Body.Version)
	assert.NotEmpty(t, output.Body.Uptime)
	assert.NotZero(t, output.Body.CPUInfo.Cores)
}

type fakeMonitorStatus struct{}

func (fakeMonitorStatus) LastTickAt() time.Time { return time.Time{} }

func TestHealthHandler_GetHealth_SchedulerStarting(t *testing.T) {
	handler := NewHealthHandler("1.0.0", nil, fakeMonitorStatus{})

	output, err := handler.GetHealth(context.Background(), &HealthInput{})
	require.NoError(t, err)
	assert.Equal(t, "starting", output.Body.Components.Scheduler.Status)
}
