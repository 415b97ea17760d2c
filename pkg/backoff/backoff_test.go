package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPolicy_DelayDoublesAndCaps(t *testing.T) {
	p := Policy{Base: time.Second, Max: 30 * time.Second}

	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 4*time.Second, p.Delay(3))
	assert.Equal(t, 8*time.Second, p.Delay(4))
	assert.Equal(t, 16*time.Second, p.Delay(5))
	assert.Equal(t, 30*time.Second, p.Delay(6), "capped at Max")
	assert.Equal(t, 30*time.Second, p.Delay(20), "stays capped")
}

func TestDeviceUnhealthy_UsesFiveMinuteCeiling(t *testing.T) {
	p := DeviceUnhealthy(5 * time.Second)
	assert.Equal(t, 5*time.Second, p.Delay(1))
	assert.Equal(t, 5*time.Minute, p.Delay(10))
}
