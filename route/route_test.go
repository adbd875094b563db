package route

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDecideTransportPrefersDirectThenSelfOnionThenOnionRouter(t *testing.T) {
	c := NewController(ModeAuto)
	c.SetConversationState("conv-1", ConversationState{
		DirectOpen:       true,
		SelfOnionReady:   true,
		OnionRouterReady: true,
	})

	primary, fallbacks := c.DecideTransport("conv-1")
	assert.Equal(t, KindDirect, primary)
	assert.Equal(t, []string{KindSelfOnion, KindOnionRouter}, fallbacks)
}

func TestDecideTransportSkipsUnavailableTransports(t *testing.T) {
	c := NewController(ModeAuto)
	c.SetConversationState("conv-1", ConversationState{OnionRouterReady: true})

	primary, fallbacks := c.DecideTransport("conv-1")
	assert.Equal(t, KindOnionRouter, primary)
	assert.Empty(t, fallbacks)
}

func TestDecideTransportForcesOnionRouterInThatMode(t *testing.T) {
	c := NewController(ModeOnionRouter)
	c.SetConversationState("conv-1", ConversationState{DirectOpen: true, SelfOnionReady: true})

	primary, fallbacks := c.DecideTransport("conv-1")
	assert.Equal(t, KindOnionRouter, primary)
	assert.Empty(t, fallbacks)
}

func TestPreferTorModeNeverFallsBackCrossNetwork(t *testing.T) {
	c := NewController(ModePreferTor)
	c.SetConversationState("conv-1", ConversationState{DirectOpen: true, SelfOnionReady: true})

	primary, fallbacks := c.DecideTransport("conv-1")
	assert.Equal(t, KindOnionRouter, primary)
	assert.Empty(t, fallbacks)

	c.ReportSendFail("conv-1", KindOnionRouter)
	primary, fallbacks = c.DecideTransport("conv-1")
	assert.Equal(t, KindOnionRouter, primary, "monotonic preference must not cross networks even after failure")
	assert.Empty(t, fallbacks)
}

func TestReportSendFailDegradesTransportForCoolDownWindow(t *testing.T) {
	now := time.Unix(1000, 0)
	c := NewController(ModeAuto)
	c.SetClock(func() time.Time { return now })
	c.SetConversationState("conv-1", ConversationState{DirectOpen: true, OnionRouterReady: true})

	c.ReportSendFail("conv-1", KindDirect)

	primary, fallbacks := c.DecideTransport("conv-1")
	assert.Equal(t, KindOnionRouter, primary, "degraded transport must not hold the primary slot")
	assert.Equal(t, []string{KindDirect}, fallbacks, "degraded transport still appears as a last-resort fallback")

	now = now.Add(CoolDown + time.Second)
	primary, fallbacks = c.DecideTransport("conv-1")
	assert.Equal(t, KindDirect, primary, "transport recovers once the cool-down window elapses")
	assert.Equal(t, []string{KindOnionRouter}, fallbacks)
}

func TestReportSendSuccessClearsDegradedState(t *testing.T) {
	now := time.Unix(1000, 0)
	c := NewController(ModeAuto)
	c.SetClock(func() time.Time { return now })
	c.SetConversationState("conv-1", ConversationState{DirectOpen: true, OnionRouterReady: true})

	c.ReportSendFail("conv-1", KindDirect)
	c.ReportSendSuccess("conv-1", KindDirect)

	primary, _ := c.DecideTransport("conv-1")
	assert.Equal(t, KindDirect, primary)
}

func TestDecideTransportWithNoAvailableTransportsReturnsEmpty(t *testing.T) {
	c := NewController(ModeAuto)
	primary, fallbacks := c.DecideTransport("conv-1")
	assert.Empty(t, primary)
	assert.Empty(t, fallbacks)
}
