package entitlements

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	assert.Equal(t, PlanPro, Normalize(" Pro "))
	assert.Equal(t, PlanBusiness, Normalize("business"))
	assert.Equal(t, PlanFree, Normalize(""))
	assert.Equal(t, PlanFree, Normalize("platinum"))
}

func TestRankOrdering(t *testing.T) {
	assert.Greater(t, Rank(PlanEnterprise), Rank(PlanBusiness))
	assert.Greater(t, Rank(PlanBusiness), Rank(PlanPro))
	assert.Greater(t, Rank(PlanPro), Rank(PlanFree))
}

func TestSelfServe(t *testing.T) {
	assert.True(t, SelfServe(PlanPro))
	assert.True(t, SelfServe(PlanBusiness))
	assert.False(t, SelfServe(PlanFree))
	assert.False(t, SelfServe(PlanEnterprise))
}

func TestStatusSets(t *testing.T) {
	for _, s := range []string{"active", "trialing", "past_due"} {
		assert.True(t, IsEntitledStatus(s), s)
		assert.False(t, IsTerminalStatus(s), s)
	}
	for _, s := range []string{"canceled", "unpaid", "paused"} {
		assert.True(t, IsTerminalStatus(s), s)
		assert.False(t, IsEntitledStatus(s), s)
	}
	assert.False(t, IsEntitledStatus("incomplete_expired"))
}
