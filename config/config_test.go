package config

import (
	"testing"

	"github.com/Intelligent-Intern/quicpro-async-sub000/errtax"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildAppliesDefaults(t *testing.T) {
	obj, err := Build(Groups{}, nil)
	require.NoError(t, err)
	v := obj.View()
	assert.Equal(t, int64(30_000), v.QUIC.MaxIdleTimeoutMs)
	assert.Equal(t, 1350, v.QUIC.MaxUDPPayloadSize)
	assert.True(t, v.TLS.VerifyPeer)
	assert.Equal(t, []string{"h3"}, v.AppProtocols)
}

// TestCallerOverrideRejectedByDefault exercises spec.md §8 scenario
// S3: allow_caller_override=false + non-empty caller options yields
// PolicyViolation and no object.
func TestCallerOverrideRejectedByDefault(t *testing.T) {
	admin := Groups{AllowCallerOverride: false}
	caller := Groups{QUIC: QUIC{MaxIdleTimeoutMs: 5000}}

	obj, err := Build(admin, &caller)
	assert.Nil(t, obj)
	require.Error(t, err)
	assert.True(t, errtax.Is(err, errtax.PolicyViolation))
}

func TestCallerOverrideAppliedWhenAllowed(t *testing.T) {
	admin := Groups{AllowCallerOverride: true}
	caller := Groups{QUIC: QUIC{MaxIdleTimeoutMs: 5000}}

	obj, err := Build(admin, &caller)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), obj.View().QUIC.MaxIdleTimeoutMs)
}

func TestFreezeIsMonotonic(t *testing.T) {
	obj, err := Build(Groups{}, nil)
	require.NoError(t, err)
	assert.False(t, obj.Frozen())

	obj.Freeze()
	assert.True(t, obj.Frozen())

	err = obj.Set(func(g *Groups) { g.QUIC.MaxIdleTimeoutMs = 1 })
	require.Error(t, err)
	assert.True(t, errtax.Is(err, errtax.ConfigFrozen))
	assert.True(t, obj.Frozen())
}

func TestProjectRejectsUnknownKey(t *testing.T) {
	_, err := Project(FlatKeys{"bogus.thing": "1"})
	require.Error(t, err)
}

func TestProjectKnownKeys(t *testing.T) {
	g, err := Project(FlatKeys{
		"quic.max_idle_timeout_ms": "15000",
		"tls.verify_peer":          "false",
		"cluster.workers":          "4",
		"allow_caller_override":    "true",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(15000), g.QUIC.MaxIdleTimeoutMs)
	assert.False(t, g.TLS.VerifyPeer)
	assert.Equal(t, 4, g.Cluster.Workers)
	assert.True(t, g.AllowCallerOverride)
}
