package addrfilter

import (
	"net"
	"testing"
	"time"

	"github.com/drep-project/overlay/config"
	"github.com/drep-project/overlay/log"
	"github.com/drep-project/overlay/rpcerr"
	"github.com/stretchr/testify/require"
)

func TestAddConnectionBound(t *testing.T) {
	cfg := config.DefaultAddressFilterConfig()
	cfg.MaxConnectionsPerIP4 = 3
	f := New(cfg, log.New("addrfilter-test"), nil)

	ip := net.ParseIP("10.0.0.5")
	now := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, f.AddConnection(ip, now))
	}
	require.LessOrEqual(t, f.CountConnectionsFrom(ip), cfg.MaxConnectionsPerIP4)

	err := f.AddConnection(ip, now)
	require.Error(t, err)
	require.Equal(t, rpcerr.TryAgain, rpcerr.Of(err))
}

func TestRateLimit(t *testing.T) {
	cfg := config.DefaultAddressFilterConfig()
	cfg.MaxConnectionsPerIP4 = 1000
	cfg.MaxConnectionFrequencyPerMin = 2
	f := New(cfg, log.New("addrfilter-test"), nil)

	ip := net.ParseIP("10.0.0.6")
	now := time.Now()
	require.NoError(t, f.AddConnection(ip, now))
	f.RemoveConnection(ip)
	require.NoError(t, f.AddConnection(ip, now))
	f.RemoveConnection(ip)

	err := f.AddConnection(ip, now)
	require.Error(t, err)
	require.Equal(t, rpcerr.TryAgain, rpcerr.Of(err))
}

func TestPunishmentRejectsAndExpires(t *testing.T) {
	cfg := config.DefaultAddressFilterConfig()
	cfg.PunishmentDuration = 10 * time.Millisecond
	f := New(cfg, log.New("addrfilter-test"), nil)

	ip := net.ParseIP("10.0.0.7")
	now := time.Now()
	f.PunishIP(ip, now)
	require.True(t, f.IsPunished(ip))

	err := f.AddConnection(ip, now)
	require.Error(t, err)

	f.Purge(now.Add(20 * time.Millisecond))
	require.False(t, f.IsPunished(ip))
	require.NoError(t, f.AddConnection(ip, now))
}
