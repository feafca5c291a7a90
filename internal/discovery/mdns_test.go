package discovery

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestService(t *testing.T) {
	a := NewAdvertiser(Config{
		Instance: "timecard",
		Port:     123,
		Stratum:  1,
		ID:       "5c1b0d8e-0000-4000-8000-000000000001",
		IPs:      []net.IP{net.ParseIP("192.0.2.5")},
	})
	svc, err := a.Service()
	require.NoError(t, err)
	assert.Equal(t, "timecard", svc.Instance)
	assert.Equal(t, ServiceType, svc.Service)
	assert.Equal(t, 123, svc.Port)
	assert.Equal(t, []string{"id=5c1b0d8e-0000-4000-8000-000000000001", "stratum=1"}, svc.TXT)
}

func TestNewAdvertiserDefaults(t *testing.T) {
	a := NewAdvertiser(Config{Port: 123})
	assert.NotEmpty(t, a.cfg.Instance)
	assert.Len(t, a.cfg.ID, 36)
}
