package platform

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseUnits(t *testing.T) {
	tests := []struct {
		in       string
		parse    func(string) (float64, error)
		expected float64
	}{
		{"1024B", ParseBytes, 1024},
		{"1KB", ParseBytes, 1e3},
		{"1KiB", ParseBytes, 1024},
		{"2GB", ParseBytes, 2e9},
		{"1GiB", ParseBytes, 1 << 30},
		{"100f", ParseFlops, 100},
		{"2Gf", ParseFlops, 2e9},
		{"125MBps", ParseBandwidth, 1.25e8},
		{"1ms", ParseSeconds, 1e-3},
		{"2s", ParseSeconds, 2},
	}
	for _, tt := range tests {
		got, err := tt.parse(tt.in)
		require.NoError(t, err, "input %q", tt.in)
		assert.InDelta(t, tt.expected, got, tt.expected*1e-9, "input %q", tt.in)
	}
}

func TestBottleneckBandwidth(t *testing.T) {
	p := New()
	fat := &Link{Name: "fat", BandwidthBps: 1e9, LatencyS: 1e-4}
	thin := &Link{Name: "thin", BandwidthBps: 1e7, LatencyS: 2e-4}
	p.AddLink(fat)
	p.AddLink(thin)
	p.SetRoute("a", "b", []*Link{fat, thin})

	assert.Equal(t, 1e7, p.BandwidthBetween("a", "b"))
	assert.InDelta(t, 3e-4, p.LatencyBetween("a", "b"), 1e-12)
	assert.Equal(t, 0.0, p.LatencyBetween("a", "a"))

	// Unrouted pairs fall back to the platform default.
	assert.Equal(t, p.DefaultBandwidthBps, p.BandwidthBetween("a", "c"))
}

func TestInstantiateFromXML(t *testing.T) {
	xml := `<?xml version='1.0'?>
<platform version="4.1">
  <zone id="world" routing="Full">
    <host id="Host1" speed="1Gf" core="4">
      <prop id="ram" value="16GB"/>
      <disk id="d1" read_bw="100MBps" write_bw="80MBps">
        <prop id="size" value="500GB"/>
        <prop id="mount" value="/data"/>
      </disk>
    </host>
    <link id="l1" bandwidth="125MBps" latency="100us"/>
  </zone>
</platform>`
	path := filepath.Join(t.TempDir(), "platform.xml")
	require.NoError(t, os.WriteFile(path, []byte(xml), 0o644))

	p, err := InstantiateFromXML(path)
	require.NoError(t, err)

	h, ok := p.Host("Host1")
	require.True(t, ok)
	assert.Equal(t, 4, h.Cores)
	assert.Equal(t, 1e9, h.FlopRate)
	assert.Equal(t, 16e9, h.RAMBytes)
	require.Len(t, h.Disks, 1)
	assert.Equal(t, "/data", h.Disks[0].MountPoint)
	assert.Equal(t, 500e9, h.Disks[0].Capacity)
}
