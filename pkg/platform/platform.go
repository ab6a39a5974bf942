// Package platform models the hosts, links, and disks the simulator
// schedules work onto. Per scope, the physics simulator that actually
// advances real transfer/compute time, and the XML platform description
// format, are external collaborators; this package defines only the data
// the core needs to make scheduling and placement decisions, plus the two
// instantiation paths §6 requires: a programmatic builder callback, and a
// minimal XML reader for the documented attribute subset.
package platform

import (
	"encoding/xml"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Disk is a named storage device attached to a host, used as the backing
// store for one or more LogicalFileSystems.
type Disk struct {
	MountPoint string
	Capacity   float64 // bytes
	ReadBps    float64
	WriteBps   float64
}

// Host is a compute node in the platform.
type Host struct {
	Name         string
	Cores        int
	RAMBytes     float64
	FlopRate     float64 // flops/second, per core
	Disks        []*Disk
	PowerIdleW   float64
	PowerPeakW   float64
	energyJoules float64
}

// DiskByMountPoint returns the disk mounted at path, if any.
func (h *Host) DiskByMountPoint(path string) *Disk {
	for _, d := range h.Disks {
		if d.MountPoint == path {
			return d
		}
	}
	return nil
}

// AddEnergy accrues joules consumed by this host; called by whatever is
// driving simulated compute/idle time (the executor, in this module).
func (h *Host) AddEnergy(joules float64) { h.energyJoules += joules }

// EnergyConsumed returns total joules accrued on this host so far.
func (h *Host) EnergyConsumed() float64 { return h.energyJoules }

// Link is a network link between two hosts (or a named route segment).
type Link struct {
	Name         string
	BandwidthBps float64
	LatencyS     float64
}

// Platform is the static description of the simulated infrastructure.
type Platform struct {
	hosts map[string]*Host
	links map[string]*Link
	// routes maps "src|dst" to the ordered links traversed; absent entries
	// default to a single implicit link with Platform.DefaultBandwidthBps.
	routes map[string][]*Link

	DefaultBandwidthBps float64
	DefaultLatencyS     float64
}

// New creates an empty platform; use a Builder or InstantiateFromXML to
// populate it, matching instantiatePlatform's two accepted forms.
func New() *Platform {
	return &Platform{
		hosts:               make(map[string]*Host),
		links:               make(map[string]*Link),
		routes:              make(map[string][]*Link),
		DefaultBandwidthBps: 1.25e8, // 1 Gbps
		DefaultLatencyS:     1e-4,
	}
}

// Builder is the callable form of instantiatePlatform: a user function that
// populates an empty Platform programmatically.
type Builder func(*Platform)

// InstantiateFromBuilder runs a Builder against a fresh Platform.
func InstantiateFromBuilder(b Builder) *Platform {
	p := New()
	b(p)
	return p
}

// AddHost registers a host. Re-registering a name overwrites it.
func (p *Platform) AddHost(h *Host) { p.hosts[h.Name] = h }

// AddLink registers a named link.
func (p *Platform) AddLink(l *Link) { p.links[l.Name] = l }

// SetRoute fixes the ordered links traversed between src and dst.
func (p *Platform) SetRoute(src, dst string, links []*Link) {
	p.routes[src+"|"+dst] = links
}

// Host looks up a host by name.
func (p *Platform) Host(name string) (*Host, bool) {
	h, ok := p.hosts[name]
	return h, ok
}

// Hosts returns all hosts, in no particular order.
func (p *Platform) Hosts() []*Host {
	out := make([]*Host, 0, len(p.hosts))
	for _, h := range p.hosts {
		out = append(out, h)
	}
	return out
}

// BandwidthBetween returns the bottleneck bandwidth (bytes/second) along the
// route from src to dst, i.e. min(bandwidth) over each traversed link, per
// §8's round-trip property ("network time equals size / min(bandwidth on
// path)").
func (p *Platform) BandwidthBetween(src, dst string) float64 {
	if src == dst {
		return p.DefaultBandwidthBps * 1e6 // loopback/local disk-speed proxy
	}
	links, ok := p.routes[src+"|"+dst]
	if !ok || len(links) == 0 {
		return p.DefaultBandwidthBps
	}
	min := links[0].BandwidthBps
	for _, l := range links[1:] {
		if l.BandwidthBps < min {
			min = l.BandwidthBps
		}
	}
	return min
}

// LatencyBetween returns the sum of per-link latencies from src to dst.
func (p *Platform) LatencyBetween(src, dst string) float64 {
	if src == dst {
		return 0
	}
	links, ok := p.routes[src+"|"+dst]
	if !ok {
		return p.DefaultLatencyS
	}
	var total float64
	for _, l := range links {
		total += l.LatencyS
	}
	return total
}

// --- Minimal XML instantiation (§6) ---

type xmlPlatform struct {
	Hosts []xmlHost `xml:"zone>host"`
	Links []xmlLink `xml:"zone>link"`
}

type xmlHost struct {
	ID    string    `xml:"id,attr"`
	Speed string    `xml:"speed,attr"`
	Cores int       `xml:"core,attr"`
	Props []xmlProp `xml:"prop"`
	Disks []xmlDisk `xml:"disk"`
}

type xmlProp struct {
	ID    string `xml:"id,attr"`
	Value string `xml:"value,attr"`
}

type xmlDisk struct {
	Props []xmlProp `xml:"prop"`
}

type xmlLink struct {
	ID        string `xml:"id,attr"`
	Bandwidth string `xml:"bandwidth,attr"`
	Latency   string `xml:"latency,attr"`
}

// InstantiateFromXML parses the documented attribute subset (host
// speed/core count, ram property, disk size/mount properties, link
// bandwidth/latency) out of a platform description file. Anything else in
// the file is opaque to the core, per §6.
func InstantiateFromXML(path string) (*Platform, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read platform file %s: %w", path, err)
	}
	var doc xmlPlatform
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse platform file %s: %w", path, err)
	}
	p := New()
	for _, xh := range doc.Hosts {
		speed, err := ParseFlops(xh.Speed)
		if err != nil {
			return nil, fmt.Errorf("host %s: %w", xh.ID, err)
		}
		cores := xh.Cores
		if cores == 0 {
			cores = 1
		}
		h := &Host{Name: xh.ID, Cores: cores, FlopRate: speed}
		for _, prop := range xh.Props {
			switch prop.ID {
			case "ram":
				ram, err := ParseBytes(prop.Value)
				if err != nil {
					return nil, fmt.Errorf("host %s ram: %w", xh.ID, err)
				}
				h.RAMBytes = ram
			case "wattage_per_state":
				// "idle:peak" shorthand, matching common SimGrid dtds.
				parts := strings.Split(prop.Value, ":")
				if len(parts) == 2 {
					h.PowerIdleW, _ = strconv.ParseFloat(parts[0], 64)
					h.PowerPeakW, _ = strconv.ParseFloat(parts[1], 64)
				}
			}
		}
		for _, xd := range xh.Disks {
			d := &Disk{}
			for _, prop := range xd.Props {
				switch prop.ID {
				case "size":
					sz, err := ParseBytes(prop.Value)
					if err != nil {
						return nil, fmt.Errorf("host %s disk size: %w", xh.ID, err)
					}
					d.Capacity = sz
				case "mount":
					d.MountPoint = prop.Value
				}
			}
			if d.MountPoint != "" {
				h.Disks = append(h.Disks, d)
			}
		}
		p.AddHost(h)
	}
	for _, xl := range doc.Links {
		bw, err := ParseBandwidth(xl.Bandwidth)
		if err != nil {
			return nil, fmt.Errorf("link %s: %w", xl.ID, err)
		}
		lat, err := ParseSeconds(xl.Latency)
		if err != nil {
			return nil, fmt.Errorf("link %s: %w", xl.ID, err)
		}
		p.AddLink(&Link{Name: xl.ID, BandwidthBps: bw, LatencyS: lat})
	}
	return p, nil
}
