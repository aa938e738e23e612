// Package netdiscover implements the network discovery protocol (§4.4's
// sibling for subnets rather than single hosts): a two-phase invocation of
// an external scanner binary over a CIDR, and a parser for its XML output.
// Grounded on discovery/domain.go's exec.CommandContext + timeout pattern
// (the teacher's only other external-binary-invocation code), generalized
// from single ad-hoc command calls into a fixed two-phase protocol.
package netdiscover

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"os/exec"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/bmetallica/systemmap/internal/model"
)

// phase1Args requests a fast host-and-top-ports scan over the CIDR
// (§4.4: "phase-1 fast host-and-top-ports scan over the provided CIDR").
var phase1Args = []string{"--top-ports", "100", "-T4", "-oX", "-"}

// phase2Args requests service-version and OS detection, restricted by the
// caller to phase-1-up hosts (§4.4: "phase-2 service-version and OS
// detection restricted to phase-1-up hosts, only when ≤ 50").
var phase2Args = []string{"-sV", "-O", "-T4", "-oX", "-"}

// phase2MaxHosts caps how many phase-1-up hosts get phase-2 treatment
// (§4.4: "only when ≤ 50").
const phase2MaxHosts = 50

// DiscoveredHost is one <host state="up"> entry after parsing.
type DiscoveredHost struct {
	IP       string
	Hostname string
	Ports    []DiscoveredPort
	OSMatch  string
}

// DiscoveredPort is one <port> child of a discovered host.
type DiscoveredPort struct {
	Number  int
	Proto   string
	State   string
	Service string
}

// Scanner drives the external scanner binary.
type Scanner struct {
	binary  string // defaults to "nmap"
	timeout time.Duration
	log     zerolog.Logger
}

// NewScanner constructs a Scanner. binary defaults to "nmap" when empty;
// timeout defaults to 600s (§5: "network scan 600s").
func NewScanner(binary string, timeout time.Duration, log zerolog.Logger) *Scanner {
	if binary == "" {
		binary = "nmap"
	}
	if timeout <= 0 {
		timeout = 600 * time.Second
	}
	return &Scanner{binary: binary, timeout: timeout, log: log.With().Str("component", "netdiscover").Logger()}
}

// Scan runs both phases over cidr and returns the merged discovered hosts.
// Phase 2 only runs when phase 1 found phase2MaxHosts or fewer up hosts.
func (s *Scanner) Scan(ctx context.Context, cidr string) ([]DiscoveredHost, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	phase1Hosts, err := s.run(ctx, append(append([]string{}, phase1Args...), cidr))
	if err != nil {
		return nil, model.NewError(model.KindTransient, model.CodeUnknown, fmt.Errorf("network discovery phase 1: %w", err))
	}
	if len(phase1Hosts) == 0 {
		return nil, nil
	}
	if len(phase1Hosts) > phase2MaxHosts {
		s.log.Info().Int("up_hosts", len(phase1Hosts)).Msg("skipping phase 2, too many up hosts")
		return phase1Hosts, nil
	}

	ips := make([]string, 0, len(phase1Hosts))
	for _, h := range phase1Hosts {
		ips = append(ips, h.IP)
	}
	args := append(append([]string{}, phase2Args...), ips...)
	phase2Hosts, err := s.run(ctx, args)
	if err != nil {
		s.log.Warn().Err(err).Msg("network discovery phase 2 failed, returning phase 1 results")
		return phase1Hosts, nil
	}
	return mergePhases(phase1Hosts, phase2Hosts), nil
}

// mergePhases overlays phase2's ports/OS detail onto phase1's up-host list,
// keyed by IP, since phase 1 already established which hosts are up.
func mergePhases(phase1, phase2 []DiscoveredHost) []DiscoveredHost {
	byIP := make(map[string]DiscoveredHost, len(phase2))
	for _, h := range phase2 {
		byIP[h.IP] = h
	}
	merged := make([]DiscoveredHost, len(phase1))
	for i, h := range phase1 {
		if detailed, ok := byIP[h.IP]; ok {
			merged[i] = detailed
		} else {
			merged[i] = h
		}
	}
	return merged
}

func (s *Scanner) run(ctx context.Context, args []string) ([]DiscoveredHost, error) {
	cmd := exec.CommandContext(ctx, s.binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s %v: %w (stderr: %s)", s.binary, args, err, stderr.String())
	}
	return ParseXML(stdout.Bytes())
}

// --- XML parsing ---

type nmapRun struct {
	Hosts []nmapHost `xml:"host"`
}

type nmapHost struct {
	Status    nmapStatus    `xml:"status"`
	Addresses []nmapAddress `xml:"address"`
	Hostnames []nmapHostname `xml:"hostnames>hostname"`
	Ports     []nmapPort    `xml:"ports>port"`
	OSMatches []nmapOSMatch `xml:"os>osmatch"`
}

type nmapStatus struct {
	State string `xml:"state,attr"`
}

type nmapAddress struct {
	Addr     string `xml:"addr,attr"`
	AddrType string `xml:"addrtype,attr"`
}

type nmapHostname struct {
	Name string `xml:"name,attr"`
}

type nmapPort struct {
	PortID  string         `xml:"portid,attr"`
	Proto   string         `xml:"protocol,attr"`
	State   nmapPortState  `xml:"state"`
	Service *nmapService   `xml:"service"`
}

type nmapPortState struct {
	State string `xml:"state,attr"`
}

type nmapService struct {
	Name string `xml:"name,attr"`
}

type nmapOSMatch struct {
	Name string `xml:"name,attr"`
}

// ParseXML parses one scanner XML document into DiscoveredHost records.
// Only <host state="up"> entries are kept, per IPv4 <address>, optional
// <hostname>, zero-or-more <port> children with <state> and optional
// <service name=…>, and optional top <osmatch name=…>. <hosthint> blocks
// are ignored by construction — they aren't mapped to any Go field here
// (§4.4).
func ParseXML(data []byte) ([]DiscoveredHost, error) {
	var run nmapRun
	if err := xml.Unmarshal(data, &run); err != nil {
		return nil, model.NewError(model.KindPermanent, model.CodeParseError, fmt.Errorf("parse network discovery XML: %w", err))
	}

	var hosts []DiscoveredHost
	for _, h := range run.Hosts {
		if h.Status.State != "up" {
			continue
		}

		var ip string
		for _, a := range h.Addresses {
			if a.AddrType == "ipv4" {
				ip = a.Addr
				break
			}
		}
		if ip == "" {
			continue
		}

		dh := DiscoveredHost{IP: ip}
		if len(h.Hostnames) > 0 {
			dh.Hostname = h.Hostnames[0].Name
		}
		if len(h.OSMatches) > 0 {
			dh.OSMatch = h.OSMatches[0].Name
		}
		for _, p := range h.Ports {
			port, err := strconv.Atoi(p.PortID)
			if err != nil {
				continue
			}
			dp := DiscoveredPort{Number: port, Proto: p.Proto, State: p.State.State}
			if p.Service != nil {
				dp.Service = p.Service.Name
			}
			dh.Ports = append(dh.Ports, dp)
		}

		hosts = append(hosts, dh)
	}

	return hosts, nil
}
