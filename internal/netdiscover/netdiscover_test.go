package netdiscover

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleXML = `<?xml version="1.0"?>
<nmaprun>
  <host>
    <status state="up"/>
    <address addr="10.0.0.5" addrtype="ipv4"/>
    <address addr="AA:BB:CC:DD:EE:FF" addrtype="mac"/>
    <hostnames>
      <hostname name="db1.internal" type="PTR"/>
    </hostnames>
    <ports>
      <port protocol="tcp" portid="5432">
        <state state="open"/>
        <service name="postgresql"/>
      </port>
      <port protocol="tcp" portid="22">
        <state state="open"/>
        <service name="ssh"/>
      </port>
    </ports>
    <os>
      <osmatch name="Linux 5.X"/>
    </os>
    <hosthint>
      <status state="up"/>
      <address addr="10.0.0.5" addrtype="ipv4"/>
    </hosthint>
  </host>
  <host>
    <status state="down"/>
    <address addr="10.0.0.6" addrtype="ipv4"/>
  </host>
</nmaprun>`

func TestParseXMLKeepsOnlyUpHosts(t *testing.T) {
	hosts, err := ParseXML([]byte(sampleXML))
	require.NoError(t, err)
	require.Len(t, hosts, 1)
	assert.Equal(t, "10.0.0.5", hosts[0].IP)
}

func TestParseXMLExtractsHostnameAndOSMatch(t *testing.T) {
	hosts, err := ParseXML([]byte(sampleXML))
	require.NoError(t, err)
	assert.Equal(t, "db1.internal", hosts[0].Hostname)
	assert.Equal(t, "Linux 5.X", hosts[0].OSMatch)
}

func TestParseXMLExtractsPorts(t *testing.T) {
	hosts, err := ParseXML([]byte(sampleXML))
	require.NoError(t, err)
	require.Len(t, hosts[0].Ports, 2)
	assert.Equal(t, 5432, hosts[0].Ports[0].Number)
	assert.Equal(t, "postgresql", hosts[0].Ports[0].Service)
	assert.Equal(t, "open", hosts[0].Ports[0].State)
}

func TestParseXMLRejectsMalformedDocument(t *testing.T) {
	_, err := ParseXML([]byte("not xml at all"))
	assert.Error(t, err)
}

func TestMergePhasesOverlaysPhase2DetailOntoPhase1Hosts(t *testing.T) {
	phase1 := []DiscoveredHost{{IP: "10.0.0.5"}, {IP: "10.0.0.6"}}
	phase2 := []DiscoveredHost{{IP: "10.0.0.5", OSMatch: "Linux 5.X", Ports: []DiscoveredPort{{Number: 22}}}}

	merged := mergePhases(phase1, phase2)
	require.Len(t, merged, 2)
	assert.Equal(t, "Linux 5.X", merged[0].OSMatch)
	assert.Equal(t, "", merged[1].OSMatch)
}
