package topology

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bmetallica/systemmap/internal/model"
)

func TestParseSocketEdges(t *testing.T) {
	root := map[string]interface{}{
		"sockets": []interface{}{
			map[string]interface{}{"local": "10.0.0.5:54321", "peer": "10.0.0.9:5432", "process": "app"},
			map[string]interface{}{"local": "10.0.0.5:9999", "peer": "not-a-hostport", "process": "broken"},
		},
	}
	edges := parseSocketEdges(root)
	require.Len(t, edges, 1)
	assert.Equal(t, "10.0.0.9", edges[0].TargetIP)
	assert.Equal(t, 5432, edges[0].TargetPort)
	assert.Equal(t, "app", edges[0].SourceProcess)
}

func TestParseWebserverEdgesExtractsProxyPass(t *testing.T) {
	root := map[string]interface{}{
		"webserver_configs": []interface{}{
			map[string]interface{}{"path": "/etc/nginx/conf.d/app.conf", "content": "location / { proxy_pass http://10.0.0.9:8080; }"},
		},
	}
	edges := parseWebserverEdges(root)
	require.Len(t, edges, 1)
	assert.Equal(t, "10.0.0.9", edges[0].TargetIP)
	assert.Equal(t, 8080, edges[0].TargetPort)
}

func TestParseWebserverEdgesResolvesHostname(t *testing.T) {
	root := map[string]interface{}{
		"webserver_configs": []interface{}{
			map[string]interface{}{"path": "/etc/haproxy/haproxy.cfg", "content": "server db1 db1.internal:5432 check"},
		},
	}
	edges := parseWebserverEdges(root)
	require.Len(t, edges, 1)
	assert.Equal(t, "", edges[0].TargetIP)
	assert.Equal(t, "db1.internal", edges[0].TargetHost)
	assert.Equal(t, 5432, edges[0].TargetPort)
}

func TestParseContainerEnvEdgesMasksSkipped(t *testing.T) {
	root := map[string]interface{}{
		"docker_containers": []interface{}{
			map[string]interface{}{
				"name": "web",
				"env": map[string]interface{}{
					"DB_HOST":     "10.0.0.9:5432",
					"DB_PASSWORD": "***MASKED***",
					"UNRELATED":   "foo",
				},
			},
		},
	}
	edges := parseContainerEnvEdges(root)
	require.Len(t, edges, 1)
	assert.Equal(t, "10.0.0.9", edges[0].TargetIP)
	assert.Equal(t, 5432, edges[0].TargetPort)
	assert.Equal(t, "web", edges[0].SourceProcess)
	assert.Equal(t, model.DetectionConfig, edges[0].Detection)
}

func TestParseContainerEnvEdgesConnectionURLWithUserinfo(t *testing.T) {
	root := map[string]interface{}{
		"docker_containers": []interface{}{
			map[string]interface{}{
				"name": "api",
				"env": map[string]interface{}{
					"DATABASE_URL": "postgres://u:p@10.0.0.11:5432/db",
				},
			},
		},
	}
	edges := parseContainerEnvEdges(root)
	require.Len(t, edges, 1)
	assert.Equal(t, "10.0.0.11", edges[0].TargetIP)
	assert.Equal(t, 5432, edges[0].TargetPort)
	assert.Equal(t, model.DetectionConfig, edges[0].Detection)
}

func TestParseContainerEnvEdgesInfersPortFromScheme(t *testing.T) {
	root := map[string]interface{}{
		"docker_containers": []interface{}{
			map[string]interface{}{
				"name": "worker",
				"env": map[string]interface{}{
					"REDIS_URL": "redis://cache.internal",
					"AMQP_URL":  "amqps://bus.internal",
				},
			},
		},
	}
	edges := parseContainerEnvEdges(root)
	require.Len(t, edges, 2)
	ports := map[string]int{}
	for _, e := range edges {
		ports[e.TargetHost] = e.TargetPort
	}
	assert.Equal(t, 6379, ports["cache.internal"])
	assert.Equal(t, 5671, ports["bus.internal"])
}

func TestParseArpEdges(t *testing.T) {
	root := map[string]interface{}{
		"arp_table": []interface{}{
			map[string]interface{}{"ip": "10.0.0.9", "mac": "aa:bb:cc:dd:ee:ff"},
		},
	}
	edges := parseArpEdges(root)
	require.Len(t, edges, 1)
	assert.Equal(t, model.DetectionARP, edges[0].Detection)
}

func TestResolveAndDedupDropsLoopbackAndSelf(t *testing.T) {
	raw := []rawEdge{
		{TargetIP: "127.0.0.1", Detection: model.DetectionSocket},
		{TargetIP: "10.0.0.5", Detection: model.DetectionSocket}, // same as source
		{TargetIP: "10.0.0.9", TargetPort: 5432, SourceProcess: "app", Detection: model.DetectionSocket},
		{TargetIP: "10.0.0.9", TargetPort: 5432, SourceProcess: "app", Detection: model.DetectionConfig}, // dup key
	}
	index := hostIndex{byIP: map[string]int64{"10.0.0.9": 42}, byHostname: map[string]int64{}}
	edges := resolveAndDedup(1, "10.0.0.5", raw, index, map[string]string{})
	require.Len(t, edges, 1)
	assert.Equal(t, "10.0.0.9", edges[0].TargetIP)
	require.NotNil(t, edges[0].TargetHostID)
	assert.Equal(t, int64(42), *edges[0].TargetHostID)
	assert.False(t, edges[0].IsExternal)
}

func TestResolveAndDedupMarksExternalWhenUnknown(t *testing.T) {
	raw := []rawEdge{{TargetIP: "8.8.8.8", TargetPort: 443, Detection: model.DetectionSocket}}
	edges := resolveAndDedup(1, "10.0.0.5", raw, hostIndex{byIP: map[string]int64{}, byHostname: map[string]int64{}}, map[string]string{})
	require.Len(t, edges, 1)
	assert.True(t, edges[0].IsExternal)
	assert.Nil(t, edges[0].TargetHostID)
}

func TestResolveAndDedupResolvesHostnameViaEtcHosts(t *testing.T) {
	raw := []rawEdge{{TargetHost: "db1.internal", TargetPort: 5432, Detection: model.DetectionConfig}}
	index := hostIndex{byIP: map[string]int64{"10.0.0.9": 42}, byHostname: map[string]int64{}}
	etcHosts := map[string]string{"db1.internal": "10.0.0.9"}
	edges := resolveAndDedup(1, "10.0.0.5", raw, index, etcHosts)
	require.Len(t, edges, 1)
	assert.Equal(t, "10.0.0.9", edges[0].TargetIP)
	require.NotNil(t, edges[0].TargetHostID)
}
