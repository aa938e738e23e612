// Package gatherscript implements the gather-script generator (C3, §4.3):
// a deterministic shell program that emits one structured document with a
// fixed 23-section schema. Grounded on the teacher's daemon/linuxscan.go
// `linuxScanScript` constant and its `findBash`/bashCandidates pattern,
// generalized from 15 fixed security checks into the spec's 23 named
// sections and parameterised by Options instead of being a single literal
// constant.
package gatherscript

import (
	"strings"
	"text/template"

	"bytes"
)

// Options parameterises script generation (§4.3: "The generator
// parameterises only: whether to include a deep container inspection,
// whether to scan certificates, whether to enumerate installed packages,
// per-collector timeout, and maximum processes").
type Options struct {
	DeepContainerInspect bool
	ScanCertificates     bool
	EnumeratePackages    bool
	CollectorTimeoutSecs int
	MaxProcesses         int
}

// DefaultOptions returns conservative defaults.
func DefaultOptions() Options {
	return Options{
		DeepContainerInspect: true,
		ScanCertificates:     true,
		EnumeratePackages:    false,
		CollectorTimeoutSecs: 10,
		MaxProcesses:         500,
	}
}

// envMaskPattern is the regex applied to container environment variable
// keys before they leave the remote host (§4.3.3).
const envMaskPattern = `(PASSWORD|SECRET|KEY|TOKEN|PASS|CREDENTIAL|AUTH)=`

// Generate produces the gather script for opts. Generation is a pure
// function of opts: repeated calls with equal opts produce byte-identical
// output (§8: "gatherScript(opts) is deterministic given opts").
func Generate(opts Options) (string, error) {
	tmpl, err := template.New("gather").Parse(scriptTemplate)
	if err != nil {
		return "", err
	}

	data := struct {
		Options
		EnvMaskPattern string
	}{Options: opts, EnvMaskPattern: envMaskPattern}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Sections lists the 24 top-level section keys the generated document
// guarantees (§4.3.1's 23 named sections, with docker_* split into
// docker_containers and docker_networks), in schema order. Exported for
// tests.
var Sections = []string{
	"os", "disks", "lvm", "raid", "mounts", "interfaces", "routing",
	"etc_hosts", "arp_table", "processes", "listeners", "sockets",
	"docker_containers", "docker_networks", "webserver_configs",
	"systemd_units", "cron_jobs", "ssl_certificates", "user_accounts",
	"firewall", "installed_packages", "kernel", "security", "logs",
}

// scriptTemplate emits the 23-section document. Each section is collected
// into its own shell variable holding a JSON fragment (mirroring the
// teacher's "compute into a shell var, sanitize, then interpolate into one
// final python3 json.dumps" idiom) so that a failed collector degrades to
// an empty array/object rather than breaking the overall document's
// framing (§4.3.2).
const scriptTemplate = `#!/bin/bash
set -o pipefail
START_EPOCH_MS=$(($(date +%s%N)/1000000))

jesc() { python3 -c "import sys,json; print(json.dumps(sys.stdin.read()))"; }

# --- os ---
os_hostname=$(hostname 2>/dev/null || echo unknown)
os_kernel=$(uname -r 2>/dev/null || echo unknown)
os_release="unknown"
[ -f /etc/os-release ] && os_release=$(. /etc/os-release; echo "$PRETTY_NAME")
os_cpu_model=$(grep -m1 '^model name' /proc/cpuinfo 2>/dev/null | cut -d: -f2 | sed 's/^ *//')
os_mem_kb=$(grep -m1 '^MemTotal' /proc/meminfo 2>/dev/null | awk '{print $2}')
[ -z "$os_mem_kb" ] && os_mem_kb=0
os_json=$(python3 -c "
import json
print(json.dumps({
  'hostname': '''$os_hostname'''.strip(),
  'kernel': '''$os_kernel'''.strip(),
  'release': '''$os_release'''.strip(),
  'cpu_model': '''$os_cpu_model'''.strip(),
  'memory_mb': int($os_mem_kb) // 1024,
}))
" 2>/dev/null || echo '{}')

# --- disks ---
disks_json=$(df -P 2>/dev/null | awk 'NR>1{print $1","$2","$3","$4","$5","$6}' | python3 -c "
import sys, json
rows=[]
for line in sys.stdin:
    p=line.strip().split(',')
    if len(p)==6:
        rows.append({'device':p[0],'size_mb':int(p[1])//1024 if p[1].isdigit() else 0,'used_mb':int(p[2])//1024 if p[2].isdigit() else 0,'avail_mb':int(p[3])//1024 if p[3].isdigit() else 0,'use_pct':p[4].rstrip('%'),'mountpoint':p[5]})
print(json.dumps(rows))
" 2>/dev/null || echo '[]')

# --- lvm ---
lvm_json='[]'
if command -v lvs >/dev/null 2>&1; then
  lvm_json=$(lvs --noheadings --separator ',' -o vg_name,lv_name,lv_path,lv_size 2>/dev/null | python3 -c "
import sys, json
rows=[]
for line in sys.stdin:
    p=[x.strip() for x in line.strip().split(',')]
    if len(p)>=4:
        rows.append({'vg':p[0],'lv':p[1],'path':p[2],'size':p[3]})
print(json.dumps(rows))
" 2>/dev/null || echo '[]')
fi

# --- raid ---
raid_json='[]'
[ -f /proc/mdstat ] && raid_json=$(cat /proc/mdstat 2>/dev/null | jesc 2>/dev/null || echo '""')

# --- mounts ---
mounts_json=$(cat /proc/mounts 2>/dev/null | awk '{print $1","$2","$3}' | python3 -c "
import sys, json
rows=[]
for line in sys.stdin:
    p=line.strip().split(',')
    if len(p)==3:
        rows.append({'device':p[0],'mountpoint':p[1],'fs':p[2]})
print(json.dumps(rows))
" 2>/dev/null || echo '[]')

# --- interfaces ---
interfaces_json='[]'
if command -v ip >/dev/null 2>&1; then
  interfaces_json=$(ip -o addr show 2>/dev/null | awk '{print $2","$4}' | python3 -c "
import sys, json
rows=[]
for line in sys.stdin:
    p=line.strip().split(',')
    if len(p)==2:
        rows.append({'name':p[0],'address':p[1]})
print(json.dumps(rows))
" 2>/dev/null || echo '[]')
fi

# --- routing ---
routing_json='[]'
command -v ip >/dev/null 2>&1 && routing_json=$(ip route 2>/dev/null | jesc 2>/dev/null || echo '""')

# --- etc_hosts ---
etc_hosts_json=$(grep -v '^#' /etc/hosts 2>/dev/null | awk 'NF>=2{print $1","$2}' | python3 -c "
import sys, json
rows=[]
for line in sys.stdin:
    p=line.strip().split(',')
    if len(p)==2:
        rows.append({'ip':p[0],'hostname':p[1]})
print(json.dumps(rows))
" 2>/dev/null || echo '[]')

# --- arp_table ---
arp_table_json='[]'
[ -f /proc/net/arp ] && arp_table_json=$(awk 'NR>1{print $1","$4}' /proc/net/arp 2>/dev/null | python3 -c "
import sys, json
rows=[]
for line in sys.stdin:
    p=line.strip().split(',')
    if len(p)==2:
        rows.append({'ip':p[0],'mac':p[1]})
print(json.dumps(rows))
" 2>/dev/null || echo '[]')

# --- processes (max {{.MaxProcesses}}) ---
processes_json=$(ps -eo pid,ppid,user,pcpu,rss,comm --no-headers 2>/dev/null | head -n {{.MaxProcesses}} | python3 -c "
import sys, json
rows=[]
for line in sys.stdin:
    p=line.split(None, 5)
    if len(p)>=6:
        rows.append({'pid':int(p[0]),'ppid':int(p[1]),'user':p[2],'cpu_pct':float(p[3]),'mem_mb':int(p[4])//1024,'command':p[5].strip()})
print(json.dumps(rows))
" 2>/dev/null || echo '[]')

# --- listeners ---
listeners_json='[]'
if command -v ss >/dev/null 2>&1; then
  listeners_json=$(ss -tlnp 2>/dev/null | awk 'NR>1{print $1","$4","$NF}' | python3 -c "
import sys, json, re
rows=[]
for line in sys.stdin:
    p=line.strip().split(',')
    if len(p)<2: continue
    proto, addr = p[0].lower(), p[1]
    port = addr.rsplit(':',1)[-1]
    proc = 'unknown'
    if len(p)>2:
        m=re.search(r'\"([^\"]+)\"', p[2])
        if m: proc=m.group(1)
    rows.append({'process':proc,'port':int(port) if port.isdigit() else 0,'protocol':proto,'bind':addr})
print(json.dumps(rows))
" 2>/dev/null || echo '[]')
fi

# --- sockets (established connections, for topology correlation) ---
sockets_json='[]'
if command -v ss >/dev/null 2>&1; then
  sockets_json=$(ss -tnp state established 2>/dev/null | awk 'NR>1{print $4","$5","$NF}' | python3 -c "
import sys, json, re
rows=[]
for line in sys.stdin:
    p=line.strip().split(',')
    if len(p)<2: continue
    local, peer = p[0], p[1]
    proc='unknown'
    if len(p)>2:
        m=re.search(r'\"([^\"]+)\",pid=(\d+)', p[2])
        if m: proc=m.group(1)
    rows.append({'local':local,'peer':peer,'process':proc})
print(json.dumps(rows))
" 2>/dev/null || echo '[]')
fi

# --- docker_containers / docker_networks ---
docker_containers_json='[]'
docker_networks_json='[]'
if command -v docker >/dev/null 2>&1; then
  docker_containers_json=$(docker ps -a --format '{{"{{"}}.ID{{"}}"}},{{"{{"}}.Names{{"}}"}},{{"{{"}}.Image{{"}}"}},{{"{{"}}.State{{"}}"}}' 2>/dev/null | python3 -c "
import sys, json, re, subprocess
mask = re.compile(r'{{.EnvMaskPattern}}', re.IGNORECASE)
rows=[]
for line in sys.stdin:
    p=line.strip().split(',')
    if len(p)<4: continue
    cid,name,image,state=p[0],p[1],p[2],p[3]
    env={}
{{if .DeepContainerInspect}}
    try:
        out=subprocess.run(['docker','inspect',cid],capture_output=True,text=True,timeout=5).stdout
        data=json.loads(out)
        for e in data[0].get('Config',{}).get('Env',[]) or []:
            if '=' in e:
                k,v=e.split('=',1)
                env[k] = '***MASKED***' if mask.search(k+'=') else v
    except Exception:
        pass
{{end}}
    rows.append({'id':cid,'name':name,'image':image,'state':state,'env':env})
print(json.dumps(rows))
" 2>/dev/null || echo '[]')
  docker_networks_json=$(docker network ls --format '{{"{{"}}.Name{{"}}"}}' 2>/dev/null | python3 -c "
import sys, json, subprocess
rows=[]
for name in sys.stdin:
    name=name.strip()
    if not name: continue
    try:
        out=subprocess.run(['docker','network','inspect',name],capture_output=True,text=True,timeout=5).stdout
        data=json.loads(out)[0]
        containers=[]
        for cid, info in (data.get('Containers') or {}).items():
            containers.append({'container_id':cid,'ipv4':info.get('IPv4Address','')})
        rows.append({'name':name,'containers':containers})
    except Exception:
        pass
print(json.dumps(rows))
" 2>/dev/null || echo '[]')
fi

# --- webserver_configs ---
webserver_configs_json=$(python3 -c "
import json, glob
docs=[]
for path in glob.glob('/etc/nginx/**/*.conf', recursive=True) + glob.glob('/etc/apache2/**/*.conf', recursive=True) + glob.glob('/etc/haproxy/*.cfg'):
    try:
        with open(path) as f:
            docs.append({'path': path, 'content': f.read()[:65536]})
    except Exception:
        pass
print(json.dumps(docs))
" 2>/dev/null || echo '[]')

# --- systemd_units ---
systemd_units_json=$(systemctl list-units --all --type=service,timer,socket --no-legend --no-pager 2>/dev/null | awk '{print $1","$2","$3","$4}' | python3 -c "
import sys, json
rows=[]
for line in sys.stdin:
    p=line.strip().split(',')
    if len(p)<4: continue
    rows.append({'name':p[0],'load':p[1],'active_state':p[2],'sub_state':p[3]})
print(json.dumps(rows))
" 2>/dev/null || echo '[]')

# --- cron_jobs ---
cron_jobs_json=$(python3 -c "
import json, subprocess, pwd
rows=[]
for pw in pwd.getpwall():
    try:
        out=subprocess.run(['crontab','-u',pw.pw_name,'-l'],capture_output=True,text=True,timeout=5).stdout
    except Exception:
        continue
    for line in out.splitlines():
        line=line.strip()
        if not line or line.startswith('#'): continue
        rows.append({'user':pw.pw_name,'schedule':' '.join(line.split()[:5]),'command':' '.join(line.split()[5:]),'source':'crontab'})
print(json.dumps(rows))
" 2>/dev/null || echo '[]')

# --- ssl_certificates ---
ssl_certificates_json='[]'
{{if .ScanCertificates}}
ssl_certificates_json=$(python3 -c "
import json, glob, subprocess, datetime
rows=[]
for path in glob.glob('/etc/ssl/certs/*.pem') + glob.glob('/etc/ssl/certs/*.crt') + glob.glob('/etc/pki/tls/certs/*.pem'):
    try:
        out=subprocess.run(['openssl','x509','-in',path,'-noout','-subject','-issuer','-enddate'],capture_output=True,text=True,timeout=5).stdout
        if not out: continue
        fields={}
        for line in out.splitlines():
            k,_,v=line.partition('=')
            fields[k.strip()]=v.strip()
        end_str=fields.get('notAfter','')
        days_left=0
        is_expired=True
        try:
            end=datetime.datetime.strptime(end_str, '%b %d %H:%M:%S %Y %Z')
            days_left=(end-datetime.datetime.utcnow()).days
            is_expired=days_left<=0
        except Exception:
            pass
        rows.append({'path':path,'subject':fields.get('subject',''),'issuer':fields.get('issuer',''),'valid_to':end_str,'days_left':days_left,'is_expired':is_expired})
    except Exception:
        pass
print(json.dumps(rows))
" 2>/dev/null || echo '[]')
{{end}}

# --- user_accounts ---
user_accounts_json=$(awk -F: '{print $1","$3","$4","$6","$7}' /etc/passwd 2>/dev/null | python3 -c "
import sys, json
rows=[]
for line in sys.stdin:
    p=line.strip().split(',')
    if len(p)<5: continue
    shell=p[4]
    rows.append({'username':p[0],'uid':int(p[1]),'gid':int(p[2]),'home_dir':p[3],'shell':shell,'has_login': not (shell.endswith('nologin') or shell.endswith('false'))})
print(json.dumps(rows))
" 2>/dev/null || echo '[]')

# --- firewall ---
firewall_json=$(python3 -c "
import json, subprocess
rules=0
status='no_rules'
try:
    out=subprocess.run(['nft','list','ruleset'],capture_output=True,text=True,timeout=5).stdout
    rules=out.count('rule ')
except Exception:
    try:
        out=subprocess.run(['iptables','-L','-n'],capture_output=True,text=True,timeout=5).stdout
        rules=sum(1 for l in out.splitlines() if l and not l.startswith('Chain') and not l.startswith('target'))
    except Exception:
        pass
if rules>0: status='active'
print(json.dumps({'status':status,'rules':rules}))
" 2>/dev/null || echo '{}')

# --- installed_packages ---
installed_packages_json='[]'
{{if .EnumeratePackages}}
if command -v dpkg >/dev/null 2>&1; then
  installed_packages_json=$(dpkg -l 2>/dev/null | awk '/^ii/{print $2","$3}' | python3 -c "
import sys, json
rows=[]
for line in sys.stdin:
    p=line.strip().split(',')
    if len(p)==2: rows.append({'name':p[0],'version':p[1]})
print(json.dumps(rows))
" 2>/dev/null || echo '[]')
elif command -v rpm >/dev/null 2>&1; then
  installed_packages_json=$(rpm -qa --qf '%{NAME},%{VERSION}\n' 2>/dev/null | python3 -c "
import sys, json
rows=[]
for line in sys.stdin:
    p=line.strip().split(',')
    if len(p)==2: rows.append({'name':p[0],'version':p[1]})
print(json.dumps(rows))
" 2>/dev/null || echo '[]')
fi
{{end}}

# --- kernel ---
kernel_json=$(python3 -c "
import json, subprocess
def sysctl(name):
    try:
        return subprocess.run(['sysctl','-n',name],capture_output=True,text=True,timeout=2).stdout.strip()
    except Exception:
        return 'unknown'
print(json.dumps({
  'ip_forward': sysctl('net.ipv4.ip_forward'),
  'syncookies': sysctl('net.ipv4.tcp_syncookies'),
  'rp_filter': sysctl('net.ipv4.conf.all.rp_filter'),
}))
" 2>/dev/null || echo '{}')

# --- security ---
security_json=$(python3 -c "
import json, subprocess
def active(unit):
    try:
        out=subprocess.run(['systemctl','is-active',unit],capture_output=True,text=True,timeout=2).stdout.strip()
        return out=='active'
    except Exception:
        return False
print(json.dumps({'auditd': active('auditd'), 'fail2ban': active('fail2ban')}))
" 2>/dev/null || echo '{}')

# --- logs (errors in the last 24h) ---
logs_json=$(python3 -c "
import json, subprocess
rows=[]
try:
    out=subprocess.run(['journalctl','-p','err','--since','24 hours ago','--no-pager'],capture_output=True,text=True,timeout=10).stdout
    for line in out.splitlines()[-200:]:
        rows.append(line[:500])
except Exception:
    pass
print(json.dumps(rows))
" 2>/dev/null || echo '[]')

END_EPOCH_MS=$(($(date +%s%N)/1000000))

python3 -c "
import json
def L(s):
    try: return json.loads(s)
    except Exception: return None
doc = {
  '_meta': {'version': 1, 'collector_host': '''$(hostname 2>/dev/null)'''.strip(), 'start_epoch_ms': $START_EPOCH_MS},
  'os': L('''$os_json'''),
  'disks': L('''$disks_json'''),
  'lvm': L('''$lvm_json'''),
  'raid': L('''$raid_json'''),
  'mounts': L('''$mounts_json'''),
  'interfaces': L('''$interfaces_json'''),
  'routing': L('''$routing_json'''),
  'etc_hosts': L('''$etc_hosts_json'''),
  'arp_table': L('''$arp_table_json'''),
  'processes': L('''$processes_json'''),
  'listeners': L('''$listeners_json'''),
  'sockets': L('''$sockets_json'''),
  'docker_containers': L('''$docker_containers_json'''),
  'docker_networks': L('''$docker_networks_json'''),
  'webserver_configs': L('''$webserver_configs_json'''),
  'systemd_units': L('''$systemd_units_json'''),
  'cron_jobs': L('''$cron_jobs_json'''),
  'ssl_certificates': L('''$ssl_certificates_json'''),
  'user_accounts': L('''$user_accounts_json'''),
  'firewall': L('''$firewall_json'''),
  'installed_packages': L('''$installed_packages_json'''),
  'kernel': L('''$kernel_json'''),
  'security': L('''$security_json'''),
  'logs': L('''$logs_json'''),
  '_meta_end': {'end_epoch_ms': $END_EPOCH_MS},
}
print(json.dumps(doc))
"
`

// maskEnvKey reports whether a container environment variable key should
// be masked before the document leaves the remote host (§4.3.3). Masking
// itself happens inside the generated script; this Go form mirrors its
// fragment list so the contract can be checked in tests.
func maskEnvKey(key string) bool {
	upper := strings.ToUpper(key)
	for _, frag := range []string{"PASSWORD", "SECRET", "KEY", "TOKEN", "PASS", "CREDENTIAL", "AUTH"} {
		if strings.Contains(upper, frag) {
			return true
		}
	}
	return false
}

// MaskEnvKey is the exported form of maskEnvKey, used by this package's
// tests.
func MaskEnvKey(key string) bool { return maskEnvKey(key) }
