package web

import (
	"fmt"
	"html/template"
	"io"
	"strings"
	"time"

	"github.com/sweeney/alarm-node/internal/status"
)

var indexTmpl = template.Must(template.New("index").Funcs(template.FuncMap{
	"uptime": func(d time.Duration) string {
		d = d.Truncate(time.Second)
		days := int(d.Hours()) / 24
		h := int(d.Hours()) % 24
		m := int(d.Minutes()) % 60
		s := int(d.Seconds()) % 60
		if days > 0 {
			return fmt.Sprintf("%dd %dh %dm %ds", days, h, m, s)
		}
		if h > 0 {
			return fmt.Sprintf("%dh %dm %ds", h, m, s)
		}
		if m > 0 {
			return fmt.Sprintf("%dm %ds", m, s)
		}
		return fmt.Sprintf("%ds", s)
	},
	"levelClass": func(v fmt.Stringer) string {
		return strings.ToLower(v.String())
	},
	"stamp": func(t time.Time) string {
		if t.IsZero() {
			return "never"
		}
		return t.UTC().Format("2006-01-02T15:04:05Z")
	},
	"orUnknown": func(s string) string {
		if s == "" {
			return "unknown"
		}
		return s
	},
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<meta http-equiv="refresh" content="5">
<title>Alarm Node {{.NodeID}}</title>
<style>
body { font-family: monospace; max-width: 600px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
th { width: 40%; }
.normal { color: green; }
.warning { color: orange; font-weight: bold; }
.alarm { color: red; font-weight: bold; }
.stale { color: #888; font-style: italic; }
.connected, .online { color: green; }
.disconnected, .connecting, .offline, .unknown { color: red; }
</style>
</head>
<body>
<h1>Alarm Node {{.NodeID}}</h1>

<h2>State</h2>
<table>
<tr><th>Level</th><td id="level" class="{{levelClass .Level}}">{{.Level}}</td></tr>
<tr><th>Actuator</th><td>{{if .Actuator}}ENGAGED{{else}}released{{end}}</td></tr>
<tr><th>Alert counter</th><td>{{.AlertCounter}}</td></tr>
</table>

<h2>Channels</h2>
<table>
{{range .Channels}}<tr><th>{{.ID}}</th><td class="{{levelClass .Level}}{{if .Stale}} stale{{end}}">{{.Raw}} ({{.Level}}{{if .Stale}}, stale{{end}})</td></tr>
{{else}}<tr><td>no readings yet</td></tr>
{{end}}</table>

<h2>Connectivity</h2>
<table>
<tr><th>Collector</th><td class="{{orUnknown .Link.State}}">{{orUnknown .Link.State}}</td></tr>
<tr><th>Address</th><td>{{.Config.Collector}}</td></tr>
<tr><th>Queued</th><td>{{.Link.Queued}}</td></tr>
<tr><th>Published</th><td>{{.Link.Published}}</td></tr>
<tr><th>Dropped</th><td>{{.Link.Dropped}}</td></tr>
{{if .Link.LastError}}<tr><th>Last error</th><td>{{.Link.LastError}}</td></tr>{{end}}
{{if .Coordinator}}<tr><th>Coordinator</th><td>{{.Coordinator}}</td></tr>{{end}}
{{if .Network}}<tr><th>Network</th><td>{{.Network.Status}} ({{.Network.Type}}{{if .Network.SSID}}, {{.Network.SSID}}{{end}})</td></tr>
<tr><th>IP</th><td>{{.Network.IP}}</td></tr>{{end}}
</table>
{{if .Peers}}
<h2>Peers</h2>
<table>
{{range .Peers}}<tr><th>{{.ID}}</th><td class="{{.Status}}">{{.Status}} {{.Addr}}, last seen {{stamp .LastSeen}}, {{.Reports}} reports</td></tr>
{{end}}</table>
{{end}}
<h2>Event Counts</h2>
<table>
<tr><th>Warnings</th><td>{{.Counts.Warnings}}</td></tr>
<tr><th>Alarms</th><td>{{.Counts.Alarms}}</td></tr>
<tr><th>Engagements</th><td>{{.Counts.Engagements}}</td></tr>
<tr><th>Releases</th><td>{{.Counts.Releases}}</td></tr>
</table>
{{if .History}}
<h2>Recent Transitions</h2>
<table>
{{range .History}}<tr><th>{{stamp .Time}}</th><td class="{{levelClass .To}}">{{.From}} &rarr; {{.To}}{{if .Actuator}} (actuator engaged){{end}}</td></tr>
{{end}}</table>
{{end}}
<h2>System</h2>
<table>
<tr><th>Role</th><td>{{.Config.Role}}</td></tr>
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
<tr><th>Started</th><td>{{stamp .StartTime}}</td></tr>
<tr><th>Poll</th><td>{{.Config.PollMs}}ms</td></tr>
<tr><th>Confirm</th><td>{{.Config.ConfirmCount}} within {{.Config.GraceMs}}ms</td></tr>
<tr><th>Settle</th><td>{{.Config.SettleMs}}ms</td></tr>
<tr><th>Heartbeat</th><td>{{if eq .Config.HeartbeatMs 0}}disabled{{else}}{{.Config.HeartbeatMs}}ms{{end}}</td></tr>
<tr><th>HTTP</th><td>{{.Config.HTTPAddr}}</td></tr>
</table>

<p><a href="/index.json">JSON</a> <a href="/metrics">metrics</a></p>
</body>
</html>
`

func renderHTML(w io.Writer, snap status.Snapshot) {
	// Snapshot has Uptime() method but template needs a Duration field.
	data := struct {
		status.Snapshot
		Uptime time.Duration
	}{
		Snapshot: snap,
		Uptime:   snap.Uptime(),
	}
	indexTmpl.Execute(w, data)
}
