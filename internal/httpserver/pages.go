package httpserver

import (
	"html/template"
	"log/slog"
	"net/http"

	"timecapsule/internal/service"
)

type pageData struct {
	Title  string
	ID     string
	Status *service.PublicStatus
	Authed bool
	Error  string
}

var pages = template.Must(template.New("pages").Parse(`
{{define "head"}}<!doctype html><html><head><meta charset="utf-8"><meta name="viewport" content="width=device-width,initial-scale=1"><title>{{.Title}}</title></head><body style="font-family:-apple-system,Segoe UI,Helvetica,Arial,sans-serif;max-width:640px;margin:40px auto;padding:0 16px">{{end}}
{{define "foot"}}</body></html>{{end}}

{{define "thanks"}}{{template "head" .}}
<h1>Your capsule is sealed 💌</h1>
{{if .ID}}<p>Capsule ID: <code>{{.ID}}</code></p>
<p><a href="/status/{{.ID}}">Check its status</a></p>{{end}}
{{template "foot" .}}{{end}}

{{define "status"}}{{template "head" .}}
{{with .Status}}
<h1>Capsule status</h1>
<p>Status: <strong>{{.Status}}</strong></p>
<p>Delivery time: {{.SendAtCivil}} ({{.TZ}})</p>
{{if gt .CountdownSeconds 0}}<p>Arrives in {{.CountdownSeconds}} seconds</p>{{end}}
{{with .BounceReason}}<p>Bounce reason: {{.}}</p>{{end}}
{{else}}
<h1>Capsule not found</h1>
{{end}}
{{template "foot" .}}{{end}}

{{define "admin"}}{{template "head" .}}
<h1>Time capsule admin</h1>
{{if .Authed}}
<ul>
<li><a href="/api/admin/capsules">Capsules (JSON)</a></li>
<li><a href="/api/admin/capsules/export?format=csv">Export CSV</a></li>
<li><a href="/api/admin/capsules/export?format=json">Export JSON</a></li>
<li><a href="/api/admin/stats">Statistics</a></li>
<li><a href="/api/admin/settings">Settings</a></li>
</ul>
<p><a href="/admin/logout">Log out</a></p>
{{else}}
{{with .Error}}<p style="color:#c0392b">{{.}}</p>{{end}}
<form method="post" action="/admin/login">
<input type="password" name="password" placeholder="Admin password" required>
<button type="submit">Log in</button>
</form>
{{end}}
{{template "foot" .}}{{end}}
`))

func renderPage(w http.ResponseWriter, status int, name string, data pageData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := pages.ExecuteTemplate(w, name, data); err != nil {
		slog.Error("render page failed", "page", name, "err", err)
	}
}
