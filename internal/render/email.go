// Package render turns a capsule into the email document sent by the sweeper.
package render

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	gmhtml "github.com/yuin/goldmark/renderer/html"

	"timecapsule/internal/clock"
	"timecapsule/internal/domain"
)

const Subject = "Your time capsule has arrived 💌"

type Email struct {
	Subject string
	HTML    string
}

type Renderer struct {
	BaseURL string

	md     goldmark.Markdown
	policy *bluemonday.Policy
	layout *template.Template
}

func New(baseURL string) *Renderer {
	return &Renderer{
		BaseURL: strings.TrimRight(baseURL, "/"),
		md: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithRendererOptions(gmhtml.WithHardWraps()),
		),
		policy: bluemonday.UGCPolicy(),
		layout: template.Must(template.New("email").Parse(layoutHTML)),
	}
}

type layoutData struct {
	Body      template.HTML
	Created   string
	SendAt    string
	Signer    string
	Contact   string
	StatusURL string
	CapsuleID string
}

func (r *Renderer) Render(c domain.Capsule) (Email, error) {
	var md bytes.Buffer
	if err := r.md.Convert([]byte(c.Content), &md); err != nil {
		return Email{}, fmt.Errorf("render markdown: %w", err)
	}

	data := layoutData{
		// sanitized output is the only HTML trusted into the layout
		Body:      template.HTML(r.policy.SanitizeBytes(md.Bytes())),
		Created:   clock.CivilDateTime(c.CreatedAt),
		SendAt:    clock.CivilDateTime(c.SendAt),
		Signer:    c.Signer,
		Contact:   c.Contact,
		CapsuleID: c.ID,
	}
	if r.BaseURL != "" {
		data.StatusURL = r.BaseURL + "/status/" + c.ID
	}

	var out bytes.Buffer
	if err := r.layout.Execute(&out, data); err != nil {
		return Email{}, fmt.Errorf("render layout: %w", err)
	}
	return Email{Subject: Subject, HTML: out.String()}, nil
}

const layoutHTML = `<!doctype html>
<html>
<head><meta charset="utf-8"><title>Time capsule</title></head>
<body style="margin:0;padding:24px;background:#f6f4ef;font-family:-apple-system,Segoe UI,Helvetica,Arial,sans-serif;color:#2b2b2b">
<div style="max-width:600px;margin:0 auto;background:#fff;border-radius:12px;padding:32px">
  <p style="color:#888;font-size:13px;margin:0 0 16px">Written on {{.Created}} · delivered {{.SendAt}} (UTC+8)</p>
  <div style="font-size:16px;line-height:1.7">{{.Body}}</div>
  {{- if or .Signer .Contact}}
  <div style="margin-top:24px;padding-top:16px;border-top:1px solid #eee;font-size:14px;color:#555">
    {{- if .Signer}}<p style="margin:0">From: {{.Signer}}</p>{{end}}
    {{- if .Contact}}<p style="margin:4px 0 0">Contact: {{.Contact}}</p>{{end}}
  </div>
  {{- end}}
  {{- if .StatusURL}}
  <p style="margin-top:24px;font-size:13px"><a href="{{.StatusURL}}">View capsule status</a></p>
  {{- end}}
  <p style="margin-top:24px;font-size:12px;color:#aaa">Capsule ID: {{.CapsuleID}}</p>
</div>
</body>
</html>
`
