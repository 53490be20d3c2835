package dispatch

import (
	"html/template"
	"net/url"
	"strings"
)

var bodyTemplate = template.Must(template.New("body").Parse(`<!DOCTYPE html>
<html>
<body>
{{if .Excerpt}}<p>{{.Excerpt}}</p>
<p><a href="{{.Link}}">Continue reading</a></p>{{else}}{{.Content}}{{end}}
<hr>
<p><a href="{{.Link}}">{{.Title}}</a> by {{.Author}}</p>
<p style="font-size: small; color: #666">You are receiving this email because you subscribed to {{.DisplayName}}.
<a href="{{.UnsubscribeURL}}">Unsubscribe</a></p>
</body>
</html>
`))

type bodyData struct {
	Title          string
	Author         string
	Link           string
	Content        template.HTML
	Excerpt        string
	DisplayName    string
	UnsubscribeURL string
}

func renderBody(data bodyData) (string, error) {
	var b strings.Builder
	if err := bodyTemplate.Execute(&b, data); err != nil {
		return "", err
	}
	return b.String(), nil
}

// UnsubscribeURL builds the per-recipient unsubscribe link. The id parameter
// is "<feedId>-<saltedHash>" and must stay first.
func UnsubscribeURL(baseURL, feedID, hash, displayName, address string) string {
	var b strings.Builder
	b.WriteString(strings.TrimSuffix(baseURL, "/"))
	b.WriteString("/unsubscribe.html?id=")
	b.WriteString(url.QueryEscape(feedID + "-" + hash))
	b.WriteString("&displayName=")
	b.WriteString(url.QueryEscape(displayName))
	b.WriteString("&email=")
	b.WriteString(url.QueryEscape(address))
	return b.String()
}
