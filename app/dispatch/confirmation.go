package dispatch

import (
	"html/template"
	"net/url"
	"strings"

	"github.com/lysyi3m/rss-mailer/app/email"
	"github.com/lysyi3m/rss-mailer/app/feed"
	"github.com/lysyi3m/rss-mailer/app/subscribers"
)

var confirmationTemplate = template.Must(template.New("confirmation").Parse(`<!DOCTYPE html>
<html>
<body>
<p>Please confirm your subscription to {{.DisplayName}}.</p>
<p><a href="{{.ConfirmURL}}">Confirm subscription</a></p>
<p style="font-size: small; color: #666">If you did not ask to subscribe, ignore this email.</p>
</body>
</html>
`))

func ConfirmURL(baseURL, feedID, hash string) string {
	return strings.TrimSuffix(baseURL, "/") + "/confirm?id=" + url.QueryEscape(subscribers.SubscriberID(feedID, hash))
}

// ConfirmationMessage is the email asking a new subscriber to confirm.
func ConfirmationMessage(cfg *feed.Config, fromAddress, baseURL string, subscriber subscribers.HashedEmail) (*email.Message, error) {
	var b strings.Builder
	err := confirmationTemplate.Execute(&b, struct {
		DisplayName string
		ConfirmURL  string
	}{cfg.DisplayName, ConfirmURL(baseURL, cfg.ID, subscriber.SaltedHash)})
	if err != nil {
		return nil, err
	}

	return &email.Message{
		FromName:    cfg.DisplayName,
		FromAddress: fromAddress,
		To:          subscriber.EmailAddress,
		ReplyTo:     cfg.ReplyTo,
		Subject:     "Confirm your subscription to " + cfg.DisplayName,
		HTMLBody:    b.String(),
	}, nil
}
