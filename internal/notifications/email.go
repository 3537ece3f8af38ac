package notifications

import (
	"bytes"
	"context"
	"fmt"
	htmltemplate "html/template"
	"text/template"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	sestypes "github.com/aws/aws-sdk-go-v2/service/sesv2/types"
)

// SESAPI is the subset of the SES v2 client used by EmailSink.
type SESAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

type emailTemplate struct {
	subject *template.Template
	text    *template.Template
	html    *htmltemplate.Template
}

var templateFuncs = map[string]any{
	"date": func(t *time.Time) string {
		if t == nil {
			return ""
		}
		return t.UTC().Format("January 2, 2006 15:04 MST")
	},
}

func mustEmailTemplate(name, subject, text, html string) emailTemplate {
	return emailTemplate{
		subject: template.Must(template.New(name + ".subject").Funcs(templateFuncs).Parse(subject)),
		text:    template.Must(template.New(name + ".text").Funcs(templateFuncs).Parse(text)),
		html:    htmltemplate.Must(htmltemplate.New(name + ".html").Funcs(templateFuncs).Parse(html)),
	}
}

var emailTemplates = map[EventType]emailTemplate{
	EventSignatureCompleted: mustEmailTemplate("completed",
		`"{{.RequestTitle}}" has been signed`,
		`{{.SignerName}} signed "{{.RequestTitle}}" on {{date .SignedAt}}.

Signed document: {{.SignedDocumentRef}}
`,
		`<p><strong>{{.SignerName}}</strong> signed &ldquo;{{.RequestTitle}}&rdquo; on {{date .SignedAt}}.</p>
<p>Signed document: {{.SignedDocumentRef}}</p>`),
	EventSignatureRequested: mustEmailTemplate("requested",
		`Signature requested: {{.RequestTitle}}`,
		`Hello {{.SignerName}},

You have been asked to sign "{{.RequestTitle}}".
Open the document: {{.SigningLink}}
{{with .ExpiresAt}}The link expires on {{date .}}.{{end}}
`,
		`<p>Hello {{.SignerName}},</p>
<p>You have been asked to sign &ldquo;{{.RequestTitle}}&rdquo;.</p>
<p><a href="{{.SigningLink}}">Open the document</a></p>
{{with .ExpiresAt}}<p>The link expires on {{date .}}.</p>{{end}}`),
	EventSignatureReminder: mustEmailTemplate("reminder",
		`Reminder: "{{.RequestTitle}}" is waiting for your signature`,
		`Hello {{.SignerName}},

"{{.RequestTitle}}" is still waiting for your signature.
{{with .ExpiresAt}}It expires on {{date .}}.{{end}}
{{if .SigningLink}}Open the document: {{.SigningLink}}{{end}}
`,
		`<p>Hello {{.SignerName}},</p>
<p>&ldquo;{{.RequestTitle}}&rdquo; is still waiting for your signature.</p>
{{with .ExpiresAt}}<p>It expires on {{date .}}.</p>{{end}}
{{if .SigningLink}}<p><a href="{{.SigningLink}}">Open the document</a></p>{{end}}`),
}

// EmailSink sends events by email through Amazon SES.
type EmailSink struct {
	api  SESAPI
	from string
}

func NewEmailSink(api SESAPI, from string) *EmailSink {
	return &EmailSink{api: api, from: from}
}

func (s *EmailSink) Name() string { return "email" }

func (s *EmailSink) Send(ctx context.Context, event Event) (Delivery, error) {
	to := emailRecipient(event)
	if to == "" {
		return Delivery{}, ErrNoRecipient
	}
	tmpl, ok := emailTemplates[event.Type]
	if !ok {
		return Delivery{}, fmt.Errorf("no email template for %s", event.Type)
	}

	var subject, text, html bytes.Buffer
	if err := tmpl.subject.Execute(&subject, event); err != nil {
		return Delivery{}, fmt.Errorf("failed to render subject: %w", err)
	}
	if err := tmpl.text.Execute(&text, event); err != nil {
		return Delivery{}, fmt.Errorf("failed to render text body: %w", err)
	}
	if err := tmpl.html.Execute(&html, event); err != nil {
		return Delivery{}, fmt.Errorf("failed to render html body: %w", err)
	}

	out, err := s.api.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(s.from),
		Destination:      &sestypes.Destination{ToAddresses: []string{to}},
		Content: &sestypes.EmailContent{
			Simple: &sestypes.Message{
				Subject: &sestypes.Content{Data: aws.String(subject.String()), Charset: aws.String("UTF-8")},
				Body: &sestypes.Body{
					Text: &sestypes.Content{Data: aws.String(text.String()), Charset: aws.String("UTF-8")},
					Html: &sestypes.Content{Data: aws.String(html.String()), Charset: aws.String("UTF-8")},
				},
			},
		},
		EmailTags: []sestypes.MessageTag{
			{Name: aws.String("event_type"), Value: aws.String(tagValue(string(event.Type)))},
		},
	})
	if err != nil {
		return Delivery{Recipient: to}, fmt.Errorf("failed to send email: %w", err)
	}
	return Delivery{Recipient: to, ProviderMessageID: aws.ToString(out.MessageId)}, nil
}

// Completion goes to the owner, everything else to the signer.
func emailRecipient(event Event) string {
	if event.Type == EventSignatureCompleted {
		return event.OwnerEmail
	}
	return event.SignerEmail
}

// SES tag values only allow alphanumerics, '_' and '-'.
func tagValue(s string) string {
	b := []byte(s)
	for i, c := range b {
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_' || c == '-') {
			b[i] = '_'
		}
	}
	return string(b)
}
