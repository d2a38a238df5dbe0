package mail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"notification-fanout/internal/config"
)

type sesAPI interface {
	CreateEmailTemplate(ctx context.Context, in *sesv2.CreateEmailTemplateInput, optFns ...func(*sesv2.Options)) (*sesv2.CreateEmailTemplateOutput, error)
	SendBulkEmail(ctx context.Context, in *sesv2.SendBulkEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendBulkEmailOutput, error)
}

// Both templates only hold triple-brace placeholders. Notification text travels in TemplateData
// so braces written by an admin are sent literally and never parsed by SES.
const (
	textTemplateName = "notification-content-text"
	htmlTemplateName = "notification-content-html"
)

// SESProvider sends through SES v2 SendBulkEmail using one of two fixed email templates.
type SESProvider struct {
	api       sesAPI
	from      string
	configSet string
	templates sync.Map
}

func NewSESProvider(ctx context.Context, cfg config.Config) (*SESProvider, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.SESRegion))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := sesv2.NewFromConfig(awsCfg, func(o *sesv2.Options) {
		if cfg.SESEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.SESEndpoint)
		}
	})
	return newSESProvider(client, cfg.MailFrom, cfg.SESConfigurationSet), nil
}

func newSESProvider(api sesAPI, from, configSet string) *SESProvider {
	return &SESProvider{api: api, from: from, configSet: configSet}
}

func (p *SESProvider) Name() string { return "ses" }

func (p *SESProvider) SendGroup(ctx context.Context, entries []Entry, content Content) ([]Status, error) {
	name, err := p.ensureTemplate(ctx, content.HTML != nil)
	if err != nil {
		return nil, err
	}
	data, err := templateData(content)
	if err != nil {
		return nil, err
	}

	in := &sesv2.SendBulkEmailInput{
		FromEmailAddress: aws.String(p.from),
		DefaultContent: &types.BulkEmailContent{
			Template: &types.Template{
				TemplateName: aws.String(name),
				TemplateData: aws.String(data),
			},
		},
		BulkEmailEntries: make([]types.BulkEmailEntry, len(entries)),
	}
	if p.configSet != "" {
		in.ConfigurationSetName = aws.String(p.configSet)
	}
	for i, e := range entries {
		in.BulkEmailEntries[i] = types.BulkEmailEntry{
			Destination: &types.Destination{ToAddresses: []string{e.Email}},
		}
	}

	out, err := p.api.SendBulkEmail(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("ses send bulk email: %w", err)
	}
	statuses := make([]Status, len(out.BulkEmailEntryResults))
	for i, r := range out.BulkEmailEntryResults {
		statuses[i] = Status{
			Code:      string(r.Status),
			MessageID: aws.ToString(r.MessageId),
			Detail:    aws.ToString(r.Error),
		}
	}
	return statuses, nil
}

func (p *SESProvider) ensureTemplate(ctx context.Context, withHTML bool) (string, error) {
	name := textTemplateName
	tpl := &types.EmailTemplateContent{
		Subject: aws.String("{{{subject}}}"),
		Text:    aws.String("{{{text}}}"),
	}
	if withHTML {
		name = htmlTemplateName
		tpl.Html = aws.String("{{{html}}}")
	}
	if _, ok := p.templates.Load(name); ok {
		return name, nil
	}
	_, err := p.api.CreateEmailTemplate(ctx, &sesv2.CreateEmailTemplateInput{
		TemplateName:    aws.String(name),
		TemplateContent: tpl,
	})
	var exists *types.AlreadyExistsException
	if err != nil && !errors.As(err, &exists) {
		return "", fmt.Errorf("ses create template: %w", err)
	}
	p.templates.Store(name, struct{}{})
	return name, nil
}

func templateData(content Content) (string, error) {
	fields := map[string]string{
		"subject": content.Subject,
		"text":    content.Text,
	}
	if content.HTML != nil {
		fields["html"] = *content.HTML
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("encode template data: %w", err)
	}
	return string(raw), nil
}
