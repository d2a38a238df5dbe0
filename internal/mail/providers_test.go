package mail

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/textproto"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gomail "gopkg.in/mail.v2"
)

type fakeSES struct {
	templates int
	created   []*sesv2.CreateEmailTemplateInput
	sent      []*sesv2.SendBulkEmailInput
	exists    bool
}

func (f *fakeSES) CreateEmailTemplate(_ context.Context, in *sesv2.CreateEmailTemplateInput, _ ...func(*sesv2.Options)) (*sesv2.CreateEmailTemplateOutput, error) {
	f.templates++
	f.created = append(f.created, in)
	if f.exists {
		return nil, &types.AlreadyExistsException{Message: aws.String("exists")}
	}
	return &sesv2.CreateEmailTemplateOutput{}, nil
}

func (f *fakeSES) SendBulkEmail(_ context.Context, in *sesv2.SendBulkEmailInput, _ ...func(*sesv2.Options)) (*sesv2.SendBulkEmailOutput, error) {
	f.sent = append(f.sent, in)
	out := &sesv2.SendBulkEmailOutput{}
	for i := range in.BulkEmailEntries {
		r := types.BulkEmailEntryResult{Status: types.BulkEmailStatusSuccess, MessageId: aws.String("ses-" + in.BulkEmailEntries[i].Destination.ToAddresses[0])}
		if i == 1 {
			r = types.BulkEmailEntryResult{Status: types.BulkEmailStatusMessageRejected, Error: aws.String("address on suppression list")}
		}
		out.BulkEmailEntryResults = append(out.BulkEmailEntryResults, r)
	}
	return out, nil
}

func TestSESProviderSendsWithCachedTemplate(t *testing.T) {
	api := &fakeSES{}
	p := newSESProvider(api, "from@example.com", "tracking")
	content := Content{Subject: "Hi", Text: "Body"}

	statuses, err := p.SendGroup(context.Background(), entries(3), content)
	require.NoError(t, err)
	_, err = p.SendGroup(context.Background(), entries(2), content)
	require.NoError(t, err)

	assert.Equal(t, 1, api.templates)
	require.Len(t, statuses, 3)
	assert.Equal(t, Status{Code: CodeSuccess, MessageID: "ses-u000@example.com"}, statuses[0])
	assert.Equal(t, CodeMessageRejected, statuses[1].Code)
	assert.Equal(t, "address on suppression list", statuses[1].Detail)

	in := api.sent[0]
	assert.Equal(t, "tracking", aws.ToString(in.ConfigurationSetName))
	assert.Equal(t, textTemplateName, aws.ToString(in.DefaultContent.Template.TemplateName))
	assert.JSONEq(t, `{"subject":"Hi","text":"Body"}`, aws.ToString(in.DefaultContent.Template.TemplateData))
	assert.Len(t, in.BulkEmailEntries, 3)
}

func TestSESProviderToleratesExistingTemplate(t *testing.T) {
	api := &fakeSES{exists: true}
	p := newSESProvider(api, "from@example.com", "")

	_, err := p.SendGroup(context.Background(), entries(1), Content{Subject: "s"})
	require.NoError(t, err)
	assert.Nil(t, api.sent[0].ConfigurationSetName)
}

func TestSESProviderSendsBracesLiterally(t *testing.T) {
	api := &fakeSES{}
	p := newSESProvider(api, "from@example.com", "")
	html := "<p>Hello {{name}}</p>"

	_, err := p.SendGroup(context.Background(), entries(1), Content{Subject: "Hi {{name}}", Text: "Use {{{code}}} today", HTML: &html})
	require.NoError(t, err)
	_, err = p.SendGroup(context.Background(), entries(1), Content{Subject: "Other", Text: "{{#if x}}", HTML: &html})
	require.NoError(t, err)

	// One fixed template serves every notification and holds no admin text.
	require.Len(t, api.created, 1)
	tpl := api.created[0].TemplateContent
	assert.Equal(t, htmlTemplateName, aws.ToString(api.created[0].TemplateName))
	assert.Equal(t, "{{{subject}}}", aws.ToString(tpl.Subject))
	assert.Equal(t, "{{{text}}}", aws.ToString(tpl.Text))
	assert.Equal(t, "{{{html}}}", aws.ToString(tpl.Html))

	var data map[string]string
	require.NoError(t, json.Unmarshal([]byte(aws.ToString(api.sent[0].DefaultContent.Template.TemplateData)), &data))
	assert.Equal(t, map[string]string{"subject": "Hi {{name}}", "text": "Use {{{code}}} today", "html": "<p>Hello {{name}}</p>"}, data)
	assert.Contains(t, aws.ToString(api.sent[1].DefaultContent.Template.TemplateData), `{{#if x}}`)
}

func TestSESProviderPlainTextTemplateHasNoHTMLPart(t *testing.T) {
	api := &fakeSES{}
	p := newSESProvider(api, "from@example.com", "")

	_, err := p.SendGroup(context.Background(), entries(1), Content{Subject: "s", Text: "t"})
	require.NoError(t, err)
	require.Len(t, api.created, 1)
	assert.Equal(t, textTemplateName, aws.ToString(api.created[0].TemplateName))
	assert.Nil(t, api.created[0].TemplateContent.Html)
}

type fakeSendCloser struct {
	fail map[string]error
	to   []string
}

func (f *fakeSendCloser) Send(_ string, to []string, msg io.WriterTo) error {
	f.to = append(f.to, to...)
	if err := f.fail[to[0]]; err != nil {
		return err
	}
	_, err := msg.WriteTo(io.Discard)
	return err
}

func (f *fakeSendCloser) Close() error { return nil }

type fakeDialer struct {
	conn *fakeSendCloser
	err  error
}

func (d *fakeDialer) Dial() (gomail.SendCloser, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.conn, nil
}

func TestSMTPProviderMapsReplyCodes(t *testing.T) {
	conn := &fakeSendCloser{fail: map[string]error{
		"u001@example.com": &textproto.Error{Code: 451, Msg: "try later"},
		"u002@example.com": &textproto.Error{Code: 550, Msg: "no such user"},
		"u003@example.com": &textproto.Error{Code: 554, Msg: "rejected"},
	}}
	p := newSMTPProvider(&fakeDialer{conn: conn}, "news@example.org")

	statuses, err := p.SendGroup(context.Background(), entries(4), Content{Subject: "s", Text: "t"})
	require.NoError(t, err)
	require.Len(t, statuses, 4)

	assert.Equal(t, CodeSuccess, statuses[0].Code)
	assert.Contains(t, statuses[0].MessageID, "@example.org>")
	assert.Equal(t, CodeTransientFailure, statuses[1].Code)
	assert.Equal(t, CodeFailed, statuses[2].Code)
	assert.Equal(t, CodeMessageRejected, statuses[3].Code)
	assert.Len(t, conn.to, 4)
}

func TestSMTPProviderDialFailureFailsGroup(t *testing.T) {
	p := newSMTPProvider(&fakeDialer{err: errors.New("connection refused")}, "news@example.org")

	_, err := p.SendGroup(context.Background(), entries(2), Content{})
	assert.Error(t, err)
}

func TestLogProviderSucceeds(t *testing.T) {
	p := NewLogProvider(zerolog.Nop())
	statuses, err := p.SendGroup(context.Background(), entries(2), Content{Subject: "s"})
	require.NoError(t, err)
	for _, s := range statuses {
		assert.Equal(t, CodeSuccess, s.Code)
		assert.NotEmpty(t, s.MessageID)
	}
}
