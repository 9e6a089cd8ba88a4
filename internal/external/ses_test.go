package external

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	sestypes "github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"inactivity/internal/types"
)

type mockSESAPI struct {
	captured *sesv2.SendEmailInput
	out      *sesv2.SendEmailOutput
	err      error
}

func (m *mockSESAPI) SendEmail(_ context.Context, params *sesv2.SendEmailInput, _ ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	m.captured = params
	return m.out, m.err
}

func warningInput() types.SendInput {
	return types.SendInput{
		To:          "alice@wiki.test",
		From:        types.SenderIdentity{Name: "Wiki Admin", Address: "admin@wiki.test"},
		Subject:     "Your account will be locked in 3 days",
		BodyText:    "Log in to keep your account.",
		BodyHTML:    "<p>Log in to keep your account.</p>",
		ReferenceID: "warning-42",
	}
}

func TestSESSend_Success(t *testing.T) {
	api := &mockSESAPI{out: &sesv2.SendEmailOutput{MessageId: aws.String("ses-1")}}
	client := NewSESClientWithAPI(api, SESClientConfig{ConfigSetName: "lifecycle"})

	id, err := client.Send(context.Background(), warningInput())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "ses-1" {
		t.Errorf("message id = %q", id)
	}

	in := api.captured
	if got := aws.ToString(in.FromEmailAddress); got != `"Wiki Admin" <admin@wiki.test>` {
		t.Errorf("from = %q", got)
	}
	if in.Destination.ToAddresses[0] != "alice@wiki.test" {
		t.Errorf("to = %v", in.Destination.ToAddresses)
	}
	if got := aws.ToString(in.Content.Simple.Subject.Data); got != "Your account will be locked in 3 days" {
		t.Errorf("subject = %q", got)
	}
	if in.Content.Simple.Body.Text == nil || in.Content.Simple.Body.Html == nil {
		t.Fatal("expected both bodies")
	}
	if aws.ToString(in.ConfigurationSetName) != "lifecycle" {
		t.Errorf("config set = %q", aws.ToString(in.ConfigurationSetName))
	}
	if len(in.EmailTags) != 1 || aws.ToString(in.EmailTags[0].Value) != "warning-42" {
		t.Errorf("tags = %+v", in.EmailTags)
	}
	if client.Name() != "ses" {
		t.Errorf("name = %q", client.Name())
	}
}

func TestSESSend_OptionalFieldsOmitted(t *testing.T) {
	api := &mockSESAPI{out: &sesv2.SendEmailOutput{}}
	client := NewSESClientWithAPI(api, SESClientConfig{})

	input := warningInput()
	input.From.Name = ""
	input.BodyHTML = ""
	input.ReferenceID = ""

	id, err := client.Send(context.Background(), input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "" {
		t.Errorf("expected empty id, got %q", id)
	}
	in := api.captured
	if aws.ToString(in.FromEmailAddress) != "admin@wiki.test" {
		t.Errorf("from = %q", aws.ToString(in.FromEmailAddress))
	}
	if in.Content.Simple.Body.Html != nil {
		t.Error("html body should be nil")
	}
	if in.ConfigurationSetName != nil || in.EmailTags != nil {
		t.Error("config set and tags should be unset")
	}
}

func TestSESSend_ErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want types.ErrorCode
	}{
		{"rejected", &sestypes.MessageRejected{Message: aws.String("blocked")}, types.ErrCodeEmailBlocked},
		{"throttled", &sestypes.TooManyRequestsException{Message: aws.String("slow down")}, types.ErrCodeUpstreamRateLimited},
		{"paused", &sestypes.SendingPausedException{Message: aws.String("paused")}, types.ErrCodeUpstreamUnavailable},
		{"other", errors.New("network"), types.ErrCodeUpstreamEmailProvider},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := NewSESClientWithAPI(&mockSESAPI{err: tt.err}, SESClientConfig{})
			_, err := client.Send(context.Background(), warningInput())
			if got := appCode(t, err); got != tt.want {
				t.Errorf("code = %s, want %s", got, tt.want)
			}
		})
	}
}
