package ses

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/shineum/mailkit/pkg/email"
	"github.com/shineum/mailkit/pkg/mailer"
	"github.com/shineum/mailkit/pkg/mailerr"
)

// mockSESClient implements SendEmailAPI for testing.
type mockSESClient struct {
	sendFn    func(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
	callCount int
	lastInput *sesv2.SendEmailInput
}

func (m *mockSESClient) SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	m.callCount++
	m.lastInput = params
	if m.sendFn != nil {
		return m.sendFn(ctx, params, optFns...)
	}
	return &sesv2.SendEmailOutput{MessageId: aws.String("test-message-id")}, nil
}

func message() email.Email {
	return email.New().
		WithFrom(email.Addr("sender@example.com")).
		AddTo(email.Addr("to@example.com")).
		WithSubject("Test Subject").
		WithText("Hello, World!")
}

func TestName(t *testing.T) {
	t.Parallel()
	m := NewWithClient(&mockSESClient{}, "")
	if got := m.Name(); got != "amazon_ses" {
		t.Errorf("Name(): got %q, want %q", got, "amazon_ses")
	}
}

func TestDeliver_SimpleTextEmail(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{}
	m := NewWithClient(mock, "")

	res, err := m.Deliver(context.Background(), message())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if mock.callCount != 1 {
		t.Errorf("call count: got %d, want 1", mock.callCount)
	}
	if res.MessageID != "test-message-id" {
		t.Errorf("MessageID: got %q, want %q", res.MessageID, "test-message-id")
	}
	if res.Provider != "amazon_ses" {
		t.Errorf("Provider: got %q, want %q", res.Provider, "amazon_ses")
	}

	input := mock.lastInput
	if got := aws.ToString(input.FromEmailAddress); got != "sender@example.com" {
		t.Errorf("FromEmailAddress: got %q, want %q", got, "sender@example.com")
	}
	if input.Content.Simple == nil {
		t.Fatal("expected simple content")
	}
	if input.Content.Raw != nil {
		t.Error("raw content should be nil for a plain email")
	}
	if got := aws.ToString(input.Content.Simple.Subject.Data); got != "Test Subject" {
		t.Errorf("Subject: got %q, want %q", got, "Test Subject")
	}
	if got := aws.ToString(input.Content.Simple.Body.Text.Data); got != "Hello, World!" {
		t.Errorf("Text body: got %q, want %q", got, "Hello, World!")
	}
	if input.Content.Simple.Body.Html != nil {
		t.Error("Html body should be nil")
	}
	if input.ConfigurationSetName != nil {
		t.Errorf("ConfigurationSetName: got %q, want nil", aws.ToString(input.ConfigurationSetName))
	}
}

func TestDeliver_HTMLAndText(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{}
	m := NewWithClient(mock, "")

	if _, err := m.Deliver(context.Background(), message().WithHTML("<h1>Hello</h1>")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	body := mock.lastInput.Content.Simple.Body
	if body.Html == nil || aws.ToString(body.Html.Data) != "<h1>Hello</h1>" {
		t.Errorf("Html body: got %v", body.Html)
	}
	if got := aws.ToString(body.Html.Charset); got != "UTF-8" {
		t.Errorf("Charset: got %q, want UTF-8", got)
	}
	if body.Text == nil {
		t.Error("Text body should be set")
	}
}

func TestDeliver_Recipients(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{}
	m := NewWithClient(mock, "")

	e := message().
		WithFrom(email.Address{Name: "Sender", Email: "sender@example.com"}).
		AddTo(email.Addr("to2@example.com")).
		AddCc(email.Addr("cc@example.com")).
		AddBcc(email.Addr("bcc@bücher.example")).
		AddReplyTo(email.Addr("reply@example.com"))

	if _, err := m.Deliver(context.Background(), e); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	input := mock.lastInput
	if got := aws.ToString(input.FromEmailAddress); got != `"Sender" <sender@example.com>` {
		t.Errorf("FromEmailAddress: got %q", got)
	}
	dest := input.Destination
	if strings.Join(dest.ToAddresses, ",") != "to@example.com,to2@example.com" {
		t.Errorf("ToAddresses: got %v", dest.ToAddresses)
	}
	if strings.Join(dest.CcAddresses, ",") != "cc@example.com" {
		t.Errorf("CcAddresses: got %v", dest.CcAddresses)
	}
	if strings.Join(dest.BccAddresses, ",") != "bcc@xn--bcher-kva.example" {
		t.Errorf("BccAddresses: got %v", dest.BccAddresses)
	}
	if strings.Join(input.ReplyToAddresses, ",") != "reply@example.com" {
		t.Errorf("ReplyToAddresses: got %v", input.ReplyToAddresses)
	}
}

func TestDeliver_WithAttachments(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{}
	m := NewWithClient(mock, "")

	e := message().WithAttachment(email.AttachmentFromBytes("report.pdf", []byte("pdf data")))
	if _, err := m.Deliver(context.Background(), e); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	input := mock.lastInput
	if input.Content.Raw == nil {
		t.Fatal("expected raw content for email with attachments")
	}
	if input.Content.Simple != nil {
		t.Error("simple content should be nil when raw content is used")
	}
	raw := string(input.Content.Raw.Data)
	for _, want := range []string{"multipart/mixed", `filename="report.pdf"`, "Subject: Test Subject"} {
		if !strings.Contains(raw, want) {
			t.Errorf("raw message missing %q", want)
		}
	}
	if strings.Contains(raw, "Bcc:") {
		t.Error("raw message should not carry a Bcc header")
	}
}

func TestDeliver_CustomHeaderUsesRaw(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{}
	m := NewWithClient(mock, "")

	if _, err := m.Deliver(context.Background(), message().WithHeader("X-Campaign", "spring")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mock.lastInput.Content.Raw == nil {
		t.Fatal("expected raw content for email with custom headers")
	}
	if !strings.Contains(string(mock.lastInput.Content.Raw.Data), "X-Campaign: spring") {
		t.Error("raw message missing custom header")
	}
}

func TestDeliver_ConfigurationSet(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		config  string
		option  any
		want    string
		wantNil bool
	}{
		{name: "from config", config: "default-set", want: "default-set"},
		{name: "option overrides config", config: "default-set", option: "campaign-set", want: "campaign-set"},
		{name: "unset", wantNil: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			mock := &mockSESClient{}
			m := NewWithClient(mock, tt.config)

			e := message()
			if tt.option != nil {
				e = e.WithOption("configuration_set_name", tt.option)
			}
			if _, err := m.Deliver(context.Background(), e); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			got := mock.lastInput.ConfigurationSetName
			if tt.wantNil {
				if got != nil {
					t.Errorf("ConfigurationSetName: got %q, want nil", aws.ToString(got))
				}
				return
			}
			if aws.ToString(got) != tt.want {
				t.Errorf("ConfigurationSetName: got %q, want %q", aws.ToString(got), tt.want)
			}
		})
	}
}

func TestDeliver_Tags(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		tags any
		want string
	}{
		{name: "slice", tags: []Tag{{Name: "env", Value: "prod"}, {Name: "app", Value: "web"}}, want: "env=prod,app=web"},
		{name: "map sorted by name", tags: map[string]string{"env": "prod", "app": "web"}, want: "app=web,env=prod"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			mock := &mockSESClient{}
			m := NewWithClient(mock, "")

			if _, err := m.Deliver(context.Background(), message().WithOption("tags", tt.tags)); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			var got []string
			for _, tag := range mock.lastInput.EmailTags {
				got = append(got, aws.ToString(tag.Name)+"="+aws.ToString(tag.Value))
			}
			if strings.Join(got, ",") != tt.want {
				t.Errorf("EmailTags: got %v, want %s", got, tt.want)
			}
		})
	}
}

func TestDeliver_InvalidOptions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		key   string
		value any
	}{
		{name: "configuration set not a string", key: "configuration_set_name", value: 42},
		{name: "tags of wrong type", key: "tags", value: []string{"env"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			mock := &mockSESClient{}
			m := NewWithClient(mock, "")

			_, err := m.Deliver(context.Background(), message().WithOption(tt.key, tt.value))
			if !errors.Is(err, mailerr.ErrProvider) {
				t.Fatalf("got %v, want provider error", err)
			}
			if mock.callCount != 0 {
				t.Errorf("call count: got %d, want 0", mock.callCount)
			}
		})
	}
}

func TestDeliver_MissingFrom(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{}
	m := NewWithClient(mock, "")

	e := message()
	e.From = nil
	_, err := m.Deliver(context.Background(), e)
	if !errors.Is(err, mailerr.ErrMissingField) {
		t.Fatalf("got %v, want missing field error", err)
	}
	if mock.callCount != 0 {
		t.Errorf("call count: got %d, want 0", mock.callCount)
	}
}

func TestDeliver_ErrorNotRetried(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{
		sendFn: func(_ context.Context, _ *sesv2.SendEmailInput, _ ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
			return nil, errors.New("throttled")
		},
	}
	m := NewWithClient(mock, "")

	_, err := m.Deliver(context.Background(), message())
	if !errors.Is(err, mailerr.ErrProvider) {
		t.Fatalf("got %v, want provider error", err)
	}
	if mock.callCount != 1 {
		t.Errorf("call count: got %d, want 1", mock.callCount)
	}

	var me *mailerr.Error
	if !errors.As(err, &me) || me.Provider != "amazon_ses" {
		t.Errorf("Provider: got %+v", me)
	}
}

func TestRecipientLimit(t *testing.T) {
	t.Parallel()

	e := message()
	for i := range MaxRecipients {
		e = e.AddBcc(email.Addr(fmt.Sprintf("user%d@example.com", i)))
	}

	mock := &mockSESClient{}
	m := NewWithClient(mock, "")

	_, err := m.Deliver(context.Background(), e)
	if !errors.Is(err, mailerr.ErrProvider) {
		t.Fatalf("got %v, want provider error", err)
	}
	if !strings.Contains(err.Error(), "51 recipients exceed the limit of 50") {
		t.Errorf("error: got %q", err.Error())
	}
	if mock.callCount != 0 {
		t.Errorf("call count: got %d, want 0", mock.callCount)
	}
}

func TestDeliverMany_RecipientLimitFailsOnlyThatEmail(t *testing.T) {
	t.Parallel()

	big := message()
	for i := range MaxRecipients + 2 {
		big = big.AddBcc(email.Addr(fmt.Sprintf("user%d@example.com", i)))
	}

	mock := &mockSESClient{}
	m := NewWithClient(mock, "")

	results := mailer.DeliverMany(context.Background(), m, []email.Email{message(), big, message()})
	if len(results) != 3 {
		t.Fatalf("results: got %d, want 3", len(results))
	}
	if results[0].Err != nil || results[2].Err != nil {
		t.Errorf("neighbours should succeed: got %v, %v", results[0].Err, results[2].Err)
	}
	if !errors.Is(results[1].Err, mailerr.ErrProvider) {
		t.Errorf("results[1]: got %v, want provider error", results[1].Err)
	}
	if mock.callCount != 2 {
		t.Errorf("call count: got %d, want 2", mock.callCount)
	}
}

func TestClassifyError(t *testing.T) {
	t.Parallel()

	t.Run("api error", func(t *testing.T) {
		t.Parallel()

		err := classifyError(&smithy.GenericAPIError{Code: "MessageRejected", Message: "Email address is not verified."})

		var me *mailerr.Error
		if !errors.As(err, &me) {
			t.Fatalf("got %T, want *mailerr.Error", err)
		}
		if me.Message != "MessageRejected: Email address is not verified." {
			t.Errorf("Message: got %q", me.Message)
		}
		if me.Status != 0 {
			t.Errorf("Status: got %d, want 0", me.Status)
		}
	})

	t.Run("http status", func(t *testing.T) {
		t.Parallel()

		err := classifyError(&awshttp.ResponseError{
			ResponseError: &smithyhttp.ResponseError{
				Response: &smithyhttp.Response{Response: &http.Response{StatusCode: http.StatusBadRequest}},
				Err:      &smithy.GenericAPIError{Code: "BadRequestException", Message: "bad input"},
			},
		})

		var me *mailerr.Error
		if !errors.As(err, &me) {
			t.Fatalf("got %T, want *mailerr.Error", err)
		}
		if me.Status != http.StatusBadRequest {
			t.Errorf("Status: got %d, want %d", me.Status, http.StatusBadRequest)
		}
		if me.Message != "BadRequestException: bad input" {
			t.Errorf("Message: got %q", me.Message)
		}
	})
}

func TestBuildSimpleMessage_HTMLOnly(t *testing.T) {
	t.Parallel()

	msg := buildSimpleMessage(email.New().WithSubject("HTML Only").WithHTML("<p>HTML only</p>"))

	if msg.Body.Text != nil {
		t.Error("Text body should be nil for HTML-only email")
	}
	if got := aws.ToString(msg.Body.Html.Data); got != "<p>HTML only</p>" {
		t.Errorf("Html body: got %q", got)
	}
}

func TestRegistered(t *testing.T) {
	t.Parallel()

	b, ok := mailer.DefaultRegistry().Lookup(mailer.KindSES)
	if !ok {
		t.Fatal("amazon_ses not registered")
	}
	if b.Kind != mailer.KindSES {
		t.Errorf("Kind: got %q, want %q", b.Kind, mailer.KindSES)
	}
}
