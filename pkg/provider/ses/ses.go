// Package ses implements a backend that sends emails via AWS SES v2.
//
// Emails without attachments or custom headers use SES simple content;
// everything else is rendered to a raw MIME message. Provider options:
//
//	configuration_set_name  string, overrides SES_CONFIGURATION_SET
//	tags                    []ses.Tag or map[string]string
package ses

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"

	"github.com/shineum/mailkit/internal/mimebuild"
	"github.com/shineum/mailkit/pkg/email"
	"github.com/shineum/mailkit/pkg/mailer"
	"github.com/shineum/mailkit/pkg/mailerr"
)

// MaxRecipients is the SES limit on to+cc+bcc per message.
const MaxRecipients = 50

// EnvConfigurationSet names the default configuration set.
const EnvConfigurationSet = "SES_CONFIGURATION_SET"

const name = mailer.KindSES

func init() {
	mailer.Register(mailer.Backend{
		Kind: mailer.KindSES,
		New: func(ctx context.Context, env mailer.Env) (mailer.Mailer, error) {
			get := func(key string) string {
				v, _ := env.Lookup(key)
				return strings.TrimSpace(v)
			}
			m, err := New(ctx, Config{
				Region:           get("AWS_REGION"),
				AccessKeyID:      get("AWS_ACCESS_KEY_ID"),
				SecretAccessKey:  get("AWS_SECRET_ACCESS_KEY"),
				ConfigurationSet: get(EnvConfigurationSet),
			})
			if err != nil {
				return nil, err
			}
			return m, nil
		},
	})
}

// Config holds the configuration for creating a Mailer.
type Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	// ConfigurationSet is applied to every email unless overridden by the
	// configuration_set_name option.
	ConfigurationSet string
}

// Tag is an SES message tag.
type Tag struct {
	Name  string
	Value string
}

// SendEmailAPI is the interface for the SES v2 SendEmail operation.
// Used for testing with mock implementations.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// Mailer sends emails via the AWS SES v2 API.
type Mailer struct {
	client           SendEmailAPI
	configurationSet string
}

var _ mailer.Mailer = (*Mailer)(nil)

// New creates a Mailer. Static credentials are used when both keys are set,
// otherwise the default AWS credential chain applies.
func New(ctx context.Context, cfg Config) (*Mailer, error) {
	var opts []func(*awsconfig.LoadOptions) error

	opts = append(opts, awsconfig.WithRegion(cfg.Region))

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, mailerr.Configuration(fmt.Sprintf("failed to load AWS config: %v", err))
	}

	return NewWithClient(sesv2.NewFromConfig(awsCfg), cfg.ConfigurationSet), nil
}

// NewWithClient creates a Mailer with a custom client, used for testing.
func NewWithClient(client SendEmailAPI, configurationSet string) *Mailer {
	return &Mailer{client: client, configurationSet: configurationSet}
}

// Name implements mailer.Mailer.
func (m *Mailer) Name() string {
	return name
}

func recipientLimit(e email.Email) string {
	if n := len(e.Recipients()); n > MaxRecipients {
		return fmt.Sprintf("%d recipients exceed the limit of %d per message", n, MaxRecipients)
	}
	return ""
}

// Deliver implements mailer.Mailer.
func (m *Mailer) Deliver(ctx context.Context, e email.Email) (*mailer.DeliveryResult, error) {
	if e.From == nil {
		return nil, mailerr.MissingField("from")
	}
	if msg := recipientLimit(e); msg != "" {
		return nil, mailerr.Provider(name, msg)
	}

	input, err := m.buildInput(e)
	if err != nil {
		return nil, err
	}

	out, err := m.client.SendEmail(ctx, input)
	if err != nil {
		return nil, classifyError(err)
	}

	return &mailer.DeliveryResult{
		MessageID: aws.ToString(out.MessageId),
		Provider:  name,
		Response:  out,
	}, nil
}

func (m *Mailer) buildInput(e email.Email) (*sesv2.SendEmailInput, error) {
	from, err := mimebuild.FormatAddress(*e.From)
	if err != nil {
		return nil, err
	}
	dest, err := destination(e)
	if err != nil {
		return nil, err
	}
	replyTo, err := asciiList(e.ReplyTo)
	if err != nil {
		return nil, err
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination:      dest,
		ReplyToAddresses: replyTo,
	}

	if len(e.Attachments) == 0 && len(e.Headers) == 0 {
		input.Content = &types.EmailContent{Simple: buildSimpleMessage(e)}
	} else {
		raw, err := mimebuild.Render(e, mimebuild.Options{})
		if err != nil {
			return nil, err
		}
		input.Content = &types.EmailContent{Raw: &types.RawMessage{Data: raw}}
	}

	configSet := m.configurationSet
	if v, ok := e.Option("configuration_set_name"); ok {
		s, ok := v.(string)
		if !ok {
			return nil, mailerr.Provider(name, fmt.Sprintf("configuration_set_name must be a string, got %T", v))
		}
		configSet = s
	}
	if configSet != "" {
		input.ConfigurationSetName = aws.String(configSet)
	}

	if v, ok := e.Option("tags"); ok {
		tags, err := messageTags(v)
		if err != nil {
			return nil, err
		}
		input.EmailTags = tags
	}

	return input, nil
}

// buildSimpleMessage creates SES simple content for emails without
// attachments.
func buildSimpleMessage(e email.Email) *types.Message {
	body := &types.Body{}

	if e.HTMLBody != "" {
		body.Html = &types.Content{
			Data:    aws.String(e.HTMLBody),
			Charset: aws.String("UTF-8"),
		}
	}
	if e.TextBody != "" {
		body.Text = &types.Content{
			Data:    aws.String(e.TextBody),
			Charset: aws.String("UTF-8"),
		}
	}

	return &types.Message{
		Subject: &types.Content{
			Data:    aws.String(e.Subject),
			Charset: aws.String("UTF-8"),
		},
		Body: body,
	}
}

func destination(e email.Email) (*types.Destination, error) {
	to, err := asciiList(e.To)
	if err != nil {
		return nil, err
	}
	cc, err := asciiList(e.Cc)
	if err != nil {
		return nil, err
	}
	bcc, err := asciiList(e.Bcc)
	if err != nil {
		return nil, err
	}
	return &types.Destination{ToAddresses: to, CcAddresses: cc, BccAddresses: bcc}, nil
}

func asciiList(addrs []email.Address) ([]string, error) {
	if len(addrs) == 0 {
		return nil, nil
	}
	out := make([]string, len(addrs))
	for i, a := range addrs {
		s, err := mimebuild.FormatAddress(a)
		if err != nil {
			return nil, err
		}
		out[i] = s
	}
	return out, nil
}

func messageTags(v any) ([]types.MessageTag, error) {
	var tags []Tag
	switch t := v.(type) {
	case []Tag:
		tags = t
	case map[string]string:
		for k, v := range t {
			tags = append(tags, Tag{Name: k, Value: v})
		}
		sort.Slice(tags, func(i, j int) bool { return tags[i].Name < tags[j].Name })
	default:
		return nil, mailerr.Provider(name, fmt.Sprintf("tags must be []ses.Tag or map[string]string, got %T", v))
	}

	out := make([]types.MessageTag, len(tags))
	for i, tag := range tags {
		out[i] = types.MessageTag{Name: aws.String(tag.Name), Value: aws.String(tag.Value)}
	}
	return out, nil
}

// classifyError maps an SES API failure to a provider error carrying the
// HTTP status and SES error code when available.
func classifyError(err error) error {
	e := &mailerr.Error{Kind: mailerr.KindProvider, Provider: name, Message: err.Error(), Err: err}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		e.Message = apiErr.ErrorCode() + ": " + apiErr.ErrorMessage()
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		e.Status = respErr.HTTPStatusCode()
	}
	return e
}
