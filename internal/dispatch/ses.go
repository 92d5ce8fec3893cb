package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"

	"github.com/ignite/automation-engine/internal/pkg/logger"
)

// ErrPermanent marks a delivery failure that retrying cannot fix: a
// rejected message, an unverified sender, a malformed request. Callers
// check it with errors.Is; anything else is treated as transient.
var ErrPermanent = errors.New("permanent delivery failure")

// SESDispatcher sends emails via AWS SES using the SDK v2.
type SESDispatcher struct {
	region string
	client *sesv2.Client
}

// NewSESDispatcher creates an SES dispatcher. Initializes the AWS SDK
// client if credentials are provided.
func NewSESDispatcher(accessKey, secretKey, region string) *SESDispatcher {
	if region == "" {
		region = "us-east-1"
	}

	d := &SESDispatcher{region: region}

	if accessKey != "" && secretKey != "" {
		cfg, err := awsconfig.LoadDefaultConfig(context.Background(),
			awsconfig.WithRegion(region),
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
		)
		if err != nil {
			log.Printf("[SES] Warning: Failed to initialize AWS config: %v", err)
		} else {
			d.client = sesv2.NewFromConfig(cfg)
		}
	}

	return d
}

// Send delivers a single email through AWS SES.
func (d *SESDispatcher) Send(ctx context.Context, msg *Message) (*Result, error) {
	if d.client == nil {
		return nil, fmt.Errorf("%w: SES client not initialized - check credentials", ErrPermanent)
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(fmt.Sprintf("%s <%s>", msg.FromName, msg.FromEmail)),
		Destination:      &types.Destination{ToAddresses: []string{msg.To}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(msg.HTMLBody), Charset: aws.String("UTF-8")},
				},
			},
		},
		EmailTags: []types.MessageTag{
			{Name: aws.String("enrollment_id"), Value: aws.String(msg.EnrollmentID)},
			{Name: aws.String("subscriber_id"), Value: aws.String(msg.SubscriberID)},
		},
	}

	if msg.TextBody != "" {
		input.Content.Simple.Body.Text = &types.Content{Data: aws.String(msg.TextBody), Charset: aws.String("UTF-8")}
	}
	if msg.ReplyTo != "" {
		input.ReplyToAddresses = []string{msg.ReplyTo}
	}

	result, err := d.client.SendEmail(ctx, input)
	if err != nil {
		log.Printf("[SES] Failed to send to %s: %v", logger.RedactEmail(msg.To), err)
		return nil, classifySESErr(err)
	}

	messageID := ""
	if result.MessageId != nil {
		messageID = *result.MessageId
	}

	log.Printf("[SES] Sent to %s (id: %s)", logger.RedactEmail(msg.To), messageID)

	return &Result{
		MessageID: messageID,
		Provider:  "ses",
		SentAt:    time.Now(),
	}, nil
}

// classifySESErr separates failures that retrying cannot fix from the
// throttles and transport errors that it can. Unrecognized API errors stay
// transient; a spurious retry is cheaper than a wrongly dead-lettered
// enrollment.
func classifySESErr(err error) error {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	switch apiErr.ErrorCode() {
	case "MessageRejected", "BadRequestException", "MailFromDomainNotVerifiedException", "AccountSuspendedException":
		return fmt.Errorf("%w: %s: %s", ErrPermanent, apiErr.ErrorCode(), apiErr.ErrorMessage())
	case "TooManyRequestsException", "LimitExceededException", "SendingPausedException":
		return err
	}
	return err
}
