package email

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
)

// SESSender delivers mail through the AWS SES v2 API.
type SESSender struct {
	client *sesv2.Client
	from   string
}

// NewSESSender creates an SES sender with static credentials.
func NewSESSender(ctx context.Context, region, accessKey, secretKey, from string) (*SESSender, error) {
	creds := credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(creds),
	)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return &SESSender{client: sesv2.NewFromConfig(awsCfg), from: from}, nil
}

// Send implements Sender. SES API failures carry no SMTP reply code; hard
// bounces arrive asynchronously and are handled out of band, so every error
// here is treated as a soft per-recipient failure.
func (s *SESSender) Send(ctx context.Context, to, subject, htmlBody string, headers []Header) error {
	msgHeaders := make([]types.MessageHeader, 0, len(headers))
	for _, h := range headers {
		msgHeaders = append(msgHeaders, types.MessageHeader{
			Name:  aws.String(h.Name),
			Value: aws.String(h.Value),
		})
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(s.from),
		Destination: &types.Destination{
			ToAddresses: []string{to},
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(htmlBody), Charset: aws.String("UTF-8")},
				},
				Headers: msgHeaders,
			},
		},
	}

	if _, err := s.client.SendEmail(ctx, input); err != nil {
		return &SendError{Err: err}
	}
	return nil
}
