package blobstore

import (
	"context"
	"net/url"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/goccy/go-json"

	"github.com/plantmate/garden/core/logger"
)

// UploadListener consumes s3:ObjectCreated bucket notifications from an SQS
// queue. This is how the backend learns that a client has finished an upload
// through a pre-signed PUT URL.
type UploadListener struct {
	client   *sqs.Client
	queueURL string
	callback func(ctx context.Context, key string)
}

// NewUploadListener returns a new UploadListener for the given queue URL.
// The callback is invoked once per created object key.
func NewUploadListener(s3Config S3Configuration, queueURL string, callback func(ctx context.Context, key string)) (*UploadListener, error) {
	options := []func(*config.LoadOptions) error{
		config.WithRegion(s3Config.AWSRegion),
	}
	if s3Config.AccessID != "" {
		options = append(options,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(s3Config.AccessID, s3Config.AccessKey, "")))
	}
	awsConfig, err := config.LoadDefaultConfig(context.TODO(), options...)
	if err != nil {
		return nil, err
	}
	logger.Default().Debugln("blobstore upload listener enabled:", queueURL)
	return &UploadListener{
		client:   sqs.NewFromConfig(awsConfig),
		queueURL: queueURL,
		callback: callback,
	}, nil
}

// s3 bucket notification message, reduced to the parts we read
type s3EventMessage struct {
	Records []struct {
		EventName string `json:"eventName"`
		S3        struct {
			Object struct {
				Key string `json:"key"`
			} `json:"object"`
		} `json:"s3"`
	} `json:"Records"`
}

// Run receives messages until the context is cancelled. Receive errors are
// logged and retried after a short pause.
func (l *UploadListener) Run(ctx context.Context) {
	rlog := logger.Default()
	for {
		if ctx.Err() != nil {
			return
		}
		resp, err := l.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(l.queueURL),
			MaxNumberOfMessages: 10,
			WaitTimeSeconds:     20,
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			rlog.WithError(err).Errorln("cannot receive from upload queue")
			time.Sleep(5 * time.Second)
			continue
		}
		for _, message := range resp.Messages {
			l.handleMessage(ctx, aws.ToString(message.Body))
			_, err = l.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
				QueueUrl:      aws.String(l.queueURL),
				ReceiptHandle: message.ReceiptHandle,
			})
			if err != nil {
				rlog.WithError(err).Errorln("cannot delete message from upload queue")
			}
		}
	}
}

func (l *UploadListener) handleMessage(ctx context.Context, body string) {
	rlog := logger.Default()
	var event s3EventMessage
	if err := json.Unmarshal([]byte(body), &event); err != nil {
		rlog.WithError(err).Warningln("ignoring malformed upload notification")
		return
	}
	for _, record := range event.Records {
		// keys arrive URL-encoded in bucket notifications
		key, err := url.QueryUnescape(record.S3.Object.Key)
		if err != nil {
			rlog.WithError(err).Warningln("ignoring notification with malformed key:", record.S3.Object.Key)
			continue
		}
		l.callback(ctx, key)
	}
}
