package main

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/sirupsen/logrus"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq"

	"github.com/plantmate/garden/core/blobstore"
	"github.com/plantmate/garden/core/csql"
	"github.com/plantmate/garden/core/garden"
	"github.com/plantmate/garden/core/logger"
)

// Service holds the configuration for this service
//
// use POSTGRES="host=localhost port=5432 user=postgres dbname=postgres sslmode=disable"
// and POSTGRES_PASSWORD="docker"
type Service struct {
	Postgres           string `env:"POSTGRES,required" description:"the connection string for the Postgres DB without password"`
	PostgresPassword   string `env:"POSTGRES_PASSWORD,optional" description:"password to the Postgres DB"`
	Schema             string `env:"SCHEMA,default=garden" description:"the database schema"`
	Port               string `env:"PORT,default=3000" description:"the port to listen on"`
	SecretKey          string `env:"SECRET_KEY,required" description:"the shared JWT signing secret of the auth service"`
	Algorithm          string `env:"ALGORITHM,default=HS256" description:"the accepted JWT signing algorithm"`
	AllowedOrigins     string `env:"ALLOWED_ORIGINS,optional" description:"comma separated list of origins allowed for cross-origin access"`
	PresignImages      bool   `env:"PRESIGN_IMAGES,default=false" description:"return pre-signed image URLs from /api/s3photos"`
	BlobDriver         string `env:"BLOB_DRIVER,default=s3" description:"blob storage driver, s3 or local"`
	AWSRegion          string `env:"AWS_REGION,optional" description:"the S3 region"`
	AWSBucket          string `env:"AWS_S3_BUCKET,optional" description:"the S3 bucket with the plant photos"`
	AWSAccessKeyID     string `env:"AWS_ACCESS_KEY_ID,optional" description:"S3 access key id, default credential chain when unset"`
	AWSSecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY,optional" description:"S3 secret access key"`
	LocalBlobPath      string `env:"LOCAL_BLOB_PATH,default=./blobs" description:"base folder for the local blob driver"`
	PublicURL          string `env:"PUBLIC_URL,default=http://localhost:3000" description:"public URL of this service, used by the local blob driver"`
	KafkaBrokers       string `env:"KAFKA_BROKERS,optional" description:"comma separated kafka brokers, enables placement notifications"`
	KafkaTopic         string `env:"KAFKA_TOPIC,default=garden.placement" description:"topic for placement notifications"`
	SQSUploadQueue     string `env:"SQS_UPLOAD_QUEUE,optional" description:"SQS queue URL receiving s3 bucket notifications, enables the upload listener"`
}

func main() {
	logger.InitLogger(logrus.DebugLevel)
	rlog := logger.Default()

	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}

	db := csql.OpenWithSchema(service.Postgres, service.PostgresPassword, service.Schema)
	defer db.Close()

	blob := mustNewBlobDriver(service)

	var notifier *garden.Notifier
	if service.KafkaBrokers != "" {
		notifier = garden.NewNotifier(strings.Split(service.KafkaBrokers, ","), service.KafkaTopic)
		defer notifier.Close()
	}

	var allowedOrigins []string
	if service.AllowedOrigins != "" {
		allowedOrigins = strings.Split(service.AllowedOrigins, ",")
	}

	router := mux.NewRouter()
	api := garden.MustNewAPI(&garden.Builder{
		DB:             db,
		Router:         router,
		Blob:           blob,
		JwtSecret:      service.SecretKey,
		JwtAlgorithm:   service.Algorithm,
		AllowedOrigins: allowedOrigins,
		PresignImages:  service.PresignImages,
		Notifier:       notifier,
	})

	if service.SQSUploadQueue != "" {
		listener, err := blobstore.NewUploadListener(s3Configuration(service), service.SQSUploadQueue,
			func(ctx context.Context, key string) {
				userID, plantID, ok := garden.ParseUploadKey(key)
				if !ok {
					return
				}
				err := api.Store().RecordUpload(ctx, userID, plantID, time.Now().UTC())
				if err != nil {
					logger.FromContext(ctx).WithError(err).Errorln("cannot record notified upload", key)
				}
			})
		if err != nil {
			panic(err)
		}
		go listener.Run(context.Background())
	}

	rlog.Infoln("listen on port :" + service.Port)
	http.ListenAndServe(":"+service.Port, router)
}

func s3Configuration(service *Service) blobstore.S3Configuration {
	return blobstore.S3Configuration{
		AWSRegion:     service.AWSRegion,
		AWSBucketName: service.AWSBucket,
		AccessID:      service.AWSAccessKeyID,
		AccessKey:     service.AWSSecretAccessKey,
	}
}

func mustNewBlobDriver(service *Service) blobstore.Driver {
	switch blobstore.DriverType(service.BlobDriver) {
	case blobstore.DriverTypeAWSS3:
		if service.AWSRegion == "" || service.AWSBucket == "" {
			panic("AWS_REGION and AWS_S3_BUCKET are required for the s3 blob driver")
		}
		blob, err := blobstore.NewS3(s3Configuration(service))
		if err != nil {
			panic(err)
		}
		return blob
	case blobstore.DriverTypeLocal:
		publicURL, err := url.Parse(service.PublicURL)
		if err != nil {
			panic(err)
		}
		blob, err := blobstore.NewLocalFilesystem(service.LocalBlobPath, *publicURL)
		if err != nil {
			panic(err)
		}
		return blob
	}
	panic("unknown blob driver " + service.BlobDriver)
}
