package checkpoints

import (
	"bytes"
	"context"
	"net/http"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/pkg/errors"
)

// S3Store keeps checkpoints as "<prefix>/<epoch><ext>" objects in a bucket.
type S3Store struct {
	client s3iface.S3API
	bucket string
	prefix string
	codec  Codec
}

func NewS3Store(client s3iface.S3API, bucket, prefix string, codec Codec) *S3Store {
	return &S3Store{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		codec:  codec,
	}
}

// NewS3StoreFromURI opens a store for an "s3://bucket/prefix" URI using the
// default AWS credential chain.
func NewS3StoreFromURI(uri, region string, codec Codec) (*S3Store, error) {
	bucket, prefix, err := ParseS3URI(uri)
	if err != nil {
		return nil, err
	}
	cfg := &aws.Config{}
	if region != "" {
		cfg.Region = aws.String(region)
	}
	sess, err := session.NewSessionWithOptions(session.Options{
		Config:            *cfg,
		SharedConfigState: session.SharedConfigEnable,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create AWS session")
	}
	return NewS3Store(s3.New(sess), bucket, prefix, codec), nil
}

// ParseS3URI splits "s3://bucket/prefix" into its bucket and key prefix.
func ParseS3URI(uri string) (bucket, prefix string, err error) {
	rest, ok := strings.CutPrefix(uri, "s3://")
	if !ok {
		return "", "", errors.Errorf("checkpoint uri %q must start with s3://", uri)
	}
	bucket, prefix, _ = strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", errors.Errorf("checkpoint uri %q has no bucket", uri)
	}
	return bucket, strings.Trim(prefix, "/"), nil
}

func (st *S3Store) key(name string) string {
	if st.prefix == "" {
		return name
	}
	return path.Join(st.prefix, name)
}

func (st *S3Store) Location(epoch int) string {
	return "s3://" + st.bucket + "/" + st.key(checkpointName(epoch, st.codec.Format()))
}

func (st *S3Store) List(ctx context.Context) ([]int, error) {
	listPrefix := ""
	if st.prefix != "" {
		listPrefix = st.prefix + "/"
	}
	index := epochIndex{format: st.codec.Format()}
	var indexErr error
	err := st.client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(st.bucket),
		Prefix: aws.String(listPrefix),
	}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.StringValue(obj.Key), listPrefix)
			if strings.Contains(name, "/") {
				continue
			}
			if indexErr = index.add(name); indexErr != nil {
				return false
			}
		}
		return true
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list s3://%s/%s", st.bucket, listPrefix)
	}
	if indexErr != nil {
		return nil, errors.Wrapf(indexErr, "s3://%s/%s", st.bucket, listPrefix)
	}
	return index.epochs, nil
}

func (st *S3Store) Load(ctx context.Context, epoch int) (*Checkpoint, error) {
	key := st.key(checkpointName(epoch, st.codec.Format()))
	out, err := st.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(st.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, errors.Wrapf(ErrNotFound, "epoch %d at %s", epoch, st.Location(epoch))
		}
		return nil, errors.Wrapf(err, "failed to get %s", st.Location(epoch))
	}
	defer out.Body.Close()

	ck, err := st.codec.Decode(out.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "checkpoint %s", st.Location(epoch))
	}
	if err := validateLoaded(ck, epoch); err != nil {
		return nil, err
	}
	return ck, nil
}

func (st *S3Store) Save(ctx context.Context, ck *Checkpoint) error {
	ck.fillMetadata()
	var buf bytes.Buffer
	if err := st.codec.Encode(&buf, ck); err != nil {
		return err
	}
	return st.put(ctx, st.key(checkpointName(ck.Epoch, st.codec.Format())), buf.Bytes())
}

func (st *S3Store) SaveConfig(ctx context.Context, snapshot []byte) (bool, error) {
	key := st.key(ConfigFileName)
	_, err := st.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(st.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return false, nil
	}
	if !isS3NotFound(err) {
		return false, errors.Wrapf(err, "failed to check s3://%s/%s", st.bucket, key)
	}
	if err := st.put(ctx, key, snapshot); err != nil {
		return false, err
	}
	return true, nil
}

func (st *S3Store) put(ctx context.Context, key string, data []byte) error {
	_, err := st.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(st.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return errors.Wrapf(err, "failed to put s3://%s/%s", st.bucket, key)
	}
	return nil
}

func isS3NotFound(err error) bool {
	var reqErr awserr.RequestFailure
	if errors.As(err, &reqErr) && reqErr.StatusCode() == http.StatusNotFound {
		return true
	}
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return true
		}
	}
	return false
}
