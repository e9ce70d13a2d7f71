// Package s3 stores blobs in AWS S3 or an S3-compatible object store.
package s3

// Config configures an S3 blob backend.
//
// Credentials follow the AWS SDK v2 default chain (environment, shared
// config and credentials files, instance or task roles) unless AccessKeyID
// and SecretAccessKey are both set.
//
// For AWS itself an empty Region falls back to us-east-1 once env and profile
// resolution come up empty. With a custom Endpoint no default region is
// applied. S3-compatible stores (MinIO, Wasabi, moto) usually also need
// ForcePathStyle.
type Config struct {
	Bucket string

	// Prefix namespaces every key, e.g. "gofielding/prod". Optional.
	Prefix string

	Region   string
	Endpoint string
	Profile  string

	AccessKeyID     string
	SecretAccessKey string

	ForcePathStyle bool

	// MaxKeys is the List page size. Zero means DefaultMaxKeys; values over
	// MaxAllowedKeys are clamped.
	MaxKeys int
}

const (
	DefaultMaxKeys   = 1000
	MaxAllowedKeys   = 1000
	DefaultAWSRegion = "us-east-1"
)

func (c *Config) Validate() error {
	if c.Bucket == "" {
		return &ConfigError{Field: "Bucket", Message: "bucket name is required"}
	}
	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return &ConfigError{
			Field:   "AccessKeyID/SecretAccessKey",
			Message: "both access key ID and secret access key must be provided together",
		}
	}
	return nil
}

// ConfigError reports an invalid Config field.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "s3 config: " + e.Field + ": " + e.Message
}
