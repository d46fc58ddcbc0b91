// Package credbroker federates into spoke accounts and caches the resulting sessions.
package credbroker

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	ststypes "github.com/aws/aws-sdk-go-v2/service/sts/types"
)

// Session holds federated credentials for one (account, role) pair.
// Sessions are only ever handed out by a Broker and never persisted.
type Session struct {
	AccountID   string
	RoleName    string
	RoleARN     string
	Credentials aws.Credentials
	Expires     time.Time
}

// ValidAt reports whether the session can still be used at now, keeping margin
// in reserve so a session is never used right up to its expiry.
func (s Session) ValidAt(now time.Time, margin time.Duration) bool {
	return !s.Expires.IsZero() && now.Add(margin).Before(s.Expires)
}

// Config returns a copy of base which signs requests with the session's credentials.
func (s Session) Config(base aws.Config) aws.Config {
	cfg := base.Copy()
	cfg.Credentials = &CredProv{s.Credentials}
	return cfg
}

// CredProv implements the aws.CredentialsProvider interface
type CredProv struct{ aws.Credentials }

func (c *CredProv) Retrieve(ctx context.Context) (aws.Credentials, error) {
	return c.Credentials, nil
}

func typeCredsToAwsCreds(c ststypes.Credentials, source string) aws.Credentials {
	return aws.Credentials{
		AccessKeyID:     aws.ToString(c.AccessKeyId),
		SecretAccessKey: aws.ToString(c.SecretAccessKey),
		SessionToken:    aws.ToString(c.SessionToken),
		CanExpire:       true,
		Expires:         aws.ToTime(c.Expiration),
		Source:          source,
	}
}
