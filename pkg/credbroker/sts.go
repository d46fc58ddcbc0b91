package credbroker

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/common-fate/hubctl/pkg/apierr"
	"github.com/pkg/errors"
)

// Federator obtains fresh credentials for a role in a spoke account.
type Federator interface {
	Federate(ctx context.Context, accountID, roleName string) (Session, error)
}

// STSAPI is the subset of the STS client used for federation.
type STSAPI interface {
	AssumeRole(ctx context.Context, params *sts.AssumeRoleInput, optFns ...func(*sts.Options)) (*sts.AssumeRoleOutput, error)
}

// STSFederator assumes a role in the target account using the hub's credentials.
type STSFederator struct {
	Client STSAPI
	// Partition is used to build role ARNs, "aws" if empty.
	Partition string
	// ExternalID is passed to AssumeRole when set.
	ExternalID string
	// Duration of the assumed role session. The STS default applies if zero.
	Duration time.Duration
	// SessionPrefix prefixes the role session name.
	SessionPrefix string
}

func (f *STSFederator) RoleARN(accountID, roleName string) string {
	partition := f.Partition
	if partition == "" {
		partition = "aws"
	}
	return fmt.Sprintf("arn:%s:iam::%s:role/%s", partition, accountID, roleName)
}

func (f *STSFederator) Federate(ctx context.Context, accountID, roleName string) (Session, error) {
	prefix := f.SessionPrefix
	if prefix == "" {
		prefix = "hubctl"
	}
	roleARN := f.RoleARN(accountID, roleName)
	in := &sts.AssumeRoleInput{
		RoleArn:         aws.String(roleARN),
		RoleSessionName: aws.String(sessionName(prefix)),
	}
	if f.ExternalID != "" {
		in.ExternalId = aws.String(f.ExternalID)
	}
	if f.Duration > 0 {
		in.DurationSeconds = aws.Int32(int32(f.Duration / time.Second))
	}

	out, err := f.Client.AssumeRole(ctx, in)
	if err != nil {
		if apierr.KindOf(err) == apierr.Authorization {
			return Session{}, apierr.NewAuthorization(accountID, errors.Wrapf(err, "assuming %s", roleARN))
		}
		return Session{}, apierr.Classify(accountID, errors.Wrapf(err, "assuming %s", roleARN))
	}
	if out.Credentials == nil {
		return Session{}, errors.Errorf("AssumeRole for %s returned no credentials", roleARN)
	}

	creds := typeCredsToAwsCreds(*out.Credentials, "hubctl-sts")
	return Session{
		AccountID:   accountID,
		RoleName:    roleName,
		RoleARN:     roleARN,
		Credentials: creds,
		Expires:     creds.Expires,
	}, nil
}
