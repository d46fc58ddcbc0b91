package operation

import (
	"context"
	"fmt"
	"slices"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/common-fate/hubctl/pkg/apierr"
	"github.com/common-fate/hubctl/pkg/credbroker"
	"github.com/common-fate/hubctl/pkg/inventory"
)

// IAMAPI is the subset of the IAM client used by DeleteRole.
type IAMAPI interface {
	GetRole(ctx context.Context, params *iam.GetRoleInput, optFns ...func(*iam.Options)) (*iam.GetRoleOutput, error)
	DetachRolePolicy(ctx context.Context, params *iam.DetachRolePolicyInput, optFns ...func(*iam.Options)) (*iam.DetachRolePolicyOutput, error)
	DeleteRolePolicy(ctx context.Context, params *iam.DeleteRolePolicyInput, optFns ...func(*iam.Options)) (*iam.DeleteRolePolicyOutput, error)
	RemoveRoleFromInstanceProfile(ctx context.Context, params *iam.RemoveRoleFromInstanceProfileInput, optFns ...func(*iam.Options)) (*iam.RemoveRoleFromInstanceProfileOutput, error)
	DeleteRole(ctx context.Context, params *iam.DeleteRoleInput, optFns ...func(*iam.Options)) (*iam.DeleteRoleOutput, error)
	iam.ListAttachedRolePoliciesAPIClient
	iam.ListRolePoliciesAPIClient
	iam.ListInstanceProfilesForRoleAPIClient
}

// DeleteRole removes an IAM role from each spoke account, first detaching
// everything that would otherwise make DeleteRole fail.
type DeleteRole struct {
	RoleName string
	// Protected roles are never deleted, such as the role used for federation.
	Protected []string
	Base      aws.Config
	NewClient func(cfg aws.Config) IAMAPI
}

func NewDeleteRole(base aws.Config, roleName string, protected ...string) *DeleteRole {
	return &DeleteRole{
		RoleName:  roleName,
		Protected: protected,
		Base:      base,
		NewClient: func(cfg aws.Config) IAMAPI { return iam.NewFromConfig(cfg) },
	}
}

func (o *DeleteRole) Name() string { return "resource-delete" }

func (o *DeleteRole) Validate() error {
	if o.RoleName == "" {
		return apierr.Validationf("%s requires a role name", o.Name())
	}
	if slices.Contains(o.Protected, o.RoleName) {
		return apierr.Validationf("refusing to delete protected role %s", o.RoleName)
	}
	if o.NewClient == nil {
		return apierr.Validationf("%s has no IAM client factory", o.Name())
	}
	return nil
}

func (o *DeleteRole) DryRun(ctx context.Context, account inventory.AccountRecord) (string, error) {
	return fmt.Sprintf("would delete IAM role %s in %s, detaching its policies and instance profiles", o.RoleName, account.ID), nil
}

func (o *DeleteRole) Apply(ctx context.Context, account inventory.AccountRecord, session credbroker.Session) (Result, error) {
	client := o.NewClient(session.Config(o.Base))
	role := aws.String(o.RoleName)

	_, err := client.GetRole(ctx, &iam.GetRoleInput{RoleName: role})
	if apierr.Is(err, apierr.NotFound) {
		return Skip(fmt.Sprintf("role %s does not exist", o.RoleName)), nil
	}
	if err != nil {
		return Result{}, err
	}

	var detached, inline, profiles int

	attached := iam.NewListAttachedRolePoliciesPaginator(client, &iam.ListAttachedRolePoliciesInput{RoleName: role})
	for attached.HasMorePages() {
		page, err := attached.NextPage(ctx)
		if err != nil {
			return Result{}, err
		}
		for _, p := range page.AttachedPolicies {
			if _, err := client.DetachRolePolicy(ctx, &iam.DetachRolePolicyInput{RoleName: role, PolicyArn: p.PolicyArn}); err != nil && !apierr.Is(err, apierr.NotFound) {
				return Result{}, err
			}
			detached++
		}
	}

	policies := iam.NewListRolePoliciesPaginator(client, &iam.ListRolePoliciesInput{RoleName: role})
	for policies.HasMorePages() {
		page, err := policies.NextPage(ctx)
		if err != nil {
			return Result{}, err
		}
		for _, name := range page.PolicyNames {
			if _, err := client.DeleteRolePolicy(ctx, &iam.DeleteRolePolicyInput{RoleName: role, PolicyName: aws.String(name)}); err != nil && !apierr.Is(err, apierr.NotFound) {
				return Result{}, err
			}
			inline++
		}
	}

	instanceProfiles := iam.NewListInstanceProfilesForRolePaginator(client, &iam.ListInstanceProfilesForRoleInput{RoleName: role})
	for instanceProfiles.HasMorePages() {
		page, err := instanceProfiles.NextPage(ctx)
		if err != nil {
			return Result{}, err
		}
		for _, ip := range page.InstanceProfiles {
			if _, err := client.RemoveRoleFromInstanceProfile(ctx, &iam.RemoveRoleFromInstanceProfileInput{RoleName: role, InstanceProfileName: ip.InstanceProfileName}); err != nil && !apierr.Is(err, apierr.NotFound) {
				return Result{}, err
			}
			profiles++
		}
	}

	if _, err := client.DeleteRole(ctx, &iam.DeleteRoleInput{RoleName: role}); err != nil {
		if apierr.Is(err, apierr.NotFound) {
			return Skip(fmt.Sprintf("role %s was deleted concurrently", o.RoleName)), nil
		}
		return Result{}, err
	}
	return Succeed(fmt.Sprintf("deleted role %s (%d managed policies detached, %d inline policies deleted, %d instance profiles)", o.RoleName, detached, inline, profiles)), nil
}
