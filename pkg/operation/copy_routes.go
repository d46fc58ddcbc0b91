package operation

import (
	"context"
	"fmt"
	"net/netip"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/common-fate/hubctl/pkg/apierr"
	"github.com/common-fate/hubctl/pkg/credbroker"
	"github.com/common-fate/hubctl/pkg/inventory"
)

// EC2API is the subset of the EC2 client used by CopyRoutes.
type EC2API interface {
	ec2.DescribeRouteTablesAPIClient
	CreateRoute(ctx context.Context, params *ec2.CreateRouteInput, optFns ...func(*ec2.Options)) (*ec2.CreateRouteOutput, error)
	ReplaceRoute(ctx context.Context, params *ec2.ReplaceRouteInput, optFns ...func(*ec2.Options)) (*ec2.ReplaceRouteOutput, error)
}

// CopyRoutes propagates a set of destination CIDRs, all targeting one transit
// gateway, into every route table carrying a tag in the spoke account.
//
// A route to the same CIDR with a different target is left alone under
// SetIfAbsent and replaced under Overwrite.
type CopyRoutes struct {
	CIDRs            []string
	TransitGatewayID string
	TagKey           string
	TagValue         string
	Mode             inventory.Mode
	Base             aws.Config
	NewClient        func(cfg aws.Config) EC2API
}

func NewCopyRoutes(base aws.Config, tgw string, cidrs []string, tagKey, tagValue string, mode inventory.Mode) *CopyRoutes {
	return &CopyRoutes{
		CIDRs:            cidrs,
		TransitGatewayID: tgw,
		TagKey:           tagKey,
		TagValue:         tagValue,
		Mode:             mode,
		Base:             base,
		NewClient:        func(cfg aws.Config) EC2API { return ec2.NewFromConfig(cfg) },
	}
}

func (o *CopyRoutes) Name() string { return "route-copy" }

func (o *CopyRoutes) Validate() error {
	if len(o.CIDRs) == 0 {
		return apierr.Validationf("%s requires at least one destination CIDR", o.Name())
	}
	for _, c := range o.CIDRs {
		if _, err := netip.ParsePrefix(c); err != nil {
			return apierr.Validationf("invalid destination CIDR %q: %s", c, err)
		}
	}
	if !strings.HasPrefix(o.TransitGatewayID, "tgw-") {
		return apierr.Validationf("invalid transit gateway id %q", o.TransitGatewayID)
	}
	if o.TagKey == "" {
		return apierr.Validationf("%s requires a route table tag key", o.Name())
	}
	if o.Mode != inventory.SetIfAbsent && o.Mode != inventory.Overwrite {
		return apierr.Validationf("%s must declare a mode (set-if-absent or overwrite)", o.Name())
	}
	if o.NewClient == nil {
		return apierr.Validationf("%s has no EC2 client factory", o.Name())
	}
	return nil
}

func (o *CopyRoutes) DryRun(ctx context.Context, account inventory.AccountRecord) (string, error) {
	return fmt.Sprintf("would route %s via %s in route tables tagged %s (%s)", strings.Join(o.CIDRs, ", "), o.TransitGatewayID, o.tagFilter(), o.Mode), nil
}

func (o *CopyRoutes) tagFilter() string {
	if o.TagValue == "" {
		return o.TagKey
	}
	return o.TagKey + "=" + o.TagValue
}

func (o *CopyRoutes) Apply(ctx context.Context, account inventory.AccountRecord, session credbroker.Session) (Result, error) {
	cfg := session.Config(o.Base)
	if account.Region != "" {
		cfg.Region = account.Region
	}
	client := o.NewClient(cfg)

	filter := types.Filter{Name: aws.String("tag-key"), Values: []string{o.TagKey}}
	if o.TagValue != "" {
		filter = types.Filter{Name: aws.String("tag:" + o.TagKey), Values: []string{o.TagValue}}
	}

	var tables []types.RouteTable
	p := ec2.NewDescribeRouteTablesPaginator(client, &ec2.DescribeRouteTablesInput{Filters: []types.Filter{filter}})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return Result{}, err
		}
		tables = append(tables, page.RouteTables...)
	}
	if len(tables) == 0 {
		return Skip(fmt.Sprintf("no route tables tagged %s", o.tagFilter())), nil
	}

	var created, replaced, kept int
	for _, rt := range tables {
		existing := map[string]types.Route{}
		for _, r := range rt.Routes {
			if r.DestinationCidrBlock != nil {
				existing[*r.DestinationCidrBlock] = r
			}
		}
		for _, cidr := range o.CIDRs {
			r, ok := existing[cidr]
			switch {
			case ok && aws.ToString(r.TransitGatewayId) == o.TransitGatewayID && r.State != types.RouteStateBlackhole:
				continue
			case ok && o.Mode == inventory.SetIfAbsent:
				kept++
			case ok:
				_, err := client.ReplaceRoute(ctx, &ec2.ReplaceRouteInput{
					RouteTableId:         rt.RouteTableId,
					DestinationCidrBlock: aws.String(cidr),
					TransitGatewayId:     aws.String(o.TransitGatewayID),
				})
				if err != nil {
					return Result{}, err
				}
				replaced++
			default:
				_, err := client.CreateRoute(ctx, &ec2.CreateRouteInput{
					RouteTableId:         rt.RouteTableId,
					DestinationCidrBlock: aws.String(cidr),
					TransitGatewayId:     aws.String(o.TransitGatewayID),
				})
				if err != nil {
					return Result{}, err
				}
				created++
			}
		}
	}

	detail := fmt.Sprintf("%d route tables: %d created, %d replaced", len(tables), created, replaced)
	if kept > 0 {
		detail += fmt.Sprintf(", %d conflicting routes left in place", kept)
	}
	if created+replaced == 0 {
		return Skip(detail), nil
	}
	return Succeed(detail), nil
}
