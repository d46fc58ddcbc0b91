package operation

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/common-fate/hubctl/pkg/apierr"
	"github.com/common-fate/hubctl/pkg/credbroker"
	"github.com/common-fate/hubctl/pkg/inventory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEC2 struct {
	region   string
	tables   []types.RouteTable
	filters  []types.Filter
	created  int
	replaced int
}

func (f *fakeEC2) DescribeRouteTables(ctx context.Context, in *ec2.DescribeRouteTablesInput, _ ...func(*ec2.Options)) (*ec2.DescribeRouteTablesOutput, error) {
	f.filters = in.Filters
	return &ec2.DescribeRouteTablesOutput{RouteTables: f.tables}, nil
}

func (f *fakeEC2) table(id string) *types.RouteTable {
	for i := range f.tables {
		if aws.ToString(f.tables[i].RouteTableId) == id {
			return &f.tables[i]
		}
	}
	return nil
}

func (f *fakeEC2) CreateRoute(ctx context.Context, in *ec2.CreateRouteInput, _ ...func(*ec2.Options)) (*ec2.CreateRouteOutput, error) {
	rt := f.table(aws.ToString(in.RouteTableId))
	rt.Routes = append(rt.Routes, types.Route{DestinationCidrBlock: in.DestinationCidrBlock, TransitGatewayId: in.TransitGatewayId, State: types.RouteStateActive})
	f.created++
	return &ec2.CreateRouteOutput{Return: aws.Bool(true)}, nil
}

func (f *fakeEC2) ReplaceRoute(ctx context.Context, in *ec2.ReplaceRouteInput, _ ...func(*ec2.Options)) (*ec2.ReplaceRouteOutput, error) {
	rt := f.table(aws.ToString(in.RouteTableId))
	for i, r := range rt.Routes {
		if aws.ToString(r.DestinationCidrBlock) == aws.ToString(in.DestinationCidrBlock) {
			rt.Routes[i] = types.Route{DestinationCidrBlock: in.DestinationCidrBlock, TransitGatewayId: in.TransitGatewayId, State: types.RouteStateActive}
		}
	}
	f.replaced++
	return &ec2.ReplaceRouteOutput{}, nil
}

func routeTables() []types.RouteTable {
	return []types.RouteTable{
		{
			RouteTableId: aws.String("rtb-1"),
			Routes: []types.Route{
				{DestinationCidrBlock: aws.String("10.0.0.0/16"), GatewayId: aws.String("local")},
				{DestinationCidrBlock: aws.String("10.20.0.0/16"), VpcPeeringConnectionId: aws.String("pcx-1")},
			},
		},
		{RouteTableId: aws.String("rtb-2")},
	}
}

func newCopyRoutes(fake *fakeEC2, mode inventory.Mode) *CopyRoutes {
	op := NewCopyRoutes(aws.Config{Region: "us-east-1"}, "tgw-0abc", []string{"10.20.0.0/16", "172.16.0.0/12"}, "network", "private", mode)
	op.NewClient = func(cfg aws.Config) EC2API {
		fake.region = cfg.Region
		return fake
	}
	return op
}

func TestCopyRoutesSetIfAbsent(t *testing.T) {
	ctx := context.Background()
	fake := &fakeEC2{tables: routeTables()}
	op := newCopyRoutes(fake, inventory.SetIfAbsent)
	require.NoError(t, op.Validate())

	first, err := op.Apply(ctx, spoke, credbroker.Session{})
	require.NoError(t, err)
	assert.Equal(t, Succeeded, first.Outcome)
	// the peering route in rtb-1 is kept, the rest are created
	assert.Equal(t, 3, fake.created)
	assert.Equal(t, 0, fake.replaced)
	assert.Contains(t, first.Detail, "1 conflicting routes left in place")
	assert.Equal(t, "eu-west-1", fake.region)
	assert.Equal(t, []types.Filter{{Name: aws.String("tag:network"), Values: []string{"private"}}}, fake.filters)

	second, err := op.Apply(ctx, spoke, credbroker.Session{})
	require.NoError(t, err)
	assert.Equal(t, Skipped, second.Outcome)
	assert.Equal(t, 3, fake.created)
}

func TestCopyRoutesOverwrite(t *testing.T) {
	ctx := context.Background()
	fake := &fakeEC2{tables: routeTables()}
	op := newCopyRoutes(fake, inventory.Overwrite)

	first, err := op.Apply(ctx, spoke, credbroker.Session{})
	require.NoError(t, err)
	assert.Equal(t, Succeeded, first.Outcome)
	assert.Equal(t, 3, fake.created)
	assert.Equal(t, 1, fake.replaced)

	second, err := op.Apply(ctx, spoke, credbroker.Session{})
	require.NoError(t, err)
	assert.Equal(t, Skipped, second.Outcome)
	assert.Equal(t, 1, fake.replaced)
}

func TestCopyRoutesNoTables(t *testing.T) {
	fake := &fakeEC2{}
	op := newCopyRoutes(fake, inventory.Overwrite)
	res, err := op.Apply(context.Background(), spoke, credbroker.Session{})
	require.NoError(t, err)
	assert.Equal(t, Skipped, res.Outcome)
}

func TestCopyRoutesValidate(t *testing.T) {
	tests := []func(o *CopyRoutes){
		func(o *CopyRoutes) { o.CIDRs = nil },
		func(o *CopyRoutes) { o.CIDRs = []string{"10.0.0.0/33"} },
		func(o *CopyRoutes) { o.TransitGatewayID = "igw-123" },
		func(o *CopyRoutes) { o.TagKey = "" },
		func(o *CopyRoutes) { o.Mode = inventory.ModeUnset },
	}
	for _, mutate := range tests {
		op := newCopyRoutes(&fakeEC2{}, inventory.Overwrite)
		mutate(op)
		assert.True(t, apierr.Is(op.Validate(), apierr.Validation))
	}
}
