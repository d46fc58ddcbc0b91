package inventory

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/common-fate/hubctl/pkg/apierr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeDynamo is an in-memory table keyed by account name. It evaluates the
// filter and condition expressions produced by the expression builder and
// applies SET and REMOVE update sections, so store semantics can be checked
// end to end. Scan applies Limit before the filter, as DynamoDB does.
type fakeDynamo struct {
	mu        sync.Mutex
	items     map[string]map[string]types.AttributeValue
	throttles int
	conflict  bool
	// beforeUpdate runs against the stored item ahead of the condition check,
	// standing in for a concurrent writer.
	beforeUpdate func(item map[string]types.AttributeValue)
	scans        []*dynamodb.ScanInput
	updates      []*dynamodb.UpdateItemInput
}

func newFakeDynamo(t *testing.T, records ...map[string]any) *fakeDynamo {
	f := &fakeDynamo{items: map[string]map[string]types.AttributeValue{}}
	for _, r := range records {
		item, err := attributevalue.MarshalMap(r)
		require.NoError(t, err)
		f.items[r[AttrAccountName].(string)] = item
	}
	return f
}

func (f *fakeDynamo) throttled() error {
	if f.throttles > 0 {
		f.throttles--
		return &types.ProvisionedThroughputExceededException{Message: aws.String("slow down")}
	}
	return nil
}

func (f *fakeDynamo) Scan(ctx context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scans = append(f.scans, in)
	if err := f.throttled(); err != nil {
		return nil, err
	}
	var keys []string
	for k := range f.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	start := ""
	if in.ExclusiveStartKey != nil {
		start = in.ExclusiveStartKey[AttrAccountName].(*types.AttributeValueMemberS).Value
	}
	out := &dynamodb.ScanOutput{}
	last := ""
	for _, k := range keys {
		if k <= start {
			continue
		}
		if in.Limit != nil && out.ScannedCount == *in.Limit {
			out.LastEvaluatedKey = itemKey(last)
			break
		}
		out.ScannedCount++
		last = k
		ok, err := evalCondition(in.FilterExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues, f.items[k])
		if err != nil {
			return nil, err
		}
		if ok {
			out.Items = append(out.Items, f.items[k])
		}
	}
	out.Count = int32(len(out.Items))
	return out, nil
}

func (f *fakeDynamo) GetItem(ctx context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := in.Key[AttrAccountName].(*types.AttributeValueMemberS).Value
	return &dynamodb.GetItemOutput{Item: f.items[key]}, nil
}

func (f *fakeDynamo) UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, in)
	if err := f.throttled(); err != nil {
		return nil, err
	}
	ccf := &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
	if f.conflict {
		return nil, ccf
	}
	key := in.Key[AttrAccountName].(*types.AttributeValueMemberS).Value
	item := map[string]types.AttributeValue{}
	for k, v := range f.items[key] {
		item[k] = v
	}
	if f.beforeUpdate != nil {
		f.beforeUpdate(item)
		f.items[key] = item
	}
	ok, err := evalCondition(in.ConditionExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues, item)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ccf
	}
	next := map[string]types.AttributeValue{}
	for k, v := range item {
		next[k] = v
	}
	if err := applyUpdate(aws.ToString(in.UpdateExpression), in.ExpressionAttributeNames, in.ExpressionAttributeValues, next); err != nil {
		return nil, err
	}
	f.items[key] = next
	return &dynamodb.UpdateItemOutput{Attributes: next}, nil
}

func tokenize(expr string) []string {
	r := strings.NewReplacer("(", " ( ", ")", " ) ", ",", " , ")
	return strings.Fields(r.Replace(expr))
}

// applyUpdate runs "SET #a = :v, ..." and "REMOVE #a, ..." sections against item.
func applyUpdate(expr string, names map[string]string, values map[string]types.AttributeValue, item map[string]types.AttributeValue) error {
	for _, section := range strings.Split(expr, "\n") {
		toks := tokenize(section)
		if len(toks) == 0 {
			continue
		}
		mode, rest := toks[0], strings.Join(toks[1:], " ")
		for _, clause := range strings.Split(rest, ",") {
			parts := strings.Fields(clause)
			switch {
			case mode == "SET" && len(parts) == 3 && parts[1] == "=":
				item[names[parts[0]]] = values[parts[2]]
			case mode == "REMOVE" && len(parts) == 1:
				delete(item, names[parts[0]])
			default:
				return fmt.Errorf("unsupported update clause %q in %q", clause, section)
			}
		}
	}
	return nil
}

// evalCondition evaluates a filter or condition expression against item.
// A nil expression matches.
func evalCondition(expr *string, names map[string]string, values map[string]types.AttributeValue, item map[string]types.AttributeValue) (bool, error) {
	if expr == nil {
		return true, nil
	}
	p := &condParser{toks: tokenize(*expr), names: names, values: values, item: item}
	v := p.or()
	if p.err == nil && p.pos != len(p.toks) {
		p.fail("trailing tokens")
	}
	if p.err != nil {
		return false, fmt.Errorf("evaluating %q: %w", *expr, p.err)
	}
	return v, nil
}

type condParser struct {
	toks   []string
	pos    int
	names  map[string]string
	values map[string]types.AttributeValue
	item   map[string]types.AttributeValue
	err    error
}

func (p *condParser) fail(msg string) {
	if p.err == nil {
		p.err = fmt.Errorf("%s at token %d", msg, p.pos)
	}
}

func (p *condParser) peek() string {
	if p.pos < len(p.toks) {
		return p.toks[p.pos]
	}
	return ""
}

func (p *condParser) next() string {
	t := p.peek()
	if t == "" {
		p.fail("unexpected end of expression")
		return ""
	}
	p.pos++
	return t
}

func (p *condParser) expect(tok string) {
	if p.next() != tok {
		p.fail("expected " + tok)
	}
}

func (p *condParser) or() bool {
	v := p.and()
	for p.peek() == "OR" {
		p.next()
		r := p.and()
		v = v || r
	}
	return v
}

func (p *condParser) and() bool {
	v := p.unary()
	for p.peek() == "AND" {
		p.next()
		r := p.unary()
		v = v && r
	}
	return v
}

func (p *condParser) unary() bool {
	switch p.peek() {
	case "NOT":
		p.next()
		return !p.unary()
	case "(":
		p.next()
		v := p.or()
		p.expect(")")
		return v
	case "attribute_exists", "attribute_not_exists":
		fn := p.next()
		p.expect("(")
		_, ok := p.item[p.names[p.next()]]
		p.expect(")")
		return ok == (fn == "attribute_exists")
	}
	name, op, ref := p.next(), p.next(), p.next()
	want, ok := p.values[ref]
	if !ok {
		p.fail("unknown value " + ref)
		return false
	}
	cur, ok := p.item[p.names[name]]
	if !ok {
		return false
	}
	switch op {
	case "=":
		return reflect.DeepEqual(cur, want)
	case "<>":
		return !reflect.DeepEqual(cur, want)
	case ">":
		a, aok := cur.(*types.AttributeValueMemberN)
		b, bok := want.(*types.AttributeValueMemberN)
		if !aok || !bok {
			return false
		}
		x, _ := strconv.ParseFloat(a.Value, 64)
		y, _ := strconv.ParseFloat(b.Value, 64)
		return x > y
	}
	p.fail("unsupported operator " + op)
	return false
}

func testDynamoStore(t *testing.T, client DynamoDBAPI, pageSize int32) *DynamoStore {
	s, err := NewDynamoStore(DynamoOpts{
		Client:      client,
		Table:       "accounts",
		PageSize:    pageSize,
		MaxAttempts: 4,
		Backoff:     time.Millisecond,
		Log:         zaptest.NewLogger(t).Sugar(),
	})
	require.NoError(t, err)
	return s
}

func accountItem(id, name string, extra map[string]any) map[string]any {
	item := map[string]any{
		AttrAccountID:       id,
		AttrAccountName:     name,
		AttrStatus:          "ACTIVE",
		AttrEnvironmentType: "prod",
		AttrVersion:         3,
	}
	for k, v := range extra {
		item[k] = v
	}
	return item
}

func TestDynamoQueryPaginates(t *testing.T) {
	ctx := context.Background()
	fake := newFakeDynamo(t,
		accountItem("1", "a", map[string]any{"owner": "platform", "tier": 2}),
		accountItem("2", "b", nil),
		accountItem("3", "c", nil),
		accountItem("4", "d", nil),
		accountItem("5", "e", nil),
	)
	s := testDynamoStore(t, fake, 2)

	got, err := Collect(ctx, s.Query(ctx, nil))
	require.NoError(t, err)
	require.Len(t, got, 5)
	assert.Len(t, fake.scans, 3)
	assert.Equal(t, "platform", got[0].Attributes["owner"])
	assert.Equal(t, "2", got[0].Attributes["tier"])
	assert.Equal(t, int64(3), got[0].Version)
	assert.Equal(t, "prod", got[0].EnvironmentType)
}

func TestDynamoQueryRetriesThrottling(t *testing.T) {
	ctx := context.Background()
	fake := newFakeDynamo(t, accountItem("1", "a", nil))
	fake.throttles = 2
	s := testDynamoStore(t, fake, 0)

	got, err := Collect(ctx, s.Query(ctx, nil))
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Len(t, fake.scans, 3)
}

func TestDynamoQueryThrottlingExhausted(t *testing.T) {
	ctx := context.Background()
	fake := newFakeDynamo(t, accountItem("1", "a", nil))
	fake.throttles = 10
	s := testDynamoStore(t, fake, 0)

	_, err := Collect(ctx, s.Query(ctx, nil))
	assert.True(t, apierr.Is(err, apierr.Throttling))
	assert.Len(t, fake.scans, 4)
}

func TestDynamoQueryCompilesFilter(t *testing.T) {
	ctx := context.Background()
	fake := newFakeDynamo(t)
	s := testDynamoStore(t, fake, 0)

	p := And{Eq{Attribute: AttrEnvironmentType, Value: "prod"}, Not{P: Exists{Attribute: "decommissioned"}}}
	_, err := Collect(ctx, s.Query(ctx, p))
	require.NoError(t, err)
	require.Len(t, fake.scans, 1)
	in := fake.scans[0]
	require.NotNil(t, in.FilterExpression)
	var names []string
	for _, n := range in.ExpressionAttributeNames {
		names = append(names, n)
	}
	assert.ElementsMatch(t, []string{AttrEnvironmentType, "decommissioned"}, names)
	assert.Len(t, in.ExpressionAttributeValues, 1)
}

func TestDynamoMutateSetIfAbsentSkipsExisting(t *testing.T) {
	ctx := context.Background()
	fake := newFakeDynamo(t, accountItem("1", "a", map[string]any{"owner": "platform"}))
	s := testDynamoStore(t, fake, 0)

	got, changed, err := s.Mutate(ctx, "1", Mutation{Attribute: "owner", Value: "other", Mode: SetIfAbsent})
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, "platform", got.Attributes["owner"])
	assert.Empty(t, fake.updates)
}

func TestDynamoMutateIsVersionGuarded(t *testing.T) {
	ctx := context.Background()
	fake := newFakeDynamo(t, accountItem("1", "a", nil))
	s := testDynamoStore(t, fake, 0)

	_, changed, err := s.Mutate(ctx, "1", Mutation{Attribute: "owner", Value: "platform", Mode: Overwrite})
	require.NoError(t, err)
	assert.True(t, changed)
	require.Len(t, fake.updates, 1)
	in := fake.updates[0]
	require.NotNil(t, in.ConditionExpression)
	assert.Equal(t, types.ReturnValueAllNew, in.ReturnValues)

	var values []any
	for _, v := range in.ExpressionAttributeValues {
		var out any
		require.NoError(t, attributevalue.Unmarshal(v, &out))
		values = append(values, out)
	}
	// new value, expected version and next version
	assert.ElementsMatch(t, []any{"platform", float64(3), float64(4)}, values)
}

func TestDynamoMutateConflict(t *testing.T) {
	ctx := context.Background()
	fake := newFakeDynamo(t, accountItem("1", "a", nil))
	fake.conflict = true
	s := testDynamoStore(t, fake, 0)

	_, _, err := s.Mutate(ctx, "1", Mutation{Attribute: "owner", Value: "platform", Mode: Overwrite})
	assert.True(t, apierr.Is(err, apierr.Conflict))
}

func TestDynamoMutateUnknownAccount(t *testing.T) {
	ctx := context.Background()
	fake := newFakeDynamo(t, accountItem("1", "a", nil))
	s := testDynamoStore(t, fake, 0)

	_, _, err := s.Mutate(ctx, "404", Mutation{Attribute: "owner", Value: "platform", Mode: Overwrite})
	assert.True(t, apierr.Is(err, apierr.NotFound))
}

func TestDynamoRemove(t *testing.T) {
	ctx := context.Background()
	fake := newFakeDynamo(t, accountItem("1", "a", map[string]any{"owner": "platform"}))
	s := testDynamoStore(t, fake, 0)

	got, changed, err := s.Remove(ctx, "1", "owner")
	require.NoError(t, err)
	assert.True(t, changed)
	_, ok := got.Get("owner")
	assert.False(t, ok)

	_, changed, err = s.Remove(ctx, "1", "owner")
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Len(t, fake.updates, 1)
}

func TestContinuationTokenRoundTrip(t *testing.T) {
	token, err := encodeToken(itemKey("spoke-007"))
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	key, err := decodeToken(token)
	require.NoError(t, err)
	assert.Equal(t, itemKey("spoke-007"), key)

	_, err = decodeToken("%%%")
	assert.True(t, apierr.Is(err, apierr.Validation))
}

func TestCompileFilterSingleOperandGroups(t *testing.T) {
	cond, err := compileFilter(Or{Eq{Attribute: AttrRegion, Value: "us-east-1"}})
	require.NoError(t, err)
	expr, err := expression.NewBuilder().WithFilter(cond).Build()
	require.NoError(t, err)
	assert.NotNil(t, expr.Filter())
}

func mixedTypeItems() []map[string]any {
	return []map[string]any{
		accountItem("1", "a", map[string]any{"tier": 2, "owner": "platform", "enabled": true}),
		accountItem("2", "b", map[string]any{"tier": "2", AttrStatus: ""}),
		{AttrAccountID: "3", AttrAccountName: "c", AttrEnvironmentType: "dev", "tier": 2.5},
		accountItem("4", "d", map[string]any{"enabled": false, AttrRegion: "us-east-1", AttrVersion: 0}),
		accountItem("5", "e", map[string]any{"tags": []any{"x"}}),
	}
}

var mixedTypeFilters = []struct {
	name string
	p    Predicate
	want []string
}{
	{name: "numeric eq", p: Eq{Attribute: "tier", Value: "2"}, want: []string{"a", "b"}},
	{name: "fractional eq", p: Eq{Attribute: "tier", Value: "2.5"}, want: []string{"c"}},
	{name: "bool true", p: Eq{Attribute: "enabled", Value: "true"}, want: []string{"a"}},
	{name: "bool false", p: Eq{Attribute: "enabled", Value: "false"}, want: []string{"d"}},
	{name: "empty well-known is absent", p: Exists{Attribute: AttrStatus}, want: []string{"a", "d", "e"}},
	{name: "not exists well-known", p: Not{P: Exists{Attribute: AttrStatus}}, want: []string{"b", "c"}},
	{name: "eq empty well-known", p: Eq{Attribute: AttrStatus, Value: ""}, want: nil},
	{name: "not eq empty well-known", p: Not{P: Eq{Attribute: AttrStatus, Value: ""}}, want: []string{"a", "b", "c", "d", "e"}},
	{name: "version exists", p: Exists{Attribute: AttrVersion}, want: []string{"a", "b", "e"}},
	{name: "version missing or zero", p: Not{P: Exists{Attribute: AttrVersion}}, want: []string{"c", "d"}},
	{name: "version eq", p: Eq{Attribute: AttrVersion, Value: "3"}, want: []string{"a", "b", "e"}},
	{name: "version eq zero", p: Eq{Attribute: AttrVersion, Value: "0"}, want: nil},
	{name: "numeric looking id", p: Eq{Attribute: AttrAccountID, Value: "4"}, want: []string{"d"}},
	{name: "or", p: Or{Eq{Attribute: AttrEnvironmentType, Value: "dev"}, Eq{Attribute: AttrRegion, Value: "us-east-1"}}, want: []string{"c", "d"}},
	{name: "list exists", p: And{Exists{Attribute: "tags"}, Not{P: Eq{Attribute: "owner", Value: "platform"}}}, want: []string{"e"}},
}

func names(records []AccountRecord) []string {
	var out []string
	for _, r := range records {
		out = append(out, r.Name)
	}
	return out
}

// The compiled filter must select exactly the items Eval selects on the
// decoded record, otherwise DynamoDB and in-memory stores disagree.
func TestCompileFilterAgreesWithEval(t *testing.T) {
	fake := newFakeDynamo(t, mixedTypeItems()...)
	s := testDynamoStore(t, fake, 0)

	for _, tt := range mixedTypeFilters {
		t.Run(tt.name, func(t *testing.T) {
			cond, err := compileFilter(tt.p)
			require.NoError(t, err)
			expr, err := expression.NewBuilder().WithFilter(cond).Build()
			require.NoError(t, err)

			var server, local []string
			for key, item := range fake.items {
				ok, err := evalCondition(expr.Filter(), expr.Names(), expr.Values(), item)
				require.NoError(t, err)
				if ok {
					server = append(server, key)
				}
				r, err := s.decode(item)
				require.NoError(t, err)
				if tt.p.Eval(r) {
					local = append(local, key)
				}
			}
			assert.ElementsMatch(t, tt.want, server)
			assert.ElementsMatch(t, tt.want, local)
		})
	}
}

func TestDynamoFilteredQueryPaginates(t *testing.T) {
	ctx := context.Background()
	for _, pageSize := range []int32{1, 2, 3, 10} {
		for _, tt := range mixedTypeFilters {
			t.Run(fmt.Sprintf("%s/page-%d", tt.name, pageSize), func(t *testing.T) {
				fake := newFakeDynamo(t, mixedTypeItems()...)
				s := testDynamoStore(t, fake, pageSize)

				got, err := Collect(ctx, s.Query(ctx, tt.p))
				require.NoError(t, err)
				assert.ElementsMatch(t, tt.want, names(got))
			})
		}
	}
}

func TestDynamoQueryFuzzyMatch(t *testing.T) {
	ctx := context.Background()
	fake := newFakeDynamo(t,
		accountItem("1", "payments-prod", nil),
		accountItem("2", "payments-dev", nil),
		accountItem("3", "identity-prod", nil),
	)
	s := testDynamoStore(t, fake, 2)

	got, err := Collect(ctx, s.Query(ctx, Match{Attribute: AttrAccountName, Pattern: "payprd"}))
	require.NoError(t, err)
	assert.Equal(t, []string{"payments-prod"}, names(got))

	got, err = Collect(ctx, s.Query(ctx, Not{P: Match{Attribute: AttrAccountName, Pattern: "payprd"}}))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"payments-dev", "identity-prod"}, names(got))
}

func TestDynamoMutateSetIfAbsentFillsEmptyField(t *testing.T) {
	ctx := context.Background()
	fake := newFakeDynamo(t, accountItem("1", "a", map[string]any{AttrStatus: ""}))
	s := testDynamoStore(t, fake, 0)

	m := Mutation{Attribute: AttrStatus, Value: "ACTIVE", Mode: SetIfAbsent}
	got, changed, err := s.Mutate(ctx, "1", m)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "ACTIVE", got.Status)
	assert.Equal(t, int64(4), got.Version)

	got, changed, err = s.Mutate(ctx, "1", m)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, "ACTIVE", got.Status)
	assert.Len(t, fake.updates, 1)
}

func TestDynamoMutateTwiceConverges(t *testing.T) {
	ctx := context.Background()
	fake := newFakeDynamo(t, accountItem("1", "a", nil))
	s := testDynamoStore(t, fake, 0)

	m := Mutation{Attribute: "owner", Value: "platform", Mode: Overwrite}
	got, changed, err := s.Mutate(ctx, "1", m)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "platform", got.Attributes["owner"])

	got, changed, err = s.Mutate(ctx, "1", m)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, int64(4), got.Version)
	assert.Len(t, fake.updates, 1)
}

func TestDynamoMutateSetIfAbsentRacesWriter(t *testing.T) {
	ctx := context.Background()
	fake := newFakeDynamo(t, accountItem("1", "a", nil))
	// another writer fills the attribute without bumping the version
	fake.beforeUpdate = func(item map[string]types.AttributeValue) {
		item["owner"] = &types.AttributeValueMemberS{Value: "security"}
	}
	s := testDynamoStore(t, fake, 0)

	_, _, err := s.Mutate(ctx, "1", Mutation{Attribute: "owner", Value: "platform", Mode: SetIfAbsent})
	assert.True(t, apierr.Is(err, apierr.Conflict))

	var stored map[string]any
	require.NoError(t, attributevalue.UnmarshalMap(fake.items["a"], &stored))
	assert.Equal(t, "security", stored["owner"])
}
