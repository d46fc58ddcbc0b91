package inventory

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/common-fate/hubctl/pkg/apierr"
	"github.com/pkg/errors"
	sethRetry "github.com/sethvargo/go-retry"
	"go.uber.org/ratelimit"
	"go.uber.org/zap"
)

// DynamoDBAPI is the subset of the DynamoDB client used by DynamoStore.
type DynamoDBAPI interface {
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

type DynamoOpts struct {
	Client DynamoDBAPI
	Table  string
	// PageSize is the Scan Limit. Zero lets DynamoDB decide.
	PageSize int32
	// MaxAttempts bounds the attempts made for a throttled request.
	MaxAttempts int
	// Backoff is the initial delay between throttled attempts.
	Backoff time.Duration
	// Limiter paces Scan requests. Optional.
	Limiter ratelimit.Limiter
	Log     *zap.SugaredLogger
}

// DynamoStore is a Store backed by a DynamoDB table keyed by account name.
type DynamoStore struct {
	client      DynamoDBAPI
	table       string
	pageSize    int32
	maxAttempts int
	backoff     time.Duration
	limiter     ratelimit.Limiter
	log         *zap.SugaredLogger

	// keys maps account ids to table keys, filled in as records are scanned.
	keys sync.Map
}

func NewDynamoStore(opts DynamoOpts) (*DynamoStore, error) {
	if opts.Client == nil {
		return nil, errors.New("a DynamoDB client is required")
	}
	if opts.Table == "" {
		return nil, apierr.Validationf("inventory table name is required")
	}
	s := &DynamoStore{
		client:      opts.Client,
		table:       opts.Table,
		pageSize:    opts.PageSize,
		maxAttempts: opts.MaxAttempts,
		backoff:     opts.Backoff,
		limiter:     opts.Limiter,
		log:         opts.Log,
	}
	if s.maxAttempts < 1 {
		s.maxAttempts = 5
	}
	if s.backoff <= 0 {
		s.backoff = 200 * time.Millisecond
	}
	if s.limiter == nil {
		s.limiter = ratelimit.NewUnlimited()
	}
	if s.log == nil {
		s.log = zap.NewNop().Sugar()
	}
	return s, nil
}

func (s *DynamoStore) Query(ctx context.Context, p Predicate) *Cursor {
	input := dynamodb.ScanInput{TableName: aws.String(s.table)}
	if s.pageSize > 0 {
		input.Limit = aws.Int32(s.pageSize)
	}
	if p != nil {
		if err := p.Validate(); err != nil {
			return errCursor(err)
		}
		cond, err := compileFilter(p)
		if err != nil {
			return errCursor(err)
		}
		expr, err := expression.NewBuilder().WithFilter(cond).Build()
		if err != nil {
			return errCursor(apierr.Validationf("building filter %s: %s", p, err))
		}
		input.FilterExpression = expr.Filter()
		input.ExpressionAttributeNames = expr.Names()
		input.ExpressionAttributeValues = expr.Values()
	}

	return newCursor(func(ctx context.Context, token string) ([]AccountRecord, string, error) {
		in := input
		if token != "" {
			start, err := decodeToken(token)
			if err != nil {
				return nil, "", err
			}
			in.ExclusiveStartKey = start
		}

		var out *dynamodb.ScanOutput
		err := s.withRetry(ctx, "scan", func(ctx context.Context) error {
			s.limiter.Take()
			var err error
			out, err = s.client.Scan(ctx, &in)
			return err
		})
		if err != nil {
			return nil, "", err
		}

		records := make([]AccountRecord, 0, len(out.Items))
		for _, item := range out.Items {
			r, err := s.decode(item)
			if err != nil {
				return nil, "", err
			}
			// the server filter can over-select for fuzzy terms.
			if !Matches(p, r) {
				continue
			}
			records = append(records, r)
		}
		s.log.Debugw("scanned inventory page", "table", s.table, "matched", len(records), "scanned", out.ScannedCount, "more", len(out.LastEvaluatedKey) > 0)

		next, err := encodeToken(out.LastEvaluatedKey)
		if err != nil {
			return nil, "", err
		}
		return records, next, nil
	})
}

func (s *DynamoStore) Mutate(ctx context.Context, accountID string, m Mutation) (AccountRecord, bool, error) {
	if err := m.Validate(); err != nil {
		return AccountRecord{}, false, err
	}
	return s.update(ctx, accountID, func(r AccountRecord) (expression.UpdateBuilder, expression.ConditionBuilder, bool) {
		if _, changed := m.apply(r); !changed {
			return expression.UpdateBuilder{}, expression.ConditionBuilder{}, false
		}
		upd := expression.Set(expression.Name(m.Attribute), expression.Value(m.Value))
		cond := versionCondition(r.Version)
		if m.Mode == SetIfAbsent {
			cond = cond.And(expression.Not(presence(m.Attribute)))
		}
		return upd, cond, true
	})
}

func (s *DynamoStore) Remove(ctx context.Context, accountID string, attribute string) (AccountRecord, bool, error) {
	if err := validateAttribute(attribute); err != nil {
		return AccountRecord{}, false, err
	}
	return s.update(ctx, accountID, func(r AccountRecord) (expression.UpdateBuilder, expression.ConditionBuilder, bool) {
		if _, ok := r.Get(attribute); !ok {
			return expression.UpdateBuilder{}, expression.ConditionBuilder{}, false
		}
		return expression.Remove(expression.Name(attribute)), versionCondition(r.Version), true
	})
}

type planFunc func(current AccountRecord) (expression.UpdateBuilder, expression.ConditionBuilder, bool)

// update reads the current item and writes the planned change guarded by the
// version the plan was computed from. A version mismatch is a ConflictError.
func (s *DynamoStore) update(ctx context.Context, accountID string, plan planFunc) (AccountRecord, bool, error) {
	key, err := s.resolveKey(ctx, accountID)
	if err != nil {
		return AccountRecord{}, false, err
	}
	current, err := s.get(ctx, accountID, key)
	if err != nil {
		return AccountRecord{}, false, err
	}
	upd, cond, changed := plan(current)
	if !changed {
		return current, false, nil
	}
	upd = upd.Set(expression.Name(AttrVersion), expression.Value(current.Version+1))
	expr, err := expression.NewBuilder().WithUpdate(upd).WithCondition(cond).Build()
	if err != nil {
		return AccountRecord{}, false, apierr.Validationf("building update for account %s: %s", accountID, err)
	}

	var out *dynamodb.UpdateItemOutput
	err = s.withRetry(ctx, "update", func(ctx context.Context) error {
		var err error
		out, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName:                 aws.String(s.table),
			Key:                       itemKey(key),
			UpdateExpression:          expr.Update(),
			ConditionExpression:       expr.Condition(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
			ReturnValues:              types.ReturnValueAllNew,
		})
		return err
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return AccountRecord{}, false, apierr.NewConflict(accountID, errors.Errorf("account %s was modified concurrently (expected version %d)", key, current.Version))
		}
		return AccountRecord{}, false, apierr.Classify(accountID, err)
	}
	updated, err := s.decode(out.Attributes)
	if err != nil {
		return AccountRecord{}, false, err
	}
	return updated, true, nil
}

func versionCondition(version int64) expression.ConditionBuilder {
	if version == 0 {
		return expression.Or(
			expression.AttributeNotExists(expression.Name(AttrVersion)),
			expression.Name(AttrVersion).Equal(expression.Value(0)),
		)
	}
	return expression.Name(AttrVersion).Equal(expression.Value(version))
}

func (s *DynamoStore) get(ctx context.Context, accountID, key string) (AccountRecord, error) {
	var out *dynamodb.GetItemOutput
	err := s.withRetry(ctx, "get", func(ctx context.Context) error {
		var err error
		out, err = s.client.GetItem(ctx, &dynamodb.GetItemInput{
			TableName:      aws.String(s.table),
			Key:            itemKey(key),
			ConsistentRead: aws.Bool(true),
		})
		return err
	})
	if err != nil {
		return AccountRecord{}, apierr.Classify(accountID, err)
	}
	if len(out.Item) == 0 {
		s.keys.Delete(accountID)
		return AccountRecord{}, apierr.NewNotFound(accountID, errors.Errorf("account %s is no longer in table %s", key, s.table))
	}
	return s.decode(out.Item)
}

// resolveKey maps an account id to its table key, falling back to a filtered
// scan for accounts this store has not seen yet.
func (s *DynamoStore) resolveKey(ctx context.Context, accountID string) (string, error) {
	if k, ok := s.keys.Load(accountID); ok {
		return k.(string), nil
	}
	records, err := Collect(ctx, s.Query(ctx, Eq{Attribute: AttrAccountID, Value: accountID}))
	if err != nil {
		return "", err
	}
	for _, r := range records {
		if r.ID == accountID {
			return r.Name, nil
		}
	}
	return "", apierr.NewNotFound(accountID, errors.Errorf("account %s is not in table %s", accountID, s.table))
}

func (s *DynamoStore) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	b := sethRetry.NewExponential(s.backoff)
	b = sethRetry.WithJitterPercent(20, b)
	b = sethRetry.WithMaxRetries(uint64(s.maxAttempts-1), b)
	attempt := 0
	return sethRetry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if err != nil && apierr.KindOf(err) == apierr.Throttling {
			s.log.Debugw("inventory request throttled", "op", op, "attempt", attempt, "error", err)
			return sethRetry.RetryableError(apierr.WithOp(err, op))
		}
		return err
	})
}

func itemKey(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{AttrAccountName: &types.AttributeValueMemberS{Value: key}}
}

func (s *DynamoStore) decode(item map[string]types.AttributeValue) (AccountRecord, error) {
	var raw map[string]any
	if err := attributevalue.UnmarshalMap(item, &raw); err != nil {
		return AccountRecord{}, errors.Wrap(err, "decoding inventory item")
	}
	r := AccountRecord{Attributes: map[string]string{}}
	for k, v := range raw {
		switch k {
		case AttrVersion:
			if f, ok := v.(float64); ok {
				r.Version = int64(f)
			}
		case AttrAccountID:
			r.ID = stringify(v)
		case AttrAccountName:
			r.Name = stringify(v)
		case AttrStatus, AttrAccountType, AttrEnvironmentType, AttrRegion:
			r = r.set(k, stringify(v))
		default:
			r.Attributes[k] = stringify(v)
		}
	}
	if r.ID == "" {
		return AccountRecord{}, apierr.Validationf("inventory item %q has no %s attribute", r.Name, AttrAccountID)
	}
	s.keys.Store(r.ID, r.Name)
	return r, nil
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

func encodeToken(lek map[string]types.AttributeValue) (string, error) {
	if len(lek) == 0 {
		return "", nil
	}
	var key map[string]string
	if err := attributevalue.UnmarshalMap(lek, &key); err != nil {
		return "", errors.Wrap(err, "encoding continuation key")
	}
	b, err := json.Marshal(key)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func decodeToken(token string) (map[string]types.AttributeValue, error) {
	b, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, apierr.Validationf("invalid continuation token: %s", err)
	}
	var key map[string]string
	if err := json.Unmarshal(b, &key); err != nil {
		return nil, apierr.Validationf("invalid continuation token: %s", err)
	}
	return attributevalue.MarshalMap(key)
}
