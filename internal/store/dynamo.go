package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/viewfinderco/viewfinder/pkg/metrics"
)

// DynamoDB is the production Client. Throughput throttling is retried here
// with exponential backoff; conditional failures always surface.
type DynamoDB struct {
	api         *dynamodb.Client
	tablePrefix string
	maxRetries  int
}

var _ Client = (*DynamoDB)(nil)

// DynamoDBOptions configures NewDynamoDB.
type DynamoDBOptions struct {
	Region      string
	Endpoint    string // non-empty for local development stores
	TablePrefix string
	MaxRetries  int
}

// NewDynamoDB builds a DynamoDB client from ambient AWS credentials.
func NewDynamoDB(ctx context.Context, opts DynamoDBOptions) (*DynamoDB, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(opts.Region))
	if err != nil {
		return nil, fmt.Errorf("store: load aws config: %w", err)
	}
	api := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
	})
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return &DynamoDB{api: api, tablePrefix: opts.TablePrefix, maxRetries: maxRetries}, nil
}

func (d *DynamoDB) tableName(table string) *string {
	return aws.String(d.tablePrefix + table)
}

func toAttr(v Value) types.AttributeValue {
	switch v.Kind {
	case KindNumber:
		return &types.AttributeValueMemberN{Value: strconv.FormatInt(v.N, 10)}
	case KindStringSet:
		return &types.AttributeValueMemberSS{Value: append([]string(nil), v.SS...)}
	default:
		return &types.AttributeValueMemberS{Value: v.S}
	}
}

func fromAttr(av types.AttributeValue) (Value, error) {
	switch t := av.(type) {
	case *types.AttributeValueMemberS:
		return String(t.Value), nil
	case *types.AttributeValueMemberN:
		n, err := strconv.ParseInt(t.Value, 10, 64)
		if err != nil {
			return Value{}, fmt.Errorf("store: numeric attribute %q: %w", t.Value, err)
		}
		return Number(n), nil
	case *types.AttributeValueMemberSS:
		return StringSet(t.Value...), nil
	default:
		return Value{}, fmt.Errorf("store: unsupported attribute type %T", av)
	}
}

func toItem(attrs map[string]types.AttributeValue) (Item, error) {
	out := make(Item, len(attrs))
	for name, av := range attrs {
		v, err := fromAttr(av)
		if err != nil {
			return nil, err
		}
		out[name] = v
	}
	return out, nil
}

func keyAttrs(table string, key Key) map[string]types.AttributeValue {
	sch := Schemas[table]
	attrs := map[string]types.AttributeValue{
		sch.HashKey: toAttr(key.Hash.Encode()),
	}
	if sch.SortKey != "" {
		attrs[sch.SortKey] = toAttr(key.Sort.Encode())
	}
	return attrs
}

// exprBuilder accumulates expression attribute names and values.
type exprBuilder struct {
	names  map[string]string
	values map[string]types.AttributeValue
	next   int
}

func newExprBuilder() *exprBuilder {
	return &exprBuilder{names: map[string]string{}, values: map[string]types.AttributeValue{}}
}

func (b *exprBuilder) name(attr string) string {
	alias := fmt.Sprintf("#n%d", b.next)
	b.next++
	b.names[alias] = attr
	return alias
}

func (b *exprBuilder) value(v Value) string {
	alias := fmt.Sprintf(":v%d", len(b.values))
	b.values[alias] = toAttr(v)
	return alias
}

func (b *exprBuilder) condition(expected map[string]Expected) *string {
	if len(expected) == 0 {
		return nil
	}
	var clauses []string
	for attr, exp := range expected {
		alias := b.name(attr)
		if exp.Value == nil {
			clauses = append(clauses, fmt.Sprintf("attribute_not_exists(%s)", alias))
		} else {
			clauses = append(clauses, fmt.Sprintf("%s = %s", alias, b.value(*exp.Value)))
		}
	}
	return aws.String(strings.Join(clauses, " AND "))
}

func (b *exprBuilder) namesOrNil() map[string]string {
	if len(b.names) == 0 {
		return nil
	}
	return b.names
}

func (b *exprBuilder) valuesOrNil() map[string]types.AttributeValue {
	if len(b.values) == 0 {
		return nil
	}
	return b.values
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	var condFailed *types.ConditionalCheckFailedException
	if errors.As(err, &condFailed) {
		return ErrConditionalCheckFailed
	}
	var throttled *types.ProvisionedThroughputExceededException
	if errors.As(err, &throttled) {
		return ErrProvisionedThroughputExceeded
	}
	var limit *types.LimitExceededException
	if errors.As(err, &limit) {
		return ErrLimitExceeded
	}
	var missing *types.ResourceNotFoundException
	if errors.As(err, &missing) {
		return ErrNotFound
	}
	return err
}

// withRetry retries throttled calls with exponential backoff.
func (d *DynamoDB) withRetry(ctx context.Context, op string, fn func() error) error {
	backoff := 50 * time.Millisecond
	for attempt := 0; ; attempt++ {
		err := mapError(fn())
		if !errors.Is(err, ErrProvisionedThroughputExceeded) || attempt >= d.maxRetries {
			return err
		}
		metrics.KVRetries.WithLabelValues(op).Inc()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

// GetItem implements Client.
func (d *DynamoDB) GetItem(ctx context.Context, table string, key Key) (Item, error) {
	var out *dynamodb.GetItemOutput
	err := d.withRetry(ctx, "get", func() error {
		var err error
		out, err = d.api.GetItem(ctx, &dynamodb.GetItemInput{
			TableName:      d.tableName(table),
			Key:            keyAttrs(table, key),
			ConsistentRead: aws.Bool(true),
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(out.Item) == 0 {
		return nil, ErrNotFound
	}
	return toItem(out.Item)
}

// BatchGetItem implements Client.
func (d *DynamoDB) BatchGetItem(ctx context.Context, table string, keys []Key) ([]Item, error) {
	out := make([]Item, len(keys))
	// DynamoDB limits batch reads to 100 keys; page through.
	const pageSize = 100
	for start := 0; start < len(keys); start += pageSize {
		end := start + pageSize
		if end > len(keys) {
			end = len(keys)
		}
		page := keys[start:end]
		reqKeys := make([]map[string]types.AttributeValue, len(page))
		for i := range page {
			reqKeys[i] = keyAttrs(table, page[i])
		}
		request := map[string]types.KeysAndAttributes{
			*d.tableName(table): {Keys: reqKeys, ConsistentRead: aws.Bool(true)},
		}
		for len(request) > 0 {
			var resp *dynamodb.BatchGetItemOutput
			err := d.withRetry(ctx, "batch_get", func() error {
				var err error
				resp, err = d.api.BatchGetItem(ctx, &dynamodb.BatchGetItemInput{RequestItems: request})
				return err
			})
			if err != nil {
				return nil, err
			}
			for _, raw := range resp.Responses[*d.tableName(table)] {
				it, err := toItem(raw)
				if err != nil {
					return nil, err
				}
				k := KeyOf(table, it)
				for i, want := range page {
					if k.Hash.Equal(want.Hash) && (Schemas[table].SortKey == "" || k.Sort.Equal(want.Sort)) {
						out[start+i] = it
						break
					}
				}
			}
			request = resp.UnprocessedKeys
		}
	}
	return out, nil
}

// PutItem implements Client.
func (d *DynamoDB) PutItem(ctx context.Context, table string, key Key, attrs Item, expected map[string]Expected) error {
	b := newExprBuilder()
	cond := b.condition(expected)
	item := make(map[string]types.AttributeValue)
	for name, v := range WithKeyAttrs(table, key, attrs) {
		item[name] = toAttr(v)
	}
	return d.withRetry(ctx, "put", func() error {
		_, err := d.api.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:                 d.tableName(table),
			Item:                      item,
			ConditionExpression:       cond,
			ExpressionAttributeNames:  b.namesOrNil(),
			ExpressionAttributeValues: b.valuesOrNil(),
		})
		return err
	})
}

// UpdateItem implements Client.
func (d *DynamoDB) UpdateItem(ctx context.Context, table string, key Key, updates map[string]Update, expected map[string]Expected) (Item, error) {
	b := newExprBuilder()
	cond := b.condition(expected)

	var sets, adds, removes []string
	for attr, u := range updates {
		alias := b.name(attr)
		switch u.Action {
		case UpdatePut:
			sets = append(sets, fmt.Sprintf("%s = %s", alias, b.value(u.Value)))
		case UpdateAdd:
			adds = append(adds, fmt.Sprintf("%s %s", alias, b.value(u.Value)))
		case UpdateDelete:
			removes = append(removes, alias)
		}
	}
	var parts []string
	if len(sets) > 0 {
		parts = append(parts, "SET "+strings.Join(sets, ", "))
	}
	if len(adds) > 0 {
		parts = append(parts, "ADD "+strings.Join(adds, ", "))
	}
	if len(removes) > 0 {
		parts = append(parts, "REMOVE "+strings.Join(removes, ", "))
	}

	var out *dynamodb.UpdateItemOutput
	err := d.withRetry(ctx, "update", func() error {
		var err error
		out, err = d.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName:                 d.tableName(table),
			Key:                       keyAttrs(table, key),
			UpdateExpression:          aws.String(strings.Join(parts, " ")),
			ConditionExpression:       cond,
			ExpressionAttributeNames:  b.namesOrNil(),
			ExpressionAttributeValues: b.valuesOrNil(),
			ReturnValues:              types.ReturnValueAllNew,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return toItem(out.Attributes)
}

// DeleteItem implements Client.
func (d *DynamoDB) DeleteItem(ctx context.Context, table string, key Key, expected map[string]Expected) error {
	b := newExprBuilder()
	cond := b.condition(expected)
	return d.withRetry(ctx, "delete", func() error {
		_, err := d.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName:                 d.tableName(table),
			Key:                       keyAttrs(table, key),
			ConditionExpression:       cond,
			ExpressionAttributeNames:  b.namesOrNil(),
			ExpressionAttributeValues: b.valuesOrNil(),
		})
		return err
	})
}

// Query implements Client.
func (d *DynamoDB) Query(ctx context.Context, table string, hash KeyValue, cond *RangeCondition, opts QueryOptions) (QueryResult, error) {
	sch := Schemas[table]
	b := newExprBuilder()
	expr := fmt.Sprintf("%s = %s", b.name(sch.HashKey), b.value(hash.Encode()))
	if cond != nil {
		alias := b.name(sch.SortKey)
		switch cond.Op {
		case RangeEQ:
			expr += fmt.Sprintf(" AND %s = %s", alias, b.value(cond.Value.Encode()))
		case RangeLT:
			expr += fmt.Sprintf(" AND %s < %s", alias, b.value(cond.Value.Encode()))
		case RangeLE:
			expr += fmt.Sprintf(" AND %s <= %s", alias, b.value(cond.Value.Encode()))
		case RangeGT:
			expr += fmt.Sprintf(" AND %s > %s", alias, b.value(cond.Value.Encode()))
		case RangeGE:
			expr += fmt.Sprintf(" AND %s >= %s", alias, b.value(cond.Value.Encode()))
		case RangeBetween:
			expr += fmt.Sprintf(" AND %s BETWEEN %s AND %s",
				alias, b.value(cond.Value.Encode()), b.value(cond.Value2.Encode()))
		case RangeBeginsWith:
			expr += fmt.Sprintf(" AND begins_with(%s, %s)", alias, b.value(cond.Value.Encode()))
		}
	}

	input := &dynamodb.QueryInput{
		TableName:                 d.tableName(table),
		KeyConditionExpression:    aws.String(expr),
		ExpressionAttributeNames:  b.namesOrNil(),
		ExpressionAttributeValues: b.valuesOrNil(),
		ScanIndexForward:          aws.Bool(!opts.Descending),
		ConsistentRead:            aws.Bool(true),
	}
	if opts.Limit > 0 {
		input.Limit = aws.Int32(int32(opts.Limit))
	}
	if opts.ExclusiveStart != nil {
		start := map[string]types.AttributeValue{
			sch.HashKey: toAttr(hash.Encode()),
			sch.SortKey: toAttr(opts.ExclusiveStart.Encode()),
		}
		input.ExclusiveStartKey = start
	}

	var out *dynamodb.QueryOutput
	err := d.withRetry(ctx, "query", func() error {
		var err error
		out, err = d.api.Query(ctx, input)
		return err
	})
	if err != nil {
		return QueryResult{}, err
	}

	var res QueryResult
	for _, raw := range out.Items {
		it, err := toItem(raw)
		if err != nil {
			return QueryResult{}, err
		}
		res.Items = append(res.Items, it)
	}
	if len(out.LastEvaluatedKey) > 0 {
		v, err := fromAttr(out.LastEvaluatedKey[sch.SortKey])
		if err != nil {
			return QueryResult{}, err
		}
		last := keyValueOf(v)
		res.LastEvaluated = &last
	}
	return res, nil
}

// Scan implements Client.
func (d *DynamoDB) Scan(ctx context.Context, table string, opts ScanOptions) (ScanResult, error) {
	input := &dynamodb.ScanInput{
		TableName: d.tableName(table),
	}
	if opts.Limit > 0 {
		input.Limit = aws.Int32(int32(opts.Limit))
	}
	if opts.ExclusiveStart != nil {
		input.ExclusiveStartKey = keyAttrs(table, *opts.ExclusiveStart)
	}

	var out *dynamodb.ScanOutput
	err := d.withRetry(ctx, "scan", func() error {
		var err error
		out, err = d.api.Scan(ctx, input)
		return err
	})
	if err != nil {
		return ScanResult{}, err
	}

	var res ScanResult
	for _, raw := range out.Items {
		it, err := toItem(raw)
		if err != nil {
			return ScanResult{}, err
		}
		res.Items = append(res.Items, it)
	}
	if len(out.LastEvaluatedKey) > 0 {
		it, err := toItem(out.LastEvaluatedKey)
		if err != nil {
			return ScanResult{}, err
		}
		last := KeyOf(table, it)
		res.LastEvaluated = &last
	}
	return res, nil
}
