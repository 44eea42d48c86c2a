package s3

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/google/uuid"

	"github.com/cumulodb/cumulo/objstore"
)

// DDBClient is the subset of the DynamoDB API the commit store uses.
// *dynamodb.Client satisfies it; tests substitute a fake.
type DDBClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// CommitStore implements objstore.Store for S3-compatible services that do
// not support conditional writes, using a DynamoDB table as the commit
// ledger. Object content still lives in the wrapped store; only the
// compare-and-swap decision moves to DynamoDB:
//   - PutIf stages the content in the wrapped store under a versioned key,
//     then flips the ledger entry with a DynamoDB conditional write
//   - Get resolves the ledger entry first and falls back to the wrapped
//     store for keys that were never written conditionally
//   - Plain Put, GetRange and Stat pass through untouched, which covers
//     segment objects
//
// Versions returned by the commit store are ledger counters, not ETags, so
// a store carrying state written without the ledger cannot be wrapped
// after the fact.
//
// Table schema:
//   - Partition key: base_uri (string) - ledger scope, one per store root
//   - Sort key: obj_key (string) - the logical object key
//
// Create the table with:
//
//	aws dynamodb create-table \
//	  --table-name cumulo-commits \
//	  --attribute-definitions AttributeName=base_uri,AttributeType=S AttributeName=obj_key,AttributeType=S \
//	  --key-schema AttributeName=base_uri,KeyType=HASH AttributeName=obj_key,KeyType=RANGE \
//	  --billing-mode PAY_PER_REQUEST
type CommitStore struct {
	inner objstore.Store
	ddb   DDBClient
	table string
	scope string
}

// NewCommitStore wraps inner with a DynamoDB commit ledger. The scope
// partitions the table so several stores can share it; "bucket/prefix" of
// the wrapped store is the usual choice.
func NewCommitStore(inner objstore.Store, ddb DDBClient, table, scope string) *CommitStore {
	return &CommitStore{inner: inner, ddb: ddb, table: table, scope: scope}
}

type ledgerEntry struct {
	ver     uint64
	dataKey string
}

// Get returns the content and ledger version of key. Keys without a ledger
// entry fall through to the wrapped store.
func (c *CommitStore) Get(ctx context.Context, key string) ([]byte, objstore.Version, error) {
	// A concurrent PutIf deletes the staged object of the version it
	// replaces, so the entry resolved here can point at a vanished key.
	// Re-resolving picks up the winner's entry.
	for attempt := 0; attempt < 3; attempt++ {
		entry, ok, err := c.lookup(ctx, key)
		if err != nil {
			return nil, objstore.VersionAbsent, err
		}
		if !ok {
			return c.inner.Get(ctx, key)
		}
		data, _, err := c.inner.Get(ctx, entry.dataKey)
		if errors.Is(err, objstore.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, objstore.VersionAbsent, err
		}
		return data, ledgerVersion(entry.ver), nil
	}
	return nil, objstore.VersionAbsent, objstore.MarkTransient(fmt.Errorf("ddb: get %q: staged object vanished during read", key))
}

// GetRange passes through to the wrapped store. Range reads serve segment
// blocks, which are written with plain Put and have no ledger entry.
func (c *CommitStore) GetRange(ctx context.Context, key string, offset, length int64) ([]byte, error) {
	return c.inner.GetRange(ctx, key, offset, length)
}

// Put passes through to the wrapped store.
func (c *CommitStore) Put(ctx context.Context, key string, data []byte) (objstore.Version, error) {
	return c.inner.Put(ctx, key, data)
}

// PutIf writes the object only if the ledger entry for key matches
// expected. The content is staged in the wrapped store first; the
// conditional write on the ledger entry decides the winner, and the loser's
// staged object is removed.
func (c *CommitStore) PutIf(ctx context.Context, key string, data []byte, expected objstore.Version) (objstore.Version, error) {
	next := uint64(1)
	cond := "attribute_not_exists(base_uri)"
	var values map[string]types.AttributeValue
	if expected != objstore.VersionAbsent {
		exp, err := strconv.ParseUint(string(expected), 10, 64)
		if err != nil {
			// A version minted outside the ledger cannot match a ledger
			// counter.
			return objstore.VersionAbsent, objstore.ErrPreconditionFailed
		}
		next = exp + 1
		cond = "ver = :exp"
		values = map[string]types.AttributeValue{
			":exp": &types.AttributeValueMemberN{Value: strconv.FormatUint(exp, 10)},
		}
	}

	staged := stagingKey(key, next)
	if _, err := c.inner.Put(ctx, staged, data); err != nil {
		return objstore.VersionAbsent, err
	}

	out, err := c.ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.table),
		Item: map[string]types.AttributeValue{
			"base_uri": &types.AttributeValueMemberS{Value: c.scope},
			"obj_key":  &types.AttributeValueMemberS{Value: key},
			"ver":      &types.AttributeValueMemberN{Value: strconv.FormatUint(next, 10)},
			"data_key": &types.AttributeValueMemberS{Value: staged},
		},
		ConditionExpression:       aws.String(cond),
		ExpressionAttributeValues: values,
		ReturnValues:              types.ReturnValueAllOld,
	})
	if err != nil {
		_ = c.inner.Delete(ctx, staged)
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return objstore.VersionAbsent, objstore.ErrPreconditionFailed
		}
		return objstore.VersionAbsent, ddbClassify("put_if", key, err)
	}

	// The replaced entry's staged object is unreachable now.
	if old, ok := out.Attributes["data_key"].(*types.AttributeValueMemberS); ok && old.Value != staged {
		_ = c.inner.Delete(ctx, old.Value)
	}
	return ledgerVersion(next), nil
}

// List merges ledger keys under prefix with the wrapped store's listing,
// hiding staged objects. Both sides report logical keys, so callers see
// the same namespace that Get resolves.
func (c *CommitStore) List(ctx context.Context, prefix string) ([]string, error) {
	ledger, err := c.ledgerKeys(ctx, prefix)
	if err != nil {
		return nil, err
	}
	stored, err := c.inner.List(ctx, prefix)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(ledger)+len(stored))
	keys := make([]string, 0, len(ledger)+len(stored))
	for _, k := range ledger {
		if _, dup := seen[k]; !dup {
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}
	for _, k := range stored {
		if isStagingKey(k) {
			continue
		}
		if _, dup := seen[k]; !dup {
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Delete removes the ledger entry, its staged object and any plain object
// at key. Missing keys are not an error.
func (c *CommitStore) Delete(ctx context.Context, key string) error {
	entry, ok, err := c.lookup(ctx, key)
	if err != nil {
		return err
	}
	if ok {
		if _, err := c.ddb.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(c.table),
			Key:       c.itemKey(key),
		}); err != nil {
			return ddbClassify("delete", key, err)
		}
		if err := c.inner.Delete(ctx, entry.dataKey); err != nil {
			return err
		}
	}
	return c.inner.Delete(ctx, key)
}

// Stat passes through to the wrapped store. Maintenance stats segment
// objects only, and those have no ledger entry.
func (c *CommitStore) Stat(ctx context.Context, key string) (objstore.ObjectInfo, error) {
	return c.inner.Stat(ctx, key)
}

func (c *CommitStore) itemKey(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"base_uri": &types.AttributeValueMemberS{Value: c.scope},
		"obj_key":  &types.AttributeValueMemberS{Value: key},
	}
}

// lookup reads the ledger entry for key with a consistent read.
func (c *CommitStore) lookup(ctx context.Context, key string) (ledgerEntry, bool, error) {
	out, err := c.ddb.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.table),
		Key:            c.itemKey(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return ledgerEntry{}, false, ddbClassify("get", key, err)
	}
	if len(out.Item) == 0 {
		return ledgerEntry{}, false, nil
	}

	verAttr, ok := out.Item["ver"].(*types.AttributeValueMemberN)
	if !ok {
		return ledgerEntry{}, false, fmt.Errorf("ddb: ledger entry %q: missing ver attribute", key)
	}
	ver, err := strconv.ParseUint(verAttr.Value, 10, 64)
	if err != nil {
		return ledgerEntry{}, false, fmt.Errorf("ddb: ledger entry %q: parse ver: %w", key, err)
	}
	dataAttr, ok := out.Item["data_key"].(*types.AttributeValueMemberS)
	if !ok {
		return ledgerEntry{}, false, fmt.Errorf("ddb: ledger entry %q: missing data_key attribute", key)
	}
	return ledgerEntry{ver: ver, dataKey: dataAttr.Value}, true, nil
}

// ledgerKeys returns all logical keys under prefix recorded in the ledger.
func (c *CommitStore) ledgerKeys(ctx context.Context, prefix string) ([]string, error) {
	cond := "base_uri = :scope"
	values := map[string]types.AttributeValue{
		":scope": &types.AttributeValueMemberS{Value: c.scope},
	}
	if prefix != "" {
		cond += " AND begins_with(obj_key, :prefix)"
		values[":prefix"] = &types.AttributeValueMemberS{Value: prefix}
	}

	var keys []string
	var start map[string]types.AttributeValue
	for {
		out, err := c.ddb.Query(ctx, &dynamodb.QueryInput{
			TableName:                 aws.String(c.table),
			KeyConditionExpression:    aws.String(cond),
			ExpressionAttributeValues: values,
			ExclusiveStartKey:         start,
		})
		if err != nil {
			return nil, ddbClassify("query", prefix, err)
		}
		for _, item := range out.Items {
			if k, ok := item["obj_key"].(*types.AttributeValueMemberS); ok {
				keys = append(keys, k.Value)
			}
		}
		if len(out.LastEvaluatedKey) == 0 {
			return keys, nil
		}
		start = out.LastEvaluatedKey
	}
}

// stagingRe matches the fragment stagingKey appends to logical keys.
var stagingRe = regexp.MustCompile(`\.v\d+-[0-9a-f]{8}$`)

func isStagingKey(key string) bool { return stagingRe.MatchString(key) }

// stagingKey derives a unique object key for one attempted version of key.
// The random fragment keeps racing writers of the same version from
// overwriting each other's staged content.
func stagingKey(key string, ver uint64) string {
	return fmt.Sprintf("%s.v%d-%s", key, ver, uuid.NewString()[:8])
}

func ledgerVersion(ver uint64) objstore.Version {
	return objstore.Version(strconv.FormatUint(ver, 10))
}

// ddbClassify wraps err with the operation context and marks it transient
// when retrying could help.
func ddbClassify(op, key string, err error) error {
	wrapped := fmt.Errorf("ddb: %s %q: %w", op, key, err)

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ProvisionedThroughputExceededException", "ThrottlingException", "RequestLimitExceeded", "InternalServerError":
			return objstore.MarkTransient(wrapped)
		}
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() >= 500 {
		return objstore.MarkTransient(wrapped)
	}
	if objstore.IsTransient(err) {
		return objstore.MarkTransient(wrapped)
	}
	return wrapped
}
