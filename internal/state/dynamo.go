package state

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dynamotypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/cockroachdb/errors"

	apperrors "github.com/mpz/devops/tools/aurora-restore-pipeline/internal/errors"
	"github.com/mpz/devops/tools/aurora-restore-pipeline/internal/retry"
	"github.com/mpz/devops/tools/aurora-restore-pipeline/internal/types"
)

// DynamoAPI is the slice of the DynamoDB API the store uses.
type DynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// DynamoStore persists step records in a DynamoDB table with partition key
// operation_id and sort key step_key. The sort key is the chain-indexed form
// of the step name so a descending query returns the chain-latest row. Table
// calls run under the transient-retry policy.
type DynamoStore struct {
	client DynamoAPI
	table  string
	policy retry.Policy
}

// NewDynamoStore creates a store over the given table.
func NewDynamoStore(client DynamoAPI, table string) *DynamoStore {
	return &DynamoStore{client: client, table: table, policy: retry.DefaultPolicy()}
}

// WithRetryPolicy overrides the transient-retry policy. Tests use it to drop
// the backoff sleeps.
func (s *DynamoStore) WithRetryPolicy(p retry.Policy) *DynamoStore {
	s.policy = p
	return s
}

// call runs one table call under the retry policy. Throttled or 5xx calls
// back off and retry; other errors return immediately.
func (s *DynamoStore) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return s.policy.Do(ctx, nil, op, func(ctx context.Context) error {
		return retry.Classify(fn(ctx))
	})
}

// item is the marshaled row shape. step_key exists only for ordering; the
// record itself carries the plain step name.
type item struct {
	StepKey string `dynamodbav:"step_key"`
	types.StepRecord
}

func (s *DynamoStore) SaveStep(ctx context.Context, rec *types.StepRecord) error {
	av, err := attributevalue.MarshalMap(item{StepKey: rec.Step.SortKey(), StepRecord: *rec})
	if err != nil {
		return errors.Wrap(err, "marshal step record")
	}
	err = s.call(ctx, "save step", func(ctx context.Context) error {
		_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName: aws.String(s.table),
			Item:      av,
		})
		return err
	})
	if err != nil {
		return errors.Wrapf(err, "save step %s for %s", rec.Step, rec.OperationID)
	}
	return nil
}

func (s *DynamoStore) GetStep(ctx context.Context, operationID string, step types.Step) (*types.StepRecord, error) {
	var out *dynamodb.GetItemOutput
	err := s.call(ctx, "get step", func(ctx context.Context) error {
		var err error
		out, err = s.client.GetItem(ctx, &dynamodb.GetItemInput{
			TableName: aws.String(s.table),
			Key:       key(operationID, step.SortKey()),
		})
		return err
	})
	if err != nil {
		return nil, errors.Wrapf(err, "get step %s for %s", step, operationID)
	}
	if len(out.Item) == 0 {
		return nil, errors.Wrapf(apperrors.ErrNotFound, "step %s for %s", step, operationID)
	}
	return unmarshalRecord(out.Item)
}

func (s *DynamoStore) LatestStep(ctx context.Context, operationID string) (*types.StepRecord, error) {
	var out *dynamodb.QueryOutput
	err := s.call(ctx, "query latest step", func(ctx context.Context) error {
		var err error
		out, err = s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.table),
			KeyConditionExpression: aws.String("operation_id = :op"),
			ExpressionAttributeValues: map[string]dynamotypes.AttributeValue{
				":op": &dynamotypes.AttributeValueMemberS{Value: operationID},
			},
			ScanIndexForward: aws.Bool(false),
			Limit:            aws.Int32(1),
		})
		return err
	})
	if err != nil {
		return nil, errors.Wrapf(err, "query latest step for %s", operationID)
	}
	if len(out.Items) == 0 {
		return nil, errors.Wrapf(apperrors.ErrNotFound, "operation %s", operationID)
	}
	return unmarshalRecord(out.Items[0])
}

func (s *DynamoStore) ListSteps(ctx context.Context, operationID string) ([]*types.StepRecord, error) {
	var out *dynamodb.QueryOutput
	err := s.call(ctx, "query steps", func(ctx context.Context) error {
		var err error
		out, err = s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.table),
			KeyConditionExpression: aws.String("operation_id = :op"),
			ExpressionAttributeValues: map[string]dynamotypes.AttributeValue{
				":op": &dynamotypes.AttributeValueMemberS{Value: operationID},
			},
		})
		return err
	})
	if err != nil {
		return nil, errors.Wrapf(err, "query steps for %s", operationID)
	}
	recs := make([]*types.StepRecord, 0, len(out.Items))
	for _, it := range out.Items {
		rec, err := unmarshalRecord(it)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func (s *DynamoStore) DeleteOperation(ctx context.Context, operationID string) (int, error) {
	recs, err := s.ListSteps(ctx, operationID)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, rec := range recs {
		err := s.call(ctx, "delete step", func(ctx context.Context) error {
			_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
				TableName: aws.String(s.table),
				Key:       key(operationID, rec.Step.SortKey()),
			})
			return err
		})
		if err != nil {
			return deleted, errors.Wrapf(err, "delete step %s for %s", rec.Step, operationID)
		}
		deleted++
	}
	return deleted, nil
}

func key(operationID, stepKey string) map[string]dynamotypes.AttributeValue {
	return map[string]dynamotypes.AttributeValue{
		"operation_id": &dynamotypes.AttributeValueMemberS{Value: operationID},
		"step_key":     &dynamotypes.AttributeValueMemberS{Value: stepKey},
	}
}

func unmarshalRecord(av map[string]dynamotypes.AttributeValue) (*types.StepRecord, error) {
	var it item
	if err := attributevalue.UnmarshalMap(av, &it); err != nil {
		return nil, errors.Wrap(err, "unmarshal step record")
	}
	rec := it.StepRecord
	return &rec, nil
}
