package state

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dynamotypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/cockroachdb/errors"

	apperrors "github.com/mpz/devops/tools/aurora-restore-pipeline/internal/errors"
	"github.com/mpz/devops/tools/aurora-restore-pipeline/internal/types"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if _, err := s.LatestStep(ctx, "op-1"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("LatestStep on empty store: %v", err)
	}

	rec := &types.StepRecord{OperationID: "op-1", Step: types.StepSnapshotCheck, Success: true, SnapshotName: "snap"}
	if err := s.SaveStep(ctx, rec); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetStep(ctx, "op-1", types.StepSnapshotCheck)
	if err != nil {
		t.Fatal(err)
	}
	if got.SnapshotName != "snap" {
		t.Errorf("got %+v", got)
	}
}

func TestMemoryStoreLatestIsChainOrderNotWriteOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	// Write a later chain step first, then re-write an earlier one: latest
	// must stay the later chain step.
	steps := []types.Step{types.StepRestoreSnapshot, types.StepSnapshotCheck, types.StepCopySnapshot}
	for _, st := range steps {
		if err := s.SaveStep(ctx, &types.StepRecord{OperationID: "op-1", Step: st, Success: true}); err != nil {
			t.Fatal(err)
		}
	}
	latest, err := s.LatestStep(ctx, "op-1")
	if err != nil {
		t.Fatal(err)
	}
	if latest.Step != types.StepRestoreSnapshot {
		t.Errorf("latest = %s, want restore_snapshot", latest.Step)
	}
}

func TestMemoryStorePollingOverwrites(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	for i := 1; i <= 3; i++ {
		rec := &types.StepRecord{OperationID: "op-1", Step: types.StepCheckCopyStatus, PollAttempts: i}
		if err := s.SaveStep(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}
	all, err := s.ListSteps(ctx, "op-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Fatalf("rows = %d, want 1 (overwrite)", len(all))
	}
	if all[0].PollAttempts != 3 {
		t.Errorf("attempts = %d", all[0].PollAttempts)
	}
}

func TestMemoryStoreDeleteOperation(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for _, st := range []types.Step{types.StepSnapshotCheck, types.StepCopySnapshot} {
		if err := s.SaveStep(ctx, &types.StepRecord{OperationID: "op-1", Step: st}); err != nil {
			t.Fatal(err)
		}
	}
	n, err := s.DeleteOperation(ctx, "op-1")
	if err != nil || n != 2 {
		t.Fatalf("deleted %d, err %v", n, err)
	}
	n, err = s.DeleteOperation(ctx, "op-unknown")
	if err != nil || n != 0 {
		t.Fatalf("unknown operation: deleted %d, err %v", n, err)
	}
}

// fakeDynamo keeps items keyed like the real table and records query inputs.
type fakeDynamo struct {
	items     map[string]map[string]dynamotypes.AttributeValue // pk|sk -> item
	lastQuery *dynamodb.QueryInput
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{items: map[string]map[string]dynamotypes.AttributeValue{}}
}

func itemKey(av map[string]dynamotypes.AttributeValue) string {
	pk := av["operation_id"].(*dynamotypes.AttributeValueMemberS).Value
	sk := av["step_key"].(*dynamotypes.AttributeValueMemberS).Value
	return pk + "|" + sk
}

func (f *fakeDynamo) PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.items[itemKey(params.Item)] = params.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	if it, ok := f.items[itemKey(params.Key)]; ok {
		return &dynamodb.GetItemOutput{Item: it}, nil
	}
	return &dynamodb.GetItemOutput{}, nil
}

func (f *fakeDynamo) Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.lastQuery = params
	op := params.ExpressionAttributeValues[":op"].(*dynamotypes.AttributeValueMemberS).Value
	var keys []string
	for k := range f.items {
		if len(k) > len(op) && k[:len(op)+1] == op+"|" {
			keys = append(keys, k)
		}
	}
	// Ascending sort-key order, reversed when ScanIndexForward is false.
	for i := 0; i < len(keys); i++ {
		for j := i + 1; j < len(keys); j++ {
			if keys[j] < keys[i] {
				keys[i], keys[j] = keys[j], keys[i]
			}
		}
	}
	if params.ScanIndexForward != nil && !*params.ScanIndexForward {
		for i, j := 0, len(keys)-1; i < j; i, j = i+1, j-1 {
			keys[i], keys[j] = keys[j], keys[i]
		}
	}
	if params.Limit != nil && len(keys) > int(*params.Limit) {
		keys = keys[:int(*params.Limit)]
	}
	out := &dynamodb.QueryOutput{}
	for _, k := range keys {
		out.Items = append(out.Items, f.items[k])
	}
	return out, nil
}

func (f *fakeDynamo) DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	delete(f.items, itemKey(params.Key))
	return &dynamodb.DeleteItemOutput{}, nil
}

func TestDynamoStoreSaveWritesStepKey(t *testing.T) {
	ctx := context.Background()
	fake := newFakeDynamo()
	s := NewDynamoStore(fake, "aurora-restore-state")

	rec := &types.StepRecord{OperationID: "op-1", Step: types.StepCopySnapshot, Success: true}
	if err := s.SaveStep(ctx, rec); err != nil {
		t.Fatal(err)
	}
	it, ok := fake.items["op-1|01#copy_snapshot"]
	if !ok {
		t.Fatalf("item not stored under chain-indexed sort key; have %v", fake.items)
	}
	var stored types.StepRecord
	if err := attributevalue.UnmarshalMap(it, &stored); err != nil {
		t.Fatal(err)
	}
	if stored.Step != types.StepCopySnapshot || !stored.Success {
		t.Errorf("stored = %+v", stored)
	}
}

func TestDynamoStoreLatestStepQueriesDescending(t *testing.T) {
	ctx := context.Background()
	fake := newFakeDynamo()
	s := NewDynamoStore(fake, "aurora-restore-state")

	for _, st := range []types.Step{types.StepSnapshotCheck, types.StepCopySnapshot, types.StepDeleteRDS} {
		if err := s.SaveStep(ctx, &types.StepRecord{OperationID: "op-1", Step: st}); err != nil {
			t.Fatal(err)
		}
	}
	latest, err := s.LatestStep(ctx, "op-1")
	if err != nil {
		t.Fatal(err)
	}
	if latest.Step != types.StepDeleteRDS {
		t.Errorf("latest = %s", latest.Step)
	}
	if fake.lastQuery.ScanIndexForward == nil || *fake.lastQuery.ScanIndexForward {
		t.Error("query should scan descending")
	}
	if fake.lastQuery.Limit == nil || *fake.lastQuery.Limit != 1 {
		t.Error("query should limit 1")
	}
}

func TestDynamoStoreGetStepNotFound(t *testing.T) {
	s := NewDynamoStore(newFakeDynamo(), "aurora-restore-state")
	_, err := s.GetStep(context.Background(), "op-1", types.StepSnapshotCheck)
	if !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestDynamoStoreDeleteOperation(t *testing.T) {
	ctx := context.Background()
	fake := newFakeDynamo()
	s := NewDynamoStore(fake, "aurora-restore-state")
	for _, st := range []types.Step{types.StepSnapshotCheck, types.StepCopySnapshot} {
		if err := s.SaveStep(ctx, &types.StepRecord{OperationID: "op-1", Step: st}); err != nil {
			t.Fatal(err)
		}
	}
	n, err := s.DeleteOperation(ctx, "op-1")
	if err != nil || n != 2 {
		t.Fatalf("deleted %d, err %v", n, err)
	}
	if len(fake.items) != 0 {
		t.Errorf("items remain: %v", fake.items)
	}
}
