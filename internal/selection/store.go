package selection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/adaptanoide/photo-inventory/internal/awsx"
)

// ErrStatusMismatch indicates a conditional status transition found the
// selection in a different state than expected.
var ErrStatusMismatch = errors.New("selection status mismatch")

// Store encapsulates operations on the selections table.
type Store struct {
	client    awsx.DynamoDBAPI
	tableName string
	nowFunc   func() time.Time
}

// NewStore creates a new selections Store.
func NewStore(client awsx.DynamoDBAPI, tableName string) *Store {
	return &Store{
		client:    client,
		tableName: tableName,
		nowFunc:   time.Now,
	}
}

// Put persists a new selection; fails if the id already exists.
func (s *Store) Put(ctx context.Context, sel Selection) error {
	item, err := attributevalue.MarshalMap(sel)
	if err != nil {
		return fmt.Errorf("marshal selection: %w", err)
	}
	input := &dyn.PutItemInput{
		TableName:           &s.tableName,
		Item:                item,
		ConditionExpression: awsString("attribute_not_exists(selection_id)"),
	}
	if _, err := s.client.PutItem(ctx, input); err != nil {
		return fmt.Errorf("put selection: %w", err)
	}
	return nil
}

// Get fetches a selection by id. Returns (nil, nil) if not found.
func (s *Store) Get(ctx context.Context, selectionID string) (*Selection, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &s.tableName,
		Key:       selKey(selectionID),
	})
	if err != nil {
		return nil, fmt.Errorf("get selection: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var sel Selection
	if err := attributevalue.UnmarshalMap(out.Item, &sel); err != nil {
		return nil, fmt.Errorf("unmarshal selection: %w", err)
	}
	return &sel, nil
}

// UpdateStatus conditionally transitions the selection from one of the
// expected statuses to newStatus, appending a movement entry when given.
// Returns ErrStatusMismatch when the selection is not in an expected state.
func (s *Store) UpdateStatus(ctx context.Context, selectionID, newStatus string, movement *Movement, expected ...string) error {
	now := s.nowFunc()
	expr := "SET #s = :new, updated_at = :ua"
	values := map[string]types.AttributeValue{
		":new": &types.AttributeValueMemberS{Value: newStatus},
		":ua":  timeAttr(now),
	}
	if movement != nil {
		expr += ", movement_log = list_append(if_not_exists(movement_log, :empty), :mv)"
		mv, err := movementAttr(*movement)
		if err != nil {
			return err
		}
		values[":mv"] = mv
		values[":empty"] = &types.AttributeValueMemberL{Value: []types.AttributeValue{}}
	}

	cond := ""
	for i, st := range expected {
		if i > 0 {
			cond += " OR "
		}
		ph := fmt.Sprintf(":e%d", i)
		cond += "#s = " + ph
		values[ph] = &types.AttributeValueMemberS{Value: st}
	}

	input := &dyn.UpdateItemInput{
		TableName:                 &s.tableName,
		Key:                       selKey(selectionID),
		UpdateExpression:          &expr,
		ExpressionAttributeNames:  map[string]string{"#s": "status"},
		ExpressionAttributeValues: values,
		ConditionExpression:       &cond,
	}
	if _, err := s.client.UpdateItem(ctx, input); err != nil {
		if isConditionalFailure(err) {
			return ErrStatusMismatch
		}
		return fmt.Errorf("update selection status: %w", err)
	}
	return nil
}

// BeginFinalize moves a pending or confirmed selection into the transitional
// approving state. The write re-checks the retired-photos review flag, so a
// self-heal landing after the caller's read still blocks finalization
// instead of being silently overridden.
func (s *Store) BeginFinalize(ctx context.Context, selectionID string) error {
	input := &dyn.UpdateItemInput{
		TableName:        &s.tableName,
		Key:              selKey(selectionID),
		UpdateExpression: awsString("SET #s = :new, updated_at = :ua"),
		ConditionExpression: awsString("(#s = :e0 OR #s = :e1) AND " +
			"(attribute_not_exists(has_retired_photos) OR has_retired_photos = :off)"),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":new": &types.AttributeValueMemberS{Value: StatusApproving},
			":ua":  timeAttr(s.nowFunc()),
			":e0":  &types.AttributeValueMemberS{Value: StatusPending},
			":e1":  &types.AttributeValueMemberS{Value: StatusConfirmed},
			":off": &types.AttributeValueMemberBOOL{Value: false},
		},
	}
	if _, err := s.client.UpdateItem(ctx, input); err != nil {
		if isConditionalFailure(err) {
			return ErrStatusMismatch
		}
		return fmt.Errorf("begin finalize: %w", err)
	}
	return nil
}

// ReplaceItems rewrites the item list and total (the self-heal write path),
// appending a movement entry and optionally raising the retired-photos
// review flag. Conditional on the selection still being in one of the
// expected statuses.
func (s *Store) ReplaceItems(ctx context.Context, selectionID string, items []Item, total float64, movement Movement, setRetiredFlag bool, expected ...string) error {
	now := s.nowFunc()
	itemsAttr, err := attributevalue.Marshal(items)
	if err != nil {
		return fmt.Errorf("marshal items: %w", err)
	}
	mv, err := movementAttr(movement)
	if err != nil {
		return err
	}

	expr := "SET #it = :items, total_value = :tv, updated_at = :ua, " +
		"movement_log = list_append(if_not_exists(movement_log, :empty), :mv)"
	values := map[string]types.AttributeValue{
		":items": itemsAttr,
		":tv":    &types.AttributeValueMemberN{Value: fmt.Sprintf("%g", total)},
		":ua":    timeAttr(now),
		":empty": &types.AttributeValueMemberL{Value: []types.AttributeValue{}},
		":mv":    mv,
	}
	if setRetiredFlag {
		expr += ", has_retired_photos = :flag"
		values[":flag"] = &types.AttributeValueMemberBOOL{Value: true}
	}

	cond := ""
	for i, st := range expected {
		if i > 0 {
			cond += " OR "
		}
		ph := fmt.Sprintf(":e%d", i)
		cond += "#s = " + ph
		values[ph] = &types.AttributeValueMemberS{Value: st}
	}

	input := &dyn.UpdateItemInput{
		TableName:        &s.tableName,
		Key:              selKey(selectionID),
		UpdateExpression: &expr,
		ExpressionAttributeNames: map[string]string{
			"#s":  "status",
			"#it": "items",
		},
		ExpressionAttributeValues: values,
		ConditionExpression:       &cond,
	}
	if _, err := s.client.UpdateItem(ctx, input); err != nil {
		if isConditionalFailure(err) {
			return ErrStatusMismatch
		}
		return fmt.Errorf("replace selection items: %w", err)
	}
	return nil
}

// ClearRetiredFlag lowers the review flag after an operator acknowledged the
// auto-removed items, appending a requeued movement entry.
func (s *Store) ClearRetiredFlag(ctx context.Context, selectionID string, movement Movement) error {
	now := s.nowFunc()
	mv, err := movementAttr(movement)
	if err != nil {
		return err
	}
	input := &dyn.UpdateItemInput{
		TableName: &s.tableName,
		Key:       selKey(selectionID),
		UpdateExpression: awsString("SET has_retired_photos = :off, updated_at = :ua, " +
			"movement_log = list_append(if_not_exists(movement_log, :empty), :mv)"),
		ConditionExpression: awsString("has_retired_photos = :on"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":off":   &types.AttributeValueMemberBOOL{Value: false},
			":on":    &types.AttributeValueMemberBOOL{Value: true},
			":ua":    timeAttr(now),
			":empty": &types.AttributeValueMemberL{Value: []types.AttributeValue{}},
			":mv":    mv,
		},
	}
	if _, err := s.client.UpdateItem(ctx, input); err != nil {
		if isConditionalFailure(err) {
			return ErrStatusMismatch
		}
		return fmt.Errorf("clear retired flag: %w", err)
	}
	return nil
}

func selKey(selectionID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"selection_id": &types.AttributeValueMemberS{Value: selectionID},
	}
}

func movementAttr(mv Movement) (types.AttributeValue, error) {
	m, err := attributevalue.Marshal(&mv)
	if err != nil {
		return nil, fmt.Errorf("marshal movement: %w", err)
	}
	return &types.AttributeValueMemberL{Value: []types.AttributeValue{m}}, nil
}

func timeAttr(t time.Time) types.AttributeValue {
	return &types.AttributeValueMemberS{Value: t.UTC().Format(time.RFC3339)}
}

func isConditionalFailure(err error) bool {
	var cf *types.ConditionalCheckFailedException
	if errors.As(err, &cf) {
		return true
	}
	var api smithy.APIError
	return errors.As(err, &api) && api.ErrorCode() == "ConditionalCheckFailedException"
}

// Helper
func awsString(s string) *string { return &s }
