package product

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

// ErrConditionFailed indicates a conditional write lost a race (e.g. a
// competing hold claimed the item first).
var ErrConditionFailed = errors.New("conditional check failed")

// ErrNotFound indicates the item has no record in the products table.
var ErrNotFound = errors.New("product record not found")

// Store encapsulates operations on the products table. Every mutation is a
// single conditional write scoped to one record, so operations on different
// items are fully parallel and operations on the same item race safely.
type Store struct {
	client    awsx.DynamoDBAPI
	tableName string
	nowFunc   func() time.Time
}

// NewStore creates a new products Store.
func NewStore(client awsx.DynamoDBAPI, tableName string) *Store {
	return &Store{
		client:    client,
		tableName: tableName,
		nowFunc:   time.Now,
	}
}

// Get fetches a record by item key. Returns (nil, nil) if not found.
func (s *Store) Get(ctx context.Context, itemKey string) (*Record, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &s.tableName,
		Key:       itemKeyAttr(itemKey),
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var rec Record
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	return &rec, nil
}

// Claim atomically transitions a record to reserved with the given
// reservation. The condition admits an available record with no live claim,
// or a reserved record whose reservation has already expired (lazy TTL), and
// never a record committed to a selection. Returns ErrConditionFailed when
// the claim loses the race.
func (s *Store) Claim(ctx context.Context, itemKey string, res Reservation) error {
	now := s.nowFunc()
	resAttr, err := attributevalue.Marshal(&res)
	if err != nil {
		return fmt.Errorf("marshal reservation: %w", err)
	}
	entry, err := historyAttr(HistoryEntry{
		From:   StatusAvailable,
		To:     StatusReserved,
		Actor:  ActorClient,
		Reason: fmt.Sprintf("held by %s/%s", res.ClientCode, res.SessionID),
		At:     now,
	})
	if err != nil {
		return err
	}

	input := &dyn.UpdateItemInput{
		TableName: &s.tableName,
		Key:       itemKeyAttr(itemKey),
		UpdateExpression: awsString(
			"SET internal_status = :resv, reservation = :res, updated_at = :ua, " +
				"status_history = list_append(if_not_exists(status_history, :empty), :entry)"),
		ConditionExpression: awsString(
			"attribute_not_exists(selection_id) AND (internal_status = :avail OR " +
				"(internal_status = :resv AND attribute_exists(reservation) AND reservation.expires_at <= :now))"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":avail": &types.AttributeValueMemberS{Value: string(StatusAvailable)},
			":resv":  &types.AttributeValueMemberS{Value: string(StatusReserved)},
			":res":   resAttr,
			":now":   &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", now.Unix())},
			":ua":    timeAttr(now),
			":empty": &types.AttributeValueMemberL{Value: []types.AttributeValue{}},
			":entry": entry,
		},
	}
	if _, err := s.client.UpdateItem(ctx, input); err != nil {
		if isConditionalFailure(err) {
			return ErrConditionFailed
		}
		return fmt.Errorf("claim item: %w", err)
	}
	return nil
}

// ReleaseHold removes the reservation if (and only if) it is owned by the
// given session, setting the internal status to next and the mirrored
// external status to nextExt. An audit entry is appended under the given
// actor. Releasing a hold owned by somebody else, or a hold that no longer
// exists, returns (false, nil): release is idempotent.
func (s *Store) ReleaseHold(ctx context.Context, itemKey, sessionID string, next InternalStatus, nextExt ExternalStatus, actor, reason string) (bool, error) {
	now := s.nowFunc()
	entry, err := historyAttr(HistoryEntry{
		From:   StatusReserved,
		To:     next,
		Actor:  actor,
		Reason: reason,
		At:     now,
	})
	if err != nil {
		return false, err
	}
	input := &dyn.UpdateItemInput{
		TableName: &s.tableName,
		Key:       itemKeyAttr(itemKey),
		UpdateExpression: awsString(
			"REMOVE reservation SET internal_status = :next, external_status = :ext, updated_at = :ua, " +
				"status_history = list_append(if_not_exists(status_history, :empty), :entry)"),
		ConditionExpression: awsString("attribute_exists(reservation) AND reservation.session_id = :sid"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":next":  &types.AttributeValueMemberS{Value: string(next)},
			":ext":   &types.AttributeValueMemberS{Value: string(nextExt)},
			":sid":   &types.AttributeValueMemberS{Value: sessionID},
			":ua":    timeAttr(now),
			":empty": &types.AttributeValueMemberL{Value: []types.AttributeValue{}},
			":entry": entry,
		},
	}
	if _, err := s.client.UpdateItem(ctx, input); err != nil {
		if isConditionalFailure(err) {
			return false, nil
		}
		return false, fmt.Errorf("release hold: %w", err)
	}
	return true, nil
}

// CommitToSelection performs the reservation-to-selection transfer for one
// item: the live reservation owned by sessionID is cleared and the selection
// id set in a single conditional write. Returns ErrConditionFailed if the
// hold is gone, expired, owned by another session, or the item is already
// committed.
func (s *Store) CommitToSelection(ctx context.Context, itemKey, sessionID, selectionID string) error {
	now := s.nowFunc()
	entry, err := historyAttr(HistoryEntry{
		From:   StatusReserved,
		To:     StatusInSelection,
		Actor:  ActorSelection,
		Reason: fmt.Sprintf("committed to selection %s", selectionID),
		At:     now,
	})
	if err != nil {
		return err
	}
	input := &dyn.UpdateItemInput{
		TableName: &s.tableName,
		Key:       itemKeyAttr(itemKey),
		UpdateExpression: awsString(
			"REMOVE reservation SET selection_id = :sel, internal_status = :insel, updated_at = :ua, " +
				"status_history = list_append(if_not_exists(status_history, :empty), :entry)"),
		ConditionExpression: awsString(
			"attribute_not_exists(selection_id) AND attribute_exists(reservation) AND " +
				"reservation.session_id = :sid AND reservation.expires_at > :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":sel":   &types.AttributeValueMemberS{Value: selectionID},
			":insel": &types.AttributeValueMemberS{Value: string(StatusInSelection)},
			":sid":   &types.AttributeValueMemberS{Value: sessionID},
			":now":   &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", now.Unix())},
			":ua":    timeAttr(now),
			":empty": &types.AttributeValueMemberL{Value: []types.AttributeValue{}},
			":entry": entry,
		},
	}
	if _, err := s.client.UpdateItem(ctx, input); err != nil {
		if isConditionalFailure(err) {
			return ErrConditionFailed
		}
		return fmt.Errorf("commit to selection: %w", err)
	}
	return nil
}

// DetachSelection clears the selection linkage, conditional on the record
// still pointing at the given selection. Returns (false, nil) when the
// linkage was already gone (idempotent, like ReleaseHold).
func (s *Store) DetachSelection(ctx context.Context, itemKey, selectionID string, next InternalStatus, nextExt ExternalStatus) (bool, error) {
	input := &dyn.UpdateItemInput{
		TableName:           &s.tableName,
		Key:                 itemKeyAttr(itemKey),
		UpdateExpression:    awsString("REMOVE selection_id SET internal_status = :next, external_status = :ext, updated_at = :ua"),
		ConditionExpression: awsString("selection_id = :sel"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":next": &types.AttributeValueMemberS{Value: string(next)},
			":ext":  &types.AttributeValueMemberS{Value: string(nextExt)},
			":sel":  &types.AttributeValueMemberS{Value: selectionID},
			":ua":   timeAttr(s.nowFunc()),
		},
	}
	if _, err := s.client.UpdateItem(ctx, input); err != nil {
		if isConditionalFailure(err) {
			return false, nil
		}
		return false, fmt.Errorf("detach selection: %w", err)
	}
	return true, nil
}

// RecordLedgerStatus updates the mirrored external status (and category) for
// an existing record. Returns ErrNotFound for ledger rows this store has
// never seen; the reconciler flags those for manual categorization instead of
// creating records blind.
func (s *Store) RecordLedgerStatus(ctx context.Context, itemKey string, ext ExternalStatus, categoryCode string) error {
	now := s.nowFunc()
	expr := "SET external_status = :ext, last_ledger_sync_at = :ts, updated_at = :ua"
	values := map[string]types.AttributeValue{
		":ext": &types.AttributeValueMemberS{Value: string(ext)},
		":ts":  timeAttr(now),
		":ua":  timeAttr(now),
	}
	if categoryCode != "" {
		expr += ", category_code = :cat"
		values[":cat"] = &types.AttributeValueMemberS{Value: categoryCode}
	}
	input := &dyn.UpdateItemInput{
		TableName:                 &s.tableName,
		Key:                       itemKeyAttr(itemKey),
		UpdateExpression:          &expr,
		ConditionExpression:       awsString("attribute_exists(item_key)"),
		ExpressionAttributeValues: values,
	}
	if _, err := s.client.UpdateItem(ctx, input); err != nil {
		if isConditionalFailure(err) {
			return ErrNotFound
		}
		return fmt.Errorf("record ledger status: %w", err)
	}
	return nil
}

// MarkSold moves a record to sold: external and internal status both become
// terminal, any reservation is dropped and an audit entry is appended under
// the given actor. Used both for finalized selections and for sales observed
// out-of-band in the ledger. Returns (false, nil) if already sold.
func (s *Store) MarkSold(ctx context.Context, itemKey string, prior InternalStatus, actor, reason string) (bool, error) {
	now := s.nowFunc()
	entry, err := historyAttr(HistoryEntry{
		From:   prior,
		To:     StatusSold,
		Actor:  actor,
		Reason: reason,
		At:     now,
	})
	if err != nil {
		return false, err
	}
	input := &dyn.UpdateItemInput{
		TableName: &s.tableName,
		Key:       itemKeyAttr(itemKey),
		UpdateExpression: awsString(
			"REMOVE reservation SET internal_status = :sold, external_status = :ret, " +
				"last_ledger_sync_at = :ts, updated_at = :ua, " +
				"status_history = list_append(if_not_exists(status_history, :empty), :entry)"),
		ConditionExpression: awsString("attribute_exists(item_key) AND internal_status <> :sold"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":sold":  &types.AttributeValueMemberS{Value: string(StatusSold)},
			":ret":   &types.AttributeValueMemberS{Value: string(ExtRetirado)},
			":ts":    timeAttr(now),
			":ua":    timeAttr(now),
			":empty": &types.AttributeValueMemberL{Value: []types.AttributeValue{}},
			":entry": entry,
		},
	}
	if _, err := s.client.UpdateItem(ctx, input); err != nil {
		if isConditionalFailure(err) {
			return false, nil
		}
		return false, fmt.Errorf("mark sold: %w", err)
	}
	return true, nil
}

// ApplyCorrection rewrites a drifted internal status to the expected value,
// appending an auto-corrected audit entry. Conditional on the status still
// being the drifted one, so a concurrent legitimate transition wins; in that
// case (false, nil) is returned.
func (s *Store) ApplyCorrection(ctx context.Context, itemKey string, from, to InternalStatus, reason string, clearReservation bool) (bool, error) {
	now := s.nowFunc()
	entry, err := historyAttr(HistoryEntry{
		From:   from,
		To:     to,
		Actor:  ActorAutoCorrected,
		Reason: reason,
		At:     now,
	})
	if err != nil {
		return false, err
	}
	expr := "SET internal_status = :to, updated_at = :ua, " +
		"status_history = list_append(if_not_exists(status_history, :empty), :entry)"
	if clearReservation {
		expr += " REMOVE reservation"
	}
	input := &dyn.UpdateItemInput{
		TableName:           &s.tableName,
		Key:                 itemKeyAttr(itemKey),
		UpdateExpression:    &expr,
		ConditionExpression: awsString("internal_status = :from"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":to":    &types.AttributeValueMemberS{Value: string(to)},
			":from":  &types.AttributeValueMemberS{Value: string(from)},
			":ua":    timeAttr(now),
			":empty": &types.AttributeValueMemberL{Value: []types.AttributeValue{}},
			":entry": entry,
		},
	}
	if _, err := s.client.UpdateItem(ctx, input); err != nil {
		if isConditionalFailure(err) {
			return false, nil
		}
		return false, fmt.Errorf("apply correction: %w", err)
	}
	return true, nil
}

// ClearTransit drops the transit flag once the item has been observed in the
// main stock table, setting the post-arrival internal status.
func (s *Store) ClearTransit(ctx context.Context, itemKey string, next InternalStatus) (bool, error) {
	input := &dyn.UpdateItemInput{
		TableName:           &s.tableName,
		Key:                 itemKeyAttr(itemKey),
		UpdateExpression:    awsString("REMOVE transit_flag SET internal_status = :next, updated_at = :ua"),
		ConditionExpression: awsString("transit_flag = :t"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":next": &types.AttributeValueMemberS{Value: string(next)},
			":t":    &types.AttributeValueMemberBOOL{Value: true},
			":ua":   timeAttr(s.nowFunc()),
		},
	}
	if _, err := s.client.UpdateItem(ctx, input); err != nil {
		if isConditionalFailure(err) {
			return false, nil
		}
		return false, fmt.Errorf("clear transit: %w", err)
	}
	return true, nil
}

// CountLiveHolds returns the number of unexpired reservations held by a
// session, used to enforce the per-session hold limit.
func (s *Store) CountLiveHolds(ctx context.Context, sessionID string) (int, error) {
	now := s.nowFunc()
	var total int
	var startKey map[string]types.AttributeValue
	for {
		out, err := s.client.Scan(ctx, &dyn.ScanInput{
			TableName:        &s.tableName,
			Select:           types.SelectCount,
			FilterExpression: awsString("reservation.session_id = :sid AND reservation.expires_at > :now"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":sid": &types.AttributeValueMemberS{Value: sessionID},
				":now": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", now.Unix())},
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return 0, fmt.Errorf("count live holds: %w", err)
		}
		total += int(out.Count)
		if out.LastEvaluatedKey == nil {
			return total, nil
		}
		startKey = out.LastEvaluatedKey
	}
}

// HoldsForSession returns the records currently held by a session with a
// live reservation.
func (s *Store) HoldsForSession(ctx context.Context, sessionID string) ([]Record, error) {
	now := s.nowFunc()
	return s.scan(ctx, awsString("reservation.session_id = :sid AND reservation.expires_at > :now"),
		map[string]types.AttributeValue{
			":sid": &types.AttributeValueMemberS{Value: sessionID},
			":now": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", now.Unix())},
		})
}

// ScanExpired returns records carrying a reservation whose TTL has passed.
func (s *Store) ScanExpired(ctx context.Context, now time.Time) ([]Record, error) {
	return s.scan(ctx, awsString("attribute_exists(reservation) AND reservation.expires_at <= :now"),
		map[string]types.AttributeValue{
			":now": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", now.Unix())},
		})
}

// ScanAll returns every record in the table, following pagination.
func (s *Store) ScanAll(ctx context.Context) ([]Record, error) {
	return s.scan(ctx, nil, nil)
}

func (s *Store) scan(ctx context.Context, filter *string, values map[string]types.AttributeValue) ([]Record, error) {
	var recs []Record
	var startKey map[string]types.AttributeValue
	for {
		out, err := s.client.Scan(ctx, &dyn.ScanInput{
			TableName:                 &s.tableName,
			FilterExpression:          filter,
			ExpressionAttributeValues: values,
			ExclusiveStartKey:         startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("scan products: %w", err)
		}
		for _, item := range out.Items {
			var rec Record
			if err := attributevalue.UnmarshalMap(item, &rec); err != nil {
				return nil, fmt.Errorf("unmarshal record: %w", err)
			}
			recs = append(recs, rec)
		}
		if out.LastEvaluatedKey == nil {
			return recs, nil
		}
		startKey = out.LastEvaluatedKey
	}
}

func itemKeyAttr(itemKey string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"item_key": &types.AttributeValueMemberS{Value: itemKey},
	}
}

func historyAttr(e HistoryEntry) (types.AttributeValue, error) {
	m, err := attributevalue.Marshal(&e)
	if err != nil {
		return nil, fmt.Errorf("marshal history entry: %w", err)
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
