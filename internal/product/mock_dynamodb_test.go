package product

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// mockDynamo is a small in-memory stand-in for the DynamoDB client. It
// understands exactly the condition and update expressions the Store issues.
// NOTE: intentionally minimal, not production-grade.
type mockDynamo struct {
	mu          sync.Mutex
	table       map[string]map[string]types.AttributeValue
	updateCalls int
	scanCalls   int
}

func newMockDynamo() *mockDynamo {
	return &mockDynamo{table: map[string]map[string]types.AttributeValue{}}
}

func (m *mockDynamo) seed(t *testing.T, rec Record) {
	t.Helper()
	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		t.Fatalf("seed marshal: %v", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.table[rec.ItemKey] = item
}

func (m *mockDynamo) record(t *testing.T, itemKey string) Record {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.table[itemKey]
	if !ok {
		t.Fatalf("no item %q in mock table", itemKey)
	}
	var rec Record
	if err := attributevalue.UnmarshalMap(item, &rec); err != nil {
		t.Fatalf("unmarshal mock item: %v", err)
	}
	return rec
}

func (m *mockDynamo) GetItem(ctx context.Context, params *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := stringAttr(params.Key, "item_key")
	item, ok := m.table[k]
	if !ok {
		return &dyn.GetItemOutput{}, nil
	}
	return &dyn.GetItemOutput{Item: item}, nil
}

func (m *mockDynamo) PutItem(ctx context.Context, params *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := stringAttr(params.Item, "item_key")
	if k == "" {
		return nil, errors.New("missing item_key")
	}
	m.table[k] = params.Item
	return &dyn.PutItemOutput{}, nil
}

func (m *mockDynamo) UpdateItem(ctx context.Context, params *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateCalls++

	k := stringAttr(params.Key, "item_key")
	item, exists := m.table[k]

	cond := ""
	if params.ConditionExpression != nil {
		cond = *params.ConditionExpression
	}
	if !m.checkCondition(cond, item, exists, params.ExpressionAttributeValues) {
		return nil, &types.ConditionalCheckFailedException{}
	}
	if !exists {
		item = map[string]types.AttributeValue{"item_key": &types.AttributeValueMemberS{Value: k}}
	}
	m.applyUpdate(*params.UpdateExpression, item, params.ExpressionAttributeValues)
	m.table[k] = item
	return &dyn.UpdateItemOutput{Attributes: item}, nil
}

func (m *mockDynamo) checkCondition(cond string, item map[string]types.AttributeValue, exists bool, values map[string]types.AttributeValue) bool {
	if cond == "" {
		return true
	}
	if !exists {
		return false // every store condition requires the record
	}
	_, hasSel := item["selection_id"]
	res, hasRes := item["reservation"].(*types.AttributeValueMemberM)
	status := stringAttr(item, "internal_status")

	switch {
	case strings.Contains(cond, "internal_status = :avail OR"): // Claim
		if hasSel {
			return false
		}
		if status == stringValue(values[":avail"]) {
			return true
		}
		return status == stringValue(values[":resv"]) && hasRes &&
			numValue(res.Value["expires_at"]) <= numValue(values[":now"])
	case strings.Contains(cond, "reservation.expires_at > :now"): // CommitToSelection
		return !hasSel && hasRes &&
			stringAttr(res.Value, "session_id") == stringValue(values[":sid"]) &&
			numValue(res.Value["expires_at"]) > numValue(values[":now"])
	case strings.Contains(cond, "reservation.session_id = :sid"): // ReleaseHold
		return hasRes && stringAttr(res.Value, "session_id") == stringValue(values[":sid"])
	case strings.Contains(cond, "selection_id = :sel"): // DetachSelection
		return hasSel && stringAttr(item, "selection_id") == stringValue(values[":sel"])
	case strings.Contains(cond, "internal_status <> :sold"): // MarkSoldOutOfBand
		return status != stringValue(values[":sold"])
	case strings.Contains(cond, "internal_status = :from"): // ApplyCorrection
		return status == stringValue(values[":from"])
	case strings.Contains(cond, "transit_flag = :t"): // ClearTransit
		tf, ok := item["transit_flag"].(*types.AttributeValueMemberBOOL)
		return ok && tf.Value
	case strings.Contains(cond, "attribute_exists(item_key)"): // RecordLedgerStatus
		return true
	}
	return false
}

func (m *mockDynamo) applyUpdate(expr string, item map[string]types.AttributeValue, values map[string]types.AttributeValue) {
	if strings.Contains(expr, "REMOVE reservation") {
		delete(item, "reservation")
	}
	if strings.Contains(expr, "REMOVE selection_id") {
		delete(item, "selection_id")
	}
	if strings.Contains(expr, "REMOVE transit_flag") {
		delete(item, "transit_flag")
	}
	set := map[string]string{
		"internal_status = :resv":   "internal_status",
		"internal_status = :next":   "internal_status",
		"internal_status = :insel":  "internal_status",
		"internal_status = :sold":   "internal_status",
		"internal_status = :to":     "internal_status",
		"reservation = :res":        "reservation",
		"selection_id = :sel":       "selection_id",
		"external_status = :ext":    "external_status",
		"external_status = :ret":    "external_status",
		"category_code = :cat":      "category_code",
		"last_ledger_sync_at = :ts": "last_ledger_sync_at",
		"updated_at = :ua":          "updated_at",
	}
	for clause, attr := range set {
		if strings.Contains(expr, clause) {
			placeholder := clause[strings.Index(clause, ":"):]
			if v, ok := values[placeholder]; ok {
				item[attr] = v
			}
		}
	}
	if strings.Contains(expr, "list_append") {
		entry := values[":entry"].(*types.AttributeValueMemberL)
		existing, ok := item["status_history"].(*types.AttributeValueMemberL)
		if !ok {
			existing = &types.AttributeValueMemberL{}
		}
		item["status_history"] = &types.AttributeValueMemberL{
			Value: append(existing.Value, entry.Value...),
		}
	}
}

func (m *mockDynamo) Scan(ctx context.Context, params *dyn.ScanInput, optFns ...func(*dyn.Options)) (*dyn.ScanOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scanCalls++

	var items []map[string]types.AttributeValue
	for _, item := range m.table {
		if m.matchesFilter(params, item) {
			items = append(items, item)
		}
	}
	out := &dyn.ScanOutput{Count: int32(len(items))}
	if params.Select != types.SelectCount {
		out.Items = items
	}
	return out, nil
}

func (m *mockDynamo) matchesFilter(params *dyn.ScanInput, item map[string]types.AttributeValue) bool {
	if params.FilterExpression == nil {
		return true
	}
	filter := *params.FilterExpression
	res, hasRes := item["reservation"].(*types.AttributeValueMemberM)
	if !hasRes {
		return false
	}
	values := params.ExpressionAttributeValues
	switch {
	case strings.Contains(filter, "reservation.session_id = :sid"):
		return stringAttr(res.Value, "session_id") == stringValue(values[":sid"]) &&
			numValue(res.Value["expires_at"]) > numValue(values[":now"])
	case strings.Contains(filter, "reservation.expires_at <= :now"):
		return numValue(res.Value["expires_at"]) <= numValue(values[":now"])
	}
	return false
}

func stringAttr(item map[string]types.AttributeValue, name string) string {
	return stringValue(item[name])
}

func stringValue(av types.AttributeValue) string {
	if s, ok := av.(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}

func numValue(av types.AttributeValue) int64 {
	n, ok := av.(*types.AttributeValueMemberN)
	if !ok {
		return 0
	}
	var v int64
	for _, c := range n.Value {
		if c == '-' {
			continue
		}
		v = v*10 + int64(c-'0')
	}
	if strings.HasPrefix(n.Value, "-") {
		return -v
	}
	return v
}
