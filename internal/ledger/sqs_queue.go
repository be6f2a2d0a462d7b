package ledger

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/adaptanoide/photo-inventory/internal/awsx"
)

// SQSQueue is the deployed retry queue: intents ride an SQS queue so a brief
// process restart does not lose them.
type SQSQueue struct {
	client   awsx.SQSAPI
	queueURL string
}

func NewSQSQueue(client awsx.SQSAPI, queueURL string) *SQSQueue {
	return &SQSQueue{client: client, queueURL: queueURL}
}

func (q *SQSQueue) Enqueue(ctx context.Context, in Intent) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal intent: %w", err)
	}
	bodyStr := string(body)
	op := string(in.Op)

	input := &sqs.SendMessageInput{
		QueueUrl:    &q.queueURL,
		MessageBody: &bodyStr,
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			"op": {
				DataType:    awsString("String"),
				StringValue: &op,
			},
			"item_key": {
				DataType:    awsString("String"),
				StringValue: &in.ItemKey,
			},
		},
	}
	if _, err := q.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("send intent: %w", err)
	}
	return nil
}

func (q *SQSQueue) Dequeue(ctx context.Context, max int) ([]Intent, error) {
	if max <= 0 || max > 10 {
		max = 10 // SQS batch ceiling
	}
	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            &q.queueURL,
		MaxNumberOfMessages: int32(max),
	})
	if err != nil {
		return nil, fmt.Errorf("receive intents: %w", err)
	}

	var intents []Intent
	for _, msg := range out.Messages {
		var in Intent
		if err := json.Unmarshal([]byte(*msg.Body), &in); err != nil {
			return nil, fmt.Errorf("unmarshal intent: %w", err)
		}
		if _, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
			QueueUrl:      &q.queueURL,
			ReceiptHandle: msg.ReceiptHandle,
		}); err != nil {
			return nil, fmt.Errorf("delete intent: %w", err)
		}
		intents = append(intents, in)
	}
	return intents, nil
}

// awsString helper
func awsString(s string) *string { return &s }
