// Package metrics publishes reconciliation counters to CloudWatch.
// Publishing is best effort: a metric failure is logged and dropped, never
// surfaced to the caller.
package metrics

import (
	"context"
	"log"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cw "github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"github.com/adaptanoide/photo-inventory/internal/awsx"
)

const namespace = "PhotoInventory/Reconcile"

// Publisher pushes counter metrics, dimensioned by reconciliation pass.
type Publisher struct {
	client awsx.CloudWatchAPI
}

func NewPublisher(client awsx.CloudWatchAPI) *Publisher {
	return &Publisher{client: client}
}

// RecordCounts emits one datum per named counter under the given pass
// dimension.
func (p *Publisher) RecordCounts(ctx context.Context, pass string, counts map[string]int) {
	if len(counts) == 0 {
		return
	}
	now := time.Now().UTC()
	dim := cwtypes.Dimension{Name: aws.String("Pass"), Value: aws.String(pass)}

	data := make([]cwtypes.MetricDatum, 0, len(counts))
	for name, value := range counts {
		data = append(data, cwtypes.MetricDatum{
			MetricName: aws.String(name),
			Value:      aws.Float64(float64(value)),
			Unit:       cwtypes.StandardUnitCount,
			Timestamp:  aws.Time(now),
			Dimensions: []cwtypes.Dimension{dim},
		})
	}
	_, err := p.client.PutMetricData(ctx, &cw.PutMetricDataInput{
		Namespace:  aws.String(namespace),
		MetricData: data,
	})
	if err != nil {
		log.Printf("[metrics] put metric data (%s): %v", pass, err)
	}
}
