package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for LedgerSync telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name

const (
	// AttrEntityType annotates metrics with the synced record kind (Customer, Product, Bill).
	AttrEntityType = attribute.Key("sync.entity_type")
	// AttrOperation labels push metrics with the mutation kind (Create, Update, Delete).
	AttrOperation = attribute.Key("sync.operation")
	// AttrOwner identifies the business scope a sync pass served.
	AttrOwner = attribute.Key("sync.owner")
	// AttrResult records the outcome of a delivery attempt (delivered, failed, dead_letter, conflicted).
	AttrResult = attribute.Key("sync.result")
	// AttrErrorKind categorizes failures by the classified failure kind.
	AttrErrorKind = attribute.Key("error.kind")
	// AttrBreakerState labels breaker transitions (closed, open, half_open).
	AttrBreakerState = attribute.Key("breaker.state")
	// AttrEnvironment specifies the deployment environment for every metric.
	AttrEnvironment = attribute.Key("environment")
)

// Delivery result values.
const (
	ResultDelivered  = "delivered"
	ResultFailed     = "failed"
	ResultDeadLetter = "dead_letter"
	ResultConflicted = "conflicted"
)

// DeliveryLabels returns the label set for push delivery metrics.
func DeliveryLabels(entityType, operation, result, errorKind string) map[string]string {
	labels := map[string]string{
		string(AttrEnvironment): Environment(),
		string(AttrEntityType):  entityType,
		string(AttrOperation):   operation,
		string(AttrResult):      result,
	}
	if errorKind != "" {
		labels[string(AttrErrorKind)] = errorKind
	}
	return labels
}

// PullLabels returns the label set for pull application metrics.
func PullLabels(entityType string) map[string]string {
	return map[string]string{
		string(AttrEnvironment): Environment(),
		string(AttrEntityType):  entityType,
	}
}
