package planet

// OrderState is the processing state of an order.
type OrderState string

const (
	OrderQueued    OrderState = "queued"
	OrderRunning   OrderState = "running"
	OrderSuccess   OrderState = "success"
	OrderPartial   OrderState = "partial"
	OrderFailed    OrderState = "failed"
	OrderCancelled OrderState = "cancelled"
)

// IsTerminal reports whether the order will not change state again.
func (s OrderState) IsTerminal() bool {
	switch s {
	case OrderSuccess, OrderPartial, OrderFailed, OrderCancelled:
		return true
	}
	return false
}

// HasResults reports whether results of the order can be downloaded.
func (s OrderState) HasResults() bool {
	return s == OrderSuccess || s == OrderPartial
}

// Valid reports whether s is a known state.
func (s OrderState) Valid() bool {
	switch s {
	case OrderQueued, OrderRunning, OrderSuccess, OrderPartial, OrderFailed, OrderCancelled:
		return true
	}
	return false
}

// AssetStatus is the activation status of an asset.
type AssetStatus string

const (
	AssetInactive   AssetStatus = "inactive"
	AssetActivating AssetStatus = "activating"
	AssetActive     AssetStatus = "active"
)

// IsTerminal reports whether the asset is ready to download.
func (s AssetStatus) IsTerminal() bool {
	return s == AssetActive
}

// SubscriptionStatus is the lifecycle status of a subscription.
type SubscriptionStatus string

const (
	SubscriptionPreparing SubscriptionStatus = "preparing"
	SubscriptionPending   SubscriptionStatus = "pending"
	SubscriptionRunning   SubscriptionStatus = "running"
	SubscriptionCompleted SubscriptionStatus = "completed"
	SubscriptionSuspended SubscriptionStatus = "suspended"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
	SubscriptionFailed    SubscriptionStatus = "failed"
)

// IsTerminal reports whether the subscription will deliver no more results.
func (s SubscriptionStatus) IsTerminal() bool {
	switch s {
	case SubscriptionCompleted, SubscriptionCancelled, SubscriptionFailed:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s SubscriptionStatus) Valid() bool {
	switch s {
	case SubscriptionPreparing, SubscriptionPending, SubscriptionRunning, SubscriptionCompleted,
		SubscriptionSuspended, SubscriptionCancelled, SubscriptionFailed:
		return true
	}
	return false
}

// ResultStatus is the status of a single subscription delivery.
type ResultStatus string

const (
	ResultCreated    ResultStatus = "created"
	ResultQueued     ResultStatus = "queued"
	ResultProcessing ResultStatus = "processing"
	ResultFailed     ResultStatus = "failed"
	ResultSuccess    ResultStatus = "success"
)
