package event

import (
	"sync"
	"time"
)

// Event types raised by the cooperating services.
const (
	TypeUserRegistered   = "UserRegistered"
	TypeUserLoggedIn     = "UserLoggedIn"
	TypeUserLoggedOut    = "UserLoggedOut"
	TypePasswordChanged  = "PasswordChanged"
	TypePiiDataAccessed  = "PiiDataAccessed"
	TypeSecurityEvent    = "SecurityEvent"
	TypeTenantCreated    = "TenantCreated"
	TypeTenantDeleted    = "TenantDeleted"
	TypeOrderCreated     = "OrderCreated"
	TypeOrderStatus      = "OrderStatusChanged"
	TypePaymentProcessed = "PaymentProcessed"
	TypeRefundProcessed  = "RefundProcessed"
	TypeInventoryMoved   = "InventoryMoved"
	TypeSystemEvent      = "SystemEvent"
	TypeHealthCheckEvent = "HealthCheckEvent"

	TypeSystemMaintenanceScheduled  = "SystemMaintenanceScheduled"
	TypeSecurityIncidentDetected    = "SecurityIncidentDetected"
	TypeComplianceViolationDetected = "ComplianceViolationDetected"
)

// Aggregate types used by the catalogue.
const (
	AggregateUser      = "User"
	AggregateTenant    = "Tenant"
	AggregateOrder     = "Order"
	AggregatePayment   = "Payment"
	AggregateInventory = "Inventory"
)

// UserRegistered is raised by the auth service when an account is created.
type UserRegistered struct {
	UserID             string `json:"user_id"`
	Email              string `json:"email"`
	FirstName          string `json:"first_name,omitempty"`
	LastName           string `json:"last_name,omitempty"`
	VerificationNeeded bool   `json:"email_verification_required"`
	Source             string `json:"registration_source"`
}

// UserLoggedIn is raised on every successful login.
type UserLoggedIn struct {
	UserID      string `json:"user_id"`
	SessionID   string `json:"session_id"`
	DeviceID    string `json:"device_id,omitempty"`
	LoginMethod string `json:"login_method"`
	MFAUsed     bool   `json:"mfa_used"`
}

// TenantCreated is raised by the platform service.
type TenantCreated struct {
	TenantID         string     `json:"tenant_id"`
	Slug             string     `json:"slug"`
	Name             string     `json:"name"`
	SubscriptionTier string     `json:"subscription_tier"`
	CreatedBy        string     `json:"created_by"`
	TrialEndsAt      *time.Time `json:"trial_ends_at,omitempty"`
}

// OrderStage is a step of the order lifecycle.
type OrderStage string

// Order lifecycle stages.
const (
	OrderPlaced     OrderStage = "created"
	OrderConfirmed  OrderStage = "confirmed"
	OrderPreparing  OrderStage = "preparing"
	OrderReady      OrderStage = "ready"
	OrderInDelivery OrderStage = "in_delivery"
	OrderDelivered  OrderStage = "delivered"
	OrderCompleted  OrderStage = "completed"
	OrderCancelled  OrderStage = "cancelled"
	OrderRefunded   OrderStage = "refunded"
)

// OrderLine is one item of an order.
type OrderLine struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price_minor"`
}

// OrderCreated is raised by the commerce service when an order is placed.
type OrderCreated struct {
	OrderID    string      `json:"order_id"`
	CustomerID string      `json:"customer_id,omitempty"`
	LocationID string      `json:"location_id,omitempty"`
	Currency   string      `json:"currency"`
	TotalMinor int64       `json:"total_minor"`
	Lines      []OrderLine `json:"lines"`
}

// OrderStatusChanged is raised on every lifecycle transition.
type OrderStatusChanged struct {
	OrderID string     `json:"order_id"`
	From    OrderStage `json:"from"`
	To      OrderStage `json:"to"`
	Reason  string     `json:"reason,omitempty"`
}

// PaymentProcessed is raised when a payment settles or fails.
type PaymentProcessed struct {
	PaymentID   string `json:"payment_id"`
	OrderID     string `json:"order_id"`
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
	Succeeded   bool   `json:"succeeded"`
}

// MovementType classifies an inventory movement.
type MovementType string

// Inventory movement types.
const (
	MovementSale       MovementType = "sale"
	MovementReturn     MovementType = "return"
	MovementTransfer   MovementType = "transfer"
	MovementAdjustment MovementType = "adjustment"
	MovementReceiving  MovementType = "receiving"
)

// InventoryMoved is raised when stock levels change.
type InventoryMoved struct {
	ProductID  string       `json:"product_id"`
	LocationID string       `json:"location_id"`
	Movement   MovementType `json:"movement"`
	Quantity   int          `json:"quantity"`
	Reference  string       `json:"reference,omitempty"`
}

// Factory builds catalogue events and assigns per-aggregate sequence numbers.
// It is safe for concurrent use. Sequences start after the highest value
// passed to Seed, or at 1.
type Factory struct {
	mu        sync.Mutex
	sequences map[AggregateKey]int64
}

// NewFactory creates a factory with empty sequence state.
func NewFactory() *Factory {
	return &Factory{sequences: make(map[AggregateKey]int64)}
}

// Seed sets the last used sequence number for an aggregate.
func (f *Factory) Seed(key AggregateKey, seq int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if seq > f.sequences[key] {
		f.sequences[key] = seq
	}
}

func (f *Factory) next(key AggregateKey) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sequences[key]++
	return f.sequences[key]
}

// New builds an event with the next sequence number for its aggregate.
// An explicit WithSequence option takes precedence.
func (f *Factory) New(
	eventType, aggregateID, aggregateType, tenantID string,
	payload any,
	opts ...Option,
) (*DomainEvent, error) {
	seq := f.next(AggregateKey{TenantID: tenantID, AggregateID: aggregateID})
	return New(eventType, aggregateID, aggregateType, tenantID, payload,
		append([]Option{WithSequence(seq)}, opts...)...)
}

// UserRegistered builds a UserRegistered event.
func (f *Factory) UserRegistered(tenantID string, p UserRegistered, opts ...Option) (*DomainEvent, error) {
	return f.New(TypeUserRegistered, p.UserID, AggregateUser, tenantID, p, opts...)
}

// UserLoggedIn builds a UserLoggedIn event.
func (f *Factory) UserLoggedIn(tenantID string, p UserLoggedIn, opts ...Option) (*DomainEvent, error) {
	opts = append([]Option{WithActor(ActorContext{UserID: p.UserID, SessionID: p.SessionID})}, opts...)
	return f.New(TypeUserLoggedIn, p.UserID, AggregateUser, tenantID, p, opts...)
}

// TenantCreated builds a TenantCreated event keyed by the new tenant.
func (f *Factory) TenantCreated(p TenantCreated, opts ...Option) (*DomainEvent, error) {
	return f.New(TypeTenantCreated, p.TenantID, AggregateTenant, p.TenantID, p, opts...)
}

// OrderCreated builds an OrderCreated event.
func (f *Factory) OrderCreated(tenantID string, p OrderCreated, opts ...Option) (*DomainEvent, error) {
	return f.New(TypeOrderCreated, p.OrderID, AggregateOrder, tenantID, p, opts...)
}

// OrderStatusChanged builds an OrderStatusChanged event.
func (f *Factory) OrderStatusChanged(tenantID string, p OrderStatusChanged, opts ...Option) (*DomainEvent, error) {
	return f.New(TypeOrderStatus, p.OrderID, AggregateOrder, tenantID, p, opts...)
}

// PaymentProcessed builds a PaymentProcessed event.
func (f *Factory) PaymentProcessed(tenantID string, p PaymentProcessed, opts ...Option) (*DomainEvent, error) {
	return f.New(TypePaymentProcessed, p.PaymentID, AggregatePayment, tenantID, p, opts...)
}

// InventoryMoved builds an InventoryMoved event keyed by product.
func (f *Factory) InventoryMoved(tenantID string, p InventoryMoved, opts ...Option) (*DomainEvent, error) {
	return f.New(TypeInventoryMoved, p.ProductID, AggregateInventory, tenantID, p, opts...)
}
