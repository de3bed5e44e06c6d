package fulfillment

import (
	"time"

	"gorm.io/gorm"
)

type OrderType string

const (
	OrderNormal OrderType = "NORMAL"
	OrderVIP    OrderType = "VIP"
)

type OrderStatus string

const (
	OrderPending    OrderStatus = "PENDING"
	OrderProcessing OrderStatus = "PROCESSING"
	OrderComplete   OrderStatus = "COMPLETE"
)

type BotType string

const (
	BotNormal BotType = "NORMAL"
	BotVIP    BotType = "VIP"
)

type BotStatus string

const (
	BotIdle       BotStatus = "IDLE"
	BotProcessing BotStatus = "PROCESSING"
)

func (t OrderType) Valid() bool { return t == OrderNormal || t == OrderVIP }
func (t BotType) Valid() bool   { return t == BotNormal || t == BotVIP }

func (s OrderStatus) Valid() bool {
	return s == OrderPending || s == OrderProcessing || s == OrderComplete
}

type Order struct {
	ID          string      `gorm:"primaryKey;size:26" json:"id"` // ULID
	OrderNumber int64       `gorm:"not null;uniqueIndex" json:"order_number"`
	Type        OrderType   `gorm:"type:varchar(16);not null;index:idx_orders_status_type,priority:2" json:"type"`
	Status      OrderStatus `gorm:"type:varchar(16);not null;index:idx_orders_status_type,priority:1" json:"status"`

	BotID *string `gorm:"size:26;index" json:"bot_id"`
	// ActiveBotID mirrors BotID only while the order is live and PROCESSING.
	// Its unique index is what forbids two PROCESSING orders on one bot.
	ActiveBotID *string `gorm:"size:26;uniqueIndex" json:"-"`

	ProcessingStartedAt *time.Time `json:"processing_started_at"`
	CompletedAt         *time.Time `json:"completed_at"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

func (Order) TableName() string { return "orders" }

type Bot struct {
	ID      string    `gorm:"primaryKey;size:26" json:"id"` // ULID
	BotType BotType   `gorm:"type:varchar(16);not null" json:"bot_type"`
	Status  BotStatus `gorm:"type:varchar(16);not null;index" json:"status"`

	// unique: an order is worked by at most one bot
	CurrentOrderID *string `gorm:"size:26;uniqueIndex" json:"current_order_id"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

func (Bot) TableName() string { return "bots" }

// orderSequence hands out order numbers: one row per allocation, the
// autoincrement id is the number. Rows are never deleted.
type orderSequence struct {
	ID        int64 `gorm:"primaryKey;autoIncrement"`
	CreatedAt time.Time
}

func (orderSequence) TableName() string { return "order_sequences" }

type ResumeLock struct {
	Name      string    `gorm:"primaryKey;size:64"`
	LockedAt  time.Time `gorm:"not null"`
	ExpiresAt time.Time `gorm:"not null;index"`
}

func (ResumeLock) TableName() string { return "resume_locks" }

func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Order{}, &Bot{}, &orderSequence{}, &ResumeLock{})
}

func strPtr(s string) *string { return &s }

func timePtr(t time.Time) *time.Time { return &t }
