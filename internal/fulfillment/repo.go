package fulfillment

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// Repo is the Ledger. Every conditioned update reports whether it matched a
// row; a false return is the compare-and-swap failure signal, not an error.
// Soft-deleted rows are invisible here because both models carry gorm.DeletedAt.
type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

// WithinTx runs fn against a Repo bound to one transaction. Returning an error
// from fn rolls everything back.
func (r *Repo) WithinTx(ctx context.Context, fn func(tx *Repo) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Repo{db: tx})
	})
}

// Orders

func (r *Repo) AllocateOrderNumber(ctx context.Context, now time.Time) (int64, error) {
	seq := orderSequence{CreatedAt: now}
	if err := r.db.WithContext(ctx).Create(&seq).Error; err != nil {
		return 0, err
	}
	if seq.ID == 0 {
		return 0, errors.New("order sequence returned no id")
	}
	return seq.ID, nil
}

func (r *Repo) InsertOrder(ctx context.Context, o *Order) error {
	return r.db.WithContext(ctx).Create(o).Error
}

func (r *Repo) GetOrder(ctx context.Context, id string) (*Order, error) {
	var o Order
	err := r.db.WithContext(ctx).First(&o, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// NextPendingOrder picks VIP before NORMAL, then the lowest order number.
func (r *Repo) NextPendingOrder(ctx context.Context) (*Order, error) {
	var o Order
	err := r.db.WithContext(ctx).
		Where("status = ?", OrderPending).
		Order("CASE WHEN type = 'VIP' THEN 0 ELSE 1 END").
		Order("order_number ASC").
		Take(&o).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// ListOrders returns live orders: pending VIP, pending NORMAL (each by order
// number), then PROCESSING, then COMPLETE, the last two newest first.
func (r *Repo) ListOrders(ctx context.Context) ([]Order, error) {
	var orders []Order
	err := r.db.WithContext(ctx).
		Order(`CASE
			WHEN status = 'PENDING' AND type = 'VIP' THEN 0
			WHEN status = 'PENDING' AND type = 'NORMAL' THEN 1
			WHEN status = 'PROCESSING' THEN 2
			ELSE 3
		END`).
		Order("CASE WHEN status = 'PENDING' THEN order_number END").
		Order("created_at DESC").
		Order("id DESC").
		Find(&orders).Error
	if err != nil {
		return nil, err
	}
	return orders, nil
}

func (r *Repo) ListOrdersByStatus(ctx context.Context, status OrderStatus) ([]Order, error) {
	var orders []Order
	if err := r.db.WithContext(ctx).
		Where("status = ?", status).
		Order("order_number ASC").
		Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

// MarkOrderProcessing: PENDING -> PROCESSING owned by botID.
func (r *Repo) MarkOrderProcessing(ctx context.Context, orderID, botID string, now time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&Order{}).
		Where("id = ? AND status = ?", orderID, OrderPending).
		Updates(map[string]any{
			"status":                OrderProcessing,
			"bot_id":                botID,
			"active_bot_id":         botID,
			"processing_started_at": now,
			"completed_at":          nil,
			"updated_at":            now,
		})
	return res.RowsAffected == 1, res.Error
}

// MarkOrderComplete: PROCESSING owned by botID -> COMPLETE.
func (r *Repo) MarkOrderComplete(ctx context.Context, orderID, botID string, now time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&Order{}).
		Where("id = ? AND status = ? AND bot_id = ?", orderID, OrderProcessing, botID).
		Updates(map[string]any{
			"status":        OrderComplete,
			"active_bot_id": nil,
			"completed_at":  now,
			"updated_at":    now,
		})
	return res.RowsAffected == 1, res.Error
}

// MarkPendingOrderComplete finalizes an order that never reached a bot.
func (r *Repo) MarkPendingOrderComplete(ctx context.Context, orderID string, now time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&Order{}).
		Where("id = ? AND status = ?", orderID, OrderPending).
		Updates(map[string]any{
			"status":       OrderComplete,
			"completed_at": now,
			"updated_at":   now,
		})
	return res.RowsAffected == 1, res.Error
}

// RequeueOrder: PROCESSING -> PENDING with ownership and timestamps cleared. A
// nil botID matches orders that lost their bot reference.
func (r *Repo) RequeueOrder(ctx context.Context, orderID string, botID *string, now time.Time) (bool, error) {
	q := r.db.WithContext(ctx).Model(&Order{}).
		Where("id = ? AND status = ?", orderID, OrderProcessing)
	if botID == nil {
		q = q.Where("bot_id IS NULL")
	} else {
		q = q.Where("bot_id = ?", *botID)
	}
	res := q.Updates(requeueValues(now))
	return res.RowsAffected == 1, res.Error
}

// RequeueBotOrders returns every PROCESSING order owned by botID to PENDING.
func (r *Repo) RequeueBotOrders(ctx context.Context, botID string, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&Order{}).
		Where("bot_id = ? AND status = ?", botID, OrderProcessing).
		Updates(requeueValues(now))
	return res.RowsAffected, res.Error
}

func requeueValues(now time.Time) map[string]any {
	return map[string]any{
		"status":                OrderPending,
		"bot_id":                nil,
		"active_bot_id":         nil,
		"processing_started_at": nil,
		"completed_at":          nil,
		"updated_at":            now,
	}
}

func (r *Repo) SoftDeleteOrder(ctx context.Context, orderID string, now time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&Order{}).
		Where("id = ?", orderID).
		Updates(map[string]any{
			"active_bot_id": nil,
			"deleted_at":    now,
			"updated_at":    now,
		})
	return res.RowsAffected == 1, res.Error
}

func (r *Repo) SoftDeleteAllOrders(ctx context.Context, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Session(&gorm.Session{AllowGlobalUpdate: true}).
		Model(&Order{}).
		Updates(map[string]any{
			"active_bot_id": nil,
			"deleted_at":    now,
			"updated_at":    now,
		})
	return res.RowsAffected, res.Error
}

// Bots

func (r *Repo) InsertBot(ctx context.Context, b *Bot) error {
	return r.db.WithContext(ctx).Create(b).Error
}

func (r *Repo) GetBot(ctx context.Context, id string) (*Bot, error) {
	var b Bot
	err := r.db.WithContext(ctx).First(&b, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// ListBots returns live bots newest first.
func (r *Repo) ListBots(ctx context.Context) ([]Bot, error) {
	var bots []Bot
	if err := r.db.WithContext(ctx).
		Order("created_at DESC").
		Order("id DESC").
		Find(&bots).Error; err != nil {
		return nil, err
	}
	return bots, nil
}

func (r *Repo) ListBotsByStatus(ctx context.Context, status BotStatus) ([]Bot, error) {
	var bots []Bot
	if err := r.db.WithContext(ctx).
		Where("status = ?", status).
		Order("id ASC").
		Find(&bots).Error; err != nil {
		return nil, err
	}
	return bots, nil
}

// MarkBotProcessing: IDLE -> PROCESSING on orderID.
func (r *Repo) MarkBotProcessing(ctx context.Context, botID, orderID string, now time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&Bot{}).
		Where("id = ? AND status = ?", botID, BotIdle).
		Updates(map[string]any{
			"status":           BotProcessing,
			"current_order_id": orderID,
			"updated_at":       now,
		})
	return res.RowsAffected == 1, res.Error
}

// ReleaseBot frees botID only if it is still working on orderID.
func (r *Repo) ReleaseBot(ctx context.Context, botID, orderID string, now time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&Bot{}).
		Where("id = ? AND status = ? AND current_order_id = ?", botID, BotProcessing, orderID).
		Updates(idleValues(now))
	return res.RowsAffected == 1, res.Error
}

// StopBot forces botID idle whatever it was doing.
func (r *Repo) StopBot(ctx context.Context, botID string, now time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&Bot{}).
		Where("id = ?", botID).
		Updates(idleValues(now))
	return res.RowsAffected == 1, res.Error
}

// RepairStuckBots idles bots marked PROCESSING with no order.
func (r *Repo) RepairStuckBots(ctx context.Context, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&Bot{}).
		Where("status = ? AND current_order_id IS NULL", BotProcessing).
		Updates(idleValues(now))
	return res.RowsAffected, res.Error
}

func (r *Repo) SoftDeleteBot(ctx context.Context, botID string, now time.Time) (bool, error) {
	values := idleValues(now)
	values["deleted_at"] = now
	res := r.db.WithContext(ctx).Model(&Bot{}).
		Where("id = ?", botID).
		Updates(values)
	return res.RowsAffected == 1, res.Error
}

func (r *Repo) ResetAllBots(ctx context.Context, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Session(&gorm.Session{AllowGlobalUpdate: true}).
		Model(&Bot{}).
		Updates(idleValues(now))
	return res.RowsAffected, res.Error
}

func idleValues(now time.Time) map[string]any {
	return map[string]any{
		"status":           BotIdle,
		"current_order_id": nil,
		"updated_at":       now,
	}
}
