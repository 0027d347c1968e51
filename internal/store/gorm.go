package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

type positionModel struct {
	ID                int64          `gorm:"column:id;primaryKey"`
	Symbol            string         `gorm:"column:symbol;uniqueIndex"`
	Side              string         `gorm:"column:side"`
	Quantity          float64        `gorm:"column:quantity"`
	InitialQuantity   float64        `gorm:"column:initial_quantity"`
	EntryPrice        float64        `gorm:"column:entry_price"`
	StopLoss          float64        `gorm:"column:stop_loss"`
	TakeProfit        float64        `gorm:"column:take_profit"`
	StopOrderID       string         `gorm:"column:stop_order_id"`
	TakeProfitOrderID string         `gorm:"column:take_profit_order_id"`
	RiskAmount        float64        `gorm:"column:risk_amount"`
	Equity            float64        `gorm:"column:equity"`
	Status            int            `gorm:"column:status"`
	OpenedAtUnix      int64          `gorm:"column:opened_at"`
	UpdatedAtUnix     int64          `gorm:"column:updated_at"`
	Raw               datatypes.JSON `gorm:"column:raw"`
}

func (positionModel) TableName() string { return "live_positions" }

type tradeLogModel struct {
	ID             int64   `gorm:"column:id;primaryKey"`
	Symbol         string  `gorm:"column:symbol;index"`
	Side           string  `gorm:"column:side"`
	Quantity       float64 `gorm:"column:quantity"`
	EntryPrice     float64 `gorm:"column:entry_price"`
	ExitPrice      float64 `gorm:"column:exit_price"`
	PnL            float64 `gorm:"column:pnl"`
	PnLApproximate int     `gorm:"column:pnl_approximate"`
	Reason         string  `gorm:"column:reason"`
	ClosedAtUnix   int64   `gorm:"column:closed_at"`
}

func (tradeLogModel) TableName() string { return "trade_logs" }

// GormStore implements PositionStore on gorm + SQLite.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(path string) (*GormStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("gorm store: path cannot be empty")
	}
	if err := ensureDir(path); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   gormlogger.Default.LogMode(gormlogger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&positionModel{}, &tradeLogModel{}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func (s *GormStore) SavePosition(ctx context.Context, rec PositionRecord) error {
	if strings.TrimSpace(rec.Symbol) == "" {
		return fmt.Errorf("save position: symbol is required")
	}
	model, err := toPositionModel(rec)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "symbol"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"side", "quantity", "initial_quantity", "entry_price", "stop_loss",
			"take_profit", "stop_order_id", "take_profit_order_id", "risk_amount",
			"equity", "status", "opened_at", "updated_at", "raw",
		}),
	}).Create(&model).Error
}

func (s *GormStore) DeletePosition(ctx context.Context, symbol string) error {
	return s.db.WithContext(ctx).
		Where("symbol = ?", symbol).
		Delete(&positionModel{}).Error
}

func (s *GormStore) ListPositions(ctx context.Context) ([]PositionRecord, error) {
	var models []positionModel
	if err := s.db.WithContext(ctx).Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]PositionRecord, 0, len(models))
	for _, m := range models {
		out = append(out, fromPositionModel(m))
	}
	return out, nil
}

func (s *GormStore) AppendTradeLog(ctx context.Context, rec TradeLogRecord) error {
	approx := 0
	if rec.PnLApproximate {
		approx = 1
	}
	model := tradeLogModel{
		Symbol:         rec.Symbol,
		Side:           rec.Side,
		Quantity:       rec.Quantity,
		EntryPrice:     rec.EntryPrice,
		ExitPrice:      rec.ExitPrice,
		PnL:            rec.PnL,
		PnLApproximate: approx,
		Reason:         rec.Reason,
		ClosedAtUnix:   rec.ClosedAt.Unix(),
	}
	return s.db.WithContext(ctx).Create(&model).Error
}

func (s *GormStore) ListTradeLogs(ctx context.Context, symbol string, limit int) ([]TradeLogRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	q := s.db.WithContext(ctx).Model(&tradeLogModel{}).Order("closed_at DESC").Limit(limit)
	if strings.TrimSpace(symbol) != "" {
		q = q.Where("symbol = ?", symbol)
	}
	var models []tradeLogModel
	if err := q.Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]TradeLogRecord, 0, len(models))
	for _, m := range models {
		out = append(out, TradeLogRecord{
			Symbol:         m.Symbol,
			Side:           m.Side,
			Quantity:       m.Quantity,
			EntryPrice:     m.EntryPrice,
			ExitPrice:      m.ExitPrice,
			PnL:            m.PnL,
			PnLApproximate: m.PnLApproximate != 0,
			Reason:         m.Reason,
			ClosedAt:       time.Unix(m.ClosedAtUnix, 0),
		})
	}
	return out, nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toPositionModel(rec PositionRecord) (positionModel, error) {
	var raw datatypes.JSON
	if len(rec.Raw) > 0 {
		data, err := json.Marshal(rec.Raw)
		if err != nil {
			return positionModel{}, fmt.Errorf("marshal raw: %w", err)
		}
		raw = datatypes.JSON(data)
	}
	updated := rec.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	return positionModel{
		Symbol:            rec.Symbol,
		Side:              rec.Side,
		Quantity:          rec.Quantity,
		InitialQuantity:   rec.InitialQuantity,
		EntryPrice:        rec.EntryPrice,
		StopLoss:          rec.StopLoss,
		TakeProfit:        rec.TakeProfit,
		StopOrderID:       rec.StopOrderID,
		TakeProfitOrderID: rec.TakeProfitOrderID,
		RiskAmount:        rec.RiskAmount,
		Equity:            rec.Equity,
		Status:            int(rec.Status),
		OpenedAtUnix:      rec.OpenedAt.Unix(),
		UpdatedAtUnix:     updated.Unix(),
		Raw:               raw,
	}, nil
}

func fromPositionModel(m positionModel) PositionRecord {
	rec := PositionRecord{
		Symbol:            m.Symbol,
		Side:              m.Side,
		Quantity:          m.Quantity,
		InitialQuantity:   m.InitialQuantity,
		EntryPrice:        m.EntryPrice,
		StopLoss:          m.StopLoss,
		TakeProfit:        m.TakeProfit,
		StopOrderID:       m.StopOrderID,
		TakeProfitOrderID: m.TakeProfitOrderID,
		RiskAmount:        m.RiskAmount,
		Equity:            m.Equity,
		Status:            PositionStatus(m.Status),
		OpenedAt:          time.Unix(m.OpenedAtUnix, 0),
		UpdatedAt:         time.Unix(m.UpdatedAtUnix, 0),
	}
	if len(m.Raw) > 0 {
		var raw map[string]any
		if err := json.Unmarshal(m.Raw, &raw); err == nil {
			rec.Raw = raw
		}
	}
	return rec
}
