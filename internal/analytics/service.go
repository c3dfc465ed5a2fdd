package analytics

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"ticket-ledger/internal/models"

	"github.com/uptrace/bun"
)

// Service handles analytics operations
type Service struct {
	db *bun.DB
}

// NewService creates a new analytics service
func NewService(db *bun.DB) *Service {
	return &Service{db: db}
}

// EventAnalytics represents aggregated sales and payout data for an event
type EventAnalytics struct {
	EventID          models.EventID      `json:"event_id"`
	Price            int64               `json:"price"`
	Capacity         int64               `json:"capacity"`
	TotalTicketsSold int64               `json:"total_tickets_sold"`
	Remaining        int64               `json:"remaining"`
	TotalRevenue     int64               `json:"total_revenue"`
	Withdrawn        int64               `json:"withdrawn"`
	FailedPayouts    int                 `json:"failed_payouts"`
	Canceled         bool                `json:"canceled"`
	DailySales       []DailySalesMetrics `json:"daily_sales"`
}

// BatchEventAnalytics represents aggregated analytics data for multiple events
type BatchEventAnalytics struct {
	EventIDs         []models.EventID    `json:"event_ids"`
	TotalRevenue     int64               `json:"total_revenue"`
	TotalTicketsSold int64               `json:"total_tickets_sold"`
	Withdrawn        int64               `json:"withdrawn"`
	DailySales       []DailySalesMetrics `json:"daily_sales"`
}

// DailySalesMetrics contains metrics for a single UTC day
type DailySalesMetrics struct {
	Date        string `json:"date"`
	Revenue     int64  `json:"revenue"`
	TicketsSold int64  `json:"tickets_sold"`
}

// GetEventAnalytics returns revenue analytics for a specific event
func (s *Service) GetEventAnalytics(ctx context.Context, eventID models.EventID) (*EventAnalytics, error) {
	var event models.Event
	err := s.db.NewSelect().Model(&event).Where("id = ?", eventID).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("event %d: %w", eventID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load event %d: %w", eventID, err)
	}

	var purchasedAt []time.Time
	err = s.db.NewSelect().
		Model((*models.Ticket)(nil)).
		Column("purchased_at").
		Where("event_id = ?", eventID).
		Scan(ctx, &purchasedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to load sales of event %d: %w", eventID, err)
	}

	var withdrawals []models.Withdrawal
	err = s.db.NewSelect().Model(&withdrawals).Where("event_id = ?", eventID).Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load withdrawals of event %d: %w", eventID, err)
	}

	result := &EventAnalytics{
		EventID:          event.ID,
		Price:            event.Price,
		Capacity:         event.Capacity,
		TotalTicketsSold: int64(len(purchasedAt)),
		Remaining:        event.Remaining(),
		TotalRevenue:     event.Price * int64(len(purchasedAt)),
		Canceled:         event.Canceled,
	}

	daily := make(map[string]*DailySalesMetrics)
	for _, at := range purchasedAt {
		addSale(daily, at, event.Price)
	}
	result.DailySales = sortedDays(daily)

	for _, w := range withdrawals {
		switch w.Status {
		case models.WithdrawalPaid:
			result.Withdrawn += w.Amount
		case models.WithdrawalFailed:
			result.FailedPayouts++
		}
	}

	return result, nil
}

// GetBatchEventAnalytics returns aggregated analytics data for multiple events
func (s *Service) GetBatchEventAnalytics(ctx context.Context, eventIDs []models.EventID) (*BatchEventAnalytics, error) {
	batch := &BatchEventAnalytics{EventIDs: []models.EventID{}, DailySales: []DailySalesMetrics{}}
	daily := make(map[string]*DailySalesMetrics)

	for _, id := range eventIDs {
		single, err := s.GetEventAnalytics(ctx, id)
		if err != nil {
			return nil, err
		}
		batch.EventIDs = append(batch.EventIDs, id)
		batch.TotalRevenue += single.TotalRevenue
		batch.TotalTicketsSold += single.TotalTicketsSold
		batch.Withdrawn += single.Withdrawn
		for _, day := range single.DailySales {
			m, ok := daily[day.Date]
			if !ok {
				m = &DailySalesMetrics{Date: day.Date}
				daily[day.Date] = m
			}
			m.Revenue += day.Revenue
			m.TicketsSold += day.TicketsSold
		}
	}

	if len(daily) > 0 {
		batch.DailySales = sortedDays(daily)
	}
	return batch, nil
}

func addSale(daily map[string]*DailySalesMetrics, at time.Time, price int64) {
	date := at.UTC().Format("2006-01-02")
	m, ok := daily[date]
	if !ok {
		m = &DailySalesMetrics{Date: date}
		daily[date] = m
	}
	m.TicketsSold++
	m.Revenue += price
}

func sortedDays(daily map[string]*DailySalesMetrics) []DailySalesMetrics {
	days := make([]DailySalesMetrics, 0, len(daily))
	for _, m := range daily {
		days = append(days, *m)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Date < days[j].Date })
	return days
}
