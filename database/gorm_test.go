package database

import (
	"context"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *GormDatabase {
	t.Helper()
	db, err := NewGormDatabase(&DBConfig{Type: "sqlite", DSN: "file::memory:?cache=shared&_busy_timeout=5000", MaxOpenConns: 1})
	if err != nil {
		t.Skipf("sqlite 不可用: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestGormDatabase_OrderUpsert(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now()

	rec := &OrderRecord{SessionID: "s1", Broker: "fyers", Symbol: "RELIANCE", OrderID: "o-upsert", Side: "BUY", Type: "MARKET",
		Quantity: 50, Status: "PENDING", PlacedAt: now, UpdatedAt: now}
	if err := db.SaveOrder(ctx, rec); err != nil {
		t.Fatalf("保存订单失败: %v", err)
	}
	filled := &OrderRecord{SessionID: "s1", Broker: "fyers", Symbol: "RELIANCE", OrderID: "o-upsert", BrokerOrderID: "B-1",
		Side: "BUY", Type: "MARKET", Quantity: 50, FilledQuantity: 50, AveragePrice: 2500, Status: "FILLED", PlacedAt: now, UpdatedAt: now}
	if err := db.SaveOrder(ctx, filled); err != nil {
		t.Fatalf("更新订单失败: %v", err)
	}

	orders, err := db.GetOrders(ctx, &OrderFilter{SessionID: "s1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(orders) != 1 {
		t.Fatalf("期望 %d 条, 得到 %d", 1, len(orders))
	}
	if orders[0].Status != "FILLED" || orders[0].BrokerOrderID != "B-1" || orders[0].AveragePrice != 2500 {
		t.Errorf("订单未被覆盖: %+v", orders[0])
	}
}

func TestGormDatabase_ReconciliationWithMismatches(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	recon := &ReconciliationRecord{
		SessionID: "s-recon",
		Broker:    "upstox",
		Trigger:   "manual",
		StartedAt: time.Now(),
		Mismatches: []MismatchRecord{
			{Kind: "position_quantity", Symbol: "NIFTY", LocalValue: 50, BrokerValue: 30, Delta: -20},
		},
	}
	if err := db.SaveReconciliation(ctx, recon); err != nil {
		t.Fatal(err)
	}
	if err := db.SaveReconciliation(ctx, &ReconciliationRecord{SessionID: "s-recon", Broker: "upstox", Trigger: "interval", StartedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetReconciliations(ctx, &ReconciliationFilter{SessionID: "s-recon", OnlyMismatch: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].MismatchCount != 1 || len(got[0].Mismatches) != 1 {
		t.Fatalf("期望 1 条带差异的报告, 得到 %+v", got)
	}
	if got[0].Mismatches[0].Delta != -20 {
		t.Errorf("期望 %v, 得到 %v", -20.0, got[0].Mismatches[0].Delta)
	}
}

func TestGormDatabase_CleanupKeepsNewest(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := db.SaveEvent(ctx, &EventRecord{Type: "cleanup_test", Severity: "info", Title: "t", CreatedAt: time.Now()}); err != nil {
			t.Fatal(err)
		}
	}
	if err := db.CleanupOldEvents(ctx, "info", 2, 0); err != nil {
		t.Fatal(err)
	}
	events, err := db.GetEvents(ctx, &EventFilter{Type: "cleanup_test"})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Errorf("期望 %d 条, 得到 %d", 2, len(events))
	}
}
