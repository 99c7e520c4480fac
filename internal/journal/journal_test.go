package journal

import (
	"path/filepath"
	"testing"
	"time"
)

func TestRecordAndReadBack(t *testing.T) {
	j, err := Open(filepath.Join(t.TempDir(), "hedges.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer j.Close()

	now := time.Now().UTC().Truncate(time.Second)
	fills := []Hedge{
		{PortfolioID: "p1", Kind: "initial", Instrument: "BTC-PERPETUAL", QtyUSD: -20, Price: 50000, PositionAfter: -20, ExecutedAt: now},
		{PortfolioID: "p1", Kind: "dynamic", Instrument: "BTC-PERPETUAL", QtyUSD: 100, Price: 50100, PositionAfter: 100, RealizedPnL: 1.5, ExecutedAt: now.Add(time.Minute)},
		{PortfolioID: "p2", Kind: "dynamic", Instrument: "BTC-PERPETUAL", QtyUSD: -50, Price: 50200, ExecutedAt: now.Add(2 * time.Minute)},
	}
	for _, h := range fills {
		if err := j.RecordHedge(h); err != nil {
			t.Fatalf("RecordHedge: %v", err)
		}
	}

	got, err := j.GetHedges("p1", 10)
	if err != nil {
		t.Fatalf("GetHedges: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d hedges for p1, want 2", len(got))
	}
	// Newest first.
	if got[0].Kind != "dynamic" || got[0].QtyUSD != 100 || got[0].RealizedPnL != 1.5 {
		t.Errorf("first row = %+v", got[0])
	}
	if got[1].Kind != "initial" || got[1].QtyUSD != -20 {
		t.Errorf("second row = %+v", got[1])
	}
	if !got[1].ExecutedAt.Equal(now) {
		t.Errorf("executed_at = %v, want %v", got[1].ExecutedAt, now)
	}

	all, err := j.GetHedges("", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Errorf("got %d total hedges, want 3", len(all))
	}
}
