package oracle

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

const feedBTC = "e62df6c8b4a85fe1a67db44dc12de5db330f7ac66b72dc658afedf0f4a415b43"

func priceServer(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/latest_price_feeds", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		ids := r.URL.Query()["ids[]"]
		if len(ids) != 1 || ids[0] != feedBTC {
			http.Error(w, "unknown feed", http.StatusBadRequest)
			return
		}
		fmt.Fprintf(w, `[{
			"id": %q,
			"price": {"price": "6421055500000", "conf": "1285000000", "expo": -8, "publish_time": 1717243200}
		}]`, feedBTC)
	})
	mux.HandleFunc("/api/latest_vaas", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `["UE5BVQEAAAAD", "c2Vjb25k"]`)
	})
	return httptest.NewServer(mux)
}

func TestGetPriceScalesByExpo(t *testing.T) {
	var hits atomic.Int32
	srv := priceServer(t, &hits)
	defer srv.Close()

	client := NewClient(srv.URL, zap.NewNop())
	quote, err := client.GetPrice(context.Background(), feedBTC)
	if err != nil {
		t.Fatalf("GetPrice: %v", err)
	}

	if got := quote.Price.String(); got != "64210.555" {
		t.Errorf("price = %s, want 64210.555", got)
	}
	if got := quote.Confidence.String(); got != "12.85" {
		t.Errorf("confidence = %s, want 12.85", got)
	}
	if want := time.Unix(1717243200, 0).UTC(); !quote.PublishTime.Equal(want) {
		t.Errorf("publish time = %v, want %v", quote.PublishTime, want)
	}
}

func TestGetPricesUsesCacheWithinTTL(t *testing.T) {
	var hits atomic.Int32
	srv := priceServer(t, &hits)
	defer srv.Close()

	client := NewClient(srv.URL, zap.NewNop(), WithCacheTTL(5*time.Second))
	clock := time.Unix(1717243201, 0)
	client.now = func() time.Time { return clock }

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := client.GetPrice(ctx, feedBTC); err != nil {
			t.Fatalf("GetPrice %d: %v", i, err)
		}
	}
	if hits.Load() != 1 {
		t.Errorf("http hits = %d, want 1 (cache)", hits.Load())
	}

	clock = clock.Add(10 * time.Second)
	if _, err := client.GetPrice(ctx, feedBTC); err != nil {
		t.Fatal(err)
	}
	if hits.Load() != 2 {
		t.Errorf("http hits = %d, want 2 after TTL expiry", hits.Load())
	}
}

func TestGetPriceUpdateDataReturnsFirstAttestation(t *testing.T) {
	var hits atomic.Int32
	srv := priceServer(t, &hits)
	defer srv.Close()

	client := NewClient(srv.URL, zap.NewNop())
	data, err := client.GetPriceUpdateData(context.Background(), feedBTC)
	if err != nil {
		t.Fatalf("GetPriceUpdateData: %v", err)
	}
	if string(data) != "UE5BVQEAAAAD" {
		t.Errorf("data = %q, want first vaa", data)
	}
}

func TestGetPriceUnknownFeed(t *testing.T) {
	var hits atomic.Int32
	srv := priceServer(t, &hits)
	defer srv.Close()

	client := NewClient(srv.URL, zap.NewNop())
	if _, err := client.GetPrice(context.Background(), "deadbeef"); err == nil {
		t.Fatal("GetPrice succeeded for unknown feed")
	}
}
