package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"pricewatch/internal/storage"
)

func TestTelegramNotifierSuccess(t *testing.T) {
	var received struct {
		ChatID int64  `json:"chat_id"`
		Text   string `json:"text"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/bottoken/sendMessage") {
			t.Errorf("路径应包含 sendMessage, 实际 %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("解析请求体失败: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", srv.URL, time.Second, testLogger())
	if err := notifier.Send(context.Background(), 123456789, "hello"); err != nil {
		t.Fatalf("Telegram Send 应成功: %v", err)
	}

	if received.ChatID != 123456789 {
		t.Fatalf("chat_id 不正确: %#v", received)
	}
	if received.Text != "hello" {
		t.Fatalf("text 不正确: %q", received.Text)
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "description": "chat not found"})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", srv.URL, time.Second, testLogger())
	err := notifier.Send(context.Background(), 1, "hello")
	if err == nil {
		t.Fatal("ok=false 应报错")
	}
	if !strings.Contains(err.Error(), "chat not found") {
		t.Fatalf("error should carry description: %v", err)
	}
}

func TestTelegramNotifierStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", srv.URL, time.Second, testLogger())
	if err := notifier.Send(context.Background(), 1, "hello"); err == nil {
		t.Fatal("non-2xx status should fail")
	}
}

func TestRenderKinds(t *testing.T) {
	orig := decimal.NewFromInt(1000)
	prev := decimal.NewFromInt(800)
	pct := decimal.NewFromInt(40)

	cases := []struct {
		name string
		rec  storage.AlertRecord
		want []string
	}{
		{
			name: "big discount",
			rec: storage.AlertRecord{Kind: storage.AlertBigDiscount, Payload: storage.AlertPayload{
				Title: "Laptop", URL: "https://shop.example/p/1", InStock: true,
				Price: decimal.NewFromInt(600), OriginalPrice: &orig, DiscountPct: &pct,
			}},
			want: []string{"[BIG DISCOUNT]", "Laptop", "$1000.00 CAD", "$600.00 CAD", "-40.0%", "You save: $400.00 CAD", "in stock", "https://shop.example/p/1"},
		},
		{
			name: "price drop",
			rec: storage.AlertRecord{Kind: storage.AlertPriceDrop, Payload: storage.AlertPayload{
				Title: "Monitor", Price: decimal.NewFromInt(600), PreviousPrice: &prev,
			}},
			want: []string{"[PRICE DROP]", "Previous price: $800.00 CAD", "Drop: $200.00 CAD (25.0%)", "out of stock"},
		},
		{
			name: "price error",
			rec: storage.AlertRecord{Kind: storage.AlertPriceError, Payload: storage.AlertPayload{
				Title: "TV", Price: decimal.NewFromInt(5), ErrorKind: "price_too_low", Confidence: 0.9,
			}},
			want: []string{"[PRICE ERROR DETECTED]", "Abnormally low price", "Confidence: 90%"},
		},
		{
			name: "new category discount",
			rec: storage.AlertRecord{Kind: storage.AlertNewCategoryDiscount, Payload: storage.AlertPayload{
				Title: "GPU", Price: decimal.NewFromInt(600), DiscountPct: &pct, CategoryName: "graphics cards",
			}},
			want: []string{"[NEW DISCOUNT in 'graphics cards']", "GPU", "Discount: -40.0%"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg := Render(tc.rec)
			for _, w := range tc.want {
				if !strings.Contains(msg, w) {
					t.Fatalf("message missing %q:\n%s", w, msg)
				}
			}
		})
	}
}

func TestAcceptsSubscriberThresholds(t *testing.T) {
	pct := decimal.NewFromInt(35)
	expMin := decimal.NewFromInt(100)
	prev := decimal.NewFromInt(100)
	strict := decimal.NewFromInt(50)
	ratio := decimal.RequireFromString("0.3")

	big := storage.AlertRecord{Kind: storage.AlertBigDiscount, Payload: storage.AlertPayload{Price: decimal.NewFromInt(65), DiscountPct: &pct}}
	if !Accepts(storage.Subscriber{}, big) {
		t.Fatal("subscriber without overrides should accept")
	}
	if Accepts(storage.Subscriber{BigDiscountThreshold: &strict}, big) {
		t.Fatal("35% discount should not pass a 50% threshold")
	}

	below := storage.AlertRecord{Kind: storage.AlertPriceError, Payload: storage.AlertPayload{Price: decimal.NewFromInt(40), ErrorKind: "price_below_expected", ExpectedMin: &expMin}}
	if Accepts(storage.Subscriber{PriceErrorThreshold: &ratio}, below) {
		t.Fatal("40 is not below 100*0.3")
	}
	drop := storage.AlertRecord{Kind: storage.AlertPriceError, Payload: storage.AlertPayload{Price: decimal.NewFromInt(20), ErrorKind: "suspicious_drop", PreviousPrice: &prev}}
	if !Accepts(storage.Subscriber{PriceErrorThreshold: &ratio}, drop) {
		t.Fatal("20 is below 100*0.3")
	}
	tooLow := storage.AlertRecord{Kind: storage.AlertPriceError, Payload: storage.AlertPayload{Price: decimal.NewFromInt(2), ErrorKind: "price_too_low"}}
	if !Accepts(storage.Subscriber{PriceErrorThreshold: &ratio}, tooLow) {
		t.Fatal("absolute floor errors are always delivered")
	}
}

type stubSubscribers map[int64]storage.Subscriber

func (s stubSubscribers) GetSubscriber(_ context.Context, id int64) (storage.Subscriber, error) {
	sub, ok := s[id]
	if !ok {
		return storage.Subscriber{}, storage.ErrNotFound
	}
	return sub, nil
}

type failingNotifier struct {
	RecordingNotifier
	failFor int64
}

func (n *failingNotifier) Send(ctx context.Context, id int64, msg string) error {
	if id == n.failFor {
		return errors.New("boom")
	}
	return n.RecordingNotifier.Send(ctx, id, msg)
}

func TestDispatcherFiltersAndIsolatesFailures(t *testing.T) {
	strict := decimal.NewFromInt(50)
	pct := decimal.NewFromInt(35)
	subs := stubSubscribers{
		2: {ID: 2, BigDiscountThreshold: &strict},
	}
	notifier := &failingNotifier{failFor: 3}
	d := NewDispatcher(notifier, subs, 2, testLogger())

	rec := storage.AlertRecord{ItemID: "A", Kind: storage.AlertBigDiscount, Payload: storage.AlertPayload{Title: "Item", Price: decimal.NewFromInt(65), DiscountPct: &pct}}
	sent := d.Dispatch(context.Background(), rec, []int64{1, 2, 3, 4})
	if sent != 2 {
		t.Fatalf("expected 2 deliveries, got %d", sent)
	}

	got := map[int64]bool{}
	for _, m := range notifier.Messages() {
		got[m.SubscriberID] = true
	}
	if !got[1] || !got[4] || got[2] || got[3] {
		t.Fatalf("unexpected recipients: %v", got)
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
