package directory

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"riskwatch/internal/venue"
	"riskwatch/pkg/types"
)

func TestMemoryRoundTrip(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	ctx := context.Background()

	c := Client{
		ClientID:   "c1",
		Venue:      types.VenueFutures,
		DailyLimit: types.Percentage(decimal.NewFromInt(10)),
		MaxLimit:   types.Absolute(decimal.NewFromInt(500)),
	}
	m.Register(c, venue.Credentials{APIKey: "k", APISecret: "s"})

	got, err := m.GetClient(ctx, "c1")
	if err != nil {
		t.Fatalf("GetClient: %v", err)
	}
	if got.Venue != types.VenueFutures || got.MaxLimit.Type != types.LimitAbsolute {
		t.Errorf("got %+v", got)
	}

	creds, err := m.GetCredentials(ctx, "c1")
	if err != nil {
		t.Fatalf("GetCredentials: %v", err)
	}
	if creds.APIKey != "k" {
		t.Errorf("creds = %+v", creds)
	}
}

func TestMemoryNotFound(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	ctx := context.Background()

	if _, err := m.GetClient(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetClient err = %v, want ErrNotFound", err)
	}
	if _, err := m.GetCredentials(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetCredentials err = %v, want ErrNotFound", err)
	}
	if err := m.UpdateLimits("ghost", types.Absolute(decimal.NewFromInt(1)), types.Absolute(decimal.NewFromInt(2))); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateLimits err = %v, want ErrNotFound", err)
	}
}

func TestMemoryUpdateLimits(t *testing.T) {
	t.Parallel()
	m := NewMemory()

	m.Register(Client{
		ClientID:   "c1",
		Venue:      types.VenueSpot,
		DailyLimit: types.Absolute(decimal.NewFromInt(100)),
		MaxLimit:   types.Absolute(decimal.NewFromInt(200)),
	}, venue.Credentials{})

	newDaily := types.Percentage(decimal.NewFromInt(5))
	newMax := types.Absolute(decimal.NewFromInt(900))
	if err := m.UpdateLimits("c1", newDaily, newMax); err != nil {
		t.Fatalf("UpdateLimits: %v", err)
	}

	got, err := m.GetClient(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}
	if got.DailyLimit.Type != types.LimitPercentage || !got.MaxLimit.Value.Equal(decimal.NewFromInt(900)) {
		t.Errorf("limits not updated: %+v", got)
	}
}

func TestHTTPDirectory(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/clients/c1":
			json.NewEncoder(w).Encode(Client{
				ClientID:   "c1",
				Venue:      types.VenueFutures,
				DailyLimit: types.Absolute(decimal.NewFromInt(100)),
				MaxLimit:   types.Absolute(decimal.NewFromInt(300)),
			})
		case "/clients/c1/credentials":
			json.NewEncoder(w).Encode(venue.Credentials{APIKey: "k1", APISecret: "s1"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	d := NewHTTP(srv.URL, time.Second)
	ctx := context.Background()

	got, err := d.GetClient(ctx, "c1")
	if err != nil {
		t.Fatalf("GetClient: %v", err)
	}
	if got.ClientID != "c1" || !got.MaxLimit.Value.Equal(decimal.NewFromInt(300)) {
		t.Errorf("got %+v", got)
	}

	creds, err := d.GetCredentials(ctx, "c1")
	if err != nil {
		t.Fatalf("GetCredentials: %v", err)
	}
	if creds.APIKey != "k1" || creds.APISecret != "s1" {
		t.Errorf("creds = %+v", creds)
	}

	if _, err := d.GetClient(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
