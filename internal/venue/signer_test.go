package venue

import (
	"strconv"
	"sync"
	"testing"
)

func TestSignRequestDeterministic(t *testing.T) {
	t.Parallel()
	creds := Credentials{APIKey: "key", APISecret: "secret"}

	a := SignRequest(creds, "GET", "/api/v1/account/balance", "1700000000000001", "")
	b := SignRequest(creds, "GET", "/api/v1/account/balance", "1700000000000001", "")
	if a != b {
		t.Errorf("same inputs produced different signatures: %s vs %s", a, b)
	}
	if len(a) != 128 {
		t.Errorf("signature length = %d, want 128 hex chars (SHA-512)", len(a))
	}
}

func TestSignRequestSensitivity(t *testing.T) {
	t.Parallel()
	creds := Credentials{APIKey: "key", APISecret: "secret"}
	base := SignRequest(creds, "POST", "/api/v1/order", "42", `{"symbol":"BTCUSDT"}`)

	variants := []struct {
		name string
		sig  string
	}{
		{"method", SignRequest(creds, "GET", "/api/v1/order", "42", `{"symbol":"BTCUSDT"}`)},
		{"path", SignRequest(creds, "POST", "/api/v1/orders", "42", `{"symbol":"BTCUSDT"}`)},
		{"nonce", SignRequest(creds, "POST", "/api/v1/order", "43", `{"symbol":"BTCUSDT"}`)},
		{"body", SignRequest(creds, "POST", "/api/v1/order", "42", `{"symbol":"ETHUSDT"}`)},
		{"secret", SignRequest(Credentials{APIKey: "key", APISecret: "other"}, "POST", "/api/v1/order", "42", `{"symbol":"BTCUSDT"}`)},
	}

	for _, v := range variants {
		if v.sig == base {
			t.Errorf("changing %s did not change the signature", v.name)
		}
	}
}

func TestNonceSourceMonotonic(t *testing.T) {
	t.Parallel()
	var ns NonceSource

	prev := ns.Next()
	for i := 0; i < 1000; i++ {
		n := ns.Next()
		if n <= prev {
			t.Fatalf("nonce %d not greater than previous %d", n, prev)
		}
		prev = n
	}
}

func TestNonceSourceConcurrentUnique(t *testing.T) {
	t.Parallel()
	var ns NonceSource

	const goroutines = 8
	const perGoroutine = 500

	var wg sync.WaitGroup
	results := make([][]int64, goroutines)
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			out := make([]int64, perGoroutine)
			for i := range out {
				out[i] = ns.Next()
			}
			results[g] = out
		}(g)
	}
	wg.Wait()

	seen := make(map[int64]bool, goroutines*perGoroutine)
	for _, out := range results {
		for _, n := range out {
			if seen[n] {
				t.Fatalf("duplicate nonce %d", n)
			}
			seen[n] = true
		}
	}
}

func TestAuthHeaders(t *testing.T) {
	t.Parallel()
	s := NewSigner()
	creds := Credentials{APIKey: "api-key-1", APISecret: "s3cret"}

	headers := s.AuthHeaders(creds, "GET", "/api/v1/account/balance", "")

	if headers["X-API-KEY"] != "api-key-1" {
		t.Errorf("X-API-KEY = %q", headers["X-API-KEY"])
	}
	nonce, err := strconv.ParseInt(headers["X-NONCE"], 10, 64)
	if err != nil || nonce <= 0 {
		t.Errorf("X-NONCE = %q, want positive integer", headers["X-NONCE"])
	}
	want := SignRequest(creds, "GET", "/api/v1/account/balance", headers["X-NONCE"], "")
	if headers["X-SIGNATURE"] != want {
		t.Errorf("X-SIGNATURE does not verify against the canonical scheme")
	}
}
