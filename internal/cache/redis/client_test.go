package redis

import (
	"testing"
	"time"
)

func TestOptions(t *testing.T) {
	tests := []struct {
		name       string
		cfg        ClientConfig
		clientName string
		read       time.Duration
		write      time.Duration
		serverName string
		tls        bool
	}{
		{
			name:       "defaults",
			cfg:        ClientConfig{Addr: "localhost:6379"},
			clientName: "polycopy",
			read:       3 * time.Second,
			write:      3 * time.Second,
		},
		{
			name:       "explicit timeouts and namespace",
			cfg:        ClientConfig{Addr: "localhost:6379", Namespace: "staging:", ReadTimeout: time.Second},
			clientName: "staging",
			read:       time.Second,
			write:      time.Second,
		},
		{
			name:       "tls to a hostname",
			cfg:        ClientConfig{Addr: "cache.internal:6380", TLSEnabled: true},
			clientName: "polycopy",
			read:       3 * time.Second,
			write:      3 * time.Second,
			serverName: "cache.internal",
			tls:        true,
		},
		{
			name:       "tls to an ip",
			cfg:        ClientConfig{Addr: "10.0.0.7:6380", TLSEnabled: true},
			clientName: "polycopy",
			read:       3 * time.Second,
			write:      3 * time.Second,
			tls:        true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := options(tt.cfg)
			if opts.ClientName != tt.clientName {
				t.Errorf("ClientName = %q, want %q", opts.ClientName, tt.clientName)
			}
			if opts.ReadTimeout != tt.read || opts.WriteTimeout != tt.write || opts.DialTimeout != 5*time.Second {
				t.Errorf("timeouts = dial %s read %s write %s", opts.DialTimeout, opts.ReadTimeout, opts.WriteTimeout)
			}
			if (opts.TLSConfig != nil) != tt.tls {
				t.Fatalf("TLSConfig = %v, want tls=%v", opts.TLSConfig, tt.tls)
			}
			if tt.tls && opts.TLSConfig.ServerName != tt.serverName {
				t.Errorf("ServerName = %q, want %q", opts.TLSConfig.ServerName, tt.serverName)
			}
		})
	}
}

func TestKeysAreNamespaced(t *testing.T) {
	c := &Client{keys: newKeyspace("")}
	if got := c.Key("dedup", "0xabc:7"); got != "polycopy:dedup:0xabc:7" {
		t.Fatalf("Key = %q", got)
	}

	c = &Client{keys: newKeyspace(" blue ")}
	locks := &LockManager{keys: c.keys}
	prices := &PriceCache{keys: c.keys}
	markets := &MarketCache{keys: c.keys}
	limits := &RateLimiter{keys: c.keys}
	for got, want := range map[string]string{
		locks.lockKey("ledger:flush:0xa1"): "blue:lock:ledger:flush:0xa1",
		prices.priceKey("77"):              "blue:price:77",
		markets.tokenKey("77"):             "blue:market:token:77",
		limits.rateLimitKey("clob"):        "blue:ratelimit:clob",
	} {
		if got != want {
			t.Errorf("key = %q, want %q", got, want)
		}
	}
	if q := NewDispatchQueue(c, "copytrading:supervisor:queue", 10); q.key != "blue:copytrading:supervisor:queue" {
		t.Errorf("queue key = %q", q.key)
	}
}
