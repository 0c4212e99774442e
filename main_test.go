package main

import "testing"

func TestRedisOptionsURL(t *testing.T) {
	opts := redisOptions("redis://:pw@localhost:6380/2")
	if opts.Addr != "localhost:6380" || opts.Password != "pw" || opts.DB != 2 {
		t.Fatalf("unexpected options: %+v", opts)
	}
	if opts.TLSConfig != nil {
		t.Fatalf("plain redis URL should not enable TLS")
	}
}

func TestRedisOptionsAzureStyle(t *testing.T) {
	opts := redisOptions("cache.example.net:6380,password=secret,ssl=True,abortConnect=False")
	if opts.Addr != "cache.example.net:6380" {
		t.Fatalf("unexpected addr %q", opts.Addr)
	}
	if opts.Password != "secret" {
		t.Fatalf("unexpected password %q", opts.Password)
	}
	if opts.TLSConfig == nil {
		t.Fatalf("ssl=True should enable TLS")
	}
}
