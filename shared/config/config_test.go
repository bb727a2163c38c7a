package config

import "testing"

func TestParseCSV(t *testing.T) {
	got := parseCSV("a, b, ,c,,")
	if len(got) != 3 {
		t.Fatalf("expected 3 items, got %d", len(got))
	}
	if got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("unexpected values: %#v", got)
	}
}

func TestDefaultsFieldKnobs(t *testing.T) {
	def := Defaults("api", 8080)
	if def.DistanceThresholdM != 100 {
		t.Fatalf("expected 100m default distance threshold, got %f", def.DistanceThresholdM)
	}
	if def.CheckoutTxTimeoutMS != 10000 || def.CheckoutLockTimeoutMS != 5000 {
		t.Fatalf("unexpected checkout budgets: %d/%d", def.CheckoutTxTimeoutMS, def.CheckoutLockTimeoutMS)
	}
	if def.CheckoutRetryMax != 1 {
		t.Fatalf("expected a single bounded retry, got %d", def.CheckoutRetryMax)
	}
}

func TestApplyFromMap(t *testing.T) {
	cfg := Defaults("api", 8080)
	var problems []Problem
	apply(&cfg, mapLookup(map[string]any{
		"checkin_distance_threshold_meters": "250",
		"HTTP_PORT":                         9090,
		"KAFKA_BROKERS":                     "k1:9092, k2:9092",
		"OTEL_ENABLED":                      "yes",
		"CHECKOUT_RETRY_MAX":                "oops",
	}), &problems)
	if cfg.DistanceThresholdM != 250 {
		t.Fatalf("expected threshold 250, got %f", cfg.DistanceThresholdM)
	}
	if cfg.HTTPPort != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.HTTPPort)
	}
	if len(cfg.KafkaBrokers) != 2 {
		t.Fatalf("expected 2 brokers, got %v", cfg.KafkaBrokers)
	}
	if !cfg.OtelEnabled {
		t.Fatalf("expected otel enabled")
	}
	if len(problems) != 1 || problems[0].Field != "CHECKOUT_RETRY_MAX" {
		t.Fatalf("expected one problem for CHECKOUT_RETRY_MAX, got %v", problems)
	}
}

func TestValidateClampsLockBudget(t *testing.T) {
	cfg := Defaults("api", 8080)
	cfg.CheckoutLockTimeoutMS = 20000
	var problems []Problem
	validate(&cfg, Defaults("api", 8080), &problems)
	if cfg.CheckoutLockTimeoutMS != cfg.CheckoutTxTimeoutMS {
		t.Fatalf("expected lock budget clamped to tx budget, got %d", cfg.CheckoutLockTimeoutMS)
	}
	if len(problems) == 0 {
		t.Fatalf("expected a problem to be recorded")
	}
}
