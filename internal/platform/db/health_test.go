package db

import (
	"encoding/json"
	"testing"
)

func TestPoolStats_JSONShape(t *testing.T) {
	stats := &PoolStats{
		TotalConns:      10,
		IdleConns:       5,
		AcquiredConns:   5,
		MaxConns:        20,
		AcquireCount:    100,
		AcquireDuration: "1.5s",
		Healthy:         true,
	}

	data, err := json.Marshal(stats)
	if err != nil {
		t.Fatalf("marshal pool stats: %v", err)
	}

	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal pool stats: %v", err)
	}
	for _, key := range []string{"total_conns", "idle_conns", "acquired_conns", "max_conns", "acquire_count", "acquire_duration", "healthy"} {
		if _, ok := out[key]; !ok {
			t.Errorf("missing field %q in %s", key, data)
		}
	}
	if out["healthy"] != true {
		t.Errorf("healthy = %v, want true", out["healthy"])
	}
}
