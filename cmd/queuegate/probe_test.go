package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/snehjoshi/queuegate/internal/bus"
	"github.com/snehjoshi/queuegate/internal/config"
	"github.com/snehjoshi/queuegate/internal/sandbox"
	"github.com/snehjoshi/queuegate/internal/types"
)

func probeConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	sb, err := sandbox.New(cfg.Sandbox)
	if err != nil {
		t.Fatalf("sandbox.New: %v", err)
	}
	ts := httptest.NewServer(sb.Handler())
	t.Cleanup(ts.Close)
	cfg.Backend.URL = ts.URL
	cfg.Storage.Backend = config.StorageMemory
	return cfg
}

func kinds(t *testing.T, out *bytes.Buffer) []bus.Kind {
	t.Helper()
	var got []bus.Kind
	sc := bufio.NewScanner(out)
	for sc.Scan() {
		var n bus.Notification
		if err := json.Unmarshal(sc.Bytes(), &n); err != nil {
			t.Fatalf("decode line %q: %v", sc.Text(), err)
		}
		got = append(got, n.Kind)
	}
	return got
}

func TestProbe_QueuedThenReleased(t *testing.T) {
	cfg := probeConfig(t)
	var out bytes.Buffer

	final, err := probe(context.Background(), cfg, []string{"/contact-us", "/flash-sale"}, 5, &out)
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if final.Status != types.StatusIdle || final.RedirectURL == "" {
		t.Fatalf("expected release redirect, got %+v", final)
	}

	got := kinds(t, &out)
	if len(got) == 0 || got[len(got)-1] != bus.KindNavigate {
		t.Errorf("last notification must be navigate, got %v", got)
	}
}

func TestProbe_NoPollsStaysQueued(t *testing.T) {
	cfg := probeConfig(t)
	var out bytes.Buffer
	final, err := probe(context.Background(), cfg, []string{"/black-friday"}, 0, &out)
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != types.StatusQueued || final.Position == nil || *final.Position != 50 {
		t.Errorf("expected queued at 50, got %+v", final)
	}
}

func TestProbe_CycleConflictIsReported(t *testing.T) {
	cfg := probeConfig(t)
	var out bytes.Buffer
	if _, err := probe(context.Background(), cfg, []string{"/flash-sale", "/black-friday"}, 0, &out); err == nil {
		t.Fatal("expected an error for a second event while queued")
	}
}
