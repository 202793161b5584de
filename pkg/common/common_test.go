package common

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestErrorIs(t *testing.T) {
	err := NewError(ErrNotFound, "basket %s", "1.1.1")
	if !errors.Is(err, NotFound) {
		t.Fatal("errors.Is should match on code")
	}
	if errors.Is(err, AlreadyExists) {
		t.Fatal("different codes must not match")
	}
	wrapped := fmt.Errorf("query: %w", err)
	if CodeOf(wrapped) != ErrNotFound {
		t.Fatalf("CodeOf(wrapped) = %s", CodeOf(wrapped))
	}
	if CodeOf(errors.New("boom")) != ErrInternal || CodeOf(nil) != OK {
		t.Fatal("CodeOf fallbacks")
	}
}

func TestDuration(t *testing.T) {
	var conf struct {
		A Duration `json:"a"`
		B Duration `json:"b"`
	}
	if err := json.Unmarshal([]byte(`{"a":"1500ms","b":2}`), &conf); err != nil {
		t.Fatal(err)
	}
	if conf.A.Duration != 1500*time.Millisecond || conf.B.Duration != 2*time.Second {
		t.Fatalf("parsed %v %v", conf.A, conf.B)
	}
	if err := json.Unmarshal([]byte(`{"a":true}`), &conf); err == nil {
		t.Fatal("bool duration should fail")
	}
}

func TestLogFormatter(t *testing.T) {
	logger, err := InitLogger("debug", "peer")
	if err != nil {
		t.Fatal(err)
	}
	var sb strings.Builder
	logger.SetOutput(&sb)
	logger.Infof("hello %d", 1)
	if !strings.Contains(sb.String(), "INFO [peer] hello 1") {
		t.Fatalf("formatted %q", sb.String())
	}
	if _, err := InitLogger("loud", "x"); err == nil {
		t.Fatal("unknown level should fail")
	}
}
