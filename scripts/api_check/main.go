// api_check smoke-tests a running market core: it mints a player token with
// the shared JWT secret, reads the wallet, buys and sells a small quantity and
// replays the buy with the same idempotency key.
//
//	JWT_SECRET=dev-secret go run ./scripts/api_check
//
// Environment:
//
//	CHECK_BASE_URL  (default "http://localhost:8080")
//	CHECK_PLAYER    (default "api-check")
//	CHECK_SYMBOL    (default "ACME")
//	CHECK_QTY       (default "1")
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"market-core/internal/api"
	"market-core/pkg/logger"
)

func main() {
	log := logger.New(logger.Options{Level: "info"})
	defer func() { _ = log.Sync() }()

	base := getenv("CHECK_BASE_URL", "http://localhost:8080")
	player := getenv("CHECK_PLAYER", "api-check")
	symbol := getenv("CHECK_SYMBOL", "ACME")
	qty, err := strconv.ParseFloat(getenv("CHECK_QTY", "1"), 64)
	if err != nil || qty <= 0 {
		log.Fatal("CHECK_QTY must be a positive number", zap.String("value", os.Getenv("CHECK_QTY")))
	}

	token, err := api.GenerateToken(player, getenv("JWT_SECRET", "dev-secret"), false, time.Now().Add(10*time.Minute))
	if err != nil {
		log.Fatal("mint token", zap.Error(err))
	}
	c := &checker{client: &http.Client{Timeout: 10 * time.Second}, base: base, token: token, log: log}

	c.call(http.MethodGet, "/health", nil)
	c.call(http.MethodGet, "/api/wallet", nil)

	key := uuid.NewString()
	buy := map[string]any{"symbol": symbol, "side": "BUY", "qty": qty, "idempotency_key": key}
	c.call(http.MethodPost, "/api/orders", buy)
	// Same key again must come back CACHED without a second fill.
	c.call(http.MethodPost, "/api/orders", buy)

	c.call(http.MethodPost, "/api/orders", map[string]any{"symbol": symbol, "side": "SELL", "qty": qty})
	c.call(http.MethodGet, "/api/portfolio", nil)
	c.call(http.MethodGet, "/api/orders?limit=5", nil)

	if c.failures > 0 {
		log.Error("api check finished with failures", zap.Int("failures", c.failures))
		os.Exit(1)
	}
	log.Info("api check passed")
}

type checker struct {
	client   *http.Client
	base     string
	token    string
	log      *zap.Logger
	failures int
}

func (c *checker) call(method, path string, payload any) {
	var buf bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&buf).Encode(payload); err != nil {
			c.fail(method, path, err)
			return
		}
	}
	req, err := http.NewRequest(method, c.base+path, &buf)
	if err != nil {
		c.fail(method, path, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		c.fail(method, path, err)
		return
	}
	defer resp.Body.Close()

	var body any
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if resp.StatusCode >= http.StatusBadRequest {
		c.fail(method, path, fmt.Errorf("status %d: %v", resp.StatusCode, body))
		return
	}
	c.log.Info("ok", zap.String("method", method), zap.String("path", path),
		zap.Int("status", resp.StatusCode), zap.Any("body", body))
}

func (c *checker) fail(method, path string, err error) {
	c.failures++
	c.log.Error("check failed", zap.String("method", method), zap.String("path", path), zap.Error(err))
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
