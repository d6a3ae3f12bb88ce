package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"tollgate.dev/internal/auth"
	"tollgate.dev/internal/plan"
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	baseURL := getenv("TOLLGATE_SMOKE_URL", "http://localhost:8080")
	grpcAddr := getenv("TOLLGATE_SMOKE_GRPC_ADDR", "localhost:9090")
	secret := os.Getenv("TOLLGATE_AUTH_SECRET")
	if secret == "" {
		log.Fatal("TOLLGATE_AUTH_SECRET is required to mint smoke tokens")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := grpc.NewClient(grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatalf("dial grpc at %s: %v", grpcAddr, err)
	}
	defer conn.Close()
	hc, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: "tollgate"})
	if err != nil {
		log.Fatalf("health check: %v", err)
	}
	if hc.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		log.Fatalf("tollgate not serving: %s", hc.GetStatus())
	}

	verifier, err := auth.NewVerifier(secret, auth.WithIssuer(getenv("TOLLGATE_AUTH_ISSUER", "")))
	if err != nil {
		log.Fatalf("verifier: %v", err)
	}
	principal := auth.Principal{
		ID:            "smoke-" + uuid.NewString(),
		Role:          auth.RoleAnalyst,
		PlanID:        plan.Starter,
		EmailVerified: true,
	}
	token, err := verifier.Issue(principal, 5*time.Minute)
	if err != nil {
		log.Fatalf("issue token: %v", err)
	}

	const calls = 3
	for i := 0; i < calls; i++ {
		code, _ := call(ctx, http.MethodPost, baseURL+"/v1/access/authorize", token,
			map[string]any{"permission": string(auth.PermCreateAnalysis), "metered": true})
		if code != http.StatusOK {
			log.Fatalf("authorize #%d: status %d", i+1, code)
		}
	}
	if code, _ := call(ctx, http.MethodPost, baseURL+"/v1/access/authorize", token,
		map[string]any{"permission": string(auth.PermManageBilling)}); code != http.StatusForbidden {
		log.Fatalf("analyst billing.manage: expected 403, got %d", code)
	}

	code, body := call(ctx, http.MethodGet, baseURL+"/v1/usage", token, nil)
	if code != http.StatusOK {
		log.Fatalf("usage: status %d", code)
	}
	var usage struct {
		Used      int64      `json:"used"`
		Limit     plan.Limit `json:"limit"`
		Remaining plan.Limit `json:"remaining"`
	}
	if err := json.Unmarshal(body, &usage); err != nil {
		log.Fatalf("decode usage: %v", err)
	}
	limit, finite := usage.Limit.Value()
	remaining, _ := usage.Remaining.Value()
	if usage.Used != calls {
		log.Fatalf("expected used=%d, got %d", calls, usage.Used)
	}
	if finite && usage.Used+remaining != limit {
		log.Fatalf("quota conservation failed: used %d + remaining %d != limit %d", usage.Used, remaining, limit)
	}

	fmt.Printf("✅ tollgate smoke test passed: principal=%s used=%d limit=%s\n", principal.ID, usage.Used, usage.Limit)
}

func call(ctx context.Context, method, url, token string, payload any) (int, []byte) {
	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			log.Fatalf("encode: %v", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &body)
	if err != nil {
		log.Fatalf("request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	return resp.StatusCode, buf.Bytes()
}
