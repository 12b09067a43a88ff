// Command keelctl is the operator CLI for a running keel daemon.
//
// Usage:
//
//	keelctl status                   show trust and health state
//	keelctl explain <receipt-id>     print a decision receipt's explanation
//	keelctl stepback [reason]        step autonomy back one phase
//	keelctl recover                  reset health counters (exits Suspended)
//
// KEEL_ADDR points at the daemon (default http://localhost:8086);
// KEEL_API_KEY is sent as X-API-Key when set.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	addr := envOr("KEEL_ADDR", "http://localhost:8086")
	client := &client{
		base:   strings.TrimRight(addr, "/"),
		apiKey: os.Getenv("KEEL_API_KEY"),
		http:   &http.Client{Timeout: 10 * time.Second},
	}

	var err error
	switch os.Args[1] {
	case "status":
		err = client.status()
	case "explain":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: keelctl explain <receipt-id>")
			os.Exit(2)
		}
		err = client.explain(os.Args[2])
	case "stepback":
		reason := "operator request"
		if len(os.Args) > 2 {
			reason = strings.Join(os.Args[2:], " ")
		}
		err = client.stepback(reason)
	case "recover":
		err = client.recover()
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: keelctl <status|explain|stepback|recover> [args]")
}

type client struct {
	base   string
	apiKey string
	http   *http.Client
}

func (c *client) status() error {
	var trust, health map[string]interface{}
	if err := c.get("/v1/trust", &trust); err != nil {
		return err
	}
	if err := c.get("/v1/health", &health); err != nil {
		return err
	}
	fmt.Printf("phase:    %v\n", trust["phase"])
	fmt.Printf("score:    %v\n", trust["score"])
	fmt.Printf("active:   %v days, %v accepted, %v completed\n",
		trust["days_active"], trust["accepted_count"], trust["completed_count"])
	fmt.Printf("health:   %v\n", health["mode"])
	if counters, ok := health["counters"].(map[string]interface{}); ok && len(counters) > 0 {
		fmt.Printf("counters: %v\n", counters)
	}
	return nil
}

func (c *client) explain(id string) error {
	var out struct {
		Explanation string `json:"explanation"`
	}
	if err := c.get("/v1/receipts/"+id+"/explain", &out); err != nil {
		return err
	}
	fmt.Println(out.Explanation)
	return nil
}

func (c *client) stepback(reason string) error {
	var out map[string]interface{}
	if err := c.post("/v1/trust/stepback", map[string]string{"reason": reason}, &out); err != nil {
		return err
	}
	fmt.Printf("phase: %v (score %v)\n", out["phase"], out["score"])
	return nil
}

func (c *client) recover() error {
	var out map[string]interface{}
	if err := c.post("/v1/health/recover", nil, &out); err != nil {
		return err
	}
	fmt.Printf("health mode: %v\n", out["mode"])
	return nil
}

func (c *client) get(path string, out interface{}) error {
	return c.do(http.MethodGet, path, nil, out)
}

func (c *client) post(path string, body, out interface{}) error {
	return c.do(http.MethodPost, path, body, out)
}

func (c *client) do(method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(raw)))
	}
	if out != nil {
		return json.Unmarshal(raw, out)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
