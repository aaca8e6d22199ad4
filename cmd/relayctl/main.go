// Command relayctl is a thin CLI over the relay's control surface: it
// queries /api/health and prints a human-readable status table. It
// exits 0 when the health endpoint answers 200; 1 when the control
// surface cannot be reached or answers 503 or any other status; and 2
// when the health response cannot be decoded. The protected-port code
// (3) is defined but never returned. Grounded on polybot's
// CLI+tablewriter status pattern.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
)

const (
	exitClean                 = 0
	exitUnrecoverableStartup  = 1
	exitConfigInvalid         = 2
	exitProtectedPortViolation = 3
)

type healthResponse struct {
	SystemHealth struct {
		Score  int    `json:"score"`
		Status string `json:"status"`
	} `json:"system_health"`
	Sessions []struct {
		Account string `json:"account"`
		Phase   string `json:"phase"`
	} `json:"sessions"`
}

func main() {
	addr := flag.String("addr", "http://localhost:8700", "relay control surface base URL")
	timeout := flag.Duration("timeout", 5*time.Second, "HTTP request timeout")
	flag.Parse()

	client := &http.Client{Timeout: *timeout}

	resp, err := client.Get(*addr + "/api/health")
	if err != nil {
		fmt.Fprintf(os.Stderr, "relayctl: could not reach control surface: %v\n", err)
		os.Exit(exitUnrecoverableStartup)
	}
	defer resp.Body.Close()

	var health healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		fmt.Fprintf(os.Stderr, "relayctl: malformed health response: %v\n", err)
		os.Exit(exitConfigInvalid)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Account", "Phase"})
	for _, s := range health.Sessions {
		table.Append([]string{s.Account, s.Phase})
	}
	table.Render()
	fmt.Printf("system health: score=%d status=%s\n", health.SystemHealth.Score, health.SystemHealth.Status)

	switch {
	case resp.StatusCode == http.StatusOK:
		fmt.Println("relay status: ok")
		os.Exit(exitClean)
	case resp.StatusCode == http.StatusServiceUnavailable:
		fmt.Println("relay status: degraded")
		os.Exit(exitUnrecoverableStartup)
	default:
		fmt.Printf("relay status: unexpected response %d\n", resp.StatusCode)
		os.Exit(exitUnrecoverableStartup)
	}
}
