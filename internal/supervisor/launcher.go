package supervisor

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os/exec"
	"time"
)

// ChromeLauncher starts a headless Chrome process bound to a given
// remote-debugging port and resolves its DevTools websocket endpoint.
// Chrome-args construction is grounded on the browser-pool file in
// the pack's other_examples (jordie-unified-go browser_pool.go).
type ChromeLauncher struct {
	BinaryPath      string
	UserDataDirBase string
}

// NewChromeLauncher returns a launcher using the given Chrome binary
// and a per-account user-data-dir rooted at userDataDirBase.
func NewChromeLauncher(binaryPath, userDataDirBase string) Launcher {
	return &ChromeLauncher{BinaryPath: binaryPath, UserDataDirBase: userDataDirBase}
}

func (c *ChromeLauncher) Launch(accountID string, port int) (int, string, error) {
	args := []string{
		fmt.Sprintf("--remote-debugging-port=%d", port),
		"--headless=new",
		"--no-first-run",
		"--no-default-browser-check",
		fmt.Sprintf("--user-data-dir=%s/%s", c.UserDataDirBase, accountID),
	}
	cmd := exec.Command(c.BinaryPath, args...)
	if err := cmd.Start(); err != nil {
		return 0, "", fmt.Errorf("supervisor: start chrome for %s: %w", accountID, err)
	}

	endpoint, err := waitForDevToolsEndpoint(port, 10*time.Second)
	if err != nil {
		_ = cmd.Process.Kill()
		return 0, "", err
	}
	return cmd.Process.Pid, endpoint, nil
}

// devToolsVersion is the subset of Chrome's /json/version response
// this launcher needs.
type devToolsVersion struct {
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// waitForDevToolsEndpoint polls Chrome's /json/version endpoint until
// it responds or timeout elapses, returning the browser-level
// webSocketDebuggerUrl.
func waitForDevToolsEndpoint(port int, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	url := fmt.Sprintf("http://127.0.0.1:%d/json/version", port)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			var v devToolsVersion
			decodeErr := json.NewDecoder(resp.Body).Decode(&v)
			resp.Body.Close()
			if decodeErr == nil && v.WebSocketDebuggerURL != "" {
				return v.WebSocketDebuggerURL, nil
			}
		}
		time.Sleep(200 * time.Millisecond)
	}
	return "", fmt.Errorf("supervisor: devtools endpoint on port %d did not become ready within %s", port, timeout)
}
