// Package main is a smoke-test utility for a running server. It calls the
// unauthenticated probes and prints each status code and body, exiting
// non-zero if any of them is not 200. The base URL defaults to
// http://localhost:8080 and can be passed as the first argument.
package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

func main() {
	base := "http://localhost:8080"
	if len(os.Args) > 1 {
		base = strings.TrimRight(os.Args[1], "/")
	}

	client := &http.Client{Timeout: 10 * time.Second}
	failed := false
	for _, path := range []string{"/health", "/ready", "/version"} {
		status, body, err := get(client, base+path)
		if err != nil {
			fmt.Printf("%s: error: %v\n", path, err)
			failed = true
			continue
		}
		fmt.Printf("%s: %d %s\n", path, status, body)
		if status != http.StatusOK {
			failed = true
		}
	}
	if failed {
		os.Exit(1)
	}
}

func get(client *http.Client, url string) (int, string, error) {
	resp, err := client.Get(url)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, "", fmt.Errorf("reading body: %w", err)
	}
	return resp.StatusCode, strings.TrimSpace(string(body)), nil
}
