package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "ops surface base URL")
	leaderboardID := flag.Int64("leaderboard", 1, "leaderboard id to start automatch for")
	polls := flag.Int("polls", 10, "number of manager-status polls before exiting")
	flag.Parse()

	client := &http.Client{Timeout: 5 * time.Second}

	startURL := fmt.Sprintf("%s/admin/leaderboards/%d/start", *baseURL, *leaderboardID)
	resp, err := client.Post(startURL, "application/json", nil)
	if err != nil {
		log.Fatalf("failed to start automatch: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	fmt.Printf("start automatch: %s\n%s\n", resp.Status, body)

	statusURL := fmt.Sprintf("%s/admin/manager-status", *baseURL)
	for i := 0; i < *polls; i++ {
		time.Sleep(2 * time.Second)

		resp, err := client.Get(statusURL)
		if err != nil {
			log.Printf("manager-status poll failed: %v", err)
			continue
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		var pretty map[string]interface{}
		if err := json.Unmarshal(body, &pretty); err != nil {
			fmt.Printf("poll %d: %s\n", i, body)
			continue
		}
		fmt.Printf("poll %d: %+v\n", i, pretty)
	}
}
