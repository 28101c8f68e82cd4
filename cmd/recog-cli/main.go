package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	service := os.Getenv("RECOGNITION_URL")
	if service == "" {
		service = "http://localhost:9051"
	}
	token := os.Getenv("RECOGNITION_TOKEN")

	switch os.Args[1] {
	case "call":
		cmdCall(service, token)
	case "version":
		fmt.Printf("recog-cli v%s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Recognition admin CLI v` + version + `

Usage: recog-cli call <method> [json-body]

Examples:
  recog-cli call listStreams
  recog-cli call addStream '{"streamId":"cam1","url":"http://cam/shot.jpg"}'
  recog-cli call motionDetection '{"streamId":"cam1","start":"t"}'

Environment:
  RECOGNITION_URL    Service base URL (default http://localhost:9051)
  RECOGNITION_TOKEN  Bearer token for the tenant`)
}

func cmdCall(service, token string) {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "Usage: recog-cli call <method> [json-body]")
		os.Exit(1)
	}
	method := os.Args[2]
	body := "{}"
	if len(os.Args) > 3 {
		body = os.Args[3]
	}
	var check map[string]interface{}
	if err := json.Unmarshal([]byte(body), &check); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid JSON body: %v\n", err)
		os.Exit(1)
	}

	req, err := http.NewRequest("POST", service+"/"+method, bytes.NewBufferString(body))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Request failed: %v\n", err)
		os.Exit(1)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Request failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if len(raw) == 0 {
		fmt.Printf("HTTP %d (no content)\n", resp.StatusCode)
		if resp.StatusCode >= 400 {
			os.Exit(1)
		}
		return
	}

	var pretty bytes.Buffer
	if json.Indent(&pretty, raw, "", "  ") == nil {
		fmt.Println(pretty.String())
	} else {
		fmt.Println(string(raw))
	}
	if resp.StatusCode >= 400 {
		os.Exit(1)
	}
}
