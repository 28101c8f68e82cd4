// Package inference wraps the model server's HTTP API: it uploads a raw
// FP32 tensor, requests one raw output tensor and hands the result back
// as a float slice. Everything above this package thinks in tensors, not
// in HTTP.
package inference

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const headerContentLength = "Inference-Header-Content-Length"

// Request describes one model invocation.
type Request struct {
	Server     string  // base URL of the model server, e.g. http://triton:8000
	Model      string  // model name as deployed
	InputName  string  // input tensor name
	OutputName string  // output tensor name
	Shape      []int64 // input shape, NCHW
	Data       []float32
}

// Client talks to one or more model servers, reusing connections per
// server address.
type Client struct {
	mu       sync.Mutex
	clients  map[string]*http.Client
	breakers map[string]*breaker
	timeout  time.Duration
	logger   *log.Logger
}

func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		clients:  make(map[string]*http.Client),
		breakers: make(map[string]*breaker),
		timeout:  timeout,
		logger:   log.New(log.Writer(), "[INFER] ", log.LstdFlags),
	}
}

type inferInput struct {
	Name       string          `json:"name"`
	Shape      []int64         `json:"shape"`
	Datatype   string          `json:"datatype"`
	Parameters inferParameters `json:"parameters"`
}

type inferParameters struct {
	BinaryDataSize int  `json:"binary_data_size,omitempty"`
	BinaryData     bool `json:"binary_data,omitempty"`
}

type inferOutput struct {
	Name       string          `json:"name"`
	Parameters inferParameters `json:"parameters"`
}

type inferBody struct {
	Inputs  []inferInput  `json:"inputs"`
	Outputs []inferOutput `json:"outputs"`
}

type inferResponseOutput struct {
	Name       string `json:"name"`
	Datatype   string `json:"datatype"`
	Shape      []int64 `json:"shape"`
	Parameters struct {
		BinaryDataSize int `json:"binary_data_size"`
	} `json:"parameters"`
}

type inferResponse struct {
	Outputs []inferResponseOutput `json:"outputs"`
}

// Infer invokes the model and returns the raw output tensor as floats.
// All failures come back as errors; callers log and treat them as a
// failed pipeline stage rather than a panic.
func (c *Client) Infer(ctx context.Context, req Request) ([]float32, error) {
	outs, err := c.InferMulti(ctx, req, []string{req.OutputName})
	if err != nil {
		return nil, err
	}
	out, ok := outs[req.OutputName]
	if !ok {
		return nil, fmt.Errorf("inference output %q missing from response", req.OutputName)
	}
	return out, nil
}

// InferMulti invokes the model once and returns several output tensors
// by name. Detectors with separate score, box and keypoint heads need
// the whole set from a single forward pass.
func (c *Client) InferMulti(ctx context.Context, req Request, outputNames []string) (map[string][]float32, error) {
	raw := float32ToBytes(req.Data)

	outputs := make([]inferOutput, len(outputNames))
	for i, name := range outputNames {
		outputs[i] = inferOutput{
			Name:       name,
			Parameters: inferParameters{BinaryData: true},
		}
	}
	header := inferBody{
		Inputs: []inferInput{{
			Name:       req.InputName,
			Shape:      req.Shape,
			Datatype:   "FP32",
			Parameters: inferParameters{BinaryDataSize: len(raw)},
		}},
		Outputs: outputs,
	}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("marshal inference request: %w", err)
	}

	var body bytes.Buffer
	body.Grow(len(headerJSON) + len(raw))
	body.Write(headerJSON)
	body.Write(raw)

	url := fmt.Sprintf("%s/v2/models/%s/infer", normalizeServer(req.Server), req.Model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return nil, fmt.Errorf("build inference request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/octet-stream")
	httpReq.Header.Set(headerContentLength, strconv.Itoa(len(headerJSON)))

	brk := c.breakerFor(req.Server)
	if !brk.allow() {
		return nil, fmt.Errorf("inference request to %s: %w", req.Server, ErrServerOpen)
	}
	resp, err := c.clientFor(req.Server).Do(httpReq)
	if err != nil {
		brk.record(false)
		return nil, fmt.Errorf("inference request to %s: %w", req.Server, err)
	}
	defer resp.Body.Close()
	// Only 5xx responses count against the server.
	brk.record(resp.StatusCode < http.StatusInternalServerError)

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read inference response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("inference server returned %d: %s", resp.StatusCode, truncate(payload, 256))
	}

	jsonLen := len(payload)
	if v := resp.Header.Get(headerContentLength); v != "" {
		jsonLen, err = strconv.Atoi(v)
		if err != nil || jsonLen > len(payload) {
			return nil, fmt.Errorf("malformed inference response header length %q", v)
		}
	}

	var parsed inferResponse
	if err := json.Unmarshal(payload[:jsonLen], &parsed); err != nil {
		return nil, fmt.Errorf("parse inference response: %w", err)
	}

	wanted := make(map[string]bool, len(outputNames))
	for _, name := range outputNames {
		wanted[name] = true
	}

	binary := payload[jsonLen:]
	offset := 0
	result := make(map[string][]float32, len(outputNames))
	for _, out := range parsed.Outputs {
		size := out.Parameters.BinaryDataSize
		if size == 0 && len(parsed.Outputs) == 1 {
			size = len(binary) - offset
		}
		if offset+size > len(binary) {
			return nil, fmt.Errorf("inference output %q truncated: want %d bytes, have %d", out.Name, size, len(binary)-offset)
		}
		if wanted[out.Name] {
			result[out.Name] = bytesToFloat32(binary[offset : offset+size])
		}
		offset += size
	}
	for _, name := range outputNames {
		if _, ok := result[name]; !ok {
			return nil, fmt.Errorf("inference output %q missing from response", name)
		}
	}
	return result, nil
}

func (c *Client) clientFor(server string) *http.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.clients[server]; ok {
		return cl
	}
	cl := &http.Client{Timeout: c.timeout}
	c.clients[server] = cl
	return cl
}

func normalizeServer(server string) string {
	if !strings.HasPrefix(server, "http://") && !strings.HasPrefix(server, "https://") {
		server = "http://" + server
	}
	return strings.TrimRight(server, "/")
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}

func float32ToBytes(data []float32) []byte {
	out := make([]byte, 4*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

func bytesToFloat32(data []byte) []float32 {
	n := len(data) / 4
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out
}
