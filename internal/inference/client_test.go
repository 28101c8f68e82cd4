package inference

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubModelServer echoes a fixed output tensor in the binary-extension
// wire format the client expects.
func stubModelServer(t *testing.T, outputName string, output []float32) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Contains(t, r.URL.Path, "/v2/models/")

		jsonLen, err := strconv.Atoi(r.Header.Get("Inference-Header-Content-Length"))
		require.NoError(t, err)
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)

		var header struct {
			Inputs []struct {
				Name     string  `json:"name"`
				Shape    []int64 `json:"shape"`
				Datatype string  `json:"datatype"`
			} `json:"inputs"`
		}
		require.NoError(t, json.Unmarshal(body[:jsonLen], &header))
		require.Len(t, header.Inputs, 1)
		require.Equal(t, "FP32", header.Inputs[0].Datatype)

		raw := float32ToBytes(output)
		respHeader, err := json.Marshal(map[string]interface{}{
			"outputs": []map[string]interface{}{{
				"name":     outputName,
				"datatype": "FP32",
				"shape":    []int64{1, int64(len(output))},
				"parameters": map[string]interface{}{
					"binary_data_size": len(raw),
				},
			}},
		})
		require.NoError(t, err)

		w.Header().Set("Inference-Header-Content-Length", strconv.Itoa(len(respHeader)))
		w.WriteHeader(http.StatusOK)
		w.Write(respHeader)
		w.Write(raw)
	}))
}

func TestInferRoundTrip(t *testing.T) {
	want := []float32{0.25, -1, 3.5, 0}
	srv := stubModelServer(t, "output0", want)
	defer srv.Close()

	client := NewClient(2 * time.Second)
	got, err := client.Infer(context.Background(), Request{
		Server:     srv.URL,
		Model:      "vdnet",
		InputName:  "images",
		OutputName: "output0",
		Shape:      []int64{1, 3, 2, 2},
		Data:       make([]float32, 12),
	})

	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestInferSelectsRequestedOutput(t *testing.T) {
	// Two outputs in the response; the client must skip the first by its
	// binary size and return the second.
	first := float32ToBytes([]float32{9, 9})
	second := float32ToBytes([]float32{1, 2, 3})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respHeader, _ := json.Marshal(map[string]interface{}{
			"outputs": []map[string]interface{}{
				{"name": "aux", "datatype": "FP32", "shape": []int64{2},
					"parameters": map[string]interface{}{"binary_data_size": len(first)}},
				{"name": "main", "datatype": "FP32", "shape": []int64{3},
					"parameters": map[string]interface{}{"binary_data_size": len(second)}},
			},
		})
		w.Header().Set("Inference-Header-Content-Length", strconv.Itoa(len(respHeader)))
		w.Write(respHeader)
		w.Write(first)
		w.Write(second)
	}))
	defer srv.Close()

	client := NewClient(time.Second)
	got, err := client.Infer(context.Background(), Request{
		Server: srv.URL, Model: "m", InputName: "in", OutputName: "main",
		Shape: []int64{1}, Data: []float32{0},
	})

	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3}, got)
}

func TestInferErrors(t *testing.T) {
	t.Run("server error status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "model not found", http.StatusBadRequest)
		}))
		defer srv.Close()

		client := NewClient(time.Second)
		_, err := client.Infer(context.Background(), Request{
			Server: srv.URL, Model: "missing", InputName: "in", OutputName: "out",
			Shape: []int64{1}, Data: []float32{0},
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "400")
	})

	t.Run("missing output", func(t *testing.T) {
		srv := stubModelServer(t, "other", []float32{1})
		defer srv.Close()

		client := NewClient(time.Second)
		_, err := client.Infer(context.Background(), Request{
			Server: srv.URL, Model: "m", InputName: "in", OutputName: "out",
			Shape: []int64{1}, Data: []float32{0},
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), `"out" missing`)
	})

	t.Run("unreachable server", func(t *testing.T) {
		client := NewClient(200 * time.Millisecond)
		_, err := client.Infer(context.Background(), Request{
			Server: "http://127.0.0.1:1", Model: "m", InputName: "in", OutputName: "out",
			Shape: []int64{1}, Data: []float32{0},
		})
		require.Error(t, err)
	})
}

func TestNormalizeServer(t *testing.T) {
	for in, want := range map[string]string{
		"triton:8000":          "http://triton:8000",
		"http://triton:8000/":  "http://triton:8000",
		"https://models.local": "https://models.local",
	} {
		assert.Equal(t, want, normalizeServer(in), fmt.Sprintf("input %q", in))
	}
}
