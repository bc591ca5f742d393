package main

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"
)

type AnalysisRequest struct {
	RequestID  string   `json:"request_id"`
	CallID     string   `json:"call_id"`
	Transcript []string `json:"transcript"`
	Model      string   `json:"model"`
	Prompt     string   `json:"prompt"`
}

type AnalysisResponse struct {
	CallID      string    `json:"call_id"`
	Artifact    string    `json:"artifact"`
	Confidence  float32   `json:"confidence"`
	ProcessedAt time.Time `json:"processed_at"`
}

func analyzeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req AnalysisRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Error parsing request", http.StatusBadRequest)
		return
	}

	log.Printf("ANALYSIS REQUEST RECEIVED:")
	log.Printf("  Request ID: %s", req.RequestID)
	log.Printf("  Call ID: %s", req.CallID)
	log.Printf("  Model: %s", req.Model)
	log.Printf("  Transcript lines: %d", len(req.Transcript))
	for _, line := range req.Transcript {
		log.Printf("    %s", line)
	}

	// Simulate processing time
	time.Sleep(200 * time.Millisecond)

	// Derive a trivial fake artifact from the transcript
	summary := "no conversation"
	if len(req.Transcript) > 0 {
		summary = "call summary: " + strings.Join(req.Transcript, " | ")
	}

	response := AnalysisResponse{
		CallID:      req.CallID,
		Artifact:    summary,
		Confidence:  0.95,
		ProcessedAt: time.Now(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)

	log.Printf("ANALYSIS RESPONSE SENT: %d bytes", len(response.Artifact))
	log.Println("---")
}

func main() {
	http.HandleFunc("/analyze", analyzeHandler)

	addr := ":8081"
	log.Printf("Test analysis server listening on %s", addr)
	log.Printf("POST http://localhost%s/analyze", addr)

	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}
