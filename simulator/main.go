package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"time"

	"export-service/pkg/export"
)

var (
	contactHeaders = []string{"name", "email", "job_title", "seniority", "company_name", "city", "country"}
	companyHeaders = []string{"name", "domain", "industry", "size", "city", "country", "contact_count"}
	jobTitles      = []string{"Manager", "Engineer", "Director", "Founder"}
	industries     = []string{"Software", "Retail", "Logistics", "Healthcare"}
)

func main() {
	apiURL := os.Getenv("API_URL")
	if apiURL == "" {
		apiURL = "http://api:8080/api/v1/exports"
	}
	userHeader := os.Getenv("USER_HEADER")
	if userHeader == "" {
		userHeader = "X-User-ID"
	}

	ratePerSec := 1
	if v := os.Getenv("RATE_PER_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			ratePerSec = n
		}
	}

	concurrency := 1
	if v := os.Getenv("CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			concurrency = n
		}
	}

	for i := 0; i < concurrency; i++ {
		go submitLoop(apiURL, userHeader, ratePerSec/concurrency)
	}

	select {} // block forever
}

func submitLoop(apiURL, userHeader string, rps int) {
	interval := time.Second
	if rps > 0 {
		interval = time.Second / time.Duration(rps)
	}
	if interval < time.Millisecond {
		interval = time.Millisecond // prevent very tight loop that overwhelms API inside container
	}
	ticker := time.NewTicker(interval)
	for {
		<-ticker.C
		req := randomRequest()
		body, _ := json.Marshal(req)

		httpReq, err := http.NewRequest(http.MethodPost, apiURL, bytes.NewReader(body))
		if err != nil {
			log.Printf("failed to build request: %v", err)
			continue
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set(userHeader, fmt.Sprintf("user%d", rand.Intn(50)))

		resp, err := http.DefaultClient.Do(httpReq)
		if err != nil {
			log.Printf("failed to submit export: %v", err)
			continue
		}
		log.Printf("submitted export: entity=%s mode=%s format=%s, status: %d", req.Entity, req.Mode, req.Format, resp.StatusCode)
		resp.Body.Close()
	}
}

func randomRequest() export.SubmissionRequest {
	req := export.SubmissionRequest{
		Format:   export.FormatCSV,
		ListName: fmt.Sprintf("Simulated list %d", rand.Intn(1000)),
	}
	if rand.Intn(4) == 0 {
		req.Format = export.FormatXLSX
	}

	if rand.Intn(2) == 0 {
		req.Entity = export.EntityContacts
		req.Headers = pick(contactHeaders)
		req.Mode = export.ModeFiltered
		req.Query = &export.Query{
			Filters: map[string][]string{"jobTitles": {jobTitles[rand.Intn(len(jobTitles))]}},
			SortBy:  "name",
		}
	} else {
		req.Entity = export.EntityCompanies
		req.Headers = pick(companyHeaders)
		req.Mode = export.ModeFiltered
		req.Query = &export.Query{
			Filters: map[string][]string{"industries": {industries[rand.Intn(len(industries))]}},
		}
	}

	// Occasionally send a column outside the whitelist to exercise the failure path.
	if rand.Intn(20) == 0 {
		req.Headers = append(req.Headers, "password_hash")
	}
	return req
}

func pick(headers []string) []string {
	n := 2 + rand.Intn(len(headers)-1)
	out := make([]string, 0, n)
	for _, i := range rand.Perm(len(headers))[:n] {
		out = append(out, headers[i])
	}
	return out
}
