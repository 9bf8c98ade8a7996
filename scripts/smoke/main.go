// Command smoke drives one permit through its full lifecycle against a
// running instance: create, submit, approve each chain entry, then close.
// It exits non-zero on the first unexpected response, so it can gate a
// deployment pipeline.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"
)

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type stage struct {
	Name     string
	Method   string
	Path     string
	Body     any
	Actor    string
	WantCode int
}

type result struct {
	Stage    stage
	Code     int
	Duration time.Duration
	Err      error
}

func main() {
	var (
		base        string
		actorsPath  string
		siteID      string
		timeout     time.Duration
		description string
	)

	flag.StringVar(&base, "base", "http://localhost:8080/api/v1", "API base URL")
	flag.StringVar(&actorsPath, "actors", "scripts/smoke/actors.json", "Path to JSON credentials file keyed by role")
	flag.StringVar(&siteID, "site", "", "Site ID to create the permit against")
	flag.DurationVar(&timeout, "timeout", 10*time.Second, "HTTP client timeout")
	flag.StringVar(&description, "description", "smoke test hot work", "Permit description")
	flag.Parse()

	if siteID == "" {
		log.Fatal("the -site flag is required")
	}

	actors, err := loadActors(actorsPath)
	if err != nil {
		log.Fatalf("failed to load actors: %v", err)
	}

	client := &http.Client{Timeout: timeout}
	tokens := make(map[string]string, len(actors))
	for role, creds := range actors {
		token, err := login(client, base, creds)
		if err != nil {
			log.Fatalf("login failed for %s: %v", role, err)
		}
		tokens[role] = token
	}

	permitID, err := createPermit(client, base, tokens["requester"], siteID, description)
	if err != nil {
		log.Fatalf("create permit failed: %v", err)
	}
	fmt.Printf("created permit %s\n", permitID)

	stages := []stage{
		{Name: "submit", Method: http.MethodPost, Path: "/permits/" + permitID + "/submit", Actor: "requester", WantCode: http.StatusOK},
		{Name: "safety approval", Method: http.MethodPost, Path: "/permits/" + permitID + "/decide", Body: map[string]any{"approve": true}, Actor: "safety", WantCode: http.StatusOK},
		{Name: "area approval", Method: http.MethodPost, Path: "/permits/" + permitID + "/decide", Body: map[string]any{"approve": true}, Actor: "area_manager", WantCode: http.StatusOK},
		{Name: "close", Method: http.MethodPost, Path: "/permits/" + permitID + "/close", Body: map[string]any{"comment": "smoke test finished"}, Actor: "requester", WantCode: http.StatusOK},
	}

	failed := 0
	for _, st := range stages {
		token, ok := tokens[st.Actor]
		if !ok {
			log.Fatalf("no credentials configured for actor %q", st.Actor)
		}
		res := runStage(client, base, token, st)
		printResult(res)
		if res.Err != nil || res.Code != st.WantCode {
			failed++
			break
		}
	}

	if failed > 0 {
		os.Exit(1)
	}
	fmt.Println("lifecycle completed")
}

func loadActors(path string) (map[string]credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var actors map[string]credentials
	if err := json.Unmarshal(data, &actors); err != nil {
		return nil, err
	}
	for _, role := range []string{"requester", "safety", "area_manager"} {
		if _, ok := actors[role]; !ok {
			return nil, fmt.Errorf("missing credentials for %q in %s", role, path)
		}
	}
	return actors, nil
}

func login(client *http.Client, base string, creds credentials) (string, error) {
	body, code, err := request(client, http.MethodPost, base+"/auth/login", "", creds)
	if err != nil {
		return "", err
	}
	if code != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d: %s", code, strings.TrimSpace(string(body)))
	}
	var envelope struct {
		Data struct {
			AccessToken string `json:"access_token"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return "", err
	}
	if envelope.Data.AccessToken == "" {
		return "", fmt.Errorf("login response carried no access token")
	}
	return envelope.Data.AccessToken, nil
}

func createPermit(client *http.Client, base, token, siteID, description string) (string, error) {
	payload := map[string]any{
		"type":        "HOT_WORK",
		"site_id":     siteID,
		"description": description,
	}
	body, code, err := request(client, http.MethodPost, base+"/permits", token, payload)
	if err != nil {
		return "", err
	}
	if code != http.StatusCreated {
		return "", fmt.Errorf("unexpected status %d: %s", code, strings.TrimSpace(string(body)))
	}
	var envelope struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return "", err
	}
	if envelope.Data.ID == "" {
		return "", fmt.Errorf("create response carried no permit id")
	}
	return envelope.Data.ID, nil
}

func runStage(client *http.Client, base, token string, st stage) result {
	start := time.Now()
	_, code, err := request(client, st.Method, base+st.Path, token, st.Body)
	return result{Stage: st, Code: code, Duration: time.Since(start), Err: err}
}

func request(client *http.Client, method, url, token string, payload any) ([]byte, int, error) {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, 0, err
		}
		body = bytes.NewReader(encoded)
	}
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close() //nolint:errcheck
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return data, resp.StatusCode, nil
}

func printResult(res result) {
	status := "ok"
	if res.Err != nil {
		status = "error: " + res.Err.Error()
	} else if res.Code != res.Stage.WantCode {
		status = fmt.Sprintf("unexpected status %d (want %d)", res.Code, res.Stage.WantCode)
	}
	fmt.Printf("%-16s %-40s %6s %s\n", res.Stage.Name, res.Stage.Method+" "+res.Stage.Path, res.Duration.Round(time.Millisecond), status)
}
