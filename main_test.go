package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/abdusco/peeklink/internal/codec"
	"github.com/abdusco/peeklink/internal/countdown"
	"github.com/abdusco/peeklink/internal/db"
	"github.com/abdusco/peeklink/internal/extract"
	"github.com/abdusco/peeklink/internal/fetcher"
	"github.com/abdusco/peeklink/internal/handler"
	"github.com/abdusco/peeklink/internal/repo"
	"github.com/abdusco/peeklink/internal/resolver"
	"github.com/abdusco/peeklink/internal/store"
)

type linkResponse struct {
	ID             string `json:"id"`
	DestinationURL string `json:"destination_url"`
	RedirectURL    string `json:"redirect_url"`
	Proceeds       int64  `json:"proceeds"`
	Preview        struct {
		Title       string `json:"title"`
		Description string `json:"description"`
	} `json:"preview"`
}

func newTestServer(t *testing.T, relayBase string) *httptest.Server {
	t.Helper()
	ctx := context.Background()

	conn, err := db.Open(ctx, filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("db.Open() error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	client := &http.Client{}
	f, err := fetcher.New(fetcher.Options{
		Direct:        fetcher.HTTPFetchFunc(client),
		Relay:         fetcher.RelayFetchFunc(client, relayBase),
		DirectTimeout: time.Second,
		RelayTimeout:  time.Second,
	})
	if err != nil {
		t.Fatalf("fetcher.New() error = %v", err)
	}
	res := resolver.New(f, extract.New(extract.TitleFallbackText))
	linkCodec := codec.New("")

	proceeds := repo.NewProceedsRepo(conn)
	recent := store.Load(ctx, repo.NewRedirectsRepo(repo.NewRecordsRepo(conn)), linkCodec, store.DefaultCapacity)
	visits := countdown.NewVisits(ctx, countdown.Options{Duration: time.Second}, countdown.Limits{Grace: time.Minute}, nil)
	t.Cleanup(visits.Close)

	e := newEcho(app{
		redirects: handler.NewRedirectHandler(recent, res, linkCodec, proceeds),
		visits:    handler.NewVisitHandler(visits, proceeds),
		pages:     handler.NewPageHandler(),
	})

	server := httptest.NewServer(e)
	t.Cleanup(server.Close)
	return server
}

func postJSON(t *testing.T, client *http.Client, method, url string, payload any) (*http.Response, []byte) {
	t.Helper()
	body, _ := json.Marshal(payload)
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, url, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

func TestIntegration(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(`<html><head><meta property="og:title" content="Example"><meta name="description" content="An example page"></head></html>`))
	}))
	defer target.Close()

	server := newTestServer(t, "http://127.0.0.1:1/raw?url=")
	client := server.Client()
	client.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }

	// create in auto mode
	resp, body := postJSON(t, client, http.MethodPost, server.URL+"/api/redirects", map[string]any{
		"url":  target.URL,
		"mode": "auto",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create auto status = %d, body = %s", resp.StatusCode, body)
	}
	var created struct {
		Link linkResponse `json:"link"`
	}
	json.Unmarshal(body, &created)
	if created.Link.Preview.Title != "Example" || created.Link.Preview.Description != "An example page" {
		t.Errorf("auto preview = %+v", created.Link.Preview)
	}
	if !strings.HasPrefix(created.Link.RedirectURL, "/u?u=") {
		t.Errorf("redirect url = %q", created.Link.RedirectURL)
	}

	// duplicate destination
	resp, body = postJSON(t, client, http.MethodPost, server.URL+"/api/redirects", map[string]any{"url": target.URL})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate status = %d, want 409", resp.StatusCode)
	}
	if !strings.Contains(string(body), "already been generated") {
		t.Errorf("duplicate body = %s", body)
	}

	// manual mode with blank fields
	resp, body = postJSON(t, client, http.MethodPost, server.URL+"/api/redirects", map[string]any{
		"url":  "https://manual.example/page",
		"mode": "manual",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create manual status = %d, body = %s", resp.StatusCode, body)
	}
	json.Unmarshal(body, &created)
	if created.Link.Preview.Title != "No title" || created.Link.Preview.Description != "No description" {
		t.Errorf("manual preview = %+v", created.Link.Preview)
	}
	manualID := created.Link.ID

	// list, most recent first
	listResp, err := client.Get(server.URL + "/api/redirects")
	if err != nil {
		t.Fatalf("list error = %v", err)
	}
	var list struct {
		Links []linkResponse `json:"links"`
	}
	json.NewDecoder(listResp.Body).Decode(&list)
	listResp.Body.Close()
	if len(list.Links) != 2 || list.Links[0].DestinationURL != "https://manual.example/page" {
		t.Fatalf("list = %+v", list.Links)
	}

	// overlay update re-encodes the link
	resp, body = postJSON(t, client, http.MethodPatch, server.URL+"/api/redirects/overlay", map[string]any{
		"url":   target.URL,
		"title": "Custom",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("overlay status = %d, body = %s", resp.StatusCode, body)
	}
	var updated struct {
		Link linkResponse `json:"link"`
	}
	json.Unmarshal(body, &updated)
	if !strings.Contains(updated.Link.RedirectURL, "title=Custom&") {
		t.Errorf("overlay redirect url = %q", updated.Link.RedirectURL)
	}

	// visit the redirect page
	pageResp, err := client.Get(server.URL + updated.Link.RedirectURL)
	if err != nil {
		t.Fatalf("visit error = %v", err)
	}
	page, _ := io.ReadAll(pageResp.Body)
	pageResp.Body.Close()
	if pageResp.StatusCode != http.StatusOK || !strings.Contains(string(page), "Custom") {
		t.Fatalf("redirect page status = %d", pageResp.StatusCode)
	}
	match := regexp.MustCompile(`const visit = "([^"]+)"`).FindSubmatch(page)
	if match == nil {
		t.Fatal("visit id not found in redirect page")
	}
	visitID := string(match[1])

	resp, _ = postJSON(t, client, http.MethodPost, server.URL+"/api/visits/"+visitID+"/proceed", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("early proceed status = %d, want 409", resp.StatusCode)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		snapResp, err := client.Get(server.URL + "/api/visits/" + visitID)
		if err != nil {
			t.Fatalf("visit snapshot error = %v", err)
		}
		var snap struct {
			State    string  `json:"state"`
			Progress float64 `json:"progress"`
		}
		json.NewDecoder(snapResp.Body).Decode(&snap)
		snapResp.Body.Close()
		if snap.State == "ready" {
			if snap.Progress != 100 {
				t.Errorf("ready progress = %v, want 100", snap.Progress)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("visit never became ready, last state %q", snap.State)
		}
		time.Sleep(20 * time.Millisecond)
	}

	resp, body = postJSON(t, client, http.MethodPost, server.URL+"/api/visits/"+visitID+"/proceed", nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), target.URL) {
		t.Errorf("proceed status = %d, body = %s", resp.StatusCode, body)
	}

	// missing destination goes home
	homeResp, err := client.Get(server.URL + "/u?title=nothing")
	if err != nil {
		t.Fatalf("bad link error = %v", err)
	}
	homeResp.Body.Close()
	if homeResp.StatusCode != http.StatusFound || homeResp.Header.Get("Location") != "/" {
		t.Errorf("bad link = %d -> %q, want 302 -> /", homeResp.StatusCode, homeResp.Header.Get("Location"))
	}

	// delete
	resp, _ = postJSON(t, client, http.MethodDelete, server.URL+"/api/redirects/"+manualID, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", resp.StatusCode)
	}
	listResp, _ = client.Get(server.URL + "/api/redirects")
	json.NewDecoder(listResp.Body).Decode(&list)
	listResp.Body.Close()
	if len(list.Links) != 1 || list.Links[0].Proceeds != 1 {
		t.Errorf("list after delete = %+v", list.Links)
	}
}

func TestCreateRedirectResolveFailure(t *testing.T) {
	relay := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "blocked", http.StatusForbidden)
	}))
	defer relay.Close()

	server := newTestServer(t, relay.URL+"/raw?url=")

	resp, body := postJSON(t, server.Client(), http.MethodPost, server.URL+"/api/redirects", map[string]any{
		"url": "http://127.0.0.1:1/unreachable",
	})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422, body = %s", resp.StatusCode, body)
	}
	if !strings.Contains(string(body), "manual mode") {
		t.Errorf("body = %s, want manual mode hint", body)
	}

	resp, body = postJSON(t, server.Client(), http.MethodPost, server.URL+"/api/redirects", map[string]any{
		"url": "not-a-url",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid url status = %d, want 400, body = %s", resp.StatusCode, body)
	}
}

func TestLegacyLinkDecodes(t *testing.T) {
	server := newTestServer(t, "http://127.0.0.1:1/raw?url=")
	resp, err := server.Client().Get(server.URL + "/u?=https%3A%2F%2Fexample.com")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	page, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if !strings.Contains(string(page), "Ready to Visit") || !strings.Contains(string(page), "https://example.com") {
		t.Errorf("legacy page missing defaults or destination")
	}
}

func TestRedirectPageDoesNotReachPrivateHosts(t *testing.T) {
	var hits atomic.Int32
	internalSvc := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(`<title>internal</title>`))
	}))
	defer internalSvc.Close()

	ctx := context.Background()
	conn, err := db.Open(ctx, filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("db.Open() error = %v", err)
	}
	defer conn.Close()

	client := fetcher.NewClient(fetcher.ClientOptions{})
	f, err := fetcher.New(fetcher.Options{
		Direct: fetcher.HTTPFetchFunc(client),
		Relay:  fetcher.RelayFetchFunc(client, "http://127.0.0.1:1/raw?url="),
	})
	if err != nil {
		t.Fatalf("fetcher.New() error = %v", err)
	}
	res := resolver.New(f, extract.New(extract.TitleFallbackText))
	linkCodec := codec.New("")
	proceeds := repo.NewProceedsRepo(conn)
	recent := store.Load(ctx, repo.NewRedirectsRepo(repo.NewRecordsRepo(conn)), linkCodec, store.DefaultCapacity)

	const maxVisits = 5
	visits := countdown.NewVisits(ctx, countdown.Options{Duration: time.Second}, countdown.Limits{Max: maxVisits}, res.Resolve)
	defer visits.Close()

	server := httptest.NewServer(newEcho(app{
		redirects: handler.NewRedirectHandler(recent, res, linkCodec, proceeds),
		visits:    handler.NewVisitHandler(visits, proceeds),
		pages:     handler.NewPageHandler(),
	}))
	defer server.Close()

	link := server.URL + "/u?u=" + url.QueryEscape(internalSvc.URL)
	var visitID string
	for range 20 {
		resp, err := server.Client().Get(link)
		if err != nil {
			t.Fatalf("GET /u error = %v", err)
		}
		page, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		match := regexp.MustCompile(`const visit = "([^"]+)"`).FindSubmatch(page)
		if match == nil {
			t.Fatal("visit id not found in redirect page")
		}
		visitID = string(match[1])
	}

	if got := visits.Len(); got > maxVisits {
		t.Errorf("live visits = %d, want at most %d", got, maxVisits)
	}

	// the last visit leaves loading once its refresh has failed
	deadline := time.Now().Add(5 * time.Second)
	for {
		snapResp, err := server.Client().Get(server.URL + "/api/visits/" + visitID)
		if err != nil {
			t.Fatalf("visit snapshot error = %v", err)
		}
		var snap struct {
			State   string `json:"state"`
			Warning bool   `json:"warning"`
		}
		json.NewDecoder(snapResp.Body).Decode(&snap)
		snapResp.Body.Close()
		if snap.State != "loading" {
			if !snap.Warning {
				t.Error("warning = false, want preview refresh failure")
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("visit never left loading")
		}
		time.Sleep(20 * time.Millisecond)
	}

	if hits.Load() != 0 {
		t.Errorf("internal service hits = %d, want 0", hits.Load())
	}
}
