package service

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"sync"
)

// fakeAPI serves canned platform responses keyed by path.
type fakeAPI struct {
	mu        sync.Mutex
	base      string
	search    map[string]string
	searchErr map[string]error
	get       map[string]string
	getErr    map[string]error
	calls     []string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		base:      "https://claims.test",
		search:    map[string]string{},
		searchErr: map[string]error{},
		get:       map[string]string{},
		getErr:    map[string]error{},
	}
}

func (a *fakeAPI) Search(_ context.Context, criteria string) (json.RawMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, "SEARCH "+criteria)
	if err := a.searchErr[criteria]; err != nil {
		return nil, err
	}
	if body, ok := a.search[criteria]; ok {
		return json.RawMessage(body), nil
	}
	return json.RawMessage(`[]`), nil
}

func (a *fakeAPI) Get(_ context.Context, path string, _ url.Values) (json.RawMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, "GET "+path)
	if err := a.getErr[path]; err != nil {
		return nil, err
	}
	if body, ok := a.get[path]; ok {
		return json.RawMessage(body), nil
	}
	return nil, &APIError{Method: "GET", Path: path, StatusCode: 404, Body: "not found"}
}

func (a *fakeAPI) BaseURL() string {
	return a.base
}

// countCalls returns how many recorded calls start with prefix.
func (a *fakeAPI) countCalls(prefix string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, c := range a.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (a *fakeAPI) called(call string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, c := range a.calls {
		if c == call {
			return true
		}
	}
	return false
}

// addClaim registers a minimal resolvable claim with an empty file tree.
func (a *fakeAPI) addClaim(identifier, id, uuid string) {
	a.search[identifier] = `[{"id":` + id + `,"uuid":"` + uuid + `","file_number":"` + identifier + `"}]`
	a.get["/api/claim/"+uuid] = `{"id":` + id + `,"uuid":"` + uuid + `"}`
	a.get["/api/claim/"+id+"/files/tree"] = `[]`
}
