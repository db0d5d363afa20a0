package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	collyfetcher "github.com/JakeFAU/namus-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/namus-crawler/internal/namus"
)

// fakeNamUs serves the three endpoints for one category.
func fakeNamUs(t *testing.T, states map[string][]int, missing map[int]bool) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/CaseSets/NamUs/States", func(w http.ResponseWriter, _ *http.Request) {
		var out []map[string]string
		for _, name := range []string{"Alaska", "Texas", "Vermont"} {
			if _, ok := states[name]; ok {
				out = append(out, map[string]string{"name": name})
			}
		}
		_ = json.NewEncoder(w).Encode(out)
	})
	mux.HandleFunc("POST /api/CaseSets/NamUs/MissingPersons/Search", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Predicates []struct {
				Field  string   `json:"field"`
				Values []string `json:"values"`
			} `json:"predicates"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Predicates) != 1 {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if req.Predicates[0].Field != "stateOfLastContact" {
			http.Error(w, "wrong field", http.StatusBadRequest)
			return
		}
		state := req.Predicates[0].Values[0]
		if state == "Vermont" {
			http.Error(w, "search unavailable", http.StatusInternalServerError)
			return
		}
		results := make([]map[string]int, 0, len(states[state]))
		for _, id := range states[state] {
			results = append(results, map[string]int{"namus2Number": id})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"count": len(results), "results": results})
	})
	mux.HandleFunc("GET /api/CaseSets/NamUs/MissingPersons/Cases/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		var n int
		if _, err := fmt.Sscan(id, &n); err != nil || missing[n] {
			http.NotFound(w, r)
			return
		}
		fmt.Fprintf(w, `{"idFormatted":"MP%d"}`, n)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestRun_EndToEndOverHTTP(t *testing.T) {
	t.Parallel()

	srv := fakeNamUs(t, map[string][]int{
		"Alaska":  {1, 2},
		"Texas":   {3, 4, 5},
		"Vermont": {},
	}, map[int]bool{4: true})

	transport := collyfetcher.New(collyfetcher.Config{UserAgent: "namus-crawler-test", Timeout: 5 * time.Second})
	client, err := namus.NewClient(transport, namus.Config{BaseURL: srv.URL, PageSize: 100}, nil)
	require.NoError(t, err)

	o, err := New(client, Config{Category: namus.MissingPersons, MaxConcurrency: 2})
	require.NoError(t, err)

	out, err := o.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, []namus.Partition{"Alaska", "Texas", "Vermont"}, out.Partitions)
	require.Equal(t, 5, out.Identifiers)
	require.Equal(t, []namus.RecordID{1, 2, 3, 5}, recordIDs(out.Records))

	require.Len(t, out.FailedRecords, 1)
	require.Equal(t, namus.RecordID(4), out.FailedRecords[0].ID)
	require.Equal(t, http.StatusNotFound, namus.StatusOf(out.FailedRecords[0].Err))

	require.Len(t, out.FailedPartitions, 1)
	require.Equal(t, namus.Partition("Vermont"), out.FailedPartitions[0].Partition)
	require.Equal(t, http.StatusInternalServerError, namus.StatusOf(out.FailedPartitions[0].Err))

	for _, r := range out.Records {
		require.True(t, strings.HasPrefix(string(r.Body), `{"idFormatted":"MP`))
	}
	require.LessOrEqual(t, out.PeakConcurrency, 2)
}
