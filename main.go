package main

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"mime/multipart"
	"net/http"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"google.golang.org/api/idtoken"

	"deptmatch/config"
	"deptmatch/matcher"
	"deptmatch/store"
	"deptmatch/table"
)

const maxUpload = 32 << 20

func main() {
	for _, key := range []string{"PGCONN", "CLIENT_ID", "CLIENT_SECRET", "ADMINS"} {
		if os.Getenv(key) == "" {
			log.Fatalf("%s environment variable is required", key)
		}
	}

	cfg, err := config.Load(os.Getenv("MATCH_CONFIG"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	st, err := store.Open("postgres", os.Getenv("PGCONN"))
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	if err := st.Ping(ctx); err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	log.Println("connected to database")

	if err := st.Migrate(ctx); err != nil {
		log.Fatalf("failed to apply schema: %v", err)
	}

	scope, closer, metricsHandler := initMetricScope(cfg.Server.Metrics, time.Second)
	defer closer.Close()

	mux := newMux(st, cfg, newMetrics(scope))
	if metricsHandler != nil {
		mux.Handle("GET /metrics", metricsHandler)
	}

	log.Printf("listening on %s", cfg.Server.Addr)
	log.Fatal(http.ListenAndServe(cfg.Server.Addr, mux))
}

func newMux(st *store.Store, cfg config.Config, m *Metrics) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/google/callback", handleGoogleCallback)
	mux.HandleFunc("GET /api/admin/check", handleAdminCheck)
	mux.HandleFunc("GET /api/runs", handleListRuns(st))
	mux.HandleFunc("POST /api/runs", handleCreateRun(st, cfg, m))
	mux.HandleFunc("GET /api/runs/{runID}", handleGetRun(st))
	mux.HandleFunc("GET /api/runs/{runID}/table", handleRunTable(st))
	mux.HandleFunc("DELETE /api/runs/{runID}", handleDeleteRun(st, m))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := st.Ping(r.Context()); err != nil {
			http.Error(w, "db unhealthy", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintln(w, "ok")
	})
	return mux
}

func handleGoogleCallback(w http.ResponseWriter, r *http.Request) {
	credential := r.FormValue("credential")
	if credential == "" {
		http.Error(w, "missing credential", http.StatusBadRequest)
		return
	}

	payload, err := idtoken.Validate(r.Context(), credential, os.Getenv("CLIENT_ID"))
	if err != nil {
		log.Println("failed to validate token:", err)
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	email, _ := payload.Claims["email"].(string)
	if email == "" {
		http.Error(w, "token has no email", http.StatusUnauthorized)
		return
	}

	profile := map[string]any{
		"email":   email,
		"name":    payload.Claims["name"],
		"picture": payload.Claims["picture"],
		"token":   signEmail(email),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(profile)
}

func signEmail(email string) string {
	h := hmac.New(sha256.New, []byte(os.Getenv("CLIENT_SECRET")))
	h.Write([]byte(email))
	sig := base64.RawURLEncoding.EncodeToString(h.Sum(nil))
	return base64.RawURLEncoding.EncodeToString([]byte(email)) + "." + sig
}

func authorize(r *http.Request) (string, bool) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	parts := strings.SplitN(token, ".", 2)
	if len(parts) != 2 {
		return "", false
	}
	emailBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return "", false
	}
	email := string(emailBytes)
	if !hmac.Equal([]byte(signEmail(email)), []byte(token)) {
		return "", false
	}
	return email, true
}

func isAdmin(email string) bool {
	return slices.ContainsFunc(strings.Split(os.Getenv("ADMINS"), ","), func(a string) bool {
		return strings.TrimSpace(a) == email
	})
}

func requireAdmin(w http.ResponseWriter, r *http.Request) (string, bool) {
	email, ok := authorize(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return "", false
	}
	if !isAdmin(email) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return "", false
	}
	return email, true
}

func handleAdminCheck(w http.ResponseWriter, r *http.Request) {
	email, ok := authorize(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"admin": isAdmin(email)})
}

func handleListRuns(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := requireAdmin(w, r); !ok {
			return
		}
		runs, err := st.ListRuns(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(runs)
	}
}

func formFile(r *http.Request, name string) (multipart.File, error) {
	f, _, err := r.FormFile(name)
	if err != nil {
		return nil, fmt.Errorf("%s file is required", name)
	}
	return f, nil
}

func handleCreateRun(st *store.Store, cfg config.Config, m *Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		email, ok := requireAdmin(w, r)
		if !ok {
			return
		}
		if err := r.ParseMultipartForm(maxUpload); err != nil {
			http.Error(w, "invalid multipart form", http.StatusBadRequest)
			return
		}

		params := cfg.Params()
		if v := r.FormValue("trials"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				http.Error(w, "trials must be a positive integer", http.StatusBadRequest)
				return
			}
			params.Trials = n
		}
		if v := r.FormValue("seed"); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				http.Error(w, "seed must be an integer", http.StatusBadRequest)
				return
			}
			params.Seed = n
		}
		if params.Seed == 0 {
			params.Seed = time.Now().UnixNano()
		}

		students, err := formFile(r, "students")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer students.Close()
		departments, err := formFile(r, "departments")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer departments.Close()

		p, err := table.Load(students, departments, cfg.Matcher.MinPreferences)
		if err != nil {
			m.RunsRejected.Inc(1)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		start := time.Now()
		res, err := matcher.Optimize(r.Context(), p, params)
		m.Optimize.Record(time.Since(start))
		switch {
		case errors.Is(err, matcher.ErrUnknownGroup), errors.Is(err, matcher.ErrNoAgents):
			m.RunsRejected.Inc(1)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		case err != nil:
			m.RunsFailed.Inc(1)
			log.Println("optimize failed:", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		var out bytes.Buffer
		if err := table.Write(&out, table.Assemble(p, res)); err != nil {
			m.RunsFailed.Inc(1)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		id, err := st.SaveRun(r.Context(), store.NewRun(p, res, out.String()))
		if err != nil {
			m.RunsFailed.Inc(1)
			log.Println("save run failed:", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		worst, count := res.Outcome.Worst()
		m.RunsCreated.Inc(1)
		m.WorstRank.Update(float64(worst))
		m.Agents.Update(float64(res.Agents))
		log.Printf("run %s by %s: agents=%d invalid=%d trials=%d worst=%d/%d in %v",
			id, email, res.Agents, len(p.Invalid), params.Trials, worst, count, time.Since(start))

		type summaryLine struct {
			Priority   string  `json:"priority"`
			Count      int     `json:"count"`
			Cumulative float64 `json:"cumulative_percent"`
		}
		var summary []summaryLine
		for _, l := range matcher.Summarize(res.Outcome, res.Agents) {
			summary = append(summary, summaryLine{Priority: l.Label(), Count: l.Count, Cumulative: l.Cumulative})
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{
			"id":          id,
			"seed":        params.Seed,
			"trials":      params.Trials,
			"worst_rank":  worst,
			"worst_count": count,
			"invalid":     p.Invalid,
			"summary":     summary,
		})
	}
}

func lookupRun(st *store.Store, w http.ResponseWriter, r *http.Request) (store.Run, bool) {
	run, err := st.GetRun(r.Context(), r.PathValue("runID"))
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "run not found", http.StatusNotFound)
		return store.Run{}, false
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return store.Run{}, false
	}
	return run, true
}

func handleGetRun(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := requireAdmin(w, r); !ok {
			return
		}
		run, ok := lookupRun(st, w, r)
		if !ok {
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(run)
	}
}

func handleRunTable(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := requireAdmin(w, r); !ok {
			return
		}
		run, ok := lookupRun(st, w, r)
		if !ok {
			return
		}
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "assignment-"+run.ID+".csv"))
		fmt.Fprint(w, run.Output)
	}
}

func handleDeleteRun(st *store.Store, m *Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := requireAdmin(w, r); !ok {
			return
		}
		err := st.DeleteRun(r.Context(), r.PathValue("runID"))
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "run not found", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		m.RunsDeleted.Inc(1)
		w.WriteHeader(http.StatusNoContent)
	}
}
