// Command dpdau is the operator-facing CLI for the DP DAU/MAU engine: batch
// ingestion, metric queries, budget and salt administration, and synthetic
// workload generation. ingest, dau and mau run against an in-process
// pipeline by default, or against a running service via --host; the other
// subcommands run locally only.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Dv04/DAU-MAU-counter/internal/accountant"
	"github.com/Dv04/DAU-MAU-counter/internal/apperr"
	"github.com/Dv04/DAU-MAU-counter/internal/config"
	"github.com/Dv04/DAU-MAU-counter/internal/domain"
	"github.com/Dv04/DAU-MAU-counter/internal/hashing"
	"github.com/Dv04/DAU-MAU-counter/internal/ledger"
	"github.com/Dv04/DAU-MAU-counter/internal/pipeline"
	"github.com/Dv04/DAU-MAU-counter/internal/sketch"
	"github.com/Dv04/DAU-MAU-counter/internal/window"
)

// version is stamped at build time via -ldflags; it defaults to "dev" for
// local builds.
var version = "dev"

const (
	exitOK              = 0
	exitUsageError      = 1
	exitRuntimeError    = 2
	exitBudgetExhausted = 3
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return exitUsageError
	}

	switch args[0] {
	case "--version":
		fmt.Println(version)
		return exitOK
	case "ingest":
		return cmdIngest(args[1:])
	case "dau":
		return cmdDAU(args[1:])
	case "mau":
		return cmdMAU(args[1:])
	case "flush-deletes":
		return cmdFlushDeletes(args[1:])
	case "reset-budget":
		return cmdResetBudget(args[1:])
	case "rotate-salt":
		return cmdRotateSalt(args[1:])
	case "generate-synthetic":
		return cmdGenerateSynthetic(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		usage()
		return exitUsageError
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: dpdau <command> [flags]

commands:
  ingest <path>                        ingest a batch of events from JSONL or CSV
  dau <day>                            release a differentially private DAU estimate
  mau <end> [--window N]               release a differentially private MAU estimate
  flush-deletes                        mark every day affected by a pending erasure for rebuild
  reset-budget <dau|mau> <YYYY-MM>     clear the recorded spend for a metric/month
  rotate-salt <YYYY-MM-DD> [--rotation-days N]   generate a new hash salt secret
  generate-synthetic [--out PATH]      write a synthetic event workload
  --version                            print the build version`)
}

// hostFlags are accepted by every subcommand that can run against either a
// local pipeline or a remote service.
type hostFlags struct {
	host   string
	apiKey string
}

func (h *hostFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&h.host, "host", "", "service base URL; omit to run against a local pipeline")
	fs.StringVar(&h.apiKey, "api-key", "", "X-API-Key header; defaults to $SERVICE_API_KEY")
}

func (h *hostFlags) resolveAPIKey() string {
	if h.apiKey != "" {
		return h.apiKey
	}
	return os.Getenv("SERVICE_API_KEY")
}

// localEngine wires a Pipeline directly against the on-disk ledger, mirroring
// cmd/api's wiring so the CLI observes the same state a running service would.
type localEngine struct {
	client *ledger.Client
	eng    *pipeline.Pipeline
}

func newLocalEngine(ctx context.Context) (*localEngine, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log := zap.NewNop()

	client, err := ledger.NewClient(ctx, filepath.Join(cfg.DataDir, "engine.db"), log)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	led := ledger.NewLedger(client, log)

	latestEpoch, err := led.LatestSaltEpoch(ctx)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("read latest salt epoch: %w", err)
	}
	secret, rotationDays := hashing.ResolveSecret(latestEpoch, cfg.HashSaltSecret, cfg.HashSaltRotationDays, time.Now().UTC())
	saltMgr, err := hashing.NewSaltManager(secret, rotationDays)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("build salt manager: %w", err)
	}

	factory, err := sketch.NewFactory(sketch.Config{
		K:               cfg.SketchK,
		UseBloomForDiff: cfg.UseBloomForDiff,
		BloomFPRate:     cfg.BloomFPRate,
	}, cfg.SketchImpl)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("build sketch factory: %w", err)
	}

	rdpOrders, err := cfg.RDPOrders()
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("parse RDP orders: %w", err)
	}

	store := window.NewStore(factory)
	accnt := accountant.New(client.DB())

	eng := pipeline.New(cfg, log, saltMgr, factory, store, led, accnt, rdpOrders)
	return &localEngine{client: client, eng: eng}, nil
}

func (e *localEngine) Close() error { return e.client.Close() }

func cmdIngest(args []string) int {
	fs := flag.NewFlagSet("ingest", flag.ContinueOnError)
	var h hostFlags
	h.register(fs)
	if err := fs.Parse(args); err != nil {
		return exitUsageError
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "ingest requires exactly one path argument")
		return exitUsageError
	}
	path := fs.Arg(0)

	events, err := loadEvents(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load events: %v\n", err)
		return exitRuntimeError
	}

	ctx := context.Background()
	if h.host != "" {
		if err := postEventsRemote(ctx, h.host, h.resolveAPIKey(), events); err != nil {
			fmt.Fprintf(os.Stderr, "ingest failed: %v\n", err)
			return exitRuntimeError
		}
		fmt.Printf("ingested %d events via %s/event\n", len(events), strings.TrimRight(h.host, "/"))
		return exitOK
	}

	eng, err := newLocalEngine(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitRuntimeError
	}
	defer eng.Close()

	if err := eng.eng.Ingest(ctx, events); err != nil {
		fmt.Fprintf(os.Stderr, "ingest failed: %v\n", err)
		return exitRuntimeError
	}
	fmt.Printf("ingested %d events from %s\n", len(events), path)
	return exitOK
}

func cmdDAU(args []string) int {
	fs := flag.NewFlagSet("dau", flag.ContinueOnError)
	var h hostFlags
	h.register(fs)
	if err := fs.Parse(args); err != nil {
		return exitUsageError
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "dau requires a day argument (YYYY-MM-DD)")
		return exitUsageError
	}
	day := fs.Arg(0)

	ctx := context.Background()
	if h.host != "" {
		body, status, err := getRemote(ctx, h.host, h.resolveAPIKey(), "/dau/"+day, nil)
		return printRemoteResult(body, status, err)
	}

	eng, err := newLocalEngine(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitRuntimeError
	}
	defer eng.Close()

	result, err := eng.eng.ReleaseDAU(ctx, day)
	return printLocalResult(result, err)
}

func cmdMAU(args []string) int {
	fs := flag.NewFlagSet("mau", flag.ContinueOnError)
	var h hostFlags
	windowFlag := fs.Int("window", 0, "window size in days; 0 uses the configured default")
	h.register(fs)
	if err := fs.Parse(args); err != nil {
		return exitUsageError
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "mau requires an end-day argument (YYYY-MM-DD)")
		return exitUsageError
	}
	end := fs.Arg(0)

	ctx := context.Background()
	if h.host != "" {
		params := map[string]string{"end": end}
		if *windowFlag > 0 {
			params["window"] = strconv.Itoa(*windowFlag)
		}
		body, status, err := getRemote(ctx, h.host, h.resolveAPIKey(), "/mau", params)
		return printRemoteResult(body, status, err)
	}

	eng, err := newLocalEngine(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitRuntimeError
	}
	defer eng.Close()

	windowDays := *windowFlag
	if windowDays <= 0 {
		cfg, cfgErr := config.Load()
		if cfgErr != nil {
			fmt.Fprintf(os.Stderr, "load config: %v\n", cfgErr)
			return exitRuntimeError
		}
		windowDays = cfg.MAUWindowDays
	}

	result, err := eng.eng.ReleaseMAU(ctx, end, windowDays)
	return printLocalResult(result, err)
}

func cmdFlushDeletes(args []string) int {
	fs := flag.NewFlagSet("flush-deletes", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return exitUsageError
	}

	ctx := context.Background()
	eng, err := newLocalEngine(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitRuntimeError
	}
	defer eng.Close()

	if err := eng.eng.ReplayDeletions(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "flush-deletes failed: %v\n", err)
		return exitRuntimeError
	}
	fmt.Println("queued deletions marked for rebuild")
	return exitOK
}

func cmdResetBudget(args []string) int {
	fs := flag.NewFlagSet("reset-budget", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return exitUsageError
	}
	if fs.NArg() != 2 {
		fmt.Fprintln(os.Stderr, "reset-budget requires <dau|mau> <YYYY-MM>")
		return exitUsageError
	}
	metric, err := parseMetric(fs.Arg(0))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUsageError
	}
	month := fs.Arg(1)

	ctx := context.Background()
	eng, err := newLocalEngine(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitRuntimeError
	}
	defer eng.Close()

	if err := eng.eng.ResetBudget(ctx, metric, month); err != nil {
		fmt.Fprintf(os.Stderr, "reset-budget failed: %v\n", err)
		return exitRuntimeError
	}
	fmt.Printf("reset budget for %s during %s\n", metric, month)
	return exitOK
}

func cmdRotateSalt(args []string) int {
	fs := flag.NewFlagSet("rotate-salt", flag.ContinueOnError)
	rotationDays := fs.Int("rotation-days", 30, "rotation cadence in days")
	if err := fs.Parse(args); err != nil {
		return exitUsageError
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "rotate-salt requires an effective-date argument (YYYY-MM-DD)")
		return exitUsageError
	}
	effective := fs.Arg(0)

	secret, err := hashing.GenerateRandomSecret()
	if err != nil {
		fmt.Fprintf(os.Stderr, "generate secret: %v\n", err)
		return exitRuntimeError
	}

	ctx := context.Background()
	eng, err := newLocalEngine(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitRuntimeError
	}
	defer eng.Close()

	today := time.Now().UTC().Format("2006-01-02")
	if err := eng.eng.RotateSalt(ctx, secret, effective, *rotationDays, today); err != nil {
		fmt.Fprintf(os.Stderr, "rotate-salt failed: %v\n", err)
		return exitRuntimeError
	}

	fmt.Println("recorded new salt epoch. Update your secrets manager once it takes effect:")
	fmt.Printf("HASH_SALT_SECRET=%s\n", secret)
	fmt.Printf("HASH_SALT_ROTATION_DAYS=%d\n", *rotationDays)
	fmt.Printf("effective date: %s\n", effective)
	return exitOK
}

func cmdGenerateSynthetic(args []string) int {
	fs := flag.NewFlagSet("generate-synthetic", flag.ContinueOnError)
	out := fs.String("out", "synthetic.jsonl", "destination JSONL path")
	days := fs.Int("days", 30, "number of days to generate")
	dailyUsers := fs.Int("daily-users", 500, "approximate users per day")
	deleteRate := fs.Float64("delete-rate", 0.1, "fraction of users triggering deletes")
	seed := fs.Int64("seed", 20251009, "random seed")
	start := fs.String("start", "", "start day (YYYY-MM-DD); default: today - days + 1")
	if err := fs.Parse(args); err != nil {
		return exitUsageError
	}
	if *days < 1 {
		fmt.Fprintln(os.Stderr, "--days must be >= 1")
		return exitUsageError
	}
	if *dailyUsers < 1 {
		fmt.Fprintln(os.Stderr, "--daily-users must be >= 1")
		return exitUsageError
	}
	if *deleteRate < 0 || *deleteRate > 1 {
		fmt.Fprintln(os.Stderr, "--delete-rate must be within [0,1]")
		return exitUsageError
	}

	startDay := time.Now().UTC().AddDate(0, 0, -(*days - 1))
	if *start != "" {
		parsed, err := time.Parse("2006-01-02", *start)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid --start: %v\n", err)
			return exitUsageError
		}
		startDay = parsed
	}

	if err := writeSyntheticWorkload(*out, startDay, *days, *dailyUsers, *deleteRate, *seed); err != nil {
		fmt.Fprintf(os.Stderr, "generate-synthetic failed: %v\n", err)
		return exitRuntimeError
	}
	fmt.Printf("wrote synthetic workload to %s\n", *out)
	return exitOK
}

// writeSyntheticWorkload mirrors the reference generator: each day a fixed
// pool of users is sampled as active, and a configurable fraction of users
// who have prior activity are sampled to be erased, tombstoning every day
// they were seen.
func writeSyntheticWorkload(out string, start time.Time, days, dailyUsers int, deleteRate float64, seed int64) error {
	rng := rand.New(rand.NewSource(seed))
	pool := make([]string, dailyUsers*2)
	for i := range pool {
		pool[i] = fmt.Sprintf("user-%06d", i)
	}

	activity := make(map[string][]string)

	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	f, err := os.Create(out)
	if err != nil {
		return fmt.Errorf("create %s: %w", out, err)
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	defer w.Flush()

	for offset := 0; offset < days; offset++ {
		day := start.AddDate(0, 0, offset)
		dayStr := day.Format("2006-01-02")

		active := samplePool(rng, pool, dailyUsers)
		for _, user := range active {
			row := map[string]any{
				"user_id": user,
				"op":      "+",
				"day":     dayStr,
				"metadata": map[string]any{
					"source":     "synthetic",
					"day_offset": offset,
				},
			}
			if err := writeJSONLine(w, row); err != nil {
				return err
			}
			activity[user] = append(activity[user], dayStr)
		}

		var deletable []string
		for user, seenDays := range activity {
			if len(seenDays) > 0 {
				deletable = append(deletable, user)
			}
		}
		numDeletes := int(deleteRate*float64(len(deletable)) + 0.5)
		deletes := samplePool(rng, deletable, numDeletes)
		for _, user := range deletes {
			seenDays := activity[user]
			if len(seenDays) == 0 {
				continue
			}
			row := map[string]any{
				"user_id": user,
				"op":      "-",
				"day":     dayStr,
				"metadata": map[string]any{
					"source": "synthetic",
					"days":   append([]string{}, seenDays...),
				},
			}
			if err := writeJSONLine(w, row); err != nil {
				return err
			}
			activity[user] = nil
		}
	}
	return nil
}

func samplePool(rng *rand.Rand, pool []string, k int) []string {
	if k > len(pool) {
		k = len(pool)
	}
	shuffled := append([]string{}, pool...)
	rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	return shuffled[:k]
}

func writeJSONLine(w io.Writer, row map[string]any) error {
	encoded, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("encode row: %w", err)
	}
	if _, err := w.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("write row: %w", err)
	}
	return nil
}

// loadEvents reads a batch of IncomingEvents from a JSONL or CSV file. CSV
// columns prefixed "metadata." are folded into the event's metadata map.
func loadEvents(path string) ([]pipeline.IncomingEvent, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	if strings.EqualFold(filepath.Ext(path), ".csv") {
		return loadEventsCSV(f)
	}
	return loadEventsJSONL(f)
}

func loadEventsJSONL(r io.Reader) ([]pipeline.IncomingEvent, error) {
	var events []pipeline.IncomingEvent
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var raw struct {
			UserID   string         `json:"user_id"`
			Op       string         `json:"op"`
			Day      string         `json:"day"`
			Metadata map[string]any `json:"metadata"`
		}
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			return nil, fmt.Errorf("parse jsonl line: %w", err)
		}
		events = append(events, pipeline.IncomingEvent{
			UserID: raw.UserID, Op: domain.Op(raw.Op), Day: raw.Day, Metadata: raw.Metadata,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan jsonl: %w", err)
	}
	return events, nil
}

func loadEventsCSV(r io.Reader) ([]pipeline.IncomingEvent, error) {
	reader := csv.NewReader(r)
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	var events []pipeline.IncomingEvent
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv row: %w", err)
		}
		ev := pipeline.IncomingEvent{Metadata: map[string]any{}}
		for i, col := range header {
			if i >= len(record) || record[i] == "" {
				continue
			}
			switch {
			case col == "user_id":
				ev.UserID = record[i]
			case col == "op":
				ev.Op = domain.Op(record[i])
			case col == "day":
				ev.Day = record[i]
			case strings.HasPrefix(col, "metadata."):
				ev.Metadata[strings.TrimPrefix(col, "metadata.")] = record[i]
			}
		}
		events = append(events, ev)
	}
	return events, nil
}

func parseMetric(raw string) (domain.Metric, error) {
	switch strings.ToLower(raw) {
	case "dau":
		return domain.MetricDAU, nil
	case "mau":
		return domain.MetricMAU, nil
	default:
		return "", fmt.Errorf("metric must be 'dau' or 'mau', got %q", raw)
	}
}

func postEventsRemote(ctx context.Context, host, apiKey string, events []pipeline.IncomingEvent) error {
	type eventModel struct {
		UserID   string         `json:"user_id"`
		Op       string         `json:"op"`
		Day      string         `json:"day"`
		Metadata map[string]any `json:"metadata,omitempty"`
	}
	models := make([]eventModel, len(events))
	for i, ev := range events {
		models[i] = eventModel{UserID: ev.UserID, Op: string(ev.Op), Day: ev.Day, Metadata: ev.Metadata}
	}
	body, err := json.Marshal(map[string]any{"events": models})
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(host, "/")+"/event", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return fmt.Errorf("service returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func getRemote(ctx context.Context, host, apiKey, path string, params map[string]string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(host, "/")+path, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	if len(params) > 0 {
		q := req.URL.Query()
		for k, v := range params {
			q.Set(k, v)
		}
		req.URL.RawQuery = q.Encode()
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	return body, resp.StatusCode, nil
}

func printRemoteResult(body []byte, status int, err error) int {
	if err != nil {
		fmt.Fprintf(os.Stderr, "request failed: %v\n", err)
		return exitRuntimeError
	}
	if status == http.StatusTooManyRequests {
		fmt.Println(prettyJSON(body))
		return exitBudgetExhausted
	}
	if status >= 400 {
		fmt.Fprintf(os.Stderr, "request failed: %s\n", string(body))
		return exitRuntimeError
	}
	fmt.Println(prettyJSON(body))
	return exitOK
}

func printLocalResult(result *pipeline.ReleaseResult, err error) int {
	if err != nil {
		var denied *apperr.BudgetExhausted
		if errors.As(err, &denied) {
			fmt.Fprintf(os.Stderr, "budget exhausted: %v\n", err)
			return exitBudgetExhausted
		}
		fmt.Fprintf(os.Stderr, "release failed: %v\n", err)
		return exitRuntimeError
	}
	encoded, marshalErr := json.MarshalIndent(result, "", "  ")
	if marshalErr != nil {
		fmt.Fprintf(os.Stderr, "encode result: %v\n", marshalErr)
		return exitRuntimeError
	}
	fmt.Println(string(encoded))
	return exitOK
}

func prettyJSON(body []byte) string {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return string(body)
	}
	encoded, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return string(body)
	}
	return string(encoded)
}
