// Command loadtest прогоняет сценарии воронки через публичный HTTP API
// и печатает сводку по задержкам и кодам ответов.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vladislavdragonenkov/funnel/internal/domain"
	"github.com/vladislavdragonenkov/funnel/internal/service/funnel"
)

const (
	idempotencyHeader = "Idempotency-Key"
	transportError    = "transport"
)

type loadMode string

const (
	modeCheckout loadMode = "checkout"
	modeAccept   loadMode = "accept"
	modeDecline  loadMode = "decline"
	modeMixed    loadMode = "mixed"
)

type config struct {
	baseURL      string
	total        int
	totalSet     bool
	duration     time.Duration
	concurrency  int
	timeout      time.Duration
	mode         loadMode
	acceptRate   int
	sku          string
	paymentToken string
	emailDomain  string
	outputPath   string
}

type latencySummary struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
	Avg float64 `json:"avg"`
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

type callReport struct {
	Calls     int64            `json:"calls"`
	Success   int64            `json:"success"`
	Failed    int64            `json:"failed"`
	ErrorRate float64          `json:"error_rate"`
	Statuses  map[string]int64 `json:"statuses"`
	LatencyMs latencySummary   `json:"latency_ms"`
}

type report struct {
	StartedAt         time.Time             `json:"started_at"`
	DurationSeconds   float64               `json:"duration_seconds"`
	TotalScenarios    int64                 `json:"total_scenarios"`
	SuccessScenarios  int64                 `json:"success_scenarios"`
	FailedScenarios   int64                 `json:"failed_scenarios"`
	ErrorRate         float64               `json:"error_rate"`
	RPS               float64               `json:"rps"`
	ScenarioLatencyMs latencySummary        `json:"scenario_latency_ms"`
	FinalSteps        map[string]int64      `json:"final_steps"`
	Calls             map[string]callReport `json:"calls"`
}

type callStats struct {
	calls     int64
	success   int64
	failed    int64
	statuses  map[string]int64
	latencies []float64
}

type collector struct {
	mu         sync.Mutex
	calls      map[string]*callStats
	finalSteps map[string]int64
}

func newCollector() *collector {
	return &collector{
		calls:      make(map[string]*callStats),
		finalSteps: make(map[string]int64),
	}
}

// record учитывает один вызов; status пустой для успешного сценария.
func (c *collector) record(name string, latency time.Duration, status string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats, found := c.calls[name]
	if !found {
		stats = &callStats{statuses: make(map[string]int64)}
		c.calls[name] = stats
	}

	stats.calls++
	if ok {
		stats.success++
	} else {
		stats.failed++
	}
	if status != "" {
		stats.statuses[status]++
	}
	stats.latencies = append(stats.latencies, float64(latency.Microseconds())/1000.0)
}

func (c *collector) finish(step domain.Step) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finalSteps[string(step)]++
}

func (c *collector) snapshot(name string) (callReport, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats, ok := c.calls[name]
	if !ok {
		return callReport{}, false
	}
	return stats.report(), true
}

func (s *callStats) report() callReport {
	statuses := make(map[string]int64, len(s.statuses))
	for status, count := range s.statuses {
		statuses[status] = count
	}
	return callReport{
		Calls:     s.calls,
		Success:   s.success,
		Failed:    s.failed,
		ErrorRate: ratio(s.failed, s.calls),
		Statuses:  statuses,
		LatencyMs: buildLatencySummary(s.latencies),
	}
}

func (c *collector) buildReport(startedAt time.Time, duration time.Duration) report {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := report{
		StartedAt:       startedAt.UTC(),
		DurationSeconds: duration.Seconds(),
		FinalSteps:      make(map[string]int64, len(c.finalSteps)),
		Calls:           make(map[string]callReport, len(c.calls)),
	}

	if scenario := c.calls["scenario"]; scenario != nil {
		result.TotalScenarios = scenario.calls
		result.SuccessScenarios = scenario.success
		result.FailedScenarios = scenario.failed
		result.ErrorRate = ratio(scenario.failed, scenario.calls)
		result.ScenarioLatencyMs = buildLatencySummary(scenario.latencies)
	}
	if duration > 0 {
		result.RPS = float64(result.TotalScenarios) / duration.Seconds()
	}
	for step, count := range c.finalSteps {
		result.FinalSteps[step] = count
	}
	for name, stats := range c.calls {
		result.Calls[name] = stats.report()
	}
	return result
}

func parseConfig() (config, error) {
	var cfg config
	var modeValue string
	var timeoutValue string
	var durationValue string

	flag.StringVar(&cfg.baseURL, "url", "http://localhost:8080", "funnel HTTP API base URL")
	flag.IntVar(&cfg.total, "total", 200, "total scenarios to execute in count mode; in duration mode only used when explicitly set")
	flag.StringVar(&durationValue, "duration", "0s", "optional time-based run duration (e.g. 10m, 15m)")
	flag.IntVar(&cfg.concurrency, "concurrency", 20, "number of concurrent workers")
	flag.StringVar(&timeoutValue, "timeout", "5s", "per-request timeout")
	flag.StringVar(&modeValue, "mode", string(modeAccept), "load mode: checkout | accept | decline | mixed")
	flag.IntVar(&cfg.acceptRate, "accept-rate", 50, "upsell accept probability in percent for mixed mode (0..100)")
	flag.StringVar(&cfg.sku, "sku", "GLOW-1", "main offer SKU")
	flag.StringVar(&cfg.paymentToken, "payment-token", "tok_load", "payment token sent with checkout")
	flag.StringVar(&cfg.emailDomain, "email-domain", "load.example.com", "domain for generated customer emails")
	flag.StringVar(&cfg.outputPath, "output", "", "optional JSON report output file path")
	flag.Parse()

	timeout, err := time.ParseDuration(strings.TrimSpace(timeoutValue))
	if err != nil {
		return cfg, fmt.Errorf("parse timeout: %w", err)
	}
	cfg.timeout = timeout

	duration, err := time.ParseDuration(strings.TrimSpace(durationValue))
	if err != nil {
		return cfg, fmt.Errorf("parse duration: %w", err)
	}
	cfg.duration = duration

	flag.CommandLine.Visit(func(f *flag.Flag) {
		if f.Name == "total" {
			cfg.totalSet = true
		}
	})

	mode, err := parseMode(modeValue)
	if err != nil {
		return cfg, err
	}
	cfg.mode = mode
	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")

	if cfg.baseURL == "" {
		return cfg, errors.New("url is required")
	}
	if cfg.duration < 0 {
		return cfg, errors.New("duration must be >= 0")
	}
	if cfg.duration == 0 && cfg.total <= 0 {
		return cfg, errors.New("total must be > 0 when duration is not set")
	}
	if cfg.duration > 0 && cfg.totalSet && cfg.total <= 0 {
		return cfg, errors.New("total must be > 0 when explicitly set with duration")
	}
	if cfg.concurrency <= 0 {
		return cfg, errors.New("concurrency must be > 0")
	}
	if cfg.timeout <= 0 {
		return cfg, errors.New("timeout must be > 0")
	}
	if cfg.acceptRate < 0 || cfg.acceptRate > 100 {
		return cfg, errors.New("accept-rate must be between 0 and 100")
	}
	if strings.TrimSpace(cfg.sku) == "" {
		return cfg, errors.New("sku is required")
	}
	if strings.TrimSpace(cfg.paymentToken) == "" {
		return cfg, errors.New("payment-token is required")
	}
	if strings.TrimSpace(cfg.emailDomain) == "" {
		return cfg, errors.New("email-domain is required")
	}

	return cfg, nil
}

func parseMode(value string) (loadMode, error) {
	switch loadMode(strings.TrimSpace(value)) {
	case modeCheckout:
		return modeCheckout, nil
	case modeAccept:
		return modeAccept, nil
	case modeDecline:
		return modeDecline, nil
	case modeMixed:
		return modeMixed, nil
	default:
		return "", fmt.Errorf("unsupported mode: %s", value)
	}
}

func main() {
	cfg, err := parseConfig()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	client := &apiClient{
		baseURL: cfg.baseURL,
		http: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        cfg.concurrency,
				MaxIdleConnsPerHost: cfg.concurrency,
				IdleConnTimeout:     30 * time.Second,
			},
		},
		timeout: cfg.timeout,
	}

	startedAt := time.Now()
	runID := fmt.Sprintf("%d-%d", startedAt.UnixNano(), os.Getpid())
	col := newCollector()

	jobs := make(chan int, cfg.concurrency*2)
	var failures int64
	var wg sync.WaitGroup

	for workerID := 0; workerID < cfg.concurrency; workerID++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range jobs {
				if runErr := runScenario(client, cfg, id, runID, col); runErr != nil {
					atomic.AddInt64(&failures, 1)
				}
			}
		}()
	}

	dispatchJobs(jobs, cfg)
	wg.Wait()

	duration := time.Since(startedAt)
	result := col.buildReport(startedAt, duration)
	if result.FailedScenarios == 0 && failures > 0 {
		result.FailedScenarios = failures
		result.ErrorRate = ratio(result.FailedScenarios, result.TotalScenarios)
	}

	printReport(os.Stdout, result, cfg)
	if cfg.outputPath != "" {
		if err := writeJSONReport(cfg.outputPath, result); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "failed to write report: %v\n", err)
			os.Exit(1)
		}
	}

	if result.FailedScenarios > 0 {
		os.Exit(1)
	}
}

func dispatchJobs(jobs chan<- int, cfg config) {
	defer close(jobs)

	if cfg.duration <= 0 {
		for i := 0; i < cfg.total; i++ {
			jobs <- i
		}
		return
	}

	timer := time.NewTimer(cfg.duration)
	defer timer.Stop()

	for i := 0; ; i++ {
		if cfg.totalSet && i >= cfg.total {
			return
		}

		select {
		case <-timer.C:
			return
		case jobs <- i:
		}
	}
}

// apiError — ответ API с неуспешным статусом.
type apiError struct {
	Status int
	Code   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Code)
}

// apiClient — минимальный клиент публичного API воронки.
type apiClient struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
}

// call выполняет запрос и учитывает его в collector под именем name.
func (a *apiClient) call(name, method, path, idemKey string, body any, col *collector) (funnel.StatusView, error) {
	start := time.Now()
	view, err := a.do(method, path, idemKey, body)
	col.record(name, time.Since(start), statusLabel(err), err == nil)
	return view, err
}

func (a *apiClient) do(method, path, idemKey string, body any) (funnel.StatusView, error) {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return funnel.StatusView{}, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return funnel.StatusView{}, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idemKey != "" {
		req.Header.Set(idempotencyHeader, idemKey)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return funnel.StatusView{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var payload struct {
			Code string `json:"code"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&payload)
		return funnel.StatusView{}, &apiError{Status: resp.StatusCode, Code: payload.Code}
	}

	var view funnel.StatusView
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		return funnel.StatusView{}, fmt.Errorf("decode response: %w", err)
	}
	return view, nil
}

func runScenario(client *apiClient, cfg config, index int, runID string, col *collector) error {
	scenarioStart := time.Now()
	var scenarioErr error
	defer func() {
		col.record("scenario", time.Since(scenarioStart), statusLabel(scenarioErr), scenarioErr == nil)
	}()

	view, err := client.call("start", http.MethodPost, "/api/sessions", "", nil, col)
	if err != nil {
		scenarioErr = err
		return err
	}
	if view.SessionID == "" {
		scenarioErr = errors.New("start response returned empty session id")
		return scenarioErr
	}
	sessionPath := "/api/sessions/" + view.SessionID

	view, err = client.call("checkout", http.MethodPost, sessionPath+"/checkout",
		fmt.Sprintf("lt-checkout-%s-%d", runID, index), checkoutBody(cfg, runID, index), col)
	if err != nil {
		scenarioErr = err
		return err
	}

	if cfg.mode != modeCheckout {
		for _, step := range []domain.Step{domain.StepUpsell1, domain.StepUpsell2} {
			if view.Step != step {
				break
			}
			action := "decline"
			idemKey := ""
			if shouldAccept(cfg, index, step) {
				action = "accept"
				idemKey = fmt.Sprintf("lt-%s-%s-%d", step, runID, index)
			}
			view, err = client.call(action, http.MethodPost,
				sessionPath+"/upsells/"+string(step)+"/"+action, idemKey, nil, col)
			if err != nil {
				scenarioErr = err
				return err
			}
		}
	}

	col.finish(view.Step)
	return nil
}

func checkoutBody(cfg config, runID string, index int) map[string]any {
	return map[string]any{
		"sku": cfg.sku,
		"customer": map[string]any{
			"email":      fmt.Sprintf("load-%s-%d@%s", runID, index, cfg.emailDomain),
			"first_name": "Load",
			"last_name":  "Test",
			"address": map[string]any{
				"line1":       "1 Test St",
				"city":        "Austin",
				"postal_code": "73301",
				"country":     "US",
			},
		},
		"payment_token": cfg.paymentToken,
	}
}

func shouldAccept(cfg config, index int, step domain.Step) bool {
	switch cfg.mode {
	case modeAccept:
		return true
	case modeMixed:
		if cfg.acceptRate <= 0 {
			return false
		}
		if cfg.acceptRate >= 100 {
			return true
		}
		// Второй апселл сдвигается, чтобы решения по шагам не совпадали.
		if step == domain.StepUpsell2 {
			index += 37
		}
		return index%100 < cfg.acceptRate
	default:
		return false
	}
}

// statusLabel сводит ошибку к метке для отчёта: HTTP-статус или transport.
func statusLabel(err error) string {
	if err == nil {
		return strconv.Itoa(http.StatusOK)
	}
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		return strconv.Itoa(apiErr.Status)
	}
	return transportError
}

func writeJSONReport(path string, result report) error {
	cleanPath := filepath.Clean(path)
	if cleanPath == "." || cleanPath == string(filepath.Separator) {
		return errors.New("output path must point to a file")
	}
	if cleanPath == ".." || strings.HasPrefix(cleanPath, ".."+string(filepath.Separator)) {
		return fmt.Errorf("output path must be inside current directory: %s", path)
	}

	// #nosec G304 -- path is an explicit CLI output parameter for local load-test reports.
	file, err := os.Create(cleanPath)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(result)
}

func printReport(w io.Writer, result report, cfg config) {
	_, _ = fmt.Fprintln(w, "Load test summary")
	_, _ = fmt.Fprintf(w, "mode=%s run=%s total=%d success=%d failed=%d error_rate=%.4f\n",
		cfg.mode,
		runTarget(cfg),
		result.TotalScenarios,
		result.SuccessScenarios,
		result.FailedScenarios,
		result.ErrorRate,
	)
	_, _ = fmt.Fprintf(w, "duration=%.2fs rps=%.2f\n", result.DurationSeconds, result.RPS)
	_, _ = fmt.Fprintf(w, "scenario latency ms: min=%.2f avg=%.2f p50=%.2f p95=%.2f p99=%.2f max=%.2f\n",
		result.ScenarioLatencyMs.Min,
		result.ScenarioLatencyMs.Avg,
		result.ScenarioLatencyMs.P50,
		result.ScenarioLatencyMs.P95,
		result.ScenarioLatencyMs.P99,
		result.ScenarioLatencyMs.Max,
	)

	steps := make([]string, 0, len(result.FinalSteps))
	for step := range result.FinalSteps {
		steps = append(steps, step)
	}
	sort.Strings(steps)
	for _, step := range steps {
		_, _ = fmt.Fprintf(w, "final step %s: %d\n", step, result.FinalSteps[step])
	}

	names := make([]string, 0, len(result.Calls))
	for name := range result.Calls {
		if name == "scenario" {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		stats := result.Calls[name]
		_, _ = fmt.Fprintf(w,
			"%s: calls=%d success=%d failed=%d error_rate=%.4f p95=%.2fms\n",
			name,
			stats.Calls,
			stats.Success,
			stats.Failed,
			stats.ErrorRate,
			stats.LatencyMs.P95,
		)
	}
}

func runTarget(cfg config) string {
	if cfg.duration <= 0 {
		return fmt.Sprintf("count:%d", cfg.total)
	}
	if cfg.totalSet {
		return fmt.Sprintf("duration:%s,max-total:%d", cfg.duration, cfg.total)
	}
	return fmt.Sprintf("duration:%s", cfg.duration)
}

func buildLatencySummary(values []float64) latencySummary {
	if len(values) == 0 {
		return latencySummary{}
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	var sum float64
	for _, value := range sorted {
		sum += value
	}

	return latencySummary{
		Min: sorted[0],
		Max: sorted[len(sorted)-1],
		Avg: sum / float64(len(sorted)),
		P50: percentile(sorted, 50),
		P95: percentile(sorted, 95),
		P99: percentile(sorted, 99),
	}
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}

	rank := (p / 100.0) * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper {
		return sorted[lower]
	}

	weight := rank - float64(lower)
	return sorted[lower] + (sorted[upper]-sorted[lower])*weight
}

func ratio(failed, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(failed) / float64(total)
}
