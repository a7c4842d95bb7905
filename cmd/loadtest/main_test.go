package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/funnel/internal/catalog"
	"github.com/vladislavdragonenkov/funnel/internal/domain"
	"github.com/vladislavdragonenkov/funnel/internal/metrics"
	"github.com/vladislavdragonenkov/funnel/internal/service/funnel"
	"github.com/vladislavdragonenkov/funnel/internal/service/payment"
	"github.com/vladislavdragonenkov/funnel/internal/storage/memory"
	"github.com/vladislavdragonenkov/funnel/internal/transport/httpapi"
)

func init() {
	gin.SetMode(gin.TestMode)
	log.SetLevel(log.ErrorLevel)
}

func withCLIArgs(t *testing.T, args []string, fn func()) {
	t.Helper()

	oldArgs := os.Args
	oldCommandLine := flag.CommandLine

	os.Args = append([]string{"loadtest"}, args...)
	fs := flag.NewFlagSet(os.Args[0], flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	flag.CommandLine = fs

	defer func() {
		os.Args = oldArgs
		flag.CommandLine = oldCommandLine
	}()

	fn()
}

// startFunnelAPI поднимает публичный API воронки на in-memory хранилище.
func startFunnelAPI(t *testing.T) (*httptest.Server, *payment.MockGateway) {
	t.Helper()

	registry := prometheus.NewRegistry()
	gateway := payment.NewMockGateway()
	cat := catalog.Default()

	svc, err := funnel.NewService(funnel.Dependencies{
		Sessions: memory.NewSessionRepository(),
		Orders:   memory.NewOrderRepository(),
		Outbox:   memory.NewOutboxRepository(),
		Timeline: memory.NewTimelineRepository(),
		Gateway:  gateway,
		Catalog:  cat,
	}, funnel.WithMetrics(metrics.NewFunnelMetricsWithRegisterer(registry)))
	require.NoError(t, err)

	api := httpapi.NewServer(httpapi.Config{
		Service:     svc,
		Offers:      cat,
		Idempotency: memory.NewIdempotencyRepository(),
		Metrics:     metrics.NewHTTPMetrics(registry),
	})
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return srv, gateway
}

func newTestClient(baseURL string) *apiClient {
	return &apiClient{baseURL: baseURL, http: http.DefaultClient, timeout: 2 * time.Second}
}

func baseConfig(mode loadMode) config {
	return config{
		mode:         mode,
		timeout:      2 * time.Second,
		acceptRate:   50,
		sku:          "GLOW-1",
		paymentToken: "tok_load",
		emailDomain:  "load.example.com",
	}
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		input   string
		want    loadMode
		wantErr bool
	}{
		{input: "checkout", want: modeCheckout},
		{input: "accept", want: modeAccept},
		{input: " decline ", want: modeDecline},
		{input: "mixed", want: modeMixed},
		{input: "bad", wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.input, func(t *testing.T) {
			got, err := parseMode(tc.input)
			if tc.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "unsupported mode")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParseConfig(t *testing.T) {
	t.Run("count mode", func(t *testing.T) {
		withCLIArgs(t, []string{
			"-url=http://127.0.0.1:8080/",
			"-mode=mixed",
			"-total=12",
			"-concurrency=3",
			"-timeout=2s",
			"-accept-rate=10",
			"-sku=GLOW-3",
			"-output=/tmp/out.json",
		}, func() {
			cfg, err := parseConfig()
			require.NoError(t, err)
			assert.True(t, cfg.totalSet)
			assert.Zero(t, cfg.duration)
			assert.Equal(t, modeMixed, cfg.mode)
			assert.Equal(t, "http://127.0.0.1:8080", cfg.baseURL)
			assert.Equal(t, 12, cfg.total)
			assert.Equal(t, 3, cfg.concurrency)
			assert.Equal(t, 10, cfg.acceptRate)
			assert.Equal(t, 2*time.Second, cfg.timeout)
		})
	})

	t.Run("duration mode", func(t *testing.T) {
		withCLIArgs(t, []string{"-duration=3s", "-concurrency=2"}, func() {
			cfg, err := parseConfig()
			require.NoError(t, err)
			assert.Equal(t, 3*time.Second, cfg.duration)
			assert.False(t, cfg.totalSet)
		})
	})

	t.Run("validation errors", func(t *testing.T) {
		tests := []struct {
			name    string
			args    []string
			wantErr string
		}{
			{name: "invalid duration", args: []string{"-duration=bad"}, wantErr: "parse duration"},
			{name: "negative duration", args: []string{"-duration=-1s"}, wantErr: "duration must be >= 0"},
			{name: "invalid accept rate", args: []string{"-accept-rate=101"}, wantErr: "accept-rate must be between 0 and 100"},
			{name: "empty total", args: []string{"-duration=0s", "-total=0"}, wantErr: "total must be > 0"},
			{name: "empty url", args: []string{"-url= "}, wantErr: "url is required"},
			{name: "empty sku", args: []string{"-sku="}, wantErr: "sku is required"},
		}

		for _, tc := range tests {
			t.Run(tc.name, func(t *testing.T) {
				withCLIArgs(t, tc.args, func() {
					_, err := parseConfig()
					require.Error(t, err)
					assert.Contains(t, err.Error(), tc.wantErr)
				})
			})
		}
	})
}

func TestDispatchJobs(t *testing.T) {
	t.Run("count mode", func(t *testing.T) {
		jobs := make(chan int, 16)
		dispatchJobs(jobs, config{total: 5})

		var got []int
		for v := range jobs {
			got = append(got, v)
		}
		assert.True(t, slices.Equal(got, []int{0, 1, 2, 3, 4}), "jobs: %v", got)
	})

	t.Run("duration mode", func(t *testing.T) {
		jobs := make(chan int, 32)
		done := make(chan struct{})
		go func() {
			dispatchJobs(jobs, config{duration: 20 * time.Millisecond})
			close(done)
		}()

		count := 0
		for range jobs {
			count++
		}
		<-done
		assert.Positive(t, count)
	})

	t.Run("duration with explicit max total", func(t *testing.T) {
		jobs := make(chan int, 16)
		dispatchJobs(jobs, config{duration: time.Second, total: 3, totalSet: true})
		count := 0
		for range jobs {
			count++
		}
		assert.Equal(t, 3, count)
	})
}

func TestCollectorAndReport(t *testing.T) {
	c := newCollector()
	c.record("scenario", 10*time.Millisecond, "200", true)
	c.record("scenario", 20*time.Millisecond, "502", false)
	c.record("checkout", 15*time.Millisecond, "200", true)
	c.finish(domain.StepSuccess)

	snap, ok := c.snapshot("scenario")
	require.True(t, ok)
	assert.Equal(t, int64(2), snap.Calls)
	assert.Equal(t, int64(1), snap.Success)
	assert.Equal(t, int64(1), snap.Failed)
	assert.Equal(t, map[string]int64{"200": 1, "502": 1}, snap.Statuses)

	r := c.buildReport(time.Now(), 2*time.Second)
	assert.Equal(t, int64(2), r.TotalScenarios)
	assert.Equal(t, int64(1), r.FailedScenarios)
	assert.Positive(t, r.RPS)
	assert.Contains(t, r.Calls, "checkout")
	assert.Equal(t, int64(1), r.FinalSteps[string(domain.StepSuccess)])
}

func TestUtilityFunctions(t *testing.T) {
	assert.Equal(t, "200", statusLabel(nil))
	assert.Equal(t, "409", statusLabel(&apiError{Status: http.StatusConflict, Code: "step_mismatch"}))
	assert.Equal(t, transportError, statusLabel(io.ErrUnexpectedEOF))

	assert.InDelta(t, 0.25, ratio(1, 4), 1e-9)
	assert.Zero(t, ratio(1, 0))

	values := []float64{10, 20, 30, 40}
	summary := buildLatencySummary(values)
	assert.Positive(t, summary.P50)
	assert.Positive(t, summary.P95)
	assert.Equal(t, 40.0, summary.Max)
	assert.Equal(t, 25.0, percentile(values, 50))

	assert.Equal(t, "count:50", runTarget(config{total: 50}))
	assert.Equal(t, "duration:2s", runTarget(config{duration: 2 * time.Second}))
	assert.Equal(t, "duration:2s,max-total:10", runTarget(config{duration: 2 * time.Second, total: 10, totalSet: true}))
}

func TestShouldAccept(t *testing.T) {
	assert.True(t, shouldAccept(config{mode: modeAccept}, 99, domain.StepUpsell2))
	assert.False(t, shouldAccept(config{mode: modeDecline}, 0, domain.StepUpsell1))
	assert.False(t, shouldAccept(config{mode: modeMixed, acceptRate: 0}, 0, domain.StepUpsell1))
	assert.True(t, shouldAccept(config{mode: modeMixed, acceptRate: 100}, 99, domain.StepUpsell1))

	mixed := config{mode: modeMixed, acceptRate: 50}
	assert.True(t, shouldAccept(mixed, 10, domain.StepUpsell1))
	assert.False(t, shouldAccept(mixed, 10, domain.StepUpsell2))
}

func TestWriteJSONReport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.json")

	sample := report{TotalScenarios: 2, SuccessScenarios: 2}
	require.NoError(t, writeJSONReport(path, sample))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var decoded report
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, int64(2), decoded.TotalScenarios)

	assert.Error(t, writeJSONReport(".", sample))
	assert.Error(t, writeJSONReport("../outside.json", sample))
}

func TestRunScenario_AgainstFunnelAPI(t *testing.T) {
	tests := []struct {
		mode      loadMode
		wantFinal domain.Step
		wantCalls []string
	}{
		{mode: modeCheckout, wantFinal: domain.StepUpsell1, wantCalls: []string{"start", "checkout"}},
		{mode: modeAccept, wantFinal: domain.StepSuccess, wantCalls: []string{"start", "checkout", "accept"}},
		{mode: modeDecline, wantFinal: domain.StepSuccess, wantCalls: []string{"start", "checkout", "decline"}},
	}

	for _, tc := range tests {
		t.Run(string(tc.mode), func(t *testing.T) {
			srv, _ := startFunnelAPI(t)
			col := newCollector()

			err := runScenario(newTestClient(srv.URL), baseConfig(tc.mode), 1, "run-1", col)
			require.NoError(t, err)

			r := col.buildReport(time.Now(), time.Second)
			assert.Equal(t, int64(1), r.SuccessScenarios)
			assert.Equal(t, int64(1), r.FinalSteps[string(tc.wantFinal)])
			for _, name := range tc.wantCalls {
				assert.Contains(t, r.Calls, name)
			}
		})
	}
}

func TestRunScenario_DeclinedPaymentFails(t *testing.T) {
	srv, gateway := startFunnelAPI(t)
	gateway.Configure(domain.PaymentStatusDeclined, nil)
	col := newCollector()

	err := runScenario(newTestClient(srv.URL), baseConfig(modeAccept), 2, "run-2", col)
	require.NoError(t, err, "declined payment keeps the session on checkout")

	r := col.buildReport(time.Now(), time.Second)
	assert.Equal(t, int64(1), r.FinalSteps[string(domain.StepCheckout)])
}

func TestRunScenario_UnknownSKU(t *testing.T) {
	srv, _ := startFunnelAPI(t)
	cfg := baseConfig(modeCheckout)
	cfg.sku = "NOPE"
	col := newCollector()

	err := runScenario(newTestClient(srv.URL), cfg, 3, "run-3", col)
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)

	snap, ok := col.snapshot("scenario")
	require.True(t, ok)
	assert.Equal(t, int64(1), snap.Failed)
	assert.Equal(t, int64(1), snap.Statuses["400"])
}

func TestPrintReport(t *testing.T) {
	r := report{
		TotalScenarios:   2,
		SuccessScenarios: 2,
		FinalSteps:       map[string]int64{"success": 2},
		Calls: map[string]callReport{
			"scenario": {Calls: 2, Success: 2},
			"checkout": {Calls: 2, Success: 2},
		},
	}

	var out bytes.Buffer
	printReport(&out, r, config{mode: modeAccept, total: 2})

	assert.Contains(t, out.String(), "Load test summary")
	assert.Contains(t, out.String(), "final step success: 2")
	assert.Contains(t, out.String(), "checkout: calls=2")
	assert.False(t, strings.Contains(out.String(), "scenario: calls"))
}

func TestMainSmoke(t *testing.T) {
	srv, _ := startFunnelAPI(t)
	outPath := filepath.Join(t.TempDir(), "main-report.json")

	withCLIArgs(t, []string{
		"-url=" + srv.URL,
		"-mode=mixed",
		"-total=5",
		"-concurrency=2",
		"-timeout=2s",
		"-output=" + outPath,
	}, func() {
		main()
	})

	data, err := os.ReadFile(outPath)
	require.NoError(t, err)
	var decoded report
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, int64(5), decoded.SuccessScenarios)
	assert.Equal(t, int64(5), decoded.FinalSteps[string(domain.StepSuccess)])
}
